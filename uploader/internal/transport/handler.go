package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/you-humble/mediaupload/uploader/internal/callback"
	"github.com/you-humble/mediaupload/uploader/internal/dispatcher"
	"github.com/you-humble/mediaupload/uploader/internal/domain"
	"github.com/you-humble/mediaupload/uploader/internal/payload"
	"github.com/you-humble/mediaupload/uploader/internal/policy"
	"github.com/you-humble/mediaupload/uploader/internal/signing"

	"github.com/google/uuid"
)

type Uploader interface {
	NewRequest(p payload.Payload, opts ...domain.RequestOption) (domain.UploadRequest, error)
	Dispatch(ctx context.Context, req domain.UploadRequest) (string, error)
	Status(ctx context.Context, id string) (domain.UploadRequest, error)
	Cancel(ctx context.Context, id string) error
	StartNow(ctx context.Context, id string) error
	GlobalPolicy() policy.Global
}

// Stager keeps a posted body somewhere a content payload can reach it.
type Stager interface {
	Stage(ctx context.Context, r io.Reader, filename string, size int64) (string, error)
}

type Listeners interface {
	Register(requestID string, l callback.Listener) (unregister func())
}

// maxResultWait caps how long GET /uploads/{id}/result may block.
const maxResultWait = 60 * time.Second

// reserved multipart fields that are not upload options
var reservedFields = map[string]bool{
	"preprocess":          true,
	"immediate":           true,
	"min_latency":         true,
	"max_execution_delay": true,
}

type handler struct {
	maxUploadBytes int64
	uploader       Uploader
	stager         Stager
	listeners      Listeners
	cloud          signing.Config
}

func NewHandler(maxUploadBytesMb int64, uploader Uploader, stager Stager, listeners Listeners, cloud signing.Config) *handler {
	return &handler{
		maxUploadBytes: maxUploadBytesMb << 20,
		uploader:       uploader,
		stager:         stager,
		listeners:      listeners,
		cloud:          cloud,
	}
}

func requestLogger(r *http.Request, name string) *slog.Logger {
	return slog.With(
		slog.String("http_request_id", uuid.NewString()),
		slog.String("handler", name),
		slog.String("remote_addr", r.RemoteAddr),
	)
}

func (h *handler) create(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r, "create")

	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	var (
		req domain.UploadRequest
		err error
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		req, err = h.fromMultipart(r, logger)
	} else {
		req, err = h.fromJSON(r)
	}
	if err != nil {
		logger.Warn("bad upload request", slog.String("error", err.Error()))
		writeError(w, statusFor(err), err.Error())
		return
	}

	id, err := h.uploader.Dispatch(r.Context(), req)
	if err != nil {
		if errors.Is(err, domain.ErrOptionsInvalid) {
			logger.Warn("rejected upload request", slog.String("error", err.Error()))
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger.Error("Dispatch", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "cannot dispatch upload")
		return
	}

	logger.Info("upload dispatched", slog.String("request_id", id))
	writeJSON(w, http.StatusAccepted, CreateResponse{ID: id})
}

func (h *handler) fromJSON(r *http.Request) (domain.UploadRequest, error) {
	var body CreateRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		return domain.UploadRequest{}, errors.Join(domain.ErrOptionsInvalid, err)
	}

	p, err := payload.FromURI(body.Payload)
	if err != nil {
		return domain.UploadRequest{}, err
	}

	opts, err := requestOptions(body.Options)
	if err != nil {
		return domain.UploadRequest{}, err
	}

	pol, err := body.Policy.apply(h.uploader.GlobalPolicy().UploadPolicy)
	if err != nil {
		return domain.UploadRequest{}, err
	}
	opts = append(opts, domain.WithPolicy(pol))

	switch {
	case body.Immediate:
		opts = append(opts, domain.WithTimeWindow(policy.Immediate()))
	case body.Window != nil:
		win, err := body.Window.window()
		if err != nil {
			return domain.UploadRequest{}, err
		}
		opts = append(opts, domain.WithTimeWindow(win))
	}
	if body.Preprocess != "" {
		opts = append(opts, domain.WithPreprocess(body.Preprocess))
	}

	return h.uploader.NewRequest(p, opts...)
}

// fromMultipart stages the posted file and turns every other form field
// into an upload option.
func (h *handler) fromMultipart(r *http.Request, logger *slog.Logger) (domain.UploadRequest, error) {
	if h.stager == nil {
		return domain.UploadRequest{}, errStagingDisabled
	}
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		return domain.UploadRequest{}, errors.Join(domain.ErrOptionsInvalid, err)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return domain.UploadRequest{}, errors.Join(domain.ErrEmptyPayload, errors.New("field `file` is required"))
	}
	defer file.Close()

	uri, err := h.stager.Stage(r.Context(), file, header.Filename, header.Size)
	if err != nil {
		logger.Error("Stage", slog.String("error", err.Error()))
		return domain.UploadRequest{}, errors.Join(errStaging, err)
	}

	var opts []domain.RequestOption
	for key, values := range r.MultipartForm.Value {
		if reservedFields[key] || len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			opts = append(opts, domain.WithOption(key, values[0]))
		} else {
			opts = append(opts, domain.WithListOption(key, values))
		}
	}

	if r.FormValue("immediate") == "true" {
		opts = append(opts, domain.WithTimeWindow(policy.Immediate()))
	} else if r.FormValue("max_execution_delay") != "" {
		win, err := (&WindowDTO{
			MinLatency:        r.FormValue("min_latency"),
			MaxExecutionDelay: r.FormValue("max_execution_delay"),
		}).window()
		if err != nil {
			return domain.UploadRequest{}, err
		}
		opts = append(opts, domain.WithTimeWindow(win))
	}
	if chain := r.FormValue("preprocess"); chain != "" {
		opts = append(opts, domain.WithPreprocess(chain))
	}

	return h.uploader.NewRequest(payload.Content{URI: uri}, opts...)
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r, "status")
	id := r.PathValue("id")

	req, err := h.uploader.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrRequestNotFound) {
			writeError(w, http.StatusNotFound, "upload not found")
			return
		}
		logger.Error("Status", slog.String("request_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "")
		return
	}

	writeJSON(w, http.StatusOK, toStatusResponse(req))
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r, "cancel")
	id := r.PathValue("id")

	if err := h.uploader.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrRequestNotFound) {
			writeError(w, http.StatusNotFound, "upload not found")
			return
		}
		logger.Error("Cancel", slog.String("request_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) start(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r, "start")
	id := r.PathValue("id")

	if err := h.uploader.StartNow(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, domain.ErrRequestNotFound):
			writeError(w, http.StatusNotFound, "upload not found")
		case errors.Is(err, dispatcher.ErrAlreadyFinished):
			writeError(w, http.StatusConflict, "upload already finished")
		default:
			logger.Error("StartNow", slog.String("request_id", id), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "")
		}
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// result blocks until the request's terminal event arrives or ?wait elapses.
// A result held for a request nobody listened to is returned immediately.
func (h *handler) result(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	wait := 30 * time.Second
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid wait duration")
			return
		}
		wait = min(d, maxResultWait)
	}

	events := make(chan callback.Event, 1)
	unregister := h.listeners.Register(id, callback.ListenerFunc(func(e callback.Event) {
		if !e.Terminal() {
			return
		}
		select {
		case events <- e:
		default:
		}
	}))
	defer unregister()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case e := <-events:
		resp := StatusResponse{ID: id, Result: e.Result, Error: toErrorDTO(e.Error)}
		if e.Kind == callback.KindSuccess {
			resp.Status = string(domain.StatusSuccess)
			writeJSON(w, http.StatusOK, resp)
			return
		}
		resp.Status = string(domain.StatusFailure)
		if e.Error != nil && e.Error.Code == domain.CodeCancelled {
			resp.Status = string(domain.StatusCancelled)
		}
		writeJSON(w, http.StatusOK, resp)
	case <-timer.C:
		writeError(w, http.StatusRequestTimeout, "no result yet")
	case <-r.Context().Done():
	}
}

func (h *handler) deliveryURL(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	source := q.Get("public_id")
	if strings.TrimSpace(source) == "" {
		writeError(w, http.StatusBadRequest, "public_id is required")
		return
	}

	url := signing.BuildDeliveryURL(h.cloud, signing.Asset{
		ResourceType:   q.Get("resource_type"),
		DeliveryType:   q.Get("type"),
		Transformation: q.Get("transformation"),
		Version:        q.Get("version"),
		Source:         source,
		Format:         q.Get("format"),
		SignURL:        q.Get("sign") == "true",
	})
	writeJSON(w, http.StatusOK, DeliveryURLResponse{URL: url})
}

var (
	errStagingDisabled = errors.New("direct file upload is not enabled")
	errStaging         = errors.New("cannot stage file")
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, errStaging):
		return http.StatusInternalServerError
	case errors.Is(err, errStagingDisabled):
		return http.StatusUnsupportedMediaType
	}
	return http.StatusBadRequest
}

func writeError(w http.ResponseWriter, status int, message string) {
	if message == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writeJSON", slog.String("error", err.Error()))
	}
}
