package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/you-humble/mediaupload/uploader/internal/callback"
	"github.com/you-humble/mediaupload/uploader/internal/domain"
	"github.com/you-humble/mediaupload/uploader/internal/payload"
	"github.com/you-humble/mediaupload/uploader/internal/policy"
	"github.com/you-humble/mediaupload/uploader/internal/preprocess"
	"github.com/you-humble/mediaupload/uploader/internal/signing"
)

// ConstraintRecheck is how long a request whose device constraints do not
// hold waits before it is offered to the scheduler again.
var ConstraintRecheck = 30 * time.Second

var ErrIllegalTransition = errors.New("illegal status transition")

// Execute runs one attempt for id. It is re-entrant: a request that is
// already terminal, or gone from the store, is left alone.
func (d *Dispatcher) Execute(ctx context.Context, id string) error {
	return d.run(ctx, id, false)
}

func (d *Dispatcher) run(ctx context.Context, id string, force bool) error {
	if !force {
		if !d.acquire() {
			return ErrNoRoom
		}
		defer d.release()
	}

	unlock := d.locks.Lock(id)
	defer unlock()

	req, err := d.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrRequestNotFound) {
			slog.Debug("execute: request gone", slog.String("request_id", id))
			return nil
		}
		return fmt.Errorf("load %s: %w", id, err)
	}
	if req.Status.IsTerminal() {
		return nil
	}
	if d.isCancelled(id) {
		return d.finishCancelled(ctx, &req)
	}
	if req.Status != domain.StatusQueued {
		// left over from a crashed attempt or an interrupted reschedule
		req.Status = domain.StatusQueued
	}

	now := d.now()
	if !force && now.Before(req.NotBefore) {
		// a duplicate or early delivery; the backoff still applies
		slog.Debug("execute: not due yet",
			slog.String("request_id", id),
			slog.Duration("due_in", req.NotBefore.Sub(now)),
		)
		return d.schedule(ctx, req)
	}

	threshold := d.GlobalPolicy().ImmediateThreshold
	if !force && !req.TimeWindow.IsImmediate(threshold) &&
		!req.TimeWindow.Expired(req.CreatedAt, now, threshold) &&
		!policy.Satisfied(req.Policy, d.device) {
		return d.deferConstrained(ctx, req, now)
	}

	// A missing source is fatal and never reaches UPLOADING.
	if _, err := req.Payload.Length(ctx, d.env); err != nil && errors.Is(err, payload.ErrNotFound) {
		return d.fail(ctx, &req, domain.NewErrorInfo(domain.CodeResourceNotFound, err.Error()))
	}

	if err := d.transition(&req, domain.StatusUploading); err != nil {
		return err
	}
	first := !req.Started
	req.Started = true
	if err := d.store.Persist(ctx, req); err != nil {
		return fmt.Errorf("persist %s: %w", id, err)
	}

	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	defer cancelAttempt()

	d.mu.Lock()
	d.inflight[id] = cancelAttempt
	d.mu.Unlock()

	if first {
		d.registry.Publish(callback.Event{Kind: callback.KindStart, RequestID: id})
	}

	global := d.GlobalPolicy()
	slog.Info("upload attempt",
		slog.String("request_id", id),
		slog.Int("error_count", req.ErrorCount),
		slog.Int("max_concurrent", global.MaxConcurrentRequests),
	)

	started := d.now()
	result, info := d.attempt(attemptCtx, req)

	d.mu.Lock()
	delete(d.inflight, id)
	_, cancelled := d.cancelled[id]
	d.mu.Unlock()

	d.observer.AttemptFinished(statusOf(info), d.now().Sub(started))

	if cancelled {
		slog.Info("discarding attempt of cancelled request", slog.String("request_id", id))
		return d.finishCancelled(ctx, &req)
	}
	return d.settle(ctx, &req, result, info)
}

func statusOf(info *domain.ErrorInfo) domain.UploadStatus {
	switch {
	case info == nil:
		return domain.StatusSuccess
	case info.Code.Fatal():
		return domain.StatusFailure
	}
	return domain.StatusRescheduled
}

func (d *Dispatcher) deferConstrained(ctx context.Context, req domain.UploadRequest, now time.Time) error {
	remaining := max(req.TimeWindow.Deadline(req.CreatedAt).Sub(now), ConstraintRecheck)
	window := policy.TimeWindow{MinLatency: ConstraintRecheck, MaxExecutionDelay: remaining}

	slog.Debug("constraints not met",
		slog.String("request_id", req.ID),
		slog.Duration("recheck_in", ConstraintRecheck),
	)
	return d.scheduler.ScheduleConstrained(ctx, req.ID, window, req.Policy)
}

func (d *Dispatcher) settle(ctx context.Context, req *domain.UploadRequest, result map[string]any, info *domain.ErrorInfo) error {
	if info == nil {
		if err := d.transition(req, domain.StatusSuccess); err != nil {
			return err
		}
		req.Result = result
		req.LastError = nil
		if err := d.store.Persist(ctx, *req); err != nil {
			return fmt.Errorf("persist %s: %w", req.ID, err)
		}
		slog.Info("upload succeeded", slog.String("request_id", req.ID))
		d.registry.Publish(callback.Event{Kind: callback.KindSuccess, RequestID: req.ID, Result: result})
		return nil
	}

	if info.Code.Fatal() {
		return d.fail(ctx, req, info)
	}

	req.ErrorCount++
	req.LastError = info
	now := d.now()
	threshold := d.GlobalPolicy().ImmediateThreshold
	if req.ErrorCount > req.Policy.MaxRetries || req.TimeWindow.Expired(req.CreatedAt, now, threshold) {
		return d.fail(ctx, req, domain.NewErrorInfo(
			domain.CodeTooManyErrors,
			fmt.Sprintf("gave up after %d attempts, last: %s", req.ErrorCount, info.Description),
		))
	}
	return d.reschedule(ctx, req, info, now)
}

func (d *Dispatcher) reschedule(ctx context.Context, req *domain.UploadRequest, info *domain.ErrorInfo, now time.Time) error {
	threshold := d.GlobalPolicy().ImmediateThreshold
	window := policy.NextWindow(req.TimeWindow, threshold, req.CreatedAt, now, req.ErrorCount, req.Policy)

	if err := d.transition(req, domain.StatusRescheduled); err != nil {
		return err
	}
	if err := d.store.Persist(ctx, *req); err != nil {
		return fmt.Errorf("persist %s: %w", req.ID, err)
	}
	slog.Warn("upload rescheduled",
		slog.String("request_id", req.ID),
		slog.Int("error_count", req.ErrorCount),
		slog.Duration("delay", window.MinLatency),
		slog.String("error", info.Description),
	)
	d.registry.Publish(callback.Event{
		Kind:       callback.KindReschedule,
		RequestID:  req.ID,
		Error:      info,
		RetryDelay: window.MinLatency,
	})

	if err := d.transition(req, domain.StatusQueued); err != nil {
		return err
	}
	req.NotBefore = now.Add(window.MinLatency)
	if err := d.store.Persist(ctx, *req); err != nil {
		return fmt.Errorf("persist %s: %w", req.ID, err)
	}
	return d.scheduler.ScheduleConstrained(ctx, req.ID, window, req.Policy)
}

func (d *Dispatcher) fail(ctx context.Context, req *domain.UploadRequest, info *domain.ErrorInfo) error {
	if err := d.transition(req, domain.StatusFailure); err != nil {
		return err
	}
	req.LastError = info
	if err := d.store.Persist(ctx, *req); err != nil {
		return fmt.Errorf("persist %s: %w", req.ID, err)
	}
	slog.Error("upload failed",
		slog.String("request_id", req.ID),
		slog.String("code", info.Code.String()),
		slog.String("error", info.Description),
	)
	d.registry.Publish(callback.Event{Kind: callback.KindError, RequestID: req.ID, Error: info})
	return nil
}

func (d *Dispatcher) finishCancelled(ctx context.Context, req *domain.UploadRequest) error {
	defer d.clearCancelled(req.ID)

	if err := d.transition(req, domain.StatusCancelled); err != nil {
		return err
	}
	info := domain.NewErrorInfo(domain.CodeCancelled, "")
	req.LastError = info
	if err := d.store.Persist(ctx, *req); err != nil {
		return fmt.Errorf("persist %s: %w", req.ID, err)
	}
	slog.Info("upload cancelled", slog.String("request_id", req.ID))
	d.registry.Publish(callback.Event{Kind: callback.KindError, RequestID: req.ID, Error: info})
	return nil
}

func (d *Dispatcher) transition(req *domain.UploadRequest, to domain.UploadStatus) error {
	if !domain.CanTransition(req.Status, to) {
		return fmt.Errorf("%w: %s -> %s (%s)", ErrIllegalTransition, req.Status, to, req.ID)
	}
	req.Status = to
	req.UpdatedAt = d.now()
	return nil
}

// attempt runs preprocessing, signing and submission. Every failure is
// returned already translated into an ErrorInfo.
func (d *Dispatcher) attempt(ctx context.Context, req domain.UploadRequest) (map[string]any, *domain.ErrorInfo) {
	src := req.Payload

	if req.Preprocess != "" {
		runner, ok := d.chain(req.Preprocess)
		if !ok {
			return nil, domain.NewErrorInfo(domain.CodePreprocessingError,
				fmt.Sprintf("%s: %q", ErrUnknownChain, req.Preprocess))
		}
		if !runner.IsEmpty() {
			out, err := runner.Execute(ctx, src, d.env)
			if err != nil {
				return nil, preprocessInfo(err)
			}
			defer d.cleanup(out)
			src = payload.File{Path: out}
		}
	}

	size, err := src.Length(ctx, d.env)
	if err != nil {
		return nil, payloadInfo(err)
	}
	if size == 0 {
		return nil, domain.NewErrorInfo(domain.CodePayloadEmpty, "")
	}

	fields, info := d.signedFields(ctx, req.Options)
	if info != nil {
		return nil, info
	}

	body, err := src.Prepare(ctx, d.env)
	if err != nil {
		return nil, payloadInfo(err)
	}
	defer body.Close()

	part := domain.FilePart{
		Field:    "file",
		Filename: filename(src),
		Reader:   body,
		Size:     size,
	}

	var (
		progressMu sync.Mutex
		last       int64
	)
	progress := func(sent, total int64) {
		progressMu.Lock()
		defer progressMu.Unlock()
		if sent < last {
			return
		}
		last = sent
		d.registry.Publish(callback.Event{Kind: callback.KindProgress, RequestID: req.ID, Bytes: sent, Total: total})
	}

	url := signing.UploadEndpoint(d.cloud, d.resourceType, "upload")
	status, respBody, err := d.transport.Submit(ctx, url, fields, part, progress)
	if err != nil {
		return nil, domain.NewErrorInfo(domain.CodeNetworkError, err.Error())
	}
	d.observer.BytesUploaded(size)

	return classifyResponse(status, respBody)
}

// signedFields flattens the options into form fields and appends timestamp,
// api_key and signature. Without a local secret the signature provider is
// asked instead.
func (d *Dispatcher) signedFields(ctx context.Context, opts domain.Options) ([]domain.Field, *domain.ErrorInfo) {
	params := opts.Params()
	timestamp := d.now().Unix()
	params["timestamp"] = strconv.FormatInt(timestamp, 10)

	var sig, apiKey string
	switch {
	case d.cloud.APISecret != "":
		sig = signing.Sign(params, d.cloud.APISecret)
		apiKey = d.cloud.APIKey
	case d.signer != nil:
		s, err := d.signer.ProvideSignature(ctx, params)
		if err != nil {
			return nil, domain.NewErrorInfo(domain.CodeSignatureFailure, err.Error())
		}
		if s.Signature == "" {
			return nil, domain.NewErrorInfo(domain.CodeSignatureFailure, "provider returned an empty signature")
		}
		sig = s.Signature
		apiKey = s.APIKey
		if s.Timestamp != 0 {
			timestamp = s.Timestamp
		}
	default:
		return nil, domain.NewErrorInfo(domain.CodeSignatureFailure, "no api secret and no signature provider")
	}
	if apiKey == "" {
		apiKey = d.cloud.APIKey
	}

	fields := make([]domain.Field, 0, opts.Len()+3)
	for _, k := range opts.Keys() {
		if list, ok := opts.List(k); ok {
			fields = append(fields, domain.Field{Name: k, Value: strings.Join(list, ",")})
			continue
		}
		if v, _ := opts.Get(k); strings.TrimSpace(v) != "" {
			fields = append(fields, domain.Field{Name: k, Value: v})
		}
	}
	fields = append(fields,
		domain.Field{Name: "timestamp", Value: strconv.FormatInt(timestamp, 10)},
		domain.Field{Name: "signature", Value: sig},
	)
	if apiKey != "" {
		fields = append(fields, domain.Field{Name: "api_key", Value: apiKey})
	}
	return fields, nil
}

func (d *Dispatcher) cleanup(path string) {
	if d.cleaner == nil || path == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.cleaner.Delete(ctx, path); err != nil {
		slog.Warn("cleanup preprocess output",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

func filename(p payload.Payload) string {
	if f, ok := p.(payload.File); ok {
		return filepath.Base(f.Path)
	}
	return "file"
}

func preprocessInfo(err error) *domain.ErrorInfo {
	var perr *preprocess.Error
	if errors.As(err, &perr) {
		return perr.Info()
	}
	return domain.NewErrorInfo(domain.CodePreprocessingError, err.Error())
}

func payloadInfo(err error) *domain.ErrorInfo {
	switch {
	case errors.Is(err, payload.ErrNotFound):
		return domain.NewErrorInfo(domain.CodeResourceNotFound, err.Error())
	case errors.Is(err, payload.ErrEmpty):
		return domain.NewErrorInfo(domain.CodePayloadEmpty, err.Error())
	case domain.IsNetwork(err):
		return domain.NewErrorInfo(domain.CodeNetworkError, err.Error())
	}
	return domain.NewErrorInfo(domain.CodeUnknown, err.Error())
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// classifyResponse maps the upload API's answer onto the lifecycle:
// 200 succeeds, 400 and 401/403 are fatal, anything else is retried.
func classifyResponse(status int, body []byte) (map[string]any, *domain.ErrorInfo) {
	switch status {
	case http.StatusOK:
		var result map[string]any
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, domain.NewErrorInfo(domain.CodeNetworkError, "malformed response: "+err.Error())
		}
		return result, nil
	case http.StatusBadRequest:
		return nil, domain.NewErrorInfo(domain.CodeOptionsInvalid, apiMessage(status, body))
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, domain.NewErrorInfo(domain.CodeSignatureFailure, apiMessage(status, body))
	}
	return nil, domain.NewErrorInfo(domain.CodeNetworkError, apiMessage(status, body))
}

func apiMessage(status int, body []byte) string {
	var e apiError
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		return fmt.Sprintf("status %d: %s", status, e.Error.Message)
	}
	return fmt.Sprintf("status %d", status)
}
