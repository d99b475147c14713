package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/you-humble/mediaupload/uploader/internal/payload"
	"github.com/you-humble/mediaupload/uploader/internal/policy"

	"github.com/google/uuid"
)

type UploadRequest struct {
	ID         string
	Payload    payload.Payload
	Options    Options
	Policy     policy.UploadPolicy
	TimeWindow policy.TimeWindow
	// Preprocess names a chain registered with the dispatcher. Empty means
	// the payload is uploaded as is.
	Preprocess string

	Status     UploadStatus
	ErrorCount int
	LastError  *ErrorInfo
	// Started is set once onStart has been delivered.
	Started bool
	Result  map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
	// NotBefore is the earliest time the next attempt may run.
	NotBefore time.Time
}

type RequestOption func(*UploadRequest)

func WithOption(key, value string) RequestOption {
	return func(r *UploadRequest) { r.Options.Set(key, value) }
}

func WithListOption(key string, values []string) RequestOption {
	return func(r *UploadRequest) { r.Options.SetList(key, values) }
}

func WithOptions(o Options) RequestOption {
	return func(r *UploadRequest) {
		for _, k := range o.Keys() {
			if v, ok := o.Get(k); ok {
				r.Options.Set(k, v)
			} else if l, ok := o.List(k); ok {
				r.Options.SetList(k, l)
			}
		}
	}
}

func WithPolicy(p policy.UploadPolicy) RequestOption {
	return func(r *UploadRequest) { r.Policy = p }
}

func WithTimeWindow(w policy.TimeWindow) RequestOption {
	return func(r *UploadRequest) { r.TimeWindow = w }
}

func WithPreprocess(name string) RequestOption {
	return func(r *UploadRequest) { r.Preprocess = name }
}

func WithID(id string) RequestOption {
	return func(r *UploadRequest) { r.ID = id }
}

// NewUploadRequest builds a QUEUED request. The policy defaults to def and the
// time window to policy.DefaultWindow.
func NewUploadRequest(p payload.Payload, def policy.UploadPolicy, opts ...RequestOption) (UploadRequest, error) {
	if p == nil {
		return UploadRequest{}, ErrEmptyPayload
	}
	now := time.Now()
	r := UploadRequest{
		ID:         uuid.NewString(),
		Payload:    p,
		Policy:     def,
		TimeWindow: policy.DefaultWindow(),
		Status:     StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, o := range opts {
		o(&r)
	}
	if r.ID == "" {
		return UploadRequest{}, fmt.Errorf("%w: empty request id", ErrOptionsInvalid)
	}
	if err := r.Policy.Validate(); err != nil {
		return UploadRequest{}, fmt.Errorf("policy: %w", err)
	}
	if err := r.TimeWindow.Validate(); err != nil {
		return UploadRequest{}, fmt.Errorf("time window: %w", err)
	}
	r.NotBefore = r.CreatedAt.Add(r.TimeWindow.MinLatency)
	return r, nil
}

// Snapshot returns a copy that shares no mutable state with r.
func (r UploadRequest) Snapshot() UploadRequest {
	c := r
	c.Options = r.Options.Clone()
	if r.LastError != nil {
		e := *r.LastError
		c.LastError = &e
	}
	if r.Result != nil {
		c.Result = make(map[string]any, len(r.Result))
		for k, v := range r.Result {
			c.Result[k] = v
		}
	}
	return c
}

type requestJSON struct {
	ID         string              `json:"id"`
	Payload    string              `json:"payload"`
	Options    Options             `json:"options"`
	Policy     policy.UploadPolicy `json:"policy"`
	TimeWindow policy.TimeWindow   `json:"time_window"`
	Preprocess string              `json:"preprocess,omitempty"`
	Status     UploadStatus        `json:"status"`
	ErrorCount int                 `json:"error_count"`
	LastError  *ErrorInfo          `json:"last_error,omitempty"`
	Started    bool                `json:"started"`
	Result     map[string]any      `json:"result,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
	NotBefore  time.Time           `json:"not_before"`
}

func (r UploadRequest) MarshalJSON() ([]byte, error) {
	if r.Payload == nil {
		return nil, ErrEmptyPayload
	}
	return json.Marshal(requestJSON{
		ID:         r.ID,
		Payload:    payload.ToURI(r.Payload),
		Options:    r.Options,
		Policy:     r.Policy,
		TimeWindow: r.TimeWindow,
		Preprocess: r.Preprocess,
		Status:     r.Status,
		ErrorCount: r.ErrorCount,
		LastError:  r.LastError,
		Started:    r.Started,
		Result:     r.Result,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
		NotBefore:  r.NotBefore,
	})
}

func (r *UploadRequest) UnmarshalJSON(data []byte) error {
	var j requestJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	p, err := payload.FromURI(j.Payload)
	if err != nil {
		return err
	}
	if !j.Status.Valid() {
		return fmt.Errorf("unknown status %q", j.Status)
	}
	*r = UploadRequest{
		ID:         j.ID,
		Payload:    p,
		Options:    j.Options,
		Policy:     j.Policy,
		TimeWindow: j.TimeWindow,
		Preprocess: j.Preprocess,
		Status:     j.Status,
		ErrorCount: j.ErrorCount,
		LastError:  j.LastError,
		Started:    j.Started,
		Result:     j.Result,
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
		NotBefore:  j.NotBefore,
	}
	return nil
}
