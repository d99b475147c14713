package transport

import (
	"fmt"
	"sort"
	"time"

	"github.com/you-humble/mediaupload/uploader/internal/domain"
	"github.com/you-humble/mediaupload/uploader/internal/policy"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type CreateRequest struct {
	Payload    string         `json:"payload"`
	Options    map[string]any `json:"options"`
	Policy     *PolicyDTO     `json:"policy,omitempty"`
	Window     *WindowDTO     `json:"window,omitempty"`
	Immediate  bool           `json:"immediate,omitempty"`
	Preprocess string         `json:"preprocess,omitempty"`
}

// PolicyDTO overrides fields of the default policy; nil fields are kept.
type PolicyDTO struct {
	Network          *policy.NetworkType   `json:"network,omitempty"`
	RequiresCharging *bool                 `json:"requires_charging,omitempty"`
	RequiresIdle     *bool                 `json:"requires_idle,omitempty"`
	MaxRetries       *int                  `json:"max_retries,omitempty"`
	Backoff          *policy.BackoffPolicy `json:"backoff,omitempty"`
	InitialBackoff   string                `json:"initial_backoff,omitempty"`
}

type WindowDTO struct {
	MinLatency        string `json:"min_latency"`
	MaxExecutionDelay string `json:"max_execution_delay"`
}

type CreateResponse struct {
	ID string `json:"id"`
}

type ErrorInfoDTO struct {
	Code        int    `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type StatusResponse struct {
	ID         string         `json:"id"`
	Status     string         `json:"status"`
	ErrorCount int            `json:"error_count"`
	Error      *ErrorInfoDTO  `json:"error,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

type DeliveryURLResponse struct {
	URL string `json:"url"`
}

func toErrorDTO(e *domain.ErrorInfo) *ErrorInfoDTO {
	if e == nil {
		return nil
	}
	return &ErrorInfoDTO{Code: int(e.Code), Name: e.Code.String(), Description: e.Description}
}

func toStatusResponse(r domain.UploadRequest) StatusResponse {
	return StatusResponse{
		ID:         r.ID,
		Status:     string(r.Status),
		ErrorCount: r.ErrorCount,
		Error:      toErrorDTO(r.LastError),
		Result:     r.Result,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

func (p *PolicyDTO) apply(base policy.UploadPolicy) (policy.UploadPolicy, error) {
	if p == nil {
		return base, nil
	}
	var overrides []func(*policy.UploadPolicy)
	if p.Network != nil {
		overrides = append(overrides, policy.WithNetwork(*p.Network))
	}
	if p.RequiresCharging != nil {
		overrides = append(overrides, policy.WithCharging(*p.RequiresCharging))
	}
	if p.RequiresIdle != nil {
		overrides = append(overrides, policy.WithIdle(*p.RequiresIdle))
	}
	if p.MaxRetries != nil {
		overrides = append(overrides, policy.WithRetries(*p.MaxRetries))
	}
	if p.Backoff != nil || p.InitialBackoff != "" {
		kind, initial := base.Backoff, base.InitialBackoff
		if p.Backoff != nil {
			kind = *p.Backoff
		}
		if p.InitialBackoff != "" {
			d, err := time.ParseDuration(p.InitialBackoff)
			if err != nil {
				return policy.UploadPolicy{}, fmt.Errorf("%w: initial_backoff: %v", policy.ErrInvalidPolicy, err)
			}
			initial = d
		}
		overrides = append(overrides, policy.WithBackoff(kind, initial))
	}
	return base.With(overrides...)
}

func (w *WindowDTO) window() (policy.TimeWindow, error) {
	minLatency, err := parseDuration(w.MinLatency)
	if err != nil {
		return policy.TimeWindow{}, fmt.Errorf("%w: min_latency: %v", policy.ErrInvalidWindow, err)
	}
	maxDelay, err := parseDuration(w.MaxExecutionDelay)
	if err != nil {
		return policy.TimeWindow{}, fmt.Errorf("%w: max_execution_delay: %v", policy.ErrInvalidWindow, err)
	}
	return policy.NewWindow(minLatency, maxDelay)
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// requestOptions turns the loosely typed JSON options into request options.
// Keys are applied in sorted order so the stored order is deterministic.
func requestOptions(opts map[string]any) ([]domain.RequestOption, error) {
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]domain.RequestOption, 0, len(keys))
	for _, k := range keys {
		switch v := opts[k].(type) {
		case string:
			out = append(out, domain.WithOption(k, v))
		case bool, float64:
			out = append(out, domain.WithOption(k, fmt.Sprint(v)))
		case []any:
			list := make([]string, 0, len(v))
			for _, item := range v {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("%w: option %q: list items must be strings", domain.ErrOptionsInvalid, k)
				}
				list = append(list, s)
			}
			out = append(out, domain.WithListOption(k, list))
		default:
			return nil, fmt.Errorf("%w: option %q: unsupported value", domain.ErrOptionsInvalid, k)
		}
	}
	return out, nil
}
