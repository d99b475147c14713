package policy

import (
	"errors"
	"fmt"
	"time"
)

// DefaultImmediateThreshold separates best-effort immediate windows from
// policy-governed ones when Global does not set a threshold.
const DefaultImmediateThreshold = 60 * time.Second

var ErrInvalidWindow = errors.New("invalid time window")

// TimeWindow is relative to the request's creation time.
type TimeWindow struct {
	MinLatency        time.Duration `json:"min_latency" yaml:"min_latency"`
	MaxExecutionDelay time.Duration `json:"max_execution_delay" yaml:"max_execution_delay"`
}

// Immediate is the window for "run now, ignore constraints".
func Immediate() TimeWindow {
	return TimeWindow{}
}

// DefaultWindow lets the request run any time within the next day.
func DefaultWindow() TimeWindow {
	return TimeWindow{MaxExecutionDelay: 24 * time.Hour}
}

func NewWindow(minLatency, maxExecutionDelay time.Duration) (TimeWindow, error) {
	w := TimeWindow{MinLatency: minLatency, MaxExecutionDelay: maxExecutionDelay}
	if err := w.Validate(); err != nil {
		return TimeWindow{}, err
	}
	return w, nil
}

func (w TimeWindow) Validate() error {
	if w.MinLatency < 0 || w.MaxExecutionDelay < 0 {
		return fmt.Errorf("%w: negative offsets", ErrInvalidWindow)
	}
	if w.MinLatency > w.MaxExecutionDelay {
		return fmt.Errorf("%w: min latency %s exceeds max execution delay %s",
			ErrInvalidWindow, w.MinLatency, w.MaxExecutionDelay)
	}
	return nil
}

// IsImmediate reports whether w must run right away rather than under the
// upload policy. threshold <= 0 means DefaultImmediateThreshold.
func (w TimeWindow) IsImmediate(threshold time.Duration) bool {
	if threshold <= 0 {
		threshold = DefaultImmediateThreshold
	}
	return w.MaxExecutionDelay < threshold
}

// Deadline is the moment by which the request must have run.
func (w TimeWindow) Deadline(createdAt time.Time) time.Time {
	return createdAt.Add(w.MaxExecutionDelay)
}

// Expired reports whether a policy-governed window's deadline has passed.
// Immediate windows never expire.
func (w TimeWindow) Expired(createdAt, now time.Time, threshold time.Duration) bool {
	if w.IsImmediate(threshold) {
		return false
	}
	return now.After(w.Deadline(createdAt))
}
