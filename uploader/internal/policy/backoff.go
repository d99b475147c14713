package policy

import "time"

// Delay returns the wait before retry number attempt, where attempt is the
// 1-based count of prior failures.
func Delay(attempt int, p UploadPolicy) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.Backoff == BackoffLinear {
		if p.InitialBackoff > maxDuration/time.Duration(attempt) {
			return maxDuration
		}
		return p.InitialBackoff * time.Duration(attempt)
	}
	shift := min(attempt-1, 62)
	if p.InitialBackoff > maxDuration>>shift {
		return maxDuration
	}
	return p.InitialBackoff << shift
}

const maxDuration = time.Duration(1<<63 - 1)

// NextWindow computes the window for a retry scheduled at now. The backoff is
// added on top of the original min latency and, for policy-governed windows,
// capped by what remains until the original deadline.
func NextWindow(orig TimeWindow, threshold time.Duration, createdAt, now time.Time, attempt int, p UploadPolicy) TimeWindow {
	delay := orig.MinLatency + Delay(attempt, p)
	if orig.IsImmediate(threshold) {
		return TimeWindow{MinLatency: delay, MaxExecutionDelay: delay}
	}
	remaining := orig.Deadline(createdAt).Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	if delay > remaining {
		delay = remaining
	}
	return TimeWindow{MinLatency: delay, MaxExecutionDelay: remaining}
}
