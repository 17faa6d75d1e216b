package webhook

import "time"

// Schedule computes retry delays: base × 2^(attemptNumber−1), capped at Max
// when Max is set. It runs synchronously inside finalize, never as its own
// process.
type Schedule struct {
	Max time.Duration // 0 means uncapped
}

// Backoff returns the delay to apply after the given attempt number fails
// (1-based: attempt 1 yields base, attempt 2 yields 2×base, ...).
func (s Schedule) Backoff(base time.Duration, attemptNumber int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attemptNumber; i++ {
		d *= 2
		if s.Max > 0 && d >= s.Max {
			return s.Max
		}
		if d <= 0 { // overflow
			if s.Max > 0 {
				return s.Max
			}
			return 1<<63 - 1
		}
	}
	if s.Max > 0 && d > s.Max {
		return s.Max
	}
	return d
}

// NextRetryAt returns now + Backoff(base, attemptNumber).
func (s Schedule) NextRetryAt(now time.Time, base time.Duration, attemptNumber int) time.Time {
	return now.Add(s.Backoff(base, attemptNumber))
}
