package retry

import (
	"time"
)

const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"

	// DefaultCap 退避上限，避免 2^n 溢出
	DefaultCap = time.Hour
)

// Backoff describes how long to wait before the next attempt of a failed job.
type Backoff struct {
	Type string        `json:"type" yaml:"type"`
	Base time.Duration `json:"delay" yaml:"delay"`
	Cap  time.Duration `json:"cap,omitempty" yaml:"cap"`
}

// Exponential returns an exponential backoff starting at base.
func Exponential(base time.Duration) Backoff {
	return Backoff{Type: BackoffExponential, Base: base}
}

// Fixed returns a backoff that always waits d.
func Fixed(d time.Duration) Backoff {
	return Backoff{Type: BackoffFixed, Base: d}
}

// Delay returns the wait after the given 1-indexed attempt failed:
// min(base * 2^(attempt-1), cap) for exponential backoff.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Base <= 0 {
		return 0
	}

	limit := b.Cap
	if limit <= 0 {
		limit = DefaultCap
	}

	if b.Type == BackoffFixed {
		return min(b.Base, limit)
	}

	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return min(d, limit)
}
