package retry

import (
	"time"
)

// Policy bounds how many times a job runs and how long it waits in between.
type Policy struct {
	MaxAttempts int     `json:"max_attempts" yaml:"max_attempts"`
	Backoff     Backoff `json:"backoff" yaml:"backoff"`
}

// Decision is what the retry manager should do with a failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
	// NextAttempt is the attempt number the retry will run as.
	NextAttempt int
	// Reason: "retry", "exhausted" or "non_retryable".
	Reason string
}

// Decide decides the fate of a job whose attempt (1-indexed) just failed.
// A job exhausts its budget once the next attempt would exceed MaxAttempts.
func (p Policy) Decide(attempt int, retryable bool) Decision {
	if !retryable {
		return Decision{Reason: "non_retryable"}
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	next := attempt + 1
	if next > maxAttempts {
		return Decision{Reason: "exhausted"}
	}

	return Decision{
		Retry:       true,
		Delay:       p.Backoff.Delay(attempt),
		NextAttempt: next,
		Reason:      "retry",
	}
}

// Schedule returns the delays that precede attempts 2..MaxAttempts.
func (p Policy) Schedule() []time.Duration {
	var delays []time.Duration
	for attempt := 1; attempt < p.MaxAttempts; attempt++ {
		delays = append(delays, p.Backoff.Delay(attempt))
	}
	return delays
}
