package pipeline

import (
	"time"

	"mailtriage/pkg/queue"
	"mailtriage/pkg/retry"
)

const (
	FetchQueue    = "email-fetch"
	AnalysisQueue = "email-analysis"
	ResponseQueue = "email-response"

	fetchJobName    = "fetch"
	analysisJobName = "analyze"
	responseJobName = "respond"

	// MinFetchInterval keeps a misconfigured interval from hammering the mail API.
	MinFetchInterval = time.Second
)

type StageConfig struct {
	Concurrency int
}

type Config struct {
	FetchInterval time.Duration
	// FetchPattern, when set, schedules fetches by cron pattern instead of FetchInterval.
	FetchPattern string
	MaxResults   int64

	// Analysis and response jobs share one retry policy.
	StageRetry retry.Policy

	Fetch    StageConfig
	Analysis StageConfig
	Response StageConfig

	PollInterval     time.Duration
	MaintainInterval time.Duration
	JobTimeout       time.Duration

	// LockRenewInterval extends a running job's claim lock; zero disables renewal.
	LockRenewInterval time.Duration

	// FetchFailureWarnThreshold is the number of consecutive failed fetches for a
	// user after which every further failure is logged as a warning with the count.
	FetchFailureWarnThreshold int64
}

func DefaultConfig() Config {
	return Config{
		FetchInterval: 5 * time.Minute,
		MaxResults:    10,
		StageRetry: retry.Policy{
			MaxAttempts: 3,
			Backoff:     retry.Exponential(5 * time.Second),
		},
		Fetch:                     StageConfig{Concurrency: 2},
		Analysis:                  StageConfig{Concurrency: 4},
		Response:                  StageConfig{Concurrency: 2},
		PollInterval:              500 * time.Millisecond,
		MaintainInterval:          time.Second,
		JobTimeout:                2 * time.Minute,
		LockRenewInterval:         queue.DefaultLockRenewInterval,
		FetchFailureWarnThreshold: 3,
	}
}

func (c Config) fetchInterval() time.Duration {
	if c.FetchInterval < MinFetchInterval {
		return MinFetchInterval
	}
	return c.FetchInterval
}
