package queue

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
)

// MinRepeatEvery is the shortest interval a repeat registration may use.
const MinRepeatEvery = time.Second

func validateRepeat(opts *RepeatOptions) error {
	if opts.Key == "" {
		return ErrMissingKey
	}
	if opts.Every <= 0 && opts.Pattern == "" {
		return ErrMissingRepeat
	}
	if opts.Every > 0 && opts.Every < MinRepeatEvery {
		return fmt.Errorf("repeat every %s is below the %s minimum", opts.Every, MinRepeatEvery)
	}
	if opts.Pattern != "" {
		if _, err := cron.ParseStandard(opts.Pattern); err != nil {
			return fmt.Errorf("invalid repeat pattern %q: %w", opts.Pattern, err)
		}
	}
	return nil
}

func schedule(every time.Duration, pattern string) (cron.Schedule, error) {
	if pattern != "" {
		return cron.ParseStandard(pattern)
	}
	return cron.Every(every), nil
}

// nextRun is the first fire time strictly after from.
func nextRun(r RepeatableJob, from time.Time) (time.Time, error) {
	s, err := schedule(r.Every, r.Pattern)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(from), nil
}

func repeatJobID(key string, at time.Time) string {
	return "repeat:" + key + ":" + strconv.FormatInt(at.UnixMilli(), 10)
}

func newRepeatable(name string, data []byte, opts EnqueueOptions, now time.Time) RepeatableJob {
	attempts := opts.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return RepeatableJob{
		Key:      opts.Repeat.Key,
		Name:     name,
		ID:       opts.JobID,
		Every:    opts.Repeat.Every,
		Pattern:  opts.Repeat.Pattern,
		Next:     now,
		Data:     data,
		Attempts: attempts,
		Backoff:  opts.Backoff,
		TraceID:  opts.TraceID,
	}
}

// jobFromRepeat builds the one-shot job a registration emits when it fires at `at`.
func jobFromRepeat(queue string, r RepeatableJob, at, now time.Time) *Job {
	return &Job{
		ID:          repeatJobID(r.Key, at),
		Queue:       queue,
		Name:        r.Name,
		Data:        r.Data,
		MaxAttempts: r.Attempts,
		Backoff:     r.Backoff,
		RepeatKey:   r.Key,
		State:       StatePending,
		TraceID:     r.TraceID,
		CreatedAt:   now,
	}
}

func sortRepeats(regs []RepeatableJob) {
	sort.Slice(regs, func(i, j int) bool { return regs[i].Key < regs[j].Key })
}
