package pipeline

import (
	"errors"
	"fmt"
)

// CollaboratorError wraps a mail or model failure. All collaborator failures are
// retried within the stage's own policy.
type CollaboratorError struct {
	Collaborator string // mail | inference
	Op           string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Collaborator, e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error     { return e.Err }
func (e *CollaboratorError) Retryable() bool   { return true }
func (e *CollaboratorError) ErrorType() string { return e.Collaborator + "_error" }

// SchedulingError is a failed enqueue or cancel against the job store.
type SchedulingError struct {
	Op    string
	Queue string
	Err   error
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("failed to %s on queue %s: %v", e.Op, e.Queue, e.Err)
}

func (e *SchedulingError) Unwrap() error     { return e.Err }
func (e *SchedulingError) Retryable() bool   { return true }
func (e *SchedulingError) ErrorType() string { return "scheduling_error" }

// PayloadError marks a job whose data cannot be decoded into the stage's payload.
// Such a job fails without retries.
type PayloadError struct {
	JobID  string
	Stage  Stage
	Reason string
	Err    error
}

func (e *PayloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s payload for job %s: %s: %v", e.Stage, e.JobID, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid %s payload for job %s: %s", e.Stage, e.JobID, e.Reason)
}

func (e *PayloadError) Unwrap() error     { return e.Err }
func (e *PayloadError) Retryable() bool   { return false }
func (e *PayloadError) ErrorType() string { return "payload_error" }

var ErrInvalidUser = errors.New("user id is required")

func IsSchedulingError(err error) bool {
	var se *SchedulingError
	return errors.As(err, &se)
}

func IsPayloadError(err error) bool {
	var pe *PayloadError
	return errors.As(err, &pe)
}
