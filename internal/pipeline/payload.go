package pipeline

import (
	"encoding/json"

	"mailtriage/internal/model"
	"mailtriage/pkg/queue"
)

type Stage string

const (
	StageFetch    Stage = "fetch"
	StageAnalysis Stage = "analysis"
	StageResponse Stage = "response"
)

type FetchPayload struct {
	UserID string     `json:"userId"`
	User   model.User `json:"user"`
}

type AnalysisPayload struct {
	Email model.Email `json:"email"`
	User  model.User  `json:"user"`
}

type ResponsePayload struct {
	Email    model.Email          `json:"email"`
	Analysis model.AnalysisResult `json:"analysis"`
	User     model.User           `json:"user"`
}

// Envelope is the job data of every stage. Exactly one variant is set and it must
// match Stage.
type Envelope struct {
	Stage    Stage            `json:"stage"`
	TraceID  string           `json:"traceId,omitempty"`
	Fetch    *FetchPayload    `json:"fetch,omitempty"`
	Analysis *AnalysisPayload `json:"analysis,omitempty"`
	Response *ResponsePayload `json:"response,omitempty"`
}

func (e Envelope) variants() int {
	n := 0
	if e.Fetch != nil {
		n++
	}
	if e.Analysis != nil {
		n++
	}
	if e.Response != nil {
		n++
	}
	return n
}

// Decode parses job data and checks it is a well-formed payload for stage want.
func Decode(job *queue.Job, want Stage) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(job.Data, &env); err != nil {
		return env, &PayloadError{JobID: job.ID, Stage: want, Reason: "malformed json", Err: err}
	}
	bad := func(reason string) (Envelope, error) {
		return env, &PayloadError{JobID: job.ID, Stage: want, Reason: reason}
	}
	if env.Stage != want {
		return bad("unexpected stage " + string(env.Stage))
	}
	if env.variants() != 1 {
		return bad("exactly one payload variant must be set")
	}

	switch want {
	case StageFetch:
		if env.Fetch == nil {
			return bad("missing fetch payload")
		}
		if env.Fetch.User.ID == "" || env.Fetch.UserID != env.Fetch.User.ID {
			return bad("user id mismatch")
		}
	case StageAnalysis:
		if env.Analysis == nil {
			return bad("missing analysis payload")
		}
		if env.Analysis.User.ID == "" || env.Analysis.Email.ID == "" {
			return bad("missing user or email id")
		}
	case StageResponse:
		if env.Response == nil {
			return bad("missing response payload")
		}
		if env.Response.User.ID == "" || env.Response.Email.ID == "" {
			return bad("missing user or email id")
		}
	default:
		return bad("unknown stage")
	}
	return env, nil
}
