package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"mailtriage/pkg/queue"
	"mailtriage/pkg/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jobWith(t *testing.T, v any) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return &queue.Job{ID: "j1", Data: raw}
}

func TestDecode(t *testing.T) {
	u := user("u1")
	e := email("m1")

	tests := []struct {
		name    string
		data    any
		stage   Stage
		wantErr bool
	}{
		{"fetch ok", Envelope{Stage: StageFetch, Fetch: &FetchPayload{UserID: "u1", User: u}}, StageFetch, false},
		{"analysis ok", Envelope{Stage: StageAnalysis, Analysis: &AnalysisPayload{Email: e, User: u}}, StageAnalysis, false},
		{"response ok", Envelope{Stage: StageResponse, Response: &ResponsePayload{Email: e, User: u}}, StageResponse, false},
		{"wrong stage", Envelope{Stage: StageFetch, Fetch: &FetchPayload{UserID: "u1", User: u}}, StageAnalysis, true},
		{"variant mismatch", Envelope{Stage: StageAnalysis, Fetch: &FetchPayload{UserID: "u1", User: u}}, StageAnalysis, true},
		{"two variants", Envelope{Stage: StageAnalysis, Analysis: &AnalysisPayload{Email: e, User: u}, Fetch: &FetchPayload{UserID: "u1", User: u}}, StageAnalysis, true},
		{"fetch user mismatch", Envelope{Stage: StageFetch, Fetch: &FetchPayload{UserID: "u2", User: u}}, StageFetch, true},
		{"missing email id", Envelope{Stage: StageAnalysis, Analysis: &AnalysisPayload{User: u}}, StageAnalysis, true},
		{"untyped blob", map[string]string{"userId": "u1"}, StageFetch, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(jobWith(t, tt.data), tt.stage)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, IsPayloadError(err))
		})
	}
}

func TestDecodeMalformedJSON(t *testing.T) {
	_, err := Decode(&queue.Job{ID: "j1", Data: json.RawMessage(`{"stage":`)}, StageFetch)
	require.Error(t, err)
	assert.True(t, IsPayloadError(err))
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		errType   string
	}{
		{"mail", &CollaboratorError{Collaborator: "mail", Op: "send_reply", Err: errors.New("401")}, true, "mail_error"},
		{"inference", &CollaboratorError{Collaborator: "inference", Op: "analyze", Err: errors.New("bad json")}, true, "inference_error"},
		{"scheduling", fmt.Errorf("fetch: %w", &SchedulingError{Op: "schedule analysis", Queue: AnalysisQueue, Err: errors.New("down")}), true, "scheduling_error"},
		{"payload", &PayloadError{JobID: "j", Stage: StageFetch, Reason: "bad"}, false, "payload_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retryable, errType := util.IsRetryableError(tt.err)
			assert.Equal(t, tt.retryable, retryable)
			assert.Equal(t, tt.errType, errType)
		})
	}
}

func TestDownstreamJobIDEscapesParts(t *testing.T) {
	assert.Equal(t, "analysis:u1:m1", downstreamJobID(StageAnalysis, "u1", "m1"))
	assert.NotEqual(t,
		downstreamJobID(StageAnalysis, "a:b", "c"),
		downstreamJobID(StageAnalysis, "a", "b:c"),
	)
}
