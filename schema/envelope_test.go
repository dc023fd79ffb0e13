package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluationRequestRoundTripPreservesUnknownFields(t *testing.T) {
	input := []byte(`{
		"architecture": {"id": "arch-0"},
		"workflow_id": "wf-1",
		"function": "OrbitPropagation",
		"result_topic": "wf-1/arch-0",
		"dependencies": {},
		"trace_id": "abc-123"
	}`)

	var req EvaluationRequest
	require.NoError(t, json.Unmarshal(input, &req))
	require.Equal(t, "wf-1", req.WorkflowID)
	require.Contains(t, req.Extra, "trace_id")

	out, err := json.Marshal(req)
	require.NoError(t, err)

	var roundTripped map[string]any
	require.NoError(t, json.Unmarshal(out, &roundTripped))
	require.Equal(t, "abc-123", roundTripped["trace_id"])
	require.Equal(t, "wf-1", roundTripped["workflow_id"])
}

func TestEvaluationRequestValidate(t *testing.T) {
	req := &EvaluationRequest{}
	require.Error(t, req.Validate())

	req.WorkflowID = "wf-1"
	require.Error(t, req.Validate())

	req.Function = "CostEstimation"
	require.NoError(t, req.Validate())
}

func TestResultEnvelopeFailed(t *testing.T) {
	ok := ResultEnvelope{Results: json.RawMessage(`1.0`)}
	require.False(t, ok.Failed())

	bad := ResultEnvelope{Error: "handler panicked"}
	require.True(t, bad.Failed())
}
