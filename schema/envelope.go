// Package schema defines the strongly-typed request/response envelopes
// that cross process boundaries: EvaluationRequest, ResultEnvelope,
// TSERequest and Solution. Every envelope preserves fields it does not
// recognize so that an older consumer can still forward a newer message
// unchanged.
package schema

import (
	"encoding/json"
	"fmt"
)

// Dependency holds the resolved locations of one function's required
// upstream functions: for each, either "self" (produced by the same tool)
// or the peer endpoint "<tool_addr>/<function>".
type Dependency struct {
	// Dependencies maps a required function name to its resolved URI, or
	// the sentinel "self" when the same tool implements it.
	Dependencies map[string]string `json:"dependencies"`
}

// SelfSentinel is the dependency value meaning "implemented by the same
// tool that is resolving it".
const SelfSentinel = "self"

// EvaluationRequest is the envelope carried on both the HTTP peer-call path
// and the pub/sub request path. It is the correlation unit for a single
// (workflow, architecture, function) unit of work.
type EvaluationRequest struct {
	Architecture json.RawMessage       `json:"architecture"`
	WorkflowID   string                `json:"workflow_id"`
	Function     string                `json:"function"`
	ResultTopic  string                `json:"result_topic,omitempty"`
	Dependencies map[string]Dependency `json:"dependencies,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Validate checks the invariants an EvaluationRequest must satisfy to be
// dispatched: workflow_id is the correlation key and must never be empty.
func (r *EvaluationRequest) Validate() error {
	if r.WorkflowID == "" {
		return fmt.Errorf("evaluation request: workflow_id is required")
	}
	if r.Function == "" {
		return fmt.Errorf("evaluation request: function is required")
	}
	return nil
}

// ResultEnvelope is the uniform response produced by an evaluator, whether
// delivered synchronously over HTTP or published to a result topic.
type ResultEnvelope struct {
	Evaluator  string          `json:"evaluator"`
	WorkflowID string          `json:"workflow_id"`
	Function   string          `json:"function"`
	Results    json.RawMessage `json:"results,omitempty"`
	Error      string          `json:"error,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Failed reports whether this envelope carries an error instead of results.
func (e *ResultEnvelope) Failed() bool {
	return e.Error != ""
}

// unmarshalExtra returns the top-level keys of data that are not in known
// (the JSON names already consumed by a type's explicit fields), as the
// catch-all map; it returns nil when there are none.
func unmarshalExtra(data []byte, known map[string]struct{}) (map[string]json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	extra := make(map[string]json.RawMessage)
	for k, v := range raw {
		if _, ok := known[k]; ok {
			continue
		}
		extra[k] = v
	}
	if len(extra) == 0 {
		return nil, nil
	}
	return extra, nil
}

func mergeExtra(base map[string]any, extra map[string]json.RawMessage) ([]byte, error) {
	merged := make(map[string]json.RawMessage)
	for k, v := range base {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		merged[k] = b
	}
	for k, v := range extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

var evaluationRequestKnownFields = map[string]struct{}{
	"architecture": {}, "workflow_id": {}, "function": {}, "result_topic": {}, "dependencies": {},
}

// UnmarshalJSON decodes an EvaluationRequest, preserving unrecognized
// top-level keys in Extra for later forwarding.
func (r *EvaluationRequest) UnmarshalJSON(data []byte) error {
	type alias EvaluationRequest
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	extra, err := unmarshalExtra(data, evaluationRequestKnownFields)
	if err != nil {
		return err
	}
	*r = EvaluationRequest(a)
	r.Extra = extra
	return nil
}

// MarshalJSON re-emits an EvaluationRequest along with any preserved
// unrecognized fields.
func (r EvaluationRequest) MarshalJSON() ([]byte, error) {
	type alias EvaluationRequest
	a := alias(r)
	a.Extra = nil
	base := map[string]any{}
	tmp, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tmp, &base); err != nil {
		return nil, err
	}
	return mergeExtra(base, r.Extra)
}

var resultEnvelopeKnownFields = map[string]struct{}{
	"evaluator": {}, "workflow_id": {}, "function": {}, "results": {}, "error": {},
}

// UnmarshalJSON decodes a ResultEnvelope, preserving unrecognized top-level
// keys in Extra.
func (e *ResultEnvelope) UnmarshalJSON(data []byte) error {
	type alias ResultEnvelope
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	extra, err := unmarshalExtra(data, resultEnvelopeKnownFields)
	if err != nil {
		return err
	}
	*e = ResultEnvelope(a)
	e.Extra = extra
	return nil
}

// MarshalJSON re-emits a ResultEnvelope along with any preserved
// unrecognized fields.
func (e ResultEnvelope) MarshalJSON() ([]byte, error) {
	type alias ResultEnvelope
	a := alias(e)
	a.Extra = nil
	base := map[string]any{}
	tmp, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tmp, &base); err != nil {
		return nil, err
	}
	return mergeExtra(base, e.Extra)
}
