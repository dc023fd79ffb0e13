package schema

import "encoding/json"

// Solution is the completed per-architecture record streamed to a run's
// callbackUrl and appended to summary.csv.
type Solution struct {
	SolutionID      string             `json:"solutionId"`
	DesignVariables map[string]any     `json:"designVariables"`
	Objectives      map[string]float64 `json:"objectives"`

	// Errored marks a Solution assembled after a handler/dependency
	// failure; Objectives for unreachable metrics hold the configured
	// worst-case sentinel instead of a measured value.
	Errored bool `json:"errored,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var solutionKnownFields = map[string]struct{}{
	"solutionId": {}, "designVariables": {}, "objectives": {}, "errored": {},
}

// UnmarshalJSON decodes a Solution, preserving unrecognized top-level keys
// in Extra.
func (s *Solution) UnmarshalJSON(data []byte) error {
	type alias Solution
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	extra, err := unmarshalExtra(data, solutionKnownFields)
	if err != nil {
		return err
	}
	*s = Solution(a)
	s.Extra = extra
	return nil
}

// MarshalJSON re-emits a Solution along with any preserved unrecognized
// fields.
func (s Solution) MarshalJSON() ([]byte, error) {
	type alias Solution
	a := alias(s)
	a.Extra = nil
	base := map[string]any{}
	tmp, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tmp, &base); err != nil {
		return nil, err
	}
	return mergeExtra(base, s.Extra)
}

// TerminalMessage is published to callbackUrl when a run is cancelled.
type TerminalMessage struct {
	WorkflowID string `json:"workflow_id"`
	Cancelled  bool   `json:"cancelled"`
}
