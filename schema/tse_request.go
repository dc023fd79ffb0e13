package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var tseValidate = validator.New()

// Direction is the optimization sense of a requested metric.
type Direction string

const (
	// DirectionMax means higher values of the metric are preferred.
	DirectionMax Direction = "MAX"
	// DirectionMin means lower values of the metric are preferred.
	DirectionMin Direction = "MIN"
)

// Valid reports whether d is one of the two recognized directions.
func (d Direction) Valid() bool {
	return d == DirectionMax || d == DirectionMin
}

// Mission describes the analysis window and region of interest for a run.
type Mission struct {
	Start    time.Time       `json:"start"`
	Duration json.RawMessage `json:"duration"` // ISO-8601 duration string or whole-day integer
	Region   json.RawMessage `json:"region,omitempty"`
}

// DurationDays resolves Duration to a whole number of days, accepting
// either a JSON integer or an ISO-8601 duration string of the form "P<n>D".
func (m Mission) DurationDays() (int, error) {
	var asInt int
	if err := json.Unmarshal(m.Duration, &asInt); err == nil {
		return asInt, nil
	}
	var asStr string
	if err := json.Unmarshal(m.Duration, &asStr); err != nil {
		return 0, fmt.Errorf("mission.duration: not an int or string: %w", err)
	}
	return parseISODays(asStr)
}

func parseISODays(s string) (int, error) {
	if len(s) < 3 || s[0] != 'P' || s[len(s)-1] != 'D' {
		return 0, fmt.Errorf("mission.duration: unsupported ISO-8601 duration %q", s)
	}
	var days int
	if _, err := fmt.Sscanf(s, "P%dD", &days); err != nil {
		return 0, fmt.Errorf("mission.duration: cannot parse %q: %w", s, err)
	}
	return days, nil
}

// Range describes a swept numeric parameter, either by explicit step size
// or by a fixed number of evenly-spaced points.
type Range struct {
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	StepSize    float64 `json:"stepSize,omitempty"`
	NumberSteps int     `json:"numberSteps,omitempty"`
}

// DesignSpace enumerates the declarative design-space sections. Each
// section is an opaque object whose structure is interpreted by
// dispatch.Enumerate and forwarded verbatim to evaluators.
type DesignSpace struct {
	SpaceSegment   []json.RawMessage `json:"spaceSegment,omitempty"`
	Launchers      []json.RawMessage `json:"launchers,omitempty"`
	Satellites     []json.RawMessage `json:"satellites,omitempty"`
	GroundSegment  []json.RawMessage `json:"groundSegment,omitempty"`
	GroundStations []json.RawMessage `json:"groundStations,omitempty"`
}

// Settings carries free-form run settings forwarded to evaluators
// unmodified.
type Settings map[string]json.RawMessage

// TSERequest is the outermost document accepted by POST /tse.
type TSERequest struct {
	Mission         Mission              `json:"mission"`
	DesignSpace     DesignSpace          `json:"designSpace"`
	Settings        Settings             `json:"settings,omitempty"`
	Objectives      map[string]Direction `json:"objectives" validate:"required,min=1"`
	ToolConstraints map[string]string    `json:"toolConstraints,omitempty"`
	CallbackURL     string               `json:"callbackUrl" validate:"required,url"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Validate checks the structural invariants a TSERequest must satisfy
// before workflow synthesis is attempted: struct-tag validation for
// shape (at least one objective, a well-formed callbackUrl), then the
// domain check struct tags can't express — every objective direction
// must be MAX or MIN.
func (r *TSERequest) Validate() error {
	if err := tseValidate.Struct(r); err != nil {
		return fmt.Errorf("tse request: %w", err)
	}
	for metric, dir := range r.Objectives {
		if !dir.Valid() {
			return fmt.Errorf("tse request: objective %q has invalid direction %q", metric, dir)
		}
	}
	return nil
}

var tseRequestKnownFields = map[string]struct{}{
	"mission": {}, "designSpace": {}, "settings": {}, "objectives": {}, "toolConstraints": {}, "callbackUrl": {},
}

// UnmarshalJSON decodes a TSERequest, preserving unrecognized top-level
// keys in Extra.
func (r *TSERequest) UnmarshalJSON(data []byte) error {
	type alias TSERequest
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	extra, err := unmarshalExtra(data, tseRequestKnownFields)
	if err != nil {
		return err
	}
	*r = TSERequest(a)
	r.Extra = extra
	return nil
}

// MarshalJSON re-emits a TSERequest along with any preserved unrecognized
// fields.
func (r TSERequest) MarshalJSON() ([]byte, error) {
	type alias TSERequest
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
