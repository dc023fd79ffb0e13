// Package workflow synthesizes a topologically-ordered, tool-bound
// evaluation workflow from a declarative metric request and a
// knowledge graph of Tool -> Function -> Metric relations.
package workflow

import (
	"fmt"

	"github.com/c360studio/tse/schema"
)

// SelfSentinel marks a dependency resolved to the same tool hosting the
// requiring function, per the data model's "self" sentinel.
const SelfSentinel = schema.SelfSentinel

// Direction is an alias of schema.Direction: the synthesizer and the
// boundary envelopes share one optimization-direction type end to end.
type Direction = schema.Direction

const (
	DirectionMax = schema.DirectionMax
	DirectionMin = schema.DirectionMin
)

// Node is one (function, tool) binding placed at an integer level >= 1.
type Node struct {
	Function     string            `json:"function"`
	Tool         string            `json:"tool"`
	Address      string            `json:"address"`
	Level        int               `json:"level"`
	Dependencies map[string]string `json:"dependencies"`
}

// Workflow is the synthesized, immutable document a Dispatcher submits
// architectures against.
type Workflow struct {
	Objectives     map[string]Direction `json:"objectives"`
	Nodes          []Node               `json:"nodes"`
	ToolLevels     map[string]int       `json:"tool_levels"`
	PublishMetrics map[string]string    `json:"publish_metrics"`
	AggregateTopic string               `json:"aggregate_topic"`
}

// NodesForTool returns the nodes bound to tool, in synthesis order.
func (w *Workflow) NodesForTool(tool string) []Node {
	var out []Node
	for _, n := range w.Nodes {
		if n.Tool == tool {
			out = append(out, n)
		}
	}
	return out
}

// Level1Tools returns the distinct tools owning at least one level-1
// node. The Dispatcher does not use it: it publishes each architecture
// to every requested metric's producer function instead.
func (w *Workflow) Level1Tools() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, n := range w.Nodes {
		if n.Level != 1 {
			continue
		}
		if _, ok := seen[n.Tool]; ok {
			continue
		}
		seen[n.Tool] = struct{}{}
		out = append(out, n.Tool)
	}
	return out
}

// InfeasibleError reports the first constraint that could not be
// satisfied during synthesis. Synthesis never emits a partial workflow.
type InfeasibleError struct {
	Reason string
}

func (e *InfeasibleError) Error() string {
	return fmt.Sprintf("workflow infeasible: %s", e.Reason)
}

func infeasiblef(format string, args ...any) error {
	return &InfeasibleError{Reason: fmt.Sprintf(format, args...)}
}

// Request is the synthesizer's input: the metrics to optimize plus
// optional tool pins per function.
type Request struct {
	Objectives      map[string]Direction
	ToolConstraints map[string]string // function -> required tool name
}
