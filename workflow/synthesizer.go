package workflow

import (
	"context"
	"fmt"
	"sort"

	"github.com/c360studio/tse/graph"
)

// GraphSource is the subset of the knowledge-graph client the
// synthesizer depends on; accepting the interface (rather than
// *graph.Client directly) lets tests stub the graph without an HTTP
// server.
type GraphSource interface {
	FunctionsForMetric(ctx context.Context, metric string) ([]graph.FunctionRef, error)
	RequiresOf(ctx context.Context, function string) ([]graph.FunctionRef, error)
	ToolsImplementing(ctx context.Context, function string) ([]graph.ToolRef, error)
}

// Synthesizer resolves a Request against a GraphSource and emits a
// Workflow document or an InfeasibleError.
type Synthesizer struct {
	graph GraphSource
}

// NewSynthesizer creates a Synthesizer bound to the given graph client.
func NewSynthesizer(g GraphSource) *Synthesizer {
	return &Synthesizer{graph: g}
}

// Synthesize implements the algorithm in design order: metric
// resolution, dependency closure, tool binding, level assignment,
// workflow document emission, publish/subscribe mapping. An unsatisfiable
// request returns a single InfeasibleError naming the first offending
// constraint; a failed graph query returns that query's wrapped error
// instead. No partial workflow is ever returned.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request) (*Workflow, error) {
	if len(req.Objectives) == 0 {
		return nil, infeasiblef("request declares no objectives")
	}

	metricProducer, required, err := s.resolveMetrics(ctx, req.Objectives)
	if err != nil {
		return nil, err
	}

	adjacency, err := s.closeDependencies(ctx, required)
	if err != nil {
		return nil, err
	}

	binding, err := s.bindTools(ctx, req.ToolConstraints, adjacency)
	if err != nil {
		return nil, err
	}

	levels := computeLevels(adjacency)

	nodes := buildNodes(adjacency, binding, levels)
	toolLevels := computeToolLevels(nodes)
	publishMetrics := buildPublishMap(metricProducer, binding)

	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Level != nodes[j].Level {
			return nodes[i].Level < nodes[j].Level
		}
		return nodes[i].Function < nodes[j].Function
	})

	return &Workflow{
		Objectives:     req.Objectives,
		Nodes:          nodes,
		ToolLevels:     toolLevels,
		PublishMetrics: publishMetrics,
		AggregateTopic: "{workflow_id}/{arch_id}",
	}, nil
}

// resolveMetrics implements step 1: for each requested metric, find its
// producer function (the first the graph returns, per the Metric
// entity's "the synthesizer picks one deterministically") and seed the
// required-function set.
func (s *Synthesizer) resolveMetrics(ctx context.Context, objectives map[string]Direction) (map[string]string, map[string]struct{}, error) {
	metrics := make([]string, 0, len(objectives))
	for m := range objectives {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)

	producer := make(map[string]string, len(metrics))
	required := make(map[string]struct{})

	for _, metric := range metrics {
		fns, err := s.graph.FunctionsForMetric(ctx, metric)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow: resolve metric %s: %w", metric, err)
		}
		if len(fns) == 0 {
			return nil, nil, infeasiblef("no functions compute %s", metric)
		}
		producer[metric] = fns[0].Function
		required[fns[0].Function] = struct{}{}
	}

	return producer, required, nil
}

// closeDependencies implements step 2: DFS-expand every required
// function via REQUIRES, accumulating the transitive closure and
// detecting cycles with Kahn's algorithm (the REQUIRES relation must be
// acyclic per the Function entity's invariant).
func (s *Synthesizer) closeDependencies(ctx context.Context, seed map[string]struct{}) (map[string][]string, error) {
	adjacency := make(map[string][]string)

	var visit func(function string) error
	visiting := make(map[string]struct{})
	visited := make(map[string]struct{})

	visit = func(function string) error {
		if _, ok := visited[function]; ok {
			return nil
		}
		if _, ok := visiting[function]; ok {
			return infeasiblef("cyclic REQUIRES relation at function %s", function)
		}
		visiting[function] = struct{}{}

		deps, err := s.graph.RequiresOf(ctx, function)
		if err != nil {
			return fmt.Errorf("workflow: resolve requires of %s: %w", function, err)
		}
		names := make([]string, 0, len(deps))
		for _, d := range deps {
			names = append(names, d.Function)
		}
		adjacency[function] = names

		for _, dep := range names {
			if err := visit(dep); err != nil {
				return err
			}
		}

		delete(visiting, function)
		visited[function] = struct{}{}
		return nil
	}

	seeds := make([]string, 0, len(seed))
	for f := range seed {
		seeds = append(seeds, f)
	}
	sort.Strings(seeds)

	for _, f := range seeds {
		if err := visit(f); err != nil {
			return nil, err
		}
	}

	if err := detectCycles(adjacency); err != nil {
		return nil, err
	}

	return adjacency, nil
}

// detectCycles runs Kahn's algorithm over the adjacency map as a
// defense-in-depth check independent of the DFS recursion stack.
func detectCycles(adjacency map[string][]string) error {
	inDegree := make(map[string]int)
	for f := range adjacency {
		if _, ok := inDegree[f]; !ok {
			inDegree[f] = 0
		}
	}
	for _, deps := range adjacency {
		for _, d := range deps {
			inDegree[d]++
		}
	}

	var queue []string
	for f, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, f)
		}
	}

	processed := 0
	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		processed++
		for _, d := range adjacency[f] {
			inDegree[d]--
			if inDegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}

	if processed != len(inDegree) {
		return infeasiblef("cyclic REQUIRES relation: %d functions could not be ordered", len(inDegree)-processed)
	}
	return nil
}

// toolBinding is the resolved (tool, address) pair for a function.
type toolBinding struct {
	Tool    string
	Address string
}

// bindTools implements step 3: verify user-pinned tools against the
// graph, else pick the first tool the graph reports as implementing the
// function.
func (s *Synthesizer) bindTools(ctx context.Context, constraints map[string]string, adjacency map[string][]string) (map[string]toolBinding, error) {
	functions := make([]string, 0, len(adjacency))
	for f := range adjacency {
		functions = append(functions, f)
	}
	sort.Strings(functions)

	binding := make(map[string]toolBinding, len(functions))
	for _, function := range functions {
		tools, err := s.graph.ToolsImplementing(ctx, function)
		if err != nil {
			return nil, fmt.Errorf("workflow: resolve tools implementing %s: %w", function, err)
		}
		if len(tools) == 0 {
			return nil, infeasiblef("no tool implements %s", function)
		}

		if pinned, ok := constraints[function]; ok {
			var match *graph.ToolRef
			for i := range tools {
				if tools[i].Tool == pinned {
					match = &tools[i]
					break
				}
			}
			if match == nil {
				return nil, infeasiblef("pinned tool %s does not implement %s", pinned, function)
			}
			binding[function] = toolBinding{Tool: match.Tool, Address: match.Address}
			continue
		}

		binding[function] = toolBinding{Tool: tools[0].Tool, Address: tools[0].Address}
	}

	return binding, nil
}

// computeLevels implements step 4: level(f) = 1 if requires(f) is
// empty, else 1 + max(level(g) for g in requires(f)), memoized over the
// acyclic adjacency map.
func computeLevels(adjacency map[string][]string) map[string]int {
	levels := make(map[string]int, len(adjacency))

	var level func(function string) int
	level = func(function string) int {
		if l, ok := levels[function]; ok {
			return l
		}
		deps := adjacency[function]
		if len(deps) == 0 {
			levels[function] = 1
			return 1
		}
		max := 0
		for _, dep := range deps {
			if l := level(dep); l > max {
				max = l
			}
		}
		levels[function] = 1 + max
		return levels[function]
	}

	for f := range adjacency {
		level(f)
	}
	return levels
}

// buildNodes implements step 5: one WorkflowNode per bound function,
// with a dependency map resolving each required function to
// "<tool_addr>/<dep_function>" or the self sentinel when the dependency
// is bound to the same tool.
func buildNodes(adjacency map[string][]string, binding map[string]toolBinding, levels map[string]int) []Node {
	nodes := make([]Node, 0, len(adjacency))
	for function, deps := range adjacency {
		b := binding[function]
		depMap := make(map[string]string, len(deps))
		for _, dep := range deps {
			depBinding := binding[dep]
			if depBinding.Tool == b.Tool {
				depMap[dep] = SelfSentinel
			} else {
				depMap[dep] = fmt.Sprintf("%s/%s", depBinding.Address, dep)
			}
		}
		nodes = append(nodes, Node{
			Function:     function,
			Tool:         b.Tool,
			Address:      b.Address,
			Level:        levels[function],
			Dependencies: depMap,
		})
	}
	return nodes
}

// computeToolLevels emits the tool-level map: for each tool, the
// maximum level among its bound functions (step 5's "second DFS over a
// tool-granularity graph" collapses to a max-reduction once per-function
// levels are known).
func computeToolLevels(nodes []Node) map[string]int {
	toolLevels := make(map[string]int)
	for _, n := range nodes {
		if cur, ok := toolLevels[n.Tool]; !ok || n.Level > cur {
			toolLevels[n.Tool] = n.Level
		}
	}
	return toolLevels
}

// buildPublishMap implements step 6: for each metric, the publish
// endpoint of its chosen producer function.
func buildPublishMap(metricProducer map[string]string, binding map[string]toolBinding) map[string]string {
	publish := make(map[string]string, len(metricProducer))
	for metric, function := range metricProducer {
		b := binding[function]
		publish[metric] = fmt.Sprintf("evaluators/%s/%s", b.Tool, function)
	}
	return publish
}
