package dispatch

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/c360studio/tse/workflow"
)

// HistorySample is one (solution_count, hv) observation, letting a
// caller plot hypervolume evolution across a run.
type HistorySample struct {
	SolutionCount int
	Hypervolume   float64
}

// HypervolumeTracker is a grid-approximated hypervolume monitor: a
// bitmap over G^k cells (G = per-axis resolution, k = objective count)
// marks which cells are dominated by a delivered Solution, and hv is
// reported as the dominated fraction of the grid.
type HypervolumeTracker struct {
	mu         sync.Mutex
	metrics    []string // stable objective order
	directions []workflow.Direction
	reference  map[string]float64
	resolution int
	dominated  map[string]struct{} // cell key -> present
	history    []HistorySample
	delivered  int
	archive    []map[string]float64 // non-dominated objective vectors observed so far
}

// NewHypervolumeTracker creates a tracker for the given objectives
// (stable iteration order fixed at construction, so cell keys are
// reproducible), reference point, and odd per-axis resolution.
func NewHypervolumeTracker(objectives map[string]workflow.Direction, reference map[string]float64, resolution int) *HypervolumeTracker {
	metrics := make([]string, 0, len(objectives))
	for m := range objectives {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)

	directions := make([]workflow.Direction, len(metrics))
	for i, m := range metrics {
		directions[i] = objectives[m]
	}

	if resolution%2 == 0 {
		resolution++
	}

	return &HypervolumeTracker{
		metrics:    metrics,
		directions: directions,
		reference:  reference,
		resolution: resolution,
		dominated:  make(map[string]struct{}),
	}
}

// Observe folds a new Solution's objective vector into the grid and
// returns the updated hv estimate. hv is the fraction of grid cells
// dominated so far, which is monotonically non-decreasing (property 9)
// since cells are only ever added, never removed.
func (t *HypervolumeTracker) Observe(objectives map[string]float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	cell := make([]int, len(t.metrics))
	for i, metric := range t.metrics {
		g := t.resolution - 1
		r := t.reference[metric]
		v := objectives[metric]

		var frac float64
		switch t.directions[i] {
		case workflow.DirectionMin:
			if r != 0 {
				frac = (r - v) / r
			}
		default: // MAX
			if r != 0 {
				frac = (v - r) / r
			}
		}
		idx := int(math.Floor(frac * float64(g)))
		if idx < 0 {
			idx = 0
		}
		if idx > g {
			idx = g
		}
		cell[i] = idx
	}

	t.markDominated(cell)
	t.updateArchive(objectives)

	t.delivered++
	hv := float64(len(t.dominated)) / math.Pow(float64(t.resolution), float64(len(t.metrics)))
	t.history = append(t.history, HistorySample{SolutionCount: t.delivered, Hypervolume: hv})
	return hv
}

// dominates reports whether a is at least as good as b on every
// objective and strictly better on at least one, respecting each
// metric's direction.
func (t *HypervolumeTracker) dominates(a, b map[string]float64) bool {
	strictlyBetter := false
	for i, metric := range t.metrics {
		av, bv := a[metric], b[metric]
		switch t.directions[i] {
		case workflow.DirectionMin:
			if av > bv {
				return false
			}
			if av < bv {
				strictlyBetter = true
			}
		default: // MAX
			if av < bv {
				return false
			}
			if av > bv {
				strictlyBetter = true
			}
		}
	}
	return strictlyBetter
}

func (t *HypervolumeTracker) equals(a, b map[string]float64) bool {
	for _, metric := range t.metrics {
		if a[metric] != b[metric] {
			return false
		}
	}
	return true
}

// updateArchive maintains the non-dominated front: any archived point
// the new point dominates is pruned before the new point is appended.
// A new point that is itself dominated by an archived point, or that
// exactly duplicates one already archived, is discarded.
func (t *HypervolumeTracker) updateArchive(objectives map[string]float64) {
	for _, p := range t.archive {
		if t.dominates(p, objectives) || t.equals(p, objectives) {
			// an existing point already dominates or duplicates the new
			// one: the archive is unaffected.
			return
		}
	}

	kept := make([]map[string]float64, 0, len(t.archive)+1)
	for _, p := range t.archive {
		if !t.dominates(objectives, p) {
			kept = append(kept, p)
		}
	}
	t.archive = append(kept, objectives)
}

// markDominated unions every cell componentwise <= cell into the
// dominated set.
func (t *HypervolumeTracker) markDominated(cell []int) {
	indices := make([]int, len(cell))
	var recurse func(dim int)
	recurse = func(dim int) {
		if dim == len(cell) {
			t.dominated[cellKey(indices)] = struct{}{}
			return
		}
		for i := 0; i <= cell[dim]; i++ {
			indices[dim] = i
			recurse(dim + 1)
		}
	}
	recurse(0)
}

func cellKey(indices []int) string {
	parts := make([]string, len(indices))
	for i, v := range indices {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// History returns the recorded (solution_count, hv) time series.
func (t *HypervolumeTracker) History() []HistorySample {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]HistorySample, len(t.history))
	copy(out, t.history)
	return out
}

// Current returns the latest hv value, or 0 if no Solution has been
// observed yet.
func (t *HypervolumeTracker) Current() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.history) == 0 {
		return 0
	}
	return t.history[len(t.history)-1].Hypervolume
}

// ParetoSize returns the number of points currently in the
// non-dominated archive, reported as pareto_size in the run-status
// response.
func (t *HypervolumeTracker) ParetoSize() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.archive)
}
