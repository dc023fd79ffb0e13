package dispatch

import (
	"sync"
	"time"

	"github.com/c360studio/tse/schema"
	"github.com/c360studio/tse/workflow"
)

// State is a run's position in its lifecycle state machine.
type State string

const (
	StateReceived   State = "RECEIVED"
	StatePlanned    State = "PLANNED"
	StateRunning    State = "RUNNING"
	StateCollecting State = "COLLECTING"
	StateDone       State = "DONE"
	StateCancelled  State = "CANCELLED"
)

// archProgress tracks, for one architecture, which of the workflow's
// requested metrics have arrived. Completion is set-based, not
// sequence-based: a metric arriving before an upstream metric is still
// accepted.
type archProgress struct {
	mu        sync.Mutex
	pending   map[string]struct{}
	values    map[string]float64
	design    map[string]any
	errored   bool
	completed bool
	errorMsg  string
	done      chan struct{}
	closeOnce sync.Once
}

func newArchProgress(arch Architecture, objectives map[string]workflow.Direction) *archProgress {
	pending := make(map[string]struct{}, len(objectives))
	for metric := range objectives {
		pending[metric] = struct{}{}
	}
	return &archProgress{
		pending: pending,
		values:  make(map[string]float64, len(objectives)),
		design:  arch.DesignVariables,
		done:    make(chan struct{}),
	}
}

// record marks metric as delivered and reports whether the architecture
// is now complete (every requested metric has arrived).
func (p *archProgress) record(metric string, value float64) (complete bool) {
	p.mu.Lock()
	delete(p.pending, metric)
	p.values[metric] = value
	complete = len(p.pending) == 0 && !p.errored
	if complete {
		p.completed = true
	}
	p.mu.Unlock()
	if complete {
		p.closeOnce.Do(func() { close(p.done) })
	}
	return complete
}

// fail marks the architecture as errored unless it already completed
// successfully or was already marked errored, and reports whether this
// call performed that transition — guarding against double-counting or
// double-delivering an errored Solution on a redundant or racing
// failure report.
func (p *archProgress) fail(reason string) (transitioned bool) {
	p.mu.Lock()
	if p.completed || p.errored {
		p.mu.Unlock()
		return false
	}
	p.errored = true
	p.errorMsg = reason
	p.mu.Unlock()
	p.closeOnce.Do(func() { close(p.done) })
	return true
}

func (p *archProgress) snapshot() (map[string]float64, map[string]any, bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	values := make(map[string]float64, len(p.values))
	for k, v := range p.values {
		values[k] = v
	}
	return values, p.design, p.errored, p.errorMsg
}

// Run holds the server-side state of one in-flight TSE request. The
// correlation task is the single writer to its bitmap table, per the
// concurrency model's "knowledge-graph sessions/run state are owned by
// a single writer" shared-resource policy.
type Run struct {
	WorkflowID string
	Workflow   *workflow.Workflow
	Objectives map[string]workflow.Direction
	Request    *schema.TSERequest

	mu                 sync.RWMutex
	state              State
	architectures      map[string]*archProgress
	solutionsDelivered int
	erroredCount       int
	cancelled          bool

	hv      *HypervolumeTracker
	summary *SummaryWriter

	errorSentinel float64

	createdAt time.Time
}

// NewRun creates a Run in the RECEIVED state for the given enumerated
// architectures. errorSentinel is the worst-case objective magnitude
// assigned (sign-flipped per objective direction) to metrics a failed
// architecture never reached.
func NewRun(workflowID string, wf *workflow.Workflow, req *schema.TSERequest, archs []Architecture, hv *HypervolumeTracker, summary *SummaryWriter, errorSentinel float64) *Run {
	progress := make(map[string]*archProgress, len(archs))
	for _, a := range archs {
		progress[a.ID] = newArchProgress(a, req.Objectives)
	}
	return &Run{
		WorkflowID:    workflowID,
		Workflow:      wf,
		Objectives:    req.Objectives,
		Request:       req,
		state:         StateReceived,
		architectures: progress,
		hv:            hv,
		summary:       summary,
		errorSentinel: errorSentinel,
		createdAt:     time.Now(),
	}
}

// SetState transitions the run's state.
func (r *Run) SetState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

// State returns the run's current state.
func (r *Run) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// PendingCount returns the number of architectures not yet complete or
// errored.
func (r *Run) PendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := len(r.architectures) - r.solutionsDelivered - r.erroredCount
	if total < 0 {
		return 0
	}
	return total
}

// SolutionsDelivered returns how many Solutions have completed so far.
func (r *Run) SolutionsDelivered() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.solutionsDelivered
}

// Cancelled reports whether the run has been cancelled.
func (r *Run) Cancelled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cancelled
}

// Cancel transitions the run to CANCELLED. Further Record calls are
// ignored.
func (r *Run) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = true
	r.state = StateCancelled
}

// RecordMetric folds one incoming metric value into an architecture's
// progress. It returns the completed Solution when this was the last
// pending metric for the architecture, or nil otherwise.
func (r *Run) RecordMetric(archID, metric string, value float64) *schema.Solution {
	r.mu.RLock()
	cancelled := r.cancelled
	progress, ok := r.architectures[archID]
	r.mu.RUnlock()
	if cancelled || !ok {
		return nil
	}

	if !progress.record(metric, value) {
		return nil
	}

	values, design, errored, _ := progress.snapshot()
	if errored {
		return nil
	}

	objectives := make(map[string]float64, len(values))
	for k, v := range values {
		objectives[k] = v
	}

	r.mu.Lock()
	r.solutionsDelivered++
	r.mu.Unlock()

	return &schema.Solution{
		SolutionID:      archID,
		DesignVariables: design,
		Objectives:      objectives,
	}
}

// RecordFailure marks an architecture as errored (e.g. a dependency
// handler returned a 500) and returns the Solution to deliver for it,
// with Errored set and every metric the architecture never reached
// filled with the configured worst-case sentinel (sign-flipped to the
// unfavorable direction per objective). It returns nil if the run was
// cancelled or the architecture was already complete or already marked
// errored, so a redundant or racing failure report never double-delivers.
func (r *Run) RecordFailure(archID, reason string) *schema.Solution {
	r.mu.RLock()
	cancelled := r.cancelled
	progress, ok := r.architectures[archID]
	r.mu.RUnlock()
	if cancelled || !ok {
		return nil
	}
	if !progress.fail(reason) {
		return nil
	}

	values, design, _, _ := progress.snapshot()

	objectives := make(map[string]float64, len(r.Objectives))
	for metric, direction := range r.Objectives {
		if v, ok := values[metric]; ok {
			objectives[metric] = v
			continue
		}
		if direction == workflow.DirectionMax {
			objectives[metric] = -r.errorSentinel
		} else {
			objectives[metric] = r.errorSentinel
		}
	}

	r.mu.Lock()
	r.erroredCount++
	r.mu.Unlock()

	return &schema.Solution{
		SolutionID:      archID,
		DesignVariables: design,
		Objectives:      objectives,
		Errored:         true,
	}
}

// Done returns a channel closed once the named architecture has either
// completed or been marked errored, for callers bounding in-flight
// dispatch by max_in_flight.
func (r *Run) Done(archID string) <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.architectures[archID]; ok {
		return p.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Complete reports whether every architecture has either completed or
// errored.
func (r *Run) Complete() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.solutionsDelivered+r.erroredCount >= len(r.architectures)
}
