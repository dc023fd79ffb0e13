package dispatch

import "sync"

// runRegistry holds one *Run per workflow_id. Backed by sync.Map since
// lookups vastly outnumber inserts/deletes once a run's architectures
// are dispatched.
type runRegistry struct {
	runs sync.Map
}

func newRunRegistry() *runRegistry {
	return &runRegistry{}
}

func (r *runRegistry) put(workflowID string, run *Run) {
	r.runs.Store(workflowID, run)
}

func (r *runRegistry) get(workflowID string) (*Run, bool) {
	v, ok := r.runs.Load(workflowID)
	if !ok {
		return nil, false
	}
	return v.(*Run), true
}

func (r *runRegistry) delete(workflowID string) {
	r.runs.Delete(workflowID)
}
