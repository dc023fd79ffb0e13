// Package dispatch implements the Tradespace Search Executive: HTTP
// ingress, design-space enumeration, workflow dispatch, result
// correlation, callback streaming, CSV summary, and hypervolume
// tracking.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/c360studio/tse/bus"
	"github.com/c360studio/tse/config"
	"github.com/c360studio/tse/schema"
	"github.com/c360studio/tse/workflow"
)

// Dispatcher accepts TSERequests over HTTP, synthesizes a workflow per
// request, enumerates the design space, and drives every candidate
// architecture through the workflow, streaming Solutions to the
// caller's callback.
type Dispatcher struct {
	cfg         config.DispatcherConfig
	bus         *bus.Bus
	synthesizer *workflow.Synthesizer
	callback    *CallbackPublisher
	logger      *slog.Logger

	registry *runRegistry
	mux      *http.ServeMux
	http     *http.Server
}

// NewDispatcher creates a Dispatcher wired to the given knowledge-graph
// client and NATS bus.
func NewDispatcher(cfg config.DispatcherConfig, g workflow.GraphSource, b *bus.Bus, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:         cfg,
		bus:         b,
		synthesizer: workflow.NewSynthesizer(g),
		callback:    NewCallbackPublisher(cfg.CallbackRetries, logger),
		logger:      logger,
		registry:    newRunRegistry(),
		mux:         http.NewServeMux(),
	}
}

// Start registers HTTP routes and begins serving.
func (d *Dispatcher) Start(addr string) (string, error) {
	d.mux.HandleFunc("POST /tse", d.handleSubmit)
	d.mux.HandleFunc("GET /tse/{workflow_id}", d.handleStatus)
	d.mux.HandleFunc("DELETE /tse/{workflow_id}", d.handleCancel)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("dispatch: listen on %s: %w", addr, err)
	}
	d.http = &http.Server{Handler: d.mux}
	go func() {
		if err := d.http.Serve(listener); err != nil && err != http.ErrServerClosed {
			d.logger.Error("dispatcher HTTP server stopped", "error", err)
		}
	}()
	return listener.Addr().String(), nil
}

// Stop shuts down the HTTP server.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if d.http != nil {
		return d.http.Shutdown(ctx)
	}
	return nil
}

func (d *Dispatcher) handleSubmit(w http.ResponseWriter, req *http.Request) {
	var tseReq schema.TSERequest
	if err := json.NewDecoder(req.Body).Decode(&tseReq); err != nil {
		writeInfeasible(w, http.StatusBadRequest, fmt.Sprintf("malformed request: %v", err))
		return
	}
	if err := tseReq.Validate(); err != nil {
		writeInfeasible(w, http.StatusBadRequest, err.Error())
		return
	}

	wf, err := d.synthesizer.Synthesize(req.Context(), workflow.Request{
		Objectives:      tseReq.Objectives,
		ToolConstraints: tseReq.ToolConstraints,
	})
	if err != nil {
		writeInfeasible(w, http.StatusBadRequest, err.Error())
		return
	}

	archs, err := Enumerate(tseReq.DesignSpace)
	if err != nil {
		writeInfeasible(w, http.StatusBadRequest, fmt.Sprintf("enumerate design space: %v", err))
		return
	}

	workflowID := uuid.NewString()

	outDir := filepath.Join(d.cfg.OutDir, workflowID)
	metricColumns := sortedKeys(tseReq.Objectives)
	summary, err := NewSummaryWriter(outDir, metricColumns)
	if err != nil {
		writeInfeasible(w, http.StatusInternalServerError, err.Error())
		return
	}

	reference := make(map[string]float64, len(tseReq.Objectives))
	for metric := range tseReq.Objectives {
		reference[metric] = 0
	}
	hv := NewHypervolumeTracker(tseReq.Objectives, reference, d.cfg.HVResolution)

	if err := writeArchitectureFiles(outDir, archs); err != nil {
		writeInfeasible(w, http.StatusInternalServerError, err.Error())
		return
	}

	run := NewRun(workflowID, wf, &tseReq, archs, hv, summary, d.cfg.ErrorSentinel)
	d.registry.put(workflowID, run)

	go d.dispatchRun(context.Background(), run, archs)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"workflow_id": workflowID})
}

func (d *Dispatcher) handleStatus(w http.ResponseWriter, req *http.Request) {
	workflowID := req.PathValue("workflow_id")
	run, ok := d.registry.get(workflowID)
	if !ok {
		http.NotFound(w, req)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"state":               run.State(),
		"solutions_delivered": run.SolutionsDelivered(),
		"pending_count":       run.PendingCount(),
		"hypervolume":         run.hv.Current(),
		"pareto_size":         run.hv.ParetoSize(),
	})
}

func (d *Dispatcher) handleCancel(w http.ResponseWriter, req *http.Request) {
	workflowID := req.PathValue("workflow_id")
	run, ok := d.registry.get(workflowID)
	if !ok {
		http.NotFound(w, req)
		return
	}
	run.Cancel()
	d.callback.DeliverTerminal(req.Context(), run.Request.CallbackURL, workflowID)
	w.WriteHeader(http.StatusNoContent)
}

// dispatchRun drives every enumerated architecture through wf,
// correlating results via each architecture's private run channel, and
// caps in-flight architectures at cfg.MaxInFlight.
func (d *Dispatcher) dispatchRun(ctx context.Context, run *Run, archs []Architecture) {
	run.SetState(StatePlanned)

	sem := make(chan struct{}, maxInt(d.cfg.MaxInFlight, 1))
	fnDeps := functionDependencies(run.Workflow)
	fnMetric := functionToMetric(run.Workflow)

	run.SetState(StateRunning)

	var wg sync.WaitGroup
dispatchLoop:
	for _, arch := range archs {
		if run.Cancelled() {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break dispatchLoop
		}

		wg.Add(1)
		go func(arch Architecture) {
			defer wg.Done()
			defer func() { <-sem }()
			d.dispatchArchitecture(ctx, run, arch, fnDeps, fnMetric)
		}(arch)
	}
	wg.Wait()

	run.SetState(StateCollecting)
	if run.Complete() {
		run.SetState(StateDone)
	}
}

// dispatchArchitecture subscribes to the architecture's private result
// channel, publishes one EvaluationRequest per requested metric's
// producer function, and waits for completion or cancellation.
func (d *Dispatcher) dispatchArchitecture(ctx context.Context, run *Run, arch Architecture, fnDeps map[string]schema.Dependency, fnMetric map[string]string) {
	channel := bus.RunChannel(run.WorkflowID, arch.ID)

	sub, err := d.bus.Conn().Subscribe(channel, func(msg *nats.Msg) {
		d.handleResult(run, arch, fnMetric, msg)
	})
	if err != nil {
		d.logger.Error("subscribe run channel failed", "channel", channel, "error", err)
		d.recordFailure(run, arch.ID, err.Error())
		return
	}
	defer func() { _ = sub.Unsubscribe() }()

	for metric := range run.Objectives {
		function := metricProducerFunction(run.Workflow, metric)
		if function == "" {
			continue
		}
		node := findNode(run.Workflow, function)
		if node == nil {
			continue
		}

		envelope := schema.EvaluationRequest{
			Architecture: arch.Document,
			WorkflowID:   run.WorkflowID,
			Function:     function,
			ResultTopic:  channel,
			Dependencies: fnDeps,
		}
		payload, err := json.Marshal(envelope)
		if err != nil {
			d.recordFailure(run, arch.ID, err.Error())
			continue
		}

		subject := bus.RequestSubject(node.Tool, function)
		if err := d.bus.Conn().Publish(subject, payload); err != nil {
			d.recordFailure(run, arch.ID, err.Error())
		}
	}

	select {
	case <-run.Done(arch.ID):
	case <-ctx.Done():
	}
}

// handleResult correlates one inbound ResultEnvelope for an
// architecture and, when the architecture completes, delivers the
// Solution to the callback, appends it to summary.csv, and folds it
// into the hypervolume tracker.
func (d *Dispatcher) handleResult(run *Run, arch Architecture, fnMetric map[string]string, msg *nats.Msg) {
	if run.Cancelled() {
		return
	}

	var envelope schema.ResultEnvelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		d.logger.Error("malformed result envelope", "error", err)
		return
	}
	if envelope.Failed() {
		d.recordFailure(run, arch.ID, envelope.Error)
		return
	}

	metric, ok := fnMetric[envelope.Function]
	if !ok {
		return
	}

	var value float64
	if err := json.Unmarshal(envelope.Results, &value); err != nil {
		d.recordFailure(run, arch.ID, fmt.Sprintf("non-numeric result for %s: %v", metric, err))
		return
	}

	sol := run.RecordMetric(arch.ID, metric, value)
	if sol == nil {
		return
	}

	run.hv.Observe(sol.Objectives)
	if err := run.summary.Append(sol); err != nil {
		d.logger.Warn("append summary row failed", "workflow_id", run.WorkflowID, "error", err)
	}
	d.callback.DeliverSolution(context.Background(), run.Request.CallbackURL, run.WorkflowID, sol)
}

// recordFailure marks arch errored on run and, if this call performed
// that transition, delivers the resulting errored Solution to the
// callback and appends it to summary.csv. It is a no-op if the
// architecture already completed or was already marked errored.
func (d *Dispatcher) recordFailure(run *Run, archID, reason string) {
	sol := run.RecordFailure(archID, reason)
	if sol == nil {
		return
	}
	if err := run.summary.Append(sol); err != nil {
		d.logger.Warn("append summary row failed", "workflow_id", run.WorkflowID, "error", err)
	}
	d.callback.DeliverSolution(context.Background(), run.Request.CallbackURL, run.WorkflowID, sol)
}

func writeInfeasible(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": fmt.Sprintf("InfeasibleError: %s", reason),
	})
}

func sortedKeys(objectives map[string]workflow.Direction) []string {
	keys := make([]string, 0, len(objectives))
	for k := range objectives {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// functionDependencies flattens a workflow's per-node dependency maps
// into the schema.Dependency form an EvaluationRequest carries, so an
// evaluator can pull its own upstream chain regardless of level.
func functionDependencies(wf *workflow.Workflow) map[string]schema.Dependency {
	out := make(map[string]schema.Dependency, len(wf.Nodes))
	for _, n := range wf.Nodes {
		out[n.Function] = schema.Dependency{Dependencies: n.Dependencies}
	}
	return out
}

// functionToMetric inverts the workflow's publish-metrics map
// (metric -> "evaluators/<tool>/<function>") back to function -> metric,
// so the Dispatcher can translate an inbound ResultEnvelope's function
// name to the objective it satisfies.
func functionToMetric(wf *workflow.Workflow) map[string]string {
	out := make(map[string]string, len(wf.PublishMetrics))
	for metric, topic := range wf.PublishMetrics {
		if idx := strings.LastIndex(topic, "/"); idx >= 0 {
			out[topic[idx+1:]] = metric
		}
	}
	return out
}

func metricProducerFunction(wf *workflow.Workflow, metric string) string {
	topic, ok := wf.PublishMetrics[metric]
	if !ok {
		return ""
	}
	idx := strings.LastIndex(topic, "/")
	if idx < 0 {
		return ""
	}
	return topic[idx+1:]
}

func findNode(wf *workflow.Workflow, function string) *workflow.Node {
	for i := range wf.Nodes {
		if wf.Nodes[i].Function == function {
			return &wf.Nodes[i]
		}
	}
	return nil
}
