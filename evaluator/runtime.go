// Package evaluator is the uniform framework every evaluator tool
// embeds: it hosts an HTTP route and a pub/sub subscription per
// implemented function, resolves upstream dependencies by calling peer
// evaluators, and invokes the tool's registered handler.
package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"

	"github.com/c360studio/tse/bus"
	"github.com/c360studio/tse/config"
	"github.com/c360studio/tse/schema"
)

// Dependencies holds a function's resolved upstream results, keyed
// exactly by the dependency function names declared in the envelope.
type Dependencies map[string]json.RawMessage

// Handler computes one function's result given its architecture payload
// and resolved dependency results. Handlers must be side-effect-free
// beyond logging; any expensive read-only state a tool needs is
// captured in the closure that builds the Handler.
type Handler func(ctx context.Context, deps Dependencies, architecture json.RawMessage) (any, error)

// Runtime hosts one evaluator identity: a set of registered Handlers,
// reachable both via HTTP and via a pub/sub subscription, bounded by a
// worker pool and backed by per-peer circuit breakers for dependency
// resolution.
type Runtime struct {
	toolName string
	logger   *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	bus  *bus.Bus
	http *http.Server
	mux  *http.ServeMux

	resty *resty.Client
	sem   chan struct{}

	dependencyTimeout time.Duration

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker

	subs []*nats.Subscription

	requestsTotal   *prometheus.CounterVec
	requestsFailed  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewRuntime creates a Runtime for the named tool. cfg.MaxConcurrent
// bounds in-flight handler executions; overflow requests block rather
// than being rejected.
func NewRuntime(cfg config.EvaluatorConfig, b *bus.Bus, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	r := &Runtime{
		toolName:          cfg.ToolName,
		logger:            logger,
		handlers:          make(map[string]Handler),
		bus:               b,
		mux:               http.NewServeMux(),
		resty:             resty.New(),
		sem:               make(chan struct{}, maxConcurrent),
		dependencyTimeout: cfg.DependencyTimeout,
		breakers:          make(map[string]*gobreaker.CircuitBreaker),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tse_evaluator_requests_total",
			Help: "Evaluation requests received, by function.",
		}, []string{"function"}),
		requestsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tse_evaluator_requests_failed_total",
			Help: "Evaluation requests that failed, by function.",
		}, []string{"function"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "tse_evaluator_request_duration_seconds",
			Help: "Evaluation handler latency, by function.",
		}, []string{"function"}),
	}
	return r
}

// RegisterHandler binds a Handler to a function name. Call before Start.
func (r *Runtime) RegisterHandler(function string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[function] = h
}

// Start registers HTTP routes and pub/sub subscriptions for every
// registered function, plus /health and /metrics, and begins serving.
// It returns the listener's bound address, so callers that pass a ":0"
// port (tests, mainly) can discover the one actually assigned.
func (r *Runtime) Start(ctx context.Context, addr string) (string, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(r.requestsTotal, r.requestsFailed, r.requestDuration)

	r.mu.RLock()
	functions := make([]string, 0, len(r.handlers))
	for fn := range r.handlers {
		functions = append(functions, fn)
	}
	r.mu.RUnlock()

	for _, function := range functions {
		function := function
		r.mux.HandleFunc("/"+function, r.httpHandler(function))

		sub, err := r.bus.Conn().Subscribe(bus.RequestSubject(r.toolName, function), r.natsHandler(function))
		if err != nil {
			return "", fmt.Errorf("evaluator: subscribe %s: %w", function, err)
		}
		r.subs = append(r.subs, sub)
	}

	r.mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("evaluator: listen on %s: %w", addr, err)
	}

	r.http = &http.Server{Handler: r.mux}
	go func() {
		if err := r.http.Serve(listener); err != nil && err != http.ErrServerClosed {
			r.logger.Error("evaluator HTTP server stopped", "error", err)
		}
	}()

	boundAddr := listener.Addr().String()
	r.logger.Info("evaluator runtime started", "tool", r.toolName, "addr", boundAddr, "functions", functions)
	return boundAddr, nil
}

// Stop unsubscribes every subscription and shuts down the HTTP server.
func (r *Runtime) Stop(ctx context.Context) error {
	for _, s := range r.subs {
		_ = s.Unsubscribe()
	}
	if r.http != nil {
		return r.http.Shutdown(ctx)
	}
	return nil
}

// httpHandler implements the synchronous peer-to-peer path: POST
// /<function_name> with an EvaluationRequest body, responding with a
// ResultEnvelope.
func (r *Runtime) httpHandler(function string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var envelope schema.EvaluationRequest
		if err := json.NewDecoder(req.Body).Decode(&envelope); err != nil {
			http.Error(w, fmt.Sprintf("malformed request: %v", err), http.StatusBadRequest)
			return
		}
		envelope.Function = function
		if err := envelope.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		result, err := r.invoke(req.Context(), envelope)
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(schema.ResultEnvelope{
				Evaluator:  r.toolName,
				WorkflowID: envelope.WorkflowID,
				Function:   function,
				Error:      err.Error(),
			})
			return
		}

		resultsJSON, _ := json.Marshal(result)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(schema.ResultEnvelope{
			Evaluator:  r.toolName,
			WorkflowID: envelope.WorkflowID,
			Function:   function,
			Results:    resultsJSON,
		})
	}
}

// natsHandler implements the asynchronous subscription path: a result
// is published to both the requester's result_topic and the tool's
// canonical results topic; an error envelope goes to the result_topic
// only.
func (r *Runtime) natsHandler(function string) nats.MsgHandler {
	return func(msg *nats.Msg) {
		ctx := context.Background()

		var envelope schema.EvaluationRequest
		if err := json.Unmarshal(msg.Data, &envelope); err != nil {
			r.logger.Error("malformed evaluation request", "function", function, "error", err)
			return
		}
		envelope.Function = function
		if err := envelope.Validate(); err != nil {
			r.logger.Error("invalid evaluation request", "function", function, "error", err)
			return
		}

		result, err := r.invoke(ctx, envelope)

		var out schema.ResultEnvelope
		out.Evaluator = r.toolName
		out.WorkflowID = envelope.WorkflowID
		out.Function = function
		if err != nil {
			out.Error = err.Error()
			r.logger.Error("handler failed", "function", function, "workflow_id", envelope.WorkflowID, "error", err)
		} else {
			resultsJSON, _ := json.Marshal(result)
			out.Results = resultsJSON
		}

		payload, marshalErr := json.Marshal(out)
		if marshalErr != nil {
			r.logger.Error("marshal result envelope", "error", marshalErr)
			return
		}

		if envelope.ResultTopic != "" {
			if pubErr := r.bus.Conn().Publish(envelope.ResultTopic, payload); pubErr != nil {
				r.logger.Warn("publish to result topic failed", "topic", envelope.ResultTopic, "error", pubErr)
			}
		}
		if err == nil {
			canonical := bus.ResultsSubject(r.toolName, function)
			if pubErr := r.bus.Conn().Publish(canonical, payload); pubErr != nil {
				r.logger.Warn("publish to canonical results topic failed", "topic", canonical, "error", pubErr)
			}
		}
	}
}

// invoke bounds concurrency via the worker-pool semaphore, resolves
// dependencies, and calls the registered handler.
func (r *Runtime) invoke(ctx context.Context, envelope schema.EvaluationRequest) (any, error) {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-r.sem }()

	r.requestsTotal.WithLabelValues(envelope.Function).Inc()
	start := time.Now()
	defer func() {
		r.requestDuration.WithLabelValues(envelope.Function).Observe(time.Since(start).Seconds())
	}()

	r.mu.RLock()
	handler, ok := r.handlers[envelope.Function]
	r.mu.RUnlock()
	if !ok {
		r.requestsFailed.WithLabelValues(envelope.Function).Inc()
		return nil, fmt.Errorf("function %s not implemented", envelope.Function)
	}

	deps, err := r.resolveDependencies(ctx, envelope)
	if err != nil {
		r.requestsFailed.WithLabelValues(envelope.Function).Inc()
		return nil, fmt.Errorf("resolve dependencies: %w", err)
	}

	result, err := handler(ctx, deps, envelope.Architecture)
	if err != nil {
		r.requestsFailed.WithLabelValues(envelope.Function).Inc()
		return nil, err
	}
	return result, nil
}

// resolveDependencies fetches every dependency of envelope.Function in
// parallel, keyed by dependency function name. A "self" dependency is
// resolved in-process; otherwise a peer HTTP call is issued.
func (r *Runtime) resolveDependencies(ctx context.Context, envelope schema.EvaluationRequest) (Dependencies, error) {
	own, ok := envelope.Dependencies[envelope.Function]
	if !ok || len(own.Dependencies) == 0 {
		return Dependencies{}, nil
	}

	type result struct {
		function string
		value    json.RawMessage
		err      error
	}

	results := make(chan result, len(own.Dependencies))
	var wg sync.WaitGroup

	for depFunction, target := range own.Dependencies {
		depFunction, target := depFunction, target
		wg.Add(1)
		go func() {
			defer wg.Done()
			depCtx := ctx
			var cancel context.CancelFunc
			if r.dependencyTimeout > 0 {
				depCtx, cancel = context.WithTimeout(ctx, r.dependencyTimeout)
				defer cancel()
			}

			var value json.RawMessage
			var err error
			if target == schema.SelfSentinel {
				value, err = r.resolveSelf(depCtx, depFunction, envelope)
			} else {
				value, err = r.resolvePeer(depCtx, target, depFunction, envelope)
			}
			results <- result{function: depFunction, value: value, err: err}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	deps := make(Dependencies, len(own.Dependencies))
	var firstErr error
	for res := range results {
		if res.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("dependency %s: %w", res.function, res.err)
			}
			continue
		}
		deps[res.function] = res.value
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return deps, nil
}

// resolveSelf invokes a co-located handler directly, without an HTTP
// round-trip, per the "self" sentinel in the workflow's dependency map.
func (r *Runtime) resolveSelf(ctx context.Context, function string, envelope schema.EvaluationRequest) (json.RawMessage, error) {
	inner := envelope
	inner.Function = function
	result, err := r.invoke(ctx, inner)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

// resolvePeer issues an HTTP call to a dependency's resolved endpoint,
// wrapped in a per-upstream circuit breaker.
func (r *Runtime) resolvePeer(ctx context.Context, endpoint, depFunction string, envelope schema.EvaluationRequest) (json.RawMessage, error) {
	inner := schema.EvaluationRequest{
		Architecture: envelope.Architecture,
		WorkflowID:   envelope.WorkflowID,
		Function:     depFunction,
		Dependencies: reduceDependencies(envelope.Dependencies, depFunction),
	}

	breaker := r.breakerFor(endpoint)
	out, err := breaker.Execute(func() (any, error) {
		resp, err := r.resty.R().
			SetContext(ctx).
			SetBody(inner).
			Post(endpoint)
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("peer %s returned status %d", endpoint, resp.StatusCode())
		}

		var result schema.ResultEnvelope
		if err := json.Unmarshal(resp.Body(), &result); err != nil {
			return nil, fmt.Errorf("decode peer response: %w", err)
		}
		if result.Failed() {
			return nil, fmt.Errorf("peer %s: %s", endpoint, result.Error)
		}
		return result.Results, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(json.RawMessage), nil
}

// reduceDependencies carries forward only the dependency subtree
// reachable from function, so a peer receives its own dependencies and
// nothing about unrelated branches of the workflow.
func reduceDependencies(all map[string]schema.Dependency, function string) map[string]schema.Dependency {
	reduced := make(map[string]schema.Dependency)
	var visit func(f string)
	visit = func(f string) {
		if _, ok := reduced[f]; ok {
			return
		}
		dep, ok := all[f]
		if !ok {
			return
		}
		reduced[f] = dep
		for next := range dep.Dependencies {
			visit(next)
		}
	}
	visit(function)
	return reduced
}

// breakerFor returns (creating if needed) the circuit breaker guarding
// calls to endpoint's host, so a systematically failing peer stops being
// hammered independently of other peers.
func (r *Runtime) breakerFor(endpoint string) *gobreaker.CircuitBreaker {
	host := endpoint
	if u, err := url.Parse(endpoint); err == nil {
		host = u.Scheme + "://" + u.Host
	}

	r.breakersMu.Lock()
	defer r.breakersMu.Unlock()

	if b, ok := r.breakers[host]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	r.breakers[host] = b
	return b
}
