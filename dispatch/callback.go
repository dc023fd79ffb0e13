package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"

	"github.com/c360studio/tse/schema"
)

// CallbackPublisher delivers Solutions and the terminal cancellation
// message to a run's callbackUrl, retrying transient failures with
// exponential backoff. A Solution that exhausts retries is retained in
// an error log but never blocks dispatch of other architectures.
type CallbackPublisher struct {
	client  *resty.Client
	retries uint64
	logger  *slog.Logger

	mu       sync.Mutex
	errorLog []FailedDelivery
}

// FailedDelivery records a Solution that could not be delivered after
// exhausting retries.
type FailedDelivery struct {
	WorkflowID string
	SolutionID string
	Error      string
}

// NewCallbackPublisher creates a publisher retrying each delivery up to
// maxRetries times.
func NewCallbackPublisher(maxRetries int, logger *slog.Logger) *CallbackPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &CallbackPublisher{
		client:  resty.New(),
		retries: uint64(maxRetries),
		logger:  logger,
	}
}

// DeliverSolution POSTs a Solution to callbackURL, retrying with
// exponential backoff on failure.
func (c *CallbackPublisher) DeliverSolution(ctx context.Context, callbackURL, workflowID string, sol *schema.Solution) {
	c.deliver(ctx, callbackURL, workflowID, sol.SolutionID, sol)
}

// DeliverTerminal POSTs the terminal {workflow_id, cancelled:true}
// message to callbackURL when a run is cancelled.
func (c *CallbackPublisher) DeliverTerminal(ctx context.Context, callbackURL, workflowID string) {
	msg := schema.TerminalMessage{WorkflowID: workflowID, Cancelled: true}
	c.deliver(ctx, callbackURL, workflowID, "", msg)
}

func (c *CallbackPublisher) deliver(ctx context.Context, callbackURL, workflowID, solutionID string, body any) {
	operation := func() error {
		resp, err := c.client.R().SetContext(ctx).SetBody(body).Post(callbackURL)
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("callback returned status %d", resp.StatusCode())
		}
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.retries)
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		c.logger.Error("callback delivery failed permanently",
			"callback_url", callbackURL, "workflow_id", workflowID, "solution_id", solutionID, "error", err)
		c.mu.Lock()
		c.errorLog = append(c.errorLog, FailedDelivery{WorkflowID: workflowID, SolutionID: solutionID, Error: err.Error()})
		c.mu.Unlock()
	}
}

// FailedDeliveries returns a snapshot of every delivery that was
// retained after exhausting retries.
func (c *CallbackPublisher) FailedDeliveries() []FailedDelivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]FailedDelivery, len(c.errorLog))
	copy(out, c.errorLog)
	return out
}
