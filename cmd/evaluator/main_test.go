package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestRunEvaluatorStartStop exercises the same wiring main() performs —
// config defaults, embedded NATS, placeholder handler registration,
// runtime startup — and verifies a cancelled context shuts it down cleanly.
func TestRunEvaluatorStartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- runEvaluator(ctx, "", "127.0.0.1:0", "", "SpaDes", "CostEstimation,MassBudget")
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runEvaluator did not shut down after context cancellation")
	}
}

func TestSplitNonEmpty(t *testing.T) {
	require.Equal(t, []string{"A", "B"}, splitNonEmpty("A, B, "))
	require.Nil(t, splitNonEmpty(""))
}
