package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360studio/tse/schema"
	"github.com/c360studio/tse/workflow"
)

func testRun(t *testing.T, archIDs []string, objectives map[string]workflow.Direction) *Run {
	t.Helper()
	archs := make([]Architecture, len(archIDs))
	for i, id := range archIDs {
		archs[i] = Architecture{ID: id, DesignVariables: map[string]any{"altitude": float64(i)}}
	}
	req := &schema.TSERequest{Objectives: objectives, CallbackURL: "http://example.invalid/cb"}
	return NewRun("wf-1", &workflow.Workflow{}, req, archs, nil, nil, 1e9)
}

// TestRunRecordMetricCompletesOnLastObjective grounds the set-based
// completion rule: a Solution is produced only once every requested
// metric has arrived, regardless of arrival order.
func TestRunRecordMetricCompletesOnLastObjective(t *testing.T) {
	run := testRun(t, []string{"arch-0"}, map[string]workflow.Direction{
		"InstrumentScore": workflow.DirectionMax,
		"LifecycleCost":   workflow.DirectionMin,
	})

	require.Nil(t, run.RecordMetric("arch-0", "LifecycleCost", 500))
	require.Equal(t, 1, run.PendingCount())

	sol := run.RecordMetric("arch-0", "InstrumentScore", 42)
	require.NotNil(t, sol)
	require.Equal(t, "arch-0", sol.SolutionID)
	require.Equal(t, 42.0, sol.Objectives["InstrumentScore"])
	require.Equal(t, 500.0, sol.Objectives["LifecycleCost"])
	require.Equal(t, 0, run.PendingCount())
	require.Equal(t, 1, run.SolutionsDelivered())
}

// TestRunRecordFailureDoesNotBlockOtherArchitectures verifies that one
// architecture erroring never prevents others from completing.
func TestRunRecordFailureDoesNotBlockOtherArchitectures(t *testing.T) {
	run := testRun(t, []string{"arch-0", "arch-1"}, map[string]workflow.Direction{"M": workflow.DirectionMax})

	run.RecordFailure("arch-0", "handler returned 500")
	sol := run.RecordMetric("arch-1", "M", 1)
	require.NotNil(t, sol)

	require.True(t, run.Complete())
}

// TestRunRecordFailureBuildsErroredSolution verifies a failed
// architecture yields an Errored Solution whose unreached objectives
// carry the configured sentinel, sign-flipped per direction.
func TestRunRecordFailureBuildsErroredSolution(t *testing.T) {
	run := testRun(t, []string{"arch-0"}, map[string]workflow.Direction{
		"InstrumentScore": workflow.DirectionMax,
		"LifecycleCost":   workflow.DirectionMin,
	})

	sol := run.RecordFailure("arch-0", "handler returned 500")
	require.NotNil(t, sol)
	require.True(t, sol.Errored)
	require.Equal(t, "arch-0", sol.SolutionID)
	require.Equal(t, -1e9, sol.Objectives["InstrumentScore"])
	require.Equal(t, 1e9, sol.Objectives["LifecycleCost"])
}

// TestRunRecordFailurePreservesPartialObjectives verifies a metric that
// arrived before the failure keeps its measured value instead of being
// overwritten by the sentinel.
func TestRunRecordFailurePreservesPartialObjectives(t *testing.T) {
	run := testRun(t, []string{"arch-0"}, map[string]workflow.Direction{
		"InstrumentScore": workflow.DirectionMax,
		"LifecycleCost":   workflow.DirectionMin,
	})

	require.Nil(t, run.RecordMetric("arch-0", "LifecycleCost", 500))
	sol := run.RecordFailure("arch-0", "handler returned 500")
	require.NotNil(t, sol)
	require.Equal(t, 500.0, sol.Objectives["LifecycleCost"])
	require.Equal(t, -1e9, sol.Objectives["InstrumentScore"])
}

// TestRunRecordFailureIgnoredAfterCompletion verifies an architecture
// that already completed successfully cannot later be turned errored.
func TestRunRecordFailureIgnoredAfterCompletion(t *testing.T) {
	run := testRun(t, []string{"arch-0"}, map[string]workflow.Direction{"M": workflow.DirectionMax})

	require.NotNil(t, run.RecordMetric("arch-0", "M", 1))
	require.Nil(t, run.RecordFailure("arch-0", "late failure"))
}

// TestRunRecordFailureIdempotent verifies a second failure report for
// the same architecture does not double-deliver a Solution.
func TestRunRecordFailureIdempotent(t *testing.T) {
	run := testRun(t, []string{"arch-0"}, map[string]workflow.Direction{"M": workflow.DirectionMax})

	require.NotNil(t, run.RecordFailure("arch-0", "first failure"))
	require.Nil(t, run.RecordFailure("arch-0", "second failure"))
}

func TestRunDoneChannelClosesOnCompletion(t *testing.T) {
	run := testRun(t, []string{"arch-0"}, map[string]workflow.Direction{"M": workflow.DirectionMax})

	done := run.Done("arch-0")
	select {
	case <-done:
		t.Fatal("done channel must not be closed before completion")
	default:
	}

	run.RecordMetric("arch-0", "M", 1)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done channel must close once the architecture completes")
	}
}

func TestRunDoneUnknownArchitectureReturnsClosedChannel(t *testing.T) {
	run := testRun(t, []string{"arch-0"}, map[string]workflow.Direction{"M": workflow.DirectionMax})

	select {
	case <-run.Done("arch-missing"):
	default:
		t.Fatal("unknown architecture must return an already-closed channel")
	}
}

func TestRunCancelStopsFurtherRecording(t *testing.T) {
	run := testRun(t, []string{"arch-0"}, map[string]workflow.Direction{"M": workflow.DirectionMax})
	run.Cancel()
	require.True(t, run.Cancelled())
	require.Equal(t, StateCancelled, run.State())
	require.Nil(t, run.RecordMetric("arch-0", "M", 1))
}
