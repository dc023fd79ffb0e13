package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/c360studio/tse/workflow"
)

// TestHypervolumeMonotonicallyNonDecreasing verifies hv never decreases
// as Solutions are observed, since grid cells are only ever
// added to the dominated set.
func TestHypervolumeMonotonicallyNonDecreasing(t *testing.T) {
	tracker := NewHypervolumeTracker(
		map[string]workflow.Direction{"InstrumentScore": workflow.DirectionMax, "LifecycleCost": workflow.DirectionMin},
		map[string]float64{"InstrumentScore": 0, "LifecycleCost": 1000},
		11,
	)

	samples := []map[string]float64{
		{"InstrumentScore": 10, "LifecycleCost": 900},
		{"InstrumentScore": 20, "LifecycleCost": 800},
		{"InstrumentScore": 5, "LifecycleCost": 950},
		{"InstrumentScore": 50, "LifecycleCost": 500},
	}

	prev := 0.0
	for _, objectives := range samples {
		hv := tracker.Observe(objectives)
		require.GreaterOrEqual(t, hv, prev)
		prev = hv
	}
	require.Equal(t, prev, tracker.Current())
	require.Len(t, tracker.History(), len(samples))
}

func TestHypervolumeForcesOddResolution(t *testing.T) {
	tracker := NewHypervolumeTracker(map[string]workflow.Direction{"M": workflow.DirectionMax}, map[string]float64{"M": 0}, 10)
	require.Equal(t, 11, tracker.resolution)
}

func TestHypervolumeZeroBeforeAnyObservation(t *testing.T) {
	tracker := NewHypervolumeTracker(map[string]workflow.Direction{"M": workflow.DirectionMax}, map[string]float64{"M": 0}, 11)
	require.Equal(t, 0.0, tracker.Current())
	require.Equal(t, 0, tracker.ParetoSize())
}

// TestHypervolumeRepeatedObservationDoesNotDouble ensures re-observing the
// same cell does not grow the dominated set (idempotent union).
func TestHypervolumeRepeatedObservationDoesNotDouble(t *testing.T) {
	tracker := NewHypervolumeTracker(map[string]workflow.Direction{"M": workflow.DirectionMax}, map[string]float64{"M": 0}, 11)
	first := tracker.Observe(map[string]float64{"M": 10})
	second := tracker.Observe(map[string]float64{"M": 10})
	require.Equal(t, first, second)
	require.Equal(t, 1, tracker.ParetoSize())
}

// TestParetoArchiveDropsDominatedPoint verifies a newly observed point
// that is componentwise worse on every objective than an already
// archived point never grows the archive.
func TestParetoArchiveDropsDominatedPoint(t *testing.T) {
	tracker := NewHypervolumeTracker(
		map[string]workflow.Direction{"InstrumentScore": workflow.DirectionMax, "LifecycleCost": workflow.DirectionMin},
		map[string]float64{"InstrumentScore": 0, "LifecycleCost": 1000},
		11,
	)

	tracker.Observe(map[string]float64{"InstrumentScore": 50, "LifecycleCost": 500})
	require.Equal(t, 1, tracker.ParetoSize())

	tracker.Observe(map[string]float64{"InstrumentScore": 30, "LifecycleCost": 600})
	require.Equal(t, 1, tracker.ParetoSize(), "dominated point must not be archived")
}

// TestParetoArchivePrunesDominatedPoints verifies a newly observed point
// that dominates an archived point replaces it rather than coexisting
// with it.
func TestParetoArchivePrunesDominatedPoints(t *testing.T) {
	tracker := NewHypervolumeTracker(
		map[string]workflow.Direction{"InstrumentScore": workflow.DirectionMax, "LifecycleCost": workflow.DirectionMin},
		map[string]float64{"InstrumentScore": 0, "LifecycleCost": 1000},
		11,
	)

	tracker.Observe(map[string]float64{"InstrumentScore": 30, "LifecycleCost": 600})
	require.Equal(t, 1, tracker.ParetoSize())

	tracker.Observe(map[string]float64{"InstrumentScore": 50, "LifecycleCost": 500})
	require.Equal(t, 1, tracker.ParetoSize(), "dominating point must replace the dominated archived point")
}

// TestParetoArchiveKeepsMutuallyNonDominatedPoints verifies two points
// that trade off against each other (one better on one objective, the
// other better on the other) both survive in the archive.
func TestParetoArchiveKeepsMutuallyNonDominatedPoints(t *testing.T) {
	tracker := NewHypervolumeTracker(
		map[string]workflow.Direction{"InstrumentScore": workflow.DirectionMax, "LifecycleCost": workflow.DirectionMin},
		map[string]float64{"InstrumentScore": 0, "LifecycleCost": 1000},
		11,
	)

	tracker.Observe(map[string]float64{"InstrumentScore": 80, "LifecycleCost": 900})
	tracker.Observe(map[string]float64{"InstrumentScore": 20, "LifecycleCost": 200})
	require.Equal(t, 2, tracker.ParetoSize())
}
