package dispatch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/c360studio/tse/schema"
)

func rawSegment(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// TestEnumerateCartesianProduct verifies that a 2x2 design space (two
// altitudes times two inclinations) yields exactly 4 distinct,
// deterministically-ided architectures.
func TestEnumerateCartesianProduct(t *testing.T) {
	ds := schema.DesignSpace{
		Satellites: []json.RawMessage{
			rawSegment(t, map[string]any{
				"orbit": map[string]any{
					"altitudeKm":     map[string]any{"min": 500.0, "max": 600.0, "numberSteps": 2.0},
					"inclinationDeg": map[string]any{"min": 90.0, "max": 98.0, "numberSteps": 2.0},
				},
			}),
		},
	}

	archs, err := Enumerate(ds)
	require.NoError(t, err)
	require.Len(t, archs, 4)

	ids := make(map[string]struct{})
	for _, a := range archs {
		ids[a.ID] = struct{}{}
		require.Contains(t, a.DesignVariables, "satellites.orbit.altitudeKm")
		require.Contains(t, a.DesignVariables, "satellites.orbit.inclinationDeg")
	}
	require.Len(t, ids, 4, "architecture ids must be distinct")
}

// TestEnumerateNoAxesYieldsOneArchitecture covers a design space segment
// with no swept parameters: it still yields a single architecture rather
// than zero.
func TestEnumerateNoAxesYieldsOneArchitecture(t *testing.T) {
	ds := schema.DesignSpace{
		Launchers: []json.RawMessage{
			rawSegment(t, map[string]any{"name": "Falcon9"}),
		},
	}

	archs, err := Enumerate(ds)
	require.NoError(t, err)
	require.Len(t, archs, 1)
	require.Equal(t, "arch-0", archs[0].ID)
}

// TestEnumerateResolvesSunSyncInclination grounds the sun-synchronous
// special case: an "inclinationDeg": "sunSync" sentinel next to an
// altitudeKm leaf must resolve to a concrete inclination, not be swept
// as its own axis and not be left as the literal string.
func TestEnumerateResolvesSunSyncInclination(t *testing.T) {
	ds := schema.DesignSpace{
		Satellites: []json.RawMessage{
			rawSegment(t, map[string]any{
				"orbit": map[string]any{
					"altitudeKm":     map[string]any{"min": 500.0, "max": 700.0, "numberSteps": 3.0},
					"inclinationDeg": "sunSync",
				},
			}),
		},
	}

	archs, err := Enumerate(ds)
	require.NoError(t, err)
	require.Len(t, archs, 3)

	for _, a := range archs {
		var doc map[string]any
		require.NoError(t, json.Unmarshal(a.Document, &doc))
		satellites := doc["satellites"].([]any)
		require.Len(t, satellites, 1)
		orbit := satellites[0].(map[string]any)["orbit"].(map[string]any)
		inclination, ok := orbit["inclinationDeg"].(float64)
		require.True(t, ok, "sunSync sentinel must resolve to a numeric inclination")
		require.InDelta(t, 97.8, inclination, 2.0)
	}
}

// TestEnumerateJoinsAllPopulatedCategories verifies the single
// constellation x single satellite x single ground station case yields
// exactly one architecture, with spaceSegment, satellites, and
// groundStations all merged into the same document rather than three
// separate single-segment architectures.
func TestEnumerateJoinsAllPopulatedCategories(t *testing.T) {
	ds := schema.DesignSpace{
		SpaceSegment: []json.RawMessage{
			rawSegment(t, map[string]any{"constellationType": "DELTA_HOMOGENOUS"}),
		},
		Satellites: []json.RawMessage{
			rawSegment(t, map[string]any{"name": "sat-1"}),
		},
		GroundStations: []json.RawMessage{
			rawSegment(t, map[string]any{"name": "station-1"}),
		},
	}

	archs, err := Enumerate(ds)
	require.NoError(t, err)
	require.Len(t, archs, 1)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(archs[0].Document, &doc))
	require.Contains(t, doc, "spaceSegment")
	require.Contains(t, doc, "satellites")
	require.Contains(t, doc, "groundStations")
	require.NotContains(t, doc, "segment", "merged document must not carry the old single-segment marker key")
}

// TestEnumerateCrossesAxesAcrossCategories verifies that swept axes in
// two different categories combine into a single joint Cartesian
// product (2 altitudes x 2 ground station counts = 4 architectures),
// rather than each category producing its own independent set.
func TestEnumerateCrossesAxesAcrossCategories(t *testing.T) {
	ds := schema.DesignSpace{
		Satellites: []json.RawMessage{
			rawSegment(t, map[string]any{
				"orbit": map[string]any{
					"altitudeKm": map[string]any{"min": 500.0, "max": 600.0, "numberSteps": 2.0},
				},
			}),
		},
		GroundStations: []json.RawMessage{
			rawSegment(t, map[string]any{
				"count": map[string]any{"min": 1.0, "max": 2.0, "numberSteps": 2.0},
			}),
		},
	}

	archs, err := Enumerate(ds)
	require.NoError(t, err)
	require.Len(t, archs, 4)

	ids := make(map[string]struct{})
	for _, a := range archs {
		ids[a.ID] = struct{}{}
		require.Contains(t, a.DesignVariables, "satellites.orbit.altitudeKm")
		require.Contains(t, a.DesignVariables, "groundStations.count")

		var doc map[string]any
		require.NoError(t, json.Unmarshal(a.Document, &doc))
		require.Contains(t, doc, "satellites")
		require.Contains(t, doc, "groundStations")
	}
	require.Len(t, ids, 4, "architecture ids must be distinct")
}

// TestSunSyncInclinationIncreasesWithAltitude is a sanity check on the
// nodal-precession formula: higher sun-synchronous altitudes require a
// larger (more retrograde) inclination in this regime.
func TestSunSyncInclinationIncreasesWithAltitude(t *testing.T) {
	low := sunSyncInclinationDeg(500)
	high := sunSyncInclinationDeg(800)
	require.Greater(t, high, low)
	require.Greater(t, low, 90.0)
	require.Less(t, high, 100.0)
}

func TestExpandRangeStepSize(t *testing.T) {
	values := expandRange(schema.Range{Min: 0, Max: 10, StepSize: 5})
	require.Equal(t, []float64{0, 5, 10}, values)
}

func TestExpandRangeNumberSteps(t *testing.T) {
	values := expandRange(schema.Range{Min: 0, Max: 10, NumberSteps: 5})
	require.Len(t, values, 5)
	require.Equal(t, 0.0, values[0])
	require.Equal(t, 10.0, values[4])
}
