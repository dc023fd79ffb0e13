package dispatch

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/c360studio/tse/schema"
)

// Architecture is one enumerated candidate design: an opaque document
// plus its unique id and the flattened design variables later written
// as Solution.DesignVariables / summary.csv columns.
type Architecture struct {
	ID              string
	Document        json.RawMessage
	DesignVariables map[string]any
}

const (
	earthRadiusKm              = 6378.137
	earthMuKm3PerS2            = 398600.4418
	earthJ2                    = 1.08262668e-3
	sunSyncPrecessionRadPerSec = 1.99096871e-7 // about 360 deg per year, in rad/s
	sunSyncSentinel            = "sunSync"
)

// sunSyncInclinationDeg computes the inclination (degrees) of a
// circular sun-synchronous orbit at the given altitude, from the J2
// nodal-precession-rate condition dOmega/dt = -1.5*n*J2*(Re/a)^2*cos(i).
func sunSyncInclinationDeg(altitudeKm float64) float64 {
	a := earthRadiusKm + altitudeKm
	n := math.Sqrt(earthMuKm3PerS2 / (a * a * a))
	cosI := -2 * sunSyncPrecessionRadPerSec * a * a / (3 * n * earthJ2 * earthRadiusKm * earthRadiusKm)
	cosI = math.Max(-1, math.Min(1, cosI))
	return math.Acos(cosI) * 180 / math.Pi
}

// axis is one enumerable parameter discovered in the design space: the
// JSON path to a schema.Range-shaped leaf, plus its expanded values.
type axis struct {
	path   []string
	values []float64
}

// axisOwner identifies which category-element a globally-collected axis
// belongs to, so a single flat Cartesian product spanning every
// populated category can still place each resolved value back into the
// right element of the right category.
type axisOwner struct {
	category string
	elemIdx  int
}

// Enumerate expands a TSERequest's design space into one Architecture
// per combination of every schema.Range-shaped leaf found across every
// populated category (spaceSegment, launchers, satellites,
// groundSegment, groundStations) at once: a single joint Cartesian
// product over all their axes, not one product per category. Every
// emitted document carries every populated category merged together —
// a full candidate mission, not a lone segment — with a deterministic
// id arch-<n>.
func Enumerate(ds schema.DesignSpace) ([]Architecture, error) {
	segments := map[string][]json.RawMessage{
		"spaceSegment":   ds.SpaceSegment,
		"launchers":      ds.Launchers,
		"satellites":     ds.Satellites,
		"groundSegment":  ds.GroundSegment,
		"groundStations": ds.GroundStations,
	}

	names := make([]string, 0, len(segments))
	for name, elems := range segments {
		if len(elems) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	templates := make(map[string][]any, len(names))
	var globalAxes []axis
	var owners []axisOwner

	for _, name := range names {
		raws := segments[name]
		elems := make([]any, len(raws))
		for i, raw := range raws {
			var template any
			if err := json.Unmarshal(raw, &template); err != nil {
				return nil, fmt.Errorf("dispatch: decode %s[%d]: %w", name, i, err)
			}
			elems[i] = template

			var axes []axis
			collectAxes(template, nil, &axes)
			for _, ax := range axes {
				globalAxes = append(globalAxes, ax)
				owners = append(owners, axisOwner{category: name, elemIdx: i})
			}
		}
		templates[name] = elems
	}

	combos := cartesianProduct(globalAxes)
	if len(combos) == 0 {
		combos = [][]float64{nil}
	}

	archs := make([]Architecture, 0, len(combos))
	for n, combo := range combos {
		instances := make(map[string][]any, len(names))
		for _, name := range names {
			elems := make([]any, len(templates[name]))
			for i, template := range templates[name] {
				elems[i] = deepCopy(template)
			}
			instances[name] = elems
		}

		variables := make(map[string]any)
		for axIdx, ax := range globalAxes {
			owner := owners[axIdx]
			elems := instances[owner.category]
			setAtPath(elems[owner.elemIdx], ax.path, combo[axIdx])

			key := fmt.Sprintf("%s.%s", owner.category, joinPath(ax.path))
			if len(elems) > 1 {
				key = fmt.Sprintf("%s[%d].%s", owner.category, owner.elemIdx, joinPath(ax.path))
			}
			variables[key] = combo[axIdx]
		}

		doc := map[string]any{"id": fmt.Sprintf("arch-%d", n)}
		for _, name := range names {
			for _, instance := range instances[name] {
				resolveSunSyncInclinations(instance)
			}
			doc[name] = instances[name]
		}

		encoded, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("dispatch: marshal architecture: %w", err)
		}

		archs = append(archs, Architecture{
			ID:              fmt.Sprintf("arch-%d", n),
			Document:        encoded,
			DesignVariables: variables,
		})
	}

	return archs, nil
}

// collectAxes walks a decoded JSON value looking for objects shaped
// like schema.Range ({min,max,stepSize,numberSteps}), recording the
// JSON path to each and the expanded axis values. The sun-sync sentinel
// "inclinationDeg": "sunSync" is skipped, not recorded as an axis.
func collectAxes(v any, path []string, axes *[]axis) {
	obj, ok := v.(map[string]any)
	if !ok {
		return
	}

	if rng, ok := asRange(obj); ok {
		*axes = append(*axes, axis{path: append(append([]string{}, path...)), values: expandRange(rng)})
		return
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if k == "inclinationDeg" {
			if s, ok := obj[k].(string); ok && s == sunSyncSentinel {
				continue // resolved per-altitude-axis after the product is built
			}
		}
		collectAxes(obj[k], append(path, k), axes)
	}
}

func asRange(obj map[string]any) (schema.Range, bool) {
	minV, hasMin := obj["min"].(float64)
	maxV, hasMax := obj["max"].(float64)
	if !hasMin || !hasMax {
		return schema.Range{}, false
	}
	r := schema.Range{Min: minV, Max: maxV, StepSize: 1, NumberSteps: 1}
	if step, ok := obj["stepSize"].(float64); ok {
		r.StepSize = step
	}
	if steps, ok := obj["numberSteps"].(float64); ok {
		r.NumberSteps = int(steps)
	}
	return r, true
}

func expandRange(r schema.Range) []float64 {
	if r.NumberSteps > 1 {
		values := make([]float64, r.NumberSteps)
		step := (r.Max - r.Min) / float64(r.NumberSteps-1)
		for i := 0; i < r.NumberSteps; i++ {
			values[i] = r.Min + step*float64(i)
		}
		return values
	}
	if r.StepSize <= 0 {
		return []float64{r.Min}
	}
	var values []float64
	for v := r.Min; v <= r.Max+1e-9; v += r.StepSize {
		values = append(values, v)
	}
	if len(values) == 0 {
		values = []float64{r.Min}
	}
	return values
}

// resolveSunSyncInclinations walks the enumerated instance for any
// {"inclinationDeg": "sunSync", "altitudeKm": <n>} leaf and replaces the
// sentinel with the inclination the sun-synchronous condition demands
// at that sibling altitude.
func resolveSunSyncInclinations(v any) {
	obj, ok := v.(map[string]any)
	if !ok {
		return
	}
	if s, ok := obj["inclinationDeg"].(string); ok && s == sunSyncSentinel {
		if altitude, ok := obj["altitudeKm"].(float64); ok {
			obj["inclinationDeg"] = sunSyncInclinationDeg(altitude)
		}
	}
	for _, child := range obj {
		resolveSunSyncInclinations(child)
	}
}

func cartesianProduct(axes []axis) [][]float64 {
	if len(axes) == 0 {
		return nil
	}
	combos := [][]float64{{}}
	for _, ax := range axes {
		var next [][]float64
		for _, combo := range combos {
			for _, v := range ax.values {
				extended := append(append([]float64{}, combo...), v)
				next = append(next, extended)
			}
		}
		combos = next
	}
	return combos
}

func setAtPath(v any, path []string, value float64) {
	if len(path) == 0 {
		return
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return
	}
	if len(path) == 1 {
		obj[path[0]] = value
		return
	}
	setAtPath(obj[path[0]], path[1:], value)
}

func joinPath(path []string) string {
	out := ""
	for i, p := range path {
		if i > 0 {
			out += "."
		}
		out += p
	}
	return out
}

func deepCopy(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}
