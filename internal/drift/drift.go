// Package drift computes how far hail travels horizontally while falling
// from the radar detection altitude to the ground, and shifts hazard
// geometries by that displacement.
package drift

import (
	"math"
	"sort"

	"github.com/sells-group/hailtrace/internal/model"
)

// Physical constants for a spherical ice stone.
const (
	iceDensity      = 900.0 // kg/m³
	gravity         = 9.81  // m/s²
	dragCoefficient = 0.5
	seaLevelDensity = 1.225 // kg/m³
	scaleHeightM    = 8500.0
	metresPerInch   = 0.0254
)

// DefaultDetectionAltM is the altitude assumed for radar-detected hail.
const DefaultDetectionAltM = 5500.0

// ProfileSample is the wind at one altitude. U is eastward and V northward,
// both in m/s.
type ProfileSample struct {
	AltitudeM float64 `json:"altitude_m"`
	U         float64 `json:"u_ms"`
	V         float64 `json:"v_ms"`
}

// airDensity is the barometric approximation of air density at altM.
func airDensity(altM float64) float64 {
	return seaLevelDensity * math.Exp(-altM/scaleHeightM)
}

// TerminalVelocity is the fall speed in m/s of a hailstone of the given
// diameter at altM.
func TerminalVelocity(diameterM, altM float64) float64 {
	r := diameterM / 2
	mass := iceDensity * (4.0 / 3.0) * math.Pi * r * r * r
	area := math.Pi * r * r
	return math.Sqrt(2 * mass * gravity / (airDensity(altM) * area * dragCoefficient))
}

// CalculateDrift integrates the fall of a hailstone from detectionAltM to
// the ground through profile. Samples above detectionAltM are dropped.
// The fall is integrated in three parts:
//
//   - from detectionAltM down to the highest kept sample, in that sample's
//     wind. This slab is not part of the sample-to-sample walk and is zero
//     thick when a sample sits at detectionAltM.
//   - between each pair of kept samples, in their mean wind.
//   - from the lowest kept sample to the ground, in its wind.
//
// When every sample lies above detectionAltM the whole column falls in the
// lowest sample's wind. Each layer uses the terminal velocity at its
// midpoint. Zero or negative hail size, an empty profile or a non-positive
// detection altitude gives a zero vector.
func CalculateDrift(hailSizeIn float64, profile []ProfileSample, detectionAltM float64) model.DriftVector {
	out := model.DriftVector{DetectionAltM: detectionAltM}
	if hailSizeIn <= 0 || len(profile) == 0 || detectionAltM <= 0 {
		return out
	}
	diameter := hailSizeIn * metresPerInch

	sorted := make([]ProfileSample, len(profile))
	copy(sorted, profile)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].AltitudeM > sorted[j].AltitudeM })

	kept := sorted[:0:0]
	for _, s := range sorted {
		if s.AltitudeM <= detectionAltM && s.AltitudeM >= 0 {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		// Every sample is above the detection altitude: fall the whole
		// column in the lowest available wind.
		kept = []ProfileSample{{AltitudeM: 0, U: sorted[len(sorted)-1].U, V: sorted[len(sorted)-1].V}}
	}

	var dx, dy, t float64
	fall := func(top, bottom, u, v float64) {
		thickness := top - bottom
		if thickness <= 0 {
			return
		}
		dt := thickness / TerminalVelocity(diameter, (top+bottom)/2)
		dx += u * dt
		dy += v * dt
		t += dt
	}

	first := kept[0]
	fall(detectionAltM, first.AltitudeM, first.U, first.V)
	for i := 0; i+1 < len(kept); i++ {
		a, b := kept[i], kept[i+1]
		fall(a.AltitudeM, b.AltitudeM, (a.U+b.U)/2, (a.V+b.V)/2)
	}
	last := kept[len(kept)-1]
	fall(last.AltitudeM, 0, last.U, last.V)

	out.DxM = math.Round(dx)
	out.DyM = math.Round(dy)
	out.FallTimeSec = math.Round(t*10) / 10
	return out
}

// climatologicalLevels is a typical warm-season Plains profile: a
// southerly low-level jet veering to strong westerlies aloft.
var climatologicalLevels = []ProfileSample{
	{AltitudeM: 100, U: 2, V: 6},
	{AltitudeM: 250, U: 3, V: 8},
	{AltitudeM: 500, U: 4, V: 10},
	{AltitudeM: 750, U: 5, V: 11},
	{AltitudeM: 1000, U: 6, V: 10},
	{AltitudeM: 1500, U: 8, V: 8},
	{AltitudeM: 2000, U: 10, V: 6},
	{AltitudeM: 2500, U: 12, V: 5},
	{AltitudeM: 3000, U: 14, V: 4},
	{AltitudeM: 4000, U: 17, V: 3},
	{AltitudeM: 5000, U: 20, V: 2},
	{AltitudeM: 6000, U: 23, V: 2},
	{AltitudeM: 7500, U: 27, V: 1},
	{AltitudeM: 9000, U: 31, V: 1},
	{AltitudeM: 12000, U: 36, V: 0},
}

// monthlyShear scales the climatological winds, strongest in April.
var monthlyShear = [12]float64{1.10, 1.15, 1.25, 1.30, 1.20, 1.00, 0.80, 0.80, 0.90, 1.00, 1.10, 1.10}

// ClimatologicalProfile returns the fallback profile for month (1-12).
// Out-of-range months use the annual mean scaling of 1.
func ClimatologicalProfile(month int) []ProfileSample {
	scale := 1.0
	if month >= 1 && month <= 12 {
		scale = monthlyShear[month-1]
	}
	out := make([]ProfileSample, len(climatologicalLevels))
	for i, s := range climatologicalLevels {
		out[i] = ProfileSample{AltitudeM: s.AltitudeM, U: s.U * scale, V: s.V * scale}
	}
	return out
}
