// Package contour turns a scalar grid into threshold polygons using
// marching squares.
package contour

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
	"go.uber.org/zap"

	"github.com/sells-group/hailtrace/internal/grib2"
)

// DefaultTolerance is the Douglas-Peucker tolerance in degrees.
const DefaultTolerance = 0.005

// PropThreshold is the feature property carrying the contour level.
const PropThreshold = "threshold"

// Options tunes Extract.
type Options struct {
	// Tolerance is the simplification tolerance in degrees. Zero or less
	// disables simplification.
	Tolerance float64
}

// DefaultOptions returns the options used by the grid adapter.
func DefaultOptions() Options {
	return Options{Tolerance: DefaultTolerance}
}

// Extract returns one MultiPolygon feature per threshold that produced any
// area, each tagged with the threshold in properties. Cells with a value at
// or above the threshold are inside.
func Extract(grid *grib2.GridMessage, thresholds []float64, opts Options) []*geojson.Feature {
	log := zap.L().With(zap.String("component", "contour"))
	features := []*geojson.Feature{}

	if grid.Empty() {
		log.Info("empty grid, no contours")
		return features
	}

	for _, thr := range thresholds {
		mp := polygons(grid, thr)
		if len(mp) == 0 {
			continue
		}
		if opts.Tolerance > 0 {
			mp = simplifyMultiPolygon(mp, opts.Tolerance)
		}
		f := geojson.NewFeature(mp)
		f.Properties[PropThreshold] = thr
		features = append(features, f)
	}

	log.Debug("contours extracted",
		zap.Int("width", grid.Width),
		zap.Int("height", grid.Height),
		zap.Int("thresholds", len(thresholds)),
		zap.Int("features", len(features)),
	)
	return features
}

// polygons traces the isoline at thr and returns it in geographic
// coordinates with shells counter-clockwise and holes clockwise.
func polygons(g *grib2.GridMessage, thr float64) orb.MultiPolygon {
	rings := trace(g, thr)
	if len(rings) == 0 {
		return nil
	}

	type shell struct {
		ring orb.Ring
		area float64
		poly orb.Polygon
	}
	var shells []*shell
	var holes []orb.Ring
	for _, r := range rings {
		a := signedArea(r)
		switch {
		case a > 0:
			shells = append(shells, &shell{ring: r, area: a, poly: orb.Polygon{r}})
		case a < 0:
			holes = append(holes, r)
		}
	}

	// Smallest shells first so each hole lands in its tightest container.
	sort.SliceStable(shells, func(i, j int) bool { return shells[i].area < shells[j].area })
	for _, h := range holes {
		for _, s := range shells {
			if planar.RingContains(s.ring, h[0]) {
				s.poly = append(s.poly, h)
				break
			}
		}
	}

	sx := (g.BBox.East - g.BBox.West) / float64(g.Width)
	sy := (g.BBox.North - g.BBox.South) / float64(g.Height)

	mp := make(orb.MultiPolygon, 0, len(shells))
	for _, s := range shells {
		poly := make(orb.Polygon, len(s.poly))
		for i, r := range s.poly {
			geo := make(orb.Ring, len(r))
			for k, p := range r {
				geo[k] = orb.Point{g.BBox.West + p[0]*sx, g.BBox.North - p[1]*sy}
			}
			want := orb.CCW
			if i > 0 {
				want = orb.CW
			}
			if geo.Orientation() != want {
				geo.Reverse()
			}
			poly[i] = geo
		}
		mp = append(mp, poly)
	}
	return mp
}

// simplifyMultiPolygon simplifies each polygon independently and keeps the
// original polygon when simplification drops or collapses a ring.
func simplifyMultiPolygon(mp orb.MultiPolygon, tolerance float64) orb.MultiPolygon {
	dp := simplify.DouglasPeucker(tolerance)
	out := make(orb.MultiPolygon, 0, len(mp))
	for _, poly := range mp {
		simplified, ok := dp.Simplify(poly.Clone()).(orb.Polygon)
		if !ok || !intact(poly, simplified) {
			out = append(out, poly)
			continue
		}
		out = append(out, simplified)
	}
	return out
}

func intact(orig, simplified orb.Polygon) bool {
	if len(simplified) != len(orig) {
		return false
	}
	for _, r := range simplified {
		if len(r) < 4 || planar.Area(r) == 0 {
			return false
		}
	}
	return true
}

// signedArea is the shoelace area in pixel space (y down). Outer rings
// traced by trace are positive.
func signedArea(r orb.Ring) float64 {
	var sum float64
	for i := 0; i+1 < len(r); i++ {
		sum += r[i][0]*r[i+1][1] - r[i+1][0]*r[i][1]
	}
	return sum / 2
}

// Corner bits of a cell, y down.
const (
	bitTL = 8
	bitTR = 4
	bitBR = 2
	bitBL = 1
)

type side uint8

const (
	top side = iota
	right
	bottom
	left
)

// segments maps a non-saddle cell case to its oriented crossings, inside to
// the right of travel in y-down pixel space.
var segments = map[int][][2]side{
	1:  {{left, bottom}},
	2:  {{bottom, right}},
	3:  {{left, right}},
	4:  {{right, top}},
	6:  {{bottom, top}},
	7:  {{left, top}},
	8:  {{top, left}},
	9:  {{top, bottom}},
	11: {{top, right}},
	12: {{right, left}},
	13: {{right, bottom}},
	14: {{bottom, left}},
}

// Saddles resolved by the cell-centre average.
var (
	saddle10Joined = [][2]side{{top, right}, {bottom, left}}
	saddle10Split  = [][2]side{{top, left}, {bottom, right}}
	saddle5Joined  = [][2]side{{left, top}, {right, bottom}}
	saddle5Split   = [][2]side{{right, top}, {left, bottom}}
)

type segment struct {
	from, to     int
	fromPt, toPt orb.Point
}

// field is the grid padded by one below-everything node on every side, so
// every isoline closes.
type field struct {
	g *grib2.GridMessage
	w int
}

func (f field) value(i, j int) float64 {
	if i < 1 || j < 1 || i > f.g.Width || j > f.g.Height {
		return math.NaN()
	}
	return f.g.At(i-1, j-1)
}

func (f field) inside(i, j int, thr float64) bool {
	v := f.value(i, j)
	return !math.IsNaN(v) && v >= thr
}

func (f field) hKey(i, j int) int { return (j*f.w + i) * 2 }
func (f field) vKey(i, j int) int { return (j*f.w+i)*2 + 1 }

// crossing returns the interpolated isoline crossing between nodes a and b
// in pixel coordinates.
func (f field) crossing(ai, aj, bi, bj int, thr float64) orb.Point {
	va, vb := f.value(ai, aj), f.value(bi, bj)
	t := 0.5
	if !math.IsNaN(va) && !math.IsNaN(vb) && vb != va {
		t = math.Max(0, math.Min(1, (thr-va)/(vb-va)))
	}
	x := float64(ai) + t*float64(bi-ai)
	y := float64(aj) + t*float64(bj-aj)
	return orb.Point{x - 0.5, y - 0.5}
}

// edge returns the key and crossing point of one side of cell (i, j).
func (f field) edge(i, j int, s side, thr float64) (int, orb.Point) {
	switch s {
	case top:
		return f.hKey(i, j), f.crossing(i, j, i+1, j, thr)
	case bottom:
		return f.hKey(i, j+1), f.crossing(i, j+1, i+1, j+1, thr)
	case left:
		return f.vKey(i, j), f.crossing(i, j, i, j+1, thr)
	default:
		return f.vKey(i+1, j), f.crossing(i+1, j, i+1, j+1, thr)
	}
}

func (f field) cellSegments(i, j int, thr float64) [][2]side {
	c := 0
	if f.inside(i, j, thr) {
		c |= bitTL
	}
	if f.inside(i+1, j, thr) {
		c |= bitTR
	}
	if f.inside(i+1, j+1, thr) {
		c |= bitBR
	}
	if f.inside(i, j+1, thr) {
		c |= bitBL
	}

	switch c {
	case 0, 15:
		return nil
	case 10, 5:
		centre := (f.value(i, j) + f.value(i+1, j) + f.value(i+1, j+1) + f.value(i, j+1)) / 4
		joined := !math.IsNaN(centre) && centre >= thr
		if c == 10 {
			if joined {
				return saddle10Joined
			}
			return saddle10Split
		}
		if joined {
			return saddle5Joined
		}
		return saddle5Split
	default:
		return segments[c]
	}
}

// trace runs marching squares over the padded grid and links segments into
// closed rings in pixel coordinates.
func trace(g *grib2.GridMessage, thr float64) []orb.Ring {
	f := field{g: g, w: g.Width + 2}

	var segs []segment
	byStart := make(map[int]int)
	for j := 0; j <= g.Height; j++ {
		for i := 0; i <= g.Width; i++ {
			for _, sd := range f.cellSegments(i, j, thr) {
				fk, fp := f.edge(i, j, sd[0], thr)
				tk, tp := f.edge(i, j, sd[1], thr)
				byStart[fk] = len(segs)
				segs = append(segs, segment{from: fk, to: tk, fromPt: fp, toPt: tp})
			}
		}
	}

	used := make([]bool, len(segs))
	var rings []orb.Ring
	for start := range segs {
		if used[start] {
			continue
		}
		var ring orb.Ring
		cur := start
		for {
			used[cur] = true
			ring = append(ring, segs[cur].fromPt)
			next, ok := byStart[segs[cur].to]
			if !ok || used[next] {
				break
			}
			cur = next
		}
		if len(ring) < 3 {
			continue
		}
		ring = append(ring, ring[0])
		rings = append(rings, ring)
	}
	return rings
}
