package scheduler

import (
	"math"
	"sort"
	"time"

	"github.com/paulmach/orb"

	"github.com/sells-group/hailtrace/internal/model"
)

// ClusterConfig tunes the storm-cluster parcel import.
type ClusterConfig struct {
	Enabled   bool
	Lookback  time.Duration
	MinHailIn float64
	CellDeg   float64
	MinEvents int
	BufferKm  float64
}

// DefaultClusterConfig returns the cluster settings used when none are
// configured.
func DefaultClusterConfig() ClusterConfig {
	return ClusterConfig{
		Enabled:   true,
		Lookback:  6 * time.Hour,
		MinHailIn: 1.0,
		CellDeg:   0.5,
		MinEvents: 3,
		BufferKm:  5,
	}
}

type cellKey struct{ x, y int }

// FindClusters buckets events by the centre of their bounds into cellDeg
// cells and returns the combined bound of every cell holding at least
// minEvents events, ordered west to east then south to north.
func FindClusters(events []model.HazardEvent, cellDeg float64, minEvents int) []orb.Bound {
	if cellDeg <= 0 || len(events) == 0 {
		return nil
	}
	if minEvents < 1 {
		minEvents = 1
	}

	type cell struct {
		bound orb.Bound
		n     int
	}
	cells := make(map[cellKey]*cell)
	for _, ev := range events {
		if ev.Geometry == nil {
			continue
		}
		b := ev.Geometry.Bound()
		c := b.Center()
		k := cellKey{int(math.Floor(c[0] / cellDeg)), int(math.Floor(c[1] / cellDeg))}
		if cl, ok := cells[k]; ok {
			cl.bound = cl.bound.Union(b)
			cl.n++
			continue
		}
		cells[k] = &cell{bound: b, n: 1}
	}

	keys := make([]cellKey, 0, len(cells))
	for k, cl := range cells {
		if cl.n >= minEvents {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].x != keys[j].x {
			return keys[i].x < keys[j].x
		}
		return keys[i].y < keys[j].y
	})

	out := make([]orb.Bound, len(keys))
	for i, k := range keys {
		out[i] = cells[k].bound
	}
	return out
}
