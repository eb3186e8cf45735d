package scheduler

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/hailtrace/internal/model"
)

func TestFindClusters(t *testing.T) {
	square := orb.Polygon{{{-97.9, 30.1}, {-97.85, 30.1}, {-97.85, 30.15}, {-97.9, 30.15}, {-97.9, 30.1}}}
	events := []model.HazardEvent{
		hailAt(-97.74, 30.27),
		hailAt(-97.70, 30.30),
		{Geometry: square},
		hailAt(-95.36, 29.76),
		hailAt(-95.30, 29.70),
		{Geometry: nil},
	}

	tests := []struct {
		name      string
		cellDeg   float64
		minEvents int
		want      []orb.Bound
	}{
		{
			name:      "austin cell only",
			cellDeg:   0.5,
			minEvents: 3,
			want:      []orb.Bound{{Min: orb.Point{-97.9, 30.1}, Max: orb.Point{-97.70, 30.30}}},
		},
		{
			name:      "both cells west to east",
			cellDeg:   0.5,
			minEvents: 2,
			want: []orb.Bound{
				{Min: orb.Point{-97.9, 30.1}, Max: orb.Point{-97.70, 30.30}},
				{Min: orb.Point{-95.36, 29.70}, Max: orb.Point{-95.30, 29.76}},
			},
		},
		{name: "threshold not met", cellDeg: 0.5, minEvents: 4},
		{name: "zero cell size", cellDeg: 0, minEvents: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FindClusters(events, tt.cellDeg, tt.minEvents)
			require.Len(t, got, len(tt.want))
			for i := range tt.want {
				assert.InDelta(t, tt.want[i].Min[0], got[i].Min[0], 1e-9)
				assert.InDelta(t, tt.want[i].Min[1], got[i].Min[1], 1e-9)
				assert.InDelta(t, tt.want[i].Max[0], got[i].Max[0], 1e-9)
				assert.InDelta(t, tt.want[i].Max[1], got[i].Max[1], 1e-9)
			}
		})
	}
}

func TestFindClusters_Empty(t *testing.T) {
	assert.Empty(t, FindClusters(nil, 0.5, 1))
}
