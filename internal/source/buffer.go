package source

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// circleVertices is the vertex count of a buffered report polygon.
const circleVertices = 32

// Circle returns a closed counter-clockwise polygon approximating a circle of
// radiusM meters around center on the WGS84 sphere.
func Circle(center orb.Point, radiusM float64) orb.Polygon {
	ring := make(orb.Ring, 0, circleVertices+1)
	for i := range circleVertices {
		bearing := float64(i) * 360 / circleVertices
		ring = append(ring, geo.PointAtBearingAndDistance(center, bearing, radiusM))
	}
	ring = append(ring, ring[0])
	if ring.Orientation() != orb.CCW {
		ring.Reverse()
	}
	return orb.Polygon{ring}
}
