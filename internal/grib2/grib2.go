// Package grib2 decodes the subset of WMO GRIB edition 2 needed for
// radar-derived hail grids: a single field on a regular lat/lon grid
// (template 3.0) stored with simple packing (template 5.0).
package grib2

import (
	"fmt"
	"time"
)

// Quality tells callers whether decoded values can be trusted.
type Quality int

const (
	// QualityOK means every section needed for unpacking was present.
	QualityOK Quality = iota
	// QualityEstimatedDims means the grid definition lacked Ni/Nj and a
	// square grid was assumed from the point count.
	QualityEstimatedDims
	// QualityDegraded means unpacking gave up and Values is zero-filled.
	QualityDegraded
)

func (q Quality) String() string {
	switch q {
	case QualityOK:
		return "ok"
	case QualityEstimatedDims:
		return "estimated-dims"
	case QualityDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// BBox is the geographic extent of a grid in WGS84 degrees.
type BBox struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// Packing holds the simple-packing parameters from the data representation
// section.
type Packing struct {
	ReferenceValue     float32 `json:"reference_value"`
	BinaryScaleFactor  int     `json:"binary_scale_factor"`
	DecimalScaleFactor int     `json:"decimal_scale_factor"`
	BitsPerValue       int     `json:"bits_per_value"`
}

// GridMessage is a decoded grid. Values are row-major with row 0 at the
// northern edge.
type GridMessage struct {
	Width         int
	Height        int
	Values        []float64
	BBox          BBox
	Edition       int
	ReferenceTime time.Time
	Packing       Packing
	Quality       Quality
}

// At returns the value at column x, row y.
func (g *GridMessage) At(x, y int) float64 {
	return g.Values[y*g.Width+x]
}

// Empty reports whether the grid has no cells or only zero values.
func (g *GridMessage) Empty() bool {
	if g == nil || g.Width <= 0 || g.Height <= 0 || len(g.Values) == 0 {
		return true
	}
	for _, v := range g.Values {
		if v != 0 {
			return false
		}
	}
	return true
}

// Max returns the largest value in the grid.
func (g *GridMessage) Max() float64 {
	var m float64
	for i, v := range g.Values {
		if i == 0 || v > m {
			m = v
		}
	}
	return m
}

// FormatError reports a buffer that is not a decodable GRIB message.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("grib2: format: %s", e.Reason)
}
