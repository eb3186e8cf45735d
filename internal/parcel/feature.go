package parcel

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/hailtrace/internal/model"
)

var titleCase = cases.Title(language.AmericanEnglish)

// attrString renders an attribute value as trimmed text. Numbers come back
// from JSON as float64 and are printed without a fraction when integral.
func attrString(attrs map[string]any, key string) string {
	if key == "" {
		return ""
	}
	switch v := attrs[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

func attrFloat(attrs map[string]any, key string) (float64, bool) {
	s := attrString(attrs, key)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// toFloat reads a coordinate that may arrive as a number or a string.
// Non-finite values are rejected.
func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case string:
		var err error
		if f, err = strconv.ParseFloat(strings.TrimSpace(n), 64); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// location is the point for a feature geometry: x/y for points and the
// area centroid of the rings for polygons.
func location(g *arcGeometry) (orb.Point, bool) {
	if g == nil {
		return orb.Point{}, false
	}
	if g.X != nil || g.Y != nil {
		x, okX := toFloat(g.X)
		y, okY := toFloat(g.Y)
		if !okX || !okY {
			return orb.Point{}, false
		}
		return orb.Point{x, y}, true
	}

	var poly orb.Polygon
	for _, raw := range g.Rings {
		ring := make(orb.Ring, 0, len(raw))
		for _, pt := range raw {
			if len(pt) < 2 {
				return orb.Point{}, false
			}
			x, okX := toFloat(pt[0])
			y, okY := toFloat(pt[1])
			if !okX || !okY {
				return orb.Point{}, false
			}
			ring = append(ring, orb.Point{x, y})
		}
		if len(ring) > 0 {
			poly = append(poly, ring)
		}
	}
	return ringsCentroid(poly)
}

// ringsCentroid falls back to the vertex mean for degenerate rings.
func ringsCentroid(poly orb.Polygon) (orb.Point, bool) {
	if len(poly) == 0 || len(poly[0]) == 0 {
		return orb.Point{}, false
	}
	if c, area := planar.CentroidArea(poly); area != 0 {
		return c, true
	}
	var sx, sy float64
	for _, p := range poly[0] {
		sx += p[0]
		sy += p[1]
	}
	n := float64(len(poly[0]))
	return orb.Point{sx / n, sy / n}, true
}

func address(attrs map[string]any, f FieldMap) string {
	if a := attrString(attrs, f.Address); a != "" {
		return titleCase.String(a)
	}
	parts := make([]string, 0, 2)
	for _, s := range []string{attrString(attrs, f.AddressNumber), attrString(attrs, f.StreetName)} {
		if s != "" && s != "0" {
			parts = append(parts, s)
		}
	}
	return titleCase.String(strings.Join(parts, " "))
}

// toProperty maps one feature. It reports false when the parcel id or
// location is missing.
func toProperty(region *RegionConfig, attrs map[string]any, loc orb.Point, now time.Time) (model.Property, bool) {
	f := region.Fields
	id := attrString(attrs, f.ParcelID)
	if id == "" {
		return model.Property{}, false
	}

	p := model.Property{
		CountyParcelID: id,
		AddressLine1:   address(attrs, f),
		City:           titleCase.String(attrString(attrs, f.City)),
		Zip:            attrString(attrs, f.Zip),
		Location:       loc,
		County:         attrString(attrs, f.County),
		DataSource:     "arcgis:" + region.Name,
		UpdatedAt:      now,
	}
	if p.County == "" {
		p.County = region.County
	}
	if owner := attrString(attrs, f.Owner); owner != "" {
		p.OwnerName = &owner
	}
	if y, ok := attrFloat(attrs, f.YearBuilt); ok && y > 0 {
		yr := int(y)
		p.YearBuilt = &yr
	}
	if v, ok := attrFloat(attrs, f.AssessedValue); ok && v > 0 {
		p.AssessedValue = &v
	}
	return p, true
}
