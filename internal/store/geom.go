package store

import (
	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
)

// SRID is WGS84, the only spatial reference stored.
const SRID = 4326

// EncodeEWKB converts an orb geometry to little-endian EWKB with SRID 4326.
// A nil geometry encodes to nil.
func EncodeEWKB(g orb.Geometry) ([]byte, error) {
	if g == nil {
		return nil, nil
	}
	t, err := toGeom(g)
	if err != nil {
		return nil, err
	}
	data, err := ewkb.Marshal(t, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "store: encode EWKB")
	}
	return data, nil
}

// DecodeEWKB parses EWKB into an orb geometry. Empty input decodes to nil.
func DecodeEWKB(data []byte) (orb.Geometry, error) {
	if len(data) == 0 {
		return nil, nil
	}
	t, err := ewkb.Unmarshal(data)
	if err != nil {
		return nil, eris.Wrap(err, "store: decode EWKB")
	}
	return fromGeom(t)
}

func toGeom(g orb.Geometry) (geom.T, error) {
	switch v := g.(type) {
	case orb.Point:
		return geom.NewPointFlat(geom.XY, []float64{v[0], v[1]}).SetSRID(SRID), nil
	case orb.LineString:
		ls, err := geom.NewLineString(geom.XY).SetCoords(lineCoords(v))
		if err != nil {
			return nil, eris.Wrap(err, "store: linestring")
		}
		return ls.SetSRID(SRID), nil
	case orb.Polygon:
		p, err := geom.NewPolygon(geom.XY).SetCoords(polygonCoords(v))
		if err != nil {
			return nil, eris.Wrap(err, "store: polygon")
		}
		return p.SetSRID(SRID), nil
	case orb.MultiPolygon:
		coords := make([][][]geom.Coord, len(v))
		for i, p := range v {
			coords[i] = polygonCoords(p)
		}
		mp, err := geom.NewMultiPolygon(geom.XY).SetCoords(coords)
		if err != nil {
			return nil, eris.Wrap(err, "store: multipolygon")
		}
		return mp.SetSRID(SRID), nil
	default:
		return nil, eris.Errorf("store: unsupported geometry type %s", g.GeoJSONType())
	}
}

func lineCoords(pts []orb.Point) []geom.Coord {
	out := make([]geom.Coord, len(pts))
	for i, p := range pts {
		out[i] = geom.Coord{p[0], p[1]}
	}
	return out
}

func polygonCoords(p orb.Polygon) [][]geom.Coord {
	out := make([][]geom.Coord, len(p))
	for i, r := range p {
		out[i] = lineCoords(r)
	}
	return out
}

func fromGeom(t geom.T) (orb.Geometry, error) {
	switch v := t.(type) {
	case *geom.Point:
		return orb.Point{v.X(), v.Y()}, nil
	case *geom.LineString:
		return orb.LineString(orbPoints(v.Coords())), nil
	case *geom.Polygon:
		return orbPolygon(v.Coords()), nil
	case *geom.MultiPolygon:
		coords := v.Coords()
		mp := make(orb.MultiPolygon, len(coords))
		for i, c := range coords {
			mp[i] = orbPolygon(c)
		}
		return mp, nil
	default:
		return nil, eris.Errorf("store: unsupported EWKB geometry %T", t)
	}
}

func orbPoints(coords []geom.Coord) []orb.Point {
	out := make([]orb.Point, len(coords))
	for i, c := range coords {
		out[i] = orb.Point{c.X(), c.Y()}
	}
	return out
}

func orbPolygon(coords [][]geom.Coord) orb.Polygon {
	p := make(orb.Polygon, len(coords))
	for i, r := range coords {
		p[i] = orb.Ring(orbPoints(r))
	}
	return p
}
