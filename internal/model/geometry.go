package model

import (
	"math"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
)

// GeometryType tags the kind of geometry held by a GeometryRecord.
type GeometryType string

const (
	GeometryPoint           GeometryType = "point"
	GeometryMultiPoint      GeometryType = "multipoint"
	GeometryLineString      GeometryType = "linestring"
	GeometryMultiLineString GeometryType = "multilinestring"
	GeometryPolygon         GeometryType = "polygon"
	GeometryMultiPolygon    GeometryType = "multipolygon"
)

// GeometryRecord holds a decoded geometry together with the reference
// system it was declared in by the source file.
type GeometryRecord struct {
	Geom       geom.T `json:"-"`
	SourceSRID string `json:"source_srid"`
}

// TypeOf maps a go-geom value to its GeometryType tag.
func TypeOf(g geom.T) GeometryType {
	switch g.(type) {
	case *geom.Point:
		return GeometryPoint
	case *geom.MultiPoint:
		return GeometryMultiPoint
	case *geom.LineString:
		return GeometryLineString
	case *geom.MultiLineString:
		return GeometryMultiLineString
	case *geom.Polygon:
		return GeometryPolygon
	case *geom.MultiPolygon:
		return GeometryMultiPolygon
	default:
		return ""
	}
}

// MapVertices applies fn to every vertex of g and returns a new geometry
// of the same concrete type and layout. fn receives one coordinate
// (stride components) and must return the replacement; the input
// geometry is never mutated.
func MapVertices(g geom.T, fn func(c []float64) ([]float64, error)) (geom.T, error) {
	layout := g.Layout()
	stride := layout.Stride()
	src := g.FlatCoords()

	dst := make([]float64, len(src))
	for i := 0; i < len(src); i += stride {
		c, err := fn(src[i : i+stride])
		if err != nil {
			return nil, err
		}
		if len(c) != stride {
			return nil, eris.Errorf("model: vertex function returned %d components, want %d", len(c), stride)
		}
		copy(dst[i:i+stride], c)
	}

	switch t := g.(type) {
	case *geom.Point:
		return geom.NewPointFlat(layout, dst).SetSRID(t.SRID()), nil
	case *geom.MultiPoint:
		return geom.NewMultiPointFlat(layout, dst).SetSRID(t.SRID()), nil
	case *geom.LineString:
		return geom.NewLineStringFlat(layout, dst).SetSRID(t.SRID()), nil
	case *geom.MultiLineString:
		return geom.NewMultiLineStringFlat(layout, dst, append([]int(nil), t.Ends()...)).SetSRID(t.SRID()), nil
	case *geom.Polygon:
		return geom.NewPolygonFlat(layout, dst, append([]int(nil), t.Ends()...)).SetSRID(t.SRID()), nil
	case *geom.MultiPolygon:
		endss := make([][]int, len(t.Endss()))
		for i, ends := range t.Endss() {
			endss[i] = append([]int(nil), ends...)
		}
		return geom.NewMultiPolygonFlat(layout, dst, endss).SetSRID(t.SRID()), nil
	default:
		return nil, eris.Errorf("model: unsupported geometry type %T", g)
	}
}

// FiniteCoords reports whether every coordinate component of g is a
// finite number.
func FiniteCoords(g geom.T) bool {
	for _, v := range g.FlatCoords() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
