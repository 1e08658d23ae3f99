// Package validate performs pure structural checks on decoded
// geometries. Checks annotate; they never mutate.
package validate

import (
	"fmt"
	"math"

	"github.com/twpayne/go-geom"

	"github.com/sonmap/geoimport/internal/model"
)

// Issue codes.
const (
	CodeEmptyGeometry   = "empty_geometry"
	CodeNonFinite       = "non_finite_coordinate"
	CodePointArity      = "point_arity"
	CodeTooFewVertices  = "too_few_vertices"
	CodeRingNotClosed   = "ring_not_closed"
	CodeRingTooShort    = "ring_too_short"
	CodeUnsupportedKind = "unsupported_geometry"
)

// Geometry checks one geometry and returns its validation result.
func Geometry(g geom.T) model.ValidationResult {
	var issues []model.ValidationIssue
	add := func(code, format string, args ...any) {
		issues = append(issues, model.ValidationIssue{Code: code, Message: fmt.Sprintf(format, args...)})
	}

	if g == nil || len(g.FlatCoords()) == 0 {
		add(CodeEmptyGeometry, "geometry has no coordinates")
		return model.ValidationResult{Valid: false, Issues: issues}
	}

	for i, v := range g.FlatCoords() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			add(CodeNonFinite, "non-finite component at flat index %d", i)
			break
		}
	}

	stride := g.Layout().Stride()

	switch t := g.(type) {
	case *geom.Point:
		if len(t.FlatCoords()) != stride {
			add(CodePointArity, "point must have exactly one coordinate")
		}

	case *geom.MultiPoint:
		// Any number of points is structurally fine.

	case *geom.LineString:
		if len(t.FlatCoords())/stride < 2 {
			add(CodeTooFewVertices, "linestring needs at least 2 vertices")
		}

	case *geom.MultiLineString:
		prev := 0
		for i, end := range t.Ends() {
			if (end-prev)/stride < 2 {
				add(CodeTooFewVertices, "linestring %d needs at least 2 vertices", i)
			}
			prev = end
		}

	case *geom.Polygon:
		checkRings(t.FlatCoords(), t.Ends(), 0, stride, -1, add)

	case *geom.MultiPolygon:
		prevEnd := 0
		for pi, ends := range t.Endss() {
			checkRings(t.FlatCoords(), ends, prevEnd, stride, pi, add)
			if len(ends) > 0 {
				prevEnd = ends[len(ends)-1]
			}
		}

	default:
		add(CodeUnsupportedKind, "unsupported geometry type %T", g)
	}

	return model.ValidationResult{Valid: len(issues) == 0, Issues: issues}
}

// checkRings validates every ring of one polygon: at least 4 vertices
// and first vertex equal to last.
func checkRings(flat []float64, ends []int, start, stride, polyIdx int, add func(code, format string, args ...any)) {
	prev := start
	for ri, end := range ends {
		n := (end - prev) / stride
		label := ringLabel(polyIdx, ri)
		if n < 4 {
			add(CodeRingTooShort, "%s has %d vertices, need at least 4", label, n)
			prev = end
			continue
		}
		for k := 0; k < stride; k++ {
			if flat[prev+k] != flat[end-stride+k] {
				add(CodeRingNotClosed, "%s is not closed (first vertex != last)", label)
				break
			}
		}
		prev = end
	}
}

func ringLabel(polyIdx, ringIdx int) string {
	if polyIdx < 0 {
		return fmt.Sprintf("ring %d", ringIdx)
	}
	return fmt.Sprintf("polygon %d ring %d", polyIdx, ringIdx)
}

// Summary aggregates dataset-level validation counts.
type Summary struct {
	Total      int `json:"total"`
	WithIssues int `json:"with_issues"`
}

// Features validates each feature in place (annotating, never touching
// geometry) and returns the dataset summary.
func Features(features []model.Feature) Summary {
	s := Summary{Total: len(features)}
	for i := range features {
		res := Geometry(features[i].Geometry.Geom)
		features[i].Validation = &res
		if !res.Valid {
			s.WithIssues++
		}
	}
	return s
}
