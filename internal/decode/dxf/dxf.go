// Package dxf decodes DXF group-code token streams into features.
package dxf

import (
	"bufio"
	"bytes"
	"math"
	"strconv"
	"strings"

	"github.com/twpayne/go-geom"

	"github.com/sonmap/geoimport/internal/decode"
	"github.com/sonmap/geoimport/internal/model"
)

// entityTypes is the allow-list of DXF entities the decoder converts.
var entityTypes = map[string]bool{
	"POINT":      true,
	"LINE":       true,
	"POLYLINE":   true,
	"LWPOLYLINE": true,
	"CIRCLE":     true,
	"ARC":        true,
	"ELLIPSE":    true,
	"INSERT":     true,
	"TEXT":       true,
	"MTEXT":      true,
	"DIMENSION":  true,
}

// circleSegments is the resolution used when tessellating circles,
// arcs and ellipses.
const circleSegments = 32

// Tag is one validated group-code/value pair.
type Tag struct {
	Code  int
	Raw   string
	Value model.AttrValue
}

// Entity is one DXF entity: its type tag and the ordered group-code
// pairs that followed it in the stream.
type Entity struct {
	Type string
	Tags []Tag

	// vertices collected from VERTEX sub-records of a POLYLINE.
	vertices [][]float64
}

// float returns the float value of the first tag with the given code.
func (e *Entity) float(code int) (float64, bool) {
	for _, t := range e.Tags {
		if t.Code == code && t.Value.Kind == model.AttrFloat {
			return t.Value.Float, true
		}
	}
	return 0, false
}

func (e *Entity) intVal(code int) (int64, bool) {
	for _, t := range e.Tags {
		if t.Code == code && t.Value.Kind == model.AttrInt {
			return t.Value.Int, true
		}
	}
	return 0, false
}

func (e *Entity) str(code int) (string, bool) {
	for _, t := range e.Tags {
		if t.Code == code && t.Value.Kind == model.AttrString {
			return t.Value.Str, true
		}
	}
	return "", false
}

// floats returns every float value with the given code, in stream order.
func (e *Entity) floats(code int) []float64 {
	var vs []float64
	for _, t := range e.Tags {
		if t.Code == code && t.Value.Kind == model.AttrFloat {
			vs = append(vs, t.Value.Float)
		}
	}
	return vs
}

// Decode runs a single pass over a DXF token stream. Invalid tokens
// are dropped and parsing continues; unknown entity types become
// per-record failures. Only a stream that does not start with a
// parseable group code aborts.
func Decode(data []byte, sourceSRID string, limits decode.Limits) (*decode.Result, error) {
	limits = limits.Normalize()
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	res := &decode.Result{}

	var (
		current   *Entity
		inPolyVtx *Entity // POLYLINE awaiting VERTEX/SEQEND records
		entityIdx int
		sawToken  bool
		id        int64
	)

	flush := func(e *Entity) {
		if e == nil {
			return
		}
		entityIdx++
		g, reason := deriveGeometry(e, limits)
		if reason != "" {
			res.Fail(entityIdx, "%s: %s", e.Type, reason)
			return
		}
		id++
		res.Features = append(res.Features, model.Feature{
			ID:          id,
			Geometry:    model.GeometryRecord{Geom: g, SourceSRID: sourceSRID},
			Attributes:  entityAttrs(e),
			SourceIndex: entityIdx,
		})
	}

	for {
		codeLine, ok := nextLine(sc)
		if !ok {
			break
		}
		valueLine, ok := nextLine(sc)
		if !ok {
			break
		}

		code, err := strconv.Atoi(strings.TrimSpace(codeLine))
		if err != nil {
			if !sawToken {
				return nil, &decode.StructuralError{Format: "dxf", Reason: "stream does not start with a group code"}
			}
			continue // desynced pair, drop and resume at next line pair
		}
		sawToken = true

		kind, known := kindOf(code)
		if !known {
			continue // code outside every defined range: drop the pair
		}
		value, okVal := parseValue(kind, strings.TrimSpace(valueLine))
		if !okVal {
			continue // value fails its range's type check: drop the pair
		}

		if code != 0 {
			if current != nil {
				current.Tags = append(current.Tags, Tag{Code: code, Raw: strings.TrimSpace(valueLine), Value: value})
			}
			continue
		}

		// Code 0 starts a new record.
		name := strings.ToUpper(value.Str)
		switch name {
		case "SECTION", "ENDSEC", "EOF", "TABLE", "ENDTAB":
			flushPending(&current, &inPolyVtx, flush)
		case "VERTEX":
			if inPolyVtx != nil {
				// Collect into the open POLYLINE; vertex coords arrive
				// as 10/20[/30] tags on this sub-record.
				if current != nil && current != inPolyVtx && current.Type == "VERTEX" {
					absorbVertex(inPolyVtx, current)
				}
				current = &Entity{Type: "VERTEX"}
				continue
			}
			flushPending(&current, &inPolyVtx, flush)
			entityIdx++
			res.Fail(entityIdx, "unrecognized entity type VERTEX")
		case "SEQEND":
			if current != nil && current.Type == "VERTEX" && inPolyVtx != nil {
				absorbVertex(inPolyVtx, current)
			}
			current = nil
			if inPolyVtx != nil {
				flush(inPolyVtx)
				inPolyVtx = nil
			}
		default:
			flushPending(&current, &inPolyVtx, flush)
			if !entityTypes[name] {
				entityIdx++
				res.Fail(entityIdx, "unrecognized entity type %s", name)
				continue
			}
			current = &Entity{Type: name}
			if name == "POLYLINE" {
				// Header tags keep accruing on current until the first
				// VERTEX record takes over.
				inPolyVtx = current
			}
		}
	}

	flushPending(&current, &inPolyVtx, flush)

	if !sawToken {
		return nil, &decode.StructuralError{Format: "dxf", Reason: "empty token stream"}
	}
	return res, nil
}

func flushPending(current **Entity, poly **Entity, flush func(*Entity)) {
	if *current != nil && (*current).Type == "VERTEX" && *poly != nil {
		absorbVertex(*poly, *current)
		*current = nil
	}
	if *current != nil && *current != *poly {
		flush(*current)
	}
	*current = nil
	if *poly != nil {
		flush(*poly)
		*poly = nil
	}
}

func absorbVertex(poly, vtx *Entity) {
	x, okX := vtx.float(10)
	y, okY := vtx.float(20)
	if !okX || !okY {
		return
	}
	poly.vertices = append(poly.vertices, []float64{x, y})
}

func nextLine(sc *bufio.Scanner) (string, bool) {
	if !sc.Scan() {
		return "", false
	}
	return sc.Text(), true
}

// deriveGeometry converts an entity to a go-geom value. A non-empty
// reason marks the entity as a per-record failure.
func deriveGeometry(e *Entity, limits decode.Limits) (geom.T, string) {
	switch e.Type {
	case "POINT", "INSERT", "TEXT", "MTEXT", "DIMENSION":
		x, okX := e.float(10)
		y, okY := e.float(20)
		if !okX || !okY {
			return nil, "missing insertion point"
		}
		return geom.NewPointFlat(geom.XY, []float64{x, y}), ""

	case "LINE":
		x1, okX1 := e.float(10)
		y1, okY1 := e.float(20)
		x2, okX2 := e.float(11)
		y2, okY2 := e.float(21)
		if !okX1 || !okY1 || !okX2 || !okY2 {
			return nil, "missing endpoints"
		}
		return geom.NewLineStringFlat(geom.XY, []float64{x1, y1, x2, y2}), ""

	case "LWPOLYLINE":
		xs := e.floats(10)
		ys := e.floats(20)
		if len(xs) < 2 || len(xs) != len(ys) {
			return nil, "vertex list incomplete"
		}
		if len(xs) > limits.MaxPoints {
			return nil, "vertex count exceeds limit"
		}
		closed := false
		if flags, ok := e.intVal(70); ok {
			closed = flags&1 != 0
		}
		return polylineGeometry(pairUp(xs, ys), closed), ""

	case "POLYLINE":
		if len(e.vertices) < 2 {
			return nil, "fewer than two vertices"
		}
		if len(e.vertices) > limits.MaxPoints {
			return nil, "vertex count exceeds limit"
		}
		closed := false
		if flags, ok := e.intVal(70); ok {
			closed = flags&1 != 0
		}
		return polylineGeometry(e.vertices, closed), ""

	case "CIRCLE":
		cx, okX := e.float(10)
		cy, okY := e.float(20)
		r, okR := e.float(40)
		if !okX || !okY || !okR || r <= 0 {
			return nil, "missing center or radius"
		}
		ring := make([]float64, 0, (circleSegments+1)*2)
		for i := 0; i < circleSegments; i++ {
			a := 2 * math.Pi * float64(i) / circleSegments
			ring = append(ring, cx+r*math.Cos(a), cy+r*math.Sin(a))
		}
		// Close with the exact first vertex; recomputing sin/cos at 2π
		// drifts and leaves the ring open.
		ring = append(ring, ring[0], ring[1])
		return geom.NewPolygonFlat(geom.XY, ring, []int{len(ring)}), ""

	case "ARC":
		cx, okX := e.float(10)
		cy, okY := e.float(20)
		r, okR := e.float(40)
		a1, okA1 := e.float(50)
		a2, okA2 := e.float(51)
		if !okX || !okY || !okR || !okA1 || !okA2 || r <= 0 {
			return nil, "missing center, radius or angles"
		}
		start := a1 * math.Pi / 180
		end := a2 * math.Pi / 180
		if end <= start {
			end += 2 * math.Pi
		}
		n := int(math.Ceil((end - start) / (2 * math.Pi) * circleSegments))
		if n < 2 {
			n = 2
		}
		flat := make([]float64, 0, (n+1)*2)
		for i := 0; i <= n; i++ {
			a := start + (end-start)*float64(i)/float64(n)
			flat = append(flat, cx+r*math.Cos(a), cy+r*math.Sin(a))
		}
		return geom.NewLineStringFlat(geom.XY, flat), ""

	case "ELLIPSE":
		cx, okX := e.float(10)
		cy, okY := e.float(20)
		mx, okMX := e.float(11)
		my, okMY := e.float(21)
		ratio, okR := e.float(40)
		if !okX || !okY || !okMX || !okMY || !okR || ratio <= 0 {
			return nil, "missing center, major axis or ratio"
		}
		p1, okP1 := e.float(41)
		p2, okP2 := e.float(42)
		if !okP1 || !okP2 {
			p1, p2 = 0, 2*math.Pi
		}
		if p2 <= p1 {
			p2 += 2 * math.Pi
		}
		major := math.Hypot(mx, my)
		rot := math.Atan2(my, mx)
		minor := major * ratio
		n := circleSegments
		flat := make([]float64, 0, (n+1)*2)
		for i := 0; i <= n; i++ {
			t := p1 + (p2-p1)*float64(i)/float64(n)
			ex := major * math.Cos(t)
			ey := minor * math.Sin(t)
			flat = append(flat,
				cx+ex*math.Cos(rot)-ey*math.Sin(rot),
				cy+ex*math.Sin(rot)+ey*math.Cos(rot),
			)
		}
		full := p2-p1 >= 2*math.Pi-1e-9
		if full {
			flat[len(flat)-2], flat[len(flat)-1] = flat[0], flat[1]
			return geom.NewPolygonFlat(geom.XY, flat, []int{len(flat)}), ""
		}
		return geom.NewLineStringFlat(geom.XY, flat), ""

	default:
		return nil, "no geometry derivation"
	}
}

func pairUp(xs, ys []float64) [][]float64 {
	pts := make([][]float64, len(xs))
	for i := range xs {
		pts[i] = []float64{xs[i], ys[i]}
	}
	return pts
}

func polylineGeometry(pts [][]float64, closed bool) geom.T {
	flat := make([]float64, 0, (len(pts)+1)*2)
	for _, p := range pts {
		flat = append(flat, p[0], p[1])
	}
	if closed {
		if pts[0][0] != pts[len(pts)-1][0] || pts[0][1] != pts[len(pts)-1][1] {
			flat = append(flat, pts[0][0], pts[0][1])
		}
		return geom.NewPolygonFlat(geom.XY, flat, []int{len(flat)})
	}
	return geom.NewLineStringFlat(geom.XY, flat)
}

// entityAttrs extracts the common attribute bag: entity type, layer,
// handle and any text payload.
func entityAttrs(e *Entity) map[string]model.AttrValue {
	attrs := map[string]model.AttrValue{
		"entity_type": model.StringAttr(e.Type),
	}
	if layer, ok := e.str(8); ok {
		attrs["layer"] = model.StringAttr(layer)
	}
	if handle, ok := e.str(5); ok {
		attrs["handle"] = model.StringAttr(handle)
	}
	if text, ok := e.str(1); ok {
		attrs["text"] = model.StringAttr(text)
	}
	if block, ok := e.str(2); ok && e.Type == "INSERT" {
		attrs["block"] = model.StringAttr(block)
	}
	return attrs
}
