// Package shapefile decodes ESRI shapefile geometry and DBF attribute
// records into features.
package shapefile

import (
	"encoding/binary"
	"math"
	"strconv"

	"github.com/twpayne/go-geom"

	"github.com/sonmap/geoimport/internal/decode"
	"github.com/sonmap/geoimport/internal/model"
)

const (
	headerLength = 100
	fileCode     = 9994
	version      = 1000
)

// Shape type codes from the shapefile specification.
const (
	shapeNull        = 0
	shapePoint       = 1
	shapePolyLine    = 3
	shapePolygon     = 5
	shapeMultiPoint  = 8
	shapePointZ      = 11
	shapePolyLineZ   = 13
	shapePolygonZ    = 15
	shapeMultiPointZ = 18
	shapePointM      = 21
	shapePolyLineM   = 23
	shapePolygonM    = 25
	shapeMultiPointM = 28
	shapeMultiPatch  = 31
)

// Header is the parsed 100-byte file header.
type Header struct {
	FileLength int // bytes
	ShapeType  int
	BBox       [4]float64 // xmin, ymin, xmax, ymax
}

// ShapeRecord is one raw shapefile record: type code, bounding box,
// part offsets and vertices. Z values, when present, are the third
// component of each vertex; M values are parsed and discarded.
type ShapeRecord struct {
	Number    int // 1-based record number from the file
	ShapeType int
	BBox      [4]float64
	Parts     []int32
	Points    [][]float64
	HasZ      bool
}

// Reader is a single-pass cursor over the records of a .shp buffer.
// It is stateful and not safe for concurrent use.
type Reader struct {
	buf    []byte
	off    int
	limits decode.Limits
	header Header

	rec    *ShapeRecord
	recErr *decode.RecordError
	done   bool
}

// NewReader parses the file header and positions the cursor at the
// first record. A bad file code or version is a structural error;
// nothing is ever emitted from such a file.
func NewReader(buf []byte, limits decode.Limits) (*Reader, error) {
	if len(buf) < headerLength {
		return nil, &decode.StructuralError{Format: "shapefile", Reason: "buffer too small for 100-byte header"}
	}

	code := int(int32(binary.BigEndian.Uint32(buf[0:4])))
	if code != fileCode {
		return nil, &decode.StructuralError{
			Format: "shapefile",
			Reason: "incorrect file code " + strconv.Itoa(code) + ", expected " + strconv.Itoa(fileCode),
		}
	}

	ver := int(int32(binary.LittleEndian.Uint32(buf[28:32])))
	if ver != version {
		return nil, &decode.StructuralError{
			Format: "shapefile",
			Reason: "unsupported version " + strconv.Itoa(ver) + ", expected " + strconv.Itoa(version),
		}
	}

	fileLen := int(int32(binary.BigEndian.Uint32(buf[24:28]))) * 2
	if fileLen < headerLength || fileLen > len(buf) {
		return nil, &decode.StructuralError{
			Format: "shapefile",
			Reason: "declared file length " + strconv.Itoa(fileLen) + " does not fit buffer of " + strconv.Itoa(len(buf)),
		}
	}

	h := Header{
		FileLength: fileLen,
		ShapeType:  int(int32(binary.LittleEndian.Uint32(buf[32:36]))),
	}
	for i := 0; i < 4; i++ {
		v := math.Float64frombits(binary.LittleEndian.Uint64(buf[36+i*8 : 44+i*8]))
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, &decode.StructuralError{Format: "shapefile", Reason: "non-finite bounding box in header"}
		}
		h.BBox[i] = v
	}

	return &Reader{buf: buf[:fileLen], off: headerLength, limits: limits.Normalize(), header: h}, nil
}

// Header returns the parsed file header.
func (r *Reader) Header() Header { return r.header }

// Next advances to the next record. It returns false once the buffer
// is exhausted or the cursor can no longer resync.
func (r *Reader) Next() bool {
	if r.done || r.off >= len(r.buf) {
		return false
	}
	r.rec, r.recErr = r.readRecord()
	return r.rec != nil || r.recErr != nil
}

// Record returns the current record, or the per-record error that made
// it unusable. Callers keep iterating after a RecordError.
func (r *Reader) Record() (*ShapeRecord, *decode.RecordError) {
	return r.rec, r.recErr
}

func (r *Reader) readRecord() (*ShapeRecord, *decode.RecordError) {
	if r.off+8 > len(r.buf) {
		r.done = true
		if r.off != len(r.buf) {
			return nil, &decode.RecordError{Index: -1, Reason: "truncated record header"}
		}
		return nil, nil
	}

	number := int(int32(binary.BigEndian.Uint32(r.buf[r.off : r.off+4])))
	contentLen := int(int32(binary.BigEndian.Uint32(r.buf[r.off+4:r.off+8]))) * 2
	r.off += 8

	if contentLen < 4 || contentLen > r.limits.MaxRecordBytes {
		// Cannot trust the length to skip over the content; stop here.
		r.done = true
		return nil, &decode.RecordError{Index: number, Reason: "unreasonable record content length " + strconv.Itoa(contentLen)}
	}
	if r.off+contentLen > len(r.buf) {
		r.done = true
		return nil, &decode.RecordError{Index: number, Reason: "truncated record content"}
	}

	content := r.buf[r.off : r.off+contentLen]
	r.off += contentLen

	rec, err := parseShape(number, content, r.limits)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func parseShape(number int, content []byte, limits decode.Limits) (*ShapeRecord, *decode.RecordError) {
	shapeType := int(int32(binary.LittleEndian.Uint32(content[0:4])))
	body := content[4:]
	rec := &ShapeRecord{Number: number, ShapeType: shapeType}

	fail := func(reason string) (*ShapeRecord, *decode.RecordError) {
		return nil, &decode.RecordError{Index: number, Reason: reason}
	}

	switch shapeType {
	case shapeNull:
		return rec, nil

	case shapePoint, shapePointZ, shapePointM:
		hasZ := shapeType == shapePointZ
		need := 16
		if hasZ {
			need = 24
		} else if shapeType == shapePointM {
			need = 16 // M follows but is discarded; tolerate files that omit it
		}
		if len(body) < need {
			return fail("truncated point record")
		}
		pt := []float64{f64(body, 0), f64(body, 8)}
		if hasZ {
			pt = append(pt, f64(body, 16))
		}
		rec.HasZ = hasZ
		rec.Points = [][]float64{pt}
		return rec, nil

	case shapeMultiPoint, shapeMultiPointZ, shapeMultiPointM:
		if len(body) < 36 {
			return fail("truncated multipoint record")
		}
		for i := 0; i < 4; i++ {
			rec.BBox[i] = f64(body, i*8)
		}
		n := int(int32(binary.LittleEndian.Uint32(body[32:36])))
		if n <= 0 || n > limits.MaxPoints {
			return fail("unreasonable point count " + strconv.Itoa(n))
		}
		if len(body) < 36+n*16 {
			return fail("truncated multipoint vertices")
		}
		rec.HasZ = shapeType == shapeMultiPointZ
		rec.Points = readXY(body[36:], n)
		if rec.HasZ {
			zOff := 36 + n*16 + 16 // skip z range
			if len(body) < zOff+n*8 {
				return fail("truncated multipoint z values")
			}
			attachZ(rec.Points, body[zOff:], n)
		}
		return rec, nil

	case shapePolyLine, shapePolygon, shapePolyLineZ, shapePolygonZ, shapePolyLineM, shapePolygonM:
		if len(body) < 40 {
			return fail("truncated poly record")
		}
		for i := 0; i < 4; i++ {
			rec.BBox[i] = f64(body, i*8)
		}
		numParts := int(int32(binary.LittleEndian.Uint32(body[32:36])))
		numPoints := int(int32(binary.LittleEndian.Uint32(body[36:40])))
		if numParts <= 0 || numParts > limits.MaxParts {
			return fail("unreasonable part count " + strconv.Itoa(numParts))
		}
		if numPoints <= 0 || numPoints > limits.MaxPoints {
			return fail("unreasonable point count " + strconv.Itoa(numPoints))
		}
		if len(body) < 40+numParts*4+numPoints*16 {
			return fail("truncated poly vertices")
		}

		rec.Parts = make([]int32, numParts)
		for i := 0; i < numParts; i++ {
			p := int32(binary.LittleEndian.Uint32(body[40+i*4 : 44+i*4]))
			if p < 0 || int(p) >= numPoints {
				return fail("part index " + strconv.Itoa(int(p)) + " out of bounds")
			}
			if i > 0 && p < rec.Parts[i-1] {
				return fail("part offsets not monotonic")
			}
			rec.Parts[i] = p
		}

		ptOff := 40 + numParts*4
		rec.HasZ = shapeType == shapePolyLineZ || shapeType == shapePolygonZ
		rec.Points = readXY(body[ptOff:], numPoints)
		if rec.HasZ {
			zOff := ptOff + numPoints*16 + 16
			if len(body) < zOff+numPoints*8 {
				return fail("truncated poly z values")
			}
			attachZ(rec.Points, body[zOff:], numPoints)
		}
		return rec, nil

	case shapeMultiPatch:
		return fail("unsupported shape type 31 (multipatch)")

	default:
		return fail("unrecognized shape type " + strconv.Itoa(shapeType))
	}
}

// Geometry converts a raw record into a go-geom value. Null shapes
// convert to nil.
func (rec *ShapeRecord) Geometry() (geom.T, error) {
	if rec.ShapeType == shapeNull {
		return nil, nil
	}

	layout := geom.XY
	if rec.HasZ {
		layout = geom.XYZ
	}
	stride := layout.Stride()

	flat := make([]float64, 0, len(rec.Points)*stride)
	for _, p := range rec.Points {
		flat = append(flat, p[0], p[1])
		if rec.HasZ {
			if len(p) > 2 {
				flat = append(flat, p[2])
			} else {
				flat = append(flat, 0)
			}
		}
	}

	switch rec.ShapeType {
	case shapePoint, shapePointZ, shapePointM:
		return geom.NewPointFlat(layout, flat), nil
	case shapeMultiPoint, shapeMultiPointZ, shapeMultiPointM:
		return geom.NewMultiPointFlat(layout, flat), nil
	case shapePolyLine, shapePolyLineZ, shapePolyLineM:
		ends := rec.partEnds(stride)
		if len(ends) == 1 {
			return geom.NewLineStringFlat(layout, flat), nil
		}
		return geom.NewMultiLineStringFlat(layout, flat, ends), nil
	case shapePolygon, shapePolygonZ, shapePolygonM:
		return geom.NewPolygonFlat(layout, flat, rec.partEnds(stride)), nil
	default:
		return nil, &decode.RecordError{Index: rec.Number, Reason: "no geometry for shape type " + strconv.Itoa(rec.ShapeType)}
	}
}

func (rec *ShapeRecord) partEnds(stride int) []int {
	ends := make([]int, len(rec.Parts))
	for i := range rec.Parts {
		if i+1 < len(rec.Parts) {
			ends[i] = int(rec.Parts[i+1]) * stride
		} else {
			ends[i] = len(rec.Points) * stride
		}
	}
	return ends
}

// Decode runs a full single pass over a .shp buffer, pairing each
// geometry with attributes from the optional DBF buffer. The only
// fatal outcome is a structural header error.
func Decode(shp, dbf []byte, sourceSRID string, limits decode.Limits) (*decode.Result, error) {
	r, err := NewReader(shp, limits)
	if err != nil {
		return nil, err
	}

	var attrs *dbfTable
	if len(dbf) > 0 {
		attrs, err = parseDBF(dbf)
		if err != nil {
			return nil, err
		}
	}

	res := &decode.Result{}
	var id int64
	for r.Next() {
		rec, recErr := r.Record()
		if recErr != nil {
			res.Failures = append(res.Failures, *recErr)
			continue
		}

		g, gerr := rec.Geometry()
		if gerr != nil {
			res.Fail(rec.Number, "%v", gerr)
			continue
		}
		if g == nil {
			continue // null shape
		}
		if !model.FiniteCoords(g) {
			res.Fail(rec.Number, "non-finite coordinates")
			continue
		}

		id++
		f := model.Feature{
			ID:          id,
			Geometry:    model.GeometryRecord{Geom: g, SourceSRID: sourceSRID},
			SourceIndex: rec.Number,
		}
		if attrs != nil {
			f.Attributes = attrs.row(rec.Number - 1)
		}
		res.Features = append(res.Features, f)
	}

	return res, nil
}

func f64(b []byte, off int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(b[off : off+8]))
}

func readXY(b []byte, n int) [][]float64 {
	pts := make([][]float64, n)
	for i := 0; i < n; i++ {
		pts[i] = []float64{f64(b, i*16), f64(b, i*16+8)}
	}
	return pts
}

func attachZ(pts [][]float64, b []byte, n int) {
	for i := 0; i < n; i++ {
		pts[i] = append(pts[i], f64(b, i*8))
	}
}
