package shapefile

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	shp "github.com/jonas-p/go-shp"
	"github.com/twpayne/go-geom"

	"github.com/sonmap/geoimport/internal/decode"
)

func putF64(b []byte, off int, v float64) {
	binary.LittleEndian.PutUint64(b[off:off+8], math.Float64bits(v))
}

// pointContent builds the record content for a point shape: the type
// code followed by the given 8-byte values.
func pointContent(shapeType int, vals ...float64) []byte {
	b := make([]byte, 4+len(vals)*8)
	binary.LittleEndian.PutUint32(b[0:4], uint32(shapeType))
	for i, v := range vals {
		putF64(b, 4+i*8, v)
	}
	return b
}

func polyContent(shapeType int, parts []int32, points [][2]float64) []byte {
	n := len(points)
	b := make([]byte, 4+40+len(parts)*4+n*16)
	binary.LittleEndian.PutUint32(b[0:4], uint32(shapeType))
	binary.LittleEndian.PutUint32(b[36:40], uint32(len(parts)))
	binary.LittleEndian.PutUint32(b[40:44], uint32(n))
	for i, p := range parts {
		binary.LittleEndian.PutUint32(b[44+i*4:48+i*4], uint32(p))
	}
	off := 44 + len(parts)*4
	for i, p := range points {
		putF64(b, off+i*16, p[0])
		putF64(b, off+i*16+8, p[1])
	}
	return b
}

// buildSHP assembles a complete .shp buffer: 100-byte header followed
// by the given record contents with big-endian record headers.
func buildSHP(shapeType int, contents ...[]byte) []byte {
	var records []byte
	for i, c := range contents {
		hdr := make([]byte, 8)
		binary.BigEndian.PutUint32(hdr[0:4], uint32(i+1))
		binary.BigEndian.PutUint32(hdr[4:8], uint32(len(c)/2))
		records = append(records, hdr...)
		records = append(records, c...)
	}
	buf := make([]byte, 100, 100+len(records))
	binary.BigEndian.PutUint32(buf[0:4], 9994)
	binary.BigEndian.PutUint32(buf[24:28], uint32((100+len(records))/2))
	binary.LittleEndian.PutUint32(buf[28:32], 1000)
	binary.LittleEndian.PutUint32(buf[32:36], uint32(shapeType))
	return append(buf, records...)
}

func TestNewReader_BadFileCode(t *testing.T) {
	buf := buildSHP(1, pointContent(1, 1, 2))
	binary.BigEndian.PutUint32(buf[0:4], 1234)

	_, err := NewReader(buf, decode.Limits{})
	if err == nil {
		t.Fatal("expected structural error")
	}
	if _, ok := err.(*decode.StructuralError); !ok {
		t.Fatalf("expected *decode.StructuralError, got %T", err)
	}
}

func TestNewReader_BadVersion(t *testing.T) {
	buf := buildSHP(1, pointContent(1, 1, 2))
	binary.LittleEndian.PutUint32(buf[28:32], 999)

	if _, err := NewReader(buf, decode.Limits{}); err == nil {
		t.Fatal("expected structural error for bad version")
	}
}

func TestNewReader_TruncatedHeader(t *testing.T) {
	if _, err := NewReader(make([]byte, 50), decode.Limits{}); err == nil {
		t.Fatal("expected structural error for short buffer")
	}
}

func TestDecode_Points(t *testing.T) {
	buf := buildSHP(1,
		pointContent(1, 7.44, 46.95),
		pointContent(1, 8.54, 47.37),
	)

	res, err := Decode(buf, nil, "EPSG:4326", decode.Limits{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Features) != 2 {
		t.Fatalf("expected 2 features, got %d", len(res.Features))
	}
	if len(res.Failures) != 0 {
		t.Fatalf("expected no failures, got %v", res.Failures)
	}

	f := res.Features[0]
	if f.ID != 1 || f.SourceIndex != 1 {
		t.Errorf("expected id 1 / source index 1, got %d / %d", f.ID, f.SourceIndex)
	}
	if f.Geometry.SourceSRID != "EPSG:4326" {
		t.Errorf("expected source srid to be carried, got %q", f.Geometry.SourceSRID)
	}
	pt, ok := f.Geometry.Geom.(*geom.Point)
	if !ok {
		t.Fatalf("expected *geom.Point, got %T", f.Geometry.Geom)
	}
	if pt.X() != 7.44 || pt.Y() != 46.95 {
		t.Errorf("expected (7.44, 46.95), got (%v, %v)", pt.X(), pt.Y())
	}
}

func TestDecode_PointZ_KeepsZ(t *testing.T) {
	buf := buildSHP(11, pointContent(11, 1, 2, 3))

	res, err := Decode(buf, nil, "EPSG:2056", decode.Limits{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pt := res.Features[0].Geometry.Geom.(*geom.Point)
	if pt.Layout() != geom.XYZ {
		t.Fatalf("expected XYZ layout, got %v", pt.Layout())
	}
	if got := pt.FlatCoords(); got[2] != 3 {
		t.Errorf("expected z=3, got %v", got[2])
	}
}

func TestDecode_PointM_DiscardsM(t *testing.T) {
	// X, Y and a measure value the decoder must ignore.
	buf := buildSHP(21, pointContent(21, 1, 2, 99))

	res, err := Decode(buf, nil, "EPSG:4326", decode.Limits{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pt := res.Features[0].Geometry.Geom.(*geom.Point)
	if pt.Layout() != geom.XY {
		t.Errorf("expected XY layout after dropping M, got %v", pt.Layout())
	}
}

func TestDecode_NullShapeSkipped(t *testing.T) {
	buf := buildSHP(1,
		pointContent(0),
		pointContent(1, 5, 6),
	)

	res, err := Decode(buf, nil, "EPSG:4326", decode.Limits{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Features) != 1 {
		t.Fatalf("expected null shape skipped, got %d features", len(res.Features))
	}
	if len(res.Failures) != 0 {
		t.Errorf("null shape is not a failure, got %v", res.Failures)
	}
	// Ids stay gap-free even when records are skipped.
	if res.Features[0].ID != 1 || res.Features[0].SourceIndex != 2 {
		t.Errorf("expected id 1 / source index 2, got %d / %d",
			res.Features[0].ID, res.Features[0].SourceIndex)
	}
}

func TestDecode_PolylineSinglePart(t *testing.T) {
	buf := buildSHP(3, polyContent(3, []int32{0}, [][2]float64{{0, 0}, {1, 1}, {2, 0}}))

	res, err := Decode(buf, nil, "EPSG:4326", decode.Limits{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := res.Features[0].Geometry.Geom.(*geom.LineString); !ok {
		t.Errorf("expected single-part polyline as *geom.LineString, got %T", res.Features[0].Geometry.Geom)
	}
}

func TestDecode_PolylineMultiPart(t *testing.T) {
	buf := buildSHP(3, polyContent(3, []int32{0, 2}, [][2]float64{{0, 0}, {1, 1}, {5, 5}, {6, 6}}))

	res, err := Decode(buf, nil, "EPSG:4326", decode.Limits{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ml, ok := res.Features[0].Geometry.Geom.(*geom.MultiLineString)
	if !ok {
		t.Fatalf("expected *geom.MultiLineString, got %T", res.Features[0].Geometry.Geom)
	}
	if ml.NumLineStrings() != 2 {
		t.Errorf("expected 2 parts, got %d", ml.NumLineStrings())
	}
}

func TestDecode_Polygon(t *testing.T) {
	ring := [][2]float64{{0, 0}, {0, 4}, {4, 4}, {4, 0}, {0, 0}}
	buf := buildSHP(5, polyContent(5, []int32{0}, ring))

	res, err := Decode(buf, nil, "EPSG:4326", decode.Limits{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	poly, ok := res.Features[0].Geometry.Geom.(*geom.Polygon)
	if !ok {
		t.Fatalf("expected *geom.Polygon, got %T", res.Features[0].Geometry.Geom)
	}
	if poly.NumLinearRings() != 1 {
		t.Errorf("expected 1 ring, got %d", poly.NumLinearRings())
	}
}

func TestDecode_MultiPatchIsRecordError(t *testing.T) {
	buf := buildSHP(31,
		pointContent(31),
		pointContent(1, 3, 4),
	)

	res, err := Decode(buf, nil, "EPSG:4326", decode.Limits{})
	if err != nil {
		t.Fatalf("multipatch must not abort the decode: %v", err)
	}
	if len(res.Failures) != 1 {
		t.Fatalf("expected 1 failure, got %v", res.Failures)
	}
	if res.Failures[0].Index != 1 {
		t.Errorf("expected failure on record 1, got %d", res.Failures[0].Index)
	}
	// The following record still decodes.
	if len(res.Features) != 1 {
		t.Errorf("expected 1 feature after the failed record, got %d", len(res.Features))
	}
}

func TestDecode_NonFiniteCoordinatesRejected(t *testing.T) {
	buf := buildSHP(1, pointContent(1, math.NaN(), 2))

	res, err := Decode(buf, nil, "EPSG:4326", decode.Limits{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Features) != 0 || len(res.Failures) != 1 {
		t.Errorf("expected NaN point as failure, got %d features / %d failures",
			len(res.Features), len(res.Failures))
	}
}

func TestDecode_OversizedRecordStopsCursor(t *testing.T) {
	small := decode.Limits{MaxRecordBytes: 16}
	buf := buildSHP(3, polyContent(3, []int32{0}, [][2]float64{{0, 0}, {1, 1}, {2, 2}}))

	res, err := Decode(buf, nil, "EPSG:4326", small)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Features) != 0 {
		t.Errorf("expected no features past the oversized record, got %d", len(res.Features))
	}
	if len(res.Failures) != 1 {
		t.Errorf("expected 1 failure, got %v", res.Failures)
	}
}

func TestDecode_PartIndexOutOfBounds(t *testing.T) {
	buf := buildSHP(3, polyContent(3, []int32{9}, [][2]float64{{0, 0}, {1, 1}}))

	res, err := Decode(buf, nil, "EPSG:4326", decode.Limits{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Failures) != 1 {
		t.Fatalf("expected part index failure, got %v", res.Failures)
	}
}

// Cross-check the hand-rolled parser against files produced by an
// independent writer.
func TestDecode_GoShpPointFile(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "points.shp")
	w, err := shp.Create(fname, shp.POINT)
	if err != nil {
		t.Fatalf("create fixture: %v", err)
	}
	w.Write(&shp.Point{X: 7.44, Y: 46.95})
	w.Write(&shp.Point{X: 8.54, Y: 47.37})
	w.Close()

	data, err := os.ReadFile(fname)
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}

	res, err := Decode(data, nil, "EPSG:4326", decode.Limits{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Features) != 2 {
		t.Fatalf("expected 2 features, got %d", len(res.Features))
	}
	pt := res.Features[1].Geometry.Geom.(*geom.Point)
	if pt.X() != 8.54 || pt.Y() != 47.37 {
		t.Errorf("expected (8.54, 47.37), got (%v, %v)", pt.X(), pt.Y())
	}
}

func TestDecode_GoShpPolylineFile(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "lines.shp")
	w, err := shp.Create(fname, shp.POLYLINE)
	if err != nil {
		t.Fatalf("create fixture: %v", err)
	}
	w.Write(shp.NewPolyLine([][]shp.Point{
		{{X: 0, Y: 0}, {X: 1, Y: 1}, {X: 2, Y: 0}},
	}))
	w.Close()

	data, err := os.ReadFile(fname)
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}

	res, err := Decode(data, nil, "EPSG:4326", decode.Limits{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Features) != 1 {
		t.Fatalf("expected 1 feature, got %d", len(res.Features))
	}
	ls, ok := res.Features[0].Geometry.Geom.(*geom.LineString)
	if !ok {
		t.Fatalf("expected *geom.LineString, got %T", res.Features[0].Geometry.Geom)
	}
	if ls.NumCoords() != 3 {
		t.Errorf("expected 3 vertices, got %d", ls.NumCoords())
	}
}
