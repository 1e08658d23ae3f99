package crs

import (
	"math"

	"github.com/rotisserie/eris"
)

// pointFunc converts one x/y pair. Extra components (z) pass through
// untouched at the transform layer.
type pointFunc func(x, y float64) (float64, float64)

const (
	webMercatorRadius = 6378137.0
	webMercatorMax    = 85.05112878 // latitude clamp, degrees
)

// BuiltinBuilder constructs transform operations for the systems the
// default registry knows about, routing every conversion through a
// WGS84 hub. Projection math beyond these systems belongs to a custom
// OperationBuilder.
func BuiltinBuilder(from, to *CoordinateSystem) (TransformFunc, error) {
	if from.ID == to.ID {
		return identityOp, nil
	}

	toWGS, err := toWGS84Func(from)
	if err != nil {
		return nil, err
	}
	fromWGS, err := fromWGS84Func(to)
	if err != nil {
		return nil, err
	}

	return func(c []float64) ([]float64, error) {
		lon, lat := toWGS(c[0], c[1])
		x, y := fromWGS(lon, lat)
		out := append([]float64{x, y}, c[2:]...)
		return out, nil
	}, nil
}

func identityOp(c []float64) ([]float64, error) {
	return append([]float64(nil), c...), nil
}

func toWGS84Func(cs *CoordinateSystem) (pointFunc, error) {
	switch cs.Code {
	case 4326:
		return func(x, y float64) (float64, float64) { return x, y }, nil
	case 3857:
		return webMercatorInverse, nil
	case 2056:
		return lv95ToWGS84, nil
	default:
		return nil, eris.Errorf("crs: no builtin conversion from %s", cs.ID)
	}
}

func fromWGS84Func(cs *CoordinateSystem) (pointFunc, error) {
	switch cs.Code {
	case 4326:
		return func(lon, lat float64) (float64, float64) { return lon, lat }, nil
	case 3857:
		return webMercatorForward, nil
	case 2056:
		return wgs84ToLV95, nil
	default:
		return nil, eris.Errorf("crs: no builtin conversion to %s", cs.ID)
	}
}

func webMercatorForward(lon, lat float64) (float64, float64) {
	if lat > webMercatorMax {
		lat = webMercatorMax
	}
	if lat < -webMercatorMax {
		lat = -webMercatorMax
	}
	x := webMercatorRadius * lon * math.Pi / 180
	y := webMercatorRadius * math.Log(math.Tan(math.Pi/4+lat*math.Pi/360))
	return x, y
}

func webMercatorInverse(x, y float64) (float64, float64) {
	lon := x / webMercatorRadius * 180 / math.Pi
	lat := (2*math.Atan(math.Exp(y/webMercatorRadius)) - math.Pi/2) * 180 / math.Pi
	return lon, lat
}

// lv95ToWGS84 converts CH1903+/LV95 easting/northing to WGS84 using
// the swisstopo approximation formulas (centimeter-level accuracy).
func lv95ToWGS84(e, n float64) (float64, float64) {
	y := (e - 2600000) / 1000000
	x := (n - 1200000) / 1000000

	lon := 2.6779094 +
		4.728982*y +
		0.791484*y*x +
		0.1306*y*x*x -
		0.0436*y*y*y
	lat := 16.9023892 +
		3.238272*x -
		0.270978*y*y -
		0.002528*x*x -
		0.0447*y*y*x -
		0.0140*x*x*x

	return lon * 100 / 36, lat * 100 / 36
}

// wgs84ToLV95 converts WGS84 to CH1903+/LV95 easting/northing using
// the swisstopo approximation formulas.
func wgs84ToLV95(lon, lat float64) (float64, float64) {
	phi := (lat*3600 - 169028.66) / 10000
	lam := (lon*3600 - 26782.5) / 10000

	e := 2600072.37 +
		211455.93*lam -
		10938.51*lam*phi -
		0.36*lam*phi*phi -
		44.54*lam*lam*lam
	n := 1200147.07 +
		308807.95*phi +
		3745.25*lam*lam +
		76.63*phi*phi -
		194.56*lam*lam*phi +
		119.79*phi*phi*phi

	return e, n
}
