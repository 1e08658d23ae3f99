package crs

import (
	"fmt"
	"math"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/sonmap/geoimport/internal/model"
)

// TransformFunc converts one coordinate (2 or more components) into
// the target system. Implementations must be pure and reusable.
type TransformFunc func(c []float64) ([]float64, error)

// OperationBuilder lazily constructs the transform operation for an
// ordered system pair. The builder carries the projection math; the
// transformer only caches and executes.
type OperationBuilder func(from, to *CoordinateSystem) (TransformFunc, error)

// Operation is a cached, directional transform between two registered
// systems. Immutable once built.
type Operation struct {
	From string
	To   string
	fn   TransformFunc
}

// Options control a single Transform call.
type Options struct {
	// ValidateShape rejects coordinates that are not arrays of at
	// least two finite numbers before executing the operation.
	ValidateShape bool

	// Fallback permits an identity copy when the operation fails and
	// source equals target. Strictly opt-in.
	Fallback bool
}

// Result is the tagged outcome of a transform. The transformer never
// panics or returns errors across its boundary; failures leave the
// input coordinates unchanged.
type Result struct {
	Coords  []float64
	OK      bool
	Err     error
	Warning string
}

// Transformer converts coordinates between registered systems, caching
// one operation per ordered (from, to) pair. The reverse direction is
// a distinct entry and never assumed symmetric.
type Transformer struct {
	registry *Registry
	builder  OperationBuilder

	mu    sync.RWMutex
	cache map[string]*Operation
}

// NewTransformer creates a transformer over the given registry. A nil
// builder uses the builtin operations.
func NewTransformer(registry *Registry, builder OperationBuilder) *Transformer {
	if builder == nil {
		builder = BuiltinBuilder
	}
	return &Transformer{
		registry: registry,
		builder:  builder,
		cache:    make(map[string]*Operation),
	}
}

func pairKey(from, to string) string { return from + "\x00" + to }

// CacheSize returns the number of cached operations.
func (t *Transformer) CacheSize() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.cache)
}

// Reset clears the operation cache.
func (t *Transformer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache = make(map[string]*Operation)
}

// operation returns the cached operation for the ordered pair,
// building it on first use.
func (t *Transformer) operation(from, to *CoordinateSystem) (*Operation, error) {
	key := pairKey(from.ID, to.ID)

	t.mu.RLock()
	op, ok := t.cache[key]
	t.mu.RUnlock()
	if ok {
		return op, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if op, ok := t.cache[key]; ok {
		return op, nil
	}

	fn, err := t.builder(from, to)
	if err != nil {
		return nil, err
	}
	op = &Operation{From: from.ID, To: to.ID, fn: fn}
	t.cache[key] = op
	zap.L().Debug("crs: built transform operation",
		zap.String("from", from.ID),
		zap.String("to", to.ID),
	)
	return op, nil
}

// Transform converts a single coordinate from one system to another.
func (t *Transformer) Transform(coords []float64, fromID, toID string, opts Options) Result {
	fail := func(err error) Result {
		return Result{Coords: coords, Err: err}
	}

	if opts.ValidateShape {
		if len(coords) < 2 {
			return fail(eris.Errorf("crs: coordinate needs at least 2 components, got %d", len(coords)))
		}
		for i, v := range coords {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fail(eris.Errorf("crs: non-finite component at index %d", i))
			}
		}
	}

	from, err := t.registry.Get(fromID)
	if err != nil {
		return fail(err)
	}
	to, err := t.registry.Get(toID)
	if err != nil {
		return fail(err)
	}

	op, err := t.operation(from, to)
	if err != nil {
		return t.fallback(coords, fromID, toID, opts, err)
	}

	out, err := safeApply(op.fn, coords)
	if err != nil {
		return t.fallback(coords, fromID, toID, opts, err)
	}
	return Result{Coords: out, OK: true}
}

// fallback performs an identity copy when the caller opted in and the
// pair is degenerate; otherwise it reports the failure unchanged.
func (t *Transformer) fallback(coords []float64, fromID, toID string, opts Options, cause error) Result {
	if opts.Fallback && fromID == toID {
		return Result{
			Coords:  append([]float64(nil), coords...),
			OK:      true,
			Warning: fmt.Sprintf("identity fallback for %s after transform failure: %v", fromID, cause),
		}
	}
	return Result{Coords: coords, Err: cause}
}

// safeApply executes an operation, converting panics in third-party
// projection code into errors so nothing escapes the boundary.
func safeApply(fn TransformFunc, coords []float64) (out []float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("crs: transform panic: %v", r)
		}
	}()
	return fn(coords)
}

// TransformGeometry converts every vertex of a geometry between two
// systems, returning a new geometry of the same concrete type.
func (t *Transformer) TransformGeometry(g geom.T, fromID, toID string, opts Options) (geom.T, error) {
	if fromID == toID {
		return g, nil
	}
	var warned bool
	out, err := model.MapVertices(g, func(c []float64) ([]float64, error) {
		res := t.Transform(c, fromID, toID, opts)
		if !res.OK {
			return nil, res.Err
		}
		if res.Warning != "" && !warned {
			warned = true
			zap.L().Warn("crs: transform fallback", zap.String("warning", res.Warning))
		}
		return res.Coords, nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "crs: transform geometry %s -> %s", fromID, toID)
	}
	return out, nil
}
