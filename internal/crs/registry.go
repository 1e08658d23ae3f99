// Package crs holds the coordinate reference system registry and the
// caching coordinate transformer.
package crs

import (
	"os"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// CoordinateSystem describes one reference system. Instances are
// immutable once registered.
type CoordinateSystem struct {
	ID         string `json:"id" yaml:"id"`
	Code       int    `json:"code" yaml:"code"` // authority code, e.g. numeric EPSG
	WKT        string `json:"wkt,omitempty" yaml:"wkt,omitempty"`
	ProjDef    string `json:"proj_def,omitempty" yaml:"proj_def,omitempty"`
	Geographic bool   `json:"geographic" yaml:"geographic"`
}

// Registry is an in-memory table of coordinate systems keyed by id.
// Registration must be serialized; lookups are safe concurrently.
type Registry struct {
	mu      sync.RWMutex
	systems map[string]*CoordinateSystem
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{systems: make(map[string]*CoordinateSystem)}
}

// NewDefaultRegistry returns a registry seeded with the systems the
// importer handles out of the box.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, cs := range []CoordinateSystem{
		{
			ID:         "EPSG:4326",
			Code:       4326,
			WKT:        `GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563]],PRIMEM["Greenwich",0],UNIT["degree",0.0174532925199433]]`,
			ProjDef:    "+proj=longlat +datum=WGS84 +no_defs",
			Geographic: true,
		},
		{
			ID:      "EPSG:3857",
			Code:    3857,
			WKT:     `PROJCS["WGS 84 / Pseudo-Mercator",GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563]]],PROJECTION["Mercator_1SP"],UNIT["metre",1]]`,
			ProjDef: "+proj=merc +a=6378137 +b=6378137 +lat_ts=0 +lon_0=0 +x_0=0 +y_0=0 +k=1 +units=m +no_defs",
		},
		{
			ID:      "EPSG:2056",
			Code:    2056,
			WKT:     `PROJCS["CH1903+ / LV95",GEOGCS["CH1903+",DATUM["CH1903+",SPHEROID["Bessel 1841",6377397.155,299.1528128]]],PROJECTION["Hotine_Oblique_Mercator_Azimuth_Center"],UNIT["metre",1]]`,
			ProjDef: "+proj=somerc +lat_0=46.9524055555556 +lon_0=7.43958333333333 +k_0=1 +x_0=2600000 +y_0=1200000 +ellps=bessel +units=m +no_defs",
		},
	} {
		// Seeding a fresh registry cannot collide.
		_ = r.Register(cs)
	}
	return r
}

// Register adds a system. Registering an id twice fails and leaves the
// first registration in place.
func (r *Registry) Register(cs CoordinateSystem) error {
	if cs.ID == "" {
		return eris.New("crs: system id must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.systems[cs.ID]; exists {
		return eris.Errorf("crs: system %q is already registered", cs.ID)
	}
	copied := cs
	r.systems[cs.ID] = &copied
	return nil
}

// Get looks a system up by id.
func (r *Registry) Get(id string) (*CoordinateSystem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cs, ok := r.systems[id]
	if !ok {
		return nil, eris.Errorf("crs: unknown system %q", id)
	}
	return cs, nil
}

// ByCode looks a system up by authority code.
func (r *Registry) ByCode(code int) (*CoordinateSystem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cs := range r.systems {
		if cs.Code == code {
			return cs, nil
		}
	}
	return nil, eris.Errorf("crs: no system with authority code %d", code)
}

// All returns every registered system sorted by id.
func (r *Registry) All() []*CoordinateSystem {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*CoordinateSystem, 0, len(r.systems))
	for _, cs := range r.systems {
		out = append(out, cs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Geographic returns the registered geographic systems.
func (r *Registry) Geographic() []*CoordinateSystem { return r.filter(true) }

// Projected returns the registered projected systems.
func (r *Registry) Projected() []*CoordinateSystem { return r.filter(false) }

func (r *Registry) filter(geographic bool) []*CoordinateSystem {
	var out []*CoordinateSystem
	for _, cs := range r.All() {
		if cs.Geographic == geographic {
			out = append(out, cs)
		}
	}
	return out
}

// LoadFile registers every system defined in a YAML file. The file is
// a list of CoordinateSystem documents.
func (r *Registry) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, eris.Wrapf(err, "crs: read definitions %s", path)
	}

	var defs []CoordinateSystem
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return 0, eris.Wrapf(err, "crs: parse definitions %s", path)
	}

	for i, cs := range defs {
		if err := r.Register(cs); err != nil {
			return i, err
		}
	}
	return len(defs), nil
}
