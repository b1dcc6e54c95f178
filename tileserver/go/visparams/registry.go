package visparams

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"go.lapig.org/tiles/go/metrics2"
	"go.lapig.org/tiles/go/now"
	"go.lapig.org/tiles/go/skerr"
	"go.lapig.org/tiles/go/sklog"
	"go.lapig.org/tiles/tileserver/go/types"
)

const (
	// RefreshInterval is how often the registry re-reads the catalogue.
	RefreshInterval = time.Minute

	// capabilitiesTTL bounds staleness of the derived capabilities view
	// between version bumps.
	capabilitiesTTL = 30 * time.Second

	capabilitiesKey = "capabilities"
)

// Store is the catalogue backend. Production is MongoDB; tests use
// MemoryStore.
type Store interface {
	// LoadAll returns every active recipe.
	LoadAll(ctx context.Context) ([]VisParam, error)

	// LoadLandsatMappings returns the year to collection table, or nil when
	// the catalogue does not carry one.
	LoadLandsatMappings(ctx context.Context) ([]LandsatMapping, error)

	// Version returns the catalogue's monotonically increasing change
	// counter.
	Version(ctx context.Context) (int64, error)
}

// Registry holds the loaded catalogue. Lookup methods are lock-cheap reads of
// the last refreshed snapshot so they are safe on the hot path.
type Registry struct {
	store Store

	mutex      sync.RWMutex
	byName     map[string]VisParam
	mappings   []LandsatMapping
	version    int64
	loadedOnce bool

	derived *gocache.Cache

	versionMetric metrics2.Int64Metric
}

// NewRegistry loads the catalogue and returns the registry. An unreachable
// catalogue is not fatal: the built-in recipes serve until a refresh
// succeeds.
func NewRegistry(ctx context.Context, store Store) *Registry {
	ret := &Registry{
		store:         store,
		byName:        map[string]VisParam{},
		mappings:      DefaultLandsatMappings,
		derived:       gocache.New(capabilitiesTTL, 2*capabilitiesTTL),
		versionMetric: metrics2.GetInt64Metric("tileserver_visparams_version"),
	}
	ret.installBuiltins()
	if err := ret.Refresh(ctx); err != nil {
		sklog.Warningf("Serving built-in visparams; catalogue unavailable: %s", err)
	}
	return ret
}

func (r *Registry) installBuiltins() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for _, vp := range Builtins() {
		r.byName[vp.Name] = vp
	}
}

// Refresh re-reads the catalogue. On version change the derived capabilities
// view is dropped. Built-in recipes are kept unless the catalogue overrides
// them by name.
func (r *Registry) Refresh(ctx context.Context) error {
	version, err := r.store.Version(ctx)
	if err != nil {
		return skerr.Wrap(err)
	}
	r.mutex.RLock()
	unchanged := version == r.version && r.loadedOnce
	r.mutex.RUnlock()
	if unchanged {
		return nil
	}

	loaded, err := r.store.LoadAll(ctx)
	if err != nil {
		return skerr.Wrap(err)
	}
	mappings, err := r.store.LoadLandsatMappings(ctx)
	if err != nil {
		return skerr.Wrap(err)
	}

	byName := map[string]VisParam{}
	for _, vp := range Builtins() {
		byName[vp.Name] = vp
	}
	for _, vp := range loaded {
		byName[vp.Name] = vp
	}

	r.mutex.Lock()
	r.byName = byName
	if len(mappings) > 0 {
		r.mappings = mappings
	}
	changed := version != r.version
	r.version = version
	r.loadedOnce = true
	r.mutex.Unlock()

	if changed {
		r.derived.Flush()
	}
	r.versionMetric.Update(version)
	sklog.Infof("Loaded %d visparams at catalogue version %d", len(loaded), version)
	return nil
}

// StartRefresher refreshes the registry periodically until the context is
// cancelled.
func (r *Registry) StartRefresher(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Refresh(ctx); err != nil {
					sklog.Errorf("Refreshing visparams: %s", err)
				}
			}
		}
	}()
}

// Lookup returns the named recipe.
func (r *Registry) Lookup(name string) (VisParam, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	vp, ok := r.byName[name]
	if !ok || !vp.Active {
		return VisParam{}, false
	}
	return vp, true
}

// Exists returns true if the named recipe is known and active.
func (r *Registry) Exists(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// IsCompatible returns true if the recipe's category matches the layer's
// satellite family.
func (r *Registry) IsCompatible(layer types.Layer, name string) bool {
	vp, ok := r.Lookup(name)
	if !ok {
		return false
	}
	return vp.Category == CategoryForLayer(layer)
}

// Version returns the catalogue version of the current snapshot.
func (r *Registry) Version() int64 {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.version
}

// LandsatCollection returns the image collection covering the year.
func (r *Registry) LandsatCollection(year int) (string, error) {
	r.mutex.RLock()
	mappings := r.mappings
	r.mutex.RUnlock()
	return CollectionForYear(mappings, year)
}

// LayerCapability describes one layer in the capabilities document.
type LayerCapability struct {
	Name        string         `json:"name"`
	DisplayName string         `json:"display_name"`
	Periods     []types.Period `json:"period"`
	YearStart   int            `json:"year_start"`
	YearEnd     int            `json:"year_end"`
	VisParams   []string       `json:"visparam"`
	Collections []string       `json:"collections,omitempty"`
	Months      []string       `json:"month,omitempty"`
}

// Capabilities is the document served by GET /api/capabilities.
type Capabilities struct {
	Version int64             `json:"version"`
	Layers  []LayerCapability `json:"collections"`
}

var displayNames = map[types.Layer]string{
	types.LayerS2Harmonized: "Sentinel-2 Harmonized",
	types.LayerLandsat:      "Landsat Collection",
}

// Capabilities returns the derived capabilities view. It is rebuilt at most
// once per TTL, and immediately after a catalogue version change.
func (r *Registry) Capabilities(ctx context.Context) Capabilities {
	if cached, ok := r.derived.Get(capabilitiesKey); ok {
		return cached.(Capabilities)
	}
	ret := r.buildCapabilities(ctx)
	r.derived.SetDefault(capabilitiesKey, ret)
	return ret
}

func (r *Registry) buildCapabilities(ctx context.Context) Capabilities {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	months := make([]string, 0, 12)
	for m := 1; m <= 12; m++ {
		months = append(months, fmt.Sprintf("%02d", m))
	}
	yearEnd := now.Now(ctx).Year()

	ret := Capabilities{Version: r.version}
	for _, layer := range types.AllLayers {
		lc := LayerCapability{
			Name:        string(layer),
			DisplayName: displayNames[layer],
			Periods:     types.AllPeriods,
			YearStart:   layer.FirstYear(),
			YearEnd:     yearEnd,
			Months:      months,
		}
		category := CategoryForLayer(layer)
		for name, vp := range r.byName {
			if vp.Active && vp.Category == category {
				lc.VisParams = append(lc.VisParams, name)
			}
		}
		sort.Strings(lc.VisParams)
		if layer == types.LayerLandsat {
			for _, m := range r.mappings {
				lc.Collections = append(lc.Collections, m.Collection)
			}
		} else {
			lc.Collections = []string{SentinelCollection}
		}
		ret.Layers = append(ret.Layers, lc)
	}
	return ret
}
