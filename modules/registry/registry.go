// Package registry resolves (owner, bar name) to the bar's current step
// schema. Lookups are served from an in-process cache; every durable
// mutation of bars or steps goes through the registry so invalidation is
// atomic with the write.
package registry

import (
	"context"
	"sync"

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ezpbars/ezpbars/pbardb"
	"github.com/ezpbars/ezpbars/pkg/model"
	"github.com/ezpbars/ezpbars/pkg/util/log"
)

var (
	metricCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ezpbars",
		Name:      "registry_cache_hits_total",
		Help:      "Schema resolutions served from the in-process cache.",
	})
	metricCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ezpbars",
		Name:      "registry_cache_misses_total",
		Help:      "Schema resolutions that fell through to the durable store.",
	})
	metricVersionBumps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ezpbars",
		Name:      "registry_version_bumps_total",
		Help:      "Progress bar version bumps driven by schema drift.",
	})
)

type cacheKey struct {
	owner string
	name  string
}

type versionKey struct {
	owner   string
	name    string
	version int64
}

// BumpListener is notified after a version bump commits, with the bar's
// resolved post-bump schema. The predictor uses this to freeze prior
// versions' cells.
type BumpListener func(schema *model.BarSchema)

type Registry struct {
	db *pbardb.DB

	mtx       sync.RWMutex
	cache     map[cacheKey]*model.BarSchema
	versioned map[versionKey]*model.BarSchema

	listenerMtx sync.Mutex
	listeners   []BumpListener
}

func New(db *pbardb.DB) *Registry {
	return &Registry{
		db:        db,
		cache:     map[cacheKey]*model.BarSchema{},
		versioned: map[versionKey]*model.BarSchema{},
	}
}

// Resolve returns the bar's current schema. errkind.ErrNoSuchBar on a miss.
func (r *Registry) Resolve(ctx context.Context, owner, name string) (*model.BarSchema, error) {
	k := cacheKey{owner: owner, name: name}

	r.mtx.RLock()
	schema := r.cache[k]
	r.mtx.RUnlock()
	if schema != nil {
		metricCacheHits.Inc()
		return schema, nil
	}
	metricCacheMisses.Inc()

	schema, err := r.db.GetBarSchema(ctx, owner, name)
	if err != nil {
		return nil, err
	}

	r.mtx.Lock()
	r.cache[k] = schema
	r.mtx.Unlock()
	return schema, nil
}

// ResolveVersion returns the schema the bar carried at the given version.
// Old versions are immutable, so entries cached here are never invalidated.
func (r *Registry) ResolveVersion(ctx context.Context, owner, name string, version int64) (*model.BarSchema, error) {
	current, err := r.Resolve(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	if current.Bar.Version == version {
		return current, nil
	}

	k := versionKey{owner: owner, name: name, version: version}
	r.mtx.RLock()
	schema := r.versioned[k]
	r.mtx.RUnlock()
	if schema != nil {
		metricCacheHits.Inc()
		return schema, nil
	}
	metricCacheMisses.Inc()

	schema, err = r.db.GetBarSchemaVersion(ctx, owner, name, version)
	if err != nil {
		return nil, err
	}
	r.mtx.Lock()
	r.versioned[k] = schema
	r.mtx.Unlock()
	return schema, nil
}

// Invalidate evicts the cached schema for (owner, name).
func (r *Registry) Invalidate(owner, name string) {
	r.mtx.Lock()
	delete(r.cache, cacheKey{owner: owner, name: name})
	r.mtx.Unlock()
}

// CreateBar persists a new bar with its default spec and steps, invalidating
// any stale cache entry under the same name.
func (r *Registry) CreateBar(ctx context.Context, owner string, schema *model.BarSchema) error {
	if err := r.db.CreateBar(ctx, owner, schema); err != nil {
		return err
	}
	r.Invalidate(owner, schema.Bar.Name)
	return nil
}

// BumpVersion rotates the bar to a new version with the given steps,
// invalidates the cache, and notifies bump listeners. Returns the post-bump
// schema.
func (r *Registry) BumpVersion(ctx context.Context, owner, name string, steps []model.StepSpec) (*model.BarSchema, error) {
	schema, err := r.Resolve(ctx, owner, name)
	if err != nil {
		return nil, err
	}

	newVersion, err := r.db.BumpVersion(ctx, schema.Bar.ID, steps)
	if err != nil {
		return nil, err
	}
	metricVersionBumps.Inc()
	r.Invalidate(owner, name)

	level.Info(log.Logger).Log("msg", "progress bar version bumped",
		"owner", owner, "bar", name, "version", newVersion)

	bumped, err := r.Resolve(ctx, owner, name)
	if err != nil {
		return nil, err
	}

	r.listenerMtx.Lock()
	listeners := make([]BumpListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.listenerMtx.Unlock()
	for _, fn := range listeners {
		fn(bumped)
	}
	return bumped, nil
}

// OnVersionBump registers a listener invoked after each version bump.
func (r *Registry) OnVersionBump(fn BumpListener) {
	r.listenerMtx.Lock()
	r.listeners = append(r.listeners, fn)
	r.listenerMtx.Unlock()
}
