// Package registry keeps the local copy of the remote callable catalog and
// the agent-to-callable links.
//
// Reads are served from an in-process snapshot refreshed from the Store at
// most once per TTL. A stale snapshot is returned immediately while a single
// background refresh replaces it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/itsneelabh/callrelay/core"
)

// CatalogSource fetches the full remote catalog. execution.Client
// satisfies it.
type CatalogSource interface {
	FetchCatalog(ctx context.Context) ([]core.CallableDefinition, error)
}

type snapshot struct {
	defs     []core.CallableDefinition
	byID     map[string]int
	byName   map[string]int
	loadedAt time.Time
}

func newSnapshot(defs []core.CallableDefinition, at time.Time) *snapshot {
	s := &snapshot{
		defs:     defs,
		byID:     make(map[string]int, len(defs)),
		byName:   make(map[string]int, len(defs)),
		loadedAt: at,
	}
	for i, def := range defs {
		s.byID[def.ID] = i
		if _, dup := s.byName[def.Name]; !dup {
			s.byName[def.Name] = i
		}
		if def.Slug != "" {
			if _, dup := s.byName[def.Slug]; !dup {
				s.byName[def.Slug] = i
			}
		}
	}
	return s
}

func (s *snapshot) find(nameOrID string) (*core.CallableDefinition, bool) {
	idx, ok := s.byID[nameOrID]
	if !ok {
		idx, ok = s.byName[nameOrID]
	}
	if !ok {
		return nil, false
	}
	def := s.defs[idx]
	return &def, true
}

// Registry is the callable registry and sync service.
type Registry struct {
	store  Store
	source CatalogSource
	ttl    time.Duration
	now    func() time.Time

	current atomic.Pointer[snapshot]
	refresh singleflight.Group

	// generation counts syncs; a refresh that started before a sync must
	// not install what it read.
	mu         sync.Mutex
	generation uint64

	logger core.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithCatalogSource sets where SyncFromRemoteCatalog reads the catalog.
func WithCatalogSource(source CatalogSource) Option {
	return func(r *Registry) {
		r.source = source
	}
}

// WithCacheTTL overrides the read cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// New creates a registry over store.
func New(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		ttl:    core.DefaultRegistryCacheTTL,
		now:    time.Now,
		logger: &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewStore builds the store selected by cfg.Registry.Store.
func NewStore(ctx context.Context, cfg core.RegistryConfig) (Store, error) {
	switch strings.ToLower(cfg.Store) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(ctx, cfg.RedisURL, cfg.KeyPrefix)
	case "sqlite":
		return NewSQLStore(ctx, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown registry store %q: %w", cfg.Store, core.ErrInvalidConfiguration)
	}
}

// SetLogger sets the logger provider
func (r *Registry) SetLogger(logger core.Logger) {
	if logger == nil {
		r.logger = &core.NoOpLogger{}
	} else {
		r.logger = logger
	}
}

// SyncFromRemoteCatalog upserts every remote definition by id and returns
// the stored set ordered by name. The read cache is replaced with that set.
func (r *Registry) SyncFromRemoteCatalog(ctx context.Context) ([]core.CallableDefinition, error) {
	if r.source == nil {
		return nil, fmt.Errorf("no catalog source configured: %w", core.ErrMissingConfiguration)
	}

	start := r.now()
	remote, err := r.source.FetchCatalog(ctx)
	if err != nil {
		r.logger.Error("Catalog fetch failed", map[string]interface{}{
			"operation": "sync_catalog",
			"error":     err.Error(),
		})
		return nil, fmt.Errorf("failed to fetch catalog: %w", err)
	}

	synced := r.now()
	for i := range remote {
		remote[i].LastSyncedAt = synced
		remote[i].UpdatedAt = synced
	}
	if err := r.store.UpsertCallables(ctx, remote); err != nil {
		return nil, fmt.Errorf("failed to store catalog: %w", err)
	}

	gen := r.invalidate()
	defs, err := r.store.ListCallables(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog back: %w", err)
	}
	r.install(newSnapshot(defs, r.now()), gen)

	r.logger.Info("Catalog synchronized", map[string]interface{}{
		"operation":   "sync_catalog",
		"fetched":     len(remote),
		"stored":      len(defs),
		"duration_ms": r.now().Sub(start).Milliseconds(),
	})
	return cloneDefs(defs), nil
}

// ListAvailable returns every known callable ordered by name.
func (r *Registry) ListAvailable(ctx context.Context) ([]core.CallableDefinition, error) {
	snap, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return cloneDefs(snap.defs), nil
}

// Lookup resolves a callable by id, name or slug.
func (r *Registry) Lookup(ctx context.Context, nameOrID string) (*core.CallableDefinition, error) {
	snap, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if def, ok := snap.find(nameOrID); ok {
		return def, nil
	}

	// linked or synced since the snapshot was taken
	def, err := r.store.GetCallable(ctx, nameOrID)
	if err == nil {
		return def, nil
	}
	if errors.Is(err, core.ErrCallableNotFound) {
		return nil, fmt.Errorf("%w: %s", core.ErrCallableNotFound, nameOrID)
	}
	return nil, err
}

// CategoryFor reports the explicit category of a callable, or AGENT for
// agent-type callables.
func (r *Registry) CategoryFor(ctx context.Context, name string) (core.Category, bool) {
	def, err := r.Lookup(ctx, name)
	if err != nil {
		return "", false
	}
	if def.Category != "" {
		return def.Category, true
	}
	if strings.EqualFold(def.Type, "agent") {
		return core.CategoryAgent, true
	}
	return "", false
}

// LinkToAgent grants agentID access to callableID. Linking twice is not an
// error.
func (r *Registry) LinkToAgent(ctx context.Context, agentID, callableID string) error {
	if agentID == "" || callableID == "" {
		return fmt.Errorf("agent id and callable id are required: %w", core.ErrInvalidConfiguration)
	}
	if _, err := r.store.GetCallable(ctx, callableID); err != nil {
		if errors.Is(err, core.ErrCallableNotFound) {
			return fmt.Errorf("%w: %s", core.ErrCallableNotFound, callableID)
		}
		return err
	}

	err := r.store.InsertLink(ctx, core.AgentCallableLink{
		AgentID:    agentID,
		CallableID: callableID,
		CreatedAt:  r.now(),
	})
	if errors.Is(err, core.ErrDuplicateLink) {
		r.logger.Debug("Callable already linked", map[string]interface{}{
			"operation":   "link_callable",
			"agent_id":    agentID,
			"callable_id": callableID,
		})
		return nil
	}
	return err
}

// Unlink removes a link. Removing a missing link succeeds.
func (r *Registry) Unlink(ctx context.Context, agentID, callableID string) error {
	return r.store.DeleteLink(ctx, agentID, callableID)
}

// ListForAgent returns the callables linked to agentID ordered by name.
func (r *Registry) ListForAgent(ctx context.Context, agentID string) ([]core.CallableDefinition, error) {
	return r.store.ListCallablesForAgent(ctx, agentID)
}

// Run syncs once immediately and then every interval until ctx is done.
// Sync failures are logged and retried on the next tick.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	r.syncLogged(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Catalog sync loop stopped", map[string]interface{}{
				"operation": "sync_loop",
			})
			return
		case <-ticker.C:
			r.syncLogged(ctx)
		}
	}
}

func (r *Registry) syncLogged(ctx context.Context) {
	if _, err := r.SyncFromRemoteCatalog(ctx); err != nil && ctx.Err() == nil {
		r.logger.Warn("Periodic catalog sync failed", map[string]interface{}{
			"operation": "sync_loop",
			"error":     err.Error(),
		})
	}
}

// snapshot returns the current read cache. An empty cache is filled
// synchronously; a stale one is returned as is while a refresh runs.
func (r *Registry) snapshot(ctx context.Context) (*snapshot, error) {
	snap := r.current.Load()
	if snap == nil {
		v, err, _ := r.refresh.Do("snapshot", func() (interface{}, error) {
			return r.load(ctx)
		})
		if err != nil {
			return nil, err
		}
		return v.(*snapshot), nil
	}

	if r.now().Sub(snap.loadedAt) >= r.ttl {
		bg := context.WithoutCancel(ctx)
		r.refresh.DoChan("snapshot", func() (interface{}, error) {
			s, err := r.load(bg)
			if err != nil {
				r.logger.Warn("Registry cache refresh failed, serving stale", map[string]interface{}{
					"operation": "refresh_registry_cache",
					"error":     err.Error(),
				})
			}
			return s, err
		})
	}
	return snap, nil
}

func (r *Registry) load(ctx context.Context) (*snapshot, error) {
	r.mu.Lock()
	gen := r.generation
	r.mu.Unlock()

	defs, err := r.store.ListCallables(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load callables: %w", err)
	}
	snap := newSnapshot(defs, r.now())
	if !r.install(snap, gen) {
		r.logger.Debug("Discarding registry snapshot read before a sync", map[string]interface{}{
			"operation": "refresh_registry_cache",
		})
		if cur := r.current.Load(); cur != nil {
			return cur, nil
		}
	}
	return snap, nil
}

// invalidate drops the read cache and starts a new generation.
func (r *Registry) invalidate() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation++
	r.current.Store(nil)
	return r.generation
}

// install stores snap unless a sync has started since gen was taken.
func (r *Registry) install(snap *snapshot, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generation != gen {
		return false
	}
	r.current.Store(snap)
	return true
}

func cloneDefs(defs []core.CallableDefinition) []core.CallableDefinition {
	out := make([]core.CallableDefinition, len(defs))
	copy(out, defs)
	return out
}
