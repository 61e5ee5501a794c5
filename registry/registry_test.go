package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/callrelay/core"
)

type fakeCatalog struct {
	mu    sync.Mutex
	defs  []core.CallableDefinition
	err   error
	calls int
}

func (f *fakeCatalog) FetchCatalog(ctx context.Context) ([]core.CallableDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]core.CallableDefinition, len(f.defs))
	copy(out, f.defs)
	return out, nil
}

func (f *fakeCatalog) set(defs ...core.CallableDefinition) {
	f.mu.Lock()
	f.defs = defs
	f.mu.Unlock()
}

// countingStore counts list reads and can hold them until released.
type countingStore struct {
	Store
	lists atomic.Int32
	gate  chan struct{}
}

func (c *countingStore) ListCallables(ctx context.Context) ([]core.CallableDefinition, error) {
	c.lists.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	return c.Store.ListCallables(ctx)
}

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestRegistry_SyncFromRemoteCatalog(t *testing.T) {
	ctx := context.Background()
	source := &fakeCatalog{}
	source.set(
		core.CallableDefinition{ID: "c2", Name: "summarize"},
		core.CallableDefinition{ID: "c1", Name: "archive"},
	)
	clock := &manualClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}

	reg := New(NewMemoryStore(), WithCatalogSource(source))
	reg.now = clock.Now

	defs, err := reg.SyncFromRemoteCatalog(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "archive", defs[0].Name)
	assert.Equal(t, clock.t, defs[0].LastSyncedAt)
	assert.Equal(t, clock.t, defs[1].UpdatedAt)

	// renamed remotely; the next sync replaces the row and the read cache
	source.set(core.CallableDefinition{ID: "c2", Name: "digest"})
	_, err = reg.SyncFromRemoteCatalog(ctx)
	require.NoError(t, err)

	all, err := reg.ListAvailable(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2, "callables missing from the remote are kept")
	assert.Equal(t, "archive", all[0].Name)
	assert.Equal(t, "digest", all[1].Name)
}

func TestRegistry_SyncErrors(t *testing.T) {
	reg := New(NewMemoryStore())
	_, err := reg.SyncFromRemoteCatalog(context.Background())
	assert.ErrorIs(t, err, core.ErrMissingConfiguration)

	boom := errors.New("remote down")
	reg = New(NewMemoryStore(), WithCatalogSource(&fakeCatalog{err: boom}))
	_, err = reg.SyncFromRemoteCatalog(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestRegistry_ListAvailableCachesWithinTTL(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	require.NoError(t, mem.UpsertCallables(ctx, []core.CallableDefinition{{ID: "c1", Name: "archive"}}))
	store := &countingStore{Store: mem}

	clock := &manualClock{t: time.Now()}
	reg := New(store, WithCacheTTL(time.Minute))
	reg.now = clock.Now

	for i := 0; i < 5; i++ {
		defs, err := reg.ListAvailable(ctx)
		require.NoError(t, err)
		require.Len(t, defs, 1)
	}
	assert.Equal(t, int32(1), store.lists.Load())

	// callers get copies
	defs, _ := reg.ListAvailable(ctx)
	defs[0].Name = "mutated"
	again, _ := reg.ListAvailable(ctx)
	assert.Equal(t, "archive", again[0].Name)
}

func TestRegistry_ServesStaleWhileRefreshing(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	require.NoError(t, mem.UpsertCallables(ctx, []core.CallableDefinition{{ID: "c1", Name: "archive"}}))
	store := &countingStore{Store: mem}

	clock := &manualClock{t: time.Now()}
	reg := New(store, WithCacheTTL(time.Minute))
	reg.now = clock.Now

	_, err := reg.ListAvailable(ctx)
	require.NoError(t, err)

	require.NoError(t, mem.UpsertCallables(ctx, []core.CallableDefinition{{ID: "c2", Name: "summarize"}}))
	store.gate = make(chan struct{})
	clock.Advance(2 * time.Minute)

	// stale reads return immediately, even while the refresh is blocked
	for i := 0; i < 3; i++ {
		done := make(chan []core.CallableDefinition, 1)
		go func() {
			defs, _ := reg.ListAvailable(ctx)
			done <- defs
		}()
		select {
		case defs := <-done:
			assert.Len(t, defs, 1)
		case <-time.After(time.Second):
			t.Fatal("reader blocked on refresh")
		}
	}

	close(store.gate)
	require.Eventually(t, func() bool {
		defs, _ := reg.ListAvailable(ctx)
		return len(defs) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), store.lists.Load(), "one initial load and one shared refresh")
}

// heldStore reads the store on the next armed list, then holds the result
// until release is closed.
type heldStore struct {
	Store
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (h *heldStore) ListCallables(ctx context.Context) ([]core.CallableDefinition, error) {
	if !h.armed.CompareAndSwap(true, false) {
		return h.Store.ListCallables(ctx)
	}
	defs, err := h.Store.ListCallables(ctx)
	close(h.entered)
	<-h.release
	return defs, err
}

func TestRegistry_SyncWinsOverEarlierRefresh(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	require.NoError(t, mem.UpsertCallables(ctx, []core.CallableDefinition{{ID: "a", Name: "archive"}}))
	store := &heldStore{Store: mem, entered: make(chan struct{}), release: make(chan struct{})}

	source := &fakeCatalog{}
	source.set(core.CallableDefinition{ID: "a", Name: "archive"}, core.CallableDefinition{ID: "b", Name: "bookmark"})

	clock := &manualClock{t: time.Now()}
	reg := New(store, WithCacheTTL(time.Minute), WithCatalogSource(source))
	reg.now = clock.Now

	defs, err := reg.ListAvailable(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 1)

	// the stale read starts a refresh that captures the pre-sync catalog
	store.armed.Store(true)
	clock.Advance(2 * time.Minute)
	_, err = reg.ListAvailable(ctx)
	require.NoError(t, err)
	select {
	case <-store.entered:
	case <-time.After(time.Second):
		t.Fatal("background refresh did not start")
	}

	synced, err := reg.SyncFromRemoteCatalog(ctx)
	require.NoError(t, err)
	require.Len(t, synced, 2)

	close(store.release)
	// wait for the held refresh to finish
	reg.refresh.Do("snapshot", func() (interface{}, error) { return nil, nil })

	defs, err = reg.ListAvailable(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, 2)
	_, cached := reg.current.Load().find("bookmark")
	assert.True(t, cached, "synced callable must be in the read cache")
}

func TestRegistry_Lookup(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	require.NoError(t, mem.UpsertCallables(ctx, []core.CallableDefinition{
		{ID: "c1", Name: "archive", Slug: "archive-notes", Category: core.CategoryWrite},
		{ID: "c2", Name: "research", Type: "agent"},
		{ID: "c3", Name: "search"},
	}))
	reg := New(mem)

	for _, key := range []string{"c1", "archive", "archive-notes"} {
		def, err := reg.Lookup(ctx, key)
		require.NoError(t, err, key)
		assert.Equal(t, "c1", def.ID)
	}

	_, err := reg.Lookup(ctx, "nope")
	assert.ErrorIs(t, err, core.ErrCallableNotFound)

	// upserted after the snapshot, found by id through the store
	require.NoError(t, mem.UpsertCallables(ctx, []core.CallableDefinition{{ID: "c9", Name: "late"}}))
	def, err := reg.Lookup(ctx, "c9")
	require.NoError(t, err)
	assert.Equal(t, "late", def.Name)

	cat, ok := reg.CategoryFor(ctx, "archive")
	assert.True(t, ok)
	assert.Equal(t, core.CategoryWrite, cat)
	cat, ok = reg.CategoryFor(ctx, "research")
	assert.True(t, ok)
	assert.Equal(t, core.CategoryAgent, cat)
	_, ok = reg.CategoryFor(ctx, "search")
	assert.False(t, ok)
}

func TestRegistry_Links(t *testing.T) {
	ctx := context.Background()
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.UpsertCallables(ctx, []core.CallableDefinition{
				{ID: "c1", Name: "archive"},
				{ID: "c2", Name: "summarize"},
			}))
			reg := New(store)

			require.NoError(t, reg.LinkToAgent(ctx, "agent-1", "c2"))
			require.NoError(t, reg.LinkToAgent(ctx, "agent-1", "c2"), "duplicate link is success")
			require.NoError(t, reg.LinkToAgent(ctx, "agent-1", "c1"))

			err := reg.LinkToAgent(ctx, "agent-1", "missing")
			assert.ErrorIs(t, err, core.ErrCallableNotFound)

			defs, err := reg.ListForAgent(ctx, "agent-1")
			require.NoError(t, err)
			require.Len(t, defs, 2)
			assert.Equal(t, []string{"archive", "summarize"}, []string{defs[0].Name, defs[1].Name})

			require.NoError(t, reg.Unlink(ctx, "agent-1", "c1"))
			require.NoError(t, reg.Unlink(ctx, "agent-1", "c1"))
			defs, err = reg.ListForAgent(ctx, "agent-1")
			require.NoError(t, err)
			require.Len(t, defs, 1)
			assert.Equal(t, "c2", defs[0].ID)
		})
	}
}

func TestRegistry_Run(t *testing.T) {
	source := &fakeCatalog{}
	source.set(core.CallableDefinition{ID: "c1", Name: "archive"})
	reg := New(NewMemoryStore(), WithCatalogSource(source))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reg.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		source.mu.Lock()
		defer source.mu.Unlock()
		return source.calls >= 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	defs, err := reg.ListAvailable(context.Background())
	require.NoError(t, err)
	assert.Len(t, defs, 1)
}
