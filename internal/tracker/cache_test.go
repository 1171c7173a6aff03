package tracker_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vramdispatch/dispatcher/internal/coordstore"
	"github.com/vramdispatch/dispatcher/internal/tracker"
)

// fakeClusterCache is a minimal in-memory stand-in for *rmap.Map, mirroring
// the Get/Set/Delete subset tracker.ClusterCache requires.
type fakeClusterCache struct {
	mu     sync.Mutex
	values map[string]string
	gets   int
}

func newFakeClusterCache() *fakeClusterCache {
	return &fakeClusterCache{values: make(map[string]string)}
}

func (c *fakeClusterCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	v, ok := c.values[key]
	return v, ok
}

func (c *fakeClusterCache) Set(_ context.Context, key, value string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.values[key]
	c.values[key] = value
	return prev, nil
}

func (c *fakeClusterCache) Delete(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.values[key]
	delete(c.values, key)
	return prev, nil
}

func TestProtectedModelsCachedFallsBackOnMiss(t *testing.T) {
	ctx := context.Background()
	store := coordstore.NewFake()
	cache := newFakeClusterCache()
	tr := tracker.New(store).WithClusterCache(cache)

	require.NoError(t, tr.MarkActive(ctx, "llama3", "task-1"))

	protected, err := tr.ProtectedModelsCached(ctx)
	require.NoError(t, err)
	require.Contains(t, protected, "llama3")
}

func TestProtectedModelsCachedServesFromSnapshot(t *testing.T) {
	ctx := context.Background()
	store := coordstore.NewFake()
	cache := newFakeClusterCache()
	tr := tracker.New(store).WithClusterCache(cache)

	require.NoError(t, tr.MarkActive(ctx, "llama3", "task-1"))

	_, err := tr.ProtectedModelsCached(ctx)
	require.NoError(t, err)

	protected, err := tr.ProtectedModelsCached(ctx)
	require.NoError(t, err)
	require.Contains(t, protected, "llama3")
	require.Equal(t, 2, cache.gets)
}

func TestProtectedModelsCachedInvalidatesOnWrite(t *testing.T) {
	ctx := context.Background()
	store := coordstore.NewFake()
	cache := newFakeClusterCache()
	tr := tracker.New(store).WithClusterCache(cache)

	require.NoError(t, tr.MarkActive(ctx, "llama3", "task-1"))
	_, err := tr.ProtectedModelsCached(ctx)
	require.NoError(t, err)

	require.NoError(t, tr.MarkInactive(ctx, "llama3", "task-1"))

	protected, err := tr.ProtectedModelsCached(ctx)
	require.NoError(t, err)
	require.NotContains(t, protected, "llama3")
}
