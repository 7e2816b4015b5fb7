package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-gate/logger"
	"github.com/saiset-co/sai-gate/types"
)

func testCache(t *testing.T, config *types.CacheConfig) types.CacheManager {
	t.Helper()

	if config == nil {
		config = &types.CacheConfig{}
	}

	manager, err := NewMemoryCache(context.Background(), logger.NewZapWrapper(zap.NewNop()), config)
	require.NoError(t, err)
	return manager
}

func TestSetGetRoundTrip(t *testing.T) {
	cache := testCache(t, nil)

	_, found := cache.Get("greeting")
	assert.False(t, found)

	require.NoError(t, cache.Set("greeting", "hello", time.Minute))

	value, found := cache.Get("greeting")
	require.True(t, found)
	assert.Equal(t, "hello", value)
	assert.Equal(t, 1, cache.Size())
}

func TestSetRejectsEmptyKey(t *testing.T) {
	cache := testCache(t, nil)

	assert.ErrorIs(t, cache.Set("", "value", time.Minute), types.ErrCacheKeyEmpty)
}

func TestOverwriteReplacesValue(t *testing.T) {
	cache := testCache(t, nil)

	require.NoError(t, cache.Set("key", "first", time.Minute))
	require.NoError(t, cache.Set("key", "second", time.Minute))

	value, found := cache.Get("key")
	require.True(t, found)
	assert.Equal(t, "second", value)
	assert.Equal(t, 1, cache.Size())
}

func TestEntriesExpire(t *testing.T) {
	cache := testCache(t, nil)

	require.NoError(t, cache.Set("ephemeral", 42, 10*time.Millisecond))

	_, found := cache.Get("ephemeral")
	require.True(t, found)

	time.Sleep(25 * time.Millisecond)

	_, found = cache.Get("ephemeral")
	assert.False(t, found)
	assert.Equal(t, 0, cache.Size(), "an expired entry read back is dropped")
}

func TestDeleteRemovesEntry(t *testing.T) {
	cache := testCache(t, nil)

	require.NoError(t, cache.Set("key", "value", time.Minute))
	require.NoError(t, cache.Delete("key"))

	_, found := cache.Get("key")
	assert.False(t, found)

	assert.NoError(t, cache.Delete("absent"), "deleting an unknown key is not an error")
}

func TestInvalidateDropsDependentEntries(t *testing.T) {
	cache := testCache(t, nil)

	require.NoError(t, cache.SetWithDependencies("items:1", "a", time.Minute, []string{"items"}))
	require.NoError(t, cache.SetWithDependencies("items:2", "b", time.Minute, []string{"items"}))
	require.NoError(t, cache.SetWithDependencies("users:1", "c", time.Minute, []string{"users"}))

	require.NoError(t, cache.Invalidate("items"))

	_, found := cache.Get("items:1")
	assert.False(t, found)
	_, found = cache.Get("items:2")
	assert.False(t, found)

	value, found := cache.Get("users:1")
	require.True(t, found, "entries under other dependencies survive")
	assert.Equal(t, "c", value)
	assert.Equal(t, 1, cache.Size())
}

func TestBuildCacheKeyIsDeterministic(t *testing.T) {
	cache := testCache(t, nil)

	first := cache.BuildCacheKey("/api/items", []string{"items"}, map[string]string{
		"actor": "alice",
		"query": "page=2",
	})
	second := cache.BuildCacheKey("/api/items", []string{"items"}, map[string]string{
		"query": "page=2",
		"actor": "alice",
	})

	assert.Equal(t, first, second, "metadata order must not change the key")
	assert.Contains(t, first, "/api/items")

	other := cache.BuildCacheKey("/api/items", []string{"items"}, map[string]string{
		"actor": "bob",
		"query": "page=2",
	})
	assert.NotEqual(t, first, other)
}

func TestInvalidateRotatesDerivedKeys(t *testing.T) {
	cache := testCache(t, nil)

	before := cache.BuildCacheKey("/api/items", []string{"items"}, nil)
	stable := cache.BuildCacheKey("/api/users", []string{"users"}, nil)

	require.NoError(t, cache.Invalidate("items"))

	assert.NotEqual(t, before, cache.BuildCacheKey("/api/items", []string{"items"}, nil))
	assert.Equal(t, stable, cache.BuildCacheKey("/api/users", []string{"users"}, nil),
		"unrelated dependencies keep their keys")
}

func TestFlushClearsEntriesButKeepsRevisions(t *testing.T) {
	cache := testCache(t, nil)

	require.NoError(t, cache.SetWithDependencies("items:1", "a", time.Minute, []string{"items"}))
	before := cache.BuildCacheKey("/api/items", []string{"items"}, nil)

	require.NoError(t, cache.Flush())

	assert.Equal(t, 0, cache.Size())
	assert.Equal(t, before, cache.BuildCacheKey("/api/items", []string{"items"}, nil),
		"a flush empties the cache without rotating derived keys")
}

func TestEvictionDropsOldestAtCapacity(t *testing.T) {
	cache := testCache(t, &types.CacheConfig{
		Config: map[string]interface{}{"max_entries": 3, "cleanup_interval": "5m"},
	})

	require.NoError(t, cache.Set("first", 1, time.Minute))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, cache.Set("second", 2, time.Minute))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, cache.Set("third", 3, time.Minute))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, cache.Set("fourth", 4, time.Minute))

	assert.Equal(t, 3, cache.Size())

	_, found := cache.Get("first")
	assert.False(t, found, "the oldest entry makes room")

	for _, key := range []string{"second", "third", "fourth"} {
		_, found := cache.Get(key)
		assert.True(t, found, key)
	}
}

func TestBackgroundCleanupSweepsExpired(t *testing.T) {
	cache := testCache(t, &types.CacheConfig{
		Config: map[string]interface{}{"max_entries": 100, "cleanup_interval": "20ms"},
	})

	require.NoError(t, cache.Start())
	defer cache.Stop()

	require.NoError(t, cache.Set("ephemeral", 1, 10*time.Millisecond))

	assert.Eventually(t, func() bool {
		return cache.Size() == 0
	}, time.Second, 10*time.Millisecond, "the cleanup routine drops expired entries without reads")
}

func TestCacheLifecycleGates(t *testing.T) {
	cache := testCache(t, nil)

	require.NoError(t, cache.Set("key", "value", time.Minute))

	require.NoError(t, cache.Start())
	assert.True(t, cache.IsRunning())
	assert.ErrorIs(t, cache.Start(), types.ErrServerAlreadyRunning)

	require.NoError(t, cache.Stop())
	assert.False(t, cache.IsRunning())
	assert.ErrorIs(t, cache.Stop(), types.ErrServerNotRunning)

	_, found := cache.Get("key")
	assert.False(t, found, "stop clears the store")
}
