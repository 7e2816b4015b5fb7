package middleware

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-gate/cache"
	"github.com/saiset-co/sai-gate/types"
)

func testCache(t *testing.T) types.CacheManager {
	t.Helper()
	manager, err := cache.NewMemoryCache(context.Background(), testLogger(), &types.CacheConfig{})
	require.NoError(t, err)
	return manager
}

func cachePair(t *testing.T, manager types.CacheManager, params ResponseCacheParams) (*ResponseCacheBeforeUnit, *ResponseCacheAfterUnit) {
	t.Helper()

	before, err := NewResponseCacheBeforeUnit(manager, testLogger(), nil, params)
	require.NoError(t, err)
	after, err := NewResponseCacheAfterUnit(manager, testLogger(), params)
	require.NoError(t, err)
	return before, after
}

// runThrough simulates one request crossing the before/after pair with
// the handler result in between.
func runThrough(t *testing.T, before *ResponseCacheBeforeUnit, after *ResponseCacheAfterUnit, ctx *types.RequestCtx, handlerResult interface{}) (interface{}, bool) {
	t.Helper()

	handlerRan := false
	result, halt := before.Before(ctx, beforeNext(handlerResult, &handlerRan))
	require.Nil(t, halt)

	if handlerRan {
		afterCalled := false
		result, halt = after.After(ctx, result, afterNext(result, &afterCalled))
		require.Nil(t, halt)
		require.True(t, afterCalled)
	}

	return result, handlerRan
}

func TestResponseCacheMissThenHit(t *testing.T) {
	before, after := cachePair(t, testCache(t), ResponseCacheParams{TTLSeconds: 60})

	payload := map[string]interface{}{"say": "Hello"}

	result, handlerRan := runThrough(t, before, after, newCtx("GET", "/api/hello"), payload)
	assert.True(t, handlerRan, "first request is a miss")
	assert.Equal(t, payload, result)

	result, handlerRan = runThrough(t, before, after, newCtx("GET", "/api/hello"), nil)
	assert.False(t, handlerRan, "second request is served from cache")
	assert.Equal(t, payload, result)
}

func TestResponseCacheVariesByQuery(t *testing.T) {
	before, after := cachePair(t, testCache(t), ResponseCacheParams{TTLSeconds: 60})

	runThrough(t, before, after, newCtx("GET", "/api/items?page=1"), "page-1")

	_, handlerRan := runThrough(t, before, after, newCtx("GET", "/api/items?page=2"), "page-2")
	assert.True(t, handlerRan, "a different query string is a different key")
}

func TestResponseCacheSkipsUncacheableMethods(t *testing.T) {
	before, after := cachePair(t, testCache(t), ResponseCacheParams{TTLSeconds: 60})

	runThrough(t, before, after, newCtx("POST", "/api/items"), "created")

	_, handlerRan := runThrough(t, before, after, newCtx("POST", "/api/items"), "created")
	assert.True(t, handlerRan, "POST responses are never cached by default")
}

func TestResponseCacheNeverStoresHalts(t *testing.T) {
	manager := testCache(t)
	before, after := cachePair(t, manager, ResponseCacheParams{TTLSeconds: 60})

	ctx := newCtx("GET", "/api/broken")

	handlerRan := false
	result, halt := before.Before(ctx, beforeNext(nil, &handlerRan))
	require.Nil(t, halt)
	require.True(t, handlerRan)
	require.Nil(t, result)

	// The handler faulted; the descriptor flows through the after chain.
	fault := types.HandlerFault()
	afterCalled := false
	_, halt = after.After(ctx, fault, afterNext(fault, &afterCalled))
	require.Nil(t, halt)

	assert.Equal(t, 0, manager.Size(), "halt descriptors are not replayable")
}

func TestResponseCacheVaryByActor(t *testing.T) {
	before, after := cachePair(t, testCache(t), ResponseCacheParams{TTLSeconds: 60, VaryByActor: true})

	alice := newCtx("GET", "/api/profile")
	alice.SetActor("alice")
	runThrough(t, before, after, alice, "alice-profile")

	bob := newCtx("GET", "/api/profile")
	bob.SetActor("bob")
	result, handlerRan := runThrough(t, before, after, bob, "bob-profile")
	assert.True(t, handlerRan, "actors never share entries when varying by actor")
	assert.Equal(t, "bob-profile", result)

	aliceAgain := newCtx("GET", "/api/profile")
	aliceAgain.SetActor("alice")
	result, handlerRan = runThrough(t, before, after, aliceAgain, nil)
	assert.False(t, handlerRan)
	assert.Equal(t, "alice-profile", result)
}

func TestResponseCacheInvalidationByDependency(t *testing.T) {
	manager := testCache(t)
	params := ResponseCacheParams{TTLSeconds: 60, Dependencies: []string{"items"}}
	before, after := cachePair(t, manager, params)

	runThrough(t, before, after, newCtx("GET", "/api/items"), "v1")

	_, handlerRan := runThrough(t, before, after, newCtx("GET", "/api/items"), "v2")
	require.False(t, handlerRan)

	require.NoError(t, manager.Invalidate("items"))

	result, handlerRan := runThrough(t, before, after, newCtx("GET", "/api/items"), "v2")
	assert.True(t, handlerRan, "invalidating the tag rotates the key")
	assert.Equal(t, "v2", result)
}

func TestResponseCacheRequiresManager(t *testing.T) {
	_, err := NewResponseCacheBeforeUnit(nil, testLogger(), nil, ResponseCacheParams{TTLSeconds: 60})
	assert.Error(t, err)

	_, err = NewResponseCacheAfterUnit(nil, testLogger(), ResponseCacheParams{TTLSeconds: 60})
	assert.Error(t, err)
}
