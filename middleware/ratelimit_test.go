package middleware

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func TestRateLimitAllowsWithinBudget(t *testing.T) {
	unit, err := NewRateLimitUnit(nil, RateLimitParams{Limit: 3, WindowSeconds: 60})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		called := false
		result, halt := unit.Before(newCtx("GET", "/api/data"), beforeNext("ok", &called))
		require.Nil(t, halt, "request %d within budget", i+1)
		assert.True(t, called)
		assert.Equal(t, "ok", result)
	}
}

func TestRateLimitRejectsOverBudget(t *testing.T) {
	unit, err := NewRateLimitUnit(nil, RateLimitParams{Limit: 1, WindowSeconds: 60})
	require.NoError(t, err)

	called := false
	_, halt := unit.Before(newCtx("GET", "/api/data"), beforeNext("ok", &called))
	require.Nil(t, halt)
	assert.True(t, called)

	called = false
	_, halt = unit.Before(newCtx("GET", "/api/data"), beforeNext("ok", &called))
	require.NotNil(t, halt)
	assert.False(t, called, "rejected request must not reach the handler")
	assert.Equal(t, "RATE_LIMITED", halt.Code)
	assert.Equal(t, fasthttp.StatusTooManyRequests, halt.HTTPStatus)
	assert.Equal(t, "1", halt.ExtraHeaders["X-RateLimit-Limit"])

	retryAfter, err := strconv.ParseInt(halt.ExtraHeaders["Retry-After"], 10, 64)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retryAfter, int64(1))
	assert.LessOrEqual(t, retryAfter, int64(60), "retry hint never exceeds the window")
}

func TestRateLimitKeysByActor(t *testing.T) {
	unit, err := NewRateLimitUnit(nil, RateLimitParams{Limit: 1, WindowSeconds: 60, KeyBy: KeyByActor})
	require.NoError(t, err)

	alice := newCtx("GET", "/api/data")
	alice.SetActor("alice")
	bob := newCtx("GET", "/api/data")
	bob.SetActor("bob")

	called := false
	_, halt := unit.Before(alice, beforeNext(nil, &called))
	require.Nil(t, halt)

	// A different actor has an independent budget.
	_, halt = unit.Before(bob, beforeNext(nil, &called))
	require.Nil(t, halt)

	aliceAgain := newCtx("GET", "/api/data")
	aliceAgain.SetActor("alice")
	_, halt = unit.Before(aliceAgain, beforeNext(nil, &called))
	require.NotNil(t, halt)
}

func TestRateLimitBudgetIsSharedAcrossPaths(t *testing.T) {
	unit, err := NewRateLimitUnit(nil, RateLimitParams{Limit: 1, WindowSeconds: 60})
	require.NoError(t, err)

	called := false
	_, halt := unit.Before(newCtx("GET", "/api/a"), beforeNext(nil, &called))
	require.Nil(t, halt)

	// Same client, different path: the budget is per client, not per route.
	_, halt = unit.Before(newCtx("GET", "/api/b"), beforeNext(nil, &called))
	require.NotNil(t, halt)
}

func TestRateLimitParamsValidated(t *testing.T) {
	_, err := NewRateLimitUnit(nil, RateLimitParams{Limit: 0, WindowSeconds: 60})
	assert.Error(t, err)

	_, err = NewRateLimitUnit(nil, RateLimitParams{Limit: 5, WindowSeconds: 0})
	assert.Error(t, err)
}

func TestRateLimitCreatorDefaults(t *testing.T) {
	creator := RateLimitCreator(nil)

	unit, err := creator(nil)
	require.NoError(t, err)
	assert.Equal(t, "rate_limit", unit.Name())

	_, err = creator(map[string]interface{}{"key_by": "session"})
	assert.Error(t, err, "key_by accepts only ip or actor")
}
