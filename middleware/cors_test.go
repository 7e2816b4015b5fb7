package middleware

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-gate/types"
)

func TestCORSSkipsNonCrossOriginRequests(t *testing.T) {
	unit := NewCORSUnit(CORSParams{})

	called := false
	_, halt := unit.Before(newCtx("GET", "/api/data"), beforeNext(nil, &called))
	require.Nil(t, halt)
	assert.True(t, called)
}

func TestCORSRejectsDisallowedOrigin(t *testing.T) {
	unit := NewCORSUnit(CORSParams{AllowedOrigins: []string{"https://app.example.com"}})

	ctx := newCtx("GET", "/api/data")
	ctx.Request.Header.Set("Origin", "https://evil.example.net")

	called := false
	_, halt := unit.Before(ctx, beforeNext(nil, &called))
	require.NotNil(t, halt)
	assert.False(t, called)
	assert.Equal(t, "CORS_FORBIDDEN", halt.Code)
	assert.Equal(t, fasthttp.StatusForbidden, halt.HTTPStatus)
}

func TestCORSStampsAllowedRequest(t *testing.T) {
	unit := NewCORSUnit(CORSParams{
		AllowedOrigins: []string{"https://app.example.com"},
		ExposedHeaders: []string{"X-Request-ID"},
	})

	ctx := newCtx("GET", "/api/data")
	ctx.Request.Header.Set("Origin", "https://app.example.com")

	called := false
	_, halt := unit.Before(ctx, beforeNext(nil, &called))
	require.Nil(t, halt)
	assert.True(t, called)
	assert.Equal(t, "https://app.example.com",
		string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")))
	assert.Equal(t, "X-Request-ID",
		string(ctx.Response.Header.Peek("Access-Control-Expose-Headers")))
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	unit := NewCORSUnit(CORSParams{
		AllowedOrigins: []string{"https://app.example.com"},
		AllowedMethods: []string{"GET", "POST"},
		MaxAge:         600,
	})

	ctx := newCtx("OPTIONS", "/api/data")
	ctx.Request.Header.Set("Origin", "https://app.example.com")

	called := false
	result, halt := unit.Before(ctx, beforeNext(nil, &called))
	require.Nil(t, halt)
	assert.False(t, called, "preflights never reach the handler")

	raw, ok := result.(*types.RawResponse)
	require.True(t, ok)
	assert.Equal(t, fasthttp.StatusNoContent, raw.Status)
	assert.Equal(t, "GET, POST",
		string(ctx.Response.Header.Peek("Access-Control-Allow-Methods")))
	assert.Equal(t, "600",
		string(ctx.Response.Header.Peek("Access-Control-Max-Age")))
}

func TestCORSWildcardSubdomains(t *testing.T) {
	unit := NewCORSUnit(CORSParams{AllowedOrigins: []string{"*.example.com"}})

	assert.True(t, unit.originAllowed([]byte("api.example.com")))
	assert.True(t, unit.originAllowed([]byte("example.com")))
	assert.False(t, unit.originAllowed([]byte("evilexample.com")))
	assert.False(t, unit.originAllowed([]byte(".example.com")))
}

func TestPreflightHandlerAnswersUnmatchedOptions(t *testing.T) {
	handler := PreflightHandler(CORSParams{AllowedOrigins: []string{"https://app.example.com"}})

	fctx := &fasthttp.RequestCtx{}
	fctx.Request.Header.SetMethod("OPTIONS")
	fctx.Request.SetRequestURI("/api/anything")
	fctx.Request.Header.Set("Origin", "https://app.example.com")

	handler(fctx)
	assert.Equal(t, fasthttp.StatusNoContent, fctx.Response.StatusCode())
	assert.NotEmpty(t, fctx.Response.Header.Peek("Access-Control-Allow-Methods"))

	denied := &fasthttp.RequestCtx{}
	denied.Request.Header.SetMethod("OPTIONS")
	denied.Request.SetRequestURI("/api/anything")
	denied.Request.Header.Set("Origin", "https://evil.example.net")

	handler(denied)
	assert.Equal(t, fasthttp.StatusForbidden, denied.Response.StatusCode())
}

func TestPreflightFromConfig(t *testing.T) {
	handler, ok, err := PreflightFromConfig(nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, handler)

	cfg := &types.MiddlewaresConfig{
		Enabled: true,
		CORS: &types.MiddlewareItemConfig{
			Enabled: true,
			Params:  map[string]interface{}{"allowed_origins": []interface{}{"https://app.example.com"}},
		},
	}

	handler, ok, err = PreflightFromConfig(cfg)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotNil(t, handler)
}
