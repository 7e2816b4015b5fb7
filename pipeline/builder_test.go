package pipeline

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-gate/logger"
	"github.com/saiset-co/sai-gate/permcache"
	"github.com/saiset-co/sai-gate/types"
)

func testLogger() types.Logger {
	return logger.NewZapWrapper(zap.NewNop())
}

func testBuilder() *Builder {
	return NewBuilder(testLogger(), nil, nil)
}

func newRequestCtx(method, path string) *types.RequestCtx {
	fctx := &fasthttp.RequestCtx{}
	fctx.Request.Header.SetMethod(method)
	fctx.Request.SetRequestURI(path)
	return &types.RequestCtx{RequestCtx: fctx}
}

func tracePermission(trace *[]string, name string) types.PermissionUnit {
	return types.PermissionUnitFunc(name, func(ctx *types.RequestCtx, next types.PermissionNext) *types.Error {
		*trace = append(*trace, "permission:"+name)
		return next(ctx)
	})
}

func traceBefore(trace *[]string, name string) types.BeforeUnit {
	return types.BeforeUnitFunc(name, func(ctx *types.RequestCtx, next types.BeforeNext) (interface{}, *types.Error) {
		*trace = append(*trace, "before:"+name)
		return next(ctx)
	})
}

func traceAfter(trace *[]string, name string) types.AfterUnit {
	return types.AfterUnitFunc(name, func(ctx *types.RequestCtx, response interface{}, next types.AfterNext) (interface{}, *types.Error) {
		*trace = append(*trace, "after:"+name)
		return next(ctx)
	})
}

func greetingHandler(trace *[]string) types.HandlerFunc {
	return func(ctx *types.RequestCtx) (interface{}, error) {
		if trace != nil {
			*trace = append(*trace, "handler")
		}
		return map[string]string{"say": "Hello"}, nil
	}
}

func TestBuildExecutionOrderAcrossScopes(t *testing.T) {
	var trace []string

	group := NewGroup("/api").
		WithPermission(tracePermission(&trace, "g")).
		WithBefore(traceBefore(&trace, "g")).
		WithAfter(traceAfter(&trace, "g"))

	route := NewRoute("GET", "/hello").
		WithPermission(tracePermission(&trace, "r")).
		WithBefore(traceBefore(&trace, "r")).
		WithAfter(traceAfter(&trace, "r"))

	action := NewAction("hello.say", greetingHandler(&trace)).
		WithPermission(tracePermission(&trace, "a")).
		WithBefore(traceBefore(&trace, "a")).
		WithAfter(traceAfter(&trace, "a"))

	endpoint, err := testBuilder().Build(group, route, action)
	require.NoError(t, err)
	assert.Equal(t, "GET", endpoint.Method())
	assert.Equal(t, "/api/hello", endpoint.Path())

	result, halt := endpoint.Dispatch(newRequestCtx("GET", "/api/hello"))
	require.Nil(t, halt)
	assert.Equal(t, map[string]string{"say": "Hello"}, result)

	assert.Equal(t, []string{
		"permission:g", "permission:r", "permission:a",
		"before:g", "before:r", "before:a",
		"handler",
		"after:g", "after:r", "after:a",
	}, trace)
}

func TestEmptyPipelineIsIdentity(t *testing.T) {
	route := NewRoute("GET", "/hello")
	action := NewAction("hello.say", greetingHandler(nil))

	endpoint, err := testBuilder().Build(nil, route, action)
	require.NoError(t, err)
	assert.Equal(t, "/hello", endpoint.Path())

	result, halt := endpoint.Dispatch(newRequestCtx("GET", "/hello"))
	require.Nil(t, halt)
	assert.Equal(t, map[string]string{"say": "Hello"}, result)
}

func TestPermissionDenialShortCircuits(t *testing.T) {
	var trace []string

	deny := types.PermissionUnitFunc("deny_all", func(ctx *types.RequestCtx, next types.PermissionNext) *types.Error {
		return types.PermissionDenied("nobody passes")
	})

	route := NewRoute("GET", "/locked").
		WithPermission(deny).
		WithBefore(traceBefore(&trace, "r")).
		WithAfter(traceAfter(&trace, "r"))
	action := NewAction("locked", greetingHandler(&trace))

	endpoint, err := testBuilder().Build(nil, route, action)
	require.NoError(t, err)

	result, halt := endpoint.Dispatch(newRequestCtx("GET", "/locked"))
	require.NotNil(t, halt)
	assert.Nil(t, result)
	assert.Equal(t, types.CodePermissionDenied, halt.Code)
	assert.Equal(t, fasthttp.StatusForbidden, halt.HTTPStatus)
	assert.Empty(t, trace, "denial must skip before units, the handler and after units")
}

func TestPermissionChainStopsAtFirstDenial(t *testing.T) {
	var trace []string

	deny := types.PermissionUnitFunc("deny", func(ctx *types.RequestCtx, next types.PermissionNext) *types.Error {
		trace = append(trace, "deny")
		return types.PermissionDenied("")
	})

	route := NewRoute("GET", "/x").
		WithPermission(tracePermission(&trace, "first"), deny, tracePermission(&trace, "never"))
	action := NewAction("x", greetingHandler(nil))

	endpoint, err := testBuilder().Build(nil, route, action)
	require.NoError(t, err)

	_, halt := endpoint.Dispatch(newRequestCtx("GET", "/x"))
	require.NotNil(t, halt)
	assert.Equal(t, []string{"permission:first", "deny"}, trace)
}

func TestBeforeHaltSkipsDownstream(t *testing.T) {
	var trace []string

	reject := types.BeforeUnitFunc("reject", func(ctx *types.RequestCtx, next types.BeforeNext) (interface{}, *types.Error) {
		return nil, types.Halt("TOO_LARGE", "body too large", fasthttp.StatusRequestEntityTooLarge)
	})

	route := NewRoute("POST", "/upload").
		WithBefore(traceBefore(&trace, "first"), reject, traceBefore(&trace, "never")).
		WithAfter(traceAfter(&trace, "never"))
	action := NewAction("upload", greetingHandler(&trace))

	endpoint, err := testBuilder().Build(nil, route, action)
	require.NoError(t, err)

	result, halt := endpoint.Dispatch(newRequestCtx("POST", "/upload"))
	require.NotNil(t, halt)
	assert.Nil(t, result)
	assert.Equal(t, "TOO_LARGE", halt.Code)
	assert.Equal(t, fasthttp.StatusRequestEntityTooLarge, halt.HTTPStatus)
	assert.Equal(t, []string{"before:first"}, trace,
		"a before halt skips later before units, the handler and the after chain")
}

func TestBeforeUnitMayTransformResult(t *testing.T) {
	wrap := types.BeforeUnitFunc("wrap", func(ctx *types.RequestCtx, next types.BeforeNext) (interface{}, *types.Error) {
		result, halt := next(ctx)
		if halt != nil {
			return nil, halt
		}
		return map[string]interface{}{"wrapped": result}, nil
	})

	route := NewRoute("GET", "/hello").WithBefore(wrap)
	action := NewAction("hello", greetingHandler(nil))

	endpoint, err := testBuilder().Build(nil, route, action)
	require.NoError(t, err)

	result, halt := endpoint.Dispatch(newRequestCtx("GET", "/hello"))
	require.Nil(t, halt)
	assert.Equal(t, map[string]interface{}{"wrapped": map[string]string{"say": "Hello"}}, result)
}

func TestPermissionPanicBecomesPermissionFault(t *testing.T) {
	var trace []string

	boom := types.PermissionUnitFunc("boom", func(ctx *types.RequestCtx, next types.PermissionNext) *types.Error {
		panic("permission exploded")
	})

	route := NewRoute("GET", "/x").WithPermission(boom)
	action := NewAction("x", greetingHandler(&trace))

	endpoint, err := testBuilder().Build(nil, route, action)
	require.NoError(t, err)

	_, halt := endpoint.Dispatch(newRequestCtx("GET", "/x"))
	require.NotNil(t, halt)
	assert.Equal(t, types.CodePermissionFault, halt.Code)
	assert.Equal(t, fasthttp.StatusInternalServerError, halt.HTTPStatus)
	assert.Empty(t, trace)
}

func TestBeforePanicBecomesBeforeFault(t *testing.T) {
	var trace []string

	boom := types.BeforeUnitFunc("boom", func(ctx *types.RequestCtx, next types.BeforeNext) (interface{}, *types.Error) {
		panic("before exploded")
	})

	route := NewRoute("GET", "/x").WithBefore(boom)
	action := NewAction("x", greetingHandler(&trace))

	endpoint, err := testBuilder().Build(nil, route, action)
	require.NoError(t, err)

	_, halt := endpoint.Dispatch(newRequestCtx("GET", "/x"))
	require.NotNil(t, halt)
	assert.Equal(t, types.CodeBeforeFault, halt.Code)
	assert.Empty(t, trace, "the handler must not run after a before fault")
}

func TestAfterPanicBecomesAfterFault(t *testing.T) {
	boom := types.AfterUnitFunc("boom", func(ctx *types.RequestCtx, response interface{}, next types.AfterNext) (interface{}, *types.Error) {
		panic("after exploded")
	})

	route := NewRoute("GET", "/x").WithAfter(boom)
	action := NewAction("x", greetingHandler(nil))

	endpoint, err := testBuilder().Build(nil, route, action)
	require.NoError(t, err)

	result, halt := endpoint.Dispatch(newRequestCtx("GET", "/x"))
	require.NotNil(t, halt)
	assert.Nil(t, result)
	assert.Equal(t, types.CodeAfterFault, halt.Code)
}

func TestAfterFaultHaltsRemainingAfterChain(t *testing.T) {
	var trace []string

	boom := types.AfterUnitFunc("boom", func(ctx *types.RequestCtx, response interface{}, next types.AfterNext) (interface{}, *types.Error) {
		panic("after exploded")
	})

	route := NewRoute("GET", "/x").
		WithAfter(traceAfter(&trace, "first"), boom, traceAfter(&trace, "never"))
	action := NewAction("x", greetingHandler(nil))

	endpoint, err := testBuilder().Build(nil, route, action)
	require.NoError(t, err)

	_, halt := endpoint.Dispatch(newRequestCtx("GET", "/x"))
	require.NotNil(t, halt)
	assert.Equal(t, types.CodeAfterFault, halt.Code)
	assert.Equal(t, []string{"after:first"}, trace)
}

func TestHandlerPanicBecomesHandlerFaultAndAfterChainStillRuns(t *testing.T) {
	var trace []string

	route := NewRoute("GET", "/x").WithAfter(traceAfter(&trace, "observer"))
	action := NewAction("x", func(ctx *types.RequestCtx) (interface{}, error) {
		panic("handler exploded")
	})

	endpoint, err := testBuilder().Build(nil, route, action)
	require.NoError(t, err)

	result, halt := endpoint.Dispatch(newRequestCtx("GET", "/x"))
	require.NotNil(t, halt)
	assert.Nil(t, result)
	assert.Equal(t, types.CodeHandlerFault, halt.Code)
	assert.Equal(t, []string{"after:observer"}, trace,
		"a handler fault still flows through the after chain")
}

func TestHandlerPlainErrorBecomesHandlerFault(t *testing.T) {
	route := NewRoute("GET", "/x")
	action := NewAction("x", func(ctx *types.RequestCtx) (interface{}, error) {
		return nil, fmt.Errorf("database is gone")
	})

	endpoint, err := testBuilder().Build(nil, route, action)
	require.NoError(t, err)

	_, halt := endpoint.Dispatch(newRequestCtx("GET", "/x"))
	require.NotNil(t, halt)
	assert.Equal(t, types.CodeHandlerFault, halt.Code)
	assert.Equal(t, fasthttp.StatusInternalServerError, halt.HTTPStatus)
}

func TestHandlerAuthoredDescriptorIsPreserved(t *testing.T) {
	route := NewRoute("GET", "/teapot")
	action := NewAction("teapot", func(ctx *types.RequestCtx) (interface{}, error) {
		return nil, types.Halt("I_AM_A_TEAPOT", "short and stout", fasthttp.StatusTeapot)
	})

	endpoint, err := testBuilder().Build(nil, route, action)
	require.NoError(t, err)

	_, halt := endpoint.Dispatch(newRequestCtx("GET", "/teapot"))
	require.NotNil(t, halt)
	assert.Equal(t, "I_AM_A_TEAPOT", halt.Code)
	assert.Equal(t, fasthttp.StatusTeapot, halt.HTTPStatus)
}

func TestAfterUnitReplacementFeedsDownstreamUnits(t *testing.T) {
	var second interface{}

	replace := types.AfterUnitFunc("replace", func(ctx *types.RequestCtx, response interface{}, next types.AfterNext) (interface{}, *types.Error) {
		return "replaced", nil
	})
	observe := types.AfterUnitFunc("observe", func(ctx *types.RequestCtx, response interface{}, next types.AfterNext) (interface{}, *types.Error) {
		second = response

		// next yields this stage's input untouched, whatever we do.
		fromNext, halt := next(ctx)
		require.Nil(t, halt)
		assert.Equal(t, response, fromNext)

		return response, nil
	})

	route := NewRoute("GET", "/x").WithAfter(replace, observe)
	action := NewAction("x", greetingHandler(nil))

	endpoint, err := testBuilder().Build(nil, route, action)
	require.NoError(t, err)

	result, halt := endpoint.Dispatch(newRequestCtx("GET", "/x"))
	require.Nil(t, halt)
	assert.Equal(t, "replaced", second, "the second after unit must see the replacement")
	assert.Equal(t, "replaced", result)
}

func TestAfterUnitMayRecoverHandlerFault(t *testing.T) {
	recoverUnit := types.AfterUnitFunc("recover", func(ctx *types.RequestCtx, response interface{}, next types.AfterNext) (interface{}, *types.Error) {
		if _, ok := response.(*types.Error); ok {
			return map[string]string{"degraded": "true"}, nil
		}
		return next(ctx)
	})

	route := NewRoute("GET", "/x").WithAfter(recoverUnit)
	action := NewAction("x", func(ctx *types.RequestCtx) (interface{}, error) {
		return nil, errors.New("broken")
	})

	endpoint, err := testBuilder().Build(nil, route, action)
	require.NoError(t, err)

	result, halt := endpoint.Dispatch(newRequestCtx("GET", "/x"))
	require.Nil(t, halt)
	assert.Equal(t, map[string]string{"degraded": "true"}, result)
}

func TestDuplicateUnitInstancesRunTwice(t *testing.T) {
	var trace []string
	unit := traceBefore(&trace, "dup")

	route := NewRoute("GET", "/x").WithBefore(unit, unit)
	action := NewAction("x", greetingHandler(nil))

	endpoint, err := testBuilder().Build(nil, route, action)
	require.NoError(t, err)

	_, halt := endpoint.Dispatch(newRequestCtx("GET", "/x"))
	require.Nil(t, halt)
	assert.Equal(t, []string{"before:dup", "before:dup"}, trace)
}

func TestFrozenScopeRejectsLateAttachment(t *testing.T) {
	builder := testBuilder()

	route := NewRoute("GET", "/x")
	action := NewAction("x", greetingHandler(nil))

	_, err := builder.Build(nil, route, action)
	require.NoError(t, err)

	route.WithBefore(traceBefore(new([]string), "late"))

	_, err = builder.Build(nil, route, NewAction("x2", greetingHandler(nil)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrScopeFrozen))
	assert.True(t, errors.Is(err, types.ErrConfiguration))
}

func TestNilUnitIsARegistrationDefect(t *testing.T) {
	route := NewRoute("GET", "/x").WithBefore(nil)
	action := NewAction("x", greetingHandler(nil))

	_, err := testBuilder().Build(nil, route, action)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrUnitIsNil))
	assert.True(t, errors.Is(err, types.ErrConfiguration))
}

func TestBuildValidatesScopes(t *testing.T) {
	builder := testBuilder()

	_, err := builder.Build(nil, nil, NewAction("x", greetingHandler(nil)))
	assert.Error(t, err)

	_, err = builder.Build(nil, NewRoute("GET", "/x"), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrRouteWithoutAction))

	_, err = builder.Build(nil, NewRoute("GET", "/x"), NewAction("x", nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrHandlerIsNil))

	_, err = builder.Build(nil, NewRoute("", ""), NewAction("x", greetingHandler(nil)))
	assert.Error(t, err)
}

func TestAuthorizeMemoizesPerActor(t *testing.T) {
	var computes int

	gate := types.PermissionUnitFunc("count", func(ctx *types.RequestCtx, next types.PermissionNext) *types.Error {
		computes++
		if ctx.Actor() == "intruder" {
			return types.PermissionDenied("known intruder")
		}
		return next(ctx)
	})

	cache := permcache.NewCache(testLogger(), nil)
	builder := NewBuilder(testLogger(), cache, nil)

	route := NewRoute("GET", "/secure").WithPermission(gate)
	action := NewAction("secure", greetingHandler(nil))

	endpoint, err := builder.Build(nil, route, action)
	require.NoError(t, err)

	alice := newRequestCtx("GET", "/secure")
	alice.SetActor("alice")

	require.Nil(t, endpoint.Authorize(alice))
	require.Nil(t, endpoint.Authorize(alice))
	assert.Equal(t, 1, computes, "same actor must hit the memoized outcome")

	intruder := newRequestCtx("GET", "/secure")
	intruder.SetActor("intruder")

	first := endpoint.Authorize(intruder)
	require.NotNil(t, first)
	second := endpoint.Authorize(intruder)
	require.NotNil(t, second)
	assert.Same(t, first, second, "denials replay the stored descriptor")
	assert.Equal(t, 2, computes, "each actor computes once")

	cache.Flush()
	require.Nil(t, endpoint.Authorize(alice))
	assert.Equal(t, 3, computes, "flush forces recomputation")
}

func TestAuthorizeWithoutCacheRecomputes(t *testing.T) {
	var computes int

	gate := types.PermissionUnitFunc("count", func(ctx *types.RequestCtx, next types.PermissionNext) *types.Error {
		computes++
		return next(ctx)
	})

	route := NewRoute("GET", "/x").WithPermission(gate)
	action := NewAction("x", greetingHandler(nil))

	endpoint, err := testBuilder().Build(nil, route, action)
	require.NoError(t, err)

	ctx := newRequestCtx("GET", "/x")
	require.Nil(t, endpoint.Authorize(ctx))
	require.Nil(t, endpoint.Authorize(ctx))
	assert.Equal(t, 2, computes)
}

func TestAnonymousActorSharesCacheKey(t *testing.T) {
	var computes int

	gate := types.PermissionUnitFunc("count", func(ctx *types.RequestCtx, next types.PermissionNext) *types.Error {
		computes++
		return next(ctx)
	})

	cache := permcache.NewCache(testLogger(), nil)
	builder := NewBuilder(testLogger(), cache, nil)

	endpoint, err := builder.Build(nil, NewRoute("GET", "/x").WithPermission(gate), NewAction("x", greetingHandler(nil)))
	require.NoError(t, err)

	require.Nil(t, endpoint.Authorize(newRequestCtx("GET", "/x")))
	require.Nil(t, endpoint.Authorize(newRequestCtx("GET", "/x")))
	assert.Equal(t, 1, computes, "anonymous requests share the sentinel actor key")
}

func TestJoinPath(t *testing.T) {
	cases := []struct {
		prefix string
		path   string
		want   string
	}{
		{"", "/hello", "/hello"},
		{"/api", "/hello", "/api/hello"},
		{"/api/", "/hello", "/api/hello"},
		{"/api", "hello", "/api/hello"},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, joinPath(tc.prefix, tc.path), "prefix=%q path=%q", tc.prefix, tc.path)
	}
}
