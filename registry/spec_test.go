package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-gate/types"
)

func TestParseSpecBareName(t *testing.T) {
	name, params, err := ParseSpec("rate_limit")
	require.NoError(t, err)
	assert.Equal(t, "rate_limit", name)
	assert.Nil(t, params)
}

func TestParseSpecWithParams(t *testing.T) {
	name, params, err := ParseSpec("rate_limit:limit=100,window_seconds=60,key_by=ip")
	require.NoError(t, err)
	assert.Equal(t, "rate_limit", name)
	assert.Equal(t, map[string]interface{}{
		"limit":          int64(100),
		"window_seconds": int64(60),
		"key_by":         "ip",
	}, params)
}

func TestParseSpecCoercion(t *testing.T) {
	_, params, err := ParseSpec("x:flag=true,count=7,ratio=0.5,label=plain")
	require.NoError(t, err)
	assert.Equal(t, true, params["flag"])
	assert.Equal(t, int64(7), params["count"])
	assert.Equal(t, 0.5, params["ratio"])
	assert.Equal(t, "plain", params["label"])
}

func TestParseSpecTrimsWhitespace(t *testing.T) {
	name, params, err := ParseSpec("  audit : event = request.audit , log_headers = true ")
	require.NoError(t, err)
	assert.Equal(t, "audit", name)
	assert.Equal(t, "request.audit", params["event"])
	assert.Equal(t, true, params["log_headers"])
}

func TestParseSpecTrailingColonMeansNoParams(t *testing.T) {
	name, params, err := ParseSpec("compress:")
	require.NoError(t, err)
	assert.Equal(t, "compress", name)
	assert.Nil(t, params)
}

func TestParseSpecMalformed(t *testing.T) {
	for _, spec := range []string{"", "   ", ":limit=1", "x:limit", "x:=1"} {
		_, _, err := ParseSpec(spec)
		require.Error(t, err, "spec %q", spec)
		assert.True(t, errors.Is(err, types.ErrSpecStringMalformed), "spec %q", spec)
	}
}

func TestFromSpecResolvesWithParams(t *testing.T) {
	reg := New()

	var got map[string]interface{}
	require.NoError(t, reg.RegisterBefore("limiter", func(params map[string]interface{}) (types.BeforeUnit, error) {
		got = params
		return types.BeforeUnitFunc("limiter", func(ctx *types.RequestCtx, next types.BeforeNext) (interface{}, *types.Error) {
			return next(ctx)
		}), nil
	}))

	unit, err := reg.BeforeFromSpec("limiter:limit=3")
	require.NoError(t, err)
	assert.Equal(t, "limiter", unit.Name())
	assert.Equal(t, map[string]interface{}{"limit": int64(3)}, got)
}

func TestFromSpecPropagatesParseErrors(t *testing.T) {
	reg := New()

	_, err := reg.PermissionFromSpec(":broken")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrSpecStringMalformed))

	_, err = reg.AfterFromSpec("missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrUnitNotFound))
}
