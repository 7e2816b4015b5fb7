package middleware

import (
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-gate/logger"
	"github.com/saiset-co/sai-gate/types"
)

func testLogger() types.Logger {
	return logger.NewZapWrapper(zap.NewNop())
}

func newCtx(method, path string) *types.RequestCtx {
	fctx := &fasthttp.RequestCtx{}
	fctx.Request.Header.SetMethod(method)
	fctx.Request.SetRequestURI(path)
	return &types.RequestCtx{RequestCtx: fctx}
}

// beforeNext yields result and records whether the chain continued.
func beforeNext(result interface{}, called *bool) types.BeforeNext {
	return func(ctx *types.RequestCtx) (interface{}, *types.Error) {
		*called = true
		return result, nil
	}
}

// afterNext yields the stage input, matching the pipeline contract.
func afterNext(stageInput interface{}, called *bool) types.AfterNext {
	return func(ctx *types.RequestCtx) (interface{}, *types.Error) {
		*called = true
		return stageInput, nil
	}
}
