package pipeline

import (
	"github.com/saiset-co/sai-gate/types"
)

// Endpoint is an immutable dispatch target produced by Builder.Build.
// Its chains are composed once and shared across concurrent requests.
type Endpoint struct {
	method     string
	path       string
	permission types.PermissionChain
	pipeline   types.BeforeChain
	permCache  types.PermissionCache
}

func (e *Endpoint) Method() string { return e.method }
func (e *Endpoint) Path() string   { return e.path }

// Authorize runs the permission chain for the request's actor. With a
// cache attached the chain computes at most once per
// (method, path, actor); later calls replay the memoized outcome,
// denials and faults included.
func (e *Endpoint) Authorize(ctx *types.RequestCtx) *types.Error {
	if e.permCache == nil {
		return e.permission(ctx)
	}

	return e.permCache.Evaluate(e.method, e.path, ctx.Actor(), func() *types.Error {
		return e.permission(ctx)
	})
}

// Dispatch runs the full pipeline. Permission denials and before halts
// return immediately; handler outcomes, faults included, pass through
// the after chain first.
func (e *Endpoint) Dispatch(ctx *types.RequestCtx) (interface{}, *types.Error) {
	if halt := e.Authorize(ctx); halt != nil {
		return nil, halt
	}

	return e.pipeline(ctx)
}

var _ types.Endpoint = (*Endpoint)(nil)
