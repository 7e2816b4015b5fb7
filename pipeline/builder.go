package pipeline

import (
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-gate/types"
)

// Builder composes the three chains of an endpoint once, at
// registration time. Composition runs right to left so execution reads
// left to right: group units outermost, action units innermost, the
// terminal last.
type Builder struct {
	logger    types.Logger
	permCache types.PermissionCache

	stagePermission types.Histogram
	stageBefore     types.Histogram
	stageHandler    types.Histogram
	stageAfter      types.Histogram
}

var stageBuckets = []float64{0.0005, 0.005, 0.05, 0.5, 5}

// NewBuilder wires the builder. permCache may be nil, which disables
// permission memoization for every endpoint built here; metrics may be
// nil, which skips stage timing.
func NewBuilder(logger types.Logger, permCache types.PermissionCache, metrics types.MetricsManager) *Builder {
	b := &Builder{
		logger:    logger,
		permCache: permCache,
	}

	if metrics != nil {
		b.stagePermission = metrics.Histogram("pipeline_stage_duration_seconds", stageBuckets,
			map[string]string{"stage": "permission"})
		b.stageBefore = metrics.Histogram("pipeline_stage_duration_seconds", stageBuckets,
			map[string]string{"stage": "before"})
		b.stageHandler = metrics.Histogram("pipeline_stage_duration_seconds", stageBuckets,
			map[string]string{"stage": "handler"})
		b.stageAfter = metrics.Histogram("pipeline_stage_duration_seconds", stageBuckets,
			map[string]string{"stage": "after"})
	}

	return b
}

// foldRight wraps terminal with each unit, last unit first, so the
// first unit of the sequence ends up outermost.
func foldRight[U any, C any](units []U, terminal C, wrap func(U, C) C) C {
	chain := terminal
	for i := len(units) - 1; i >= 0; i-- {
		chain = wrap(units[i], chain)
	}
	return chain
}

// Build validates the scopes, assembles the chains and freezes the
// entities on success. group may be nil for standalone routes.
func (b *Builder) Build(group *Group, route *Route, action *Action) (*Endpoint, error) {
	if route == nil {
		return nil, types.Errorf(types.ErrConfiguration, "route is nil")
	}
	if action == nil {
		return nil, types.ConfigErrorf(types.ErrRouteWithoutAction, "route %s %s", route.Method(), route.Path())
	}
	if action.Handler() == nil {
		return nil, types.ConfigErrorf(types.ErrHandlerIsNil, "action %s", action.ActionName())
	}
	if route.Method() == "" || route.Path() == "" {
		return nil, types.Errorf(types.ErrConfiguration, "route %q %q needs a method and a path", route.Method(), route.Path())
	}

	sources := make([]types.MiddlewareSource, 0, 3)
	scopes := make([]*MiddlewareSet, 0, 3)
	if group != nil {
		sources = append(sources, group)
		scopes = append(scopes, &group.MiddlewareSet)
	}
	sources = append(sources, route, action)
	scopes = append(scopes, &route.MiddlewareSet, &action.MiddlewareSet)

	for _, scope := range scopes {
		if err := scope.checkDefect(); err != nil {
			return nil, err
		}
	}

	seq := collect(sources...)

	afterChain := b.buildAfterChain(seq.after)
	beforeChain := b.buildBeforeChain(seq.before, b.terminal(action, afterChain))
	permissionChain := b.buildPermissionChain(seq.permission)

	endpoint := &Endpoint{
		method:     route.Method(),
		path:       joinPath(groupPrefix(group), route.Path()),
		permission: b.timedPermission(permissionChain),
		pipeline:   b.timedBefore(beforeChain),
		permCache:  b.permCache,
	}

	for _, scope := range scopes {
		scope.freeze()
	}

	return endpoint, nil
}

func (b *Builder) buildPermissionChain(units []types.PermissionUnit) types.PermissionChain {
	chain := foldRight(units, types.PermissionNext(allowAll),
		func(unit types.PermissionUnit, next types.PermissionNext) types.PermissionNext {
			return func(ctx *types.RequestCtx) (halt *types.Error) {
				defer func() {
					if r := recover(); r != nil {
						b.logUnitPanic(types.KindPermission, unit.Name(), r)
						halt = types.PermissionFault()
					}
				}()
				return unit.Permit(ctx, next)
			}
		})

	return types.PermissionChain(chain)
}

func allowAll(_ *types.RequestCtx) *types.Error { return nil }

func (b *Builder) buildBeforeChain(units []types.BeforeUnit, terminal types.BeforeNext) types.BeforeChain {
	chain := foldRight(units, terminal,
		func(unit types.BeforeUnit, next types.BeforeNext) types.BeforeNext {
			return func(ctx *types.RequestCtx) (response interface{}, halt *types.Error) {
				defer func() {
					if r := recover(); r != nil {
						b.logUnitPanic(types.KindBefore, unit.Name(), r)
						response, halt = nil, types.BeforeFault()
					}
				}()
				return unit.Before(ctx, next)
			}
		})

	return types.BeforeChain(chain)
}

func (b *Builder) buildAfterChain(units []types.AfterUnit) types.AfterChain {
	terminal := types.AfterChain(func(_ *types.RequestCtx, response interface{}) (interface{}, *types.Error) {
		return response, nil
	})

	return foldRight(units, terminal,
		func(unit types.AfterUnit, next types.AfterChain) types.AfterChain {
			return func(ctx *types.RequestCtx, response interface{}) (interface{}, *types.Error) {
				out, halt := b.runAfterUnit(unit, ctx, response)
				if halt != nil {
					return nil, halt
				}
				return next(ctx, out)
			}
		})
}

// runAfterUnit guards one after stage. next yields the stage's input
// response regardless of what the unit does with it, so a unit can
// replace the response for downstream stages but cannot hide the
// request from them.
func (b *Builder) runAfterUnit(unit types.AfterUnit, ctx *types.RequestCtx, response interface{}) (out interface{}, halt *types.Error) {
	defer func() {
		if r := recover(); r != nil {
			b.logUnitPanic(types.KindAfter, unit.Name(), r)
			out, halt = nil, types.AfterFault()
		}
	}()

	next := types.AfterNext(func(_ *types.RequestCtx) (interface{}, *types.Error) {
		return response, nil
	})

	return unit.After(ctx, response, next)
}

// terminal invokes the action handler and feeds its outcome, success or
// fault descriptor alike, through the after chain. A descriptor that
// survives the after chain untouched is surfaced as the halt.
func (b *Builder) terminal(action *Action, after types.AfterChain) types.BeforeNext {
	return func(ctx *types.RequestCtx) (interface{}, *types.Error) {
		var current interface{}

		result, fault := b.runHandler(action, ctx)
		if fault != nil {
			current = fault
		} else {
			current = result
		}

		afterStart := time.Now()
		out, halt := after(ctx, current)
		if b.stageAfter != nil {
			b.stageAfter.ObserveDuration(afterStart)
		}

		if halt != nil {
			return nil, halt
		}
		if descriptor, ok := out.(*types.Error); ok {
			return nil, descriptor
		}
		return out, nil
	}
}

func (b *Builder) runHandler(action *Action, ctx *types.RequestCtx) (result interface{}, halt *types.Error) {
	start := time.Now()
	defer func() {
		if b.stageHandler != nil {
			b.stageHandler.ObserveDuration(start)
		}
		if r := recover(); r != nil {
			b.logger.ErrorWithStack("handler panic", string(debug.Stack()),
				zap.String("action", action.ActionName()),
				zap.Any("panic", r),
			)
			result, halt = nil, types.HandlerFault()
		}
	}()

	result, err := action.Handler()(ctx)
	if err != nil {
		if descriptor, ok := types.AsError(err); ok {
			return nil, descriptor
		}
		b.logger.ErrorWithErrStack("handler failed", err,
			zap.String("action", action.ActionName()),
		)
		return nil, types.HandlerFault()
	}

	return result, nil
}

// timedPermission and timedBefore observe whole-chain durations; the
// before figure covers the handler and the after chain too, since both
// execute inside the composed before pipeline.
func (b *Builder) timedPermission(chain types.PermissionChain) types.PermissionChain {
	if b.stagePermission == nil {
		return chain
	}

	return func(ctx *types.RequestCtx) *types.Error {
		start := time.Now()
		defer b.stagePermission.ObserveDuration(start)
		return chain(ctx)
	}
}

func (b *Builder) timedBefore(chain types.BeforeChain) types.BeforeChain {
	if b.stageBefore == nil {
		return chain
	}

	return func(ctx *types.RequestCtx) (interface{}, *types.Error) {
		start := time.Now()
		defer b.stageBefore.ObserveDuration(start)
		return chain(ctx)
	}
}

func (b *Builder) logUnitPanic(kind types.Kind, unitName string, recovered interface{}) {
	b.logger.ErrorWithStack("pipeline unit panic", string(debug.Stack()),
		zap.String("kind", kind.String()),
		zap.String("unit", unitName),
		zap.Any("panic", recovered),
	)
}

func groupPrefix(group *Group) string {
	if group == nil {
		return ""
	}
	return group.Prefix()
}

func joinPath(prefix, path string) string {
	if prefix == "" {
		return path
	}

	prefix = strings.TrimSuffix(prefix, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	return prefix + path
}
