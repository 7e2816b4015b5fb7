package types

// Kind tags the three middleware variants. Each kind has its own
// compile-time contract; there is no runtime instance sniffing.
type Kind uint8

const (
	KindPermission Kind = iota
	KindBefore
	KindAfter
)

func (k Kind) String() string {
	switch k {
	case KindPermission:
		return "permission"
	case KindBefore:
		return "before"
	case KindAfter:
		return "after"
	default:
		return "unknown"
	}
}

// Unit is the capability shared by all middleware variants. Instances
// are built once at registration time and shared read-only across
// concurrent requests; they must not hold per-request state.
type Unit interface {
	Name() string
}

// PermissionNext continues the permission chain. A nil result is an
// allow; a non-nil descriptor halts the request before any before-unit
// or the handler runs.
type PermissionNext func(ctx *RequestCtx) *Error

type PermissionUnit interface {
	Unit
	Permit(ctx *RequestCtx, next PermissionNext) *Error
}

// BeforeNext continues the before chain down to the terminal handler.
// A unit either forwards via next (and may transform the result) or
// returns a halt descriptor without calling next, which skips every
// downstream stage including the handler and the after chain.
type BeforeNext func(ctx *RequestCtx) (interface{}, *Error)

type BeforeUnit interface {
	Unit
	Before(ctx *RequestCtx, next BeforeNext) (interface{}, *Error)
}

// AfterNext yields the response that entered the current after stage,
// unchanged. The value an after unit returns feeds the next after stage
// whether or not next was invoked: an after unit can replace the
// response but cannot starve later after units.
type AfterNext func(ctx *RequestCtx) (interface{}, *Error)

type AfterUnit interface {
	Unit
	After(ctx *RequestCtx, response interface{}, next AfterNext) (interface{}, *Error)
}

// MiddlewareSource is satisfied by every middleware-aware entity
// (group, route, action). Getters return the units in declaration
// order.
type MiddlewareSource interface {
	PermissionUnits() []PermissionUnit
	BeforeUnits() []BeforeUnit
	AfterUnits() []AfterUnit
}

// Creators build units from configuration params; the registry
// validates params before invoking them.
type (
	PermissionCreator func(params map[string]interface{}) (PermissionUnit, error)
	BeforeCreator     func(params map[string]interface{}) (BeforeUnit, error)
	AfterCreator      func(params map[string]interface{}) (AfterUnit, error)
)

type permissionFunc struct {
	name string
	fn   func(ctx *RequestCtx, next PermissionNext) *Error
}

func (u *permissionFunc) Name() string { return u.name }

func (u *permissionFunc) Permit(ctx *RequestCtx, next PermissionNext) *Error {
	return u.fn(ctx, next)
}

// PermissionUnitFunc adapts a bare function into a PermissionUnit.
func PermissionUnitFunc(name string, fn func(ctx *RequestCtx, next PermissionNext) *Error) PermissionUnit {
	return &permissionFunc{name: name, fn: fn}
}

type beforeFunc struct {
	name string
	fn   func(ctx *RequestCtx, next BeforeNext) (interface{}, *Error)
}

func (u *beforeFunc) Name() string { return u.name }

func (u *beforeFunc) Before(ctx *RequestCtx, next BeforeNext) (interface{}, *Error) {
	return u.fn(ctx, next)
}

// BeforeUnitFunc adapts a bare function into a BeforeUnit.
func BeforeUnitFunc(name string, fn func(ctx *RequestCtx, next BeforeNext) (interface{}, *Error)) BeforeUnit {
	return &beforeFunc{name: name, fn: fn}
}

type afterFunc struct {
	name string
	fn   func(ctx *RequestCtx, response interface{}, next AfterNext) (interface{}, *Error)
}

func (u *afterFunc) Name() string { return u.name }

func (u *afterFunc) After(ctx *RequestCtx, response interface{}, next AfterNext) (interface{}, *Error) {
	return u.fn(ctx, response, next)
}

// AfterUnitFunc adapts a bare function into an AfterUnit.
func AfterUnitFunc(name string, fn func(ctx *RequestCtx, response interface{}, next AfterNext) (interface{}, *Error)) AfterUnit {
	return &afterFunc{name: name, fn: fn}
}
