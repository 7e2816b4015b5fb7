package types

// PermissionChain is the composed permission stage of an endpoint.
// nil means allow; any descriptor halts dispatch.
type PermissionChain func(ctx *RequestCtx) *Error

// BeforeChain is the composed before stage terminated by the handler.
type BeforeChain func(ctx *RequestCtx) (interface{}, *Error)

// AfterChain is the composed after stage. It receives the handler
// outcome (response or fault descriptor) and yields the final value.
type AfterChain func(ctx *RequestCtx, response interface{}) (interface{}, *Error)

// HandlerFunc is the terminal business handler of an endpoint. A
// returned *Error is preserved as-is; any other error becomes a
// HANDLER_FAULT with the original swallowed from the client view.
type HandlerFunc func(ctx *RequestCtx) (interface{}, error)

// Endpoint is a fully composed, immutable dispatch target.
type Endpoint interface {
	Method() string
	Path() string

	// Authorize runs only the permission chain, consulting the
	// permission cache when enabled.
	Authorize(ctx *RequestCtx) *Error

	// Dispatch runs the whole pipeline: permission, before chain,
	// handler, after chain.
	Dispatch(ctx *RequestCtx) (interface{}, *Error)
}

// PermissionCache memoizes permission chain outcomes per
// (method, path, actor). All outcomes are cached, including denials
// and fault descriptors; entries live until Flush.
type PermissionCache interface {
	Evaluate(method, path, actor string, compute func() *Error) *Error
	Flush()
	Size() int
}
