package types

import "github.com/valyala/fasthttp"

// Stage fault and denial codes carried on the Error surface. Callers
// distinguish "denied" from "internal fault" by Code, never by a raw
// panic escaping the pipeline.
const (
	CodePermissionDenied = "PERMISSION_DENIED"
	CodePermissionFault  = "PERMISSION_FAULT"
	CodeBeforeDenied     = "BEFORE_DENIED"
	CodeBeforeFault      = "BEFORE_FAULT"
	CodeHandlerFault     = "HANDLER_FAULT"
	CodeAfterFault       = "AFTER_FAULT"
)

// Error is the structured halt descriptor returned by pipelines. A nil
// *Error means "proceed". Instances may be shared across requests (the
// permission cache memoizes them), so they are treated as immutable
// once constructed.
type Error struct {
	Code         string            `json:"error"`
	Message      string            `json:"message"`
	HTTPStatus   int               `json:"-"`
	ExtraHeaders map[string]string `json:"-"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Halt builds a descriptor with an arbitrary code and status. Units use
// it for domain-specific denials (rate limits, body limits).
func Halt(code, message string, status int) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		HTTPStatus: status,
	}
}

// WithHeader attaches an extra response header and returns the
// descriptor for chaining. Only valid during construction.
func (e *Error) WithHeader(key, value string) *Error {
	if e.ExtraHeaders == nil {
		e.ExtraHeaders = make(map[string]string, 2)
	}
	e.ExtraHeaders[key] = value
	return e
}

func PermissionDenied(message string) *Error {
	if message == "" {
		message = "permission denied"
	}
	return Halt(CodePermissionDenied, message, fasthttp.StatusForbidden)
}

func BeforeDenied(message string) *Error {
	if message == "" {
		message = "request rejected"
	}
	return Halt(CodeBeforeDenied, message, fasthttp.StatusForbidden)
}

// Fault descriptors carry a generic message; the unit that faulted is
// logged, not exposed to the caller.
func PermissionFault() *Error {
	return Halt(CodePermissionFault, "internal error", fasthttp.StatusInternalServerError)
}

func BeforeFault() *Error {
	return Halt(CodeBeforeFault, "internal error", fasthttp.StatusInternalServerError)
}

func HandlerFault() *Error {
	return Halt(CodeHandlerFault, "internal error", fasthttp.StatusInternalServerError)
}

func AfterFault() *Error {
	return Halt(CodeAfterFault, "internal error", fasthttp.StatusInternalServerError)
}

// AsError reports whether err carries a halt descriptor and returns it.
func AsError(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	if e, ok := err.(*Error); ok {
		return e, true
	}
	return nil, false
}
