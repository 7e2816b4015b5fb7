package utils

import (
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-gate/types"
)

const fallbackFaultBody = `{"error":"HANDLER_FAULT","message":"internal error"}`

// WriteJSON encodes payload into the response body. Encoding failures
// degrade to a generic fault so the client always receives valid JSON.
func WriteJSON(ctx *fasthttp.RequestCtx, status int, payload interface{}) {
	ctx.SetContentType("application/json")

	buf := GetBuffer()
	defer PutBuffer(buf)

	if err := MarshalToBuffer(payload, buf); err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString(fallbackFaultBody)
		return
	}

	ctx.SetStatusCode(status)
	ctx.SetBody(append([]byte(nil), buf.Bytes()...))
}

// WriteHalt renders a pipeline halt descriptor: extra headers first,
// then the status and the {"error","message"} body.
func WriteHalt(ctx *fasthttp.RequestCtx, halt *types.Error) {
	for name, value := range halt.ExtraHeaders {
		ctx.Response.Header.Set(name, value)
	}

	status := halt.HTTPStatus
	if status == 0 {
		status = fasthttp.StatusInternalServerError
	}

	WriteJSON(ctx, status, halt)
}
