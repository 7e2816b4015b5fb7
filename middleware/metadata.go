package middleware

import (
	"bytes"
	"time"

	"github.com/google/uuid"

	"github.com/saiset-co/sai-gate/types"
)

// RequestMetaUnit stamps the request context with the identifiers the
// rest of the pipeline keys on: request id, client address, actor and
// arrival time. It runs first in any scope that wants those values, so
// attach it before units that consume them.
type RequestMetaUnit struct {
	name              string
	generateRequestID bool
	actorHeader       []byte
	trustProxyHeaders bool
}

type RequestMetaParams struct {
	GenerateRequestID bool   `json:"generate_request_id"`
	ActorHeader       string `json:"actor_header"`
	TrustProxyHeaders bool   `json:"trust_proxy_headers"`
}

var (
	requestIDHeader = []byte("X-Request-ID")
	realIPHeader    = []byte("X-Real-IP")
	forwardedHeader = []byte("X-Forwarded-For")
)

func NewRequestMetaUnit(params RequestMetaParams) *RequestMetaUnit {
	return &RequestMetaUnit{
		name:              "request_meta",
		generateRequestID: params.GenerateRequestID,
		actorHeader:       []byte(params.ActorHeader),
		trustProxyHeaders: params.TrustProxyHeaders,
	}
}

func (m *RequestMetaUnit) Name() string { return m.name }

func (m *RequestMetaUnit) Before(ctx *types.RequestCtx, next types.BeforeNext) (interface{}, *types.Error) {
	ctx.SetStartedAt(time.Now())

	requestID := string(ctx.Request.Header.PeekBytes(requestIDHeader))
	if requestID == "" && m.generateRequestID {
		requestID = uuid.NewString()
	}
	if requestID != "" {
		ctx.SetRequestID(requestID)
		ctx.Response.Header.SetBytesK(requestIDHeader, requestID)
	}

	ctx.SetClientIP(m.resolveClientIP(ctx))

	if len(m.actorHeader) > 0 {
		if actor := ctx.Request.Header.PeekBytes(m.actorHeader); len(actor) > 0 {
			ctx.SetActor(string(actor))
		}
	}

	return next(ctx)
}

func (m *RequestMetaUnit) resolveClientIP(ctx *types.RequestCtx) string {
	if m.trustProxyHeaders {
		if realIP := ctx.Request.Header.PeekBytes(realIPHeader); len(realIP) > 0 {
			return string(realIP)
		}

		if forwarded := ctx.Request.Header.PeekBytes(forwardedHeader); len(forwarded) > 0 {
			if comma := bytes.IndexByte(forwarded, ','); comma > 0 {
				return string(bytes.TrimSpace(forwarded[:comma]))
			}
			return string(bytes.TrimSpace(forwarded))
		}
	}

	return ctx.RemoteIP().String()
}

// RequestMetaCreator registers the metadata stamper.
func RequestMetaCreator() types.BeforeCreator {
	return func(params map[string]interface{}) (types.BeforeUnit, error) {
		cfg := &RequestMetaParams{
			GenerateRequestID: true,
			ActorHeader:       "X-Actor-ID",
			TrustProxyHeaders: true,
		}
		if err := decodeParams(params, cfg); err != nil {
			return nil, err
		}
		return NewRequestMetaUnit(*cfg), nil
	}
}
