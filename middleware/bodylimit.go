package middleware

import (
	"bytes"
	"strconv"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-gate/types"
)

// BodyLimitUnit rejects oversized request bodies before the handler
// allocates anything for them. Declared Content-Length is trusted when
// present; chunked uploads fall back to the received body size.
type BodyLimitUnit struct {
	name    string
	maxSize int64
}

type BodyLimitParams struct {
	MaxBodySize int64 `json:"max_body_size" validate:"min=1"`
}

var bodyMethods = []byte("POST PUT PATCH DELETE")

func NewBodyLimitUnit(params BodyLimitParams) (*BodyLimitUnit, error) {
	if params.MaxBodySize < 1 {
		return nil, types.Errorf(types.ErrConfiguration, "body limit must be positive, got %d", params.MaxBodySize)
	}

	return &BodyLimitUnit{
		name:    "body_limit",
		maxSize: params.MaxBodySize,
	}, nil
}

func (bl *BodyLimitUnit) Name() string { return bl.name }

func (bl *BodyLimitUnit) Before(ctx *types.RequestCtx, next types.BeforeNext) (interface{}, *types.Error) {
	if !bytes.Contains(bodyMethods, ctx.Method()) {
		return next(ctx)
	}

	contentLength := ctx.Request.Header.ContentLength()

	if contentLength > 0 && int64(contentLength) > bl.maxSize {
		return nil, bl.halt()
	}

	if contentLength <= 0 || bl.isChunked(ctx) {
		if int64(len(ctx.PostBody())) > bl.maxSize {
			return nil, bl.halt()
		}
	}

	return next(ctx)
}

func (bl *BodyLimitUnit) isChunked(ctx *types.RequestCtx) bool {
	return bytes.Equal(ctx.Request.Header.Peek(fasthttp.HeaderTransferEncoding), chunkedEncoding)
}

func (bl *BodyLimitUnit) halt() *types.Error {
	return types.Halt("BODY_TOO_LARGE",
		"request body exceeds "+strconv.FormatInt(bl.maxSize, 10)+" bytes",
		fasthttp.StatusRequestEntityTooLarge)
}

var chunkedEncoding = []byte("chunked")

// BodyLimitCreator registers the body size guard.
func BodyLimitCreator() types.BeforeCreator {
	return func(params map[string]interface{}) (types.BeforeUnit, error) {
		cfg := &BodyLimitParams{MaxBodySize: 10 * 1024 * 1024}
		if err := decodeParams(params, cfg); err != nil {
			return nil, err
		}
		return NewBodyLimitUnit(*cfg)
	}
}
