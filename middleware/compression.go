package middleware

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-gate/types"
	"github.com/saiset-co/sai-gate/utils"
)

const (
	AlgorithmGzip    = "gzip"
	AlgorithmDeflate = "deflate"
	AlgorithmBrotli  = "br"

	defaultCompressionLevel = 4
	defaultThreshold        = 1024
	minCompressionGain      = 0.05
)

// CompressionUnit compresses the marshaled response body and replaces
// the pipeline result with a RawResponse carrying the encoded bytes.
// After units downstream of this one therefore see bytes, not the
// structured value; attach it last in the after order.
type CompressionUnit struct {
	name         string
	logger       types.Logger
	algorithm    string
	algorithmB   []byte
	level        int
	threshold    int
	allowedTypes []string
	writerPool   sync.Pool
	bufferPool   sync.Pool
}

type CompressionParams struct {
	Algorithm    string   `json:"algorithm" validate:"omitempty,oneof=gzip deflate br"`
	Level        int      `json:"level" validate:"min=-1,max=11"`
	Threshold    int      `json:"threshold" validate:"min=0"`
	AllowedTypes []string `json:"allowed_types"`
}

// pooledWriter is the common surface of the three compressors.
type pooledWriter interface {
	io.WriteCloser
	Reset(w io.Writer)
}

func NewCompressionUnit(logger types.Logger, params CompressionParams) (*CompressionUnit, error) {
	algorithm := params.Algorithm
	if algorithm == "" {
		algorithm = AlgorithmBrotli
	}

	level := params.Level
	if level == 0 {
		level = defaultCompressionLevel
	}
	if algorithm != AlgorithmBrotli && level > 9 {
		return nil, types.Errorf(types.ErrConfiguration, "%s level %d out of range", algorithm, level)
	}

	threshold := params.Threshold
	if threshold == 0 {
		threshold = defaultThreshold
	}

	allowedTypes := params.AllowedTypes
	if len(allowedTypes) == 0 {
		allowedTypes = []string{
			"application/json",
			"application/xml",
			"application/javascript",
			"text/*",
		}
	}

	cu := &CompressionUnit{
		name:         "compression",
		logger:       logger,
		algorithm:    algorithm,
		algorithmB:   []byte(algorithm),
		level:        level,
		threshold:    threshold,
		allowedTypes: allowedTypes,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 4096))
			},
		},
	}

	switch algorithm {
	case AlgorithmGzip:
		cu.writerPool = sync.Pool{
			New: func() interface{} {
				writer, _ := gzip.NewWriterLevel(nil, level)
				return pooledWriter(writer)
			},
		}
	case AlgorithmDeflate:
		cu.writerPool = sync.Pool{
			New: func() interface{} {
				writer, _ := flate.NewWriter(nil, level)
				return pooledWriter(writer)
			},
		}
	case AlgorithmBrotli:
		cu.writerPool = sync.Pool{
			New: func() interface{} {
				return pooledWriter(brotli.NewWriterLevel(nil, level))
			},
		}
	}

	return cu, nil
}

func (c *CompressionUnit) Name() string { return c.name }

func (c *CompressionUnit) After(ctx *types.RequestCtx, response interface{}, next types.AfterNext) (interface{}, *types.Error) {
	if !c.acceptsAlgorithm(ctx) {
		return next(ctx)
	}

	body, contentType, status, ok := c.materialize(response)
	if !ok || len(body) < c.threshold || !c.typeAllowed(contentType) {
		return next(ctx)
	}

	compressed, err := c.compress(body)
	if err != nil {
		c.logger.Error("Compression failed", zap.Error(err))
		return next(ctx)
	}

	gain := 1.0 - float64(len(compressed))/float64(len(body))
	if gain < minCompressionGain {
		return next(ctx)
	}

	c.addVaryHeader(ctx)

	return &types.RawResponse{
		Body:        compressed,
		ContentType: contentType,
		Encoding:    c.algorithm,
		Status:      status,
	}, nil
}

func (c *CompressionUnit) acceptsAlgorithm(ctx *types.RequestCtx) bool {
	acceptEncoding := ctx.Request.Header.Peek("Accept-Encoding")
	return len(acceptEncoding) > 0 && bytes.Contains(acceptEncoding, c.algorithmB)
}

// materialize flattens the response into bytes. Halts and nil results
// pass through untouched; already encoded raw responses are left alone.
func (c *CompressionUnit) materialize(response interface{}) (body []byte, contentType string, status int, ok bool) {
	switch v := response.(type) {
	case nil, *types.Error:
		return nil, "", 0, false
	case *types.RawResponse:
		if v.Encoding != "" {
			return nil, "", 0, false
		}
		return v.Body, v.ContentType, v.Status, true
	default:
		encoded, err := utils.Marshal(response)
		if err != nil {
			c.logger.Error("Response marshal failed before compression", zap.Error(err))
			return nil, "", 0, false
		}
		return encoded, "application/json", 0, true
	}
}

func (c *CompressionUnit) typeAllowed(contentType string) bool {
	if contentType == "" {
		return false
	}

	if semicolon := strings.IndexByte(contentType, ';'); semicolon != -1 {
		contentType = contentType[:semicolon]
	}
	contentType = strings.TrimSpace(strings.ToLower(contentType))

	for _, allowed := range c.allowedTypes {
		if allowed == contentType {
			return true
		}
		if strings.HasSuffix(allowed, "*") && strings.HasPrefix(contentType, strings.TrimSuffix(allowed, "*")) {
			return true
		}
	}
	return false
}

func (c *CompressionUnit) compress(data []byte) ([]byte, error) {
	buf := c.bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer c.bufferPool.Put(buf)

	writer := c.writerPool.Get().(pooledWriter)
	writer.Reset(buf)

	if _, err := writer.Write(data); err != nil {
		c.writerPool.Put(writer)
		return nil, err
	}
	if err := writer.Close(); err != nil {
		c.writerPool.Put(writer)
		return nil, err
	}

	writer.Reset(nil)
	c.writerPool.Put(writer)

	return append([]byte(nil), buf.Bytes()...), nil
}

func (c *CompressionUnit) addVaryHeader(ctx *types.RequestCtx) {
	existing := ctx.Response.Header.Peek("Vary")
	if len(existing) == 0 {
		ctx.Response.Header.Set("Vary", "Accept-Encoding")
		return
	}
	if !bytes.Contains(existing, varyValue) {
		ctx.Response.Header.Set("Vary", string(existing)+", Accept-Encoding")
	}
}

var varyValue = []byte("Accept-Encoding")

// CompressionCreator registers the response compressor.
func CompressionCreator(logger types.Logger) types.AfterCreator {
	return func(params map[string]interface{}) (types.AfterUnit, error) {
		cfg := &CompressionParams{}
		if err := decodeParams(params, cfg); err != nil {
			return nil, err
		}
		return NewCompressionUnit(logger, *cfg)
	}
}
