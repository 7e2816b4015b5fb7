package middleware

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-gate/types"
)

// AuditUnit records the request outcome once the handler has run. It
// sees halted outcomes too: a handler fault arrives here as the halt
// descriptor flowing through the after chain. Event publication is
// best effort and never affects the response.
type AuditUnit struct {
	name       string
	logger     types.Logger
	events     types.EventBroker
	event      string
	logHeaders bool
}

type AuditParams struct {
	Event      string `json:"event"`
	LogHeaders bool   `json:"log_headers"`
}

var sensitiveHeaders = map[string]bool{
	"authorization": true,
	"x-api-key":     true,
	"cookie":        true,
	"set-cookie":    true,
}

func NewAuditUnit(logger types.Logger, events types.EventBroker, params AuditParams) *AuditUnit {
	return &AuditUnit{
		name:       "audit",
		logger:     logger,
		events:     events,
		event:      params.Event,
		logHeaders: params.LogHeaders,
	}
}

func (a *AuditUnit) Name() string { return a.name }

func (a *AuditUnit) After(ctx *types.RequestCtx, response interface{}, next types.AfterNext) (interface{}, *types.Error) {
	halt, halted := response.(*types.Error)

	fields := []zap.Field{
		zap.String("method", string(ctx.Method())),
		zap.String("path", string(ctx.Path())),
		zap.String("actor", ctx.Actor()),
		zap.String("client_ip", ctx.ClientIP()),
	}

	if requestID := ctx.RequestID(); requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}

	if startedAt := ctx.StartedAt(); !startedAt.IsZero() {
		fields = append(fields, zap.Duration("duration", time.Since(startedAt)))
	}

	if a.logHeaders {
		fields = append(fields, zap.Any("headers", a.sanitizeHeaders(ctx)))
	}

	if halted {
		fields = append(fields, zap.String("halt_code", halt.Code), zap.Int("status", halt.HTTPStatus))
		a.logger.Warn("Request halted", fields...)
	} else {
		a.logger.Info("Request completed", fields...)
	}

	a.publish(ctx, halt)

	return next(ctx)
}

func (a *AuditUnit) publish(ctx *types.RequestCtx, halt *types.Error) {
	if a.events == nil || a.event == "" {
		return
	}

	payload := map[string]interface{}{
		"method":     string(ctx.Method()),
		"path":       string(ctx.Path()),
		"actor":      ctx.Actor(),
		"request_id": ctx.RequestID(),
	}
	if halt != nil {
		payload["halt_code"] = halt.Code
		payload["status"] = halt.HTTPStatus
	}

	if err := a.events.Publish(a.event, payload); err != nil {
		a.logger.Debug("Audit event publish failed", zap.Error(err))
	}
}

func (a *AuditUnit) sanitizeHeaders(ctx *types.RequestCtx) map[string]string {
	sanitized := make(map[string]string, 16)

	ctx.Request.Header.VisitAll(func(key, value []byte) {
		keyStr := string(key)
		if sensitiveHeaders[strings.ToLower(keyStr)] {
			sanitized[keyStr] = "[REDACTED]"
		} else {
			sanitized[keyStr] = string(value)
		}
	})

	return sanitized
}

// AuditCreator registers the outcome recorder. The broker may be nil,
// which keeps the unit log-only.
func AuditCreator(logger types.Logger, events types.EventBroker) types.AfterCreator {
	return func(params map[string]interface{}) (types.AfterUnit, error) {
		cfg := &AuditParams{Event: "request.completed"}
		if err := decodeParams(params, cfg); err != nil {
			return nil, err
		}
		return NewAuditUnit(logger, events, *cfg), nil
	}
}
