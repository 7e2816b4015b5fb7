package server

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-gate/types"
	"github.com/saiset-co/sai-gate/utils"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

var optionsBytes = []byte("OPTIONS")

var requestBuckets = []float64{0.001, 0.005, 0.025, 0.1, 0.5, 2.5, 10}

// FastHTTPServer hosts the compiled endpoint table over fasthttp. It
// owns the listener lifecycle only; routing and pipeline execution
// belong to the Router and its endpoints.
type FastHTTPServer struct {
	ctx             context.Context
	cancel          context.CancelFunc
	config          types.ConfigManager
	logger          types.Logger
	metrics         types.MetricsManager
	router          *Router
	tlsManager      types.TLSManager
	server          *fasthttp.Server
	listener        net.Listener
	httpConfig      *types.HTTPConfig
	tlsConfig       *types.TLSConfig
	state           atomic.Value
	shutdownTimeout time.Duration
	preflight       fasthttp.RequestHandler

	requestsTotal  types.Counter
	requestSeconds types.Histogram
	notFoundTotal  types.Counter
}

func NewHTTPServer(
	ctx context.Context,
	config types.ConfigManager,
	logger types.Logger,
	metrics types.MetricsManager,
	tlsManager types.TLSManager,
	router *Router) (*FastHTTPServer, error) {
	if router == nil {
		return nil, types.Errorf(types.ErrConfiguration, "http server requires a router")
	}

	serverCtx, cancel := context.WithCancel(ctx)

	server := &FastHTTPServer{
		ctx:             serverCtx,
		cancel:          cancel,
		config:          config,
		logger:          logger,
		metrics:         metrics,
		tlsManager:      tlsManager,
		router:          router,
		httpConfig:      config.GetConfig().Server.HTTP,
		tlsConfig:       config.GetConfig().Server.TLS,
		shutdownTimeout: 5 * time.Second,
	}

	if server.httpConfig.ShutdownTimeout > 0 {
		server.shutdownTimeout = time.Duration(server.httpConfig.ShutdownTimeout) * time.Second
	}

	if metrics != nil {
		server.requestsTotal = metrics.Counter("http_requests_total", nil)
		server.requestSeconds = metrics.Histogram("http_request_duration_seconds", requestBuckets, nil)
		server.notFoundTotal = metrics.Counter("http_not_found_total", nil)
	}

	server.state.Store(StateStopped)

	return server, nil
}

// SetPreflight installs a fallback for OPTIONS requests that match no
// endpoint, so CORS preflights reach the origin policy without a
// per-path OPTIONS registration.
func (h *FastHTTPServer) SetPreflight(handler fasthttp.RequestHandler) {
	h.preflight = handler
}

func (h *FastHTTPServer) Start() error {
	if !h.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if h.getState() == StateStarting {
			h.setState(StateRunning)
		}
	}()

	if !h.router.IsRunning() {
		if err := h.router.Start(); err != nil {
			h.setState(StateStopped)
			return types.WrapError(err, "failed to compile endpoints")
		}
	}

	h.server = &fasthttp.Server{
		Handler:                      h.Handler(),
		ReadTimeout:                  time.Duration(h.httpConfig.ReadTimeout) * time.Second,
		WriteTimeout:                 time.Duration(h.httpConfig.WriteTimeout) * time.Second,
		IdleTimeout:                  time.Duration(h.httpConfig.IdleTimeout) * time.Second,
		Concurrency:                  1000000,
		TCPKeepalive:                 true,
		DisablePreParseMultipartForm: true,
		CloseOnShutdown:              true,
	}

	addr := fmt.Sprintf("%s:%d", h.httpConfig.Host, h.httpConfig.Port)

	var err error
	if h.tlsConfig != nil && h.tlsConfig.Enabled {
		h.listener, err = h.tlsManager.Serve(addr)
	} else {
		h.listener, err = net.Listen("tcp", addr)
	}
	if err != nil {
		h.setState(StateStopped)
		return types.Errorf(types.ErrServerStartFailed, "listen %s: %v", addr, err)
	}

	go func() {
		if err := h.server.Serve(h.listener); err != nil {
			h.logger.Error("HTTP server failed", zap.Error(err))
			h.setState(StateStopped)
		}
	}()

	h.logger.Info("HTTP server started",
		zap.String("address", addr),
		zap.Bool("tls", h.tlsConfig != nil && h.tlsConfig.Enabled),
		zap.Int("endpoints", len(h.router.Endpoints())))

	return nil
}

func (h *FastHTTPServer) Stop() error {
	if !h.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		h.setState(StateStopped)
		h.cancel()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if h.server != nil {
			if h.listener != nil {
				if err := h.listener.Close(); err != nil {
					h.logger.Error("Failed to close listener", zap.Error(err))
				}
			}

			if err := h.server.ShutdownWithContext(ctx); err != nil {
				return nil
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		select {
		case <-gCtx.Done():
			h.logger.Warn("Server stop timeout, some connections may not have drained")
		default:
			h.logger.Error("Error during server shutdown", zap.Error(err))
		}
	} else {
		h.logger.Info("HTTP server stopped gracefully")
	}

	return nil
}

func (h *FastHTTPServer) IsRunning() bool {
	return h.getState() == StateRunning
}

func (h *FastHTTPServer) getState() State {
	return h.state.Load().(State)
}

func (h *FastHTTPServer) setState(newState State) bool {
	currentState := h.getState()
	return h.state.CompareAndSwap(currentState, newState)
}

func (h *FastHTTPServer) transitionState(from, to State) bool {
	return h.state.CompareAndSwap(from, to)
}

// Handler returns the request entry point. Exposed so the dispatch
// path can run against an in-process fasthttp.RequestCtx.
func (h *FastHTTPServer) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()

		endpoint, ok := h.router.lookupBytes(ctx.Method(), ctx.Path())
		if !ok {
			h.handleMiss(ctx)
			return
		}

		result, halt := endpoint.Dispatch(&types.RequestCtx{RequestCtx: ctx})
		if halt != nil {
			utils.WriteHalt(ctx, halt)
			h.countHalt(halt)
		} else {
			h.writeResult(ctx, result)
		}

		if h.requestsTotal != nil {
			h.requestsTotal.Inc()
			h.requestSeconds.ObserveDuration(start)
		}
	}
}

func (h *FastHTTPServer) handleMiss(ctx *fasthttp.RequestCtx) {
	if h.preflight != nil && bytes.Equal(ctx.Method(), optionsBytes) {
		h.preflight(ctx)
		return
	}

	utils.WriteHalt(ctx, notFoundHalt)
	if h.notFoundTotal != nil {
		h.notFoundTotal.Inc()
	}
}

// writeResult encodes what the pipeline returned. A *RawResponse goes
// out verbatim, nil leaves whatever the handler wrote to the request
// context, anything else is JSON with status 200.
func (h *FastHTTPServer) writeResult(ctx *fasthttp.RequestCtx, result interface{}) {
	switch v := result.(type) {
	case nil:
	case *types.RawResponse:
		if v.ContentType != "" {
			ctx.SetContentType(v.ContentType)
		}
		if v.Encoding != "" {
			ctx.Response.Header.Set(fasthttp.HeaderContentEncoding, v.Encoding)
		}
		status := v.Status
		if status == 0 {
			status = fasthttp.StatusOK
		}
		ctx.SetStatusCode(status)
		ctx.SetBody(v.Body)
	default:
		utils.WriteJSON(ctx, fasthttp.StatusOK, v)
	}
}

func (h *FastHTTPServer) countHalt(halt *types.Error) {
	if h.metrics == nil {
		return
	}

	h.metrics.Counter("http_halts_total", map[string]string{"code": halt.Code}).Inc()
}

var notFoundHalt = types.Halt("NOT_FOUND", "endpoint not found", fasthttp.StatusNotFound)

var _ types.HTTPServer = (*FastHTTPServer)(nil)
