package server

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-gate/pipeline"
	"github.com/saiset-co/sai-gate/types"
)

// Router queues (group, route, action) declarations and compiles them
// into immutable endpoints on Start. Compilation fails fast: one
// defective declaration aborts startup rather than serving a
// half-wired table. Declarations made after Start compile on the spot.
//
// The dispatch table is exact-match on "METHOD:path"; pattern routing
// belongs to whatever fronts this router, not to it.
type Router struct {
	ctx       context.Context
	cancel    context.CancelFunc
	logger    types.Logger
	builder   *pipeline.Builder
	mu        sync.RWMutex
	pending   []registration
	table     map[string]types.Endpoint
	endpoints []types.Endpoint
	state     atomic.Value
}

type registration struct {
	group  *pipeline.Group
	route  *pipeline.Route
	action *pipeline.Action
}

func NewRouter(ctx context.Context, logger types.Logger, builder *pipeline.Builder) (*Router, error) {
	if builder == nil {
		return nil, types.Errorf(types.ErrConfiguration, "router requires a pipeline builder")
	}

	routerCtx, cancel := context.WithCancel(ctx)

	router := &Router{
		ctx:     routerCtx,
		cancel:  cancel,
		logger:  logger,
		builder: builder,
		table:   make(map[string]types.Endpoint),
	}

	router.state.Store(StateStopped)

	return router, nil
}

// Group mints a middleware scope shared by every route declared
// through the returned builder.
func (r *Router) Group(prefix string) types.GroupBuilder {
	return &GroupBuilder{
		router: r,
		group:  pipeline.NewGroup(prefix),
	}
}

// Route declares a standalone endpoint outside any group.
func (r *Router) Route(method, path string, handler types.HandlerFunc) types.RouteBuilder {
	return r.newRoute(nil, method, path, handler)
}

// Handle queues a pre-assembled scope triple. Callers that build their
// own pipeline entities use this instead of the fluent builders. After
// Start the triple compiles immediately and the error surfaces here;
// before Start it surfaces from Start.
func (r *Router) Handle(group *pipeline.Group, route *pipeline.Route, action *pipeline.Action) error {
	reg := registration{group: group, route: route, action: action}

	r.mu.Lock()
	if r.getState() != StateRunning {
		r.pending = append(r.pending, reg)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	return r.compile(reg)
}

func (r *Router) newRoute(group *pipeline.Group, method, path string, handler types.HandlerFunc) types.RouteBuilder {
	prefix := ""
	if group != nil {
		prefix = group.Prefix()
	}

	route := pipeline.NewRoute(method, path)
	action := pipeline.NewAction(route.Method()+" "+prefix+path, handler)

	if err := r.Handle(group, route, action); err != nil {
		r.logger.Error("Route registration failed",
			zap.String("method", route.Method()),
			zap.String("path", prefix+path),
			zap.Error(err),
		)
	}

	return &RouteBuilder{
		router: r,
		route:  route,
		action: action,
	}
}

// Start compiles every queued declaration. On error the router stays
// stopped so the defect cannot be masked by a live table.
func (r *Router) Start() error {
	if !r.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	r.mu.Lock()
	queued := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, reg := range queued {
		if err := r.compile(reg); err != nil {
			r.setState(StateStopped)
			return err
		}
	}

	r.setState(StateRunning)
	r.logger.Info("Router started", zap.Int("endpoints", len(r.Endpoints())))
	return nil
}

func (r *Router) Stop() error {
	if !r.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		r.setState(StateStopped)
		r.cancel()
	}()

	r.logger.Info("Router stopped")
	return nil
}

func (r *Router) IsRunning() bool {
	return r.getState() == StateRunning
}

func (r *Router) getState() State {
	return r.state.Load().(State)
}

func (r *Router) setState(newState State) bool {
	currentState := r.getState()
	return r.state.CompareAndSwap(currentState, newState)
}

func (r *Router) transitionState(from, to State) bool {
	return r.state.CompareAndSwap(from, to)
}

func (r *Router) compile(reg registration) error {
	endpoint, err := r.builder.Build(reg.group, reg.route, reg.action)
	if err != nil {
		return err
	}

	key := tableKey(endpoint.Method(), endpoint.Path())

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.table[key]; exists {
		return types.ConfigErrorf(types.ErrEndpointExists, "%s %s", endpoint.Method(), endpoint.Path())
	}

	r.table[key] = endpoint
	r.endpoints = append(r.endpoints, endpoint)
	return nil
}

// Lookup resolves an endpoint by exact method and path match.
func (r *Router) Lookup(method, path string) (types.Endpoint, bool) {
	key := tableKey(strings.ToUpper(method), path)

	r.mu.RLock()
	endpoint, ok := r.table[key]
	r.mu.RUnlock()

	return endpoint, ok
}

// lookupBytes is the hot-path variant used by the HTTP host; indexing
// the map with string(buf) does not allocate.
func (r *Router) lookupBytes(method, path []byte) (types.Endpoint, bool) {
	path = normalizePathBytes(path)

	if len(method)+1+len(path) <= 80 {
		var buf [80]byte
		n := copy(buf[:], method)
		buf[n] = ':'
		n += 1 + copy(buf[n+1:], path)

		r.mu.RLock()
		endpoint, ok := r.table[string(buf[:n])]
		r.mu.RUnlock()
		return endpoint, ok
	}

	key := string(method) + ":" + string(path)

	r.mu.RLock()
	endpoint, ok := r.table[key]
	r.mu.RUnlock()
	return endpoint, ok
}

// Endpoints returns the compiled endpoints in registration order.
func (r *Router) Endpoints() []types.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Endpoint, len(r.endpoints))
	copy(out, r.endpoints)
	return out
}

func tableKey(method, path string) string {
	return method + ":" + normalizePath(path)
}

// normalizePath collapses the trailing slash so "/users/" and "/users"
// address the same endpoint.
func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	return path
}

func normalizePathBytes(path []byte) []byte {
	if len(path) == 0 {
		return rootPath
	}
	if len(path) > 1 && path[len(path)-1] == '/' {
		return path[:len(path)-1]
	}
	return path
}

var rootPath = []byte("/")

var _ types.HTTPRouter = (*Router)(nil)
