package middleware

import (
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-gate/types"
)

const cacheKeyUserValue = "gate_response_cache_key"

// ResponseCacheParams configure the before/after pair. Both units are
// built from the same params; they rendezvous through a request user
// value, not shared state, so each side can sit in a different scope.
type ResponseCacheParams struct {
	TTLSeconds   int      `json:"ttl_seconds" validate:"min=1"`
	Methods      []string `json:"methods" validate:"omitempty,dive,required"`
	Dependencies []string `json:"dependencies"`
	VaryByActor  bool     `json:"vary_by_actor"`
}

// ResponseCacheBeforeUnit serves memoized responses. A hit is returned
// without calling next, which skips the handler and the whole after
// chain; the stored value is whatever the after unit saw on the miss
// that populated it.
type ResponseCacheBeforeUnit struct {
	name   string
	core   *responseCacheCore
	logger types.Logger
	hits   types.Counter
	misses types.Counter
}

// ResponseCacheAfterUnit stores handler responses under the key its
// before counterpart computed. Halt descriptors and raw pass-through
// responses are never stored.
type ResponseCacheAfterUnit struct {
	name   string
	core   *responseCacheCore
	logger types.Logger
}

type responseCacheCore struct {
	cache        types.CacheManager
	ttl          time.Duration
	methods      map[string]struct{}
	dependencies []string
	varyByActor  bool
}

func newResponseCacheCore(cache types.CacheManager, params ResponseCacheParams) (*responseCacheCore, error) {
	if cache == nil {
		return nil, types.Errorf(types.ErrCacheIsDisabled, "response cache unit needs a cache manager")
	}

	methods := params.Methods
	if len(methods) == 0 {
		methods = []string{"GET"}
	}
	methodSet := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		methodSet[m] = struct{}{}
	}

	ttl := time.Duration(params.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &responseCacheCore{
		cache:        cache,
		ttl:          ttl,
		methods:      methodSet,
		dependencies: params.Dependencies,
		varyByActor:  params.VaryByActor,
	}, nil
}

func (c *responseCacheCore) cacheable(ctx *types.RequestCtx) bool {
	_, ok := c.methods[string(ctx.Method())]
	return ok
}

func (c *responseCacheCore) key(ctx *types.RequestCtx) string {
	requestPath := string(ctx.Path())
	if query := ctx.QueryArgs().QueryString(); len(query) > 0 {
		requestPath += "?" + string(query)
	}

	metadata := map[string]string{
		"method": string(ctx.Method()),
	}
	if c.varyByActor {
		metadata["actor"] = ctx.Actor()
	}

	return c.cache.BuildCacheKey(requestPath, c.dependencies, metadata)
}

func NewResponseCacheBeforeUnit(cache types.CacheManager, logger types.Logger, metrics types.MetricsManager, params ResponseCacheParams) (*ResponseCacheBeforeUnit, error) {
	core, err := newResponseCacheCore(cache, params)
	if err != nil {
		return nil, err
	}

	unit := &ResponseCacheBeforeUnit{
		name:   "response_cache",
		core:   core,
		logger: logger,
	}

	if metrics != nil {
		unit.hits = metrics.Counter("response_cache_hits_total", nil)
		unit.misses = metrics.Counter("response_cache_misses_total", nil)
	}

	return unit, nil
}

func (u *ResponseCacheBeforeUnit) Name() string { return u.name }

func (u *ResponseCacheBeforeUnit) Before(ctx *types.RequestCtx, next types.BeforeNext) (interface{}, *types.Error) {
	if !u.core.cacheable(ctx) {
		return next(ctx)
	}

	key := u.core.key(ctx)

	if cached, ok := u.core.cache.Get(key); ok {
		if u.hits != nil {
			u.hits.Inc()
		}
		u.logger.Debug("Response cache hit", zap.String("key", key))
		return cached, nil
	}

	if u.misses != nil {
		u.misses.Inc()
	}

	ctx.SetUserValue(cacheKeyUserValue, key)
	return next(ctx)
}

func NewResponseCacheAfterUnit(cache types.CacheManager, logger types.Logger, params ResponseCacheParams) (*ResponseCacheAfterUnit, error) {
	core, err := newResponseCacheCore(cache, params)
	if err != nil {
		return nil, err
	}

	return &ResponseCacheAfterUnit{
		name:   "response_cache",
		core:   core,
		logger: logger,
	}, nil
}

func (u *ResponseCacheAfterUnit) Name() string { return u.name }

func (u *ResponseCacheAfterUnit) After(ctx *types.RequestCtx, response interface{}, next types.AfterNext) (interface{}, *types.Error) {
	key := ctx.Param(cacheKeyUserValue)
	if key == "" || !storable(response) {
		return next(ctx)
	}

	var err error
	if len(u.core.dependencies) > 0 {
		err = u.core.cache.SetWithDependencies(key, response, u.core.ttl, u.core.dependencies)
	} else {
		err = u.core.cache.Set(key, response, u.core.ttl)
	}
	if err != nil {
		u.logger.Error("Response cache store failed",
			zap.String("key", key),
			zap.Error(err))
	}

	return next(ctx)
}

// storable rejects outcomes that must not be replayed: halts, empty
// results and raw responses whose bytes may be encoding-specific.
func storable(response interface{}) bool {
	switch response.(type) {
	case nil, *types.Error, *types.RawResponse:
		return false
	default:
		return true
	}
}

// ResponseCacheBeforeCreator registers the serving half of the pair.
func ResponseCacheBeforeCreator(cache types.CacheManager, logger types.Logger, metrics types.MetricsManager) types.BeforeCreator {
	return func(params map[string]interface{}) (types.BeforeUnit, error) {
		cfg := &ResponseCacheParams{TTLSeconds: 300}
		if err := decodeParams(params, cfg); err != nil {
			return nil, err
		}
		return NewResponseCacheBeforeUnit(cache, logger, metrics, *cfg)
	}
}

// ResponseCacheAfterCreator registers the storing half of the pair.
func ResponseCacheAfterCreator(cache types.CacheManager, logger types.Logger) types.AfterCreator {
	return func(params map[string]interface{}) (types.AfterUnit, error) {
		cfg := &ResponseCacheParams{TTLSeconds: 300}
		if err := decodeParams(params, cfg); err != nil {
			return nil, err
		}
		return NewResponseCacheAfterUnit(cache, logger, *cfg)
	}
}
