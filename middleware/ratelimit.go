package middleware

import (
	"hash"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-gate/types"
)

const (
	shardCount         = 64
	maxClientsPerShard = 4096
)

const (
	KeyByIP    = "ip"
	KeyByActor = "actor"
)

// RateLimitUnit enforces a fixed-window request budget per client key.
// Counters are sharded and atomic; the unit holds no per-request state
// and is safe to share across every scope it is attached to.
type RateLimitUnit struct {
	name       string
	metrics    types.MetricsManager
	limit      int64
	window     time.Duration
	keyBy      string
	shards     [shardCount]*rateLimitShard
	hasherPool sync.Pool
	rejected   types.Counter
}

type rateLimitShard struct {
	clients map[string]*fixedWindow
	mu      sync.RWMutex
	_       [56]byte
}

type fixedWindow struct {
	counter     int64
	windowStart int64
	lastAccess  int64
	_           [40]byte
}

type RateLimitParams struct {
	Limit         int64  `json:"limit" validate:"min=1"`
	WindowSeconds int    `json:"window_seconds" validate:"min=1"`
	KeyBy         string `json:"key_by" validate:"omitempty,oneof=ip actor"`
}

func NewRateLimitUnit(metrics types.MetricsManager, params RateLimitParams) (*RateLimitUnit, error) {
	if params.Limit < 1 {
		return nil, types.Errorf(types.ErrConfiguration, "rate limit must be positive, got %d", params.Limit)
	}
	if params.WindowSeconds < 1 {
		return nil, types.Errorf(types.ErrConfiguration, "rate limit window must be positive, got %d", params.WindowSeconds)
	}

	keyBy := params.KeyBy
	if keyBy == "" {
		keyBy = KeyByIP
	}

	rl := &RateLimitUnit{
		name:    "rate_limit",
		metrics: metrics,
		limit:   params.Limit,
		window:  time.Duration(params.WindowSeconds) * time.Second,
		keyBy:   keyBy,
		hasherPool: sync.Pool{
			New: func() interface{} {
				return fnv.New32a()
			},
		},
	}

	for i := range rl.shards {
		rl.shards[i] = &rateLimitShard{
			clients: make(map[string]*fixedWindow, 64),
		}
	}

	if metrics != nil {
		rl.rejected = metrics.Counter("rate_limit_rejected_total", nil)
	}

	return rl, nil
}

func (rl *RateLimitUnit) Name() string { return rl.name }

func (rl *RateLimitUnit) Before(ctx *types.RequestCtx, next types.BeforeNext) (interface{}, *types.Error) {
	key := rl.clientKey(ctx)

	allowed, retryAfter := rl.take(key)
	if !allowed {
		if rl.rejected != nil {
			rl.rejected.Inc()
		}
		return nil, types.Halt("RATE_LIMITED", "rate limit exceeded", fasthttp.StatusTooManyRequests).
			WithHeader("Retry-After", strconv.FormatInt(retryAfter, 10)).
			WithHeader("X-RateLimit-Limit", strconv.FormatInt(rl.limit, 10))
	}

	return next(ctx)
}

func (rl *RateLimitUnit) clientKey(ctx *types.RequestCtx) string {
	if rl.keyBy == KeyByActor {
		return ctx.Actor()
	}
	return ctx.ClientIP()
}

// take consumes one slot in the client's current window. On rejection
// it reports the seconds remaining until the window rolls over, never
// more than the window itself.
func (rl *RateLimitUnit) take(key string) (bool, int64) {
	shard := rl.getShard(key)
	now := time.Now().UnixNano()

	shard.mu.RLock()
	window, exists := shard.clients[key]
	shard.mu.RUnlock()

	if !exists {
		window = &fixedWindow{counter: 1, windowStart: now, lastAccess: now}

		shard.mu.Lock()
		if existing, ok := shard.clients[key]; ok {
			shard.mu.Unlock()
			return rl.check(existing, now)
		}
		if len(shard.clients) >= maxClientsPerShard {
			rl.sweepLocked(shard, now)
		}
		shard.clients[key] = window
		shard.mu.Unlock()
		return true, 0
	}

	return rl.check(window, now)
}

func (rl *RateLimitUnit) check(window *fixedWindow, now int64) (bool, int64) {
	atomic.StoreInt64(&window.lastAccess, now)

	windowSize := int64(rl.window)
	windowStart := atomic.LoadInt64(&window.windowStart)

	if now-windowStart > windowSize {
		if atomic.CompareAndSwapInt64(&window.windowStart, windowStart, now) {
			atomic.StoreInt64(&window.counter, 1)
			return true, 0
		}
		// Lost the rollover race; the winner reset the counter.
		windowStart = atomic.LoadInt64(&window.windowStart)
	}

	counter := atomic.AddInt64(&window.counter, 1)
	if counter > rl.limit {
		remaining := windowSize - (now - windowStart)
		if remaining < 0 {
			remaining = 0
		}
		retryAfter := (remaining + int64(time.Second) - 1) / int64(time.Second)
		if retryAfter < 1 {
			retryAfter = 1
		}
		return false, retryAfter
	}

	return true, 0
}

func (rl *RateLimitUnit) getShard(key string) *rateLimitShard {
	hasher := rl.hasherPool.Get().(hash.Hash32)
	hasher.Reset()
	_, _ = hasher.Write([]byte(key))
	sum := hasher.Sum32()
	rl.hasherPool.Put(hasher)

	return rl.shards[sum&(shardCount-1)]
}

// sweepLocked drops windows idle for longer than two windows. Called
// with the shard write lock held, only when the shard is at capacity,
// so steady-state requests never pay for the scan.
func (rl *RateLimitUnit) sweepLocked(shard *rateLimitShard, now int64) {
	cutoff := now - 2*int64(rl.window)
	for key, window := range shard.clients {
		if atomic.LoadInt64(&window.lastAccess) < cutoff {
			delete(shard.clients, key)
		}
	}
}

// RateLimitCreator registers the fixed-window limiter; each resolved
// unit owns independent counters.
func RateLimitCreator(metrics types.MetricsManager) types.BeforeCreator {
	return func(params map[string]interface{}) (types.BeforeUnit, error) {
		cfg := &RateLimitParams{Limit: 100, WindowSeconds: 60}
		if err := decodeParams(params, cfg); err != nil {
			return nil, err
		}
		return NewRateLimitUnit(metrics, *cfg)
	}
}
