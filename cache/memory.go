package cache

import (
	"context"
	"slices"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-gate/types"
	"github.com/saiset-co/sai-gate/utils"
)

type MemoryState int32

const (
	MemoryStateStopped MemoryState = iota
	MemoryStateStarting
	MemoryStateRunning
	MemoryStateStopping
)

const (
	MaxTTL     = 24 * time.Hour
	DefaultTTL = 1 * time.Hour
)

type MemoryConfig struct {
	MaxEntries      int    `json:"max_entries"`
	CleanupInterval string `json:"cleanup_interval"`
}

// MemoryCache is the in-process store behind the permission cache and
// response cache. Expiry is lazy on read plus a background sweep;
// capacity is enforced FIFO on the insert path.
type MemoryCache struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *MemoryConfig
	logger types.Logger

	defaultTTL time.Duration

	data map[string]*types.CacheEntry
	// revisions holds a monotonic counter per dependency tag; bumping a
	// revision changes every key built from that tag.
	revisions map[string]uint64
	// dependents maps a dependency tag to the cache keys stored under it.
	dependents map[string][]string

	hits      uint64
	misses    uint64
	evictions uint64

	mu    sync.RWMutex
	revMu sync.RWMutex
	depMu sync.RWMutex

	state           atomic.Value
	sweepStop       chan struct{}
	sweepDone       chan struct{}
	entryPool       sync.Pool
	stringSlicePool sync.Pool
	keyBuilderPool  sync.Pool
}

type KeyBuilder struct {
	buf []byte
}

func NewMemoryCache(ctx context.Context, logger types.Logger, config *types.CacheConfig) (types.CacheManager, error) {
	var memConfig = &MemoryConfig{
		MaxEntries:      10000,
		CleanupInterval: "5m",
	}

	if config.Config != nil {
		err := utils.UnmarshalConfig(config.Config, memConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to unmarshal memory cache config")
		}
	}

	defaultTTL := config.DefaultTTL
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}

	cacheCtx, cancel := context.WithCancel(ctx)

	cache := &MemoryCache{
		ctx:        cacheCtx,
		cancel:     cancel,
		logger:     logger,
		config:     memConfig,
		defaultTTL: defaultTTL,
		data:       make(map[string]*types.CacheEntry),
		revisions:  make(map[string]uint64),
		dependents: make(map[string][]string),
		entryPool: sync.Pool{
			New: func() interface{} {
				return &types.CacheEntry{}
			},
		},
		stringSlicePool: sync.Pool{
			New: func() interface{} {
				return make([]string, 0, 8)
			},
		},
		keyBuilderPool: sync.Pool{
			New: func() interface{} { return &KeyBuilder{buf: make([]byte, 0, 512)} },
		},
	}

	cache.state.Store(MemoryStateStopped)

	return cache, nil
}

func expired(entry *types.CacheEntry, now int64) bool {
	return !entry.ExpiresAt.IsZero() && now > entry.ExpiresAt.UnixNano()
}

func (m *MemoryCache) Get(key string) (interface{}, bool) {
	now := time.Now().UnixNano()

	m.mu.RLock()
	entry, exists := m.data[key]
	if !exists {
		m.mu.RUnlock()
		atomic.AddUint64(&m.misses, 1)
		return nil, false
	}

	if expired(entry, now) {
		m.mu.RUnlock()
		m.dropIfStillExpired(key, now)
		atomic.AddUint64(&m.misses, 1)
		return nil, false
	}

	value := entry.Value
	m.mu.RUnlock()

	atomic.AddUint64(&m.hits, 1)

	return value, true
}

// dropIfStillExpired re-checks under the write lock: a concurrent Set
// may have replaced the entry between the read and here.
func (m *MemoryCache) dropIfStillExpired(key string, now int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, exists := m.data[key]; exists && expired(entry, now) {
		m.unlinkDependentsUnsafe(key, entry.Dependencies)
		delete(m.data, key)
		m.returnEntryToPool(entry)
	}
}

func (m *MemoryCache) Set(key string, value interface{}, ttl time.Duration) error {
	return m.SetWithDependencies(key, value, ttl, nil)
}

func (m *MemoryCache) SetWithDependencies(key string, value interface{}, ttl time.Duration, dependencies []string) error {
	if key == "" {
		m.logger.Error("Attempted to set cache entry with empty key")
		return types.ErrCacheKeyEmpty
	}

	entry := m.makeEntry(key, value, ttl, dependencies)

	m.mu.Lock()
	if m.config.MaxEntries > 0 {
		if _, exists := m.data[key]; !exists && len(m.data) >= m.config.MaxEntries {
			m.evictOldestUnsafe()
		}
	}

	if oldEntry, exists := m.data[key]; exists {
		m.unlinkDependentsUnsafe(key, oldEntry.Dependencies)
		m.returnEntryToPool(oldEntry)
	}

	m.data[key] = entry
	m.mu.Unlock()

	m.linkDependents(key, dependencies)

	return nil
}

func (m *MemoryCache) makeEntry(key string, value interface{}, ttl time.Duration, dependencies []string) *types.CacheEntry {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}

	now := time.Now()
	entry := m.entryPool.Get().(*types.CacheEntry)
	entry.Key = key
	entry.Value = value
	entry.TTL = ttl
	entry.CreatedAt = now
	entry.ExpiresAt = now.Add(ttl)
	entry.Dependencies = append(entry.Dependencies[:0], dependencies...)

	return entry
}

func (m *MemoryCache) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, exists := m.data[key]; exists {
		m.unlinkDependentsUnsafe(key, entry.Dependencies)
		delete(m.data, key)
		m.returnEntryToPool(entry)
	}

	return nil
}

// Invalidate bumps the revision of each dependency tag and drops every
// entry stored under it. Future BuildCacheKey calls for the same tag
// produce a different key, so readers never see the stale value.
func (m *MemoryCache) Invalidate(dependencies ...string) error {
	for _, dep := range dependencies {
		m.bumpRevision(dep)
		m.dropDependents(dep)
	}

	return nil
}

// Flush empties the store but keeps the revision counters: derived
// keys stay stable across a flush.
func (m *MemoryCache) Flush() error {
	m.mu.Lock()
	m.depMu.Lock()

	clearedEntries := len(m.data)
	clearedDependents := len(m.dependents)

	for _, entry := range m.data {
		m.returnEntryToPool(entry)
	}

	m.data = make(map[string]*types.CacheEntry)
	m.dependents = make(map[string][]string)

	m.depMu.Unlock()
	m.mu.Unlock()

	m.logger.Info("Memory cache flushed",
		zap.Int("cleared_entries", clearedEntries),
		zap.Int("cleared_dependents", clearedDependents))

	return nil
}

func (m *MemoryCache) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// BuildCacheKey folds the current revision of every dependency tag into
// the key, so invalidating a tag implicitly rotates all derived keys.
// Metadata is appended in sorted order to keep keys deterministic.
func (m *MemoryCache) BuildCacheKey(requestPath string, dependencies []string, metadata map[string]string) string {
	builder := m.keyBuilderPool.Get().(*KeyBuilder)
	defer m.keyBuilderPool.Put(builder)

	estimatedSize := len(requestPath) + len(dependencies)*20 + len(metadata)*30
	if cap(builder.buf) < estimatedSize {
		builder.buf = make([]byte, 0, estimatedSize)
	}

	builder.buf = builder.buf[:0]
	builder.buf = append(builder.buf, requestPath...)

	for _, dep := range dependencies {
		builder.buf = append(builder.buf, '|')
		builder.buf = append(builder.buf, dep...)
		builder.buf = append(builder.buf, '|')
		builder.buf = strconv.AppendUint(builder.buf, m.revisionOf(dep), 10)
	}

	if len(metadata) > 0 {
		keys := m.stringSlicePool.Get().([]string)
		keys = keys[:0]
		for k := range metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			builder.buf = append(builder.buf, '|')
			builder.buf = append(builder.buf, k...)
			builder.buf = append(builder.buf, ':')
			builder.buf = append(builder.buf, metadata[k]...)
		}

		m.stringSlicePool.Put(keys[:0])
	}

	return string(builder.buf)
}

func (m *MemoryCache) Start() error {
	if !m.transitionState(MemoryStateStopped, MemoryStateStarting) {
		m.logger.Warn("Memory cache is already running")
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if m.getState() == MemoryStateStarting {
			m.setState(MemoryStateRunning)
		}
	}()

	if m.config.CleanupInterval != "" {
		m.sweepStop = make(chan struct{})
		m.sweepDone = make(chan struct{})
		go m.sweepLoop(m.parseSweepInterval(), m.sweepStop, m.sweepDone)
	}

	m.logger.Info("Memory cache started",
		zap.Int("max_entries", m.config.MaxEntries),
		zap.Duration("default_ttl", m.defaultTTL))
	return nil
}

func (m *MemoryCache) parseSweepInterval() time.Duration {
	interval, err := time.ParseDuration(m.config.CleanupInterval)
	if err != nil {
		m.logger.Error("Invalid cleanup interval, using default 5m",
			zap.String("interval", m.config.CleanupInterval),
			zap.Error(err))
		return 5 * time.Minute
	}
	return interval
}

func (m *MemoryCache) Stop() error {
	if !m.transitionState(MemoryStateRunning, MemoryStateStopping) {
		m.logger.Warn("Memory cache is not running")
		return types.ErrServerNotRunning
	}

	defer func() {
		m.setState(MemoryStateStopped)
	}()

	m.cancel()

	if m.sweepStop != nil {
		close(m.sweepStop)
		select {
		case <-m.sweepDone:
		case <-time.After(5 * time.Second):
			m.logger.Warn("Cache sweeper stop timeout")
		}
		m.sweepStop = nil
	}

	m.clearAll()

	m.logger.Info("Memory cache stopped gracefully")
	return nil
}

func (m *MemoryCache) clearAll() {
	m.mu.Lock()
	m.revMu.Lock()
	m.depMu.Lock()

	entriesCount := len(m.data)

	for _, entry := range m.data {
		m.returnEntryToPool(entry)
	}

	m.data = make(map[string]*types.CacheEntry)
	m.revisions = make(map[string]uint64)
	m.dependents = make(map[string][]string)

	m.depMu.Unlock()
	m.revMu.Unlock()
	m.mu.Unlock()

	m.logger.Info("Memory cache cleared",
		zap.Int("cleared_entries", entriesCount),
		zap.Uint64("hits", atomic.LoadUint64(&m.hits)),
		zap.Uint64("misses", atomic.LoadUint64(&m.misses)),
		zap.Uint64("evictions", atomic.LoadUint64(&m.evictions)))
}

func (m *MemoryCache) IsRunning() bool {
	return m.getState() == MemoryStateRunning
}

func (m *MemoryCache) getState() MemoryState {
	return m.state.Load().(MemoryState)
}

func (m *MemoryCache) setState(newState MemoryState) bool {
	currentState := m.getState()
	return m.state.CompareAndSwap(currentState, newState)
}

func (m *MemoryCache) transitionState(from, to MemoryState) bool {
	return m.state.CompareAndSwap(from, to)
}

func (m *MemoryCache) revisionOf(dependency string) uint64 {
	m.revMu.RLock()
	defer m.revMu.RUnlock()
	return m.revisions[dependency]
}

func (m *MemoryCache) bumpRevision(dependency string) {
	m.revMu.Lock()
	defer m.revMu.Unlock()
	m.revisions[dependency]++
}

func (m *MemoryCache) returnEntryToPool(entry *types.CacheEntry) {
	if entry == nil {
		return
	}

	entry.Key = ""
	entry.Value = nil
	entry.TTL = 0
	entry.CreatedAt = time.Time{}
	entry.ExpiresAt = time.Time{}
	entry.Dependencies = entry.Dependencies[:0]

	m.entryPool.Put(entry)
}

func (m *MemoryCache) sweepLoop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if swept := m.sweepExpired(); swept > 0 {
				m.logger.Debug("Cache sweep completed", zap.Int("expired_entries", swept))
			}
		}
	}
}

func (m *MemoryCache) sweepExpired() int {
	now := time.Now().UnixNano()

	m.mu.Lock()
	defer m.mu.Unlock()

	expiredKeys := m.stringSlicePool.Get().([]string)
	expiredKeys = expiredKeys[:0]

	for key, entry := range m.data {
		if expired(entry, now) {
			expiredKeys = append(expiredKeys, key)
		}
	}

	for _, key := range expiredKeys {
		if entry := m.data[key]; entry != nil {
			m.unlinkDependentsUnsafe(key, entry.Dependencies)
			m.returnEntryToPool(entry)
		}
		delete(m.data, key)
	}

	swept := len(expiredKeys)
	m.stringSlicePool.Put(expiredKeys[:0])

	return swept
}

// evictOldestUnsafe drops the entry with the earliest CreatedAt. Must
// be called with m.mu held.
func (m *MemoryCache) evictOldestUnsafe() {
	var victimKey string
	var victimTime time.Time

	for key, entry := range m.data {
		if victimKey == "" || entry.CreatedAt.Before(victimTime) {
			victimKey = key
			victimTime = entry.CreatedAt
		}
	}

	if victimKey == "" {
		return
	}

	if entry := m.data[victimKey]; entry != nil {
		m.unlinkDependentsUnsafe(victimKey, entry.Dependencies)
		m.returnEntryToPool(entry)
	}
	delete(m.data, victimKey)
	atomic.AddUint64(&m.evictions, 1)
}

func (m *MemoryCache) dropDependents(dependency string) {
	m.depMu.RLock()
	dependentKeys := slices.Clone(m.dependents[dependency])
	m.depMu.RUnlock()

	if len(dependentKeys) == 0 {
		return
	}

	m.mu.Lock()
	for _, cacheKey := range dependentKeys {
		if entry := m.data[cacheKey]; entry != nil {
			delete(m.data, cacheKey)
			m.returnEntryToPool(entry)
		}
	}
	m.mu.Unlock()

	m.depMu.Lock()
	delete(m.dependents, dependency)
	m.depMu.Unlock()
}

func (m *MemoryCache) linkDependents(cacheKey string, dependencies []string) {
	if len(dependencies) == 0 {
		return
	}

	m.depMu.Lock()
	defer m.depMu.Unlock()

	for _, dep := range dependencies {
		if !slices.Contains(m.dependents[dep], cacheKey) {
			m.dependents[dep] = append(m.dependents[dep], cacheKey)
		}
	}
}

func (m *MemoryCache) unlinkDependentsUnsafe(cacheKey string, dependencies []string) {
	if len(dependencies) == 0 {
		return
	}

	m.depMu.Lock()
	defer m.depMu.Unlock()

	for _, dep := range dependencies {
		remaining := slices.DeleteFunc(m.dependents[dep], func(key string) bool {
			return key == cacheKey
		})

		if len(remaining) == 0 {
			delete(m.dependents, dep)
		} else {
			m.dependents[dep] = remaining
		}
	}
}
