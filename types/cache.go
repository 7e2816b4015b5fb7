package types

import (
	"time"
)

type CacheManager interface {
	LifecycleManager
	Get(key string) (interface{}, bool)
	Set(key string, value interface{}, ttl time.Duration) error
	SetWithDependencies(key string, value interface{}, ttl time.Duration, dependencies []string) error
	Delete(key string) error
	Invalidate(dependencies ...string) error
	Flush() error
	Size() int
	BuildCacheKey(requestPath string, dependencies []string, metadata map[string]string) string
}

type CacheManagerCreator func(config interface{}) (CacheManager, error)

type CacheEntry struct {
	Key          string        `json:"key"`
	Value        interface{}   `json:"value"`
	TTL          time.Duration `json:"ttl"`
	Dependencies []string      `json:"dependencies,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
}
