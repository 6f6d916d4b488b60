package freecache

import (
	"context"
	"fmt"
	"sync"

	fc "github.com/coocood/freecache"
	"github.com/ssuji15/jobrunner/internal/cache"
	"github.com/ssuji15/jobrunner/internal/config"
	"github.com/vmihailenco/msgpack/v5"
)

type FreeCache struct {
	cache *fc.Cache
	ttl   int // seconds
}

var (
	fcc       *FreeCache
	once      sync.Once
	initError error
)

// NewFreeCache returns the process-wide in-memory cache.
func NewFreeCache() (*FreeCache, error) {
	once.Do(func() {
		cfg, err := config.GetFreeCacheConfig()
		if err != nil {
			initError = err
			return
		}
		fcc = &FreeCache{
			cache: fc.NewCache(cfg.SIZE_BYTES),
			ttl:   cfg.TTL,
		}
	})
	if initError != nil {
		return nil, initError
	}
	return fcc, nil
}

var _ cache.Cache = (*FreeCache)(nil)

func (c *FreeCache) Put(ctx context.Context, key string, value interface{}, ttlSeconds int) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if value == nil {
		return fmt.Errorf("value cannot be nil")
	}
	data, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for key %s: %w", key, err)
	}

	return c.cache.Set([]byte(key), data, ttlSeconds)
}

func (c *FreeCache) Get(ctx context.Context, key string, out interface{}) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	data, err := c.cache.Get([]byte(key))
	if err != nil {
		return err
	}
	if err := msgpack.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal value for key %s: %w", key, err)
	}
	return nil
}

func (c *FreeCache) GetDefaultTTL() int {
	return c.ttl
}

func (c *FreeCache) ShutDown(ctx context.Context) {
	c.cache.Clear()
}
