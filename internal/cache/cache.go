package cache

import "context"

type Cache interface {
	Put(ctx context.Context, key string, value interface{}, ttlSeconds int) error
	// Get decodes the stored value into out, which must be a non-nil pointer.
	Get(ctx context.Context, key string, out interface{}) error
	GetDefaultTTL() int
	ShutDown(ctx context.Context)
}
