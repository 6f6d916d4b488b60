package component

import (
	"context"
	"fmt"

	"github.com/ssuji15/jobrunner/internal/cache"
	"github.com/ssuji15/jobrunner/internal/cache/freecache"
	"github.com/ssuji15/jobrunner/internal/cache/jetstream"
	"github.com/ssuji15/jobrunner/internal/cache/redis"
	"github.com/ssuji15/jobrunner/internal/storage"
	"github.com/ssuji15/jobrunner/internal/storage/minio"
)

func GetCache(ctx context.Context, cacheType string) (cache.Cache, error) {
	switch cacheType {
	case "redis":
		return redis.NewRedisCacheClient(ctx)
	case "jetstream":
		return jetstream.NewJetStreamCacheClient()
	case "", "freecache":
		return freecache.NewFreeCache()
	default:
		return nil, fmt.Errorf("unsupported cache type %q", cacheType)
	}
}

// GetStorage returns nil when no output archive is configured.
func GetStorage(ctx context.Context, storageType string) (storage.Storage, error) {
	switch storageType {
	case "", "none":
		return nil, nil
	case "minio":
		return minio.NewMinioClient(ctx)
	default:
		return nil, fmt.Errorf("unsupported storage type %q", storageType)
	}
}
