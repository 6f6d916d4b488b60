package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/ssuji15/jobrunner/internal/cache"
	"github.com/ssuji15/jobrunner/internal/config"
	"github.com/ssuji15/jobrunner/internal/job_tracer"
	"github.com/ssuji15/jobrunner/internal/service/logger"
	"github.com/ssuji15/jobrunner/internal/util"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// KV keys may not contain ':'.
var keyReplacer = strings.NewReplacer(":", ".")

// JetStreamCacheClient keeps module lookups in a JetStream key/value
// bucket. The bucket TTL applies to every entry; Put ignores its ttl.
type JetStreamCacheClient struct {
	connection *nats.Conn
	bucket     nats.KeyValue
	ttl        int
}

var _ cache.Cache = (*JetStreamCacheClient)(nil)

var (
	jcc       *JetStreamCacheClient
	once      sync.Once
	initError error
)

func NewJetStreamCacheClient() (*JetStreamCacheClient, error) {
	once.Do(func() {
		cfg, err := config.GetNatsConfig()
		if err != nil {
			initError = err
			return
		}
		nc, err := connect(cfg.URL)
		if err != nil {
			initError = fmt.Errorf("failed to connect to nats: %w", err)
			return
		}
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			initError = err
			return
		}
		kv, err := createOrGetBucket(js, cfg.BUCKET_NAME, cfg.TTL, cfg.BUCKET_SIZE_BYTES)
		if err != nil {
			nc.Close()
			initError = err
			return
		}
		jcc = &JetStreamCacheClient{
			connection: nc,
			bucket:     kv,
			ttl:        cfg.TTL,
		}
	})
	return jcc, initError
}

func connect(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(1*time.Second),
		nats.Name("jobrunner"),
		nats.ReconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Log.Warn().Err(err).Msg("nats reconnected")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Log.Error().Err(err).Msg("nats disconnected")
		}),
	)
}

func createOrGetBucket(js nats.JetStreamContext, bucket string, ttlSeconds int, bucketSizeBytes int) (nats.KeyValue, error) {
	kv, err := js.KeyValue(bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, fmt.Errorf("error retrieving nats bucket instance: %v", err)
	}
	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:      bucket,
		Description: "Module catalog lookups",
		TTL:         time.Duration(ttlSeconds) * time.Second,
		MaxBytes:    int64(bucketSizeBytes),
		Storage:     nats.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create nats bucket: %v", err)
	}
	return kv, nil
}

func (j *JetStreamCacheClient) Put(ctx context.Context, key string, value interface{}, ttl int) error {
	tracer := job_tracer.GetTracer()
	_, span := tracer.Start(ctx, "Nats/Put")
	defer span.End()

	if key == "" {
		err := fmt.Errorf("key cannot be empty")
		util.RecordSpanError(span, err)
		return err
	}
	span.AddEvent("nats.context",
		trace.WithAttributes(attribute.String("key", key)),
	)
	if value == nil {
		err := fmt.Errorf("value cannot be nil")
		util.RecordSpanError(span, err)
		return err
	}

	b, err := msgpack.Marshal(value)
	if err != nil {
		err := fmt.Errorf("failed to marshal value for key %s: %w", key, err)
		util.RecordSpanError(span, err)
		return err
	}
	if _, err := j.bucket.Put(keyReplacer.Replace(key), b); err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (j *JetStreamCacheClient) Get(ctx context.Context, key string, value interface{}) error {
	tracer := job_tracer.GetTracer()
	_, span := tracer.Start(ctx, "Nats/Get")
	defer span.End()

	if key == "" {
		err := fmt.Errorf("key cannot be empty")
		util.RecordSpanError(span, err)
		return err
	}
	span.AddEvent("nats.context",
		trace.WithAttributes(attribute.String("key", key)),
	)

	entry, err := j.bucket.Get(keyReplacer.Replace(key))
	if err != nil {
		err := fmt.Errorf("failed to retrieve value for key %s: %w", key, err)
		util.RecordSpanError(span, err)
		return err
	}
	if err := msgpack.Unmarshal(entry.Value(), value); err != nil {
		err := fmt.Errorf("failed to unmarshal value for key %s: %w", key, err)
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (j *JetStreamCacheClient) GetDefaultTTL() int {
	return j.ttl
}

// ShutDown drains the connection, closing it outright if ctx ends first.
func (j *JetStreamCacheClient) ShutDown(ctx context.Context) {
	done := make(chan struct{})
	j.connection.SetClosedHandler(func(_ *nats.Conn) {
		close(done)
	})

	if err := j.connection.Drain(); err != nil {
		logger.Log.Err(err).Msg("unable to drain nats connection")
		j.connection.Close()
		return
	}

	select {
	case <-done:
	case <-ctx.Done():
		j.connection.Close()
	}
}
