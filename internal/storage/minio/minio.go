package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/ssuji15/jobrunner/internal/config"
	"github.com/ssuji15/jobrunner/internal/job_tracer"
	"github.com/ssuji15/jobrunner/internal/storage"
	"github.com/ssuji15/jobrunner/internal/util"
)

// MinioClient wraps the MinIO SDK client.
type MinioClient struct {
	client    *minio.Client
	bucket    string
	transport *http.Transport
}

var _ storage.Storage = (*MinioClient)(nil)

// NewMinioClient connects to MinIO and makes sure the jobs bucket exists.
func NewMinioClient(ctx context.Context) (*MinioClient, error) {
	cfg, err := config.GetMinioConfig()
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		IdleConnTimeout:       120 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	cli, err := minio.New(cfg.URL, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.ACCESS_KEY, cfg.SECRET_KEY, ""),
		Secure:    cfg.USE_SSL,
		Transport: transport,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ok, err := cli.BucketExists(ctx, cfg.JOBS_BUCKET)
	if err != nil {
		return nil, fmt.Errorf("unable to reach minio: %w", err)
	}
	if !ok {
		if err := cli.MakeBucket(ctx, cfg.JOBS_BUCKET, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("unable to create bucket %s: %w", cfg.JOBS_BUCKET, err)
		}
	}

	return &MinioClient{client: cli, bucket: cfg.JOBS_BUCKET, transport: transport}, nil
}

func (m *MinioClient) Upload(ctx context.Context, objectPath string, data []byte) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "MinIO/Upload")
	defer span.End()

	reader := bytes.NewReader(data)
	_, err := m.client.PutObject(ctx, m.bucket, objectPath, reader, int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (m *MinioClient) Download(ctx context.Context, objectPath string) ([]byte, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "MinIO/Download")
	defer span.End()

	object, err := m.client.GetObject(ctx, m.bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	defer object.Close()

	// check if the object exists
	if _, err := object.Stat(); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}

	data, err := io.ReadAll(object)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return data, nil
}

func (m *MinioClient) ShutDown(ctx context.Context) {
	m.transport.CloseIdleConnections()
}
