package storage

import "context"

// Storage archives terminal job outputs.
type Storage interface {
	Upload(ctx context.Context, objectPath string, data []byte) error
	Download(ctx context.Context, objectPath string) ([]byte, error)
	ShutDown(ctx context.Context)
}
