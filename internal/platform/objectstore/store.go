package objectstore

import (
	"context"
	"io"
	"time"
)

// ObjectInfo describes a stored object's metadata.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// Store is the object-storage surface the Fetcher (gs:// scheme) and the
// Job Handler's Uploader depend on. A Minio-backed implementation and an
// in-memory test fake both satisfy it.
type Store interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error)
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	Delete(ctx context.Context, bucket, key string) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}
