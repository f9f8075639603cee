package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/platinummonkey/netforge/pkg/config"
	"github.com/platinummonkey/netforge/pkg/observability"
)

// ErrObjectNotFound is returned when a key does not exist in the store
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo describes a stored object
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type"`
	Checksum     string    `json:"checksum_sha256,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// ObjectStore holds uploaded attachments and rendered reports. Keys are
// slash separated paths such as orgs/{org}/designs/{id}/attachments/{file}.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (*ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	Stat(ctx context.Context, key string) (*ObjectInfo, error)
}

// NewObjectStore builds the backend selected by cfg.Backend
func NewObjectStore(ctx context.Context, cfg config.StorageConfig, logger *observability.Logger) (ObjectStore, error) {
	switch cfg.Backend {
	case "s3":
		return NewS3Store(ctx, cfg, logger)
	case "filesystem", "":
		return NewFilesystemStore(cfg.FilesystemRoot)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
