// Package intake discovers uploaded files waiting to be processed,
// either in a local drop directory or in an object-store bucket.
package intake

import (
	"context"
	"errors"
	"time"

	"github.com/datalith/tabular-ingest/internal/config"
)

// File is one discovered upload.
type File struct {
	// Key is the source-relative path, with forward slashes. The top
	// path segment, when present, names the caller the upload belongs
	// to.
	Key     string
	Size    int64
	ModTime time.Time
}

// Source lists and reads pending uploads.
type Source interface {
	// List returns pending files in a stable order.
	List(ctx context.Context) ([]File, error)

	// Read returns the full contents of one file.
	Read(ctx context.Context, key string) ([]byte, error)

	// Remove deletes a file after it has been handled.
	Remove(ctx context.Context, key string) error

	Close() error
}

var ErrInvalidBackend = errors.New("invalid intake backend")

// New constructs the configured intake source.
func New(ctx context.Context, cfg config.IntakeConfig) (Source, error) {
	switch cfg.Backend {
	case "local":
		return NewLocalSource(cfg.Dir)
	case "blob":
		return NewBucketSource(ctx, cfg.BucketURL, cfg.Prefix)
	default:
		return nil, ErrInvalidBackend
	}
}
