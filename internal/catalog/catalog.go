// Package catalog records processing run lineage in a relational
// catalog so stored results stay discoverable and auditable.
package catalog

import (
	"context"
	"time"

	"github.com/datalith/tabular-ingest/internal/config"
)

// Run is one completed processing run.
type Run struct {
	RunID        string
	CallerKey    string
	FileName     string
	Kind         string
	RowCount     int
	SuccessCount int
	ErrorCount   int
	Checksum     string
	StoragePath  string
	Delegated    bool
	DurationMs   int64
	CompletedAt  time.Time
}

// RowError is one rejected row from a run, kept for triage.
type RowError struct {
	RunID   string
	Line    int
	Message string
}

// Writer persists run lineage.
type Writer interface {
	RecordRun(ctx context.Context, run Run) error
	RecordRowErrors(ctx context.Context, errs []RowError) error
	Close() error
}

// New constructs the configured catalog writer. An empty DSN selects
// the no-op writer so the service runs without a database.
func New(ctx context.Context, cfg config.CatalogConfig) (Writer, error) {
	if cfg.PostgresDSN == "" {
		return noopWriter{}, nil
	}
	return NewPostgresWriter(ctx, cfg)
}

type noopWriter struct{}

func (noopWriter) RecordRun(_ context.Context, _ Run) error              { return nil }
func (noopWriter) RecordRowErrors(_ context.Context, _ []RowError) error { return nil }
func (noopWriter) Close() error                                          { return nil }
