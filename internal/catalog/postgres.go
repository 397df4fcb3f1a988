package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/datalith/tabular-ingest/internal/config"
	"github.com/datalith/tabular-ingest/internal/logging"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool      *pgxpool.Pool
	namespace string
}

// NewPostgresWriter connects to the catalog database and ensures the
// schema exists.
func NewPostgresWriter(ctx context.Context, cfg config.CatalogConfig) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	logging.Component("catalog").Info("connected to postgres catalog",
		"namespace", cfg.Namespace)

	return &PostgresWriter{pool: pool, namespace: cfg.Namespace}, nil
}

// RecordRun upserts one run's lineage row. Replays of the same run ID
// update in place, so reprocessing never duplicates lineage.
func (w *PostgresWriter) RecordRun(ctx context.Context, run Run) error {
	query := `
		INSERT INTO ingest_runs (
			run_id, namespace, caller_key, file_name, kind,
			row_count, success_count, error_count,
			checksum, storage_path, delegated, duration_ms, completed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (namespace, run_id)
		DO UPDATE SET
			row_count = EXCLUDED.row_count,
			success_count = EXCLUDED.success_count,
			error_count = EXCLUDED.error_count,
			checksum = EXCLUDED.checksum,
			storage_path = EXCLUDED.storage_path,
			completed_at = EXCLUDED.completed_at
	`

	_, err := w.pool.Exec(ctx, query,
		run.RunID,
		w.namespace,
		run.CallerKey,
		run.FileName,
		run.Kind,
		run.RowCount,
		run.SuccessCount,
		run.ErrorCount,
		run.Checksum,
		run.StoragePath,
		run.Delegated,
		run.DurationMs,
		run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// RecordRowErrors bulk-inserts rejected rows for a run.
func (w *PostgresWriter) RecordRowErrors(ctx context.Context, errs []RowError) error {
	if len(errs) == 0 {
		return nil
	}

	batchQuery := `INSERT INTO ingest_row_errors (run_id, line, message) VALUES ($1, $2, $3)`
	for _, e := range errs {
		if _, err := w.pool.Exec(ctx, batchQuery, e.RunID, e.Line, e.Message); err != nil {
			return fmt.Errorf("record row error: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}
