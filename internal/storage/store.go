// Package storage persists processing results: a parquet file with the
// region summaries, a JSON result document, and a manifest tying them
// together with checksums.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/datalith/tabular-ingest/internal/config"
	"github.com/datalith/tabular-ingest/internal/ingest"
)

// ResultRef locates one processing run's output.
type ResultRef struct {
	CallerKey string
	FileName  string
	RunID     string
	Date      string // yyyy-mm-dd, partition folder
}

// SummaryPath returns the storage key of the run's parquet summary.
func (r ResultRef) SummaryPath(prefix string) string {
	return fmt.Sprintf("%s%s/date=%s/%s/summary.parquet", prefix, r.CallerKey, r.Date, r.RunID)
}

// ResultPath returns the storage key of the run's JSON result document.
func (r ResultRef) ResultPath(prefix string) string {
	return fmt.Sprintf("%s%s/date=%s/%s/result.json", prefix, r.CallerKey, r.Date, r.RunID)
}

// ManifestPath returns the storage key of the run's manifest.
func (r ResultRef) ManifestPath(prefix string) string {
	return fmt.Sprintf("%s%s/date=%s/%s/_manifest.json", prefix, r.CallerKey, r.Date, r.RunID)
}

// DirPath returns the run's directory key.
func (r ResultRef) DirPath(prefix string) string {
	return fmt.Sprintf("%s%s/date=%s/%s", prefix, r.CallerKey, r.Date, r.RunID)
}

// Manifest describes one stored run directory.
type Manifest struct {
	Run       RunInfo             `json:"run"`
	Files     map[string]FileInfo `json:"files"`
	CreatedAt time.Time           `json:"created_at"`
}

// RunInfo identifies the processing run the manifest belongs to.
type RunInfo struct {
	RunID     string `json:"run_id"`
	CallerKey string `json:"caller_key"`
	FileName  string `json:"file_name"`
	RowCount  int    `json:"row_count"`
}

// FileInfo describes one file in the run directory.
type FileInfo struct {
	File     string `json:"file"`
	Checksum string `json:"checksum"`
	ByteSize int64  `json:"byte_size"`
}

// ComputeChecksum returns the canonical checksum string for data.
func ComputeChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// VerifyChecksum reports whether data matches the expected checksum.
func VerifyChecksum(data []byte, expected string) bool {
	return ComputeChecksum(data) == expected
}

// ResultStore persists a run's output files.
type ResultStore interface {
	// WriteResult stores the parquet summary, the JSON result and the
	// manifest for one run. The manifest is written last so a run
	// directory without one is known to be incomplete.
	WriteResult(ctx context.Context, ref ResultRef, result *ingest.ProcessingResult) error

	// Exists reports whether the run's manifest is already stored.
	Exists(ctx context.Context, ref ResultRef) (bool, error)

	// URI returns the canonical URI for the given key.
	URI(key string) string

	Close() error
}

var ErrInvalidBackend = errors.New("invalid storage backend")

// New constructs the configured result store.
func New(ctx context.Context, cfg config.StorageConfig) (ResultStore, error) {
	switch cfg.Backend {
	case "local":
		return NewLocalStore(cfg.Dir, cfg.Prefix)
	case "blob":
		return NewBucketStore(ctx, cfg.BucketURL, cfg.Prefix)
	default:
		return nil, ErrInvalidBackend
	}
}

// buildFiles renders a run's three payloads. The manifest references
// the first two by checksum.
func buildFiles(ref ResultRef, result *ingest.ProcessingResult) (parquetData, resultData, manifestData []byte, err error) {
	parquetData, err = EncodeSummaries(result.Summaries)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode summaries: %w", err)
	}

	resultData, err = json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal result: %w", err)
	}

	manifest := Manifest{
		Run: RunInfo{
			RunID:     ref.RunID,
			CallerKey: ref.CallerKey,
			FileName:  ref.FileName,
			RowCount:  result.RowCount,
		},
		Files: map[string]FileInfo{
			"summary": {
				File:     "summary.parquet",
				Checksum: ComputeChecksum(parquetData),
				ByteSize: int64(len(parquetData)),
			},
			"result": {
				File:     "result.json",
				Checksum: ComputeChecksum(resultData),
				ByteSize: int64(len(resultData)),
			},
		},
		CreatedAt: time.Now().UTC(),
	}
	manifestData, err = json.MarshalIndent(&manifest, "", "  ")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal manifest: %w", err)
	}
	return parquetData, resultData, manifestData, nil
}
