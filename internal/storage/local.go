package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/datalith/tabular-ingest/internal/ingest"
)

// LocalStore writes run output to the local filesystem. Files are
// written to a temp path and renamed so readers never see a partial
// file.
type LocalStore struct {
	baseDir string
	prefix  string
}

// NewLocalStore creates a local filesystem result store.
func NewLocalStore(baseDir, prefix string) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base directory %s: %w", baseDir, err)
	}
	return &LocalStore{baseDir: baseDir, prefix: prefix}, nil
}

// WriteResult stores the run's files, manifest last.
func (s *LocalStore) WriteResult(_ context.Context, ref ResultRef, result *ingest.ProcessingResult) error {
	parquetData, resultData, manifestData, err := buildFiles(ref, result)
	if err != nil {
		return err
	}

	if err := s.writeAtomic(ref.SummaryPath(s.prefix), parquetData); err != nil {
		return err
	}
	if err := s.writeAtomic(ref.ResultPath(s.prefix), resultData); err != nil {
		return err
	}
	return s.writeAtomic(ref.ManifestPath(s.prefix), manifestData)
}

func (s *LocalStore) writeAtomic(key string, data []byte) error {
	path := filepath.Join(s.baseDir, filepath.FromSlash(key))

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file %s: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename %s to %s: %w", tempPath, path, err)
	}
	return nil
}

// Exists reports whether the run's manifest is present.
func (s *LocalStore) Exists(_ context.Context, ref ResultRef) (bool, error) {
	path := filepath.Join(s.baseDir, filepath.FromSlash(ref.ManifestPath(s.prefix)))
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// URI returns a file:// URI for the key.
func (s *LocalStore) URI(key string) string {
	return "file://" + filepath.Join(s.baseDir, filepath.FromSlash(key))
}

// Close is a no-op for local storage.
func (s *LocalStore) Close() error {
	return nil
}
