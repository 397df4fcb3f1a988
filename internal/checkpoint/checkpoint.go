// Package checkpoint tracks which intake files have already been
// handled, so a crash between storing a result and removing the
// upload does not reprocess the file on restart.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry records one handled file.
type Entry struct {
	Key       string    `json:"key"`
	Checksum  string    `json:"checksum"`
	RunID     string    `json:"run_id"`
	HandledAt time.Time `json:"handled_at"`
}

// Manager persists the processed-file ledger.
type Manager interface {
	// Seen reports whether the key was already handled with the same
	// checksum. A re-upload with new content is not seen.
	Seen(ctx context.Context, key, checksum string) (bool, error)

	// Mark records the key as handled.
	Mark(ctx context.Context, entry Entry) error
}

// Config configures the checkpoint manager.
type Config struct {
	Enabled bool
	Dir     string
}

// NewManager creates a checkpoint manager based on configuration.
func NewManager(cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return &noopManager{}, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Dir, err)
	}

	m := &fileManager{path: filepath.Join(cfg.Dir, "processed.json")}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// fileManager keeps the ledger in one JSON file, rewritten atomically
// on every Mark.
type fileManager struct {
	path string

	mu      sync.Mutex
	entries map[string]Entry // key -> entry
}

func (m *fileManager) load() error {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		m.entries = make(map[string]Entry)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read checkpoint file: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse checkpoint file: %w", err)
	}

	m.entries = make(map[string]Entry, len(entries))
	for _, e := range entries {
		m.entries[e.Key] = e
	}
	return nil
}

// Seen reports whether key+checksum is already in the ledger.
func (m *fileManager) Seen(_ context.Context, key, checksum string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	return ok && e.Checksum == checksum, nil
}

// Mark records the entry and persists the ledger.
func (m *fileManager) Mark(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.HandledAt.IsZero() {
		entry.HandledAt = time.Now().UTC()
	}
	m.entries[entry.Key] = entry
	return m.save()
}

// save writes the ledger atomically. Caller holds m.mu.
func (m *fileManager) save() error {
	entries := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tempPath := m.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}
	if err := os.Rename(tempPath, m.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}
	return nil
}

type noopManager struct{}

func (noopManager) Seen(_ context.Context, _, _ string) (bool, error) { return false, nil }
func (noopManager) Mark(_ context.Context, _ Entry) error             { return nil }
