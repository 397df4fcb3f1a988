package intake

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LocalSource reads uploads from a drop directory on the local
// filesystem. Callers upload into per-caller subdirectories.
type LocalSource struct {
	dir string
}

// NewLocalSource creates a local drop-directory source.
func NewLocalSource(dir string) (*LocalSource, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create intake directory %s: %w", dir, err)
	}
	return &LocalSource{dir: dir}, nil
}

// List walks the drop directory and returns regular files, oldest first.
// Dotfiles and .tmp files are skipped so partially written uploads are
// never picked up.
func (s *LocalSource) List(_ context.Context) ([]File, error) {
	var files []File
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return err
		}
		files = append(files, File{
			Key:     filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list intake directory: %w", err)
	}

	sort.Slice(files, func(i, j int) bool {
		if !files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].ModTime.Before(files[j].ModTime)
		}
		return files[i].Key < files[j].Key
	})
	return files, nil
}

// Read returns the file's contents.
func (s *LocalSource) Read(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, filepath.FromSlash(key)))
	if err != nil {
		return nil, fmt.Errorf("read intake file %s: %w", key, err)
	}
	return data, nil
}

// Remove deletes a handled file and prunes its directory if now empty.
func (s *LocalSource) Remove(_ context.Context, key string) error {
	path := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove intake file %s: %w", key, err)
	}
	// Best effort; fails when non-empty, which is fine.
	dir := filepath.Dir(path)
	if dir != s.dir {
		os.Remove(dir)
	}
	return nil
}

// Close is a no-op for local intake.
func (s *LocalSource) Close() error {
	return nil
}
