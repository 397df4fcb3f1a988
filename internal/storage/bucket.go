package storage

import (
	"context"
	"fmt"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	_ "gocloud.dev/blob/s3blob"  // S3 driver

	"github.com/datalith/tabular-ingest/internal/ingest"
)

// BucketStore writes run output to an object-store bucket through
// gocloud.dev. Object writes are atomic per object; the manifest is
// written last so its presence marks the run complete.
type BucketStore struct {
	bucket    *blob.Bucket
	bucketURL string
	prefix    string
}

// NewBucketStore opens the bucket URL as a result store.
func NewBucketStore(ctx context.Context, bucketURL, prefix string) (*BucketStore, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open storage bucket %s: %w", bucketURL, err)
	}
	return &BucketStore{bucket: bucket, bucketURL: bucketURL, prefix: prefix}, nil
}

// WriteResult stores the run's files, manifest last.
func (s *BucketStore) WriteResult(ctx context.Context, ref ResultRef, result *ingest.ProcessingResult) error {
	parquetData, resultData, manifestData, err := buildFiles(ref, result)
	if err != nil {
		return err
	}

	if err := s.writeObject(ctx, ref.SummaryPath(s.prefix), parquetData); err != nil {
		return err
	}
	if err := s.writeObject(ctx, ref.ResultPath(s.prefix), resultData); err != nil {
		return err
	}
	return s.writeObject(ctx, ref.ManifestPath(s.prefix), manifestData)
}

func (s *BucketStore) writeObject(ctx context.Context, key string, data []byte) error {
	w, err := s.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write data to %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

// Exists reports whether the run's manifest object is present.
func (s *BucketStore) Exists(ctx context.Context, ref ResultRef) (bool, error) {
	ok, err := s.bucket.Exists(ctx, ref.ManifestPath(s.prefix))
	if err != nil {
		return false, fmt.Errorf("check manifest %s: %w", ref.ManifestPath(s.prefix), err)
	}
	return ok, nil
}

// URI returns the object URI for the key.
func (s *BucketStore) URI(key string) string {
	return strings.TrimSuffix(s.bucketURL, "/") + "/" + key
}

// Close releases the bucket handle.
func (s *BucketStore) Close() error {
	return s.bucket.Close()
}
