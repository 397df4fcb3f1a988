package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	_ "gocloud.dev/blob/s3blob"  // S3 driver
)

// BucketSource reads uploads from an object-store bucket through
// gocloud.dev, so gs:// and s3:// URLs both work.
type BucketSource struct {
	bucket *blob.Bucket
	prefix string
}

// NewBucketSource opens the bucket URL as an intake source.
func NewBucketSource(ctx context.Context, bucketURL, prefix string) (*BucketSource, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open intake bucket %s: %w", bucketURL, err)
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &BucketSource{bucket: bucket, prefix: prefix}, nil
}

// List returns pending objects under the prefix, oldest first.
func (s *BucketSource) List(ctx context.Context) ([]File, error) {
	var files []File
	iter := s.bucket.List(&blob.ListOptions{Prefix: s.prefix})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list intake bucket: %w", err)
		}
		if obj.IsDir || strings.HasSuffix(obj.Key, ".tmp") {
			continue
		}
		files = append(files, File{
			Key:     strings.TrimPrefix(obj.Key, s.prefix),
			Size:    obj.Size,
			ModTime: obj.ModTime,
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if !files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].ModTime.Before(files[j].ModTime)
		}
		return files[i].Key < files[j].Key
	})
	return files, nil
}

// Read returns the full object contents.
func (s *BucketSource) Read(ctx context.Context, key string) ([]byte, error) {
	r, err := s.bucket.NewReader(ctx, s.prefix+key, nil)
	if err != nil {
		return nil, fmt.Errorf("open intake object %s: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read intake object %s: %w", key, err)
	}
	return data, nil
}

// Remove deletes a handled object.
func (s *BucketSource) Remove(ctx context.Context, key string) error {
	if err := s.bucket.Delete(ctx, s.prefix+key); err != nil {
		return fmt.Errorf("delete intake object %s: %w", key, err)
	}
	return nil
}

// Close releases the bucket handle.
func (s *BucketSource) Close() error {
	return s.bucket.Close()
}
