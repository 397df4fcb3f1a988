package ingest

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Magic byte prefixes for container detection.
var (
	magicZIP  = []byte{0x50, 0x4b, 0x03, 0x04} // xlsx is a zip container
	magicGzip = []byte{0x1f, 0x8b}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// DetectKind inspects the buffer's magic bytes and reports the file kind.
// Anything that is not a recognized spreadsheet container is treated as
// delimited text. The result is advisory: an explicitly declared kind wins.
func DetectKind(buf []byte) Kind {
	if bytes.HasPrefix(buf, magicZIP) {
		return KindXLSX
	}
	return KindCSV
}

// isCompressed reports whether the buffer carries a supported
// compression container.
func isCompressed(buf []byte) bool {
	return bytes.HasPrefix(buf, magicGzip) || bytes.HasPrefix(buf, magicZstd)
}

// decompress expands a gzip or zstd buffer, enforcing maxBytes on the
// decompressed size so a small archive cannot balloon past the file cap.
func decompress(buf []byte, maxBytes int64) ([]byte, error) {
	switch {
	case bytes.HasPrefix(buf, magicGzip):
		r, err := gzip.NewReader(bytes.NewReader(buf))
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		defer r.Close()
		return readCapped(r, maxBytes)

	case bytes.HasPrefix(buf, magicZstd):
		r, err := zstd.NewReader(bytes.NewReader(buf))
		if err != nil {
			return nil, fmt.Errorf("open zstd stream: %w", err)
		}
		defer r.Close()
		return readCapped(r, maxBytes)

	default:
		return buf, nil
	}
}

// readCapped reads from r up to maxBytes and fails if more data remains.
func readCapped(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, ErrFileTooLarge
	}
	return data, nil
}
