package redis

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// maxDecompressedBytes bounds decompression output to guard against
// decompression bombs.
const maxDecompressedBytes = 100 * 1024 * 1024

// compressor applies gzip to values above a size threshold. Values below the
// threshold, or values that gzip cannot shrink, pass through untouched.
type compressor struct {
	minSizeBytes int
	level        int
}

// newCompressor returns a compressor; minSizeBytes <= 0 disables compression
func newCompressor(minSizeBytes int) *compressor {
	return &compressor{
		minSizeBytes: minSizeBytes,
		level:        gzip.BestSpeed,
	}
}

func (c *compressor) compress(data []byte) ([]byte, error) {
	if c.minSizeBytes <= 0 || len(data) < c.minSizeBytes {
		return data, nil
	}

	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("gzip writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}

	compressed := buf.Bytes()
	if len(compressed) >= len(data) {
		return data, nil
	}
	return compressed, nil
}

func (c *compressor) decompress(data []byte) ([]byte, error) {
	if !isCompressed(data) {
		return data, nil
	}

	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer func() { _ = r.Close() }()

	decompressed, err := io.ReadAll(io.LimitReader(r, maxDecompressedBytes))
	if err != nil {
		return nil, fmt.Errorf("gzip read: %w", err)
	}
	return decompressed, nil
}

// isCompressed checks for the gzip magic bytes
func isCompressed(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}
