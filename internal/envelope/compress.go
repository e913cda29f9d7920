package envelope

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// gzip streams start with these two bytes.
const (
	gzipMagic1 = 0x1f
	gzipMagic2 = 0x8b
)

// maxDecompressedSize bounds gunzip output to protect against decompression
// bombs.
const maxDecompressedSize = 100 * 1024 * 1024

// isGzip reports whether data carries the gzip magic header.
func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == gzipMagic1 && data[1] == gzipMagic2
}

// gzipCompress compresses data at BestSpeed; callers decide whether the
// result is worth keeping.
func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("create gzip writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// gzipDecompress inflates data, refusing streams that exceed the size bound.
func gzipDecompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create gzip reader: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, maxDecompressedSize))
	if err != nil {
		return nil, fmt.Errorf("gzip read: %w", err)
	}
	return out, nil
}
