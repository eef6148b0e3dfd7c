package cdnlog

import (
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ErrUnsupportedFormat marks a file extension with no known decompressor.
// It is returned before any parsing happens, so a misnamed file never
// feeds raw compressed bytes into the counter.
var ErrUnsupportedFormat = errors.New("unsupported compression format")

// NewDecompressor wraps r in a streaming decompressor selected by file
// extension. An empty extension returns r unchanged. The returned reader
// never buffers the whole stream.
func NewDecompressor(r io.Reader, ext string) (io.ReadCloser, error) {
	switch ext {
	case "":
		return io.NopCloser(r), nil
	case "gz", "gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		return zr, nil
	case "zst", "zstd":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("%s: %w", ext, ErrUnsupportedFormat)
	}
}

// Extension returns the file extension of p without the leading dot, or
// "" if there is none.
func Extension(p string) string {
	return strings.TrimPrefix(path.Ext(p), ".")
}
