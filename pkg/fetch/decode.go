package fetch

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// AcceptEncoding lists the content codings Client can decode.
const AcceptEncoding = "zstd, gzip"

// decodedBody wraps body with a decoder for encoding.
func decodedBody(body io.Reader, encoding string) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return io.NopCloser(body), nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("fetch: gzip: %w", err)
		}
		return zr, nil
	case "zstd":
		zr, err := zstd.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("fetch: zstd: %w", err)
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("fetch: unsupported content encoding %q", encoding)
	}
}

// readBody reads at most limit bytes of the decoded body.
func readBody(body io.Reader, encoding string, limit int64) ([]byte, error) {
	r, err := decodedBody(body, encoding)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("fetch: read body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("fetch: body exceeds %d bytes", limit)
	}
	return data, nil
}
