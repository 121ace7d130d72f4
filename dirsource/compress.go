package dirsource

import (
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// acceptEncoding lists the content encodings we can decode, in order of
// preference.
const acceptEncoding = "x-zstd, br, deflate, gzip, identity"

// decodeBody wraps a response body in a reader undoing its content encoding.
// Directory mirrors label zlib streams as "deflate".
func decodeBody(encoding string, body io.Reader) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return io.NopCloser(body), nil

	case "deflate":
		return zlib.NewReader(body)

	case "br":
		return io.NopCloser(brotli.NewReader(body)), nil

	case "gzip", "x-gzip":
		return gzip.NewReader(body)

	case "x-zstd", "zstd":
		dec, err := zstd.NewReader(body)
		if err != nil {
			return nil, err
		}

		return dec.IOReadCloser(), nil

	default:
		return nil, fmt.Errorf("unsupported content encoding %q",
			encoding)
	}
}
