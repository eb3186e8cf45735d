package fetcher

import (
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/rotisserie/eris"
)

// maxDecompressed bounds a single gunzipped payload.
const maxDecompressed = 512 << 20

// Gunzip reads a complete gzip stream into memory.
func Gunzip(r io.Reader) ([]byte, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, eris.Wrap(err, "gzip: open stream")
	}
	defer zr.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(zr, maxDecompressed+1))
	if err != nil {
		return nil, eris.Wrap(err, "gzip: read stream")
	}
	if len(data) > maxDecompressed {
		return nil, eris.Errorf("gzip: payload exceeds %d bytes", maxDecompressed)
	}
	return data, nil
}
