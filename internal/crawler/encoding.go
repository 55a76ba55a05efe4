package crawler

import (
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"strings"
)

// DecompressBody unwraps a gzip or deflate Content-Encoding. Bodies with any
// other encoding are returned untouched. Closing the result closes body.
func DecompressBody(encoding string, body io.ReadCloser) (io.ReadCloser, error) {
	var (
		r   io.ReadCloser
		err error
	)
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip", "x-gzip":
		r, err = gzip.NewReader(body)
	case "deflate":
		r, err = zlib.NewReader(body)
	default:
		return body, nil
	}
	if err != nil {
		_ = body.Close()
		return nil, fmt.Errorf("open %s body: %w", encoding, err)
	}
	return &decompressed{ReadCloser: r, body: body}, nil
}

type decompressed struct {
	io.ReadCloser
	body io.Closer
}

func (d *decompressed) Close() error {
	derr := d.ReadCloser.Close()
	if err := d.body.Close(); err != nil {
		return err
	}
	return derr
}
