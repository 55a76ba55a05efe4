package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// ErrEmptyDocument is returned when a download produced no bytes.
var ErrEmptyDocument = errors.New("downloaded file is empty")

const copyBufferSize = 8192

// FileSystemSink streams documents into a single output directory.
type FileSystemSink struct {
	root   string
	logger *zap.Logger
}

// NewFileSystemSink returns a sink rooted at dir, creating it if needed.
func NewFileSystemSink(root string, logger *zap.Logger) (*FileSystemSink, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create sink dir %s: %w", root, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSystemSink{root: root, logger: logger}, nil
}

// Root returns the output directory.
func (s *FileSystemSink) Root() string {
	return s.root
}

// Save copies r into root/filename and returns the path and byte count. A
// zero-byte copy or a failed copy leaves no file behind.
func (s *FileSystemSink) Save(ctx context.Context, filename string, r io.Reader) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, fmt.Errorf("context canceled: %w", err)
	}
	target := filepath.Join(s.root, filepath.Base(filename))
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", 0, fmt.Errorf("create %s: %w", target, err)
	}
	written, copyErr := io.CopyBuffer(f, &contextReader{ctx: ctx, r: r}, make([]byte, copyBufferSize))
	closeErr := f.Close()
	if copyErr == nil && closeErr != nil {
		copyErr = fmt.Errorf("close %s: %w", target, closeErr)
	}
	if copyErr == nil && written == 0 {
		copyErr = ErrEmptyDocument
	}
	if copyErr != nil {
		if rmErr := os.Remove(target); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Warn("failed to remove partial file", zap.String("path", target), zap.Error(rmErr))
		}
		if errors.Is(copyErr, ErrEmptyDocument) {
			return "", 0, copyErr
		}
		return "", 0, fmt.Errorf("writing %s: %w", target, copyErr)
	}
	return target, written, nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
