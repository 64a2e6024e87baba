package stream

import (
	"context"
	"errors"
	"io"
	"sync"

	consts "github.com/khanhnv2901/arachne-lens/internal/shared/constants"
	sharedErrors "github.com/khanhnv2901/arachne-lens/internal/shared/errors"
)

// ByteSource yields raw chunks of an incrementally available body.
type ByteSource interface {
	// Next returns the next non-empty chunk, io.EOF once the body is exhausted,
	// ctx.Err() when ctx is cancelled, or a *TransportError.
	// The returned slice is only valid until the following call.
	Next(ctx context.Context) ([]byte, error)
	// Close releases the underlying resources. It is safe to call more than once.
	Close() error
}

// ReaderSource adapts an io.ReadCloser such as an HTTP response body.
type ReaderSource struct {
	rc        io.ReadCloser
	buf       []byte
	eof       bool
	closeOnce sync.Once
	closeErr  error
}

var _ ByteSource = (*ReaderSource)(nil)

// NewReaderSource wraps rc, reading at most chunkSize bytes per pull.
func NewReaderSource(rc io.ReadCloser, chunkSize int) *ReaderSource {
	if chunkSize <= 0 {
		chunkSize = consts.DefaultChunkSize
	}
	return &ReaderSource{rc: rc, buf: make([]byte, chunkSize)}
}

// Next blocks on one Read of the underlying reader. Cancelling ctx closes the reader
// so an in-flight Read returns promptly instead of waiting for more network data.
func (s *ReaderSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.eof {
		return nil, io.EOF
	}

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		n, err := s.rc.Read(s.buf)
		if n > 0 {
			if errors.Is(err, io.EOF) {
				s.eof = true
			}
			return s.buf[:n], nil
		}
		switch {
		case err == nil:
			continue
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, io.EOF):
			s.eof = true
			return nil, io.EOF
		default:
			return nil, &sharedErrors.TransportError{Op: "read response body", Err: err}
		}
	}
}

func (s *ReaderSource) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.rc.Close()
	})
	return s.closeErr
}
