package stream

import (
	"context"
	"errors"
	"io"

	"github.com/khanhnv2901/arachne-lens/internal/domain/scan"
	sharedErrors "github.com/khanhnv2901/arachne-lens/internal/shared/errors"
)

// Handler receives pipeline output in stream order.
type Handler struct {
	OnEvent func(scan.Event)
	OnSkip  func(*sharedErrors.ParseFailure)
}

// Pump drives src through a LineDecoder and ParseRecord until the body ends.
// Chunks are processed strictly one at a time: the next chunk is only pulled after
// every line of the current one was handed to h.
//
// It returns nil on a clean end of stream, ctx.Err() on cancellation, or the
// *TransportError / *DecodeError that stopped it. src is always closed.
func Pump(ctx context.Context, src ByteSource, h Handler) error {
	defer src.Close()

	var dec LineDecoder
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunk, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			lines, ferr := dec.Flush()
			dispatch(lines, h)
			return ferr
		}
		if err != nil {
			return err
		}

		lines, derr := dec.Feed(chunk)
		dispatch(lines, h)
		if derr != nil {
			return derr
		}
	}
}

func dispatch(lines []string, h Handler) {
	for _, line := range lines {
		ev, failure := ParseRecord(line)
		if failure != nil {
			if h.OnSkip != nil {
				h.OnSkip(failure)
			}
			continue
		}
		if h.OnEvent != nil {
			h.OnEvent(ev)
		}
	}
}
