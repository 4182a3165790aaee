package relay

import (
	"context"
	"errors"
	"io"
	"time"
)

const defaultReadSize = 32 * 1024

// aLongTimeAgo is a non-zero time far in the past, used to unblock reads
// and writes on deadline-capable streams.
var aLongTimeAgo = time.Unix(1, 0)

// ReadHandle reads R until EOF, passing every chunk to OnData. The slice is
// only valid for the duration of the call.
type ReadHandle struct {
	R      io.Reader
	OnData func(p []byte) error
	Size   int
}

func (h *ReadHandle) Run(ctx context.Context) error {
	size := h.Size
	if size <= 0 {
		size = defaultReadSize
	}
	stop := interruptRead(ctx, h.R)
	defer stop()

	buf := make([]byte, size)
	for {
		n, err := h.R.Read(buf)
		if n > 0 {
			if cbErr := h.OnData(buf[:n]); cbErr != nil {
				return cbErr
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// CopyHandle relays Src into Dst until Src reaches EOF.
type CopyHandle struct {
	Src io.Reader
	Dst io.Writer
}

func (h *CopyHandle) Run(ctx context.Context) error {
	rh := &ReadHandle{R: h.Src, OnData: func(p []byte) error {
		_, err := h.Dst.Write(p)
		return err
	}}
	return rh.Run(ctx)
}

// WriteHandle writes Data to W in full.
type WriteHandle struct {
	W    io.Writer
	Data []byte
}

func (h *WriteHandle) Run(ctx context.Context) error {
	stop := interruptWrite(ctx, h.W)
	defer stop()

	_, err := h.W.Write(h.Data)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// SignalHandle completes when C is closed.
type SignalHandle struct {
	C          <-chan struct{}
	OnSignaled func()
}

func (h *SignalHandle) Run(ctx context.Context) error {
	select {
	case <-h.C:
		if h.OnSignaled != nil {
			h.OnSignaled()
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WithCompletion wraps h so that fn observes its result.
func WithCompletion(h Handle, fn func(err error)) Handle {
	return HandleFunc(func(ctx context.Context) error {
		err := h.Run(ctx)
		fn(err)
		return err
	})
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

type errorCloser interface {
	CloseWithError(err error) error
}

// Interrupt arranges for blocked I/O on v to return once ctx is done. Streams
// with deadlines have them moved into the past, anything else is closed. The
// returned stop function disarms it.
func Interrupt(ctx context.Context, v any) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		if expire(v) {
			return
		}
		closeStream(v, ctx.Err())
	})
}

func interruptRead(ctx context.Context, r io.Reader) (stop func() bool) {
	return Interrupt(ctx, r)
}

func interruptWrite(ctx context.Context, w io.Writer) (stop func() bool) {
	return Interrupt(ctx, w)
}

func expire(v any) bool {
	expired := false
	if d, ok := v.(readDeadliner); ok && d.SetReadDeadline(aLongTimeAgo) == nil {
		expired = true
	}
	if d, ok := v.(writeDeadliner); ok && d.SetWriteDeadline(aLongTimeAgo) == nil {
		expired = true
	}
	return expired
}

func closeStream(v any, cause error) {
	switch c := v.(type) {
	case errorCloser:
		c.CloseWithError(cause)
	case io.Closer:
		c.Close()
	}
}
