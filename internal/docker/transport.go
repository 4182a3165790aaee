package docker

import (
	"context"
	"net"
	"time"
)

// Dialer opens a fresh byte stream to the engine's REST socket. Each
// request/response exchange owns the connection it dials.
type Dialer interface {
	DialEngine(ctx context.Context) (net.Conn, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context) (net.Conn, error)

func (f DialFunc) DialEngine(ctx context.Context) (net.Conn, error) { return f(ctx) }

// UnixDialer dials the engine socket at path.
func UnixDialer(path string) DialFunc {
	d := net.Dialer{Timeout: 10 * time.Second}
	return func(ctx context.Context) (net.Conn, error) {
		return d.DialContext(ctx, "unix", path)
	}
}
