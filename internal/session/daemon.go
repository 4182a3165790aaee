package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/errdefs"

	"github.com/microsoft/wsla/internal/relay"
	"github.com/microsoft/wsla/internal/vm"
)

// startDaemon launches the engine daemon and tails its output into the log.
func (s *Session) startDaemon(ctx context.Context, cmd vm.Command) error {
	proc, err := s.launcher.Launch(ctx, cmd)
	if err != nil {
		return fmt.Errorf("launch engine daemon %s: %w", cmd, err)
	}
	s.daemon = proc

	handles := []relay.Handle{
		&relay.CopyHandle{Src: proc.Stdout(), Dst: newLineLogger("stdout")},
		&relay.SignalHandle{C: proc.Exited(), OnSignaled: func() {
			s.terminate("engine daemon exited", "code", proc.ExitCode())
		}},
	}
	if stderr := proc.Stderr(); stderr != nil {
		handles = append(handles, &relay.CopyHandle{Src: stderr, Dst: newLineLogger("stderr")})
	}
	return s.relay.AddAll(handles...)
}

func (s *Session) stopDaemon() {
	if s.daemon == nil {
		return
	}
	select {
	case <-s.daemon.Exited():
		return
	default:
	}
	if err := s.daemon.Signal(syscall.SIGTERM); err != nil {
		slog.Debug("signal engine daemon", "err", err)
	}
	select {
	case <-s.daemon.Exited():
	case <-time.After(daemonStopTimeout):
		slog.Warn("engine daemon did not stop, killing", "session", s.name)
		s.daemon.Signal(syscall.SIGKILL)
		<-s.daemon.Exited()
	}
}

// waitForEngine pings the engine with exponential backoff until it answers,
// the daemon exits or timeout elapses.
func (s *Session) waitForEngine(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var daemonExited <-chan struct{}
	if s.daemon != nil {
		daemonExited = s.daemon.Exited()
	}

	backoff := 20 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err := s.engine.Ping(ctx)
		if err == nil {
			slog.Debug("engine ready", "session", s.name, "attempts", attempt)
			return nil
		}
		slog.Debug("engine not ready", "attempt", attempt, "err", err)

		select {
		case <-time.After(backoff):
		case <-daemonExited:
			return fmt.Errorf("engine daemon exited with code %d before answering: %w", s.daemon.ExitCode(), errdefs.ErrUnavailable)
		case <-ctx.Done():
			return fmt.Errorf("engine not ready after %s: %w: %w", timeout, errdefs.ErrUnavailable, err)
		}
		backoff = min(backoff*2, 2*time.Second)
	}
}

// lineLogger logs every complete line written to it.
type lineLogger struct {
	stream string
	mu     sync.Mutex
	buf    []byte
}

func newLineLogger(stream string) io.Writer {
	return &lineLogger{stream: stream}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimRight(l.buf[:i], "\r"); len(line) > 0 {
			slog.Info("engine", "stream", l.stream, "line", string(line))
		}
		l.buf = l.buf[i+1:]
	}
	if len(l.buf) > 64*1024 {
		slog.Info("engine", "stream", l.stream, "line", string(l.buf))
		l.buf = l.buf[:0]
	}
	return len(p), nil
}
