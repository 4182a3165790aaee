package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"syscall"

	"github.com/containerd/errdefs"

	"github.com/microsoft/wsla/internal/docker"
	"github.com/microsoft/wsla/internal/events"
	"github.com/microsoft/wsla/internal/relay"
	"github.com/microsoft/wsla/internal/vm"
)

// ProcessKind tells which kind of process a Process controls.
type ProcessKind int

const (
	// ContainerProcess is a container's init process.
	ContainerProcess ProcessKind = iota
	// ExecProcess was started in a running container.
	ExecProcess
	// VMProcess runs directly in the VM.
	VMProcess
)

func (k ProcessKind) String() string {
	switch k {
	case ContainerProcess:
		return "container"
	case ExecProcess:
		return "exec"
	case VMProcess:
		return "vm"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// UnknownExitCode is reported for processes whose exit status was never
// observed, such as execs detached when their container stopped.
const UnknownExitCode = -1

// control is the kind-specific half of a Process.
type control interface {
	kind() ProcessKind
	signal(ctx context.Context, sig syscall.Signal) error
	resize(ctx context.Context, rows, cols uint16) error
}

type containerControl struct {
	engine *docker.Client
	id     string
}

func (containerControl) kind() ProcessKind { return ContainerProcess }

func (cc containerControl) signal(ctx context.Context, sig syscall.Signal) error {
	return cc.engine.KillContainer(ctx, cc.id, strconv.Itoa(int(sig)))
}

func (cc containerControl) resize(ctx context.Context, rows, cols uint16) error {
	return cc.engine.ResizeContainer(ctx, cc.id, uint(rows), uint(cols))
}

type execControl struct {
	engine *docker.Client
	id     string
}

func (execControl) kind() ProcessKind { return ExecProcess }

func (execControl) signal(context.Context, syscall.Signal) error {
	return fmt.Errorf("signal exec process: %w", errdefs.ErrNotImplemented)
}

func (ec execControl) resize(ctx context.Context, rows, cols uint16) error {
	return ec.engine.ResizeExec(ctx, ec.id, uint(rows), uint(cols))
}

type vmControl struct {
	proc vm.Process
}

func (vmControl) kind() ProcessKind { return VMProcess }

func (vc vmControl) signal(_ context.Context, sig syscall.Signal) error {
	return vc.proc.Signal(sig)
}

func (vc vmControl) resize(_ context.Context, rows, cols uint16) error {
	return vc.proc.ResizeTTY(rows, cols)
}

// Process is a live handle on a container init process, an exec or a raw
// VM process. Its streams are nil unless it was attached.
type Process struct {
	s   *Session
	ctl control
	tty bool
	id  string

	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	conn   net.Conn

	subMu sync.Mutex
	sub   *events.Subscription

	exited    chan struct{}
	exitOnce  sync.Once
	exitCode  int
	closeOnce sync.Once
}

func newProcess(s *Session, ctl control, id string, tty bool) *Process {
	return &Process{s: s, ctl: ctl, id: id, tty: tty, exited: make(chan struct{})}
}

func (p *Process) Kind() ProcessKind { return p.ctl.kind() }

// ID is the container id, exec id or VM command line of the process.
func (p *Process) ID() string { return p.id }

func (p *Process) TTY() bool { return p.tty }

func (p *Process) Stdin() io.WriteCloser { return p.stdin }
func (p *Process) Stdout() io.ReadCloser { return p.stdout }

// Stderr is nil for tty processes.
func (p *Process) Stderr() io.ReadCloser { return p.stderr }

// Exited is closed once the exit code is known.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// ExitCode returns the exit code and whether the process has exited.
func (p *Process) ExitCode() (int, bool) {
	select {
	case <-p.exited:
		return p.exitCode, true
	default:
		return 0, false
	}
}

// Wait blocks until the process exits, ctx is done or the session ends.
func (p *Process) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.exited:
		return p.exitCode, nil
	case <-ctx.Done():
		return 0, fmt.Errorf("wait %s process: %w: %w", p.Kind(), relay.ErrAborted, ctx.Err())
	case <-p.s.ctx.Done():
		return 0, fmt.Errorf("wait %s process: %w: session terminated", p.Kind(), relay.ErrAborted)
	}
}

func (p *Process) Signal(ctx context.Context, sig syscall.Signal) error {
	if _, done := p.ExitCode(); done {
		return fmt.Errorf("signal %s process: already exited: %w", p.Kind(), errdefs.ErrFailedPrecondition)
	}
	ctx, cancel := p.s.callContext(ctx)
	defer cancel()
	return p.ctl.signal(ctx, sig)
}

func (p *Process) ResizeTTY(ctx context.Context, rows, cols uint16) error {
	if !p.tty {
		return fmt.Errorf("resize %s process: no tty: %w", p.Kind(), errdefs.ErrFailedPrecondition)
	}
	ctx, cancel := p.s.callContext(ctx)
	defer cancel()
	return p.ctl.resize(ctx, rows, cols)
}

// Close drops the process's streams. The process itself keeps running.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		if p.conn != nil {
			p.conn.Close()
		}
	})
	p.releaseSubscription()
	return nil
}

// markExited records code; only the first call has an effect.
func (p *Process) markExited(code int) {
	p.exitOnce.Do(func() {
		p.exitCode = code
		close(p.exited)
	})
}

// detach releases waiters and the event subscription of a process whose
// own exit will no longer be observed.
func (p *Process) detach() {
	p.markExited(UnknownExitCode)
	p.releaseSubscription()
}

func (p *Process) setSubscription(sub *events.Subscription) {
	p.subMu.Lock()
	p.sub = sub
	p.subMu.Unlock()
}

func (p *Process) releaseSubscription() {
	p.subMu.Lock()
	sub := p.sub
	p.sub = nil
	p.subMu.Unlock()
	if sub != nil {
		sub.Release()
	}
}

// attach wires an upgraded engine stream to the process's pipes. Output is
// pumped by the session relay; non-tty output is demultiplexed.
func (p *Process) attach(conn net.Conn) error {
	p.conn = conn
	p.stdin = &connStdin{conn: conn}

	outR, outW := io.Pipe()
	p.stdout = outR
	writers := []*io.PipeWriter{outW}

	var h relay.Handle
	if p.tty {
		h = &relay.CopyHandle{Src: conn, Dst: outW}
	} else {
		errR, errW := io.Pipe()
		p.stderr = errR
		writers = append(writers, errW)
		h = docker.DemuxHandle(conn, outW, errW)
	}

	return p.s.relay.Add(relay.WithCompletion(h, func(err error) {
		for _, w := range writers {
			w.CloseWithError(err)
		}
	}))
}

// connStdin writes to the attached stream; closing it half-closes the
// connection so the process sees end of input.
type connStdin struct {
	conn net.Conn
}

func (w *connStdin) Write(p []byte) (int, error) { return w.conn.Write(p) }

func (w *connStdin) Close() error {
	if cw, ok := w.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
