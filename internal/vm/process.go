package vm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/containerd/errdefs"
	"github.com/creack/pty"
)

// ExecLauncher starts processes on the current host with os/exec. TTY
// commands run on a pseudo-terminal.
type ExecLauncher struct{}

func (ExecLauncher) Launch(ctx context.Context, c Command) (Process, error) {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	p := &execProcess{cmd: cmd, exited: make(chan struct{})}

	if c.TTY {
		size := &pty.Winsize{Rows: c.Rows, Cols: c.Cols}
		if size.Rows == 0 || size.Cols == 0 {
			size = &pty.Winsize{Rows: 24, Cols: 80}
		}
		ptmx, err := pty.StartWithSize(cmd, size)
		if err != nil {
			return nil, fmt.Errorf("start %s: %w", c, err)
		}
		p.pty = ptmx
		p.stdin = ptmx
		p.stdout = ptmx
	} else {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		// os.Pipe rather than StdoutPipe: Wait must not close the read
		// sides before the caller has drained them.
		stdout, stdoutW, err := os.Pipe()
		if err != nil {
			return nil, err
		}
		stderr, stderrW, err := os.Pipe()
		if err != nil {
			stdout.Close()
			stdoutW.Close()
			return nil, err
		}
		cmd.Stdout, cmd.Stderr = stdoutW, stderrW
		err = cmd.Start()
		stdoutW.Close()
		stderrW.Close()
		if err != nil {
			stdout.Close()
			stderr.Close()
			return nil, fmt.Errorf("start %s: %w", c, err)
		}
		p.stdin, p.stdout, p.stderr = stdin, stdout, stderr
	}

	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	pty    *os.File
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	exited   chan struct{}
	exitCode int
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				code = 128 + int(ws.Signal())
			}
		} else {
			code = -1
		}
	}
	p.exitCode = code
	close(p.exited)
}

func (p *execProcess) Stdin() io.WriteCloser  { return p.stdin }
func (p *execProcess) Stdout() io.ReadCloser  { return p.stdout }
func (p *execProcess) Stderr() io.ReadCloser  { return p.stderr }
func (p *execProcess) Exited() <-chan struct{} { return p.exited }

func (p *execProcess) ExitCode() int {
	<-p.exited
	return p.exitCode
}

func (p *execProcess) Signal(sig syscall.Signal) error {
	select {
	case <-p.exited:
		return fmt.Errorf("signal %d: process already exited: %w", p.cmd.Process.Pid, errdefs.ErrFailedPrecondition)
	default:
	}
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) ResizeTTY(rows, cols uint16) error {
	if p.pty == nil {
		return fmt.Errorf("resize: process has no tty: %w", errdefs.ErrFailedPrecondition)
	}
	return pty.Setsize(p.pty, &pty.Winsize{Rows: rows, Cols: cols})
}

// PipeProcess is an in-memory Process whose streams are pipes. It stands in
// for guest processes the host cannot run itself, such as a feed relayed
// from elsewhere.
type PipeProcess struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdout  io.ReadCloser
	stderr  io.ReadCloser
	exited  chan struct{}
	once    sync.Once
	code    int
	onSig   func(sig syscall.Signal)
	resized func(rows, cols uint16)
}

// NewPipeProcess wraps stdout and stderr (which may be nil) as a running
// process. Signals are passed to onSignal when set; SIGKILL and SIGTERM exit
// the process otherwise.
func NewPipeProcess(stdout, stderr io.ReadCloser, onSignal func(sig syscall.Signal)) *PipeProcess {
	r, w := io.Pipe()
	return &PipeProcess{
		stdinR: r,
		stdinW: w,
		stdout: stdout,
		stderr: stderr,
		exited: make(chan struct{}),
		onSig:  onSignal,
	}
}

// StdinReader is the process side of Stdin.
func (p *PipeProcess) StdinReader() io.Reader { return p.stdinR }

func (p *PipeProcess) Stdin() io.WriteCloser  { return p.stdinW }
func (p *PipeProcess) Stdout() io.ReadCloser  { return p.stdout }
func (p *PipeProcess) Stderr() io.ReadCloser  { return p.stderr }
func (p *PipeProcess) Exited() <-chan struct{} { return p.exited }

func (p *PipeProcess) ExitCode() int {
	<-p.exited
	return p.code
}

// Exit marks the process exited with code and closes its streams.
func (p *PipeProcess) Exit(code int) {
	p.once.Do(func() {
		p.code = code
		p.stdinR.CloseWithError(io.ErrClosedPipe)
		if p.stdout != nil {
			p.stdout.Close()
		}
		if p.stderr != nil {
			p.stderr.Close()
		}
		close(p.exited)
	})
}

func (p *PipeProcess) Signal(sig syscall.Signal) error {
	select {
	case <-p.exited:
		return fmt.Errorf("signal: process already exited: %w", errdefs.ErrFailedPrecondition)
	default:
	}
	if p.onSig != nil {
		p.onSig(sig)
		return nil
	}
	if sig == syscall.SIGKILL || sig == syscall.SIGTERM {
		p.Exit(128 + int(sig))
	}
	return nil
}

// OnResize registers a callback for ResizeTTY.
func (p *PipeProcess) OnResize(fn func(rows, cols uint16)) { p.resized = fn }

func (p *PipeProcess) ResizeTTY(rows, cols uint16) error {
	if p.resized == nil {
		return fmt.Errorf("resize: process has no tty: %w", errdefs.ErrFailedPrecondition)
	}
	p.resized(rows, cols)
	return nil
}
