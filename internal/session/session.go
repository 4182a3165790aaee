// Package session manages the lifecycle of containers running in a guest
// VM: creation with port and volume transactions, start, stop, exec, logs,
// deletion, reaction to the engine's event feed and recovery of managed
// containers after a restart.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/microsoft/wsla/internal/docker"
	"github.com/microsoft/wsla/internal/events"
	"github.com/microsoft/wsla/internal/relay"
	"github.com/microsoft/wsla/internal/vm"
)

const (
	defaultVolumeRoot    = "/mnt/wsla/volumes"
	defaultEngineTimeout = 30 * time.Second
	daemonStopTimeout    = 10 * time.Second
)

// Options configure a Session.
type Options struct {
	// Name identifies the session in logs.
	Name string
	VM   vm.VM
	// Launcher starts the engine daemon and the events feed in the VM.
	Launcher vm.Launcher
	// EventsCommand prints the engine's task event feed on stdout.
	EventsCommand vm.Command
	// DaemonCommand, when set, is launched and supervised before the
	// engine is first contacted.
	DaemonCommand *vm.Command
	// VolumeRoot is the VM directory volume mounts are created under.
	VolumeRoot string
	// EngineTimeout bounds the wait for the engine to answer pings.
	EngineTimeout time.Duration
}

// Session owns every container it created or recovered, the relay driving
// their streams and the event tracker feeding them state changes.
type Session struct {
	name       string
	vm         vm.VM
	launcher   vm.Launcher
	engine     *docker.Client
	tracker    *events.Tracker
	relay      *relay.Relay
	volumeRoot string

	// ctx is cancelled when the session terminates.
	ctx    context.Context
	cancel context.CancelFunc
	daemon vm.Process

	mu         sync.Mutex
	containers map[string]*Container
	closed     bool
}

// New connects to the engine in opts.VM, starts the event feed and
// recovers the containers a previous session left behind.
func New(ctx context.Context, opts Options) (*Session, error) {
	if opts.VM == nil {
		return nil, fmt.Errorf("new session: no vm: %w", errdefs.ErrInvalidArgument)
	}
	if opts.VolumeRoot == "" {
		opts.VolumeRoot = defaultVolumeRoot
	}
	if opts.EngineTimeout <= 0 {
		opts.EngineTimeout = defaultEngineTimeout
	}

	s := &Session{
		name:       opts.Name,
		vm:         opts.VM,
		launcher:   opts.Launcher,
		engine:     docker.NewClient(opts.VM),
		tracker:    events.NewTracker(),
		relay:      relay.New(),
		volumeRoot: opts.VolumeRoot,
		containers: make(map[string]*Container),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := s.start(ctx, opts); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) start(ctx context.Context, opts Options) error {
	if opts.DaemonCommand != nil {
		if err := s.startDaemon(ctx, *opts.DaemonCommand); err != nil {
			return err
		}
	}
	if err := s.waitForEngine(ctx, opts.EngineTimeout); err != nil {
		return err
	}

	if opts.EventsCommand.Path == "" || s.launcher == nil {
		slog.Warn("no event feed configured, container exits will only be observed on stop", "session", s.name)
	} else if err := s.tracker.Start(ctx, s.launcher, opts.EventsCommand, s.relay); err != nil {
		return err
	} else {
		err := s.relay.Add(&relay.SignalHandle{C: s.tracker.Done(), OnSignaled: func() {
			s.terminate("event feed ended")
		}})
		if err != nil {
			return err
		}
	}

	return s.recover(ctx)
}

// Close releases the session's hold on its containers without deleting
// them, so that a later session can recover them.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	containers := make([]*Container, 0, len(s.containers))
	for _, c := range s.containers {
		containers = append(containers, c)
	}
	clear(s.containers)
	s.mu.Unlock()

	s.cancel()
	for _, c := range containers {
		c.teardown()
	}

	err := s.tracker.Stop()
	s.relay.Stop()
	s.stopDaemon()
	return err
}

// terminate ends the session after one of its collaborators died. Calls
// after Close only log.
func (s *Session) terminate(msg string, args ...any) {
	args = append([]any{"session", s.name}, args...)
	select {
	case <-s.ctx.Done():
		slog.Info(msg, args...)
		return
	default:
	}
	slog.Warn(msg+", terminating session", args...)
	s.cancel()
}

// Done is closed when the session terminates, either through Close or
// because the engine daemon or the event feed died.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Engine exposes the engine client.
func (s *Session) Engine() *docker.Client { return s.engine }

// callContext derives a context for one engine call that is also cancelled
// when the session terminates.
func (s *Session) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// bind ties h to the caller's ctx as well as the relay's.
func bind(callCtx context.Context, h relay.Handle) relay.Handle {
	return relay.HandleFunc(func(ctx context.Context) error {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(callCtx, cancel)
		defer stop()
		return h.Run(ctx)
	})
}

// await runs h on the relay and waits for it.
func (s *Session) await(ctx context.Context, h relay.Handle) error {
	done := make(chan error, 1)
	if err := s.relay.Add(relay.WithCompletion(bind(ctx, h), func(err error) { done <- err })); err != nil {
		return err
	}
	err := <-done
	if err != nil && ctx.Err() != nil && !errors.Is(err, relay.ErrAborted) {
		return fmt.Errorf("%w: %w", relay.ErrAborted, ctx.Err())
	}
	return err
}

func (s *Session) register(c *Container) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session %s: closed: %w", s.name, errdefs.ErrUnavailable)
	}
	s.containers[c.id] = c
	return nil
}

func (s *Session) unregister(c *Container) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.containers[c.id] == c {
		delete(s.containers, c.id)
	}
}

// Container finds a managed container by id, unique id prefix or name.
func (s *Session) Container(ref string) (*Container, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.containers[ref]; ok {
		return c, nil
	}
	var match *Container
	for _, c := range s.containers {
		if c.name == strings.TrimPrefix(ref, "/") {
			return c, nil
		}
		if ref != "" && strings.HasPrefix(c.id, ref) {
			if match != nil {
				return nil, fmt.Errorf("container %s: ambiguous id prefix: %w", ref, errdefs.ErrInvalidArgument)
			}
			match = c
		}
	}
	if match == nil {
		return nil, fmt.Errorf("container %s: %w", ref, errdefs.ErrNotFound)
	}
	return match, nil
}

// List returns the managed containers ordered by name.
func (s *Session) List() []*Container {
	s.mu.Lock()
	list := make([]*Container, 0, len(s.containers))
	for _, c := range s.containers {
		list = append(list, c)
	}
	s.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].name < list[j].name })
	return list
}

// PullImage pulls ref, reporting engine progress messages to onProgress.
func (s *Session) PullImage(ctx context.Context, ref string, onProgress func(jsonmessage.JSONMessage)) error {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	h, err := s.engine.PullImage(ctx, ref, onProgress)
	if err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	if err := s.await(ctx, h); err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	return nil
}

// RunVMProcess starts cmd directly in the VM.
func (s *Session) RunVMProcess(ctx context.Context, cmd vm.Command) (*Process, error) {
	if s.launcher == nil {
		return nil, fmt.Errorf("run %s: no process launcher: %w", cmd, errdefs.ErrNotImplemented)
	}
	proc, err := s.launcher.Launch(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", cmd, err)
	}

	p := newProcess(s, vmControl{proc: proc}, cmd.String(), cmd.TTY)
	p.stdin, p.stdout, p.stderr = proc.Stdin(), proc.Stdout(), proc.Stderr()

	err = s.relay.Add(&relay.SignalHandle{
		C:          proc.Exited(),
		OnSignaled: func() { p.markExited(proc.ExitCode()) },
	})
	if err != nil {
		proc.Signal(syscall.SIGKILL)
		return nil, err
	}
	return p, nil
}
