package session

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"regexp"
	"strconv"
	"sync"
	"syscall"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"

	"github.com/microsoft/wsla/internal/docker"
	"github.com/microsoft/wsla/internal/events"
)

var validName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]+$`)

// CreateOptions describe a container to create.
type CreateOptions struct {
	Name       string
	Image      string
	Entrypoint []string
	Cmd        []string
	Env        []string
	WorkingDir string
	User       string
	TTY        bool
	Labels     map[string]string
	Network    NetworkMode
	Ports      []PortRequest
	Volumes    []VolumeRequest
	// AutoRemove deletes the container once it has stopped.
	AutoRemove bool
}

func (o *CreateOptions) validate() error {
	if o.Image == "" {
		return fmt.Errorf("create container: no image: %w", errdefs.ErrInvalidArgument)
	}
	if o.Name != "" && !validName.MatchString(o.Name) {
		return fmt.Errorf("create container: invalid name %q: %w", o.Name, errdefs.ErrInvalidArgument)
	}
	if _, ok := o.Labels[MetadataLabel]; ok {
		return fmt.Errorf("create container: label %s is reserved: %w", MetadataLabel, errdefs.ErrInvalidArgument)
	}
	if err := validatePorts(o.Ports); err != nil {
		return err
	}
	return validateVolumes(o.Volumes)
}

// Container is a managed container. Lifecycle operations are serialized;
// state and resource lists are guarded by their own lock.
type Container struct {
	s          *Session
	id         string
	name       string
	image      string
	labels     map[string]string
	tty        bool
	network    NetworkMode
	autoRemove bool

	// opMu serializes Start, Stop, Exec and Delete.
	opMu sync.Mutex

	mu       sync.Mutex
	state    State
	history  []State
	exitCode int
	ports    *portSet
	volumes  *volumeSet
	init     *Process
	execs    map[string]*Process

	sub          *events.Subscription
	qmu          sync.Mutex
	queue        []events.Event
	wake         chan struct{}
	quit         chan struct{}
	pumpDone     chan struct{}
	teardownOnce sync.Once
}

func newContainer(s *Session, id, name, image string, labels map[string]string, state State, rc recoveryConfig, ports *portSet, volumes *volumeSet) *Container {
	c := &Container{
		s:          s,
		id:         id,
		name:       name,
		image:      image,
		labels:     labels,
		tty:        rc.TTY,
		network:    rc.Network,
		autoRemove: rc.AutoRemove,
		state:      state,
		history:    []State{state},
		ports:      ports,
		volumes:    volumes,
		execs:      make(map[string]*Process),
		wake:       make(chan struct{}, 1),
		quit:       make(chan struct{}),
		pumpDone:   make(chan struct{}),
	}
	return c
}

// watch subscribes c to its container's events. c must be fully built, as
// the pump may run before watch returns.
func (c *Container) watch() {
	c.sub = c.s.tracker.Subscribe(c.id, "", c.enqueue)
	go c.pump()
}

// CreateContainer mounts the requested volumes, resolves and maps the
// requested ports and creates the container. Any failure releases what was
// acquired.
func (s *Session) CreateContainer(ctx context.Context, opts CreateOptions) (*Container, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	volumes, err := mountVolumes(s.vm, s.volumeRoot, opts.Volumes)
	if err != nil {
		return nil, fmt.Errorf("create container %s: %w", opts.Name, err)
	}
	ports, err := acquirePorts(s.vm, opts.Network, opts.Ports)
	if err != nil {
		volumes.release()
		return nil, fmt.Errorf("create container %s: %w", opts.Name, err)
	}

	rc := recoveryConfig{
		TTY:        opts.TTY,
		Network:    opts.Network,
		Ports:      ports.Mappings(),
		Volumes:    volumes.Mounts(),
		AutoRemove: opts.AutoRemove,
	}
	id, err := s.createEngineContainer(ctx, opts, rc, ports, volumes)
	if err != nil {
		ports.release()
		volumes.release()
		return nil, fmt.Errorf("create container %s: %w", opts.Name, err)
	}

	name := opts.Name
	if name == "" {
		name = shortID(id)
	}
	c := newContainer(s, id, name, opts.Image, maps.Clone(opts.Labels), Created, rc, ports, volumes)
	c.watch()
	if err := s.register(c); err != nil {
		c.teardown()
		return nil, err
	}
	slog.Info("container created", "container", name, "id", shortID(id), "image", opts.Image)
	return c, nil
}

func (s *Session) createEngineContainer(ctx context.Context, opts CreateOptions, rc recoveryConfig, ports *portSet, volumes *volumeSet) (string, error) {
	md, err := encodeMetadata(rc)
	if err != nil {
		return "", err
	}
	labels := maps.Clone(opts.Labels)
	if labels == nil {
		labels = make(map[string]string)
	}
	labels[MetadataLabel] = md

	exposed, bindings, err := ports.engineConfig(opts.Network)
	if err != nil {
		return "", err
	}

	cfg := &container.Config{
		Image:        opts.Image,
		Entrypoint:   opts.Entrypoint,
		Cmd:          opts.Cmd,
		Env:          opts.Env,
		WorkingDir:   opts.WorkingDir,
		User:         opts.User,
		Tty:          opts.TTY,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels:       labels,
		ExposedPorts: exposed,
	}
	host := &container.HostConfig{
		NetworkMode:  container.NetworkMode(opts.Network.String()),
		PortBindings: bindings,
		Mounts:       volumes.engineMounts(),
	}
	return s.engine.CreateContainer(ctx, opts.Name, cfg, host)
}

func (c *Container) ID() string   { return c.id }
func (c *Container) Name() string { return c.name }
func (c *Container) Image() string { return c.image }
func (c *Container) TTY() bool     { return c.tty }

// State returns the current lifecycle state.
func (c *Container) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ExitCode is the init process's exit code once the container has exited.
func (c *Container) ExitCode() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode, c.state >= Exited
}

// Labels returns the user labels, without the reserved metadata label.
func (c *Container) Labels() map[string]string {
	out := maps.Clone(c.labels)
	if out == nil {
		out = make(map[string]string)
	}
	delete(out, MetadataLabel)
	return out
}

func (c *Container) Ports() []PortMapping {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ports.Mappings()
}

func (c *Container) Volumes() []VolumeMount {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.volumes.Mounts()
}

// Init returns the init process handle, if the container was started by
// this session or recovered while running.
func (c *Container) Init() *Process {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.init
}

// advance moves to next if it is later than the current state and reports
// whether the state changed. Caller holds c.mu.
func (c *Container) advance(next State) bool {
	if next <= c.state {
		return false
	}
	c.state = next
	c.history = append(c.history, next)
	return true
}

func (c *Container) require(op string, allowed ...State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range allowed {
		if c.state == st {
			return nil
		}
	}
	return &StateError{ID: c.id, Op: op, State: c.state}
}

// StartOptions control Start.
type StartOptions struct {
	// Attach opens the init process's stdio before the container starts.
	Attach bool
}

// Start starts a Created container and returns its init process.
func (c *Container) Start(ctx context.Context, opts StartOptions) (*Process, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.require("start", Created); err != nil {
		return nil, err
	}
	ctx, cancel := c.s.callContext(ctx)
	defer cancel()

	p := newProcess(c.s, containerControl{engine: c.s.engine, id: c.id}, c.id, c.tty)
	if opts.Attach {
		conn, err := c.s.engine.AttachContainer(ctx, c.id)
		if err != nil {
			return nil, fmt.Errorf("attach container %s: %w", shortID(c.id), err)
		}
		if err := p.attach(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("attach container %s: %w", shortID(c.id), err)
		}
	}

	c.mu.Lock()
	c.init = p
	c.mu.Unlock()

	if err := c.s.engine.StartContainer(ctx, c.id); err != nil {
		c.mu.Lock()
		c.init = nil
		c.mu.Unlock()
		p.Close()
		return nil, fmt.Errorf("start container %s: %w", shortID(c.id), err)
	}

	c.mu.Lock()
	c.advance(Running)
	c.mu.Unlock()
	slog.Info("container started", "container", c.name)
	return p, nil
}

// StopOptions control Stop.
type StopOptions struct {
	// Signal defaults to the engine's stop signal.
	Signal syscall.Signal
	// Timeout is the grace period in seconds before the engine kills the
	// container; nil uses the engine default.
	Timeout *int
}

// Stop stops the container. Stopping an exited container succeeds without
// contacting the engine. Auto-remove containers are deleted after a
// successful stop.
func (c *Container) Stop(ctx context.Context, opts StopOptions) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	switch c.State() {
	case Exited:
		return nil
	case Deleted:
		return &StateError{ID: c.id, Op: "stop", State: Deleted}
	}

	ctx, cancel := c.s.callContext(ctx)
	defer cancel()

	sig := ""
	if opts.Signal != 0 {
		sig = strconv.Itoa(int(opts.Signal))
	}
	err := c.s.engine.StopContainer(ctx, c.id, sig, opts.Timeout)
	if err != nil && !errdefs.IsNotModified(err) {
		return fmt.Errorf("stop container %s: %w", shortID(c.id), err)
	}

	code := UnknownExitCode
	if info, err := c.s.engine.InspectContainer(ctx, c.id); err == nil && info.State != nil {
		code = info.State.ExitCode
	} else if err != nil {
		slog.Debug("inspect stopped container", "container", c.name, "err", err)
	}
	c.exited(code)
	slog.Info("container stopped", "container", c.name)

	if c.autoRemove {
		return c.deleteLocked(ctx)
	}
	return nil
}

// Delete removes a container that is not running and releases its ports
// and volumes. The Container is unusable afterwards.
func (c *Container) Delete(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	ctx, cancel := c.s.callContext(ctx)
	defer cancel()
	return c.deleteLocked(ctx)
}

// deleteLocked deletes the container. Caller holds c.opMu.
func (c *Container) deleteLocked(ctx context.Context) error {
	if err := c.require("delete", Created, Exited); err != nil {
		return err
	}
	if err := c.s.engine.DeleteContainer(ctx, c.id, false); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("delete container %s: %w", shortID(c.id), err)
	}

	c.teardown()
	c.mu.Lock()
	c.advance(Deleted)
	c.mu.Unlock()
	c.s.unregister(c)
	slog.Info("container deleted", "container", c.name)
	return nil
}

// autoDelete removes an auto-remove container that exited on its own.
func (c *Container) autoDelete() {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.State() == Deleted {
		return
	}
	ctx, cancel := c.s.callContext(context.Background())
	defer cancel()
	if err := c.deleteLocked(ctx); err != nil {
		slog.Warn("auto-remove container", "container", c.name, "err", err)
	}
}

// teardown releases everything the session holds for the container: event
// subscriptions, process handles, port forwards and volume mounts. Only the
// first call has an effect.
func (c *Container) teardown() {
	c.teardownOnce.Do(func() {
		close(c.quit)
		<-c.pumpDone
		c.sub.Release()

		c.mu.Lock()
		init, execs := c.init, c.execs
		c.execs = make(map[string]*Process)
		ports, volumes := c.ports, c.volumes
		c.mu.Unlock()

		for _, p := range execs {
			p.detach()
			p.Close()
		}
		if init != nil {
			init.detach()
			init.Close()
		}
		ports.release()
		volumes.release()
	})
}

// exited records that the init process is gone and releases every process
// waiting on the container. It reports whether the state changed.
func (c *Container) exited(code int) bool {
	c.mu.Lock()
	changed := c.advance(Exited)
	if changed {
		c.exitCode = code
	}
	init, execs := c.init, c.execs
	c.execs = make(map[string]*Process)
	c.mu.Unlock()

	if init != nil {
		init.markExited(code)
	}
	for _, p := range execs {
		p.detach()
	}
	return changed
}

// enqueue is the tracker callback. It runs under the tracker lock, so it
// only queues the event for the container's pump.
func (c *Container) enqueue(ev events.Event) {
	c.qmu.Lock()
	c.queue = append(c.queue, ev)
	c.qmu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Container) pump() {
	defer close(c.pumpDone)
	for {
		select {
		case <-c.wake:
		case <-c.quit:
			return
		}
		for {
			c.qmu.Lock()
			if len(c.queue) == 0 {
				c.qmu.Unlock()
				break
			}
			ev := c.queue[0]
			c.queue = c.queue[1:]
			c.qmu.Unlock()

			c.handleEvent(ev)
		}
	}
}

func (c *Container) handleEvent(ev events.Event) {
	slog.Debug("container event", "container", c.name, "kind", ev.Kind, "exec", ev.ExecID)

	if ev.ExecID != "" {
		if ev.Kind != events.Exit {
			return
		}
		c.mu.Lock()
		p := c.execs[ev.ExecID]
		delete(c.execs, ev.ExecID)
		c.mu.Unlock()
		if p != nil {
			code := UnknownExitCode
			if ev.HasExitCode {
				code = ev.ExitCode
			}
			p.markExited(code)
			p.releaseSubscription()
		}
		return
	}

	switch ev.Kind {
	case events.Start:
		c.mu.Lock()
		c.advance(Running)
		c.mu.Unlock()
	case events.Stop, events.Exit, events.Destroy:
		code := UnknownExitCode
		if ev.HasExitCode {
			code = ev.ExitCode
		}
		if c.exited(code) && c.autoRemove {
			go c.autoDelete()
		}
	}
}

// ExecOptions describe a process to start in a running container.
type ExecOptions struct {
	Cmd        []string
	Env        []string
	WorkingDir string
	User       string
	TTY        bool
	Rows, Cols uint16
}

// Exec starts a process in the running container and attaches to it.
func (c *Container) Exec(ctx context.Context, opts ExecOptions) (*Process, error) {
	if len(opts.Cmd) == 0 {
		return nil, fmt.Errorf("exec in %s: no command: %w", shortID(c.id), errdefs.ErrInvalidArgument)
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.require("exec in", Running); err != nil {
		return nil, err
	}
	ctx, cancel := c.s.callContext(ctx)
	defer cancel()

	execOpts := container.ExecOptions{
		User:         opts.User,
		Tty:          opts.TTY,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Env:          opts.Env,
		WorkingDir:   opts.WorkingDir,
		Cmd:          opts.Cmd,
	}
	if opts.TTY && opts.Rows > 0 && opts.Cols > 0 {
		execOpts.ConsoleSize = &[2]uint{uint(opts.Rows), uint(opts.Cols)}
	}
	execID, err := c.s.engine.CreateExec(ctx, c.id, execOpts)
	if err != nil {
		return nil, fmt.Errorf("exec in %s: %w", shortID(c.id), err)
	}

	p := newProcess(c.s, execControl{engine: c.s.engine, id: execID}, execID, opts.TTY)
	p.setSubscription(c.s.tracker.Subscribe(c.id, execID, c.enqueue))
	c.mu.Lock()
	if c.state != Running {
		// The container stopped while the exec was being created.
		state := c.state
		c.mu.Unlock()
		p.detach()
		p.Close()
		return nil, &StateError{ID: c.id, Op: "exec in", State: state}
	}
	c.execs[execID] = p
	c.mu.Unlock()

	fail := func(err error) (*Process, error) {
		c.mu.Lock()
		delete(c.execs, execID)
		c.mu.Unlock()
		p.detach()
		p.Close()
		return nil, fmt.Errorf("exec in %s: %w", shortID(c.id), err)
	}

	conn, err := c.s.engine.StartExec(ctx, execID, opts.TTY)
	if err != nil {
		return fail(err)
	}
	if err := p.attach(conn); err != nil {
		conn.Close()
		return fail(err)
	}
	return p, nil
}

// Inspect returns the engine's view of the container.
func (c *Container) Inspect(ctx context.Context) (*docker.ContainerInspect, error) {
	if err := c.require("inspect", Created, Running, Exited); err != nil {
		return nil, err
	}
	ctx, cancel := c.s.callContext(ctx)
	defer cancel()

	info, err := c.s.engine.InspectContainer(ctx, c.id)
	if err != nil {
		return nil, fmt.Errorf("inspect container %s: %w", shortID(c.id), err)
	}
	return info, nil
}

// LogOptions select which log output to stream.
type LogOptions struct {
	Stdout     bool
	Stderr     bool
	Follow     bool
	Timestamps bool
	Tail       string
	Since      string
}

// Logs streams the container's logs. The streams end when the engine ends
// the log stream, ctx is done or the session terminates.
func (c *Container) Logs(ctx context.Context, opts LogOptions) (*docker.LogStreams, error) {
	if err := c.require("logs of", Created, Running, Exited); err != nil {
		return nil, err
	}
	if !opts.Stdout && !opts.Stderr {
		opts.Stdout, opts.Stderr = true, true
	}

	streams, h, err := c.s.engine.ContainerLogs(ctx, c.id, c.tty, container.LogsOptions{
		ShowStdout: opts.Stdout,
		ShowStderr: opts.Stderr,
		Follow:     opts.Follow,
		Timestamps: opts.Timestamps,
		Tail:       opts.Tail,
		Since:      opts.Since,
	})
	if err != nil {
		return nil, fmt.Errorf("logs of %s: %w", shortID(c.id), err)
	}
	if err := c.s.relay.Add(bind(ctx, h)); err != nil {
		streams.Stdout.Close()
		if streams.Stderr != nil {
			streams.Stderr.Close()
		}
		return nil, err
	}
	return streams, nil
}

// states returns the states the container has passed through.
func (c *Container) states() []State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]State(nil), c.history...)
}
