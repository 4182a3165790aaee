package handlers

import (
	"fmt"
	"log/slog"
	"syscall"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	units "github.com/docker/go-units"
	"golang.org/x/sys/unix"

	"github.com/microsoft/wsla/internal/session"
	"github.com/microsoft/wsla/internal/vm"
	"github.com/microsoft/wsla/internal/ws"
)

func RegisterContainerHandlers(app *App) {
	app.WS.Handle("createContainer", app.handleCreateContainer)
	app.WS.Handle("startContainer", app.handleStartContainer)
	app.WS.Handle("stopContainer", app.handleStopContainer)
	app.WS.Handle("signalContainer", app.handleSignalContainer)
	app.WS.Handle("deleteContainer", app.handleDeleteContainer)
	app.WS.Handle("execContainer", app.handleExecContainer)
	app.WS.Handle("inspectContainer", app.handleInspectContainer)
	app.WS.Handle("containerLogs", app.handleContainerLogs)
	app.WS.Handle("getState", app.handleGetState)
	app.WS.Handle("getLabels", app.handleGetLabels)
	app.WS.Handle("listContainers", app.handleListContainers)
	app.WS.Handle("pullImage", app.handlePullImage)
	app.WS.Handle("runProcess", app.handleRunProcess)
	app.WS.Handle("auditLog", app.handleAuditLog)
}

// PortSpec is the wire form of a port request.
type PortSpec struct {
	HostPort      uint16 `json:"hostPort"`
	ContainerPort uint16 `json:"containerPort"`
	Family        string `json:"family,omitempty"` // "ipv4" (default) or "ipv6"
	Protocol      string `json:"protocol,omitempty"`
}

// VolumeSpec is the wire form of a volume request.
type VolumeSpec struct {
	HostPath      string `json:"hostPath"`
	ContainerPath string `json:"containerPath"`
	ReadOnly      bool   `json:"readOnly,omitempty"`
}

// CreateRequest is the argument of createContainer.
type CreateRequest struct {
	Name       string            `json:"name"`
	Image      string            `json:"image"`
	Entrypoint []string          `json:"entrypoint,omitempty"`
	Cmd        []string          `json:"cmd,omitempty"`
	Env        []string          `json:"env,omitempty"`
	WorkingDir string            `json:"workingDir,omitempty"`
	User       string            `json:"user,omitempty"`
	TTY        bool              `json:"tty,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	Network    string            `json:"network,omitempty"`
	Ports      []PortSpec        `json:"ports,omitempty"`
	Volumes    []VolumeSpec      `json:"volumes,omitempty"`
	AutoRemove bool              `json:"autoRemove,omitempty"`
}

func (r *CreateRequest) options() (session.CreateOptions, error) {
	mode, err := session.ParseNetworkMode(r.Network)
	if err != nil {
		return session.CreateOptions{}, err
	}
	opts := session.CreateOptions{
		Name:       r.Name,
		Image:      r.Image,
		Entrypoint: r.Entrypoint,
		Cmd:        r.Cmd,
		Env:        r.Env,
		WorkingDir: r.WorkingDir,
		User:       r.User,
		TTY:        r.TTY,
		Labels:     r.Labels,
		Network:    mode,
		AutoRemove: r.AutoRemove,
	}
	for _, p := range r.Ports {
		fam, err := vm.ParseFamily(p.Family)
		if err != nil {
			return session.CreateOptions{}, fmt.Errorf("%w: %w", errdefs.ErrInvalidArgument, err)
		}
		opts.Ports = append(opts.Ports, session.PortRequest{
			HostPort:      p.HostPort,
			ContainerPort: p.ContainerPort,
			Family:        fam,
			Protocol:      p.Protocol,
		})
	}
	for _, v := range r.Volumes {
		opts.Volumes = append(opts.Volumes, session.VolumeRequest(v))
	}
	return opts, nil
}

// ContainerSummary is how containers are listed on the wire.
type ContainerSummary struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Image    string            `json:"image"`
	State    string            `json:"state"`
	TTY      bool              `json:"tty"`
	ExitCode *int              `json:"exitCode,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
	Ports    []PortSummary     `json:"ports,omitempty"`
	Volumes  []VolumeSpec      `json:"volumes,omitempty"`
}

type PortSummary struct {
	HostPort      uint16 `json:"hostPort"`
	VMPort        uint16 `json:"vmPort"`
	ContainerPort uint16 `json:"containerPort"`
	Family        string `json:"family"`
	Protocol      string `json:"protocol"`
}

func summarize(c *session.Container) ContainerSummary {
	s := ContainerSummary{
		ID:     c.ID(),
		Name:   c.Name(),
		Image:  c.Image(),
		State:  c.State().String(),
		TTY:    c.TTY(),
		Labels: c.Labels(),
	}
	if code, ok := c.ExitCode(); ok {
		s.ExitCode = &code
	}
	for _, p := range c.Ports() {
		s.Ports = append(s.Ports, PortSummary{
			HostPort:      p.HostPort,
			VMPort:        p.VMPort,
			ContainerPort: p.ContainerPort,
			Family:        p.Family.String(),
			Protocol:      p.Protocol,
		})
	}
	for _, v := range c.Volumes() {
		s.Volumes = append(s.Volumes, VolumeSpec{HostPath: v.HostPath, ContainerPath: v.ContainerPath, ReadOnly: v.ReadOnly})
	}
	return s
}

type containerResponse struct {
	OK        bool              `json:"ok"`
	Container *ContainerSummary `json:"container,omitempty"`
	Terminal  string            `json:"terminal,omitempty"`
}

// lookup resolves the container named by the first argument or acks the
// failure.
func (app *App) lookup(c *ws.Conn, msg *ws.ClientMessage) (*session.Container, bool) {
	ref := argString(parseArgs(msg), 0)
	if ref == "" {
		sendInvalid(c, msg, "Container name or id required")
		return nil, false
	}
	ctr, err := app.Session.Container(ref)
	if err != nil {
		sendError(c, msg, err)
		return nil, false
	}
	return ctr, true
}

func (app *App) handleCreateContainer(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == "" {
		return
	}
	var req CreateRequest
	if !argObject(parseArgs(msg), 0, &req) {
		sendInvalid(c, msg, "Invalid arguments")
		return
	}
	opts, err := req.options()
	if err != nil {
		sendError(c, msg, err)
		return
	}

	ctx, cancel := callContext(c)
	defer cancel()

	ctr, err := app.Session.CreateContainer(ctx, opts)
	app.audit(c, "create", req.Name, err)
	if err != nil {
		slog.Warn("create container", "name", req.Name, "err", err)
		sendError(c, msg, err)
		return
	}
	if msg.ID != nil {
		sum := summarize(ctr)
		ws.SendAck(c, *msg.ID, containerResponse{OK: true, Container: &sum})
	}
}

func (app *App) handleStartContainer(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == "" {
		return
	}
	ctr, ok := app.lookup(c, msg)
	if !ok {
		return
	}
	attach := argBool(parseArgs(msg), 1)

	ctx, cancel := callContext(c)
	defer cancel()

	proc, err := ctr.Start(ctx, session.StartOptions{Attach: attach})
	app.audit(c, "start", ctr.Name(), err)
	if err != nil {
		sendError(c, msg, err)
		return
	}

	resp := containerResponse{OK: true}
	if attach {
		resp.Terminal = app.openProcessTerminal(c, ctr.ID(), proc).Name
	}
	if msg.ID != nil {
		sum := summarize(ctr)
		resp.Container = &sum
		ws.SendAck(c, *msg.ID, resp)
	}
}

type stopRequest struct {
	Signal  string `json:"signal,omitempty"`
	Timeout *int   `json:"timeout,omitempty"`
}

func (app *App) handleStopContainer(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == "" {
		return
	}
	ctr, ok := app.lookup(c, msg)
	if !ok {
		return
	}
	var req stopRequest
	argObject(parseArgs(msg), 1, &req)

	opts := session.StopOptions{Timeout: req.Timeout}
	if req.Signal != "" {
		sig, err := parseSignal(req.Signal)
		if err != nil {
			sendError(c, msg, err)
			return
		}
		opts.Signal = sig
	}

	ctx, cancel := callContext(c)
	defer cancel()

	err := ctr.Stop(ctx, opts)
	app.audit(c, "stop", ctr.Name(), err)
	if err != nil {
		sendError(c, msg, err)
		return
	}
	sendOK(c, msg)
}

func (app *App) handleSignalContainer(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == "" {
		return
	}
	ctr, ok := app.lookup(c, msg)
	if !ok {
		return
	}
	sig, err := parseSignal(argString(parseArgs(msg), 1))
	if err != nil {
		sendError(c, msg, err)
		return
	}
	proc := ctr.Init()
	if proc == nil {
		sendError(c, msg, &session.StateError{ID: ctr.ID(), Op: "signal", State: ctr.State()})
		return
	}

	ctx, cancel := callContext(c)
	defer cancel()

	err = proc.Signal(ctx, sig)
	app.audit(c, "signal "+unix.SignalName(sig), ctr.Name(), err)
	if err != nil {
		sendError(c, msg, err)
		return
	}
	sendOK(c, msg)
}

func (app *App) handleDeleteContainer(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == "" {
		return
	}
	ctr, ok := app.lookup(c, msg)
	if !ok {
		return
	}

	ctx, cancel := callContext(c)
	defer cancel()

	err := ctr.Delete(ctx)
	app.audit(c, "delete", ctr.Name(), err)
	if err != nil {
		sendError(c, msg, err)
		return
	}
	app.closeContainerTerminals(ctr.ID())
	sendOK(c, msg)
}

type execRequest struct {
	Cmd        []string `json:"cmd"`
	Env        []string `json:"env,omitempty"`
	WorkingDir string   `json:"workingDir,omitempty"`
	User       string   `json:"user,omitempty"`
	TTY        bool     `json:"tty,omitempty"`
	Rows       uint16   `json:"rows,omitempty"`
	Cols       uint16   `json:"cols,omitempty"`
}

func (app *App) handleExecContainer(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == "" {
		return
	}
	ctr, ok := app.lookup(c, msg)
	if !ok {
		return
	}
	var req execRequest
	if !argObject(parseArgs(msg), 1, &req) {
		sendInvalid(c, msg, "Invalid arguments")
		return
	}

	ctx, cancel := callContext(c)
	defer cancel()

	proc, err := ctr.Exec(ctx, session.ExecOptions(req))
	app.audit(c, "exec", ctr.Name(), err)
	if err != nil {
		sendError(c, msg, err)
		return
	}

	term := app.openProcessTerminal(c, ctr.ID(), proc)
	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, containerResponse{OK: true, Terminal: term.Name})
	}
}

type inspectResponse struct {
	OK      bool `json:"ok"`
	Inspect any  `json:"inspect"`
}

func (app *App) handleInspectContainer(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == "" {
		return
	}
	ctr, ok := app.lookup(c, msg)
	if !ok {
		return
	}

	ctx, cancel := callContext(c)
	defer cancel()

	info, err := ctr.Inspect(ctx)
	if err != nil {
		sendError(c, msg, err)
		return
	}
	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, inspectResponse{OK: true, Inspect: info.Raw})
	}
}

type logsRequest struct {
	Stdout     bool   `json:"stdout,omitempty"`
	Stderr     bool   `json:"stderr,omitempty"`
	Follow     bool   `json:"follow,omitempty"`
	Timestamps bool   `json:"timestamps,omitempty"`
	Tail       string `json:"tail,omitempty"`
	Since      string `json:"since,omitempty"`
}

func (app *App) handleContainerLogs(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == "" {
		return
	}
	ctr, ok := app.lookup(c, msg)
	if !ok {
		return
	}
	var req logsRequest
	argObject(parseArgs(msg), 1, &req)

	term, err := app.openLogTerminal(c, ctr, session.LogOptions(req))
	if err != nil {
		sendError(c, msg, err)
		return
	}
	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, containerResponse{OK: true, Terminal: term.Name})
	}
}

type stateResponse struct {
	OK       bool   `json:"ok"`
	State    string `json:"state"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

func (app *App) handleGetState(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == "" {
		return
	}
	ctr, ok := app.lookup(c, msg)
	if !ok {
		return
	}
	resp := stateResponse{OK: true, State: ctr.State().String()}
	if code, ok := ctr.ExitCode(); ok {
		resp.ExitCode = &code
	}
	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, resp)
	}
}

type labelsResponse struct {
	OK     bool              `json:"ok"`
	Labels map[string]string `json:"labels"`
}

func (app *App) handleGetLabels(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == "" {
		return
	}
	ctr, ok := app.lookup(c, msg)
	if !ok {
		return
	}
	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, labelsResponse{OK: true, Labels: ctr.Labels()})
	}
}

type listResponse struct {
	OK         bool               `json:"ok"`
	Containers []ContainerSummary `json:"containers"`
}

func (app *App) handleListContainers(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == "" {
		return
	}
	resp := listResponse{OK: true, Containers: []ContainerSummary{}}
	for _, ctr := range app.Session.List() {
		resp.Containers = append(resp.Containers, summarize(ctr))
	}
	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, resp)
	}
}

// PullProgress is pushed as "pullProgress" while an image downloads.
type PullProgress struct {
	Ref      string `json:"ref"`
	ID       string `json:"id,omitempty"`
	Status   string `json:"status"`
	Progress string `json:"progress,omitempty"`
}

func pullProgress(ref string, m jsonmessage.JSONMessage) PullProgress {
	p := PullProgress{Ref: ref, ID: m.ID, Status: m.Status}
	if m.Progress != nil && m.Progress.Total > 0 {
		p.Progress = fmt.Sprintf("%s/%s", units.HumanSize(float64(m.Progress.Current)), units.HumanSize(float64(m.Progress.Total)))
	}
	return p
}

func (app *App) handlePullImage(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == "" {
		return
	}
	ref := argString(parseArgs(msg), 0)
	if ref == "" {
		sendInvalid(c, msg, "Image reference required")
		return
	}

	// Pulls stream for as long as they take; only the caller going away
	// cancels them.
	err := app.Session.PullImage(c.Context(), ref, func(m jsonmessage.JSONMessage) {
		ws.SendEvent(c, "pullProgress", pullProgress(ref, m))
	})
	app.audit(c, "pull "+ref, "", err)
	if err != nil {
		sendError(c, msg, err)
		return
	}
	sendOK(c, msg)
}

type runRequest struct {
	Cmd  []string `json:"cmd"`
	Env  []string `json:"env,omitempty"`
	Dir  string   `json:"dir,omitempty"`
	TTY  bool     `json:"tty,omitempty"`
	Rows uint16   `json:"rows,omitempty"`
	Cols uint16   `json:"cols,omitempty"`
}

func (app *App) handleRunProcess(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == "" {
		return
	}
	var req runRequest
	if !argObject(parseArgs(msg), 0, &req) || len(req.Cmd) == 0 {
		sendInvalid(c, msg, "A command is required")
		return
	}

	// The process outlives this call; it is tied to the session, not to
	// the request.
	proc, err := app.Session.RunVMProcess(c.Context(), vm.Command{
		Path: req.Cmd[0],
		Args: req.Cmd[1:],
		Env:  req.Env,
		Dir:  req.Dir,
		TTY:  req.TTY,
		Rows: req.Rows,
		Cols: req.Cols,
	})
	app.audit(c, "run "+req.Cmd[0], "", err)
	if err != nil {
		sendError(c, msg, err)
		return
	}

	term := app.openProcessTerminal(c, "", proc)
	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, containerResponse{OK: true, Terminal: term.Name})
	}
}

type auditResponse struct {
	OK      bool  `json:"ok"`
	Entries []any `json:"entries"`
}

func (app *App) handleAuditLog(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == "" {
		return
	}
	limit := argInt(parseArgs(msg), 0)
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	entries, err := app.Audit.Recent(limit)
	if err != nil {
		sendError(c, msg, err)
		return
	}
	resp := auditResponse{OK: true, Entries: make([]any, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, e)
	}
	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, resp)
	}
}

// parseSignal accepts a signal number or name ("TERM", "SIGTERM").
func parseSignal(s string) (syscall.Signal, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil && fmt.Sprint(n) == s {
		if n <= 0 || n > 64 {
			return 0, fmt.Errorf("signal %d: %w", n, errdefs.ErrInvalidArgument)
		}
		return syscall.Signal(n), nil
	}
	name := s
	if len(name) < 3 || name[:3] != "SIG" {
		name = "SIG" + name
	}
	if sig := unix.SignalNum(name); sig != 0 {
		return sig, nil
	}
	return 0, fmt.Errorf("signal %q: %w", s, errdefs.ErrInvalidArgument)
}
