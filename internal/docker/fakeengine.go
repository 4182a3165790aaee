package docker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/microsoft/wsla/internal/vm"
)

const fakeAPIVersion = "1.47"

// FakeEngine is an HTTP server on a Unix socket implementing the slice of
// the engine API this module drives, backed by in-memory state. Container
// and exec commands are simulated:
//
//	echo ARGS...  writes ARGS to stdout and exits 0
//	warn ARGS...  writes ARGS to stderr and exits 0
//	exit N        exits with code N
//	cat           copies stdin to stdout until stdin closes
//	anything else runs until stopped or killed
//
// Task events are published in containerd's feed format to every feed
// subscriber.
type FakeEngine struct {
	listener   net.Listener
	server     *http.Server
	socketPath string

	mu         sync.Mutex
	containers map[string]*fakeContainer
	execs      map[string]*fakeExec
	images     map[string]bool
	pullErrors map[string]string
	faults     []fault
	requests   []string
	nextPid    int

	feedMu    sync.Mutex
	feedSubs  map[int]chan []byte
	nextSubID int
}

type fakeContainer struct {
	id       string
	name     string
	image    string
	config   *container.Config
	host     *container.HostConfig
	created  time.Time
	status   string
	exitCode int
	pid      int
	started  time.Time
	finished time.Time
	rows     uint
	cols     uint

	stdinR *io.PipeReader
	stdinW *io.PipeWriter
	signal chan int
	done   chan struct{}

	attachments []*attachment
	logs        []logEntry
}

type fakeExec struct {
	id          string
	containerID string
	opts        container.ExecOptions
	running     bool
	exitCode    *int
	pid         int
	rows        uint
	cols        uint
	signal      chan int
}

type logEntry struct {
	stream stdcopy.StdType
	data   []byte
}

type fault struct {
	method  string
	suffix  string
	status  int
	message string
	after   func()
}

// attachment is one consumer of a process's output.
type attachment struct {
	stdout io.Writer
	stderr io.Writer
	flush  func()
	close  func()
}

func newAttachment(w io.Writer, tty bool, flush, closeFn func()) *attachment {
	a := &attachment{stdout: w, stderr: w, flush: flush, close: closeFn}
	if !tty {
		a.stdout = stdcopy.NewStdWriter(w, stdcopy.Stdout)
		a.stderr = stdcopy.NewStdWriter(w, stdcopy.Stderr)
	}
	return a
}

func (a *attachment) write(stream stdcopy.StdType, p []byte) {
	w := a.stdout
	if stream == stdcopy.Stderr {
		w = a.stderr
	}
	w.Write(p)
	if a.flush != nil {
		a.flush()
	}
}

// taskEvent is the payload of a task feed entry.
type taskEvent struct {
	ContainerID string `json:"container_id"`
	ID          string `json:"id,omitempty"`
	ExecID      string `json:"exec_id,omitempty"`
	Pid         int    `json:"pid,omitempty"`
	ExitStatus  *int   `json:"exit_status,omitempty"`
	ExitedAt    string `json:"exited_at,omitempty"`
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		containers: make(map[string]*fakeContainer),
		execs:      make(map[string]*fakeExec),
		images:     make(map[string]bool),
		pullErrors: make(map[string]string),
		feedSubs:   make(map[int]chan []byte),
		nextPid:    1000,
	}
}

// StartFakeEngine serves a new FakeEngine on socketPath, or on a socket in a
// fresh temp directory when socketPath is empty.
func StartFakeEngine(socketPath string) (fe *FakeEngine, cleanup func(), err error) {
	tmpDir := ""
	if socketPath == "" {
		tmpDir, err = os.MkdirTemp("", "wsla-engine-*")
		if err != nil {
			return nil, nil, fmt.Errorf("create temp dir: %w", err)
		}
		socketPath = filepath.Join(tmpDir, "engine.sock")
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		if tmpDir != "" {
			os.RemoveAll(tmpDir)
		}
		return nil, nil, fmt.Errorf("listen unix: %w", err)
	}

	fe = NewFakeEngine()
	fe.listener = listener
	fe.socketPath = socketPath
	fe.server = &http.Server{Handler: fe.Handler()}

	go func() {
		if err := fe.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("fake engine serve", "err", err)
		}
	}()

	cleanup = func() {
		fe.stopAll()
		fe.server.Close()
		listener.Close()
		fe.closeFeeds()
		if tmpDir != "" {
			os.RemoveAll(tmpDir)
		} else {
			os.Remove(socketPath)
		}
	}
	return fe, cleanup, nil
}

// SocketPath is where the engine listens.
func (fe *FakeEngine) SocketPath() string { return fe.socketPath }

// Dialer connects to this engine's socket.
func (fe *FakeEngine) Dialer() DialFunc { return UnixDialer(fe.socketPath) }

// Handler exposes the engine API, accepting optional /vX.Y prefixes.
func (fe *FakeEngine) Handler() http.Handler {
	mux := http.NewServeMux()
	fe.registerRoutes(mux)
	return fe.record(fe.stripVersionPrefix(mux))
}

func (fe *FakeEngine) stripVersionPrefix(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if len(path) > 2 && path[0] == '/' && path[1] == 'v' {
			if idx := strings.IndexByte(path[2:], '/'); idx >= 0 {
				r.URL.Path = path[2+idx:]
			}
		}
		next.ServeHTTP(w, r)
	})
}

// record logs every request and applies injected faults.
func (fe *FakeEngine) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fe.mu.Lock()
		fe.requests = append(fe.requests, r.Method+" "+r.URL.Path)
		for i, f := range fe.faults {
			if f.method == r.Method && strings.HasSuffix(r.URL.Path, f.suffix) {
				fe.faults = append(fe.faults[:i], fe.faults[i+1:]...)
				fe.mu.Unlock()
				if f.after != nil {
					next.ServeHTTP(w, r)
					f.after()
					return
				}
				writeError(w, f.status, f.message)
				return
			}
		}
		fe.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (fe *FakeEngine) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("HEAD /_ping", fe.handlePing)
	mux.HandleFunc("GET /_ping", fe.handlePing)
	mux.HandleFunc("GET /version", fe.handleVersion)
	mux.HandleFunc("GET /_feed", fe.handleFeed)

	mux.HandleFunc("POST /containers/create", fe.handleContainerCreate)
	mux.HandleFunc("GET /containers/json", fe.handleContainerList)
	mux.HandleFunc("GET /containers/{id}/json", fe.handleContainerInspect)
	mux.HandleFunc("POST /containers/{id}/start", fe.handleContainerStart)
	mux.HandleFunc("POST /containers/{id}/stop", fe.handleContainerStop)
	mux.HandleFunc("POST /containers/{id}/kill", fe.handleContainerKill)
	mux.HandleFunc("DELETE /containers/{id}", fe.handleContainerDelete)
	mux.HandleFunc("POST /containers/{id}/attach", fe.handleContainerAttach)
	mux.HandleFunc("GET /containers/{id}/logs", fe.handleContainerLogs)
	mux.HandleFunc("POST /containers/{id}/resize", fe.handleContainerResize)
	mux.HandleFunc("POST /containers/{id}/exec", fe.handleExecCreate)

	mux.HandleFunc("POST /exec/{id}/start", fe.handleExecStart)
	mux.HandleFunc("GET /exec/{id}/json", fe.handleExecInspect)
	mux.HandleFunc("POST /exec/{id}/resize", fe.handleExecResize)

	mux.HandleFunc("POST /images/create", fe.handleImagePull)
	mux.HandleFunc("GET /images/", fe.handleImageInspect)
}

// AddImage makes ref present locally.
func (fe *FakeEngine) AddImage(ref string) {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	fe.images[normalizeImage(ref)] = true
}

// FailPull makes pulls of ref fail with message.
func (fe *FakeEngine) FailPull(ref, message string) {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	fe.pullErrors[normalizeImage(ref)] = message
}

// FailNext makes the next request matching method and path suffix fail with
// status and message.
func (fe *FakeEngine) FailNext(method, pathSuffix string, status int, message string) {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	fe.faults = append(fe.faults, fault{method: method, suffix: pathSuffix, status: status, message: message})
}

// AfterNext runs fn once the next request matching method and path suffix
// has been handled, before its response reaches the client.
func (fe *FakeEngine) AfterNext(method, pathSuffix string, fn func()) {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	fe.faults = append(fe.faults, fault{method: method, suffix: pathSuffix, after: fn})
}

// Requests returns "METHOD /path" for every request served so far.
func (fe *FakeEngine) Requests() []string {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return append([]string(nil), fe.requests...)
}

// CountRequests counts served requests with method whose path ends in suffix.
func (fe *FakeEngine) CountRequests(method, suffix string) int {
	n := 0
	for _, r := range fe.Requests() {
		m, p, _ := strings.Cut(r, " ")
		if m == method && strings.HasSuffix(p, suffix) {
			n++
		}
	}
	return n
}

// ContainerStatus returns the engine-side status of id, or "" if unknown.
func (fe *FakeEngine) ContainerStatus(id string) string {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	if c, ok := fe.containers[id]; ok {
		return c.status
	}
	return ""
}

// ContainerConfig returns the create-time config and host config of id.
func (fe *FakeEngine) ContainerConfig(id string) (*container.Config, *container.HostConfig, bool) {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	c, ok := fe.containers[id]
	if !ok {
		return nil, nil, false
	}
	return c.config, c.host, true
}

// TTYSize returns the last size set on a container or exec.
func (fe *FakeEngine) TTYSize(id string) (rows, cols uint) {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	if c, ok := fe.containers[id]; ok {
		return c.rows, c.cols
	}
	if e, ok := fe.execs[id]; ok {
		return e.rows, e.cols
	}
	return 0, 0
}

// ExitContainer makes the main process of a running container exit on its
// own with code.
func (fe *FakeEngine) ExitContainer(id string, code int) bool {
	fe.mu.Lock()
	c, ok := fe.containers[id]
	fe.mu.Unlock()
	if !ok || c.signal == nil {
		return false
	}
	select {
	case c.signal <- code:
		<-c.done
		return true
	default:
		return false
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func normalizeImage(ref string) string {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return ref
	}
	return reference.FamiliarString(reference.TagNameOnly(named))
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

// --- Ping / version ---

func (fe *FakeEngine) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Api-Version", fakeAPIVersion)
	w.Header().Set("Ostype", "linux")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write([]byte("OK"))
	}
}

func (fe *FakeEngine) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionInfo{
		Version:    "28.5.2-fake",
		APIVersion: fakeAPIVersion,
		Os:         "linux",
		Arch:       "amd64",
	})
}

// --- Containers ---

func (fe *FakeEngine) handleContainerCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid create body: "+err.Error())
		return
	}
	if req.Config == nil || req.Config.Image == "" {
		writeError(w, http.StatusBadRequest, "no image specified")
		return
	}
	name := r.URL.Query().Get("name")

	fe.mu.Lock()
	defer fe.mu.Unlock()

	if !fe.images[normalizeImage(req.Config.Image)] {
		writeError(w, http.StatusNotFound, "No such image: "+req.Config.Image)
		return
	}
	for _, c := range fe.containers {
		if name != "" && c.name == name {
			writeError(w, http.StatusConflict, fmt.Sprintf("Conflict. The container name %q is already in use by container %q.", "/"+name, c.id))
			return
		}
	}

	id := newID()
	if name == "" {
		name = id[:12]
	}
	host := req.HostConfig
	if host == nil {
		host = &container.HostConfig{}
	}
	fe.containers[id] = &fakeContainer{
		id:      id,
		name:    name,
		image:   req.Config.Image,
		config:  req.Config,
		host:    host,
		created: time.Now(),
		status:  "created",
	}
	writeJSON(w, http.StatusCreated, map[string]any{"Id": id, "Warnings": []string{}})
}

func (fe *FakeEngine) lookup(w http.ResponseWriter, id string) *fakeContainer {
	c, ok := fe.containers[id]
	if !ok {
		for _, cand := range fe.containers {
			if cand.name == id || strings.HasPrefix(cand.id, id) {
				return cand
			}
		}
		writeError(w, http.StatusNotFound, "No such container: "+id)
		return nil
	}
	return c
}

type summaryJSON struct {
	ID      string            `json:"Id"`
	Names   []string          `json:"Names"`
	Image   string            `json:"Image"`
	Command string            `json:"Command"`
	Created int64             `json:"Created"`
	Labels  map[string]string `json:"Labels"`
	State   string            `json:"State"`
	Status  string            `json:"Status"`
}

func (fe *FakeEngine) handleContainerList(w http.ResponseWriter, r *http.Request) {
	args, err := filters.FromJSON(r.URL.Query().Get("filters"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	all := r.URL.Query().Get("all") == "1" || r.URL.Query().Get("all") == "true"

	fe.mu.Lock()
	defer fe.mu.Unlock()

	list := []summaryJSON{}
	for _, c := range fe.containers {
		if !all && c.status != "running" {
			continue
		}
		if !args.MatchKVList("label", c.config.Labels) {
			continue
		}
		list = append(list, summaryJSON{
			ID:      c.id,
			Names:   []string{"/" + c.name},
			Image:   c.image,
			Command: strings.Join(c.config.Cmd, " "),
			Created: c.created.Unix(),
			Labels:  c.config.Labels,
			State:   c.status,
			Status:  statusString(c),
		})
	}
	writeJSON(w, http.StatusOK, list)
}

func statusString(c *fakeContainer) string {
	switch c.status {
	case "running":
		return "Up " + time.Since(c.started).Round(time.Second).String()
	case "exited":
		return fmt.Sprintf("Exited (%d)", c.exitCode)
	default:
		return "Created"
	}
}

func (fe *FakeEngine) handleContainerInspect(w http.ResponseWriter, r *http.Request) {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	c := fe.lookup(w, r.PathValue("id"))
	if c == nil {
		return
	}
	state := map[string]any{
		"Status":     c.status,
		"Running":    c.status == "running",
		"ExitCode":   c.exitCode,
		"Pid":        c.pid,
		"StartedAt":  formatTime(c.started),
		"FinishedAt": formatTime(c.finished),
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"Id":         c.id,
		"Name":       "/" + c.name,
		"Image":      c.image,
		"Created":    c.created.UTC().Format(time.RFC3339Nano),
		"State":      state,
		"Config":     c.config,
		"HostConfig": c.host,
	})
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "0001-01-01T00:00:00Z"
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func (fe *FakeEngine) handleContainerStart(w http.ResponseWriter, r *http.Request) {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	c := fe.lookup(w, r.PathValue("id"))
	if c == nil {
		return
	}
	if c.status == "running" {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if c.stdinR == nil {
		c.stdinR, c.stdinW = io.Pipe()
	}

	fe.nextPid++
	c.pid = fe.nextPid
	c.status = "running"
	c.started = time.Now()
	c.signal = make(chan int, 1)
	c.done = make(chan struct{})

	fe.publish("/tasks/create", taskEvent{ContainerID: c.id, Pid: c.pid})
	fe.publish("/tasks/start", taskEvent{ContainerID: c.id, Pid: c.pid})

	stdin, signal, done := c.stdinR, c.signal, c.done
	out := func(stream stdcopy.StdType, p []byte) {
		fe.mu.Lock()
		defer fe.mu.Unlock()
		c.logs = append(c.logs, logEntry{stream: stream, data: bytes.Clone(p)})
		for _, a := range c.attachments {
			a.write(stream, p)
		}
	}

	go func() {
		code := simulate(c.config.Cmd, stdin, out, signal)
		fe.containerExited(c, code)
		close(done)
	}()

	w.WriteHeader(http.StatusNoContent)
}

func (fe *FakeEngine) containerExited(c *fakeContainer, code int) {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	// Execs die with their container.
	for _, e := range fe.execs {
		if e.containerID == c.id && e.running {
			select {
			case e.signal <- 137:
			default:
			}
		}
	}

	c.status = "exited"
	c.exitCode = code
	c.finished = time.Now()
	c.signal = nil
	c.stdinR.CloseWithError(io.ErrClosedPipe)
	c.stdinR, c.stdinW = nil, nil

	for _, a := range c.attachments {
		if a.close != nil {
			a.close()
		}
	}
	c.attachments = nil

	fe.publish("/tasks/exit", taskEvent{
		ContainerID: c.id,
		ID:          c.id,
		Pid:         c.pid,
		ExitStatus:  &code,
		ExitedAt:    c.finished.UTC().Format(time.RFC3339Nano),
	})
}

// signalContainer delivers sig and waits for the main process to exit.
// Caller must not hold fe.mu.
func (fe *FakeEngine) signalContainer(c *fakeContainer, sig int) {
	fe.mu.Lock()
	signal, done := c.signal, c.done
	fe.mu.Unlock()
	if signal == nil {
		return
	}
	select {
	case signal <- 128 + sig:
	default:
	}
	<-done
}

func (fe *FakeEngine) handleContainerStop(w http.ResponseWriter, r *http.Request) {
	fe.mu.Lock()
	c := fe.lookup(w, r.PathValue("id"))
	if c == nil {
		fe.mu.Unlock()
		return
	}
	running := c.status == "running"
	fe.mu.Unlock()

	if !running {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	sig := signalNumber(r.URL.Query().Get("signal"), 15)
	fe.signalContainer(c, sig)
	w.WriteHeader(http.StatusNoContent)
}

func (fe *FakeEngine) handleContainerKill(w http.ResponseWriter, r *http.Request) {
	fe.mu.Lock()
	c := fe.lookup(w, r.PathValue("id"))
	if c == nil {
		fe.mu.Unlock()
		return
	}
	running := c.status == "running"
	fe.mu.Unlock()

	if !running {
		writeError(w, http.StatusConflict, fmt.Sprintf("Container %s is not running", c.id))
		return
	}
	fe.signalContainer(c, signalNumber(r.URL.Query().Get("signal"), 9))
	w.WriteHeader(http.StatusNoContent)
}

func (fe *FakeEngine) handleContainerDelete(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "1" || r.URL.Query().Get("force") == "true"

	fe.mu.Lock()
	c := fe.lookup(w, r.PathValue("id"))
	if c == nil {
		fe.mu.Unlock()
		return
	}
	running := c.status == "running"
	fe.mu.Unlock()

	if running {
		if !force {
			writeError(w, http.StatusConflict, fmt.Sprintf("cannot remove container %q: container is running: stop the container before removing or force remove", "/"+c.name))
			return
		}
		fe.signalContainer(c, 9)
	}

	fe.mu.Lock()
	delete(fe.containers, c.id)
	for id, e := range fe.execs {
		if e.containerID == c.id {
			delete(fe.execs, id)
		}
	}
	fe.publish("/tasks/delete", taskEvent{ContainerID: c.id, ID: c.id, Pid: c.pid, ExitStatus: &c.exitCode})
	fe.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

// hijack takes over the connection for a raw stream.
func hijack(w http.ResponseWriter) (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response does not support hijacking")
	}
	return hj.Hijack()
}

// writeUpgrade answers an attach or exec start the way the engine does.
func writeUpgrade(rw *bufio.ReadWriter) error {
	rw.WriteString("HTTP/1.1 101 UPGRADED\r\n" +
		"Content-Type: application/vnd.docker.raw-stream\r\n" +
		"Connection: Upgrade\r\n" +
		"Upgrade: tcp\r\n\r\n")
	return rw.Flush()
}

func (fe *FakeEngine) handleContainerAttach(w http.ResponseWriter, r *http.Request) {
	fe.mu.Lock()
	c := fe.lookup(w, r.PathValue("id"))
	if c == nil {
		fe.mu.Unlock()
		return
	}
	if c.status == "exited" {
		fe.mu.Unlock()
		writeError(w, http.StatusConflict, "You cannot attach to a stopped container, start it first")
		return
	}
	if c.stdinR == nil {
		c.stdinR, c.stdinW = io.Pipe()
	}
	stdinW := c.stdinW
	tty := c.config.Tty
	fe.mu.Unlock()

	conn, rw, err := hijack(w)
	if err != nil {
		slog.Error("fake engine attach", "err", err)
		return
	}

	var once sync.Once
	a := newAttachment(conn, tty, nil, func() { once.Do(func() { conn.Close() }) })

	// Register before answering so output from a subsequent start is not lost.
	fe.mu.Lock()
	err = writeUpgrade(rw)
	if err == nil {
		c.attachments = append(c.attachments, a)
	}
	fe.mu.Unlock()
	if err != nil {
		conn.Close()
		return
	}

	go func() {
		io.Copy(stdinW, rw.Reader)
		stdinW.Close()
	}()
}

func (fe *FakeEngine) handleContainerLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	follow := q.Get("follow") == "1" || q.Get("follow") == "true"
	wantOut := q.Get("stdout") != "0" && q.Get("stdout") != "false"
	wantErr := q.Get("stderr") != "0" && q.Get("stderr") != "false"

	fe.mu.Lock()
	c := fe.lookup(w, r.PathValue("id"))
	if c == nil {
		fe.mu.Unlock()
		return
	}
	tty := c.config.Tty

	if tty {
		w.Header().Set("Content-Type", "application/vnd.docker.raw-stream")
	} else {
		w.Header().Set("Content-Type", "application/vnd.docker.multiplexed-stream")
	}
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	filtered := &filteredWriter{stdout: wantOut, stderr: wantErr}
	a := newAttachment(w, tty, flush, nil)
	a.stdout = filtered.stream(a.stdout, stdcopy.Stdout)
	a.stderr = filtered.stream(a.stderr, stdcopy.Stderr)

	for _, e := range c.logs {
		a.write(e.stream, e.data)
	}

	if !follow || c.status != "running" {
		fe.mu.Unlock()
		return
	}

	ended := make(chan struct{})
	var once sync.Once
	a.close = func() { once.Do(func() { close(ended) }) }
	c.attachments = append(c.attachments, a)
	fe.mu.Unlock()
	flush()

	select {
	case <-ended:
	case <-r.Context().Done():
		fe.mu.Lock()
		for i, cand := range c.attachments {
			if cand == a {
				c.attachments = append(c.attachments[:i], c.attachments[i+1:]...)
				break
			}
		}
		fe.mu.Unlock()
	}
}

// filteredWriter drops the streams a logs request did not ask for.
type filteredWriter struct {
	stdout bool
	stderr bool
}

func (f *filteredWriter) stream(w io.Writer, t stdcopy.StdType) io.Writer {
	if (t == stdcopy.Stdout && f.stdout) || (t == stdcopy.Stderr && f.stderr) {
		return w
	}
	return io.Discard
}

func (fe *FakeEngine) handleContainerResize(w http.ResponseWriter, r *http.Request) {
	rows, cols, ok := parseSize(w, r)
	if !ok {
		return
	}
	fe.mu.Lock()
	defer fe.mu.Unlock()

	c := fe.lookup(w, r.PathValue("id"))
	if c == nil {
		return
	}
	if c.status != "running" {
		writeError(w, http.StatusConflict, fmt.Sprintf("Container %s is not running", c.id))
		return
	}
	c.rows, c.cols = rows, cols
	w.WriteHeader(http.StatusOK)
}

func parseSize(w http.ResponseWriter, r *http.Request) (uint, uint, bool) {
	rows, err1 := strconv.ParseUint(r.URL.Query().Get("h"), 10, 16)
	cols, err2 := strconv.ParseUint(r.URL.Query().Get("w"), 10, 16)
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "invalid tty size")
		return 0, 0, false
	}
	return uint(rows), uint(cols), true
}

// --- Exec ---

func (fe *FakeEngine) handleExecCreate(w http.ResponseWriter, r *http.Request) {
	var opts container.ExecOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		writeError(w, http.StatusBadRequest, "invalid exec body: "+err.Error())
		return
	}
	if len(opts.Cmd) == 0 {
		writeError(w, http.StatusBadRequest, "No exec command specified")
		return
	}

	fe.mu.Lock()
	defer fe.mu.Unlock()

	c := fe.lookup(w, r.PathValue("id"))
	if c == nil {
		return
	}
	if c.status != "running" {
		writeError(w, http.StatusConflict, fmt.Sprintf("container %s is not running", c.id))
		return
	}
	id := newID()
	fe.execs[id] = &fakeExec{id: id, containerID: c.id, opts: opts}
	writeJSON(w, http.StatusCreated, map[string]string{"Id": id})
}

func (fe *FakeEngine) handleExecStart(w http.ResponseWriter, r *http.Request) {
	var start container.ExecStartOptions
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&start); err != nil {
			writeError(w, http.StatusBadRequest, "invalid exec start body: "+err.Error())
			return
		}
	}

	fe.mu.Lock()
	e, ok := fe.execs[r.PathValue("id")]
	if !ok {
		fe.mu.Unlock()
		writeError(w, http.StatusNotFound, "No such exec instance: "+r.PathValue("id"))
		return
	}
	if e.running || e.exitCode != nil {
		fe.mu.Unlock()
		writeError(w, http.StatusConflict, "exec "+e.id+" has already been started")
		return
	}
	c, ok := fe.containers[e.containerID]
	if !ok || c.status != "running" {
		fe.mu.Unlock()
		writeError(w, http.StatusConflict, "container "+e.containerID+" is not running")
		return
	}
	fe.nextPid++
	e.pid = fe.nextPid
	e.running = true
	e.signal = make(chan int, 1)
	tty := e.opts.Tty || start.Tty
	fe.publish("/tasks/exec-added", taskEvent{ContainerID: c.id, ExecID: e.id})
	fe.publish("/tasks/exec-started", taskEvent{ContainerID: c.id, ExecID: e.id, Pid: e.pid})
	fe.mu.Unlock()

	conn, rw, err := hijack(w)
	if err == nil {
		err = writeUpgrade(rw)
	}
	if err != nil {
		slog.Error("fake engine exec start", "err", err)
		if conn != nil {
			conn.Close()
		}
		return
	}

	stdinR, stdinW := io.Pipe()
	go func() {
		io.Copy(stdinW, rw.Reader)
		stdinW.Close()
	}()

	a := newAttachment(conn, tty, nil, nil)
	var outMu sync.Mutex
	out := func(stream stdcopy.StdType, p []byte) {
		outMu.Lock()
		defer outMu.Unlock()
		a.write(stream, p)
	}

	go func() {
		code := simulate(e.opts.Cmd, stdinR, out, e.signal)
		stdinR.CloseWithError(io.ErrClosedPipe)

		fe.mu.Lock()
		e.running = false
		e.exitCode = &code
		fe.publish("/tasks/exit", taskEvent{
			ContainerID: e.containerID,
			ID:          e.id,
			Pid:         e.pid,
			ExitStatus:  &code,
			ExitedAt:    time.Now().UTC().Format(time.RFC3339Nano),
		})
		fe.mu.Unlock()
		conn.Close()
	}()
}

func (fe *FakeEngine) handleExecInspect(w http.ResponseWriter, r *http.Request) {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	e, ok := fe.execs[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "No such exec instance: "+r.PathValue("id"))
		return
	}
	writeJSON(w, http.StatusOK, ExecInspect{
		ID:          e.id,
		ContainerID: e.containerID,
		Running:     e.running,
		ExitCode:    e.exitCode,
		Pid:         e.pid,
	})
}

func (fe *FakeEngine) handleExecResize(w http.ResponseWriter, r *http.Request) {
	rows, cols, ok := parseSize(w, r)
	if !ok {
		return
	}
	fe.mu.Lock()
	defer fe.mu.Unlock()

	e, ok := fe.execs[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "No such exec instance: "+r.PathValue("id"))
		return
	}
	e.rows, e.cols = rows, cols
	w.WriteHeader(http.StatusOK)
}

// --- Images ---

func (fe *FakeEngine) handleImagePull(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("fromImage")
	tag := r.URL.Query().Get("tag")
	if from == "" {
		writeError(w, http.StatusBadRequest, "fromImage is required")
		return
	}
	ref := from
	if tag != "" {
		sep := ":"
		if strings.Contains(tag, ":") {
			sep = "@"
		}
		ref = from + sep + tag
	}
	key := normalizeImage(ref)

	fe.mu.Lock()
	pullErr := fe.pullErrors[key]
	fe.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	emit := func(m jsonmessage.JSONMessage) {
		enc.Encode(m)
		if flusher != nil {
			flusher.Flush()
		}
	}

	emit(jsonmessage.JSONMessage{Status: "Pulling from " + from, ID: tag})
	if pullErr != "" {
		emit(jsonmessage.JSONMessage{Error: &jsonmessage.JSONError{Message: pullErr}, ErrorMessage: pullErr})
		return
	}
	layer := newID()[:12]
	emit(jsonmessage.JSONMessage{Status: "Pulling fs layer", ID: layer})
	for _, cur := range []int64{1024, 2048, 4096} {
		emit(jsonmessage.JSONMessage{
			Status:   "Downloading",
			ID:       layer,
			Progress: &jsonmessage.JSONProgress{Current: cur, Total: 4096},
		})
	}
	emit(jsonmessage.JSONMessage{Status: "Pull complete", ID: layer})
	emit(jsonmessage.JSONMessage{Status: "Status: Downloaded newer image for " + key})

	fe.mu.Lock()
	fe.images[key] = true
	fe.mu.Unlock()
}

func (fe *FakeEngine) handleImageInspect(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/images/")
	name, ok := strings.CutSuffix(path, "/json")
	if !ok {
		http.NotFound(w, r)
		return
	}
	key := normalizeImage(name)

	fe.mu.Lock()
	present := fe.images[key]
	fe.mu.Unlock()

	if !present {
		writeError(w, http.StatusNotFound, "No such image: "+name)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"Id": "sha256:" + newID(), "RepoTags": []string{key}})
}

// --- Event feed ---

// SubscribeFeed returns a reader producing the task event feed as the events
// subprocess would print it: one JSON envelope per line, blank lines between.
// Closing the reader unsubscribes.
func (fe *FakeEngine) SubscribeFeed() io.ReadCloser {
	pr, pw := io.Pipe()

	fe.feedMu.Lock()
	id := fe.nextSubID
	fe.nextSubID++
	ch := make(chan []byte, 1024)
	fe.feedSubs[id] = ch
	fe.feedMu.Unlock()

	go func() {
		for line := range ch {
			if _, err := pw.Write(line); err != nil {
				break
			}
		}
		fe.unsubscribeFeed(id)
		pw.Close()
	}()
	return pr
}

// FeedLauncher launches "events" commands as in-memory processes printing
// this engine's task feed. Killing the process ends its feed.
func (fe *FakeEngine) FeedLauncher() vm.Launcher {
	return vm.LauncherFunc(func(ctx context.Context, cmd vm.Command) (vm.Process, error) {
		return vm.NewPipeProcess(fe.SubscribeFeed(), nil, nil), nil
	})
}

func (fe *FakeEngine) unsubscribeFeed(id int) {
	fe.feedMu.Lock()
	defer fe.feedMu.Unlock()
	if ch, ok := fe.feedSubs[id]; ok {
		delete(fe.feedSubs, id)
		close(ch)
	}
}

func (fe *FakeEngine) closeFeeds() {
	fe.feedMu.Lock()
	defer fe.feedMu.Unlock()
	for id, ch := range fe.feedSubs {
		delete(fe.feedSubs, id)
		close(ch)
	}
}

// publish sends one task event to every feed subscriber.
func (fe *FakeEngine) publish(topic string, ev taskEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	line, err := json.Marshal(map[string]string{"Topic": topic, "Event": string(payload)})
	if err != nil {
		return
	}
	line = append(line, '\n', '\n')

	fe.feedMu.Lock()
	defer fe.feedMu.Unlock()
	for id, ch := range fe.feedSubs {
		select {
		case ch <- line:
		default:
			slog.Warn("fake engine feed subscriber too slow, dropping", "sub", id)
			delete(fe.feedSubs, id)
			close(ch)
		}
	}
}

func (fe *FakeEngine) handleFeed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	feed := fe.SubscribeFeed()
	stop := context.AfterFunc(r.Context(), func() { feed.Close() })
	defer stop()

	buf := make([]byte, 4096)
	for {
		n, err := feed.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// stopAll stops every running container so streams end before shutdown.
func (fe *FakeEngine) stopAll() {
	fe.mu.Lock()
	var running []*fakeContainer
	for _, c := range fe.containers {
		if c.status == "running" {
			running = append(running, c)
		}
	}
	fe.mu.Unlock()

	for _, c := range running {
		fe.signalContainer(c, 9)
	}
}

// --- Process simulation ---

func simulate(cmd []string, stdin io.Reader, out func(stdcopy.StdType, []byte), signal <-chan int) int {
	name := ""
	if len(cmd) > 0 {
		name = cmd[0]
	}
	switch name {
	case "echo":
		out(stdcopy.Stdout, []byte(strings.Join(cmd[1:], " ")+"\n"))
		return 0
	case "warn":
		out(stdcopy.Stderr, []byte(strings.Join(cmd[1:], " ")+"\n"))
		return 0
	case "exit":
		code := 0
		if len(cmd) > 1 {
			code, _ = strconv.Atoi(cmd[1])
		}
		return code
	case "cat":
		chunks := make(chan []byte)
		go func() {
			defer close(chunks)
			buf := make([]byte, 4096)
			for {
				n, err := stdin.Read(buf)
				if n > 0 {
					chunks <- bytes.Clone(buf[:n])
				}
				if err != nil {
					return
				}
			}
		}()
		for {
			select {
			case p, ok := <-chunks:
				if !ok {
					return 0
				}
				out(stdcopy.Stdout, p)
			case code := <-signal:
				go func() {
					for range chunks {
					}
				}()
				return code
			}
		}
	default:
		go io.Copy(io.Discard, stdin)
		return <-signal
	}
}

var signalNumbers = map[string]int{
	"HUP": 1, "INT": 2, "QUIT": 3, "KILL": 9, "USR1": 10, "USR2": 12, "TERM": 15,
}

func signalNumber(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if n, ok := signalNumbers[strings.TrimPrefix(strings.ToUpper(s), "SIG")]; ok {
		return n
	}
	return def
}
