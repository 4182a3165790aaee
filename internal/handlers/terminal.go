package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/errdefs"

	"github.com/microsoft/wsla/internal/session"
	"github.com/microsoft/wsla/internal/terminal"
	"github.com/microsoft/wsla/internal/ws"
)

const resizeTimeout = 5 * time.Second

// termSeq numbers terminals whose process has no stable id.
var termSeq atomic.Uint64

func RegisterTerminalHandlers(app *App) {
	app.WS.Handle("terminalJoin", app.handleTerminalJoin)
	app.WS.Handle("terminalLeave", app.handleTerminalLeave)
	app.WS.Handle("terminalInput", app.handleTerminalInput)
	app.WS.Handle("terminalResize", app.handleTerminalResize)
	app.WS.Handle("terminalClose", app.handleTerminalClose)
}

type joinResponse struct {
	OK     bool   `json:"ok"`
	Buffer string `json:"buffer"`
}

// handleTerminalJoin follows an existing terminal, returning what it has
// buffered so far.
func (app *App) handleTerminalJoin(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == "" {
		return
	}
	name := argString(parseArgs(msg), 0)
	term := app.Terms.Get(name)
	if term == nil {
		sendError(c, msg, fmt.Errorf("terminal %q: %w", name, errdefs.ErrNotFound))
		return
	}
	buf := term.Join(c.ID(), makeTermWriter(c, name))
	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, joinResponse{OK: true, Buffer: buf})
	}
}

func (app *App) handleTerminalLeave(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == "" {
		return
	}
	if term := app.Terms.Get(argString(parseArgs(msg), 0)); term != nil {
		term.RemoveWriter(c.ID())
	}
	sendOK(c, msg)
}

func (app *App) handleTerminalInput(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == "" {
		return
	}
	args := parseArgs(msg)
	name := argString(args, 0)
	term := app.Terms.Get(name)
	if term == nil {
		sendError(c, msg, fmt.Errorf("terminal %q: %w", name, errdefs.ErrNotFound))
		return
	}
	if err := term.Input(argString(args, 1)); err != nil {
		slog.Debug("terminal input", "err", err, "term", name)
		sendError(c, msg, err)
		return
	}
	sendOK(c, msg)
}

func (app *App) handleTerminalResize(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == "" {
		return
	}
	args := parseArgs(msg)
	name := argString(args, 0)
	rows, cols := argInt(args, 1), argInt(args, 2)
	if rows <= 0 || cols <= 0 || rows > 0xffff || cols > 0xffff {
		sendInvalid(c, msg, "Invalid terminal size")
		return
	}
	term := app.Terms.Get(name)
	if term == nil {
		sendError(c, msg, fmt.Errorf("terminal %q: %w", name, errdefs.ErrNotFound))
		return
	}
	if err := term.Resize(uint16(rows), uint16(cols)); err != nil {
		slog.Warn("terminal resize", "err", err, "term", name)
		sendError(c, msg, err)
		return
	}
	sendOK(c, msg)
}

// handleTerminalClose drops a terminal. For process terminals this closes
// the attachment; the process itself keeps running.
func (app *App) handleTerminalClose(c *ws.Conn, msg *ws.ClientMessage) {
	if checkLogin(c, msg) == "" {
		return
	}
	app.Terms.Remove(argString(parseArgs(msg), 0))
	sendOK(c, msg)
}

// makeTermWriter creates a WriteFunc that sends terminalWrite events to a
// connection.
func makeTermWriter(c *ws.Conn, name string) terminal.WriteFunc {
	return func(data string) {
		ws.SendEvent(c, "terminalWrite", []string{name, data})
	}
}

// TerminalExit is pushed when the process behind a terminal exits.
type TerminalExit struct {
	Terminal string `json:"terminal"`
	ExitCode int    `json:"exitCode"`
}

func processTerminalName(proc *session.Process) string {
	switch proc.Kind() {
	case session.VMProcess:
		return "vm:" + strconv.FormatUint(termSeq.Add(1), 10)
	default:
		return proc.Kind().String() + ":" + proc.ID()
	}
}

// openProcessTerminal pumps an attached process's output into a fresh
// terminal followed by c and forwards terminal input and resizes to it.
// containerID, when set, ties the terminal's lifetime to that container.
func (app *App) openProcessTerminal(c *ws.Conn, containerID string, proc *session.Process) *terminal.Terminal {
	typ := terminal.TypePipe
	if proc.TTY() {
		typ = terminal.TypePTY
	}
	name := processTerminalName(proc)
	term := app.Terms.Create(name, typ)

	if in := proc.Stdin(); in != nil {
		term.SetInput(in)
	}
	if proc.TTY() {
		term.SetResize(func(rows, cols uint16) error {
			ctx, cancel := context.WithTimeout(context.Background(), resizeTimeout)
			defer cancel()
			return proc.ResizeTTY(ctx, rows, cols)
		})
	}
	term.SetCancel(func() { proc.Close() })
	term.AddWriter(c.ID(), makeTermWriter(c, name))
	app.trackTerminal(containerID, name)

	go app.pumpProcess(containerID, term, proc)
	return term
}

func (app *App) pumpProcess(containerID string, term *terminal.Terminal, proc *session.Process) {
	var wg sync.WaitGroup
	for _, r := range []io.ReadCloser{proc.Stdout(), proc.Stderr()} {
		if r == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := io.Copy(term, r); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				slog.Debug("process output", "term", term.Name, "err", err)
			}
		}()
	}
	wg.Wait()

	<-proc.Exited()
	code, _ := proc.ExitCode()
	term.Write([]byte(exitBanner(code)))
	app.broadcastExit(term, code)
	slog.Debug("process exited", "term", term.Name, "code", code)

	// Keep the terminal so followers can read the tail; it goes with its
	// container.
	if containerID == "" {
		proc.Close()
	}
}

// broadcastExit tells every follower of term that its process ended.
func (app *App) broadcastExit(term *terminal.Terminal, code int) {
	for _, c := range app.WS.Connections() {
		if term.HasWriter(c.ID()) {
			ws.SendEvent(c, "terminalExit", TerminalExit{Terminal: term.Name, ExitCode: code})
		}
	}
}

// exitBanner returns a bold line marking the end of a process.
func exitBanner(code int) string {
	return fmt.Sprintf("\r\n\033[1;38;2;0;0;0;48;2;199;166;255m ■ EXITED (%d) \033[0m\r\n", code)
}

// openLogTerminal streams a container's logs into a pipe terminal followed
// by c. The stream is cancelled once nobody follows it.
func (app *App) openLogTerminal(c *ws.Conn, ctr *session.Container, opts session.LogOptions) (*terminal.Terminal, error) {
	if !opts.Stdout && !opts.Stderr {
		opts.Stdout, opts.Stderr = true, true
	}

	ctx, cancel := context.WithCancel(context.Background())
	streams, err := ctr.Logs(ctx, opts)
	if err != nil {
		cancel()
		return nil, err
	}

	name := "logs:" + ctr.Name() + ":" + strconv.FormatUint(termSeq.Add(1), 10)
	term := app.Terms.Create(name, terminal.TypePipe)
	term.SetCancel(cancel)
	term.AddWriter(c.ID(), makeTermWriter(c, name))
	app.trackTerminal(ctr.ID(), name)

	go func() {
		var wg sync.WaitGroup
		for _, r := range []io.ReadCloser{streams.Stdout, streams.Stderr} {
			if r == nil {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer r.Close()
				io.Copy(term, r)
			}()
		}
		wg.Wait()
		slog.Debug("log stream ended", "term", name)
	}()
	return term, nil
}

// trackTerminal records that the named terminal belongs to containerID.
func (app *App) trackTerminal(containerID, name string) {
	if containerID == "" {
		return
	}
	app.termMu.Lock()
	defer app.termMu.Unlock()
	if app.containerTerms == nil {
		app.containerTerms = make(map[string][]string)
	}
	app.containerTerms[containerID] = append(app.containerTerms[containerID], name)
}

// closeContainerTerminals removes every terminal tied to a deleted container.
func (app *App) closeContainerTerminals(containerID string) {
	app.termMu.Lock()
	names := app.containerTerms[containerID]
	delete(app.containerTerms, containerID)
	app.termMu.Unlock()

	for _, name := range names {
		app.Terms.Remove(name)
	}
}
