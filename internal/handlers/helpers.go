package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/microsoft/wsla/internal/models"
	"github.com/microsoft/wsla/internal/session"
	"github.com/microsoft/wsla/internal/terminal"
	"github.com/microsoft/wsla/internal/ws"
)

// callTimeout bounds lifecycle calls that do not stream.
const callTimeout = 2 * time.Minute

// App holds shared dependencies for all handlers.
type App struct {
	Session   *session.Session
	Operators *models.OperatorStore
	Settings  *models.SettingStore
	Audit     *models.AuditStore
	WS        *ws.Server
	Terms     *terminal.Manager

	TokenSecret string
	Version     string
	NoAuth      bool // every connection is authenticated as "local"

	needSetup atomic.Bool

	termMu         sync.Mutex
	containerTerms map[string][]string // container id -> terminal names
}

// SetNeedSetup records whether no operator exists yet.
func (app *App) SetNeedSetup(v bool) { app.needSetup.Store(v) }

// Register wires every event handler into app.WS.
func Register(app *App) {
	RegisterAuthHandlers(app)
	RegisterContainerHandlers(app)
	RegisterTerminalHandlers(app)

	app.WS.OnDisconnect(func(c *ws.Conn) {
		app.Terms.RemoveWriterFromAll(c.ID())
	})
}

// checkLogin returns the authenticated operator or sends an error ack and
// returns "".
func checkLogin(c *ws.Conn, msg *ws.ClientMessage) string {
	op := c.Operator()
	if op == "" && msg.ID != nil {
		ws.SendAck(c, *msg.ID, ws.ErrorResponse{OK: false, Status: string(session.StatusPermissionDenied), Msg: "Not logged in"})
	}
	return op
}

// callContext scopes one operation to the calling connection: the
// operation is cancelled when the caller goes away.
func callContext(c *ws.Conn) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Context(), callTimeout)
}

func sendOK(c *ws.Conn, msg *ws.ClientMessage) {
	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, ws.OkResponse{OK: true})
	}
}

func sendError(c *ws.Conn, msg *ws.ClientMessage, err error) {
	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, ws.ErrorResponse{
			OK:     false,
			Status: string(session.StatusOf(err)),
			Msg:    session.MessageOf(err),
		})
	}
}

func sendInvalid(c *ws.Conn, msg *ws.ClientMessage, text string) {
	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, ws.ErrorResponse{OK: false, Status: string(session.StatusInvalidArgument), Msg: text})
	}
}

// audit records a lifecycle operation; failures only log.
func (app *App) audit(c *ws.Conn, op, container string, err error) {
	if app.Audit == nil {
		return
	}
	e := models.AuditEntry{
		Operator:  c.Operator(),
		Op:        op,
		Container: container,
		Status:    string(session.StatusOf(err)),
	}
	if err != nil {
		e.Message = session.MessageOf(err)
	}
	if aerr := app.Audit.Append(e); aerr != nil {
		slog.Warn("audit", "op", op, "err", aerr)
	}
}

// parseArgs unmarshals the Args JSON array into a slice of json.RawMessage.
func parseArgs(msg *ws.ClientMessage) []json.RawMessage {
	if msg == nil || len(msg.Args) == 0 {
		return nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(msg.Args, &args); err != nil {
		slog.Warn("parse args", "err", err)
		return nil
	}
	return args
}

// argString extracts a string from args at the given index.
func argString(args []json.RawMessage, index int) string {
	if index >= len(args) {
		return ""
	}
	var s string
	if err := json.Unmarshal(args[index], &s); err != nil {
		return ""
	}
	return s
}

// argObject extracts a JSON object from args at the given index into dst.
func argObject(args []json.RawMessage, index int, dst any) bool {
	if index >= len(args) {
		return false
	}
	return json.Unmarshal(args[index], dst) == nil
}

// argBool extracts a bool from args at the given index.
func argBool(args []json.RawMessage, index int) bool {
	if index >= len(args) {
		return false
	}
	var b bool
	if err := json.Unmarshal(args[index], &b); err != nil {
		return false
	}
	return b
}

// argInt extracts an integer from args at the given index.
func argInt(args []json.RawMessage, index int) int {
	if index >= len(args) {
		return 0
	}
	var n float64 // JSON numbers decode as float64
	if err := json.Unmarshal(args[index], &n); err != nil {
		return 0
	}
	return int(n)
}
