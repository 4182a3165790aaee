package handlers

import (
	"errors"
	"log/slog"

	"github.com/microsoft/wsla/internal/models"
	"github.com/microsoft/wsla/internal/session"
	"github.com/microsoft/wsla/internal/ws"
)

func RegisterAuthHandlers(app *App) {
	app.WS.Handle("login", app.handleLogin)
	app.WS.Handle("loginByToken", app.handleLoginByToken)
	app.WS.Handle("setup", app.handleSetup)
	app.WS.Handle("needSetup", app.handleNeedSetup)

	app.WS.HandleConnect(func(c *ws.Conn) {
		if app.NoAuth {
			c.SetOperator("local")
		}
		ws.SendEvent(c, "info", map[string]any{
			"version": app.Version,
			"noAuth":  app.NoAuth,
		})
		if app.needSetup.Load() && !app.NoAuth {
			ws.SendEvent(c, "setup", true)
		}
	})
}

func (app *App) denied(c *ws.Conn, msg *ws.ClientMessage, text string) {
	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, ws.ErrorResponse{OK: false, Status: string(session.StatusPermissionDenied), Msg: text})
	}
}

func (app *App) handleLogin(c *ws.Conn, msg *ws.ClientMessage) {
	args := parseArgs(msg)

	// Either positional [name, password] or {name, password}.
	var creds struct {
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if !argObject(args, 0, &creds) || creds.Name == "" {
		creds.Name = argString(args, 0)
		creds.Password = argString(args, 1)
	}
	if creds.Name == "" || creds.Password == "" {
		app.denied(c, msg, "Incorrect name or password")
		return
	}

	op, err := app.Operators.FindByName(creds.Name)
	if err != nil {
		slog.Error("login lookup", "err", err)
		sendError(c, msg, err)
		return
	}
	if op == nil || !models.VerifyPassword(creds.Password, op.Password) {
		app.denied(c, msg, "Incorrect name or password")
		return
	}

	token, err := models.CreateToken(op, app.TokenSecret)
	if err != nil {
		slog.Error("create token", "err", err)
		sendError(c, msg, err)
		return
	}

	c.SetOperator(op.Name)
	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, ws.OkResponse{OK: true, Token: token})
	}
	slog.Info("operator logged in", "operator", op.Name, "conn", c.ID())
}

func (app *App) handleLoginByToken(c *ws.Conn, msg *ws.ClientMessage) {
	token := argString(parseArgs(msg), 0)
	if token == "" {
		app.denied(c, msg, "Invalid token")
		return
	}

	claims, err := models.VerifyToken(token, app.TokenSecret)
	if err != nil {
		app.denied(c, msg, "Invalid token")
		return
	}
	op, err := app.Operators.FindByName(claims.Operator)
	if err != nil {
		sendError(c, msg, err)
		return
	}
	// A password change invalidates tokens issued before it.
	if !claims.Matches(op) {
		app.denied(c, msg, "Invalid token")
		return
	}

	c.SetOperator(op.Name)
	sendOK(c, msg)
}

func (app *App) handleSetup(c *ws.Conn, msg *ws.ClientMessage) {
	args := parseArgs(msg)
	name, password := argString(args, 0), argString(args, 1)
	if name == "" || len(password) < 8 {
		sendInvalid(c, msg, "A name and a password of at least 8 characters are required")
		return
	}
	if !app.needSetup.Load() {
		app.denied(c, msg, "Setup has already been completed")
		return
	}

	op, err := app.Operators.Create(name, password)
	if errors.Is(err, models.ErrOperatorExists) {
		app.denied(c, msg, "Setup has already been completed")
		return
	}
	if err != nil {
		sendError(c, msg, err)
		return
	}
	app.needSetup.Store(false)

	token, err := models.CreateToken(op, app.TokenSecret)
	if err != nil {
		sendError(c, msg, err)
		return
	}
	c.SetOperator(op.Name)
	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, ws.OkResponse{OK: true, Token: token})
	}
	slog.Info("created first operator", "operator", op.Name)
}

func (app *App) handleNeedSetup(c *ws.Conn, msg *ws.ClientMessage) {
	if msg.ID != nil {
		ws.SendAck(c, *msg.ID, app.needSetup.Load())
	}
}
