package ws

import "encoding/json"

// ClientMessage is sent from a client to the server.
// If ID is non-nil, the client expects an ack with the same ID.
type ClientMessage struct {
	ID    *int64          `json:"id,omitempty"`
	Event string          `json:"event"`
	Args  json.RawMessage `json:"args"`
}

// AckMessage answers a client request with an ID.
type AckMessage[T any] struct {
	ID   int64 `json:"id"`
	Data T     `json:"data"`
}

// ServerMessage is a server-initiated push (no ack expected).
type ServerMessage[T any] struct {
	Event string `json:"event"`
	Data  T      `json:"data"`
}

// OkResponse is the standard ack payload for successful operations.
type OkResponse struct {
	OK    bool   `json:"ok"`
	Msg   string `json:"msg,omitempty"`
	Token string `json:"token,omitempty"`
}

// ErrorResponse is the standard ack payload for failed operations. Status
// is the stable classification; Msg is meant for humans.
type ErrorResponse struct {
	OK     bool   `json:"ok"`
	Status string `json:"status,omitempty"`
	Msg    string `json:"msg"`
}
