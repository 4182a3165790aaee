package docker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/containerd/errdefs"
)

// ProtocolError is returned for any engine response outside [200,300).
type ProtocolError struct {
	Method       string
	Path         string
	StatusCode   int
	RequestBody  []byte
	ResponseBody []byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("engine %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message())
}

// Message returns the engine's own error message when the body carries one.
func (e *ProtocolError) Message() string {
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(e.ResponseBody, &body) == nil && body.Message != "" {
		return body.Message
	}
	if trimmed := bytes.TrimSpace(e.ResponseBody); len(trimmed) > 0 {
		return string(trimmed)
	}
	return http.StatusText(e.StatusCode)
}

// Unwrap maps the status onto the errdefs taxonomy so callers can use
// errdefs.IsNotFound and friends.
func (e *ProtocolError) Unwrap() error {
	return statusError(e.StatusCode)
}

func statusError(code int) error {
	switch code {
	case http.StatusNotModified:
		return errdefs.ErrNotModified
	case http.StatusBadRequest:
		return errdefs.ErrInvalidArgument
	case http.StatusUnauthorized, http.StatusForbidden:
		return errdefs.ErrPermissionDenied
	case http.StatusNotFound:
		return errdefs.ErrNotFound
	case http.StatusConflict:
		return errdefs.ErrConflict
	case http.StatusNotImplemented:
		return errdefs.ErrNotImplemented
	case http.StatusServiceUnavailable:
		return errdefs.ErrUnavailable
	default:
		return errdefs.ErrUnknown
	}
}

// TransportError reports a socket-level failure: dial errors, resets, or the
// stream ending before a complete response head.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("engine transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{errdefs.ErrUnavailable, e.Err}
}
