package session

import (
	"errors"

	"github.com/containerd/errdefs"

	"github.com/microsoft/wsla/internal/docker"
	"github.com/microsoft/wsla/internal/relay"
)

// Status is the stable error classification returned to callers across
// the control surface.
type Status string

const (
	StatusOK                Status = "ok"
	StatusInvalidArgument   Status = "invalid_argument"
	StatusNotFound          Status = "not_found"
	StatusAlreadyExists     Status = "already_exists"
	StatusConflict          Status = "conflict"
	StatusInvalidState      Status = "invalid_state"
	StatusResourceExhausted Status = "resource_exhausted"
	StatusPermissionDenied  Status = "permission_denied"
	StatusNotImplemented    Status = "not_implemented"
	StatusUnavailable       Status = "unavailable"
	StatusAborted           Status = "aborted"
	StatusUnknown           Status = "unknown"
)

// StatusOf classifies err.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, relay.ErrAborted), errdefs.IsCanceled(err), errdefs.IsDeadlineExceeded(err):
		return StatusAborted
	case errdefs.IsInvalidArgument(err):
		return StatusInvalidArgument
	case errdefs.IsNotFound(err):
		return StatusNotFound
	case errdefs.IsAlreadyExists(err):
		return StatusAlreadyExists
	case errdefs.IsConflict(err):
		return StatusConflict
	case errdefs.IsFailedPrecondition(err):
		return StatusInvalidState
	case errdefs.IsResourceExhausted(err):
		return StatusResourceExhausted
	case errdefs.IsPermissionDenied(err), errdefs.IsUnauthorized(err):
		return StatusPermissionDenied
	case errdefs.IsNotImplemented(err):
		return StatusNotImplemented
	case errdefs.IsUnavailable(err):
		return StatusUnavailable
	default:
		return StatusUnknown
	}
}

// MessageOf returns the human-readable message for err, preferring the
// engine's own error text.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var perr *docker.ProtocolError
	if errors.As(err, &perr) {
		return perr.Message()
	}
	var terr *docker.TransportError
	if errors.As(err, &terr) {
		return "the container engine is not reachable"
	}
	return err.Error()
}
