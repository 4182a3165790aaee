package session

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// State is a container's lifecycle state. States only move forward.
type State int

const (
	Created State = iota
	Running
	Exited
	Deleted
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Exited:
		return "exited"
	case Deleted:
		return "deleted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// stateFromEngine maps the engine's container status onto a State.
func stateFromEngine(status string) State {
	switch status {
	case "created":
		return Created
	case "running", "paused", "restarting":
		return Running
	default:
		return Exited
	}
}

// StateError reports an operation the container's current state does not
// allow.
type StateError struct {
	ID    string
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s container %s: invalid state %s", e.Op, shortID(e.ID), e.State)
}

func (e *StateError) Unwrap() error { return errdefs.ErrFailedPrecondition }

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
