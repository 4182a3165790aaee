// Package events turns the engine's line-delimited JSON event feed into
// typed callbacks for the containers and execs that subscribed to them.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind is the lifecycle transition an event reports.
type Kind int

const (
	Create Kind = iota + 1
	Start
	Stop
	Exit
	Destroy
)

func (k Kind) String() string {
	switch k {
	case Create:
		return "create"
	case Start:
		return "start"
	case Stop:
		return "stop"
	case Exit:
		return "exit"
	case Destroy:
		return "destroy"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one parsed feed entry. ExecID is empty for events about a
// container's init process.
type Event struct {
	Kind        Kind
	Topic       string
	ContainerID string
	ExecID      string
	ExitCode    int
	HasExitCode bool
}

type topicKind struct {
	kind Kind
	exec bool
}

var topics = map[string]topicKind{
	"/tasks/create":       {kind: Create},
	"/tasks/start":        {kind: Start},
	"/tasks/stop":         {kind: Stop},
	"/tasks/exit":         {kind: Exit},
	"/tasks/delete":       {kind: Destroy},
	"/tasks/destroy":      {kind: Destroy},
	"/tasks/exec-added":   {kind: Create, exec: true},
	"/tasks/exec-started": {kind: Start, exec: true},
}

type envelope struct {
	Topic string `json:"Topic"`
	Event string `json:"Event"`
}

type payload struct {
	ContainerID string `json:"container_id"`
	ID          string `json:"id"`
	ExecID      string `json:"exec_id"`
	ExitCode    *int   `json:"exit_code"`
	ExitStatus  *int   `json:"exit_status"`
}

// Parse decodes one feed line. ok is false for blank lines and topics the
// tracker does not route.
func Parse(line []byte) (ev Event, ok bool, err error) {
	if len(strings.TrimSpace(string(line))) == 0 {
		return Event{}, false, nil
	}

	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Event{}, false, fmt.Errorf("decode feed envelope: %w", err)
	}
	tk, known := topics[env.Topic]
	if !known {
		return Event{}, false, nil
	}

	var p payload
	if err := json.Unmarshal([]byte(env.Event), &p); err != nil {
		return Event{}, false, fmt.Errorf("decode %s event: %w", env.Topic, err)
	}
	if p.ContainerID == "" {
		return Event{}, false, fmt.Errorf("%s event without container_id", env.Topic)
	}

	ev = Event{Kind: tk.kind, Topic: env.Topic, ContainerID: p.ContainerID}
	switch {
	case p.ExecID != "":
		ev.ExecID = p.ExecID
	case p.ID != "" && p.ID != p.ContainerID:
		ev.ExecID = p.ID
	}
	if tk.exec && ev.ExecID == "" {
		return Event{}, false, fmt.Errorf("%s event without exec id", env.Topic)
	}

	switch {
	case p.ExitCode != nil:
		ev.ExitCode, ev.HasExitCode = *p.ExitCode, true
	case p.ExitStatus != nil:
		ev.ExitCode, ev.HasExitCode = *p.ExitStatus, true
	}
	return ev, true, nil
}
