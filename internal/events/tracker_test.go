package events

import (
	"context"
	"io"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/containerd/errdefs"

	"github.com/microsoft/wsla/internal/relay"
	"github.com/microsoft/wsla/internal/vm"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) list() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestTracker_ExitTargeting(t *testing.T) {
	tr := NewTracker()
	var abc, xyz recorder
	subA := tr.Subscribe("abc", "", abc.record)
	subX := tr.Subscribe("xyz", "", xyz.record)
	defer subA.Release()
	defer subX.Release()

	io.WriteString(tr, `{"Topic":"/tasks/exit","Event":"{\"container_id\":\"abc\",\"exit_code\":7}"}`+"\n\n")

	got := abc.list()
	if len(got) != 1 {
		t.Fatalf("abc got %d events, want 1", len(got))
	}
	if got[0].Kind != Exit || !got[0].HasExitCode || got[0].ExitCode != 7 {
		t.Errorf("event = %+v", got[0])
	}
	if n := len(xyz.list()); n != 0 {
		t.Errorf("xyz got %d events", n)
	}
}

func TestTracker_LineAssembly(t *testing.T) {
	tr := NewTracker()
	var rec recorder
	sub := tr.Subscribe("c1", "", rec.record)
	defer sub.Release()

	feed := `{"Topic":"/tasks/create","Event":"{\"container_id\":\"c1\",\"id\":\"c1\"}"}` + "\n\n" +
		`{"Topic":"/tasks/start","Event":"{\"container_id\":\"c1\",\"id\":\"c1\",\"pid\":42}"}` + "\n\n" +
		`{"Topic":"/images/update","Event":"{}"}` + "\n" +
		`not json` + "\n" +
		`{"Topic":"/tasks/exit","Event":"{\"container_id\":\"c1\",\"id\":\"c1\",\"exit_status\":137}"}` + "\n\n"

	// Deliver in awkward pieces so lines straddle writes.
	for i := 0; i < len(feed); i += 7 {
		end := min(i+7, len(feed))
		tr.Write([]byte(feed[i:end]))
	}

	got := rec.list()
	var kinds []string
	for _, ev := range got {
		kinds = append(kinds, ev.Kind.String())
	}
	if strings.Join(kinds, ",") != "create,start,exit" {
		t.Fatalf("kinds = %v", kinds)
	}
	if got[2].ExitCode != 137 {
		t.Errorf("exit_status fallback = %d", got[2].ExitCode)
	}
	if got[0].HasExitCode {
		t.Error("create carries an exit code")
	}
}

func TestTracker_ExecRouting(t *testing.T) {
	tr := NewTracker()
	var ctr, exec, other recorder
	subs := []*Subscription{
		tr.Subscribe("c1", "", ctr.record),
		tr.Subscribe("c1", "e1", exec.record),
		tr.Subscribe("c1", "e2", other.record),
	}
	defer func() {
		for _, s := range subs {
			s.Release()
		}
	}()

	io.WriteString(tr, `{"Topic":"/tasks/exec-added","Event":"{\"container_id\":\"c1\",\"exec_id\":\"e1\"}"}`+"\n")
	io.WriteString(tr, `{"Topic":"/tasks/exit","Event":"{\"container_id\":\"c1\",\"id\":\"e1\",\"exit_status\":2}"}`+"\n")

	got := exec.list()
	if len(got) != 2 || got[0].Kind != Create || got[1].Kind != Exit || got[1].ExitCode != 2 {
		t.Errorf("exec events = %+v", got)
	}
	if len(ctr.list()) != 0 || len(other.list()) != 0 {
		t.Errorf("container=%v other=%v", ctr.list(), other.list())
	}
}

func TestTracker_RegistrationOrder(t *testing.T) {
	tr := NewTracker()
	var order []int
	for i := range 3 {
		s := tr.Subscribe("c", "", func(Event) { order = append(order, i) })
		defer s.Release()
	}
	tr.Dispatch(Event{Kind: Stop, ContainerID: "c"})
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Errorf("order = %v", order)
	}
}

func TestTracker_ReleaseExactlyOnce(t *testing.T) {
	tr := NewTracker()
	a := tr.Subscribe("c", "", func(Event) {})
	b := tr.Subscribe("c", "", func(Event) {})

	a.Release()
	a.Release()
	if n := tr.Subscriptions(); n != 1 {
		t.Fatalf("subscriptions = %d, want 1", n)
	}
	b.Release()

	defer func() {
		if recover() == nil {
			t.Error("removing an unknown subscription did not panic")
		}
	}()
	tr.remove(a)
}

func TestTracker_OverlongLineDropped(t *testing.T) {
	tr := NewTracker()
	var rec recorder
	sub := tr.Subscribe("c", "", rec.record)
	defer sub.Release()

	tr.Write([]byte(strings.Repeat("x", maxLine+10)))
	io.WriteString(tr, "tail\n")
	io.WriteString(tr, `{"Topic":"/tasks/stop","Event":"{\"container_id\":\"c\"}"}`+"\n")

	if got := rec.list(); len(got) != 1 || got[0].Kind != Stop {
		t.Errorf("events after overlong line = %+v", got)
	}
}

func TestTracker_StartStop(t *testing.T) {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	proc := vm.NewPipeProcess(outR, errR, nil)
	var launched vm.Command
	launcher := vm.LauncherFunc(func(ctx context.Context, cmd vm.Command) (vm.Process, error) {
		launched = cmd
		return proc, nil
	})

	r := relay.New()
	defer r.Stop()

	tr := NewTracker()
	got := make(chan Event, 1)
	sub := tr.Subscribe("c9", "", func(ev Event) { got <- ev })

	cmd := vm.Command{Path: "ctr", Args: []string{"events"}}
	if err := tr.Start(context.Background(), launcher, cmd, r); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if launched.Path != "ctr" {
		t.Errorf("launched %v", launched)
	}

	go io.WriteString(errW, "noise on stderr\n")
	go io.WriteString(outW, `{"Topic":"/tasks/delete","Event":"{\"container_id\":\"c9\"}"}`+"\n\n")

	select {
	case ev := <-got:
		if ev.Kind != Destroy {
			t.Errorf("kind = %v", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	if err := tr.Stop(); !errdefs.IsFailedPrecondition(err) {
		t.Errorf("Stop with live subscription = %v", err)
	}
	sub.Release()
	if err := tr.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if code := proc.ExitCode(); code != 128+int(syscall.SIGKILL) {
		t.Errorf("feed process exit = %d", code)
	}
}
