package events

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"syscall"

	"github.com/containerd/errdefs"

	"github.com/microsoft/wsla/internal/relay"
	"github.com/microsoft/wsla/internal/vm"
)

// maxLine bounds the pending line buffer; longer lines are dropped.
const maxLine = 1 << 20

// Callback receives events for a subscription. It runs with the tracker
// lock held and must not call back into the Tracker.
type Callback func(Event)

// Tracker assembles feed bytes into lines and dispatches parsed events to
// subscribers in registration order.
type Tracker struct {
	mu   sync.Mutex
	subs []*Subscription

	lineMu   sync.Mutex
	pending  []byte
	dropping bool

	proc     vm.Process
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewTracker() *Tracker {
	return &Tracker{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Subscription owns one entry in the tracker's subscriber table.
type Subscription struct {
	t           *Tracker
	containerID string
	execID      string
	cb          Callback
	once        sync.Once
}

// Subscribe registers cb for events about containerID. With a non-empty
// execID only that exec's events are delivered; otherwise only the
// container's own.
func (t *Tracker) Subscribe(containerID, execID string, cb Callback) *Subscription {
	s := &Subscription{t: t, containerID: containerID, execID: execID, cb: cb}

	t.mu.Lock()
	t.subs = append(t.subs, s)
	t.mu.Unlock()
	return s
}

// Release removes the subscription. Further calls are no-ops.
func (s *Subscription) Release() {
	s.once.Do(func() { s.t.remove(s) })
}

func (t *Tracker) remove(s *Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	kept := t.subs[:0]
	for _, cur := range t.subs {
		if cur == s {
			removed++
			continue
		}
		kept = append(kept, cur)
	}
	clear(t.subs[len(kept):])
	t.subs = kept

	if removed != 1 {
		panic(fmt.Sprintf("events: subscription for %s/%s removed %d entries", s.containerID, s.execID, removed))
	}
}

// Subscriptions reports how many subscriptions are outstanding.
func (t *Tracker) Subscriptions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Write feeds raw bytes from the event feed. Every newline completes a line.
func (t *Tracker) Write(p []byte) (int, error) {
	t.lineMu.Lock()
	defer t.lineMu.Unlock()

	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			t.buffer(p)
			break
		}
		t.buffer(p[:i])
		if !t.dropping {
			t.handleLine(t.pending)
		}
		t.pending = t.pending[:0]
		t.dropping = false
		p = p[i+1:]
	}
	return n, nil
}

func (t *Tracker) buffer(p []byte) {
	if t.dropping {
		return
	}
	if len(t.pending)+len(p) > maxLine {
		slog.Warn("event feed line too long, dropping", "size", len(t.pending)+len(p))
		t.pending = t.pending[:0]
		t.dropping = true
		return
	}
	t.pending = append(t.pending, p...)
}

func (t *Tracker) handleLine(line []byte) {
	ev, ok, err := Parse(line)
	if err != nil {
		slog.Warn("event feed: bad line", "err", err)
		return
	}
	if !ok {
		return
	}
	t.Dispatch(ev)
}

// Dispatch delivers ev to every matching subscriber.
func (t *Tracker) Dispatch(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range t.subs {
		if s.containerID == ev.ContainerID && s.execID == ev.ExecID {
			s.cb(ev)
		}
	}
}

// Consume returns a handle that copies feed into the tracker until it ends
// or the tracker is stopped.
func (t *Tracker) Consume(feed io.Reader) relay.Handle {
	return relay.HandleFunc(func(ctx context.Context) error {
		mh := relay.NewMultiHandle()
		mh.Add(&relay.CopyHandle{Src: feed, Dst: t}, relay.CancelOnCompleted)
		mh.Add(&relay.SignalHandle{C: t.stop}, relay.CancelOnCompleted)
		return mh.Run(ctx)
	})
}

// Start launches the events command and relays its stdout into the
// tracker. Stderr is discarded.
func (t *Tracker) Start(ctx context.Context, l vm.Launcher, cmd vm.Command, r *relay.Relay) error {
	proc, err := l.Launch(ctx, cmd)
	if err != nil {
		return fmt.Errorf("launch event feed %s: %w", cmd, err)
	}

	handles := []relay.Handle{
		relay.WithCompletion(t.Consume(proc.Stdout()), func(err error) {
			if err != nil {
				slog.Debug("event feed ended", "err", err)
			}
			close(t.done)
		}),
	}
	if stderr := proc.Stderr(); stderr != nil {
		handles = append(handles, &relay.CopyHandle{Src: stderr, Dst: io.Discard})
	}
	if err := r.AddAll(handles...); err != nil {
		proc.Signal(syscall.SIGKILL)
		return err
	}
	t.proc = proc
	return nil
}

// Done is closed once feed consumption ends.
func (t *Tracker) Done() <-chan struct{} { return t.done }

// Stop ends feed consumption, kills the events process and waits for the
// read loop. Every subscription must already have been released.
func (t *Tracker) Stop() error {
	t.stopOnce.Do(func() { close(t.stop) })
	if t.proc != nil {
		if err := t.proc.Signal(syscall.SIGKILL); err != nil {
			slog.Debug("signal event feed", "err", err)
		}
		<-t.done
	}

	if n := t.Subscriptions(); n != 0 {
		return fmt.Errorf("event tracker stopped with %d subscriptions outstanding: %w", n, errdefs.ErrFailedPrecondition)
	}
	return nil
}
