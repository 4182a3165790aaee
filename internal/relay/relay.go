package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/containerd/errdefs"
)

// ErrRelayStopped is returned by Add once Stop has been called.
var ErrRelayStopped = fmt.Errorf("relay: stopped: %w", errdefs.ErrFailedPrecondition)

// Relay keeps one MultiHandle running on a background goroutine so that
// long-lived streams can be added without interrupting the ones in flight.
// Handles added to a Relay never stop it: their errors are logged and their
// completion only removes them from the wait set.
type Relay struct {
	mh *MultiHandle

	mu      sync.Mutex
	stopped bool
	exit    chan struct{}
	done    chan struct{}
}

// New starts a relay loop.
func New() *Relay {
	r := &Relay{
		mh:   NewMultiHandle(),
		exit: make(chan struct{}),
		done: make(chan struct{}),
	}

	// The exit handle keeps the wait set non-empty and ends the loop on Stop.
	r.mh.Add(&SignalHandle{C: r.exit}, CancelOnCompleted)

	go func() {
		defer close(r.done)
		err := r.mh.Run(context.Background())
		if err != nil && !errors.Is(err, ErrAborted) {
			slog.Warn("relay loop exited", "err", err)
		}
	}()
	return r
}

// Add enqueues h on the running loop.
func (r *Relay) Add(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return ErrRelayStopped
	}
	r.mh.Add(h, IgnoreErrors)
	return nil
}

// AddAll enqueues every handle or none of them.
func (r *Relay) AddAll(hs ...Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return ErrRelayStopped
	}
	for _, h := range hs {
		r.mh.Add(h, IgnoreErrors)
	}
	return nil
}

// Stop ends the loop, cancels every handle still running and waits for
// them to return. Calling Stop more than once is a no-op.
func (r *Relay) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.stopped = true
	close(r.exit)
	r.mu.Unlock()

	<-r.done
}

// Done is closed once the loop has exited.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}
