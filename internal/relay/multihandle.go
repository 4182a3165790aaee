// Package relay runs groups of blocking I/O operations concurrently with a
// shared cancellation and a per-operation stopping rule.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/containerd/errdefs"
)

// Flags select how a handle's completion affects the group it runs in.
type Flags uint8

const (
	// None removes the handle on completion and keeps waiting on the others.
	None Flags = 0
	// CancelOnCompleted stops the whole wait the moment this handle completes.
	CancelOnCompleted Flags = 1 << iota
	// IgnoreErrors logs and drops a failing handle instead of aborting the wait.
	IgnoreErrors
)

var (
	// ErrAborted is returned by Run when the wait was cancelled.
	ErrAborted = fmt.Errorf("relay: wait aborted: %w", errdefs.ErrAborted)

	errAlreadyRan = errors.New("relay: multi handle already ran")
)

// Handle is one asynchronous operation. Run blocks until the operation
// completes or ctx is cancelled, and must return promptly after cancellation.
type Handle interface {
	Run(ctx context.Context) error
}

// HandleFunc adapts a function to Handle.
type HandleFunc func(ctx context.Context) error

// Run calls f(ctx).
func (f HandleFunc) Run(ctx context.Context) error { return f(ctx) }

type entry struct {
	h     Handle
	flags Flags
}

type result struct {
	err   error
	flags Flags
}

// MultiHandle waits on a growable set of handles until its stopping rule is
// met. Handles may be added before or during Run. A MultiHandle is single-use.
type MultiHandle struct {
	mu      sync.Mutex
	pending []entry
	running bool
	ran     bool
	active  int
	runCtx  context.Context
	results chan result
	stop    chan struct{}
	wg      sync.WaitGroup

	cancelOnce sync.Once
	cancelled  chan struct{}
}

func NewMultiHandle() *MultiHandle {
	return &MultiHandle{cancelled: make(chan struct{})}
}

// Add registers h. If Run is in progress the handle starts immediately,
// otherwise it starts when Run is called.
func (m *MultiHandle) Add(h Handle, flags Flags) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		m.startLocked(entry{h: h, flags: flags})
		return
	}
	m.pending = append(m.pending, entry{h: h, flags: flags})
}

// Cancel unblocks Run, which returns ErrAborted. Safe to call at any time
// and from any goroutine.
func (m *MultiHandle) Cancel() {
	m.cancelOnce.Do(func() { close(m.cancelled) })
}

// Run blocks until every handle has completed, a CancelOnCompleted handle
// completes, a handle without IgnoreErrors fails, Cancel is called, or ctx is
// done. Running handles are cancelled and joined before Run returns.
func (m *MultiHandle) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	if m.ran {
		m.mu.Unlock()
		cancel()
		return errAlreadyRan
	}
	m.ran = true
	m.running = true
	m.runCtx = runCtx
	m.results = make(chan result)
	m.stop = make(chan struct{})
	for _, e := range m.pending {
		m.startLocked(e)
	}
	m.pending = nil
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		close(m.stop)
		m.mu.Unlock()
		cancel()
		m.wg.Wait()
	}()

	for {
		select {
		case <-m.cancelled:
			return ErrAborted
		default:
		}

		m.mu.Lock()
		if m.active == 0 {
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()

		select {
		case r := <-m.results:
			m.mu.Lock()
			m.active--
			m.mu.Unlock()

			if r.err != nil {
				if r.flags&IgnoreErrors != 0 {
					slog.Debug("relay: ignoring handle error", "err", r.err)
					continue
				}
				return r.err
			}
			if r.flags&CancelOnCompleted != 0 {
				return nil
			}
		case <-m.cancelled:
			return ErrAborted
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
		}
	}
}

// startLocked launches e on the current run. Caller holds m.mu.
func (m *MultiHandle) startLocked(e entry) {
	m.active++
	m.wg.Add(1)
	ctx, results, stop := m.runCtx, m.results, m.stop
	go func() {
		defer m.wg.Done()
		err := e.h.Run(ctx)
		select {
		case results <- result{err: err, flags: e.flags}:
		case <-stop:
		}
	}()
}
