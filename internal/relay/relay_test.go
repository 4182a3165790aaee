package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// syncBuffer is a bytes.Buffer safe for concurrent use.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRelayRunsAddedHandles(t *testing.T) {
	t.Parallel()

	r := New()
	defer r.Stop()

	pr, pw := io.Pipe()
	var sink syncBuffer
	done := make(chan error, 1)
	h := WithCompletion(&CopyHandle{Src: pr, Dst: &sink}, func(err error) { done <- err })
	if err := r.Add(h); err != nil {
		t.Fatalf("Add: %v", err)
	}

	pw.Write([]byte("relayed"))
	pw.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("copy: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("copy handle did not complete")
	}
	if sink.String() != "relayed" {
		t.Errorf("sink = %q", sink.String())
	}
}

func TestRelayFailingHandleDoesNotStopLoop(t *testing.T) {
	t.Parallel()

	r := New()
	defer r.Stop()

	if err := r.Add(HandleFunc(func(ctx context.Context) error { return errors.New("broken stream") })); err != nil {
		t.Fatal(err)
	}

	ran := make(chan struct{})
	time.Sleep(10 * time.Millisecond)
	if err := r.Add(HandleFunc(func(ctx context.Context) error {
		close(ran)
		return nil
	})); err != nil {
		t.Fatal(err)
	}

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("relay stopped after a failing handle")
	}
}

func TestRelayStopCancelsAndRejects(t *testing.T) {
	t.Parallel()

	r := New()
	cancelled := make(chan struct{})
	if err := r.Add(HandleFunc(func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})); err != nil {
		t.Fatal(err)
	}

	r.Stop()

	select {
	case <-cancelled:
	default:
		t.Error("Stop should cancel and join in-flight handles")
	}
	if err := r.Add(HandleFunc(func(ctx context.Context) error { return nil })); !errors.Is(err, ErrRelayStopped) {
		t.Errorf("Add after Stop = %v, want ErrRelayStopped", err)
	}

	// Second Stop is a no-op.
	r.Stop()
}
