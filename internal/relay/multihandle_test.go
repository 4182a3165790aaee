package relay

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"
)

// blockingHandle blocks until ctx is cancelled.
func blockingHandle(cancelled *atomic.Bool) Handle {
	return HandleFunc(func(ctx context.Context) error {
		<-ctx.Done()
		if cancelled != nil {
			cancelled.Store(true)
		}
		return ctx.Err()
	})
}

func TestMultiHandleWaitsForAll(t *testing.T) {
	t.Parallel()

	var count atomic.Int32
	mh := NewMultiHandle()
	for i := 0; i < 3; i++ {
		mh.Add(HandleFunc(func(ctx context.Context) error {
			count.Add(1)
			return nil
		}), None)
	}

	if err := mh.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if count.Load() != 3 {
		t.Errorf("completed = %d, want 3", count.Load())
	}
}

func TestMultiHandleCancelOnCompleted(t *testing.T) {
	t.Parallel()

	var cancelled atomic.Bool
	mh := NewMultiHandle()
	mh.Add(blockingHandle(&cancelled), None)
	mh.Add(HandleFunc(func(ctx context.Context) error { return nil }), CancelOnCompleted)

	if err := mh.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !cancelled.Load() {
		t.Error("blocking handle should have been cancelled and joined before Run returned")
	}
}

func TestMultiHandleErrorPropagates(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	var cancelled atomic.Bool
	mh := NewMultiHandle()
	mh.Add(blockingHandle(&cancelled), None)
	mh.Add(HandleFunc(func(ctx context.Context) error { return boom }), None)

	err := mh.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Run error = %v, want %v", err, boom)
	}
	if !cancelled.Load() {
		t.Error("remaining handles should be cancelled on failure")
	}
}

func TestMultiHandleIgnoreErrors(t *testing.T) {
	t.Parallel()

	mh := NewMultiHandle()
	mh.Add(HandleFunc(func(ctx context.Context) error { return errors.New("ignored") }), IgnoreErrors)
	done := make(chan struct{})
	mh.Add(HandleFunc(func(ctx context.Context) error {
		time.Sleep(10 * time.Millisecond)
		close(done)
		return nil
	}), None)

	if err := mh.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	select {
	case <-done:
	default:
		t.Error("second handle should have completed")
	}
}

func TestMultiHandleCancel(t *testing.T) {
	t.Parallel()

	mh := NewMultiHandle()
	mh.Add(blockingHandle(nil), None)

	go func() {
		time.Sleep(10 * time.Millisecond)
		mh.Cancel()
	}()

	err := mh.Run(context.Background())
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("Run error = %v, want ErrAborted", err)
	}
}

func TestMultiHandleContextDone(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	mh := NewMultiHandle()
	mh.Add(blockingHandle(nil), None)

	err := mh.Run(ctx)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("Run error = %v, want ErrAborted", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run error = %v, want to wrap DeadlineExceeded", err)
	}
}

func TestMultiHandleAddWhileRunning(t *testing.T) {
	t.Parallel()

	mh := NewMultiHandle()
	release := make(chan struct{})
	mh.Add(&SignalHandle{C: release}, None)

	added := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		mh.Add(HandleFunc(func(ctx context.Context) error {
			close(added)
			return nil
		}), None)
		<-added
		close(release)
	}()

	if err := mh.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestMultiHandleSingleUse(t *testing.T) {
	t.Parallel()

	mh := NewMultiHandle()
	if err := mh.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := mh.Run(context.Background()); err == nil {
		t.Fatal("second Run should fail")
	}
}

func TestReadHandleInterruptedByCancel(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	defer pw.Close()

	var got []byte
	mh := NewMultiHandle()
	mh.Add(&ReadHandle{R: pr, OnData: func(p []byte) error {
		got = append(got, p...)
		return nil
	}}, None)

	go func() {
		pw.Write([]byte("abc"))
		time.Sleep(10 * time.Millisecond)
		mh.Cancel()
	}()

	if err := mh.Run(context.Background()); !errors.Is(err, ErrAborted) {
		t.Fatalf("Run error = %v, want ErrAborted", err)
	}
	if string(got) != "abc" {
		t.Errorf("got %q, want %q", got, "abc")
	}
}

func TestCopyHandleRelaysUntilEOF(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	var sink syncBuffer

	mh := NewMultiHandle()
	mh.Add(&CopyHandle{Src: pr, Dst: &sink}, None)
	go func() {
		pw.Write([]byte("hello "))
		pw.Write([]byte("world"))
		pw.Close()
	}()

	if err := mh.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sink.String() != "hello world" {
		t.Errorf("sink = %q", sink.String())
	}
}
