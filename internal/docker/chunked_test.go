package docker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

func decodeChunked(t *testing.T, r io.Reader) (string, int, error) {
	t.Helper()

	var out bytes.Buffer
	completed := 0
	h := &ChunkedHandle{
		R: r,
		OnData: func(p []byte) error {
			out.Write(p)
			return nil
		},
		OnComplete: func() { completed++ },
	}
	err := h.Run(context.Background())
	return out.String(), completed, err
}

func TestChunkedDecode(t *testing.T) {
	t.Parallel()

	got, completed, err := decodeChunked(t, strings.NewReader("4\r\ntest\r\n0\r\n\r\n"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != "test" {
		t.Errorf("decoded %q, want %q", got, "test")
	}
	if completed != 1 {
		t.Errorf("completion signalled %d times, want 1", completed)
	}
}

func TestChunkedDecodeByteAtATime(t *testing.T) {
	t.Parallel()

	body := "5;name=value\r\nhello\r\n1\r\n \r\nA\r\n0123456789\r\n0\r\nX-Trailer: yes\r\n\r\n"
	got, completed, err := decodeChunked(t, iotest.OneByteReader(strings.NewReader(body)))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != "hello 0123456789" {
		t.Errorf("decoded %q", got)
	}
	if completed != 1 {
		t.Errorf("completion signalled %d times, want 1", completed)
	}
}

func TestChunkedDeliversBeforeEnd(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	first := make(chan string, 1)
	h := &ChunkedHandle{
		R: pr,
		OnData: func(p []byte) error {
			select {
			case first <- string(p):
			default:
			}
			return nil
		},
	}
	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background()) }()

	pw.Write([]byte("3\r\nabc\r\n"))
	if got := <-first; got != "abc" {
		t.Fatalf("first chunk = %q", got)
	}
	pw.Write([]byte("0\r\n\r\n"))
	if err := <-done; err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestChunkedMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want error
	}{
		{"bad size", "zz\r\ntest\r\n0\r\n\r\n", errMalformedChunk},
		{"empty size", "\r\n", errMalformedChunk},
		{"missing crlf", "4\r\ntestX\r\n0\r\n\r\n", errMalformedChunk},
		{"truncated data", "8\r\ntest", io.ErrUnexpectedEOF},
		{"no terminal chunk", "4\r\ntest\r\n", io.ErrUnexpectedEOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, completed, err := decodeChunked(t, strings.NewReader(tt.body))
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if completed != 0 {
				t.Error("completion must not be signalled on error")
			}
		})
	}
}
