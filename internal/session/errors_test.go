package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/containerd/errdefs"

	"github.com/microsoft/wsla/internal/docker"
	"github.com/microsoft/wsla/internal/relay"
)

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want Status
	}{
		{nil, StatusOK},
		{&StateError{ID: "abc", Op: "delete", State: Running}, StatusInvalidState},
		{&docker.ProtocolError{StatusCode: 404}, StatusNotFound},
		{&docker.ProtocolError{StatusCode: 409}, StatusConflict},
		{&docker.ProtocolError{StatusCode: 500}, StatusUnknown},
		{&docker.TransportError{Op: "dial", Err: io.ErrUnexpectedEOF}, StatusUnavailable},
		{fmt.Errorf("wait: %w: %w", relay.ErrAborted, context.Canceled), StatusAborted},
		{fmt.Errorf("allocate: %w", errdefs.ErrResourceExhausted), StatusResourceExhausted},
		{errors.New("boom"), StatusUnknown},
	}
	for _, tt := range tests {
		if got := StatusOf(tt.err); got != tt.want {
			t.Errorf("StatusOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestMessageOf(t *testing.T) {
	perr := &docker.ProtocolError{
		Method:       "POST",
		Path:         "/containers/create",
		StatusCode:   409,
		ResponseBody: []byte(`{"message":"name already in use"}`),
	}
	if got := MessageOf(fmt.Errorf("create container x: %w", perr)); got != "name already in use" {
		t.Errorf("protocol message = %q", got)
	}
	terr := &docker.TransportError{Op: "dial", Err: io.EOF}
	if got := MessageOf(terr); got != "the container engine is not reachable" {
		t.Errorf("transport message = %q", got)
	}
	serr := &StateError{ID: "0123456789abcdef", Op: "delete", State: Running}
	if got := MessageOf(serr); got != "delete container 0123456789ab: invalid state running" {
		t.Errorf("state message = %q", got)
	}
	if MessageOf(nil) != "" {
		t.Error("nil message not empty")
	}
}
