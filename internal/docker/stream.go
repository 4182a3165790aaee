package docker

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/microsoft/wsla/internal/relay"
)

// DemuxHandle splits the engine's multiplexed stdout/stderr framing read from
// src into the two writers until src reaches EOF.
func DemuxHandle(src io.Reader, stdout, stderr io.Writer) relay.Handle {
	return relay.HandleFunc(func(ctx context.Context) error {
		stop := relay.Interrupt(ctx, src)
		defer stop()

		_, err := stdcopy.StdCopy(stdout, stderr, src)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	})
}

// ProgressHandle decodes a stream of JSON progress messages, as produced by
// image pull, passing each one to onProgress. A message carrying an error
// ends the stream with that error.
func ProgressHandle(src io.Reader, onProgress func(jsonmessage.JSONMessage)) relay.Handle {
	return relay.HandleFunc(func(ctx context.Context) error {
		stop := relay.Interrupt(ctx, src)
		defer stop()

		dec := json.NewDecoder(src)
		for {
			var msg jsonmessage.JSONMessage
			if err := dec.Decode(&msg); err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
			if msg.Error != nil {
				return msg.Error
			}
			if onProgress != nil {
				onProgress(msg)
			}
		}
	})
}
