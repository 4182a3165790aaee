package docker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/microsoft/wsla/internal/relay"
)

const chunkReadSize = 32 * 1024

var errMalformedChunk = errors.New("malformed chunked encoding")

// ChunkedHandle decodes a Transfer-Encoding: chunked body read from R.
// Decoded bytes reach OnData as they arrive, never buffered whole. OnComplete
// runs after the terminal zero-size chunk and its trailer have been read.
type ChunkedHandle struct {
	R          io.Reader
	OnData     func(p []byte) error
	OnComplete func()
}

func (h *ChunkedHandle) Run(ctx context.Context) error {
	stop := relay.Interrupt(ctx, h.R)
	defer stop()

	err := h.decode(bufio.NewReader(h.R))
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (h *ChunkedHandle) decode(br *bufio.Reader) error {
	buf := make([]byte, chunkReadSize)
	for {
		line, err := readChunkLine(br)
		if err != nil {
			return err
		}
		size, err := parseChunkSize(line)
		if err != nil {
			return err
		}

		if size == 0 {
			// Trailer fields, up to the final blank line.
			for {
				line, err := readChunkLine(br)
				if err != nil {
					return err
				}
				if len(line) == 0 {
					break
				}
			}
			if h.OnComplete != nil {
				h.OnComplete()
			}
			return nil
		}

		for size > 0 {
			n := min(size, uint64(len(buf)))
			if _, err := io.ReadFull(br, buf[:n]); err != nil {
				return chunkReadError(err)
			}
			if err := h.OnData(buf[:n]); err != nil {
				return err
			}
			size -= n
		}

		line, err = readChunkLine(br)
		if err != nil {
			return err
		}
		if len(line) != 0 {
			return fmt.Errorf("%w: missing CRLF after chunk data", errMalformedChunk)
		}
	}
}

// readChunkLine returns one CRLF-terminated line without its terminator.
func readChunkLine(br *bufio.Reader) ([]byte, error) {
	line, err := br.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return nil, fmt.Errorf("%w: line too long", errMalformedChunk)
		}
		return nil, chunkReadError(err)
	}
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r")), nil
}

func parseChunkSize(line []byte) (uint64, error) {
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return 0, fmt.Errorf("%w: empty chunk size", errMalformedChunk)
	}
	size, err := strconv.ParseUint(string(line), 16, 63)
	if err != nil {
		return 0, fmt.Errorf("%w: chunk size %q", errMalformedChunk, line)
	}
	return size, nil
}

func chunkReadError(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
