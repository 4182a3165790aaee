package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/containerd/errdefs"
	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/microsoft/wsla/internal/relay"
)

// VersionInfo is the subset of GET /version the engine client reads.
type VersionInfo struct {
	Version    string
	APIVersion string `json:"ApiVersion"`
	Os         string
	Arch       string
}

// ContainerState mirrors the State object of a container inspect.
type ContainerState struct {
	Status     string
	Running    bool
	ExitCode   int
	StartedAt  string
	FinishedAt string
}

// ContainerInspect is the subset of GET /containers/{id}/json used for
// lifecycle decisions. Raw keeps the engine's full document.
type ContainerInspect struct {
	ID         string `json:"Id"`
	Name       string
	Image      string
	State      *ContainerState
	Config     *container.Config
	HostConfig *container.HostConfig

	Raw json.RawMessage `json:"-"`
}

// ExecInspect is the subset of GET /exec/{id}/json.
type ExecInspect struct {
	ID          string `json:"ID"`
	ContainerID string
	Running     bool
	ExitCode    *int
	Pid         int
}

type createRequest struct {
	*container.Config
	HostConfig *container.HostConfig `json:"HostConfig,omitempty"`
}

type idResponse struct {
	ID string `json:"Id"`
}

// Ping checks that the engine answers on its socket.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Do(ctx, &Request{Method: http.MethodGet, Path: "/_ping"})
	return err
}

func (c *Client) Version(ctx context.Context) (*VersionInfo, error) {
	var v VersionInfo
	if err := c.doJSON(ctx, http.MethodGet, "/version", nil, nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// CreateContainer creates a container and returns the engine-assigned id.
func (c *Client) CreateContainer(ctx context.Context, name string, cfg *container.Config, host *container.HostConfig) (string, error) {
	q := url.Values{}
	if name != "" {
		q.Set("name", name)
	}
	var resp idResponse
	err := c.doJSON(ctx, http.MethodPost, "/containers/create", q, createRequest{Config: cfg, HostConfig: host}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("create container %s: engine returned no id", name)
	}
	return resp.ID, nil
}

func (c *Client) StartContainer(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, "/containers/"+url.PathEscape(id)+"/start", nil, nil, nil)
}

// StopContainer asks the engine to stop id, sending signal first and killing
// after timeout seconds. Empty signal and nil timeout use the engine's
// defaults. An already stopped container yields an error matching
// errdefs.IsNotModified.
func (c *Client) StopContainer(ctx context.Context, id string, signal string, timeout *int) error {
	q := url.Values{}
	if signal != "" {
		q.Set("signal", signal)
	}
	if timeout != nil {
		q.Set("t", strconv.Itoa(*timeout))
	}
	return c.doJSON(ctx, http.MethodPost, "/containers/"+url.PathEscape(id)+"/stop", q, nil, nil)
}

func (c *Client) KillContainer(ctx context.Context, id string, signal string) error {
	q := url.Values{}
	if signal != "" {
		q.Set("signal", signal)
	}
	return c.doJSON(ctx, http.MethodPost, "/containers/"+url.PathEscape(id)+"/kill", q, nil, nil)
}

func (c *Client) DeleteContainer(ctx context.Context, id string, force bool) error {
	q := url.Values{}
	if force {
		q.Set("force", "1")
	}
	return c.doJSON(ctx, http.MethodDelete, "/containers/"+url.PathEscape(id), q, nil, nil)
}

func (c *Client) InspectContainer(ctx context.Context, id string) (*ContainerInspect, error) {
	resp, err := c.Do(ctx, &Request{Method: http.MethodGet, Path: "/containers/" + url.PathEscape(id) + "/json"})
	if err != nil {
		return nil, err
	}
	var info ContainerInspect
	if err := json.Unmarshal(resp.Body, &info); err != nil {
		return nil, fmt.Errorf("decode inspect %s: %w", id, err)
	}
	info.Raw = json.RawMessage(resp.Body)
	return &info, nil
}

// ListContainers returns every container, running or not, carrying all of
// the given labels ("key" or "key=value").
func (c *Client) ListContainers(ctx context.Context, labels ...string) ([]container.Summary, error) {
	q := url.Values{}
	q.Set("all", "1")
	if len(labels) > 0 {
		args := filters.NewArgs()
		for _, l := range labels {
			args.Add("label", l)
		}
		f, err := filters.ToJSON(args)
		if err != nil {
			return nil, fmt.Errorf("encode filters: %w", err)
		}
		q.Set("filters", f)
	}

	var list []container.Summary
	if err := c.doJSON(ctx, http.MethodGet, "/containers/json", q, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// AttachContainer opens the container's primary stdio as a raw stream.
func (c *Client) AttachContainer(ctx context.Context, id string) (net.Conn, error) {
	q := url.Values{}
	for _, k := range []string{"stream", "stdin", "stdout", "stderr"} {
		q.Set(k, "1")
	}
	return c.Upgrade(ctx, &Request{
		Method: http.MethodPost,
		Path:   "/containers/" + url.PathEscape(id) + "/attach",
		Query:  q,
	})
}

// CreateExec creates an exec instance inside id and returns its id.
func (c *Client) CreateExec(ctx context.Context, id string, opts container.ExecOptions) (string, error) {
	var resp idResponse
	if err := c.doJSON(ctx, http.MethodPost, "/containers/"+url.PathEscape(id)+"/exec", nil, opts, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("create exec in %s: engine returned no id", id)
	}
	return resp.ID, nil
}

// StartExec starts an exec instance attached and returns its raw stream.
func (c *Client) StartExec(ctx context.Context, execID string, tty bool) (net.Conn, error) {
	body, err := json.Marshal(container.ExecStartOptions{Tty: tty})
	if err != nil {
		return nil, err
	}
	return c.Upgrade(ctx, &Request{
		Method: http.MethodPost,
		Path:   "/exec/" + url.PathEscape(execID) + "/start",
		Body:   body,
	})
}

func (c *Client) InspectExec(ctx context.Context, execID string) (*ExecInspect, error) {
	var info ExecInspect
	if err := c.doJSON(ctx, http.MethodGet, "/exec/"+url.PathEscape(execID)+"/json", nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) ResizeContainer(ctx context.Context, id string, rows, cols uint) error {
	return c.doJSON(ctx, http.MethodPost, "/containers/"+url.PathEscape(id)+"/resize", resizeQuery(rows, cols), nil, nil)
}

func (c *Client) ResizeExec(ctx context.Context, execID string, rows, cols uint) error {
	return c.doJSON(ctx, http.MethodPost, "/exec/"+url.PathEscape(execID)+"/resize", resizeQuery(rows, cols), nil, nil)
}

func resizeQuery(rows, cols uint) url.Values {
	q := url.Values{}
	q.Set("h", strconv.FormatUint(uint64(rows), 10))
	q.Set("w", strconv.FormatUint(uint64(cols), 10))
	return q
}

// LogStreams are the readable ends of a container log stream. Stderr is nil
// for tty containers, whose output the engine does not multiplex.
type LogStreams struct {
	Stdout io.ReadCloser
	Stderr io.ReadCloser
}

// ContainerLogs opens the log stream of id. The returned handle pumps the
// stream into LogStreams until the engine ends it and owns the connection.
func (c *Client) ContainerLogs(ctx context.Context, id string, tty bool, opts container.LogsOptions) (*LogStreams, relay.Handle, error) {
	q := url.Values{}
	q.Set("stdout", boolParam(opts.ShowStdout))
	q.Set("stderr", boolParam(opts.ShowStderr))
	q.Set("follow", boolParam(opts.Follow))
	q.Set("timestamps", boolParam(opts.Timestamps))
	if opts.Tail != "" {
		q.Set("tail", opts.Tail)
	}
	if opts.Since != "" {
		q.Set("since", opts.Since)
	}

	rc, err := c.Stream(ctx, &Request{
		Method: http.MethodGet,
		Path:   "/containers/" + url.PathEscape(id) + "/logs",
		Query:  q,
	})
	if err != nil {
		return nil, nil, err
	}

	body, feed := rc.PipeBody()
	outR, outW := io.Pipe()
	streams := &LogStreams{Stdout: outR}
	writers := []*io.PipeWriter{outW}

	mh := relay.NewMultiHandle()
	mh.Add(feed, relay.None)
	if tty {
		mh.Add(consumeBody(body, &relay.CopyHandle{Src: body, Dst: outW}), relay.None)
	} else {
		errR, errW := io.Pipe()
		streams.Stderr = errR
		writers = append(writers, errW)
		mh.Add(consumeBody(body, DemuxHandle(body, outW, errW)), relay.None)
	}

	h := relay.HandleFunc(func(ctx context.Context) error {
		defer rc.Close()
		// A reader that stopped reading must not hold the stream open.
		stop := context.AfterFunc(ctx, func() {
			for _, w := range writers {
				w.CloseWithError(ctx.Err())
			}
		})
		defer stop()
		err := mh.Run(ctx)
		for _, w := range writers {
			w.CloseWithError(err)
		}
		return err
	})
	return streams, h, nil
}

// consumeBody closes body once h, its only reader, finishes, so the handle
// feeding body never blocks on a reader that is gone.
func consumeBody(body *io.PipeReader, h relay.Handle) relay.Handle {
	return relay.WithCompletion(h, func(err error) {
		if err == nil {
			err = io.ErrClosedPipe
		}
		body.CloseWithError(err)
	})
}

func boolParam(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// PullImage starts pulling ref. The returned handle drives the progress
// stream to completion, reporting each message to onProgress, and fails with
// the engine's own error when the pull does.
func (c *Client) PullImage(ctx context.Context, ref string, onProgress func(jsonmessage.JSONMessage)) (relay.Handle, error) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w: %w", ref, errdefs.ErrInvalidArgument, err)
	}
	named = reference.TagNameOnly(named)

	q := url.Values{}
	q.Set("fromImage", reference.FamiliarName(named))
	switch r := named.(type) {
	case reference.Digested:
		q.Set("tag", r.Digest().String())
	case reference.Tagged:
		q.Set("tag", r.Tag())
	}

	rc, err := c.Stream(ctx, &Request{Method: http.MethodPost, Path: "/images/create", Query: q})
	if err != nil {
		return nil, err
	}

	return relay.HandleFunc(func(ctx context.Context) error {
		defer rc.Close()
		body, feed := rc.PipeBody()
		mh := relay.NewMultiHandle()
		mh.Add(feed, relay.None)
		mh.Add(consumeBody(body, ProgressHandle(body, onProgress)), relay.None)
		return mh.Run(ctx)
	}), nil
}

// ImageExists reports whether ref is present in the engine's image store.
func (c *Client) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, err := c.Do(ctx, &Request{Method: http.MethodGet, Path: "/images/" + ref + "/json"})
	switch {
	case err == nil:
		return true, nil
	case errdefs.IsNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

// doJSON performs a buffered call with an optional JSON body and decodes a
// JSON reply into out when out is non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, q url.Values, in, out any) error {
	req := &Request{Method: method, Path: path, Query: q}
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		req.Body = body
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// IsAborted reports whether err came from a cancelled wait.
func IsAborted(err error) bool {
	return errors.Is(err, relay.ErrAborted)
}
