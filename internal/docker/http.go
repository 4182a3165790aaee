package docker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/microsoft/wsla/internal/relay"
)

// maxHeadSize bounds the response status line plus headers.
const maxHeadSize = 64 * 1024

var (
	headTerminator = []byte("\r\n\r\n")

	errHeadTooLarge = errors.New("response head exceeds 64KiB")
)

// Request is one engine call. The path is sent as-is; Query is appended when
// non-empty and Body, when set, is sent as JSON with a computed length.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

func (r *Request) target() string {
	if len(r.Query) == 0 {
		return r.Path
	}
	return r.Path + "?" + r.Query.Encode()
}

func (r *Request) write(w io.Writer) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", r.Method, r.target())
	b.WriteString("Host: localhost\r\n")
	b.WriteString("User-Agent: wsla\r\n")
	for k, vs := range r.Header {
		for _, v := range vs {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	if r.Header.Get("Connection") == "" {
		b.WriteString("Connection: close\r\n")
	}
	if len(r.Body) > 0 && r.Header.Get("Content-Type") == "" {
		b.WriteString("Content-Type: application/json\r\n")
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(r.Body))
	b.Write(r.Body)

	_, err := w.Write(b.Bytes())
	return err
}

// Response is a fully buffered engine reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// RequestContext owns the connection of a single exchange from the moment the
// request is written until Close. It is never shared between operations.
type RequestContext struct {
	StatusCode int
	Header     http.Header

	req       *Request
	conn      net.Conn
	br        *bufio.Reader
	closeOnce sync.Once
}

// Close releases the connection. Safe to call more than once.
func (rc *RequestContext) Close() error {
	var err error
	rc.closeOnce.Do(func() { err = rc.conn.Close() })
	return err
}

// Chunked reports whether the body uses chunked transfer coding.
func (rc *RequestContext) Chunked() bool {
	for _, te := range rc.Header.Values("Transfer-Encoding") {
		if strings.Contains(strings.ToLower(te), "chunked") {
			return true
		}
	}
	return false
}

// ContentLength returns the declared body length, or -1 when absent.
func (rc *RequestContext) ContentLength() int64 {
	v := rc.Header.Get("Content-Length")
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

func (rc *RequestContext) hasBody() bool {
	switch {
	case rc.StatusCode < 200, rc.StatusCode == http.StatusNoContent, rc.StatusCode == http.StatusNotModified:
		return false
	case rc.req.Method == http.MethodHead:
		return false
	}
	return true
}

// BodyHandle returns a handle that streams the response body into onData as
// it arrives, undoing chunked framing when present. onComplete, if set, runs
// once the whole body has been delivered.
func (rc *RequestContext) BodyHandle(onData func(p []byte) error, onComplete func()) relay.Handle {
	done := func(err error) {
		if err == nil && onComplete != nil {
			onComplete()
		}
	}

	switch {
	case !rc.hasBody():
		return relay.HandleFunc(func(ctx context.Context) error {
			done(nil)
			return nil
		})
	case rc.Chunked():
		return &ChunkedHandle{R: &bodyReader{rc: rc, remaining: -1}, OnData: onData, OnComplete: onComplete}
	default:
		body := &bodyReader{rc: rc, remaining: rc.ContentLength()}
		return relay.WithCompletion(&relay.ReadHandle{R: body, OnData: onData}, done)
	}
}

// PipeBody streams the decoded body into a pipe. The returned handle feeds
// the pipe and closes it with the body's outcome.
func (rc *RequestContext) PipeBody() (*io.PipeReader, relay.Handle) {
	pr, pw := io.Pipe()
	h := rc.BodyHandle(func(p []byte) error {
		_, err := pw.Write(p)
		return err
	}, nil)
	return pr, relay.WithCompletion(h, func(err error) { pw.CloseWithError(err) })
}

// check turns a non-2xx status into a ProtocolError.
func (rc *RequestContext) check(body []byte) error {
	if rc.StatusCode >= 200 && rc.StatusCode < 300 {
		return nil
	}
	return &ProtocolError{
		Method:       rc.req.Method,
		Path:         rc.req.Path,
		StatusCode:   rc.StatusCode,
		RequestBody:  rc.req.Body,
		ResponseBody: body,
	}
}

// readAll buffers the rest of the body.
func (rc *RequestContext) readAll(ctx context.Context) ([]byte, error) {
	var buf bytes.Buffer
	h := rc.BodyHandle(func(p []byte) error {
		buf.Write(p)
		return nil
	}, nil)
	if err := runOne(ctx, h); err != nil {
		if errors.Is(err, relay.ErrAborted) {
			return nil, err
		}
		return nil, &TransportError{Op: "read body", Err: err}
	}
	return buf.Bytes(), nil
}

// bodyReader reads the response body through the connection's buffer. It
// forwards read deadlines so the relay can interrupt it.
type bodyReader struct {
	rc        *RequestContext
	remaining int64
}

func (b *bodyReader) Read(p []byte) (int, error) {
	if b.remaining == 0 {
		return 0, io.EOF
	}
	if b.remaining > 0 && int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.rc.br.Read(p)
	if b.remaining > 0 {
		b.remaining -= int64(n)
		if errors.Is(err, io.EOF) && b.remaining > 0 {
			err = io.ErrUnexpectedEOF
		}
	}
	return n, err
}

func (b *bodyReader) SetReadDeadline(t time.Time) error {
	return b.rc.conn.SetReadDeadline(t)
}

// bufferedConn is an upgraded connection. Reads drain whatever the head
// parser buffered past the header terminator before touching the socket.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// CloseWrite half-closes the stream so the peer sees EOF on its input.
func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Client speaks the minimum HTTP/1.1 needed by the engine API over
// connections obtained from a Dialer.
type Client struct {
	dialer Dialer
}

func NewClient(d Dialer) *Client {
	return &Client{dialer: d}
}

// Do performs a buffered exchange. A non-2xx reply is returned together with
// a *ProtocolError.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	rc, err := c.open(ctx, req)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	body, err := rc.readAll(ctx)
	if err != nil {
		return nil, err
	}
	resp := &Response{StatusCode: rc.StatusCode, Header: rc.Header, Body: body}
	return resp, rc.check(body)
}

// Stream performs an exchange whose body the caller consumes as it arrives,
// usually through BodyHandle or PipeBody on a relay. Error replies are read
// in full and returned as a *ProtocolError.
func (c *Client) Stream(ctx context.Context, req *Request) (*RequestContext, error) {
	rc, err := c.open(ctx, req)
	if err != nil {
		return nil, err
	}
	if rc.StatusCode >= 200 && rc.StatusCode < 300 {
		return rc, nil
	}
	defer rc.Close()

	body, err := rc.readAll(ctx)
	if err != nil {
		return nil, err
	}
	return nil, rc.check(body)
}

// Upgrade asks the engine to switch the connection to a raw stream and, on
// 101 (or a 2xx from engines that skip the handshake), returns the socket
// untouched past the response head.
func (c *Client) Upgrade(ctx context.Context, req *Request) (net.Conn, error) {
	if req.Header == nil {
		req.Header = http.Header{}
	}
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "tcp")

	rc, err := c.open(ctx, req)
	if err != nil {
		return nil, err
	}
	if rc.StatusCode == http.StatusSwitchingProtocols || (rc.StatusCode >= 200 && rc.StatusCode < 300) {
		return &bufferedConn{Conn: rc.conn, r: rc.br}, nil
	}
	defer rc.Close()

	body, err := rc.readAll(ctx)
	if err != nil {
		return nil, err
	}
	return nil, rc.check(body)
}

// open dials, writes req and parses the response head.
func (c *Client) open(ctx context.Context, req *Request) (*RequestContext, error) {
	conn, err := c.dialer.DialEngine(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", relay.ErrAborted, ctx.Err())
		}
		return nil, &TransportError{Op: "dial", Err: err}
	}

	rc := &RequestContext{req: req, conn: conn, br: bufio.NewReaderSize(conn, maxHeadSize)}
	err = runOne(ctx, relay.HandleFunc(func(ctx context.Context) error {
		stop := relay.Interrupt(ctx, conn)
		defer stop()

		if err := req.write(conn); err != nil {
			return &TransportError{Op: "write request", Err: err}
		}
		head, err := readHead(rc.br)
		if err != nil {
			return &TransportError{Op: "read response head", Err: err}
		}
		rc.StatusCode, rc.Header, err = parseHead(head)
		if err != nil {
			return &TransportError{Op: "parse response head", Err: err}
		}
		return nil
	}))
	if err != nil {
		conn.Close()
		return nil, err
	}
	return rc, nil
}

// runOne drives a single handle through a MultiHandle so that one-shot calls
// honour the same cancellation as streams.
func runOne(ctx context.Context, h relay.Handle) error {
	mh := relay.NewMultiHandle()
	mh.Add(h, relay.CancelOnCompleted)
	return mh.Run(ctx)
}

// readHead peeks at the buffered stream until the blank line ending the
// header block is visible, then consumes exactly the head. Bytes after the
// terminator stay buffered for the body.
func readHead(br *bufio.Reader) ([]byte, error) {
	scanned := 0
	for {
		// Block until at least one byte past what was already scanned.
		if _, err := br.Peek(scanned + 1); err != nil {
			switch {
			case errors.Is(err, bufio.ErrBufferFull):
				return nil, errHeadTooLarge
			case errors.Is(err, io.EOF):
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		buf, _ := br.Peek(br.Buffered())

		from := max(scanned-len(headTerminator)+1, 0)
		if i := bytes.Index(buf[from:], headTerminator); i >= 0 {
			end := from + i + len(headTerminator)
			head := make([]byte, end)
			copy(head, buf[:end])
			if _, err := br.Discard(end); err != nil {
				return nil, err
			}
			return head, nil
		}
		scanned = len(buf)
	}
}

func parseHead(head []byte) (int, http.Header, error) {
	lines := strings.Split(strings.TrimSuffix(string(head), "\r\n\r\n"), "\r\n")

	proto, rest, ok := strings.Cut(lines[0], " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/1.") {
		return 0, nil, fmt.Errorf("malformed status line %q", lines[0])
	}
	codeText, _, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeText)
	if err != nil || len(codeText) != 3 {
		return 0, nil, fmt.Errorf("malformed status code %q", codeText)
	}

	header := http.Header{}
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return 0, nil, fmt.Errorf("malformed header line %q", line)
		}
		header.Add(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	return code, header, nil
}
