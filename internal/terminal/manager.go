package terminal

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/containerd/errdefs"
)

const (
	bufferCap  = 64 << 10
	bufferKeep = 32 << 10
)

// Type says how a terminal's output was produced.
type Type int

const (
	// TypePipe carries plain process output; bare LFs are expanded to CRLF.
	TypePipe Type = iota
	// TypePTY carries raw pseudo-terminal output.
	TypePTY
)

// Manager tracks all active terminals by name.
type Manager struct {
	mu        sync.RWMutex
	terminals map[string]*Terminal
}

func NewManager() *Manager {
	return &Manager{
		terminals: make(map[string]*Terminal),
	}
}

// Get returns a terminal by name, or nil if not found.
func (m *Manager) Get(name string) *Terminal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.terminals[name]
}

// Create registers a new terminal, replacing and closing any previous one.
func (m *Manager) Create(name string, typ Type) *Terminal {
	t := newTerminal(name, typ)
	m.mu.Lock()
	old := m.terminals[name]
	m.terminals[name] = t
	m.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return t
}

// GetOrCreate returns an existing terminal or creates a pipe terminal.
func (m *Manager) GetOrCreate(name string) *Terminal {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.terminals[name]; ok {
		return t
	}
	t := newTerminal(name, TypePipe)
	m.terminals[name] = t
	return t
}

// Recreate replaces name with a fresh terminal that keeps the old one's
// writers, so clients following a process see its successor.
func (m *Manager) Recreate(name string, typ Type) *Terminal {
	t := newTerminal(name, typ)

	m.mu.Lock()
	old := m.terminals[name]
	m.terminals[name] = t
	m.mu.Unlock()

	if old != nil {
		old.mu.Lock()
		for id, w := range old.writers {
			t.writers[id] = w
		}
		old.mu.Unlock()
		old.Close()
	}
	return t
}

// Remove removes and closes a terminal.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	t, ok := m.terminals[name]
	if ok {
		delete(m.terminals, name)
	}
	m.mu.Unlock()

	if t != nil {
		t.Close()
	}
}

// RemoveWriterFromAll detaches a client from every terminal. Pipe terminals
// with a cancel func and no remaining writers are removed: nobody is left to
// read their output.
func (m *Manager) RemoveWriterFromAll(id string) {
	m.mu.RLock()
	terms := make([]*Terminal, 0, len(m.terminals))
	for _, t := range m.terminals {
		terms = append(terms, t)
	}
	m.mu.RUnlock()

	for _, t := range terms {
		t.RemoveWriter(id)
		if t.Type == TypePipe && t.hasCancel() && t.WriterCount() == 0 {
			m.mu.Lock()
			if m.terminals[t.Name] == t {
				delete(m.terminals, t.Name)
			}
			m.mu.Unlock()
			t.Close()
		}
	}
}

// WriteFunc streams terminal output to one client.
type WriteFunc func(data string)

// Terminal buffers the recent output of one process and fans it out to the
// clients following it. Input and resize are forwarded to the process.
type Terminal struct {
	Name string
	Type Type

	mu      sync.RWMutex
	buffer  *bytes.Buffer
	writers map[string]WriteFunc // connID -> writer
	input   io.Writer
	resize  func(rows, cols uint16) error
	cancel  func()
	closed  bool
}

func newTerminal(name string, typ Type) *Terminal {
	return &Terminal{
		Name:    name,
		Type:    typ,
		buffer:  &bytes.Buffer{},
		writers: make(map[string]WriteFunc),
	}
}

// Write appends data to the buffer and fans out to all connected writers.
func (t *Terminal) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return len(p), nil
	}

	data := p
	if t.Type == TypePipe {
		data = normalizeLF(p)
	}

	t.buffer.Write(data)
	if t.buffer.Len() > bufferCap {
		tail := t.buffer.Bytes()[t.buffer.Len()-bufferKeep:]
		kept := append([]byte(nil), tail...)
		t.buffer.Reset()
		t.buffer.Write(kept)
	}

	s := string(data)
	for _, w := range t.writers {
		w(s)
	}
	return len(p), nil
}

// normalizeLF turns bare "\n" into "\r\n".
func normalizeLF(p []byte) []byte {
	n := bytes.Count(p, []byte{'\n'})
	if n == 0 {
		return p
	}
	out := make([]byte, 0, len(p)+n)
	for i, b := range p {
		if b == '\n' && (i == 0 || p[i-1] != '\r') {
			out = append(out, '\r')
		}
		out = append(out, b)
	}
	return out
}

// Buffer returns the buffered output.
func (t *Terminal) Buffer() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.buffer.String()
}

// AddWriter registers a client to receive terminal output.
func (t *Terminal) AddWriter(id string, fn WriteFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.writers[id] = fn
}

// Join registers a writer and returns the buffered output under one lock, so
// output written in between is neither lost nor delivered twice.
func (t *Terminal) Join(id string, fn WriteFunc) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.writers[id] = fn
	}
	return t.buffer.String()
}

func (t *Terminal) RemoveWriter(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.writers, id)
}

func (t *Terminal) HasWriter(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.writers[id]
	return ok
}

func (t *Terminal) WriterCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.writers)
}

// SetInput routes Input to w.
func (t *Terminal) SetInput(w io.Writer) {
	t.mu.Lock()
	t.input = w
	t.mu.Unlock()
}

// SetResize routes Resize to fn.
func (t *Terminal) SetResize(fn func(rows, cols uint16) error) {
	t.mu.Lock()
	t.resize = fn
	t.mu.Unlock()
}

// SetCancel registers a func run when the terminal closes.
func (t *Terminal) SetCancel(fn func()) {
	t.mu.Lock()
	t.cancel = fn
	t.mu.Unlock()
}

func (t *Terminal) hasCancel() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cancel != nil
}

// Input writes data to the process behind the terminal.
func (t *Terminal) Input(data string) error {
	t.mu.RLock()
	w, closed := t.input, t.closed
	t.mu.RUnlock()

	if closed {
		return fmt.Errorf("terminal %s is closed: %w", t.Name, errdefs.ErrFailedPrecondition)
	}
	if w == nil {
		return fmt.Errorf("terminal %s has no input: %w", t.Name, errdefs.ErrFailedPrecondition)
	}
	_, err := io.WriteString(w, data)
	return err
}

// Resize changes the size of the process's tty.
func (t *Terminal) Resize(rows, cols uint16) error {
	t.mu.RLock()
	fn := t.resize
	t.mu.RUnlock()

	if fn == nil {
		return errors.New("terminal " + t.Name + " cannot be resized")
	}
	return fn(rows, cols)
}

// Close drops all writers and runs the cancel func once.
func (t *Terminal) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.writers = nil
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}
