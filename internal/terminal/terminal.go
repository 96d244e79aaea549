// Package terminal owns pseudo-terminals and pipes, multiplexing their
// output to zero or more attached clients. The hub exclusively owns
// pty file descriptors and the child processes attached to them.
package terminal

import (
	"bytes"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/deckhand/deckhand/internal/errdefs"
)

// Kind distinguishes the underlying I/O mechanism.
type Kind int

const (
	Pipe Kind = iota // stdout/stderr pipe (compose progress, log tails)
	PTY              // pseudo-terminal (interactive shells)
)

// State is the terminal lifecycle. Create-to-active is atomic from a
// client's viewpoint: input while creating buffers and is delivered
// after the process attaches.
type State int

const (
	StateCreating State = iota
	StateActive
	StateClosing
	StateClosed
)

// replayLimit bounds the late-attach replay buffer.
const replayLimit = 512 * 1024

// SinkFunc receives output chunks for one attached client. Calls for a
// terminal come from its single drain goroutine, so per-client byte
// order matches the source.
type SinkFunc func(data []byte)

// Terminal is one named streaming I/O channel.
type Terminal struct {
	Name string
	Kind Kind

	mu           sync.Mutex
	state        State
	ring         *ringBuffer
	sinks        map[string]SinkFunc
	pendingInput bytes.Buffer
	ptyFile      *os.File
	cmd          *exec.Cmd
	cancel       func()
	onExit       []func()
	graceTimer   *time.Timer

	// resizeMu serialises window-size changes to the pty.
	resizeMu sync.Mutex

	out  chan []byte
	done chan struct{}
}

func newTerminal(name string, kind Kind) *Terminal {
	t := &Terminal{
		Name:  name,
		Kind:  kind,
		state: StateCreating,
		ring:  newRingBuffer(replayLimit),
		sinks: make(map[string]SinkFunc),
		out:   make(chan []byte, 256),
		done:  make(chan struct{}),
	}
	go t.drain()
	return t
}

// drain is the terminal's single writer goroutine: it fans each chunk
// out to all attached sinks, preserving source byte order per client.
func (t *Terminal) drain() {
	for {
		select {
		case chunk := <-t.out:
			t.mu.Lock()
			sinks := make([]SinkFunc, 0, len(t.sinks))
			for _, s := range t.sinks {
				sinks = append(sinks, s)
			}
			t.mu.Unlock()

			for _, s := range sinks {
				s(chunk)
			}
		case <-t.done:
			return
		}
	}
}

// Write appends output to the replay buffer and queues it for fan-out.
// Implements io.Writer. Writes on a closed terminal return ErrGone.
//
// Pipe output normalises bare \n to \r\n so xterm-style clients render
// each line at column 0; pty output already passed the line discipline.
func (t *Terminal) Write(p []byte) (int, error) {
	t.mu.Lock()
	if t.state == StateClosed || t.state == StateClosing {
		t.mu.Unlock()
		return 0, errdefs.ErrGone
	}

	data := p
	if t.Kind == Pipe {
		data = normalizeLF(p)
	}
	t.ring.Write(data)
	t.mu.Unlock()

	chunk := make([]byte, len(data))
	copy(chunk, data)

	select {
	case t.out <- chunk:
	case <-t.done:
		return 0, errdefs.ErrGone
	}
	return len(p), nil
}

// normalizeLF replaces bare \n (not preceded by \r) with \r\n.
func normalizeLF(p []byte) []byte {
	if !bytes.Contains(p, []byte{'\n'}) {
		return p
	}
	var buf bytes.Buffer
	buf.Grow(len(p) + 32)
	for i := 0; i < len(p); i++ {
		if p[i] == '\n' && (i == 0 || p[i-1] != '\r') {
			buf.WriteByte('\r')
		}
		buf.WriteByte(p[i])
	}
	return buf.Bytes()
}

// Attach registers a client sink and returns the replay buffer under
// the same lock, so no chunk is both replayed and delivered live.
func (t *Terminal) Attach(id string, sink SinkFunc) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateClosed {
		return t.ring.Bytes()
	}
	t.sinks[id] = sink
	if t.graceTimer != nil {
		t.graceTimer.Stop()
		t.graceTimer = nil
	}
	return t.ring.Bytes()
}

// Detach removes a client sink. Returns the remaining sink count.
func (t *Terminal) Detach(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sinks, id)
	return len(t.sinks)
}

// SinkCount returns the number of attached clients.
func (t *Terminal) SinkCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sinks)
}

// Replay returns the buffered output.
func (t *Terminal) Replay() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ring.Bytes()
}

// CurrentState returns the lifecycle state.
func (t *Terminal) CurrentState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Input writes client keystrokes to the pty. Input while creating is
// buffered and delivered after the process attaches; input on a closed
// terminal returns ErrGone; pipes ignore input.
func (t *Terminal) Input(data []byte) error {
	t.mu.Lock()
	switch t.state {
	case StateClosed, StateClosing:
		t.mu.Unlock()
		return errdefs.ErrGone
	case StateCreating:
		t.pendingInput.Write(data)
		t.mu.Unlock()
		return nil
	}
	f := t.ptyFile
	t.mu.Unlock()

	if f != nil {
		_, err := f.Write(data)
		return err
	}
	return nil
}

// Resize changes the pty window size. Requests are serialised so the
// pty sees exactly one TIOCSWINSZ per call. Pipes ignore resizes.
func (t *Terminal) Resize(rows, cols uint16) error {
	t.mu.Lock()
	if t.state == StateClosed || t.state == StateClosing {
		t.mu.Unlock()
		return errdefs.ErrGone
	}
	f := t.ptyFile
	t.mu.Unlock()

	if f == nil {
		return nil
	}

	t.resizeMu.Lock()
	defer t.resizeMu.Unlock()
	return pty.Setsize(f, &pty.Winsize{Rows: rows, Cols: cols})
}

// IsRunning reports whether the terminal has a live child process.
func (t *Terminal) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cmd != nil && t.ptyFile != nil && t.state == StateActive
}

// SetCancel stores a cancel function invoked on Close. Pipe terminals
// backed by long-running streams (log tails) use it.
func (t *Terminal) SetCancel(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancel = fn
}

// OnExit registers a callback fired when the child exits or the
// terminal closes.
func (t *Terminal) OnExit(fn func()) {
	t.mu.Lock()
	closed := t.state == StateClosed
	if !closed {
		t.onExit = append(t.onExit, fn)
	}
	t.mu.Unlock()

	if closed {
		fn()
	}
}

// MarkActive transitions creating → active. Pipe terminals call it
// once their producer is attached.
func (t *Terminal) MarkActive() {
	t.mu.Lock()
	if t.state == StateCreating {
		t.state = StateActive
	}
	t.mu.Unlock()
}

// StartPTY starts a command under a pseudo-terminal and streams its
// output into the terminal asynchronously. Buffered early input is
// flushed to the child.
func (t *Terminal) StartPTY(cmd *exec.Cmd) error {
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.cmd = cmd
	t.ptyFile = ptmx
	t.state = StateActive
	pending := t.pendingInput.Bytes()
	t.pendingInput = bytes.Buffer{}
	t.mu.Unlock()

	if len(pending) > 0 {
		ptmx.Write(pending)
	}

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				t.Write(buf[:n])
			}
			if err != nil {
				break
			}
		}
		cmd.Wait()

		t.mu.Lock()
		t.ptyFile = nil
		callbacks := t.onExit
		t.onExit = nil
		t.mu.Unlock()

		for _, fn := range callbacks {
			fn()
		}
	}()

	return nil
}

// RunPTY starts a command under a pseudo-terminal and blocks until it
// exits, streaming output in real time. Compose progress uses this so
// the caller knows when the subcommand finished.
func (t *Terminal) RunPTY(cmd *exec.Cmd) error {
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.cmd = cmd
	t.ptyFile = ptmx
	t.state = StateActive
	t.mu.Unlock()

	buf := make([]byte, 4096)
	for {
		n, readErr := ptmx.Read(buf)
		if n > 0 {
			t.Write(buf[:n])
		}
		if readErr != nil {
			break
		}
	}

	waitErr := cmd.Wait()

	t.mu.Lock()
	t.ptyFile = nil
	callbacks := t.onExit
	t.onExit = nil
	t.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}

	return waitErr
}

// Close terminates the terminal: cancels any stream, closes the pty
// (signalling the child), and stops the drain goroutine.
func (t *Terminal) Close() {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return
	}
	t.state = StateClosing

	cancel := t.cancel
	t.cancel = nil
	if t.graceTimer != nil {
		t.graceTimer.Stop()
		t.graceTimer = nil
	}
	if t.ptyFile != nil {
		t.ptyFile.Close()
		t.ptyFile = nil
	}
	callbacks := t.onExit
	t.onExit = nil
	t.sinks = make(map[string]SinkFunc)
	t.state = StateClosed
	t.mu.Unlock()

	close(t.done)

	if cancel != nil {
		cancel()
	}
	for _, fn := range callbacks {
		fn()
	}
}

// ringBuffer keeps the last `limit` bytes written.
type ringBuffer struct {
	limit int
	buf   bytes.Buffer
}

func newRingBuffer(limit int) *ringBuffer {
	return &ringBuffer{limit: limit}
}

func (r *ringBuffer) Write(p []byte) {
	r.buf.Write(p)
	if r.buf.Len() > r.limit {
		b := r.buf.Bytes()
		keep := make([]byte, r.limit/2)
		copy(keep, b[len(b)-len(keep):])
		r.buf.Reset()
		r.buf.Write(keep)
	}
}

func (r *ringBuffer) Bytes() []byte {
	b := r.buf.Bytes()
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
