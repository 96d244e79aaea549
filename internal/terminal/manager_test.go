package terminal

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deckhand/deckhand/internal/errdefs"
)

// collector is a test sink that records every chunk it receives.
type collector struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *collector) sink() SinkFunc {
	return func(data []byte) {
		c.mu.Lock()
		c.buf.Write(data)
		c.mu.Unlock()
	}
}

func (c *collector) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestWriteFansOutInOrder(t *testing.T) {
	hub := NewHub()
	term := hub.Create("t1", Pipe)
	term.MarkActive()
	defer term.Close()

	var c collector
	term.Attach("client1", c.sink())

	for _, chunk := range []string{"one\r\n", "two\r\n", "three\r\n"} {
		if _, err := term.Write([]byte(chunk)); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, time.Second, func() bool {
		return c.String() == "one\r\ntwo\r\nthree\r\n"
	})
}

func TestLateAttachReplaysBuffer(t *testing.T) {
	hub := NewHub()
	term := hub.Create("t2", Pipe)
	term.MarkActive()
	defer term.Close()

	term.Write([]byte("early output\n"))

	var c collector
	replay := term.Attach("late", c.sink())
	if !strings.Contains(string(replay), "early output") {
		t.Errorf("replay = %q", replay)
	}
}

func TestPipeNormalizesLF(t *testing.T) {
	hub := NewHub()
	term := hub.Create("t3", Pipe)
	term.MarkActive()
	defer term.Close()

	term.Write([]byte("a\nb\r\nc\n"))

	replay := string(term.Replay())
	if replay != "a\r\nb\r\nc\r\n" {
		t.Errorf("normalized = %q", replay)
	}
}

func TestWriteAfterCloseReturnsGone(t *testing.T) {
	hub := NewHub()
	term := hub.Create("t4", Pipe)
	term.MarkActive()
	term.Close()

	if _, err := term.Write([]byte("x")); !errors.Is(err, errdefs.ErrGone) {
		t.Errorf("write after close = %v, want ErrGone", err)
	}
	if err := term.Input([]byte("x")); !errors.Is(err, errdefs.ErrGone) {
		t.Errorf("input after close = %v, want ErrGone", err)
	}
}

func TestRingBufferBounded(t *testing.T) {
	hub := NewHub()
	term := hub.Create("t5", PTY) // PTY skips LF normalization
	term.MarkActive()
	defer term.Close()

	chunk := bytes.Repeat([]byte("x"), 64*1024)
	for i := 0; i < 20; i++ { // 1.25 MiB total
		term.Write(chunk)
	}

	if n := len(term.Replay()); n > replayLimit {
		t.Errorf("replay buffer = %d bytes, cap %d", n, replayLimit)
	}
}

func TestRecreateCarriesSinks(t *testing.T) {
	hub := NewHub()
	old := hub.GetOrCreate("compose-progress::demo", Pipe)

	var c collector
	old.Attach("client1", c.sink())

	fresh := hub.Recreate("compose-progress::demo", Pipe)
	fresh.MarkActive()
	defer fresh.Close()

	fresh.Write([]byte("carried\r\n"))
	waitFor(t, time.Second, func() bool {
		return strings.Contains(c.String(), "carried")
	})

	if hub.Get("compose-progress::demo") != fresh {
		t.Error("hub should map the name to the fresh terminal")
	}
}

func TestComposeLockBusy(t *testing.T) {
	hub := NewHub()

	release, err := hub.AcquireCompose("", "demo")
	if err != nil {
		t.Fatal(err)
	}

	// Second attempt on the same (endpoint, stack) is busy.
	if _, err := hub.AcquireCompose("", "demo"); !errors.Is(err, errdefs.ErrBusy) {
		t.Errorf("second acquire = %v, want ErrBusy", err)
	}

	// A different stack is fine.
	release2, err := hub.AcquireCompose("", "blog")
	if err != nil {
		t.Errorf("other stack acquire = %v", err)
	}
	release2()

	// A different endpoint for the same stack is fine too.
	release3, err := hub.AcquireCompose("remote1", "demo")
	if err != nil {
		t.Errorf("other endpoint acquire = %v", err)
	}
	release3()

	release()
	release() // idempotent

	if _, err := hub.AcquireCompose("", "demo"); err != nil {
		t.Errorf("acquire after release = %v", err)
	}
}

func TestReleaseGracePeriod(t *testing.T) {
	hub := NewHub()
	term := hub.Create("t6", Pipe)
	term.MarkActive()

	// With a client attached within the grace period the terminal
	// survives.
	hub.Release("t6", 30*time.Millisecond)
	var c collector
	term.Attach("client1", c.sink())

	time.Sleep(60 * time.Millisecond)
	if hub.Get("t6") == nil {
		t.Fatal("terminal reaped despite attached client")
	}

	// Detach and release with zero clients: reaped after grace.
	term.Detach("client1")
	hub.Release("t6", 20*time.Millisecond)
	waitFor(t, time.Second, func() bool { return hub.Get("t6") == nil })

	if term.CurrentState() != StateClosed {
		t.Errorf("state = %v, want closed", term.CurrentState())
	}
}

func TestInputWhileCreatingIsBuffered(t *testing.T) {
	hub := NewHub()
	term := hub.GetOrCreate("t7", PTY)
	defer term.Close()

	if err := term.Input([]byte("early")); err != nil {
		t.Fatalf("input while creating: %v", err)
	}

	term.mu.Lock()
	buffered := term.pendingInput.String()
	term.mu.Unlock()
	if buffered != "early" {
		t.Errorf("pending input = %q", buffered)
	}
}

func TestDetachAllAppliesGrace(t *testing.T) {
	hub := NewHub()
	pipe := hub.Create("pipe1", Pipe)
	pipe.MarkActive()
	pty := hub.Create("pty1", PTY)
	pty.MarkActive()

	var c collector
	pipe.Attach("conn9", c.sink())
	pty.Attach("conn9", c.sink())

	hub.DetachAll("conn9")
	if pipe.SinkCount() != 0 {
		t.Errorf("sinks after detach = %d", pipe.SinkCount())
	}
	// Pipe terminals get the log grace, so it is still present now.
	if hub.Get("pipe1") == nil {
		t.Error("pipe terminal should survive within grace window")
	}

	// Interactive terminals have zero grace: the pty is torn down as
	// soon as the last client leaves.
	if hub.Get("pty1") != nil {
		t.Error("pty terminal should be removed when its last sink detaches")
	}
	if pty.CurrentState() != StateClosed {
		t.Errorf("pty state = %v, want closed", pty.CurrentState())
	}
}

// A client still attached keeps an interactive terminal alive when
// another client disconnects.
func TestDetachAllKeepsSharedPTY(t *testing.T) {
	hub := NewHub()
	pty := hub.Create("pty2", PTY)
	pty.MarkActive()

	var a, b collector
	pty.Attach("connA", a.sink())
	pty.Attach("connB", b.sink())

	hub.DetachAll("connA")
	if hub.Get("pty2") == nil {
		t.Fatal("pty should survive while another client is attached")
	}
	if pty.SinkCount() != 1 {
		t.Errorf("sinks = %d, want 1", pty.SinkCount())
	}
}

func TestProgressNameDiscipline(t *testing.T) {
	if got := ProgressName("", "demo"); got != "compose-progress::demo" {
		t.Errorf("ProgressName = %q", got)
	}
	if got := ProgressName("agent1", "blog"); got != "compose-progress:agent1:blog" {
		t.Errorf("ProgressName = %q", got)
	}
	if got := LogName("demo-web-1"); got != "container-log:demo-web-1" {
		t.Errorf("LogName = %q", got)
	}
}
