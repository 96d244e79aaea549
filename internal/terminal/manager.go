package terminal

import (
	"sync"
	"time"

	"github.com/deckhand/deckhand/internal/errdefs"
)

// Grace periods: how long a terminal with zero attached clients stays
// alive so transient reconnects don't lose output.
const (
	ProgressGrace    = 10 * time.Second
	InteractiveGrace = 0
	LogGrace         = 10 * time.Second
)

// Terminal name discipline. Names are the rendezvous token between a
// client's attach request and the terminal's identity.
func ProgressName(endpoint, stack string) string {
	return "compose-progress:" + endpoint + ":" + stack
}

func LogName(containerName string) string {
	return "container-log:" + containerName
}

// Hub tracks all live terminals and the per-(endpoint, stack) compose
// locks.
type Hub struct {
	mu        sync.RWMutex
	terminals map[string]*Terminal

	composeMu sync.Mutex
	inFlight  map[string]bool // endpoint+":"+stack → compose running
}

func NewHub() *Hub {
	return &Hub{
		terminals: make(map[string]*Terminal),
		inFlight:  make(map[string]bool),
	}
}

// Get returns a terminal by name, or nil.
func (h *Hub) Get(name string) *Terminal {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.terminals[name]
}

// GetOrCreate returns an existing terminal or registers a fresh
// pipe-based one in the creating state. Clients use this to attach
// before the producer exists.
func (h *Hub) GetOrCreate(name string, kind Kind) *Terminal {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.terminals[name]; ok {
		return t
	}
	t := newTerminal(name, kind)
	h.terminals[name] = t
	return t
}

// Create registers a new terminal, closing any previous one with the
// same name asynchronously.
func (h *Hub) Create(name string, kind Kind) *Terminal {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.terminals[name]; ok {
		go old.Close()
	}
	t := newTerminal(name, kind)
	h.terminals[name] = t
	return t
}

// Recreate makes a fresh terminal with a clean buffer but carries over
// the sinks of any previous terminal with the same name. Clients
// attach to progress terminals before the action creates them; without
// the carry-over the new terminal would start with zero subscribers.
func (h *Hub) Recreate(name string, kind Kind) *Terminal {
	h.mu.Lock()
	defer h.mu.Unlock()

	var carried map[string]SinkFunc
	if old, ok := h.terminals[name]; ok {
		old.mu.Lock()
		carried = old.sinks
		old.sinks = make(map[string]SinkFunc)
		old.mu.Unlock()
		go old.Close()
	}

	t := newTerminal(name, kind)
	if carried != nil {
		t.sinks = carried
	}
	h.terminals[name] = t
	return t
}

// Remove closes and forgets a terminal.
func (h *Hub) Remove(name string) {
	h.mu.Lock()
	t, ok := h.terminals[name]
	if ok {
		delete(h.terminals, name)
	}
	h.mu.Unlock()

	if t != nil {
		t.Close()
	}
}

// Release schedules a terminal for removal after the grace period,
// unless a client attaches in the meantime. A zero grace removes
// immediately.
func (h *Hub) Release(name string, grace time.Duration) {
	if grace <= 0 {
		h.Remove(name)
		return
	}

	t := h.Get(name)
	if t == nil {
		return
	}

	t.mu.Lock()
	if t.graceTimer != nil {
		t.graceTimer.Stop()
	}
	t.graceTimer = time.AfterFunc(grace, func() {
		// Only reap while still unattached.
		if t.SinkCount() == 0 {
			h.removeIfSame(name, t)
		}
	})
	t.mu.Unlock()
}

// removeIfSame removes the terminal only when the registry still maps
// the name to this instance (a Recreate may have replaced it).
func (h *Hub) removeIfSame(name string, t *Terminal) {
	h.mu.Lock()
	if h.terminals[name] == t {
		delete(h.terminals, name)
	}
	h.mu.Unlock()
	t.Close()
}

// DetachAll removes a client's sink from every terminal, applying each
// terminal kind's grace policy when the last client leaves. Called on
// session disconnect.
func (h *Hub) DetachAll(clientID string) {
	h.mu.RLock()
	terms := make(map[string]*Terminal, len(h.terminals))
	for name, t := range h.terminals {
		terms[name] = t
	}
	h.mu.RUnlock()

	for name, t := range terms {
		if t.Detach(clientID) == 0 {
			switch t.Kind {
			case PTY:
				// Zero grace: the pty closes and the child is
				// signalled as soon as the last client leaves.
				h.Release(name, InteractiveGrace)
			case Pipe:
				h.Release(name, LogGrace)
			}
		}
	}
}

// AcquireCompose takes the per-(endpoint, stack) compose lock. At most
// one compose subcommand runs per key; a second attempt gets ErrBusy.
// The returned release func is idempotent.
func (h *Hub) AcquireCompose(endpoint, stack string) (func(), error) {
	key := endpoint + ":" + stack

	h.composeMu.Lock()
	defer h.composeMu.Unlock()

	if h.inFlight[key] {
		return nil, errdefs.ErrBusy
	}
	h.inFlight[key] = true

	var once sync.Once
	release := func() {
		once.Do(func() {
			h.composeMu.Lock()
			delete(h.inFlight, key)
			h.composeMu.Unlock()
		})
	}
	return release, nil
}

// ComposeInFlight reports whether a compose subcommand holds the lock
// for the given key.
func (h *Hub) ComposeInFlight(endpoint, stack string) bool {
	h.composeMu.Lock()
	defer h.composeMu.Unlock()
	return h.inFlight[endpoint+":"+stack]
}
