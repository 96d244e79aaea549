package eventrouter

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/deckhand/deckhand/internal/docker"
	"github.com/deckhand/deckhand/internal/worldview"
)

func newTestRouter() *Router {
	return New(nil, worldview.New(nil, nil, nil))
}

func TestAvailableDefaultsTrue(t *testing.T) {
	r := newTestRouter()
	if !r.Available() {
		t.Error("router should assume the engine is available until told otherwise")
	}
}

// Meta consumers fire exactly once per availability transition.
func TestMetaFiresOnTransitionsOnly(t *testing.T) {
	r := newTestRouter()

	var calls int32
	var lastState atomic.Bool
	r.OnMeta(func(available bool) {
		atomic.AddInt32(&calls, 1)
		lastState.Store(available)
	})

	r.setAvailable(false)
	r.setAvailable(false) // no transition
	r.setAvailable(true)
	r.setAvailable(true) // no transition

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("meta calls = %d, want 2", got)
	}
	if !lastState.Load() {
		t.Error("last transition should be available=true")
	}
	if !r.Available() {
		t.Error("Available() should track the last transition")
	}
}

// Notify never blocks, even with the intake full and no consumer.
func TestNotifyDoesNotBlock(t *testing.T) {
	r := newTestRouter()

	done := make(chan struct{})
	go func() {
		for i := 0; i < intakeSize*2; i++ {
			r.Notify(docker.Event{Type: "container", Action: "start"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked with full intake")
	}
}

// Observers see every routed event, including gateway RPCs.
func TestOnEventObservers(t *testing.T) {
	r := newTestRouter()

	var seen atomic.Int32
	r.OnEvent(func(evt docker.Event) {
		if evt.Type == "stack" && evt.Project == "demo" {
			seen.Add(1)
		}
	})

	r.NotifyStack("demo")
	r.Notify(docker.Event{Type: "image", Action: "pull"})

	if got := seen.Load(); got != 1 {
		t.Errorf("observer saw %d matching events, want 1", got)
	}
}
