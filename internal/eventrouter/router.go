// Package eventrouter turns the raw, bursty Docker event stream and
// filesystem watch notifications into a coalesced tick stream for the
// world view, and tracks engine availability.
package eventrouter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/deckhand/deckhand/internal/docker"
	"github.com/deckhand/deckhand/internal/worldview"
)

const (
	// defaultWindow is how long events aggregate before one refresh fires.
	defaultWindow = 200 * time.Millisecond

	// defaultHighWatermark flushes early when a burst piles up.
	defaultHighWatermark = 64

	// maxBackoff caps the reconnect delay after daemon disconnects.
	maxBackoff = 30 * time.Second

	// intakeSize bounds the intake channel; overflow drops events,
	// which is safe because any event only requests a refresh.
	intakeSize = 256
)

// MetaFunc receives synthetic engine availability transitions.
type MetaFunc func(available bool)

// Router ingests events and fires coalesced world view refreshes.
type Router struct {
	client docker.Client
	wv     *worldview.WorldView

	window        time.Duration
	highWatermark int

	intake chan docker.Event

	mu        sync.Mutex
	available bool
	onMeta    []MetaFunc
	onEvent   []func(docker.Event)
}

func New(client docker.Client, wv *worldview.WorldView) *Router {
	return &Router{
		client:        client,
		wv:            wv,
		window:        defaultWindow,
		highWatermark: defaultHighWatermark,
		intake:        make(chan docker.Event, intakeSize),
		available:     true,
	}
}

// OnMeta registers a consumer of engine availability meta-events.
// Register before Start.
func (r *Router) OnMeta(fn MetaFunc) {
	r.mu.Lock()
	r.onMeta = append(r.onMeta, fn)
	r.mu.Unlock()
}

// OnEvent registers an observer of every routed event. Observers must
// not block; the push side uses this to refresh resource lists.
// Register before Start.
func (r *Router) OnEvent(fn func(docker.Event)) {
	r.mu.Lock()
	r.onEvent = append(r.onEvent, fn)
	r.mu.Unlock()
}

// Available reports the last known engine availability.
func (r *Router) Available() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.available
}

// Notify injects an event from outside the Docker stream: filesystem
// watcher firings and gateway RPCs ("a compose subcommand just
// completed") arrive here. Non-blocking; overflow is dropped because
// the aggregate effect is just a refresh.
func (r *Router) Notify(evt docker.Event) {
	r.mu.Lock()
	observers := r.onEvent
	r.mu.Unlock()
	for _, fn := range observers {
		fn(evt)
	}

	select {
	case r.intake <- evt:
	default:
		slog.Debug("event router: intake full, dropping", "type", evt.Type, "action", evt.Action)
	}
}

// NotifyStack is the common case: something about one stack changed.
func (r *Router) NotifyStack(stackName string) {
	r.Notify(docker.Event{Type: "stack", Action: "changed", Project: stackName})
}

// Start runs the stream consumer and the aggregator until ctx is done.
func (r *Router) Start(ctx context.Context) {
	go r.runStream(ctx)
	go r.runAggregator(ctx)
}

// runStream consumes the Docker event stream, reconnecting with
// exponential backoff and emitting availability meta-events on
// transitions.
func (r *Router) runStream(ctx context.Context) {
	backoff := 1 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		eventCh, errCh := r.client.Events(ctx)
		if err := r.client.Ping(ctx); err == nil {
			r.setAvailable(true)
			backoff = 1 * time.Second
		}

		err := r.consume(ctx, eventCh, errCh)
		if ctx.Err() != nil {
			return
		}

		r.setAvailable(false)
		slog.Warn("docker events: reconnecting", "backoff", backoff, "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (r *Router) consume(ctx context.Context, eventCh <-chan docker.Event, errCh <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-eventCh:
			if !ok {
				return context.Canceled
			}
			r.Notify(evt)
		case err, ok := <-errCh:
			if !ok {
				continue
			}
			return err
		}
	}
}

// runAggregator batches intake events for up to the window (or the
// high watermark) and fires a single refresh per batch. Container
// events that carry a compose project mark that stack dirty so the
// world view joins it first.
func (r *Router) runAggregator(ctx context.Context) {
	var (
		timer   *time.Timer
		timerCh <-chan time.Time
		batch   int
	)

	flush := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerCh = nil
		}
		if batch > 0 {
			batch = 0
			r.wv.Invalidate()
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case evt := <-r.intake:
			if evt.Type == "container" && evt.Project != "" {
				switch evt.Action {
				case "start", "die", "destroy":
					r.wv.MarkDirty(evt.Project)
				}
			}
			if evt.Type == "stack" && evt.Project != "" {
				r.wv.MarkDirty(evt.Project)
			}

			batch++
			if batch >= r.highWatermark {
				flush()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(r.window)
				timerCh = timer.C
			}

		case <-timerCh:
			timer = nil
			timerCh = nil
			if batch > 0 {
				batch = 0
				r.wv.Invalidate()
			}
		}
	}
}

func (r *Router) setAvailable(available bool) {
	r.mu.Lock()
	changed := r.available != available
	r.available = available
	metas := r.onMeta
	r.mu.Unlock()

	if !changed {
		return
	}

	action := docker.ActionEngineUnavailable
	if available {
		action = docker.ActionEngineAvailable
	}
	slog.Info("engine availability", "action", action)

	for _, fn := range metas {
		fn(available)
	}
	r.wv.Invalidate()
}
