package gateway

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/deckhand/deckhand/internal/docker"
	"github.com/deckhand/deckhand/internal/worldview"
	"github.com/deckhand/deckhand/internal/ws"
)

// listDebounce coalesces resource-list pushes triggered by event bursts.
const listDebounce = 200 * time.Millisecond

// broadcaster owns the push side: it serialises world view snapshots
// and resource lists to subscribed clients, skipping payloads whose
// hash matches the last push on the same channel.
type broadcaster struct {
	app *App

	mu       sync.Mutex
	lastHash map[string]uint64
	timers   map[string]*time.Timer
}

func newBroadcaster(app *App) *broadcaster {
	b := &broadcaster{
		app:      app,
		lastHash: make(map[string]uint64),
		timers:   make(map[string]*time.Timer),
	}

	// Resource-list pushes ride on the raw event stream; snapshots
	// cover stacks and containers already.
	app.Router.OnEvent(func(evt docker.Event) {
		switch evt.Type {
		case "image":
			b.debounce(ws.EventImageList, b.pushImageList)
		case "network":
			b.debounce(ws.EventNetworkList, b.pushNetworkList)
		case "volume":
			b.debounce(ws.EventVolumeList, b.pushVolumeList)
		}
	})

	return b
}

// debounce resets the named trailing-edge timer.
func (b *broadcaster) debounce(channel string, fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.timers[channel]; ok {
		t.Stop()
	}
	b.timers[channel] = time.AfterFunc(listDebounce, fn)
}

// pushIfChanged hashes the payload and pushes only when it differs
// from the last push on this channel.
func (b *broadcaster) pushIfChanged(channel string, data interface{}) {
	payload, err := json.Marshal(ws.ServerMessage{Event: channel, Data: data})
	if err != nil {
		slog.Error("broadcast marshal", "channel", channel, "err", err)
		return
	}

	h := fnv.New64a()
	h.Write(payload)
	sum := h.Sum64()

	b.mu.Lock()
	changed := b.lastHash[channel] != sum
	if changed {
		b.lastHash[channel] = sum
	}
	b.mu.Unlock()

	if !changed {
		return
	}

	b.app.WS.ForEachConn(func(c *ws.Conn) {
		if c.UserID() != 0 {
			c.Enqueue(payload)
		}
	})
}

// publishSnapshot runs on every world view publish.
func (b *broadcaster) publishSnapshot(snap *worldview.Snapshot) {
	if !b.app.WS.HasAuthenticatedConns() {
		return
	}
	b.pushIfChanged(ws.EventStackList, stackListPayload(snap))
	b.pushIfChanged(ws.EventContainerList, containerListPayload(snap))
}

// publishEngineStatus pushes availability meta-events.
func (b *broadcaster) publishEngineStatus(available bool) {
	status := "offline"
	if available {
		status = "online"
	}
	b.app.WS.Broadcast(ws.EventAgentStatus, struct {
		Endpoint  string `json:"endpoint"`
		Status    string `json:"status"`
		Available bool   `json:"available"`
	}{Endpoint: b.app.Endpoint, Status: status, Available: available})
}

func (b *broadcaster) pushImageList() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	images, err := b.app.Docker.ImageList(ctx)
	if err != nil {
		slog.Warn("push image list", "err", err)
		return
	}
	b.pushIfChanged(ws.EventImageList, images)
}

func (b *broadcaster) pushNetworkList() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	networks, err := b.app.Docker.NetworkList(ctx)
	if err != nil {
		slog.Warn("push network list", "err", err)
		return
	}
	b.pushIfChanged(ws.EventNetworkList, networks)
}

func (b *broadcaster) pushVolumeList() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	volumes, err := b.app.Docker.VolumeList(ctx)
	if err != nil {
		slog.Warn("push volume list", "err", err)
		return
	}
	b.pushIfChanged(ws.EventVolumeList, volumes)
}

// sendInfo greets a new connection with version and setup state.
func (b *broadcaster) sendInfo(c *ws.Conn) {
	c.SendEvent(ws.EventInfo, struct {
		Version   string `json:"version"`
		NeedSetup bool   `json:"needSetup"`
		Endpoint  string `json:"endpoint"`
	}{Version: b.app.Version, NeedSetup: b.app.NeedSetup, Endpoint: b.app.Endpoint})
}

// sendAll delivers the current state of every channel to one freshly
// authenticated connection.
func (b *broadcaster) sendAll(c *ws.Conn) {
	snap := b.app.World.Current()
	c.SendEvent(ws.EventStackList, stackListPayload(snap))
	c.SendEvent(ws.EventContainerList, containerListPayload(snap))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if images, err := b.app.Docker.ImageList(ctx); err == nil {
			c.SendEvent(ws.EventImageList, images)
		}
	}()
	go func() {
		defer wg.Done()
		if networks, err := b.app.Docker.NetworkList(ctx); err == nil {
			c.SendEvent(ws.EventNetworkList, networks)
		}
	}()
	go func() {
		defer wg.Done()
		if volumes, err := b.app.Docker.VolumeList(ctx); err == nil {
			c.SendEvent(ws.EventVolumeList, volumes)
		}
	}()
	wg.Wait()
}

// stackListPayload shapes the stack list push.
func stackListPayload(snap *worldview.Snapshot) interface{} {
	return struct {
		OK     bool                               `json:"ok"`
		Tick   uint64                             `json:"tick"`
		Stacks map[string]*worldview.StackView    `json:"stacks"`
	}{OK: true, Tick: snap.Tick, Stacks: snap.Stacks}
}

// containerListPayload shapes the container list push.
func containerListPayload(snap *worldview.Snapshot) interface{} {
	return struct {
		OK         bool                      `json:"ok"`
		Tick       uint64                    `json:"tick"`
		Containers []worldview.ContainerView `json:"containers"`
	}{OK: true, Tick: snap.Tick, Containers: snap.Containers()}
}
