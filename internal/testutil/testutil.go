// Package testutil boots the full control plane against the fake
// engine for end-to-end tests: fixtures on disk, the engine on a Unix
// socket, the SDK client pointed at it, and the gateway served over a
// real WebSocket.
package testutil

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/deckhand/deckhand/internal/db"
	"github.com/deckhand/deckhand/internal/docker"
	"github.com/deckhand/deckhand/internal/eventrouter"
	"github.com/deckhand/deckhand/internal/fakeengine"
	"github.com/deckhand/deckhand/internal/gateway"
	"github.com/deckhand/deckhand/internal/models"
	"github.com/deckhand/deckhand/internal/stackindex"
	"github.com/deckhand/deckhand/internal/terminal"
	"github.com/deckhand/deckhand/internal/worldview"
	"github.com/deckhand/deckhand/internal/ws"
)

var msgIDCounter int64

// Env is one booted control plane instance.
type Env struct {
	StacksDir  string
	SocketPath string

	Docker  docker.Client
	Index   *stackindex.Index
	World   *worldview.WorldView
	Router  *eventrouter.Router
	Terms   *terminal.Hub
	Updates *models.ImageUpdateStore
	App     *gateway.App

	HTTPServer *httptest.Server

	cancel context.CancelFunc
}

// DefaultStacks is the fixture set most tests start from.
var DefaultStacks = map[string]string{
	"demo": `services:
  web:
    image: nginx:1.25
    ports:
      - "8080:80"
    labels:
      deckhand.status.ignore: "true"
  db:
    image: postgres:16
  cache:
    image: redis:7-alpine
`,
	"blog": `services:
  app:
    image: wordpress:6
  mysql:
    image: mysql:8
`,
}

// Setup boots an Env over the default fixtures.
func Setup(t testing.TB) *Env {
	return SetupWithStacks(t, DefaultStacks)
}

// SetupWithStacks boots an Env over the given stack fixtures.
func SetupWithStacks(t testing.TB, stacks map[string]string) *Env {
	t.Helper()

	stacksDir := t.TempDir()
	for name, content := range stacks {
		// Keys with a slash (or .yaml suffix) are literal fixture file
		// paths; bare keys are stack names getting a compose.yaml.
		path := filepath.Join(stacksDir, name, "compose.yaml")
		if strings.Contains(name, "/") || strings.HasSuffix(name, ".yaml") {
			path = filepath.Join(stacksDir, name)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("mkdir for %s: %v", name, err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("write fixture %s: %v", name, err)
		}
	}

	sockPath, engineCleanup, err := fakeengine.Start(stacksDir)
	if err != nil {
		t.Fatalf("start fake engine: %v", err)
	}
	t.Cleanup(engineCleanup)

	dockerClient, err := docker.NewSDKClient("unix://" + sockPath)
	if err != nil {
		t.Fatalf("docker client: %v", err)
	}
	t.Cleanup(func() { dockerClient.Close() })

	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	users := models.NewUserStore(database)
	settings := models.NewSettingStore(database)
	updates := models.NewImageUpdateStore(database)

	if _, err := users.Create("admin", "testpass123"); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	secret, err := settings.EnsureJWTSecret()
	if err != nil {
		t.Fatalf("jwt secret: %v", err)
	}

	index := stackindex.New(stacksDir)
	index.Rescan()

	world := worldview.New(dockerClient, index, updates)
	router := eventrouter.New(dockerClient, world)
	prober := worldview.NewProber(world, time.Hour)
	terms := terminal.NewHub()
	wss := ws.NewServer()

	app := &gateway.App{
		WS:       wss,
		Docker:   dockerClient,
		Compose:  &fakeengine.Composer{SocketPath: sockPath, StacksDir: stacksDir},
		Index:    index,
		World:    world,
		Router:   router,
		Prober:   prober,
		Terms:    terms,
		Updates:  updates,
		Settings: settings,
		Auth:     &gateway.StoreAuth{Users: users, JWTSecret: secret},
		Version:  "test",
	}
	app.Register()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if err := index.Watch(ctx, func(stackName string) {
		router.NotifyStack(stackName)
	}); err != nil {
		t.Fatalf("watch: %v", err)
	}

	world.Start(ctx)
	router.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/ws", wss)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	env := &Env{
		StacksDir:  stacksDir,
		SocketPath: sockPath,
		Docker:     dockerClient,
		Index:      index,
		World:      world,
		Router:     router,
		Terms:      terms,
		Updates:    updates,
		App:        app,
		HTTPServer: server,
		cancel:     cancel,
	}

	env.WaitForTick(t, 5*time.Second)
	return env
}

// WaitForTick blocks until the world view has published at least one
// snapshot with content.
func (e *Env) WaitForTick(t testing.TB, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if snap := e.World.Current(); snap.Tick > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("world view never published")
}

// Refresh forces a synchronous world view refresh.
func (e *Env) Refresh() {
	e.World.Refresh(context.Background())
}

// DialWS opens a WebSocket to the gateway.
func (e *Env) DialWS(t testing.TB) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(e.HTTPServer.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	conn.SetReadLimit(1 << 20)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

// Login authenticates the connection as the seeded admin and drains
// the post-login pushes until the ack arrives.
func (e *Env) Login(t testing.TB, conn *websocket.Conn) {
	t.Helper()
	resp := e.SendAndReceive(t, conn, "login", map[string]string{
		"username": "admin",
		"password": "testpass123",
	})
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("login failed: %v", resp)
	}
}

// SendAndReceive sends a request and waits for its ack, skipping any
// interleaved push events.
func (e *Env) SendAndReceive(t testing.TB, conn *websocket.Conn, event string, args ...interface{}) map[string]interface{} {
	t.Helper()

	id := atomic.AddInt64(&msgIDCounter, 1)
	payload := map[string]interface{}{
		"id":    id,
		"event": event,
		"args":  args,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write request: %v", err)
	}

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read ack for %s: %v", event, err)
		}

		var msg struct {
			ID    *int64                 `json:"id"`
			Event string                 `json:"event"`
			Data  map[string]interface{} `json:"data"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.ID != nil && *msg.ID == id {
			return msg.Data
		}
		// Push event — not ours; keep reading.
	}
}

// ReadEvent reads push events until one with the given name arrives.
func (e *Env) ReadEvent(t testing.TB, conn *websocket.Conn, event string, timeout time.Duration) map[string]interface{} {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read event %s: %v", event, err)
		}

		var msg struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Event != event {
			continue
		}
		var data map[string]interface{}
		json.Unmarshal(msg.Data, &data)
		return data
	}
}

// AdminPost hits the fake engine's admin extension.
func (e *Env) AdminPost(t testing.TB, method, path, body string) {
	t.Helper()

	client := e.adminClient()
	req, err := http.NewRequest(method, "http://engine"+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("admin request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("admin %s %s: %v", method, path, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin %s %s: http %d", method, path, resp.StatusCode)
	}
}

// AdminGet fetches JSON from the fake engine.
func (e *Env) AdminGet(t testing.TB, path string, out interface{}) {
	t.Helper()

	resp, err := e.adminClient().Get("http://engine" + path)
	if err != nil {
		t.Fatalf("admin get %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin get %s: http %d", path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
}

func (e *Env) adminClient() *http.Client {
	sock := e.SocketPath
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", sock)
			},
		},
		Timeout: 10 * time.Second,
	}
}
