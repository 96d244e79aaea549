// Package gateway exposes the control plane over the session channel:
// it dispatches named requests to the other components and serialises
// world view and terminal updates back to subscribed clients.
package gateway

import (
	"encoding/json"
	"log/slog"

	"github.com/deckhand/deckhand/internal/docker"
	"github.com/deckhand/deckhand/internal/errdefs"
	"github.com/deckhand/deckhand/internal/eventrouter"
	"github.com/deckhand/deckhand/internal/models"
	"github.com/deckhand/deckhand/internal/stackindex"
	"github.com/deckhand/deckhand/internal/terminal"
	"github.com/deckhand/deckhand/internal/worldview"
	"github.com/deckhand/deckhand/internal/ws"
)

// AuthProvider is the pluggable credential check. The gateway never
// sees how identities are stored.
type AuthProvider interface {
	// Authenticate returns the user id for valid credentials, or an
	// ErrUnauthorised-kinded error.
	Authenticate(username, password string) (int, string, error)

	// VerifyToken validates a previously issued token.
	VerifyToken(token string) (int, error)
}

// App wires the gateway's dependencies and holds per-process state.
type App struct {
	WS       *ws.Server
	Docker   docker.Client
	Compose  docker.Composer
	Index    *stackindex.Index
	World    *worldview.WorldView
	Router   *eventrouter.Router
	Prober   *worldview.Prober
	Terms    *terminal.Hub
	Updates  *models.ImageUpdateStore
	Settings *models.SettingStore
	Auth     AuthProvider

	Endpoint  string // "" for the local engine
	Version   string
	NoAuth    bool
	NeedSetup bool

	bcast *broadcaster
}

// Register wires every request handler and the push side.
func (app *App) Register() {
	app.bcast = newBroadcaster(app)

	app.registerAuthHandlers()
	app.registerStackHandlers()
	app.registerServiceHandlers()
	app.registerDockerHandlers()
	app.registerTerminalHandlers()

	app.World.OnPublish(app.bcast.publishSnapshot)
	app.Router.OnMeta(app.bcast.publishEngineStatus)

	app.WS.OnConnect(func(c *ws.Conn) {
		if app.NoAuth {
			c.SetUser(1)
		}
		app.bcast.sendInfo(c)
	})
	app.WS.OnDisconnect(func(c *ws.Conn) {
		app.Terms.DetachAll(c.ID())
	})
}

// checkLogin verifies that the connection is authenticated, sending an
// unauthorised ack otherwise. Returns the user id (0 = denied).
func (app *App) checkLogin(c *ws.Conn, msg *ws.ClientMessage) int {
	uid := c.UserID()
	if uid == 0 && msg != nil && msg.ID != nil {
		c.SendAck(*msg.ID, ws.ErrorResponse{OK: false, Msg: "Not logged in", Kind: errdefs.Kind(errdefs.ErrUnauthorised)})
	}
	return uid
}

// ackOK sends a success ack when the request carried a correlation id.
func ackOK(c *ws.Conn, msg *ws.ClientMessage, text string) {
	if msg.ID != nil {
		c.SendAck(*msg.ID, ws.OkResponse{OK: true, Msg: text})
	}
}

// ackErr renders an error into the standard callback shape.
func ackErr(c *ws.Conn, msg *ws.ClientMessage, err error) {
	if msg.ID == nil {
		return
	}
	c.SendAck(*msg.ID, ws.ErrorResponse{OK: false, Msg: err.Error(), Kind: errdefs.Kind(err)})
}

// ackData sends an arbitrary payload ack.
func ackData(c *ws.Conn, msg *ws.ClientMessage, data interface{}) {
	if msg.ID != nil {
		c.SendAck(*msg.ID, data)
	}
}

// parseArgs unmarshals the Args JSON array into raw elements.
func parseArgs(msg *ws.ClientMessage) []json.RawMessage {
	if msg == nil || len(msg.Args) == 0 {
		return nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(msg.Args, &args); err != nil {
		slog.Warn("parse args", "err", err)
		return nil
	}
	return args
}

// argString extracts a string argument by index.
func argString(args []json.RawMessage, index int) string {
	if index >= len(args) {
		return ""
	}
	var s string
	if err := json.Unmarshal(args[index], &s); err != nil {
		return ""
	}
	return s
}

// argBool extracts a bool argument by index.
func argBool(args []json.RawMessage, index int) bool {
	if index >= len(args) {
		return false
	}
	var b bool
	if err := json.Unmarshal(args[index], &b); err != nil {
		return false
	}
	return b
}

// argInt extracts an integer argument by index.
func argInt(args []json.RawMessage, index int) int {
	if index >= len(args) {
		return 0
	}
	var n float64 // JSON numbers decode as float64
	if err := json.Unmarshal(args[index], &n); err != nil {
		return 0
	}
	return int(n)
}

// argObject decodes an object argument by index into dst.
func argObject(args []json.RawMessage, index int, dst interface{}) bool {
	if index >= len(args) {
		return false
	}
	return json.Unmarshal(args[index], dst) == nil
}
