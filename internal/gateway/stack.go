package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/deckhand/deckhand/internal/errdefs"
	"github.com/deckhand/deckhand/internal/stackindex"
	"github.com/deckhand/deckhand/internal/terminal"
	"github.com/deckhand/deckhand/internal/worldview"
	"github.com/deckhand/deckhand/internal/ws"
)

// snapshotAckTimeout bounds how long a mutation callback waits for the
// world view to incorporate its effect before acking anyway.
const snapshotAckTimeout = 15 * time.Second

func (app *App) registerStackHandlers() {
	app.WS.Handle("requestStackList", app.handleRequestStackList)
	app.WS.Handle("getStack", app.handleGetStack)
	app.WS.Handle("saveStack", app.handleSaveStack)
	app.WS.Handle("deployStack", app.handleDeployStack)
	app.WS.Handle("startStack", app.handleStartStack)
	app.WS.Handle("stopStack", app.handleStopStack)
	app.WS.Handle("restartStack", app.handleRestartStack)
	app.WS.Handle("downStack", app.handleDownStack)
	app.WS.Handle("updateStack", app.handleUpdateStack)
	app.WS.Handle("deleteStack", app.handleDeleteStack)
	app.WS.Handle("forceDeleteStack", app.handleForceDeleteStack)
	app.WS.Handle("checkImageUpdates", app.handleCheckImageUpdates)
	app.WS.Handle("dismissImageUpdate", app.handleDismissImageUpdate)
	app.WS.Handle("composerize", app.handleComposerize)
}

func (app *App) handleRequestStackList(c *ws.Conn, msg *ws.ClientMessage) {
	if app.checkLogin(c, msg) == 0 {
		return
	}
	snap := app.World.Current()
	ackData(c, msg, stackListPayload(snap))
}

func (app *App) handleGetStack(c *ws.Conn, msg *ws.ClientMessage) {
	if app.checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	name := argString(args, 0)
	if name == "" {
		ackErr(c, msg, errdefs.InvalidArgument("stack name required"))
		return
	}

	snap := app.World.Current()
	view, ok := snap.Stacks[name]
	if !ok {
		// A stack can exist on disk before the first tick sees it.
		if _, err := app.Index.Get(name); err != nil {
			ackErr(c, msg, err)
			return
		}
		view = &worldview.StackView{Name: name, Managed: true, Status: worldview.StackCreatedFile}
	}

	payload := struct {
		OK    bool                 `json:"ok"`
		Stack *worldview.StackView `json:"stack"`
		YAML  string               `json:"composeYAML"`
		Env   string               `json:"composeENV"`
		Over  string               `json:"composeOverrideYAML"`
		Mtime int64                `json:"composeMtime,omitempty"`
	}{OK: true, Stack: view}

	if view.Managed {
		s, err := app.Index.Get(name)
		if err == nil {
			if err := s.LoadFiles(); err == nil {
				payload.YAML = s.ComposeYAML
				payload.Env = s.EnvText
				payload.Over = s.OverrideYAML
				payload.Mtime = s.ModTime().Unix()
			}
		}
	}

	ackData(c, msg, payload)
}

// saveArgs decodes the shared saveStack/deployStack argument shape.
// mtime is the compose file's modification time (Unix seconds) as the
// client last read it via getStack; zero skips the conflict check.
type saveArgs struct {
	name     string
	yaml     string
	env      string
	override string
	isAdd    bool
	mtime    int64
}

func decodeSaveArgs(msg *ws.ClientMessage) saveArgs {
	args := parseArgs(msg)
	return saveArgs{
		name:     argString(args, 0),
		yaml:     argString(args, 1),
		env:      argString(args, 2),
		override: argString(args, 3),
		isAdd:    argBool(args, 4),
		mtime:    int64(argInt(args, 5)),
	}
}

// writeStack persists the stack. Adding an existing stack is a
// conflict; edits carry the mtime the editor read so concurrent writes
// surface as ErrConflict.
func (app *App) writeStack(sa saveArgs) error {
	if sa.name == "" || sa.yaml == "" {
		return errdefs.InvalidArgument("stack name and compose YAML required")
	}

	if sa.isAdd {
		if _, err := app.Index.Get(sa.name); err == nil {
			return errdefs.Conflict("stack " + sa.name + " already exists")
		}
	}

	var expectedMtime time.Time
	if !sa.isAdd && sa.mtime > 0 {
		expectedMtime = time.Unix(sa.mtime, 0)
	}

	return app.Index.Write(sa.name, sa.yaml, sa.env, sa.override, expectedMtime)
}

func (app *App) handleSaveStack(c *ws.Conn, msg *ws.ClientMessage) {
	if app.checkLogin(c, msg) == 0 {
		return
	}

	sa := decodeSaveArgs(msg)
	if err := app.writeStack(sa); err != nil {
		ackErr(c, msg, err)
		return
	}

	app.Router.NotifyStack(sa.name)
	ackOK(c, msg, "Saved")
}

func (app *App) handleDeployStack(c *ws.Conn, msg *ws.ClientMessage) {
	if app.checkLogin(c, msg) == 0 {
		return
	}

	sa := decodeSaveArgs(msg)
	if err := app.writeStack(sa); err != nil {
		ackErr(c, msg, err)
		return
	}

	go app.runComposeAction(c, msg, sa.name, composeSteps{
		{"config", "--dry-run"},
		{"up", "-d", "--remove-orphans"},
	})
}

func (app *App) handleStartStack(c *ws.Conn, msg *ws.ClientMessage) {
	app.simpleComposeAction(c, msg, composeSteps{{"up", "-d", "--remove-orphans"}})
}

func (app *App) handleStopStack(c *ws.Conn, msg *ws.ClientMessage) {
	app.simpleComposeAction(c, msg, composeSteps{{"stop"}})
}

func (app *App) handleRestartStack(c *ws.Conn, msg *ws.ClientMessage) {
	app.simpleComposeAction(c, msg, composeSteps{{"restart"}})
}

func (app *App) handleDownStack(c *ws.Conn, msg *ws.ClientMessage) {
	app.simpleComposeAction(c, msg, composeSteps{{"down", "--remove-orphans"}})
}

func (app *App) handleUpdateStack(c *ws.Conn, msg *ws.ClientMessage) {
	if app.checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	name := argString(args, 0)
	var opts struct {
		Prune    bool `json:"prune"`
		PruneAll bool `json:"pruneAll"`
	}
	argObject(args, 1, &opts)

	if name == "" {
		ackErr(c, msg, errdefs.InvalidArgument("stack name required"))
		return
	}

	go func() {
		err := app.runComposeAction(c, msg, name, composeSteps{
			{"pull"},
			{"up", "-d", "--remove-orphans"},
		})
		if err != nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if opts.Prune || opts.PruneAll {
			if result, err := app.Docker.ImagePrune(ctx, opts.PruneAll); err != nil {
				slog.Warn("image prune after update", "stack", name, "err", err)
			} else {
				slog.Debug("image prune after update", "stack", name, "result", result)
			}
		}

		// Stale "update available" bits die with the old images.
		if err := app.Updates.ClearDismissed(app.Endpoint, name); err != nil {
			slog.Warn("clear dismissed digests", "stack", name, "err", err)
		}
		app.Prober.CheckStack(ctx, name)
	}()
}

func (app *App) handleDeleteStack(c *ws.Conn, msg *ws.ClientMessage) {
	if app.checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	name := argString(args, 0)
	var opts struct {
		DeleteStackFiles bool `json:"deleteStackFiles"`
	}
	argObject(args, 1, &opts)

	if name == "" {
		ackErr(c, msg, errdefs.InvalidArgument("stack name required"))
		return
	}

	go func() {
		release, err := app.Terms.AcquireCompose(app.Endpoint, name)
		if err != nil {
			ackErr(c, msg, err)
			return
		}
		defer release()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		// Take the project down before touching files.
		if err := app.Compose.RunCompose(ctx, name, discard{}, "down", "--remove-orphans"); err != nil {
			slog.Warn("delete stack: down", "stack", name, "err", err)
		}

		if err := app.Index.Delete(name, opts.DeleteStackFiles); err != nil {
			ackErr(c, msg, err)
			return
		}

		app.Router.NotifyStack(name)
		app.awaitSnapshot()
		ackOK(c, msg, "Deleted")
		slog.Info("stack deleted", "stack", name)
	}()
}

func (app *App) handleForceDeleteStack(c *ws.Conn, msg *ws.ClientMessage) {
	if app.checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	name := argString(args, 0)
	if name == "" {
		ackErr(c, msg, errdefs.InvalidArgument("stack name required"))
		return
	}

	go func() {
		release, err := app.Terms.AcquireCompose(app.Endpoint, name)
		if err != nil {
			ackErr(c, msg, err)
			return
		}
		defer release()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		if err := app.Compose.RunCompose(ctx, name, discard{}, "down", "-v", "--remove-orphans"); err != nil {
			slog.Warn("force delete: down -v", "stack", name, "err", err)
		}

		if err := app.Index.Delete(name, true); err != nil {
			ackErr(c, msg, err)
			return
		}

		app.Router.NotifyStack(name)
		app.awaitSnapshot()
		ackOK(c, msg, "Deleted")
		slog.Info("stack force deleted", "stack", name)
	}()
}

func (app *App) handleCheckImageUpdates(c *ws.Conn, msg *ws.ClientMessage) {
	if app.checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	name := argString(args, 0)
	if name == "" {
		ackErr(c, msg, errdefs.InvalidArgument("stack name required"))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		app.Prober.CheckStack(ctx, name)
		app.awaitSnapshot()
		ackOK(c, msg, "Checked")
	}()
}

func (app *App) handleDismissImageUpdate(c *ws.Conn, msg *ws.ClientMessage) {
	if app.checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	name := argString(args, 0)
	digest := argString(args, 1)
	if name == "" || digest == "" {
		ackErr(c, msg, errdefs.InvalidArgument("stack name and digest required"))
		return
	}

	if err := app.Updates.DismissDigest(app.Endpoint, name, digest); err != nil {
		ackErr(c, msg, err)
		return
	}
	ackOK(c, msg, "Dismissed")
}

// composeSteps is an ordered list of compose subcommand argv tails.
type composeSteps [][]string

// simpleComposeAction is the shared shape of start/stop/restart/down:
// validate the name, then run the steps in the background.
func (app *App) simpleComposeAction(c *ws.Conn, msg *ws.ClientMessage, steps composeSteps) {
	if app.checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	name := argString(args, 0)
	if name == "" {
		ackErr(c, msg, errdefs.InvalidArgument("stack name required"))
		return
	}
	if err := stackindex.ValidateName(name); err != nil {
		ackErr(c, msg, err)
		return
	}

	go app.runComposeAction(c, msg, name, steps)
}

// runComposeAction drives one compose mutation through to a visible
// result: it takes the per-stack compose lock, streams each step's
// output to the progress terminal, and acks only after the world view
// publishes a snapshot incorporating the effect. Failures ack with the
// error kind and force no refresh; the next event-driven tick
// reconciles reality.
func (app *App) runComposeAction(c *ws.Conn, msg *ws.ClientMessage, stackName string, steps composeSteps) error {
	release, err := app.Terms.AcquireCompose(app.Endpoint, stackName)
	if err != nil {
		ackErr(c, msg, err)
		return err
	}
	defer release()

	// Sinks of clients that attached before the action are carried
	// over by Recreate; late attachers replay the ring buffer.
	termName := terminal.ProgressName(app.Endpoint, stackName)
	term := app.Terms.Recreate(termName, terminal.Pipe)
	term.MarkActive()
	defer app.Terms.Release(termName, terminal.ProgressGrace)

	// In-flight compose subcommands run to completion regardless of
	// client disconnects; output stays buffered for late attach.
	ctx := context.Background()

	for _, step := range steps {
		fmt.Fprintf(term, "$ docker compose %s\r\n", strings.Join(step, " "))
		if err := app.Compose.RunCompose(ctx, stackName, term, step...); err != nil {
			fmt.Fprintf(term, "\r\n[Error] %s\r\n", err.Error())
			slog.Error("compose action", "stack", stackName, "args", step, "err", err)
			ackErr(c, msg, err)
			return err
		}
	}
	term.Write([]byte("\r\n[Done]\r\n"))

	// Tell the router directly; the Docker event may race or be lost
	// entirely when talking to a daemon that emits none.
	app.Router.NotifyStack(stackName)
	app.awaitSnapshot()

	ackOK(c, msg, "OK")
	return nil
}

// awaitSnapshot blocks until the next world view publish (bounded).
func (app *App) awaitSnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotAckTimeout)
	defer cancel()
	if err := app.World.AwaitNext(ctx); err != nil {
		slog.Debug("await snapshot", "err", err)
	}
}

// discard drops compose output when no terminal should observe it.
type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
