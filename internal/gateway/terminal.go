package gateway

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/deckhand/deckhand/internal/docker"
	"github.com/deckhand/deckhand/internal/errdefs"
	"github.com/deckhand/deckhand/internal/terminal"
	"github.com/deckhand/deckhand/internal/ws"
)

// replacementWait is how long a log-follow terminal waits for a
// same-name container to reappear after the tracked one is destroyed.
// Logs follow the name; exec binds to the id.
const replacementWait = 5 * time.Second

func (app *App) registerTerminalHandlers() {
	app.WS.Handle("attachTerminal", app.handleAttachTerminal)
	app.WS.Handle("detachTerminal", app.handleDetachTerminal)
	app.WS.Handle("terminalInput", app.handleTerminalInput)
	app.WS.Handle("terminalResize", app.handleTerminalResize)
	app.WS.Handle("mainTerminal", app.handleMainTerminal)
	app.WS.Handle("interactiveTerminal", app.handleInteractiveTerminal)
	app.WS.Handle("containerExec", app.handleContainerExec)
	app.WS.Handle("joinContainerLog", app.handleJoinContainerLog)
}

// terminalSink adapts a connection into a terminal SinkFunc.
func terminalSink(c *ws.Conn, termName string) terminal.SinkFunc {
	return func(data []byte) {
		c.SendEvent(ws.EventTerminalOut, struct {
			Name string `json:"name"`
			Data string `json:"data"`
		}{Name: termName, Data: string(data)})
	}
}

// handleAttachTerminal joins a client to a named terminal, replaying
// the buffer. Attaching to a not-yet-existing progress terminal
// registers the sink early; the action's Recreate carries it over.
func (app *App) handleAttachTerminal(c *ws.Conn, msg *ws.ClientMessage) {
	if app.checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	termName := argString(args, 0)
	if termName == "" {
		ackErr(c, msg, errdefs.InvalidArgument("terminal name required"))
		return
	}

	term := app.Terms.GetOrCreate(termName, terminal.Pipe)
	replay := term.Attach(c.ID(), terminalSink(c, termName))

	ackData(c, msg, struct {
		OK     bool   `json:"ok"`
		Buffer string `json:"buffer"`
	}{OK: true, Buffer: string(replay)})
}

func (app *App) handleDetachTerminal(c *ws.Conn, msg *ws.ClientMessage) {
	if app.checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	termName := argString(args, 0)

	if term := app.Terms.Get(termName); term != nil {
		if term.Detach(c.ID()) == 0 {
			grace := terminal.LogGrace
			if term.Kind == terminal.PTY {
				grace = terminal.InteractiveGrace
			}
			app.Terms.Release(termName, grace)
		}
	}
	ackOK(c, msg, "")
}

func (app *App) handleTerminalInput(c *ws.Conn, msg *ws.ClientMessage) {
	if app.checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	termName := argString(args, 0)
	input := argString(args, 1)

	term := app.Terms.Get(termName)
	if term == nil {
		ackErr(c, msg, errdefs.ErrGone)
		return
	}

	if err := term.Input([]byte(input)); err != nil {
		ackErr(c, msg, err)
		return
	}
	ackOK(c, msg, "")
}

func (app *App) handleTerminalResize(c *ws.Conn, msg *ws.ClientMessage) {
	if app.checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	termName := argString(args, 0)
	rows := argInt(args, 1)
	cols := argInt(args, 2)

	term := app.Terms.Get(termName)
	if term == nil {
		ackErr(c, msg, errdefs.ErrGone)
		return
	}

	if rows > 0 && cols > 0 {
		if err := term.Resize(uint16(rows), uint16(cols)); err != nil && !errors.Is(err, errdefs.ErrGone) {
			slog.Warn("terminal resize", "err", err, "term", termName)
		}
	}
	ackOK(c, msg, "")
}

// handleMainTerminal opens (or rejoins) the host shell terminal.
func (app *App) handleMainTerminal(c *ws.Conn, msg *ws.ClientMessage) {
	if app.checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	termName := argString(args, 0)
	if termName == "" {
		termName = "console"
	}

	if existing := app.Terms.Get(termName); existing != nil && existing.IsRunning() {
		existing.Attach(c.ID(), terminalSink(c, termName))
		ackOK(c, msg, "")
		return
	}

	term := app.Terms.Create(termName, terminal.PTY)
	// Attach before starting the shell so the prompt is captured.
	term.Attach(c.ID(), terminalSink(c, termName))

	shell := "bash"
	if _, err := exec.LookPath("bash"); err != nil {
		shell = "sh"
	}
	cmd := exec.Command(shell)
	cmd.Env = os.Environ()
	cmd.Dir = app.Index.StacksDir()

	if err := term.StartPTY(cmd); err != nil {
		slog.Error("main terminal start", "err", err)
		app.Terms.Remove(termName)
		ackErr(c, msg, err)
		return
	}

	term.OnExit(func() {
		app.Terms.Release(termName, terminal.ProgressGrace)
	})

	slog.Info("main terminal started", "name", termName)
	ackOK(c, msg, "")
}

// handleInteractiveTerminal opens a compose exec shell into a service.
// The terminal name is client-provided (a UUID), per the attach
// rendezvous discipline.
func (app *App) handleInteractiveTerminal(c *ws.Conn, msg *ws.ClientMessage) {
	if app.checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	stackName := argString(args, 0)
	serviceName := argString(args, 1)
	shell := argString(args, 2)
	termName := argString(args, 3)

	if stackName == "" || serviceName == "" {
		ackErr(c, msg, errdefs.InvalidArgument("stack and service name required"))
		return
	}
	if shell == "" {
		shell = "bash"
	}
	if termName == "" {
		termName = "exec:" + stackName + ":" + serviceName
	}

	term := app.Terms.Recreate(termName, terminal.PTY)
	term.Attach(c.ID(), terminalSink(c, termName))

	execArgs := []string{"compose"}
	execArgs = append(execArgs, docker.GlobalEnvArgs(app.Index.StacksDir(), stackName)...)
	execArgs = append(execArgs, "exec", serviceName, shell)
	cmd := exec.Command("docker", execArgs...)
	cmd.Dir = filepath.Join(app.Index.StacksDir(), stackName)
	cmd.Env = os.Environ()

	if err := term.StartPTY(cmd); err != nil {
		slog.Error("interactive terminal start", "err", err, "stack", stackName, "service", serviceName)
		app.Terms.Remove(termName)
		ackErr(c, msg, err)
		return
	}

	term.OnExit(func() {
		app.Terms.Release(termName, terminal.InteractiveGrace)
	})

	slog.Info("interactive terminal started", "name", termName, "stack", stackName, "service", serviceName)
	ackOK(c, msg, "")
}

// handleContainerExec opens a shell in a container. Exec binds to the
// container id resolved now; recreation kills the session.
func (app *App) handleContainerExec(c *ws.Conn, msg *ws.ClientMessage) {
	if app.checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	containerName := argString(args, 0)
	shell := argString(args, 1)
	termName := argString(args, 2)

	if containerName == "" {
		ackErr(c, msg, errdefs.InvalidArgument("container name required"))
		return
	}
	if shell == "" {
		shell = "bash"
	}
	if termName == "" {
		termName = "exec:" + containerName
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	containerID, err := app.resolveContainerID(ctx, containerName)
	if err != nil {
		ackErr(c, msg, err)
		return
	}

	if existing := app.Terms.Get(termName); existing != nil && existing.IsRunning() {
		existing.Attach(c.ID(), terminalSink(c, termName))
		ackOK(c, msg, "")
		return
	}

	term := app.Terms.Recreate(termName, terminal.PTY)
	term.Attach(c.ID(), terminalSink(c, termName))

	cmd := exec.Command("docker", "exec", "-it", containerID, shell)
	cmd.Env = os.Environ()

	if err := term.StartPTY(cmd); err != nil {
		slog.Error("container exec start", "err", err, "container", containerName)
		app.Terms.Remove(termName)
		ackErr(c, msg, err)
		return
	}

	term.OnExit(func() {
		app.Terms.Release(termName, terminal.InteractiveGrace)
	})

	slog.Info("container exec started", "name", termName, "container", containerName)
	ackOK(c, msg, "")
}

// handleJoinContainerLog starts (or rejoins) a follow-mode log tail
// keyed by container name, so compose-driven recreation keeps the tail
// alive.
func (app *App) handleJoinContainerLog(c *ws.Conn, msg *ws.ClientMessage) {
	if app.checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	containerName := argString(args, 0)
	if containerName == "" {
		ackErr(c, msg, errdefs.InvalidArgument("container name required"))
		return
	}

	termName := terminal.LogName(containerName)

	// Rejoin a live tail instead of restarting it.
	if existing := app.Terms.Get(termName); existing != nil && existing.CurrentState() == terminal.StateActive {
		replay := existing.Attach(c.ID(), terminalSink(c, termName))
		ackData(c, msg, struct {
			OK     bool   `json:"ok"`
			Buffer string `json:"buffer"`
		}{OK: true, Buffer: string(replay)})
		return
	}

	term := app.Terms.Recreate(termName, terminal.Pipe)
	term.MarkActive()
	replay := term.Attach(c.ID(), terminalSink(c, termName))

	ctx, cancel := context.WithCancel(context.Background())
	term.SetCancel(cancel)

	go app.runContainerLog(ctx, term, termName, containerName)

	ackData(c, msg, struct {
		OK     bool   `json:"ok"`
		Buffer string `json:"buffer"`
	}{OK: true, Buffer: string(replay)})
}

// runContainerLog streams a container's logs into the terminal. When
// the stream ends (container died or was recreated), it waits up to
// replacementWait for a same-name container before reopening the tail;
// the terminal closes when none appears.
func (app *App) runContainerLog(ctx context.Context, term *terminal.Terminal, termName, containerName string) {
	defer app.Terms.Release(termName, terminal.LogGrace)

	tail := "100" // history on first open, follow-only after reopen

	for {
		stream, err := app.Docker.ContainerLogs(ctx, containerName, tail, true)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Not running or not found: give a replacement a chance.
			if !app.awaitReplacement(ctx, containerName) {
				term.Write([]byte("[log stream closed]\r\n"))
				return
			}
			tail = "0"
			continue
		}

		scanner := bufio.NewScanner(stream)
		scanner.Buffer(make([]byte, 64*1024), 64*1024)
		for scanner.Scan() {
			line := append(scanner.Bytes(), '\n')
			if _, err := term.Write(line); err != nil {
				stream.Close()
				return
			}
		}
		stream.Close()

		if ctx.Err() != nil {
			return
		}
		if !app.awaitReplacement(ctx, containerName) {
			term.Write([]byte("[log stream closed]\r\n"))
			return
		}
		tail = "0"
	}
}

// awaitReplacement polls for a running container with the given name
// for up to replacementWait.
func (app *App) awaitReplacement(ctx context.Context, containerName string) bool {
	deadline := time.Now().Add(replacementWait)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(500 * time.Millisecond):
		}

		containers, err := app.Docker.ContainerList(ctx, false, "")
		if err != nil {
			continue
		}
		for _, c := range containers {
			if c.Name == containerName {
				return true
			}
		}
	}
	return false
}

// resolveContainerID maps a container name to its current id.
func (app *App) resolveContainerID(ctx context.Context, containerName string) (string, error) {
	containers, err := app.Docker.ContainerList(ctx, true, "")
	if err != nil {
		return "", err
	}
	for _, c := range containers {
		if c.Name == containerName {
			return c.ID, nil
		}
	}
	return "", errdefs.NotFound("container " + containerName)
}
