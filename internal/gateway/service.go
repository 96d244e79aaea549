package gateway

import (
	"github.com/deckhand/deckhand/internal/errdefs"
	"github.com/deckhand/deckhand/internal/stackindex"
	"github.com/deckhand/deckhand/internal/worldview"
	"github.com/deckhand/deckhand/internal/ws"
)

func (app *App) registerServiceHandlers() {
	app.WS.Handle("serviceStatusList", app.handleServiceStatusList)
	app.WS.Handle("startService", app.handleStartService)
	app.WS.Handle("stopService", app.handleStopService)
	app.WS.Handle("restartService", app.handleRestartService)
	app.WS.Handle("updateService", app.handleUpdateService)
}

func (app *App) handleServiceStatusList(c *ws.Conn, msg *ws.ClientMessage) {
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
		ackErr(c, msg, errdefs.NotFound("stack "+name))
		return
	}

	ackData(c, msg, struct {
		OK       bool                              `json:"ok"`
		Services map[string]*worldview.ServiceView `json:"services"`
	}{OK: true, Services: view.Services})
}

// serviceComposeAction validates stack+service args and runs the steps
// against just that service.
func (app *App) serviceComposeAction(c *ws.Conn, msg *ws.ClientMessage, build func(service string) composeSteps) {
	if app.checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	stack := argString(args, 0)
	service := argString(args, 1)
	if stack == "" || service == "" {
		ackErr(c, msg, errdefs.InvalidArgument("stack and service name required"))
		return
	}
	if err := stackindex.ValidateName(stack); err != nil {
		ackErr(c, msg, err)
		return
	}

	go app.runComposeAction(c, msg, stack, build(service))
}

func (app *App) handleStartService(c *ws.Conn, msg *ws.ClientMessage) {
	app.serviceComposeAction(c, msg, func(service string) composeSteps {
		return composeSteps{{"up", "-d", service}}
	})
}

func (app *App) handleStopService(c *ws.Conn, msg *ws.ClientMessage) {
	app.serviceComposeAction(c, msg, func(service string) composeSteps {
		return composeSteps{{"stop", service}}
	})
}

func (app *App) handleRestartService(c *ws.Conn, msg *ws.ClientMessage) {
	app.serviceComposeAction(c, msg, func(service string) composeSteps {
		return composeSteps{{"restart", service}}
	})
}

func (app *App) handleUpdateService(c *ws.Conn, msg *ws.ClientMessage) {
	app.serviceComposeAction(c, msg, func(service string) composeSteps {
		return composeSteps{{"pull", service}, {"up", "-d", service}}
	})
}
