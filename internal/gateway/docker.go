package gateway

import (
	"context"
	"time"

	"github.com/deckhand/deckhand/internal/docker"
	"github.com/deckhand/deckhand/internal/errdefs"
	"github.com/deckhand/deckhand/internal/ws"
)

// queryTimeout bounds ordinary daemon queries; streaming endpoints get
// their own contexts.
const queryTimeout = 30 * time.Second

func (app *App) registerDockerHandlers() {
	app.WS.Handle("requestContainerList", app.handleRequestContainerList)
	app.WS.Handle("listImages", app.handleListImages)
	app.WS.Handle("listNetworks", app.handleListNetworks)
	app.WS.Handle("listVolumes", app.handleListVolumes)
	app.WS.Handle("inspectContainer", app.handleInspectContainer)
	app.WS.Handle("inspectImage", app.handleInspectImage)
	app.WS.Handle("inspectNetwork", app.handleInspectNetwork)
	app.WS.Handle("inspectVolume", app.handleInspectVolume)
	app.WS.Handle("containerStats", app.handleContainerStats)
	app.WS.Handle("containerTop", app.handleContainerTop)
	app.WS.Handle("pruneImages", app.handlePruneImages)
}

func (app *App) queryCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), queryTimeout)
}

func (app *App) handleRequestContainerList(c *ws.Conn, msg *ws.ClientMessage) {
	if app.checkLogin(c, msg) == 0 {
		return
	}
	ackData(c, msg, containerListPayload(app.World.Current()))
}

func (app *App) handleListImages(c *ws.Conn, msg *ws.ClientMessage) {
	if app.checkLogin(c, msg) == 0 {
		return
	}
	ctx, cancel := app.queryCtx()
	defer cancel()

	images, err := app.Docker.ImageList(ctx)
	if err != nil {
		ackErr(c, msg, err)
		return
	}
	ackData(c, msg, struct {
		OK     bool                  `json:"ok"`
		Images []docker.ImageSummary `json:"images"`
	}{OK: true, Images: images})
}

func (app *App) handleListNetworks(c *ws.Conn, msg *ws.ClientMessage) {
	if app.checkLogin(c, msg) == 0 {
		return
	}
	ctx, cancel := app.queryCtx()
	defer cancel()

	networks, err := app.Docker.NetworkList(ctx)
	if err != nil {
		ackErr(c, msg, err)
		return
	}
	ackData(c, msg, struct {
		OK       bool                    `json:"ok"`
		Networks []docker.NetworkSummary `json:"networks"`
	}{OK: true, Networks: networks})
}

func (app *App) handleListVolumes(c *ws.Conn, msg *ws.ClientMessage) {
	if app.checkLogin(c, msg) == 0 {
		return
	}
	ctx, cancel := app.queryCtx()
	defer cancel()

	volumes, err := app.Docker.VolumeList(ctx)
	if err != nil {
		ackErr(c, msg, err)
		return
	}
	ackData(c, msg, struct {
		OK      bool                   `json:"ok"`
		Volumes []docker.VolumeSummary `json:"volumes"`
	}{OK: true, Volumes: volumes})
}

func (app *App) handleInspectContainer(c *ws.Conn, msg *ws.ClientMessage) {
	if app.checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	name := argString(args, 0)
	if name == "" {
		ackErr(c, msg, errdefs.InvalidArgument("container name required"))
		return
	}

	ctx, cancel := app.queryCtx()
	defer cancel()

	inspect, err := app.Docker.ContainerInspect(ctx, name)
	if err != nil {
		ackErr(c, msg, err)
		return
	}
	ackData(c, msg, struct {
		OK      bool   `json:"ok"`
		Inspect string `json:"inspect"`
	}{OK: true, Inspect: inspect})
}

func (app *App) handleInspectImage(c *ws.Conn, msg *ws.ClientMessage) {
	if app.checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	ref := argString(args, 0)
	if ref == "" {
		ackErr(c, msg, errdefs.InvalidArgument("image reference required"))
		return
	}

	ctx, cancel := app.queryCtx()
	defer cancel()

	detail, err := app.Docker.ImageInspect(ctx, ref)
	if err != nil {
		ackErr(c, msg, err)
		return
	}
	ackData(c, msg, struct {
		OK    bool                `json:"ok"`
		Image *docker.ImageDetail `json:"image"`
	}{OK: true, Image: detail})
}

func (app *App) handleInspectNetwork(c *ws.Conn, msg *ws.ClientMessage) {
	if app.checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	name := argString(args, 0)
	if name == "" {
		ackErr(c, msg, errdefs.InvalidArgument("network name required"))
		return
	}

	ctx, cancel := app.queryCtx()
	defer cancel()

	detail, err := app.Docker.NetworkInspect(ctx, name)
	if err != nil {
		ackErr(c, msg, err)
		return
	}
	ackData(c, msg, struct {
		OK      bool                  `json:"ok"`
		Network *docker.NetworkDetail `json:"network"`
	}{OK: true, Network: detail})
}

func (app *App) handleInspectVolume(c *ws.Conn, msg *ws.ClientMessage) {
	if app.checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	name := argString(args, 0)
	if name == "" {
		ackErr(c, msg, errdefs.InvalidArgument("volume name required"))
		return
	}

	ctx, cancel := app.queryCtx()
	defer cancel()

	detail, err := app.Docker.VolumeInspect(ctx, name)
	if err != nil {
		ackErr(c, msg, err)
		return
	}
	ackData(c, msg, struct {
		OK     bool                 `json:"ok"`
		Volume *docker.VolumeDetail `json:"volume"`
	}{OK: true, Volume: detail})
}

func (app *App) handleContainerStats(c *ws.Conn, msg *ws.ClientMessage) {
	if app.checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	projectFilter := argString(args, 0)

	ctx, cancel := app.queryCtx()
	defer cancel()

	stats, err := app.Docker.ContainerStats(ctx, projectFilter)
	if err != nil {
		ackErr(c, msg, err)
		return
	}
	ackData(c, msg, struct {
		OK    bool                           `json:"ok"`
		Stats map[string]docker.ContainerStat `json:"stats"`
	}{OK: true, Stats: stats})
}

func (app *App) handleContainerTop(c *ws.Conn, msg *ws.ClientMessage) {
	if app.checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	name := argString(args, 0)
	if name == "" {
		ackErr(c, msg, errdefs.InvalidArgument("container name required"))
		return
	}

	ctx, cancel := app.queryCtx()
	defer cancel()

	titles, processes, err := app.Docker.ContainerTop(ctx, name)
	if err != nil {
		ackErr(c, msg, err)
		return
	}
	ackData(c, msg, struct {
		OK        bool       `json:"ok"`
		Titles    []string   `json:"titles"`
		Processes [][]string `json:"processes"`
	}{OK: true, Titles: titles, Processes: processes})
}

func (app *App) handlePruneImages(c *ws.Conn, msg *ws.ClientMessage) {
	if app.checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	all := argBool(args, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	result, err := app.Docker.ImagePrune(ctx, all)
	if err != nil {
		ackErr(c, msg, err)
		return
	}
	ackOK(c, msg, result)
}
