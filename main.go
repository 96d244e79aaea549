package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	netpprof "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deckhand/deckhand/internal/config"
	"github.com/deckhand/deckhand/internal/db"
	"github.com/deckhand/deckhand/internal/docker"
	"github.com/deckhand/deckhand/internal/eventrouter"
	"github.com/deckhand/deckhand/internal/gateway"
	"github.com/deckhand/deckhand/internal/models"
	"github.com/deckhand/deckhand/internal/stackindex"
	"github.com/deckhand/deckhand/internal/terminal"
	"github.com/deckhand/deckhand/internal/worldview"
	"github.com/deckhand/deckhand/internal/ws"
)

// version is set at build time via -ldflags="-X main.version=...".
var version = "0.9.0"

func main() {
	// Quick healthcheck mode, used by container HEALTHCHECKs so the
	// image needs no wget/curl.
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		port := "5001"
		if v := os.Getenv("DECKHAND_PORT"); v != "" {
			port = v
		}
		resp, err := http.Get("http://127.0.0.1:" + port + "/healthz")
		if err != nil || resp.StatusCode != 200 {
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg := config.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))

	slog.Info("starting deckhand",
		"port", cfg.Port,
		"stacksDir", cfg.StacksDir,
		"dataDir", cfg.DataDir,
		"dockerHost", cfg.DockerHost,
		"logLevel", cfg.LogLevel,
		"noAuth", cfg.NoAuth,
	)

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		slog.Error("database", "err", err)
		os.Exit(1)
	}
	defer database.Close()

	users := models.NewUserStore(database)
	settings := models.NewSettingStore(database)
	updates := models.NewImageUpdateStore(database)

	jwtSecret, err := settings.EnsureJWTSecret()
	if err != nil {
		slog.Error("jwt secret", "err", err)
		os.Exit(1)
	}

	userCount, err := users.Count()
	if err != nil {
		slog.Error("user count", "err", err)
		os.Exit(1)
	}

	dockerClient, err := docker.NewSDKClient(cfg.DockerHost)
	if err != nil {
		slog.Error("docker client", "err", err)
		os.Exit(1)
	}
	defer dockerClient.Close()

	index := stackindex.New(cfg.StacksDir)
	index.Rescan()

	world := worldview.New(dockerClient, index, updates)
	router := eventrouter.New(dockerClient, world)
	prober := worldview.NewProber(world, cfg.UpdateInterval)
	terms := terminal.NewHub()
	wss := ws.NewServer()

	app := &gateway.App{
		WS:       wss,
		Docker:   dockerClient,
		Compose:  &docker.Exec{StacksDir: cfg.StacksDir, DockerHost: cfg.DockerHost},
		Index:    index,
		World:    world,
		Router:   router,
		Prober:   prober,
		Terms:    terms,
		Updates:  updates,
		Settings: settings,
		Auth:     &gateway.StoreAuth{Users: users, JWTSecret: jwtSecret},

		Endpoint:  cfg.Endpoint,
		Version:   version,
		NoAuth:    cfg.NoAuth,
		NeedSetup: userCount == 0,
	}
	app.Register()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := index.Watch(ctx, func(stackName string) {
		router.NotifyStack(stackName)
	}); err != nil {
		slog.Warn("stack watcher failed to start", "err", err)
	}

	world.Start(ctx)
	router.Start(ctx)
	prober.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/ws", wss)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", netpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", netpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", netpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", netpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", netpprof.Trace)
		slog.Info("pprof enabled at /debug/pprof/")
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server", "err", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
}
