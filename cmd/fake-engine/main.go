// Command fake-engine runs the fixture-driven Docker Engine lookalike
// as a standalone process. Point DOCKER_HOST (or --docker-host) at the
// printed socket to run the server against it.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/deckhand/deckhand/internal/fakeengine"
)

func main() {
	var stacksDir, socketPath string
	flag.StringVar(&stacksDir, "stacks-dir", "./stacks", "Stacks directory with compose + mock fixtures")
	flag.StringVar(&socketPath, "socket", "", "Unix socket path (default: temp dir)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	var cleanup func()
	var err error
	if socketPath == "" {
		socketPath, cleanup, err = fakeengine.Start(stacksDir)
	} else {
		os.Remove(socketPath)
		cleanup, err = fakeengine.StartOnSocket(stacksDir, socketPath)
	}
	if err != nil {
		slog.Error("start fake engine", "err", err)
		os.Exit(1)
	}
	defer cleanup()

	fmt.Printf("DOCKER_HOST=unix://%s\n", socketPath)
	slog.Info("fake engine listening", "socket", socketPath, "stacksDir", stacksDir)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
}
