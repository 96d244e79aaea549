package fakeengine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/deckhand/deckhand/internal/docker"
	"github.com/deckhand/deckhand/internal/errdefs"
)

// Composer implements docker.Composer against the fake engine's admin
// API: compose subcommands become stack state transitions with
// plausible progress output, so the whole action pipeline can run
// without a docker CLI.
type Composer struct {
	SocketPath string
	StacksDir  string

	// StepDelay paces the simulated progress lines; zero runs flat out.
	StepDelay time.Duration
}

var _ docker.Composer = (*Composer)(nil)

func (c *Composer) client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", c.SocketPath)
			},
		},
		Timeout: 10 * time.Second,
	}
}

func (c *Composer) setStackState(ctx context.Context, stack, status string) error {
	body := bytes.NewBufferString(fmt.Sprintf(`{"status":%q}`, status))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://engine/_mock/state/"+stack, body)
	if err != nil {
		return err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrUnreachableEngine, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("set stack state: http %d", resp.StatusCode)
	}
	return nil
}

func (c *Composer) RunCompose(ctx context.Context, stackName string, w io.Writer, args ...string) error {
	if len(args) == 0 {
		return errdefs.InvalidArgument("no compose subcommand")
	}

	services := LoadFixtures(c.StacksDir).Services(stackName)

	switch args[0] {
	case "up":
		c.progress(ctx, w, services, "Started")
		return c.setStackState(ctx, stackName, "running")
	case "down":
		c.progress(ctx, w, services, "Removed")
		// Two consecutive downs converge on the same end state; the
		// second is a quiet no-op, like the real CLI.
		return c.setStackState(ctx, stackName, "inactive")
	case "stop":
		c.progress(ctx, w, services, "Stopped")
		return c.setStackState(ctx, stackName, "exited")
	case "start":
		c.progress(ctx, w, services, "Started")
		return c.setStackState(ctx, stackName, "running")
	case "restart":
		c.progress(ctx, w, services, "Restarted")
		return c.setStackState(ctx, stackName, "running")
	case "pause":
		c.progress(ctx, w, services, "Paused")
		return c.setStackState(ctx, stackName, "paused")
	case "unpause":
		c.progress(ctx, w, services, "Running")
		return c.setStackState(ctx, stackName, "running")
	case "pull":
		for _, svc := range services {
			fmt.Fprintf(w, " %s Pulled\n", svc)
			c.pause(ctx)
		}
		return nil
	case "config":
		return c.Config(ctx, stackName, w)
	default:
		return errdefs.InvalidArgument("unsupported compose subcommand: " + args[0])
	}
}

func (c *Composer) RunDocker(ctx context.Context, stackName string, w io.Writer, args ...string) error {
	fmt.Fprintf(w, "docker %s: ok\n", strings.Join(args, " "))
	return nil
}

func (c *Composer) Config(ctx context.Context, stackName string, w io.Writer) error {
	fx := LoadFixtures(c.StacksDir)
	services := fx.Services(stackName)
	if len(services) == 0 {
		return &errdefs.ChildFailedError{Code: 1, Stderr: "no configuration file provided: not found"}
	}

	fmt.Fprintf(w, "name: %s\nservices:\n", stackName)
	for _, svc := range services {
		fmt.Fprintf(w, "  %s:\n    image: %s\n", svc, fx.serviceImages[stackName+"/"+svc])
	}
	return nil
}

// progress writes compose-style per-container progress lines.
func (c *Composer) progress(ctx context.Context, w io.Writer, services []string, verb string) {
	for _, svc := range services {
		fmt.Fprintf(w, " Container %s  %s\n", svc, verb)
		c.pause(ctx)
	}
}

func (c *Composer) pause(ctx context.Context) {
	if c.StepDelay <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(c.StepDelay):
	}
}
