// Package docker abstracts the Docker Engine: daemon queries and event
// streams over the API socket, and compose subcommands as child
// processes. The fake engine substitutes for the real daemon by
// pointing the client at its Unix socket.
package docker

import (
	"context"
	"io"
	"time"
)

// LogChunk is one demultiplexed log fragment.
type LogChunk struct {
	Stderr bool
	Data   []byte
}

// Client abstracts Docker daemon queries.
type Client interface {
	// Ping verifies connectivity to the daemon.
	Ping(ctx context.Context) error

	// ContainerList returns containers, optionally filtered by compose
	// project label. If all is true, stopped containers are included.
	ContainerList(ctx context.Context, all bool, projectFilter string) ([]Container, error)

	// ContainerInspect returns the raw JSON inspect output for a container.
	ContainerInspect(ctx context.Context, idOrName string) (string, error)

	// ContainerStats returns a one-shot stats snapshot per running
	// container, optionally filtered by compose project.
	ContainerStats(ctx context.Context, projectFilter string) (map[string]ContainerStat, error)

	// ContainerTop returns the processes inside a container as column
	// titles plus rows.
	ContainerTop(ctx context.Context, id string) ([]string, [][]string, error)

	// ContainerStartedAt returns when the container last started, or
	// zero time when unknown.
	ContainerStartedAt(ctx context.Context, id string) (time.Time, error)

	// ContainerLogs opens a demultiplexed log stream. With follow=true
	// on a container that is not running, fails with errdefs.ErrNotFound
	// wrapped as not-running. The caller must close the stream.
	ContainerLogs(ctx context.Context, idOrName string, tail string, follow bool) (io.ReadCloser, error)

	// ImageList returns all local images.
	ImageList(ctx context.Context) ([]ImageSummary, error)

	// ImageInspect returns detail for one image, including its history
	// layers.
	ImageInspect(ctx context.Context, imageRef string) (*ImageDetail, error)

	// ImageDigests returns the RepoDigests of a local image, or nil
	// when the image is absent.
	ImageDigests(ctx context.Context, imageRef string) ([]string, error)

	// ImagePrune removes unused images and returns a human-readable
	// summary of the reclaimed space.
	ImagePrune(ctx context.Context, all bool) (string, error)

	// RegistryDescriptor returns the remote manifest digest for an
	// image reference without pulling. Returns "" when the registry is
	// unreachable or requires auth.
	RegistryDescriptor(ctx context.Context, imageRef string) (string, error)

	NetworkList(ctx context.Context) ([]NetworkSummary, error)
	NetworkInspect(ctx context.Context, idOrName string) (*NetworkDetail, error)
	VolumeList(ctx context.Context) ([]VolumeSummary, error)
	VolumeInspect(ctx context.Context, name string) (*VolumeDetail, error)

	// Events returns a lazy event stream plus an error channel. Both
	// close when ctx is cancelled or the daemon connection drops.
	Events(ctx context.Context) (<-chan Event, <-chan error)

	// Close releases resources held by the client.
	Close() error
}
