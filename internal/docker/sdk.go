package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/deckhand/deckhand/internal/errdefs"
)

// SDKClient implements Client using the Docker Engine SDK.
type SDKClient struct {
	cli *client.Client
}

// NewSDKClient connects to the engine. host may be "unix://...",
// "tcp://...", or empty for the platform default (DOCKER_HOST or
// /var/run/docker.sock). API version is negotiated with the daemon,
// which lets the fake engine answer with its own version.
func NewSDKClient(host string) (*SDKClient, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host == "" || host == "auto" {
		opts = append(opts, client.FromEnv)
	} else {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker sdk: %w", err)
	}
	return &SDKClient{cli: cli}, nil
}

// wrapErr maps SDK errors onto the deckhand error taxonomy.
func wrapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%s: %w: %v", op, errdefs.ErrUnreachableEngine, err)
	case client.IsErrNotFound(err):
		return fmt.Errorf("%s: %w: %v", op, errdefs.ErrNotFound, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func (s *SDKClient) Ping(ctx context.Context) error {
	_, err := s.cli.Ping(ctx)
	return wrapErr("ping", err)
}

// parseHealthFromStatus extracts health from Docker's human-readable
// Status string (e.g. "Up 2 hours (unhealthy)"). Returns "healthy",
// "unhealthy", "starting", or "" when no healthcheck is configured.
func parseHealthFromStatus(state, status string) string {
	if state != "running" || status == "" {
		return ""
	}
	lower := strings.ToLower(status)
	switch {
	case strings.HasSuffix(lower, "(unhealthy)"):
		return "unhealthy"
	case strings.HasSuffix(lower, "(healthy)"):
		return "healthy"
	case strings.HasSuffix(lower, "(health: starting)"):
		return "starting"
	}
	return ""
}

// parseExitCode extracts the code from "Exited (N) 2 hours ago".
func parseExitCode(status string) int {
	open := strings.Index(status, "(")
	end := strings.Index(status, ")")
	if open < 0 || end < open {
		return 0
	}
	n, _ := strconv.Atoi(status[open+1 : end])
	return n
}

func (s *SDKClient) ContainerList(ctx context.Context, all bool, projectFilter string) ([]Container, error) {
	opts := container.ListOptions{All: all}
	if projectFilter != "" {
		opts.Filters = filters.NewArgs(
			filters.Arg("label", LabelProject+"="+projectFilter),
		)
	}

	raw, err := s.cli.ContainerList(ctx, opts)
	if err != nil {
		return nil, wrapErr("container list", err)
	}

	result := make([]Container, 0, len(raw))
	for _, c := range raw {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}

		networks := make(map[string]ContainerNetwork)
		if c.NetworkSettings != nil {
			for netName, ep := range c.NetworkSettings.Networks {
				networks[netName] = ContainerNetwork{
					IPv4: ep.IPAddress,
					IPv6: ep.GlobalIPv6Address,
					MAC:  ep.MacAddress,
				}
			}
		}

		mounts := make([]ContainerMount, 0, len(c.Mounts))
		for _, m := range c.Mounts {
			mounts = append(mounts, ContainerMount{Name: m.Name, Type: string(m.Type)})
		}

		ports := make([]ContainerPort, 0, len(c.Ports))
		for _, p := range c.Ports {
			ports = append(ports, ContainerPort{
				HostPort:      p.PublicPort,
				ContainerPort: p.PrivatePort,
				Protocol:      p.Type,
			})
		}

		result = append(result, Container{
			ID:        c.ID,
			Name:      name,
			Project:   c.Labels[LabelProject],
			Service:   c.Labels[LabelService],
			Image:     c.Image,
			ImageID:   c.ImageID,
			State:     strings.ToLower(c.State),
			Health:    parseHealthFromStatus(c.State, c.Status),
			CreatedAt: c.Created,
			ExitCode:  parseExitCode(c.Status),
			Ports:     ports,
			Mounts:    mounts,
			Networks:  networks,
		})
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *SDKClient) ContainerInspect(ctx context.Context, idOrName string) (string, error) {
	raw, err := s.cli.ContainerInspect(ctx, idOrName)
	if err != nil {
		return "", wrapErr("container inspect", err)
	}
	// Array form, matching `docker inspect` CLI output
	data, err := json.MarshalIndent([]interface{}{raw}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal inspect: %w", err)
	}
	return string(data), nil
}

func (s *SDKClient) ContainerStats(ctx context.Context, projectFilter string) (map[string]ContainerStat, error) {
	opts := container.ListOptions{}
	if projectFilter != "" {
		opts.Filters = filters.NewArgs(
			filters.Arg("label", LabelProject+"="+projectFilter),
		)
	}
	containers, err := s.cli.ContainerList(ctx, opts)
	if err != nil {
		return nil, wrapErr("container list for stats", err)
	}

	// Each stats call blocks ~1-2s waiting for a CPU delta sample, so
	// fetch all containers in parallel.
	type statResult struct {
		name string
		stat ContainerStat
	}
	ch := make(chan statResult, len(containers))
	var wg sync.WaitGroup

	for _, c := range containers {
		wg.Add(1)
		go func(c container.Summary) {
			defer wg.Done()

			name := ""
			if len(c.Names) > 0 {
				name = strings.TrimPrefix(c.Names[0], "/")
			}

			resp, err := s.cli.ContainerStats(ctx, c.ID, false)
			if err != nil {
				ch <- statResult{}
				return
			}
			defer resp.Body.Close()

			var stats container.StatsResponse
			if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
				ch <- statResult{}
				return
			}

			cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage - stats.PreCPUStats.CPUUsage.TotalUsage)
			systemDelta := float64(stats.CPUStats.SystemUsage - stats.PreCPUStats.SystemUsage)
			cpuPerc := 0.0
			if systemDelta > 0 && cpuDelta > 0 {
				cpuPerc = (cpuDelta / systemDelta) * float64(stats.CPUStats.OnlineCPUs) * 100.0
			}

			memUsage := stats.MemoryStats.Usage - stats.MemoryStats.Stats["cache"]
			memLimit := stats.MemoryStats.Limit
			memPerc := 0.0
			if memLimit > 0 {
				memPerc = float64(memUsage) / float64(memLimit) * 100.0
			}

			var netRx, netTx uint64
			for _, v := range stats.Networks {
				netRx += v.RxBytes
				netTx += v.TxBytes
			}

			var blkRead, blkWrite uint64
			for _, bio := range stats.BlkioStats.IoServiceBytesRecursive {
				switch bio.Op {
				case "read", "Read":
					blkRead += bio.Value
				case "write", "Write":
					blkWrite += bio.Value
				}
			}

			ch <- statResult{
				name: name,
				stat: ContainerStat{
					Name:     name,
					CPUPerc:  strconv.FormatFloat(cpuPerc, 'f', 2, 64) + "%",
					MemPerc:  strconv.FormatFloat(memPerc, 'f', 2, 64) + "%",
					MemUsage: formatBytes(memUsage) + " / " + formatBytes(memLimit),
					NetIO:    formatBytes(netRx) + " / " + formatBytes(netTx),
					BlockIO:  formatBytes(blkRead) + " / " + formatBytes(blkWrite),
					PIDs:     strconv.FormatUint(stats.PidsStats.Current, 10),
				},
			}
		}(c)
	}

	go func() {
		wg.Wait()
		close(ch)
	}()

	result := make(map[string]ContainerStat, len(containers))
	for r := range ch {
		if r.name != "" {
			result[r.name] = r.stat
		}
	}
	return result, nil
}

func (s *SDKClient) ContainerTop(ctx context.Context, id string) ([]string, [][]string, error) {
	resp, err := s.cli.ContainerTop(ctx, id, []string{"-eo", "pid,user,args"})
	if err != nil {
		return nil, nil, wrapErr("container top", err)
	}
	return resp.Titles, resp.Processes, nil
}

func (s *SDKClient) ContainerStartedAt(ctx context.Context, id string) (time.Time, error) {
	inspect, err := s.cli.ContainerInspect(ctx, id)
	if err != nil {
		return time.Time{}, wrapErr("inspect for started_at", err)
	}
	if inspect.State == nil || inspect.State.StartedAt == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt)
	if err != nil {
		return time.Time{}, nil
	}
	return t, nil
}

func (s *SDKClient) ContainerLogs(ctx context.Context, idOrName string, tail string, follow bool) (io.ReadCloser, error) {
	inspect, err := s.cli.ContainerInspect(ctx, idOrName)
	if err != nil {
		return nil, wrapErr("inspect for logs", err)
	}
	if follow && inspect.State != nil && !inspect.State.Running {
		return nil, fmt.Errorf("follow logs of %s: container not running: %w", idOrName, errdefs.ErrConflict)
	}
	isTTY := inspect.Config != nil && inspect.Config.Tty

	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Tail:       tail,
	}
	stream, err := s.cli.ContainerLogs(ctx, idOrName, opts)
	if err != nil {
		return nil, wrapErr("container logs", err)
	}

	if isTTY {
		// TTY containers: raw stream, no multiplexing
		return stream, nil
	}

	// Non-TTY containers are stdcopy-framed; demux both streams into a pipe.
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, stream)
		stream.Close()
		pw.CloseWithError(err)
	}()
	return pr, nil
}

func (s *SDKClient) ImageList(ctx context.Context) ([]ImageSummary, error) {
	imgs, err := s.cli.ImageList(ctx, image.ListOptions{All: false})
	if err != nil {
		return nil, wrapErr("image list", err)
	}

	result := make([]ImageSummary, 0, len(imgs))
	for _, img := range imgs {
		tags := make([]string, 0, len(img.RepoTags))
		for _, t := range img.RepoTags {
			if t != "<none>:<none>" {
				tags = append(tags, t)
			}
		}
		result = append(result, ImageSummary{
			ID:       img.ID,
			RepoTags: tags,
			Size:     formatBytes(uint64(img.Size)),
			Created:  time.Unix(img.Created, 0).UTC().Format(time.RFC3339),
			Dangling: len(tags) == 0,
		})
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *SDKClient) ImageInspect(ctx context.Context, imageRef string) (*ImageDetail, error) {
	resp, _, err := s.cli.ImageInspectWithRaw(ctx, imageRef)
	if err != nil {
		return nil, wrapErr("image inspect", err)
	}

	history, err := s.cli.ImageHistory(ctx, imageRef)
	if err != nil {
		return nil, wrapErr("image history", err)
	}

	layers := make([]ImageLayer, 0, len(history))
	for _, h := range history {
		id := "<missing>"
		if h.ID != "<missing>" && h.ID != "" {
			id = h.ID
			if len(id) > 12 {
				id = id[:12]
			}
		}
		layers = append(layers, ImageLayer{
			ID:      id,
			Created: time.Unix(h.Created, 0).UTC().Format(time.RFC3339),
			Size:    formatBytes(uint64(h.Size)),
			Command: h.CreatedBy,
		})
	}

	tags := make([]string, 0, len(resp.RepoTags))
	for _, t := range resp.RepoTags {
		if t != "<none>:<none>" {
			tags = append(tags, t)
		}
	}

	workingDir := ""
	if resp.Config != nil {
		workingDir = resp.Config.WorkingDir
	}

	return &ImageDetail{
		ID:           resp.ID,
		RepoTags:     tags,
		RepoDigests:  resp.RepoDigests,
		Size:         formatBytes(uint64(resp.Size)),
		Created:      resp.Created,
		Architecture: resp.Architecture,
		OS:           resp.Os,
		WorkingDir:   workingDir,
		Layers:       layers,
	}, nil
}

func (s *SDKClient) ImageDigests(ctx context.Context, imageRef string) ([]string, error) {
	resp, _, err := s.cli.ImageInspectWithRaw(ctx, imageRef)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, wrapErr("image digests", err)
	}
	return resp.RepoDigests, nil
}

func (s *SDKClient) ImagePrune(ctx context.Context, all bool) (string, error) {
	pruneFilters := filters.NewArgs()
	if !all {
		pruneFilters.Add("dangling", "true")
	}
	report, err := s.cli.ImagesPrune(ctx, pruneFilters)
	if err != nil {
		return "", wrapErr("image prune", err)
	}
	return "Total reclaimed space: " + formatBytes(report.SpaceReclaimed), nil
}

func (s *SDKClient) RegistryDescriptor(ctx context.Context, imageRef string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := s.cli.DistributionInspect(ctx, imageRef, "")
	if err != nil {
		// Registry unavailable or auth required — advise retry.
		return "", fmt.Errorf("registry descriptor %s: %w: %v", imageRef, errdefs.ErrTransient, err)
	}
	return string(resp.Descriptor.Digest), nil
}

func (s *SDKClient) NetworkList(ctx context.Context) ([]NetworkSummary, error) {
	networks, err := s.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return nil, wrapErr("network list", err)
	}

	result := make([]NetworkSummary, 0, len(networks))
	for _, n := range networks {
		result = append(result, NetworkSummary{
			Name:       n.Name,
			ID:         n.ID,
			Driver:     n.Driver,
			Scope:      n.Scope,
			Internal:   n.Internal,
			Attachable: n.Attachable,
			Ingress:    n.Ingress,
			Project:    n.Labels[LabelProject],
			InUse:      len(n.Containers),
			Labels:     n.Labels,
		})
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *SDKClient) NetworkInspect(ctx context.Context, idOrName string) (*NetworkDetail, error) {
	raw, err := s.cli.NetworkInspect(ctx, idOrName, network.InspectOptions{})
	if err != nil {
		return nil, wrapErr("network inspect", err)
	}

	ipam := make([]NetworkIPAM, 0, len(raw.IPAM.Config))
	for _, cfg := range raw.IPAM.Config {
		ipam = append(ipam, NetworkIPAM{Subnet: cfg.Subnet, Gateway: cfg.Gateway})
	}

	containers := make([]NetworkContainerDetail, 0, len(raw.Containers))
	for id, ep := range raw.Containers {
		containers = append(containers, NetworkContainerDetail{
			Name:        ep.Name,
			ContainerID: id,
			IPv4:        ep.IPv4Address,
			IPv6:        ep.IPv6Address,
			MAC:         ep.MacAddress,
		})
	}
	sort.Slice(containers, func(i, j int) bool { return containers[i].Name < containers[j].Name })

	return &NetworkDetail{
		Name:       raw.Name,
		ID:         raw.ID,
		Driver:     raw.Driver,
		Scope:      raw.Scope,
		Internal:   raw.Internal,
		Attachable: raw.Attachable,
		Ingress:    raw.Ingress,
		IPv6:       raw.EnableIPv6,
		Created:    raw.Created.UTC().Format(time.RFC3339),
		Project:    raw.Labels[LabelProject],
		IPAM:       ipam,
		Containers: containers,
	}, nil
}

func (s *SDKClient) VolumeList(ctx context.Context) ([]VolumeSummary, error) {
	volResp, err := s.cli.VolumeList(ctx, volume.ListOptions{})
	if err != nil {
		return nil, wrapErr("volume list", err)
	}

	result := make([]VolumeSummary, 0, len(volResp.Volumes))
	for _, v := range volResp.Volumes {
		inUse := 0
		if v.UsageData != nil {
			inUse = int(v.UsageData.RefCount)
		}
		result = append(result, VolumeSummary{
			Name:       v.Name,
			Driver:     v.Driver,
			Mountpoint: v.Mountpoint,
			Project:    v.Labels[LabelProject],
			InUse:      inUse,
			Labels:     v.Labels,
		})
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *SDKClient) VolumeInspect(ctx context.Context, name string) (*VolumeDetail, error) {
	raw, err := s.cli.VolumeInspect(ctx, name)
	if err != nil {
		return nil, wrapErr("volume inspect", err)
	}
	return &VolumeDetail{
		Name:       raw.Name,
		Driver:     raw.Driver,
		Mountpoint: raw.Mountpoint,
		Scope:      raw.Scope,
		Created:    raw.CreatedAt,
		Project:    raw.Labels[LabelProject],
	}, nil
}

func (s *SDKClient) Events(ctx context.Context) (<-chan Event, <-chan error) {
	out := make(chan Event, 64)
	outErr := make(chan error, 1)

	opts := events.ListOptions{
		Filters: filters.NewArgs(
			filters.Arg("type", string(events.ContainerEventType)),
			filters.Arg("type", string(events.NetworkEventType)),
			filters.Arg("type", string(events.ImageEventType)),
			filters.Arg("type", string(events.VolumeEventType)),
		),
	}
	msgCh, errCh := s.cli.Events(ctx, opts)

	go func() {
		defer close(out)
		defer close(outErr)

		for {
			select {
			case msg, ok := <-msgCh:
				if !ok {
					return
				}

				action := string(msg.Action)
				if msg.Type == events.ContainerEventType {
					switch msg.Action {
					case events.ActionStart, events.ActionStop, events.ActionDie,
						events.ActionPause, events.ActionUnPause,
						events.ActionDestroy, events.ActionCreate:
						// keep
					default:
						if !strings.HasPrefix(action, "health_status") {
							continue
						}
					}
				}

				evt := Event{Type: string(msg.Type), Action: action}
				if msg.Type == events.ContainerEventType {
					evt.ContainerID = msg.Actor.ID
					evt.Project = msg.Actor.Attributes[LabelProject]
					evt.Service = msg.Actor.Attributes[LabelService]
				}

				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}

			case err, ok := <-errCh:
				if !ok {
					return
				}
				select {
				case outErr <- fmt.Errorf("events: %w: %v", errdefs.ErrUnreachableEngine, err):
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	return out, outErr
}

func (s *SDKClient) Close() error {
	return s.cli.Close()
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return strconv.FormatUint(b, 10) + "B"
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return strconv.FormatFloat(float64(b)/float64(div), 'f', 1, 64) + string("KMGTPE"[exp]) + "iB"
}

// Ensure SDKClient implements Client at compile time.
var _ Client = (*SDKClient)(nil)
