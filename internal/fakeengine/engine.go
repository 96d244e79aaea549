package fakeengine

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/deckhand/deckhand/internal/docker"
)

const apiVersion = "1.47"

// Engine is the fake Docker daemon: fixtures plus runtime state served
// over the Engine HTTP API on a Unix socket, with an admin extension
// under /_mock for tests to drive state transitions.
type Engine struct {
	stacksDir string

	mu       sync.RWMutex
	fixtures *Fixtures
	state    *State

	listener net.Listener
	server   *http.Server

	eventsMu  sync.Mutex
	eventSubs map[int]chan eventMessage
	nextSubID int
}

// eventMessage mirrors the daemon's /events JSON framing: one object
// per line.
type eventMessage struct {
	Status   string     `json:"status"`
	ID       string     `json:"id"`
	Type     string     `json:"Type"`
	Action   string     `json:"Action"`
	Actor    eventActor `json:"Actor"`
	Time     int64      `json:"time"`
	TimeNano int64      `json:"timeNano"`
}

type eventActor struct {
	ID         string            `json:"ID"`
	Attributes map[string]string `json:"Attributes"`
}

// Start creates the engine on a fresh Unix socket in a temp directory.
// Returns the socket path (for DOCKER_HOST) and a cleanup func.
func Start(stacksDir string) (socketPath string, cleanup func(), err error) {
	tmpDir, err := os.MkdirTemp("", "deckhand-engine-*")
	if err != nil {
		return "", nil, fmt.Errorf("create temp dir: %w", err)
	}

	sockPath := filepath.Join(tmpDir, "docker.sock")
	cleanupFn, err := StartOnSocket(stacksDir, sockPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		return "", nil, err
	}

	return sockPath, func() {
		cleanupFn()
		os.RemoveAll(tmpDir)
	}, nil
}

// StartOnSocket creates the engine bound to a specific socket path.
func StartOnSocket(stacksDir, sockPath string) (cleanup func(), err error) {
	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix: %w", err)
	}

	e := &Engine{
		stacksDir: stacksDir,
		fixtures:  LoadFixtures(stacksDir),
		state:     NewState(),
		listener:  listener,
		eventSubs: make(map[int]chan eventMessage),
	}

	mux := http.NewServeMux()
	e.registerRoutes(mux)
	e.server = &http.Server{Handler: stripVersionPrefix(mux)}

	go func() {
		if err := e.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("fake engine serve", "err", err)
		}
	}()

	return func() {
		e.server.Close()
		listener.Close()
	}, nil
}

// stripVersionPrefix removes the /v1.XX prefix the SDK sends.
func stripVersionPrefix(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if len(path) > 2 && path[0] == '/' && path[1] == 'v' {
			if idx := strings.IndexByte(path[2:], '/'); idx >= 0 {
				r.URL.Path = path[2+idx:]
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (e *Engine) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("HEAD /_ping", e.handlePing)
	mux.HandleFunc("GET /_ping", e.handlePing)

	mux.HandleFunc("GET /containers/json", e.handleContainerList)
	mux.HandleFunc("GET /containers/{id}/json", e.handleContainerInspect)
	mux.HandleFunc("GET /containers/{id}/stats", e.handleContainerStats)
	mux.HandleFunc("GET /containers/{id}/top", e.handleContainerTop)
	mux.HandleFunc("GET /containers/{id}/logs", e.handleContainerLogs)

	// Image names may contain slashes ("ghcr.io/acme/widget"), so the
	// inspect/history routes match by prefix and split the suffix off
	// themselves.
	mux.HandleFunc("GET /images/json", e.handleImageList)
	mux.HandleFunc("POST /images/prune", e.handleImagePrune)
	mux.HandleFunc("GET /images/", e.handleImageRoute)
	mux.HandleFunc("GET /distribution/", e.handleDistributionRoute)

	mux.HandleFunc("GET /networks", e.handleNetworkList)
	mux.HandleFunc("GET /networks/{id}", e.handleNetworkInspect)
	mux.HandleFunc("GET /volumes", e.handleVolumeList)
	mux.HandleFunc("GET /volumes/{name}", e.handleVolumeInspect)

	mux.HandleFunc("GET /events", e.handleEvents)

	// Admin extension.
	mux.HandleFunc("POST /_mock/state/{stack}/{service}", e.handleMockServiceState)
	mux.HandleFunc("POST /_mock/state/{stack}", e.handleMockStackState)
	mux.HandleFunc("DELETE /_mock/state/{stack}", e.handleMockStackDelete)
	mux.HandleFunc("POST /_mock/reset", e.handleMockReset)
	mux.HandleFunc("GET /_mock/logs/{stack}/{service}", e.handleMockLogs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (e *Engine) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Api-Version", apiVersion)
	w.Header().Set("Ostype", "linux")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// --- container state resolution ---

// containerState resolves a service container's effective state, or ""
// when the container doesn't exist (stack removed or inactive).
func (e *Engine) containerState(fx *Fixtures, stack, svc string) string {
	if e.state.Stack(stack) == "removed" {
		return ""
	}
	if s := e.state.Service(stack, svc); s != "" {
		return s
	}
	if s := fx.serviceStates[stack+"/"+svc]; s != "" {
		return s
	}

	status := e.state.Stack(stack)
	if status == "" {
		status = fx.stackStatuses[stack]
	}
	switch status {
	case "", "running":
		return "running"
	case "exited", "stopped":
		return "exited"
	case "paused":
		return "paused"
	case "created", "created_stack":
		return "created"
	case "inactive":
		return ""
	default:
		return "running"
	}
}

func containerID(stack, svc string) string {
	return "fake-" + stack + "-" + svc + "-1"
}

func containerName(stack, svc string) string {
	return stack + "-" + svc + "-1"
}

func buildStatusString(state, health string) string {
	switch state {
	case "running":
		base := "Up 2 hours"
		switch health {
		case "unhealthy":
			base += " (unhealthy)"
		case "healthy":
			base += " (healthy)"
		case "starting":
			base += " (health: starting)"
		}
		return base
	case "paused":
		return "Up 2 hours (Paused)"
	case "exited":
		return "Exited (0) 2 hours ago"
	default:
		return "Created"
	}
}

// --- containers ---

type containerJSON struct {
	ID              string               `json:"Id"`
	Names           []string             `json:"Names"`
	Image           string               `json:"Image"`
	ImageID         string               `json:"ImageID"`
	Command         string               `json:"Command"`
	Created         int64                `json:"Created"`
	State           string               `json:"State"`
	Status          string               `json:"Status"`
	Labels          map[string]string    `json:"Labels"`
	Ports           []portJSON           `json:"Ports"`
	Mounts          []mountJSON          `json:"Mounts"`
	NetworkSettings *networkSettingsJSON `json:"NetworkSettings"`
}

type portJSON struct {
	PrivatePort uint16 `json:"PrivatePort"`
	PublicPort  uint16 `json:"PublicPort,omitempty"`
	Type        string `json:"Type"`
}

type mountJSON struct {
	Type        string `json:"Type"`
	Name        string `json:"Name,omitempty"`
	Source      string `json:"Source"`
	Destination string `json:"Destination"`
	Mode        string `json:"Mode"`
	RW          bool   `json:"RW"`
}

type networkSettingsJSON struct {
	Networks map[string]endpointJSON `json:"Networks"`
}

type endpointJSON struct {
	IPAddress   string `json:"IPAddress"`
	IPPrefixLen int    `json:"IPPrefixLen"`
	Gateway     string `json:"Gateway"`
	MacAddress  string `json:"MacAddress"`
	NetworkID   string `json:"NetworkID"`
}

func (e *Engine) handleContainerList(w http.ResponseWriter, r *http.Request) {
	allParam := r.URL.Query().Get("all")
	all := allParam == "1" || allParam == "true"
	projectFilter := docker.ExtractProjectFromFilters(r.URL.Query().Get("filters"))

	writeJSON(w, http.StatusOK, e.buildContainerList(all, projectFilter))
}

func (e *Engine) buildContainerList(all bool, projectFilter string) []containerJSON {
	e.mu.RLock()
	fx := e.fixtures
	e.mu.RUnlock()

	result := []containerJSON{}
	for _, stack := range fx.Stacks() {
		if projectFilter != "" && stack != projectFilter {
			continue
		}
		for _, svc := range fx.Services(stack) {
			state := e.containerState(fx, stack, svc)
			if state == "" {
				continue
			}
			if !all && state != "running" && state != "paused" {
				continue
			}

			key := stack + "/" + svc
			image := fx.RunningImage(stack, svc)
			health := fx.serviceHealth[key]
			id := containerID(stack, svc)

			result = append(result, containerJSON{
				ID:      id,
				Names:   []string{"/" + containerName(stack, svc)},
				Image:   image,
				ImageID: syntheticDigest(image),
				Command: "/docker-entrypoint.sh",
				Created: defaultBaseTime.Unix(),
				State:   state,
				Status:  buildStatusString(state, health),
				Labels: map[string]string{
					docker.LabelProject: stack,
					docker.LabelService: svc,
				},
				Ports:           e.buildPorts(fx, key),
				Mounts:          e.buildMounts(fx, stack, key),
				NetworkSettings: &networkSettingsJSON{Networks: e.buildEndpoints(fx, key)},
			})
		}
	}

	if projectFilter == "" {
		for _, s := range fx.standalones {
			if !all && s.state != "running" {
				continue
			}
			result = append(result, containerJSON{
				ID:      "fake-standalone-" + s.name,
				Names:   []string{"/" + s.name},
				Image:   s.image,
				ImageID: syntheticDigest(s.image),
				Command: "/entrypoint.sh",
				Created: defaultBaseTime.Unix(),
				State:   s.state,
				Status:  buildStatusString(s.state, ""),
				Labels:  map[string]string{},
				Mounts:  []mountJSON{},
				NetworkSettings: &networkSettingsJSON{Networks: map[string]endpointJSON{
					"bridge": e.bridgeEndpoint(s.name),
				}},
			})
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (e *Engine) buildPorts(fx *Fixtures, key string) []portJSON {
	var out []portJSON
	for _, p := range fx.servicePorts[key] {
		proto := "tcp"
		if idx := strings.LastIndex(p, "/"); idx >= 0 {
			proto = p[idx+1:]
			p = p[:idx]
		}
		parts := strings.Split(p, ":")
		var host, cont string
		switch len(parts) {
		case 1:
			cont = parts[0]
		case 2:
			host, cont = parts[0], parts[1]
		case 3:
			host, cont = parts[1], parts[2]
		}
		out = append(out, portJSON{
			PrivatePort: atoiPort(cont),
			PublicPort:  atoiPort(host),
			Type:        proto,
		})
	}
	return out
}

func atoiPort(s string) uint16 {
	var n int
	fmt.Sscanf(s, "%d", &n)
	return uint16(n)
}

func (e *Engine) buildMounts(fx *Fixtures, stack, key string) []mountJSON {
	out := []mountJSON{}
	for _, v := range fx.serviceVolumes[key] {
		src, dst, ok := strings.Cut(v, ":")
		if !ok {
			dst = src
			src = ""
		}
		readOnly := false
		if strings.HasSuffix(dst, ":ro") {
			dst = strings.TrimSuffix(dst, ":ro")
			readOnly = true
		}
		mode := "rw"
		if readOnly {
			mode = "ro"
		}
		if src != "" && !strings.HasPrefix(src, "/") && !strings.HasPrefix(src, ".") {
			name := stack + "_" + src
			out = append(out, mountJSON{
				Type:        "volume",
				Name:        name,
				Source:      "/var/lib/docker/volumes/" + name + "/_data",
				Destination: dst,
				Mode:        mode,
				RW:          !readOnly,
			})
		} else {
			out = append(out, mountJSON{
				Type:        "bind",
				Source:      src,
				Destination: dst,
				Mode:        mode,
				RW:          !readOnly,
			})
		}
	}
	return out
}

func (e *Engine) buildEndpoints(fx *Fixtures, key string) map[string]endpointJSON {
	nets := fx.serviceNetworks[key]
	if len(nets) == 0 {
		return map[string]endpointJSON{"bridge": e.bridgeEndpoint(key)}
	}

	out := make(map[string]endpointJSON, len(nets))
	for i, netName := range nets {
		subnet := 17 + i
		hostByte := 2 + int(fnvHash(key)%200)
		out[netName] = endpointJSON{
			IPAddress:   fmt.Sprintf("172.%d.0.%d", subnet, hostByte),
			IPPrefixLen: 16,
			Gateway:     fmt.Sprintf("172.%d.0.1", subnet),
			MacAddress:  fmt.Sprintf("02:42:ac:%02x:00:%02x", subnet, hostByte),
			NetworkID:   e.networkID(netName),
		}
	}
	return out
}

func (e *Engine) bridgeEndpoint(seed string) endpointJSON {
	hostByte := 2 + int(fnvHash(seed)%200)
	return endpointJSON{
		IPAddress:   fmt.Sprintf("172.17.0.%d", hostByte),
		IPPrefixLen: 16,
		Gateway:     "172.17.0.1",
		MacAddress:  fmt.Sprintf("02:42:ac:11:00:%02x", hostByte),
		NetworkID:   e.networkID("bridge"),
	}
}

func (e *Engine) networkID(name string) string {
	e.mu.RLock()
	meta := e.fixtures.networks[name]
	e.mu.RUnlock()
	if meta.id != "" {
		return meta.id
	}
	return strings.TrimPrefix(syntheticDigest("net:"+name), "sha256:")
}

// resolveContainer maps an id or name from the URL path to its
// (stack, service) or standalone entry.
func (e *Engine) resolveContainer(fx *Fixtures, idOrName string) (stack, svc string, standalone *standaloneContainer, ok bool) {
	trimmed := strings.TrimPrefix(idOrName, "fake-")
	for _, stackName := range fx.Stacks() {
		for _, svcName := range fx.Services(stackName) {
			if idOrName == containerID(stackName, svcName) ||
				idOrName == containerName(stackName, svcName) ||
				trimmed == containerName(stackName, svcName) {
				return stackName, svcName, nil, true
			}
		}
	}
	for i := range fx.standalones {
		s := &fx.standalones[i]
		if idOrName == "fake-standalone-"+s.name || idOrName == s.name {
			return "", "", s, true
		}
	}
	return "", "", nil, false
}

// --- container inspect ---

type containerInspectJSON struct {
	ID              string                      `json:"Id"`
	Created         string                      `json:"Created"`
	Name            string                      `json:"Name"`
	Path            string                      `json:"Path"`
	Args            []string                    `json:"Args"`
	State           *containerStateJSON         `json:"State"`
	RestartCount    int                         `json:"RestartCount"`
	Image           string                      `json:"Image"`
	Config          *containerConfigJSON        `json:"Config"`
	HostConfig      *hostConfigJSON             `json:"HostConfig"`
	Mounts          []mountJSON                 `json:"Mounts"`
	NetworkSettings *inspectNetworkSettingsJSON `json:"NetworkSettings"`
}

type containerStateJSON struct {
	Status     string `json:"Status"`
	Running    bool   `json:"Running"`
	Paused     bool   `json:"Paused"`
	Restarting bool   `json:"Restarting"`
	OOMKilled  bool   `json:"OOMKilled"`
	Dead       bool   `json:"Dead"`
	Pid        int    `json:"Pid"`
	ExitCode   int    `json:"ExitCode"`
	StartedAt  string `json:"StartedAt"`
	FinishedAt string `json:"FinishedAt"`
}

type containerConfigJSON struct {
	Hostname   string   `json:"Hostname"`
	Image      string   `json:"Image"`
	Cmd        []string `json:"Cmd"`
	WorkingDir string   `json:"WorkingDir"`
	Env        []string `json:"Env"`
	Tty        bool     `json:"Tty"`
}

type hostConfigJSON struct {
	RestartPolicy restartPolicyJSON `json:"RestartPolicy"`
}

type restartPolicyJSON struct {
	Name              string `json:"Name"`
	MaximumRetryCount int    `json:"MaximumRetryCount"`
}

type inspectNetworkSettingsJSON struct {
	Networks map[string]endpointJSON `json:"Networks"`
}

func (e *Engine) handleContainerInspect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	e.mu.RLock()
	fx := e.fixtures
	e.mu.RUnlock()

	stack, svc, standalone, ok := e.resolveContainer(fx, id)
	if !ok {
		http.Error(w, fmt.Sprintf(`{"message":"No such container: %s"}`, id), http.StatusNotFound)
		return
	}

	var image, state, name string
	var mounts []mountJSON
	var networks map[string]endpointJSON
	if standalone != nil {
		image = standalone.image
		state = standalone.state
		name = standalone.name
		mounts = []mountJSON{}
		networks = map[string]endpointJSON{"bridge": e.bridgeEndpoint(name)}
	} else {
		key := stack + "/" + svc
		image = fx.RunningImage(stack, svc)
		state = e.containerState(fx, stack, svc)
		name = containerName(stack, svc)
		mounts = e.buildMounts(fx, stack, key)
		networks = e.buildEndpoints(fx, key)
		if state == "" {
			http.Error(w, fmt.Sprintf(`{"message":"No such container: %s"}`, id), http.StatusNotFound)
			return
		}
	}

	running := state == "running" || state == "paused"
	pid := 0
	if running {
		pid = 12345
	}

	writeJSON(w, http.StatusOK, containerInspectJSON{
		ID:      id,
		Created: defaultBaseTime.Format(time.RFC3339Nano),
		Name:    "/" + name,
		Path:    "/docker-entrypoint.sh",
		Args:    []string{},
		State: &containerStateJSON{
			Status:     state,
			Running:    running,
			Paused:     state == "paused",
			Pid:        pid,
			StartedAt:  defaultBaseTime.Format(time.RFC3339Nano),
			FinishedAt: "0001-01-01T00:00:00Z",
		},
		Image: syntheticDigest(image),
		Config: &containerConfigJSON{
			Hostname:   name,
			Image:      image,
			Cmd:        []string{"/docker-entrypoint.sh"},
			WorkingDir: "/",
			Env:        []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"},
			Tty:        false,
		},
		HostConfig: &hostConfigJSON{
			RestartPolicy: restartPolicyJSON{Name: "unless-stopped"},
		},
		Mounts:          mounts,
		NetworkSettings: &inspectNetworkSettingsJSON{Networks: networks},
	})
}

// --- container stats / top ---

func (e *Engine) handleContainerStats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h := fnvHash(id)

	now := time.Now()
	stats := map[string]any{
		"read":    now.Format(time.RFC3339Nano),
		"preread": now.Add(-time.Second).Format(time.RFC3339Nano),
		"cpu_stats": map[string]any{
			"cpu_usage":        map[string]any{"total_usage": 100000000 + h%500000},
			"system_cpu_usage": uint64(83400000000),
			"online_cpus":      4,
		},
		"precpu_stats": map[string]any{
			"cpu_usage":        map[string]any{"total_usage": 100000000},
			"system_cpu_usage": uint64(83300000000),
			"online_cpus":      4,
		},
		"memory_stats": map[string]any{
			"usage": 10*1024*1024 + (h%200)*1024*1024,
			"limit": uint64(2147483648),
			"stats": map[string]uint64{"cache": 0},
		},
		"networks": map[string]any{
			"eth0": map[string]uint64{"rx_bytes": 1000 + h%100000, "tx_bytes": 500 + (h/100)%50000},
		},
		"blkio_stats": map[string]any{
			"io_service_bytes_recursive": []map[string]any{
				{"op": "read", "value": h % 10000000},
				{"op": "write", "value": (h / 10) % 5000000},
			},
		},
		"pids_stats": map[string]uint64{"current": 2 + h%20},
	}
	writeJSON(w, http.StatusOK, stats)
}

func (e *Engine) handleContainerTop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"Titles": []string{"PID", "USER", "COMMAND"},
		"Processes": [][]string{
			{"1", "root", "/docker-entrypoint.sh"},
			{"29", "app", "worker"},
		},
	})
}

// --- container logs ---

// writeStdcopyFrame writes one stdcopy frame: stream byte, three zero
// bytes, big-endian length, payload. Zero-length payloads are legal.
func writeStdcopyFrame(w io.Writer, stream byte, payload []byte) error {
	header := make([]byte, 8)
	header[0] = stream
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func (e *Engine) handleContainerLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	follow := r.URL.Query().Get("follow") == "1" || r.URL.Query().Get("follow") == "true"

	e.mu.RLock()
	fx := e.fixtures
	e.mu.RUnlock()

	stack, svc, standalone, ok := e.resolveContainer(fx, id)
	if !ok {
		http.Error(w, fmt.Sprintf(`{"message":"No such container: %s"}`, id), http.StatusNotFound)
		return
	}

	var logs *ServiceLogs
	var imgBase, state, cid string
	if standalone != nil {
		logs = fx.ServiceLogsFor("", standalone.name)
		imgBase = imageBase(standalone.image)
		state = standalone.state
		cid = "fake-standalone-" + standalone.name
	} else {
		logs = fx.ServiceLogsFor(stack, svc)
		imgBase = imageBase(fx.RunningImage(stack, svc))
		state = e.containerState(fx, stack, svc)
		cid = containerID(stack, svc)
	}

	running := state == "running" || state == "paused"

	// Real daemons refuse to follow a container that is not running.
	if follow && !running {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		fmt.Fprintf(w, `{"message":"container %s is not running"}`, cid)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.docker.raw-stream")
	w.WriteHeader(http.StatusOK)

	for i, line := range logs.Startup {
		expanded := ExpandLogTemplate(line, i, logs.BaseTime, logs.Interval, imgBase)
		writeStdcopyFrame(w, 1, []byte(expanded+"\n"))
	}

	// Already stopped: history ends with the shutdown lines.
	if !running {
		for i, line := range logs.Shutdown {
			expanded := ExpandLogTemplate(line, i, logs.BaseTime, logs.Interval, imgBase)
			writeStdcopyFrame(w, 1, []byte(expanded+"\n"))
		}
		return
	}
	if !follow {
		return
	}
	flush(w)

	subID, eventCh := e.subscribeEvents()
	defer e.unsubscribeEvents(subID)

	interval := logs.Interval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	n := 0
	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-eventCh:
			if evt.ID == cid && evt.Action == "die" {
				for i, line := range logs.Shutdown {
					expanded := ExpandLogTemplate(line, i, logs.BaseTime, logs.Interval, imgBase)
					writeStdcopyFrame(w, 1, []byte(expanded+"\n"))
				}
				flush(w)
				return
			}
		case <-ticker.C:
			if len(logs.Heartbeat) == 0 {
				continue
			}
			line := logs.Heartbeat[n%len(logs.Heartbeat)]
			expanded := ExpandLogTemplate(line, n, logs.BaseTime, interval, imgBase)
			n++
			if err := writeStdcopyFrame(w, 1, []byte(expanded+"\n")); err != nil {
				return
			}
			flush(w)
		}
	}
}

func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
