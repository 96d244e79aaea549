package fakeengine

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// --- images ---

type imageJSON struct {
	ID          string   `json:"Id"`
	ParentID    string   `json:"ParentId"`
	RepoTags    []string `json:"RepoTags"`
	RepoDigests []string `json:"RepoDigests"`
	Created     int64    `json:"Created"`
	Size        int64    `json:"Size"`
	Containers  int64    `json:"Containers"`
}

func (e *Engine) handleImageList(w http.ResponseWriter, r *http.Request) {
	e.mu.RLock()
	fx := e.fixtures
	e.mu.RUnlock()

	containers := e.buildContainerList(true, "")
	countByImageID := make(map[string]int)
	for _, c := range containers {
		countByImageID[c.ImageID]++
	}

	refs := fx.SortedImages()
	result := make([]imageJSON, 0, len(refs)+len(fx.danglingImages))
	for _, ref := range refs {
		meta := fx.images[ref]
		id := syntheticDigest(ref)
		created, _ := time.Parse(time.RFC3339, meta.created)

		result = append(result, imageJSON{
			ID:          id,
			RepoTags:    []string{ref},
			RepoDigests: []string{repoOf(ref) + "@" + syntheticDigest("digest:"+ref)},
			Created:     created.Unix(),
			Size:        parseSizeToBytes(meta.size),
			Containers:  int64(countByImageID[id]),
		})
	}

	for _, d := range fx.danglingImages {
		created, _ := time.Parse(time.RFC3339, d.created)
		result = append(result, imageJSON{
			ID:       d.id,
			RepoTags: []string{},
			Created:  created.Unix(),
			Size:     parseSizeToBytes(d.size),
		})
	}

	writeJSON(w, http.StatusOK, result)
}

// handleImageRoute splits GET /images/{name}/json and /history where
// name may contain slashes.
func (e *Engine) handleImageRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/images/")
	switch {
	case strings.HasSuffix(path, "/json"):
		r.SetPathValue("name", strings.TrimSuffix(path, "/json"))
		e.handleImageInspect(w, r)
	case strings.HasSuffix(path, "/history"):
		r.SetPathValue("name", strings.TrimSuffix(path, "/history"))
		e.handleImageHistory(w, r)
	default:
		http.NotFound(w, r)
	}
}

type imageInspectJSON struct {
	ID           string           `json:"Id"`
	RepoTags     []string         `json:"RepoTags"`
	RepoDigests  []string         `json:"RepoDigests"`
	Created      string           `json:"Created"`
	Size         int64            `json:"Size"`
	Architecture string           `json:"Architecture"`
	Os           string           `json:"Os"`
	Config       *imageConfigJSON `json:"Config,omitempty"`
}

type imageConfigJSON struct {
	WorkingDir string `json:"WorkingDir"`
}

func (e *Engine) handleImageInspect(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	e.mu.RLock()
	fx := e.fixtures
	e.mu.RUnlock()

	meta, hasMeta := fx.images[name]
	created := defaultBaseTime.Format(time.RFC3339)
	var size int64
	if hasMeta {
		created = meta.created
		size = parseSizeToBytes(meta.size)
	}

	writeJSON(w, http.StatusOK, imageInspectJSON{
		ID:           syntheticDigest(name),
		RepoTags:     []string{name},
		RepoDigests:  []string{repoOf(name) + "@" + syntheticDigest("digest:"+name)},
		Created:      created,
		Size:         size,
		Architecture: "amd64",
		Os:           "linux",
		Config:       &imageConfigJSON{WorkingDir: "/"},
	})
}

type imageHistoryJSON struct {
	ID        string `json:"Id"`
	Created   int64  `json:"Created"`
	Size      int64  `json:"Size"`
	CreatedBy string `json:"CreatedBy"`
}

func (e *Engine) handleImageHistory(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	h := fnvHash(name)
	created := defaultBaseTime.Unix()

	layers := []imageHistoryJSON{
		{ID: syntheticDigest(name)[:19], Created: created, Size: 0, CreatedBy: `CMD ["/docker-entrypoint.sh"]`},
	}
	for i := uint64(0); i < 2+h%3; i++ {
		layers = append(layers, imageHistoryJSON{
			ID:        "<missing>",
			Created:   created,
			Size:      int64(1024*1024*(5+h%200) + i*1024),
			CreatedBy: "RUN /bin/sh -c set -x && install dependencies # buildkit",
		})
	}

	writeJSON(w, http.StatusOK, layers)
}

func (e *Engine) handleImagePrune(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ImagesDeleted":  []any{},
		"SpaceReclaimed": 0,
	})
}

// --- distribution ---

// handleDistributionRoute routes GET /distribution/{name}/json where
// name may contain slashes.
func (e *Engine) handleDistributionRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/distribution/")
	if !strings.HasSuffix(path, "/json") {
		http.NotFound(w, r)
		return
	}
	name := strings.TrimSuffix(path, "/json")

	e.mu.RLock()
	fx := e.fixtures
	e.mu.RUnlock()

	// Digest seeds use the unnormalised reference so the remote digest
	// matches the local RepoDigests entry unless an update is flagged.
	ref := stripDefaultPrefix(name)
	seed := "digest:" + ref
	if fx.HasUpdate(name) || fx.HasUpdate(ref) {
		seed = "digest:" + ref + ":remote-newer"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"Descriptor": map[string]any{
			"mediaType": "application/vnd.docker.distribution.manifest.v2+json",
			"digest":    syntheticDigest(seed),
			"size":      1234,
		},
	})
}

// stripDefaultPrefix undoes reference normalisation so fixture keys
// written as "nginx:1.25" match probes for
// "docker.io/library/nginx:1.25".
func stripDefaultPrefix(ref string) string {
	ref = strings.TrimPrefix(ref, "docker.io/library/")
	ref = strings.TrimPrefix(ref, "docker.io/")
	return ref
}

func repoOf(ref string) string {
	if idx := strings.Index(ref, "@"); idx >= 0 {
		return ref[:idx]
	}
	if idx := strings.LastIndex(ref, ":"); idx >= 0 {
		return ref[:idx]
	}
	return ref
}

// parseSizeToBytes converts "245.3MiB"-style strings to bytes.
func parseSizeToBytes(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "0B" {
		return 0
	}

	multiplier := 1.0
	numStr := s
	switch {
	case strings.HasSuffix(s, "GiB"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "GiB")
	case strings.HasSuffix(s, "MiB"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "MiB")
	case strings.HasSuffix(s, "KiB"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "KiB")
	case strings.HasSuffix(s, "B"):
		numStr = strings.TrimSuffix(s, "B")
	}

	var val float64
	fmt.Sscanf(numStr, "%f", &val)
	return int64(val * multiplier)
}

// --- networks ---

type networkJSON struct {
	Name       string                          `json:"Name"`
	ID         string                          `json:"Id"`
	Created    string                          `json:"Created"`
	Scope      string                          `json:"Scope"`
	Driver     string                          `json:"Driver"`
	EnableIPv6 bool                            `json:"EnableIPv6"`
	Internal   bool                            `json:"Internal"`
	Attachable bool                            `json:"Attachable"`
	Ingress    bool                            `json:"Ingress"`
	IPAM       networkIPAMJSON                 `json:"IPAM"`
	Labels     map[string]string               `json:"Labels"`
	Containers map[string]networkContainerJSON `json:"Containers"`
}

type networkIPAMJSON struct {
	Driver string           `json:"Driver"`
	Config []ipamConfigJSON `json:"Config"`
}

type ipamConfigJSON struct {
	Subnet  string `json:"Subnet"`
	Gateway string `json:"Gateway"`
}

type networkContainerJSON struct {
	Name        string `json:"Name"`
	EndpointID  string `json:"EndpointID"`
	MacAddress  string `json:"MacAddress"`
	IPv4Address string `json:"IPv4Address"`
	IPv6Address string `json:"IPv6Address"`
}

func (e *Engine) networkJSONFor(name string, includeContainers bool) networkJSON {
	e.mu.RLock()
	fx := e.fixtures
	meta := fx.networks[name]
	e.mu.RUnlock()

	var ipam []ipamConfigJSON
	if meta.driver == "bridge" {
		subnet := meta.subnet
		if subnet == "" {
			subnet = fmt.Sprintf("172.%d.0.0/16", 17+int(fnvHash(name)%200))
		}
		gateway := strings.TrimSuffix(subnet, "0.0/16") + "0.1"
		ipam = []ipamConfigJSON{{Subnet: subnet, Gateway: gateway}}
	}

	labels := map[string]string{}
	if project, _, ok := strings.Cut(name, "_"); ok && project != "" && name != "bridge" {
		if len(fx.Services(project)) > 0 {
			labels["com.docker.compose.project"] = project
		}
	}

	netContainers := map[string]networkContainerJSON{}
	if includeContainers {
		for _, c := range e.buildContainerList(true, "") {
			if c.NetworkSettings == nil {
				continue
			}
			if ep, ok := c.NetworkSettings.Networks[name]; ok {
				cname := strings.TrimPrefix(c.Names[0], "/")
				netContainers[c.ID] = networkContainerJSON{
					Name:        cname,
					MacAddress:  ep.MacAddress,
					IPv4Address: ep.IPAddress + "/16",
				}
			}
		}
	}

	return networkJSON{
		Name:       name,
		ID:         e.networkID(name),
		Created:    "2026-01-01T00:00:00Z",
		Scope:      defaultString(meta.scope, "local"),
		Driver:     defaultString(meta.driver, "bridge"),
		IPAM:       networkIPAMJSON{Driver: "default", Config: ipam},
		Labels:     labels,
		Containers: netContainers,
	}
}

func (e *Engine) handleNetworkList(w http.ResponseWriter, r *http.Request) {
	e.mu.RLock()
	names := e.fixtures.SortedNetworks()
	e.mu.RUnlock()

	result := make([]networkJSON, 0, len(names))
	for _, name := range names {
		result = append(result, e.networkJSONFor(name, true))
	}
	writeJSON(w, http.StatusOK, result)
}

func (e *Engine) handleNetworkInspect(w http.ResponseWriter, r *http.Request) {
	nameOrID := r.PathValue("id")

	e.mu.RLock()
	names := e.fixtures.SortedNetworks()
	e.mu.RUnlock()

	for _, name := range names {
		if name == nameOrID || e.networkID(name) == nameOrID {
			writeJSON(w, http.StatusOK, e.networkJSONFor(name, true))
			return
		}
	}
	http.Error(w, fmt.Sprintf(`{"message":"network %s not found"}`, nameOrID), http.StatusNotFound)
}

// --- volumes ---

type volumeJSON struct {
	Name       string            `json:"Name"`
	Driver     string            `json:"Driver"`
	Mountpoint string            `json:"Mountpoint"`
	Scope      string            `json:"Scope"`
	CreatedAt  string            `json:"CreatedAt"`
	Labels     map[string]string `json:"Labels"`
}

func (e *Engine) volumeJSONFor(name, project string) volumeJSON {
	labels := map[string]string{}
	if project != "" {
		labels["com.docker.compose.project"] = project
	}
	return volumeJSON{
		Name:       name,
		Driver:     "local",
		Mountpoint: "/var/lib/docker/volumes/" + name + "/_data",
		Scope:      "local",
		CreatedAt:  "2026-01-01T00:00:00Z",
		Labels:     labels,
	}
}

func (e *Engine) handleVolumeList(w http.ResponseWriter, r *http.Request) {
	e.mu.RLock()
	fx := e.fixtures
	names := fx.SortedVolumes()
	e.mu.RUnlock()

	volumes := make([]volumeJSON, 0, len(names))
	for _, name := range names {
		volumes = append(volumes, e.volumeJSONFor(name, fx.volumes[name]))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"Volumes":  volumes,
		"Warnings": []string{},
	})
}

func (e *Engine) handleVolumeInspect(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	e.mu.RLock()
	project, ok := e.fixtures.volumes[name]
	e.mu.RUnlock()
	if !ok {
		http.Error(w, fmt.Sprintf(`{"message":"volume %s not found"}`, name), http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, e.volumeJSONFor(name, project))
}
