// Package fakeengine is an in-process Docker Engine lookalike: an HTTP
// server on a Unix socket implementing the API subset the control
// plane consumes, driven from YAML fixtures. Pointing the SDK client
// at its socket substitutes it for a real daemon.
package fakeengine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/deckhand/deckhand/internal/stackindex"
)

// defaultBaseTime anchors log timestamps when fixtures don't override it.
var defaultBaseTime = time.Date(2026, 2, 27, 10, 0, 0, 0, time.UTC)

// logTimeLayout is RFC 3339 with millisecond precision.
const logTimeLayout = "2006-01-02T15:04:05.000Z"

// ServiceLogs is a resolved log definition: startup lines, cyclic
// heartbeat lines on an interval, and shutdown lines.
type ServiceLogs struct {
	BaseTime  time.Time
	Startup   []string
	Heartbeat []string
	Interval  time.Duration
	Shutdown  []string
}

// serviceLogsYAML is the on-disk shape of a log template.
type serviceLogsYAML struct {
	BaseTime  string   `yaml:"base_time"`
	Startup   []string `yaml:"startup"`
	Heartbeat struct {
		Lines    []string `yaml:"lines"`
		Interval string   `yaml:"interval"`
	} `yaml:"heartbeat"`
	Shutdown []string `yaml:"shutdown"`
}

func (s serviceLogsYAML) resolve() *ServiceLogs {
	sl := &ServiceLogs{
		BaseTime:  defaultBaseTime,
		Startup:   s.Startup,
		Heartbeat: s.Heartbeat.Lines,
		Shutdown:  s.Shutdown,
		Interval:  3 * time.Second,
	}
	if s.BaseTime != "" {
		if t, err := time.Parse(time.RFC3339Nano, s.BaseTime); err == nil {
			sl.BaseTime = t
		} else if t, err := time.Parse(logTimeLayout, s.BaseTime); err == nil {
			sl.BaseTime = t
		}
	}
	if s.Heartbeat.Interval != "" {
		if d, err := time.ParseDuration(s.Heartbeat.Interval); err == nil {
			sl.Interval = d
		}
	}
	return sl
}

// ExpandLogTemplate substitutes {{.Timestamp}}, {{.N}} and {{.Image}}
// in a template line. Timestamp = BaseTime + N·Interval at millisecond
// precision. Lines without templates pass through untouched.
func ExpandLogTemplate(s string, n int, baseTime time.Time, interval time.Duration, imageBase string) string {
	if !strings.ContainsRune(s, '{') {
		return s // fast path
	}
	ts := baseTime.Add(time.Duration(n) * interval).UTC().Format(logTimeLayout)
	s = strings.ReplaceAll(s, "{{.Timestamp}}", ts)
	s = strings.ReplaceAll(s, "{{.N}}", strconv.Itoa(n))
	s = strings.ReplaceAll(s, "{{.Image}}", imageBase)
	return s
}

// stackOverrides is a per-stack mock.yaml sidecar.
type stackOverrides struct {
	Status   string                     `yaml:"status"`
	Services map[string]serviceOverride `yaml:"services"`
	Networks map[string]string          `yaml:"networks"` // name → 64-char hex id
}

type serviceOverride struct {
	State           string          `yaml:"state"`
	Health          string          `yaml:"health"`
	RunningImage    string          `yaml:"running_image"`
	UpdateAvailable bool            `yaml:"update_available"`
	Logs            serviceLogsYAML `yaml:"logs"`
}

// rootConfig is the root-level mock.yaml: resources that exist outside
// any managed compose project.
type rootConfig struct {
	Networks map[string]struct {
		Driver string `yaml:"driver"`
		Subnet string `yaml:"subnet"`
		ID     string `yaml:"id"`
	} `yaml:"networks"`
	Containers []struct {
		Name  string `yaml:"name"`
		Image string `yaml:"image"`
		State string `yaml:"state"`
	} `yaml:"containers"`
	Stacks map[string]map[string]struct {
		Image string   `yaml:"image"`
		Ports []string `yaml:"ports"`
		State string   `yaml:"state"`
	} `yaml:"stacks"`
	DanglingImages []struct {
		ID      string `yaml:"id"`
		Size    string `yaml:"size"`
		Created string `yaml:"created"`
	} `yaml:"dangling_images"`
}

// imageMeta describes one known image.
type imageMeta struct {
	size    string
	created string
}

// networkMeta describes one known network.
type networkMeta struct {
	driver string
	scope  string
	subnet string
	id     string
}

type standaloneContainer struct {
	name  string
	image string
	state string
}

type danglingImage struct {
	id      string
	size    string
	created string
}

// Fixtures is everything derived from the stacks directory: compose
// essentials plus mock.yaml/log-templates.yaml overrides. Built once
// at startup and on reset.
type Fixtures struct {
	stacksDir string

	images   map[string]imageMeta
	networks map[string]networkMeta
	volumes  map[string]string // full name → owning project

	serviceImages   map[string]string   // "stack/svc" → compose image
	serviceNetworks map[string][]string // "stack/svc" → full network names
	servicePorts    map[string][]string
	serviceVolumes  map[string][]string // destination paths / names

	stackStatuses map[string]string // stack → initial status
	serviceStates map[string]string // "stack/svc" → state override
	serviceHealth map[string]string
	runningImages map[string]string // "stack/svc" → running image override
	updateFlags   map[string]bool   // image ref → update available

	logTemplates map[string]*ServiceLogs // image base → template
	serviceLogs  map[string]*ServiceLogs // "stack/svc" → resolved logs

	standalones    []standaloneContainer
	externalStacks map[string][]string // stack → services (no compose dir)
	danglingImages []danglingImage
}

// LoadFixtures scans the stacks directory and builds the fixture set.
func LoadFixtures(stacksDir string) *Fixtures {
	f := &Fixtures{
		stacksDir:       stacksDir,
		images:          make(map[string]imageMeta),
		networks:        make(map[string]networkMeta),
		volumes:         make(map[string]string),
		serviceImages:   make(map[string]string),
		serviceNetworks: make(map[string][]string),
		servicePorts:    make(map[string][]string),
		serviceVolumes:  make(map[string][]string),
		stackStatuses:   make(map[string]string),
		serviceStates:   make(map[string]string),
		serviceHealth:   make(map[string]string),
		runningImages:   make(map[string]string),
		updateFlags:     make(map[string]bool),
		logTemplates:    make(map[string]*ServiceLogs),
		serviceLogs:     make(map[string]*ServiceLogs),
		externalStacks:  make(map[string][]string),
	}

	// Engine default networks.
	f.networks["bridge"] = networkMeta{driver: "bridge", scope: "local", subnet: "172.17.0.0/16"}
	f.networks["host"] = networkMeta{driver: "host", scope: "local"}
	f.networks["none"] = networkMeta{driver: "null", scope: "local"}

	f.loadRootConfig(filepath.Join(stacksDir, "mock.yaml"))
	f.logTemplates = loadLogTemplates(filepath.Join(stacksDir, "log-templates.yaml"))

	entries, err := os.ReadDir(stacksDir)
	if err != nil {
		return f
	}

	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") || entry.Name() == "node_modules" {
			continue
		}
		f.loadStack(entry.Name())
	}

	return f
}

func (f *Fixtures) loadRootConfig(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var cfg rootConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return
	}

	for name, n := range cfg.Networks {
		f.networks[name] = networkMeta{
			driver: defaultString(n.Driver, "bridge"),
			scope:  "local",
			subnet: n.Subnet,
			id:     n.ID,
		}
	}
	for _, c := range cfg.Containers {
		f.standalones = append(f.standalones, standaloneContainer{
			name:  c.Name,
			image: c.Image,
			state: defaultString(c.State, "running"),
		})
		f.addImage(c.Image)
	}
	for stackName, services := range cfg.Stacks {
		var svcNames []string
		for svcName, svc := range services {
			svcNames = append(svcNames, svcName)
			key := stackName + "/" + svcName
			f.serviceImages[key] = svc.Image
			if len(svc.Ports) > 0 {
				f.servicePorts[key] = svc.Ports
			}
			if svc.State != "" {
				f.serviceStates[key] = svc.State
			}
			f.addImage(svc.Image)
		}
		sort.Strings(svcNames)
		f.externalStacks[stackName] = svcNames
		f.stackStatuses[stackName] = "running"
	}
	for _, d := range cfg.DanglingImages {
		f.danglingImages = append(f.danglingImages, danglingImage{
			id:      d.ID,
			size:    defaultString(d.Size, "100MiB"),
			created: defaultString(d.Created, "2025-11-15T04:00:00Z"),
		})
	}
}

// loadStack parses one stack directory: its compose essentials via the
// stack index parser, plus the mock.yaml sidecar.
func (f *Fixtures) loadStack(stackName string) {
	dir := filepath.Join(f.stacksDir, stackName)
	composeName := stackindex.FindComposeFile(dir)
	if composeName == "" {
		return
	}

	data, err := os.ReadFile(filepath.Join(dir, composeName))
	if err != nil {
		return
	}
	spec, err := stackindex.ParseCompose(data)
	if err != nil {
		return
	}

	for _, netName := range spec.Networks {
		full := stackName + "_" + netName
		if _, exists := f.networks[full]; !exists {
			f.networks[full] = networkMeta{driver: "bridge", scope: "local"}
		}
	}
	for _, volName := range spec.Volumes {
		f.volumes[stackName+"_"+volName] = stackName
	}

	for svcName, svc := range spec.Services {
		key := stackName + "/" + svcName
		img := defaultString(svc.Image, "scratch:latest")
		f.serviceImages[key] = img
		f.addImage(img)

		if len(svc.Networks) > 0 {
			var full []string
			for _, n := range svc.Networks {
				full = append(full, stackName+"_"+n)
			}
			sort.Strings(full)
			f.serviceNetworks[key] = full
		} else {
			defaultNet := stackName + "_default"
			f.serviceNetworks[key] = []string{defaultNet}
			if _, exists := f.networks[defaultNet]; !exists {
				f.networks[defaultNet] = networkMeta{driver: "bridge", scope: "local"}
			}
		}
		if len(svc.Ports) > 0 {
			f.servicePorts[key] = svc.Ports
		}
		if len(svc.Volumes) > 0 {
			f.serviceVolumes[key] = svc.Volumes
		}
	}

	f.loadStackOverrides(stackName, filepath.Join(dir, "mock.yaml"))
}

func (f *Fixtures) loadStackOverrides(stackName, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if _, exists := f.stackStatuses[stackName]; !exists {
			f.stackStatuses[stackName] = "running"
		}
		return
	}

	var ov stackOverrides
	if err := yaml.Unmarshal(data, &ov); err != nil {
		f.stackStatuses[stackName] = "running"
		return
	}

	f.stackStatuses[stackName] = defaultString(ov.Status, "running")

	for svcName, so := range ov.Services {
		key := stackName + "/" + svcName
		if so.State != "" {
			f.serviceStates[key] = so.State
		}
		if so.Health != "" {
			f.serviceHealth[key] = so.Health
		}
		if so.RunningImage != "" {
			f.runningImages[key] = so.RunningImage
			f.addImage(so.RunningImage)
		}
		if so.UpdateAvailable {
			f.updateFlags[f.RunningImage(stackName, svcName)] = true
		}
		if len(so.Logs.Startup) > 0 || len(so.Logs.Heartbeat.Lines) > 0 || len(so.Logs.Shutdown) > 0 {
			f.serviceLogs[key] = so.Logs.resolve()
		}
	}

	for netName, id := range ov.Networks {
		full := stackName + "_" + netName
		meta := f.networks[full]
		meta.driver = defaultString(meta.driver, "bridge")
		meta.scope = "local"
		meta.id = id
		f.networks[full] = meta
	}
}

// loadLogTemplates parses log-templates.yaml: a top-level "base_time"
// plus one entry per image base name.
func loadLogTemplates(path string) map[string]*ServiceLogs {
	templates := make(map[string]*ServiceLogs)

	data, err := os.ReadFile(path)
	if err != nil {
		return templates
	}

	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return templates
	}

	globalBaseTime := defaultBaseTime
	if node, ok := raw["base_time"]; ok {
		var btStr string
		if err := node.Decode(&btStr); err == nil {
			if t, err := time.Parse(time.RFC3339Nano, btStr); err == nil {
				globalBaseTime = t
			} else if t, err := time.Parse(logTimeLayout, btStr); err == nil {
				globalBaseTime = t
			}
		}
	}

	for key, node := range raw {
		if key == "base_time" {
			continue
		}
		var sly serviceLogsYAML
		if err := node.Decode(&sly); err != nil {
			continue
		}
		sl := sly.resolve()
		if sly.BaseTime == "" {
			sl.BaseTime = globalBaseTime
		}
		templates[key] = sl
	}

	return templates
}

// Services returns the sorted service names of a stack, managed or
// external.
func (f *Fixtures) Services(stackName string) []string {
	prefix := stackName + "/"
	var services []string
	for key := range f.serviceImages {
		if strings.HasPrefix(key, prefix) {
			services = append(services, strings.TrimPrefix(key, prefix))
		}
	}
	sort.Strings(services)
	return services
}

// Stacks returns every known stack name (managed and external), sorted.
func (f *Fixtures) Stacks() []string {
	seen := make(map[string]bool)
	for key := range f.serviceImages {
		stack, _, _ := strings.Cut(key, "/")
		seen[stack] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunningImage returns the image a service's container runs: the
// mock.yaml override when present, otherwise the compose declaration.
func (f *Fixtures) RunningImage(stackName, svc string) string {
	key := stackName + "/" + svc
	if img, ok := f.runningImages[key]; ok {
		return img
	}
	return f.serviceImages[key]
}

// ServiceLogsFor resolves the log definition: per-service override →
// image-base template → "default" template → built-in fallback.
func (f *Fixtures) ServiceLogsFor(stackName, svc string) *ServiceLogs {
	key := stackName + "/" + svc
	if sl, ok := f.serviceLogs[key]; ok {
		return sl
	}
	if img, ok := f.serviceImages[key]; ok {
		if tmpl, ok := f.logTemplates[imageBase(img)]; ok {
			return tmpl
		}
	}
	if tmpl, ok := f.logTemplates["default"]; ok {
		return tmpl
	}
	return &ServiceLogs{
		BaseTime: defaultBaseTime,
		Startup:  []string{"{{.Image}} starting", "{{.Image}} ready"},
		Interval: 3 * time.Second,
	}
}

// UpdateFlags exposes imageRef → update-available for store seeding.
func (f *Fixtures) UpdateFlags() map[string]bool {
	out := make(map[string]bool, len(f.updateFlags))
	for k, v := range f.updateFlags {
		out[k] = v
	}
	return out
}

// HasUpdate reports whether the fixtures declare a newer remote digest
// for an image reference.
func (f *Fixtures) HasUpdate(imageRef string) bool {
	return f.updateFlags[imageRef]
}

func (f *Fixtures) addImage(ref string) {
	if ref == "" {
		return
	}
	if _, exists := f.images[ref]; exists {
		return
	}
	h := fnvHash(ref)
	f.images[ref] = imageMeta{
		size:    fmt.Sprintf("%d.%dMiB", 20+h%400, h%10),
		created: time.Date(2025, 1+int(h%11), 1+int(h%27), int(h%24), 0, 0, 0, time.UTC).Format(time.RFC3339),
	}
}

// SortedImages returns known image references in stable order.
func (f *Fixtures) SortedImages() []string {
	refs := make([]string, 0, len(f.images))
	for ref := range f.images {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// SortedNetworks returns known network names in stable order.
func (f *Fixtures) SortedNetworks() []string {
	names := make([]string, 0, len(f.networks))
	for name := range f.networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SortedVolumes returns known volume names in stable order.
func (f *Fixtures) SortedVolumes() []string {
	names := make([]string, 0, len(f.volumes))
	for name := range f.volumes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// imageBase returns the base name of an image reference:
// "grafana/grafana:10" → "grafana".
func imageBase(imageRef string) string {
	name := imageRef
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	if idx := strings.Index(name, ":"); idx >= 0 {
		name = name[:idx]
	}
	return name
}

// fnvHash is a deterministic 64-bit hash for synthetic ids and sizes.
func fnvHash(s string) uint64 {
	var h uint64 = 14695981039346656037
	for _, c := range s {
		h ^= uint64(c)
		h *= 1099511628211
	}
	return h
}

// syntheticDigest derives a stable sha256-shaped digest from a seed.
func syntheticDigest(seed string) string {
	h := fnvHash(seed)
	return fmt.Sprintf("sha256:%016x%016x%016x%016x", h, h^0xdeadbeefcafebabe, h*31, h^0x5a5a5a5a5a5a5a5a)
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
