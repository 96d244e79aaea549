package fakeengine

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
)

func writeFixture(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func startEngine(t *testing.T, stacksDir string) (string, *http.Client) {
	t.Helper()
	sock, cleanup, err := Start(stacksDir)
	if err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(cleanup)

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", sock)
			},
		},
		Timeout: 10 * time.Second,
	}
	return sock, client
}

func demoFixtures(t *testing.T) string {
	root := t.TempDir()
	writeFixture(t, root, "demo/compose.yaml", `services:
  web:
    image: nginx:1.25
  db:
    image: postgres:16
`)
	return root
}

func getJSON(t *testing.T, client *http.Client, path string, out interface{}) *http.Response {
	t.Helper()
	resp, err := client.Get("http://engine" + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp
}

func TestPing(t *testing.T) {
	_, client := startEngine(t, demoFixtures(t))
	resp := getJSON(t, client, "/_ping", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ping = %d", resp.StatusCode)
	}
	if v := resp.Header.Get("Api-Version"); v != apiVersion {
		t.Errorf("Api-Version = %q", v)
	}
}

// The version-prefixed paths the SDK sends must route like bare paths.
func TestVersionPrefixStripping(t *testing.T) {
	_, client := startEngine(t, demoFixtures(t))

	var containers []containerJSON
	getJSON(t, client, "/v1.47/containers/json?all=1", &containers)
	if len(containers) != 2 {
		t.Fatalf("containers via versioned path = %d", len(containers))
	}
}

func TestContainerListFilterForms(t *testing.T) {
	root := demoFixtures(t)
	writeFixture(t, root, "other/compose.yaml", "services:\n  app:\n    image: busybox:latest\n")
	_, client := startEngine(t, root)

	// Array form.
	arrayForm := `{"label":["com.docker.compose.project=demo"]}`
	var containers []containerJSON
	getJSON(t, client, "/containers/json?all=1&filters="+urlQueryEscape(arrayForm), &containers)
	if len(containers) != 2 {
		t.Fatalf("array-form filter: %d containers", len(containers))
	}
	for _, c := range containers {
		if c.Labels["com.docker.compose.project"] != "demo" {
			t.Errorf("filter leak: %v", c.Labels)
		}
	}

	// Map form.
	mapForm := `{"label":{"com.docker.compose.project=demo":true}}`
	containers = nil
	getJSON(t, client, "/containers/json?all=1&filters="+urlQueryEscape(mapForm), &containers)
	if len(containers) != 2 {
		t.Fatalf("map-form filter: %d containers", len(containers))
	}
}

// Multi-segment image names must route through inspect and history.
func TestImageRoutesWithSlashes(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "svc/compose.yaml", "services:\n  app:\n    image: ghcr.io/acme/widget:2\n")
	_, client := startEngine(t, root)

	var inspect imageInspectJSON
	getJSON(t, client, "/images/ghcr.io/acme/widget:2/json", &inspect)
	if len(inspect.RepoTags) != 1 || inspect.RepoTags[0] != "ghcr.io/acme/widget:2" {
		t.Errorf("inspect tags = %v", inspect.RepoTags)
	}

	var history []imageHistoryJSON
	getJSON(t, client, "/images/ghcr.io/acme/widget:2/history", &history)
	if len(history) < 2 {
		t.Errorf("history layers = %d", len(history))
	}

	var dist struct {
		Descriptor struct {
			Digest string `json:"digest"`
		} `json:"Descriptor"`
	}
	getJSON(t, client, "/distribution/ghcr.io/acme/widget:2/json", &dist)
	if !strings.HasPrefix(dist.Descriptor.Digest, "sha256:") {
		t.Errorf("distribution digest = %q", dist.Descriptor.Digest)
	}
}

// An update-flagged image resolves to a different remote digest than
// an unflagged probe of the same reference would.
func TestDistributionUpdateFlag(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "app/compose.yaml", "services:\n  web:\n    image: nginx:1.25\n")
	writeFixture(t, root, "app/mock.yaml", `status: running
services:
  web:
    update_available: true
`)
	_, client := startEngine(t, root)

	var dist struct {
		Descriptor struct {
			Digest string `json:"digest"`
		} `json:"Descriptor"`
	}
	getJSON(t, client, "/distribution/nginx:1.25/json", &dist)

	local := syntheticDigest("digest:nginx:1.25")
	if dist.Descriptor.Digest == local {
		t.Error("update-flagged image should report a newer remote digest")
	}
}

// Scenario: state transition via the admin extension. After POST
// /_mock/state/demo {"status":"exited"} every demo container reports
// exited, and a die event was emitted per container in between.
func TestMockStateTransitionEmitsEvents(t *testing.T) {
	_, client := startEngine(t, demoFixtures(t))

	// Subscribe to /events first.
	evCtx, evCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer evCancel()
	req, _ := http.NewRequestWithContext(evCtx, "GET", "http://engine/events", nil)
	evResp, err := client.Do(req)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	defer evResp.Body.Close()

	// Transition the stack.
	resp, err := client.Post("http://engine/_mock/state/demo", "application/json", strings.NewReader(`{"status":"exited"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	// Both containers now exited.
	var containers []containerJSON
	getJSON(t, client, "/containers/json?all=1", &containers)
	if len(containers) != 2 {
		t.Fatalf("containers = %d", len(containers))
	}
	for _, c := range containers {
		if c.State != "exited" {
			t.Errorf("container %s state = %q, want exited", c.ID, c.State)
		}
	}

	// A die event per container.
	dec := json.NewDecoder(evResp.Body)
	died := map[string]bool{}
	for len(died) < 2 {
		var evt eventMessage
		if err := dec.Decode(&evt); err != nil {
			t.Fatalf("decode event (got %d die): %v", len(died), err)
		}
		if evt.Action == "die" {
			died[evt.ID] = true
		}
	}
	if !died[containerID("demo", "web")] || !died[containerID("demo", "db")] {
		t.Errorf("die events = %v", died)
	}
}

func TestMockStackDeleteEmitsDestroy(t *testing.T) {
	_, client := startEngine(t, demoFixtures(t))

	evCtx, evCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer evCancel()
	req, _ := http.NewRequestWithContext(evCtx, "GET", "http://engine/events", nil)
	evResp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer evResp.Body.Close()

	delReq, _ := http.NewRequest("DELETE", "http://engine/_mock/state/demo", nil)
	resp, err := client.Do(delReq)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	var containers []containerJSON
	getJSON(t, client, "/containers/json?all=1", &containers)
	if len(containers) != 0 {
		t.Errorf("containers after delete = %d", len(containers))
	}

	dec := json.NewDecoder(evResp.Body)
	destroyed := 0
	for destroyed < 2 {
		var evt eventMessage
		if err := dec.Decode(&evt); err != nil {
			t.Fatalf("decode destroy events: %v", err)
		}
		if evt.Action == "destroy" {
			destroyed++
		}
	}
}

func TestFollowNonRunningConflicts(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "down/compose.yaml", "services:\n  app:\n    image: nginx:1.25\n")
	writeFixture(t, root, "down/mock.yaml", "status: exited\n")
	_, client := startEngine(t, root)

	resp, err := client.Get("http://engine/containers/" + containerID("down", "app") + "/logs?follow=1&stdout=1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("follow non-running = %d, want 409", resp.StatusCode)
	}
}

// Logs of an exited container end with the shutdown lines.
func TestLogsOfExitedContainer(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "down/compose.yaml", "services:\n  app:\n    image: nginx:1.25\n")
	writeFixture(t, root, "down/mock.yaml", `status: exited
services:
  app:
    logs:
      startup:
        - "hello from {{.Image}}"
      shutdown:
        - "goodbye"
`)
	_, client := startEngine(t, root)

	resp, err := client.Get("http://engine/containers/" + containerID("down", "app") + "/logs?stdout=1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, resp.Body); err != nil {
		t.Fatalf("demux: %v", err)
	}
	out := stdout.String()
	if !strings.Contains(out, "hello from nginx") {
		t.Errorf("startup line missing: %q", out)
	}
	if !strings.Contains(out, "goodbye") {
		t.Errorf("shutdown line missing: %q", out)
	}
	if idx := strings.Index(out, "hello"); idx > strings.Index(out, "goodbye") {
		t.Error("startup should precede shutdown")
	}
}

func TestMockResetReturnsUpdateFlags(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "app/compose.yaml", "services:\n  web:\n    image: nginx:1.25\n")
	writeFixture(t, root, "app/mock.yaml", "status: running\nservices:\n  web:\n    update_available: true\n")
	_, client := startEngine(t, root)

	resp, err := client.Post("http://engine/_mock/reset", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		OK          bool            `json:"ok"`
		UpdateFlags map[string]bool `json:"updateFlags"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if !body.OK || !body.UpdateFlags["nginx:1.25"] {
		t.Errorf("reset body = %+v", body)
	}
}

func TestMockLogsEndpoint(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "app/compose.yaml", "services:\n  web:\n    image: nginx:1.25\n")
	writeFixture(t, root, "log-templates.yaml", `base_time: "2026-02-27T10:00:00.000Z"
nginx:
  startup:
    - "{{.Timestamp}} starting {{.Image}}"
  heartbeat:
    lines:
      - "{{.Timestamp}} tick {{.N}}"
    interval: 2s
  shutdown:
    - "{{.Timestamp}} bye"
`)
	_, client := startEngine(t, root)

	var logs struct {
		Startup   []string `json:"startup"`
		Heartbeat []string `json:"heartbeat"`
		Interval  string   `json:"interval"`
		Shutdown  []string `json:"shutdown"`
	}
	getJSON(t, client, "/_mock/logs/app/web", &logs)

	if len(logs.Startup) != 1 || logs.Startup[0] != "2026-02-27T10:00:00.000Z starting nginx" {
		t.Errorf("startup = %v", logs.Startup)
	}
	// Heartbeat lines stay templated.
	if len(logs.Heartbeat) != 1 || !strings.Contains(logs.Heartbeat[0], "{{.Timestamp}}") {
		t.Errorf("heartbeat = %v", logs.Heartbeat)
	}
	if logs.Interval != "2s" {
		t.Errorf("interval = %q", logs.Interval)
	}
}

func TestNetworkAndVolumeLists(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "app/compose.yaml", `services:
  web:
    image: nginx:1.25
    networks:
      - backend
    volumes:
      - data:/var/lib/app
networks:
  backend:
volumes:
  data:
`)
	writeFixture(t, root, "mock.yaml", `networks:
  shared_net:
    driver: bridge
    subnet: 172.30.0.0/16
containers:
  - name: lonely
    image: busybox:latest
    state: exited
`)
	_, client := startEngine(t, root)

	var networks []networkJSON
	getJSON(t, client, "/networks", &networks)
	names := map[string]bool{}
	for _, n := range networks {
		names[n.Name] = true
	}
	for _, want := range []string{"bridge", "app_backend", "shared_net"} {
		if !names[want] {
			t.Errorf("network %s missing from %v", want, names)
		}
	}

	var volResp struct {
		Volumes []volumeJSON `json:"Volumes"`
	}
	getJSON(t, client, "/volumes", &volResp)
	found := false
	for _, v := range volResp.Volumes {
		if v.Name == "app_data" {
			found = true
			if v.Labels["com.docker.compose.project"] != "app" {
				t.Errorf("volume project label = %v", v.Labels)
			}
		}
	}
	if !found {
		t.Error("volume app_data missing")
	}

	// Standalone container from the root fixture appears with all=1.
	var containers []containerJSON
	getJSON(t, client, "/containers/json?all=1", &containers)
	foundLonely := false
	for _, c := range containers {
		if strings.Contains(c.ID, "lonely") {
			foundLonely = true
		}
	}
	if !foundLonely {
		t.Error("standalone container missing")
	}
}

func urlQueryEscape(s string) string {
	return url.QueryEscape(s)
}
