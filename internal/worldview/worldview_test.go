package worldview

import (
	"testing"

	"github.com/deckhand/deckhand/internal/docker"
	"github.com/deckhand/deckhand/internal/stackindex"
)

func demoStacks() map[string]*stackindex.Stack {
	return map[string]*stackindex.Stack{
		"demo": {
			Name:            "demo",
			Managed:         true,
			ComposeFileName: "compose.yaml",
			Spec: &stackindex.ComposeSpec{
				Services: map[string]stackindex.ServiceSpec{
					"web": {Image: "nginx:1.25"},
					"db":  {Image: "postgres:16", Labels: map[string]string{stackindex.LabelUpdatesCheck: "false"}},
				},
			},
		},
	}
}

func demoContainers() []docker.Container {
	return []docker.Container{
		{ID: "c1", Name: "demo-web-1", Project: "demo", Service: "web", Image: "nginx:1.24", State: "running"},
		{ID: "c2", Name: "demo-db-1", Project: "demo", Service: "db", Image: "postgres:16", State: "running"},
		{ID: "c3", Name: "lonely", Image: "busybox:latest", State: "exited"},
		{ID: "c4", Name: "ext-api-1", Project: "ext", Service: "api", Image: "node:20", State: "running"},
	}
}

func join(t *testing.T, updateMap map[string]bool) *Snapshot {
	t.Helper()
	wv := &WorldView{}
	stacks := demoStacks()
	declared := map[string]map[string]string{
		"demo": {"web": "nginx:1.25", "db": "postgres:16"},
	}
	return wv.join(stacks, demoContainers(), nil, declared, updateMap, nil)
}

// Every container assigned to a stack has either no project label or a
// label equal to the stack's name.
func TestJoinProjectAssignment(t *testing.T) {
	snap := join(t, nil)

	for name, view := range snap.Stacks {
		for _, svc := range view.Services {
			for _, c := range svc.Containers {
				if c.Project != "" && c.Project != name {
					t.Errorf("container %s in stack %s has project %q", c.Name, name, c.Project)
				}
				if c.StackName != name {
					t.Errorf("container %s: StackName = %q, want %q", c.Name, c.StackName, name)
				}
			}
		}
	}

	for _, c := range snap.Standalone {
		if c.Project != "" {
			t.Errorf("standalone container %s carries project %q", c.Name, c.Project)
		}
		if c.StackName != "" || c.Managed {
			t.Errorf("standalone container %s has stack name or managed flag", c.Name)
		}
	}
	if len(snap.Standalone) != 1 || snap.Standalone[0].Name != "lonely" {
		t.Fatalf("standalone bucket = %+v", snap.Standalone)
	}
}

// Containers whose project has no matching directory form an unmanaged
// stack entry.
func TestJoinUnmanagedStack(t *testing.T) {
	snap := join(t, nil)

	ext, ok := snap.Stacks["ext"]
	if !ok {
		t.Fatal("unmanaged stack ext missing")
	}
	if ext.Managed {
		t.Error("ext should be unmanaged")
	}
	if ext.Status != StackRunning {
		t.Errorf("ext status = %v, want running", ext.Status)
	}
}

// Running image differing from the declared image sets the recreate
// flag on both the container and the stack.
func TestJoinRecreateFlag(t *testing.T) {
	snap := join(t, nil)

	demo := snap.Stacks["demo"]
	web := demo.Services["web"]
	if len(web.Containers) != 1 {
		t.Fatalf("web containers = %d", len(web.Containers))
	}
	if !web.Containers[0].RecreateNeeded {
		t.Error("web container should need recreation (nginx:1.24 vs nginx:1.25 declared)")
	}
	if !demo.RecreateNeeded {
		t.Error("demo stack should flag recreateNecessary")
	}

	db := demo.Services["db"]
	if db.Containers[0].RecreateNeeded {
		t.Error("db matches its declared image; no recreation")
	}
}

// The update bit is the stored probe result gated by the service's
// update-check label.
func TestJoinImageUpdateFlag(t *testing.T) {
	updateMap := map[string]bool{
		"nginx:1.24":  true,
		"postgres:16": true,
	}
	snap := join(t, updateMap)

	demo := snap.Stacks["demo"]
	if !demo.Services["web"].Containers[0].ImageUpdateAvailable {
		t.Error("web should show an available update")
	}
	// db disables update checks via label.
	if demo.Services["db"].Containers[0].ImageUpdateAvailable {
		t.Error("db has deckhand.imageupdates.check=false; no update flag")
	}
	if !demo.UpdateAvailable {
		t.Error("stack-level update flag should roll up from web")
	}
}

// A managed stack with declared services but no containers shows
// service skeletons and created_file status.
func TestJoinSkeletonServices(t *testing.T) {
	wv := &WorldView{}
	snap := wv.join(demoStacks(), nil, nil, nil, nil, nil)

	demo := snap.Stacks["demo"]
	if demo.Status != StackCreatedFile {
		t.Errorf("status = %v, want created_file", demo.Status)
	}
	if len(demo.Services) != 2 {
		t.Errorf("services = %d, want 2 skeletons", len(demo.Services))
	}
}

// Service name falls back to the container-name heuristic when the
// label is missing.
func TestJoinServiceNameHeuristic(t *testing.T) {
	wv := &WorldView{}
	containers := []docker.Container{
		{ID: "x", Name: "demo-cache-1", Project: "demo", State: "running"},
	}
	snap := wv.join(demoStacks(), containers, nil, nil, nil, nil)

	if _, ok := snap.Stacks["demo"].Services["cache"]; !ok {
		t.Fatalf("heuristic service extraction failed: %+v", snap.Stacks["demo"].Services)
	}
}
