package stackindex

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deckhand/deckhand/internal/errdefs"
)

func writeStackDir(t *testing.T, root, name, composeName, content string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, composeName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

const minimalCompose = "services:\n  app:\n    image: nginx:1.25\n"

func TestRescanDiscovery(t *testing.T) {
	root := t.TempDir()
	writeStackDir(t, root, "alpha", "compose.yaml", minimalCompose)
	writeStackDir(t, root, "beta", "docker-compose.yml", minimalCompose)
	writeStackDir(t, root, ".hidden", "compose.yaml", minimalCompose)
	writeStackDir(t, root, "node_modules", "compose.yaml", minimalCompose)
	// Directory without a compose file is not a stack.
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0755); err != nil {
		t.Fatal(err)
	}

	ix := New(root)
	ix.Rescan()

	stacks := ix.List()
	if len(stacks) != 2 {
		t.Fatalf("stacks = %v, want alpha+beta", keys(stacks))
	}
	if stacks["alpha"].ComposeFileName != "compose.yaml" {
		t.Errorf("alpha compose file = %q", stacks["alpha"].ComposeFileName)
	}
	if stacks["beta"].ComposeFileName != "docker-compose.yml" {
		t.Errorf("beta compose file = %q", stacks["beta"].ComposeFileName)
	}
	if !stacks["alpha"].Managed {
		t.Error("alpha should be managed")
	}
}

func keys(m map[string]*Stack) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Discovery order: compose.yaml wins over later candidates.
func TestComposeFilePrecedence(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "multi")
	os.MkdirAll(dir, 0755)
	os.WriteFile(filepath.Join(dir, "compose.yml"), []byte(minimalCompose), 0644)
	os.WriteFile(filepath.Join(dir, "docker-compose.yaml"), []byte(minimalCompose), 0644)
	os.WriteFile(filepath.Join(dir, "compose.yaml"), []byte(minimalCompose), 0644)

	if got := FindComposeFile(dir); got != "compose.yaml" {
		t.Errorf("FindComposeFile = %q, want compose.yaml", got)
	}
}

// A failed re-parse keeps the previous good spec and stamps the error.
func TestReloadKeepsPreviousParse(t *testing.T) {
	root := t.TempDir()
	writeStackDir(t, root, "web", "compose.yaml", minimalCompose)

	ix := New(root)
	ix.Rescan()

	s, err := ix.Get("web")
	if err != nil || s.Spec == nil {
		t.Fatalf("initial parse missing: %v", err)
	}

	// Simulate a partial write: file truncated mid-save.
	os.WriteFile(filepath.Join(root, "web", "compose.yaml"), []byte("services:\n  app:\n   image: [oops"), 0644)
	ix.Reload("web")

	s, err = ix.Get("web")
	if err != nil {
		t.Fatal(err)
	}
	if s.Spec == nil {
		t.Fatal("previous parse should survive a failed reload")
	}
	if s.Spec.Services["app"].Image != "nginx:1.25" {
		t.Errorf("stale spec content changed: %+v", s.Spec.Services)
	}
	if s.ParseErrorAt.IsZero() {
		t.Error("ParseErrorAt should be stamped")
	}
}

func TestWriteAndConflict(t *testing.T) {
	root := t.TempDir()
	ix := New(root)

	if err := ix.Write("newstack", minimalCompose, "KEY=value\n", "", time.Time{}); err != nil {
		t.Fatalf("write: %v", err)
	}

	s, err := ix.Get("newstack")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.LoadFiles(); err != nil {
		t.Fatal(err)
	}
	if s.ComposeYAML != minimalCompose || s.EnvText != "KEY=value\n" {
		t.Errorf("loaded files = %q / %q", s.ComposeYAML, s.EnvText)
	}

	// A write from "the past" (before the file's current mtime)
	// signals a concurrent editor and is rejected.
	stale := time.Now().Add(-time.Hour)
	err = ix.Write("newstack", minimalCompose, "", "", stale)
	if !errors.Is(err, errdefs.ErrConflict) {
		t.Errorf("stale write err = %v, want ErrConflict", err)
	}

	// The current mtime passes.
	if err := ix.Write("newstack", minimalCompose, "", "", s.ModTime()); err != nil {
		t.Errorf("fresh write: %v", err)
	}
}

func TestWriteRejectsBadInput(t *testing.T) {
	ix := New(t.TempDir())

	if err := ix.Write("../escape", minimalCompose, "", "", time.Time{}); !errors.Is(err, errdefs.ErrInvalidArgument) {
		t.Errorf("path escape err = %v", err)
	}
	if err := ix.Write("ok", "services: [not: valid", "", "", time.Time{}); !errors.Is(err, errdefs.ErrInvalidArgument) {
		t.Errorf("bad yaml err = %v", err)
	}
}

func TestDelete(t *testing.T) {
	root := t.TempDir()
	writeStackDir(t, root, "victim", "compose.yaml", minimalCompose)

	ix := New(root)
	ix.Rescan()

	if err := ix.Delete("victim", true); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := ix.Get("victim"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("get after delete = %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "victim")); !os.IsNotExist(err) {
		t.Error("directory should be gone")
	}
}

func TestIgnoreAndImageMaps(t *testing.T) {
	root := t.TempDir()
	writeStackDir(t, root, "demo", "compose.yaml", `services:
  web:
    image: nginx:1.25
    labels:
      deckhand.status.ignore: "true"
  db:
    image: postgres:16
`)

	ix := New(root)
	ix.Rescan()

	ignore := ix.IgnoreMap()
	if !ignore["demo"]["web"] {
		t.Error("web should be in the ignore map")
	}
	if ignore["demo"]["db"] {
		t.Error("db should not be ignored")
	}

	images := ix.DeclaredImages()
	if images["demo"]["web"] != "nginx:1.25" || images["demo"]["db"] != "postgres:16" {
		t.Errorf("declared images = %v", images["demo"])
	}
}
