package stackindex

import (
	"errors"
	"testing"

	"github.com/deckhand/deckhand/internal/errdefs"
)

const sampleCompose = `
services:
  web:
    image: nginx:1.25
    ports:
      - "8080:80"
      - "8443:443/tcp"
    networks:
      - frontend
    volumes:
      - data:/usr/share/nginx/html
      - ./conf:/etc/nginx/conf.d:ro
    labels:
      deckhand.status.ignore: "true"
      deckhand.imageupdates.changelog: https://nginx.org/en/CHANGES
      deckhand.urls.1: https://example.test
  worker:
    image: ghcr.io/acme/worker:2.1
    labels:
      - deckhand.imageupdates.check=false
    environment:
      - MODE=batch
  builder:
    build: .
networks:
  frontend:
volumes:
  data:
`

func TestParseCompose(t *testing.T) {
	spec, err := ParseCompose([]byte(sampleCompose))
	if err != nil {
		t.Fatalf("ParseCompose: %v", err)
	}

	if len(spec.Services) != 3 {
		t.Fatalf("services = %d, want 3", len(spec.Services))
	}

	web := spec.Services["web"]
	if web.Image != "nginx:1.25" {
		t.Errorf("web image = %q", web.Image)
	}
	if len(web.Ports) != 2 || web.Ports[0] != "8080:80" {
		t.Errorf("web ports = %v", web.Ports)
	}
	if len(web.Networks) != 1 || web.Networks[0] != "frontend" {
		t.Errorf("web networks = %v", web.Networks)
	}
	if len(web.Volumes) != 2 {
		t.Errorf("web volumes = %v", web.Volumes)
	}
	if !web.StatusIgnored() {
		t.Error("web should be status-ignored")
	}
	if web.ChangelogURL() != "https://nginx.org/en/CHANGES" {
		t.Errorf("changelog = %q", web.ChangelogURL())
	}
	if urls := web.URLs(); len(urls) != 1 || urls[0] != "https://example.test" {
		t.Errorf("urls = %v", urls)
	}

	// List-form labels and environment.
	worker := spec.Services["worker"]
	if worker.UpdatesEnabled() {
		t.Error("worker disables update checks via list-form label")
	}
	if worker.Environment["MODE"] != "batch" {
		t.Errorf("worker env = %v", worker.Environment)
	}

	// Build-only service: empty image, still enumerated.
	if builder, ok := spec.Services["builder"]; !ok || builder.Image != "" {
		t.Errorf("builder = %+v, ok=%v", spec.Services["builder"], ok)
	}

	if len(spec.Networks) != 1 || spec.Networks[0] != "frontend" {
		t.Errorf("top-level networks = %v", spec.Networks)
	}
	if len(spec.Volumes) != 1 || spec.Volumes[0] != "data" {
		t.Errorf("top-level volumes = %v", spec.Volumes)
	}
}

func TestParseComposeMapForms(t *testing.T) {
	spec, err := ParseCompose([]byte(`
services:
  app:
    image: app:1
    networks:
      backend:
        aliases:
          - app.internal
    environment:
      DEBUG: "1"
      PORT: 8080
`))
	if err != nil {
		t.Fatalf("ParseCompose: %v", err)
	}

	app := spec.Services["app"]
	if len(app.Networks) != 1 || app.Networks[0] != "backend" {
		t.Errorf("map-form networks = %v", app.Networks)
	}
	if app.Environment["DEBUG"] != "1" || app.Environment["PORT"] != "8080" {
		t.Errorf("map-form environment = %v", app.Environment)
	}
}

func TestParseComposeInvalid(t *testing.T) {
	_, err := ParseCompose([]byte("services:\n  web:\n   image: [broken"))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !errors.Is(err, errdefs.ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestValidateName(t *testing.T) {
	valid := []string{"demo", "my-stack", "stack2", "a.b"}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", "a/b", `a\b`, ".hidden", "node_modules", "Upper"}
	for _, name := range invalid {
		err := ValidateName(name)
		if err == nil {
			t.Errorf("ValidateName(%q) = nil, want error", name)
			continue
		}
		if !errors.Is(err, errdefs.ErrInvalidArgument) {
			t.Errorf("ValidateName(%q) kind = %v", name, err)
		}
	}
}
