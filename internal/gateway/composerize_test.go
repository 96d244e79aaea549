package gateway

import (
	"strings"
	"testing"
)

func TestComposerize(t *testing.T) {
	yaml, err := Composerize(`docker run -d --name cache -p 6379:6379 -e MAXMEMORY=256mb --restart always redis:7-alpine redis-server --appendonly yes`)
	if err != nil {
		t.Fatalf("composerize: %v", err)
	}

	for _, want := range []string{
		"services:",
		"  cache:",
		"    image: redis:7-alpine",
		"    container_name: cache",
		"    restart: always",
		"      - 6379:6379",
		"      - MAXMEMORY=256mb",
		"    command: redis-server --appendonly yes",
	} {
		if !strings.Contains(yaml, want) {
			t.Errorf("missing %q in:\n%s", want, yaml)
		}
	}
}

func TestComposerizeDefaultsServiceName(t *testing.T) {
	yaml, err := Composerize("docker run ghcr.io/acme/widget:2")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(yaml, "  widget:") {
		t.Errorf("service name not derived from image:\n%s", yaml)
	}
}

func TestComposerizeCustomNetwork(t *testing.T) {
	yaml, err := Composerize("docker run --network backend nginx:1.25")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(yaml, "networks:\n  backend:\n    external: true") {
		t.Errorf("external network block missing:\n%s", yaml)
	}
}

func TestComposerizeErrors(t *testing.T) {
	if _, err := Composerize(""); err == nil {
		t.Error("empty command should fail")
	}
	if _, err := Composerize("docker run -d"); err == nil {
		t.Error("command without image should fail")
	}
}

func TestTokenizeQuoting(t *testing.T) {
	tokens := tokenize(`docker run -e 'GREETING=hello world' nginx`)
	want := []string{"docker", "run", "-e", "GREETING=hello world", "nginx"}
	if len(tokens) != len(want) {
		t.Fatalf("tokens = %v", tokens)
	}
	for i := range want {
		if tokens[i] != want[i] {
			t.Errorf("tokens[%d] = %q, want %q", i, tokens[i], want[i])
		}
	}
}
