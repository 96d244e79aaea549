package fakeengine

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
)

// Stdcopy round-trip: a frame written by the engine demuxes back to
// the original stream tag and payload, across payload sizes including
// zero.
func TestStdcopyRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 7, 8, 255, 4096, 1 << 16}

	for _, size := range sizes {
		payload := bytes.Repeat([]byte{'x'}, size)

		for _, stream := range []byte{1, 2} {
			var framed bytes.Buffer
			if err := writeStdcopyFrame(&framed, stream, payload); err != nil {
				t.Fatalf("size %d: write: %v", size, err)
			}

			// Header invariant: stream byte, three zero bytes, big-endian length.
			header := framed.Bytes()[:8]
			if header[0] != stream {
				t.Errorf("size %d: stream byte = %d", size, header[0])
			}
			if header[1] != 0 || header[2] != 0 || header[3] != 0 {
				t.Errorf("size %d: zero bytes not zero: %v", size, header[1:4])
			}
			if got := binary.BigEndian.Uint32(header[4:]); got != uint32(size) {
				t.Errorf("size %d: length field = %d", size, got)
			}

			var stdout, stderr bytes.Buffer
			if _, err := stdcopy.StdCopy(&stdout, &stderr, &framed); err != nil {
				t.Fatalf("size %d: demux: %v", size, err)
			}

			got := stdout.Bytes()
			if stream == 2 {
				got = stderr.Bytes()
			}
			if !bytes.Equal(got, payload) {
				t.Errorf("size %d stream %d: payload mismatch (%d bytes out)", size, stream, len(got))
			}
		}
	}
}

// Log expansion: a line with no template variables is the identity;
// templated lines replace exactly the defined placeholders.
func TestExpandLogTemplate(t *testing.T) {
	base := time.Date(2026, 2, 27, 10, 0, 0, 0, time.UTC)
	interval := 2 * time.Second

	tests := []struct {
		name  string
		input string
		n     int
		image string
		want  string
	}{
		{"identity", "plain line without templates", 3, "nginx", "plain line without templates"},
		{"identity with braces-free text", "100% CPU at tick", 0, "redis", "100% CPU at tick"},
		{"timestamp n=0", "{{.Timestamp}} hello", 0, "nginx", "2026-02-27T10:00:00.000Z hello"},
		{"timestamp n=5", "{{.Timestamp}} tick", 5, "nginx", "2026-02-27T10:00:10.000Z tick"},
		{"n substitution", "line #{{.N}}", 7, "nginx", "line #7"},
		{"image substitution", "service {{.Image}} up", 0, "postgres", "service postgres up"},
		{"all three", "{{.Timestamp}} {{.Image}} #{{.N}}", 2, "redis", "2026-02-27T10:00:04.000Z redis #2"},
		{"unknown placeholder untouched", "{{.Other}} stays", 1, "nginx", "{{.Other}} stays"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExpandLogTemplate(tt.input, tt.n, base, interval, tt.image)
			if got != tt.want {
				t.Errorf("ExpandLogTemplate(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadLogTemplates(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "log-templates.yaml", `base_time: "2026-01-01T00:00:00.000Z"
nginx:
  startup:
    - "{{.Timestamp}} [notice] nginx starting"
  heartbeat:
    lines:
      - '{{.Timestamp}} "GET / HTTP/1.1" 200'
    interval: 5s
default:
  base_time: "2026-06-01T00:00:00.000Z"
  startup:
    - "service up"
`)

	templates := loadLogTemplates(dir + "/log-templates.yaml")

	nginx, ok := templates["nginx"]
	if !ok {
		t.Fatal("nginx template missing")
	}
	if nginx.Interval != 5*time.Second {
		t.Errorf("nginx interval = %v", nginx.Interval)
	}
	if !nginx.BaseTime.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("nginx base time = %v (global should apply)", nginx.BaseTime)
	}

	def, ok := templates["default"]
	if !ok {
		t.Fatal("default template missing")
	}
	if !def.BaseTime.Equal(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("default base time = %v (per-template override should win)", def.BaseTime)
	}
}

func TestServiceLogsResolutionOrder(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "app/compose.yaml", `services:
  web:
    image: nginx:1.25
  db:
    image: postgres:16
  misc:
    image: example/custom:1
`)
	writeFixture(t, root, "app/mock.yaml", `status: running
services:
  web:
    logs:
      startup:
        - "per-service override"
`)
	writeFixture(t, root, "log-templates.yaml", `postgres:
  startup:
    - "image template"
default:
  startup:
    - "default template"
`)

	fx := LoadFixtures(root)

	if got := fx.ServiceLogsFor("app", "web").Startup[0]; got != "per-service override" {
		t.Errorf("web logs = %q, want per-service override", got)
	}
	if got := fx.ServiceLogsFor("app", "db").Startup[0]; got != "image template" {
		t.Errorf("db logs = %q, want image template", got)
	}
	if got := fx.ServiceLogsFor("app", "misc").Startup[0]; got != "default template" {
		t.Errorf("misc logs = %q, want default template", got)
	}
}

func TestFixturesStackScan(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "one/compose.yaml", "services:\n  a:\n    image: img-a:1\n")
	writeFixture(t, root, "two/docker-compose.yml", "services:\n  b:\n    image: img-b:1\n")
	writeFixture(t, root, ".hidden/compose.yaml", "services:\n  x:\n    image: img-x:1\n")
	writeFixture(t, root, "mock.yaml", `stacks:
  external1:
    api:
      image: node:20
`)

	fx := LoadFixtures(root)
	stacks := fx.Stacks()

	want := []string{"external1", "one", "two"}
	if len(stacks) != len(want) {
		t.Fatalf("stacks = %v, want %v", stacks, want)
	}
	for i := range want {
		if stacks[i] != want[i] {
			t.Errorf("stacks[%d] = %q, want %q", i, stacks[i], want[i])
		}
	}

	if img := fx.RunningImage("external1", "api"); img != "node:20" {
		t.Errorf("external image = %q", img)
	}
}

func TestRunningImageOverride(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "app/compose.yaml", "services:\n  web:\n    image: nginx:1.25\n")
	writeFixture(t, root, "app/mock.yaml", `status: running
services:
  web:
    running_image: nginx:1.24
`)

	fx := LoadFixtures(root)
	if got := fx.RunningImage("app", "web"); got != "nginx:1.24" {
		t.Errorf("running image = %q, want override nginx:1.24", got)
	}
	// The declared compose image is still known.
	if got := fx.serviceImages["app/web"]; got != "nginx:1.25" {
		t.Errorf("declared image = %q", got)
	}
}

func TestImageBase(t *testing.T) {
	tests := []struct{ in, want string }{
		{"nginx:1.25", "nginx"},
		{"grafana/grafana:10", "grafana"},
		{"ghcr.io/acme/widget:2", "widget"},
		{"redis", "redis"},
	}
	for _, tt := range tests {
		if got := imageBase(tt.in); got != tt.want {
			t.Errorf("imageBase(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseSizeToBytes(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"0B", 0},
		{"", 0},
		{"512B", 512},
		{"1KiB", 1024},
		{"1.5MiB", 1572864},
		{"2GiB", 2147483648},
	}
	for _, tt := range tests {
		if got := parseSizeToBytes(tt.in); got != tt.want {
			t.Errorf("parseSizeToBytes(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestSyntheticDigestShape(t *testing.T) {
	d := syntheticDigest("nginx:1.25")
	if !strings.HasPrefix(d, "sha256:") || len(d) != len("sha256:")+64 {
		t.Errorf("digest shape = %q (len %d)", d, len(d))
	}
	if d != syntheticDigest("nginx:1.25") {
		t.Error("digest not deterministic")
	}
	if d == syntheticDigest("nginx:1.26") {
		t.Error("different seeds should differ")
	}
}
