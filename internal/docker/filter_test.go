package docker

import (
	"encoding/json"
	"testing"
)

// Both Engine filter encodings resolve to the same project: the array
// form the SDK emits and the legacy map-of-bool form.
func TestExtractProjectFilter(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"array form", `["com.docker.compose.project=demo"]`, "demo"},
		{"map form", `{"com.docker.compose.project=demo":true}`, "demo"},
		{"map form disabled", `{"com.docker.compose.project=demo":false}`, ""},
		{"other label only", `["com.example.foo=bar"]`, ""},
		{"empty array", `[]`, ""},
		{"garbage", `42`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractProjectFilter(json.RawMessage(tt.raw))
			if got != tt.want {
				t.Errorf("ExtractProjectFilter(%s) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

// Round-trip: the canonical encoding we emit is accepted by the parser.
func TestProjectFilterRoundTrip(t *testing.T) {
	encoded := ProjectFilterJSON("blog")
	got := ExtractProjectFromFilters(encoded)
	if got != "blog" {
		t.Errorf("round trip = %q, want blog", got)
	}
}

func TestExtractProjectFromFilters(t *testing.T) {
	if got := ExtractProjectFromFilters(""); got != "" {
		t.Errorf("empty filters = %q", got)
	}
	if got := ExtractProjectFromFilters(`{"label":{"com.docker.compose.project=p1":true}}`); got != "p1" {
		t.Errorf("map form via filters = %q, want p1", got)
	}
	if got := ExtractProjectFromFilters(`{"status":["running"]}`); got != "" {
		t.Errorf("unrelated filters = %q", got)
	}
}

func TestParseHealthFromStatus(t *testing.T) {
	tests := []struct {
		state  string
		status string
		want   string
	}{
		{"running", "Up 2 hours (healthy)", "healthy"},
		{"running", "Up 2 hours (unhealthy)", "unhealthy"},
		{"running", "Up 1 second (health: starting)", "starting"},
		{"running", "Up 2 hours", ""},
		{"exited", "Exited (0) 2 hours ago", ""},
	}
	for _, tt := range tests {
		if got := parseHealthFromStatus(tt.state, tt.status); got != tt.want {
			t.Errorf("parseHealthFromStatus(%q, %q) = %q, want %q", tt.state, tt.status, got, tt.want)
		}
	}
}

func TestParseExitCode(t *testing.T) {
	if got := parseExitCode("Exited (137) 2 hours ago"); got != 137 {
		t.Errorf("parseExitCode = %d, want 137", got)
	}
	if got := parseExitCode("Up 2 hours"); got != 0 {
		t.Errorf("parseExitCode = %d, want 0", got)
	}
}
