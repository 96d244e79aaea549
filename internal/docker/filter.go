package docker

import (
	"encoding/json"
	"strings"
)

// ProjectFilterJSON encodes the Engine `filters` query parameter for a
// compose project label match, in the canonical array form:
// {"label":["com.docker.compose.project=<name>"]}.
func ProjectFilterJSON(project string) string {
	v := map[string][]string{
		"label": {LabelProject + "=" + project},
	}
	data, _ := json.Marshal(v)
	return string(data)
}

// ExtractProjectFilter pulls the compose project name out of an Engine
// label filter value. Clients send either the array form
// ["key=val", ...] or the legacy map form {"key=val": true}; both are
// accepted.
func ExtractProjectFilter(raw json.RawMessage) string {
	const prefix = LabelProject + "="

	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		for _, lbl := range arr {
			if after, ok := strings.CutPrefix(lbl, prefix); ok {
				return after
			}
		}
		return ""
	}

	var m map[string]bool
	if err := json.Unmarshal(raw, &m); err == nil {
		for lbl, on := range m {
			if !on {
				continue
			}
			if after, ok := strings.CutPrefix(lbl, prefix); ok {
				return after
			}
		}
	}

	return ""
}

// ExtractProjectFromFilters parses a full `filters` query value and
// returns the project filter, or "" when absent.
func ExtractProjectFromFilters(filtersParam string) string {
	if filtersParam == "" {
		return ""
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(filtersParam), &raw); err != nil {
		return ""
	}
	labelRaw, ok := raw["label"]
	if !ok {
		return ""
	}
	return ExtractProjectFilter(labelRaw)
}
