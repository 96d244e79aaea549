package stackindex

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/deckhand/deckhand/internal/errdefs"
)

// Vendor label keys recognised by the control plane.
const (
	LabelStatusIgnore    = "deckhand.status.ignore"
	LabelUpdatesCheck    = "deckhand.imageupdates.check"
	LabelUpdateChangelog = "deckhand.imageupdates.changelog"
	labelURLPrefix       = "deckhand.urls."
)

// ServiceSpec is the essential per-service data extracted from a
// compose file: enough to enumerate services, images, ports, networks,
// volumes, and the vendor labels. Everything else in the schema is
// compose's business.
type ServiceSpec struct {
	Image       string
	Ports       []string
	Volumes     []string
	Networks    []string
	Labels      map[string]string
	Environment map[string]string
}

// StatusIgnored reports whether the service is excluded from stack
// status reduction (deckhand.status.ignore = "true").
func (s ServiceSpec) StatusIgnored() bool {
	return s.Labels[LabelStatusIgnore] == "true"
}

// UpdatesEnabled reports whether registry probes run for the service's
// image (deckhand.imageupdates.check defaults to enabled).
func (s ServiceSpec) UpdatesEnabled() bool {
	return s.Labels[LabelUpdatesCheck] != "false"
}

// ChangelogURL returns the URL shown with the update dialog, if any.
func (s ServiceSpec) ChangelogURL() string {
	return s.Labels[LabelUpdateChangelog]
}

// URLs returns the user-facing links declared as deckhand.urls.N labels.
func (s ServiceSpec) URLs() []string {
	var urls []string
	for k, v := range s.Labels {
		if strings.HasPrefix(k, labelURLPrefix) {
			urls = append(urls, v)
		}
	}
	return urls
}

// ComposeSpec is the parsed essential view of one compose file.
type ComposeSpec struct {
	Services map[string]ServiceSpec
	Networks []string // top-level network names
	Volumes  []string // top-level named volume names
}

// composeYAML mirrors the subset of the compose schema we read.
type composeYAML struct {
	Services map[string]serviceYAML `yaml:"services"`
	Networks map[string]yaml.Node   `yaml:"networks"`
	Volumes  map[string]yaml.Node   `yaml:"volumes"`
}

type serviceYAML struct {
	Image       string      `yaml:"image"`
	Ports       []yaml.Node `yaml:"ports"`
	Volumes     []yaml.Node `yaml:"volumes"`
	Networks    yaml.Node   `yaml:"networks"`
	Labels      yaml.Node   `yaml:"labels"`
	Environment yaml.Node   `yaml:"environment"`
}

// ParseCompose extracts the essential spec from compose YAML. A parse
// failure returns ErrInvalidArgument so callers can keep a previous
// good parse.
func ParseCompose(data []byte) (*ComposeSpec, error) {
	var doc composeYAML
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse compose: %v", errdefs.ErrInvalidArgument, err)
	}

	spec := &ComposeSpec{
		Services: make(map[string]ServiceSpec, len(doc.Services)),
	}
	for name := range doc.Networks {
		spec.Networks = append(spec.Networks, name)
	}
	for name := range doc.Volumes {
		spec.Volumes = append(spec.Volumes, name)
	}

	for name, svc := range doc.Services {
		s := ServiceSpec{
			Image:       svc.Image,
			Labels:      decodeStringMap(svc.Labels),
			Environment: decodeStringMap(svc.Environment),
			Networks:    decodeStringList(svc.Networks),
		}
		for _, p := range svc.Ports {
			if v := scalarOrShortForm(p); v != "" {
				s.Ports = append(s.Ports, v)
			}
		}
		for _, v := range svc.Volumes {
			if vol := scalarOrShortForm(v); vol != "" {
				s.Volumes = append(s.Volumes, vol)
			}
		}
		spec.Services[name] = s
	}

	return spec, nil
}

// decodeStringMap handles both compose forms of labels/environment:
// a mapping, or a sequence of "key=value" strings.
func decodeStringMap(node yaml.Node) map[string]string {
	result := make(map[string]string)

	switch node.Kind {
	case yaml.MappingNode:
		var m map[string]string
		if err := node.Decode(&m); err == nil {
			return m
		}
		// Values may be non-strings (numbers, bools); fall back to
		// per-entry decoding.
		var generic map[string]yaml.Node
		if err := node.Decode(&generic); err != nil {
			return result
		}
		for k, v := range generic {
			result[k] = v.Value
		}
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return result
		}
		for _, entry := range list {
			k, v, _ := strings.Cut(entry, "=")
			result[k] = v
		}
	}
	return result
}

// decodeStringList handles both compose forms of service networks:
// a sequence of names, or a mapping of name → config.
func decodeStringList(node yaml.Node) []string {
	switch node.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err == nil {
			return list
		}
	case yaml.MappingNode:
		var m map[string]yaml.Node
		if err := node.Decode(&m); err == nil {
			names := make([]string, 0, len(m))
			for name := range m {
				names = append(names, name)
			}
			return names
		}
	}
	return nil
}

// scalarOrShortForm returns the scalar string of a node, or for the
// long map form of ports/volumes a "source:target" rendering.
func scalarOrShortForm(node yaml.Node) string {
	if node.Kind == yaml.ScalarNode {
		return node.Value
	}
	if node.Kind == yaml.MappingNode {
		var long map[string]yaml.Node
		if err := node.Decode(&long); err == nil {
			target := long["target"].Value
			published := long["published"].Value
			source := long["source"].Value
			switch {
			case published != "" && target != "":
				return published + ":" + target
			case source != "" && target != "":
				return source + ":" + target
			case target != "":
				return target
			}
		}
	}
	return ""
}
