package gateway

import (
	"fmt"
	"strings"

	"github.com/deckhand/deckhand/internal/errdefs"
	"github.com/deckhand/deckhand/internal/ws"
)

func (app *App) handleComposerize(c *ws.Conn, msg *ws.ClientMessage) {
	if app.checkLogin(c, msg) == 0 {
		return
	}

	args := parseArgs(msg)
	command := argString(args, 0)

	yaml, err := Composerize(command)
	if err != nil {
		ackErr(c, msg, err)
		return
	}

	ackData(c, msg, struct {
		OK   bool   `json:"ok"`
		YAML string `json:"composeYAML"`
	}{OK: true, YAML: yaml})
}

// Composerize translates a `docker run` invocation into compose YAML.
// Best-effort over the common flag subset; unknown flags are skipped.
func Composerize(command string) (string, error) {
	tokens := tokenize(command)
	if len(tokens) == 0 {
		return "", errdefs.InvalidArgument("empty command")
	}

	// Accept "docker run ...", "run ...", or bare flags+image.
	if tokens[0] == "docker" {
		tokens = tokens[1:]
	}
	if len(tokens) > 0 && tokens[0] == "run" {
		tokens = tokens[1:]
	}
	if len(tokens) == 0 {
		return "", errdefs.InvalidArgument("no image in command")
	}

	var (
		name    string
		image   string
		restart string
		network string
		ports   []string
		volumes []string
		envs    []string
		command2 []string
	)

	takeValue := func(i *int, flag string) (string, bool) {
		tok := tokens[*i]
		if eq := strings.IndexByte(tok, '='); eq >= 0 && strings.HasPrefix(tok, flag+"=") {
			return tok[eq+1:], true
		}
		if *i+1 < len(tokens) {
			*i++
			return tokens[*i], true
		}
		return "", false
	}

	i := 0
	for ; i < len(tokens); i++ {
		tok := tokens[i]
		if !strings.HasPrefix(tok, "-") {
			image = tok
			command2 = tokens[i+1:]
			break
		}

		flag := tok
		if eq := strings.IndexByte(flag, '='); eq >= 0 {
			flag = flag[:eq]
		}

		switch flag {
		case "-d", "--detach", "-it", "-i", "--interactive", "-t", "--tty", "--rm":
			// No compose equivalent needed.
		case "--name":
			name, _ = takeValue(&i, flag)
		case "-p", "--publish":
			if v, ok := takeValue(&i, flag); ok {
				ports = append(ports, v)
			}
		case "-v", "--volume":
			if v, ok := takeValue(&i, flag); ok {
				volumes = append(volumes, v)
			}
		case "-e", "--env":
			if v, ok := takeValue(&i, flag); ok {
				envs = append(envs, v)
			}
		case "--restart":
			restart, _ = takeValue(&i, flag)
		case "--network", "--net":
			network, _ = takeValue(&i, flag)
		default:
			// Unknown flag: consume its value when it plainly has one.
			if !strings.Contains(tok, "=") && i+1 < len(tokens) && !strings.HasPrefix(tokens[i+1], "-") && looksLikeValueFlag(flag) {
				i++
			}
		}
	}

	if image == "" {
		return "", errdefs.InvalidArgument("no image in command")
	}

	svcName := name
	if svcName == "" {
		svcName = serviceNameFromImage(image)
	}

	var b strings.Builder
	b.WriteString("services:\n")
	fmt.Fprintf(&b, "  %s:\n", svcName)
	fmt.Fprintf(&b, "    image: %s\n", image)
	if name != "" {
		fmt.Fprintf(&b, "    container_name: %s\n", name)
	}
	if restart != "" {
		fmt.Fprintf(&b, "    restart: %s\n", restart)
	}
	if len(command2) > 0 {
		fmt.Fprintf(&b, "    command: %s\n", strings.Join(command2, " "))
	}
	writeListSection(&b, "ports", ports)
	writeListSection(&b, "volumes", volumes)
	writeListSection(&b, "environment", envs)
	if network != "" && network != "bridge" {
		fmt.Fprintf(&b, "    networks:\n      - %s\n", network)
		fmt.Fprintf(&b, "networks:\n  %s:\n    external: true\n", network)
	}

	return b.String(), nil
}

func writeListSection(b *strings.Builder, key string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "    %s:\n", key)
	for _, item := range items {
		fmt.Fprintf(b, "      - %s\n", item)
	}
}

// looksLikeValueFlag guesses whether an unknown long flag consumes a
// value (e.g. --label foo=bar) rather than being a boolean.
func looksLikeValueFlag(flag string) bool {
	switch flag {
	case "--privileged", "--init", "--read-only", "--no-healthcheck":
		return false
	}
	return strings.HasPrefix(flag, "--")
}

// serviceNameFromImage derives a service name from an image reference:
// "ghcr.io/acme/widget:2" → "widget".
func serviceNameFromImage(image string) string {
	base := image
	if idx := strings.LastIndex(base, "/"); idx >= 0 {
		base = base[idx+1:]
	}
	if idx := strings.IndexByte(base, ':'); idx >= 0 {
		base = base[:idx]
	}
	if idx := strings.IndexByte(base, '@'); idx >= 0 {
		base = base[:idx]
	}
	if base == "" {
		return "app"
	}
	return base
}

// tokenize splits a shell-ish command line, honouring simple quoting.
func tokenize(s string) []string {
	var tokens []string
	var cur strings.Builder
	var quote byte

	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}

	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			} else {
				cur.WriteByte(ch)
			}
		case ch == '\'' || ch == '"':
			quote = ch
		case ch == ' ' || ch == '\t' || ch == '\n':
			flush()
		case ch == '\\' && i+1 < len(s):
			i++
			cur.WriteByte(s[i])
		default:
			cur.WriteByte(ch)
		}
	}
	flush()
	return tokens
}
