// Package stackindex owns the on-disk view of compose stacks: the
// descriptor set under the stacks root, their parsed essentials, and
// the filesystem watcher that keeps both current.
package stackindex

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/deckhand/deckhand/internal/errdefs"
)

// Compose file candidates, checked in order; the first match wins.
var acceptedComposeFileNames = []string{
	"compose.yaml",
	"docker-compose.yaml",
	"docker-compose.yml",
	"compose.yml",
}

var acceptedOverrideFileNames = []string{
	"compose.override.yaml",
	"docker-compose.override.yaml",
	"docker-compose.override.yml",
	"compose.override.yml",
}

// Stack is the descriptor of one compose project directory.
type Stack struct {
	Name             string
	Path             string // absolute stack directory
	ComposeFileName  string
	OverrideFileName string
	Managed          bool // directory found on disk under the stacks root

	// Parsed essentials from the compose file. Nil when the last parse
	// failed and no previous good parse exists.
	Spec *ComposeSpec

	// ParseError records when the last watch-triggered reload failed
	// to parse; Spec then still holds the previous good parse.
	ParseErrorAt time.Time

	// Raw file contents, loaded on demand for editing.
	ComposeYAML  string
	EnvText      string
	OverrideYAML string

	mtime time.Time // compose file mtime at load, for conflict detection
}

// ModTime returns the compose file's modification time as of the last
// LoadFiles call.
func (s *Stack) ModTime() time.Time { return s.mtime }

// ValidateName rejects stack names that could escape the stacks root
// or collide with ignored directories.
func ValidateName(name string) error {
	switch {
	case name == "":
		return errdefs.InvalidArgument("stack name is empty")
	case strings.ContainsAny(name, "/\\"):
		return errdefs.InvalidArgument("stack name contains a path separator")
	case strings.HasPrefix(name, "."):
		return errdefs.InvalidArgument("stack name starts with a dot")
	case name == "node_modules":
		return errdefs.InvalidArgument("reserved directory name")
	case name != strings.ToLower(name):
		return errdefs.InvalidArgument("stack name must be lowercase")
	}
	return nil
}

// ignoredDir reports whether a stacks-root entry is skipped entirely.
func ignoredDir(name string) bool {
	return strings.HasPrefix(name, ".") || name == "node_modules"
}

// FindComposeFile returns the compose file name for a stack directory,
// or "" when none of the accepted candidates exists.
func FindComposeFile(dir string) string {
	for _, name := range acceptedComposeFileNames {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return name
		}
	}
	return ""
}

// FindOverrideFile returns the override file name, or "".
func FindOverrideFile(dir string) string {
	for _, name := range acceptedOverrideFileNames {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return name
		}
	}
	return ""
}

// LoadFiles reads the raw compose/env/override contents for editing
// and records the compose file mtime for later conflict checks.
func (s *Stack) LoadFiles() error {
	if s.ComposeFileName == "" {
		s.ComposeFileName = FindComposeFile(s.Path)
	}
	if s.ComposeFileName == "" {
		return errdefs.NotFound("no compose file in " + s.Path)
	}

	composePath := filepath.Join(s.Path, s.ComposeFileName)
	data, err := os.ReadFile(composePath)
	if err != nil {
		return fmt.Errorf("read compose file: %w", err)
	}
	s.ComposeYAML = string(data)

	if info, err := os.Stat(composePath); err == nil {
		s.mtime = info.ModTime()
	}

	if s.OverrideFileName == "" {
		s.OverrideFileName = FindOverrideFile(s.Path)
	}
	if s.OverrideFileName != "" {
		if data, err := os.ReadFile(filepath.Join(s.Path, s.OverrideFileName)); err == nil {
			s.OverrideYAML = string(data)
		}
	}

	if data, err := os.ReadFile(filepath.Join(s.Path, ".env")); err == nil {
		s.EnvText = string(data)
	}

	return nil
}

// writeFileAtomic writes data to path via a temp file in the same
// directory followed by a rename, so watchers and concurrent readers
// never observe a truncated file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".deckhand-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
