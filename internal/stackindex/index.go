package stackindex

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/deckhand/deckhand/internal/errdefs"
)

// Index maintains the set of on-disk Stacks and their parsed
// essentials. It exclusively owns the Stack descriptors; List hands
// out copies.
type Index struct {
	stacksDir string

	mu     sync.RWMutex
	stacks map[string]*Stack
}

func New(stacksDir string) *Index {
	return &Index{
		stacksDir: stacksDir,
		stacks:    make(map[string]*Stack),
	}
}

// StacksDir returns the configured stacks root.
func (ix *Index) StacksDir() string { return ix.stacksDir }

// Rescan walks the stacks root and rebuilds the descriptor set.
// Called once at startup and whenever the watcher reports changes the
// per-stack reload cannot attribute.
func (ix *Index) Rescan() {
	entries, err := os.ReadDir(ix.stacksDir)
	if err != nil {
		slog.Warn("scan stacks dir", "err", err, "dir", ix.stacksDir)
		return
	}

	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || ignoredDir(entry.Name()) {
			continue
		}
		name := entry.Name()
		dir := filepath.Join(ix.stacksDir, name)
		if FindComposeFile(dir) == "" {
			continue
		}
		seen[name] = true
		ix.Reload(name)
	}

	// Drop stacks whose directory or compose file disappeared.
	ix.mu.Lock()
	for name := range ix.stacks {
		if !seen[name] {
			delete(ix.stacks, name)
		}
	}
	ix.mu.Unlock()
}

// Reload re-reads one stack from disk. A parse failure (partial write
// caught mid-save) keeps the previous good parse and stamps
// ParseErrorAt; the descriptor is removed when the directory or
// compose file is gone.
func (ix *Index) Reload(name string) {
	dir := filepath.Join(ix.stacksDir, name)
	composeName := FindComposeFile(dir)
	if composeName == "" {
		ix.mu.Lock()
		delete(ix.stacks, name)
		ix.mu.Unlock()
		return
	}

	data, err := os.ReadFile(filepath.Join(dir, composeName))
	var spec *ComposeSpec
	var parseErr error
	if err == nil {
		spec, parseErr = ParseCompose(data)
	} else {
		parseErr = err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	s, ok := ix.stacks[name]
	if !ok {
		s = &Stack{Name: name}
		ix.stacks[name] = s
	}
	s.Path = dir
	s.ComposeFileName = composeName
	s.OverrideFileName = FindOverrideFile(dir)
	s.Managed = true

	if parseErr != nil {
		// Keep the previous parse; a watcher-triggered reload may have
		// caught a partial write.
		s.ParseErrorAt = time.Now()
		slog.Debug("stack reload: parse failed, keeping previous", "stack", name, "err", parseErr)
		return
	}
	s.Spec = spec
	s.ParseErrorAt = time.Time{}
}

// List returns a copy of the current stack set, safe for concurrent reads.
func (ix *Index) List() map[string]*Stack {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	result := make(map[string]*Stack, len(ix.stacks))
	for name, s := range ix.stacks {
		cp := *s
		result[name] = &cp
	}
	return result
}

// Get returns a copy of one stack, or ErrNotFound.
func (ix *Index) Get(name string) (*Stack, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	s, ok := ix.stacks[name]
	if !ok {
		return nil, errdefs.NotFound("stack " + name)
	}
	cp := *s
	return &cp, nil
}

// ReadYAML returns the raw compose file bytes for editing.
func (ix *Index) ReadYAML(name string) ([]byte, error) {
	s, err := ix.Get(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.Path, s.ComposeFileName))
	if err != nil {
		return nil, fmt.Errorf("read yaml: %w", err)
	}
	return data, nil
}

// ReadEnv returns the raw .env bytes, or nil when absent.
func (ix *Index) ReadEnv(name string) ([]byte, error) {
	s, err := ix.Get(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.Path, ".env"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read env: %w", err)
	}
	return data, nil
}

// Write persists a stack's files with atomic write-then-rename.
// Rejects unsafe names and bad YAML; returns ErrConflict when the
// compose file changed on disk since expectedMtime (zero time skips
// the check, e.g. for newly added stacks).
func (ix *Index) Write(name, composeYAML, envText, overrideYAML string, expectedMtime time.Time) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if _, err := ParseCompose([]byte(composeYAML)); err != nil {
		return err
	}

	dir := filepath.Join(ix.stacksDir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create stack dir: %w", err)
	}

	composeName := FindComposeFile(dir)
	if composeName == "" {
		composeName = acceptedComposeFileNames[0]
	}
	composePath := filepath.Join(dir, composeName)

	if !expectedMtime.IsZero() {
		if info, err := os.Stat(composePath); err == nil {
			if info.ModTime().After(expectedMtime) {
				return errdefs.Conflict("compose file changed on disk")
			}
		}
	}

	if err := writeFileAtomic(composePath, []byte(composeYAML)); err != nil {
		return err
	}

	envPath := filepath.Join(dir, ".env")
	if envText != "" {
		if err := writeFileAtomic(envPath, []byte(envText)); err != nil {
			return err
		}
	} else {
		os.Remove(envPath)
	}

	if overrideYAML != "" {
		overrideName := FindOverrideFile(dir)
		if overrideName == "" {
			overrideName = acceptedOverrideFileNames[0]
		}
		if err := writeFileAtomic(filepath.Join(dir, overrideName), []byte(overrideYAML)); err != nil {
			return err
		}
	}

	ix.Reload(name)
	return nil
}

// Delete removes a stack. With alsoFiles, the on-disk directory goes
// too; the caller is responsible for having verified that no running
// containers remain.
func (ix *Index) Delete(name string, alsoFiles bool) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	ix.mu.Lock()
	_, existed := ix.stacks[name]
	delete(ix.stacks, name)
	ix.mu.Unlock()

	if alsoFiles {
		dir := filepath.Join(ix.stacksDir, name)
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("delete stack dir: %w", err)
		}
	} else if !existed {
		return errdefs.NotFound("stack " + name)
	}

	return nil
}

// IgnoreMap returns stack → service → true for every status-ignored
// service, for the world view's status reduction.
func (ix *Index) IgnoreMap() map[string]map[string]bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	result := make(map[string]map[string]bool)
	for name, s := range ix.stacks {
		if s.Spec == nil {
			continue
		}
		for svc, spec := range s.Spec.Services {
			if spec.StatusIgnored() {
				if result[name] == nil {
					result[name] = make(map[string]bool)
				}
				result[name][svc] = true
			}
		}
	}
	return result
}

// DeclaredImages returns stack → service → declared image reference,
// skipping build-only services with no image.
func (ix *Index) DeclaredImages() map[string]map[string]string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	result := make(map[string]map[string]string)
	for name, s := range ix.stacks {
		if s.Spec == nil {
			continue
		}
		images := make(map[string]string, len(s.Spec.Services))
		for svc, spec := range s.Spec.Services {
			if spec.Image != "" {
				images[svc] = spec.Image
			}
		}
		result[name] = images
	}
	return result
}
