package stackindex

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the burst of inotify events a single file
// rewrite produces into one reload per stack.
const debounceWindow = 250 * time.Millisecond

// Watch observes the stacks root and each stack subdirectory. Events
// are coalesced per stack with a trailing-edge timer; each firing
// reloads the stack and calls onChange(stackName). The watcher retries
// with exponential backoff on failure.
func (ix *Index) Watch(ctx context.Context, onChange func(stackName string)) error {
	if _, err := os.Stat(ix.stacksDir); err != nil {
		return err
	}

	go ix.runWatcherLoop(ctx, onChange)
	return nil
}

func (ix *Index) runWatcherLoop(ctx context.Context, onChange func(string)) {
	backoff := 1 * time.Second

	for {
		err := ix.runWatcher(ctx, onChange)
		if ctx.Err() != nil {
			return
		}

		slog.Warn("stack watcher: retrying", "backoff", backoff, "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}

func (ix *Index) runWatcher(ctx context.Context, onChange func(string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(ix.stacksDir); err != nil {
		return fmt.Errorf("watch stacks dir: %w", err)
	}

	entries, err := os.ReadDir(ix.stacksDir)
	if err != nil {
		return fmt.Errorf("read stacks dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() && !ignoredDir(entry.Name()) {
			subdir := filepath.Join(ix.stacksDir, entry.Name())
			if err := watcher.Add(subdir); err != nil {
				slog.Warn("stack watcher: add subdir", "err", err, "dir", subdir)
			}
		}
	}

	slog.Info("stack watcher started", "dir", ix.stacksDir)

	var debounceMu sync.Mutex
	pending := make(map[string]*time.Timer)

	triggerUpdate := func(stackName string) {
		debounceMu.Lock()
		defer debounceMu.Unlock()

		if timer, ok := pending[stackName]; ok {
			timer.Stop()
		}
		pending[stackName] = time.AfterFunc(debounceWindow, func() {
			debounceMu.Lock()
			delete(pending, stackName)
			debounceMu.Unlock()

			slog.Debug("stack watcher: change", "stack", stackName)
			ix.Reload(stackName)
			if onChange != nil {
				onChange(stackName)
			}
		})
	}

	cancelPending := func() {
		debounceMu.Lock()
		for _, t := range pending {
			t.Stop()
		}
		debounceMu.Unlock()
	}

	for {
		select {
		case <-ctx.Done():
			cancelPending()
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				cancelPending()
				return fmt.Errorf("fsnotify events channel closed")
			}

			name := filepath.Base(event.Name)
			dir := filepath.Dir(event.Name)

			// Event in the stacks root: new or removed stack directory.
			if dir == ix.stacksDir {
				if ignoredDir(name) {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						if err := watcher.Add(event.Name); err != nil {
							slog.Warn("stack watcher: add new subdir", "err", err, "dir", event.Name)
						}
						triggerUpdate(name)
					}
				}
				if event.Op&fsnotify.Remove != 0 {
					triggerUpdate(name)
				}
				continue
			}

			// Event inside a stack subdirectory: compose/env file changed.
			stackName := filepath.Base(dir)
			if filepath.Dir(dir) != ix.stacksDir || ignoredDir(stackName) {
				continue
			}
			if !watchedFile(name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				triggerUpdate(stackName)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				cancelPending()
				return fmt.Errorf("fsnotify errors channel closed")
			}
			slog.Warn("stack watcher error", "err", err)
		}
	}
}

// watchedFile reports whether a change to this file invalidates the
// stack: any accepted compose or override file, or the env file.
func watchedFile(name string) bool {
	if name == ".env" {
		return true
	}
	for _, accepted := range acceptedComposeFileNames {
		if name == accepted {
			return true
		}
	}
	for _, accepted := range acceptedOverrideFileNames {
		if name == accepted {
			return true
		}
	}
	return false
}
