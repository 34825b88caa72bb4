package monitoring

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"remote-trainer/core/models"
)

// Watch calls fn with the status file's state each time it changes, until
// the run finishes or ctx is done. The parent directory is watched because
// the tracker replaces the file by rename.
func Watch(ctx context.Context, path string, fn func(*models.ProgressState)) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsWatcher.Close()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := fsWatcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	// Emit whatever is already there
	if done := emit(path, fn); done {
		return nil
	}

	debounce := 50 * time.Millisecond
	ticker := time.NewTicker(debounce)
	defer ticker.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = true
			}

		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watching %s: %w", path, err)

		case <-ticker.C:
			if !pending {
				continue
			}
			pending = false
			if done := emit(path, fn); done {
				return nil
			}
		}
	}
}

// emit reports the current state and whether the run has finished
func emit(path string, fn func(*models.ProgressState)) bool {
	state, err := ReadStatus(path)
	if err != nil {
		return false
	}
	fn(state)
	return state.Status == models.RunStatusCompleted || state.Status == models.RunStatusFailed
}
