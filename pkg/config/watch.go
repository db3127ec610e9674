package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the tuning file on change and passes each valid result to
// onChange. Invalid edits are logged and ignored. It blocks until ctx ends.
func Watch(ctx context.Context, path string, onChange func(*Tuning)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	// Editors replace files on save, so watch the directory.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}

	logger := slog.Default().With("component", "config")
	target := filepath.Clean(path)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("tuning watcher error", "error", err)
		case <-pending:
			pending = nil
			t, err := LoadTuning(path)
			if err != nil {
				logger.Error("tuning reload rejected", "path", path, "error", err)
				continue
			}
			logger.Info("tuning reloaded", "path", path, "version", t.Version)
			onChange(t)
		}
	}
}
