package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the configuration file at path whenever it changes and hands
// each successfully parsed result to apply. It blocks until ctx is done.
//
// The parent directory is watched rather than the file, since editors and
// config management tools usually replace files instead of writing them in
// place. Parse errors are logged and the previous configuration stays in
// effect.
func Watch(ctx context.Context, path string, apply func(*Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(abs)
			if err != nil {
				slog.Warn("config reload failed", "path", abs, "error", err)
				continue
			}
			slog.Info("config reloaded", "path", abs, "resources", len(cfg.Resources))
			apply(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "path", abs, "error", err)
		}
	}
}
