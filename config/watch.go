package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Editors and the web handler write the file in several steps.
const settleDelay = 200 * time.Millisecond

// Watch calls onChange with the new configuration whenever cfile has
// been written. Invalid files are logged and skipped. Watch returns
// when ctx is done.
func Watch(ctx context.Context, cfile string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	// watch the directory, editors replace the file
	dir := filepath.Dir(cfile)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	name := filepath.Clean(cfile)
	slog.Info("Watching config file", "file", name)

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				settle = time.After(settleDelay)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Config watcher error", "error", err)
		case <-settle:
			settle = nil
			conf, err := ReadConfig(cfile)
			if err != nil {
				slog.Error("Ignoring changed config file", "error", err)
				continue
			}
			slog.Info("Config file changed")
			onChange(conf)
		}
	}
}
