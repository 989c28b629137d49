package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pirorin215/fastrec-sub000/logger"
)

const watchDebounce = 200 * time.Millisecond

// Watch reloads the config at path whenever it changes on disk and hands the
// new value to onChange. Invalid files are logged and skipped. Watch blocks
// until ctx is cancelled.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer fsWatcher.Close()

	// Watch the directory: editors often replace the file via rename
	dir := filepath.Dir(path)
	if err := fsWatcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	var debounce *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			cfg, err := Load(path)
			if err != nil {
				logger.Warn("config", "Ignoring invalid config change: %v", err)
				continue
			}
			logger.Info("config", "🔁 Reloaded %s", path)
			onChange(cfg)

		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config", "Config watcher error: %v", err)
		}
	}
}
