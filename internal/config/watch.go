package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/swapfc/swapfc/pkg/utils"
)

// reloadDebounce coalesces the burst of events editors produce on save.
const reloadDebounce = 250 * time.Millisecond

// Watch reloads the configuration file whenever it changes and passes each
// successfully validated result to apply. It blocks until ctx is done.
// The parent directory is watched so that atomic replace-by-rename is seen.
func Watch(ctx context.Context, filename string, logger *utils.StructuredLogger, apply func(*Configuration)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(filename)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}

	log := logger.WithComponent("config")
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(reloadDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", map[string]interface{}{"error": err})

		case <-pending:
			pending = nil
			cfg, err := Load(target)
			if err != nil {
				log.Warn("ignoring invalid configuration", map[string]interface{}{
					"file":  target,
					"error": err,
				})
				continue
			}
			log.Info("configuration reloaded", map[string]interface{}{"file": target})
			apply(cfg)
		}
	}
}
