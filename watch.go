package neutralgate

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// WatchConfig reloads the config file at path whenever it changes and passes the
// result to onChange. Invalid files are logged and skipped. It blocks until ctx is
// done.
func WatchConfig(ctx context.Context, path string, logger *slog.Logger, onChange func(Config)) error {
	if logger == nil {
		logger = slog.Default()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("neutralgate: resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("neutralgate: create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files instead of writing in place.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("neutralgate: watch config dir: %w", err)
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != absPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				cfg, err := LoadConfig(absPath)
				if err != nil {
					logger.Error("config reload failed", "path", absPath, "error", err)
					return
				}
				logger.Info("config reloaded", "path", absPath)
				onChange(cfg)
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}
