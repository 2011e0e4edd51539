package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/platinummonkey/keygate/pkg/observability"
	"github.com/sirupsen/logrus"
)

// reloadDebounce collapses the burst of events editors emit for one save
const reloadDebounce = 250 * time.Millisecond

// watchClientConfig calls reload whenever the file at path is written or
// replaced, until ctx ends. The parent directory is watched so atomic
// rename-over saves are seen too.
func watchClientConfig(ctx context.Context, path string, reload func() error, log *logrus.Logger, logger *observability.Logger) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer watcher.Close()
		defer observability.RecoverPanic(logger, "client config watcher")

		var debounce <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				debounce = time.After(reloadDebounce)

			case <-debounce:
				debounce = nil
				if err := reload(); err != nil {
					log.WithError(err).Error("Client config reload failed, keeping the previous gate")
					continue
				}
				log.WithField("path", abs).Info("Client config reloaded")

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("Client config watcher error")
			}
		}
	}()

	log.WithField("path", abs).Info("Watching client config for changes")
	return nil
}
