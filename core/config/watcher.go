package config

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the event bursts editors produce on save.
const watchDebounce = 100 * time.Millisecond

// Watch reloads the config when the file changes, notifying OnChange
// subscribers. The parent directory is watched rather than the file so
// atomic rename-over saves keep working. Runs until Close.
func (m *Manager) Watch(logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(m.path)); err != nil {
		fw.Close()
		return err
	}

	go func() {
		defer fw.Close()

		var debounce *time.Timer
		var pending <-chan time.Time

		for {
			select {
			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(m.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if debounce == nil {
					debounce = time.NewTimer(watchDebounce)
					pending = debounce.C
				} else {
					debounce.Reset(watchDebounce)
				}

			case <-pending:
				debounce = nil
				pending = nil
				if err := m.Reload(); err != nil {
					logger.Error("config reload failed, keeping previous config", "path", m.path, "error", err)
					continue
				}
				logger.Info("config reloaded", "path", m.path)

			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)

			case <-m.stopWatch:
				return
			}
		}
	}()

	return nil
}
