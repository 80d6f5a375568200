package avatarstore

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay coalesces the burst of events one save produces.
const reloadDelay = 100 * time.Millisecond

// Watch reloads the store whenever the configuration file is written or
// replaced, then calls onReload. Events are debounced by reloadDelay. The directory is watched rather than the file
// so atomic replacements (ours and editors') are seen. A failed reload is
// logged and the previous state is kept. Watch blocks until ctx is done.
func (s *Store) Watch(ctx context.Context, onReload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}
	s.logger.Info("watching avatar configuration", slog.String("path", s.path))

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			timer.Reset(reloadDelay)
		case <-timer.C:
			if err := s.Load(); err != nil {
				s.logger.Warn("avatar configuration reload failed, keeping previous configuration",
					slog.String("error", err.Error()))
				continue
			}
			s.logger.Info("avatar configuration reloaded", slog.String("default", s.Default()))
			if onReload != nil {
				onReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("avatar configuration watcher error", slog.String("error", err.Error()))
		}
	}
}
