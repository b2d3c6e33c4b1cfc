package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce coalesces bursts of writes from editors.
const DefaultWatchDebounce = 200 * time.Millisecond

// Watch reloads the config at path whenever it changes and passes the result
// to onChange, until ctx is done. Invalid files are reported through
// onChange with a nil config. The parent directory is watched so editors
// that replace the file by rename are still seen.
func Watch(ctx context.Context, path string, debounce time.Duration, onChange func(*Config, error)) error {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
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
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			cfg, err := LoadFromPath(abs)
			onChange(cfg, err)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			onChange(nil, fmt.Errorf("config watcher: %w", err))
		}
	}
}
