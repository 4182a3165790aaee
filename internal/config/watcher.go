package config

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads cfg whenever its file changes and hands every successfully
// reloaded config to onChange. The parent directory is watched so editors
// that replace the file by rename are seen.
func Watch(ctx context.Context, cfg *Config, onChange func(*Config)) error {
	if cfg.File == "" {
		return errors.New("config watch: no config file")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(cfg.File)); err != nil {
		watcher.Close()
		return err
	}

	go runWatcher(ctx, watcher, cfg, onChange)

	slog.Info("config watcher started", "file", cfg.File)
	return nil
}

func runWatcher(ctx context.Context, watcher *fsnotify.Watcher, cfg *Config, onChange func(*Config)) {
	defer watcher.Close()

	target := filepath.Clean(cfg.File)

	var mu sync.Mutex
	var pending *time.Timer
	reload := func() {
		mu.Lock()
		defer mu.Unlock()
		if pending != nil {
			pending.Stop()
		}
		pending = time.AfterFunc(reloadDebounce, func() {
			next, err := cfg.Reload()
			if err != nil {
				slog.Warn("config reload", "file", target, "err", err)
				return
			}
			slog.Debug("config reloaded", "file", target)
			onChange(next)
		})
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if pending != nil {
				pending.Stop()
			}
			mu.Unlock()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				reload()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "err", err)
		}
	}
}
