package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces editor write bursts (atomic-save editors emit
// several events per save) into one reload.
const reloadDebounce = 300 * time.Millisecond

// Watch reloads the config from path whenever the file changes and swaps the
// new values into cfg via ReplaceFrom. onReload, if non-nil, is called after
// each successful swap. Blocks until ctx is cancelled.
//
// Watches the parent directory rather than the file itself so that
// rename-based atomic saves keep working.
func Watch(ctx context.Context, path string, cfg *Config, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	base := filepath.Base(path)
	var timer *time.Timer
	var timerCh <-chan time.Time

	reload := func() {
		fresh, err := Load(path)
		if err != nil {
			slog.Warn("config: reload failed", "path", path, "error", err)
			return
		}
		cfg.ReplaceFrom(fresh)
		slog.Info("config: reloaded", "path", path, "hash", cfg.Hash())
		if onReload != nil {
			onReload(cfg)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-watcher.Events:
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			timerCh = timer.C
		case <-timerCh:
			timerCh = nil
			reload()
		case err := <-watcher.Errors:
			if err != nil {
				slog.Warn("config: watcher error", "error", err)
			}
		}
	}
}
