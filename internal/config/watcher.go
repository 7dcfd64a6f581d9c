package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchTables re-reads the table file on change and hands each valid
// snapshot to onReload. Reload storms from editors that write multiple
// events are debounced; a snapshot that fails to parse is logged and
// skipped, keeping the previous table in service.
func WatchTables(ctx context.Context, path string, onReload func(*Tables)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	// watch the directory: editors often replace the file wholesale,
	// which drops a watch registered on the file itself
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()

		const debounce = 100 * time.Millisecond
		var timer *time.Timer
		reload := func() {
			tables, err := LoadTables(path)
			if err != nil {
				slog.Error("route table reload failed, keeping previous table", "path", path, "error", err)
				return
			}
			onReload(tables)
			slog.Info("route table reloaded", "path", path, "routes", len(tables.Routes))
		}

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, reload)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("route table watcher error", "error", err)

			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}
