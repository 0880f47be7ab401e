package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sammck-go/msgport/internal/logger"
)

// Watch reloads the config file at path whenever it changes and calls fn with
// the new Config. A file that fails to load is logged and skipped. Watch blocks
// until ctx is done or the watcher fails.
//
// The directory is watched rather than the file, so replacing the file by
// rename is seen as well.
func Watch(ctx context.Context, lg logger.Logger, path string, fn func(cfg *Config)) error {
	abspath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abspath)); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	lg.DLogf("Watching %s", abspath)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abspath || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			cfg, err := Load(abspath)
			if err != nil {
				lg.WLogf("Ignoring changed config: %s", err)
				continue
			}
			lg.ILogf("Reloaded %s", abspath)
			fn(cfg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return lg.ELogErrorf("config watcher failed: %s", err)
		}
	}
}

// WatchLogLevel applies the log level of every reload of path to lg
func WatchLogLevel(ctx context.Context, lg logger.Logger, path string) error {
	return Watch(ctx, lg, path, func(cfg *Config) {
		if cfg.LogLevel != lg.GetLogLevel() {
			lg.ILogf("Log level %s -> %s", lg.GetLogLevel(), cfg.LogLevel)
			lg.SetLogLevel(cfg.LogLevel)
		}
	})
}
