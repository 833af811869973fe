package main

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher re-reads the config file when it changes and applies what
// can be changed live (the log level). Anything else is reported as needing
// a restart.
type ConfigWatcher struct {
	path      string
	overrides FlagOverrides
	current   Config
	level     *slog.LevelVar
	logger    *slog.Logger
}

// NewConfigWatcher watches path. overrides are re-applied on every reload so
// a flag keeps winning over the file.
func NewConfigWatcher(path string, overrides FlagOverrides, current Config, level *slog.LevelVar, logger *slog.Logger) *ConfigWatcher {
	return &ConfigWatcher{
		path:      path,
		overrides: overrides,
		current:   current,
		level:     level,
		logger:    logger,
	}
}

// Run watches until ctx is canceled. Failing to set up the watch is logged
// and not fatal.
func (w *ConfigWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("config reload disabled", "error", err)
		return nil
	}
	defer watcher.Close()

	// Watch the directory; editors replace files rather than writing in place.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		w.logger.Warn("config reload disabled", "path", w.path, "error", err)
		return nil
	}
	w.logger.Debug("watching config", "path", w.path)

	filename := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.reload()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (w *ConfigWatcher) reload() {
	cfg, err := LoadConfigFile(w.path)
	if err != nil {
		w.logger.Warn("config reload failed; keeping current settings", "error", err)
		return
	}
	w.overrides.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		w.logger.Warn("reloaded config is invalid; keeping current settings", "error", err)
		return
	}

	if cfg.Logging.Level != w.current.Logging.Level {
		lvl, _ := parseLogLevel(cfg.Logging.Level)
		w.level.Set(lvl.slogLevel())
		w.logger.Info("log level changed", "level", lvl)
	}

	live, next := w.current, cfg
	live.Logging.Level, next.Logging.Level = "", ""
	if live != next {
		w.logger.Warn("config changed; restart pasvd to apply", "path", w.path)
	}

	w.current = cfg
}
