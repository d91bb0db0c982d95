package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
)

// LogLevelKey is the dotenv key re-read by WatchLogLevel.
const LogLevelKey = "MCPME_LOG_LEVEL"

const watchDebounce = 100 * time.Millisecond

// Watch calls fn with the parsed contents of the dotenv file at path each
// time it is written, created or replaced, until ctx is done. The parent
// directory is watched so editors that rename over the file are seen.
func Watch(ctx context.Context, path string, log *slog.Logger, fn func(map[string]string)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("config: watch %s: %w", path, err)
	}

	go func() {
		defer w.Close()

		var (
			timer  *time.Timer
			reload <-chan time.Time
		)
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(watchDebounce)
				} else {
					timer.Reset(watchDebounce)
				}
				reload = timer.C
			case <-reload:
				reload = nil
				values, err := godotenv.Read(abs)
				if err != nil {
					log.WarnContext(ctx, "config.reload.fail", slog.String("path", abs), slog.String("err", err.Error()))
					continue
				}
				log.InfoContext(ctx, "config.reload.ok", slog.String("path", abs))
				fn(values)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.WarnContext(ctx, "config.watch.err", slog.String("err", err.Error()))
			}
		}
	}()
	return nil
}

// WatchLogLevel applies LogLevelKey from the dotenv file at path to level
// whenever the file changes. Unparseable values are logged and ignored.
func WatchLogLevel(ctx context.Context, path string, level *slog.LevelVar, log *slog.Logger) error {
	return Watch(ctx, path, log, func(values map[string]string) {
		raw, ok := values[LogLevelKey]
		if !ok {
			return
		}
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(raw)); err != nil {
			log.WarnContext(ctx, "config.log_level.invalid", slog.String("value", raw))
			return
		}
		if lvl != level.Level() {
			level.Set(lvl)
			log.InfoContext(ctx, "config.log_level.set", slog.String("level", lvl.String()))
		}
	})
}
