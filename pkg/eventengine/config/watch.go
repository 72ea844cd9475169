package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settleDelay lets an editor finish writing before the file is re-read.
const settleDelay = 100 * time.Millisecond

// Watch re-reads the rule file at path whenever it is written or replaced and
// hands each valid rule set to apply. Invalid files are logged and skipped so
// the active rules stay in place. Watch blocks until ctx is cancelled.
//
// The parent directory is watched rather than the file so atomic renames and
// ConfigMap symlink swaps are seen.
func Watch(ctx context.Context, path string, apply func(RuleSet) error, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "rules-watcher"), slog.String("path", path))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching directory %s: %w", dir, err)
	}
	filename := filepath.Base(path)

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != filename {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(settleDelay)
			} else {
				timer.Reset(settleDelay)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			rs, err := LoadRules(path)
			if err != nil {
				logger.Error("rule reload rejected", slog.String("error", err.Error()))
				continue
			}
			if err := apply(rs); err != nil {
				logger.Error("rule reload failed", slog.String("error", err.Error()))
				continue
			}
			logger.Info("rules reloaded",
				slog.Int("filter_rules", len(rs.Filter)),
				slog.Int("correlation_rules", len(rs.Correlation)),
			)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("rule watcher error", slog.String("error", err.Error()))
		}
	}
}
