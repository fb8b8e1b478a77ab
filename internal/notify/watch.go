package notify

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// rulesReloadDebounce batches the burst of events editors produce when
// saving a file.
const rulesReloadDebounce = 250 * time.Millisecond

// LoadRulesFile loads path into the planner, keeping the current rules
// when the file is invalid.
func (p *Planner) LoadRulesFile(path string) error {
	rules, err := LoadRules(path)
	if err != nil {
		return err
	}

	p.SetRules(rules)
	p.logger.Info("notification rules loaded",
		slog.String("path", path),
		slog.Int("overrides", len(rules)),
	)

	return nil
}

// WatchRules reloads path whenever it changes until ctx is cancelled.
// The parent directory is watched so atomic replace-by-rename saves are
// seen. A file that fails to parse leaves the previous rules active.
func (p *Planner) WatchRules(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating rules watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving rules path: %w", err)
	}

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching rules directory: %w", err)
	}

	var reloadAt time.Time

	ticker := time.NewTicker(rulesReloadDebounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) != abs {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				reloadAt = time.Now().Add(rulesReloadDebounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			p.logger.Warn("rules watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if reloadAt.IsZero() || time.Now().Before(reloadAt) {
				continue
			}

			reloadAt = time.Time{}

			if err := p.LoadRulesFile(abs); err != nil {
				p.logger.Warn("reloading notification rules, keeping previous",
					slog.String("path", abs),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
