// Package confwatch reloads a configuration file when it changes on disk.
package confwatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/flowboard/internal/checksum"
)

// DefaultDebounce coalesces the burst of events editors emit for one save.
const DefaultDebounce = 200 * time.Millisecond

// ReloadFunc receives the new file content. An error keeps the previous
// configuration in effect.
type ReloadFunc func(data []byte) error

// Watch watches the file at path until ctx is cancelled and calls reload each
// time its content changes. The parent directory is watched so atomic
// rename-over saves are seen too. Content identical to the last applied
// version is skipped.
func Watch(ctx context.Context, path string, debounce time.Duration, logger *slog.Logger, reload ReloadFunc) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("confwatch: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("confwatch: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("confwatch: watch %s: %w", filepath.Dir(abs), err)
	}

	last := ""
	if data, err := os.ReadFile(abs); err == nil {
		last = checksum.Sum(data)
	}
	logger.Info("confwatch: started", slog.String("path", abs))

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
			logger.Info("confwatch: stopped")
			return nil

		case <-fire:
			fire = nil
			data, err := os.ReadFile(abs)
			if err != nil {
				logger.Warn("confwatch: read failed", slog.String("error", err.Error()))
				continue
			}
			sum := checksum.Sum(data)
			if sum == last {
				continue
			}
			if err := reload(data); err != nil {
				logger.Warn("confwatch: reload rejected", slog.String("error", err.Error()))
				continue
			}
			last = sum
			logger.Info("confwatch: reloaded", slog.String("path", abs))

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("confwatch: error", slog.String("error", watchErr.Error()))
		}
	}
}
