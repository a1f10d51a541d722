package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce absorbs the burst of write events most editors emit when saving.
const watchDebounce = 500 * time.Millisecond

// Watcher republishes the configuration when the env file changes on disk.
//
// The watch is on the parent directory, not the file itself, so atomic
// rename-into-place saves (vim, sed -i) are seen. A failed re-read or an
// invalid mapping leaves the previous snapshot in place.
type Watcher struct {
	envFile string
	store   *Store
	log     *slog.Logger
}

// NewWatcher creates a Watcher for envFile publishing into store.
func NewWatcher(envFile string, store *Store, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{envFile: envFile, store: store, log: log}
}

// Run watches until ctx is cancelled. It returns the fsnotify setup error,
// if any; watch-loop errors are logged and the loop continues.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dir := filepath.Dir(w.envFile)
	if err := fw.Add(dir); err != nil {
		return err
	}

	w.log.Info("watching env file", slog.String("path", w.envFile))

	var timer *time.Timer
	var timerC <-chan time.Time

	target := filepath.Clean(w.envFile)
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			} else {
				timer.Reset(watchDebounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("env watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	vals, err := LoadEnv(w.envFile)
	if err != nil {
		w.log.Error("env reload failed", slog.String("error", err.Error()))
		return
	}
	if _, err := w.store.Publish(vals); err != nil {
		w.log.Error("env change rejected", slog.String("error", err.Error()))
		return
	}
	w.log.Info("env file reloaded")
}
