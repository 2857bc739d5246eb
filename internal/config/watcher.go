package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/oto-proxy/oto/internal/logging"
)

// Watcher reloads the configuration file on change and swaps the view.
type Watcher struct {
	path     string
	loader   *Loader
	view     *View
	onReload func(*Snapshot)
	logger   *zap.Logger

	// Debounce window: editors fire several events per save.
	debounce time.Duration
}

// NewWatcher creates a watcher for the given config file and view.
// onReload may be nil; when set it runs after each successful swap.
func NewWatcher(path string, view *View, onReload func(*Snapshot)) *Watcher {
	return &Watcher{
		path:     path,
		loader:   NewLoader(),
		view:     view,
		onReload: onReload,
		logger:   logging.Named("config"),
		debounce: 200 * time.Millisecond,
	}
}

// Run watches until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	// Watch the directory: some editors replace the file on save, which
	// drops the watch on the file itself.
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		case <-fire:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.path)
	if err != nil {
		// Keep serving the last good snapshot.
		w.logger.Error("Config reload failed, keeping previous snapshot", zap.Error(err))
		return
	}
	snap := NewSnapshot(cfg)
	w.view.Swap(snap)
	w.logger.Info("Configuration reloaded",
		zap.Int("services", len(snap.Services)),
		zap.Int("apikeys", snap.ApiKeyCount()),
	)
	if w.onReload != nil {
		w.onReload(snap)
	}
}
