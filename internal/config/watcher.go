package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the config file when it changes on disk and hands the new
// value to onChange. Invalid edits are logged and ignored.
type Watcher struct {
	path     string
	onChange func(*Config)
	logger   *zap.SugaredLogger

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	done    chan struct{}
	once    sync.Once
}

func NewWatcher(path string, onChange func(*Config), logger *zap.SugaredLogger) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		onChange: onChange,
		logger:   logger,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins watching. The parent directory is watched so that editors
// which replace the file by rename are picked up too.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	w.watcher = fw
	go w.watchLoop()
	return nil
}

// Stop ends the watch loop and waits for it to exit.
func (w *Watcher) Stop() error {
	var err error
	w.once.Do(func() {
		close(w.stopCh)
		if w.watcher != nil {
			err = w.watcher.Close()
			<-w.done
		}
	})
	return err
}

func (w *Watcher) watchLoop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("Config watcher error", "error", err)
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) reload() {
	// A truncated file is a write in progress.
	if fi, err := os.Stat(w.path); err != nil || fi.Size() == 0 {
		return
	}
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warnw("Ignoring config change", "path", w.path, "error", err)
		return
	}
	w.logger.Infow("Config reloaded", "path", w.path, "products", len(cfg.Products))
	w.onChange(cfg)
}
