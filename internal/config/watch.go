package config

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads a martianls.toml file whenever it changes on disk.
type Watcher struct {
	path     string
	fsw      *fsnotify.Watcher
	onChange func(Settings, error)
	logger   *zap.Logger
	done     chan struct{}
	once     sync.Once
}

// Watch starts watching path, which need not exist yet. onChange receives the
// reloaded settings; a removed file yields the zero Settings. The directory is
// watched rather than the file so that atomic replacements are observed.
func Watch(path string, logger *zap.Logger, onChange func(Settings, error)) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	w := &Watcher{
		path:     filepath.Clean(path),
		fsw:      fsw,
		onChange: onChange,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		err = w.fsw.Close()
		<-w.done
	})
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
				!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	settings, err := LoadFile(w.path)
	if err != nil {
		if _, statErr := os.Stat(w.path); errors.Is(statErr, os.ErrNotExist) {
			w.logger.Info("workspace config removed", zap.String("path", w.path))
			w.onChange(Settings{}, nil)
			return
		}
		w.logger.Warn("failed to reload workspace config", zap.String("path", w.path), zap.Error(err))
		w.onChange(Settings{}, err)
		return
	}
	w.logger.Info("workspace config reloaded", zap.String("path", w.path))
	w.onChange(settings, nil)
}
