package classifier

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher serves predictions from a model file and reloads it when the file
// changes. A model that fails to load leaves the previous one in place.
type Watcher struct {
	path   string
	logger *zap.Logger

	mu    sync.RWMutex
	model *Model

	fs   *fsnotify.Watcher
	done chan struct{}
}

// NewWatcher loads the model at path.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	m, err := LoadModel(path)
	if err != nil {
		return nil, err
	}
	logger.Info("Classifier model loaded",
		zap.String("path", path),
		zap.String("model", m.Name),
		zap.String("version", m.Version),
	)
	return &Watcher{path: path, logger: logger, model: m}, nil
}

// Model returns the active model.
func (w *Watcher) Model() *Model {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.model
}

// Predict implements Classifier with the active model.
func (w *Watcher) Predict(ctx context.Context, f Features) (Label, error) {
	return w.Model().Predict(ctx, f)
}

// Reload reads the model file again.
func (w *Watcher) Reload() error {
	m, err := LoadModel(w.path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.model = m
	w.mu.Unlock()
	w.logger.Info("Classifier model reloaded", zap.String("model", m.Name), zap.String("version", m.Version))
	return nil
}

// Start watches the model's directory until ctx ends or Close is called.
// The directory is watched rather than the file so that atomic replaces
// (write to temp, rename) are seen.
func (w *Watcher) Start(ctx context.Context) error {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create model watcher: %w", err)
	}
	if err := fs.Add(filepath.Dir(w.path)); err != nil {
		fs.Close()
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	w.fs = fs
	w.done = make(chan struct{})

	target := filepath.Clean(w.path)
	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				fs.Close()
				return
			case event, ok := <-fs.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := w.Reload(); err != nil {
					w.logger.Warn("Classifier reload failed, keeping previous model", zap.Error(err))
				}
			case err, ok := <-fs.Errors:
				if !ok {
					return
				}
				w.logger.Warn("Classifier watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	if w.fs == nil {
		return nil
	}
	err := w.fs.Close()
	<-w.done
	return err
}
