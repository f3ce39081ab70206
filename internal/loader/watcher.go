package loader

import (
	"context"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reports plugin libraries appearing in or disappearing from a
// directory.
type Watcher struct {
	dir      string
	onAdd    func(path string)
	onRemove func(path string)
	logger   *zap.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher for dir. Either callback may be nil.
func NewWatcher(dir string, onAdd, onRemove func(path string), logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		dir:      dir,
		onAdd:    onAdd,
		onRemove: onRemove,
		logger:   logger.Named("plugin-watcher"),
	}
}

// Start begins watching. It returns immediately; events are delivered
// from a background goroutine until ctx is done or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher != nil {
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return err
	}
	w.watcher = fw
	w.done = make(chan struct{})

	w.wg.Add(1)
	go w.run(ctx, fw, w.done)
	w.logger.Info("Watching plugin directory", zap.String("dir", w.dir))
	return nil
}

func (w *Watcher) run(ctx context.Context, fw *fsnotify.Watcher, done <-chan struct{}) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Plugin watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !IsPluginFile(event.Name) {
		return
	}
	switch {
	case event.Has(fsnotify.Create):
		w.logger.Debug("Plugin file added", zap.String("path", event.Name))
		if w.onAdd != nil {
			w.onAdd(event.Name)
		}
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.logger.Debug("Plugin file removed", zap.String("path", event.Name))
		if w.onRemove != nil {
			w.onRemove(event.Name)
		}
	}
}

// Close stops watching and waits for the event goroutine to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	fw := w.watcher
	if fw == nil {
		w.mu.Unlock()
		return nil
	}
	w.watcher = nil
	close(w.done)
	w.mu.Unlock()

	err := fw.Close()
	w.wg.Wait()
	return err
}
