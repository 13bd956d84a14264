package embeddings

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives a freshly loaded dataset.
type ReloadFunc func(ctx context.Context, d *Dataset) error

// Watcher reloads a dataset when its vector or attribute file changes.
// Bursts of events within the debounce window cause one reload.
type Watcher struct {
	vectorPath string
	attrPath   string
	debounce   time.Duration
	reload     ReloadFunc
	logger     *slog.Logger

	fsw     *fsnotify.Watcher
	reloads atomic.Int64
	done    chan struct{}
}

// NewWatcher watches the directories holding the dataset files.
func NewWatcher(vectorPath, attrPath string, debounce time.Duration, reload ReloadFunc, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		vectorPath: filepath.Clean(vectorPath),
		debounce:   debounce,
		reload:     reload,
		logger:     logger,
		fsw:        fsw,
		done:       make(chan struct{}),
	}
	if attrPath != "" {
		w.attrPath = filepath.Clean(attrPath)
	}

	dirs := map[string]bool{filepath.Dir(w.vectorPath): true}
	if w.attrPath != "" {
		dirs[filepath.Dir(w.attrPath)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	return w, nil
}

// Reloads returns how many reloads succeeded.
func (w *Watcher) Reloads() int64 {
	return w.reloads.Load()
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return false
	}
	name := filepath.Clean(ev.Name)
	return name == w.vectorPath || (w.attrPath != "" && name == w.attrPath)
}

// Start blocks until ctx is done or Close is called.
func (w *Watcher) Start(ctx context.Context) {
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.relevant(ev) {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("dataset watcher error", "error", err)
		case <-timer.C:
			w.load(ctx)
		}
	}
}

func (w *Watcher) load(ctx context.Context) {
	d, err := Load(w.vectorPath, w.attrPath)
	if err != nil {
		// files are often observed mid-write; the next event retries
		w.logger.Warn("dataset reload skipped", "path", w.vectorPath, "error", err)
		return
	}
	if err := w.reload(ctx, d); err != nil {
		w.logger.Error("dataset reload failed", "path", w.vectorPath, "error", err)
		return
	}
	w.reloads.Add(1)
	w.logger.Info("dataset reloaded", "path", w.vectorPath, "vectors", d.Len())
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	return w.fsw.Close()
}
