// Package watch reruns synchronization passes whenever documents show up in
// the new document tree.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/schaermu/slipsheet/internal/document"
)

// Runner performs one synchronization pass
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to the Runner interface
type RunnerFunc func(ctx context.Context) error

// Run calls f(ctx)
func (f RunnerFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// Watcher observes the new document tree and triggers debounced passes
type Watcher struct {
	root      string
	recursive bool
	filter    *document.Filter
	runner    Runner
	logger    *slog.Logger

	syncMu      sync.Mutex // guards syncRunning and syncPending
	syncRunning bool       // whether a pass is currently in progress
	syncPending bool       // whether another pass is needed after the current one
	debounce    *debouncer

	fsw *fsnotify.Watcher
}

// debouncer collapses bursts of events into one callback
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
	stopped  bool
	running  sync.WaitGroup
}

// New creates a watcher for root. Passes run at most once per delay after
// the last relevant event.
func New(root string, recursive bool, filter *document.Filter, runner Runner, delay time.Duration, logger *slog.Logger) *Watcher {
	return &Watcher{
		root:      root,
		recursive: recursive,
		filter:    filter,
		runner:    runner,
		logger:    logger,
		debounce:  &debouncer{delay: delay},
	}
}

// Start performs an initial pass, then watches until ctx is cancelled. A
// pass still running at that point is waited for.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer func() {
		_ = fsw.Close()
	}()
	w.fsw = fsw

	if err := w.addTree(w.root); err != nil {
		return err
	}

	w.logger.Info("performing initial sync before watching", "root", w.root)
	w.performSync(ctx)

	w.logger.Info("watching for new documents", "root", w.root, "recursive", w.recursive)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("stopping watcher")
			w.debounce.stop()
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				w.debounce.stop()
				return nil
			}
			w.handleEvent(ctx, event)
		case err, ok := <-fsw.Errors:
			if !ok {
				w.debounce.stop()
				return nil
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

// handleEvent starts watching new subdirectories and schedules a pass for
// relevant changes
func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			if !w.recursive {
				return
			}
			if err := w.addTree(event.Name); err != nil {
				w.logger.Error("adding new directory to watcher", "dir", event.Name, "error", err)
			}
			w.schedule(ctx, event)
			return
		}
	}

	if w.isRelevant(event) {
		w.schedule(ctx, event)
	}
}

// isRelevant reports whether event may change the outcome of a pass
func (w *Watcher) isRelevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return false
	}
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return false
	}
	return w.filter.HasDocumentExtension(event.Name)
}

func (w *Watcher) schedule(ctx context.Context, event fsnotify.Event) {
	w.logger.Debug("change detected", "path", event.Name, "op", event.Op.String())
	w.debounce.trigger(func() {
		w.performSync(ctx)
	})
}

// addTree adds dir and, when recursive, every non-hidden directory below it
func (w *Watcher) addTree(dir string) error {
	if !w.recursive {
		if err := w.fsw.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
		return nil
	}

	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

// performSync executes a pass with single-flight semantics. If a pass is
// already in progress, at most one additional run is queued.
func (w *Watcher) performSync(ctx context.Context) {
	w.syncMu.Lock()
	if w.syncRunning {
		w.syncPending = true
		w.syncMu.Unlock()
		w.logger.Info("sync already in progress, queuing pending re-run")
		return
	}
	w.syncRunning = true
	w.syncMu.Unlock()

	for {
		if ctx.Err() != nil {
			w.syncMu.Lock()
			w.syncRunning = false
			w.syncPending = false
			w.syncMu.Unlock()
			return
		}

		if err := w.runner.Run(ctx); err != nil {
			w.logger.Error("sync failed", "error", err)
		}

		w.syncMu.Lock()
		if !w.syncPending {
			w.syncRunning = false
			w.syncMu.Unlock()
			return
		}
		w.syncPending = false
		w.syncMu.Unlock()

		w.logger.Info("re-running sync due to pending request")
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		if d.stopped {
			d.mu.Unlock()
			return
		}
		cb := d.callback
		d.running.Add(1)
		d.mu.Unlock()
		defer d.running.Done()

		if cb != nil {
			cb()
		}
	})
}

// stop cancels a scheduled callback and waits for a running one
func (d *debouncer) stop() {
	d.mu.Lock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()

	d.running.Wait()
}
