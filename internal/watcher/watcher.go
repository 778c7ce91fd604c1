// Package watcher observes the local session tree for round, summary, and
// SHAP artifacts written directly to disk, and feeds them into the shared
// processing pipeline. The filesystem notification thread only debounces
// and enqueues; a single consumer drains the bounded queue in order, which
// preserves per-session ordering and provides backpressure when bursts of
// files land faster than they can be persisted.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fedwatch/fedwatch/internal/classify"
	"github.com/fedwatch/fedwatch/internal/pipeline"
)

const defaultQueueLen = 256

// Sink consumes settled local artifacts. *pipeline.Pipeline satisfies it.
type Sink interface {
	ProcessLocalFile(ctx context.Context, key string, raw []byte, fsEvent string) error
}

type fileEvent struct {
	path string
	op   string // created or modified
}

// Watcher observes a sessions root recursively.
type Watcher struct {
	root   string
	settle time.Duration
	sink   Sink
	logger *zap.Logger

	fsw   *fsnotify.Watcher
	queue chan fileEvent

	mu     sync.Mutex
	timers map[string]*time.Timer

	wg sync.WaitGroup
}

// New creates a Watcher over root. settle is the delay applied after the
// last notification for a path before the file is read; it reduces, but
// cannot eliminate, the chance of reading a file mid-write — there is no
// write-completion signal on plain filesystems.
func New(root string, settle time.Duration, sink Sink, logger *zap.Logger) *Watcher {
	if settle <= 0 {
		settle = 500 * time.Millisecond
	}
	return &Watcher{
		root:   root,
		settle: settle,
		sink:   sink,
		logger: logger,
		queue:  make(chan fileEvent, defaultQueueLen),
		timers: make(map[string]*time.Timer),
	}
}

// Start begins watching. The root is created if missing, and every existing
// subdirectory is registered; directories created later are picked up from
// their create notifications. Runs until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw

	err = filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
	if err != nil {
		fsw.Close()
		return err
	}

	w.wg.Add(2)
	go w.notifyLoop(ctx)
	go w.consumeLoop(ctx)

	w.logger.Info("session watcher started",
		zap.String("root", w.root),
		zap.Duration("settle", w.settle),
	)
	return nil
}

// Wait blocks until both loops have exited after ctx cancellation.
func (w *Watcher) Wait() {
	w.wg.Wait()
}

/// notifyLoop runs on the fsnotify thread's behalf: it registers new
// directories and debounces file notifications. No persistence or
// broadcast happens here.
func (w *Watcher) notifyLoop(ctx context.Context) {
	defer w.wg.Done()
	defer w.fsw.Close()

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
		if ev.Op&fsnotify.Create != 0 {
			// Walk the new subtree: nested directories and files can land
			// before the watch on this directory is in place.
			w.addTree(ctx, ev.Name)
		}
		return
	}

	key, ok := w.keyFor(ev.Name)
	if !ok || !classify.Classify(key).Relevant() {
		return
	}

	op := "modified"
	if ev.Op&fsnotify.Create != 0 {
		op = "created"
	}
	w.debounce(ctx, fileEvent{path: ev.Name, op: op})
}

func (w *Watcher) addTree(ctx context.Context, dir string) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				w.logger.Warn("failed to watch new directory",
					zap.String("path", path),
					zap.Error(err),
				)
			}
			return nil
		}
		if key, ok := w.keyFor(path); ok && classify.Classify(key).Relevant() {
			w.debounce(ctx, fileEvent{path: path, op: "created"})
		}
		return nil
	})
	if err != nil {
		w.logger.Warn("failed to walk new directory", zap.String("path", dir), zap.Error(err))
	}
}

// debounce arms (or re-arms) the settle timer for a path. The timer
// callback enqueues; a full queue blocks it, which is the backpressure.
//
// Re-arming keeps the first notification's op, so a create followed by
// writes within the settle window reports "created". A notification that
// races the fired timer before its map entry is deleted can also be
// absorbed into the delivery already in flight. Both coalescings hand the
// pipeline the file's final bytes, and processing is an idempotent upsert,
// so neither loses data; the next write debounces afresh.
func (w *Watcher) debounce(ctx context.Context, fe fileEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[fe.path]; ok {
		t.Reset(w.settle)
		return
	}
	w.timers[fe.path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.timers, fe.path)
		w.mu.Unlock()
		select {
		case w.queue <- fe:
		case <-ctx.Done():
		}
	})
}

// consumeLoop drains the queue in order on a single goroutine, so all
// storage and broadcast work stays on one execution context.
func (w *Watcher) consumeLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case fe := <-w.queue:
			w.process(ctx, fe)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) process(ctx context.Context, fe fileEvent) {
	raw, err := os.ReadFile(fe.path)
	if err != nil {
		w.logger.Warn("settled file unreadable",
			zap.String("path", fe.path),
			zap.Error(err),
		)
		return
	}
	key, ok := w.keyFor(fe.path)
	if !ok {
		return
	}
	if err := w.sink.ProcessLocalFile(ctx, key, raw, fe.op); err != nil && !errors.Is(err, pipeline.ErrSkipped) {
		w.logger.Error("local artifact processing failed",
			zap.String("path", fe.path),
			zap.Error(err),
		)
	}
}

// keyFor maps an absolute path under the root to the canonical
// "sessions/<session>/..." key the classifier expects.
func (w *Watcher) keyFor(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." {
		return "", false
	}
	return "sessions/" + filepath.ToSlash(rel), true
}
