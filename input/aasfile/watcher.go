// Package aasfile ingests AAS environments from a watched directory.
// JSON environment serializations are decoded directly; container
// formats are unpacked by an external tool before they land here.
package aasfile

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hadijannat/aas-uns-bridge/aas"
	"github.com/hadijannat/aas-uns-bridge/config"
	"github.com/hadijannat/aas-uns-bridge/errors"
)

// Event is one ingress event: a complete environment plus provenance.
type Event struct {
	Env       *aas.Environment
	OriginURI string
	// SourceTimestamp stamps the snapshot's leaves; derived from the
	// file's modification time so identical re-deliveries dedupe.
	SourceTimestamp int64
}

// Handler consumes ingress events.
type Handler func(ctx context.Context, ev Event)

// Watcher emits an Event for each new or changed AAS bundle in the
// watch directory, debounced against editor write bursts.
type Watcher struct {
	cfg     config.FileWatcherConfig
	handler Handler
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New creates a watcher delivering events to handler.
func New(cfg config.FileWatcherConfig, handler Handler, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		pending: make(map[string]*time.Timer),
		done:    make(chan struct{}),
	}
}

// Start begins watching. Existing matching files are delivered once at
// startup, then changes stream in.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.cfg.Enabled {
		return nil
	}

	if err := os.MkdirAll(w.cfg.WatchDir, 0o755); err != nil {
		return errors.WrapFatal(err, "Watcher", "Start", "create watch directory")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.WrapFatal(err, "Watcher", "Start", "create fsnotify watcher")
	}
	if err := fsw.Add(w.cfg.WatchDir); err != nil {
		_ = fsw.Close()
		return errors.WrapFatal(err, "Watcher", "Start", "watch directory")
	}
	w.watcher = fsw

	// Initial sweep of files already present.
	entries, err := os.ReadDir(w.cfg.WatchDir)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			path := filepath.Join(w.cfg.WatchDir, entry.Name())
			if w.matches(path) {
				w.deliver(ctx, path)
			}
		}
	}

	go w.loop(ctx)
	w.logger.Info("watching for AAS bundles",
		"dir", w.cfg.WatchDir,
		"patterns", strings.Join(w.cfg.Patterns, ","))
	return nil
}

// Stop ends the watch.
func (w *Watcher) Stop() {
	close(w.done)
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !w.matches(event.Name) {
				continue
			}
			w.debounce(ctx, event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

// debounce coalesces write bursts: the event fires only after the file
// has been quiet for the configured interval.
func (w *Watcher) debounce(ctx context.Context, path string) {
	delay := time.Duration(w.cfg.DebounceSeconds * float64(time.Second))
	if delay <= 0 {
		w.deliver(ctx, path)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.pending[path]; ok {
		timer.Reset(delay)
		return
	}
	w.pending[path] = time.AfterFunc(delay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.deliver(ctx, path)
	})
}

func (w *Watcher) deliver(ctx context.Context, path string) {
	if !strings.HasSuffix(strings.ToLower(path), ".json") {
		w.logger.Debug("skipping non-JSON bundle, container unpacking is external", "path", path)
		return
	}

	env, err := aas.LoadEnvironment(path)
	if err != nil {
		w.logger.Error("failed to load AAS environment", "path", path, "error", err)
		return
	}

	ts := time.Now().UnixMilli()
	if info, err := os.Stat(path); err == nil {
		ts = info.ModTime().UnixMilli()
	}

	w.handler(ctx, Event{
		Env:             env,
		OriginURI:       "file://" + path,
		SourceTimestamp: ts,
	})
}

func (w *Watcher) matches(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range w.cfg.Patterns {
		if ok, err := filepath.Match(pattern, base); err == nil && ok {
			return true
		}
	}
	return len(w.cfg.Patterns) == 0
}
