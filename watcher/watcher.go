// Package watcher monitors a drop directory for arriving registry hive
// collections and runs timeline analysis on each as it completes.
//
// A collection is any directory below the watched root containing a
// SYSTEM hive, optionally beside an Amcache.hve. Triage tools copy
// hives in over several seconds, so a collection is only analyzed once
// it has been quiet for a settle period.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/okauppin/shimline/hive"
	"github.com/okauppin/shimline/report"
	"github.com/okauppin/shimline/timeline"
)

// OutputName is the CSV filename written next to each processed
// collection.
const OutputName = "timeline.csv"

// systemHiveRx matches SYSTEM hive filenames as produced by common
// triage collectors (SYSTEM, SYSTEM.hiv, system_copy, ...).
var systemHiveRx = regexp.MustCompile(`(?i)^system(\.hiv|\.dat|_[a-z0-9]+)?$`)

// amcacheRx matches Amcache hive filenames.
var amcacheRx = regexp.MustCompile(`(?i)^amcache\.hve$`)

// Watcher monitors a directory tree and analyzes hive collections.
type Watcher struct {
	fsw     *fsnotify.Watcher
	rootDir string

	patterns []*regexp.Regexp
	analysis timeline.Options
	log      *slog.Logger

	// Collections seen but not yet quiet, keyed by directory.
	pending   map[string]time.Time
	pendingMu sync.Mutex

	settleDelay time.Duration

	processed   int
	processedMu sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	runMu   sync.RWMutex

	errorHandler   func(error)
	resultCallback func(dir string, entities int, duration time.Duration)
}

// Stats reports watcher progress.
type Stats struct {
	PendingCollections   int
	ProcessedCollections int
}

// Option is a functional option for configuring the Watcher.
type Option func(*Watcher)

// WithSettleDelay sets how long a collection must stay quiet before it
// is analyzed.
func WithSettleDelay(delay time.Duration) Option {
	return func(w *Watcher) {
		w.settleDelay = delay
	}
}

// WithErrorHandler sets a callback for handling errors.
func WithErrorHandler(handler func(error)) Option {
	return func(w *Watcher) {
		w.errorHandler = handler
	}
}

// WithResultCallback sets a callback invoked after each analyzed
// collection with the entity count and analysis duration.
func WithResultCallback(callback func(dir string, entities int, duration time.Duration)) Option {
	return func(w *Watcher) {
		w.resultCallback = callback
	}
}

// New creates a watcher over rootDir. The patterns and analysis options
// are applied to every collection.
func New(rootDir string, patterns []*regexp.Regexp, analysis timeline.Options, opts ...Option) (*Watcher, error) {
	if analysis.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &Watcher{
		fsw:         fsw,
		rootDir:     rootDir,
		patterns:    patterns,
		analysis:    analysis,
		log:         analysis.Logger,
		pending:     make(map[string]time.Time),
		settleDelay: 5 * time.Second,
		ctx:         ctx,
		cancel:      cancel,
		errorHandler: func(err error) {
			fmt.Fprintf(os.Stderr, "watcher error: %v\n", err)
		},
	}

	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

// Start begins watching the filesystem.
func (w *Watcher) Start() error {
	w.runMu.Lock()
	if w.running {
		w.runMu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.runMu.Unlock()

	if err := w.watchTree(w.rootDir); err != nil {
		w.runMu.Lock()
		w.running = false
		w.runMu.Unlock()
		return fmt.Errorf("watch tree: %w", err)
	}

	w.wg.Add(1)
	go w.eventLoop()

	w.wg.Add(1)
	go w.settleLoop()

	return nil
}

// Stop stops the watcher gracefully, analyzing any collections that
// were already quiet.
func (w *Watcher) Stop() error {
	w.runMu.Lock()
	if !w.running {
		w.runMu.Unlock()
		return nil
	}
	w.runMu.Unlock()

	w.cancel()

	if err := w.fsw.Close(); err != nil {
		return fmt.Errorf("close fsnotify: %w", err)
	}

	w.wg.Wait()

	w.processSettled(time.Now())

	w.runMu.Lock()
	w.running = false
	w.runMu.Unlock()

	return nil
}

// Stats returns current watcher statistics.
func (w *Watcher) Stats() Stats {
	w.pendingMu.Lock()
	pending := len(w.pending)
	w.pendingMu.Unlock()

	w.processedMu.Lock()
	processed := w.processed
	w.processedMu.Unlock()

	return Stats{
		PendingCollections:   pending,
		ProcessedCollections: processed,
	}
}

// watchTree recursively watches all directories and marks directories
// that already hold a SYSTEM hive as pending.
func (w *Watcher) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			if systemHiveRx.MatchString(d.Name()) {
				w.markPending(filepath.Dir(path))
			}
			return nil
		}

		fi, err := os.Lstat(path)
		if err != nil {
			return err
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return filepath.SkipDir
		}

		if err := w.fsw.Add(path); err != nil {
			w.log.Warn("failed to watch directory", "path", path, "error", err)
			return nil
		}

		return nil
	})
}

// eventLoop processes fsnotify events.
func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.errorHandler != nil {
				w.errorHandler(fmt.Errorf("fsnotify error: %w", err))
			}

		case <-w.ctx.Done():
			return
		}
	}
}

// handleEvent inspects a single fsnotify event. New directories extend
// the watch tree; hive writes refresh their collection's settle clock.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Create != 0 {
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
			if err := w.watchTree(event.Name); err != nil && w.errorHandler != nil {
				w.errorHandler(fmt.Errorf("watch tree %s: %w", event.Name, err))
			}
			return
		}
	}

	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	basename := filepath.Base(event.Name)
	dir := filepath.Dir(event.Name)

	switch {
	case systemHiveRx.MatchString(basename):
		w.markPending(dir)
	case amcacheRx.MatchString(basename):
		// Only refresh the clock if the SYSTEM hive is already there;
		// an Amcache on its own is not analyzable.
		w.pendingMu.Lock()
		if _, ok := w.pending[dir]; ok {
			w.pending[dir] = time.Now()
		}
		w.pendingMu.Unlock()
	}
}

func (w *Watcher) markPending(dir string) {
	w.pendingMu.Lock()
	w.pending[dir] = time.Now()
	w.pendingMu.Unlock()
}

// settleLoop periodically analyzes collections that have been quiet
// for the settle delay.
func (w *Watcher) settleLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.processSettled(time.Now())
		case <-w.ctx.Done():
			return
		}
	}
}

// processSettled analyzes every pending collection whose last event is
// older than the settle delay relative to now.
func (w *Watcher) processSettled(now time.Time) {
	w.pendingMu.Lock()
	var ready []string
	for dir, last := range w.pending {
		if now.Sub(last) >= w.settleDelay {
			ready = append(ready, dir)
			delete(w.pending, dir)
		}
	}
	w.pendingMu.Unlock()

	for _, dir := range ready {
		if err := w.processCollection(dir); err != nil {
			if w.errorHandler != nil {
				w.errorHandler(fmt.Errorf("process collection %s: %w", dir, err))
			}
		}
	}
}

// processCollection analyzes one collection directory and writes the
// timeline CSV next to its hives.
func (w *Watcher) processCollection(dir string) error {
	systemPath, amcachePath, err := FindHives(dir)
	if err != nil {
		return err
	}

	w.log.Info("analyzing collection",
		"dir", dir,
		"system", filepath.Base(systemPath),
		"amcache", amcachePath != "",
	)

	start := time.Now()

	entities, err := analyzePaths(systemPath, amcachePath, w.patterns, w.analysis)
	if err != nil {
		return err
	}

	outputPath := filepath.Join(dir, OutputName)
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if err := report.WriteTimeline(f, entities); err != nil {
		f.Close()
		return fmt.Errorf("write output: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}

	duration := time.Since(start)

	w.processedMu.Lock()
	w.processed++
	w.processedMu.Unlock()

	w.log.Info("collection analyzed",
		"dir", dir,
		"entities", len(entities),
		"output", outputPath,
		"duration", duration,
	)

	if w.resultCallback != nil {
		w.resultCallback(dir, len(entities), duration)
	}

	return nil
}

// FindHives locates the SYSTEM hive and an optional Amcache.hve in a
// collection directory.
func FindHives(dir string) (systemPath, amcachePath string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", "", fmt.Errorf("read collection dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		switch {
		case systemHiveRx.MatchString(name) && systemPath == "":
			systemPath = filepath.Join(dir, name)
		case amcacheRx.MatchString(name) && amcachePath == "":
			amcachePath = filepath.Join(dir, name)
		}
	}
	if systemPath == "" {
		return "", "", fmt.Errorf("no SYSTEM hive in %s", dir)
	}
	return systemPath, amcachePath, nil
}

// analyzePaths loads the hives and runs the timeline analysis.
func analyzePaths(systemPath, amcachePath string, patterns []*regexp.Regexp, opts timeline.Options) ([]*timeline.Entity, error) {
	shimcacheParser, err := hive.Load(systemPath)
	if err != nil {
		return nil, err
	}
	shimcache, err := shimcacheParser.ParseShimcache()
	shimcacheParser.Close()
	if err != nil {
		return nil, err
	}

	var amcache *hive.AmcacheArtifact
	if amcachePath != "" {
		amcacheParser, err := hive.Load(amcachePath)
		if err != nil {
			return nil, err
		}
		amcache, err = amcacheParser.ParseAmcache()
		amcacheParser.Close()
		if err != nil {
			return nil, err
		}
	}

	return timeline.Analyze(shimcache, amcache, patterns, opts)
}

// IsHiveFile reports whether a basename looks like a hive this watcher
// cares about. Exposed for tests and the check package's collection scan.
func IsHiveFile(basename string) bool {
	return systemHiveRx.MatchString(basename) || amcacheRx.MatchString(basename)
}
