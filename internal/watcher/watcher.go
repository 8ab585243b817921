// Package watcher watches a session tree with fsnotify and reports which levels had
// their store written, debounced per level.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 400 * time.Millisecond

// storeFiles are the files whose writes mean a level changed. The store runs in WAL
// mode, so most commits only touch the -wal file.
var storeFiles = []string{"vectors.db", "vectors.db-wal"}

// Watcher watches a root directory and invokes onChange with the LevelPath of each
// level whose store was written.
type Watcher struct {
	root        string
	levelDir    string
	onChange    func(levelPath string)
	debounce    time.Duration
	watcher     *fsnotify.Watcher
	mu          sync.Mutex
	debounceMap map[string]*time.Timer
	done        chan struct{}
	started     bool
	stopOnce    sync.Once
	logger      *zap.Logger
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// WithDebounce sets how long a level must be quiet before onChange fires.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher creates a watcher over root. levelDir is the per-session level directory name.
func NewWatcher(root, levelDir string, onChange func(levelPath string), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		root:        filepath.Clean(root),
		levelDir:    levelDir,
		onChange:    onChange,
		debounce:    defaultDebounce,
		debounceMap: make(map[string]*time.Timer),
		done:        make(chan struct{}),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start starts the watcher. It runs until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = watcher
	w.started = true
	w.logger.Debug("watcher starting", zap.String("root", w.root), zap.String("level_dir", w.levelDir))
	if err := w.addTreeLocked(w.root); err != nil {
		_ = w.watcher.Close()
		w.watcher = nil
		w.started = false
		w.mu.Unlock()
		return err
	}
	events, errs := watcher.Events, watcher.Errors
	w.mu.Unlock()
	go w.run(ctx, events, errs)
	return nil
}

func (w *Watcher) run(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-errs:
			if !ok {
				return
			}
			if err != nil {
				w.logger.Debug("watcher error", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	if !inDir(w.root, path) {
		return
	}
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			w.handleNewDirectory(path)
			return
		}
	}
	if lp, ok := w.levelPathOf(path); ok {
		w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", path))
		w.debounceChange(lp)
	}
}

// levelPathOf maps <root>/<session>/<levelDir>/vectors.db[-wal] to the session's LevelPath.
func (w *Watcher) levelPathOf(path string) (string, bool) {
	if !isStoreFile(filepath.Base(path)) {
		return "", false
	}
	dir := filepath.Dir(path)
	if filepath.Base(dir) != w.levelDir {
		return "", false
	}
	rel, err := filepath.Rel(w.root, filepath.Dir(dir))
	if err != nil {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func isStoreFile(name string) bool {
	for _, f := range storeFiles {
		if name == f {
			return true
		}
	}
	return false
}

// handleNewDirectory starts watching a new session or level directory. A level
// created together with its directory is reported once its store exists.
func (w *Watcher) handleNewDirectory(dirPath string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return
	}
	if err := w.addTreeLocked(dirPath); err != nil {
		w.logger.Debug("watcher failed to add directory", zap.String("path", dirPath), zap.Error(err))
		return
	}
	w.logger.Debug("watcher added new directory", zap.String("path", dirPath))
	_ = filepath.WalkDir(dirPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if lp, ok := w.levelPathOf(p); ok {
			w.debounceChangeLocked(lp)
		}
		return nil
	})
}

// addTreeLocked watches dir and its subdirectories, skipping hidden directories
// other than level directories.
func (w *Watcher) addTreeLocked(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				return fs.SkipDir
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if p != w.root && strings.HasPrefix(name, ".") && name != w.levelDir {
			return fs.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			return err
		}
		if name == w.levelDir {
			return fs.SkipDir
		}
		return nil
	})
}

func inDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (w *Watcher) debounceChange(levelPath string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounceChangeLocked(levelPath)
}

func (w *Watcher) debounceChangeLocked(levelPath string) {
	if t, ok := w.debounceMap[levelPath]; ok {
		t.Stop()
	}
	t := time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.debounceMap, levelPath)
		w.mu.Unlock()
		w.logger.Debug("watcher level changed (debounced)", zap.String("level", levelPath))
		if w.onChange != nil {
			w.onChange(levelPath)
		}
	})
	w.debounceMap[levelPath] = t
}

// Pending returns the number of levels waiting out their debounce.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.debounceMap)
}

// Stop stops the watcher and releases resources.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started || w.watcher == nil {
		w.mu.Unlock()
		return
	}
	for lp, t := range w.debounceMap {
		t.Stop()
		delete(w.debounceMap, lp)
	}
	_ = w.watcher.Close()
	w.watcher = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
}
