package watcher

// Package watcher picks up slot files written into the data root by an
// external recorder. It watches recursively, debounces writes, and only
// reports files whose relative path is a valid slot file name.

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"slot-upload-daemon/internal/slot"
)

// Watcher handles the file system events using fsnotify.
type Watcher struct {
	root      string
	fsWatcher *fsnotify.Watcher
	debounce  time.Duration
	onFile    func(fileName string)
	logger    *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewWatcher watches root and calls onFile with the slot file name (relative
// to root, slash separated) once a file has been quiet for debounce.
func NewWatcher(root string, debounce time.Duration, onFile func(fileName string), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		root:      root,
		fsWatcher: fsw,
		debounce:  debounce,
		onFile:    onFile,
		logger:    logger,
		timers:    make(map[string]*time.Timer),
	}
	go w.loop()

	if err := w.AddRecursive(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			info, err := os.Stat(event.Name)
			if err != nil {
				continue
			}
			if info.IsDir() {
				if event.Has(fsnotify.Create) {
					if err := w.AddRecursive(event.Name); err != nil {
						w.logger.Warn("Failed to watch directory", "path", event.Name, "error", err)
					}
				}
				continue
			}
			if name, ok := w.slotName(event.Name); ok {
				w.schedule(name)
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)
		}
	}
}

func (w *Watcher) schedule(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[name]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[name] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, name)
		w.mu.Unlock()
		w.onFile(name)
	})
}

func (w *Watcher) slotName(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return "", false
	}
	name := filepath.ToSlash(rel)
	if _, err := slot.Parse(name); err != nil {
		return "", false
	}
	return name, true
}

// AddRecursive adds the given path and all its sub-directories to the watcher.
func (w *Watcher) AddRecursive(path string) error {
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			w.logger.Debug("Watching", "path", p)
			return w.fsWatcher.Add(p)
		}
		// Files that appeared before the directory was watched.
		if name, ok := w.slotName(p); ok && path != w.root {
			w.schedule(name)
		}
		return nil
	})
}

// Close shuts down the watcher and drops pending callbacks.
func (w *Watcher) Close() {
	w.fsWatcher.Close()
	w.mu.Lock()
	for name, t := range w.timers {
		t.Stop()
		delete(w.timers, name)
	}
	w.mu.Unlock()
}

// Scan calls fn for every slot file already under root.
func Scan(root string, fn func(fileName string)) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == root {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		name := filepath.ToSlash(rel)
		if _, err := slot.Parse(name); err == nil {
			fn(name)
		}
		return nil
	})
}
