package source

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/rebeliceyang/vizconn/internal/log"
)

// FileWatcher keeps a Store in step with a yaml file. The file's directory
// is watched so editors that replace the file on save are handled.
type FileWatcher struct {
	path    string
	store   *Store
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// WatchFile loads path into store and reloads it whenever the file changes.
// A missing file is not an error; the store is filled once it appears.
func WatchFile(path string, store *Store) (*FileWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	fw := &FileWatcher{
		path:    abs,
		store:   store,
		watcher: w,
		done:    make(chan struct{}),
	}
	fw.reload()

	fw.wg.Add(1)
	go fw.loop()
	return fw, nil
}

func (fw *FileWatcher) loop() {
	defer fw.wg.Done()
	for {
		select {
		case <-fw.done:
			return
		case ev, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != fw.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
				fw.reload()
			}
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("connections file watcher error", "path", fw.path, "error", err)
		}
	}
}

func (fw *FileWatcher) reload() {
	if err := fw.store.Load(fw.path); err != nil {
		log.Warn("failed to reload connections file", "path", fw.path, "error", err)
		return
	}
	log.Debug("reloaded connections file", "path", fw.path)
}

// Path returns the watched file
func (fw *FileWatcher) Path() string {
	return fw.path
}

// Close stops watching
func (fw *FileWatcher) Close() error {
	var err error
	fw.once.Do(func() {
		close(fw.done)
		err = fw.watcher.Close()
		fw.wg.Wait()
	})
	return err
}
