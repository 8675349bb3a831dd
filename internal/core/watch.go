package core

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeWatcher fires a callback when watched credential files or session
// log directories change, so fresh activity shows up without waiting for
// the next scheduled poll. Events are debounced because CLIs rewrite these
// files in bursts.
type ChangeWatcher struct {
	watcher  *fsnotify.Watcher
	debounce time.Duration
	notify   func()
}

func NewChangeWatcher(notify func()) (*ChangeWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &ChangeWatcher{
		watcher:  w,
		debounce: 2 * time.Second,
		notify:   notify,
	}, nil
}

// Watch registers a file or directory. Paths that do not exist yet are
// skipped silently; callers pass every path they know about.
func (cw *ChangeWatcher) Watch(path string) {
	if path == "" {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := cw.watcher.Add(path); err != nil {
		log.Printf("watch: cannot watch %s: %v", path, err)
	}
}

// WatchFileDir registers the directory containing path. Watching the parent
// survives tools that replace the file by rename instead of writing in
// place.
func (cw *ChangeWatcher) WatchFileDir(path string) {
	if path == "" {
		return
	}
	cw.Watch(filepath.Dir(path))
}

// Run forwards debounced change events to the notify callback until ctx is
// cancelled.
func (cw *ChangeWatcher) Run(ctx context.Context) {
	defer cw.watcher.Close()

	fire := make(chan struct{}, 1)
	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(cw.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("watch: %v", err)
		case <-fire:
			cw.notify()
		}
	}
}
