package policy

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// reloadDebounce coalesces bursts of filesystem events into one reload.
const reloadDebounce = 500 * time.Millisecond

// Watch reloads the store when its policy document changes on disk.
// The watch covers the containing directory so that atomic replace
// (write + rename) is observed. It returns once ctx is done.
func Watch(ctx context.Context, store *Store) error {
	watcher, errNew := fsnotify.NewWatcher()
	if errNew != nil {
		return errNew
	}
	defer func() { _ = watcher.Close() }()

	dir := store.root
	if path := store.Path(); path != "" {
		dir = filepath.Dir(path)
	}
	if errAdd := watcher.Add(dir); errAdd != nil {
		return errAdd
	}
	log.WithField("dir", dir).Info("policy: watching for changes")

	var pending *time.Timer
	var pendingC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(reloadDebounce)
				pendingC = pending.C
			} else {
				pending.Reset(reloadDebounce)
			}
		case <-pendingC:
			pending = nil
			pendingC = nil
			if errReload := store.Reload(); errReload != nil {
				log.WithError(errReload).Warn("policy: reload failed")
				continue
			}
			log.WithFields(log.Fields{"version": store.Version(), "source": store.Source()}).Info("policy: reloaded")
		case errWatch, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(errWatch).Warn("policy: watcher error")
		}
	}
}
