package profile

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"ambush/internal/logger"
)

const watcherDebounce = 200 * time.Millisecond

// ChangeListener is called with the refreshed summary set after profile
// files change on disk.
type ChangeListener func([]Summary)

// Watcher keeps a read-only summary cache of the profile directory fresh
// from filesystem events. Mutation still goes through Store.Save under the
// lock; the watcher only serves listings.
type Watcher struct {
	store *Store
	fw    *fsnotify.Watcher

	mu        sync.RWMutex
	summaries []Summary
	listeners []ChangeListener

	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher primes the cache and starts watching the store's directory.
func NewWatcher(store *Store) (*Watcher, error) {
	if store == nil {
		return nil, fmt.Errorf("watcher requires a store")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("starting profile watcher: %w", err)
	}
	if err := fw.Add(store.Dir()); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching %s: %w", store.Dir(), err)
	}
	w := &Watcher{store: store, fw: fw, done: make(chan struct{})}
	w.refresh()
	go w.loop()
	return w, nil
}

// Summaries returns the cached listing.
func (w *Watcher) Summaries() []Summary {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Summary, len(w.summaries))
	copy(out, w.summaries)
	return out
}

// Subscribe registers a listener and immediately delivers the current
// summary set to it.
func (w *Watcher) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	snap := make([]Summary, len(w.summaries))
	copy(snap, w.summaries)
	w.mu.Unlock()
	go deliver(fn, snap)
}

// Stop ends the watch loop. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.fw.Close()
	})
}

func (w *Watcher) loop() {
	var pending *time.Timer
	var pendingC <-chan time.Time
	for {
		select {
		case evt, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !relevantEvent(evt) {
				continue
			}
			// Bursts from temp+rename writes coalesce into one refresh.
			if pending == nil {
				pending = time.NewTimer(watcherDebounce)
				pendingC = pending.C
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			logger.Warnf("Profile: watcher error: %v", err)
		case <-pendingC:
			pending = nil
			pendingC = nil
			w.refresh()
			w.notify()
		case <-w.done:
			if pending != nil {
				pending.Stop()
			}
			return
		}
	}
}

func relevantEvent(evt fsnotify.Event) bool {
	if !strings.HasSuffix(evt.Name, profileSuffix) {
		return false
	}
	return evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0
}

func (w *Watcher) refresh() {
	summaries, err := w.store.List()
	if err != nil {
		logger.Warnf("Profile: watcher refresh failed: %v", err)
		return
	}
	w.mu.Lock()
	w.summaries = summaries
	w.mu.Unlock()
	logger.Debugf("Profile: watcher cached %d profile(s)", len(summaries))
}

func (w *Watcher) notify() {
	w.mu.RLock()
	snap := make([]Summary, len(w.summaries))
	copy(snap, w.summaries)
	listeners := append([]ChangeListener(nil), w.listeners...)
	w.mu.RUnlock()
	for _, fn := range listeners {
		go deliver(fn, snap)
	}
}

func deliver(fn ChangeListener, snap []Summary) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Profile: watcher listener panic: %v", r)
		}
	}()
	fn(snap)
}
