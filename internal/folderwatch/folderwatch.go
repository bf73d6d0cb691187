// Package folderwatch implements the folder watcher (C5): it watches a
// synchronized folder for filesystem changes and emits debounced change
// events for the sync manager (C8) to queue. The debounce/pending-events
// design is adapted directly from the teacher's internal/watcher package
// (fsnotify.Watcher + a ticker-driven pending-events map protected by a
// mutex); this version generalizes it from DCP-package detection to
// generic recursive folder watching with directory auto-add.
package folderwatch

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeKind classifies a debounced change.
type ChangeKind int

const (
	ChangeWrite ChangeKind = iota
	ChangeCreate
	ChangeRemove
	ChangeRename
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeWrite:
		return "write"
	case ChangeCreate:
		return "create"
	case ChangeRemove:
		return "remove"
	case ChangeRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Event is a debounced change ready to hand to the sync manager.
type Event struct {
	Path string
	Kind ChangeKind
	At   time.Time
}

// Watcher monitors a folder recursively and emits debounced change events.
type Watcher struct {
	root         string
	fsWatcher    *fsnotify.Watcher
	events       chan Event
	debounceTime time.Duration

	eventMutex    sync.Mutex
	pendingEvents map[string]pendingEvent

	stopChan chan struct{}
	wg       sync.WaitGroup
}

type pendingEvent struct {
	kind ChangeKind
	at   time.Time
}

// New creates a Watcher rooted at root. events must be sized by the caller;
// New does not buffer beyond the caller-provided channel's capacity.
func New(root string, events chan Event, debounce time.Duration) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	w := &Watcher{
		root:          root,
		fsWatcher:     fsWatcher,
		events:        events,
		debounceTime:  debounce,
		pendingEvents: make(map[string]pendingEvent),
		stopChan:      make(chan struct{}),
	}
	return w, nil
}

// Start walks the folder tree adding every directory to the watch list, then
// begins processing.
func (w *Watcher) Start() error {
	if err := filepath.Walk(w.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if err := w.fsWatcher.Add(path); err != nil {
				return fmt.Errorf("watch directory %s: %w", path, err)
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("walk folder tree %s: %w", w.root, err)
	}

	log.Printf("[folderwatch] started for %s", w.root)

	w.wg.Add(2)
	go w.processEvents()
	go w.processPendingEvents()

	return nil
}

// Stop shuts down the watcher and waits for its goroutines to exit.
func (w *Watcher) Stop() {
	close(w.stopChan)
	w.fsWatcher.Close()
	w.wg.Wait()
	log.Printf("[folderwatch] stopped for %s", w.root)
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Printf("[folderwatch] error: %v", err)
		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	kind := ChangeWrite
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		kind = ChangeCreate
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fsWatcher.Add(event.Name); err != nil {
				log.Printf("[folderwatch] failed to watch new directory %s: %v", event.Name, err)
			}
		}
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		kind = ChangeRemove
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		kind = ChangeRename
	case event.Op&fsnotify.Write == fsnotify.Write:
		kind = ChangeWrite
	default:
		return
	}

	w.eventMutex.Lock()
	w.pendingEvents[event.Name] = pendingEvent{kind: kind, at: time.Now()}
	w.eventMutex.Unlock()
}

func (w *Watcher) processPendingEvents() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.debounceTime / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.flushReady()
		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) flushReady() {
	now := time.Now()
	w.eventMutex.Lock()
	var ready []Event
	for path, pe := range w.pendingEvents {
		if now.Sub(pe.at) >= w.debounceTime {
			ready = append(ready, Event{Path: path, Kind: pe.kind, At: pe.at})
			delete(w.pendingEvents, path)
		}
	}
	w.eventMutex.Unlock()

	for _, ev := range ready {
		select {
		case w.events <- ev:
		default:
			log.Printf("[folderwatch] events channel full, dropping event for %s", ev.Path)
		}
	}
}
