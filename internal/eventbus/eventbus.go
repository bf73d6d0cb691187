// Package eventbus implements the typed, filtered, rate-limited event fan-out
// (C14) other components publish folder/sync/peer events to and the IPC
// server's WebSocket handler (C12) subscribes from. The
// register/unregister/broadcast channel loop is adapted from the teacher's
// websocket.Hub.Run select loop; this version replaces per-connection
// *websocket.Conn subscribers with typed Subscription filters so the hub
// itself has no transport dependency (C12 wires subscriptions to
// connections, not the other way around).
package eventbus

import (
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Kind identifies an event's type for filtering.
type Kind string

const (
	KindFolderAdded    Kind = "folder_added"
	KindFolderRemoved  Kind = "folder_removed"
	KindChunkSynced    Kind = "chunk_synced"
	KindPeerConnected  Kind = "peer_connected"
	KindPeerDisconnect Kind = "peer_disconnected"
	KindConsensusVote  Kind = "consensus_vote"
	KindRaftLeader     Kind = "raft_leader_changed"
	KindSyncError      Kind = "sync_error"
)

// Event is one published occurrence.
type Event struct {
	Kind      Kind
	FolderKey string // empty for daemon-wide events
	Payload   interface{}
	At        time.Time
}

// Subscription is a live subscriber. Events is buffered; a slow subscriber
// that doesn't drain it within its rate limit has events dropped for it
// rather than blocking the bus.
type Subscription struct {
	id      uint64
	Events  chan Event
	limiter *rate.Limiter // nil = unlimited

	filterMu sync.RWMutex
	kinds    map[Kind]struct{} // nil/empty = all kinds
	folder   string            // empty = all folders
}

// Bus is the process-wide event hub.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]*Subscription
	next uint64

	publish    chan Event
	register   chan *Subscription
	unregister chan uint64
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// New creates a Bus. Call Run to start its dispatch loop.
func New() *Bus {
	return &Bus{
		subs:       make(map[uint64]*Subscription),
		publish:    make(chan Event, 256),
		register:   make(chan *Subscription),
		unregister: make(chan uint64),
		stopCh:     make(chan struct{}),
	}
}

// Run starts the bus's dispatch loop. Blocks until Stop is called; run it in
// its own goroutine.
func (b *Bus) Run() {
	b.wg.Add(1)
	defer b.wg.Done()
	for {
		select {
		case sub := <-b.register:
			b.mu.Lock()
			b.subs[sub.id] = sub
			b.mu.Unlock()
		case id := <-b.unregister:
			b.mu.Lock()
			if sub, ok := b.subs[id]; ok {
				close(sub.Events)
				delete(b.subs, id)
			}
			b.mu.Unlock()
		case ev := <-b.publish:
			b.dispatch(ev)
		case <-b.stopCh:
			b.mu.Lock()
			for id, sub := range b.subs {
				close(sub.Events)
				delete(b.subs, id)
			}
			b.mu.Unlock()
			return
		}
	}
}

// Stop shuts down the dispatch loop and closes every subscriber channel.
func (b *Bus) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}

// Publish enqueues an event for dispatch; non-blocking, drops the event with
// a log line if the internal queue is saturated (the bus never applies
// backpressure to publishers).
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case b.publish <- ev:
	default:
		log.Printf("[eventbus] publish queue full, dropping %s event for folder %q", ev.Kind, ev.FolderKey)
	}
}

func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(ev) {
			continue
		}
		if sub.limiter != nil && !sub.limiter.Allow() {
			continue
		}
		select {
		case sub.Events <- ev:
		default:
			log.Printf("[eventbus] subscriber %d buffer full, dropping %s event", sub.id, ev.Kind)
		}
	}
}

func (s *Subscription) matches(ev Event) bool {
	s.filterMu.RLock()
	defer s.filterMu.RUnlock()
	if s.folder != "" && s.folder != ev.FolderKey {
		return false
	}
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[ev.Kind]
	return ok
}

// UpdateFilter replaces a live subscription's kind/folder filter in place.
// The WebSocket handler uses this when a client sends
// {"action":"subscribe", "data":{event_types, info_hash}} after connecting
// with the default "all events" filter (§4.12); an empty event_types list
// means "all events", matching Subscribe's own convention.
func (b *Bus) UpdateFilter(sub *Subscription, kinds []Kind, folderKey string) {
	kindSet := make(map[Kind]struct{}, len(kinds))
	for _, k := range kinds {
		kindSet[k] = struct{}{}
	}
	sub.filterMu.Lock()
	defer sub.filterMu.Unlock()
	sub.kinds = kindSet
	sub.folder = folderKey
}

// SubscribeOptions filters a subscription.
type SubscribeOptions struct {
	Kinds      []Kind  // empty = all kinds
	FolderKey  string  // empty = all folders
	BufferSize int     // default 32
	RateLimit  float64 // events/second per subscriber via a token bucket; 0 = unlimited
	Burst      int     // token bucket burst size; 0 defaults to max(1, RateLimit)
}

// Subscribe registers a new filtered subscription.
func (b *Bus) Subscribe(opts SubscribeOptions) *Subscription {
	buf := opts.BufferSize
	if buf <= 0 {
		buf = 32
	}

	kindSet := make(map[Kind]struct{}, len(opts.Kinds))
	for _, k := range opts.Kinds {
		kindSet[k] = struct{}{}
	}

	b.mu.Lock()
	b.next++
	id := b.next
	b.mu.Unlock()

	sub := &Subscription{
		id:     id,
		Events: make(chan Event, buf),
		kinds:  kindSet,
		folder: opts.FolderKey,
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = int(opts.RateLimit)
			if burst < 1 {
				burst = 1
			}
		}
		sub.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	select {
	case b.register <- sub:
	case <-b.stopCh:
	}
	return sub
}

// Unsubscribe removes a subscription from the bus and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	select {
	case b.unregister <- sub.id:
	case <-b.stopCh:
	}
}

// SubscriberCount reports the number of live subscriptions, for the IPC
// server's /api/v1/metrics exposition.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
