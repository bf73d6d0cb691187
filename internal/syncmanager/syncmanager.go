// Package syncmanager implements the sync manager (C8): a per-folder
// orchestrator that decides, under one of four pluggable policies, whether a
// chunk write should be accepted, and queues fetch/push work in priority
// order. The bounded priority queue is a container/heap max-heap (stdlib);
// no example repo carries a priority queue library so this is grounded on
// container/heap's documented heap.Interface pattern directly, the same
// approach the standard library itself recommends over importing a
// third-party queue for a need this small.
package syncmanager

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ccbt-project/ccbt/internal/byzantine"
	"github.com/ccbt-project/ccbt/internal/ccbterr"
	"github.com/ccbt-project/ccbt/internal/raft"
	"github.com/ccbt-project/ccbt/internal/tonic"
)

// Item is one unit of queued sync work.
type Item struct {
	ChunkHash  tonic.ChunkHash
	Priority   int // higher runs first
	EnqueuedAt time.Time
	Retries    int
	SourcePeer string // which peer proposed this update, used by designated mode's Decide
}

// priorityQueue is a container/heap max-heap ordered by Priority, ties
// broken by FIFO (earlier EnqueuedAt first).
type priorityQueue []*Item

func (q priorityQueue) Len() int { return len(q) }
func (q priorityQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].EnqueuedAt.Before(q[j].EnqueuedAt)
}
func (q priorityQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *priorityQueue) Push(x interface{}) {
	*q = append(*q, x.(*Item))
}
func (q *priorityQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// Manager orchestrates sync decisions and the fetch/push queue for one
// folder.
type Manager struct {
	folderKey  string
	policy     tonic.SyncMode
	maxQueue   int
	maxRetries int

	mu    sync.Mutex
	queue priorityQueue

	raftNode           *raft.Node            // optional consensus-mode backend; at most one of raftNode/aggregator is set
	aggregator         *byzantine.Aggregator // optional consensus-mode backend; at most one of raftNode/aggregator is set
	peers              map[tonic.ChunkHash]struct{} // chunks known held by at least one peer, for broadcast mode
	peersMu            sync.RWMutex
	consensusThreshold float64 // fallback ratio when neither raft nor byzantine is configured

	stateMu    sync.RWMutex
	peerStates map[string]*PeerSyncState  // keyed by peer ID
	sourcePeers map[string]struct{}       // designated mode's privileged source set

	votesMu sync.Mutex
	// simpleVotes is the fallback "simple majority over peer-state table"
	// tally spec.md §9 requires to exist independently of Raft/Byzantine, so
	// vote_on_update/VoteOnUpdate works even with zero peers configured.
	simpleVotes map[tonic.ChunkHash]map[string]bool
}

// PeerSyncState is a point-in-time view of one peer's sync progress with
// this folder (spec.md §3).
type PeerSyncState struct {
	PeerID          string
	LastSyncTime    *time.Time
	CurrentGitRef   string
	ChunkHashes     map[tonic.ChunkHash]struct{}
	IsSource        bool
	SyncProgress    float64 // in [0, 1]
	LastContact     time.Time
}

// Config configures a Manager.
type Config struct {
	FolderKey          string
	Policy             tonic.SyncMode
	MaxQueue           int
	MaxRetries         int
	RaftNode           *raft.Node
	Aggregator         *byzantine.Aggregator
	ConsensusThreshold float64  // fallback ratio; defaults to 0.5
	SourcePeers        []string // designated mode's initial privileged set
}

// New creates a Manager. RaftNode and Aggregator are both optional backends
// for consensus mode only (designated mode is decided by source_peers
// membership alone, per spec.md §4.8); at most one of the two may be set —
// spec.md §9's "at most one of {Raft, Byzantine} may be active" rule. With
// neither set, consensus mode falls back to the simple-majority-over-
// peer-states path so it stays unit-testable without a cluster.
func New(cfg Config) (*Manager, error) {
	if !tonic.ValidSyncMode(string(cfg.Policy)) {
		return nil, ccbterr.New(ccbterr.InvalidField, fmt.Sprintf("invalid sync mode %q", cfg.Policy))
	}
	if cfg.RaftNode != nil && cfg.Aggregator != nil {
		return nil, ccbterr.New(ccbterr.ValidationError, "at most one of raft node or byzantine aggregator may be configured")
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ConsensusThreshold <= 0 {
		cfg.ConsensusThreshold = 0.5
	}

	m := &Manager{
		folderKey:          cfg.FolderKey,
		policy:              cfg.Policy,
		maxQueue:           cfg.MaxQueue,
		maxRetries:         cfg.MaxRetries,
		raftNode:           cfg.RaftNode,
		aggregator:         cfg.Aggregator,
		consensusThreshold: cfg.ConsensusThreshold,
		peers:              make(map[tonic.ChunkHash]struct{}),
		peerStates:         make(map[string]*PeerSyncState),
		sourcePeers:        make(map[string]struct{}),
		simpleVotes:        make(map[tonic.ChunkHash]map[string]bool),
	}
	for _, p := range cfg.SourcePeers {
		m.sourcePeers[p] = struct{}{}
	}
	heap.Init(&m.queue)
	return m, nil
}

// Enqueue adds a chunk to the fetch/push queue at the given priority. When
// the queue is at capacity, the lowest-priority item is evicted to make
// room — a bounded queue that favors new high-priority work over stale
// low-priority work rather than rejecting outright.
func (m *Manager) Enqueue(chunk tonic.ChunkHash, priority int) {
	m.EnqueueWithSource(chunk, priority, "")
}

// EnqueueWithSource is Enqueue plus the proposing peer's ID, consulted by
// designated mode's Decide to test source_peers membership.
func (m *Manager) EnqueueWithSource(chunk tonic.ChunkHash, priority int, sourcePeer string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) >= m.maxQueue {
		m.evictLowestLocked()
	}
	heap.Push(&m.queue, &Item{ChunkHash: chunk, Priority: priority, EnqueuedAt: time.Now(), SourcePeer: sourcePeer})
}

func (m *Manager) evictLowestLocked() {
	if len(m.queue) == 0 {
		return
	}
	lowestIdx := 0
	for i, it := range m.queue {
		if it.Priority < m.queue[lowestIdx].Priority {
			lowestIdx = i
		}
	}
	heap.Remove(&m.queue, lowestIdx)
}

// Dequeue pops the highest-priority item, or ok=false if the queue is empty.
func (m *Manager) Dequeue() (item *Item, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil, false
	}
	return heap.Pop(&m.queue).(*Item), true
}

// Requeue reinserts an item after a failed attempt, dropping it once
// maxRetries is exceeded. Returns ok=false if the item was dropped.
func (m *Manager) Requeue(item *Item) (ok bool) {
	item.Retries++
	if item.Retries > m.maxRetries {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	heap.Push(&m.queue, item)
	return true
}

// Len reports the current queue length.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// NotePeerHas records that some peer is known to hold a chunk, input to
// broadcast-mode Decide.
func (m *Manager) NotePeerHas(chunk tonic.ChunkHash) {
	m.peersMu.Lock()
	defer m.peersMu.Unlock()
	m.peers[chunk] = struct{}{}
}

// Decide reports whether a chunk write from sourcePeer should be accepted
// under this folder's policy:
//   - best_effort: always accept; no coordination required.
//   - broadcast: accept once at least one other peer is known to hold it.
//   - designated: accept only if sourcePeer is in the current source_peers
//     set (§4.8); no Raft involvement — source election promotes peers into
//     that set, it does not elect a leader.
//   - consensus: if a Raft node is configured, propose the chunk and accept
//     only once this node is leader (the handler applies later, when the
//     entry actually commits); else if a Byzantine aggregator is configured,
//     accept once its tally crosses the fault threshold; else fall back to a
//     simple majority over tracked peer states.
//
// sourcePeer may be empty for policies that don't consult it.
func (m *Manager) Decide(chunk tonic.ChunkHash, sourcePeer string) (accept bool, reason string) {
	switch m.policy {
	case tonic.SyncBestEffort:
		return true, "best_effort always accepts"
	case tonic.SyncBroadcast:
		m.peersMu.RLock()
		_, known := m.peers[chunk]
		m.peersMu.RUnlock()
		if known {
			return true, "at least one peer holds this chunk"
		}
		return false, "no peer known to hold this chunk yet"
	case tonic.SyncDesignated:
		if sourcePeer == "" {
			return false, "update carries no source peer"
		}
		if m.IsSourcePeer(sourcePeer) {
			return true, "source peer is in the designated source set"
		}
		return false, "source peer is not in the designated source set"
	case tonic.SyncConsensus:
		switch {
		case m.raftNode != nil:
			_, _, isLeader := m.raftNode.Propose(chunk[:])
			if !isLeader {
				return false, "not the raft leader; update applies once committed"
			}
			return true, "proposed to raft as leader"
		case m.aggregator != nil:
			// Mirrors the source's process_consensus_updates, which always
			// folds in an implicit "this node accepts" vote before tallying.
			// Preserved here rather than fixed; see
			// byzantine.Aggregator.InjectSelfVote for the resulting
			// double-counting quirk when Decide is called more than once for
			// the same chunk.
			m.aggregator.InjectSelfVote(chunk, 1)
			ratio, accepted := m.aggregator.Tally(chunk)
			return accepted, fmt.Sprintf("byzantine consensus ratio %.3f", ratio)
		default:
			return m.decideFallbackConsensus(chunk)
		}
	default:
		return false, "unknown sync policy"
	}
}

// decideFallbackConsensus is the "simple majority over peer-state table"
// path spec.md §4.8/§9 requires to exist independently of Raft/Byzantine.
func (m *Manager) decideFallbackConsensus(chunk tonic.ChunkHash) (bool, string) {
	m.stateMu.RLock()
	peerCount := len(m.peerStates)
	m.stateMu.RUnlock()
	if peerCount == 0 {
		return true, "fallback consensus: no tracked peers, apply immediately"
	}

	m.votesMu.Lock()
	byPeer := m.simpleVotes[chunk]
	yes := 0
	for _, v := range byPeer {
		if v {
			yes++
		}
	}
	m.votesMu.Unlock()

	ratio := float64(yes) / float64(peerCount)
	if ratio > m.consensusThreshold {
		return true, fmt.Sprintf("fallback consensus ratio %.3f", ratio)
	}
	return false, fmt.Sprintf("fallback consensus ratio %.3f below threshold", ratio)
}

// consensusStateFile is the on-disk shape for .xet/consensus_state.json.
type consensusStateFile struct {
	FolderKey string                  `json:"folder_key"`
	Policy    string                  `json:"policy"`
	SavedAt   time.Time               `json:"saved_at"`
	Votes     []byzantine.ChunkVotes  `json:"votes,omitempty"`
}

// PersistConsensusState snapshots the aggregator's in-flight votes (if any)
// to path, atomically (write to a temp file, then rename).
func (m *Manager) PersistConsensusState(ctx context.Context, path string) error {
	var votes []byzantine.ChunkVotes
	if m.aggregator != nil {
		votes = m.aggregator.Snapshot()
	}

	state := consensusStateFile{
		FolderKey: m.folderKey,
		Policy:    string(m.policy),
		SavedAt:   time.Now(),
		Votes:     votes,
	}
	buf, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return ccbterr.Wrap(ccbterr.InternalError, "marshal consensus state", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return ccbterr.Wrap(ccbterr.IOError, "create consensus state directory", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0600); err != nil {
		return ccbterr.Wrap(ccbterr.IOError, "write consensus state temp file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return ccbterr.Wrap(ccbterr.IOError, "rename consensus state file", err)
	}
	return nil
}

// LoadConsensusState restores previously persisted vote state into the
// manager's aggregator, a no-op if the file does not exist or there is no
// aggregator configured.
func (m *Manager) LoadConsensusState(path string) error {
	if m.aggregator == nil {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ccbterr.Wrap(ccbterr.IOError, "read consensus state file", err)
	}

	var state consensusStateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return ccbterr.Wrap(ccbterr.InvalidField, "unmarshal consensus state", err)
	}
	m.aggregator.Restore(state.Votes)
	return nil
}

// UpdatePeerState upserts a peer's sync state, e.g. after receiving a status
// report from that peer. LastContact is stamped to now.
func (m *Manager) UpdatePeerState(peerID string, mutate func(*PeerSyncState)) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	ps, ok := m.peerStates[peerID]
	if !ok {
		ps = &PeerSyncState{PeerID: peerID, ChunkHashes: make(map[tonic.ChunkHash]struct{})}
		m.peerStates[peerID] = ps
	}
	ps.LastContact = time.Now()
	if mutate != nil {
		mutate(ps)
	}
}

// PeerStates returns a snapshot of every tracked peer's sync state.
func (m *Manager) PeerStates() []*PeerSyncState {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	out := make([]*PeerSyncState, 0, len(m.peerStates))
	for _, ps := range m.peerStates {
		out = append(out, ps)
	}
	return out
}

// VoteOnUpdate records an external peer's vote on a chunk and reports
// whether a simple-majority consensus is now reached among tracked peers
// (ratio of yes votes to known peers above the consensus threshold; with no
// peers tracked it reports true immediately). This is the "fallback path" spec.md §4.8/§9 requires
// to exist independently of Raft/Byzantine so consensus-mode unit tests
// don't need a cluster; in Raft/Byzantine modes this result is advisory
// only — the sync manager's Decide continues to use the configured backend.
func (m *Manager) VoteOnUpdate(chunk tonic.ChunkHash, peerID string, vote bool) (reached bool) {
	m.votesMu.Lock()
	defer m.votesMu.Unlock()

	byPeer, ok := m.simpleVotes[chunk]
	if !ok {
		byPeer = make(map[string]bool)
		m.simpleVotes[chunk] = byPeer
	}
	byPeer[peerID] = vote

	m.stateMu.RLock()
	peerCount := len(m.peerStates)
	m.stateMu.RUnlock()

	if peerCount == 0 {
		// No tracked peers: apply immediately, matching §4.8's "if no peers,
		// apply immediately" fallback rule.
		return true
	}

	yes := 0
	for _, v := range byPeer {
		if v {
			yes++
		}
	}
	ratio := float64(yes) / float64(peerCount)
	return ratio > m.consensusThreshold
}

// ClearVotes drops recorded simple-majority votes for a chunk, called once
// the sync manager has applied (or given up on) that chunk.
func (m *Manager) ClearVotes(chunk tonic.ChunkHash) {
	m.votesMu.Lock()
	defer m.votesMu.Unlock()
	delete(m.simpleVotes, chunk)
}

// sourcePeerScore implements spec.md §4.8's source-election scoring
// function: 0.3*uptime_factor + 0.4*chunk_availability_factor +
// 0.3*sync_progress, where uptime_factor is min(1, secondsSinceContact/3600)
// and chunk_availability_factor is min(1, len(chunkHashes)/100).
func sourcePeerScore(ps *PeerSyncState, now time.Time) float64 {
	uptimeFactor := now.Sub(ps.LastContact).Seconds() / 3600
	if uptimeFactor > 1 {
		uptimeFactor = 1
	}
	if uptimeFactor < 0 {
		uptimeFactor = 0
	}
	availFactor := float64(len(ps.ChunkHashes)) / 100
	if availFactor > 1 {
		availFactor = 1
	}
	return 0.3*uptimeFactor + 0.4*availFactor + 0.3*ps.SyncProgress
}

// ElectSource scores every tracked peer per sourcePeerScore and, if the
// highest scorer exceeds 0.5, promotes it into the designated source set,
// per spec.md §4.8's background source-election loop (the interval timer
// itself lives in the caller, e.g. cmd/ccbtd, so this stays a pure,
// directly-testable function of current peer state).
func (m *Manager) ElectSource() (peerID string, score float64, promoted bool) {
	now := time.Now()
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	best := ""
	bestScore := 0.0
	for id, ps := range m.peerStates {
		s := sourcePeerScore(ps, now)
		if s > bestScore {
			bestScore = s
			best = id
		}
	}
	if best == "" || bestScore <= 0.5 {
		return "", bestScore, false
	}
	m.sourcePeers[best] = struct{}{}
	if ps, ok := m.peerStates[best]; ok {
		ps.IsSource = true
	}
	return best, bestScore, true
}

// ProcessUpdates runs one queue-draining pass under the manager's configured
// policy (§4.8's process_updates(handler)): it repeatedly dequeues the
// highest-priority item, calls Decide, and on accept invokes handler. A
// handler error requeues the item via Requeue, which drops it once it
// exceeds MaxRetries (drops are not counted or reported); a Decide rejection
// puts the item back without counting as a failure. The pass stops when the queue drains or the policy-specific
// timeout elapses (designated/best_effort/broadcast <=300s, consensus
// <=600s per §4.8) — exceeding the timeout returns whatever was processed so
// far rather than raising, matching the "0 processed this pass" contract.
func (m *Manager) ProcessUpdates(ctx context.Context, handler func(*Item) error) (processed int) {
	timeout := 300 * time.Second
	if m.policy == tonic.SyncConsensus {
		timeout = 600 * time.Second
	}
	passCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// rejectsSinceProgress guards against spinning hot for the full timeout
	// when every queued item is currently undecidable (e.g. a consensus
	// chunk still short of its vote threshold): once a full lap of the
	// queue comes back with no acceptance, the pass ends early rather than
	// busy-looping Dequeue/Requeue until passCtx expires.
	rejectsSinceProgress := 0

	for {
		select {
		case <-passCtx.Done():
			return processed
		default:
		}

		queueLen := m.Len()
		if queueLen == 0 {
			return processed
		}
		if rejectsSinceProgress >= queueLen {
			return processed
		}

		item, ok := m.Dequeue()
		if !ok {
			return processed
		}

		accept, _ := m.Decide(item.ChunkHash, item.SourcePeer)
		if !accept {
			// Put the item back without touching Retries: a rejection is not
			// a failed attempt.
			m.mu.Lock()
			heap.Push(&m.queue, item)
			m.mu.Unlock()
			rejectsSinceProgress++
			continue
		}

		if handler != nil {
			if err := handler(item); err != nil {
				m.Requeue(item)
				rejectsSinceProgress++
				continue
			}
		}

		m.ClearVotes(item.ChunkHash)
		processed++
		rejectsSinceProgress = 0
	}
}

// IsSourcePeer reports whether peerID is currently in the designated source
// set, the membership test designated-mode's handler uses to accept or skip
// an incoming update per spec.md §4.8.
func (m *Manager) IsSourcePeer(peerID string) bool {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	_, ok := m.sourcePeers[peerID]
	return ok
}
