// Package raft implements the single-folder Raft consensus node (C6) used
// by "designated" and "consensus" sync modes to agree on chunk-set writes.
// Transport is pluggable: the node never dials a peer itself, it calls
// caller-supplied SendVoteRequest/SendAppendEntries function handles, the
// same inversion-of-control the teacher's websocket Hub uses for broadcast
// (the Hub doesn't know how a client connection was accepted, just how to
// write to it). There is no Raft library anywhere in the retrieval pack, so
// this is a from-scratch implementation of the standard single-decree log
// replication protocol (Ongaro & Ousterhout), matching spec.md's described
// state machine and RPCs exactly; see DESIGN.md for why no third-party
// library (e.g. hashicorp/raft) was substituted instead.
package raft

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// State is one of the three Raft roles.
type State int

const (
	Follower State = iota
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// LogEntry is one replicated log entry.
type LogEntry struct {
	Term    uint64
	Index   uint64
	Command []byte
}

// PersistentState is everything a node must fsync before replying to an RPC,
// matching Raft's persistence requirement for CurrentTerm, VotedFor, and Log.
type PersistentState struct {
	CurrentTerm uint64
	VotedFor    string
	Log         []LogEntry
}

// VoteRequest is the RequestVote RPC.
type VoteRequest struct {
	Term         uint64
	CandidateID  string
	LastLogIndex uint64
	LastLogTerm  uint64
}

// VoteResponse is the RequestVote RPC reply.
type VoteResponse struct {
	Term        uint64
	VoteGranted bool
}

// AppendEntriesRequest is the AppendEntries RPC (also used as heartbeat when
// Entries is empty).
type AppendEntriesRequest struct {
	Term         uint64
	LeaderID     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []LogEntry
	LeaderCommit uint64
}

// AppendEntriesResponse is the AppendEntries RPC reply.
type AppendEntriesResponse struct {
	Term    uint64
	Success bool
	// MatchIndex lets the leader fast-forward nextIndex on success instead of
	// decrementing one entry at a time.
	MatchIndex uint64
}

// SendVoteRequestFunc dispatches a RequestVote RPC to peerID.
type SendVoteRequestFunc func(ctx context.Context, peerID string, req VoteRequest) (VoteResponse, error)

// SendAppendEntriesFunc dispatches an AppendEntries RPC to peerID.
type SendAppendEntriesFunc func(ctx context.Context, peerID string, req AppendEntriesRequest) (AppendEntriesResponse, error)

// ApplyFunc is invoked once per committed log entry, in log order. It runs
// synchronously while the node's lock is held.
type ApplyFunc func(entry LogEntry)

// PersistFunc durably stores state (e.g. to <folder>/.xet/raft/raft_state.json).
type PersistFunc func(state PersistentState) error

// LoadFunc loads previously persisted state on startup.
type LoadFunc func() (state PersistentState, found bool, err error)

// Config wires a Node to its peers, transport, and persistence.
type Config struct {
	NodeID string
	Peers  []string // peer IDs, excluding NodeID

	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration

	SendVoteRequest   SendVoteRequestFunc
	SendAppendEntries SendAppendEntriesFunc
	Apply             ApplyFunc
	Persist           PersistFunc
	Load              LoadFunc
}

func (c *Config) setDefaults() {
	if c.ElectionTimeoutMin <= 0 {
		c.ElectionTimeoutMin = 150 * time.Millisecond
	}
	if c.ElectionTimeoutMax <= 0 {
		c.ElectionTimeoutMax = 300 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.ElectionTimeoutMin / 3
	}
}

// Node is a single Raft participant for one folder's consensus group.
type Node struct {
	cfg Config

	mu          sync.Mutex
	state       State
	currentTerm uint64
	votedFor    string
	log         []LogEntry // 1-indexed logically; log[0] is a Term-0 sentinel
	commitIndex uint64
	lastApplied uint64

	nextIndex  map[string]uint64
	matchIndex map[string]uint64

	resetElection chan struct{}
	stopCh        chan struct{}
	wg            sync.WaitGroup
}

// New constructs a Node in the Follower state. Call Start to begin timers.
// SendVoteRequest/SendAppendEntries may be nil, in which case every peer RPC
// is treated as unreachable; combined with an empty Peers list this is the
// degenerate single-node cluster §4.6 calls out explicitly for tests, which
// wins elections unopposed.
func New(cfg Config) (*Node, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("raft: NodeID is required")
	}
	cfg.setDefaults()

	n := &Node{
		cfg:           cfg,
		state:         Follower,
		log:           []LogEntry{{Term: 0, Index: 0}},
		nextIndex:     make(map[string]uint64),
		matchIndex:    make(map[string]uint64),
		resetElection: make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}

	if cfg.Load != nil {
		state, found, err := cfg.Load()
		if err != nil {
			return nil, fmt.Errorf("raft: load persisted state: %w", err)
		}
		if found {
			n.currentTerm = state.CurrentTerm
			n.votedFor = state.VotedFor
			if len(state.Log) > 0 {
				n.log = state.Log
			}
		}
	}

	return n, nil
}

// Start begins the election timer loop.
func (n *Node) Start() {
	n.wg.Add(1)
	go n.runElectionTimer()
}

// Stop halts all node goroutines.
func (n *Node) Stop() {
	close(n.stopCh)
	n.wg.Wait()
}

// State returns the node's current role.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Term returns the node's current term.
func (n *Node) Term() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentTerm
}

// IsLeader reports whether this node currently believes itself the leader.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state == Leader
}

func (n *Node) persistLocked() error {
	if n.cfg.Persist == nil {
		return nil
	}
	return n.cfg.Persist(PersistentState{
		CurrentTerm: n.currentTerm,
		VotedFor:    n.votedFor,
		Log:         append([]LogEntry(nil), n.log...),
	})
}

func (n *Node) randomElectionTimeout() time.Duration {
	min := n.cfg.ElectionTimeoutMin
	max := n.cfg.ElectionTimeoutMax
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func (n *Node) notifyElectionReset() {
	select {
	case n.resetElection <- struct{}{}:
	default:
	}
}

// runElectionTimer drives elections when no valid heartbeat/vote-grant
// arrives within the randomized timeout, and drives the leader's heartbeat
// loop while state == Leader.
func (n *Node) runElectionTimer() {
	defer n.wg.Done()
	for {
		n.mu.Lock()
		isLeader := n.state == Leader
		n.mu.Unlock()

		if isLeader {
			if !n.leaderHeartbeatOnce() {
				return
			}
			select {
			case <-time.After(n.cfg.HeartbeatInterval):
			case <-n.stopCh:
				return
			}
			continue
		}

		timeout := n.randomElectionTimeout()
		select {
		case <-time.After(timeout):
			n.startElection()
		case <-n.resetElection:
			// heartbeat or valid vote arrived; restart the wait
		case <-n.stopCh:
			return
		}
	}
}

func (n *Node) leaderHeartbeatOnce() bool {
	n.mu.Lock()
	if n.state != Leader {
		n.mu.Unlock()
		return true
	}
	term := n.currentTerm
	leaderID := n.cfg.NodeID
	commit := n.commitIndex
	peers := append([]string(nil), n.cfg.Peers...)
	n.mu.Unlock()

	for _, peer := range peers {
		go n.replicateTo(peer, term, leaderID, commit)
	}
	return true
}

func (n *Node) replicateTo(peer string, term uint64, leaderID string, leaderCommit uint64) {
	n.mu.Lock()
	if n.state != Leader || n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	next := n.nextIndex[peer]
	if next == 0 {
		next = uint64(len(n.log))
		n.nextIndex[peer] = next
	}
	prevIndex := next - 1
	prevTerm := n.log[prevIndex].Term
	var entries []LogEntry
	if next < uint64(len(n.log)) {
		entries = append(entries, n.log[next:]...)
	}
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.HeartbeatInterval*4)
	defer cancel()

	if n.cfg.SendAppendEntries == nil {
		return // no transport wired: peer is unreachable, like any other RPC failure
	}
	resp, err := n.cfg.SendAppendEntries(ctx, peer, AppendEntriesRequest{
		Term:         term,
		LeaderID:     leaderID,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: leaderCommit,
	})
	if err != nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if resp.Term > n.currentTerm {
		n.becomeFollowerLocked(resp.Term)
		return
	}
	if n.state != Leader || n.currentTerm != term {
		return
	}
	if resp.Success {
		newMatch := prevIndex + uint64(len(entries))
		if resp.MatchIndex > newMatch {
			newMatch = resp.MatchIndex
		}
		n.matchIndex[peer] = newMatch
		n.nextIndex[peer] = newMatch + 1
		n.advanceCommitIndexLocked()
	} else {
		if n.nextIndex[peer] > 1 {
			n.nextIndex[peer]--
		}
	}
}

// advanceCommitIndexLocked applies the "commit if replicated on a majority
// and from the current term" rule.
func (n *Node) advanceCommitIndexLocked() {
	total := len(n.cfg.Peers) + 1
	majority := total/2 + 1

	for idx := uint64(len(n.log)) - 1; idx > n.commitIndex; idx-- {
		if n.log[idx].Term != n.currentTerm {
			continue
		}
		count := 1 // self
		for _, peer := range n.cfg.Peers {
			if n.matchIndex[peer] >= idx {
				count++
			}
		}
		if count >= majority {
			n.commitIndex = idx
			n.applyCommittedLocked()
			return
		}
	}
}

func (n *Node) applyCommittedLocked() {
	for n.lastApplied < n.commitIndex {
		n.lastApplied++
		entry := n.log[n.lastApplied]
		if n.cfg.Apply != nil {
			n.cfg.Apply(entry)
		}
	}
}

func (n *Node) becomeFollowerLocked(term uint64) {
	n.state = Follower
	n.currentTerm = term
	n.votedFor = ""
	n.persistLocked()
}

// startElection transitions to Candidate, votes for itself, and requests
// votes from every peer concurrently.
func (n *Node) startElection() {
	n.mu.Lock()
	n.state = Candidate
	n.currentTerm++
	n.votedFor = n.cfg.NodeID
	term := n.currentTerm
	lastIndex := uint64(len(n.log)) - 1
	lastTerm := n.log[lastIndex].Term
	peers := append([]string(nil), n.cfg.Peers...)
	n.persistLocked()
	n.mu.Unlock()

	votes := 1 // self
	var voteMu sync.Mutex
	majority := (len(peers)+1)/2 + 1
	won := make(chan struct{}, 1)

	// Degenerate single-node cluster (§4.6): with no peers the self-vote
	// already has the majority, so become leader immediately instead of
	// waiting on vote-request goroutines that will never run/reply.
	if votes >= majority {
		n.becomeLeader(term)
		return
	}

	for _, peer := range peers {
		go func(peer string) {
			if n.cfg.SendVoteRequest == nil {
				return // no transport wired: peer is unreachable
			}
			ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ElectionTimeoutMin)
			defer cancel()
			resp, err := n.cfg.SendVoteRequest(ctx, peer, VoteRequest{
				Term:         term,
				CandidateID:  n.cfg.NodeID,
				LastLogIndex: lastIndex,
				LastLogTerm:  lastTerm,
			})
			if err != nil {
				return
			}

			n.mu.Lock()
			if resp.Term > n.currentTerm {
				n.becomeFollowerLocked(resp.Term)
				n.mu.Unlock()
				return
			}
			stillCandidate := n.state == Candidate && n.currentTerm == term
			n.mu.Unlock()
			if !stillCandidate || !resp.VoteGranted {
				return
			}

			voteMu.Lock()
			votes++
			gotMajority := votes >= majority
			voteMu.Unlock()
			if gotMajority {
				select {
				case won <- struct{}{}:
				default:
				}
			}
		}(peer)
	}

	select {
	case <-won:
		n.becomeLeader(term)
	case <-time.After(n.cfg.ElectionTimeoutMin):
		// election timed out without a majority; the outer loop will retry
		// with a fresh randomized timeout.
	}
}

func (n *Node) becomeLeader(term uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != Candidate || n.currentTerm != term {
		return
	}
	n.state = Leader
	lastIndex := uint64(len(n.log))
	for _, peer := range n.cfg.Peers {
		n.nextIndex[peer] = lastIndex
		n.matchIndex[peer] = 0
	}
}

// HandleVoteRequest processes an incoming RequestVote RPC.
func (n *Node) HandleVoteRequest(req VoteRequest) VoteResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.currentTerm {
		return VoteResponse{Term: n.currentTerm, VoteGranted: false}
	}
	if req.Term > n.currentTerm {
		n.becomeFollowerLocked(req.Term)
	}

	lastIndex := uint64(len(n.log)) - 1
	lastTerm := n.log[lastIndex].Term
	logOK := req.LastLogTerm > lastTerm || (req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIndex)

	canVote := n.votedFor == "" || n.votedFor == req.CandidateID
	if canVote && logOK {
		n.votedFor = req.CandidateID
		n.persistLocked()
		n.notifyElectionReset()
		return VoteResponse{Term: n.currentTerm, VoteGranted: true}
	}
	return VoteResponse{Term: n.currentTerm, VoteGranted: false}
}

// HandleAppendEntries processes an incoming AppendEntries RPC (or heartbeat).
func (n *Node) HandleAppendEntries(req AppendEntriesRequest) AppendEntriesResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.currentTerm {
		return AppendEntriesResponse{Term: n.currentTerm, Success: false}
	}
	if req.Term > n.currentTerm || n.state == Candidate {
		n.becomeFollowerLocked(req.Term)
	}
	n.state = Follower
	n.notifyElectionReset()

	if req.PrevLogIndex >= uint64(len(n.log)) || n.log[req.PrevLogIndex].Term != req.PrevLogTerm {
		return AppendEntriesResponse{Term: n.currentTerm, Success: false}
	}

	insertAt := req.PrevLogIndex + 1
	for i, e := range req.Entries {
		idx := insertAt + uint64(i)
		if idx < uint64(len(n.log)) {
			if n.log[idx].Term != e.Term {
				n.log = n.log[:idx]
				n.log = append(n.log, req.Entries[i:]...)
				break
			}
			continue
		}
		n.log = append(n.log, req.Entries[i:]...)
		break
	}
	n.persistLocked()

	if req.LeaderCommit > n.commitIndex {
		newCommit := req.LeaderCommit
		if last := uint64(len(n.log)) - 1; newCommit > last {
			newCommit = last
		}
		n.commitIndex = newCommit
		n.applyCommittedLocked()
	}

	return AppendEntriesResponse{Term: n.currentTerm, Success: true, MatchIndex: uint64(len(n.log)) - 1}
}

// Propose appends a new command to the leader's log. Returns isLeader=false
// if this node is not currently the leader.
func (n *Node) Propose(command []byte) (index uint64, term uint64, isLeader bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != Leader {
		return 0, 0, false
	}
	entry := LogEntry{Term: n.currentTerm, Index: uint64(len(n.log)), Command: command}
	n.log = append(n.log, entry)
	n.persistLocked()
	// With no peers (the degenerate single-node cluster, §4.6) nothing ever
	// calls replicateTo, so the only place commitIndex can advance past the
	// self-vote is here: a majority of one is already satisfied the moment
	// the leader appends to its own log.
	n.advanceCommitIndexLocked()
	return entry.Index, entry.Term, true
}

// CommitIndex returns the highest log index known to be committed.
func (n *Node) CommitIndex() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.commitIndex
}
