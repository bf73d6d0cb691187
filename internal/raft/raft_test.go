package raft

import (
	"context"
	"sync"
	"testing"
	"time"
)

// cluster wires N in-memory Nodes together via the pluggable transport
// function handles, so HandleVoteRequest/HandleAppendEntries run
// synchronously against each other without any real network.
type cluster struct {
	mu    sync.Mutex
	nodes map[string]*Node
}

func newCluster(ids []string) *cluster {
	c := &cluster{nodes: make(map[string]*Node)}
	for _, id := range ids {
		peers := make([]string, 0, len(ids)-1)
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
			}
		}
		cfg := Config{
			NodeID:             id,
			Peers:              peers,
			ElectionTimeoutMin: 40 * time.Millisecond,
			ElectionTimeoutMax: 80 * time.Millisecond,
			HeartbeatInterval:  10 * time.Millisecond,
			SendVoteRequest:    c.sendVote,
			SendAppendEntries:  c.sendAppend,
		}
		n, err := New(cfg)
		if err != nil {
			panic(err)
		}
		c.nodes[id] = n
	}
	return c
}

func (c *cluster) sendVote(ctx context.Context, peerID string, req VoteRequest) (VoteResponse, error) {
	c.mu.Lock()
	n := c.nodes[peerID]
	c.mu.Unlock()
	return n.HandleVoteRequest(req), nil
}

func (c *cluster) sendAppend(ctx context.Context, peerID string, req AppendEntriesRequest) (AppendEntriesResponse, error) {
	c.mu.Lock()
	n := c.nodes[peerID]
	c.mu.Unlock()
	return n.HandleAppendEntries(req), nil
}

func (c *cluster) start() {
	for _, n := range c.nodes {
		n.Start()
	}
}

func (c *cluster) stop() {
	for _, n := range c.nodes {
		n.Stop()
	}
}

func (c *cluster) leader(t *testing.T, timeout time.Duration) *Node {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, n := range c.nodes {
			if n.IsLeader() {
				return n
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no leader elected within timeout")
	return nil
}

func TestSingleLeaderElected(t *testing.T) {
	c := newCluster([]string{"a", "b", "c"})
	c.start()
	defer c.stop()

	leader := c.leader(t, 2*time.Second)

	time.Sleep(100 * time.Millisecond)
	leaderCount := 0
	for _, n := range c.nodes {
		if n.IsLeader() {
			leaderCount++
		}
	}
	if leaderCount != 1 {
		t.Fatalf("expected exactly 1 leader, found %d", leaderCount)
	}
	if leader == nil {
		t.Fatal("leader is nil")
	}
}

func TestProposeReplicatesAndCommits(t *testing.T) {
	c := newCluster([]string{"a", "b", "c"})
	c.start()
	defer c.stop()

	leader := c.leader(t, 2*time.Second)

	idx, term, ok := leader.Propose([]byte("set x=1"))
	if !ok {
		t.Fatal("expected Propose to succeed on the leader")
	}
	if idx == 0 || term == 0 {
		t.Fatalf("unexpected index/term: %d/%d", idx, term)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if leader.CommitIndex() >= idx {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("entry at index %d never committed (commitIndex=%d)", idx, leader.CommitIndex())
}

func TestProposeFailsOnFollower(t *testing.T) {
	c := newCluster([]string{"a", "b", "c"})
	c.start()
	defer c.stop()

	leader := c.leader(t, 2*time.Second)

	for id, n := range c.nodes {
		if id == leader.cfg.NodeID {
			continue
		}
		if _, _, ok := n.Propose([]byte("x")); ok {
			t.Fatalf("expected Propose to fail on follower %s", id)
		}
		break
	}
}

// TestSingleNodeClusterWinsUnopposed covers scenario S3 and §4.6's degenerate
// single-node contract: a node with no peers and no transport wired must
// become leader within one election round, and a proposed entry must be
// applied exactly once shortly after.
func TestSingleNodeClusterWinsUnopposed(t *testing.T) {
	var applied int
	var mu sync.Mutex
	n, err := New(Config{
		NodeID:             "solo",
		ElectionTimeoutMin: 50 * time.Millisecond,
		ElectionTimeoutMax: 100 * time.Millisecond,
		HeartbeatInterval:  10 * time.Millisecond,
		Apply: func(entry LogEntry) {
			mu.Lock()
			applied++
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n.Start()
	defer n.Stop()

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && !n.IsLeader() {
		time.Sleep(5 * time.Millisecond)
	}
	if !n.IsLeader() {
		t.Fatal("solo node never became leader within 200ms")
	}

	idx, _, ok := n.Propose([]byte(`{"type":"noop"}`))
	if !ok {
		t.Fatal("expected Propose to succeed on the solo leader")
	}

	deadline = time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) && n.CommitIndex() < idx {
		time.Sleep(5 * time.Millisecond)
	}
	if n.CommitIndex() < idx {
		t.Fatalf("entry at index %d never committed (commitIndex=%d)", idx, n.CommitIndex())
	}

	time.Sleep(50 * time.Millisecond) // leave room for any duplicate Apply invocation
	mu.Lock()
	defer mu.Unlock()
	if applied != 1 {
		t.Fatalf("expected apply callback invoked exactly once, got %d", applied)
	}
}
