package syncmanager

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ccbt-project/ccbt/internal/byzantine"
	"github.com/ccbt-project/ccbt/internal/raft"
	"github.com/ccbt-project/ccbt/internal/tonic"
)

func mkChunk(b byte) tonic.ChunkHash {
	var c tonic.ChunkHash
	c[0] = b
	return c
}

func TestBestEffortAlwaysAccepts(t *testing.T) {
	m, err := New(Config{FolderKey: "f", Policy: tonic.SyncBestEffort})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	accept, _ := m.Decide(mkChunk(1), "")
	if !accept {
		t.Fatal("expected best_effort to always accept")
	}
}

func TestBroadcastRequiresKnownPeer(t *testing.T) {
	m, err := New(Config{FolderKey: "f", Policy: tonic.SyncBroadcast})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c := mkChunk(1)
	if accept, _ := m.Decide(c, ""); accept {
		t.Fatal("expected broadcast to reject before any peer is known")
	}
	m.NotePeerHas(c)
	if accept, _ := m.Decide(c, ""); !accept {
		t.Fatal("expected broadcast to accept once a peer is known")
	}
}

func TestDesignatedAcceptsOnlyKnownSourcePeers(t *testing.T) {
	m, err := New(Config{FolderKey: "f", Policy: tonic.SyncDesignated, SourcePeers: []string{"alice"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c := mkChunk(1)
	if accept, _ := m.Decide(c, "bob"); accept {
		t.Fatal("expected designated mode to reject an update from a non-source peer")
	}
	if accept, _ := m.Decide(c, "alice"); !accept {
		t.Fatal("expected designated mode to accept an update from a source peer")
	}
	if accept, _ := m.Decide(c, ""); accept {
		t.Fatal("expected designated mode to reject an update with no source peer")
	}
}

func TestConsensusFallsBackToSimpleMajorityWithoutBackend(t *testing.T) {
	m, err := New(Config{FolderKey: "f", Policy: tonic.SyncConsensus, ConsensusThreshold: 0.5})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c := mkChunk(1)
	if accept, _ := m.Decide(c, ""); !accept {
		t.Fatal("expected fallback consensus to apply immediately with no tracked peers")
	}

	m.UpdatePeerState("peer1", nil)
	m.UpdatePeerState("peer2", nil)
	if accept, _ := m.Decide(c, ""); accept {
		t.Fatal("expected fallback consensus to reject with zero yes votes among 2 peers")
	}
	m.VoteOnUpdate(c, "peer1", true)
	m.VoteOnUpdate(c, "peer2", true)
	if accept, _ := m.Decide(c, ""); !accept {
		t.Fatal("expected fallback consensus to accept once both peers voted yes")
	}
}

func TestConsensusRejectsBothBackendsConfigured(t *testing.T) {
	agg, err := byzantine.New(0.33, false)
	if err != nil {
		t.Fatalf("byzantine.New: %v", err)
	}
	node, err := raft.New(raft.Config{
		NodeID: "n1",
		SendVoteRequest: func(ctx context.Context, peerID string, req raft.VoteRequest) (raft.VoteResponse, error) {
			return raft.VoteResponse{}, nil
		},
		SendAppendEntries: func(ctx context.Context, peerID string, req raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error) {
			return raft.AppendEntriesResponse{}, nil
		},
	})
	if err != nil {
		t.Fatalf("raft.New: %v", err)
	}
	if _, err := New(Config{FolderKey: "f", Policy: tonic.SyncConsensus, Aggregator: agg, RaftNode: node}); err == nil {
		t.Fatal("expected error when both raft node and aggregator are configured")
	}
}

func TestQueuePriorityOrdering(t *testing.T) {
	m, err := New(Config{FolderKey: "f", Policy: tonic.SyncBestEffort, MaxQueue: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Enqueue(mkChunk(1), 1)
	m.Enqueue(mkChunk(2), 5)
	m.Enqueue(mkChunk(3), 3)

	first, ok := m.Dequeue()
	if !ok || first.ChunkHash != mkChunk(2) {
		t.Fatalf("expected highest-priority chunk first, got %+v", first)
	}
	second, ok := m.Dequeue()
	if !ok || second.ChunkHash != mkChunk(3) {
		t.Fatalf("expected second-highest priority next, got %+v", second)
	}
}

func TestQueueEvictsLowestWhenFull(t *testing.T) {
	m, err := New(Config{FolderKey: "f", Policy: tonic.SyncBestEffort, MaxQueue: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Enqueue(mkChunk(1), 1)
	m.Enqueue(mkChunk(2), 5)
	m.Enqueue(mkChunk(3), 10) // should evict chunk 1 (lowest priority)

	if got := m.Len(); got != 2 {
		t.Fatalf("expected queue length capped at 2, got %d", got)
	}

	first, _ := m.Dequeue()
	second, _ := m.Dequeue()
	if first.ChunkHash != mkChunk(3) || second.ChunkHash != mkChunk(2) {
		t.Fatalf("expected chunk 1 to have been evicted, got order %+v, %+v", first, second)
	}
}

func TestRequeueDropsAfterMaxRetries(t *testing.T) {
	m, err := New(Config{FolderKey: "f", Policy: tonic.SyncBestEffort, MaxRetries: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	item := &Item{ChunkHash: mkChunk(1), Priority: 1}

	if ok := m.Requeue(item); !ok {
		t.Fatal("expected requeue to succeed on first retry")
	}
	if ok := m.Requeue(item); !ok {
		t.Fatal("expected requeue to succeed on second retry")
	}
	if ok := m.Requeue(item); ok {
		t.Fatal("expected requeue to fail once max retries exceeded")
	}
}

func TestPersistAndLoadConsensusState(t *testing.T) {
	agg, err := byzantine.New(0.33, false)
	if err != nil {
		t.Fatalf("byzantine.New: %v", err)
	}
	m, err := New(Config{FolderKey: "f", Policy: tonic.SyncConsensus, Aggregator: agg})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, ".xet", "consensus_state.json")

	if err := m.PersistConsensusState(context.Background(), path); err != nil {
		t.Fatalf("PersistConsensusState: %v", err)
	}

	agg2, err := byzantine.New(0.33, false)
	if err != nil {
		t.Fatalf("byzantine.New: %v", err)
	}
	m2, err := New(Config{FolderKey: "f", Policy: tonic.SyncConsensus, Aggregator: agg2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m2.LoadConsensusState(path); err != nil {
		t.Fatalf("LoadConsensusState: %v", err)
	}
}

func TestLoadConsensusStateMissingFileIsNoop(t *testing.T) {
	m, err := New(Config{FolderKey: "f", Policy: tonic.SyncBestEffort})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.LoadConsensusState("/nonexistent/path/consensus_state.json"); err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
}

func TestVoteOnUpdateNoPeersAppliesImmediately(t *testing.T) {
	m, err := New(Config{FolderKey: "f", Policy: tonic.SyncBestEffort})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if reached := m.VoteOnUpdate(mkChunk(1), "peer1", true); !reached {
		t.Fatal("expected immediate apply with no tracked peers")
	}
}

func TestVoteOnUpdateMajority(t *testing.T) {
	m, err := New(Config{FolderKey: "f", Policy: tonic.SyncBestEffort, ConsensusThreshold: 0.5})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.UpdatePeerState("peer1", nil)
	m.UpdatePeerState("peer2", nil)

	chunk := mkChunk(1)
	if reached := m.VoteOnUpdate(chunk, "peer1", true); reached {
		t.Fatal("expected no consensus with only 1/2 peers voting yes")
	}
	if reached := m.VoteOnUpdate(chunk, "peer2", true); !reached {
		t.Fatal("expected consensus once 2/2 peers voted yes")
	}
}

func TestProcessUpdatesAppliesAcceptedItemsAndClearsQueue(t *testing.T) {
	m, err := New(Config{FolderKey: "f", Policy: tonic.SyncBestEffort, MaxQueue: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Enqueue(mkChunk(1), 1)
	m.Enqueue(mkChunk(2), 5)

	var handled []tonic.ChunkHash
	processed := m.ProcessUpdates(context.Background(), func(item *Item) error {
		handled = append(handled, item.ChunkHash)
		return nil
	})

	if processed != 2 {
		t.Fatalf("expected 2 processed items, got %d", processed)
	}
	if len(handled) != 2 || handled[0] != mkChunk(2) || handled[1] != mkChunk(1) {
		t.Fatalf("expected handler invoked in priority order, got %+v", handled)
	}
	if m.Len() != 0 {
		t.Fatalf("expected queue drained, got length %d", m.Len())
	}
}

func TestProcessUpdatesStopsEarlyWhenNothingCanBeAccepted(t *testing.T) {
	// designated mode with no matching source peer: every item is
	// perpetually rejected by Decide, so ProcessUpdates must detect the lack
	// of progress and return instead of spinning until its pass timeout.
	m, err := New(Config{FolderKey: "f", Policy: tonic.SyncDesignated, SourcePeers: []string{"alice"}, MaxQueue: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.EnqueueWithSource(mkChunk(1), 1, "bob")

	processed := m.ProcessUpdates(context.Background(), func(item *Item) error {
		t.Fatal("handler should never be called for a permanently-rejected item")
		return nil
	})
	if processed != 0 {
		t.Fatalf("expected 0 processed items, got %d", processed)
	}
	if m.Len() != 1 {
		t.Fatalf("expected the rejected item to remain queued, got length %d", m.Len())
	}
}

func TestElectSourcePromotesHighScorer(t *testing.T) {
	m, err := New(Config{FolderKey: "f", Policy: tonic.SyncBestEffort})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.UpdatePeerState("strong", func(ps *PeerSyncState) {
		ps.SyncProgress = 1.0
		for i := byte(0); i < 100; i++ {
			ps.ChunkHashes[mkChunk(i)] = struct{}{}
		}
	})
	m.UpdatePeerState("weak", func(ps *PeerSyncState) {
		ps.SyncProgress = 0
	})

	peerID, score, promoted := m.ElectSource()
	if !promoted || peerID != "strong" {
		t.Fatalf("expected 'strong' to be promoted, got peer=%q score=%v promoted=%v", peerID, score, promoted)
	}
	if !m.IsSourcePeer("strong") {
		t.Fatal("expected 'strong' to be a source peer after election")
	}
}
