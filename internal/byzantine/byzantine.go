// Package byzantine implements the Byzantine fault-tolerant vote aggregator
// (C7) used by "consensus" sync mode to decide whether a chunk write is
// accepted: a ratio of (weighted or unweighted) votes must exceed
// 1 - fault_threshold before the sync manager (C8) commits it. Votes are
// authenticated with Ed25519 signatures verified against the folder's
// allowlist (C3), the same detached-signature pattern used there.
package byzantine

import (
	"encoding/hex"
	"sync"

	"github.com/ccbt-project/ccbt/internal/ccbterr"
	"github.com/ccbt-project/ccbt/internal/tonic"
)

// Vote is one peer's vote on a chunk.
type Vote struct {
	PeerID    string
	ChunkHash tonic.ChunkHash
	Weight    float64 // ignored when the aggregator is unweighted
	Accept    bool
}

// VerifyFunc authenticates a vote's signature against the casting peer's
// known public key (normally a closure that looks up the peer's key and
// calls allowlist.Allowlist.VerifyPeer).
type VerifyFunc func(peerID string, message, signature []byte) bool

// Aggregator tallies votes per chunk and decides acceptance.
type Aggregator struct {
	faultThreshold float64
	weighted       bool

	mu        sync.Mutex
	votes     map[tonic.ChunkHash]map[string]Vote // chunkHash -> peerID -> vote; re-voting replaces, never double-counts
	selfVotes map[tonic.ChunkHash]float64         // implicit self-yes weight injected per evaluation, see InjectSelfVote
}

// New creates an Aggregator. faultThreshold must be in [0, 1); a chunk is
// accepted once its accept ratio strictly exceeds 1 - faultThreshold.
func New(faultThreshold float64, weighted bool) (*Aggregator, error) {
	if faultThreshold < 0 || faultThreshold >= 1 {
		return nil, ccbterr.New(ccbterr.ValidationError, "fault_threshold must be in [0, 1)")
	}
	return &Aggregator{
		faultThreshold: faultThreshold,
		weighted:       weighted,
		votes:          make(map[tonic.ChunkHash]map[string]Vote),
		selfVotes:      make(map[tonic.ChunkHash]float64),
	}, nil
}

// InjectSelfVote records an implicit "this node accepts" vote for chunk,
// mirroring the source's consensus-update path which always folds in an
// own-yes vote before tallying. Unlike CastVote this is not keyed by peer
// ID and is not deduplicated across calls: evaluating the same chunk
// through the sync manager's consensus policy more than once accumulates
// additional self-weight each time. This is a known quirk, preserved
// rather than fixed, and callers should call it at most once per chunk
// per evaluation round to avoid the node's own vote outweighing its peers.
func (a *Aggregator) InjectSelfVote(chunk tonic.ChunkHash, weight float64) {
	if weight <= 0 {
		weight = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.selfVotes[chunk] += weight
}

// CastVote authenticates and records a vote, verify is expected to wrap
// allowlist.VerifyPeer on the folder's allowlist. message is the
// canonical byte representation the peer signed (e.g. chunk hash bytes).
func (a *Aggregator) CastVote(vote Vote, message, signature []byte, verify VerifyFunc) error {
	if !verify(vote.PeerID, message, signature) {
		return ccbterr.New(ccbterr.AuthError, "vote signature does not verify for peer "+vote.PeerID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	byPeer, ok := a.votes[vote.ChunkHash]
	if !ok {
		byPeer = make(map[string]Vote)
		a.votes[vote.ChunkHash] = byPeer
	}
	// Keyed by PeerID: a peer re-voting replaces its prior vote rather than
	// accumulating a second ballot, so one peer can never count twice toward
	// either side of the ratio.
	byPeer[vote.PeerID] = vote
	return nil
}

// Tally computes the current accept ratio for a chunk and whether it has
// crossed the acceptance threshold.
func (a *Aggregator) Tally(chunkHash tonic.ChunkHash) (ratio float64, accepted bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	byPeer := a.votes[chunkHash]
	self := a.selfVotes[chunkHash]
	if len(byPeer) == 0 && self == 0 {
		return 0, false
	}

	if a.weighted {
		total, acceptWeight := self, self // self-vote always counts as accept
		for _, v := range byPeer {
			w := v.Weight
			if w <= 0 {
				w = 1
			}
			total += w
			if v.Accept {
				acceptWeight += w
			}
		}
		if total == 0 {
			return 0, false
		}
		ratio = acceptWeight / total
	} else {
		// Unweighted mode still folds in the self-vote's weight (normally 1,
		// but accumulated across repeated InjectSelfVote calls) as if it were
		// that many additional accepting ballots.
		total := self + float64(len(byPeer))
		accept := self
		for _, v := range byPeer {
			if v.Accept {
				accept++
			}
		}
		if total == 0 {
			return 0, false
		}
		ratio = accept / total
	}

	return ratio, ratio > 1-a.faultThreshold
}

// ChunkVotes is the serializable snapshot of one chunk's recorded votes,
// used to persist in-flight consensus state to .xet/consensus_state.json
// across daemon restarts.
type ChunkVotes struct {
	ChunkHash string `json:"chunk_hash"` // hex
	Votes     []Vote `json:"votes"`
}

// Snapshot exports all recorded votes in a JSON-serializable form.
func (a *Aggregator) Snapshot() []ChunkVotes {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]ChunkVotes, 0, len(a.votes))
	for chunk, byPeer := range a.votes {
		cv := ChunkVotes{ChunkHash: chunk.String()}
		for _, v := range byPeer {
			cv.Votes = append(cv.Votes, v)
		}
		out = append(out, cv)
	}
	return out
}

// Restore replaces the aggregator's in-memory votes with a previously
// exported snapshot, used on daemon startup to resume in-flight consensus.
func (a *Aggregator) Restore(snapshot []ChunkVotes) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.votes = make(map[tonic.ChunkHash]map[string]Vote, len(snapshot))
	a.selfVotes = make(map[tonic.ChunkHash]float64)
	for _, cv := range snapshot {
		var chunk tonic.ChunkHash
		b, err := hex.DecodeString(cv.ChunkHash)
		if err != nil || len(b) != len(chunk) {
			continue
		}
		copy(chunk[:], b)
		byPeer := make(map[string]Vote, len(cv.Votes))
		for _, v := range cv.Votes {
			byPeer[v.PeerID] = v
		}
		a.votes[chunk] = byPeer
	}
}

// VoteCount returns how many distinct peers have voted on a chunk.
func (a *Aggregator) VoteCount(chunkHash tonic.ChunkHash) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.votes[chunkHash])
}

// Reset drops all recorded votes for a chunk, e.g. once it has been
// committed or superseded.
func (a *Aggregator) Reset(chunkHash tonic.ChunkHash) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.votes, chunkHash)
	delete(a.selfVotes, chunkHash)
}
