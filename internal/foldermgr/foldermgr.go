// Package foldermgr implements the folder manager (C9): the runtime state
// for one synchronized folder, tying together its .tonic metadata, its
// encrypted allowlist, its optional Git anchor, and the local/remote chunk
// diff the sync manager (C8) needs to decide what to fetch or push. The
// chunking algorithm itself (splitting files into XET chunks) is an external
// collaborator's concern per spec.md's scope; this package only tracks the
// chunk hash sets a folder is known to hold.
package foldermgr

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/ccbt-project/ccbt/internal/allowlist"
	"github.com/ccbt-project/ccbt/internal/ccbterr"
	"github.com/ccbt-project/ccbt/internal/gitanchor"
	"github.com/ccbt-project/ccbt/internal/tonic"
)

// Folder is the live state for one synchronized folder.
type Folder struct {
	Key      string // stable identifier: absolute path or info-hash hex
	Path     string // absolute filesystem path
	SyncMode tonic.SyncMode

	mu        sync.RWMutex
	meta      *tonic.Tonic
	allowlist *allowlist.Allowlist
	anchor    *gitanchor.Anchor
	haveSet   map[tonic.ChunkHash]struct{} // chunks present locally
	wantSet   map[tonic.ChunkHash]struct{} // chunks referenced by meta but not yet local
}

// New creates a Folder bound to an already-parsed .tonic metadata document.
func New(key, path string, meta *tonic.Tonic) (*Folder, error) {
	if !tonic.ValidSyncMode(string(meta.SyncMode)) {
		return nil, ccbterr.New(ccbterr.InvalidField, fmt.Sprintf("invalid sync mode %q", meta.SyncMode))
	}
	f := &Folder{
		Key:      key,
		Path:     path,
		SyncMode: meta.SyncMode,
		meta:     meta,
		haveSet:  make(map[tonic.ChunkHash]struct{}),
		wantSet:  make(map[tonic.ChunkHash]struct{}),
	}
	for _, c := range meta.ChunkHashes {
		f.wantSet[c] = struct{}{}
	}
	return f, nil
}

// AttachAllowlist binds a decrypted allowlist to this folder.
func (f *Folder) AttachAllowlist(a *allowlist.Allowlist) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowlist = a
}

// Allowlist returns the folder's attached allowlist, or nil if none.
func (f *Folder) Allowlist() *allowlist.Allowlist {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.allowlist
}

// AttachAnchor binds a Git anchor to this folder; nil disables Git anchoring.
func (f *Folder) AttachAnchor(a *gitanchor.Anchor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.anchor = a
}

// Anchor returns the folder's Git anchor, or nil if Git anchoring is
// disabled or unavailable for this folder.
func (f *Folder) Anchor() *gitanchor.Anchor {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.anchor
}

// Metadata returns the folder's current .tonic document.
func (f *Folder) Metadata() *tonic.Tonic {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.meta
}

// InfoHash recomputes the folder's current info-hash.
func (f *Folder) InfoHash() (tonic.InfoHash, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.meta.InfoHash()
}

// MarkHave records that a chunk is now present locally, moving it out of the
// want set.
func (f *Folder) MarkHave(c tonic.ChunkHash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.haveSet[c] = struct{}{}
	delete(f.wantSet, c)
}

// MarkMissing records that a chunk is referenced by metadata but not present
// locally, e.g. after metadata is updated with new chunks from a peer.
func (f *Folder) MarkMissing(c tonic.ChunkHash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, have := f.haveSet[c]; !have {
		f.wantSet[c] = struct{}{}
	}
}

// Missing returns the set of chunks this folder wants but does not yet have,
// the input to the sync manager's fetch queue.
func (f *Folder) Missing() []tonic.ChunkHash {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]tonic.ChunkHash, 0, len(f.wantSet))
	for c := range f.wantSet {
		out = append(out, c)
	}
	return out
}

// Have reports whether a chunk is present locally.
func (f *Folder) Have(c tonic.ChunkHash) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.haveSet[c]
	return ok
}

// Complete reports whether every chunk referenced by metadata is present.
func (f *Folder) Complete() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.wantSet) == 0
}

// UpdateMetadata replaces the folder's .tonic document (e.g. after a peer
// pushes a newer version), reconciling the want set against the new chunk
// list without discarding chunks already marked as had.
func (f *Folder) UpdateMetadata(meta *tonic.Tonic) error {
	if !tonic.ValidSyncMode(string(meta.SyncMode)) {
		return ccbterr.New(ccbterr.InvalidField, fmt.Sprintf("invalid sync mode %q", meta.SyncMode))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meta = meta
	f.SyncMode = meta.SyncMode
	for _, c := range meta.ChunkHashes {
		if _, have := f.haveSet[c]; !have {
			f.wantSet[c] = struct{}{}
		}
	}
	return nil
}

// AllowlistPath is the conventional on-disk location for a folder's
// encrypted allowlist, inside its .xet control directory.
func AllowlistPath(folderPath string) string {
	return filepath.Join(folderPath, ".xet", "allowlist.enc")
}

// ConsensusStatePath is the conventional location for sync-manager-persisted
// consensus vote state (§6).
func ConsensusStatePath(folderPath string) string {
	return filepath.Join(folderPath, ".xet", "consensus_state.json")
}

// RaftStatePath is the conventional location for a folder's Raft persistent
// state (§6).
func RaftStatePath(folderPath string) string {
	return filepath.Join(folderPath, ".xet", "raft", "raft_state.json")
}
