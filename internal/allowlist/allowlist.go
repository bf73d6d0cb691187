// Package allowlist implements the encrypted peer allowlist (C3): an
// AES-256-GCM sealed store of permitted peer public keys, used to restrict
// which peers a folder will exchange chunks with. The AEAD pattern mirrors
// the teacher's compliance-grade encrypted records; the exact
// cipher.NewGCM + crypto/rand nonce construction is grounded on
// orbas1-Synnergy's core/compliance.go and core/security.go, which this
// module's teacher pack does not itself contain an encryption-at-rest
// example for.
package allowlist

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ccbt-project/ccbt/internal/ccbterr"
)

// KeySize is the required AES-256 key length.
const KeySize = 32

// PeerEntry is one allowed peer. PublicKey is optional per §4.3 ("public_key?
// : 32B Ed25519"); Alias lives under the entry's metadata sub-record, whose
// sole documented key today is "alias" — modeled as its own field rather than
// a generic map since it is the only metadata slot §4.3 names operations for.
type PeerEntry struct {
	PeerID    string            `json:"peer_id"`
	PublicKey ed25519.PublicKey `json:"public_key,omitempty"`
	Alias     string            `json:"alias,omitempty"`
	AddedAt   int64             `json:"added_at"`
}

// Allowlist is the in-memory, decrypted peer set for one folder.
type Allowlist struct {
	Peers map[string]PeerEntry // keyed by PeerID
}

// New returns an empty allowlist.
func New() *Allowlist {
	return &Allowlist{Peers: make(map[string]PeerEntry)}
}

// AddPeer upserts a peer entry. pub is optional (§4.3 "public_key?"); when
// supplied it MUST be exactly ed25519.PublicKeySize bytes. added_at is set on
// insert only — re-adding an existing peer preserves its original added_at,
// replaces the public key, and replaces the alias only when a non-empty
// alias is given.
func (a *Allowlist) AddPeer(peerID string, pub ed25519.PublicKey, alias string) error {
	if pub != nil && len(pub) != ed25519.PublicKeySize {
		return ccbterr.New(ccbterr.InvalidField, fmt.Sprintf("public key must be %d bytes", ed25519.PublicKeySize))
	}
	entry, existed := a.Peers[peerID]
	if !existed {
		entry = PeerEntry{PeerID: peerID, AddedAt: time.Now().Unix(), Alias: alias}
	} else if alias != "" {
		entry.Alias = alias
	}
	entry.PeerID = peerID
	entry.PublicKey = pub
	a.Peers[peerID] = entry
	return nil
}

// RemovePeer drops a peer; a no-op if it was not present.
func (a *Allowlist) RemovePeer(peerID string) {
	delete(a.Peers, peerID)
}

// Allowed reports whether peerID is currently permitted.
func (a *Allowlist) Allowed(peerID string) bool {
	_, ok := a.Peers[peerID]
	return ok
}

// SetAlias sets peerID's alias; a no-op if peerID is not in the allowlist.
func (a *Allowlist) SetAlias(peerID, alias string) {
	entry, ok := a.Peers[peerID]
	if !ok {
		return
	}
	entry.Alias = alias
	a.Peers[peerID] = entry
}

// RemoveAlias clears peerID's alias (removing the last metadata key removes
// the metadata sub-record per §4.3; here that is simply an empty Alias).
func (a *Allowlist) RemoveAlias(peerID string) {
	entry, ok := a.Peers[peerID]
	if !ok {
		return
	}
	entry.Alias = ""
	a.Peers[peerID] = entry
}

// GetAlias returns peerID's alias and whether one is set.
func (a *Allowlist) GetAlias(peerID string) (string, bool) {
	entry, ok := a.Peers[peerID]
	if !ok || entry.Alias == "" {
		return "", false
	}
	return entry.Alias, true
}

// VerifyPeer checks (a) peerID is allowed, (b) if the allowlist has a stored
// public key for peerID it matches the caller-provided pub bytewise, and (c)
// the Ed25519 signature verifies over message — the three-part contract of
// §4.3's verify_peer, not just a bare signature check.
func (a *Allowlist) VerifyPeer(peerID string, pub, message, sig []byte) bool {
	entry, ok := a.Peers[peerID]
	if !ok {
		return false
	}
	if len(entry.PublicKey) == ed25519.PublicKeySize {
		if len(pub) != ed25519.PublicKeySize || !ed25519PubEqual(entry.PublicKey, pub) {
			return false
		}
	}
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}

func ed25519PubEqual(a, b ed25519.PublicKey) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// canonicalFile is the deterministic on-disk shape: a field-ordered struct
// with peers sorted by ID, so two allowlists with the same membership always
// serialize to the same bytes (needed for ContentHash and for the .tonic
// "allowlist hash" field to be reproducible).
type canonicalFile struct {
	Peers []PeerEntry `json:"peers"`
}

func (a *Allowlist) canonicalJSON() ([]byte, error) {
	ids := make([]string, 0, len(a.Peers))
	for id := range a.Peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	cf := canonicalFile{Peers: make([]PeerEntry, 0, len(ids))}
	for _, id := range ids {
		cf.Peers = append(cf.Peers, a.Peers[id])
	}
	return json.Marshal(cf)
}

// ContentHash returns the SHA-256 of the canonical (key-sorted) JSON
// representation, the value stored in a .tonic file's "allowlist hash" field
// so a folder's permitted-peer set is itself content-addressed.
func (a *Allowlist) ContentHash() ([32]byte, error) {
	buf, err := a.canonicalJSON()
	if err != nil {
		return [32]byte{}, ccbterr.Wrap(ccbterr.InternalError, "marshal allowlist", err)
	}
	return sha256.Sum256(buf), nil
}

// Seal encrypts the canonical JSON with AES-256-GCM, key must be exactly
// KeySize bytes. The on-disk layout is [12-byte nonce][ciphertext+tag].
func (a *Allowlist) Seal(key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ccbterr.New(ccbterr.InvalidKeyLength, fmt.Sprintf("key must be %d bytes, got %d", KeySize, len(key)))
	}
	plaintext, err := a.canonicalJSON()
	if err != nil {
		return nil, ccbterr.Wrap(ccbterr.InternalError, "marshal allowlist", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ccbterr.Wrap(ccbterr.InternalError, "new cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ccbterr.Wrap(ccbterr.InternalError, "new gcm", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, ccbterr.Wrap(ccbterr.InternalError, "generate nonce", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	return append(nonce, sealed...), nil
}

// Open decrypts data produced by Seal, rejecting a key of the wrong length
// before touching the ciphertext.
func Open(data, key []byte) (*Allowlist, error) {
	if len(key) != KeySize {
		return nil, ccbterr.New(ccbterr.InvalidKeyLength, fmt.Sprintf("key must be %d bytes, got %d", KeySize, len(key)))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ccbterr.Wrap(ccbterr.InternalError, "new cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ccbterr.Wrap(ccbterr.InternalError, "new gcm", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, ccbterr.New(ccbterr.InvalidField, "allowlist data shorter than nonce")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ccbterr.Wrap(ccbterr.AuthError, "decrypt allowlist (wrong key or tampered file)", err)
	}

	var cf canonicalFile
	if err := json.Unmarshal(plaintext, &cf); err != nil {
		return nil, ccbterr.Wrap(ccbterr.InvalidField, "unmarshal allowlist", err)
	}

	a := New()
	for _, p := range cf.Peers {
		a.Peers[p.PeerID] = p
	}
	return a, nil
}

// SaveFile seals the allowlist and writes it to path atomically: write to a
// temp file in the same directory, then rename over path, so a crash
// mid-write never leaves a partially-written file in place (§4.3 save()).
func (a *Allowlist) SaveFile(path string, key []byte) error {
	data, err := a.Seal(key)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return ccbterr.Wrap(ccbterr.IOError, fmt.Sprintf("create allowlist directory %q", dir), err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return ccbterr.Wrap(ccbterr.IOError, fmt.Sprintf("write allowlist temp file %q", tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return ccbterr.Wrap(ccbterr.IOError, fmt.Sprintf("rename allowlist file %q", path), err)
	}
	return nil
}

// LoadFile reads and decrypts an allowlist file.
func LoadFile(path string, key []byte) (*Allowlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ccbterr.Wrap(ccbterr.NotFound, fmt.Sprintf("allowlist file %q", path), err)
		}
		return nil, ccbterr.Wrap(ccbterr.IOError, fmt.Sprintf("read allowlist file %q", path), err)
	}
	return Open(data, key)
}
