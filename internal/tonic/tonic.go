// Package tonic implements the .tonic file format: a bencoded,
// content-addressed metadata container for a synchronized folder (the
// BitTorrent-magnet analogue this module is named after). Encoding uses
// anacrolix/torrent/bencode, the same bencode implementation the teacher's
// torrent client already depends on for .torrent files.
package tonic

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"

	"github.com/anacrolix/torrent/bencode"
	"github.com/ccbt-project/ccbt/internal/ccbterr"
)

// TonicVersion is the only supported on-wire version of the info dict.
const TonicVersion = 1

// InfoHash is the SHA-256 of the bencoded info sub-dictionary; a folder's
// stable identifier.
type InfoHash [32]byte

func (h InfoHash) String() string { return fmt.Sprintf("%x", h[:]) }

func (h InfoHash) Bytes() []byte { return h[:] }

// Less gives InfoHash a bytewise total order.
func (h InfoHash) Less(o InfoHash) bool { return bytes.Compare(h[:], o[:]) < 0 }

// ChunkHash is an opaque content hash produced by the external chunker.
type ChunkHash [32]byte

func (c ChunkHash) String() string { return fmt.Sprintf("%x", c[:]) }

// SyncMode is one of the four policy tags.
type SyncMode string

const (
	SyncDesignated SyncMode = "designated"
	SyncBestEffort SyncMode = "best_effort"
	SyncBroadcast  SyncMode = "broadcast"
	SyncConsensus  SyncMode = "consensus"
)

// ValidSyncMode reports whether s is one of the four closed tags.
func ValidSyncMode(s string) bool {
	switch SyncMode(s) {
	case SyncDesignated, SyncBestEffort, SyncBroadcast, SyncConsensus:
		return true
	}
	return false
}

// FileMetadata describes one file within a synchronized folder.
type FileMetadata struct {
	Path        string // relative, '/'-separated; never escapes the folder root
	FileHash    [32]byte
	ChunkHashes []ChunkHash // ordered (piece order)
	Size        uint64
}

// Tonic is the parsed, normalized form of a .tonic file.
type Tonic struct {
	Name          string
	Files         []FileMetadata
	ChunkHashes   []ChunkHash // folder-wide chunk set (xet metadata.chunk hashes)
	PieceMetadata []byte
	XorbHashes    [][32]byte
	SyncMode      SyncMode
	Announce      string
	AnnounceList  [][]string
	GitRefs       []string
	SourcePeers   []string
	AllowlistHash *[32]byte
	CreatedAt     int64
	Comment       string
}

// on-wire shapes, bencode-tagged. Byte-string dictionary keys are mapped to
// UTF-8 struct field names for external consumption; 32-byte hashes stay
// opaque []byte so the codec never misinterprets them as text.

type wireFileFlat struct {
	Path     string `bencode:"path"`
	Length   int64  `bencode:"length"`
	FileHash []byte `bencode:"file hash"`
}

type wirePerFileMeta struct {
	Path        string   `bencode:"path"`
	FileHash    []byte   `bencode:"file hash"`
	ChunkHashes [][]byte `bencode:"chunk hashes"`
	Size        int64    `bencode:"size"`
}

type wireInfo struct {
	Name         string                 `bencode:"name"`
	TonicVersion int64                  `bencode:"tonic version"`
	TotalLength  int64                  `bencode:"total length"`
	Files        []wireFileFlat         `bencode:"files"`
	FileTree     map[string]interface{} `bencode:"file tree"`
}

type wireXetMetadata struct {
	ChunkHashes     [][]byte          `bencode:"chunk hashes"`
	PerFileMetadata []wirePerFileMeta `bencode:"per file metadata,omitempty"`
	PieceMetadata   []byte            `bencode:"piece metadata,omitempty"`
	XorbHashes      [][]byte          `bencode:"xorb hashes,omitempty"`
}

type wireTonic struct {
	Info          wireInfo        `bencode:"info"`
	XetMetadata   wireXetMetadata `bencode:"xet metadata"`
	SyncMode      string          `bencode:"sync mode"`
	Announce      string          `bencode:"announce,omitempty"`
	AnnounceList  [][]string      `bencode:"announce-list,omitempty"`
	GitRefs       []string        `bencode:"git refs,omitempty"`
	SourcePeers   []string        `bencode:"source peers,omitempty"`
	AllowlistHash []byte          `bencode:"allowlist hash,omitempty"`
	CreatedAt     int64           `bencode:"created at,omitempty"`
	Comment       string          `bencode:"comment,omitempty"`
}

// treeLeaf is the {length, file hash} record at a file-tree leaf.
type treeLeaf struct {
	Length   int64  `bencode:"length"`
	FileHash []byte `bencode:"file hash"`
}

// CreateOptions carries the optional .tonic fields.
type CreateOptions struct {
	Announce      string
	AnnounceList  [][]string
	GitRefs       []string
	SourcePeers   []string
	AllowlistHash *[32]byte
	CreatedAt     int64
	Comment       string
}

// Create builds a Tonic from a folder name, its files, and the folder-wide
// chunk set, validating sync mode and allowlist-hash length per spec.
func Create(folderName string, files []FileMetadata, chunkHashes []ChunkHash, mode SyncMode, opts CreateOptions) (*Tonic, error) {
	if !ValidSyncMode(string(mode)) {
		return nil, ccbterr.New(ccbterr.InvalidField, fmt.Sprintf("invalid sync mode %q", mode))
	}
	for _, f := range files {
		if err := validatePath(f.Path); err != nil {
			return nil, err
		}
	}
	if opts.AllowlistHash != nil && len(opts.AllowlistHash) != 32 {
		return nil, ccbterr.New(ccbterr.InvalidField, "allowlist hash must be exactly 32 bytes")
	}

	t := &Tonic{
		Name:          folderName,
		Files:         files,
		ChunkHashes:   chunkHashes,
		SyncMode:      mode,
		Announce:      opts.Announce,
		AnnounceList:  opts.AnnounceList,
		GitRefs:       opts.GitRefs,
		SourcePeers:   opts.SourcePeers,
		AllowlistHash: opts.AllowlistHash,
		CreatedAt:     opts.CreatedAt,
		Comment:       opts.Comment,
	}
	return t, nil
}

// Encode bencodes the Tonic to its on-wire form, emitting both `files` and
// `file tree` for duality (§4.1).
func (t *Tonic) Encode() ([]byte, error) {
	w, err := t.toWire()
	if err != nil {
		return nil, err
	}
	buf, err := bencode.Marshal(w)
	if err != nil {
		return nil, ccbterr.Wrap(ccbterr.InternalError, "bencode marshal", err)
	}
	return buf, nil
}

func (t *Tonic) toWire() (*wireTonic, error) {
	var total int64
	flat := make([]wireFileFlat, 0, len(t.Files))
	perFile := make([]wirePerFileMeta, 0, len(t.Files))
	for _, f := range t.Files {
		if f.Path == "" {
			continue // empty path components are ignored on emit too
		}
		total += int64(f.Size)
		fh := make([]byte, 32)
		copy(fh, f.FileHash[:])
		flat = append(flat, wireFileFlat{Path: f.Path, Length: int64(f.Size), FileHash: fh})

		chs := make([][]byte, len(f.ChunkHashes))
		for i, c := range f.ChunkHashes {
			b := make([]byte, 32)
			copy(b, c[:])
			chs[i] = b
		}
		perFile = append(perFile, wirePerFileMeta{Path: f.Path, FileHash: fh, ChunkHashes: chs, Size: int64(f.Size)})
	}

	tree, err := buildFileTree(t.Files)
	if err != nil {
		return nil, err
	}

	chunkHashes := make([][]byte, len(t.ChunkHashes))
	for i, c := range t.ChunkHashes {
		b := make([]byte, 32)
		copy(b, c[:])
		chunkHashes[i] = b
	}

	w := &wireTonic{
		Info: wireInfo{
			Name:         t.Name,
			TonicVersion: TonicVersion,
			TotalLength:  total,
			Files:        flat,
			FileTree:     tree,
		},
		XetMetadata: wireXetMetadata{
			ChunkHashes:     chunkHashes,
			PerFileMetadata: perFile,
			PieceMetadata:   t.PieceMetadata,
		},
		SyncMode:     string(t.SyncMode),
		Announce:     t.Announce,
		AnnounceList: t.AnnounceList,
		GitRefs:      t.GitRefs,
		SourcePeers:  t.SourcePeers,
		CreatedAt:    t.CreatedAt,
		Comment:      t.Comment,
	}
	if len(t.XorbHashes) > 0 {
		xh := make([][]byte, len(t.XorbHashes))
		for i, x := range t.XorbHashes {
			b := make([]byte, 32)
			copy(b, x[:])
			xh[i] = b
		}
		w.XetMetadata.XorbHashes = xh
	}
	if t.AllowlistHash != nil {
		w.AllowlistHash = append([]byte(nil), t.AllowlistHash[:]...)
	}
	return w, nil
}

// buildFileTree nests files by '/'-separated path component, placing the
// {length, file hash} leaf record under the empty-string key, per §3/§4.1.
func buildFileTree(files []FileMetadata) (map[string]interface{}, error) {
	root := map[string]interface{}{}
	for _, f := range files {
		if f.Path == "" {
			continue
		}
		parts := strings.Split(f.Path, "/")
		cur := root
		for i, part := range parts {
			if part == "" {
				continue
			}
			if i == len(parts)-1 {
				fh := make([]byte, 32)
				copy(fh, f.FileHash[:])
				cur[part] = map[string]interface{}{
					"": treeLeaf{Length: int64(f.Size), FileHash: fh},
				}
				continue
			}
			next, ok := cur[part].(map[string]interface{})
			if !ok {
				next = map[string]interface{}{}
				cur[part] = next
			}
			cur = next
		}
	}
	return root, nil
}

// Parse decodes a bencoded .tonic file, validating required fields and
// synthesizing whichever of files/file-tree is missing.
func Parse(data []byte) (*Tonic, error) {
	var w wireTonic
	if err := bencode.Unmarshal(data, &w); err != nil {
		return nil, ccbterr.Wrap(ccbterr.InvalidField, "bencode decode", err)
	}

	if w.Info.Name == "" {
		return nil, ccbterr.New(ccbterr.InvalidField, "info.name is required")
	}
	// An empty folder (0 files, 0 chunk hashes, empty file tree) is a valid
	// .tonic per §8's boundary case, so absence of all three is not itself
	// an error — only chunk hashes with no corresponding file is.
	if len(w.Info.Files) == 0 && len(w.Info.FileTree) == 0 && len(w.XetMetadata.ChunkHashes) != 0 {
		return nil, ccbterr.New(ccbterr.InvalidField, "xet metadata.chunk hashes present without any files")
	}
	if w.SyncMode != "" && !ValidSyncMode(w.SyncMode) {
		return nil, ccbterr.New(ccbterr.InvalidField, fmt.Sprintf("invalid sync mode %q", w.SyncMode))
	}
	if len(w.AllowlistHash) != 0 && len(w.AllowlistHash) != 32 {
		return nil, ccbterr.New(ccbterr.InvalidField, "allowlist hash must be exactly 32 bytes")
	}

	files, err := reconcileFiles(w)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if err := validatePath(f.Path); err != nil {
			return nil, err
		}
	}

	chunkHashes := make([]ChunkHash, len(w.XetMetadata.ChunkHashes))
	for i, c := range w.XetMetadata.ChunkHashes {
		var ch ChunkHash
		copy(ch[:], c)
		chunkHashes[i] = ch
	}

	t := &Tonic{
		Name:          w.Info.Name,
		Files:         files,
		ChunkHashes:   chunkHashes,
		PieceMetadata: w.XetMetadata.PieceMetadata,
		SyncMode:      SyncMode(w.SyncMode),
		Announce:      w.Announce,
		AnnounceList:  w.AnnounceList,
		GitRefs:       w.GitRefs,
		SourcePeers:   w.SourcePeers,
		CreatedAt:     w.CreatedAt,
		Comment:       w.Comment,
	}
	if len(w.XetMetadata.XorbHashes) > 0 {
		t.XorbHashes = make([][32]byte, len(w.XetMetadata.XorbHashes))
		for i, x := range w.XetMetadata.XorbHashes {
			copy(t.XorbHashes[i][:], x)
		}
	}
	if len(w.AllowlistHash) == 32 {
		var h [32]byte
		copy(h[:], w.AllowlistHash)
		t.AllowlistHash = &h
	}
	return t, nil
}

// reconcileFiles prefers `file tree`, falling back to `files`, and
// synthesizes whichever side is absent so both always describe the same set
// (invariant 11).
func reconcileFiles(w wireTonic) ([]FileMetadata, error) {
	if len(w.Info.FileTree) > 0 {
		return filesFromTree(w.Info.FileTree, "")
	}
	if len(w.Info.Files) > 0 {
		return filesFromFlat(w.Info.Files)
	}
	return nil, nil
}

func filesFromFlat(flat []wireFileFlat) ([]FileMetadata, error) {
	out := make([]FileMetadata, 0, len(flat))
	for _, f := range flat {
		if f.Path == "" {
			continue
		}
		fm := FileMetadata{Path: f.Path, Size: uint64(f.Length)}
		copy(fm.FileHash[:], f.FileHash)
		out = append(out, fm)
	}
	return out, nil
}

// filesFromTree walks the nested file-tree map, decoding leaf records found
// under the empty-string key.
func filesFromTree(node map[string]interface{}, prefix string) ([]FileMetadata, error) {
	var out []FileMetadata
	// Deterministic order: sort keys, but "" sorts first naturally.
	keys := make([]string, 0, len(node))
	for k := range node {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if k == "" {
			leaf, err := decodeLeaf(node[k])
			if err != nil {
				return nil, err
			}
			fm := FileMetadata{Path: prefix, Size: uint64(leaf.Length)}
			copy(fm.FileHash[:], leaf.FileHash)
			out = append(out, fm)
			continue
		}
		child, ok := asDict(node[k])
		if !ok {
			continue
		}
		childPath := k
		if prefix != "" {
			childPath = prefix + "/" + k
		}
		sub, err := filesFromTree(child, childPath)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}

// decodeLeaf re-marshals+unmarshals a generic bencode-decoded map[string]interface{}
// into a treeLeaf; bencode.Unmarshal into map[string]interface{} produces
// map values for nested dicts, so this round-trip keeps the leaf decoding
// logic in one place regardless of how the library represents integers/bytes.
func decodeLeaf(v interface{}) (treeLeaf, error) {
	m, ok := asDict(v)
	if !ok {
		return treeLeaf{}, ccbterr.New(ccbterr.InvalidField, "file tree leaf is not a dict")
	}
	var leaf treeLeaf
	if l, ok := m["length"]; ok {
		leaf.Length = toInt64(l)
	}
	if fh, ok := m["file hash"]; ok {
		leaf.FileHash = toBytes(fh)
	}
	return leaf, nil
}

func asDict(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

func toBytes(v interface{}) []byte {
	switch b := v.(type) {
	case []byte:
		return b
	case string:
		return []byte(b)
	}
	return nil
}

// validatePath rejects path traversal and absolute-path anchors (§4.1,
// invariant 12).
func validatePath(path string) error {
	if path == "" {
		return nil
	}
	if strings.HasPrefix(path, "/") || strings.Contains(path, ":\\") {
		return ccbterr.New(ccbterr.InvalidPath, fmt.Sprintf("absolute path not allowed: %q", path))
	}
	for _, part := range strings.Split(path, "/") {
		if part == ".." {
			return ccbterr.New(ccbterr.InvalidPath, fmt.Sprintf("path traversal not allowed: %q", path))
		}
	}
	return nil
}

// InfoHash re-bencodes the info sub-dictionary with keys sorted (bencode
// dictionaries are always key-sorted on emit) and hashes it with SHA-256.
// This MUST be deterministic under re-encoding (invariant 1).
func (t *Tonic) InfoHash() (InfoHash, error) {
	w, err := t.toWire()
	if err != nil {
		return InfoHash{}, err
	}
	buf, err := bencode.Marshal(w.Info)
	if err != nil {
		return InfoHash{}, ccbterr.Wrap(ccbterr.InternalError, "bencode marshal info", err)
	}
	return sha256.Sum256(buf), nil
}

// ComputeFileHash derives a file's hash deterministically from its ordered
// chunk hashes (§3 invariant): SHA-256 over the concatenated chunk hashes.
func ComputeFileHash(chunkHashes []ChunkHash) [32]byte {
	h := sha256.New()
	for _, c := range chunkHashes {
		h.Write(c[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
