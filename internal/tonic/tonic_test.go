package tonic

import (
	"bytes"
	"crypto/sha256"
	"strings"
	"testing"
)

func mkChunk(b byte) ChunkHash {
	var c ChunkHash
	for i := range c {
		c[i] = b
	}
	return c
}

func sampleFiles() []FileMetadata {
	chunksA := []ChunkHash{mkChunk(1), mkChunk(2)}
	chunksB := []ChunkHash{mkChunk(3)}
	return []FileMetadata{
		{Path: "docs/readme.md", FileHash: ComputeFileHash(chunksA), ChunkHashes: chunksA, Size: 20},
		{Path: "main.go", FileHash: ComputeFileHash(chunksB), ChunkHashes: chunksB, Size: 10},
	}
}

func TestCreateEncodeParseRoundTrip(t *testing.T) {
	files := sampleFiles()
	allChunks := append(append([]ChunkHash{}, files[0].ChunkHashes...), files[1].ChunkHashes...)

	tn, err := Create("myfolder", files, allChunks, SyncBestEffort, CreateOptions{Comment: "hello"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	buf, err := tn.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	parsed, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.Name != "myfolder" {
		t.Fatalf("name mismatch: %q", parsed.Name)
	}
	if len(parsed.Files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(parsed.Files))
	}
	if parsed.SyncMode != SyncBestEffort {
		t.Fatalf("sync mode mismatch: %q", parsed.SyncMode)
	}
}

// TestCreateEncodeParseEmptyFolder covers the §8 boundary case: an empty
// folder (0 files, 0 chunk hashes) must still produce a valid .tonic with
// an empty file tree, not a parse error.
func TestCreateEncodeParseEmptyFolder(t *testing.T) {
	tn, err := Create("emptyfolder", nil, nil, SyncBestEffort, CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	buf, err := tn.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	parsed, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(parsed.Files) != 0 {
		t.Fatalf("expected 0 files, got %d", len(parsed.Files))
	}
	if len(parsed.ChunkHashes) != 0 {
		t.Fatalf("expected 0 chunk hashes, got %d", len(parsed.ChunkHashes))
	}
}

func TestInfoHashDeterministicUnderReEncode(t *testing.T) {
	files := sampleFiles()
	var allChunks []ChunkHash
	for _, f := range files {
		allChunks = append(allChunks, f.ChunkHashes...)
	}

	tn, err := Create("myfolder", files, allChunks, SyncDesignated, CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	h1, err := tn.InfoHash()
	if err != nil {
		t.Fatalf("InfoHash: %v", err)
	}

	buf, err := tn.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	parsed, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	h2, err := parsed.InfoHash()
	if err != nil {
		t.Fatalf("InfoHash (re-parsed): %v", err)
	}

	if h1 != h2 {
		t.Fatalf("info hash not stable under re-encode: %s != %s", h1, h2)
	}

	// Encoding twice from the same Tonic must also be byte-identical.
	buf2, err := tn.Encode()
	if err != nil {
		t.Fatalf("Encode (2nd): %v", err)
	}
	if !bytes.Equal(buf, buf2) {
		t.Fatalf("encode not deterministic across calls")
	}
}

func TestFileTreeAndFlatFilesAgree(t *testing.T) {
	files := sampleFiles()
	var allChunks []ChunkHash
	for _, f := range files {
		allChunks = append(allChunks, f.ChunkHashes...)
	}
	tn, err := Create("f", files, allChunks, SyncBroadcast, CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	w, err := tn.toWire()
	if err != nil {
		t.Fatalf("toWire: %v", err)
	}

	fromTree, err := filesFromTree(w.Info.FileTree, "")
	if err != nil {
		t.Fatalf("filesFromTree: %v", err)
	}
	fromFlat, err := filesFromFlat(w.Info.Files)
	if err != nil {
		t.Fatalf("filesFromFlat: %v", err)
	}
	if len(fromTree) != len(fromFlat) {
		t.Fatalf("file tree (%d) and flat files (%d) disagree on count", len(fromTree), len(fromFlat))
	}

	byPath := map[string]FileMetadata{}
	for _, f := range fromFlat {
		byPath[f.Path] = f
	}
	for _, f := range fromTree {
		other, ok := byPath[f.Path]
		if !ok {
			t.Fatalf("file tree has path %q not present in flat files", f.Path)
		}
		if f.FileHash != other.FileHash || f.Size != other.Size {
			t.Fatalf("mismatched metadata for %q between tree and flat", f.Path)
		}
	}
}

func TestPathTraversalRejected(t *testing.T) {
	bad := []FileMetadata{{Path: "../escape.txt", Size: 1}}
	_, err := Create("f", bad, nil, SyncDesignated, CreateOptions{})
	if err == nil {
		t.Fatal("expected error for path traversal, got nil")
	}

	bad2 := []FileMetadata{{Path: "/etc/passwd", Size: 1}}
	_, err = Create("f", bad2, nil, SyncDesignated, CreateOptions{})
	if err == nil {
		t.Fatal("expected error for absolute path, got nil")
	}
}

func TestInvalidSyncModeRejected(t *testing.T) {
	_, err := Create("f", nil, nil, SyncMode("quorum"), CreateOptions{})
	if err == nil {
		t.Fatal("expected error for invalid sync mode, got nil")
	}
}

func TestComputeFileHashDeterministic(t *testing.T) {
	chunks := []ChunkHash{mkChunk(9), mkChunk(8)}
	h1 := ComputeFileHash(chunks)
	h2 := ComputeFileHash(chunks)
	if h1 != h2 {
		t.Fatal("ComputeFileHash not deterministic")
	}

	want := sha256.New()
	want.Write(chunks[0][:])
	want.Write(chunks[1][:])
	var wantArr [32]byte
	copy(wantArr[:], want.Sum(nil))
	if h1 != wantArr {
		t.Fatal("ComputeFileHash does not match sha256(concat(chunks))")
	}
}

func TestLinkRoundTrip(t *testing.T) {
	var hash InfoHash
	for i := range hash {
		hash[i] = byte(i)
	}
	allow := [32]byte{}
	for i := range allow {
		allow[i] = byte(255 - i)
	}

	l := &Link{
		InfoHash:      hash,
		DisplayName:   "my folder",
		Trackers:      []string{"https://tracker.example/announce"},
		GitRefs:       []string{"refs/heads/main"},
		Peers:         []string{"peer1", "peer2"},
		Mode:          SyncConsensus,
		AllowlistHash: &allow,
	}

	raw := l.Emit()
	parsed, err := ParseLink(raw)
	if err != nil {
		t.Fatalf("ParseLink: %v", err)
	}

	if parsed.InfoHash != l.InfoHash {
		t.Fatalf("info hash mismatch after round trip")
	}
	if parsed.DisplayName != l.DisplayName {
		t.Fatalf("display name mismatch: %q != %q", parsed.DisplayName, l.DisplayName)
	}
	if parsed.Mode != l.Mode {
		t.Fatalf("mode mismatch: %q != %q", parsed.Mode, l.Mode)
	}
	if len(parsed.Trackers) != 1 || parsed.Trackers[0] != l.Trackers[0] {
		t.Fatalf("trackers mismatch: %v", parsed.Trackers)
	}
	if parsed.AllowlistHash == nil || *parsed.AllowlistHash != *l.AllowlistHash {
		t.Fatalf("allowlist hash mismatch")
	}
}

func TestLinkBase32RoundTrip(t *testing.T) {
	var hash InfoHash
	for i := range hash {
		hash[i] = byte(i * 3)
	}
	l := &Link{InfoHash: hash, UseBase32: true}
	raw := l.Emit()

	parsed, err := ParseLink(raw)
	if err != nil {
		t.Fatalf("ParseLink: %v", err)
	}
	if parsed.InfoHash != hash {
		t.Fatalf("info hash mismatch after base32 round trip")
	}
}

func TestParseLinkPeersCSVWinsOverRepeated(t *testing.T) {
	raw := "tonic?:xt=urn:xet:" + strings.Repeat("ab", 32) + "&peer=solo&peers=a,b,c"
	parsed, err := ParseLink(raw)
	if err != nil {
		t.Fatalf("ParseLink: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(parsed.Peers) != len(want) {
		t.Fatalf("peers = %v, want %v", parsed.Peers, want)
	}
	for i, p := range want {
		if parsed.Peers[i] != p {
			t.Fatalf("peers = %v, want %v", parsed.Peers, want)
		}
	}
}

func TestParseLinkRepeatedPeerWithoutCSV(t *testing.T) {
	raw := "tonic?:xt=urn:xet:" + strings.Repeat("ab", 32) + "&peer=p1&peer=p2"
	parsed, err := ParseLink(raw)
	if err != nil {
		t.Fatalf("ParseLink: %v", err)
	}
	if len(parsed.Peers) != 2 || parsed.Peers[0] != "p1" || parsed.Peers[1] != "p2" {
		t.Fatalf("peers = %v, want [p1 p2]", parsed.Peers)
	}
}

func TestParseLinkRejectsMissingXT(t *testing.T) {
	_, err := ParseLink("tonic?:dn=foo")
	if err == nil {
		t.Fatal("expected error for missing xt parameter")
	}
}

func TestParseLinkRejectsWrongScheme(t *testing.T) {
	_, err := ParseLink("magnet:?xt=urn:btih:deadbeef")
	if err == nil {
		t.Fatal("expected error for wrong scheme")
	}
}
