package executor

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/ccbt-project/ccbt/internal/ccbterr"
	"github.com/ccbt-project/ccbt/internal/foldermgr"
	"github.com/ccbt-project/ccbt/internal/session"
	"github.com/ccbt-project/ccbt/internal/syncmanager"
	"github.com/ccbt-project/ccbt/internal/tonic"
)

// LocalExecutor runs commands directly against an in-process session
// manager; this is what the daemon itself uses, and what a CLI invocation
// uses when there is no running daemon to delegate to.
type LocalExecutor struct {
	sessions *session.Manager

	// HashWorkers bounds the concurrency of xet.create_tonic's file hashing
	// (§4.11); 0 (the zero value) falls back to runtime.NumCPU() capped at
	// 16. The daemon sets this from config.Config.HashWorkers.
	HashWorkers int
}

// NewLocal creates a LocalExecutor bound to a session manager.
func NewLocal(sessions *session.Manager) *LocalExecutor {
	return &LocalExecutor{sessions: sessions}
}

func (e *LocalExecutor) Execute(ctx context.Context, cmd Command) (Result, error) {
	switch cmd.Name {
	case "folder.add":
		return e.folderAdd(cmd.Args), nil
	case "folder.remove":
		return e.folderRemove(cmd.Args), nil
	case "folder.list":
		return e.folderList(), nil
	case "folder.status":
		return e.folderStatus(cmd.Args), nil
	case "torrent.add_magnet":
		return e.torrentAddMagnet(cmd.Args), nil
	case "torrent.remove":
		return e.torrentRemove(cmd.Args), nil
	case "torrent.pause":
		return e.torrentPause(cmd.Args), nil
	case "torrent.resume":
		return e.torrentResume(cmd.Args), nil
	case "torrent.list":
		return e.torrentList(), nil
	case "torrent.status":
		return e.torrentStatus(cmd.Args), nil
	case "allowlist.add_peer":
		return e.allowlistAddPeer(cmd.Args), nil
	case "allowlist.remove_peer":
		return e.allowlistRemovePeer(cmd.Args), nil
	case "xet.create_tonic":
		return e.xetCreateTonic(cmd.Args), nil
	case "xet.sync":
		return e.xetSync(ctx, cmd.Args), nil
	default:
		return errResult(ccbterr.New(ccbterr.NotFound, fmt.Sprintf("unknown command %q", cmd.Name))), nil
	}
}

func (e *LocalExecutor) folderAdd(args map[string]interface{}) Result {
	key, err := argString(args, "key")
	if err != nil {
		return errResult(err)
	}
	path, err := argString(args, "path")
	if err != nil {
		return errResult(err)
	}

	tonicPath := filepath.Join(path, ".xet", "folder.tonic")
	data, err := os.ReadFile(tonicPath)
	if err != nil {
		return errResult(ccbterr.Wrap(ccbterr.NotFound, fmt.Sprintf("read %s", tonicPath), err))
	}
	meta, err := tonic.Parse(data)
	if err != nil {
		return errResult(err)
	}

	folder, err := foldermgr.New(key, path, meta)
	if err != nil {
		return errResult(err)
	}

	// designated/consensus modes may additionally want a Raft node or
	// Byzantine aggregator wired in; that happens at a higher level
	// (cmd/ccbtd.buildSyncManager) once the daemon owns the folder. A bare
	// executor-level add just needs a manager that exists and queues work,
	// which New succeeds at unconditionally for every valid policy.
	sm, err := syncmanager.New(syncmanager.Config{FolderKey: key, Policy: meta.SyncMode, SourcePeers: meta.SourcePeers})
	if err != nil {
		return errResult(err)
	}

	if err := e.sessions.AddFolder(folder, sm); err != nil {
		return errResult(err)
	}
	hash, _ := folder.InfoHash()
	return okResult(map[string]interface{}{"key": key, "info_hash": hash.String()})
}

func (e *LocalExecutor) folderRemove(args map[string]interface{}) Result {
	key, err := argString(args, "key")
	if err != nil {
		return errResult(err)
	}
	if err := e.sessions.RemoveFolder(key); err != nil {
		return errResult(err)
	}
	return okResult(nil)
}

func (e *LocalExecutor) folderList() Result {
	folders := e.sessions.ListFolders()
	out := make([]map[string]interface{}, 0, len(folders))
	for _, f := range folders {
		hash, _ := f.InfoHash()
		out = append(out, map[string]interface{}{
			"key":       f.Key,
			"path":      f.Path,
			"sync_mode": string(f.SyncMode),
			"info_hash": hash.String(),
			"complete":  f.Complete(),
		})
	}
	return okResult(out)
}

func (e *LocalExecutor) folderStatus(args map[string]interface{}) Result {
	key, err := argString(args, "key")
	if err != nil {
		return errResult(err)
	}
	f, ok := e.sessions.GetFolder(key)
	if !ok {
		return errResult(ccbterr.New(ccbterr.NotFound, fmt.Sprintf("folder %q not found", key)))
	}
	hash, err := f.InfoHash()
	if err != nil {
		return errResult(err)
	}
	return okResult(map[string]interface{}{
		"key":       f.Key,
		"info_hash": hash.String(),
		"complete":  f.Complete(),
		"missing":   len(f.Missing()),
	})
}

func (e *LocalExecutor) torrentAddMagnet(args map[string]interface{}) Result {
	magnet, err := argString(args, "magnet")
	if err != nil {
		return errResult(err)
	}
	savePath := argStringOpt(args, "save_path", "")
	resume := argBoolOpt(args, "resume", false)

	entry, err := e.sessions.Torrents().AddMagnet(magnet, savePath, resume)
	if err != nil {
		return errResult(ccbterr.Wrap(ccbterr.IOError, "add magnet", err))
	}
	return okResult(map[string]interface{}{"info_hash": entry.InfoHash})
}

func (e *LocalExecutor) torrentRemove(args map[string]interface{}) Result {
	hash, err := argString(args, "info_hash")
	if err != nil {
		return errResult(err)
	}
	if err := e.sessions.Torrents().Remove(hash); err != nil {
		return errResult(ccbterr.Wrap(ccbterr.NotFound, "remove torrent", err))
	}
	return okResult(nil)
}

func (e *LocalExecutor) torrentPause(args map[string]interface{}) Result {
	hash, err := argString(args, "info_hash")
	if err != nil {
		return errResult(err)
	}
	if err := e.sessions.Torrents().Pause(hash); err != nil {
		return errResult(ccbterr.Wrap(ccbterr.NotFound, "pause torrent", err))
	}
	return okResult(nil)
}

func (e *LocalExecutor) torrentResume(args map[string]interface{}) Result {
	hash, err := argString(args, "info_hash")
	if err != nil {
		return errResult(err)
	}
	if err := e.sessions.Torrents().Resume(hash); err != nil {
		return errResult(ccbterr.Wrap(ccbterr.NotFound, "resume torrent", err))
	}
	return okResult(nil)
}

func (e *LocalExecutor) torrentList() Result {
	entries := e.sessions.Torrents().List()
	out := make([]map[string]interface{}, 0, len(entries))
	for _, t := range entries {
		out = append(out, map[string]interface{}{
			"info_hash": t.InfoHash,
			"save_path": t.SavePath,
			"added_at":  t.AddedAt,
		})
	}
	return okResult(out)
}

func (e *LocalExecutor) torrentStatus(args map[string]interface{}) Result {
	hash, err := argString(args, "info_hash")
	if err != nil {
		return errResult(err)
	}
	stats, err := e.sessions.Torrents().Stats(hash)
	if err != nil {
		return errResult(ccbterr.Wrap(ccbterr.NotFound, "torrent status", err))
	}
	return okResult(stats)
}

func (e *LocalExecutor) allowlistAddPeer(args map[string]interface{}) Result {
	key, err := argString(args, "key")
	if err != nil {
		return errResult(err)
	}
	peerID, err := argString(args, "peer_id")
	if err != nil {
		return errResult(err)
	}
	// public_key is optional per §4.3 ("public_key?"); when omitted the peer
	// is added without one and can be given a key later via a follow-up add.
	pubHex := argStringOpt(args, "public_key", "")
	label := argStringOpt(args, "label", "")

	var pubBytes ed25519.PublicKey
	if pubHex != "" {
		decoded, err := hex.DecodeString(pubHex)
		if err != nil || len(decoded) != ed25519.PublicKeySize {
			return errResult(ccbterr.New(ccbterr.InvalidField, "public_key must be hex-encoded ed25519 public key"))
		}
		pubBytes = ed25519.PublicKey(decoded)
	}

	f, ok := e.sessions.GetFolder(key)
	if !ok {
		return errResult(ccbterr.New(ccbterr.NotFound, fmt.Sprintf("folder %q not found", key)))
	}
	al := f.Allowlist()
	if al == nil {
		return errResult(ccbterr.New(ccbterr.ValidationError, "folder has no allowlist attached"))
	}
	if err := al.AddPeer(peerID, pubBytes, label); err != nil {
		return errResult(err)
	}
	return okResult(nil)
}

func (e *LocalExecutor) allowlistRemovePeer(args map[string]interface{}) Result {
	key, err := argString(args, "key")
	if err != nil {
		return errResult(err)
	}
	peerID, err := argString(args, "peer_id")
	if err != nil {
		return errResult(err)
	}
	f, ok := e.sessions.GetFolder(key)
	if !ok {
		return errResult(ccbterr.New(ccbterr.NotFound, fmt.Sprintf("folder %q not found", key)))
	}
	al := f.Allowlist()
	if al == nil {
		return errResult(ccbterr.New(ccbterr.ValidationError, "folder has no allowlist attached"))
	}
	al.RemovePeer(peerID)
	return okResult(nil)
}

// xetCreateTonic implements the CLI's `--generate-link` folder-creation path
// (§6): walk the folder, chunk each file (one whole-file SHA-256 chunk per
// file, the same external-chunker placeholder cmd/ccbtd's watcher bridge
// uses, per §4.9's documented substitution), build a .tonic, write it to
// <path>/.xet/folder.tonic, and return both the info-hash and a tonic? link.
func (e *LocalExecutor) xetCreateTonic(args map[string]interface{}) Result {
	path, err := argString(args, "path")
	if err != nil {
		return errResult(err)
	}
	name := argStringOpt(args, "name", filepath.Base(path))
	mode := tonic.SyncMode(argStringOpt(args, "sync_mode", string(tonic.SyncBestEffort)))
	if !tonic.ValidSyncMode(string(mode)) {
		return errResult(ccbterr.New(ccbterr.InvalidField, fmt.Sprintf("invalid sync mode %q", mode)))
	}
	announce := argStringOpt(args, "announce", "")

	files, chunks, err := walkFolderChunks(path, e.hashWorkers())
	if err != nil {
		return errResult(err)
	}

	meta, err := tonic.Create(name, files, chunks, mode, tonic.CreateOptions{Announce: announce})
	if err != nil {
		return errResult(err)
	}

	encoded, err := meta.Encode()
	if err != nil {
		return errResult(err)
	}
	tonicDir := filepath.Join(path, ".xet")
	if err := os.MkdirAll(tonicDir, 0o755); err != nil {
		return errResult(ccbterr.Wrap(ccbterr.IOError, "create .xet directory", err))
	}
	tonicPath := filepath.Join(tonicDir, "folder.tonic")
	if err := os.WriteFile(tonicPath, encoded, 0o644); err != nil {
		return errResult(ccbterr.Wrap(ccbterr.IOError, "write .tonic file", err))
	}

	hash, err := meta.InfoHash()
	if err != nil {
		return errResult(err)
	}
	link := &tonic.Link{InfoHash: hash, DisplayName: name, Mode: mode}
	if announce != "" {
		link.Trackers = []string{announce}
	}

	return okResult(map[string]interface{}{
		"info_hash":  hash.String(),
		"tonic_path": tonicPath,
		"link":       link.Emit(),
		"file_count": len(files),
	})
}

// hashWorkers resolves the configured concurrency for walkFolderChunks,
// falling back to the host's CPU count capped at 16, mirroring the
// teacher's torrent.Generator worker cap.
func (e *LocalExecutor) hashWorkers() int {
	if e.HashWorkers > 0 {
		return e.HashWorkers
	}
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	if n > 16 {
		n = 16
	}
	return n
}

// walkFolderChunks lists every regular file under path (skipping .xet) and
// content-hashes each one to produce its chunk/file metadata. Hashing runs
// across a bounded worker pool instead of sequentially, matching the
// teacher's generatePieces hash-worker pool, since per-file SHA-256 is CPU
// bound and independent across files. Results are reassembled in the
// original walk order so output is deterministic regardless of worker count.
func walkFolderChunks(path string, workers int) ([]tonic.FileMetadata, []tonic.ChunkHash, error) {
	type hashJob struct {
		index int
		rel   string
		full  string
		size  int64
	}
	type hashResult struct {
		index int
		file  tonic.FileMetadata
		chunk tonic.ChunkHash
	}

	var jobs []hashJob
	err := filepath.Walk(path, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(path, p)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		if info.IsDir() {
			if rel == ".xet" {
				return filepath.SkipDir
			}
			return nil
		}
		jobs = append(jobs, hashJob{index: len(jobs), rel: filepath.ToSlash(rel), full: p, size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, nil, ccbterr.Wrap(ccbterr.IOError, "walk folder", err)
	}
	if len(jobs) == 0 {
		return nil, nil, nil
	}

	if workers < 1 {
		workers = 1
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}

	jobCh := make(chan hashJob, len(jobs))
	for _, j := range jobs {
		jobCh <- j
	}
	close(jobCh)

	results := make([]hashResult, len(jobs))
	errs := make([]error, len(jobs))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobCh {
				data, readErr := os.ReadFile(j.full)
				if readErr != nil {
					errs[j.index] = readErr
					continue
				}
				chunk := tonic.ChunkHash(sha256.Sum256(data))
				results[j.index] = hashResult{
					index: j.index,
					chunk: chunk,
					file: tonic.FileMetadata{
						Path:        j.rel,
						FileHash:    tonic.ComputeFileHash([]tonic.ChunkHash{chunk}),
						ChunkHashes: []tonic.ChunkHash{chunk},
						Size:        uint64(j.size),
					},
				}
			}
		}()
	}
	wg.Wait()

	for _, e := range errs {
		if e != nil {
			return nil, nil, ccbterr.Wrap(ccbterr.IOError, "hash folder file", e)
		}
	}

	files := make([]tonic.FileMetadata, len(jobs))
	chunks := make([]tonic.ChunkHash, len(jobs))
	for _, r := range results {
		files[r.index] = r.file
		chunks[r.index] = r.chunk
	}
	return files, chunks, nil
}

// xetSync implements the executor's "xet.sync" command: it runs one
// process_updates pass (§4.8) over the named folder's queue, marking every
// accepted chunk as locally held, the same default handler
// cmd/ccbtd.processOnePass runs on its periodic timer — exposed here so a
// CLI/IPC caller can force an out-of-band pass instead of waiting for it.
func (e *LocalExecutor) xetSync(ctx context.Context, args map[string]interface{}) Result {
	key, err := argString(args, "key")
	if err != nil {
		return errResult(err)
	}
	f, ok := e.sessions.GetFolder(key)
	if !ok {
		return errResult(ccbterr.New(ccbterr.NotFound, fmt.Sprintf("folder %q not found", key)))
	}
	sm, ok := e.sessions.GetSyncManager(key)
	if !ok {
		return errResult(ccbterr.New(ccbterr.NotFound, fmt.Sprintf("folder %q has no sync manager", key)))
	}

	processed := sm.ProcessUpdates(ctx, func(item *syncmanager.Item) error {
		f.MarkHave(item.ChunkHash)
		return nil
	})

	var gitRef string
	if anchor := f.Anchor(); anchor != nil {
		if hash, ok, err := anchor.CommitSnapshot(ctx, fmt.Sprintf("ccbt: sync pass (%d chunk(s))", processed)); err == nil && ok {
			gitRef = hash
		}
	}

	return okResult(map[string]interface{}{
		"processed": processed,
		"complete":  f.Complete(),
		"git_ref":   gitRef,
	})
}
