// Command ccbtd is the folder-sync daemon: it loads configuration, connects
// to the durable registry, brings up the torrent client and session
// manager, starts the IPC server, and runs each registered folder's sync
// loop until signalled to shut down. CLI flag parsing, the TUI, and
// splash-screen startup are external collaborators per spec.md's scope;
// this binary only embeds the daemon itself, the same role the teacher's
// cmd/omnicloud/main.go plays for its server process.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	anatorrent "github.com/anacrolix/torrent"
	"golang.org/x/time/rate"

	"github.com/ccbt-project/ccbt/internal/allowlist"
	"github.com/ccbt-project/ccbt/internal/byzantine"
	"github.com/ccbt-project/ccbt/internal/ccbterr"
	"github.com/ccbt-project/ccbt/internal/config"
	"github.com/ccbt-project/ccbt/internal/db"
	"github.com/ccbt-project/ccbt/internal/eventbus"
	"github.com/ccbt-project/ccbt/internal/executor"
	"github.com/ccbt-project/ccbt/internal/foldermgr"
	"github.com/ccbt-project/ccbt/internal/folderwatch"
	"github.com/ccbt-project/ccbt/internal/gitanchor"
	"github.com/ccbt-project/ccbt/internal/ipc/server"
	"github.com/ccbt-project/ccbt/internal/raft"
	"github.com/ccbt-project/ccbt/internal/session"
	"github.com/ccbt-project/ccbt/internal/syncmanager"
	"github.com/ccbt-project/ccbt/internal/tonic"
	"github.com/ccbt-project/ccbt/internal/torrent"
)

func main() {
	configPath := flag.String("config", "", "path to a key=value config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log.Printf("[ccbtd] daemon home: %s", cfg.DaemonHome)
	log.Printf("[ccbtd] ipc port: %d", cfg.IPCPort)
	log.Printf("[ccbtd] default sync mode: %s", cfg.DefaultSyncMode)

	if err := os.MkdirAll(cfg.DaemonHome, 0o755); err != nil {
		log.Fatalf("create daemon home: %v", err)
	}
	if err := writePIDFile(cfg.DaemonHome); err != nil {
		log.Printf("[ccbtd] warning: could not write pid file: %v", err)
	}
	defer removePIDFile(cfg.DaemonHome)

	registry := connectRegistry(cfg)
	if registry != nil {
		defer registry.Close()
	}

	torrentIndex, err := newTorrentIndex(cfg)
	if err != nil {
		log.Fatalf("start torrent client: %v", err)
	}
	defer torrentIndex.Close()

	sessions := session.New(torrentIndex, registry)
	if loaded, errs := sessions.LoadFromRegistry(); registry != nil {
		log.Printf("[ccbtd] restored %d folder(s) from registry", loaded)
		for _, e := range errs {
			log.Printf("[ccbtd] registry load warning: %v", e)
		}
	}

	bus := eventbus.New()
	go bus.Run()
	defer bus.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runners := startFolderLoops(ctx, cfg, sessions, bus)
	defer func() {
		for _, r := range runners {
			r.watcher.Stop()
		}
	}()

	exec := executor.NewLocal(sessions)
	exec.HashWorkers = cfg.HashWorkers
	ipcServer := server.New(server.Config{
		Port:            cfg.IPCPort,
		APIKey:          cfg.IPCAPIKey,
		HeartbeatPeriod: time.Duration(cfg.WSHeartbeatInterval) * time.Second,
		AuthorizedKeys:  parseAuthorizedKeys(cfg.IPCAuthorizedKeys),
	}, exec, bus)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- ipcServer.Start()
	}()

	sig := make(chan os.Signal, 1)
	notifySignals(sig)

	select {
	case err := <-serverErr:
		if err != nil {
			log.Printf("[ccbtd] ipc server exited: %v", err)
		}
	case s := <-sig:
		log.Printf("[ccbtd] received %s, shutting down", s)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := ipcServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[ccbtd] ipc shutdown error: %v", err)
	}
	log.Println("[ccbtd] shutdown complete")
}

// connectRegistry connects to the durable Postgres registry. A failed
// connection is non-fatal: the daemon runs without durable persistence
// rather than refusing to start, since the session manager treats a nil
// registry as "in-memory only" per internal/session's contract.
func connectRegistry(cfg *config.Config) *db.DB {
	if cfg.DBUser == "" {
		log.Println("[ccbtd] no db_user configured, running without durable registry")
		return nil
	}
	registry, err := db.Connect(cfg.ConnectionString())
	if err != nil {
		log.Printf("[ccbtd] warning: database unavailable, running without durable registry: %v", err)
		return nil
	}
	if err := db.EnsureSchema(registry.DB); err != nil {
		log.Printf("[ccbtd] warning: schema migration failed: %v", err)
	}
	return registry
}

// newTorrentIndex brings up the anacrolix/torrent client the session
// manager's torrent registry wraps. The BitTorrent wire protocol, DHT, and
// tracker client are entirely the library's concern per spec.md §1.
func newTorrentIndex(cfg *config.Config) (*torrent.Index, error) {
	if err := os.MkdirAll(cfg.TorrentDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create torrent data dir: %w", err)
	}
	cc := anatorrent.NewDefaultClientConfig()
	cc.DataDir = cfg.TorrentDataDir
	if cfg.TorrentDataPort != 0 {
		cc.ListenPort = cfg.TorrentDataPort
	}
	if cfg.MaxUploadRate > 0 {
		cc.UploadRateLimiter = rate.NewLimiter(rate.Limit(cfg.MaxUploadRate), cfg.MaxUploadRate)
	}
	if cfg.MaxDownloadRate > 0 {
		cc.DownloadRateLimiter = rate.NewLimiter(rate.Limit(cfg.MaxDownloadRate), cfg.MaxDownloadRate)
	}
	cl, err := anatorrent.NewClient(cc)
	if err != nil {
		return nil, fmt.Errorf("create torrent client: %w", err)
	}
	return torrent.NewIndex(cl), nil
}

// folderRunner pairs a folder's key with its watcher for the shutdown pass
// in main.
type folderRunner struct {
	key     string
	watcher *folderwatch.Watcher
}

// startFolderLoops brings every folder restored from the registry to life:
// it loads the folder's allowlist, wires an optional Git anchor and
// consensus backend, starts the watcher, and launches the debounced
// watcher-to-sync-queue bridge plus a periodic process_updates pass, the
// same responsibilities spec.md assigns to FolderManager.start()/sync().
func startFolderLoops(ctx context.Context, cfg *config.Config, sessions *session.Manager, bus *eventbus.Bus) []folderRunner {
	var runners []folderRunner
	for _, f := range sessions.ListFolders() {
		sm, err := buildSyncManager(cfg, f)
		if err != nil {
			log.Printf("[ccbtd] folder %q: could not build sync manager: %v", f.Key, err)
			continue
		}

		if err := loadFolderAllowlist(f); err != nil {
			log.Printf("[ccbtd] folder %q: allowlist load warning: %v", f.Key, err)
		}
		attachGitAnchor(cfg, f)

		events := make(chan folderwatch.Event, 256)
		watcher, err := folderwatch.New(f.Path, events, 2*time.Second)
		if err != nil {
			log.Printf("[ccbtd] folder %q: could not create watcher: %v", f.Key, err)
			continue
		}
		if err := watcher.Start(); err != nil {
			log.Printf("[ccbtd] folder %q: could not start watcher: %v", f.Key, err)
			continue
		}

		key, folder, manager := f.Key, f, sm
		go bridgeWatcherToQueue(ctx, key, events, manager, bus)
		go runSyncLoop(ctx, cfg, key, folder, manager, bus)
		if f.SyncMode == tonic.SyncDesignated {
			go runSourceElectionLoop(ctx, cfg, key, manager, bus)
		}

		runners = append(runners, folderRunner{key: key, watcher: watcher})
		bus.Publish(eventbus.Event{Kind: eventbus.KindFolderAdded, FolderKey: key})
	}
	return runners
}

// buildSyncManager constructs the sync manager for a restored folder. Per
// spec.md §4.8, "designated" mode is decided purely by source_peers
// membership — it needs no Raft node. "consensus" mode may be backed by
// either a Raft node or a Byzantine aggregator (never both, per §9's "at
// most one of Raft/Byzantine" rule); this daemon prefers Raft for in-folder
// linearisable updates when the folder requests more than one source peer
// (a proxy for "this folder wants ordered multi-writer updates"), else
// Byzantine vote-threshold counting. best_effort/broadcast need neither.
func buildSyncManager(cfg *config.Config, f *foldermgr.Folder) (*syncmanager.Manager, error) {
	smCfg := syncmanager.Config{
		FolderKey:   f.Key,
		Policy:      f.SyncMode,
		MaxQueue:    cfg.MaxQueueSize,
		MaxRetries:  cfg.MaxRetries,
		SourcePeers: f.Metadata().SourcePeers,
	}

	if f.SyncMode == tonic.SyncConsensus {
		if len(f.Metadata().SourcePeers) > 1 {
			node, err := raft.New(raft.Config{
				NodeID:             f.Key,
				Peers:              f.Metadata().SourcePeers,
				ElectionTimeoutMin: time.Duration(cfg.RaftElectionTimeoutMS) * time.Millisecond,
				ElectionTimeoutMax: 2 * time.Duration(cfg.RaftElectionTimeoutMS) * time.Millisecond,
				HeartbeatInterval:  time.Duration(cfg.RaftHeartbeatMS) * time.Millisecond,
				// Peer transport is kept abstract per spec.md §9 ("a separate
				// RPC layer ... carries the two RPC kinds" is explicitly out of
				// scope); until one is wired, unreachable peers just cost this
				// node an election round rather than a compile-time dependency.
				SendVoteRequest:   noPeerTransport,
				SendAppendEntries: noPeerTransportAppend,
			})
			if err != nil {
				return nil, fmt.Errorf("create raft node: %w", err)
			}
			node.Start()
			smCfg.RaftNode = node
		} else {
			agg, err := byzantine.New(cfg.FaultThreshold, false)
			if err != nil {
				return nil, fmt.Errorf("create byzantine aggregator: %w", err)
			}
			smCfg.Aggregator = agg
		}
	}

	sm, err := syncmanager.New(smCfg)
	if err != nil {
		return nil, err
	}
	if f.SyncMode == tonic.SyncConsensus {
		if err := sm.LoadConsensusState(foldermgr.ConsensusStatePath(f.Path)); err != nil {
			log.Printf("[ccbtd] folder %q: consensus state restore warning: %v", f.Key, err)
		}
	}
	return sm, nil
}

// noPeerTransport and noPeerTransportAppend stand in for the RPC layer
// spec.md §9 explicitly keeps out of scope. Every call fails, so a
// multi-source-peer consensus folder degrades to "no leader elected" rather
// than panicking on a nil function handle.
func noPeerTransport(ctx context.Context, peerID string, req raft.VoteRequest) (raft.VoteResponse, error) {
	return raft.VoteResponse{}, fmt.Errorf("raft transport not wired: peer %q unreachable", peerID)
}

func noPeerTransportAppend(ctx context.Context, peerID string, req raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error) {
	return raft.AppendEntriesResponse{}, fmt.Errorf("raft transport not wired: peer %q unreachable", peerID)
}

// loadFolderAllowlist attaches a folder's encrypted allowlist if one exists
// on disk; an absent file is not an error and leaves the folder with no
// allowlist attached. The AEAD key is derived deterministically from the
// allowlist's own path, the documented limitation spec.md §9 calls out
// explicitly.
func loadFolderAllowlist(f *foldermgr.Folder) error {
	path := foldermgr.AllowlistPath(f.Path)
	key := allowlistKeyFromPath(path)
	al, err := allowlist.LoadFile(path, key)
	if err != nil {
		if ccbterr.KindOf(err) == ccbterr.NotFound {
			return nil
		}
		return err
	}
	f.AttachAllowlist(al)
	return nil
}

// allowlistKeyFromPath derives a 32-byte AEAD key from an allowlist's file
// path. Anyone with the path and this source can derive the same key; §9
// documents this as a known weakness rather than a defect to silently paper
// over.
func allowlistKeyFromPath(path string) []byte {
	sum := sha256.Sum256([]byte("ccbt-allowlist-key:" + path))
	return sum[:]
}

// chunkHashForPath computes a placeholder ChunkHash for a changed file by
// hashing its current body with SHA-256, standing in for the external
// content-defined chunker spec.md §1 excludes from this core's scope
// (§4.9 documents this exact substitution).
func chunkHashForPath(path string) (tonic.ChunkHash, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tonic.ChunkHash{}, err
	}
	return tonic.ChunkHash(sha256.Sum256(data)), nil
}

// parseAuthorizedKeys decodes the configured hex-encoded Ed25519 public keys,
// skipping and logging any entry that isn't a well-formed 32-byte key rather
// than failing daemon startup over one bad config line.
func parseAuthorizedKeys(hexKeys []string) []ed25519.PublicKey {
	var out []ed25519.PublicKey
	for _, h := range hexKeys {
		raw, err := hex.DecodeString(h)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			log.Printf("[ccbtd] skipping malformed ipc_authorized_keys entry %q", h)
			continue
		}
		out = append(out, ed25519.PublicKey(raw))
	}
	return out
}

// localPeerID identifies this daemon instance as a source_peer candidate for
// designated-mode folders; it defaults to the machine hostname, falling back
// to a fixed name if that lookup fails.
func localPeerID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "local"
}

// notifySignals wires SIGINT/SIGTERM into sig for graceful shutdown.
func notifySignals(sig chan os.Signal) {
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
}

// attachGitAnchor opens a Git anchor for the folder if its path is already a
// Git repository; per spec.md §4.4 a missing repo degrades to "no anchor"
// rather than an error.
func attachGitAnchor(cfg *config.Config, f *foldermgr.Folder) {
	timeout := time.Duration(cfg.GitTimeoutSeconds) * time.Second
	anchor, ok, err := gitanchor.Open(f.Path, gitanchor.Author{Name: "ccbtd", Email: "ccbtd@localhost"}, timeout)
	if err != nil {
		log.Printf("[ccbtd] folder %q: git anchor open error: %v", f.Key, err)
		return
	}
	if !ok {
		return
	}
	f.AttachAnchor(anchor)
}

// bridgeWatcherToQueue turns debounced filesystem events into queued sync
// work, the folder-manager responsibility spec.md §4.9 describes as
// "register a change callback that hashes the file body ... and enqueues an
// UpdateEntry with priority=1 if created, else 0". The external
// content-defined chunker is out of scope (spec.md §1); each debounced event
// is hashed here with chunkHashForPath's whole-file SHA-256 placeholder
// before it is queued.
func bridgeWatcherToQueue(ctx context.Context, key string, events <-chan folderwatch.Event, sm *syncmanager.Manager, bus *eventbus.Bus) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			priority := 0
			if ev.Kind == folderwatch.ChangeCreate {
				priority = 1
			}
			chunk, err := chunkHashForPath(ev.Path)
			if err != nil {
				log.Printf("[ccbtd] folder %q: hash %s: %v", key, ev.Path, err)
				continue
			}
			sm.EnqueueWithSource(chunk, priority, localPeerID())
			bus.Publish(eventbus.Event{
				Kind:      eventbus.KindChunkSynced,
				FolderKey: key,
				Payload:   map[string]interface{}{"path": ev.Path, "kind": ev.Kind.String()},
			})
		}
	}
}

// runSyncLoop periodically drains the queue under the folder's policy,
// refreshes the Git ref, and runs auto-commit, mirroring
// FolderManager.sync()'s default handler from spec.md §4.9.
func runSyncLoop(ctx context.Context, cfg *config.Config, key string, f *foldermgr.Folder, sm *syncmanager.Manager, bus *eventbus.Bus) {
	interval := 5 * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			processOnePass(ctx, key, f, sm, bus)
		}
	}
}

// runSourceElectionLoop runs designated mode's background source-election
// pass every cfg.SourceElectionInterval seconds, per spec.md §4.8.
func runSourceElectionLoop(ctx context.Context, cfg *config.Config, key string, sm *syncmanager.Manager, bus *eventbus.Bus) {
	interval := time.Duration(cfg.SourceElectionInterval) * time.Second
	if interval <= 0 {
		interval = 300 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if peerID, score, promoted := sm.ElectSource(); promoted {
				log.Printf("[ccbtd] folder %q: promoted %q to source peer (score %.3f)", key, peerID, score)
				bus.Publish(eventbus.Event{
					Kind:      eventbus.KindConsensusVote,
					FolderKey: key,
					Payload:   map[string]interface{}{"promoted_source_peer": peerID, "score": score},
				})
			}
		}
	}
}

// processOnePass is cmd/ccbtd's rendering of FolderManager.sync()'s default
// handler (§4.9): drain the queue via syncmanager.Manager.ProcessUpdates,
// marking each accepted chunk as locally held, then refresh the Git anchor
// and persist consensus state if anything was applied.
func processOnePass(ctx context.Context, key string, f *foldermgr.Folder, sm *syncmanager.Manager, bus *eventbus.Bus) {
	processed := sm.ProcessUpdates(ctx, func(item *syncmanager.Item) error {
		f.MarkHave(item.ChunkHash)
		return nil
	})

	if anchor := f.Anchor(); anchor != nil {
		if hash, ok, err := anchor.CommitSnapshot(ctx, fmt.Sprintf("ccbt: sync pass (%d chunk(s))", processed)); err == nil && ok {
			log.Printf("[ccbtd] folder %q: auto-committed %s", key, hash)
		}
	}

	if processed > 0 {
		if err := sm.PersistConsensusState(ctx, foldermgr.ConsensusStatePath(f.Path)); err != nil {
			log.Printf("[ccbtd] folder %q: persist consensus state: %v", key, err)
		}
	}
}

func writePIDFile(daemonHome string) error {
	dir := filepath.Join(daemonHome, "daemon")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, "daemon.pid")
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePIDFile(daemonHome string) {
	_ = os.Remove(filepath.Join(daemonHome, "daemon", "daemon.pid"))
}
