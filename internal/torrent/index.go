// Package torrent wraps anacrolix/torrent as the external BitTorrent
// collaborator referenced by spec.md: the piece/peer wire protocol, DHT,
// uTP, and tracker scrape are entirely the library's concern. This package
// only adds the keyed registry (add/remove/list/status) that the session
// manager (C10) needs on top of it.
package torrent

import (
	"bytes"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
)

// speedSample tracks cumulative byte counters for speed calculation, the
// same scheme the teacher's torrent client used for per-torrent throughput.
type speedSample struct {
	bytesRead    int64
	bytesWritten int64
	timestamp    time.Time
}

// Entry is a torrent tracked by the index.
type Entry struct {
	Torrent  *torrent.Torrent
	InfoHash string
	SavePath string
	AddedAt  time.Time
	Resume   bool
	paused   bool
}

// Stats is a point-in-time snapshot of a tracked torrent.
type Stats struct {
	InfoHash        string
	Name            string
	BytesCompleted  int64
	BytesTotal      int64
	DownloadSpeed   int64
	UploadSpeed     int64
	PeersConnected  int
	Progress        float64
	Paused          bool
}

// Index is the keyed registry of torrents managed by this daemon.
type Index struct {
	client *torrent.Client

	mu       sync.RWMutex
	torrents map[string]*Entry // key: lowercase hex info-hash

	speedMu      sync.Mutex
	speedSamples map[string]speedSample
}

// NewIndex wraps an already-configured anacrolix/torrent client.
func NewIndex(cl *torrent.Client) *Index {
	return &Index{
		client:       cl,
		torrents:     make(map[string]*Entry),
		speedSamples: make(map[string]speedSample),
	}
}

// Underlying returns the wrapped anacrolix/torrent client, for callers (e.g.
// a relay or NAT layer, out of this core's scope) that need direct access.
func (idx *Index) Underlying() *torrent.Client {
	return idx.client
}

// AddMagnet adds a torrent from a magnet URI. It returns once the torrent is
// registered and does not wait for its metadata; no timeout is applied.
func (idx *Index) AddMagnet(uri, savePath string, resume bool) (*Entry, error) {
	t, err := idx.client.AddMagnet(uri)
	if err != nil {
		return nil, fmt.Errorf("add magnet: %w", err)
	}
	return idx.register(t, savePath, resume), nil
}

// AddTorrentBytes adds a torrent from raw .torrent file bytes.
func (idx *Index) AddTorrentBytes(data []byte, savePath string, resume bool) (*Entry, error) {
	mi, err := metainfo.Load(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse torrent file: %w", err)
	}
	t, err := idx.client.AddTorrent(mi)
	if err != nil {
		return nil, fmt.Errorf("add torrent: %w", err)
	}
	return idx.register(t, savePath, resume), nil
}

func (idx *Index) register(t *torrent.Torrent, savePath string, resume bool) *Entry {
	hash := t.InfoHash().HexString()
	e := &Entry{
		Torrent:  t,
		InfoHash: hash,
		SavePath: savePath,
		AddedAt:  time.Now(),
		Resume:   resume,
	}

	idx.mu.Lock()
	idx.torrents[hash] = e
	idx.mu.Unlock()

	log.Printf("[torrent] registered %s", hash)
	return e
}

// Remove drops a torrent from the client and the registry.
func (idx *Index) Remove(infoHash string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.torrents[infoHash]
	if !ok {
		return fmt.Errorf("torrent %s not found", infoHash)
	}
	e.Torrent.Drop()
	delete(idx.torrents, infoHash)
	return nil
}

// Pause cancels downloading of every piece without forgetting the torrent;
// uploading to connected peers is not stopped.
func (idx *Index) Pause(infoHash string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.torrents[infoHash]
	if !ok {
		return fmt.Errorf("torrent %s not found", infoHash)
	}
	e.Torrent.CancelPieces(0, e.Torrent.NumPieces())
	e.paused = true
	return nil
}

// Resume restarts up/downloading for a paused torrent.
func (idx *Index) Resume(infoHash string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.torrents[infoHash]
	if !ok {
		return fmt.Errorf("torrent %s not found", infoHash)
	}
	e.Torrent.DownloadAll()
	e.paused = false
	return nil
}

// Get returns the tracked entry for an info-hash.
func (idx *Index) Get(infoHash string) (*Entry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.torrents[infoHash]
	return e, ok
}

// List returns every tracked entry.
func (idx *Index) List() []*Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]*Entry, 0, len(idx.torrents))
	for _, e := range idx.torrents {
		out = append(out, e)
	}
	return out
}

// Stats computes a status snapshot for a tracked torrent, sampling byte
// counters against the previous sample the way the teacher's speed tracker
// did (cumulative counters, delta over wall-clock elapsed).
func (idx *Index) Stats(infoHash string) (*Stats, error) {
	idx.mu.RLock()
	e, ok := idx.torrents[infoHash]
	idx.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("torrent %s not found", infoHash)
	}

	stats := e.Torrent.Stats()
	info := e.Torrent.Info()
	total := e.Torrent.Length()
	completed := e.Torrent.BytesCompleted()

	now := time.Now()
	idx.speedMu.Lock()
	prev, had := idx.speedSamples[infoHash]
	cur := speedSample{
		bytesRead:    stats.BytesReadData.Int64(),
		bytesWritten: stats.BytesWrittenData.Int64(),
		timestamp:    now,
	}
	idx.speedSamples[infoHash] = cur
	idx.speedMu.Unlock()

	var downSpeed, upSpeed int64
	if had {
		elapsed := cur.timestamp.Sub(prev.timestamp).Seconds()
		if elapsed > 0 {
			downSpeed = int64(float64(cur.bytesRead-prev.bytesRead) / elapsed)
			upSpeed = int64(float64(cur.bytesWritten-prev.bytesWritten) / elapsed)
		}
	}

	name := infoHash
	if info != nil {
		name = info.Name
	}

	progress := 0.0
	if total > 0 {
		progress = float64(completed) / float64(total)
	}

	return &Stats{
		InfoHash:       infoHash,
		Name:           name,
		BytesCompleted: completed,
		BytesTotal:     total,
		DownloadSpeed:  downSpeed,
		UploadSpeed:    upSpeed,
		PeersConnected: len(e.Torrent.PeerConns()),
		Progress:       progress,
		Paused:         e.paused,
	}, nil
}

// Close drops every tracked torrent and closes the underlying client.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for hash, e := range idx.torrents {
		log.Printf("[torrent] dropping %s on close", hash)
		e.Torrent.Drop()
	}
	idx.client.Close()
	return nil
}
