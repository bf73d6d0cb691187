// Package session implements the session manager (C10): the daemon-wide
// registry of synchronized folders and tracked torrents, durable across
// restarts via the Postgres-backed internal/db registry. Folder state
// itself (C9) and sync orchestration (C8) live per-folder; this package
// just keys them by folder_key and persists enough to rebuild the registry
// on startup, the same role the teacher's db.DB + in-memory caches play for
// its server/DCP registries.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/ccbt-project/ccbt/internal/ccbterr"
	"github.com/ccbt-project/ccbt/internal/db"
	"github.com/ccbt-project/ccbt/internal/foldermgr"
	"github.com/ccbt-project/ccbt/internal/syncmanager"
	"github.com/ccbt-project/ccbt/internal/tonic"
	"github.com/ccbt-project/ccbt/internal/torrent"
)

// entry bundles a folder's runtime state with its sync orchestrator.
type entry struct {
	folder *foldermgr.Folder
	sync   *syncmanager.Manager
}

// Manager is the daemon-wide session registry.
type Manager struct {
	mu      sync.RWMutex
	folders map[string]*entry // keyed by folder_key

	torrents *torrent.Index
	registry *db.DB // nil disables durable persistence
}

// New creates a Manager. registry may be nil to run without durable
// persistence (e.g. tests, or a daemon configured without a database).
func New(torrents *torrent.Index, registry *db.DB) *Manager {
	return &Manager{
		folders:  make(map[string]*entry),
		torrents: torrents,
		registry: registry,
	}
}

// Torrents returns the wrapped torrent index.
func (m *Manager) Torrents() *torrent.Index {
	return m.torrents
}

// AddFolder registers a folder and its sync manager, persisting the
// registration if a durable registry is configured.
func (m *Manager) AddFolder(f *foldermgr.Folder, sm *syncmanager.Manager) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.folders[f.Key]; exists {
		return ccbterr.New(ccbterr.Conflict, fmt.Sprintf("folder %q already registered", f.Key))
	}
	m.folders[f.Key] = &entry{folder: f, sync: sm}

	if m.registry != nil {
		hash, err := f.InfoHash()
		if err != nil {
			return ccbterr.Wrap(ccbterr.InternalError, "compute info hash", err)
		}
		rec := &db.FolderRecord{
			ID:            uuid.New(),
			FolderKey:     f.Key,
			Path:          f.Path,
			InfoHash:      hash.String(),
			SyncMode:      string(f.SyncMode),
			AllowlistPath: foldermgr.AllowlistPath(f.Path),
		}
		if f.Anchor() != nil {
			rec.GitEnabled = true
		}
		if err := m.registry.UpsertFolder(rec); err != nil {
			delete(m.folders, f.Key)
			return ccbterr.Wrap(ccbterr.IOError, "persist folder registration", err)
		}
	}
	return nil
}

// RemoveFolder unregisters a folder, persisting the removal.
func (m *Manager) RemoveFolder(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.folders[key]; !ok {
		return ccbterr.New(ccbterr.NotFound, fmt.Sprintf("folder %q not registered", key))
	}
	delete(m.folders, key)

	if m.registry != nil {
		if err := m.registry.DeleteFolder(key); err != nil {
			return ccbterr.Wrap(ccbterr.IOError, "remove folder registration", err)
		}
	}
	return nil
}

// GetFolder returns the registered folder for key.
func (m *Manager) GetFolder(key string) (*foldermgr.Folder, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.folders[key]
	if !ok {
		return nil, false
	}
	return e.folder, true
}

// GetSyncManager returns the sync orchestrator for a registered folder.
func (m *Manager) GetSyncManager(key string) (*syncmanager.Manager, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.folders[key]
	if !ok {
		return nil, false
	}
	return e.sync, true
}

// ListFolders returns every registered folder.
func (m *Manager) ListFolders() []*foldermgr.Folder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*foldermgr.Folder, 0, len(m.folders))
	for _, e := range m.folders {
		out = append(out, e.folder)
	}
	return out
}

// LoadFromRegistry rebuilds folder registrations from the durable registry
// on daemon startup, reading each folder's .tonic file from disk. A folder
// whose .tonic file is missing or unreadable is skipped with an error
// collected, not fatal to the whole load.
func (m *Manager) LoadFromRegistry() (loaded int, errs []error) {
	if m.registry == nil {
		return 0, nil
	}
	records, err := m.registry.ListFolders()
	if err != nil {
		return 0, []error{ccbterr.Wrap(ccbterr.IOError, "list folder registrations", err)}
	}

	for _, rec := range records {
		tonicPath := filepath.Join(rec.Path, ".xet", "folder.tonic")
		data, err := os.ReadFile(tonicPath)
		if err != nil {
			errs = append(errs, fmt.Errorf("folder %q: read %s: %w", rec.FolderKey, tonicPath, err))
			continue
		}
		meta, err := tonic.Parse(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("folder %q: parse tonic metadata: %w", rec.FolderKey, err))
			continue
		}
		f, err := foldermgr.New(rec.FolderKey, rec.Path, meta)
		if err != nil {
			errs = append(errs, fmt.Errorf("folder %q: %w", rec.FolderKey, err))
			continue
		}

		m.mu.Lock()
		m.folders[rec.FolderKey] = &entry{folder: f}
		m.mu.Unlock()
		loaded++
	}
	return loaded, errs
}
