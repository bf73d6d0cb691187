package db

import (
	"time"

	"github.com/google/uuid"
)

// FolderRecord is the durable row for a synchronized folder, persisted so the
// session manager (C10) can rebuild its folder index across daemon restarts
// without replaying every tonic file from disk.
type FolderRecord struct {
	ID           uuid.UUID
	FolderKey    string // absolute path or info-hash hex
	Path         string
	InfoHash     string // hex, 64 chars
	SyncMode     string
	AllowlistPath string
	GitEnabled   bool
	AutoCommit   bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TorrentRecord is the durable row for a torrent tracked by the session's
// torrent index (the external BT collaborator wrapper in internal/torrent).
type TorrentRecord struct {
	ID        uuid.UUID
	InfoHash  string
	Name      string
	SavePath  string
	AddedAt   time.Time
	Resume    bool
}
