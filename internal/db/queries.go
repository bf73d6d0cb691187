package db

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertFolder inserts or updates a folder registry row, keyed by folder_key.
func (db *DB) UpsertFolder(f *FolderRecord) error {
	query := `
		INSERT INTO folders (id, folder_key, path, info_hash, sync_mode, allowlist_path, git_enabled, auto_commit, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (folder_key) DO UPDATE SET
			info_hash = EXCLUDED.info_hash,
			sync_mode = EXCLUDED.sync_mode,
			allowlist_path = EXCLUDED.allowlist_path,
			git_enabled = EXCLUDED.git_enabled,
			auto_commit = EXCLUDED.auto_commit,
			updated_at = EXCLUDED.updated_at
	`
	_, err := db.Exec(query, f.ID, f.FolderKey, f.Path, f.InfoHash, f.SyncMode, f.AllowlistPath, f.GitEnabled, f.AutoCommit, time.Now())
	if err != nil {
		return fmt.Errorf("upsert folder: %w", err)
	}
	return nil
}

// DeleteFolder removes a folder registry row by key.
func (db *DB) DeleteFolder(folderKey string) error {
	_, err := db.Exec(`DELETE FROM folders WHERE folder_key = $1`, folderKey)
	if err != nil {
		return fmt.Errorf("delete folder: %w", err)
	}
	return nil
}

// ListFolders returns every persisted folder, used on daemon startup to
// rebuild the session manager's in-memory index.
func (db *DB) ListFolders() ([]*FolderRecord, error) {
	rows, err := db.Query(`SELECT id, folder_key, path, info_hash, sync_mode, allowlist_path, git_enabled, auto_commit, created_at, updated_at FROM folders`)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	defer rows.Close()

	var out []*FolderRecord
	for rows.Next() {
		f := &FolderRecord{}
		if err := rows.Scan(&f.ID, &f.FolderKey, &f.Path, &f.InfoHash, &f.SyncMode, &f.AllowlistPath, &f.GitEnabled, &f.AutoCommit, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan folder row: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpsertTorrent inserts or updates a torrent registry row.
func (db *DB) UpsertTorrent(t *TorrentRecord) error {
	query := `
		INSERT INTO torrents (id, info_hash, name, save_path, added_at, resume)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (info_hash) DO UPDATE SET
			name = EXCLUDED.name,
			save_path = EXCLUDED.save_path,
			resume = EXCLUDED.resume
	`
	_, err := db.Exec(query, t.ID, t.InfoHash, t.Name, t.SavePath, t.AddedAt, t.Resume)
	if err != nil {
		return fmt.Errorf("upsert torrent: %w", err)
	}
	return nil
}

// DeleteTorrent removes a torrent registry row by info-hash.
func (db *DB) DeleteTorrent(infoHash string) error {
	_, err := db.Exec(`DELETE FROM torrents WHERE info_hash = $1`, infoHash)
	if err != nil {
		return fmt.Errorf("delete torrent: %w", err)
	}
	return nil
}

// ListTorrents returns every persisted torrent.
func (db *DB) ListTorrents() ([]*TorrentRecord, error) {
	rows, err := db.Query(`SELECT id, info_hash, name, save_path, added_at, resume FROM torrents`)
	if err != nil {
		return nil, fmt.Errorf("list torrents: %w", err)
	}
	defer rows.Close()

	var out []*TorrentRecord
	for rows.Next() {
		t := &TorrentRecord{}
		if err := rows.Scan(&t.ID, &t.InfoHash, &t.Name, &t.SavePath, &t.AddedAt, &t.Resume); err != nil {
			return nil, fmt.Errorf("scan torrent row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// EnsureSchema creates the registry tables if they do not already exist.
// Intentionally minimal: this is a persistence aid for the session manager,
// not a migration system.
func EnsureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS folders (
			id uuid PRIMARY KEY,
			folder_key text UNIQUE NOT NULL,
			path text NOT NULL,
			info_hash text NOT NULL,
			sync_mode text NOT NULL,
			allowlist_path text NOT NULL DEFAULT '',
			git_enabled boolean NOT NULL DEFAULT false,
			auto_commit boolean NOT NULL DEFAULT false,
			created_at timestamptz NOT NULL DEFAULT now(),
			updated_at timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS torrents (
			id uuid PRIMARY KEY,
			info_hash text UNIQUE NOT NULL,
			name text NOT NULL,
			save_path text NOT NULL,
			added_at timestamptz NOT NULL DEFAULT now(),
			resume boolean NOT NULL DEFAULT false
		)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
