// Package config loads daemon configuration from an optional key=value file
// with environment-variable overrides, the same two-pass loader the teacher
// used for its auth.config file.
package config

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Config holds all daemon configuration.
type Config struct {
	// Database configuration (session manager's durable folder/torrent registry)
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string

	// Daemon home / IPC
	DaemonHome   string // defaults to $HOME/.ccbt
	IPCPort      int
	IPCAPIKey    string
	IPCTLS       bool
	WSHeartbeatInterval int // seconds
	// IPCAuthorizedKeys is a hex-encoded Ed25519 public key allowlist for the
	// signature-header auth path (§4.12); empty means that path is disabled
	// and every request falls straight through to the API key check.
	IPCAuthorizedKeys []string

	// Torrent configuration (C10 torrent index, consumed via anacrolix/torrent)
	TorrentDataPort int // 0 = auto-pick free port
	TorrentDataDir  string
	MaxUploadRate   int // bytes/sec, 0 = unlimited
	MaxDownloadRate int // bytes/sec, 0 = unlimited

	// Folder-sync defaults (C8/C9)
	DefaultSyncMode        string // one of designated|best_effort|broadcast|consensus
	MaxQueueSize           int
	MaxRetries             int
	SourceElectionInterval int // seconds
	ConsensusThreshold     float64
	FaultThreshold         float64 // Byzantine (C7)

	// Raft (C6)
	RaftElectionTimeoutMS int
	RaftHeartbeatMS       int

	// Git anchor (C4)
	GitTimeoutSeconds int

	// HashWorkers is the concurrency used when content-hashing a folder's
	// files for xet.create_tonic (C1/C11); defaults to the host's CPU count,
	// capped like the teacher's torrent generator caps its hash workers.
	HashWorkers int
}

// defaultHashWorkers returns the host's CPU count clamped to [1, 16], the
// same cap the teacher's torrent.Generator applies to its hash worker pool.
func defaultHashWorkers() int {
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	if n > 16 {
		n = 16
	}
	return n
}

// Load reads configuration from configPath (if non-empty and present) and
// then applies environment-variable overrides, which always win.
func Load(configPath string) (*Config, error) {
	cfg := &Config{
		DBHost: "localhost",
		DBPort: 5432,
		DBName: "ccbt",

		DaemonHome:          defaultDaemonHome(),
		IPCPort:             8080,
		IPCAPIKey:           generateDefaultKey(),
		IPCTLS:              false,
		WSHeartbeatInterval: 30,

		TorrentDataPort: 0,
		TorrentDataDir:  filepath.Join(defaultDaemonHome(), "torrents"),
		MaxUploadRate:   0,
		MaxDownloadRate: 0,

		DefaultSyncMode:        "best_effort",
		MaxQueueSize:           100,
		MaxRetries:             3,
		SourceElectionInterval: 300,
		ConsensusThreshold:     0.5,
		FaultThreshold:         0.33,

		RaftElectionTimeoutMS: 150,
		RaftHeartbeatMS:       15,

		GitTimeoutSeconds: 10,

		HashWorkers: defaultHashWorkers(),
	}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	cfg.loadFromEnv()

	if cfg.FaultThreshold < 0 || cfg.FaultThreshold >= 1 {
		return nil, fmt.Errorf("fault_threshold must be in [0, 1), got %v", cfg.FaultThreshold)
	}

	return cfg, nil
}

func (cfg *Config) loadFromFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "db_host":
			cfg.DBHost = value
		case "db_port":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.DBPort = v
			}
		case "db_name":
			cfg.DBName = value
		case "db_user":
			cfg.DBUser = value
		case "db_password":
			cfg.DBPassword = value
		case "daemon_home":
			cfg.DaemonHome = value
		case "ipc_port":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.IPCPort = v
			}
		case "ipc_api_key":
			cfg.IPCAPIKey = value
		case "ipc_tls":
			cfg.IPCTLS = value == "true" || value == "1" || value == "yes"
		case "ipc_authorized_keys":
			cfg.IPCAuthorizedKeys = splitCSV(value)
		case "websocket_heartbeat_interval":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.WSHeartbeatInterval = v
			}
		case "torrent_data_port":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.TorrentDataPort = v
			}
		case "torrent_data_dir":
			cfg.TorrentDataDir = value
		case "max_upload_rate":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.MaxUploadRate = v
			}
		case "max_download_rate":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.MaxDownloadRate = v
			}
		case "default_sync_mode":
			cfg.DefaultSyncMode = value
		case "max_queue_size":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.MaxQueueSize = v
			}
		case "max_retries":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.MaxRetries = v
			}
		case "source_election_interval":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.SourceElectionInterval = v
			}
		case "consensus_threshold":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				cfg.ConsensusThreshold = v
			}
		case "fault_threshold":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				cfg.FaultThreshold = v
			}
		case "raft_election_timeout_ms":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.RaftElectionTimeoutMS = v
			}
		case "raft_heartbeat_ms":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.RaftHeartbeatMS = v
			}
		case "git_timeout_seconds":
			if v, err := strconv.Atoi(value); err == nil {
				cfg.GitTimeoutSeconds = v
			}
		}
	}

	return scanner.Err()
}

func (cfg *Config) loadFromEnv() {
	if v := os.Getenv("CCBT_DB_HOST"); v != "" {
		cfg.DBHost = v
	}
	if v := os.Getenv("CCBT_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.DBPort = port
		}
	}
	if v := os.Getenv("CCBT_DB_NAME"); v != "" {
		cfg.DBName = v
	}
	if v := os.Getenv("CCBT_DB_USER"); v != "" {
		cfg.DBUser = v
	}
	if v := os.Getenv("CCBT_DB_PASSWORD"); v != "" {
		cfg.DBPassword = v
	}
	if v := os.Getenv("CCBT_DAEMON_HOME"); v != "" {
		cfg.DaemonHome = v
	}
	if v := os.Getenv("CCBT_IPC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.IPCPort = port
		}
	}
	if v := os.Getenv("CCBT_IPC_API_KEY"); v != "" {
		cfg.IPCAPIKey = v
	}
	if v := os.Getenv("CCBT_IPC_TLS"); v != "" {
		cfg.IPCTLS = v == "true" || v == "1" || v == "yes"
	}
	if v := os.Getenv("CCBT_TORRENT_DATA_DIR"); v != "" {
		cfg.TorrentDataDir = v
	}
	if v := os.Getenv("CCBT_MAX_UPLOAD_RATE"); v != "" {
		if r, err := strconv.Atoi(v); err == nil {
			cfg.MaxUploadRate = r
		}
	}
	if v := os.Getenv("CCBT_MAX_DOWNLOAD_RATE"); v != "" {
		if r, err := strconv.Atoi(v); err == nil {
			cfg.MaxDownloadRate = r
		}
	}
	if v := os.Getenv("CCBT_DEFAULT_SYNC_MODE"); v != "" {
		cfg.DefaultSyncMode = v
	}
	if v := os.Getenv("CCBT_MAX_QUEUE_SIZE"); v != "" {
		if q, err := strconv.Atoi(v); err == nil {
			cfg.MaxQueueSize = q
		}
	}
	if v := os.Getenv("CCBT_FAULT_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.FaultThreshold = f
		}
	}
	if v := os.Getenv("CCBT_IPC_AUTHORIZED_KEYS"); v != "" {
		cfg.IPCAuthorizedKeys = splitCSV(v)
	}
	if v := os.Getenv("CCBT_HASH_WORKERS"); v != "" {
		if w, err := strconv.Atoi(v); err == nil && w > 0 {
			cfg.HashWorkers = w
		}
	}
}

// splitCSV splits a comma-separated config value, dropping blank entries.
func splitCSV(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ConnectionString returns a PostgreSQL connection string for lib/pq.
func (cfg *Config) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName,
	)
}

func defaultDaemonHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ccbt"
	}
	return filepath.Join(home, ".ccbt")
}

// generateDefaultKey produces a random API key so a fresh install never
// ships a fixed, guessable default credential.
func generateDefaultKey() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "ccbt-default-key-change-in-production"
	}
	return hex.EncodeToString(buf)
}
