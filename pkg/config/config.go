// Package config holds the process-wide configuration for a bamboo-node
// instance: one struct per concern, loaded from and saved to JSON.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banyannet/bamboo-node/pkg/logging"
)

// Config holds all bamboo-node configuration.
type Config struct {
	Node     NodeConfig     `json:"node"`
	Storage  StorageConfig  `json:"storage"`
	Index    IndexConfig    `json:"index"`
	RPC      RPCConfig      `json:"rpc"`
	P2P      P2PConfig      `json:"p2p"`
	Pipeline PipelineConfig `json:"pipeline"`
	Logging  LoggingConfig  `json:"logging"`
}

// NodeConfig identifies this node and where it keeps local state.
type NodeConfig struct {
	DataDir        string `json:"data_dir"`
	PrivateKeyFile string `json:"private_key_file"`
	// KeyPassphraseProtected, if true, encrypts PrivateKeyFile at rest and
	// prompts interactively for the passphrase on startup (see pkg/nodekey).
	KeyPassphraseProtected bool `json:"key_passphrase_protected"`
}

// StorageConfig configures the Postgres-backed entry/log store.
type StorageConfig struct {
	ConnectionString string `json:"connection_string"`
	MaxConnections   int32  `json:"max_connections"`
	ConnectTimeoutS  int    `json:"connect_timeout_seconds"`
	MigrationsPath   string `json:"migrations_path"`
}

// IndexConfig configures the bloom/bleve log index.
type IndexConfig struct {
	BleveIndexPath    string  `json:"bleve_index_path"`
	BloomExpectedN    uint    `json:"bloom_expected_entries"`
	BloomFalsePosRate float64 `json:"bloom_false_positive_rate"`
}

// RPCConfig configures the JSON-RPC-style HTTP transport.
type RPCConfig struct {
	ListenAddr string `json:"listen_addr"`
}

// P2PConfig configures the libp2p transport.
type P2PConfig struct {
	ListenAddrs []string `json:"listen_addrs"`
	MaxPeers    int      `json:"max_peers"`
	// BootstrapPeers are full peer multiaddrs (".../p2p/<id>") dialed once
	// at startup, see p2pnet.Host.Bootstrap.
	BootstrapPeers []string `json:"bootstrap_peers"`
}

// PipelineConfig sizes the worker pools registered against the task-queue
// factory and the broadcast bus they all share.
type PipelineConfig struct {
	BusCapacity       int `json:"bus_capacity"`
	VerifyPoolSize    int `json:"verify_pool_size"`
	StorePoolSize     int `json:"store_pool_size"`
	IndexPoolSize     int `json:"index_pool_size"`
	BroadcastPoolSize int `json:"broadcast_pool_size"`
}

// LoggingConfig configures the process-wide logger.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	File   string `json:"file"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".bamboo-node")

	return &Config{
		Node: NodeConfig{
			DataDir:        dataDir,
			PrivateKeyFile: filepath.Join(dataDir, "node.key"),
		},
		Storage: StorageConfig{
			ConnectionString: "postgres://localhost:5432/bamboo?sslmode=disable",
			MaxConnections:   10,
			ConnectTimeoutS:  30,
			MigrationsPath:   "file://pkg/logstore/migrations",
		},
		Index: IndexConfig{
			BleveIndexPath:    filepath.Join(dataDir, "index.bleve"),
			BloomExpectedN:    100000,
			BloomFalsePosRate: 0.01,
		},
		RPC: RPCConfig{
			ListenAddr: "127.0.0.1:8645",
		},
		P2P: P2PConfig{
			ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0"},
			MaxPeers:    50,
		},
		Pipeline: PipelineConfig{
			BusCapacity:       256,
			VerifyPoolSize:    4,
			StorePoolSize:     2,
			IndexPoolSize:     2,
			BroadcastPoolSize: 2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   "",
		},
	}
}

// Load reads a Config from path. It decodes into a copy of
// DefaultConfig(), so the file only overrides the fields it actually
// sets; everything else keeps its default.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as indented JSON, creating the containing
// directory if necessary.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create directory for %s: %w", path, err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// LoggerConfig translates this config's Logging section into a
// logging.Config, opening the configured log file if one is set.
func (c *Config) LoggerConfig() (*logging.Config, error) {
	level, err := logging.ParseLogLevel(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("config: logging.level: %w", err)
	}

	format := logging.TextFormat
	if c.Logging.Format == "json" {
		format = logging.JSONFormat
	}

	cfg := &logging.Config{Level: level, Format: format, Component: "bamboo-node"}
	if c.Logging.File != "" {
		out, err := logging.CreateFileOutput(c.Logging.File)
		if err != nil {
			return nil, fmt.Errorf("config: logging.file: %w", err)
		}
		cfg.Output = out
	}
	return cfg, nil
}
