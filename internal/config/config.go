// Package config loads node configuration from a YAML file with
// environment-variable overrides, combining the query API's nested
// yaml.v3 struct layout with the live-source server's
// getEnvOrDefault-style env parsing so either a config file, a .env
// file, or bare environment variables can drive the node.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the node's full configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Search     SearchConfig     `yaml:"search"`
	State      StateConfig      `yaml:"state"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Peers      []PeerConfig     `yaml:"peers"`
	Sync       SyncConfig       `yaml:"sync"`
	Wallet     WalletConfig     `yaml:"wallet"`
	AccessStore *AccessStoreConfig `yaml:"access_store,omitempty"`
}

// ServiceConfig is the HTTP query API's listen configuration.
type ServiceConfig struct {
	Name                string `yaml:"name"`
	Port                int    `yaml:"port"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
}

// SearchConfig points at the bleve index directory.
type SearchConfig struct {
	IndexPath string `yaml:"index_path"`
}

// StateConfig points at the badger checkpoint/registry directory.
type StateConfig struct {
	DataDir string `yaml:"data_dir"`
}

// LedgerConfig is the ledger HTTP endpoint to read from and submit to.
type LedgerConfig struct {
	Endpoint       string `yaml:"endpoint"`
	RequestTimeout int    `yaml:"request_timeout_seconds"`
}

// PeerConfig is one peer graph node to sync against.
type PeerConfig struct {
	Soul    string `yaml:"soul"`
	BaseURL string `yaml:"base_url"`
}

// SyncConfig holds the sync cadence and fanout settings. IntervalSeconds
// sets oipnode's ledger-ingestion interval and bounds `oipctl sync
// run-once`; SyncEngine reads neither field and runs on its built-in
// 5-minute interval and fanout of 5.
type SyncConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"` // T_sync
	MaxConcurrentHTTP int `yaml:"max_concurrent_http"` // N_http
}

// WalletConfig names the node's own signing wallet source. Exactly one
// of Mnemonic or MnemonicFile should be set; MnemonicFile wins if both
// are present.
type WalletConfig struct {
	Mnemonic     string `yaml:"mnemonic,omitempty"`
	MnemonicFile string `yaml:"mnemonic_file,omitempty"`
	Passphrase   string `yaml:"passphrase,omitempty"`
}

// AccessStoreConfig is the Postgres DSN for the organization
// membership mirror.
type AccessStoreConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Database       string `yaml:"database"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	SSLMode        string `yaml:"sslmode"`
	MaxConnections int    `yaml:"max_connections"`
}

// DSN renders the libpq connection string lib/pq expects.
func (c *AccessStoreConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// Load reads path (if non-empty and present) as YAML, then applies
// environment-variable overrides on top — loading a .env file first if
// one exists in the working directory, the way a local dev node picks
// up secrets without exporting them into the shell.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // no .env file is not an error

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if cfg.Ledger.Endpoint == "" {
		return nil, fmt.Errorf("config: ledger.endpoint (or LEDGER_ENDPOINT) is required")
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "oip-index-node"
	}
	if cfg.Service.Port == 0 {
		cfg.Service.Port = 8080
	}
	if cfg.Service.ReadTimeoutSeconds == 0 {
		cfg.Service.ReadTimeoutSeconds = 15
	}
	if cfg.Service.WriteTimeoutSeconds == 0 {
		cfg.Service.WriteTimeoutSeconds = 15
	}
	if cfg.Search.IndexPath == "" {
		cfg.Search.IndexPath = "./data/index.bleve"
	}
	if cfg.State.DataDir == "" {
		cfg.State.DataDir = "./data/state"
	}
	if cfg.Ledger.RequestTimeout == 0 {
		cfg.Ledger.RequestTimeout = 15
	}
	if cfg.Sync.IntervalSeconds == 0 {
		cfg.Sync.IntervalSeconds = 300 // T_sync default, 5 minutes
	}
	if cfg.Sync.MaxConcurrentHTTP == 0 {
		cfg.Sync.MaxConcurrentHTTP = 5 // N_http default
	}
}

// applyEnvOverrides lets bare environment variables win over whatever
// the YAML file set, mirroring the live-source server's
// env-overrides-everything convention.
func applyEnvOverrides(cfg *Config) {
	cfg.Service.Name = getEnvOrDefault("SERVICE_NAME", cfg.Service.Name)
	cfg.Service.Port = getIntEnv("SERVICE_PORT", cfg.Service.Port)
	cfg.Search.IndexPath = getEnvOrDefault("SEARCH_INDEX_PATH", cfg.Search.IndexPath)
	cfg.State.DataDir = getEnvOrDefault("STATE_DATA_DIR", cfg.State.DataDir)
	cfg.Ledger.Endpoint = getEnvOrDefault("LEDGER_ENDPOINT", cfg.Ledger.Endpoint)
	cfg.Ledger.RequestTimeout = getIntEnv("LEDGER_REQUEST_TIMEOUT_SECONDS", cfg.Ledger.RequestTimeout)
	cfg.Sync.IntervalSeconds = getIntEnv("SYNC_INTERVAL_SECONDS", cfg.Sync.IntervalSeconds)
	cfg.Sync.MaxConcurrentHTTP = getIntEnv("SYNC_MAX_CONCURRENT_HTTP", cfg.Sync.MaxConcurrentHTTP)
	cfg.Wallet.Mnemonic = getEnvOrDefault("WALLET_MNEMONIC", cfg.Wallet.Mnemonic)
	cfg.Wallet.MnemonicFile = getEnvOrDefault("WALLET_MNEMONIC_FILE", cfg.Wallet.MnemonicFile)
	cfg.Wallet.Passphrase = getEnvOrDefault("WALLET_PASSPHRASE", cfg.Wallet.Passphrase)

	if cfg.AccessStore != nil {
		cfg.AccessStore.Host = getEnvOrDefault("ACCESSSTORE_HOST", cfg.AccessStore.Host)
		cfg.AccessStore.Password = getEnvOrDefault("ACCESSSTORE_PASSWORD", cfg.AccessStore.Password)
	}
}

// SyncInterval renders Sync.IntervalSeconds as a time.Duration.
func (c *SyncConfig) SyncInterval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// LedgerTimeout renders Ledger.RequestTimeout as a time.Duration.
func (c *LedgerConfig) LedgerTimeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// ResolveMnemonic returns the wallet mnemonic, reading MnemonicFile if
// set in preference to the inline Mnemonic field.
func (w *WalletConfig) ResolveMnemonic() (string, error) {
	if w.MnemonicFile != "" {
		raw, err := os.ReadFile(w.MnemonicFile)
		if err != nil {
			return "", fmt.Errorf("config: read mnemonic file: %w", err)
		}
		return trimNewline(string(raw)), nil
	}
	return w.Mnemonic, nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}
