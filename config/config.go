package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"

	"possync/models"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "possync"
	// DefaultListenPort is the TCP port a Master listens on when none is configured.
	DefaultListenPort = 3847
	// DefaultStoreName is announced in discovery records when none is configured.
	DefaultStoreName = "default"
	// DataDirEnv overrides the data directory.
	DataDirEnv = "POSSYNC_DATA_DIR"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// NetworkConfig holds the LAN settings owned by the role manager.
type NetworkConfig struct {
	// SharedSecretHash is the salted hash of the network secret. The raw
	// secret is never written to disk.
	SharedSecretHash []byte `json:"shared_secret_hash,omitempty"`
	ListenPort       uint16 `json:"listen_port"`
	// MasterAddress is a host:port a Satellite dials directly, bypassing discovery.
	MasterAddress string `json:"master_address,omitempty"`
	AutoDiscovery bool   `json:"auto_discovery"`
}

// TerminalConfig contains persistent local-terminal settings.
type TerminalConfig struct {
	TerminalID  string        `json:"terminal_id"`
	DisplayName string        `json:"display_name"`
	Role        models.Role   `json:"role"`
	StoreName   string        `json:"store_name"`
	Network     NetworkConfig `json:"network"`
}

// Identity returns the terminal identity portion of the config.
func (c TerminalConfig) Identity() models.TerminalIdentity {
	return models.TerminalIdentity{
		TerminalID:  c.TerminalID,
		DisplayName: c.DisplayName,
		Role:        c.Role,
	}
}

// Clone returns a deep copy.
func (c TerminalConfig) Clone() TerminalConfig {
	out := c
	out.Network.SharedSecretHash = append([]byte(nil), c.Network.SharedSecretHash...)
	return out
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If POSSYNC_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*TerminalConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg TerminalConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *TerminalConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns both.
// An empty dataDir resolves through ResolveDataDir.
func LoadOrCreate(dataDir string) (*TerminalConfig, string, error) {
	if dataDir == "" {
		resolved, err := ResolveDataDir()
		if err != nil {
			return nil, "", err
		}
		dataDir = resolved
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create directory %q: %w", dataDir, err)
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig() *TerminalConfig {
	return &TerminalConfig{
		TerminalID:  uuid.NewString(),
		DisplayName: defaultDisplayName(),
		Role:        models.RoleStandalone,
		StoreName:   DefaultStoreName,
		Network: NetworkConfig{
			ListenPort:    DefaultListenPort,
			AutoDiscovery: true,
		},
	}
}

func defaultDisplayName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "POS Terminal"
}

func normalizeDefaults(cfg *TerminalConfig) bool {
	updated := false

	if _, err := uuid.Parse(cfg.TerminalID); err != nil {
		cfg.TerminalID = uuid.NewString()
		updated = true
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = defaultDisplayName()
		updated = true
	}
	if !cfg.Role.Valid() {
		cfg.Role = models.RoleStandalone
		updated = true
	}
	if cfg.StoreName == "" {
		cfg.StoreName = DefaultStoreName
		updated = true
	}
	if cfg.Network.ListenPort == 0 {
		cfg.Network.ListenPort = DefaultListenPort
		updated = true
	}

	return updated
}
