package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the client configuration for the sync subsystem.
type Config struct {
	// ServerURL is the REST base URL, e.g. "https://api.example.com".
	ServerURL string `yaml:"server_url" json:"server_url"`

	// WebSocketURL is the push-channel base URL. If empty it is derived from
	// ServerURL by swapping the scheme to ws/wss.
	WebSocketURL string `yaml:"websocket_url" json:"websocket_url"`

	// Token is the pre-issued bearer token. Token issuance is outside this
	// subsystem.
	Token string `yaml:"token" json:"token"`

	// RefreshSchedule is a cron spec for the auto-refresh backstop against
	// missed push notifications. Defaults to "@every 60s".
	RefreshSchedule string `yaml:"refresh" json:"refresh"`

	// SnapshotPath is the bbolt file for warm-start snapshots. Empty disables
	// persistence.
	SnapshotPath string `yaml:"snapshot_path" json:"snapshot_path"`

	// ReconnectBase and ReconnectMax bound the push-channel backoff.
	ReconnectBase time.Duration `yaml:"reconnect_base" json:"reconnect_base"`
	ReconnectMax  time.Duration `yaml:"reconnect_max" json:"reconnect_max"`

	// ReconnectMaxAttempts caps reconnects; 0 retries forever.
	ReconnectMaxAttempts int `yaml:"reconnect_max_attempts" json:"reconnect_max_attempts"`

	// HostGrace is how long a host keeps seeing their own ended event.
	HostGrace time.Duration `yaml:"host_grace" json:"host_grace"`
}

func DefaultConfig() *Config {
	return &Config{
		ServerURL:       "http://127.0.0.1:8080",
		RefreshSchedule: "@every 60s",
		ReconnectBase:   time.Second,
		ReconnectMax:    30 * time.Second,
		HostGrace:       time.Hour,
	}
}

// Normalize fills in missing/zero values so partially-filled configs still
// behave correctly.
func (c *Config) Normalize() {
	if c.ServerURL == "" {
		c.ServerURL = "http://127.0.0.1:8080"
	}
	c.ServerURL = strings.TrimRight(c.ServerURL, "/")
	if c.WebSocketURL == "" {
		c.WebSocketURL = deriveWSURL(c.ServerURL)
	}
	c.WebSocketURL = strings.TrimRight(c.WebSocketURL, "/")
	if c.RefreshSchedule == "" {
		c.RefreshSchedule = "@every 60s"
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.HostGrace <= 0 {
		c.HostGrace = time.Hour
	}
}

// Load reads the YAML config at path. A missing file yields a default config
// written back to disk with 0600 permissions.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return &cfg, nil
}

// Save writes the config atomically (temp file + rename) with 0600 perms.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".pinit-sync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func deriveWSURL(serverURL string) string {
	switch {
	case strings.HasPrefix(serverURL, "https://"):
		return "wss://" + strings.TrimPrefix(serverURL, "https://")
	case strings.HasPrefix(serverURL, "http://"):
		return "ws://" + strings.TrimPrefix(serverURL, "http://")
	default:
		return serverURL
	}
}
