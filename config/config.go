package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	coretypes "github.com/projecteru2/core/types"
)

// Config holds global vmcpd configuration.
type Config struct {
	// RootDir is the base directory for persistent data.
	RootDir string `json:"root_dir" mapstructure:"root_dir"`
	// Listen is the address the WebSocket daemon binds to.
	Listen string `json:"listen" mapstructure:"listen"`

	// KeystoreURL serves the trusted-domain bundle; KeystoreSignatureURL its
	// detached signature made with MasterKey.
	KeystoreURL          string `json:"keystore_url" mapstructure:"keystore_url"`
	KeystoreSignatureURL string `json:"keystore_signature_url" mapstructure:"keystore_signature_url"`
	// MasterKey is the base64 PKIX DER RSA public key that signs the bundle.
	MasterKey string `json:"master_key" mapstructure:"master_key"`

	ThrottleWindow time.Duration `json:"throttle_window" mapstructure:"throttle_window"`
	ThrottleTries  int           `json:"throttle_tries" mapstructure:"throttle_tries"`

	DownloadTimeout time.Duration `json:"download_timeout" mapstructure:"download_timeout"`
	DownloadRetries int           `json:"download_retries" mapstructure:"download_retries"`

	// ReadyTimeout bounds the wait for the hypervisor to become usable.
	ReadyTimeout time.Duration `json:"ready_timeout" mapstructure:"ready_timeout"`

	// ActionRate and ActionBurst limit incoming actions per connection.
	ActionRate  float64 `json:"action_rate" mapstructure:"action_rate"`
	ActionBurst int     `json:"action_burst" mapstructure:"action_burst"`

	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RootDir:              "/var/lib/vmcpd",
		Listen:               "127.0.0.1:5624",
		KeystoreURL:          "https://keys.vmcpd.dev/domainkeys.lst",
		KeystoreSignatureURL: "https://keys.vmcpd.dev/domainkeys.sig",
		ThrottleWindow:       5 * time.Second,
		ThrottleTries:        2,
		DownloadTimeout:      30 * time.Second, //nolint:mnd
		DownloadRetries:      3,                //nolint:mnd
		ReadyTimeout:         2 * time.Minute,
		ActionRate:           10, //nolint:mnd
		ActionBurst:          20, //nolint:mnd
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	conf := DefaultConfig()
	if path == "" {
		return conf, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // config path from CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			return conf, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	conf.Normalize()
	return conf, nil
}

// Normalize replaces unusable values with their defaults.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.ThrottleWindow <= 0 {
		c.ThrottleWindow = def.ThrottleWindow
	}
	if c.ThrottleTries <= 0 {
		c.ThrottleTries = def.ThrottleTries
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = def.DownloadTimeout
	}
	if c.DownloadRetries < 0 {
		c.DownloadRetries = 0
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = def.ReadyTimeout
	}
	if c.ActionRate <= 0 {
		c.ActionRate = def.ActionRate
	}
	if c.ActionBurst <= 0 {
		c.ActionBurst = def.ActionBurst
	}
}

// KeystoreDir holds the cached trusted-domain bundle and its signature.
func (c *Config) KeystoreDir() string { return filepath.Join(c.RootDir, "keystore") }

// KeystoreCacheFile holds the last verified bundle with its signature.
func (c *Config) KeystoreCacheFile() string { return filepath.Join(c.KeystoreDir(), "domainkeys.json") }

// KeystoreLock guards KeystoreCacheFile.
func (c *Config) KeystoreLock() string { return filepath.Join(c.KeystoreDir(), "domainkeys.lock") }

// LocalConfigFile is the per-install key/value store (local-id lives here).
func (c *Config) LocalConfigFile() string { return filepath.Join(c.RootDir, "local.json") }

// LocalConfigLock guards LocalConfigFile.
func (c *Config) LocalConfigLock() string { return filepath.Join(c.RootDir, "local.lock") }

// SessionDir holds the local hypervisor's session index and per-session data.
func (c *Config) SessionDir() string { return filepath.Join(c.RootDir, "sessions") }

// SessionIndexFile is the local hypervisor's session index.
func (c *Config) SessionIndexFile() string { return filepath.Join(c.SessionDir(), "sessions.json") }

// SessionIndexLock guards SessionIndexFile.
func (c *Config) SessionIndexLock() string { return filepath.Join(c.SessionDir(), "sessions.lock") }

// SessionDisksDir holds one SessionDiskDir per session.
func (c *Config) SessionDisksDir() string { return filepath.Join(c.SessionDir(), "disks") }

// SessionDiskDir is where downloaded session disk images land.
func (c *Config) SessionDiskDir(id string) string { return filepath.Join(c.SessionDisksDir(), id) }
