// Package config loads the naming daemon configuration from YAML and the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/celerix-dev/celerix-naming/internal/engine"
	"github.com/celerix-dev/celerix-naming/internal/vault"
)

// DefaultLabel is the server label used when no public URL is known.
const DefaultLabel = "naming-server-local"

// Backup drivers.
const (
	BackupNone = ""
	BackupNATS = "nats"
	BackupDir  = "dir"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Liveness  LivenessConfig  `yaml:"liveness"`
	Storage   StorageConfig   `yaml:"storage"`
	Backup    BackupConfig    `yaml:"backup"`
	KeepAlive KeepAliveConfig `yaml:"keepalive"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Addr        string `yaml:"addr"`
	PublicURL   string `yaml:"public_url"`
	Label       string `yaml:"label"`
	AdminSecret string `yaml:"admin_secret"`
	TLS         bool   `yaml:"tls"`
}

type LivenessConfig struct {
	Mode            string        `yaml:"mode"`
	Timeout         time.Duration `yaml:"timeout"`
	Grace           time.Duration `yaml:"grace"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	StrictHeartbeat *bool         `yaml:"strict_heartbeat"`
	SweepUsesGrace  bool          `yaml:"sweep_uses_grace"`
}

type StorageConfig struct {
	DataDir      string `yaml:"data_dir"`
	SnapshotFile string `yaml:"snapshot_file"`
}

type BackupConfig struct {
	Driver         string        `yaml:"driver"`
	NATSURL        string        `yaml:"nats_url"`
	Bucket         string        `yaml:"bucket"`
	Dir            string        `yaml:"dir"`
	Interval       time.Duration `yaml:"interval"`
	InitialDelay   time.Duration `yaml:"initial_delay"`
	Timeout        time.Duration `yaml:"timeout"`
	RestoreTimeout time.Duration `yaml:"restore_timeout"`
	EncryptionKey  string        `yaml:"encryption_key"`
}

type KeepAliveConfig struct {
	Enabled      *bool         `yaml:"enabled"`
	Interval     time.Duration `yaml:"interval"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Timeout      time.Duration `yaml:"timeout"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Load reads path (skipped when empty), applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if port, ok := lookup("PORT"); ok && port != "" {
		c.Server.Addr = ":" + port
	}
	set("CELERIX_NAMING_ADDR", &c.Server.Addr)
	set("RENDER_EXTERNAL_URL", &c.Server.PublicURL)
	set("CELERIX_NAMING_PUBLIC_URL", &c.Server.PublicURL)
	set("CELERIX_NAMING_LABEL", &c.Server.Label)
	set("CELERIX_NAMING_ADMIN_SECRET", &c.Server.AdminSecret)
	set("CELERIX_NAMING_DATA_DIR", &c.Storage.DataDir)
	set("CELERIX_NAMING_LIVENESS_MODE", &c.Liveness.Mode)
	set("CELERIX_NAMING_BACKUP_KEY", &c.Backup.EncryptionKey)
	set("CELERIX_NAMING_BACKUP_DIR", &c.Backup.Dir)
	set("CELERIX_NAMING_NATS_URL", &c.Backup.NATSURL)

	if v, ok := lookup("CELERIX_DISABLE_TLS"); ok && v == "true" {
		c.Server.TLS = false
	}
	if c.Backup.Driver == BackupNone {
		switch {
		case c.Backup.NATSURL != "":
			c.Backup.Driver = BackupNATS
		case c.Backup.Dir != "":
			c.Backup.Driver = BackupDir
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":3000"
	}
	if c.Server.Label == "" {
		c.Server.Label = DeriveLabel(c.Server.PublicURL)
	}
	if c.Liveness.Mode == "" {
		c.Liveness.Mode = string(engine.LivenessStrict)
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "./data"
	}
	if c.Storage.SnapshotFile == "" {
		c.Storage.SnapshotFile = engine.DefaultSnapshotFile
	}
	if c.Backup.Bucket == "" {
		c.Backup.Bucket = "celerix-naming"
	}
	if c.Backup.Interval == 0 {
		c.Backup.Interval = 30 * time.Minute
	}
	if c.Backup.InitialDelay == 0 {
		c.Backup.InitialDelay = 2 * time.Minute
	}
	if c.Backup.Timeout == 0 {
		c.Backup.Timeout = 15 * time.Second
	}
	if c.Backup.RestoreTimeout == 0 {
		c.Backup.RestoreTimeout = 15 * time.Second
	}
	if c.KeepAlive.Enabled == nil {
		on := c.Server.PublicURL != ""
		c.KeepAlive.Enabled = &on
	}
	if c.KeepAlive.Interval == 0 {
		c.KeepAlive.Interval = 5 * time.Minute
	}
	if c.KeepAlive.InitialDelay == 0 {
		c.KeepAlive.InitialDelay = 30 * time.Second
	}
	if c.KeepAlive.Timeout == 0 {
		c.KeepAlive.Timeout = 10 * time.Second
	}
	if c.Metrics.Enabled == nil {
		on := true
		c.Metrics.Enabled = &on
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) validate() error {
	if _, err := c.Policy(); err != nil {
		return fmt.Errorf("liveness: %w", err)
	}
	switch c.Backup.Driver {
	case BackupNone:
	case BackupNATS:
		if c.Backup.NATSURL == "" {
			return fmt.Errorf("backup.nats_url is required for the nats driver")
		}
	case BackupDir:
		if c.Backup.Dir == "" {
			return fmt.Errorf("backup.dir is required for the dir driver")
		}
	default:
		return fmt.Errorf("backup.driver %q is not supported", c.Backup.Driver)
	}
	if _, err := c.BackupKey(); err != nil {
		return fmt.Errorf("backup.encryption_key: %w", err)
	}
	if *c.KeepAlive.Enabled && c.Server.PublicURL == "" {
		return fmt.Errorf("keepalive requires server.public_url")
	}
	return nil
}

// Policy builds the liveness policy from the mode preset and explicit overrides.
func (c *Config) Policy() (engine.Policy, error) {
	p, err := engine.PolicyFor(engine.LivenessMode(c.Liveness.Mode))
	if err != nil {
		return p, err
	}
	if c.Liveness.Timeout != 0 {
		p.Timeout = c.Liveness.Timeout
		p.SweepInterval = 0
	}
	if c.Liveness.Grace != 0 {
		p.Grace = c.Liveness.Grace
	}
	if c.Liveness.SweepInterval != 0 {
		p.SweepInterval = c.Liveness.SweepInterval
	}
	if c.Liveness.StrictHeartbeat != nil {
		p.StrictHeartbeat = *c.Liveness.StrictHeartbeat
	}
	p.SweepUsesGrace = c.Liveness.SweepUsesGrace
	return p.Normalize()
}

// BackupKey returns the parsed backup encryption key, or nil when unset.
func (c *Config) BackupKey() ([]byte, error) {
	if c.Backup.EncryptionKey == "" {
		return nil, nil
	}
	return vault.ParseKey(c.Backup.EncryptionKey)
}

// KeepAliveOn reports whether the self-ping task should run.
func (c *Config) KeepAliveOn() bool {
	return c.KeepAlive.Enabled != nil && *c.KeepAlive.Enabled
}

// MetricsOn reports whether /metrics is served.
func (c *Config) MetricsOn() bool {
	return c.Metrics.Enabled == nil || *c.Metrics.Enabled
}

// DeriveLabel turns a public URL such as https://naming-7x2.onrender.com into
// a short, stable label ("naming-7x2") used to key remote backups.
func DeriveLabel(publicURL string) string {
	if publicURL == "" {
		return DefaultLabel
	}
	host := publicURL
	if u, err := url.Parse(publicURL); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	host = strings.TrimSuffix(host, ".onrender.com")
	host = strings.TrimSuffix(host, ".render.com")
	label, _, _ := strings.Cut(host, ".")
	if label == "" {
		return "naming-server"
	}
	return label
}
