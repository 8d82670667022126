// Package config loads process configuration from .env files, an optional
// YAML file and environment variables, in increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the variable holding the YAML config path.
const EnvConfigPath = "FPDEMO_CONFIG"

type Config struct {
	Addr              string        `yaml:"addr"`
	DatabaseURL       string        `yaml:"database_url"`
	DatabaseAuthToken string        `yaml:"database_auth_token"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`

	Snapshot SnapshotConfig `yaml:"snapshot"`
	Vendor   VendorConfig   `yaml:"vendor"`
	Session  SessionConfig  `yaml:"session"`
	Temporal TemporalConfig `yaml:"temporal"`
}

// SnapshotConfig enables blob snapshots of a sqlite database when Dir is set.
type SnapshotConfig struct {
	Dir  string `yaml:"dir"`
	Keep int    `yaml:"keep"`
	// Interval enables periodic pushes while the server runs; zero disables them.
	Interval time.Duration `yaml:"interval"`
}

type VendorConfig struct {
	APIKey  string `yaml:"api_key"`
	Region  string `yaml:"region"`
	BaseURL string `yaml:"base_url"`
}

type SessionConfig struct {
	Secret       string        `yaml:"secret"`
	TTL          time.Duration `yaml:"ttl"`
	ChallengeTTL time.Duration `yaml:"challenge_ttl"`
}

// TemporalConfig switches webhook ingestion to workflows when HostPort is set.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port"`
	Namespace string `yaml:"namespace"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:           ":8080",
		RequestTimeout: 10 * time.Second,
		Snapshot:       SnapshotConfig{Keep: 5},
		Vendor:         VendorConfig{Region: "global"},
		Session:        SessionConfig{TTL: 24 * time.Hour, ChallengeTTL: 10 * time.Minute},
		Temporal:       TemporalConfig{Namespace: "default"},
	}
}

// Load builds the configuration. path may be empty, in which case
// FPDEMO_CONFIG is consulted; with neither set no YAML file is read.
func Load(path string) (Config, error) {
	// Missing .env files are not an error.
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")

	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.Addr, "ADDR")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.DatabaseAuthToken, "DATABASE_AUTH_TOKEN")
	setString(&c.Snapshot.Dir, "SNAPSHOT_DIR")
	setString(&c.Vendor.APIKey, "VENDOR_API_KEY")
	setString(&c.Vendor.Region, "VENDOR_REGION")
	setString(&c.Vendor.BaseURL, "VENDOR_BASE_URL")
	setString(&c.Session.Secret, "SESSION_SECRET")
	setString(&c.Temporal.HostPort, "TEMPORAL_HOSTPORT")
	setString(&c.Temporal.Namespace, "TEMPORAL_NAMESPACE")

	if err := setInt(&c.Snapshot.Keep, "SNAPSHOT_KEEP"); err != nil {
		return err
	}
	for key, dst := range map[string]*time.Duration{
		"REQUEST_TIMEOUT":   &c.RequestTimeout,
		"SESSION_TTL":       &c.Session.TTL,
		"CHALLENGE_TTL":     &c.Session.ChallengeTTL,
		"SNAPSHOT_INTERVAL": &c.Snapshot.Interval,
	} {
		if err := setDuration(dst, key); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects values no component can run with. An empty database URL
// is left to the store, which reports it as unavailable.
func (c Config) Validate() error {
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.Session.TTL <= 0 || c.Session.ChallengeTTL <= 0 {
		return fmt.Errorf("session and challenge ttl must be positive")
	}
	if c.Snapshot.Interval < 0 {
		return fmt.Errorf("snapshot interval must not be negative, got %s", c.Snapshot.Interval)
	}
	if c.Snapshot.Keep < 1 {
		return fmt.Errorf("snapshot keep must be at least 1, got %d", c.Snapshot.Keep)
	}
	switch strings.ToLower(c.Vendor.Region) {
	case "", "global", "eu", "ap":
	default:
		return fmt.Errorf("unknown vendor region %q", c.Vendor.Region)
	}
	return nil
}

func setString(dst *string, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		*dst = value
	}
}

func setInt(dst *int, key string) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
