// Package config handles configuration loading and validation for larder.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/larderhq/larder/pkg/bytesize"
)

// Duration is a time.Duration that unmarshals from YAML duration strings
// ("90s", "24h") and from environment variables.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// OriginConfig holds configuration for the remote origin.
type OriginConfig struct {
	URL         string        `yaml:"url" env:"LARDER_ORIGIN_URL"`
	CacheBuster string        `yaml:"cache_buster" env:"LARDER_ORIGIN_CACHE_BUSTER"`
	Timeout     Duration      `yaml:"timeout"`       // per-request timeout
	MaxBodySize bytesize.Size `yaml:"max_body_size"` // decoded body cap, e.g. "8MB"
	HealthPath  string        `yaml:"health_path"`   // reachability probe target
}

// StoreConfig holds configuration for the encrypted store.
type StoreConfig struct {
	Path    string `yaml:"path" env:"LARDER_STORE_PATH"`
	KeyFile string `yaml:"key_file" env:"LARDER_STORE_KEY_FILE"`
	// Secret overrides the key file when set; it must be at least 16
	// characters. Prefer the LARDER_STORE_SECRET environment variable
	// over putting it in the file.
	Secret string `yaml:"secret" env:"LARDER_STORE_SECRET"`
}

// CacheConfig holds content cache tuning.
type CacheConfig struct {
	Validation    string   `yaml:"validation"` // "time" or "hash"
	DefaultTTL    Duration `yaml:"default_ttl"`
	AssetTTL      Duration `yaml:"asset_ttl"`
	PageBase      string   `yaml:"page_base"`
	AssetBase     string   `yaml:"asset_base"`
	Retention     Duration `yaml:"retention"` // negative disables the sweep
	WarmDisabled  bool     `yaml:"warm_disabled"`
	WarmInterval  Duration `yaml:"warm_interval"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// ManifestConfig holds hash manifest tuning.
type ManifestConfig struct {
	TTL Duration `yaml:"ttl"`
}

// ControlConfig holds the control socket location.
type ControlConfig struct {
	Socket string `yaml:"socket" env:"LARDER_CONTROL_SOCKET"`
}

// AdminConfig holds configuration for the admin HTTP interface.
type AdminConfig struct {
	Disabled        bool     `yaml:"disabled"`
	Listen          string   `yaml:"listen" env:"LARDER_ADMIN_LISTEN"` // must be loopback
	CollectInterval Duration `yaml:"collect_interval"`
}

// ConnectivityConfig holds the reachability prober settings.
type ConnectivityConfig struct {
	Disabled         bool     `yaml:"disabled"`
	ProbeInterval    Duration `yaml:"probe_interval"`
	ProbeTimeout     Duration `yaml:"probe_timeout"`
	DebounceInterval Duration `yaml:"debounce"`
}

// Config is the larder daemon configuration.
type Config struct {
	Origin       OriginConfig       `yaml:"origin"`
	Store        StoreConfig        `yaml:"store"`
	Cache        CacheConfig        `yaml:"cache"`
	Manifest     ManifestConfig     `yaml:"manifest"`
	Control      ControlConfig      `yaml:"control"`
	Admin        AdminConfig        `yaml:"admin"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
}

// Default returns the configuration with every default applied and no
// origin configured.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load loads configuration from a YAML file, applies defaults and then
// LARDER_* environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	cfg.expandPaths()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Origin.Timeout == 0 {
		c.Origin.Timeout = Duration(30 * time.Second)
	}
	if c.Origin.HealthPath == "" {
		c.Origin.HealthPath = "health"
	}

	if c.Store.Path == "" {
		c.Store.Path = "/var/lib/larder/store.json"
	}
	if c.Store.KeyFile == "" {
		c.Store.KeyFile = "/var/lib/larder/store.key"
	}

	if c.Cache.Validation == "" {
		c.Cache.Validation = "time"
	}
	if c.Cache.DefaultTTL == 0 {
		c.Cache.DefaultTTL = Duration(10 * time.Minute)
	}
	if c.Cache.AssetTTL == 0 {
		c.Cache.AssetTTL = Duration(24 * time.Hour)
	}
	if c.Cache.PageBase == "" {
		c.Cache.PageBase = "pages/"
	}
	if c.Cache.AssetBase == "" {
		c.Cache.AssetBase = "assets/"
	}
	if c.Cache.Retention == 0 {
		c.Cache.Retention = Duration(7 * 24 * time.Hour)
	}
	if c.Cache.WarmInterval == 0 {
		c.Cache.WarmInterval = Duration(15 * time.Minute)
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = Duration(time.Hour)
	}

	if c.Manifest.TTL == 0 {
		c.Manifest.TTL = Duration(5 * time.Minute)
	}

	if c.Control.Socket == "" {
		c.Control.Socket = "/var/run/larder.sock"
	}

	if c.Admin.Listen == "" {
		c.Admin.Listen = "127.0.0.1:9741"
	}
	if c.Admin.CollectInterval == 0 {
		c.Admin.CollectInterval = Duration(15 * time.Second)
	}

	if c.Connectivity.ProbeInterval == 0 {
		c.Connectivity.ProbeInterval = Duration(30 * time.Second)
	}
	if c.Connectivity.ProbeTimeout == 0 {
		c.Connectivity.ProbeTimeout = Duration(5 * time.Second)
	}
	if c.Connectivity.DebounceInterval == 0 {
		c.Connectivity.DebounceInterval = Duration(2 * time.Second)
	}
}

func (c *Config) expandPaths() {
	c.Store.Path = expandHome(c.Store.Path)
	c.Store.KeyFile = expandHome(c.Store.KeyFile)
	c.Control.Socket = expandHome(c.Control.Socket)
}

// expandHome expands a leading ~/ to the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Origin.URL == "" {
		return fmt.Errorf("origin.url is required")
	}
	u, err := url.Parse(c.Origin.URL)
	if err != nil {
		return fmt.Errorf("invalid origin.url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin.url must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("origin.url must include a host")
	}

	if c.Store.Secret != "" && len(c.Store.Secret) < 16 {
		return fmt.Errorf("store.secret must be at least 16 characters")
	}

	if c.Cache.Validation != "time" && c.Cache.Validation != "hash" {
		return fmt.Errorf("cache.validation must be \"time\" or \"hash\", got %q", c.Cache.Validation)
	}
	if c.Cache.DefaultTTL < 0 || c.Cache.AssetTTL < 0 {
		return fmt.Errorf("cache TTLs must not be negative")
	}

	if !c.Admin.Disabled {
		if err := validateLoopback(c.Admin.Listen); err != nil {
			return fmt.Errorf("admin.listen: %w", err)
		}
	}

	return nil
}

// validateLoopback rejects listen addresses that would expose the
// unauthenticated admin surface beyond the local host.
func validateLoopback(listen string) error {
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		return fmt.Errorf("invalid listen address: %w", err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("%q is not a loopback address", host)
	}
	return nil
}

// HealthURL returns the absolute probe URL for the reachability monitor.
func (c *Config) HealthURL() string {
	u, err := url.JoinPath(c.Origin.URL, c.Origin.HealthPath)
	if err != nil {
		return c.Origin.URL
	}
	return u
}
