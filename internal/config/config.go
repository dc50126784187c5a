// Package config loads the application configuration file and owns the
// user Settings record.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as "30s" or "24h" in config files.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// RelayConfig is a default relay entry.
type RelayConfig struct {
	URL   string `toml:"url" json:"url" yaml:"url"`
	Read  bool   `toml:"read" json:"read" yaml:"read"`
	Write bool   `toml:"write" json:"write" yaml:"write"`
}

// SyncConfig tunes relay traffic.
type SyncConfig struct {
	ProfileFreshness  Duration `toml:"profile_freshness" json:"profile_freshness" yaml:"profile_freshness"`
	QueryTimeout      Duration `toml:"query_timeout" json:"query_timeout" yaml:"query_timeout"`
	ReconnectInterval Duration `toml:"reconnect_interval" json:"reconnect_interval" yaml:"reconnect_interval"`
	MaxGeohashCells   int      `toml:"max_geohash_cells" json:"max_geohash_cells" yaml:"max_geohash_cells"`
	ReportLimit       int      `toml:"report_limit" json:"report_limit" yaml:"report_limit"`
}

// PruneConfig bounds the local cache.
type PruneConfig struct {
	MaxReports int      `toml:"max_reports" json:"max_reports" yaml:"max_reports"`
	ProfileTTL Duration `toml:"profile_ttl" json:"profile_ttl" yaml:"profile_ttl"`
	Interval   Duration `toml:"interval" json:"interval" yaml:"interval"`
}

// ConnectivityConfig controls the online probe.
type ConnectivityConfig struct {
	ProbeInterval Duration `toml:"probe_interval" json:"probe_interval" yaml:"probe_interval"`
	ProbeTimeout  Duration `toml:"probe_timeout" json:"probe_timeout" yaml:"probe_timeout"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `toml:"level" json:"level" yaml:"level"`
	Format string `toml:"format" json:"format" yaml:"format"`
}

// Config is the application configuration.
type Config struct {
	DataDir    string        `toml:"data_dir" json:"data_dir" yaml:"data_dir"`
	PublishURL string        `toml:"publish_url" json:"publish_url" yaml:"publish_url"`
	Relays     []RelayConfig `toml:"relays" json:"relays" yaml:"relays"`

	Sync         SyncConfig         `toml:"sync" json:"sync" yaml:"sync"`
	Prune        PruneConfig        `toml:"prune" json:"prune" yaml:"prune"`
	Connectivity ConnectivityConfig `toml:"connectivity" json:"connectivity" yaml:"connectivity"`
	Log          LogConfig          `toml:"log" json:"log" yaml:"log"`
}

// DefaultRelays are used until the user configures their own.
var DefaultRelays = []RelayConfig{
	{URL: "wss://relay.damus.io", Read: true, Write: true},
	{URL: "wss://nos.lol", Read: true, Write: true},
	{URL: "wss://relay.nostr.band", Read: true, Write: false},
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir: DataDir(),
		Relays:  append([]RelayConfig(nil), DefaultRelays...),
		Sync: SyncConfig{
			ProfileFreshness:  Duration{24 * time.Hour},
			QueryTimeout:      Duration{5 * time.Second},
			ReconnectInterval: Duration{30 * time.Second},
			MaxGeohashCells:   32,
			ReportLimit:       500,
		},
		Prune: PruneConfig{
			MaxReports: 5000,
			ProfileTTL: Duration{30 * 24 * time.Hour},
			Interval:   Duration{time.Hour},
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: Duration{15 * time.Second},
			ProbeTimeout:  Duration{3 * time.Second},
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Dir returns the configuration directory.
func Dir() string {
	home, err := homedir.Dir()
	if err != nil {
		return filepath.Join(".config", "nostr-incidents")
	}
	return filepath.Join(home, ".config", "nostr-incidents")
}

// DataDir returns the default data directory, honouring INCIDENTS_DATA_DIR.
func DataDir() string {
	if v := os.Getenv("INCIDENTS_DATA_DIR"); v != "" {
		return v
	}
	home, err := homedir.Dir()
	if err != nil {
		return filepath.Join(".local", "share", "nostr-incidents")
	}
	return filepath.Join(home, ".local", "share", "nostr-incidents")
}

// Path returns the default configuration file path.
func Path() string {
	return filepath.Join(Dir(), "config.toml")
}

// DatabasePath is the SQLite cache file inside the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "cache.db")
}

// KeystoreDir is where the file keystore lives when no OS keyring exists.
func (c *Config) KeystoreDir() string {
	return filepath.Join(c.DataDir, "keys")
}

// Load reads the configuration at path, falling back to defaults when the
// file does not exist. The format follows the file extension. Environment
// overrides are applied and the result is validated.
func Load(path string) (*Config, error) {
	if path == "" {
		path = Path()
	}
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	}
	return cfg, nil
}

// ApplyEnvOverrides applies INCIDENTS_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("INCIDENTS_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("INCIDENTS_PUBLISH_URL"); v != "" {
		c.PublishURL = v
	}
	if v := os.Getenv("INCIDENTS_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("INCIDENTS_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("INCIDENTS_RELAYS"); v != "" {
		var relays []RelayConfig
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				relays = append(relays, RelayConfig{URL: u, Read: true, Write: true})
			}
		}
		c.Relays = relays
	}
}

// Save writes the configuration as TOML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encode TOML: %w", err)
	}
	return nil
}
