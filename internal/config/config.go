package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides (BROWSERD_POOL_MAX_INSTANCES, ...).
const EnvPrefix = "BROWSERD"

// Config holds all browserd configuration.
type Config struct {
	Name string `yaml:"name"`

	Pool     PoolConfig     `yaml:"pool"`
	Browser  BrowserConfig  `yaml:"browser"`
	Session  SessionConfig  `yaml:"session"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Network  NetworkConfig  `yaml:"network"`
	CDP      CDPConfig      `yaml:"cdp"`
	Stream   StreamConfig   `yaml:"stream"`
	Storage  StorageConfig  `yaml:"storage"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// PoolConfig configures the instance pool.
type PoolConfig struct {
	MaxInstances        int    `yaml:"max_instances"`
	MaxPagesPerInstance int    `yaml:"max_pages_per_instance"`
	MinWarm             int    `yaml:"min_warm"`
	WarmupCount         int    `yaml:"warmup_count"`
	AcquireTimeout      string `yaml:"acquire_timeout"`
	IdleTimeout         string `yaml:"idle_timeout"`
	EvictInterval       string `yaml:"evict_interval"`
}

// BrowserConfig configures how browser processes are launched.
type BrowserConfig struct {
	Bin            string   `yaml:"bin"`
	Flags          []string `yaml:"flags"`
	Headless       bool     `yaml:"headless"`
	NoSandbox      bool     `yaml:"no_sandbox"`
	Stealth        bool     `yaml:"stealth"`
	ViewportWidth  int      `yaml:"viewport_width"`
	ViewportHeight int      `yaml:"viewport_height"`
	LaunchTimeout  string   `yaml:"launch_timeout"`
}

// SessionConfig configures session lifetime and per-call timeouts.
type SessionConfig struct {
	TTL               string `yaml:"ttl"`
	MaxTTL            string `yaml:"max_ttl"`
	SweepInterval     string `yaml:"sweep_interval"`
	NavigationTimeout string `yaml:"navigation_timeout"`
	ActionTimeout     string `yaml:"action_timeout"`
	DialogHistory     int    `yaml:"dialog_history"`
}

// SnapshotConfig configures the snapshot engine.
type SnapshotConfig struct {
	CacheTTL string `yaml:"cache_ttl"`
	MaxDepth int    `yaml:"max_depth"`
}

// NetworkConfig is the network policy shared by the pool guard, the interceptor and the CDP connector.
type NetworkConfig struct {
	AllowPrivate     bool     `yaml:"allow_private"`
	AllowedHosts     []string `yaml:"allowed_hosts"`
	HistorySize      int      `yaml:"history_size"`
	BlockedProtocols []string `yaml:"blocked_protocols"`
}

// CDPConfig configures connections to externally owned browsers.
type CDPConfig struct {
	AllowedHosts   []string                  `yaml:"allowed_hosts"`
	AllowPrivate   bool                      `yaml:"allow_private"`
	AllowLocalPort bool                      `yaml:"allow_local_port"`
	ConnectTimeout string                    `yaml:"connect_timeout"`
	Providers      map[string]ProviderConfig `yaml:"providers"`
}

// ProviderConfig describes one remote-browser provider.
type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Timeout string `yaml:"timeout"`
}

// StreamConfig configures the live view relay.
type StreamConfig struct {
	Secret          string  `yaml:"secret"`
	PublicURL       string  `yaml:"public_url"`
	TokenTTL        string  `yaml:"token_ttl"`
	MaxViewers      int     `yaml:"max_viewers"`
	Quality         int     `yaml:"quality"`
	EveryNthFrame   int     `yaml:"every_nth_frame"`
	InputRatePerSec float64 `yaml:"input_rate_per_sec"`
	SweepInterval   string  `yaml:"sweep_interval"`
	RecordingsDir   string  `yaml:"recordings_dir"`
}

// StorageConfig configures durable storage.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	DownloadsDir string `yaml:"downloads_dir"`
}

// ServerConfig configures the serve command.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "browserd",

		Pool: PoolConfig{
			MaxInstances:        4,
			MaxPagesPerInstance: 10,
			MinWarm:             1,
			WarmupCount:         1,
			AcquireTimeout:      "30s",
			IdleTimeout:         "5m",
			EvictInterval:       "30s",
		},

		Browser: BrowserConfig{
			Headless:       true,
			Stealth:        true,
			ViewportWidth:  1280,
			ViewportHeight: 720,
			LaunchTimeout:  "30s",
		},

		Session: SessionConfig{
			TTL:               "30m",
			MaxTTL:            "6h",
			SweepInterval:     "30s",
			NavigationTimeout: "30s",
			ActionTimeout:     "15s",
			DialogHistory:     10,
		},

		Snapshot: SnapshotConfig{
			CacheTTL: "2m",
		},

		Network: NetworkConfig{
			HistorySize: 100,
		},

		CDP: CDPConfig{
			ConnectTimeout: "20s",
		},

		Stream: StreamConfig{
			TokenTTL:        "60s",
			MaxViewers:      3,
			Quality:         70,
			EveryNthFrame:   1,
			InputRatePerSec: 60,
			SweepInterval:   "30s",
			RecordingsDir:   "data/recordings",
		},

		Storage: StorageConfig{
			DatabasePath: "data/browserd.db",
			DownloadsDir: "data/downloads",
		},

		Server: ServerConfig{
			Addr:            "127.0.0.1:8931",
			ShutdownTimeout: "20s",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// envOverrides is the flat view envconfig fills. Only set variables are copied over.
type envOverrides struct {
	PoolMaxInstances    *int   `envconfig:"POOL_MAX_INSTANCES"`
	PoolMaxPages        *int   `envconfig:"POOL_MAX_PAGES"`
	PoolMinWarm         *int   `envconfig:"POOL_MIN_WARM"`
	PoolWarmup          *int   `envconfig:"POOL_WARMUP"`
	PoolAcquireTimeout  string `envconfig:"POOL_ACQUIRE_TIMEOUT"`
	PoolIdleTimeout     string `envconfig:"POOL_IDLE_TIMEOUT"`
	BrowserBin          string `envconfig:"BROWSER_BIN"`
	BrowserHeadless     *bool  `envconfig:"BROWSER_HEADLESS"`
	BrowserNoSandbox    *bool  `envconfig:"BROWSER_NO_SANDBOX"`
	SessionTTL          string `envconfig:"SESSION_TTL"`
	NetworkAllowPrivate *bool  `envconfig:"NETWORK_ALLOW_PRIVATE"`
	CDPAllowLocalPort   *bool  `envconfig:"CDP_ALLOW_LOCAL_PORT"`
	StreamSecret        string `envconfig:"STREAM_SECRET"`
	StreamPublicURL     string `envconfig:"STREAM_PUBLIC_URL"`
	StorageDB           string `envconfig:"STORAGE_DB"`
	ServerAddr          string `envconfig:"SERVER_ADDR"`
	LogLevel            string `envconfig:"LOG_LEVEL"`
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	setInt := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}
	setBool := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}

	setInt(&c.Pool.MaxInstances, env.PoolMaxInstances)
	setInt(&c.Pool.MaxPagesPerInstance, env.PoolMaxPages)
	setInt(&c.Pool.MinWarm, env.PoolMinWarm)
	setInt(&c.Pool.WarmupCount, env.PoolWarmup)
	setString(&c.Pool.AcquireTimeout, env.PoolAcquireTimeout)
	setString(&c.Pool.IdleTimeout, env.PoolIdleTimeout)
	setString(&c.Browser.Bin, env.BrowserBin)
	setBool(&c.Browser.Headless, env.BrowserHeadless)
	setBool(&c.Browser.NoSandbox, env.BrowserNoSandbox)
	setString(&c.Session.TTL, env.SessionTTL)
	setBool(&c.Network.AllowPrivate, env.NetworkAllowPrivate)
	setBool(&c.CDP.AllowLocalPort, env.CDPAllowLocalPort)
	setString(&c.Stream.Secret, env.StreamSecret)
	setString(&c.Stream.PublicURL, env.StreamPublicURL)
	setString(&c.Storage.DatabasePath, env.StorageDB)
	setString(&c.Server.Addr, env.ServerAddr)
	setString(&c.Logging.Level, env.LogLevel)
	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetAcquireTimeout returns how long a pool acquire may wait.
func (c *Config) GetAcquireTimeout() time.Duration {
	return parseDuration(c.Pool.AcquireTimeout, 30*time.Second)
}

// GetIdleTimeout returns how long an unused instance survives.
func (c *Config) GetIdleTimeout() time.Duration {
	return parseDuration(c.Pool.IdleTimeout, 5*time.Minute)
}

// GetEvictInterval returns the pool eviction period.
func (c *Config) GetEvictInterval() time.Duration {
	return parseDuration(c.Pool.EvictInterval, 30*time.Second)
}

// GetLaunchTimeout returns the browser launch timeout.
func (c *Config) GetLaunchTimeout() time.Duration {
	return parseDuration(c.Browser.LaunchTimeout, 30*time.Second)
}

// GetSessionTTL returns the default session lifetime.
func (c *Config) GetSessionTTL() time.Duration {
	return parseDuration(c.Session.TTL, 30*time.Minute)
}

// GetSessionMaxTTL returns the upper bound for caller-supplied lifetimes.
func (c *Config) GetSessionMaxTTL() time.Duration {
	return parseDuration(c.Session.MaxTTL, 6*time.Hour)
}

// GetSessionSweepInterval returns the expiry sweep period.
func (c *Config) GetSessionSweepInterval() time.Duration {
	return parseDuration(c.Session.SweepInterval, 30*time.Second)
}

// GetNavigationTimeout returns the default navigation timeout.
func (c *Config) GetNavigationTimeout() time.Duration {
	return parseDuration(c.Session.NavigationTimeout, 30*time.Second)
}

// GetActionTimeout returns the default per-action timeout.
func (c *Config) GetActionTimeout() time.Duration {
	return parseDuration(c.Session.ActionTimeout, 15*time.Second)
}

// GetSnapshotCacheTTL returns the delta cache lifetime.
func (c *Config) GetSnapshotCacheTTL() time.Duration {
	return parseDuration(c.Snapshot.CacheTTL, 2*time.Minute)
}

// GetConnectTimeout returns the CDP connect timeout.
func (c *Config) GetConnectTimeout() time.Duration {
	return parseDuration(c.CDP.ConnectTimeout, 20*time.Second)
}

// GetTokenTTL returns the default live-view token lifetime.
func (c *Config) GetTokenTTL() time.Duration {
	return parseDuration(c.Stream.TokenTTL, 60*time.Second)
}

// GetStreamSweepInterval returns the relay sweep period.
func (c *Config) GetStreamSweepInterval() time.Duration {
	return parseDuration(c.Stream.SweepInterval, 30*time.Second)
}

// GetShutdownTimeout returns the server drain timeout.
func (c *Config) GetShutdownTimeout() time.Duration {
	return parseDuration(c.Server.ShutdownTimeout, 20*time.Second)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Pool.MaxInstances <= 0 {
		return fmt.Errorf("pool.max_instances must be positive, got %d", c.Pool.MaxInstances)
	}
	if c.Pool.MaxPagesPerInstance <= 0 {
		return fmt.Errorf("pool.max_pages_per_instance must be positive, got %d", c.Pool.MaxPagesPerInstance)
	}
	if c.Pool.MinWarm < 0 || c.Pool.MinWarm > c.Pool.MaxInstances {
		return fmt.Errorf("pool.min_warm must be between 0 and max_instances (%d), got %d", c.Pool.MaxInstances, c.Pool.MinWarm)
	}
	if c.Stream.MaxViewers <= 0 {
		return fmt.Errorf("stream.max_viewers must be positive, got %d", c.Stream.MaxViewers)
	}
	if c.Stream.Secret != "" && len(c.Stream.Secret) < 16 {
		return fmt.Errorf("stream.secret must be at least 16 bytes")
	}
	for name, p := range c.CDP.Providers {
		if p.BaseURL == "" {
			return fmt.Errorf("cdp.providers.%s.base_url is required", name)
		}
	}
	return nil
}
