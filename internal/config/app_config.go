// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment.
type Environment string

const (
	EnvDev     Environment = "dev"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "prod"
)

// UpstreamConfig selects and addresses the brokerage provider.
type UpstreamConfig struct {
	Provider        string        `yaml:"provider"`
	PaperTradingURL string        `yaml:"paperTradingURL"`
	LiveTradingURL  string        `yaml:"liveTradingURL"`
	DataURL         string        `yaml:"dataURL"`
	PaperStreamURL  string        `yaml:"paperStreamURL"`
	LiveStreamURL   string        `yaml:"liveStreamURL"`
	HTTPTimeout     time.Duration `yaml:"httpTimeout"`
}

// LimitRule is a token bucket definition: capacity tokens refilled over window.
type LimitRule struct {
	Capacity int           `yaml:"capacity"`
	Window   time.Duration `yaml:"window"`
}

// LimitsConfig holds the rate limit tables.
type LimitsConfig struct {
	Global    LimitRule            `yaml:"global"`
	Free      LimitRule            `yaml:"free"`
	Premium   LimitRule            `yaml:"premium"`
	Endpoints map[string]LimitRule `yaml:"endpoints"`
	IdleTTL   time.Duration        `yaml:"idleTTL"`
}

// PoolConfig sizes the per-account connection pools.
type PoolConfig struct {
	ConnectionLimit int           `yaml:"connectionLimit"`
	AcquireTimeout  time.Duration `yaml:"acquireTimeout"`
	MaxWaiters      int           `yaml:"maxWaiters"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	SweepInterval   time.Duration `yaml:"sweepInterval"`
}

// StreamConfig tunes the streaming synchronizer.
type StreamConfig struct {
	AuthTimeout       time.Duration `yaml:"authTimeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeatTimeout"`
	BackoffBase       time.Duration `yaml:"backoffBase"`
	BackoffMax        time.Duration `yaml:"backoffMax"`
	Jitter            float64       `yaml:"jitter"`
	ThrottleDelay     time.Duration `yaml:"throttleDelay"`
	StableAfter       time.Duration `yaml:"stableAfter"`
	RefreshInterval   time.Duration `yaml:"refreshInterval"`
}

// DispatcherConfig sizes the asynchronous execution path.
type DispatcherConfig struct {
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queueSize"`
	CallTimeout time.Duration `yaml:"callTimeout"`
	BatchWidth  int           `yaml:"batchWidth"`
}

// StaticCredential is a credential entry held directly in the config file.
type StaticCredential struct {
	Ref       string `yaml:"ref"`
	APIKey    string `yaml:"apiKey"`
	APISecret string `yaml:"apiSecret"`
}

// CredentialsConfig selects the credential provider backend.
type CredentialsConfig struct {
	Backend    string             `yaml:"backend"`
	SQLitePath string             `yaml:"sqlitePath"`
	SealKeyEnv string             `yaml:"sealKeyEnv"`
	Static     []StaticCredential `yaml:"static"`
}

// AccountConfig registers an account at startup.
type AccountConfig struct {
	ID              string `yaml:"id"`
	CredentialRef   string `yaml:"credentialRef"`
	ConnectionLimit int    `yaml:"connectionLimit"`
	Tier            string `yaml:"tier"`
	Mode            string `yaml:"mode"`
}

// MirrorConfig enables the optional Redis snapshot mirror.
type MirrorConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"keyPrefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// Enabled reports whether a mirror address is configured.
func (c MirrorConfig) Enabled() bool {
	return c.Addr != ""
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// DatabaseConfig controls PostgreSQL connectivity for the postgres credential backend.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

// AppConfig is the brokerlink configuration sourced from YAML.
type AppConfig struct {
	Environment Environment       `yaml:"environment"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Limits      LimitsConfig      `yaml:"limits"`
	Pool        PoolConfig        `yaml:"pool"`
	Stream      StreamConfig      `yaml:"stream"`
	Dispatcher  DispatcherConfig  `yaml:"dispatcher"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Accounts    []AccountConfig   `yaml:"accounts"`
	Mirror      MirrorConfig      `yaml:"mirror"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Database    DatabaseConfig    `yaml:"database"`
}

// Default returns a configuration populated entirely with defaults.
func Default() AppConfig {
	var cfg AppConfig
	cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.Upstream.Provider = strings.ToLower(strings.TrimSpace(c.Upstream.Provider))
	if c.Upstream.Provider == "" {
		c.Upstream.Provider = "alpaca"
	}
	c.Upstream.PaperTradingURL = withDefault(c.Upstream.PaperTradingURL, "https://paper-api.alpaca.markets")
	c.Upstream.LiveTradingURL = withDefault(c.Upstream.LiveTradingURL, "https://api.alpaca.markets")
	c.Upstream.DataURL = withDefault(c.Upstream.DataURL, "https://data.alpaca.markets")
	c.Upstream.PaperStreamURL = withDefault(c.Upstream.PaperStreamURL, "wss://paper-api.alpaca.markets/stream")
	c.Upstream.LiveStreamURL = withDefault(c.Upstream.LiveStreamURL, "wss://api.alpaca.markets/stream")
	if c.Upstream.HTTPTimeout <= 0 {
		c.Upstream.HTTPTimeout = 10 * time.Second
	}

	c.Limits.Global = c.Limits.Global.orDefault(1000, time.Second)
	c.Limits.Free = c.Limits.Free.orDefault(120, time.Minute)
	c.Limits.Premium = c.Limits.Premium.orDefault(300, time.Minute)
	endpoints := map[string]LimitRule{
		"trading": {Capacity: 10, Window: time.Minute},
		"quotes":  {Capacity: 60, Window: time.Minute},
		"account": {Capacity: 60, Window: time.Minute},
	}
	for key, rule := range c.Limits.Endpoints {
		name := strings.ToLower(strings.TrimSpace(key))
		def := endpoints[name]
		endpoints[name] = rule.orDefault(def.Capacity, def.Window)
	}
	c.Limits.Endpoints = endpoints
	if c.Limits.IdleTTL <= 0 {
		c.Limits.IdleTTL = 10 * time.Minute
	}

	if c.Pool.ConnectionLimit <= 0 {
		c.Pool.ConnectionLimit = 5
	}
	if c.Pool.AcquireTimeout <= 0 {
		c.Pool.AcquireTimeout = 250 * time.Millisecond
	}
	if c.Pool.MaxWaiters <= 0 {
		c.Pool.MaxWaiters = 2 * c.Pool.ConnectionLimit
	}
	if c.Pool.IdleTimeout <= 0 {
		c.Pool.IdleTimeout = 30 * time.Minute
	}
	if c.Pool.SweepInterval <= 0 {
		c.Pool.SweepInterval = 30 * time.Second
	}

	s := &c.Stream
	s.AuthTimeout = durationOr(s.AuthTimeout, 10*time.Second)
	s.HeartbeatInterval = durationOr(s.HeartbeatInterval, 15*time.Second)
	s.HeartbeatTimeout = durationOr(s.HeartbeatTimeout, 10*time.Second)
	s.BackoffBase = durationOr(s.BackoffBase, time.Second)
	s.BackoffMax = durationOr(s.BackoffMax, 300*time.Second)
	if s.Jitter <= 0 {
		s.Jitter = 0.2
	}
	s.ThrottleDelay = durationOr(s.ThrottleDelay, time.Minute)
	s.StableAfter = durationOr(s.StableAfter, 5*time.Minute)
	s.RefreshInterval = durationOr(s.RefreshInterval, time.Minute)

	if c.Dispatcher.Workers <= 0 {
		c.Dispatcher.Workers = 8
	}
	if c.Dispatcher.QueueSize <= 0 {
		c.Dispatcher.QueueSize = 256
	}
	if c.Dispatcher.BatchWidth <= 0 {
		c.Dispatcher.BatchWidth = 4
	}

	c.Credentials.Backend = strings.ToLower(strings.TrimSpace(c.Credentials.Backend))
	if c.Credentials.Backend == "" {
		c.Credentials.Backend = "static"
	}
	c.Credentials.SealKeyEnv = withDefault(c.Credentials.SealKeyEnv, "BROKERLINK_SEAL_KEY")
	if c.Credentials.SQLitePath != "" {
		c.Credentials.SQLitePath = filepath.Clean(c.Credentials.SQLitePath)
	}

	for i := range c.Accounts {
		acct := &c.Accounts[i]
		acct.ID = strings.TrimSpace(acct.ID)
		acct.Tier = strings.ToLower(strings.TrimSpace(acct.Tier))
		acct.Mode = strings.ToLower(strings.TrimSpace(acct.Mode))
		if acct.ConnectionLimit <= 0 {
			acct.ConnectionLimit = c.Pool.ConnectionLimit
		}
	}

	c.Mirror.Addr = strings.TrimSpace(c.Mirror.Addr)
	c.Mirror.KeyPrefix = withDefault(c.Mirror.KeyPrefix, "brokerlink:snapshot:")
	if c.Mirror.TTL <= 0 {
		c.Mirror.TTL = 5 * time.Minute
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = withDefault(c.Telemetry.ServiceName, "brokerlink")

	c.Database.DSN = strings.TrimSpace(c.Database.DSN)
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = 8
	}
	if c.Database.MinConns <= 0 {
		c.Database.MinConns = 1
	}
	if c.Database.MinConns > c.Database.MaxConns {
		c.Database.MinConns = c.Database.MaxConns
	}
	c.Database.MaxConnLifetime = durationOr(c.Database.MaxConnLifetime, 30*time.Minute)
	c.Database.HealthCheckPeriod = durationOr(c.Database.HealthCheckPeriod, 30*time.Second)
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	switch c.Upstream.Provider {
	case "alpaca", "fake":
	default:
		return fmt.Errorf("upstream provider must be one of alpaca, fake")
	}

	for name := range c.Limits.Endpoints {
		switch name {
		case "trading", "quotes", "account":
		default:
			return fmt.Errorf("limits.endpoints: unknown endpoint class %q", name)
		}
	}

	if c.Pool.MaxWaiters < 0 {
		return fmt.Errorf("pool.maxWaiters must be >=0")
	}
	if c.Stream.Jitter >= 1 {
		return fmt.Errorf("stream.jitter must be <1")
	}
	if c.Stream.BackoffMax < c.Stream.BackoffBase {
		return fmt.Errorf("stream.backoffMax must be >= stream.backoffBase")
	}

	switch c.Credentials.Backend {
	case "static":
	case "sqlite":
		if c.Credentials.SQLitePath == "" {
			return fmt.Errorf("credentials.sqlitePath required for sqlite backend")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn required for postgres credentials backend")
		}
	default:
		return fmt.Errorf("credentials.backend must be one of static, sqlite, postgres")
	}

	seen := make(map[string]struct{}, len(c.Accounts))
	for i, acct := range c.Accounts {
		if acct.ID == "" {
			return fmt.Errorf("accounts[%d]: id required", i)
		}
		if _, dup := seen[acct.ID]; dup {
			return fmt.Errorf("duplicate account id %q", acct.ID)
		}
		seen[acct.ID] = struct{}{}
		switch acct.Tier {
		case "", "free", "premium":
		default:
			return fmt.Errorf("accounts[%d]: tier must be free or premium", i)
		}
		switch acct.Mode {
		case "", "paper", "live":
		default:
			return fmt.Errorf("accounts[%d]: mode must be paper or live", i)
		}
	}

	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	return nil
}

func (r LimitRule) orDefault(capacity int, window time.Duration) LimitRule {
	if r.Capacity <= 0 {
		r.Capacity = capacity
	}
	if r.Window <= 0 {
		r.Window = window
	}
	return r
}

func withDefault(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
