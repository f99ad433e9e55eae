package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"smsblast/internal/classify"
	"smsblast/internal/engine"
	"smsblast/internal/health"
	"smsblast/internal/monitor"
	"smsblast/internal/ratelimit"
	"smsblast/internal/rotation"
	"smsblast/internal/transport"
)

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Storage   StorageConfig             `yaml:"storage"`
	Logging   LoggingConfig             `yaml:"logging"`
	API       APIConfig                 `yaml:"api"`
	Engine    engine.Config             `yaml:"engine"`
	RateLimit ratelimit.Config          `yaml:"ratelimit"`
	Rotation  RotationConfig            `yaml:"rotation"`
	Health    health.Config             `yaml:"health"`
	Classify  classify.Config           `yaml:"classify"`
	Monitor   MonitorConfig             `yaml:"monitor"`
	Gateways  []transport.GatewayConfig `yaml:"gateways"`
	Relays    []transport.RelayConfig   `yaml:"relays"`
	Metrics   MetricsConfig             `yaml:"metrics"`
}

// ServerConfig contains instance identity settings
type ServerConfig struct {
	Hostname string `yaml:"hostname"`
}

// StorageConfig contains database paths
type StorageConfig struct {
	Path          string `yaml:"path"`           // sqlite campaigns/messages database
	RateLimitPath string `yaml:"ratelimit_path"` // bbolt carrier-window database
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// APIConfig contains the HTTP API settings
type APIConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"` // also bounds SSE streams
}

// RotationConfig contains server-selection settings
type RotationConfig struct {
	GatewayStrategy rotation.Strategy `yaml:"gateway_strategy"`
	RelayStrategy   rotation.Strategy `yaml:"relay_strategy"`
	Weights         rotation.Weights  `yaml:"weights"`
}

// MonitorConfig contains push-channel and fallback-poll settings
type MonitorConfig struct {
	Buffer           int                `yaml:"buffer"`            // per-subscriber event buffer
	HeartbeatTimeout time.Duration      `yaml:"heartbeat_timeout"` // push silence before clients fall back to polling
	PollInterval     time.Duration      `yaml:"poll_interval"`
	MQTT             monitor.MQTTConfig `yaml:"mqtt"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ListenAddr string   `yaml:"listen_addr"`
	Path       string   `yaml:"path"`
	AllowedIPs []string `yaml:"allowed_ips"` // IP addresses/CIDRs allowed to access metrics
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// SetDefaults sets default values for configuration
func (c *Config) SetDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/smsblast/smsblast.db"
	}
	if c.Storage.RateLimitPath == "" {
		c.Storage.RateLimitPath = "/var/lib/smsblast/ratelimit.db"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		// SSE streams live inside this window; keep it generous.
		c.API.WriteTimeout = 10 * time.Minute
	}

	if c.Rotation.GatewayStrategy == "" {
		c.Rotation.GatewayStrategy = rotation.SmartAdaptive
	}
	if c.Rotation.RelayStrategy == "" {
		c.Rotation.RelayStrategy = rotation.RoundRobin
	}
	zero := rotation.Weights{}
	if c.Rotation.Weights == zero {
		c.Rotation.Weights = rotation.DefaultWeights()
	}

	if c.Monitor.Buffer == 0 {
		c.Monitor.Buffer = 64
	}
	if c.Monitor.HeartbeatTimeout == 0 {
		c.Monitor.HeartbeatTimeout = 30 * time.Second
	}
	if c.Monitor.PollInterval == 0 {
		c.Monitor.PollInterval = 5 * time.Second
	}
	if c.Monitor.MQTT.TopicPrefix == "" {
		c.Monitor.MQTT.TopicPrefix = "smsblast/events"
	}
	if c.Monitor.MQTT.ClientID == "" {
		c.Monitor.MQTT.ClientID = "smsblast-" + c.Server.Hostname
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	// ratelimit, engine and health carry their own defaulting; the zero
	// values here are filled when the subsystems are constructed.
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}

	if len(c.Gateways) == 0 && len(c.Relays) == 0 {
		return fmt.Errorf("at least one gateway or relay must be configured")
	}

	seen := make(map[string]bool)
	for _, g := range c.Gateways {
		if g.ID == "" {
			return fmt.Errorf("gateway with empty id")
		}
		if g.BaseURL == "" {
			return fmt.Errorf("gateway %s: url is required", g.ID)
		}
		if seen[g.ID] {
			return fmt.Errorf("duplicate server id: %s", g.ID)
		}
		seen[g.ID] = true
	}
	for _, r := range c.Relays {
		if r.ID == "" {
			return fmt.Errorf("relay with empty id")
		}
		if r.Host == "" {
			return fmt.Errorf("relay %s: host is required", r.ID)
		}
		if r.From == "" {
			return fmt.Errorf("relay %s: from address is required", r.ID)
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate server id: %s", r.ID)
		}
		seen[r.ID] = true
	}

	if !c.Rotation.GatewayStrategy.Valid() {
		return fmt.Errorf("invalid gateway rotation strategy: %s", c.Rotation.GatewayStrategy)
	}
	if !c.Rotation.RelayStrategy.Valid() {
		return fmt.Errorf("invalid relay rotation strategy: %s", c.Rotation.RelayStrategy)
	}

	if c.Engine.FailureRatio < 0 || c.Engine.FailureRatio > 1 {
		return fmt.Errorf("engine failure_ratio must be within [0,1], got %v", c.Engine.FailureRatio)
	}
	if c.Health.Alpha < 0 || c.Health.Alpha > 1 {
		return fmt.Errorf("health alpha must be within [0,1], got %v", c.Health.Alpha)
	}
	if c.Health.SuccessFloor < 0 || c.Health.SuccessFloor > 1 {
		return fmt.Errorf("health success_floor must be within [0,1], got %v", c.Health.SuccessFloor)
	}

	for name, limit := range c.RateLimit.Carriers {
		if limit.MaxPerWindow < 0 {
			return fmt.Errorf("carrier %s: max_per_window must not be negative", name)
		}
		if limit.DelayMax != 0 && limit.DelayMax < limit.DelayMin {
			return fmt.Errorf("carrier %s: delay_max is below delay_min", name)
		}
	}

	if c.Monitor.MQTT.Enabled && c.Monitor.MQTT.Broker == "" {
		return fmt.Errorf("mqtt enabled but broker is empty")
	}

	return nil
}
