package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"smsblast/internal/rotation"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

const minimalConfig = `
gateways:
  - id: gw-1
    url: https://sms.example.com
    api_key: secret
`

func TestLoadMinimalAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}

	if cfg.Storage.Path != "/var/lib/smsblast/smsblast.db" {
		t.Errorf("unexpected storage path: %s", cfg.Storage.Path)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}
	if cfg.API.ListenAddr != ":8080" {
		t.Errorf("unexpected api addr: %s", cfg.API.ListenAddr)
	}
	if cfg.API.WriteTimeout != 10*time.Minute {
		t.Errorf("unexpected write timeout: %v", cfg.API.WriteTimeout)
	}
	if cfg.Rotation.GatewayStrategy != rotation.SmartAdaptive {
		t.Errorf("unexpected gateway strategy: %s", cfg.Rotation.GatewayStrategy)
	}
	if cfg.Rotation.RelayStrategy != rotation.RoundRobin {
		t.Errorf("unexpected relay strategy: %s", cfg.Rotation.RelayStrategy)
	}
	if cfg.Monitor.Buffer != 64 || cfg.Monitor.HeartbeatTimeout != 30*time.Second {
		t.Errorf("unexpected monitor defaults: %+v", cfg.Monitor)
	}
	if !strings.HasPrefix(cfg.Monitor.MQTT.ClientID, "smsblast-") {
		t.Errorf("unexpected mqtt client id: %s", cfg.Monitor.MQTT.ClientID)
	}
	if cfg.Metrics.ListenAddr != ":9090" || cfg.Metrics.Path != "/metrics" {
		t.Errorf("unexpected metrics defaults: %+v", cfg.Metrics)
	}
	if cfg.Server.Hostname == "" {
		t.Error("expected hostname default")
	}
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  hostname: blast-01
storage:
  path: /tmp/blast.db
  ratelimit_path: /tmp/rl.db
logging:
  level: debug
  format: text
api:
  listen_addr: ":9000"
engine:
  batch_size: 25
  max_retries: 5
  failure_ratio: 0.4
ratelimit:
  default:
    max_per_window: 30
    window: 1m
    delay_min: 2s
    delay_max: 6s
  carriers:
    acme:
      max_per_window: 10
      window: 30s
      delay_min: 1s
      delay_max: 3s
rotation:
  gateway_strategy: best_performance
gateways:
  - id: gw-1
    url: https://sms-a.example.com
    api_key: key-a
  - id: gw-2
    url: https://sms-b.example.com
    api_key: key-b
relays:
  - id: relay-1
    host: smtp.example.com
    port: 587
    from: blast@example.com
monitor:
  heartbeat_timeout: 15s
  mqtt:
    enabled: true
    broker: tcp://mq.example.com:1883
metrics:
  enabled: true
`))
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}

	if cfg.Server.Hostname != "blast-01" {
		t.Errorf("unexpected hostname: %s", cfg.Server.Hostname)
	}
	if cfg.Engine.BatchSize != 25 || cfg.Engine.MaxRetries != 5 {
		t.Errorf("unexpected engine config: %+v", cfg.Engine)
	}
	if cfg.RateLimit.Carriers["acme"].MaxPerWindow != 10 {
		t.Errorf("unexpected carrier limit: %+v", cfg.RateLimit.Carriers["acme"])
	}
	if cfg.Rotation.GatewayStrategy != rotation.BestPerformance {
		t.Errorf("unexpected strategy: %s", cfg.Rotation.GatewayStrategy)
	}
	if len(cfg.Gateways) != 2 || len(cfg.Relays) != 1 {
		t.Errorf("unexpected servers: %d gateways, %d relays", len(cfg.Gateways), len(cfg.Relays))
	}
	if !cfg.Monitor.MQTT.Enabled || cfg.Monitor.MQTT.Broker == "" {
		t.Errorf("unexpected mqtt config: %+v", cfg.Monitor.MQTT)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "gateways: [")); err == nil {
		t.Error("expected error for malformed yaml")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			"no servers",
			`logging: {level: info}`,
			"at least one gateway or relay",
		},
		{
			"bad log level",
			`logging: {level: verbose}` + minimalConfig,
			"invalid logging level",
		},
		{
			"gateway without url",
			"gateways:\n  - id: gw-1\n",
			"url is required",
		},
		{
			"relay without from",
			"relays:\n  - id: relay-1\n    host: smtp.example.com\n",
			"from address is required",
		},
		{
			"duplicate server id",
			"gateways:\n  - id: a\n    url: https://x\n  - id: a\n    url: https://y\n",
			"duplicate server id",
		},
		{
			"bad strategy",
			minimalConfig + "rotation:\n  gateway_strategy: psychic\n",
			"invalid gateway rotation strategy",
		},
		{
			"failure ratio out of range",
			minimalConfig + "engine:\n  failure_ratio: 1.5\n",
			"failure_ratio",
		},
		{
			"alpha out of range",
			minimalConfig + "health:\n  alpha: -0.1\n",
			"alpha",
		},
		{
			"delay_max below delay_min",
			minimalConfig + "ratelimit:\n  carriers:\n    acme:\n      delay_min: 5s\n      delay_max: 1s\n",
			"delay_max is below delay_min",
		},
		{
			"mqtt without broker",
			minimalConfig + "monitor:\n  mqtt:\n    enabled: true\n",
			"broker is empty",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}
