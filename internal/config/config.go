// Package config holds runtime configuration for the pakbusd daemon,
// loaded with viper the way go-server-3/internal/config does: SetDefault
// per tunable, optional config file, environment override prefix.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the PakBus link engine.
type Config struct {
	Node    NodeConfig    `mapstructure:"node"`
	Link    LinkConfig    `mapstructure:"link"`
	Port    PortConfig    `mapstructure:"port"`
	WS      WSConfig      `mapstructure:"ws"`
	Router  RouterConfig  `mapstructure:"router"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// NodeConfig identifies this PakBus node on the network.
type NodeConfig struct {
	Address       uint16 `mapstructure:"address"`
	NetworkID     string `mapstructure:"network_id"`
	EncryptionKey string `mapstructure:"encryption_key"`
}

// LinkConfig carries the per-neighbor Link state machine's tunables
// (spec.md §6's "Configuration parameters (core)" table).
type LinkConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	RingRetryMax     int           `mapstructure:"ring_retry_max"`
	RingRetryMin     time.Duration `mapstructure:"ring_retry_min"`
	RingRetryMaxWait time.Duration `mapstructure:"ring_retry_max_interval"`
	FinishedDelay    time.Duration `mapstructure:"finished_delay"`
}

// PortConfig carries the serial PortBase's tunables.
type PortConfig struct {
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
	ClosePortDelay      time.Duration `mapstructure:"close_port_delay"`
	SendDelay           time.Duration `mapstructure:"send_delay"`
	MaxBodyLen          int           `mapstructure:"max_body_len"`
	BeaconInterval      time.Duration `mapstructure:"beacon_interval"`
}

// WSConfig carries WebsockPort-specific tunables: the datalogger
// endpoint to dial and the reconnect schedule to follow when the
// connection drops (spec.md §4.7).
type WSConfig struct {
	URL             string        `mapstructure:"url"`
	BeaconInterval  time.Duration `mapstructure:"beacon_interval"`
	ReconnectDelay  time.Duration `mapstructure:"reconnect_delay"`
	ReconnectBudget int           `mapstructure:"reconnect_budget"`
}

// RouterConfig selects and configures the Router backend.
type RouterConfig struct {
	Backend string `mapstructure:"backend"` // "mem" or "nats"
	NatsURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
}

// MetricsConfig controls the Prometheus/host-metrics endpoints.
type MetricsConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	ListenAddr         string        `mapstructure:"listen_addr"`
	Endpoint           string        `mapstructure:"endpoint"`
	ServiceName        string        `mapstructure:"service_name"`
	HostSampleInterval time.Duration `mapstructure:"host_sample_interval"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads configuration from an optional pakbus.yaml plus PAKBUS_*
// environment variables, defaulting every tunable to the values in
// spec.md §6's parameter table.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("node.address", 1)
	v.SetDefault("node.network_id", "default")
	v.SetDefault("node.encryption_key", "")

	v.SetDefault("link.timeout", 40*time.Second)
	v.SetDefault("link.ring_retry_max", 4)
	v.SetDefault("link.ring_retry_min", 600*time.Millisecond)
	v.SetDefault("link.ring_retry_max_interval", 10*time.Second)
	v.SetDefault("link.finished_delay", 1*time.Second)

	v.SetDefault("port.maintenance_interval", 1*time.Second)
	v.SetDefault("port.close_port_delay", 250*time.Millisecond)
	v.SetDefault("port.send_delay", 5*time.Millisecond)
	v.SetDefault("port.max_body_len", 1000)
	v.SetDefault("port.beacon_interval", 60*time.Second)

	v.SetDefault("ws.url", "ws://localhost:8221/pakbus")
	v.SetDefault("ws.beacon_interval", 60*time.Second)
	v.SetDefault("ws.reconnect_delay", 10*time.Second)
	v.SetDefault("ws.reconnect_budget", 6)

	v.SetDefault("router.backend", "mem")
	v.SetDefault("router.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("router.subject", "pakbus.messages")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9095")
	v.SetDefault("metrics.endpoint", "/metrics")
	v.SetDefault("metrics.service_name", "pakbusd")
	v.SetDefault("metrics.host_sample_interval", 15*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetConfigName("pakbus")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("PAKBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if cfg.Link.RingRetryMax <= 0 {
		cfg.Link.RingRetryMax = 4
	}
	if cfg.Port.MaxBodyLen <= 0 || cfg.Port.MaxBodyLen > 1000 {
		cfg.Port.MaxBodyLen = 1000
	}

	return cfg, nil
}
