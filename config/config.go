// Package config loads epacketd's tunable knobs using koanf/v2: the
// buffer pool sizes, pipeline queue depths, the gateway's hold-window
// and rate-limit low-water margin, and the UDP interface's ACK/watchdog
// periods that spec.md leaves as "configured at configuration time".
// Grounded on dantte-lp-gobfd's internal/config package.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the complete epacketd configuration.
type Config struct {
	Log      LogConfig      `koanf:"log"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Pools    PoolsConfig    `koanf:"pools"`
	Pipeline PipelineConfig `koanf:"pipeline"`
	Gateway  GatewayConfig  `koanf:"gateway"`
	UDP      UDPConfig      `koanf:"udp"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// PoolsConfig sizes the TX, RX and codec-scratch buffer pools (spec.md
// 4.A: pool sizes are "configured at configuration time").
type PoolsConfig struct {
	TXCount      int `koanf:"tx_count"`
	TXCapacity   int `koanf:"tx_capacity"`
	RXCount      int `koanf:"rx_count"`
	RXCapacity   int `koanf:"rx_capacity"`
	ScratchCount int `koanf:"scratch_count"`
}

// PipelineConfig sizes the pipeline's internal FIFOs and watchdog-feed
// cadence (spec.md 4.D).
type PipelineConfig struct {
	RXQueueLen      int           `koanf:"rx_queue_len"`
	TXQueueLen      int           `koanf:"tx_queue_len"`
	HeaderReserve   int           `koanf:"header_reserve"`
	FooterReserve   int           `koanf:"footer_reserve"`
	WatchdogPeriod  time.Duration `koanf:"watchdog_period"`
	ForwardQueueLen int           `koanf:"forward_queue_len"`
}

// GatewayConfig holds the gateway handler's grouping and backpressure
// knobs (spec.md 4.F).
type GatewayConfig struct {
	HoldWindow     time.Duration `koanf:"hold_window"`
	LowWaterMargin int           `koanf:"low_water_margin"`
	RateLimitDelay uint16        `koanf:"rate_limit_delay_ms"`
}

// UDPConfig holds the UDP interface's periodic-ACK and downlink-
// watchdog contract (spec.md 6).
type UDPConfig struct {
	AckPeriod      time.Duration `koanf:"ack_period"`
	AckCountdown   int           `koanf:"ack_countdown"`
	WatchdogPeriod time.Duration `koanf:"watchdog_period"`
	MaxPacketSize  int           `koanf:"max_packet_size"`
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Pools: PoolsConfig{
			TXCount:      16,
			TXCapacity:   512,
			RXCount:      16,
			RXCapacity:   512,
			ScratchCount: 4,
		},
		Pipeline: PipelineConfig{
			RXQueueLen:      32,
			TXQueueLen:      32,
			HeaderReserve:   16,
			FooterReserve:   16,
			WatchdogPeriod:  30 * time.Second,
			ForwardQueueLen: 8,
		},
		Gateway: GatewayConfig{
			HoldWindow:     0,
			LowWaterMargin: 4,
			RateLimitDelay: 100,
		},
		UDP: UDPConfig{
			AckPeriod:      time.Minute,
			AckCountdown:   3,
			WatchdogPeriod: 10 * time.Minute,
			MaxPacketSize:  508,
		},
	}
}

// envPrefix is the environment variable prefix for epacketd configuration.
// Variables are named EPACKETD_<section>_<key>, e.g., EPACKETD_POOLS_TX_COUNT.
const envPrefix = "EPACKETD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (EPACKETD_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults. An empty path skips
// the file layer and returns defaults plus any env overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// loadDefaults marshals the default config into koanf as the base layer,
// mirroring dantte-lp-gobfd's internal/config loadDefaults.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"log.level":                    defaults.Log.Level,
		"log.format":                   defaults.Log.Format,
		"metrics.addr":                 defaults.Metrics.Addr,
		"metrics.path":                 defaults.Metrics.Path,
		"pools.tx_count":               defaults.Pools.TXCount,
		"pools.tx_capacity":            defaults.Pools.TXCapacity,
		"pools.rx_count":               defaults.Pools.RXCount,
		"pools.rx_capacity":            defaults.Pools.RXCapacity,
		"pools.scratch_count":          defaults.Pools.ScratchCount,
		"pipeline.rx_queue_len":        defaults.Pipeline.RXQueueLen,
		"pipeline.tx_queue_len":        defaults.Pipeline.TXQueueLen,
		"pipeline.header_reserve":      defaults.Pipeline.HeaderReserve,
		"pipeline.footer_reserve":      defaults.Pipeline.FooterReserve,
		"pipeline.watchdog_period":     defaults.Pipeline.WatchdogPeriod.String(),
		"pipeline.forward_queue_len":   defaults.Pipeline.ForwardQueueLen,
		"gateway.hold_window":          defaults.Gateway.HoldWindow.String(),
		"gateway.low_water_margin":     defaults.Gateway.LowWaterMargin,
		"gateway.rate_limit_delay_ms":  defaults.Gateway.RateLimitDelay,
		"udp.ack_period":               defaults.UDP.AckPeriod.String(),
		"udp.ack_countdown":            defaults.UDP.AckCountdown,
		"udp.watchdog_period":          defaults.UDP.WatchdogPeriod.String(),
		"udp.max_packet_size":          defaults.UDP.MaxPacketSize,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// envKeyMapper transforms EPACKETD_POOLS_TX_COUNT -> pools.tx_count.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	parts := strings.SplitN(s, "_", 2)
	if len(parts) != 2 {
		return s
	}
	return parts[0] + "." + parts[1]
}

// Validation errors.
var (
	ErrInvalidPoolCount     = errors.New("config: pool counts must be > 0")
	ErrInvalidPoolCapacity  = errors.New("config: pool capacities must be > 0")
	ErrInvalidQueueLen      = errors.New("config: pipeline queue lengths must be > 0")
	ErrInvalidWatchdog      = errors.New("config: pipeline watchdog_period must be > 0")
	ErrInvalidLowWater      = errors.New("config: gateway low_water_margin must be >= 0")
	ErrInvalidAckPeriod     = errors.New("config: udp ack_period must be > 0")
	ErrInvalidAckCountdown  = errors.New("config: udp ack_countdown must be >= 1")
	ErrInvalidMaxPacketSize = errors.New("config: udp max_packet_size must be > 0")
)

// Validate checks the configuration for logical errors, returning the
// first one encountered.
func Validate(cfg *Config) error {
	if cfg.Pools.TXCount <= 0 || cfg.Pools.RXCount <= 0 || cfg.Pools.ScratchCount <= 0 {
		return ErrInvalidPoolCount
	}
	if cfg.Pools.TXCapacity <= 0 || cfg.Pools.RXCapacity <= 0 {
		return ErrInvalidPoolCapacity
	}
	if cfg.Pipeline.RXQueueLen <= 0 || cfg.Pipeline.TXQueueLen <= 0 || cfg.Pipeline.ForwardQueueLen <= 0 {
		return ErrInvalidQueueLen
	}
	if cfg.Pipeline.WatchdogPeriod <= 0 {
		return ErrInvalidWatchdog
	}
	if cfg.Gateway.LowWaterMargin < 0 {
		return ErrInvalidLowWater
	}
	if cfg.UDP.AckPeriod <= 0 {
		return ErrInvalidAckPeriod
	}
	if cfg.UDP.AckCountdown < 1 {
		return ErrInvalidAckCountdown
	}
	if cfg.UDP.MaxPacketSize <= 0 {
		return ErrInvalidMaxPacketSize
	}
	return nil
}

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
