// Package mtftpd holds the daemon-level configuration for cmd/mtftp-server:
// YAML-backed structs with a DefaultConfig() constructor, so the daemon
// runs with sane defaults when no config file is present.
package mtftpd

import (
	"time"

	"github.com/aetherflow/mtftp/internal/mtftp"
)

// Config is the top-level daemon configuration.
type Config struct {
	Protocol ProtocolConfig `yaml:"Protocol"`
	Listen   ListenConfig   `yaml:"Listen"`
	Files    []FileConfig   `yaml:"Files"`
	Log      LogConfig      `yaml:"Log"`
	Metrics  MetricsConfig  `yaml:"Metrics"`
	Tracing  TracingConfig  `yaml:"Tracing"`
	Admin    AdminConfig    `yaml:"Admin"`
	Live     LiveConfig     `yaml:"Live"`
	Registry RegistryConfig `yaml:"Registry"`
}

// ProtocolConfig maps to mtftp.Config's compile/init-time constants.
type ProtocolConfig struct {
	BlockLen        uint16 `yaml:"BlockLen"`
	WindowMax       uint16 `yaml:"WindowMax"`
	BufferBlocks    uint16 `yaml:"BufferBlocks"`
	RTXMax          uint16 `yaml:"RTXMax"`
	TimeoutMillis   int64  `yaml:"TimeoutMillis"`
	TickIntervalMs  int64  `yaml:"TickIntervalMs"`
	RingBufferDepth int    `yaml:"RingBufferDepth"`
}

// ToMTFTPConfig converts the YAML-facing shape into mtftp.Config.
func (p ProtocolConfig) ToMTFTPConfig() mtftp.Config {
	return mtftp.Config{
		BlockLen:      p.BlockLen,
		WindowMax:     p.WindowMax,
		BufferBlocks:  p.BufferBlocks,
		RTXMax:        p.RTXMax,
		TimeoutMicros: p.TimeoutMillis * 1000,
	}
}

// TickInterval is the Go duration the driver loop sleeps between tick()
// calls; it should be called frequently, on the order of milliseconds.
func (p ProtocolConfig) TickInterval() time.Duration {
	return time.Duration(p.TickIntervalMs) * time.Millisecond
}

// ListenConfig configures the UDP socket.
type ListenConfig struct {
	Addr string `yaml:"Addr"`
}

// FileConfig registers one file_index the server may serve.
type FileConfig struct {
	Index uint16 `yaml:"Index"`
	Path  string `yaml:"Path"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level string `yaml:"Level"` // debug, info, warn, error
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	Enable bool   `yaml:"Enable"`
	Addr   string `yaml:"Addr"`
	Path   string `yaml:"Path"`
}

// TracingConfig mirrors internal/mtftpd/tracing.Config for YAML loading.
type TracingConfig struct {
	Enable       bool    `yaml:"Enable"`
	ServiceName  string  `yaml:"ServiceName"`
	Endpoint     string  `yaml:"Endpoint"`
	Exporter     string  `yaml:"Exporter"`
	SampleRate   float64 `yaml:"SampleRate"`
	Environment  string  `yaml:"Environment"`
	BatchTimeout int     `yaml:"BatchTimeout"`
	MaxQueueSize int     `yaml:"MaxQueueSize"`
}

// AdminConfig controls the admin HTTP API.
type AdminConfig struct {
	Enable      bool   `yaml:"Enable"`
	Host        string `yaml:"Host"`
	Port        int    `yaml:"Port"`
	JWTRequired bool   `yaml:"JWTRequired"`
	JWTSecret   string `yaml:"JWTSecret"`
	JWTIssuer   string `yaml:"JWTIssuer"`
	// AbortRateLimit and AbortRateBurst cap requests/sec and burst size
	// on the mutating abort route; 0 leaves admin.New's own default (5/s).
	AbortRateLimit int `yaml:"AbortRateLimit"`
	AbortRateBurst int `yaml:"AbortRateBurst"`
}

// LiveConfig controls the WebSocket progress dashboard.
type LiveConfig struct {
	Enable bool   `yaml:"Enable"`
	Addr   string `yaml:"Addr"`
	Path   string `yaml:"Path"`
}

// RegistryConfig controls optional etcd fleet registration.
type RegistryConfig struct {
	Enable       bool     `yaml:"Enable"`
	Endpoints    []string `yaml:"Endpoints"`
	DialTimeout  int      `yaml:"DialTimeoutSeconds"`
	ServiceName  string   `yaml:"ServiceName"`
	AdvertiseTTL int64    `yaml:"AdvertiseTTLSeconds"`
}

// DefaultConfig returns a usable LAN/loopback configuration with a
// production-sized block length; smaller block lengths are useful for
// exposition and tests but not for a deployed daemon.
func DefaultConfig() *Config {
	return &Config{
		Protocol: ProtocolConfig{
			BlockLen:        512,
			WindowMax:       16,
			BufferBlocks:    16,
			RTXMax:          62,
			TimeoutMillis:   2000,
			TickIntervalMs:  5,
			RingBufferDepth: 256,
		},
		Listen: ListenConfig{Addr: "0.0.0.0:6969"},
		Log:    LogConfig{Level: "info"},
		Metrics: MetricsConfig{
			Enable: true,
			Addr:   "0.0.0.0:9101",
			Path:   "/metrics",
		},
		Tracing: TracingConfig{
			Enable:       false,
			ServiceName:  "mtftp-server",
			Endpoint:     "http://localhost:14268/api/traces",
			Exporter:     "jaeger",
			SampleRate:   1.0,
			Environment:  "development",
			BatchTimeout: 5,
			MaxQueueSize: 2048,
		},
		Admin: AdminConfig{
			Enable:         true,
			Host:           "0.0.0.0",
			Port:           8080,
			JWTRequired:    false,
			JWTIssuer:      "mtftp-server",
			AbortRateLimit: 5,
			AbortRateBurst: 5,
		},
		Live: LiveConfig{
			Enable: true,
			Addr:   "0.0.0.0:8081",
			Path:   "/live",
		},
		Registry: RegistryConfig{
			Enable:       false,
			DialTimeout:  5,
			ServiceName:  "mtftp-server",
			AdvertiseTTL: 10,
		},
	}
}
