package channel

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-metrics"

	"chanrpc/codec"
)

const (
	// DefaultMaxAccept caps how many connections one accept wakeup admits.
	// High values favor high connection rates, low values favor the I/O of
	// already established connections.
	DefaultMaxAccept = 1024

	// DefaultMaxConcurrency is the admission ceiling for accepted
	// connections.
	DefaultMaxConcurrency = 50000

	// DefaultHeartbeatTick is the period of the two internal heartbeat
	// timers.
	DefaultHeartbeatTick = time.Second

	// DefaultKeepAliveInterval applies to outcome connections whose
	// HeartbeatPolicy does not set one.
	DefaultKeepAliveInterval = 30 * time.Second
)

// HeartbeatConfig arms liveness detection on the accepting side at
// construction time. The same parameters can be changed at runtime with
// EnableHeartbeat/DisableHeartbeat.
type HeartbeatConfig struct {
	Enabled         bool
	Interval        time.Duration
	MaxTimeoutCount int
}

// Config carries the channel's tunables. The zero value is usable: defaults
// are filled at construction.
type Config struct {
	// MaxAccept bounds the accept batch per wakeup.
	MaxAccept int

	// MaxConcurrency is the admission ceiling on income connections. The
	// accept loop stalls at the ceiling until an income connection closes.
	MaxConcurrency int

	// WireCodec selects the envelope encoding for outgoing frames. Inbound
	// frames are decoded with the codec named in their header.
	WireCodec codec.CodecType

	Heartbeat HeartbeatConfig

	// HeartbeatTick overrides the internal timer period; tests shrink it.
	HeartbeatTick time.Duration

	// LogHandler for structured logs; defaults to slog.Default().
	LogHandler slog.Handler

	// MetricSink and MetricLabels for channel telemetry; sink defaults to
	// metrics.Default().
	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxAccept <= 0 {
		cfg.MaxAccept = DefaultMaxAccept
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.HeartbeatTick <= 0 {
		cfg.HeartbeatTick = DefaultHeartbeatTick
	}
	return cfg
}

// fileConfig is the TOML key mapping for LoadConfig.
type fileConfig struct {
	MaxAccept      int    `toml:"max_accept"`
	MaxConcurrency int    `toml:"max_concurrency"`
	WireCodec      string `toml:"wire_codec"`

	Heartbeat struct {
		Enabled         bool   `toml:"enabled"`
		Interval        string `toml:"interval"`
		MaxTimeoutCount int    `toml:"max_timeout_count"`
	} `toml:"heartbeat"`
}

// LoadConfig overlays a TOML file onto the defaults. Keys absent from the
// file keep their default values.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}.withDefaults()

	var raw fileConfig
	md, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("channel: load config: %w", err)
	}

	if md.IsDefined("max_accept") {
		cfg.MaxAccept = raw.MaxAccept
	}
	if md.IsDefined("max_concurrency") {
		cfg.MaxConcurrency = raw.MaxConcurrency
	}
	if md.IsDefined("wire_codec") {
		switch strings.ToLower(strings.TrimSpace(raw.WireCodec)) {
		case "json":
			cfg.WireCodec = codec.CodecTypeJSON
		case "binary":
			cfg.WireCodec = codec.CodecTypeBinary
		default:
			return Config{}, fmt.Errorf("channel: unknown wire_codec %q", raw.WireCodec)
		}
	}
	if md.IsDefined("heartbeat", "enabled") {
		cfg.Heartbeat.Enabled = raw.Heartbeat.Enabled
	}
	if md.IsDefined("heartbeat", "interval") {
		interval, err := time.ParseDuration(raw.Heartbeat.Interval)
		if err != nil {
			return Config{}, fmt.Errorf("channel: heartbeat interval: %w", err)
		}
		cfg.Heartbeat.Interval = interval
	}
	if md.IsDefined("heartbeat", "max_timeout_count") {
		cfg.Heartbeat.MaxTimeoutCount = raw.Heartbeat.MaxTimeoutCount
	}

	return cfg, nil
}
