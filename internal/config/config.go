// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads the executor configuration from flag defaults, an
// optional YAML file, and explicitly set flags, in that order of precedence.
package config

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/holomush/pluginexec/internal/endowment"
	"github.com/holomush/pluginexec/internal/xdg"
)

// Default values.
const (
	DefaultLogFormat          = "json"
	DefaultLogLevel           = "info"
	DefaultDialAttempts       = 5
	DefaultDialBackoff        = 100 * time.Millisecond
	DefaultMaxResponseBytes   = 64 << 20
	DefaultNotificationBuffer = 256
	DefaultMaxCallStack       = 1024
)

// Config is the effective executor configuration.
type Config struct {
	Log           LogConfig           `koanf:"log" yaml:"log"`
	Command       StreamConfig        `koanf:"command" yaml:"command"`
	RPC           RPCConfig           `koanf:"rpc" yaml:"rpc"`
	Metrics       MetricsConfig       `koanf:"metrics" yaml:"metrics"`
	Limits        LimitsConfig        `koanf:"limits" yaml:"limits"`
	Notifications NotificationsConfig `koanf:"notifications" yaml:"notifications"`
	Timers        TimersConfig        `koanf:"timers" yaml:"timers"`
	Fetch         FetchConfig         `koanf:"fetch" yaml:"fetch"`

	// raw holds the merged keys as loaded, for printing.
	raw map[string]any
}

// LogConfig selects the log handler.
type LogConfig struct {
	Format string `koanf:"format" yaml:"format"`
	Level  string `koanf:"level" yaml:"level"`
}

// StreamConfig locates the command stream. An empty address means
// stdin/stdout.
type StreamConfig struct {
	Address string `koanf:"address" yaml:"address"`
}

// RPCConfig locates the rpc stream. An empty address leaves plugins without
// an rpc stream: every snap.request and ethereum.request fails.
type RPCConfig struct {
	Address      string        `koanf:"address" yaml:"address"`
	DialAttempts uint64        `koanf:"dial_attempts" yaml:"dial_attempts"`
	DialBackoff  time.Duration `koanf:"dial_backoff" yaml:"dial_backoff"`
}

// MetricsConfig enables the metrics and health server when Address is set.
type MetricsConfig struct {
	Address string `koanf:"address" yaml:"address"`
}

// LimitsConfig bounds responses and plugin recursion.
type LimitsConfig struct {
	MaxResponseBytes int `koanf:"max_response_bytes" yaml:"max_response_bytes"`
	MaxCallStack     int `koanf:"max_call_stack" yaml:"max_call_stack"`
}

// NotificationsConfig sizes the notification queue.
type NotificationsConfig struct {
	Buffer int `koanf:"buffer" yaml:"buffer"`
}

// TimersConfig floors timer delays.
type TimersConfig struct {
	Minimum time.Duration `koanf:"minimum" yaml:"minimum"`
}

// FetchConfig restricts the network endowment.
type FetchConfig struct {
	AllowedHosts      []string `koanf:"allowed_hosts" yaml:"allowed_hosts"`
	BlockPrivate      bool     `koanf:"block_private" yaml:"block_private"`
	RequestsPerSecond float64  `koanf:"requests_per_second" yaml:"requests_per_second"`
	Burst             int      `koanf:"burst" yaml:"burst"`
	MaxBodyBytes      int64    `koanf:"max_body_bytes" yaml:"max_body_bytes"`
}

// flagKeys maps each flag to the configuration key it sets.
var flagKeys = map[string]string{
	"log-format":                "log.format",
	"log-level":                 "log.level",
	"command-addr":              "command.address",
	"rpc-addr":                  "rpc.address",
	"rpc-dial-attempts":         "rpc.dial_attempts",
	"rpc-dial-backoff":          "rpc.dial_backoff",
	"metrics-addr":              "metrics.address",
	"max-response-bytes":        "limits.max_response_bytes",
	"max-call-stack":            "limits.max_call_stack",
	"notification-buffer":       "notifications.buffer",
	"timer-minimum":             "timers.minimum",
	"fetch-allowed-hosts":       "fetch.allowed_hosts",
	"fetch-block-private":       "fetch.block_private",
	"fetch-requests-per-second": "fetch.requests_per_second",
	"fetch-burst":               "fetch.burst",
	"fetch-max-body-bytes":      "fetch.max_body_bytes",
}

// RegisterFlags defines every configuration flag on fs with its default.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("log-format", DefaultLogFormat, "log format (json or text)")
	fs.String("log-level", DefaultLogLevel, "log level (debug, info, warn, error)")
	fs.String("command-addr", "", "command stream address, unix:/path or host:port (default: stdin/stdout)")
	fs.String("rpc-addr", "", "rpc stream address, unix:/path or host:port (empty = no rpc stream)")
	fs.Uint64("rpc-dial-attempts", DefaultDialAttempts, "attempts when dialing stream sockets")
	fs.Duration("rpc-dial-backoff", DefaultDialBackoff, "first retry delay when dialing stream sockets")
	fs.String("metrics-addr", "", "metrics/health HTTP address (empty = disabled)")
	fs.Int("max-response-bytes", DefaultMaxResponseBytes, "largest encoded response sent on the command stream")
	fs.Int("max-call-stack", DefaultMaxCallStack, "plugin call stack depth limit")
	fs.Int("notification-buffer", DefaultNotificationBuffer, "notifications queued before new ones are dropped")
	fs.Duration("timer-minimum", endowment.MinimumTimeout, "floor applied to plugin timer delays")
	fs.StringSlice("fetch-allowed-hosts", nil, "host globs fetch may reach (empty = any host)")
	fs.Bool("fetch-block-private", false, "refuse fetch to loopback and private addresses")
	fs.Float64("fetch-requests-per-second", 0, "per-plugin fetch rate limit (0 = unlimited)")
	fs.Int("fetch-burst", 1, "per-plugin fetch burst when rate limited")
	fs.Int64("fetch-max-body-bytes", endowment.DefaultMaxBodyBytes, "largest fetch response body")
}

// Load builds the configuration. path names a YAML file that must exist;
// when empty, the XDG config file is used if present. fs must carry the
// flags defined by RegisterFlags.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		if def, err := xdg.ConfigFile(); err == nil {
			if _, statErr := os.Stat(def); statErr == nil {
				path = def
			} else if !errors.Is(statErr, fs.ErrNotExist) {
				return nil, oops.In("config").With("path", def).Wrap(statErr)
			}
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.In("config").With("path", path).Hint("reading config file").Wrap(err)
		}
	}

	provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
		key, ok := flagKeys[f.Name]
		if !ok {
			return "", nil
		}
		return key, posflag.FlagVal(flags, f)
	})
	if err := k.Load(provider, nil); err != nil {
		return nil, oops.In("config").Hint("reading flags").Wrap(err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, oops.In("config").Hint("decoding configuration").Wrap(err)
	}
	cfg.raw = k.Raw()
	return &cfg, nil
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	var v any = c
	if c.raw != nil {
		v = c.raw
	}
	out, err := yamlv3.Marshal(v)
	if err != nil {
		return nil, oops.In("config").Hint("rendering configuration").Wrap(err)
	}
	return out, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return oops.In("config").Errorf("log.format must be 'json' or 'text', got %q", c.Log.Format)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return oops.In("config").Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	if c.RPC.DialAttempts == 0 {
		return oops.In("config").Errorf("rpc.dial_attempts must be at least 1")
	}
	if c.Limits.MaxResponseBytes <= 0 {
		return oops.In("config").Errorf("limits.max_response_bytes must be positive, got %d", c.Limits.MaxResponseBytes)
	}
	if c.Limits.MaxCallStack < 0 {
		return oops.In("config").Errorf("limits.max_call_stack must not be negative, got %d", c.Limits.MaxCallStack)
	}
	if c.Notifications.Buffer <= 0 {
		return oops.In("config").Errorf("notifications.buffer must be positive, got %d", c.Notifications.Buffer)
	}
	if c.Timers.Minimum < 0 {
		return oops.In("config").Errorf("timers.minimum must not be negative, got %s", c.Timers.Minimum)
	}
	if c.Fetch.RequestsPerSecond < 0 {
		return oops.In("config").Errorf("fetch.requests_per_second must not be negative")
	}
	if c.Fetch.RequestsPerSecond > 0 && c.Fetch.Burst < 1 {
		return oops.In("config").Errorf("fetch.burst must be at least 1 when fetch is rate limited")
	}
	if _, err := endowment.NewEgressPolicy(c.Fetch.AllowedHosts); err != nil {
		return oops.In("config").Hint("fetch.allowed_hosts").Wrap(err)
	}
	return nil
}

// Endowments returns the built-in endowment configuration.
func (c *Config) Endowments() (endowment.Config, error) {
	var opts []endowment.EgressOption
	if c.Fetch.BlockPrivate {
		opts = append(opts, endowment.WithBlockPrivate())
	}
	policy, err := endowment.NewEgressPolicy(c.Fetch.AllowedHosts, opts...)
	if err != nil {
		return endowment.Config{}, oops.In("config").Hint("fetch.allowed_hosts").Wrap(err)
	}
	return endowment.Config{
		MinimumTimeout: c.Timers.Minimum,
		Network: endowment.NetworkConfig{
			Egress:            policy,
			RequestsPerSecond: c.Fetch.RequestsPerSecond,
			Burst:             c.Fetch.Burst,
			MaxBodyBytes:      c.Fetch.MaxBodyBytes,
		},
	}, nil
}
