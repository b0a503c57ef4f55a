// Package config loads client configuration files.
//
// Files are YAML (.yaml, .yml) or TOML (.toml). ${VAR} references are
// expanded from the environment before parsing, so secrets such as the
// broker token can stay out of the file:
//
//	broker:
//	  url: grpcs://broker.local:55555
//	  token: ${VSS_TOKEN}
//	  tls: {ca_file: /etc/vss/ca.pem}
//	call_timeout: 5s
//	reconnect: {initial: 500ms, max: 30s}
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/vehiclesignals/vss-go/pkg/client"
	"github.com/vehiclesignals/vss-go/pkg/connection"
	"github.com/vehiclesignals/vss-go/pkg/transport"
)

// Defaults.
const (
	DefaultBrokerURL   = "grpc://127.0.0.1:55555"
	DefaultCallTimeout = 10 * time.Second
	DefaultLogLevel    = "info"
)

// ErrUnknownFormat is returned for files that are neither YAML nor TOML.
var ErrUnknownFormat = errors.New("unknown config format")

// Duration is a time.Duration written as a string ("10s", "1m30s").
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText formats the duration as a string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the client configuration file.
type Config struct {
	Broker      BrokerConfig    `yaml:"broker" toml:"broker"`
	CallTimeout Duration        `yaml:"call_timeout" toml:"call_timeout"`
	Reconnect   ReconnectConfig `yaml:"reconnect" toml:"reconnect"`
	KeepAlive   KeepAliveConfig `yaml:"keepalive" toml:"keepalive"`
	Metrics     MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Log         LogConfig       `yaml:"log" toml:"log"`
}

// BrokerConfig locates the broker.
type BrokerConfig struct {
	URL   string    `yaml:"url" toml:"url"`
	Token string    `yaml:"token" toml:"token"`
	TLS   TLSConfig `yaml:"tls" toml:"tls"`
}

// TLSConfig holds TLS settings for tls, wss and grpcs endpoints.
type TLSConfig struct {
	CAFile             string `yaml:"ca_file" toml:"ca_file"`
	CertFile           string `yaml:"cert_file" toml:"cert_file"`
	KeyFile            string `yaml:"key_file" toml:"key_file"`
	ServerName         string `yaml:"server_name" toml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" toml:"insecure_skip_verify"`
}

// ReconnectConfig holds backoff settings.
type ReconnectConfig struct {
	Initial    Duration `yaml:"initial" toml:"initial"`
	Max        Duration `yaml:"max" toml:"max"`
	Multiplier float64  `yaml:"multiplier" toml:"multiplier"`

	// Jitter is the random fraction added to each delay. Negative
	// disables jitter.
	Jitter float64 `yaml:"jitter" toml:"jitter"`
}

// KeepAliveConfig holds keep-alive settings of framed channels.
type KeepAliveConfig struct {
	Disabled  bool     `yaml:"disabled" toml:"disabled"`
	Interval  Duration `yaml:"interval" toml:"interval"`
	Timeout   Duration `yaml:"timeout" toml:"timeout"`
	MaxMissed int      `yaml:"max_missed" toml:"max_missed"`
}

// MetricsConfig configures the Prometheus endpoint of the CLI.
type MetricsConfig struct {
	Listen string `yaml:"listen" toml:"listen"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level        string `yaml:"level" toml:"level"`
	ProtocolFile string `yaml:"protocol_file" toml:"protocol_file"`
}

// Load reads a config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data, formatOf(path))
}

// Format is a config file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

func formatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".toml":
		return FormatTOML
	}
	return Format(strings.TrimPrefix(filepath.Ext(path), "."))
}

// Parse decodes config data in the given format.
func Parse(data []byte, format Format) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config yaml: %w", err)
		}
	case FormatTOML:
		md, err := toml.Decode(expanded, &cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("parse config toml: unknown key %s", undecoded[0])
		}
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownFormat, format)
	}
	return &cfg, nil
}

// LoadWithDefaults loads config and applies default values.
func LoadWithDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// LoadAndValidate loads config, applies defaults, and validates.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Broker.URL == "" {
		c.Broker.URL = DefaultBrokerURL
	}
	if c.CallTimeout.Duration == 0 {
		c.CallTimeout.Duration = DefaultCallTimeout
	}
	if c.Reconnect.Initial.Duration == 0 {
		c.Reconnect.Initial.Duration = connection.InitialBackoff
	}
	if c.Reconnect.Max.Duration == 0 {
		c.Reconnect.Max.Duration = connection.MaxBackoff
	}
	if c.Reconnect.Multiplier == 0 {
		c.Reconnect.Multiplier = connection.BackoffMultiplier
	}
	if c.Reconnect.Jitter == 0 {
		c.Reconnect.Jitter = connection.JitterFactor
	}
	if c.KeepAlive.Interval.Duration == 0 {
		c.KeepAlive.Interval.Duration = transport.DefaultPingInterval
	}
	if c.KeepAlive.Timeout.Duration == 0 {
		c.KeepAlive.Timeout.Duration = transport.DefaultPongTimeout
	}
	if c.KeepAlive.MaxMissed == 0 {
		c.KeepAlive.MaxMissed = transport.DefaultMaxMissedPongs
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Endpoint(); err != nil {
		errs = append(errs, fmt.Errorf("broker.url: %w", err))
	}
	if c.CallTimeout.Duration < 0 {
		errs = append(errs, errors.New("call_timeout must not be negative"))
	}
	if c.Reconnect.Max.Duration < c.Reconnect.Initial.Duration {
		errs = append(errs, errors.New("reconnect.max must not be below reconnect.initial"))
	}
	if c.Reconnect.Multiplier < 1 {
		errs = append(errs, errors.New("reconnect.multiplier must be at least 1"))
	}
	if c.Reconnect.Jitter > 1 {
		errs = append(errs, errors.New("reconnect.jitter must not exceed 1"))
	}
	if (c.Broker.TLS.CertFile == "") != (c.Broker.TLS.KeyFile == "") {
		errs = append(errs, errors.New("broker.tls: cert_file and key_file must be set together"))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// Endpoint returns the broker endpoint with token and TLS settings.
func (c *Config) Endpoint() (transport.Endpoint, error) {
	ep, err := transport.ParseEndpoint(c.Broker.URL)
	if err != nil {
		return transport.Endpoint{}, err
	}
	if c.Broker.Token != "" {
		ep = ep.WithToken(c.Broker.Token)
	}
	t := c.Broker.TLS
	if t != (TLSConfig{}) {
		ep = ep.WithTLS(transport.TLSOptions{
			CAFile:             t.CAFile,
			CertFile:           t.CertFile,
			KeyFile:            t.KeyFile,
			ServerName:         t.ServerName,
			InsecureSkipVerify: t.InsecureSkipVerify,
		})
	}
	return ep, nil
}

// LogLevel returns the parsed log level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, err
	}
	return level, nil
}

// ClientConfig converts the file into a client configuration. Logger,
// registerer and protocol logger are left for the caller.
func (c *Config) ClientConfig() (client.Config, error) {
	ep, err := c.Endpoint()
	if err != nil {
		return client.Config{}, err
	}
	ka := transport.KeepAliveConfig{
		Disabled:       c.KeepAlive.Disabled,
		PingInterval:   c.KeepAlive.Interval.Duration,
		PongTimeout:    c.KeepAlive.Timeout.Duration,
		MaxMissedPongs: c.KeepAlive.MaxMissed,
	}
	return client.Config{
		Endpoint:    ep,
		CallTimeout: c.CallTimeout.Duration,
		Dial: transport.DialOptions{
			Framed: transport.FramedOptions{KeepAlive: ka},
		},
		Backoff: connection.BackoffConfig{
			Initial:    c.Reconnect.Initial.Duration,
			Max:        c.Reconnect.Max.Duration,
			Multiplier: c.Reconnect.Multiplier,
			Jitter:     c.Reconnect.Jitter,
		},
	}, nil
}
