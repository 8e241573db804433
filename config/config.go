// Package config loads and validates the fiberstream daemon configuration
// from YAML, with environment overrides for deployment-sensitive values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fibersight/fiberstream/client"
	"github.com/fibersight/fiberstream/errors"
	"github.com/fibersight/fiberstream/fanout"
	"github.com/fibersight/fiberstream/pkg/backoff"
	"github.com/fibersight/fiberstream/transport"
)

// Environment variables recognized at load time. The bearer token never
// lives in the config file.
const (
	EnvToken   = "FIBERSTREAM_TOKEN"
	EnvURL     = "FIBERSTREAM_URL"
	EnvNATSURL = "FIBERSTREAM_NATS_URL"
)

// Duration decodes YAML strings like "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%w: invalid duration %q", errors.ErrInvalidConfig, s)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// HTTPConfig holds the management surface settings.
type HTTPConfig struct {
	// Addr is the listen address for the health and metrics endpoints.
	// Empty disables the server.
	Addr string `yaml:"addr"`
}

// StreamConfig is the file schema for the stream connection.
type StreamConfig struct {
	URL          string   `yaml:"url"`
	Transport    string   `yaml:"transport"`
	Heartbeat    Duration `yaml:"heartbeat"`
	PollInterval Duration `yaml:"poll_interval"`
	MaxRetries   int      `yaml:"max_retries"`
	TokenInQuery bool     `yaml:"token_in_query"`

	BackoffInitial Duration `yaml:"backoff_initial"`
	BackoffMax     Duration `yaml:"backoff_max"`
	BackoffFactor  float64  `yaml:"backoff_factor"`
}

// ClientConfig is the file schema for the pipeline settings.
type ClientConfig struct {
	Stream         StreamConfig `yaml:"stream"`
	CommandTimeout Duration     `yaml:"command_timeout"`
	AlertCapacity  int          `yaml:"alert_capacity"`
	SweepInterval  Duration     `yaml:"sweep_interval"`
}

// Config is the daemon configuration.
type Config struct {
	Client ClientConfig  `yaml:"client"`
	Fanout fanout.Config `yaml:"fanout"`
	HTTP   HTTPConfig    `yaml:"http"`

	// Token is resolved from FIBERSTREAM_TOKEN, never from the file.
	Token string `yaml:"-"`
}

// Default returns the daemon defaults.
func Default() *Config {
	return &Config{
		Fanout: fanout.DefaultConfig(),
		HTTP:   HTTPConfig{Addr: ":8080"},
	}
}

// Load reads the configuration file, applies environment overrides and
// validates the result. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "Config", "Load", "read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "Config", "Load", "parse config file")
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvURL); v != "" {
		c.Client.Stream.URL = v
	}
	if v := os.Getenv(EnvNATSURL); v != "" {
		c.Fanout.URL = v
	}
	c.Token = os.Getenv(EnvToken)
}

// Validate checks the configuration by building the runtime config.
func (c *Config) Validate() error {
	return c.ClientConfig().Transport.Validate()
}

// ClientConfig builds the runtime pipeline configuration, filling defaults
// for everything the file left unset.
func (c *Config) ClientConfig() client.Config {
	out := client.DefaultConfig()
	s := c.Client.Stream

	out.Transport.URL = s.URL
	if s.Transport != "" {
		out.Transport.Transport = transport.Kind(s.Transport)
	}
	if s.Heartbeat > 0 {
		out.Transport.Heartbeat = s.Heartbeat.Std()
	}
	if s.PollInterval > 0 {
		out.Transport.PollInterval = s.PollInterval.Std()
	}
	if s.MaxRetries > 0 {
		out.Transport.MaxRetries = s.MaxRetries
	}
	out.Transport.TokenInQuery = s.TokenInQuery

	policy := backoff.DefaultPolicy()
	if s.BackoffInitial > 0 {
		policy.Initial = s.BackoffInitial.Std()
	}
	if s.BackoffMax > 0 {
		policy.Max = s.BackoffMax.Std()
	}
	if s.BackoffFactor > 1 {
		policy.Factor = s.BackoffFactor
	}
	out.Transport.Backoff = policy

	if c.Client.CommandTimeout > 0 {
		out.CommandTimeout = c.Client.CommandTimeout.Std()
	}
	if c.Client.AlertCapacity > 0 {
		out.AlertCapacity = c.Client.AlertCapacity
	}
	if c.Client.SweepInterval > 0 {
		out.SweepInterval = c.Client.SweepInterval.Std()
	}
	return out
}
