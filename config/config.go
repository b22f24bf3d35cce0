// Package config loads the settings of the rpcserver command from YAML.
package config

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"gopkg.in/yaml.v3"

	"rpcore/codec"
)

// Config is the top-level configuration file.
type Config struct {
	// ListenAddr is where the RPC service accepts connections.
	ListenAddr string `yaml:"listen-addr"`
	// AdvertiseAddr is the address published in the registry; empty means
	// the bound listen address.
	AdvertiseAddr string `yaml:"advertise-addr,omitempty"`
	// MetricsAddr serves /metrics over HTTP; empty disables it.
	MetricsAddr string `yaml:"metrics-addr,omitempty"`
	// LogLevel is a loggo specification such as "<root>=INFO;rpcore.server=DEBUG".
	LogLevel string `yaml:"log-level,omitempty"`

	Workers      int           `yaml:"workers,omitempty"`
	WriteTimeout time.Duration `yaml:"write-timeout,omitempty"`

	// Strategy names the wire format: framed, varint or lines.
	Strategy string `yaml:"strategy,omitempty"`
	// Codec is the payload codec of the framed and varint strategies.
	Codec string `yaml:"codec,omitempty"`

	Middleware Middleware `yaml:"middleware,omitempty"`
	Registry   Registry   `yaml:"registry,omitempty"`
}

type Middleware struct {
	Timeout   time.Duration `yaml:"timeout,omitempty"`
	RateLimit float64       `yaml:"rate-limit,omitempty"`
	RateBurst int           `yaml:"rate-burst,omitempty"`
}

type Registry struct {
	Endpoints   []string      `yaml:"endpoints,omitempty"`
	Prefix      string        `yaml:"prefix,omitempty"`
	DialTimeout time.Duration `yaml:"dial-timeout,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		ListenAddr: "127.0.0.1:8972",
		LogLevel:   "<root>=INFO",
		Strategy:   "framed",
		Codec:      "json",
		Registry: Registry{
			DialTimeout: 5 * time.Second,
		},
	}
}

// Load reads path on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Trace(err)
	}
	if err := Parse(data, &cfg); err != nil {
		return Config{}, errors.Annotatef(err, "config %s", path)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping fields the document leaves out.
// Unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return errors.Trace(err)
	}
	return errors.Trace(cfg.Validate())
}

// Validate checks the settings for consistency.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.NotValidf("empty listen-addr")
	}
	if c.Workers < 0 {
		return errors.NotValidf("workers %d", c.Workers)
	}
	if c.WriteTimeout < 0 {
		return errors.NotValidf("negative write-timeout")
	}
	switch c.Strategy {
	case "framed", "varint", "lines":
	default:
		return errors.NotValidf("strategy %q", c.Strategy)
	}
	if _, err := codec.ParseCodecType(c.Codec); err != nil {
		return errors.Trace(err)
	}
	if c.Middleware.Timeout < 0 {
		return errors.NotValidf("negative middleware timeout")
	}
	if c.Middleware.RateLimit < 0 || c.Middleware.RateBurst < 0 {
		return errors.NotValidf("negative rate limit")
	}
	if c.Middleware.RateLimit > 0 && c.Middleware.RateBurst == 0 {
		return errors.NotValidf("rate-limit without rate-burst")
	}
	if _, err := loggo.ParseConfigString(c.LogLevel); err != nil {
		return errors.Annotate(err, "log-level")
	}
	return nil
}

// ConfigureLogging applies LogLevel to the loggo loggers.
func (c Config) ConfigureLogging() error {
	if c.LogLevel == "" {
		return nil
	}
	return errors.Trace(loggo.ConfigureLoggers(c.LogLevel))
}
