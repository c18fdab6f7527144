// Package config loads and validates the process configuration from YAML,
// covering server tuning, pipeline capacities, downstream delivery, and the
// endpoint/stream tables loaded at startup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/churnguard/eventcore/errors"
	"github.com/churnguard/eventcore/event"
	"github.com/churnguard/eventcore/gateway"
	"github.com/churnguard/eventcore/health"
	"github.com/churnguard/eventcore/pkg/retry"
	"github.com/churnguard/eventcore/sink"
	"github.com/churnguard/eventcore/worker"
)

// RateLimitConfig tunes the sliding window limiter.
type RateLimitConfig struct {
	Window       time.Duration `yaml:"window"`
	DefaultLimit int           `yaml:"default_limit"`
}

// DedupConfig tunes the duplicate detector.
type DedupConfig struct {
	Retention     time.Duration `yaml:"retention"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Config is the full process configuration.
type Config struct {
	Gateway            gateway.Config         `yaml:"gateway"`
	QueueCapacity      int                    `yaml:"queue_capacity"`
	Worker             worker.Config          `yaml:"worker"`
	Health             health.Config          `yaml:"health"`
	RateLimit          RateLimitConfig        `yaml:"rate_limit"`
	Dedup              DedupConfig            `yaml:"dedup"`
	Sink               sink.HTTPConfig        `yaml:"sink"`
	DeadLetterCapacity int                    `yaml:"dead_letter_capacity"`
	ShutdownTimeout    time.Duration          `yaml:"shutdown_timeout"`
	Endpoints          []event.EndpointConfig `yaml:"endpoints"`
	Streams            []event.StreamConfig   `yaml:"streams"`
}

// Default returns the configuration used when fields are unset.
func Default() *Config {
	return &Config{
		Gateway:       gateway.DefaultConfig(),
		QueueCapacity: 1000,
		Worker: worker.Config{
			Workers: 10,
			Retry:   retry.DefaultConfig(),
		},
		Health: health.DefaultConfig(),
		RateLimit: RateLimitConfig{
			Window:       time.Minute,
			DefaultLimit: 1000,
		},
		Dedup: DedupConfig{
			Retention:     time.Hour,
			SweepInterval: 10 * time.Minute,
		},
		DeadLetterCapacity: 1000,
		ShutdownTimeout:    30 * time.Second,
	}
}

// Load reads path and overlays it on the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapValidation(err, "Config", "Load", "read config file")
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapValidation(err, "Config", "Load", "parse yaml")
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	if c.Worker.Workers <= 0 {
		c.Worker.Workers = def.Worker.Workers
	}
	if c.Worker.Retry.MaxAttempts <= 0 {
		c.Worker.Retry = def.Worker.Retry
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = def.RateLimit.Window
	}
	if c.RateLimit.DefaultLimit <= 0 {
		c.RateLimit.DefaultLimit = def.RateLimit.DefaultLimit
	}
	if c.Dedup.Retention <= 0 {
		c.Dedup.Retention = def.Dedup.Retention
	}
	if c.Dedup.SweepInterval <= 0 {
		c.Dedup.SweepInterval = def.Dedup.SweepInterval
	}
	if c.DeadLetterCapacity <= 0 {
		c.DeadLetterCapacity = def.DeadLetterCapacity
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Sink.URL == "" {
		return errors.WrapValidation(errors.ErrInvalidConfig,
			"Config", "Validate", "sink.url is required")
	}
	if err := c.Sink.Validate(); err != nil {
		return err
	}
	for i := range c.Endpoints {
		if err := c.Endpoints[i].Validate(); err != nil {
			return errors.WrapValidation(err, "Config", "Validate",
				fmt.Sprintf("endpoint %d", i))
		}
	}
	for i := range c.Streams {
		if err := c.Streams[i].Validate(); err != nil {
			return errors.WrapValidation(err, "Config", "Validate",
				fmt.Sprintf("stream %d", i))
		}
	}
	return nil
}
