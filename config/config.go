// Package config loads the sharding runtime configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML accepts "30s" style values.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

type Config struct {
	// NumShards fixes the shard space. Changing it remaps entities to
	// different shards, so it must stay constant for a deployed cluster.
	NumShards uint32 `yaml:"num_shards"`
	// Seed perturbs the entity-to-shard hash, letting two clusters share a
	// backend without colliding.
	Seed string `yaml:"seed"`

	Passivation struct {
		// IdleTimeout stops entities idle this long. "0" keeps the default,
		// negative disables passivation.
		IdleTimeout Duration `yaml:"idle_timeout"`
	} `yaml:"passivation"`

	Handoff struct {
		// Timeout bounds draining before the coordinator force-frees a shard.
		Timeout Duration `yaml:"timeout"`
	} `yaml:"handoff"`

	Rebalance struct {
		Interval          Duration `yaml:"interval"`
		MaxShardsPerRound int      `yaml:"max_shards_per_round"`
		Threshold         int      `yaml:"threshold"`
	} `yaml:"rebalance"`

	Delivery struct {
		RetryBudget int `yaml:"retry_budget"`
		BufferLimit int `yaml:"buffer_limit"`
	} `yaml:"delivery"`

	NATS struct {
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`

	Journal struct {
		// Path of the bolt journal file. Empty selects the in-memory journal.
		Path string `yaml:"path"`
	} `yaml:"journal"`

	Remember struct {
		// Backend is one of "", "memory", "redis", "nats". Empty disables
		// remember-entities.
		Backend string `yaml:"backend"`
		Redis   struct {
			Addr      string `yaml:"addr"`
			Password  string `yaml:"password"`
			DB        int    `yaml:"db"`
			KeyPrefix string `yaml:"key_prefix"`
		} `yaml:"redis"`
		Bucket string `yaml:"bucket"`
	} `yaml:"remember"`
}

func Default() Config {
	var c Config
	c.NumShards = 64
	c.Passivation.IdleTimeout = Duration{2 * time.Minute}
	c.Handoff.Timeout = Duration{10 * time.Second}
	c.Rebalance.Interval = Duration{10 * time.Second}
	c.Rebalance.MaxShardsPerRound = 2
	c.Rebalance.Threshold = 1
	c.Delivery.RetryBudget = 3
	c.Delivery.BufferLimit = 1024
	c.NATS.SubjectPrefix = "shardr"
	c.Remember.Bucket = "shardr_remember"
	return c
}

// Load reads path into a Config on top of the defaults.
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

func (c Config) Validate() error {
	if c.NumShards == 0 {
		return fmt.Errorf("num_shards must be positive")
	}
	if c.Rebalance.MaxShardsPerRound < 0 {
		return fmt.Errorf("rebalance.max_shards_per_round must not be negative")
	}
	if c.Rebalance.Threshold < 1 {
		return fmt.Errorf("rebalance.threshold must be at least 1")
	}
	if c.Delivery.RetryBudget < 0 {
		return fmt.Errorf("delivery.retry_budget must not be negative")
	}
	if c.Delivery.BufferLimit < 1 {
		return fmt.Errorf("delivery.buffer_limit must be at least 1")
	}
	switch c.Remember.Backend {
	case "", "memory", "redis", "nats":
	default:
		return fmt.Errorf("remember.backend %q is not supported", c.Remember.Backend)
	}
	return nil
}
