// Package config holds the two process-wide, YAML-backed values spec.md
// §6 names as external configuration: the default fiber stack size and
// the TCP connect timeout. Both are read via atomic-load semantics so
// that a concurrent Reload never exposes a torn value (spec.md §5).
package config

import (
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the parsed, immutable snapshot of the runtime's tunables.
// Callers never mutate a *Config in place; Reload swaps the whole value.
type Config struct {
	Fiber struct {
		// StackSize is the default stack size, in bytes, reported to
		// callers that ask for it (config.StackSize). Go goroutine
		// stacks grow dynamically and cannot be preallocated to a fixed
		// size the way a ucontext stack is, so this value is advisory
		// metadata rather than an allocation size.
		StackSize uint64 `yaml:"stack_size"`
	} `yaml:"fiber"`

	TCP struct {
		Connect struct {
			TimeoutMS uint64 `yaml:"timeout_ms"`
		} `yaml:"connect"`
	} `yaml:"tcp"`
}

// Defaults matches spec.md §6's documented defaults.
func Defaults() *Config {
	c := &Config{}
	c.Fiber.StackSize = 128 * 1024
	c.TCP.Connect.TimeoutMS = 5000
	return c
}

var current atomic.Pointer[Config]

func init() {
	current.Store(Defaults())
}

// Current returns the process-wide configuration snapshot.
func Current() *Config { return current.Load() }

// StackSize returns the configured default fiber stack size in bytes.
func StackSize() uint64 { return Current().Fiber.StackSize }

// ConnectTimeout returns the configured TCP connect timeout.
func ConnectTimeout() time.Duration {
	return time.Duration(Current().TCP.Connect.TimeoutMS) * time.Millisecond
}

// Load parses a YAML file and installs it as the new current config.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := Defaults()
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, err
	}
	current.Store(c)
	return c, nil
}

// Reload atomically swaps the process-wide config.
// Mutations only ever happen through Load/Reload, never in place.
func Reload(c *Config) { current.Store(c) }
