// Package config loads vmtap configuration.
//
// Configuration comes from three layers, later ones overriding earlier:
//
//  1. Built-in defaults (Default)
//  2. A TOML or YAML file, chosen by extension
//  3. VMTAP_* environment variables
//
// Watch reloads the file when it changes so long-running commands can pick up
// new settings, such as the log level, without a restart.
package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"
)

// Config is the complete vmtap configuration.
type Config struct {
	Log        LogConfig        `toml:"log" yaml:"log"`
	Deferred   DeferredConfig   `toml:"deferred" yaml:"deferred"`
	Metrics    MetricsConfig    `toml:"metrics" yaml:"metrics"`
	Tracing    TracingConfig    `toml:"tracing" yaml:"tracing"`
	Agents     AgentsConfig     `toml:"agents" yaml:"agents"`
	Simulation SimulationConfig `toml:"simulation" yaml:"simulation"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is a zap level name: debug, info, warn or error.
	Level string `toml:"level" yaml:"level"`

	// Format is "json" or "console".
	Format string `toml:"format" yaml:"format"`

	// Development enables stack traces on warnings and panics on DPanic.
	Development bool `toml:"development" yaml:"development"`
}

// DeferredConfig configures the deferred event queue.
type DeferredConfig struct {
	// MaxPending bounds the queue. Zero means unbounded.
	MaxPending int `toml:"max_pending" yaml:"max_pending"`

	// ServiceThread is the thread ID deferred events are delivered on.
	ServiceThread int64 `toml:"service_thread" yaml:"service_thread"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled" yaml:"enabled"`
	Address   string `toml:"address" yaml:"address"`
	Namespace string `toml:"namespace" yaml:"namespace"`
}

// TracingConfig configures dispatch spans.
type TracingConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled"`

	// Name is the instrumentation scope of the tracer.
	Name string `toml:"name" yaml:"name"`
}

// AgentsConfig lists Lua agents to attach at startup.
type AgentsConfig struct {
	Scripts     []string `toml:"scripts" yaml:"scripts"`
	CallTimeout Duration `toml:"call_timeout" yaml:"call_timeout"`
}

// SimulationConfig configures the simulated execution engine.
type SimulationConfig struct {
	Threads        int      `toml:"threads" yaml:"threads"`
	VirtualThreads int      `toml:"virtual_threads" yaml:"virtual_threads"`
	Iterations     int      `toml:"iterations" yaml:"iterations"`
	GCInterval     Duration `toml:"gc_interval" yaml:"gc_interval"`
	Seed           int64    `toml:"seed" yaml:"seed"`
}

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Deferred: DeferredConfig{
			MaxPending:    4096,
			ServiceThread: -1,
		},
		Metrics: MetricsConfig{
			Address:   ":9090",
			Namespace: "vmtap",
		},
		Tracing: TracingConfig{
			Name: "vmtap/dispatch",
		},
		Agents: AgentsConfig{
			CallTimeout: Duration(2 * time.Second),
		},
		Simulation: SimulationConfig{
			Threads:        4,
			VirtualThreads: 2,
			Iterations:     100,
			GCInterval:     Duration(10 * time.Millisecond),
			Seed:           1,
		},
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(path string, value any, msg string) {
		errs = append(errs, &ValidationError{Path: path, Value: value, Message: msg})
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		invalid("log.level", c.Log.Level, "unknown level")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		invalid("log.format", c.Log.Format, `must be "json" or "console"`)
	}
	if c.Deferred.MaxPending < 0 {
		invalid("deferred.max_pending", c.Deferred.MaxPending, "must not be negative")
	}
	if c.Deferred.ServiceThread == 0 {
		invalid("deferred.service_thread", c.Deferred.ServiceThread, "must not be the zero thread")
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		invalid("metrics.address", c.Metrics.Address, "required when metrics are enabled")
	}
	if c.Agents.CallTimeout < 0 {
		invalid("agents.call_timeout", c.Agents.CallTimeout.Std(), "must not be negative")
	}
	if c.Simulation.Threads < 1 {
		invalid("simulation.threads", c.Simulation.Threads, "must be at least 1")
	}
	if c.Simulation.VirtualThreads < 0 {
		invalid("simulation.virtual_threads", c.Simulation.VirtualThreads, "must not be negative")
	}
	if c.Simulation.Iterations < 0 {
		invalid("simulation.iterations", c.Simulation.Iterations, "must not be negative")
	}
	if c.Simulation.GCInterval <= 0 {
		invalid("simulation.gc_interval", c.Simulation.GCInterval.Std(), "must be positive")
	}
	return errors.Join(errs...)
}

// ValidationError describes one invalid setting.
type ValidationError struct {
	Path    string
	Value   any
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Path, e.Message, e.Value)
}

// Is reports whether target is ErrValidationFailed.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}
