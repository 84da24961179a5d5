package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "VMTAP_"

// LookupFunc looks up an environment variable.
type LookupFunc func(key string) (string, bool)

type envSetter func(c *Config, v string) error

// envMapping maps VMTAP_* variables to the setting they override.
var envMapping = map[string]envSetter{
	"LOG_LEVEL":       func(c *Config, v string) error { c.Log.Level = v; return nil },
	"LOG_FORMAT":      func(c *Config, v string) error { c.Log.Format = v; return nil },
	"LOG_DEVELOPMENT": func(c *Config, v string) error { return parseBool(v, &c.Log.Development) },

	"DEFERRED_MAX_PENDING":    func(c *Config, v string) error { return parseInt(v, &c.Deferred.MaxPending) },
	"DEFERRED_SERVICE_THREAD": func(c *Config, v string) error { return parseInt64(v, &c.Deferred.ServiceThread) },

	"METRICS_ENABLED":   func(c *Config, v string) error { return parseBool(v, &c.Metrics.Enabled) },
	"METRICS_ADDRESS":   func(c *Config, v string) error { c.Metrics.Address = v; return nil },
	"METRICS_NAMESPACE": func(c *Config, v string) error { c.Metrics.Namespace = v; return nil },

	"TRACING_ENABLED": func(c *Config, v string) error { return parseBool(v, &c.Tracing.Enabled) },

	"AGENTS_SCRIPTS": func(c *Config, v string) error {
		c.Agents.Scripts = splitList(v)
		return nil
	},
	"AGENTS_CALL_TIMEOUT": func(c *Config, v string) error { return parseDuration(v, &c.Agents.CallTimeout) },

	"SIMULATION_THREADS":         func(c *Config, v string) error { return parseInt(v, &c.Simulation.Threads) },
	"SIMULATION_VIRTUAL_THREADS": func(c *Config, v string) error { return parseInt(v, &c.Simulation.VirtualThreads) },
	"SIMULATION_ITERATIONS":      func(c *Config, v string) error { return parseInt(v, &c.Simulation.Iterations) },
	"SIMULATION_GC_INTERVAL":     func(c *Config, v string) error { return parseDuration(v, &c.Simulation.GCInterval) },
	"SIMULATION_SEED":            func(c *Config, v string) error { return parseInt64(v, &c.Simulation.Seed) },
}

// ApplyEnv overlays VMTAP_* overrides found through lookup onto c.
func ApplyEnv(c *Config, lookup LookupFunc) error {
	for name, set := range envMapping {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		if err := set(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%w: %s%s: %v", ErrInvalidEnv, EnvPrefix, name, err)
		}
	}
	return nil
}

func parseBool(s string, dst *bool) error {
	switch strings.ToLower(s) {
	case "true", "yes", "on", "1":
		*dst = true
	case "false", "no", "off", "0", "":
		*dst = false
	default:
		return fmt.Errorf("not a boolean: %q", s)
	}
	return nil
}

func parseInt(s string, dst *int) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func parseInt64(s string, dst *int64) error {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func parseDuration(s string, dst *Duration) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*dst = Duration(v)
	return nil
}

// splitList splits a comma or path-list separated value, dropping empties.
func splitList(s string) []string {
	var out []string
	for _, p := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ':' }) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
