package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestParse_TOML(t *testing.T) {
	cfg, err := Parse(FormatTOML, []byte(`
[log]
level = "debug"
format = "json"

[deferred]
max_pending = 16

[agents]
scripts = ["a.lua", "b.lua"]
call_timeout = "500ms"

[simulation]
threads = 8
gc_interval = "5ms"
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	want := Default()
	want.Log.Level = "debug"
	want.Log.Format = "json"
	want.Deferred.MaxPending = 16
	want.Agents.Scripts = []string{"a.lua", "b.lua"}
	want.Agents.CallTimeout = Duration(500 * time.Millisecond)
	want.Simulation.Threads = 8
	want.Simulation.GCInterval = Duration(5 * time.Millisecond)
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_YAML(t *testing.T) {
	cfg, err := Parse(FormatYAML, []byte(`
log:
  level: warn
metrics:
  enabled: true
  address: 127.0.0.1:9100
tracing:
  enabled: true
simulation:
  virtual_threads: 0
  seed: 42
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Log.Level != "warn" || cfg.Log.Format != "console" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Address != "127.0.0.1:9100" || cfg.Metrics.Namespace != "vmtap" {
		t.Errorf("metrics = %+v", cfg.Metrics)
	}
	if !cfg.Tracing.Enabled {
		t.Error("tracing not enabled")
	}
	if cfg.Simulation.VirtualThreads != 0 || cfg.Simulation.Seed != 42 || cfg.Simulation.Threads != 4 {
		t.Errorf("simulation = %+v", cfg.Simulation)
	}
}

func TestParse_EmptyYAML(t *testing.T) {
	cfg, err := Parse(FormatYAML, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("empty document changed defaults:\n%s", diff)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		format  Format
		data    string
		wantErr error
	}{
		{"unknown toml key", FormatTOML, "[log]\nlevl = \"debug\"\n", nil},
		{"unknown yaml key", FormatYAML, "logg:\n  level: debug\n", nil},
		{"bad duration", FormatTOML, "[agents]\ncall_timeout = \"soon\"\n", nil},
		{"bad level", FormatTOML, "[log]\nlevel = \"loud\"\n", ErrValidationFailed},
		{"bad format", FormatYAML, "log:\n  format: xml\n", ErrValidationFailed},
		{"zero threads", FormatTOML, "[simulation]\nthreads = 0\n", ErrValidationFailed},
		{"zero service thread", FormatTOML, "[deferred]\nservice_thread = 0\n", ErrValidationFailed},
		{"unsupported", Format("ini"), "", ErrUnsupportedFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.format, []byte(tt.data))
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			var pe *ParseError
			if tt.wantErr == nil && !errors.As(err, &pe) {
				t.Errorf("error = %v, want *ParseError", err)
			}
		})
	}
}

func TestValidate_ReportsEveryField(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "nope"
	cfg.Simulation.Threads = 0
	cfg.Metrics.Enabled = true
	cfg.Metrics.Address = ""

	err := cfg.Validate()
	var paths []string
	for _, e := range err.(interface{ Unwrap() []error }).Unwrap() {
		var ve *ValidationError
		if errors.As(e, &ve) {
			paths = append(paths, ve.Path)
		}
	}
	want := []string{"log.level", "metrics.address", "simulation.threads"}
	if diff := cmp.Diff(want, paths); diff != "" {
		t.Errorf("paths mismatch (-want +got):\n%s", diff)
	}
}

func TestFormatOf(t *testing.T) {
	tests := []struct {
		path string
		want Format
		ok   bool
	}{
		{"vmtap.toml", FormatTOML, true},
		{"conf/VMTAP.YAML", FormatYAML, true},
		{"vmtap.yml", FormatYAML, true},
		{"vmtap.json", "", false},
		{"vmtap", "", false},
	}
	for _, tt := range tests {
		got, err := FormatOf(tt.path)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("FormatOf(%q) = %q, %v", tt.path, got, err)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"VMTAP_LOG_LEVEL":              "error",
		"VMTAP_METRICS_ENABLED":        "yes",
		"VMTAP_AGENTS_SCRIPTS":         "a.lua, b.lua",
		"VMTAP_SIMULATION_GC_INTERVAL": "1s",
		"VMTAP_DEFERRED_MAX_PENDING":   "0",
		"UNRELATED":                    "x",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	if err := ApplyEnv(cfg, lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Log.Level != "error" || !cfg.Metrics.Enabled || cfg.Deferred.MaxPending != 0 {
		t.Errorf("cfg = %+v", cfg)
	}
	if diff := cmp.Diff([]string{"a.lua", "b.lua"}, cfg.Agents.Scripts); diff != "" {
		t.Errorf("scripts mismatch:\n%s", diff)
	}
	if cfg.Simulation.GCInterval.Std() != time.Second {
		t.Errorf("gc interval = %v", cfg.Simulation.GCInterval.Std())
	}

	env = map[string]string{"VMTAP_SIMULATION_THREADS": "many"}
	if err := ApplyEnv(Default(), lookup); !errors.Is(err, ErrInvalidEnv) {
		t.Errorf("ApplyEnv() = %v, want ErrInvalidEnv", err)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vmtap.toml")
	if err := os.WriteFile(path, []byte("[log]\nlevel = \"debug\"\n\n[simulation]\nthreads = 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VMTAP_SIMULATION_THREADS", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("level = %q", cfg.Log.Level)
	}
	if cfg.Simulation.Threads != 3 {
		t.Errorf("threads = %d, env override not applied", cfg.Simulation.Threads)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := Load(""); err != nil {
		t.Errorf("Load(\"\") = %v", err)
	}
}

func TestWatch_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vmtap.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloads := make(chan *Config, 4)
	errs := make(chan error, 4)
	done := make(chan error, 1)
	go func() {
		done <- watch(ctx, path, 10*time.Millisecond, func(cfg *Config, err error) {
			if err != nil {
				select {
				case errs <- err:
				default:
				}
				return
			}
			select {
			case reloads <- cfg:
			default:
			}
		})
	}()

	// Keep rewriting until the watcher, which starts asynchronously, sees a
	// change.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-reloads:
			// A reload can land between truncate and write.
			if cfg.Log.Level != "debug" {
				continue
			}
			cancel()
			if err := <-done; err != nil {
				t.Errorf("watch returned %v", err)
			}
			return
		case <-errs:
		case <-tick.C:
			if err := os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644); err != nil {
				t.Fatal(err)
			}
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}
