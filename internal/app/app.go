// Package app wires the instrumentation core, the agents that observe it and
// the simulated runtime that drives it, and manages their lifecycle.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/dshills/vmtap/internal/agent"
	"github.com/dshills/vmtap/internal/config"
	"github.com/dshills/vmtap/internal/dispatch"
	"github.com/dshills/vmtap/internal/event"
	"github.com/dshills/vmtap/internal/logging"
	"github.com/dshills/vmtap/internal/metrics"
	"github.com/dshills/vmtap/internal/observer"
	"github.com/dshills/vmtap/internal/phase"
	"github.com/dshills/vmtap/internal/sim"
	"github.com/dshills/vmtap/internal/threadstate"
)

// shutdownTimeout bounds the dispatcher drain and metrics server shutdown.
const shutdownTimeout = 5 * time.Second

// Options configures the application.
type Options struct {
	// ConfigPath is the configuration file. Empty means defaults plus
	// environment. When set, the file is watched and log level changes
	// are applied while running.
	ConfigPath string

	// Scripts are agent scripts loaded in addition to the configured ones.
	Scripts []string

	// Threads overrides the number of simulated platform threads.
	Threads int

	// MetricsAddr enables the metrics endpoint on the given address.
	MetricsAddr string

	// Logger replaces the logger built from configuration.
	Logger *zap.Logger
}

// Application owns one dispatcher and everything attached to it.
type Application struct {
	cfg    *config.Config
	opts   Options
	logger *zap.Logger
	level  zap.AtomicLevel

	gate    *phase.Gate
	reg     *observer.Registry
	threads *threadstate.Manager
	d       *dispatch.Dispatcher

	agents  []*agent.Script
	metrics *prometheus.Registry

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server

	running atomic.Bool
}

// New loads configuration and builds the application. Agents are loaded
// but not attached until Run.
func New(opts Options) (*Application, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, &InitError{Component: "config", Err: err}
	}
	if opts.Threads > 0 {
		cfg.Simulation.Threads = opts.Threads
	}
	if opts.MetricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = opts.MetricsAddr
	}
	cfg.Agents.Scripts = append(cfg.Agents.Scripts, opts.Scripts...)

	app := &Application{cfg: cfg, opts: opts}
	if err := app.bootstrap(); err != nil {
		for _, sc := range app.agents {
			sc.Close()
		}
		return nil, err
	}
	return app, nil
}

// bootstrap initializes components in dependency order.
func (app *Application) bootstrap() error {
	// 1. Logging
	if app.opts.Logger != nil {
		app.logger = app.opts.Logger
		app.level = zap.NewAtomicLevelAt(app.logger.Level())
	} else {
		logger, level, err := logging.New(app.cfg.Log)
		if err != nil {
			return &InitError{Component: "logging", Err: err}
		}
		app.logger, app.level = logger, level
	}

	// 2. Instrumentation core
	app.gate = phase.NewGate()
	phaseLog := app.logger.Named("phase")
	app.gate.OnAdvance(func(from, to phase.Phase) {
		phaseLog.Info("phase advanced", zap.Stringer("from", from), zap.Stringer("to", to))
	})
	app.reg = observer.NewRegistry(app.gate, observer.WithLogger(app.logger.Named("observer")))
	app.threads = threadstate.NewManager(app.reg)
	app.d = dispatch.New(app.gate, app.reg, app.threads,
		dispatch.WithLogger(app.logger.Named("dispatch")),
		dispatch.WithTracer(app.tracer()),
		dispatch.WithMaxPending(app.cfg.Deferred.MaxPending),
		dispatch.WithServiceThread(event.ThreadID(app.cfg.Deferred.ServiceThread)),
	)

	// 3. Agents
	for _, path := range app.cfg.Agents.Scripts {
		sc, err := agent.Load(path,
			agent.WithLogger(app.logger.Named("agent")),
			agent.WithCallTimeout(app.cfg.Agents.CallTimeout.Std()),
		)
		if err != nil {
			return &InitError{Component: "agent " + path, Err: err}
		}
		app.agents = append(app.agents, sc)
	}

	// 4. Metrics
	if app.cfg.Metrics.Enabled {
		app.metrics = prometheus.NewRegistry()
		app.metrics.MustRegister(
			metrics.NewCollector(app.cfg.Metrics.Namespace, app.d,
				metrics.WithObservers(app.reg),
				metrics.WithThreads(app.threads),
			),
			collectors.NewGoCollector(),
		)
	}
	return nil
}

func (app *Application) tracer() trace.Tracer {
	if app.cfg.Tracing.Enabled {
		return otel.Tracer(app.cfg.Tracing.Name)
	}
	return noop.NewTracerProvider().Tracer(app.cfg.Tracing.Name)
}

// ObserverSummary is the delivery tally of one observer.
type ObserverSummary struct {
	Name       string
	ID         string
	Deliveries map[event.Kind]uint64

	// Calls and Errors count agent handler invocations.
	Calls  uint64
	Errors uint64
}

// Result describes a completed run.
type Result struct {
	Report    sim.Report
	Stats     dispatch.Stats
	Observers []ObserverSummary
}

// Run starts the dispatcher, attaches the agents, runs the simulated
// runtime to completion and tears everything down. It may be called once.
func (app *Application) Run(ctx context.Context) (*Result, error) {
	if !app.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}

	if err := app.d.Start(ctx); err != nil {
		return nil, &ComponentError{Component: "dispatcher", Action: "start", Err: err}
	}

	var attached []*agent.Script
	for _, sc := range app.agents {
		if err := sc.Attach(app.d); err != nil {
			app.teardown(attached)
			return nil, &ComponentError{Component: "agent", Action: "attach " + sc.Name(), Err: err}
		}
		attached = append(attached, sc)
	}

	if app.metrics != nil {
		if err := app.serveMetrics(); err != nil {
			app.teardown(attached)
			return nil, &ComponentError{Component: "metrics", Action: "listen", Err: err}
		}
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	watchDone := make(chan struct{})
	if app.opts.ConfigPath != "" {
		go func() {
			defer close(watchDone)
			if err := config.Watch(watchCtx, app.opts.ConfigPath, app.reload); err != nil {
				app.logger.Warn("config watch stopped", zap.Error(err))
			}
		}()
	} else {
		close(watchDone)
	}

	dumpCtx, stopDumps := context.WithCancel(ctx)
	dumpDone := make(chan struct{})
	go func() {
		defer close(dumpDone)
		app.serveDataDumps(dumpCtx)
	}()

	vm := sim.New(app.d, app.simConfig(), sim.WithLogger(app.logger.Named("sim")))
	rep, runErr := vm.Run(ctx)

	stopDumps()
	stopWatch()
	<-dumpDone
	<-watchDone

	res := &Result{
		Report:    rep,
		Stats:     app.d.Stats(),
		Observers: app.summarize(),
	}
	app.teardown(attached)

	if runErr != nil {
		return res, &ComponentError{Component: "sim", Action: "run", Err: runErr}
	}
	return res, nil
}

// signalThread is the thread data dump requests are posted on.
const signalThread event.ThreadID = -2

// serveDataDumps posts a data dump request for every SIGQUIT until ctx is
// done.
func (app *Application) serveDataDumps(ctx context.Context) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGQUIT)
	defer signal.Stop(sigs)

	app.threads.Attach(signalThread, "Signal Dispatcher", false)
	defer app.threads.Remove(signalThread)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigs:
			app.logger.Info("data dump requested")
			app.d.PostDataDump(ctx, signalThread)
		}
	}
}

func (app *Application) simConfig() sim.Config {
	s := app.cfg.Simulation
	return sim.Config{
		Threads:        s.Threads,
		VirtualThreads: s.VirtualThreads,
		Ops:            s.Iterations,
		GCInterval:     s.GCInterval.Std(),
		Seed:           uint64(s.Seed),
		Workload:       sim.DefaultWorkload(),
	}
}

// summarize tallies deliveries of every registered observer, ordered by
// registration.
func (app *Application) summarize() []ObserverSummary {
	scripts := make(map[*observer.Observer]*agent.Script, len(app.agents))
	for _, sc := range app.agents {
		if o := sc.Observer(); o != nil {
			scripts[o] = sc
		}
	}

	obs := app.reg.Snapshot()
	sort.Slice(obs, func(i, j int) bool { return obs[i].Seq() < obs[j].Seq() })

	out := make([]ObserverSummary, 0, len(obs))
	for _, o := range obs {
		s := ObserverSummary{Name: o.Name(), ID: o.ID(), Deliveries: o.Deliveries()}
		if sc, ok := scripts[o]; ok {
			s.Calls, s.Errors = sc.Calls(), sc.Errors()
		}
		out = append(out, s)
	}
	return out
}

// teardown runs in reverse initialization order.
func (app *Application) teardown(attached []*agent.Script) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// 1. Agents
	for i := len(attached) - 1; i >= 0; i-- {
		if err := attached[i].Detach(); err != nil {
			app.logger.Warn("agent detach failed", zap.String("agent", attached[i].Name()), zap.Error(err))
		}
	}
	if err := app.reg.WaitReclaimed(ctx); err != nil {
		app.logger.Warn("observers not reclaimed", zap.Error(err))
	}

	// 2. Metrics
	app.mu.Lock()
	srv := app.server
	app.server, app.listener = nil, nil
	app.mu.Unlock()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			app.logger.Warn("metrics server shutdown", zap.Error(err))
		}
	}

	// 3. Dispatcher
	if err := app.d.Stop(ctx); err != nil {
		app.logger.Warn("dispatcher stop", zap.Error(err))
	}
	_ = app.logger.Sync()
}

func (app *Application) serveMetrics() error {
	ln, err := net.Listen("tcp", app.cfg.Metrics.Address)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(app.metrics))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	app.mu.Lock()
	app.listener, app.server = ln, srv
	app.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("metrics server", zap.Error(err))
		}
	}()
	app.logger.Info("metrics listening", zap.String("address", ln.Addr().String()))
	return nil
}

// reload applies a reloaded configuration. Only the log level takes
// effect while running.
func (app *Application) reload(cfg *config.Config, err error) {
	if err != nil {
		app.logger.Warn("config reload failed", zap.Error(err))
		return
	}
	if err := logging.SetLevel(app.level, cfg.Log.Level); err != nil {
		app.logger.Warn("config reload failed", zap.Error(err))
		return
	}
	app.logger.Info("config reloaded", zap.String("level", cfg.Log.Level))
}

// Config returns the effective configuration.
func (app *Application) Config() *config.Config {
	return app.cfg
}

// Dispatcher returns the dispatcher.
func (app *Application) Dispatcher() *dispatch.Dispatcher {
	return app.d
}

// Agents returns the loaded agents.
func (app *Application) Agents() []*agent.Script {
	return append([]*agent.Script(nil), app.agents...)
}

// MetricsAddr returns the address the metrics endpoint listens on, or ""
// when it is not serving.
func (app *Application) MetricsAddr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener == nil {
		return ""
	}
	return app.listener.Addr().String()
}

// Gatherer returns the metrics registry, or nil when metrics are disabled.
func (app *Application) Gatherer() prometheus.Gatherer {
	if app.metrics == nil {
		return nil
	}
	return app.metrics
}

// IsRunning reports whether Run has been called.
func (app *Application) IsRunning() bool {
	return app.running.Load()
}
