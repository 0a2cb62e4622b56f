// Package engine composes the hearth kernel: clock and sun tracking, the
// state store, the callback registry, the scheduler, the constraint-gated
// dispatcher and worker pool, the plugin host, and the app lifecycle manager.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"hearth/engine/app"
	"hearth/engine/config"
	"hearth/engine/internal/clock"
	"hearth/engine/internal/constraint"
	"hearth/engine/internal/dispatch"
	"hearth/engine/internal/lifecycle"
	"hearth/engine/internal/registry"
	"hearth/engine/internal/schedule"
	"hearth/engine/internal/state"
	telemEvents "hearth/engine/internal/telemetry/events"
	"hearth/engine/internal/telemetry/metrics"
	"hearth/engine/models"
	"hearth/engine/plugin"
	"hearth/engine/telemetry/logging"
)

// ErrUnknownApp is returned when a registration names an app with no live
// object.
var ErrUnknownApp = errors.New("unknown app")

// Engine is the kernel facade. Construct with New, then Run.
// Stable: Core lifecycle methods (Run, Stop) and the app.Kernel surface are
// committed; additions are allowed.
type Engine struct {
	cfg    Config
	log    logging.Logger
	errlog logging.Logger

	clock *clock.Clock
	sun   *clock.Sun
	store *state.Store
	reg   *registry.Registry
	sched *schedule.Scheduler
	eval  *constraint.Evaluator
	pool  *dispatch.Pool
	disp  *dispatch.Dispatcher
	mgr   *lifecycle.Manager

	plugins map[string]plugin.Plugin

	appq chan models.Event
	bus  telemEvents.Bus

	metricsProvider metrics.Provider

	stopping atomic.Bool
	stopCh   chan struct{}
	wasDST   bool
}

var _ app.Kernel = (*Engine)(nil)

// New wires the subsystems together. It does not start any loops; Run does.
func New(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()

	tz, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid time_zone: %w", err)
	}
	sun, err := clock.NewSun(cfg.Latitude, cfg.Longitude, cfg.Elevation, tz)
	if err != nil {
		return nil, err
	}

	log := logging.New(cfg.Logger)
	errlog := log
	if cfg.ErrorLogger != nil {
		errlog = logging.New(cfg.ErrorLogger)
	}

	realtime := cfg.StartTime.IsZero()
	var start, end int64
	if !realtime {
		start = cfg.StartTime.Unix()
	}
	if !cfg.EndTime.IsZero() {
		end = cfg.EndTime.Unix()
	}

	e := &Engine{
		cfg:     cfg,
		log:     log,
		errlog:  errlog,
		clock:   clock.New(tz, realtime, start, cfg.Interval, end),
		sun:     sun,
		store:   state.NewStore(),
		reg:     registry.New(),
		plugins: make(map[string]plugin.Plugin),
		appq:    make(chan models.Event, 100),
		stopCh:  make(chan struct{}),
	}

	e.metricsProvider = selectMetricsProvider(cfg)
	e.bus = telemEvents.NewBus(e.metricsProvider)

	e.sched = schedule.New(schedule.Options{Sun: sun, Log: log, ErrLog: errlog, Metrics: e.metricsProvider})
	e.eval = constraint.New(kernelTimes{e}, e.lookupState, e.presence, log)

	loader := cfg.Loader
	if loader == nil {
		loader = lifecycle.SharedObjectLoader{}
	}
	e.mgr = lifecycle.New(lifecycle.Options{
		AppDir:     cfg.AppDir,
		ConfigFile: cfg.AppConfigFile,
		Enabled:    cfg.Apps,
		Loader:     loader,
		Kernel:     e,
		Clear:      e.clearApp,
		Log:        log,
		ErrLog:     errlog,
	})

	e.pool = dispatch.NewPool(e.mgr, dispatch.PoolOptions{
		Workers:    cfg.Threads,
		QueueDepth: cfg.QueueDepth,
		Log:        log,
		ErrLog:     errlog,
		Metrics:    e.metricsProvider,
	})
	e.disp = dispatch.NewDispatcher(dispatch.DispatcherOptions{
		Pool:    e.pool,
		Checker: e.eval,
		AppArgs: e.mgr.AppArgs,
		Log:     log,
		OnFatal: func(err error) {
			errlog.Error("dispatch queue exhausted - fatal configuration error", "error", err)
		},
	})

	e.sun.Update(e.clock.Now())
	e.wasDST = clock.IsDST(e.clock.Now())
	return e, nil
}

// selectMetricsProvider picks the backend from telemetry config fields.
func selectMetricsProvider(cfg Config) metrics.Provider {
	if !cfg.MetricsEnabled {
		return nil
	}
	switch strings.ToLower(cfg.MetricsBackend) {
	case "", "prom", "prometheus":
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	case "otel", "opentelemetry":
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{})
	case "noop":
		return metrics.NewNoopProvider()
	default:
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	}
}

// MetricsHandler returns the metrics exposition handler (Prometheus backend
// only), nil otherwise.
func (e *Engine) MetricsHandler() http.Handler {
	if hp, ok := e.metricsProvider.(interface{ MetricsHandler() http.Handler }); ok {
		return hp.MetricsHandler()
	}
	return nil
}

// Run starts the plugin tasks, loads the apps, fires appd_started, and drives
// the scheduler and utility loops until Stop or context cancellation.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if e.cfg.AppConfigFile != "" {
		appCfg, err := config.Load(e.cfg.AppConfigFile)
		if err != nil {
			return err
		}
		if err := config.Validate(appCfg); err != nil {
			return err
		}
		e.mgr.SetAppConfig(appCfg)
		if info, err := os.Stat(e.cfg.AppConfigFile); err == nil {
			e.mgr.SetConfigMtime(info.ModTime())
		}
	}

	if err := e.startPlugins(ctx); err != nil {
		return err
	}

	if e.cfg.AppDir != "" {
		if err := e.mgr.Watch(); err != nil {
			e.log.Warn("app directory watch unavailable", "error", err)
		}
		defer e.mgr.Close()
	}
	if err := e.mgr.ReadApps(true); err != nil {
		return err
	}
	e.log.Info("app initialization complete")

	e.publish(telemEvents.CategoryLifecycle, "appd_started", "", nil)
	e.processEvent(models.Event{Type: models.EventAppDStarted, Data: map[string]any{}})

	go e.drainAppQueue(ctx)
	go e.utilityLoop(ctx)
	go e.doEvery(ctx, e.cfg.Tick, e.tick)

	select {
	case <-ctx.Done():
		e.Stop()
	case <-e.stopCh:
	}
	return nil
}

// Stop requests shutdown: the stop flag is set, a stop event is injected,
// plugins are stopped, and the loops exit on their next wakeup. Idempotent.
func (e *Engine) Stop() {
	if e.stopping.Swap(true) {
		return
	}
	e.processEvent(models.Event{Type: models.EventStop, Data: map[string]any{}})
	for _, p := range e.plugins {
		p.Stop()
	}
	close(e.stopCh)
}

// Stopping reports whether shutdown has been requested.
func (e *Engine) Stopping() bool { return e.stopping.Load() }

// Plugin returns the plugin owning a namespace, nil when unknown.
func (e *Engine) Plugin(namespace string) plugin.Plugin { return e.plugins[namespace] }

// App returns the live app instance for a name, nil when absent.
func (e *Engine) App(name string) app.App { return e.mgr.Instance(name) }

// clearApp removes every callback, schedule and endpoint entry keyed by the
// app name. Lock order: callbacks, then schedule.
func (e *Engine) clearApp(name string) {
	e.reg.ClearApp(name)
	e.sched.ClearApp(name)
}

// kernelTimes adapts the engine to the constraint evaluator's TimeSource.
type kernelTimes struct{ e *Engine }

func (t kernelTimes) Now() time.Time     { return t.e.clock.Now() }
func (t kernelTimes) Sunrise() time.Time { return t.e.sun.NextRising().In(t.e.clock.Location()) }
func (t kernelTimes) Sunset() time.Time  { return t.e.sun.NextSetting().In(t.e.clock.Location()) }

// lookupState resolves a constraint entity id across namespaces.
func (e *Engine) lookupState(entityID string) (string, bool) {
	namespaces := e.store.Namespaces()
	for _, ns := range namespaces {
		if snap := e.store.GetEntity(ns, entityID); snap != nil {
			return snap.State, true
		}
	}
	return "", false
}

// presence answers the everyone/anyone/noone home predicates over the
// configured presence device class.
func (e *Engine) presence(mode string) bool {
	home := 0
	trackers := 0
	for _, ns := range e.store.Namespaces() {
		entities, _ := e.store.Get(ns, e.cfg.PresenceDevice, "", "").(map[string]*models.EntityState)
		for _, snap := range entities {
			trackers++
			if snap.State == "home" {
				home++
			}
		}
	}
	switch mode {
	case "everyone":
		return trackers > 0 && home == trackers
	case "anyone":
		return home > 0
	case "noone":
		return home == 0
	}
	return true
}

func (e *Engine) publish(category, typ, appName string, fields map[string]any) {
	_ = e.bus.Publish(telemEvents.Event{Category: category, Type: typ, App: appName, Fields: fields})
}

// SubscribeEvents exposes the kernel telemetry bus.
func (e *Engine) SubscribeEvents(buffer int) (telemEvents.Subscription, error) {
	return e.bus.Subscribe(buffer)
}

// Diagnostics --------------------------------------------------------------

// CallbackEntries snapshots the callback registry.
func (e *Engine) CallbackEntries() map[string]map[uuid.UUID]registry.EntryView {
	return e.reg.CallbackEntries()
}

// SchedulerEntries snapshots the timer tables, ordered by timestamp per app.
func (e *Engine) SchedulerEntries() map[string][]schedule.EntryView {
	return e.sched.Entries()
}

// QueueDepth reports the dispatch queue depth.
func (e *Engine) QueueDepth() int { return e.disp.QueueDepth() }

// DumpSchedule logs the scheduler table.
func (e *Engine) DumpSchedule() {
	entries := e.sched.Entries()
	if len(entries) == 0 {
		e.log.Info("schedule is empty")
		return
	}
	for name, views := range entries {
		for _, v := range views {
			e.log.Info("schedule entry", "app", name,
				"at", time.Unix(v.Timestamp, 0).In(e.clock.Location()).Format(time.DateTime),
				"type", v.Type, "repeat", v.Repeat, "inactive", v.Inactive)
		}
	}
}

// DumpCallbacks logs the callback registry.
func (e *Engine) DumpCallbacks() {
	entries := e.reg.CallbackEntries()
	if len(entries) == 0 {
		e.log.Info("no callbacks")
		return
	}
	for name, m := range entries {
		for handle, v := range m {
			e.log.Info("callback entry", "app", name, "handle", handle.String(),
				"type", v.Type, "namespace", v.Namespace, "entity", v.Entity, "event", v.Event)
		}
	}
}

// DumpQueue logs the current dispatch queue depth.
func (e *Engine) DumpQueue() {
	e.log.Info("current queue size", "qsize", e.disp.QueueDepth())
}

// DumpSun logs the tracked sun instants.
func (e *Engine) DumpSun() {
	e.log.Info("sun", "next_rising", e.sun.NextRising(), "next_setting", e.sun.NextSetting())
}
