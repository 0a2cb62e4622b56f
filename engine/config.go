package engine

import (
	"log/slog"
	"time"

	"hearth/engine/app"
	"hearth/engine/config"
)

// Config is the public configuration surface for the Engine facade. Zero
// values are normalized to working defaults by New.
type Config struct {
	// Location, for sun computation and local time.
	Latitude  float64
	Longitude float64
	Elevation float64
	TimeZone  string

	// App hosting
	Apps          bool
	AppDir        string
	AppConfigFile string
	Loader        app.ModuleLoader

	// Worker pool
	Threads    int
	QueueDepth int

	// Loop timing. Tick is the real-seconds period of the scheduler loop;
	// Interval is how many virtual seconds each tick advances (1 in realtime).
	Tick         int64
	Interval     int64
	UtilityDelay int64

	// Simulated time. A non-zero StartTime switches the clock to simulated
	// mode; EndTime requests a clean stop when reached.
	StartTime time.Time
	EndTime   time.Time

	// Plugins maps plugin names to their config sections; each section must
	// carry a "plugin" basename key.
	Plugins map[string]map[string]any

	// AppNamespace receives synthetic state published via SetAppState.
	AppNamespace string
	// PresenceDevice is the device class consulted by presence constraints.
	PresenceDevice string

	// Telemetry
	MetricsEnabled bool
	// MetricsBackend selects the provider when metrics are enabled:
	// "prom" (default), "otel", or "noop".
	MetricsBackend string

	// Logger is the main sink; ErrorLogger is the error sink for user-code
	// stack traces. A nil Logger falls back to slog.Default(); a nil
	// ErrorLogger falls back to the main sink.
	Logger      *slog.Logger
	ErrorLogger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.TimeZone == "" {
		c.TimeZone = "UTC"
	}
	if c.Threads <= 0 {
		c.Threads = 10
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 100
	}
	if c.Tick <= 0 {
		c.Tick = 1
	}
	if c.Interval <= 0 {
		c.Interval = 1
	}
	if c.UtilityDelay <= 0 {
		c.UtilityDelay = 1
	}
	if c.AppNamespace == "" {
		c.AppNamespace = "default"
	}
	if c.PresenceDevice == "" {
		c.PresenceDevice = "device_tracker"
	}
	return c
}

// FromDaemon maps the config file's AppDaemon section onto a Config.
func FromDaemon(d config.Daemon, appConfigFile string) (Config, error) {
	cfg := Config{
		Latitude:       d.Latitude,
		Longitude:      d.Longitude,
		Elevation:      d.Elevation,
		TimeZone:       d.TimeZone,
		AppDir:         d.AppDir,
		AppConfigFile:  appConfigFile,
		Apps:           d.Apps == nil || *d.Apps,
		Threads:        d.Threads,
		QueueDepth:     d.QueueDepth,
		Tick:           d.Tick,
		Interval:       d.Interval,
		UtilityDelay:   d.UtilityDelay,
		Plugins:        d.Plugins,
		MetricsEnabled: d.Metrics,
		MetricsBackend: d.Backend,
	}
	if cfg.TimeZone == "" {
		cfg.TimeZone = "UTC"
	}
	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return cfg, err
	}
	if d.StartTime != "" {
		t, err := time.ParseInLocation("2006-01-02 15:04:05", d.StartTime, loc)
		if err != nil {
			return cfg, err
		}
		cfg.StartTime = t
	}
	if d.EndTime != "" {
		t, err := time.ParseInLocation("2006-01-02 15:04:05", d.EndTime, loc)
		if err != nil {
			return cfg, err
		}
		cfg.EndTime = t
	}
	return cfg, nil
}
