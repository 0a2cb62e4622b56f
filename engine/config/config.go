// Package config loads and diffs the single YAML configuration document: a
// reserved AppDaemon section for daemon parameters plus one top-level section
// per app.
package config

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// AppConfig maps app names to their config sections. Reserved sections are
// retained but skipped by app iteration.
type AppConfig map[string]map[string]any

var reserved = map[string]struct{}{
	"DEFAULT":     {},
	"AppDaemon":   {},
	"HASS":        {},
	"HADashboard": {},
}

// Reserved reports whether a top-level key is ignored by app loading.
func Reserved(name string) bool {
	_, ok := reserved[name]
	return ok
}

// Load reads and parses the config file. Non-mapping app sections are a
// configuration error.
func Load(path string) (AppConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes a config document.
func Parse(raw []byte) (AppConfig, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("error loading configuration: %w", err)
	}
	cfg := make(AppConfig, len(doc))
	for name, section := range doc {
		m, ok := section.(map[string]any)
		if !ok {
			if Reserved(name) || section == nil {
				cfg[name] = nil
				continue
			}
			return nil, fmt.Errorf("app section %q is not a mapping", name)
		}
		cfg[name] = m
	}
	return cfg, nil
}

// Validate checks that every app section defines class and module.
func Validate(cfg AppConfig) error {
	for name, entry := range cfg {
		if Reserved(name) {
			continue
		}
		if Class(entry) == "" || Module(entry) == "" {
			return fmt.Errorf("app %q must define class and module", name)
		}
	}
	return nil
}

// AppNames returns the non-reserved section names, sorted.
func (c AppConfig) AppNames() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		if !Reserved(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Module returns the entry's module name.
func Module(entry map[string]any) string {
	s, _ := entry["module"].(string)
	return s
}

// Class returns the entry's class name.
func Class(entry map[string]any) string {
	s, _ := entry["class"].(string)
	return s
}

// Dependencies returns the entry's module dependencies (comma-separated in
// the file), nil when absent.
func Dependencies(entry map[string]any) []string {
	s, ok := entry["dependencies"].(string)
	if !ok || s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Diff compares two configs and reports added, changed and deleted app names.
// Reserved sections never appear in the result.
func Diff(old, new AppConfig) (added, changed, deleted []string) {
	for name, entry := range old {
		if Reserved(name) {
			continue
		}
		if newEntry, ok := new[name]; ok {
			if !reflect.DeepEqual(entry, newEntry) {
				changed = append(changed, name)
			}
		} else {
			deleted = append(deleted, name)
		}
	}
	for name := range new {
		if Reserved(name) {
			continue
		}
		if _, ok := old[name]; !ok {
			added = append(added, name)
		}
	}
	sort.Strings(added)
	sort.Strings(changed)
	sort.Strings(deleted)
	return added, changed, deleted
}

// Daemon is the AppDaemon section of the config document.
type Daemon struct {
	Latitude     float64                   `yaml:"latitude"`
	Longitude    float64                   `yaml:"longitude"`
	Elevation    float64                   `yaml:"elevation"`
	TimeZone     string                    `yaml:"time_zone"`
	Threads      int                       `yaml:"threads"`
	AppDir       string                    `yaml:"app_dir"`
	Apps         *bool                     `yaml:"apps"`
	Tick         int64                     `yaml:"tick"`
	Interval     int64                     `yaml:"interval"`
	StartTime    string                    `yaml:"start_time"`
	EndTime      string                    `yaml:"end_time"`
	UtilityDelay int64                     `yaml:"utility_delay"`
	QueueDepth   int                       `yaml:"queue_depth"`
	Metrics      bool                      `yaml:"metrics"`
	Backend      string                    `yaml:"metrics_backend"`
	Plugins      map[string]map[string]any `yaml:"plugins"`
}

// DaemonSection extracts and decodes the AppDaemon section from a parsed
// config. A missing section yields a zero Daemon.
func DaemonSection(cfg AppConfig) (Daemon, error) {
	var d Daemon
	section, ok := cfg["AppDaemon"]
	if !ok {
		return d, nil
	}
	raw, err := yaml.Marshal(section)
	if err != nil {
		return d, err
	}
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return d, fmt.Errorf("invalid AppDaemon section: %w", err)
	}
	return d, nil
}
