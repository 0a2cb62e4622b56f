// Package lifecycle discovers app modules, resolves load order from config
// dependencies, and drives load, reload and termination of app instances.
package lifecycle

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"hearth/engine/app"
	"hearth/engine/config"
	"hearth/engine/telemetry/logging"
)

// ErrUnresolvedDependencies is raised when dependency batching cannot make
// progress (circular or missing module references).
var ErrUnresolvedDependencies = errors.New("unresolved dependencies")

// Object pairs a live app instance with the id minted at its load. Every
// registration made by the app carries this id; a mismatch at dispatch marks
// the work stale.
type Object struct {
	Instance app.App
	ID       uuid.UUID
}

// ClearFunc removes every callback, schedule and endpoint entry keyed by an
// app name.
type ClearFunc func(name string)

type Options struct {
	AppDir     string
	ConfigFile string
	Enabled    bool
	Loader     ModuleLoader
	Kernel     app.Kernel
	Clear      ClearFunc
	Log        logging.Logger
	ErrLog     logging.Logger
}

// Manager owns the app object table and the module scan/load machinery.
type Manager struct {
	appDir     string
	configFile string
	enabled    bool
	loader     ModuleLoader
	kernel     app.Kernel
	clear      ClearFunc
	log        logging.Logger
	errlog     logging.Logger

	// loadMu serializes whole load/reload passes; the scheduler loop (DST
	// reload) and the utility loop both drive them.
	loadMu sync.Mutex

	mu        sync.RWMutex
	objects   map[string]*Object
	modules   map[string]ClassMap
	appConfig config.AppConfig

	monitored   map[string]time.Time
	configMtime time.Time

	watcher *fsnotify.Watcher
	changed chan struct{}
}

func New(opts Options) *Manager {
	if opts.Log == nil {
		opts.Log = logging.New(nil)
	}
	if opts.ErrLog == nil {
		opts.ErrLog = opts.Log
	}
	if opts.Clear == nil {
		opts.Clear = func(string) {}
	}
	return &Manager{
		appDir:     opts.AppDir,
		configFile: opts.ConfigFile,
		enabled:    opts.Enabled,
		loader:     opts.Loader,
		kernel:     opts.Kernel,
		clear:      opts.Clear,
		log:        opts.Log,
		errlog:     opts.ErrLog,
		objects:    make(map[string]*Object),
		modules:    make(map[string]ClassMap),
		monitored:  make(map[string]time.Time),
		changed:    make(chan struct{}, 1),
	}
}

// SetAppConfig installs the app configuration used for dependency resolution
// and instantiation.
func (m *Manager) SetAppConfig(cfg config.AppConfig) {
	m.mu.Lock()
	m.appConfig = cfg
	m.mu.Unlock()
}

// AppArgs returns the config section for an app, nil when unknown. Used for
// app-level constraint evaluation.
func (m *Manager) AppArgs(name string) map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.appConfig[name]
}

// CurrentID implements the dispatch resolver: the app's live id, if any.
func (m *Manager) CurrentID(name string) (uuid.UUID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[name]
	if !ok {
		return uuid.Nil, false
	}
	return obj.ID, true
}

// Instance returns the live app instance for a name, nil when absent.
func (m *Manager) Instance(name string) app.App {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if obj, ok := m.objects[name]; ok {
		return obj.Instance
	}
	return nil
}

// moduleRecord tracks one file through a load plan.
type moduleRecord struct {
	path   string
	reload bool
	load   bool
}

// ReadApps rescans the app directory and loads what changed. With all set,
// every monitored module reloads (fresh start, DST flip, explicit rescan).
// A failed dependency resolution aborts the whole pass; a failed module load
// aborts only that module.
func (m *Manager) ReadApps(all bool) error {
	if !m.enabled || m.appDir == "" {
		return nil
	}
	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	found, err := m.scan()
	if err != nil {
		return err
	}

	var records []*moduleRecord
	for _, path := range found {
		mtime := foundmtime(path)
		prev, known := m.monitored[path]
		switch {
		case !known:
			records = append(records, &moduleRecord{path: path, reload: false, load: true})
			m.monitored[path] = mtime
		case mtime.After(prev) || all:
			records = append(records, &moduleRecord{path: path, reload: true, load: true})
			m.monitored[path] = mtime
		}
	}

	if len(records) > 0 {
		if err := m.addDependents(&records); err != nil {
			return err
		}
	}

	// Ordering requires the full module population; non-loading entries
	// still satisfy other modules' dependencies.
	for path := range m.monitored {
		if !recordFor(records, path) {
			records = append(records, &moduleRecord{path: path})
		}
	}

	batches, err := m.loadOrder(records)
	if err != nil {
		return err
	}
	for _, batch := range batches {
		for _, rec := range batch {
			if rec.load {
				m.readApp(rec.path, rec.reload)
			}
		}
	}
	return nil
}

func (m *Manager) scan() ([]string, error) {
	ext := m.loader.Ext()
	var found []string
	err := filepath.WalkDir(m.appDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		base := filepath.Base(path)
		if d.IsDir() {
			if path != m.appDir && (strings.HasPrefix(base, ".") || strings.HasPrefix(base, "__")) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "__") {
			return nil
		}
		if filepath.Ext(base) == ext {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(found)
	return found, nil
}

func foundmtime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

func recordFor(records []*moduleRecord, path string) bool {
	for _, r := range records {
		if r.path == path {
			return true
		}
	}
	return false
}

// addDependents grows the load set with every module that depends, directly
// or transitively, on a module already in it.
func (m *Manager) addDependents(records *[]*moduleRecord) error {
	for grew := true; grew; {
		grew = false
		for _, rec := range append([]*moduleRecord(nil), *records...) {
			for _, depMod := range m.dependentModules(ModuleName(rec.path)) {
				path := m.fileFromModule(depMod)
				if path == "" {
					m.errlog.Error("unable to resolve dependencies due to incorrect references", "module", depMod)
					return fmt.Errorf("%w: %s", ErrUnresolvedDependencies, depMod)
				}
				if !recordFor(*records, path) {
					*records = append(*records, &moduleRecord{path: path, reload: true, load: true})
					grew = true
				}
			}
		}
	}
	return nil
}

// loadOrder batches records so that every record's dependencies appear in an
// earlier batch. An empty batch with records pending means a circular or
// missing reference.
func (m *Manager) loadOrder(records []*moduleRecord) ([][]*moduleRecord, error) {
	pending := append([]*moduleRecord(nil), records...)
	loaded := make(map[string]bool)
	var batches [][]*moduleRecord
	for len(pending) > 0 {
		var batch []*moduleRecord
		var rest []*moduleRecord
		for _, rec := range pending {
			if m.depsSatisfied(ModuleName(rec.path), loaded) {
				batch = append(batch, rec)
			} else {
				rest = append(rest, rec)
			}
		}
		if len(batch) == 0 {
			var offenders []string
			for _, rec := range rest {
				offenders = append(offenders, ModuleName(rec.path))
			}
			sort.Strings(offenders)
			m.errlog.Error("unable to resolve dependencies due to incorrect or circular references", "modules", strings.Join(offenders, ","))
			return nil, fmt.Errorf("%w: %s", ErrUnresolvedDependencies, strings.Join(offenders, ","))
		}
		for _, rec := range batch {
			loaded[ModuleName(rec.path)] = true
		}
		batches = append(batches, batch)
		pending = rest
	}
	return batches, nil
}

func (m *Manager) depsSatisfied(module string, loaded map[string]bool) bool {
	for _, dep := range m.moduleDeps(module) {
		if !loaded[dep] {
			return false
		}
	}
	return true
}

// moduleDeps returns the dependency list declared by any app using the module.
func (m *Manager) moduleDeps(module string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, entry := range m.appConfig {
		if config.Module(entry) == module {
			if deps := config.Dependencies(entry); deps != nil {
				return deps
			}
		}
	}
	return nil
}

// dependentModules returns the modules that declare a dependency on module.
func (m *Manager) dependentModules(module string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for name, entry := range m.appConfig {
		if config.Reserved(name) {
			continue
		}
		for _, dep := range config.Dependencies(entry) {
			if dep == module {
				out = append(out, config.Module(entry))
			}
		}
	}
	return out
}

func (m *Manager) fileFromModule(module string) string {
	for path := range m.monitored {
		if ModuleName(path) == module {
			return path
		}
	}
	return ""
}

// ModuleName is a file's basename minus extension.
func ModuleName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// readApp (re)loads one module file and instantiates every app configured on
// it. Load failures are contained to the module.
func (m *Manager) readApp(path string, reload bool) {
	module := ModuleName(path)
	if reload {
		m.log.Info("reloading module", "path", path)
		m.termModule(module)
		m.clearModule(module)
	} else {
		m.log.Info("loading module", "path", path)
	}

	classes, err := m.loader.Load(path, reload)
	if err != nil {
		m.errlog.Error("unexpected error during module load", "path", path, "error", err)
		return
	}
	m.mu.Lock()
	m.modules[module] = classes
	appConfig := m.appConfig
	m.mu.Unlock()

	for name, entry := range appConfig {
		if config.Reserved(name) {
			continue
		}
		if config.Module(entry) == module {
			m.initObject(name, config.Class(entry), module, entry)
		}
	}
}

// initObject instantiates the named class and synchronously invokes its
// Initialize.
func (m *Manager) initObject(name, class, module string, args map[string]any) {
	m.log.Info("loading object", "app", name, "class", class, "module", module)
	m.mu.Lock()
	factory := m.modules[module][class]
	m.mu.Unlock()
	if factory == nil {
		// A config change can introduce an app on a module that was never
		// loaded; resolve it from the monitored files on demand.
		if path := m.fileFromModule(module); path != "" {
			if classes, err := m.loader.Load(path, false); err == nil {
				m.mu.Lock()
				m.modules[module] = classes
				m.mu.Unlock()
				factory = classes[class]
			} else {
				m.errlog.Error("unexpected error during module load", "path", path, "error", err)
			}
		}
	}
	if factory == nil {
		m.errlog.Error("class not found in module", "app", name, "class", class, "module", module)
		return
	}
	instance := factory(m.kernel, name, args)
	m.mu.Lock()
	m.objects[name] = &Object{Instance: instance, ID: uuid.New()}
	m.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			m.errlog.Error("unexpected error during initialize()",
				"app", name, "error", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	instance.Initialize()
}

// termObject calls the app's Terminate synchronously so it completes before
// any registrations are torn down.
func (m *Manager) termObject(name string) {
	m.mu.RLock()
	obj := m.objects[name]
	m.mu.RUnlock()
	if obj == nil {
		return
	}
	t, ok := obj.Instance.(app.Terminater)
	if !ok {
		return
	}
	m.log.Info("terminating object", "app", name)
	defer func() {
		if r := recover(); r != nil {
			m.errlog.Error("unexpected error during terminate()",
				"app", name, "error", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	t.Terminate()
}

// clearObject drops the app's registrations and its object entry.
func (m *Manager) clearObject(name string) {
	m.log.Debug("clearing callbacks", "app", name)
	m.clear(name)
	m.mu.Lock()
	delete(m.objects, name)
	m.mu.Unlock()
}

func (m *Manager) termModule(module string) {
	for name, entry := range m.configSnapshot() {
		if !config.Reserved(name) && config.Module(entry) == module {
			m.termObject(name)
		}
	}
}

func (m *Manager) clearModule(module string) {
	for name, entry := range m.configSnapshot() {
		if !config.Reserved(name) && config.Module(entry) == module {
			m.clearObject(name)
		}
	}
}

func (m *Manager) configSnapshot() config.AppConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.appConfig
}

// CheckConfig re-reads the app configuration when its mtime advanced and
// applies the per-entry diff: changed entries terminate, clear and reload;
// deleted entries clear; added entries initialize. A bad file leaves the
// previous configuration in force.
func (m *Manager) CheckConfig() {
	if m.configFile == "" {
		return
	}
	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	info, err := os.Stat(m.configFile)
	if err != nil {
		return
	}
	if !info.ModTime().After(m.configMtime) {
		return
	}
	m.log.Info("config file modified", "path", m.configFile)
	m.configMtime = info.ModTime()

	newConfig, err := config.Load(m.configFile)
	if err != nil {
		m.errlog.Error("new config not applied", "error", err)
		return
	}
	if err := config.Validate(newConfig); err != nil {
		m.errlog.Error("new config not applied", "error", err)
		return
	}
	m.ApplyConfig(newConfig)
}

// ApplyConfig diffs the new app configuration against the current one and
// applies the changes live.
func (m *Manager) ApplyConfig(newConfig config.AppConfig) {
	old := m.configSnapshot()
	added, changed, deleted := config.Diff(old, newConfig)

	for _, name := range changed {
		m.log.Info("app changed - reloading", "app", name)
		m.termObject(name)
		m.clearObject(name)
	}
	for _, name := range deleted {
		m.log.Info("app deleted - removing", "app", name)
		m.clearObject(name)
	}

	m.SetAppConfig(newConfig)

	for _, name := range append(changed, added...) {
		entry := newConfig[name]
		m.initObject(name, config.Class(entry), config.Module(entry), entry)
	}
}

// Terminate tears down one app: synchronous Terminate, then clearing of every
// registration keyed by its name.
func (m *Manager) Terminate(name string) {
	m.termObject(name)
	m.clearObject(name)
}

// SetConfigMtime primes the change detector so the initial load is not
// re-applied on the first utility tick.
func (m *Manager) SetConfigMtime(t time.Time) { m.configMtime = t }

// Watch starts an fsnotify watcher over the app directory and config file.
// Events coalesce into the Changed channel; the mtime scan stays
// authoritative.
func (m *Manager) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if m.appDir != "" {
		if err := w.Add(m.appDir); err != nil {
			_ = w.Close()
			return err
		}
	}
	if m.configFile != "" {
		if err := w.Add(filepath.Dir(m.configFile)); err != nil {
			_ = w.Close()
			return err
		}
	}
	m.watcher = w
	go func() {
		for {
			select {
			case _, ok := <-w.Events:
				if !ok {
					return
				}
				select {
				case m.changed <- struct{}{}:
				default:
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// Changed signals that something under watch was touched since the last scan.
func (m *Manager) Changed() <-chan struct{} { return m.changed }

// Close stops the watcher.
func (m *Manager) Close() {
	if m.watcher != nil {
		_ = m.watcher.Close()
	}
}

// AppNames returns the names of live app objects, sorted.
func (m *Manager) AppNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.objects))
	for name := range m.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
