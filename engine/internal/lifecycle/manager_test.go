package lifecycle

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hearth/engine/app"
	"hearth/engine/config"
)

// fakeLoader resolves modules from an in-memory table and records load order.
type fakeLoader struct {
	mu      sync.Mutex
	classes map[string]app.ClassMap
	loads   []string
}

func (l *fakeLoader) Ext() string { return ".app" }

func (l *fakeLoader) Load(path string, reload bool) (app.ClassMap, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	module := ModuleName(path)
	l.loads = append(l.loads, module)
	return l.classes[module], nil
}

func (l *fakeLoader) loaded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.loads...)
}

// recorder tracks lifecycle calls made against test apps.
type recorder struct {
	mu          sync.Mutex
	initialized []string
	terminated  []string
	cleared     []string
}

func (r *recorder) init(name string) {
	r.mu.Lock()
	r.initialized = append(r.initialized, name)
	r.mu.Unlock()
}

func (r *recorder) term(name string) {
	r.mu.Lock()
	r.terminated = append(r.terminated, name)
	r.mu.Unlock()
}

func (r *recorder) clear(name string) {
	r.mu.Lock()
	r.cleared = append(r.cleared, name)
	r.mu.Unlock()
}

type testApp struct {
	name string
	rec  *recorder
}

func (a *testApp) Initialize() { a.rec.init(a.name) }
func (a *testApp) Terminate()  { a.rec.term(a.name) }

func factoryFor(rec *recorder) app.Factory {
	return func(k app.Kernel, name string, args map[string]any) app.App {
		return &testApp{name: name, rec: rec}
	}
}

func writeModules(t *testing.T, dir string, modules ...string) {
	t.Helper()
	for _, m := range modules {
		require.NoError(t, os.WriteFile(filepath.Join(dir, m+".app"), []byte(m), 0o644))
	}
}

func newManager(t *testing.T, dir string, rec *recorder, loader *fakeLoader, cfg config.AppConfig) *Manager {
	t.Helper()
	m := New(Options{
		AppDir:  dir,
		Enabled: true,
		Loader:  loader,
		Clear:   rec.clear,
	})
	m.SetAppConfig(cfg)
	return m
}

func TestDependencyOrdering(t *testing.T) {
	dir := t.TempDir()
	writeModules(t, dir, "a", "b", "c")
	rec := &recorder{}
	loader := &fakeLoader{classes: map[string]app.ClassMap{
		"a": {"AppA": factoryFor(rec)},
		"b": {"AppB": factoryFor(rec)},
		"c": {"AppC": factoryFor(rec)},
	}}
	cfg := config.AppConfig{
		"A": {"module": "a", "class": "AppA"},
		"B": {"module": "b", "class": "AppB", "dependencies": "a"},
		"C": {"module": "c", "class": "AppC", "dependencies": "b"},
	}
	m := newManager(t, dir, rec, loader, cfg)

	require.NoError(t, m.ReadApps(true))
	assert.Equal(t, []string{"a", "b", "c"}, loader.loaded())
	assert.Equal(t, []string{"A", "B", "C"}, m.AppNames())
}

func TestCircularDependenciesFail(t *testing.T) {
	dir := t.TempDir()
	writeModules(t, dir, "a", "b", "c")
	rec := &recorder{}
	loader := &fakeLoader{classes: map[string]app.ClassMap{}}
	cfg := config.AppConfig{
		"A": {"module": "a", "class": "AppA", "dependencies": "c"},
		"B": {"module": "b", "class": "AppB", "dependencies": "a"},
		"C": {"module": "c", "class": "AppC", "dependencies": "b"},
	}
	m := newManager(t, dir, rec, loader, cfg)

	err := m.ReadApps(true)
	require.ErrorIs(t, err, ErrUnresolvedDependencies)
	assert.ErrorContains(t, err, "a")
	assert.ErrorContains(t, err, "b")
	assert.ErrorContains(t, err, "c")
	assert.Empty(t, m.AppNames(), "failed pass loads nothing")
}

func TestMissingDependencyReferenceFails(t *testing.T) {
	dir := t.TempDir()
	writeModules(t, dir, "a")
	rec := &recorder{}
	loader := &fakeLoader{classes: map[string]app.ClassMap{"a": {"AppA": factoryFor(rec)}}}
	cfg := config.AppConfig{
		"A": {"module": "a", "class": "AppA", "dependencies": "ghost"},
	}
	m := newManager(t, dir, rec, loader, cfg)

	err := m.ReadApps(true)
	require.ErrorIs(t, err, ErrUnresolvedDependencies)
}

func TestReloadMintsFreshID(t *testing.T) {
	dir := t.TempDir()
	writeModules(t, dir, "a")
	rec := &recorder{}
	loader := &fakeLoader{classes: map[string]app.ClassMap{"a": {"AppA": factoryFor(rec)}}}
	cfg := config.AppConfig{"A": {"module": "a", "class": "AppA"}}
	m := newManager(t, dir, rec, loader, cfg)

	require.NoError(t, m.ReadApps(true))
	id1, ok := m.CurrentID("A")
	require.True(t, ok)

	t.Run("unchanged_mtime_is_a_no_op", func(t *testing.T) {
		require.NoError(t, m.ReadApps(false))
		id, _ := m.CurrentID("A")
		assert.Equal(t, id1, id)
	})

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "a.app"), future, future))
	require.NoError(t, m.ReadApps(false))

	id2, ok := m.CurrentID("A")
	require.True(t, ok)
	assert.NotEqual(t, id1, id2, "reload regenerates the app id")
	assert.Equal(t, []string{"A"}, rec.terminated, "terminate ran before re-init")
	assert.Equal(t, []string{"A"}, rec.cleared)
	assert.Equal(t, []string{"A", "A"}, rec.initialized)
}

func TestDependentsReloadTransitively(t *testing.T) {
	dir := t.TempDir()
	writeModules(t, dir, "a", "b", "c")
	rec := &recorder{}
	loader := &fakeLoader{classes: map[string]app.ClassMap{
		"a": {"AppA": factoryFor(rec)},
		"b": {"AppB": factoryFor(rec)},
		"c": {"AppC": factoryFor(rec)},
	}}
	cfg := config.AppConfig{
		"A": {"module": "a", "class": "AppA"},
		"B": {"module": "b", "class": "AppB", "dependencies": "a"},
		"C": {"module": "c", "class": "AppC", "dependencies": "b"},
	}
	m := newManager(t, dir, rec, loader, cfg)
	require.NoError(t, m.ReadApps(true))

	loader.mu.Lock()
	loader.loads = nil
	loader.mu.Unlock()

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "a.app"), future, future))
	require.NoError(t, m.ReadApps(false))

	assert.Equal(t, []string{"a", "b", "c"}, loader.loaded(), "touching a reloads its dependents in order")
}

func TestApplyConfigDiff(t *testing.T) {
	dir := t.TempDir()
	writeModules(t, dir, "a", "b")
	rec := &recorder{}
	loader := &fakeLoader{classes: map[string]app.ClassMap{
		"a": {"AppA": factoryFor(rec)},
		"b": {"AppB": factoryFor(rec)},
	}}
	cfg := config.AppConfig{
		"A": {"module": "a", "class": "AppA", "setting": "old"},
		"B": {"module": "a", "class": "AppA"},
	}
	m := newManager(t, dir, rec, loader, cfg)
	require.NoError(t, m.ReadApps(true))
	require.ElementsMatch(t, []string{"A", "B"}, m.AppNames())

	idA1, _ := m.CurrentID("A")

	newCfg := config.AppConfig{
		"A": {"module": "a", "class": "AppA", "setting": "new"}, // changed
		// B deleted
		"C": {"module": "b", "class": "AppB"}, // added
	}
	m.ApplyConfig(newCfg)

	assert.ElementsMatch(t, []string{"A", "C"}, m.AppNames())
	assert.Contains(t, rec.terminated, "A", "changed entries terminate first")
	assert.Contains(t, rec.cleared, "B", "deleted entries clear")
	_, ok := m.CurrentID("B")
	assert.False(t, ok)

	idA2, _ := m.CurrentID("A")
	assert.NotEqual(t, idA1, idA2, "changed entries re-init with a fresh id")
}

func TestTerminateClearsEverything(t *testing.T) {
	dir := t.TempDir()
	writeModules(t, dir, "a")
	rec := &recorder{}
	loader := &fakeLoader{classes: map[string]app.ClassMap{"a": {"AppA": factoryFor(rec)}}}
	cfg := config.AppConfig{"A": {"module": "a", "class": "AppA"}}
	m := newManager(t, dir, rec, loader, cfg)
	require.NoError(t, m.ReadApps(true))

	m.Terminate("A")
	assert.Equal(t, []string{"A"}, rec.terminated)
	assert.Equal(t, []string{"A"}, rec.cleared)
	_, ok := m.CurrentID("A")
	assert.False(t, ok)
	assert.Nil(t, m.Instance("A"))
}

func TestMissingClassIsContained(t *testing.T) {
	dir := t.TempDir()
	writeModules(t, dir, "a")
	rec := &recorder{}
	loader := &fakeLoader{classes: map[string]app.ClassMap{"a": {}}}
	cfg := config.AppConfig{"A": {"module": "a", "class": "Ghost"}}
	m := newManager(t, dir, rec, loader, cfg)

	require.NoError(t, m.ReadApps(true))
	_, ok := m.CurrentID("A")
	assert.False(t, ok)
}

func TestInitializePanicIsContained(t *testing.T) {
	dir := t.TempDir()
	writeModules(t, dir, "a")
	rec := &recorder{}
	panicky := app.Factory(func(k app.Kernel, name string, args map[string]any) app.App {
		return panicApp{}
	})
	loader := &fakeLoader{classes: map[string]app.ClassMap{"a": {"Bad": panicky, "Good": factoryFor(rec)}}}
	cfg := config.AppConfig{
		"bad":  {"module": "a", "class": "Bad"},
		"good": {"module": "a", "class": "Good"},
	}
	m := newManager(t, dir, rec, loader, cfg)

	require.NoError(t, m.ReadApps(true))
	assert.Contains(t, rec.initialized, "good", "one app's failure does not stop the pass")
	_, ok := m.CurrentID("bad")
	assert.True(t, ok, "the object exists even though initialize failed")
}

type panicApp struct{}

func (panicApp) Initialize() { panic("broken app") }

func TestScanSkipsHiddenAndCacheFiles(t *testing.T) {
	dir := t.TempDir()
	writeModules(t, dir, "a")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "__init__.app"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden.app"), nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "__cache__"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "__cache__", "b.app"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644))

	rec := &recorder{}
	loader := &fakeLoader{classes: map[string]app.ClassMap{"a": {"AppA": factoryFor(rec)}}}
	m := newManager(t, dir, rec, loader, config.AppConfig{"A": {"module": "a", "class": "AppA"}})

	require.NoError(t, m.ReadApps(true))
	assert.Equal(t, []string{"a"}, loader.loaded())
}
