package lifecycle

import (
	"fmt"
	goplugin "plugin"

	"hearth/engine/app"
)

// ClassMap aliases the app package's class table for loader signatures.
type ClassMap = app.ClassMap

// ModuleLoader aliases the public loader contract.
type ModuleLoader = app.ModuleLoader

// SharedObjectLoader loads modules as Go plugin shared objects exporting a
// symbol named Classes of type app.ClassMap. plugin.Open returns the
// already-loaded module for a previously opened path, so a reload provides
// re-instantiation with fresh app ids, not recompiled code.
type SharedObjectLoader struct{}

func (SharedObjectLoader) Ext() string { return ".so" }

func (SharedObjectLoader) Load(path string, reload bool) (ClassMap, error) {
	p, err := goplugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening module %s: %w", path, err)
	}
	sym, err := p.Lookup("Classes")
	if err != nil {
		return nil, fmt.Errorf("module %s exports no Classes symbol: %w", path, err)
	}
	classes, ok := sym.(*app.ClassMap)
	if !ok {
		return nil, fmt.Errorf("module %s: Classes has type %T, want app.ClassMap", path, sym)
	}
	return *classes, nil
}
