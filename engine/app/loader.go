package app

// ModuleLoader resolves a module file under the app directory to the class
// map it exports. The daemon ships a shared-object loader; tests and
// embedders may substitute their own.
type ModuleLoader interface {
	// Load resolves the module at path. reload signals that a previous load
	// of the same path is being replaced.
	Load(path string, reload bool) (ClassMap, error)
	// Ext is the module file extension the app-directory scanner looks for.
	Ext() string
}
