// Package plugin defines the contract between the kernel and its external
// event sources, plus the factory registry through which configured plugins
// are constructed.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"hearth/engine/models"
	"hearth/engine/telemetry/logging"
)

// ErrDuplicateNamespace is fatal at startup: two plugins may not share a
// namespace.
var ErrDuplicateNamespace = errors.New("duplicate namespace")

// Sink receives updates pushed by a plugin's long-running task. The kernel
// implements it.
type Sink interface {
	StateUpdate(namespace string, ev models.Event)
}

// Plugin is an external event source owning one state namespace.
type Plugin interface {
	// Namespace must be unique across plugins.
	Namespace() string
	// CompleteState returns the seed snapshot installed atomically at startup.
	CompleteState(ctx context.Context) (map[string]*models.EntityState, error)
	// Updates runs until ctx is canceled, pushing events into the sink.
	Updates(ctx context.Context, sink Sink) error
	// Utility is called on each utility tick for maintenance.
	Utility()
	// Stop requests graceful shutdown.
	Stop()
}

// Factory constructs a plugin from its config section.
type Factory func(name string, log logging.Logger, cfg map[string]any) (Plugin, error)

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
)

// Register installs a factory under a plugin basename (the config "plugin"
// key). Typically called from an implementation package's init.
func Register(basename string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[basename] = f
}

// New constructs a plugin by basename.
func New(basename, name string, log logging.Logger, cfg map[string]any) (Plugin, error) {
	registryMu.RLock()
	f, ok := factories[basename]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown plugin %q (known: %v)", basename, Known())
	}
	return f(name, log, cfg)
}

// Known lists registered basenames, sorted.
func Known() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
