// Package registry holds the per-app state, event and endpoint subscriptions.
// Its mutexes are leaves: never acquired while holding the scheduler or state
// locks (the reverse order, callbacks then schedule, is the legal one).
package registry

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"hearth/engine/app"
	"hearth/engine/internal/dispatch"
)

// ErrInvalidHandle is returned by Info* lookups on unknown handles.
var ErrInvalidHandle = errors.New("invalid handle")

// Callback kinds.
const (
	TypeState = "state"
	TypeEvent = "event"
)

// Entry is a single subscription. Type discriminates which fields are live.
// PendingTimer is the settle-pattern slot: the handle of a one-shot timer
// armed while a duration-gated condition holds. It is guarded by the registry
// lock and only touched inside ForEachState and SetPendingTimer.
type Entry struct {
	Type      string
	Name      string
	ID        uuid.UUID
	Namespace string
	Entity    string
	StateFn   app.StateFunc
	Event     string // empty = wildcard
	EventFn   app.EventFunc
	Kwargs    map[string]any

	PendingTimer *uuid.UUID
}

type endpoint struct {
	name string
	fn   app.EndpointFunc
}

// Registry is the callback table, mapping app name -> handle -> entry.
type Registry struct {
	mu        sync.RWMutex
	callbacks map[string]map[uuid.UUID]*Entry

	epMu      sync.RWMutex
	endpoints map[string]map[uuid.UUID]endpoint
}

func New() *Registry {
	return &Registry{
		callbacks: make(map[string]map[uuid.UUID]*Entry),
		endpoints: make(map[string]map[uuid.UUID]endpoint),
	}
}

// AddState registers a state-change subscription and returns its handle. The
// id is the app's identity at registration time; the stale-callback guard
// compares it at dispatch.
func (r *Registry) AddState(name string, id uuid.UUID, namespace, entity string, fn app.StateFunc, kwargs map[string]any) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle := uuid.New()
	r.put(handle, &Entry{
		Type:      TypeState,
		Name:      name,
		ID:        id,
		Namespace: namespace,
		Entity:    entity,
		StateFn:   fn,
		Kwargs:    kwargs,
	})
	return handle
}

// AddEvent registers an event subscription. An empty event matches every
// event type; kwargs act as an AND-filter over event payload fields.
func (r *Registry) AddEvent(name string, id uuid.UUID, event string, fn app.EventFunc, kwargs map[string]any) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle := uuid.New()
	r.put(handle, &Entry{
		Type:    TypeEvent,
		Name:    name,
		ID:      id,
		Event:   event,
		EventFn: fn,
		Kwargs:  kwargs,
	})
	return handle
}

func (r *Registry) put(handle uuid.UUID, e *Entry) {
	m, ok := r.callbacks[e.Name]
	if !ok {
		m = make(map[uuid.UUID]*Entry)
		r.callbacks[e.Name] = m
	}
	m[handle] = e
}

// CancelState removes a state subscription. Idempotent; empty per-app maps
// are collapsed.
func (r *Registry) CancelState(name string, handle uuid.UUID) { r.cancel(name, handle) }

// CancelEvent removes an event subscription. Idempotent.
func (r *Registry) CancelEvent(name string, handle uuid.UUID) { r.cancel(name, handle) }

func (r *Registry) cancel(name string, handle uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.callbacks[name]; ok {
		delete(m, handle)
		if len(m) == 0 {
			delete(r.callbacks, name)
		}
	}
}

// InfoState returns the subscription's namespace, entity, watched attribute
// and sanitized kwargs, or ErrInvalidHandle.
func (r *Registry) InfoState(name string, handle uuid.UUID) (namespace, entity, attribute string, kwargs map[string]any, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.callbacks[name][handle]
	if !ok || e.Type != TypeState {
		return "", "", "", nil, ErrInvalidHandle
	}
	if a, ok := e.Kwargs["attribute"].(string); ok {
		attribute = a
	}
	return e.Namespace, e.Entity, attribute, dispatch.SanitizeKwargs(e.Kwargs), nil
}

// InfoEvent returns the subscription's event name and a kwargs copy, or
// ErrInvalidHandle.
func (r *Registry) InfoEvent(name string, handle uuid.UUID) (event string, kwargs map[string]any, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.callbacks[name][handle]
	if !ok || e.Type != TypeEvent {
		return "", nil, ErrInvalidHandle
	}
	return e.Event, dispatch.CopyKwargs(e.Kwargs), nil
}

// ForEachState invokes fn for every state subscription in the namespace while
// holding the registry lock, so the settle slot may be mutated in place. fn
// must not call back into the registry.
func (r *Registry) ForEachState(namespace string, fn func(handle uuid.UUID, e *Entry)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entries := range r.callbacks {
		for handle, e := range entries {
			if e.Type == TypeState && e.Namespace == namespace {
				fn(handle, e)
			}
		}
	}
}

// ForEachEvent invokes fn for every event subscription under the registry
// lock.
func (r *Registry) ForEachEvent(fn func(handle uuid.UUID, e *Entry)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entries := range r.callbacks {
		for handle, e := range entries {
			if e.Type == TypeEvent {
				fn(handle, e)
			}
		}
	}
}

// SetPendingTimer records a settle-timer handle on a state subscription.
func (r *Registry) SetPendingTimer(name string, handle, timer uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.callbacks[name][handle]; ok {
		t := timer
		e.PendingTimer = &t
	}
}

// RegisterEndpoint adds an endpoint callback and returns its handle.
func (r *Registry) RegisterEndpoint(name string, fn app.EndpointFunc) uuid.UUID {
	r.epMu.Lock()
	defer r.epMu.Unlock()
	handle := uuid.New()
	m, ok := r.endpoints[name]
	if !ok {
		m = make(map[uuid.UUID]endpoint)
		r.endpoints[name] = m
	}
	m[handle] = endpoint{name: name, fn: fn}
	return handle
}

// UnregisterEndpoint removes an endpoint callback. Idempotent.
func (r *Registry) UnregisterEndpoint(name string, handle uuid.UUID) {
	r.epMu.Lock()
	defer r.epMu.Unlock()
	if m, ok := r.endpoints[name]; ok {
		delete(m, handle)
		if len(m) == 0 {
			delete(r.endpoints, name)
		}
	}
}

// Endpoint looks up a registered endpoint callback.
func (r *Registry) Endpoint(name string, handle uuid.UUID) (app.EndpointFunc, error) {
	r.epMu.RLock()
	defer r.epMu.RUnlock()
	ep, ok := r.endpoints[name][handle]
	if !ok {
		return nil, ErrInvalidHandle
	}
	return ep.fn, nil
}

// ClearApp removes every callback and endpoint keyed by the app name. Called
// on app termination.
func (r *Registry) ClearApp(name string) {
	r.mu.Lock()
	delete(r.callbacks, name)
	r.mu.Unlock()
	r.epMu.Lock()
	delete(r.endpoints, name)
	r.epMu.Unlock()
}

// EntryView is the diagnostic projection of a subscription.
type EntryView struct {
	Type      string
	Name      string
	Namespace string
	Entity    string
	Event     string
	Kwargs    map[string]any
}

// CallbackEntries snapshots the registry for diagnostics.
func (r *Registry) CallbackEntries() map[string]map[uuid.UUID]EntryView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]map[uuid.UUID]EntryView, len(r.callbacks))
	for name, entries := range r.callbacks {
		m := make(map[uuid.UUID]EntryView, len(entries))
		for handle, e := range entries {
			m[handle] = EntryView{
				Type:      e.Type,
				Name:      e.Name,
				Namespace: e.Namespace,
				Entity:    e.Entity,
				Event:     e.Event,
				Kwargs:    dispatch.CopyKwargs(e.Kwargs),
			}
		}
		out[name] = m
	}
	return out
}
