// Package app defines the contract between the hearth kernel and user-written
// automation apps. Apps implement App (and optionally Terminater) and receive
// a Kernel handle at construction through which all subscriptions, timers and
// state access flow.
package app

import (
	"time"

	"github.com/google/uuid"

	"hearth/engine/models"
)

// App is a single unit of automation logic. Initialize is invoked once per
// (re)load, after construction, and is where subscriptions are registered.
type App interface {
	Initialize()
}

// Terminater is implemented by apps that need teardown before reload or
// removal. Terminate is called synchronously; it completes before any of the
// app's registrations are cleared.
type Terminater interface {
	Terminate()
}

// StateFunc receives state-change deliveries.
type StateFunc func(entity, attribute string, oldVal, newVal any, kwargs map[string]any)

// EventFunc receives event deliveries.
type EventFunc func(event string, data map[string]any, kwargs map[string]any)

// TimerFunc receives timer deliveries.
type TimerFunc func(kwargs map[string]any)

// EndpointFunc serves a registered endpoint invocation.
type EndpointFunc func(data map[string]any) (any, error)

// Factory constructs an app instance. The kernel hands every factory the
// kernel API, the app's configured name and its config-file args.
type Factory func(k Kernel, name string, args map[string]any) App

// ClassMap maps class names (the config "class" key) to factories. A loadable
// module exports exactly one ClassMap.
type ClassMap map[string]Factory

// Kernel is the API surface the daemon exposes to apps. Stable: method
// contracts are committed; additions are allowed.
type Kernel interface {
	// Subscriptions
	ListenState(name string, fn StateFunc, namespace, entity string, kwargs map[string]any) (uuid.UUID, error)
	CancelListenState(name string, handle uuid.UUID)
	InfoListenState(name string, handle uuid.UUID) (namespace, entity string, attribute string, kwargs map[string]any, err error)
	ListenEvent(name string, fn EventFunc, event string, kwargs map[string]any) (uuid.UUID, error)
	CancelListenEvent(name string, handle uuid.UUID)
	InfoListenEvent(name string, handle uuid.UUID) (event string, kwargs map[string]any, err error)
	RegisterEndpoint(name string, fn EndpointFunc) uuid.UUID
	UnregisterEndpoint(name string, handle uuid.UUID)

	// Scheduling
	RunIn(name string, fn TimerFunc, delay time.Duration, kwargs map[string]any) (uuid.UUID, error)
	RunOnce(name string, fn TimerFunc, at string, kwargs map[string]any) (uuid.UUID, error)
	RunAt(name string, fn TimerFunc, when time.Time, kwargs map[string]any) (uuid.UUID, error)
	RunEvery(name string, fn TimerFunc, start time.Time, interval time.Duration, kwargs map[string]any) (uuid.UUID, error)
	RunDaily(name string, fn TimerFunc, at string, kwargs map[string]any) (uuid.UUID, error)
	RunHourly(name string, fn TimerFunc, at string, kwargs map[string]any) (uuid.UUID, error)
	RunMinutely(name string, fn TimerFunc, at string, kwargs map[string]any) (uuid.UUID, error)
	RunAtSunrise(name string, fn TimerFunc, kwargs map[string]any) (uuid.UUID, error)
	RunAtSunset(name string, fn TimerFunc, kwargs map[string]any) (uuid.UUID, error)
	CancelTimer(name string, handle uuid.UUID)
	InfoTimer(name string, handle uuid.UUID) (when time.Time, interval int64, kwargs map[string]any, err error)

	// State
	GetState(namespace, device, entity, attribute string) any
	SetState(namespace, entityID string, state *models.EntityState)
	SetAppState(entityID string, state *models.EntityState)
	EntityExists(namespace, entityID string) bool

	// Time helpers
	GetNow() time.Time
	GetNowTS() int64
	NowIsBetween(start, end string) (bool, error)
	ParseTime(s string) (time.Duration, error)
	Sunrise() time.Time
	Sunset() time.Time
}
