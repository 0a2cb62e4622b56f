// Package dispatch is the hand-off between the kernel's matching/firing paths
// and the fixed worker pool that runs user callbacks.
package dispatch

import (
	"strings"

	"github.com/google/uuid"

	"hearth/engine/app"
)

// Job types. Every job carries the app name and the app id captured at
// registration time; the worker drops jobs whose id no longer matches.
const (
	TypeInitialize = "initialize"
	TypeTimer      = "timer"
	TypeAttr       = "attr"
	TypeEvent      = "event"
)

// Job is the tagged union handed to workers. Exactly one of Init, Timer,
// Attr, Event is set according to Type.
type Job struct {
	Type string
	Name string
	ID   uuid.UUID

	Init  func()
	Timer app.TimerFunc
	Attr  app.StateFunc
	Event app.EventFunc

	// attr fields
	Entity    string
	Attribute string
	OldState  any
	NewState  any

	// event fields
	EventName string
	Data      map[string]any

	Kwargs map[string]any
}

// internalKwargs are bookkeeping keys stripped before kwargs reach user code.
var internalKwargs = map[string]struct{}{
	"handle":       {},
	"attribute":    {},
	"old":          {},
	"new":          {},
	"duration":     {},
	"immediate":    {},
	"interval":     {},
	"random_start": {},
	"random_end":   {},
	"offset":       {},
}

// SanitizeKwargs returns a copy of kwargs with internal bookkeeping keys and
// constrain_* keys removed. Safe on nil input.
func SanitizeKwargs(kwargs map[string]any) map[string]any {
	out := make(map[string]any, len(kwargs))
	for k, v := range kwargs {
		if _, internal := internalKwargs[k]; internal {
			continue
		}
		if strings.HasPrefix(k, "constrain_") {
			continue
		}
		out[k] = v
	}
	return out
}

// CopyKwargs returns a shallow copy so scheduler-owned maps are never shared
// with worker threads.
func CopyKwargs(kwargs map[string]any) map[string]any {
	out := make(map[string]any, len(kwargs))
	for k, v := range kwargs {
		out[k] = v
	}
	return out
}
