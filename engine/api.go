package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"hearth/engine/app"
	"hearth/engine/internal/clock"
	"hearth/engine/internal/dispatch"
	"hearth/engine/models"
)

// This file is the app-facing API surface (the app.Kernel implementation).

// Subscriptions -------------------------------------------------------------

// ListenState registers a state-change callback. entity may be empty (any
// entity in the namespace), a device ("light"), or a full id ("light.x").
// Recognized kwargs include attribute, old, new, duration and immediate.
func (e *Engine) ListenState(name string, fn app.StateFunc, namespace, entity string, kwargs map[string]any) (uuid.UUID, error) {
	id, ok := e.mgr.CurrentID(name)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrUnknownApp, name)
	}
	kw := dispatch.CopyKwargs(kwargs)
	handle := e.reg.AddState(name, id, namespace, entity, fn, kw)

	// With immediate set and a defined new and duration, a condition that
	// already holds starts its settle clock at registration.
	if immediate, _ := kw["immediate"].(bool); immediate && entity != "" {
		cnew, hasNew := kw["new"]
		duration, hasDuration := durationSeconds(kw["duration"])
		if hasNew && hasDuration {
			if snap := e.store.GetEntity(namespace, entity); snap != nil && valuesEqual(snap.State, cnew) {
				execTime := e.clock.NowTS() + duration
				timer, err := e.sched.InsertSettle(name, id, execTime, fn, entity, "", nil, cnew, dispatch.CopyKwargs(kw))
				if err != nil {
					return uuid.Nil, err
				}
				e.reg.SetPendingTimer(name, handle, timer)
			}
		}
	}
	return handle, nil
}

// CancelListenState removes a state subscription. Idempotent.
func (e *Engine) CancelListenState(name string, handle uuid.UUID) {
	e.reg.CancelState(name, handle)
}

// InfoListenState describes a state subscription.
func (e *Engine) InfoListenState(name string, handle uuid.UUID) (namespace, entity, attribute string, kwargs map[string]any, err error) {
	return e.reg.InfoState(name, handle)
}

// ListenEvent registers an event callback. An empty event matches all event
// types; kwargs filter on payload fields.
func (e *Engine) ListenEvent(name string, fn app.EventFunc, event string, kwargs map[string]any) (uuid.UUID, error) {
	id, ok := e.mgr.CurrentID(name)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrUnknownApp, name)
	}
	return e.reg.AddEvent(name, id, event, fn, dispatch.CopyKwargs(kwargs)), nil
}

// CancelListenEvent removes an event subscription. Idempotent.
func (e *Engine) CancelListenEvent(name string, handle uuid.UUID) {
	e.reg.CancelEvent(name, handle)
}

// InfoListenEvent describes an event subscription.
func (e *Engine) InfoListenEvent(name string, handle uuid.UUID) (event string, kwargs map[string]any, err error) {
	return e.reg.InfoEvent(name, handle)
}

// RegisterEndpoint exposes a callback under the app's endpoint table.
func (e *Engine) RegisterEndpoint(name string, fn app.EndpointFunc) uuid.UUID {
	return e.reg.RegisterEndpoint(name, fn)
}

// UnregisterEndpoint removes an endpoint registration. Idempotent.
func (e *Engine) UnregisterEndpoint(name string, handle uuid.UUID) {
	e.reg.UnregisterEndpoint(name, handle)
}

// Endpoint looks up a registered endpoint callback.
func (e *Engine) Endpoint(name string, handle uuid.UUID) (app.EndpointFunc, error) {
	return e.reg.Endpoint(name, handle)
}

// Scheduling ----------------------------------------------------------------

func (e *Engine) appID(name string) (uuid.UUID, error) {
	id, ok := e.mgr.CurrentID(name)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrUnknownApp, name)
	}
	return id, nil
}

// RunIn schedules fn once, delay from now.
func (e *Engine) RunIn(name string, fn app.TimerFunc, delay time.Duration, kwargs map[string]any) (uuid.UUID, error) {
	id, err := e.appID(name)
	if err != nil {
		return uuid.Nil, err
	}
	basetime := e.clock.NowTS() + int64(delay/time.Second)
	return e.sched.Insert(name, id, basetime, fn, false, "", dispatch.CopyKwargs(kwargs))
}

// RunAt schedules fn once at an absolute time, which must not be in the past.
func (e *Engine) RunAt(name string, fn app.TimerFunc, when time.Time, kwargs map[string]any) (uuid.UUID, error) {
	id, err := e.appID(name)
	if err != nil {
		return uuid.Nil, err
	}
	if when.Unix() < e.clock.NowTS() {
		return uuid.Nil, fmt.Errorf("run_at: time %s is in the past", when)
	}
	return e.sched.Insert(name, id, when.Unix(), fn, false, "", dispatch.CopyKwargs(kwargs))
}

// RunOnce schedules fn once at the next occurrence of a time of day
// ("HH:MM:SS", "sunrise", "sunset", or sun expressions with offsets).
func (e *Engine) RunOnce(name string, fn app.TimerFunc, at string, kwargs map[string]any) (uuid.UUID, error) {
	id, err := e.appID(name)
	if err != nil {
		return uuid.Nil, err
	}
	basetime, err := e.nextOccurrence(at)
	if err != nil {
		return uuid.Nil, err
	}
	return e.sched.Insert(name, id, basetime, fn, false, "", dispatch.CopyKwargs(kwargs))
}

// RunEvery schedules fn repeatedly from start with a fixed interval.
func (e *Engine) RunEvery(name string, fn app.TimerFunc, start time.Time, interval time.Duration, kwargs map[string]any) (uuid.UUID, error) {
	id, err := e.appID(name)
	if err != nil {
		return uuid.Nil, err
	}
	kw := dispatch.CopyKwargs(kwargs)
	kw["interval"] = int64(interval / time.Second)
	return e.sched.Insert(name, id, start.Unix(), fn, true, "", kw)
}

// RunDaily schedules fn every day at a time of day.
func (e *Engine) RunDaily(name string, fn app.TimerFunc, at string, kwargs map[string]any) (uuid.UUID, error) {
	id, err := e.appID(name)
	if err != nil {
		return uuid.Nil, err
	}
	basetime, err := e.nextOccurrence(at)
	if err != nil {
		return uuid.Nil, err
	}
	kw := dispatch.CopyKwargs(kwargs)
	kw["interval"] = int64(24 * 3600)
	return e.sched.Insert(name, id, basetime, fn, true, "", kw)
}

// RunHourly schedules fn every hour at the minute and second of the given
// time expression.
func (e *Engine) RunHourly(name string, fn app.TimerFunc, at string, kwargs map[string]any) (uuid.UUID, error) {
	return e.runSubDaily(name, fn, at, time.Hour, kwargs)
}

// RunMinutely schedules fn every minute at the second of the given time
// expression.
func (e *Engine) RunMinutely(name string, fn app.TimerFunc, at string, kwargs map[string]any) (uuid.UUID, error) {
	return e.runSubDaily(name, fn, at, time.Minute, kwargs)
}

func (e *Engine) runSubDaily(name string, fn app.TimerFunc, at string, period time.Duration, kwargs map[string]any) (uuid.UUID, error) {
	id, err := e.appID(name)
	if err != nil {
		return uuid.Nil, err
	}
	tod, err := e.eval.ParseTime(at)
	if err != nil {
		return uuid.Nil, err
	}
	now := e.GetNow()
	base := now.Truncate(period).Add(tod % period)
	for !base.After(now) {
		base = base.Add(period)
	}
	kw := dispatch.CopyKwargs(kwargs)
	kw["interval"] = int64(period / time.Second)
	return e.sched.Insert(name, id, base.Unix(), fn, true, "", kw)
}

// RunAtSunrise schedules fn at every sunrise. Offset kwargs (offset, or
// random_start/random_end) shift the fire time.
func (e *Engine) RunAtSunrise(name string, fn app.TimerFunc, kwargs map[string]any) (uuid.UUID, error) {
	return e.runAtSun(name, fn, clock.NextRising, kwargs)
}

// RunAtSunset schedules fn at every sunset.
func (e *Engine) RunAtSunset(name string, fn app.TimerFunc, kwargs map[string]any) (uuid.UUID, error) {
	return e.runAtSun(name, fn, clock.NextSetting, kwargs)
}

func (e *Engine) runAtSun(name string, fn app.TimerFunc, kind string, kwargs map[string]any) (uuid.UUID, error) {
	id, err := e.appID(name)
	if err != nil {
		return uuid.Nil, err
	}
	return e.sched.Insert(name, id, e.sun.Instant(kind), fn, true, kind, dispatch.CopyKwargs(kwargs))
}

// CancelTimer cancels a scheduled entry. Idempotent.
func (e *Engine) CancelTimer(name string, handle uuid.UUID) {
	e.sched.Cancel(name, handle)
}

// InfoTimer returns a timer's next fire time, interval and sanitized kwargs.
func (e *Engine) InfoTimer(name string, handle uuid.UUID) (time.Time, int64, map[string]any, error) {
	ts, interval, kwargs, err := e.sched.Info(name, handle)
	if err != nil {
		return time.Time{}, 0, nil, err
	}
	return time.Unix(ts, 0).In(e.clock.Location()), interval, kwargs, nil
}

// nextOccurrence resolves a time-of-day expression to the next matching unix
// timestamp (today, or tomorrow when already past).
func (e *Engine) nextOccurrence(at string) (int64, error) {
	tod, err := e.eval.ParseTime(at)
	if err != nil {
		return 0, err
	}
	now := e.GetNow()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	next := midnight.Add(tod)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Unix(), nil
}

// State ---------------------------------------------------------------------

// GetState performs the four-level state resolution. Empty strings stand for
// absent levels.
func (e *Engine) GetState(namespace, device, entity, attribute string) any {
	return e.store.Get(namespace, device, entity, attribute)
}

// SetState replaces an entity snapshot directly, without emitting an event.
func (e *Engine) SetState(namespace, entityID string, snap *models.EntityState) {
	e.store.Set(namespace, entityID, snap)
}

// SetAppState publishes an app-owned entity: the snapshot lands in the app
// namespace and a synthetic state_changed event flows through the normal
// matching path.
func (e *Engine) SetAppState(entityID string, snap *models.EntityState) {
	e.log.Debug("set_app_state", "entity", entityID)
	if entityID == "" {
		return
	}
	if _, entity := models.SplitEntityID(entityID); entity == "" {
		return
	}
	oldState := e.store.GetEntity(e.cfg.AppNamespace, entityID)
	ev := models.Event{Type: models.StateChanged, Data: map[string]any{
		"entity_id": entityID,
		"new_state": snap,
		"old_state": oldState,
	}}
	select {
	case e.appq <- ev:
	default:
		e.log.Warn("app state queue full - dropping update", "entity", entityID)
	}
}

// EntityExists reports whether a full entity id is known in the namespace.
func (e *Engine) EntityExists(namespace, entityID string) bool {
	return e.store.EntityExists(namespace, entityID)
}

// Time helpers --------------------------------------------------------------

// GetNow returns virtual now in the daemon's timezone.
func (e *Engine) GetNow() time.Time { return e.clock.Now() }

// GetNowTS returns virtual now as unix seconds.
func (e *Engine) GetNowTS() int64 { return e.clock.NowTS() }

// NowIsBetween reports whether the current time of day lies within the
// (possibly midnight-spanning) inclusive window.
func (e *Engine) NowIsBetween(start, end string) (bool, error) {
	return e.eval.NowIsBetween(start, end)
}

// ParseTime resolves a time expression to a time of day.
func (e *Engine) ParseTime(s string) (time.Duration, error) { return e.eval.ParseTime(s) }

// Sunrise returns the next sunrise in local time.
func (e *Engine) Sunrise() time.Time { return e.sun.NextRising().In(e.clock.Location()) }

// Sunset returns the next sunset in local time.
func (e *Engine) Sunset() time.Time { return e.sun.NextSetting().In(e.clock.Location()) }
