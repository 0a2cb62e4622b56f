package engine

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"

	"github.com/google/uuid"

	"hearth/engine/internal/dispatch"
	"hearth/engine/internal/registry"
	telemEvents "hearth/engine/internal/telemetry/events"
	"hearth/engine/models"
	"hearth/engine/plugin"
)

// startPlugins constructs each configured plugin, installs its seed state
// atomically, and launches its update task. A duplicate namespace is a
// programming error and fails startup.
func (e *Engine) startPlugins(ctx context.Context) error {
	for name, pcfg := range e.cfg.Plugins {
		basename, _ := pcfg["plugin"].(string)
		if basename == "" {
			return fmt.Errorf("plugin %q: missing plugin key", name)
		}
		e.log.Info("loading plugin", "name", name, "plugin", basename)
		p, err := plugin.New(basename, name, e.log, pcfg)
		if err != nil {
			return err
		}
		namespace := p.Namespace()
		if _, dup := e.plugins[namespace]; dup {
			return fmt.Errorf("%w: %s", plugin.ErrDuplicateNamespace, namespace)
		}
		seed, err := p.CompleteState(ctx)
		if err != nil {
			return fmt.Errorf("plugin %q: seeding state: %w", name, err)
		}
		e.store.SetNamespace(namespace, seed)
		e.plugins[namespace] = p

		go func(p plugin.Plugin, namespace string) {
			if err := p.Updates(ctx, e); err != nil && ctx.Err() == nil {
				e.errlog.Error("plugin update task exited", "namespace", namespace, "error", err)
			}
		}(p, namespace)
		e.publish(telemEvents.CategoryPlugin, "plugin_started", "", map[string]any{"namespace": namespace})
	}
	return nil
}

// StateUpdate is the entry point for plugin pushes (and the app queue). A
// state_changed event replaces the stored snapshot and runs state-change
// matching; every event type then runs event matching.
func (e *Engine) StateUpdate(namespace string, ev models.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.errlog.Error("unexpected error during state update",
				"namespace", namespace, "error", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	e.log.Debug("state update", "namespace", namespace, "event_type", ev.Type)

	if ev.Type == models.StateChanged {
		entityID, _ := ev.Data["entity_id"].(string)
		if entityID != "" {
			newState, _ := ev.Data["new_state"].(*models.EntityState)
			e.store.Set(namespace, entityID, newState)
		}
	}

	if !e.cfg.Apps {
		return
	}
	if ev.Type == models.StateChanged {
		e.processStateChange(namespace, ev)
	}
	e.processEvent(ev)
}

// processStateChange matches one replaced snapshot against every state
// subscription in the namespace.
func (e *Engine) processStateChange(namespace string, ev models.Event) {
	entityID, _ := ev.Data["entity_id"].(string)
	device, entity := models.SplitEntityID(entityID)
	newState, _ := ev.Data["new_state"].(*models.EntityState)
	oldState, _ := ev.Data["old_state"].(*models.EntityState)

	e.reg.ForEachState(namespace, func(handle uuid.UUID, entry *registry.Entry) {
		cdevice, centity := "", ""
		if entry.Entity != "" {
			cdevice, centity = models.SplitEntityID(entry.Entity)
		}
		switch {
		case cdevice == "":
			// any entity
		case centity == "":
			if device != cdevice {
				return
			}
		default:
			if device != cdevice || entity != centity {
				return
			}
		}
		e.checkAndDispatch(entry, handle, entityID, newState, oldState)
	})
}

// checkAndDispatch resolves the watched attribute, applies the old/new gate,
// and either dispatches, arms the settle timer, or cancels a broken settle
// window. Runs under the registry lock (callbacks before schedule).
func (e *Engine) checkAndDispatch(entry *registry.Entry, handle uuid.UUID, entityID string, newState, oldState *models.EntityState) {
	attribute, _ := entry.Kwargs["attribute"].(string)
	if attribute == "" {
		attribute = "state"
	}

	if attribute == "all" {
		e.disp.Dispatch(entry.Name, dispatch.Job{
			Type:      dispatch.TypeAttr,
			Name:      entry.Name,
			ID:        entry.ID,
			Attr:      entry.StateFn,
			Entity:    entityID,
			Attribute: attribute,
			OldState:  oldState,
			NewState:  newState,
			Kwargs:    dispatch.CopyKwargs(entry.Kwargs),
		})
		return
	}

	oldVal := oldState.Resolve(attribute)
	newVal := newState.Resolve(attribute)
	cold := entry.Kwargs["old"]
	cnew := entry.Kwargs["new"]

	if (cold == nil || valuesEqual(cold, oldVal)) && (cnew == nil || valuesEqual(cnew, newVal)) {
		if duration, ok := durationSeconds(entry.Kwargs["duration"]); ok {
			// Settle pattern: the condition must hold for the duration; only
			// the timer delivers.
			execTime := e.clock.NowTS() + duration
			timer, err := e.sched.InsertSettle(entry.Name, entry.ID, execTime, entry.StateFn, entityID, attribute, oldVal, newVal, dispatch.CopyKwargs(entry.Kwargs))
			if err != nil {
				e.errlog.Error("settle timer insert failed", "app", entry.Name, "error", err)
				return
			}
			t := timer
			entry.PendingTimer = &t
			return
		}
		e.disp.Dispatch(entry.Name, dispatch.Job{
			Type:      dispatch.TypeAttr,
			Name:      entry.Name,
			ID:        entry.ID,
			Attr:      entry.StateFn,
			Entity:    entityID,
			Attribute: attribute,
			OldState:  oldVal,
			NewState:  newVal,
			Kwargs:    dispatch.CopyKwargs(entry.Kwargs),
		})
		return
	}

	if entry.PendingTimer != nil {
		// The settle window broke before the duration elapsed.
		e.sched.Cancel(entry.Name, *entry.PendingTimer)
		entry.PendingTimer = nil
	}
}

// processEvent matches an event against every event subscription: a nil-like
// (empty) event name is a wildcard, and subscription kwargs act as an
// AND-filter over payload fields.
func (e *Engine) processEvent(ev models.Event) {
	e.reg.ForEachEvent(func(handle uuid.UUID, entry *registry.Entry) {
		if entry.Event != "" && entry.Event != ev.Type {
			return
		}
		for key, want := range entry.Kwargs {
			if got, present := ev.Data[key]; present && !valuesEqual(want, got) {
				return
			}
		}
		e.disp.Dispatch(entry.Name, dispatch.Job{
			Type:      dispatch.TypeEvent,
			Name:      entry.Name,
			ID:        entry.ID,
			Event:     entry.EventFn,
			EventName: ev.Type,
			Data:      ev.Data,
			Kwargs:    dispatch.CopyKwargs(entry.Kwargs),
		})
	})
}

// valuesEqual compares gate values leniently: deep equality, with numeric
// cross-type comparison so YAML ints match JSON floats.
func valuesEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return aok && bok && af == bf
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func durationSeconds(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}
