package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"hearth/engine/internal/clock"
	"hearth/engine/internal/dispatch"
	telemEvents "hearth/engine/internal/telemetry/events"
)

// doEvery invokes f once per period real seconds, correcting for drift by
// anchoring to the loop start time. f receives the next virtual timestamp and
// may return a different one to resync; the anchor resets when it does.
func (e *Engine) doEvery(ctx context.Context, period int64, f func(utc int64) int64) {
	t := e.clock.NowTS()
	anchor := time.Now().Unix()
	count := int64(0)
	for !e.stopping.Load() {
		count++
		delay := anchor + count*period - time.Now().Unix()
		if delay > 0 {
			select {
			case <-time.After(time.Duration(delay) * time.Second):
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			}
		}
		t += e.clock.Interval()
		if r := f(t); r != t {
			t = r
			anchor = r
			count = 0
		}
	}
}

// tick is the scheduler loop body: advance virtual now, check for the end of
// a simulated run, correct realtime skew, update the sun, handle DST flips,
// and fire due timers. Returns the (possibly corrected) virtual timestamp.
func (e *Engine) tick(utc int64) int64 {
	defer func() {
		if r := recover(); r != nil {
			e.errlog.Error("unexpected error during scheduler tick",
				"error", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	start := time.Now()
	e.clock.SetNow(utc)

	if e.clock.EndReached() {
		e.log.Info("end time reached, exiting")
		e.Stop()
		return utc
	}

	if corrected, skewed := e.clock.CheckSkew(utc); skewed {
		e.log.Warn("scheduler clock skew detected - resetting", "delta", utc-corrected)
		e.clock.SetNow(corrected)
		return corrected
	}

	e.updateSun()

	nowDST := clock.IsDST(e.clock.Now())
	if nowDST != e.wasDST {
		e.log.Info("detected change in DST - reloading all modules", "was", e.wasDST, "now", nowDST)
		e.publish(telemEvents.CategoryClock, "dst_change", "", nil)
		if err := e.mgr.ReadApps(true); err != nil {
			e.errlog.Error("app reload after DST change failed", "error", err)
		}
	}
	e.wasDST = nowDST

	e.sched.Fire(utc, func(name string, job dispatch.Job) {
		e.disp.Dispatch(name, job)
	})

	if elapsed := time.Since(start); elapsed > 900*time.Millisecond {
		e.log.Warn("excessive time spent in scheduler loop", "elapsed", elapsed)
	}
	return utc
}

// updateSun recomputes the next sun instants and re-pins inactive
// sun-relative schedule entries when an instant advances.
func (e *Engine) updateSun() {
	risingChanged, settingChanged := e.sun.Update(e.clock.Now())
	if risingChanged {
		e.sched.ProcessSun(clock.NextRising)
	}
	if settingChanged {
		e.sched.ProcessSun(clock.NextSetting)
	}
}

// utilityLoop runs the housekeeping pass once per utility_delay seconds:
// app rescans, config rescans, queue health, and plugin maintenance. All work
// is contained in a single recover frame; failures never propagate.
func (e *Engine) utilityLoop(ctx context.Context) {
	delay := time.Duration(e.cfg.UtilityDelay) * time.Second
	for !e.stopping.Load() {
		start := time.Now()
		e.utilityPass()
		if elapsed := time.Since(start); elapsed > delay*9/10 {
			e.log.Warn("excessive time spent in utility loop", "elapsed", elapsed)
		}
		select {
		case <-time.After(delay):
		case <-e.mgr.Changed():
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) utilityPass() {
	defer func() {
		if r := recover(); r != nil {
			e.errlog.Error("unexpected error during utility()",
				"error", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()

	if err := e.mgr.ReadApps(false); err != nil {
		e.errlog.Error("app rescan failed", "error", err)
	}
	e.mgr.CheckConfig()

	if qsize := e.disp.QueueDepth(); qsize > 0 && qsize%10 == 0 {
		e.log.Warn("queue size is non-zero, suspect thread starvation", "qsize", qsize)
		e.publish(telemEvents.CategoryDispatch, "queue_backlog", "", map[string]any{"qsize": qsize})
	}

	for _, p := range e.plugins {
		p.Utility()
	}
}

// drainAppQueue feeds SetAppState's synthetic events through the normal
// state-update path under the app namespace.
func (e *Engine) drainAppQueue(ctx context.Context) {
	for {
		select {
		case ev := <-e.appq:
			e.StateUpdate(e.cfg.AppNamespace, ev)
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		}
	}
}
