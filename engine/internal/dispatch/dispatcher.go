package dispatch

import (
	"hearth/engine/telemetry/logging"
)

// ConstraintChecker gates a dispatch on one kwargs/config mapping. All maps
// must pass for the job to be enqueued.
type ConstraintChecker interface {
	Check(name string, args map[string]any) bool
}

// Dispatcher evaluates constraints and enqueues work. A full queue is a fatal
// configuration error surfaced through OnFatal.
type Dispatcher struct {
	pool    *Pool
	checker ConstraintChecker
	appArgs func(name string) map[string]any
	log     logging.Logger
	onFatal func(error)
}

type DispatcherOptions struct {
	Pool    *Pool
	Checker ConstraintChecker
	// AppArgs returns the app's config section for app-level constraints; nil
	// results skip the app-level gate.
	AppArgs func(name string) map[string]any
	Log     logging.Logger
	OnFatal func(error)
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.Log == nil {
		opts.Log = logging.New(nil)
	}
	d := &Dispatcher{pool: opts.Pool, checker: opts.Checker, appArgs: opts.AppArgs, log: opts.Log, onFatal: opts.OnFatal}
	if d.onFatal == nil {
		d.onFatal = func(err error) { d.log.Error("dispatch failed", "error", err) }
	}
	return d
}

// Dispatch gates the job on app-level and callback-level constraints, then
// enqueues it. Constrained jobs are dropped silently. Returns whether the job
// was enqueued.
func (d *Dispatcher) Dispatch(name string, job Job) bool {
	if d.checker != nil {
		if d.appArgs != nil {
			if args := d.appArgs(name); args != nil && !d.checker.Check(name, args) {
				return false
			}
		}
		if job.Kwargs != nil && !d.checker.Check(name, job.Kwargs) {
			return false
		}
	}
	if err := d.pool.Enqueue(job); err != nil {
		d.onFatal(err)
		return false
	}
	return true
}

// QueueDepth exposes the pool's queue depth for the utility loop's
// starvation check.
func (d *Dispatcher) QueueDepth() int { return d.pool.QueueDepth() }
