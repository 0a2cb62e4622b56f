package dispatch

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"hearth/engine/internal/telemetry/metrics"
	"hearth/engine/telemetry/logging"
)

// ErrQueueFull is returned when a non-blocking enqueue finds the queue at
// capacity. The caller treats this as a fatal configuration error.
var ErrQueueFull = errors.New("dispatch queue full")

// Resolver looks up the current id for an app. Jobs whose captured id differs
// are stale and discarded.
type Resolver interface {
	CurrentID(name string) (uuid.UUID, bool)
}

// PoolOptions tunes the worker pool.
type PoolOptions struct {
	Workers    int
	QueueDepth int
	Log        logging.Logger
	ErrLog     logging.Logger
	Metrics    metrics.Provider
}

// Pool is a bounded FIFO queue drained by a fixed set of workers. Workers are
// daemon-class: Stop closes the queue but in-flight user code is never joined,
// so they cannot block process exit.
type Pool struct {
	queue    chan Job
	resolver Resolver
	log      logging.Logger
	errlog   logging.Logger

	stopped  atomic.Bool
	stopOnce sync.Once

	initMu sync.Mutex
	inits  map[string]struct{}

	mJobs  metrics.Counter
	mStale metrics.Counter
	mPanic metrics.Counter
	mDepth metrics.Gauge
}

func NewPool(resolver Resolver, opts PoolOptions) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 10
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 100
	}
	if opts.Log == nil {
		opts.Log = logging.New(nil)
	}
	if opts.ErrLog == nil {
		opts.ErrLog = opts.Log
	}
	p := &Pool{
		queue:    make(chan Job, opts.QueueDepth),
		resolver: resolver,
		log:      opts.Log,
		errlog:   opts.ErrLog,
		inits:    make(map[string]struct{}),
	}
	if opts.Metrics != nil {
		common := func(name, help string, labels ...string) metrics.CommonOpts {
			return metrics.CommonOpts{Namespace: metrics.Namespace, Subsystem: "dispatch", Name: name, Help: help, Labels: labels}
		}
		p.mJobs = opts.Metrics.NewCounter(metrics.CounterOpts{CommonOpts: common("jobs_total", "Jobs executed by workers", "type")})
		p.mStale = opts.Metrics.NewCounter(metrics.CounterOpts{CommonOpts: common("stale_total", "Stale callbacks discarded")})
		p.mPanic = opts.Metrics.NewCounter(metrics.CounterOpts{CommonOpts: common("callback_errors_total", "Callbacks that panicked")})
		p.mDepth = opts.Metrics.NewGauge(metrics.GaugeOpts{CommonOpts: common("queue_depth", "Current dispatch queue depth")})
	}
	for i := 0; i < opts.Workers; i++ {
		go p.worker()
	}
	return p
}

// Enqueue adds a job without blocking. A full queue is an error; the producer
// must not be stalled by slow workers.
func (p *Pool) Enqueue(job Job) error {
	if p.stopped.Load() {
		return errors.New("dispatch pool stopped")
	}
	select {
	case p.queue <- job:
		if p.mDepth != nil {
			p.mDepth.Set(float64(len(p.queue)))
		}
		return nil
	default:
		return ErrQueueFull
	}
}

// QueueDepth reports the number of queued jobs.
func (p *Pool) QueueDepth() int { return len(p.queue) }

// Stop closes the queue; idle workers exit. Safe to call more than once.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		close(p.queue)
	})
}

// MarkInit records that an app's initialize is in flight; the marker is
// cleared by the next job the pool finishes for that app.
func (p *Pool) MarkInit(name string) {
	p.initMu.Lock()
	p.inits[name] = struct{}{}
	p.initMu.Unlock()
}

// InitPending reports whether an init marker is set for the app.
func (p *Pool) InitPending(name string) bool {
	p.initMu.Lock()
	defer p.initMu.Unlock()
	_, ok := p.inits[name]
	return ok
}

func (p *Pool) clearInit(name string) {
	p.initMu.Lock()
	delete(p.inits, name)
	p.initMu.Unlock()
}

func (p *Pool) worker() {
	for job := range p.queue {
		if p.mDepth != nil {
			p.mDepth.Set(float64(len(p.queue)))
		}
		p.run(job)
		p.clearInit(job.Name)
	}
}

func (p *Pool) run(job Job) {
	if p.resolver != nil {
		current, ok := p.resolver.CurrentID(job.Name)
		if !ok || current != job.ID {
			p.log.Warn("found stale callback - discarding", "app", job.Name, "type", job.Type)
			if p.mStale != nil {
				p.mStale.Inc(1)
			}
			return
		}
	}
	defer func() {
		if r := recover(); r != nil {
			if p.mPanic != nil {
				p.mPanic.Inc(1)
			}
			p.errlog.Error("unexpected error in worker",
				"app", job.Name,
				"type", job.Type,
				"entity", job.Entity,
				"error", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	if p.mJobs != nil {
		p.mJobs.Inc(1, job.Type)
	}
	switch job.Type {
	case TypeInitialize:
		p.log.Debug("calling initialize()", "app", job.Name)
		job.Init()
	case TypeTimer:
		job.Timer(SanitizeKwargs(job.Kwargs))
	case TypeAttr:
		job.Attr(job.Entity, job.Attribute, job.OldState, job.NewState, SanitizeKwargs(job.Kwargs))
	case TypeEvent:
		job.Event(job.EventName, job.Data, SanitizeKwargs(job.Kwargs))
	}
}
