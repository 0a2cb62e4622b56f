// Package schedule owns the per-app timer tables: insertion with fixed or
// randomized offsets, the per-tick firing pass, sun-relative re-pinning, and
// cancellation.
package schedule

import (
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"hearth/engine/app"
	"hearth/engine/internal/dispatch"
	"hearth/engine/internal/telemetry/metrics"
	"hearth/engine/telemetry/logging"
)

// ErrInvalidHandle is returned by Info on unknown handles.
var ErrInvalidHandle = errors.New("invalid handle")

// ErrOffsetConflict is raised when a fixed offset is combined with a random
// offset range.
var ErrOffsetConflict = errors.New("can't specify offset as well as 'random_start' or 'random_end'")

// SunSource yields the unix timestamp of the next sun event of a kind
// ("next_rising" / "next_setting").
type SunSource interface {
	Instant(kind string) int64
}

// settle carries the delivery fields of a duration-gated state callback; a
// timer entry with a settle delivers an attr job instead of a timer job.
type settle struct {
	fn        app.StateFunc
	entity    string
	attribute string
	oldState  any
	newState  any
}

// Entry is a single scheduled timer.
type Entry struct {
	Name      string
	ID        uuid.UUID
	Timestamp int64
	Basetime  int64
	Interval  int64
	Offset    int64
	Repeat    bool
	Type      string // "" | next_rising | next_setting
	Inactive  bool
	Kwargs    map[string]any

	timer  app.TimerFunc
	settle *settle
	seq    uint64
}

// Scheduler holds timers as app name -> handle -> entry. The schedule mutex
// is held for whole firing passes, including the dispatch submissions made
// from them; dispatch must never re-enter the scheduler.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]map[uuid.UUID]*Entry
	seq     uint64

	sun    SunSource
	log    logging.Logger
	errlog logging.Logger

	randMu sync.Mutex
	rand   *rand.Rand

	mFired metrics.Counter
}

type Options struct {
	Sun     SunSource
	Log     logging.Logger
	ErrLog  logging.Logger
	Metrics metrics.Provider
}

func New(opts Options) *Scheduler {
	if opts.Log == nil {
		opts.Log = logging.New(nil)
	}
	if opts.ErrLog == nil {
		opts.ErrLog = opts.Log
	}
	s := &Scheduler{
		entries: make(map[string]map[uuid.UUID]*Entry),
		sun:     opts.Sun,
		log:     opts.Log,
		errlog:  opts.ErrLog,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if opts.Metrics != nil {
		s.mFired = opts.Metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: metrics.Namespace, Subsystem: "scheduler", Name: "fired_total", Help: "Timer entries fired",
		}})
	}
	return s
}

// Insert schedules a timer callback. basetime is unix seconds; the stored
// timestamp is basetime plus the offset computed from kwargs.
func (s *Scheduler) Insert(name string, id uuid.UUID, basetime int64, fn app.TimerFunc, repeat bool, kind string, kwargs map[string]any) (uuid.UUID, error) {
	return s.insert(name, id, basetime, repeat, kind, kwargs, &Entry{timer: fn})
}

// InsertSettle schedules the one-shot timer of the settle pattern: when it
// fires it delivers an attr job carrying the gated transition.
func (s *Scheduler) InsertSettle(name string, id uuid.UUID, basetime int64, fn app.StateFunc, entity, attribute string, oldState, newState any, kwargs map[string]any) (uuid.UUID, error) {
	e := &Entry{settle: &settle{fn: fn, entity: entity, attribute: attribute, oldState: oldState, newState: newState}}
	return s.insert(name, id, basetime, false, "", kwargs, e)
}

func (s *Scheduler) insert(name string, id uuid.UUID, basetime int64, repeat bool, kind string, kwargs map[string]any, e *Entry) (uuid.UUID, error) {
	offset, err := s.computeOffset(kwargs)
	if err != nil {
		return uuid.Nil, err
	}
	interval, _ := toInt64(kwargs["interval"])

	s.mu.Lock()
	defer s.mu.Unlock()
	handle := uuid.New()
	s.seq++
	e.Name = name
	e.ID = id
	e.Basetime = basetime
	e.Offset = offset
	e.Timestamp = basetime + offset
	e.Interval = interval
	e.Repeat = repeat
	e.Type = kind
	e.Kwargs = kwargs
	e.seq = s.seq
	m, ok := s.entries[name]
	if !ok {
		m = make(map[uuid.UUID]*Entry)
		s.entries[name] = m
	}
	m[handle] = e
	return handle, nil
}

// computeOffset resolves the entry offset from kwargs: a fixed offset is used
// as-is and may not be combined with a random range; otherwise a uniform
// integer in [random_start, random_end] (both default 0) is drawn.
func (s *Scheduler) computeOffset(kwargs map[string]any) (int64, error) {
	if raw, ok := kwargs["offset"]; ok {
		if _, conflict := kwargs["random_start"]; conflict {
			return 0, ErrOffsetConflict
		}
		if _, conflict := kwargs["random_end"]; conflict {
			return 0, ErrOffsetConflict
		}
		off, _ := toInt64(raw)
		return off, nil
	}
	start, _ := toInt64(kwargs["random_start"])
	end, _ := toInt64(kwargs["random_end"])
	if end <= start {
		return start, nil
	}
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return start + s.rand.Int63n(end-start+1), nil
}

// Fire walks each app's entries in ascending timestamp order (ties broken by
// insertion order) and submits every due entry, applying the repeat rewrite
// rules. The walk stops at the first entry in the future. Empty per-app maps
// are collapsed after the pass.
func (s *Scheduler) Fire(now int64, dispatchFn func(name string, job dispatch.Job)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, entries := range s.entries {
		for _, ref := range sortedRefs(entries) {
			if ref.e.Timestamp > now {
				break
			}
			s.exec(name, ref.handle, ref.e, now, dispatchFn)
		}
	}
	for name, entries := range s.entries {
		if len(entries) == 0 {
			delete(s.entries, name)
		}
	}
}

type entryRef struct {
	handle uuid.UUID
	e      *Entry
}

func sortedRefs(entries map[uuid.UUID]*Entry) []entryRef {
	refs := make([]entryRef, 0, len(entries))
	for handle, e := range entries {
		refs = append(refs, entryRef{handle: handle, e: e})
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].e.Timestamp != refs[j].e.Timestamp {
			return refs[i].e.Timestamp < refs[j].e.Timestamp
		}
		return refs[i].e.seq < refs[j].e.seq
	})
	return refs
}

// exec submits one due entry and rewrites or deletes it. Any failure deletes
// the entry so a broken timer cannot loop forever.
func (s *Scheduler) exec(name string, handle uuid.UUID, e *Entry, now int64, dispatchFn func(string, dispatch.Job)) {
	defer func() {
		if r := recover(); r != nil {
			s.errlog.Error("unexpected error during schedule execution - entry deleted",
				"app", name,
				"error", fmt.Sprint(r),
				"stack", string(debug.Stack()))
			delete(s.entries[name], handle)
		}
	}()

	if e.Inactive {
		return
	}

	dispatchFn(name, s.buildJob(e))
	if s.mFired != nil {
		s.mFired.Inc(1)
	}

	if !e.Repeat {
		delete(s.entries[name], handle)
		return
	}
	if e.Type == "next_rising" || e.Type == "next_setting" {
		// A negative offset means the next sun instant is not knowable yet;
		// park the entry until ProcessSun reifies it.
		if e.Offset < 0 {
			e.Inactive = true
			return
		}
		offset, _ := s.computeOffset(e.Kwargs) // kwargs validated at insert
		e.Offset = offset
		e.Timestamp = s.sun.Instant(e.Type) + offset
		return
	}
	offset, _ := s.computeOffset(e.Kwargs)
	e.Basetime += e.Interval
	e.Offset = offset
	e.Timestamp = e.Basetime + offset
}

func (s *Scheduler) buildJob(e *Entry) dispatch.Job {
	if e.settle != nil {
		return dispatch.Job{
			Type:      dispatch.TypeAttr,
			Name:      e.Name,
			ID:        e.ID,
			Attr:      e.settle.fn,
			Entity:    e.settle.entity,
			Attribute: e.settle.attribute,
			OldState:  e.settle.oldState,
			NewState:  e.settle.newState,
			Kwargs:    dispatch.CopyKwargs(e.Kwargs),
		}
	}
	return dispatch.Job{
		Type:   dispatch.TypeTimer,
		Name:   e.Name,
		ID:     e.ID,
		Timer:  e.timer,
		Kwargs: dispatch.CopyKwargs(e.Kwargs),
	}
}

// ProcessSun reifies inactive entries of the given kind against the freshly
// advanced sun instant.
func (s *Scheduler) ProcessSun(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entries := range s.entries {
		for _, e := range entries {
			if e.Type != kind || !e.Inactive {
				continue
			}
			offset, err := s.computeOffset(e.Kwargs)
			if err != nil {
				continue
			}
			e.Inactive = false
			e.Offset = offset
			e.Timestamp = s.sun.Instant(kind) + offset
		}
	}
}

// Cancel removes a timer. Idempotent; empty per-app maps are collapsed.
func (s *Scheduler) Cancel(name string, handle uuid.UUID) {
	s.log.Debug("canceling timer", "app", name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.entries[name]; ok {
		delete(m, handle)
		if len(m) == 0 {
			delete(s.entries, name)
		}
	}
}

// Info returns the entry's fire timestamp, interval and sanitized kwargs, or
// ErrInvalidHandle.
func (s *Scheduler) Info(name string, handle uuid.UUID) (timestamp, interval int64, kwargs map[string]any, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name][handle]
	if !ok {
		return 0, 0, nil, ErrInvalidHandle
	}
	return e.Timestamp, e.Interval, dispatch.SanitizeKwargs(e.Kwargs), nil
}

// ClearApp removes every timer keyed by the app name.
func (s *Scheduler) ClearApp(name string) {
	s.mu.Lock()
	delete(s.entries, name)
	s.mu.Unlock()
}

// EntryView is the diagnostic projection of a timer entry; every field is
// surfaced faithfully.
type EntryView struct {
	Name      string
	Timestamp int64
	Basetime  int64
	Interval  int64
	Offset    int64
	Repeat    bool
	Type      string
	Inactive  bool
	Kwargs    map[string]any
}

// Entries snapshots the schedule for diagnostics, ordered by timestamp within
// each app.
func (s *Scheduler) Entries() map[string][]EntryView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]EntryView, len(s.entries))
	for name, entries := range s.entries {
		views := make([]EntryView, 0, len(entries))
		for _, ref := range sortedRefs(entries) {
			e := ref.e
			views = append(views, EntryView{
				Name:      e.Name,
				Timestamp: e.Timestamp,
				Basetime:  e.Basetime,
				Interval:  e.Interval,
				Offset:    e.Offset,
				Repeat:    e.Repeat,
				Type:      e.Type,
				Inactive:  e.Inactive,
				Kwargs:    dispatch.CopyKwargs(e.Kwargs),
			})
		}
		out[name] = views
	}
	return out
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case time.Duration:
		return int64(n / time.Second), true
	}
	return 0, false
}
