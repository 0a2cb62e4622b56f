// Package clock owns the daemon's notion of "now": a virtual integer unix
// timestamp advanced by the main loop, plus DST detection and sunrise/sunset
// tracking.
package clock

import (
	"sync"
	"time"
)

// Clock maintains virtual time. In realtime mode the main loop advances it by
// one tick per iteration and resyncs against the wall clock when skew exceeds
// one second. In simulated mode it is seeded with a start time and advances
// purely by the configured interval; the wall clock is ignored.
type Clock struct {
	mu       sync.Mutex
	now      int64
	tz       *time.Location
	realtime bool
	interval int64
	endtime  int64
}

// New builds a clock. startTime is only honored in simulated mode; realtime
// clocks start at the current wall time. interval is the number of virtual
// seconds per tick (1 in realtime mode). endtime of zero means run forever.
func New(tz *time.Location, realtime bool, startTime, interval, endtime int64) *Clock {
	if tz == nil {
		tz = time.UTC
	}
	if interval <= 0 {
		interval = 1
	}
	now := startTime
	if realtime {
		now = time.Now().Unix()
	}
	return &Clock{now: now, tz: tz, realtime: realtime, interval: interval, endtime: endtime}
}

func (c *Clock) Realtime() bool  { return c.realtime }
func (c *Clock) Interval() int64 { return c.interval }

func (c *Clock) Location() *time.Location { return c.tz }

// NowTS returns the current virtual unix timestamp.
func (c *Clock) NowTS() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Now returns the current virtual time localized to the daemon's timezone.
func (c *Clock) Now() time.Time {
	return time.Unix(c.NowTS(), 0).In(c.tz)
}

// SetNow installs a new virtual timestamp. Called once per main-loop tick.
func (c *Clock) SetNow(ts int64) {
	c.mu.Lock()
	c.now = ts
	c.mu.Unlock()
}

// CheckSkew compares the virtual timestamp against the wall clock in realtime
// mode. When drift exceeds one second it returns the corrected timestamp and
// true; the main loop feeds the correction back into its tick counter.
func (c *Clock) CheckSkew(utc int64) (int64, bool) {
	if !c.realtime {
		return utc, false
	}
	real := time.Now().Unix()
	delta := utc - real
	if delta < 0 {
		delta = -delta
	}
	if delta > 1 {
		return real, true
	}
	return utc, false
}

// EndReached reports whether a configured end time has been reached.
func (c *Clock) EndReached() bool {
	if c.endtime == 0 {
		return false
	}
	return c.NowTS() >= c.endtime
}

// IsDST reports whether t falls in daylight-saving time for its location.
// The zone with the larger UTC offset between midwinter and midsummer is the
// DST zone; locations without DST always report false.
func IsDST(t time.Time) bool {
	year := t.Year()
	jan := time.Date(year, time.January, 1, 0, 0, 0, 0, t.Location())
	jul := time.Date(year, time.July, 1, 0, 0, 0, 0, t.Location())
	_, janOff := jan.Zone()
	_, julOff := jul.Zone()
	if janOff == julOff {
		return false
	}
	_, off := t.Zone()
	return off == max(janOff, julOff)
}
