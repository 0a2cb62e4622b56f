// Package constraint evaluates the gating rules attached to apps and
// callbacks. A dispatch proceeds only if every recognized constrain_* key
// passes; unrecognized keys are ignored.
package constraint

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"hearth/engine/models"
	"hearth/engine/telemetry/logging"
)

// TimeSource supplies current virtual time and the next sun instants.
// Sunrise/sunset expressions are re-evaluated at every dispatch, never cached.
type TimeSource interface {
	Now() time.Time
	Sunrise() time.Time
	Sunset() time.Time
}

// StateLookup resolves an entity id (as written in a constraint value) to its
// current state string.
type StateLookup func(entityID string) (state string, ok bool)

// PresenceFunc answers the everyone/anyone/noone home predicates.
type PresenceFunc func(mode string) bool

type Evaluator struct {
	times    TimeSource
	lookup   StateLookup
	presence PresenceFunc
	log      logging.Logger
}

func New(times TimeSource, lookup StateLookup, presence PresenceFunc, log logging.Logger) *Evaluator {
	if log == nil {
		log = logging.New(nil)
	}
	return &Evaluator{times: times, lookup: lookup, presence: presence, log: log}
}

// Check evaluates every constraint in args, including the start/end time
// window. name is used for error reporting only.
func (ev *Evaluator) Check(name string, args map[string]any) bool {
	for key, value := range args {
		if !ev.checkConstraint(key, value) {
			return false
		}
	}
	return ev.checkTimeWindow(name, args)
}

func (ev *Evaluator) checkConstraint(key string, value any) bool {
	str, ok := value.(string)
	if !ok {
		return true
	}
	switch key {
	case "constrain_input_boolean":
		entity := str
		expected := "on"
		if parts := strings.SplitN(str, ",", 2); len(parts) == 2 {
			entity, expected = parts[0], parts[1]
		}
		if st, found := ev.lookupState(entity); found && st != expected {
			return false
		}
	case "constrain_input_select":
		parts := strings.Split(str, ",")
		entity := parts[0]
		options := parts[1:]
		if st, found := ev.lookupState(entity); found && !contains(options, st) {
			return false
		}
	case "constrain_presence":
		if ev.presence != nil && (str == "everyone" || str == "anyone" || str == "noone") && !ev.presence(str) {
			return false
		}
	case "constrain_days":
		if ev.todayIsConstrained(str) {
			return false
		}
	}
	return true
}

func (ev *Evaluator) lookupState(entityID string) (string, bool) {
	if ev.lookup == nil {
		return "", false
	}
	return ev.lookup(entityID)
}

func (ev *Evaluator) todayIsConstrained(days string) bool {
	today := isoWeekday(ev.times.Now().Weekday())
	for _, day := range strings.Split(days, ",") {
		if models.DayOfWeek(day) == today {
			return false
		}
	}
	return true
}

func isoWeekday(wd time.Weekday) int {
	if wd == time.Sunday {
		return 7
	}
	return int(wd)
}

func (ev *Evaluator) checkTimeWindow(name string, args map[string]any) bool {
	start, hasStart := args["constrain_start_time"].(string)
	end, hasEnd := args["constrain_end_time"].(string)
	if !hasStart && !hasEnd {
		return true
	}
	if !hasStart {
		start = "00:00:00"
	}
	if !hasEnd {
		end = "23:59:59"
	}
	ok, err := ev.NowIsBetween(start, end)
	if err != nil {
		ev.log.Warn("invalid time constraint", "app", name, "error", err)
		return false
	}
	return ok
}

// NowIsBetween reports whether the current time of day lies in the inclusive
// window [start, end]. A window whose end precedes its start spans midnight.
func (ev *Evaluator) NowIsBetween(startStr, endStr string) (bool, error) {
	start, err := ev.ParseTime(startStr)
	if err != nil {
		return false, err
	}
	end, err := ev.ParseTime(endStr)
	if err != nil {
		return false, err
	}
	now := ev.times.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	startDate := midnight.Add(start)
	endDate := midnight.Add(end)
	if endDate.Before(startDate) {
		// Spans midnight
		if now.Before(startDate) && now.Before(endDate) {
			now = now.AddDate(0, 0, 1)
		}
		endDate = endDate.AddDate(0, 0, 1)
	}
	return !now.Before(startDate) && !now.After(endDate), nil
}

var (
	clockRE   = regexp.MustCompile(`^(\d+):(\d+):(\d+)`)
	sunriseRE = regexp.MustCompile(`^sunrise\s*([+-])\s*(\d+):(\d+):(\d+)`)
	sunsetRE  = regexp.MustCompile(`^sunset\s*([+-])\s*(\d+):(\d+):(\d+)`)
)

// ParseTime resolves a time expression to a time of day (duration since
// midnight). Accepted forms: "HH:MM:SS", "sunrise", "sunset", and
// "sunrise|sunset ± HH:MM:SS", the latter evaluated against the current sun
// state.
func (ev *Evaluator) ParseTime(s string) (time.Duration, error) {
	if m := clockRE.FindStringSubmatch(s); m != nil {
		return hms(m[1], m[2], m[3]), nil
	}
	switch s {
	case "sunrise":
		return timeOfDay(ev.times.Sunrise()), nil
	case "sunset":
		return timeOfDay(ev.times.Sunset()), nil
	}
	if m := sunriseRE.FindStringSubmatch(s); m != nil {
		return applyOffset(timeOfDay(ev.times.Sunrise()), m), nil
	}
	if m := sunsetRE.FindStringSubmatch(s); m != nil {
		return applyOffset(timeOfDay(ev.times.Sunset()), m), nil
	}
	return 0, fmt.Errorf("invalid time string: %s", s)
}

func hms(h, m, s string) time.Duration {
	return time.Duration(atoi(h))*time.Hour + time.Duration(atoi(m))*time.Minute + time.Duration(atoi(s))*time.Second
}

func atoi(s string) int {
	n := 0
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	return n
}

func timeOfDay(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second
}

func applyOffset(base time.Duration, m []string) time.Duration {
	off := hms(m[2], m[3], m[4])
	if m[1] == "-" {
		off = -off
	}
	d := base + off
	day := 24 * time.Hour
	return ((d % day) + day) % day
}

func contains(options []string, s string) bool {
	for _, o := range options {
		if o == s {
			return true
		}
	}
	return false
}
