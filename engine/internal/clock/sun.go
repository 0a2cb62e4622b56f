package clock

import (
	"fmt"
	"sync"
	"time"

	"github.com/nathan-osman/go-sunrise"
)

// Sun event kinds as stored on schedule entries.
const (
	NextRising  = "next_rising"
	NextSetting = "next_setting"
)

// Sun tracks the next sunrise and sunset instants for a fixed location. The
// main loop calls Update once per tick; a change in either instant is the
// signal for the scheduler to reify inactive sun-relative entries.
type Sun struct {
	mu          sync.Mutex
	latitude    float64
	longitude   float64
	elevation   float64
	tz          *time.Location
	nextRising  time.Time
	nextSetting time.Time
}

// NewSun validates the location and returns a tracker. Elevation is recorded
// for configuration compatibility; the sea-level solar model is used.
func NewSun(latitude, longitude, elevation float64, tz *time.Location) (*Sun, error) {
	if latitude < -90 || latitude > 90 {
		return nil, fmt.Errorf("latitude needs to be -90 .. 90, got %v", latitude)
	}
	if longitude < -180 || longitude > 180 {
		return nil, fmt.Errorf("longitude needs to be -180 .. 180, got %v", longitude)
	}
	if tz == nil {
		tz = time.UTC
	}
	return &Sun{latitude: latitude, longitude: longitude, elevation: elevation, tz: tz}, nil
}

// Update recomputes the next rising and setting instants strictly after now.
// It walks day offsets starting at -1 until a future instant is found; polar
// days for which the model yields no event are skipped. Returns whether each
// instant changed from a previously known value.
func (s *Sun) Update(now time.Time) (risingChanged, settingChanged bool) {
	local := now.In(s.tz)
	rising := s.walk(local, true)
	setting := s.walk(local, false)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !rising.IsZero() {
		risingChanged = !s.nextRising.IsZero() && !s.nextRising.Equal(rising)
		s.nextRising = rising
	}
	if !setting.IsZero() {
		settingChanged = !s.nextSetting.IsZero() && !s.nextSetting.Equal(setting)
		s.nextSetting = setting
	}
	return risingChanged, settingChanged
}

func (s *Sun) walk(local time.Time, rising bool) time.Time {
	for mod := -1; mod <= 366; mod++ {
		day := local.AddDate(0, 0, mod)
		rise, set := sunrise.SunriseSunset(s.latitude, s.longitude, day.Year(), day.Month(), day.Day())
		instant := rise
		if !rising {
			instant = set
		}
		if instant.IsZero() {
			continue
		}
		if instant.After(local) {
			return instant.In(s.tz)
		}
	}
	return time.Time{}
}

// NextRising returns the next sunrise instant.
func (s *Sun) NextRising() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRising
}

// NextSetting returns the next sunset instant.
func (s *Sun) NextSetting() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSetting
}

// Instant returns the unix timestamp of the next event of the given kind.
func (s *Sun) Instant(kind string) int64 {
	switch kind {
	case NextRising:
		return s.NextRising().Unix()
	case NextSetting:
		return s.NextSetting().Unix()
	}
	return 0
}
