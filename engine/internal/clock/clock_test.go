package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedClock(t *testing.T) {
	c := New(time.UTC, false, 1000, 5, 1020)
	assert.False(t, c.Realtime())
	assert.Equal(t, int64(1000), c.NowTS())
	assert.Equal(t, int64(5), c.Interval())
	assert.False(t, c.EndReached())

	c.SetNow(1010)
	assert.Equal(t, int64(1010), c.NowTS())
	assert.Equal(t, time.Unix(1010, 0).UTC(), c.Now())
	assert.False(t, c.EndReached())

	c.SetNow(1020)
	assert.True(t, c.EndReached())

	t.Run("skew_is_ignored_in_simulated_mode", func(t *testing.T) {
		corrected, skewed := c.CheckSkew(1020)
		assert.False(t, skewed)
		assert.Equal(t, int64(1020), corrected)
	})
}

func TestRealtimeSkew(t *testing.T) {
	c := New(time.UTC, true, 0, 1, 0)

	t.Run("in_sync", func(t *testing.T) {
		now := time.Now().Unix()
		corrected, skewed := c.CheckSkew(now)
		assert.False(t, skewed)
		assert.Equal(t, now, corrected)
	})

	t.Run("drifted", func(t *testing.T) {
		drifted := time.Now().Unix() + 30
		corrected, skewed := c.CheckSkew(drifted)
		assert.True(t, skewed)
		assert.InDelta(t, time.Now().Unix(), corrected, 2)
	})
}

func TestIsDST(t *testing.T) {
	t.Run("utc_never_dst", func(t *testing.T) {
		assert.False(t, IsDST(time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)))
		assert.False(t, IsDST(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)))
	})

	t.Run("new_york", func(t *testing.T) {
		loc, err := time.LoadLocation("America/New_York")
		if err != nil {
			t.Skip("tzdata unavailable")
		}
		assert.True(t, IsDST(time.Date(2024, 7, 1, 12, 0, 0, 0, loc)))
		assert.False(t, IsDST(time.Date(2024, 1, 1, 12, 0, 0, 0, loc)))
	})
}

func TestSunValidation(t *testing.T) {
	_, err := NewSun(91, 0, 0, time.UTC)
	require.Error(t, err)
	_, err = NewSun(0, 181, 0, time.UTC)
	require.Error(t, err)
	_, err = NewSun(45, 45, 100, time.UTC)
	require.NoError(t, err)
}

func TestSunUpdate(t *testing.T) {
	s, err := NewSun(0, 0, 0, time.UTC)
	require.NoError(t, err)

	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	risingChanged, settingChanged := s.Update(now)
	assert.False(t, risingChanged, "first computation is not a change")
	assert.False(t, settingChanged)

	rising := s.NextRising()
	setting := s.NextSetting()
	require.False(t, rising.IsZero())
	require.False(t, setting.IsZero())
	assert.True(t, rising.After(now))
	assert.True(t, setting.After(now))
	assert.Less(t, rising.Sub(now), 25*time.Hour)
	assert.Less(t, setting.Sub(now), 25*time.Hour)

	assert.Equal(t, rising.Unix(), s.Instant(NextRising))
	assert.Equal(t, setting.Unix(), s.Instant(NextSetting))
	assert.Equal(t, int64(0), s.Instant("bogus"))

	t.Run("advancing_past_sunrise_changes_the_instant", func(t *testing.T) {
		later := rising.Add(time.Minute)
		risingChanged, _ := s.Update(later)
		assert.True(t, risingChanged)
		assert.True(t, s.NextRising().After(later))
	})

	t.Run("stable_between_events", func(t *testing.T) {
		s2, err := NewSun(0, 0, 0, time.UTC)
		require.NoError(t, err)
		s2.Update(now)
		risingChanged, settingChanged := s2.Update(now.Add(time.Minute))
		assert.False(t, risingChanged)
		assert.False(t, settingChanged)
	})
}
