package constraint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTimes struct {
	now     time.Time
	sunrise time.Time
	sunset  time.Time
}

func (f *fakeTimes) Now() time.Time     { return f.now }
func (f *fakeTimes) Sunrise() time.Time { return f.sunrise }
func (f *fakeTimes) Sunset() time.Time  { return f.sunset }

func at(hour, minute int) *fakeTimes {
	return &fakeTimes{
		now:     time.Date(2024, 3, 6, hour, minute, 0, 0, time.UTC), // a Wednesday
		sunrise: time.Date(2024, 3, 7, 6, 12, 0, 0, time.UTC),
		sunset:  time.Date(2024, 3, 6, 18, 3, 0, 0, time.UTC),
	}
}

func evaluator(times TimeSource, states map[string]string) *Evaluator {
	lookup := func(entityID string) (string, bool) {
		st, ok := states[entityID]
		return st, ok
	}
	return New(times, lookup, nil, nil)
}

func TestNowIsBetween(t *testing.T) {
	t.Run("plain_window", func(t *testing.T) {
		ev := evaluator(at(12, 0), nil)
		ok, err := ev.NowIsBetween("09:00:00", "17:00:00")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = ev.NowIsBetween("13:00:00", "17:00:00")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("midnight_spanning", func(t *testing.T) {
		ev := evaluator(at(23, 30), nil)
		ok, err := ev.NowIsBetween("22:00:00", "02:00:00")
		require.NoError(t, err)
		assert.True(t, ok)

		ev = evaluator(at(1, 30), nil)
		ok, err = ev.NowIsBetween("22:00:00", "02:00:00")
		require.NoError(t, err)
		assert.True(t, ok, "early morning falls inside the window")

		ev = evaluator(at(3, 0), nil)
		ok, err = ev.NowIsBetween("22:00:00", "02:00:00")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("inclusive_bounds", func(t *testing.T) {
		ev := evaluator(at(9, 0), nil)
		ok, err := ev.NowIsBetween("09:00:00", "17:00:00")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("invalid_expression", func(t *testing.T) {
		ev := evaluator(at(9, 0), nil)
		_, err := ev.NowIsBetween("not-a-time", "17:00:00")
		assert.Error(t, err)
	})
}

func TestParseTime(t *testing.T) {
	ev := evaluator(at(12, 0), nil)

	d, err := ev.ParseTime("07:30:15")
	require.NoError(t, err)
	assert.Equal(t, 7*time.Hour+30*time.Minute+15*time.Second, d)

	d, err = ev.ParseTime("sunrise")
	require.NoError(t, err)
	assert.Equal(t, 6*time.Hour+12*time.Minute, d)

	d, err = ev.ParseTime("sunset - 00:30:00")
	require.NoError(t, err)
	assert.Equal(t, 17*time.Hour+33*time.Minute, d)

	d, err = ev.ParseTime("sunrise + 01:00:00")
	require.NoError(t, err)
	assert.Equal(t, 7*time.Hour+12*time.Minute, d)

	_, err = ev.ParseTime("noonish")
	assert.Error(t, err)
}

func TestCheckConstraints(t *testing.T) {
	states := map[string]string{
		"input_boolean.vacation": "on",
		"input_select.mode":      "party",
	}

	t.Run("input_boolean_default_on", func(t *testing.T) {
		ev := evaluator(at(12, 0), states)
		assert.True(t, ev.Check("app", map[string]any{"constrain_input_boolean": "input_boolean.vacation"}))
	})

	t.Run("input_boolean_explicit_state", func(t *testing.T) {
		ev := evaluator(at(12, 0), states)
		assert.False(t, ev.Check("app", map[string]any{"constrain_input_boolean": "input_boolean.vacation,off"}))
	})

	t.Run("missing_entity_passes", func(t *testing.T) {
		ev := evaluator(at(12, 0), states)
		assert.True(t, ev.Check("app", map[string]any{"constrain_input_boolean": "input_boolean.ghost"}))
	})

	t.Run("input_select", func(t *testing.T) {
		ev := evaluator(at(12, 0), states)
		assert.True(t, ev.Check("app", map[string]any{"constrain_input_select": "input_select.mode,party,guests"}))
		assert.False(t, ev.Check("app", map[string]any{"constrain_input_select": "input_select.mode,quiet"}))
	})

	t.Run("days", func(t *testing.T) {
		ev := evaluator(at(12, 0), states) // Wednesday
		assert.True(t, ev.Check("app", map[string]any{"constrain_days": "mon,wed,fri"}))
		assert.False(t, ev.Check("app", map[string]any{"constrain_days": "sat,sun"}))
	})

	t.Run("presence", func(t *testing.T) {
		home := false
		ev := New(at(12, 0), nil, func(mode string) bool { return home }, nil)
		assert.False(t, ev.Check("app", map[string]any{"constrain_presence": "anyone"}))
		home = true
		assert.True(t, ev.Check("app", map[string]any{"constrain_presence": "anyone"}))
	})

	t.Run("time_window_defaults", func(t *testing.T) {
		ev := evaluator(at(3, 0), states)
		assert.True(t, ev.Check("app", map[string]any{"constrain_end_time": "04:00:00"}), "missing start defaults to midnight")
		assert.False(t, ev.Check("app", map[string]any{"constrain_start_time": "04:00:00"}), "missing end defaults to 23:59:59")
	})

	t.Run("unrecognized_keys_ignored", func(t *testing.T) {
		ev := evaluator(at(12, 0), states)
		assert.True(t, ev.Check("app", map[string]any{"pet": "cat", "count": 3}))
	})
}
