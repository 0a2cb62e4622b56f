package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hearth/engine/models"
)

func seeded() *Store {
	s := NewStore()
	s.SetNamespace("hass", map[string]*models.EntityState{
		"light.kitchen": {State: "on", Attributes: map[string]any{"brightness": 200}},
		"light.porch":   {State: "off", Attributes: map[string]any{"brightness": 0}},
		"sensor.temp":   {State: "21.5", Extra: map[string]any{"last_changed": "2024-03-01T00:00:00Z"}},
	})
	return s
}

func TestGetResolution(t *testing.T) {
	s := seeded()

	t.Run("whole_namespace", func(t *testing.T) {
		ns, ok := s.Get("hass", "", "", "").(map[string]*models.EntityState)
		require.True(t, ok)
		assert.Len(t, ns, 3)
	})

	t.Run("device_only", func(t *testing.T) {
		lights, ok := s.Get("hass", "light", "", "").(map[string]*models.EntityState)
		require.True(t, ok)
		assert.Len(t, lights, 2)
		assert.Contains(t, lights, "light.kitchen")
		assert.Contains(t, lights, "light.porch")
	})

	t.Run("device_and_entity", func(t *testing.T) {
		assert.Equal(t, "on", s.Get("hass", "light", "kitchen", ""))
	})

	t.Run("attribute", func(t *testing.T) {
		assert.Equal(t, 200, s.Get("hass", "light", "kitchen", "brightness"))
	})

	t.Run("attribute_all", func(t *testing.T) {
		attrs, ok := s.Get("hass", "light", "kitchen", "all").(map[string]any)
		require.True(t, ok)
		assert.Equal(t, 200, attrs["brightness"])
	})

	t.Run("top_level_field_before_attributes", func(t *testing.T) {
		assert.Equal(t, "2024-03-01T00:00:00Z", s.Get("hass", "sensor", "temp", "last_changed"))
	})

	t.Run("missing_is_nil_not_error", func(t *testing.T) {
		assert.Nil(t, s.Get("nope", "", "", ""))
		assert.Nil(t, s.Get("hass", "light", "attic", ""))
		assert.Nil(t, s.Get("hass", "light", "kitchen", "hue"))
	})
}

func TestSetReplacesSnapshot(t *testing.T) {
	s := seeded()
	s.Set("hass", "light.kitchen", &models.EntityState{State: "off"})
	assert.Equal(t, "off", s.Get("hass", "light", "kitchen", ""))
	assert.Nil(t, s.Get("hass", "light", "kitchen", "brightness"), "replacement is whole-snapshot")

	s.Set("fresh", "switch.fan", &models.EntityState{State: "on"})
	assert.Equal(t, "on", s.Get("fresh", "switch", "fan", ""))
}

func TestEntityExists(t *testing.T) {
	s := seeded()
	assert.True(t, s.EntityExists("hass", "light.kitchen"))
	assert.False(t, s.EntityExists("hass", "light.attic"))
	assert.False(t, s.EntityExists("nope", "light.kitchen"))
}

func TestNamespaces(t *testing.T) {
	s := seeded()
	s.SetNamespace("app", nil)
	assert.ElementsMatch(t, []string{"hass", "app"}, s.Namespaces())
}
