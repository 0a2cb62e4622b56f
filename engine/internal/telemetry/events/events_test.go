package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus(nil)
	sub, err := bus.Subscribe(4)
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	require.NoError(t, bus.Publish(Event{Category: CategoryLifecycle, Type: "app_loaded", App: "hallway"}))

	ev := <-sub.C()
	assert.Equal(t, CategoryLifecycle, ev.Category)
	assert.Equal(t, "app_loaded", ev.Type)
	assert.Equal(t, "hallway", ev.App)
	assert.False(t, ev.Time.IsZero(), "publish stamps the time")
}

func TestPublishRequiresCategory(t *testing.T) {
	bus := NewBus(nil)
	assert.Error(t, bus.Publish(Event{Type: "whatever"}))
}

func TestSlowSubscriberDrops(t *testing.T) {
	bus := NewBus(nil)
	sub, err := bus.Subscribe(1)
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	require.NoError(t, bus.Publish(Event{Category: CategoryDispatch, Type: "a"}))
	require.NoError(t, bus.Publish(Event{Category: CategoryDispatch, Type: "b"}))

	stats := bus.Stats()
	assert.Equal(t, uint64(2), stats.Published)
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, uint64(1), stats.PerSubscriberDrops[sub.ID()])
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(nil)
	sub, err := bus.Subscribe(1)
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	_, open := <-sub.C()
	assert.False(t, open)
	assert.Zero(t, bus.Stats().Subscribers)

	assert.NoError(t, bus.Unsubscribe(nil))
}
