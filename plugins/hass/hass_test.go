package hass

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hearth/engine/models"
	"hearth/engine/telemetry/logging"
)

func TestNewValidation(t *testing.T) {
	log := logging.New(nil)

	_, err := New("hub", log, map[string]any{"plugin": "hass"})
	assert.Error(t, err)

	p, err := New("hub", log, map[string]any{"plugin": "hass", "ha_url": "http://hub.local:8123/", "token": "secret"})
	require.NoError(t, err)
	assert.Equal(t, "hub", p.Namespace())

	p, err = New("hub", log, map[string]any{"plugin": "hass", "ha_url": "http://hub.local:8123", "token": "secret", "namespace": "home"})
	require.NoError(t, err)
	assert.Equal(t, "home", p.Namespace())
}

func TestWebsocketURL(t *testing.T) {
	p, err := New("hub", logging.New(nil), map[string]any{"ha_url": "https://hub.local:8123", "token": "secret"})
	require.NoError(t, err)
	u, err := p.(*Plugin).websocketURL()
	require.NoError(t, err)
	assert.Equal(t, "wss://hub.local:8123/api/websocket", u)
}

func TestEntityStateFromMap(t *testing.T) {
	snap := entityStateFromMap(map[string]any{
		"entity_id":    "light.kitchen",
		"state":        "on",
		"attributes":   map[string]any{"brightness": float64(200)},
		"last_changed": "2024-03-01T00:00:00Z",
	})
	assert.Equal(t, "on", snap.State)
	assert.Equal(t, float64(200), snap.Attributes["brightness"])
	assert.Equal(t, "2024-03-01T00:00:00Z", snap.Extra["last_changed"])
	assert.NotContains(t, snap.Extra, "entity_id")

	t.Run("resolve_honors_top_level_first", func(t *testing.T) {
		assert.Equal(t, "2024-03-01T00:00:00Z", snap.Resolve("last_changed"))
		assert.Equal(t, float64(200), snap.Resolve("brightness"))
	})
}

func TestConvertEventData(t *testing.T) {
	data := map[string]any{
		"entity_id": "light.kitchen",
		"new_state": map[string]any{"state": "on", "attributes": map[string]any{}},
		"old_state": map[string]any{"state": "off", "attributes": map[string]any{}},
	}
	out := convertEventData(models.StateChanged, data)
	_, ok := out["new_state"].(*models.EntityState)
	assert.True(t, ok)
	_, ok = out["old_state"].(*models.EntityState)
	assert.True(t, ok)

	t.Run("other_events_pass_through", func(t *testing.T) {
		payload := map[string]any{"device": "remote1"}
		assert.Equal(t, payload, convertEventData("button_press", payload))
	})
}

func TestCompleteStateOverREST(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/states", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"entity_id": "light.kitchen", "state": "on", "attributes": map[string]any{"brightness": 200}},
			{"entity_id": "sensor.temp", "state": "21.5", "attributes": map[string]any{}},
		})
	}))
	defer srv.Close()

	p, err := New("hub", logging.New(nil), map[string]any{"ha_url": srv.URL, "token": "secret"})
	require.NoError(t, err)

	seed, err := p.CompleteState(context.Background())
	require.NoError(t, err)
	require.Len(t, seed, 2)
	assert.Equal(t, "on", seed["light.kitchen"].State)
	assert.Equal(t, float64(200), seed["light.kitchen"].Attributes["brightness"])
}

type recordingSink struct {
	mu     sync.Mutex
	events chan models.Event
}

func (s *recordingSink) StateUpdate(namespace string, ev models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events <- ev
}

func TestUpdatesStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/websocket" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()

		require.NoError(t, conn.WriteJSON(map[string]any{"type": "auth_required"}))

		var auth map[string]any
		require.NoError(t, conn.ReadJSON(&auth))
		require.Equal(t, "auth", auth["type"])
		require.Equal(t, "secret", auth["access_token"])
		require.NoError(t, conn.WriteJSON(map[string]any{"type": "auth_ok"}))

		var sub map[string]any
		require.NoError(t, conn.ReadJSON(&sub))
		require.Equal(t, "subscribe_events", sub["type"])

		require.NoError(t, conn.WriteJSON(map[string]any{
			"id":   1,
			"type": "event",
			"event": map[string]any{
				"event_type": "state_changed",
				"data": map[string]any{
					"entity_id": "light.kitchen",
					"new_state": map[string]any{"state": "on", "attributes": map[string]any{}},
					"old_state": map[string]any{"state": "off", "attributes": map[string]any{}},
				},
			},
		}))
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	p, err := New("hub", logging.New(nil), map[string]any{"ha_url": srv.URL, "token": "secret"})
	require.NoError(t, err)

	sink := &recordingSink{events: make(chan models.Event, 4)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = p.Updates(ctx, sink)
		close(done)
	}()

	select {
	case ev := <-sink.events:
		assert.Equal(t, models.StateChanged, ev.Type)
		assert.Equal(t, "light.kitchen", ev.Data["entity_id"])
		snap, ok := ev.Data["new_state"].(*models.EntityState)
		require.True(t, ok, "wire payloads are lifted to typed snapshots")
		assert.Equal(t, "on", snap.State)
	case <-time.After(3 * time.Second):
		t.Fatal("no event received over websocket")
	}

	p.Stop()
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Updates did not exit after Stop")
	}
}
