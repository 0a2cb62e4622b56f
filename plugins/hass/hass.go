// Package hass is the Home Assistant hub plugin: it seeds state over the
// REST API and streams events over the websocket API into the kernel.
package hass

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	resty "resty.dev/v3"

	"hearth/engine/models"
	"hearth/engine/plugin"
	"hearth/engine/telemetry/logging"
)

func init() {
	plugin.Register("hass", New)
}

// Plugin connects one Home Assistant instance to one namespace.
type Plugin struct {
	name      string
	namespace string
	baseURL   string
	token     string
	log       logging.Logger
	client    *resty.Client

	stopping atomic.Bool
	conn     atomic.Pointer[websocket.Conn]
}

// New builds the plugin from its config section. Required keys: ha_url and
// token; namespace defaults to the plugin name.
func New(name string, log logging.Logger, cfg map[string]any) (plugin.Plugin, error) {
	baseURL, _ := cfg["ha_url"].(string)
	token, _ := cfg["token"].(string)
	if baseURL == "" || token == "" {
		return nil, fmt.Errorf("hass plugin %q: ha_url and token are required", name)
	}
	namespace, _ := cfg["namespace"].(string)
	if namespace == "" {
		namespace = name
	}
	return &Plugin{
		name:      name,
		namespace: namespace,
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		log:       log.WithNamespace(namespace),
		client:    resty.New().SetAuthToken(token).SetTimeout(30 * time.Second),
	}, nil
}

func (p *Plugin) Namespace() string { return p.namespace }

type restState struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged string         `json:"last_changed"`
	LastUpdated string         `json:"last_updated"`
}

// CompleteState fetches the full state table over REST.
func (p *Plugin) CompleteState(ctx context.Context) (map[string]*models.EntityState, error) {
	var states []restState
	res, err := p.client.R().
		SetContext(ctx).
		SetResult(&states).
		Get(p.baseURL + "/api/states")
	if err != nil {
		return nil, err
	}
	if res.IsError() {
		return nil, fmt.Errorf("GET /api/states: %s", res.Status())
	}
	out := make(map[string]*models.EntityState, len(states))
	for _, s := range states {
		out[s.EntityID] = &models.EntityState{
			State:      s.State,
			Attributes: s.Attributes,
			Extra: map[string]any{
				"last_changed": s.LastChanged,
				"last_updated": s.LastUpdated,
			},
		}
	}
	return out, nil
}

type wsMessage struct {
	ID      int      `json:"id,omitempty"`
	Type    string   `json:"type"`
	Success *bool    `json:"success,omitempty"`
	Event   *wsEvent `json:"event,omitempty"`
}

type wsEvent struct {
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
}

// Updates runs the websocket event stream, reconnecting with backoff until
// the context is canceled or Stop is called.
func (p *Plugin) Updates(ctx context.Context, sink plugin.Sink) error {
	backoff := time.Second
	for {
		if p.stopping.Load() || ctx.Err() != nil {
			return ctx.Err()
		}
		err := p.stream(ctx, sink)
		if p.stopping.Load() || ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.Warn("websocket stream ended - reconnecting", "error", err, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (p *Plugin) stream(ctx context.Context, sink plugin.Sink) error {
	wsURL, err := p.websocketURL()
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		return err
	}
	p.conn.Store(conn)
	defer func() {
		p.conn.Store(nil)
		_ = conn.Close()
	}()

	// Auth handshake: auth_required -> auth -> auth_ok.
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return err
	}
	if msg.Type != "auth_required" {
		return fmt.Errorf("unexpected handshake message %q", msg.Type)
	}
	if err := conn.WriteJSON(map[string]any{"type": "auth", "access_token": p.token}); err != nil {
		return err
	}
	if err := conn.ReadJSON(&msg); err != nil {
		return err
	}
	if msg.Type != "auth_ok" {
		return fmt.Errorf("authentication failed: %s", msg.Type)
	}

	if err := conn.WriteJSON(map[string]any{"id": 1, "type": "subscribe_events"}); err != nil {
		return err
	}
	p.log.Info("connected to home assistant", "url", wsURL)

	for {
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if msg.Type != "event" || msg.Event == nil {
			continue
		}
		sink.StateUpdate(p.namespace, models.Event{
			Type: msg.Event.EventType,
			Data: convertEventData(msg.Event.EventType, msg.Event.Data),
		})
	}
}

func (p *Plugin) websocketURL() (string, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/websocket"
	return u.String(), nil
}

// convertEventData lifts the wire shape of state_changed payloads into typed
// snapshots; other event payloads pass through untouched.
func convertEventData(eventType string, data map[string]any) map[string]any {
	if eventType != models.StateChanged || data == nil {
		return data
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	if raw, ok := data["new_state"].(map[string]any); ok {
		out["new_state"] = entityStateFromMap(raw)
	}
	if raw, ok := data["old_state"].(map[string]any); ok {
		out["old_state"] = entityStateFromMap(raw)
	}
	return out
}

func entityStateFromMap(raw map[string]any) *models.EntityState {
	snap := &models.EntityState{Extra: make(map[string]any)}
	for k, v := range raw {
		switch k {
		case "state":
			snap.State, _ = v.(string)
		case "attributes":
			snap.Attributes, _ = v.(map[string]any)
		case "entity_id":
		default:
			snap.Extra[k] = v
		}
	}
	return snap
}

// Utility pings the REST API so a dead hub surfaces in the logs between
// websocket reconnect attempts.
func (p *Plugin) Utility() {
	res, err := p.client.R().Get(p.baseURL + "/api/")
	if err != nil {
		p.log.Debug("hub ping failed", "error", err)
		return
	}
	if res.IsError() {
		p.log.Debug("hub ping returned error", "status", res.Status())
	}
}

// Stop closes the stream; Updates then returns.
func (p *Plugin) Stop() {
	p.stopping.Store(true)
	if conn := p.conn.Load(); conn != nil {
		_ = conn.Close()
	}
}
