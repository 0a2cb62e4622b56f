// Package scrape is a sensor plugin that polls web pages and extracts entity
// values with CSS selectors, emitting state_changed events when a value
// moves.
package scrape

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	resty "resty.dev/v3"

	"hearth/engine/models"
	"hearth/engine/plugin"
	"hearth/engine/telemetry/logging"
)

func init() {
	plugin.Register("scrape", New)
}

type sensor struct {
	entityID string
	url      string
	selector string
}

// Plugin polls a set of scraped sensors on a fixed interval.
type Plugin struct {
	name      string
	namespace string
	interval  time.Duration
	sensors   []sensor
	log       logging.Logger
	client    *resty.Client

	mu       sync.Mutex
	current  map[string]*models.EntityState
	stopping atomic.Bool
}

// New builds the plugin. Config shape:
//
//	plugin: scrape
//	interval: 60
//	sensors:
//	  - entity: sensor.outside_temp
//	    url: https://example.com/weather
//	    selector: "#temp"
func New(name string, log logging.Logger, cfg map[string]any) (plugin.Plugin, error) {
	namespace, _ := cfg["namespace"].(string)
	if namespace == "" {
		namespace = name
	}
	interval := 60 * time.Second
	if raw, ok := cfg["interval"]; ok {
		switch n := raw.(type) {
		case int:
			interval = time.Duration(n) * time.Second
		case float64:
			interval = time.Duration(n) * time.Second
		}
	}
	rawSensors, _ := cfg["sensors"].([]any)
	if len(rawSensors) == 0 {
		return nil, fmt.Errorf("scrape plugin %q: at least one sensor is required", name)
	}
	sensors := make([]sensor, 0, len(rawSensors))
	for i, raw := range rawSensors {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("scrape plugin %q: sensor %d is not a mapping", name, i)
		}
		s := sensor{}
		s.entityID, _ = m["entity"].(string)
		s.url, _ = m["url"].(string)
		s.selector, _ = m["selector"].(string)
		if s.entityID == "" || s.url == "" || s.selector == "" {
			return nil, fmt.Errorf("scrape plugin %q: sensor %d needs entity, url and selector", name, i)
		}
		sensors = append(sensors, s)
	}
	return &Plugin{
		name:      name,
		namespace: namespace,
		interval:  interval,
		sensors:   sensors,
		log:       log.WithNamespace(namespace),
		client:    resty.New().SetTimeout(20 * time.Second),
		current:   make(map[string]*models.EntityState),
	}, nil
}

func (p *Plugin) Namespace() string { return p.namespace }

// CompleteState performs one synchronous poll to seed the namespace. Sensors
// that fail seed as "unknown".
func (p *Plugin) CompleteState(ctx context.Context) (map[string]*models.EntityState, error) {
	out := make(map[string]*models.EntityState, len(p.sensors))
	for _, s := range p.sensors {
		snap, err := p.fetch(ctx, s)
		if err != nil {
			p.log.Warn("initial scrape failed", "entity", s.entityID, "error", err)
			snap = &models.EntityState{State: "unknown", Attributes: map[string]any{"source": s.url}}
		}
		out[s.entityID] = snap
	}
	p.mu.Lock()
	for id, snap := range out {
		p.current[id] = snap
	}
	p.mu.Unlock()
	return out, nil
}

// Updates polls every sensor each interval and pushes a state_changed event
// for each value that moved.
func (p *Plugin) Updates(ctx context.Context, sink plugin.Sink) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if p.stopping.Load() {
				return nil
			}
			p.poll(ctx, sink)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Plugin) poll(ctx context.Context, sink plugin.Sink) {
	for _, s := range p.sensors {
		snap, err := p.fetch(ctx, s)
		if err != nil {
			p.log.Debug("scrape failed", "entity", s.entityID, "error", err)
			continue
		}
		p.mu.Lock()
		old := p.current[s.entityID]
		changed := old == nil || old.State != snap.State
		if changed {
			p.current[s.entityID] = snap
		}
		p.mu.Unlock()
		if !changed {
			continue
		}
		sink.StateUpdate(p.namespace, models.Event{
			Type: models.StateChanged,
			Data: map[string]any{
				"entity_id": s.entityID,
				"new_state": snap,
				"old_state": old,
			},
		})
	}
}

func (p *Plugin) fetch(ctx context.Context, s sensor) (*models.EntityState, error) {
	res, err := p.client.R().SetContext(ctx).Get(s.url)
	if err != nil {
		return nil, err
	}
	if res.IsError() {
		return nil, fmt.Errorf("GET %s: %s", s.url, res.Status())
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Bytes()))
	if err != nil {
		return nil, err
	}
	sel := doc.Find(s.selector).First()
	if sel.Length() == 0 {
		return nil, fmt.Errorf("selector %q matched nothing at %s", s.selector, s.url)
	}
	value := strings.TrimSpace(sel.Text())
	return &models.EntityState{
		State:      value,
		Attributes: map[string]any{"source": s.url, "selector": s.selector},
	}, nil
}

func (p *Plugin) Utility() {}

func (p *Plugin) Stop() { p.stopping.Store(true) }
