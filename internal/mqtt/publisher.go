package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/dwell/internal/buildinfo"
	"github.com/nugget/dwell/internal/config"
	"github.com/nugget/dwell/internal/events"
	"github.com/nugget/dwell/internal/session"
	"github.com/nugget/dwell/internal/tracker"
)

// StatusSource reports live tracker state.
type StatusSource interface {
	Status(ctx context.Context) (tracker.Snapshot, error)
}

// TotalsSource sums closed sessions per label.
type TotalsSource interface {
	Totals(ctx context.Context, stream session.Stream, from, to time.Time) (map[string]time.Duration, error)
}

// publishClient is the subset of the connection manager used to push
// messages.
type publishClient interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

const noneState = "none"

// Publisher manages the MQTT connection, publishes HA discovery config
// on (re-)connect, and pushes sensor states periodically and on bus
// events.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	status     StatusSource
	totals     TotalsSource
	bus        *events.Bus
	loc        *time.Location
	now        func() time.Time
	logger     *slog.Logger

	// mu guards cm and stopped; Stop runs on a different goroutine
	// than Start.
	mu      sync.Mutex
	cm      *autopaho.ConnectionManager
	stopped bool

	client publishClient
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop. bus and totals may be nil.
func New(cfg config.MQTTConfig, instanceID string, status StatusSource, totals TotalsSource, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		status:     status,
		totals:     totals,
		bus:        bus,
		loc:        time.Local,
		now:        time.Now,
		logger:     logger,
	}
}

// Device returns the HA device block.
func (p *Publisher) Device() DeviceInfo {
	return p.device
}

// Start connects to the MQTT broker and runs the publish loop until ctx
// is cancelled. It returns at once if Stop already ran.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "dwell-" + p.instanceID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm
	p.mu.Unlock()
	p.client = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects. A later Start does nothing.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "dwell/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) attributesTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/attributes"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type entityDef struct {
	component    string
	entitySuffix string
	config       EntityConfig
}

func (p *Publisher) entity(component, suffix, name, icon string, attrs bool) entityDef {
	c := EntityConfig{
		Name:              name,
		ObjectID:          suffix,
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_" + suffix,
		StateTopic:        p.stateTopic(suffix),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              icon,
	}
	if attrs {
		c.JsonAttributesTopic = p.attributesTopic(suffix)
	}
	return entityDef{component: component, entitySuffix: suffix, config: c}
}

func (p *Publisher) entityDefinitions() []entityDef {
	activity := p.entity("sensor", "activity", "Activity", "mdi:application-outline", true)
	category := p.entity("sensor", "category", "Category", "mdi:shape-outline", false)

	idle := p.entity("binary_sensor", "idle", "Idle", "mdi:sleep", true)
	idle.config.PayloadOn = "ON"
	idle.config.PayloadOff = "OFF"

	calls := p.entity("sensor", "calls", "Calls", "mdi:phone-in-talk", true)
	media := p.entity("sensor", "media", "Background Media", "mdi:music", true)

	today := p.entity("sensor", "active_today", "Active Today", "mdi:timer-outline", false)
	today.config.DeviceClass = "duration"
	today.config.UnitOfMeasurement = "min"
	today.config.StateClass = "total_increasing"

	uptime := p.entity("sensor", "uptime", "Uptime", "mdi:clock-outline", false)
	uptime.config.EntityCategory = "diagnostic"
	version := p.entity("sensor", "version", "Version", "mdi:tag", false)
	version.config.EntityCategory = "diagnostic"

	return []entityDef{activity, category, idle, calls, media, today, uptime, version}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm publishClient) {
	for _, e := range p.entityDefinitions() {
		topic := p.discoveryTopic(e.component, e.entitySuffix)
		payload, err := json.Marshal(e.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", e.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", e.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", e.entitySuffix, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm publishClient, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- State publishing ---

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var sub <-chan events.Event
	if p.bus != nil {
		sub = p.bus.Subscribe(32)
		defer p.bus.Unsubscribe(sub)
	}

	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		case ev, ok := <-sub:
			if !ok {
				sub = nil
				continue
			}
			if !triggersPublish(ev) {
				continue
			}
			drain(sub)
			p.publishStates(ctx)
		}
	}
}

// triggersPublish reports whether ev changes a published state.
func triggersPublish(ev events.Event) bool {
	switch ev.Kind {
	case events.KindSessionOpened, events.KindSessionClosed,
		events.KindIdleStart, events.KindIdleEnd, events.KindWake:
		return true
	}
	return false
}

// drain discards queued events so a burst (an app switch closes one
// row and opens another) publishes once.
func drain(ch <-chan events.Event) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.client == nil || p.status == nil {
		return
	}

	snap, err := p.status.Status(ctx)
	if err != nil {
		p.logger.Debug("mqtt status unavailable", "error", err)
		return
	}
	now := p.now()
	states, attrs := buildStates(snap)
	states["active_today"] = formatMinutes(p.activeToday(ctx, snap, now))
	states["uptime"] = buildinfo.Uptime().String()
	states["version"] = buildinfo.Version

	for entity, value := range states {
		p.send(ctx, p.stateTopic(entity), []byte(value))
	}
	for entity, a := range attrs {
		payload, err := json.Marshal(a)
		if err != nil {
			p.logger.Debug("mqtt marshal attributes", "entity", entity, "error", err)
			continue
		}
		p.send(ctx, p.attributesTopic(entity), payload)
	}

	p.logger.Debug("mqtt sensor states published",
		"entities", len(states))
}

func (p *Publisher) send(ctx context.Context, topic string, payload []byte) {
	if _, err := p.client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt state publish failed",
			"topic", topic, "error", err)
	}
}

// buildStates maps a tracker snapshot onto entity states and JSON
// attributes.
func buildStates(snap tracker.Snapshot) (map[string]string, map[string]map[string]any) {
	states := map[string]string{
		"activity": noneState,
		"category": noneState,
		"idle":     "OFF",
		"calls":    noneState,
		"media":    noneState,
	}
	attrs := map[string]map[string]any{}

	if cur := snap.Window.Current; cur != nil && !snap.Window.Paused {
		states["activity"] = cur.Label
		if cur.Meta.Category != "" {
			states["category"] = cur.Meta.Category
		}
		attrs["activity"] = map[string]any{
			"window_title": cur.Meta.WindowTitle,
			"category":     cur.Meta.Category,
			"since":        cur.StartedAt.Format(time.RFC3339),
		}
	} else {
		attrs["activity"] = map[string]any{}
	}

	idleAttrs := map[string]any{"state": snap.Idle.State}
	if snap.Idle.Accepted {
		states["idle"] = "ON"
	}
	if snap.Idle.Since != nil {
		idleAttrs["since"] = snap.Idle.Since.Format(time.RFC3339)
	}
	attrs["idle"] = idleAttrs

	labels := make([]string, 0, len(snap.Calls)+1)
	for _, c := range snap.Calls {
		labels = append(labels, c.Label)
	}
	if m := snap.Window.Meeting; m != nil {
		labels = append(labels, m.Label)
	}
	if len(labels) > 0 {
		states["calls"] = strings.Join(labels, ", ")
	}
	attrs["calls"] = map[string]any{"labels": labels, "count": len(labels)}

	if m := snap.Media; m != nil {
		states["media"] = m.Label
		attrs["media"] = map[string]any{"since": m.StartedAt.Format(time.RFC3339)}
	} else {
		attrs["media"] = map[string]any{}
	}
	return states, attrs
}

// activeToday sums today's closed activity rows plus the part of the
// open row that falls after local midnight.
func (p *Publisher) activeToday(ctx context.Context, snap tracker.Snapshot, now time.Time) time.Duration {
	local := now.In(p.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, p.loc)

	var total time.Duration
	if p.totals != nil {
		totals, err := p.totals.Totals(ctx, session.StreamActivity, midnight, midnight.AddDate(0, 0, 1))
		if err != nil {
			p.logger.Debug("mqtt activity totals unavailable", "error", err)
		}
		for _, d := range totals {
			total += d
		}
	}
	if cur := snap.Window.Current; cur != nil && !snap.Window.Paused {
		start := cur.StartedAt
		if start.Before(midnight) {
			start = midnight
		}
		if now.After(start) {
			total += now.Sub(start)
		}
	}
	return total
}

func formatMinutes(d time.Duration) string {
	return strconv.FormatFloat(d.Minutes(), 'f', 1, 64)
}
