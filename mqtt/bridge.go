// Package mqtt bridges entities to Home Assistant over MQTT: retained
// discovery configs, state and availability topics, and command topics
// dispatched back to entity writes.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"adslink/config"
	"adslink/entity"
	"adslink/logging"
)

// MaxCommandWorkers is the maximum number of concurrent command goroutines.
const MaxCommandWorkers = 5

// MaxCommandQueueSize is the maximum number of pending command jobs.
const MaxCommandQueueSize = 100

const (
	payloadOnline  = "online"
	payloadOffline = "offline"
	payloadOn      = "ON"
	payloadOff     = "OFF"
)

// commandJob is one pending entity command from a command topic.
type commandJob struct {
	entityID string
	channel  string // "set", "brightness" or "position"
	payload  string
}

// Bridge connects one entity registry to one MQTT broker.
type Bridge struct {
	config   *config.MQTTConfig
	registry *entity.Registry

	client  pahomqtt.Client
	running bool
	mu      sync.RWMutex

	// Track last published payloads to publish changes only
	lastValues map[string]string
	lastMu     sync.RWMutex

	removeUpdate func()

	// Worker pool for bounded command goroutines. The WaitGroup is
	// per-run: Stop may still be waiting on a pool while Start builds
	// the next one.
	commandQueue chan commandJob
	workerWg     *sync.WaitGroup
	stopChan     chan struct{}
}

// NewBridge creates an MQTT bridge for the given registry.
func NewBridge(cfg *config.MQTTConfig, reg *entity.Registry) *Bridge {
	return &Bridge{
		config:       cfg,
		registry:     reg,
		lastValues:   make(map[string]string),
		commandQueue: make(chan commandJob, MaxCommandQueueSize),
		stopChan:     make(chan struct{}),
	}
}

// IsRunning returns whether the bridge is connected.
func (b *Bridge) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// Address returns the broker address string.
func (b *Bridge) Address() string {
	if b.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", b.config.Broker, b.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", b.config.Broker, b.config.Port)
}

// Start connects to the broker, publishes discovery configs and current
// states, and subscribes to the command topics.
func (b *Bridge) Start() error {
	// Quick check if already running
	b.mu.RLock()
	if b.running {
		b.mu.RUnlock()
		return nil
	}
	b.mu.RUnlock()

	// Build options WITHOUT holding the lock
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(b.Address())
	if b.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	clientID := b.config.ClientID
	if clientID == "" {
		clientID = "adslink"
	}
	opts.SetClientID(clientID)

	if b.config.Username != "" {
		opts.SetUsername(b.config.Username)
		opts.SetPassword(b.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	// The broker flips us offline if the connection drops.
	opts.SetWill(b.statusTopic(), payloadOffline, 1, true)
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		b.onConnect()
	})

	client := pahomqtt.NewClient(opts)
	logging.DebugLog("mqtt", "Attempting to connect to MQTT broker %s", b.Address())

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		logging.DebugLog("mqtt", "MQTT connection timeout")
		return fmt.Errorf("connection timeout")
	}
	if token.Error() != nil {
		logging.DebugLog("mqtt", "MQTT connection error: %v", token.Error())
		return token.Error()
	}

	logging.DebugLog("mqtt", "Connected to MQTT broker %s", b.Address())

	// Now acquire lock to update state
	b.mu.Lock()

	// Double-check we're not already running (race condition check)
	if b.running {
		b.mu.Unlock()
		client.Disconnect(100)
		return nil
	}

	b.client = client
	b.running = true
	b.mu.Unlock()

	b.startCommandWorkers()

	b.removeUpdate = b.registry.OnUpdate(func(snap entity.Snapshot) {
		b.publishSnapshot(snap, false)
	})

	return nil
}

// onConnect runs on every (re)connect: announce, re-subscribe and
// republish everything.
func (b *Bridge) onConnect() {
	b.mu.RLock()
	client := b.client
	b.mu.RUnlock()
	if client == nil {
		return
	}

	// Clear last values to force republish of all states
	b.lastMu.Lock()
	b.lastValues = make(map[string]string)
	b.lastMu.Unlock()

	b.publish(b.statusTopic(), payloadOnline, true)
	b.subscribeCommandTopics(client)

	for _, snap := range b.registry.Snapshots() {
		b.publishDiscovery(snap)
		b.publishSnapshot(snap, true)
	}
}

// Stop announces offline and disconnects.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.running || b.client == nil {
		b.mu.Unlock()
		return
	}

	b.running = false
	client := b.client
	b.client = nil
	removeUpdate := b.removeUpdate
	b.removeUpdate = nil

	// Save old channels and create new ones while holding lock
	oldStopChan := b.stopChan
	oldWg := b.workerWg
	b.stopChan = make(chan struct{})
	b.commandQueue = make(chan commandJob, MaxCommandQueueSize)
	b.workerWg = nil
	b.mu.Unlock()

	if removeUpdate != nil {
		removeUpdate()
	}

	// Stop command workers by closing old channel
	close(oldStopChan)

	// Wait for workers to finish (with timeout)
	done := make(chan struct{})
	go func() {
		if oldWg != nil {
			oldWg.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logging.DebugLog("mqtt", "Timeout waiting for command workers to stop")
	}

	token := client.Publish(b.statusTopic(), 1, true, payloadOffline)
	token.WaitTimeout(time.Second)

	// Disconnect OUTSIDE the lock to prevent blocking
	client.Disconnect(500)
}

func (b *Bridge) startCommandWorkers() {
	b.mu.Lock()
	wg := &sync.WaitGroup{}
	b.workerWg = wg
	stop := b.stopChan
	queue := b.commandQueue
	b.mu.Unlock()

	for i := 0; i < MaxCommandWorkers; i++ {
		wg.Add(1)
		go b.commandWorker(wg, stop, queue)
	}
}

// commandWorker processes command jobs from the queue. The channels are
// captured at pool start so a restarted bridge cannot redirect a
// draining worker onto the new run's channels.
func (b *Bridge) commandWorker(wg *sync.WaitGroup, stop <-chan struct{}, queue <-chan commandJob) {
	defer wg.Done()

	for {
		select {
		case <-stop:
			return
		case job, ok := <-queue:
			if !ok {
				return
			}
			if err := b.dispatchCommand(job); err != nil {
				logging.DebugLog("mqtt", "Command %s/%s=%q failed: %v",
					job.entityID, job.channel, job.payload, err)
			}
		}
	}
}

func (b *Bridge) baseTopic() string {
	if b.config.BaseTopic != "" {
		return b.config.BaseTopic
	}
	return "adslink"
}

func (b *Bridge) discoveryPrefix() string {
	if b.config.DiscoveryPrefix != "" {
		return b.config.DiscoveryPrefix
	}
	return "homeassistant"
}

func (b *Bridge) statusTopic() string {
	return b.baseTopic() + "/status"
}

// StateTopic returns the state topic for an entity.
func (b *Bridge) StateTopic(id string) string {
	return fmt.Sprintf("%s/%s/state", b.baseTopic(), slug(id))
}

// AvailabilityTopic returns the per-entity availability topic.
func (b *Bridge) AvailabilityTopic(id string) string {
	return fmt.Sprintf("%s/%s/availability", b.baseTopic(), slug(id))
}

// AttributesTopic returns the JSON attributes topic for an entity.
func (b *Bridge) AttributesTopic(id string) string {
	return fmt.Sprintf("%s/%s/attributes", b.baseTopic(), slug(id))
}

// CommandTopic returns a command topic for an entity. Channel is "set"
// for the main command, or "brightness"/"position" for the auxiliary
// ones.
func (b *Bridge) CommandTopic(id, channel string) string {
	if channel == "set" {
		return fmt.Sprintf("%s/%s/set", b.baseTopic(), slug(id))
	}
	return fmt.Sprintf("%s/%s/%s/set", b.baseTopic(), slug(id), channel)
}

// DiscoveryTopic returns the Home Assistant discovery config topic.
func (b *Bridge) DiscoveryTopic(kind entity.Kind, id string) string {
	return fmt.Sprintf("%s/%s/adslink/%s/config", b.discoveryPrefix(), string(kind), slug(id))
}

// slug makes an entity ID safe for use as a topic level. PLC variable
// names carry dots which MQTT allows but Home Assistant object IDs
// don't.
func slug(id string) string {
	var sb strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			sb.WriteRune(r + ('a' - 'A'))
		default:
			sb.WriteByte('_')
		}
	}
	return strings.Trim(sb.String(), "_")
}

// publishDiscovery publishes the retained Home Assistant discovery
// config for one entity.
func (b *Bridge) publishDiscovery(snap entity.Snapshot) {
	cfg := b.discoveryPayload(snap)
	payload, err := json.Marshal(cfg)
	if err != nil {
		return
	}
	b.publish(b.DiscoveryTopic(snap.Kind, snap.ID), string(payload), true)
}

// discoveryPayload builds the discovery config document for one entity.
func (b *Bridge) discoveryPayload(snap entity.Snapshot) map[string]any {
	uniqueID := "adslink_" + slug(snap.ID)
	name := snap.Name
	if name == "" {
		name = snap.ID
	}

	cfg := map[string]any{
		"name":        name,
		"unique_id":   uniqueID,
		"object_id":   uniqueID,
		"state_topic": b.StateTopic(snap.ID),
		"availability": []map[string]any{
			{"topic": b.statusTopic()},
			{"topic": b.AvailabilityTopic(snap.ID)},
		},
		"availability_mode": "all",
		"device": map[string]any{
			"identifiers": []string{"adslink"},
			"name":        "adslink",
			"model":       "ADS bridge",
		},
	}

	switch snap.Kind {
	case entity.KindSensor:
		if unit, ok := snap.Attributes["unit"].(string); ok && unit != "" {
			cfg["unit_of_measurement"] = unit
		}
	case entity.KindBinarySensor:
		// ON/OFF defaults apply
	case entity.KindSwitch:
		cfg["command_topic"] = b.CommandTopic(snap.ID, "set")
	case entity.KindLight:
		cfg["command_topic"] = b.CommandTopic(snap.ID, "set")
		if l, ok := b.entityAs(snap.ID).(*entity.Light); ok && l.HasBrightness() {
			cfg["brightness_command_topic"] = b.CommandTopic(snap.ID, "brightness")
			cfg["brightness_state_topic"] = b.AttributesTopic(snap.ID)
			cfg["brightness_value_template"] = "{{ value_json.brightness }}"
		}
	case entity.KindCover:
		cfg["command_topic"] = b.CommandTopic(snap.ID, "set")
		if c, ok := b.entityAs(snap.ID).(*entity.Cover); ok {
			if c.HasPosition() {
				cfg["position_topic"] = b.AttributesTopic(snap.ID)
				cfg["position_template"] = "{{ value_json.position }}"
			}
			if c.CanSetPosition() {
				cfg["set_position_topic"] = b.CommandTopic(snap.ID, "position")
			}
		}
	case entity.KindValve:
		cfg["command_topic"] = b.CommandTopic(snap.ID, "set")
		cfg["reports_position"] = false
	case entity.KindSelect:
		cfg["command_topic"] = b.CommandTopic(snap.ID, "set")
		if sel, ok := b.entityAs(snap.ID).(*entity.Select); ok {
			cfg["options"] = sel.Options()
		}
	}
	return cfg
}

// entityAs looks up a registered entity for capability checks.
func (b *Bridge) entityAs(id string) entity.Entity {
	e, _ := b.registry.Get(id)
	return e
}

// publishSnapshot publishes state, availability and attributes for one
// entity, skipping payloads that have not changed.
func (b *Bridge) publishSnapshot(snap entity.Snapshot, force bool) {
	avail := payloadOffline
	if snap.Available {
		avail = payloadOnline
	}
	b.publishChanged(b.AvailabilityTopic(snap.ID), avail, force)

	if state := StatePayload(snap); state != "" {
		b.publishChanged(b.StateTopic(snap.ID), state, force)
	}

	if len(snap.Attributes) > 0 {
		if payload, err := json.Marshal(snap.Attributes); err == nil {
			b.publishChanged(b.AttributesTopic(snap.ID), string(payload), force)
		}
	}
}

// StatePayload renders an entity state the way Home Assistant expects
// it on the state topic. Empty means nothing to publish yet.
func StatePayload(snap entity.Snapshot) string {
	switch snap.Kind {
	case entity.KindBinarySensor, entity.KindSwitch, entity.KindLight:
		on, ok := snap.State.(bool)
		if !ok {
			return ""
		}
		if on {
			return payloadOn
		}
		return payloadOff
	case entity.KindCover, entity.KindValve, entity.KindSelect:
		s, _ := snap.State.(string)
		return s
	default:
		if snap.State == nil {
			return ""
		}
		return fmt.Sprintf("%v", snap.State)
	}
}

// publishChanged publishes only when the payload differs from the last
// one sent on the topic.
func (b *Bridge) publishChanged(topic, payload string, force bool) {
	b.lastMu.RLock()
	last, exists := b.lastValues[topic]
	b.lastMu.RUnlock()

	if exists && !force && last == payload {
		return
	}
	if !b.publish(topic, payload, true) {
		return
	}

	b.lastMu.Lock()
	b.lastValues[topic] = payload
	b.lastMu.Unlock()
}

func (b *Bridge) publish(topic, payload string, retain bool) bool {
	b.mu.RLock()
	running := b.running
	client := b.client
	b.mu.RUnlock()

	if !running || client == nil {
		return false
	}

	token := client.Publish(topic, 1, retain, payload)

	// Use timeout to prevent blocking
	if !token.WaitTimeout(2 * time.Second) {
		return false
	}
	return token.Error() == nil
}

// subscribeCommandTopics subscribes to the command topic trees.
func (b *Bridge) subscribeCommandTopics(client pahomqtt.Client) {
	filters := []string{
		b.baseTopic() + "/+/set",
		b.baseTopic() + "/+/brightness/set",
		b.baseTopic() + "/+/position/set",
	}
	for _, filter := range filters {
		logging.DebugLog("mqtt", "Subscribing to command topic: %s", filter)
		token := client.Subscribe(filter, 1, b.handleCommandMessage)
		if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
			if token.Error() != nil {
				logging.DebugLog("mqtt", "Subscribe error for %s: %v", filter, token.Error())
			} else {
				logging.DebugLog("mqtt", "Subscribe timeout for %s", filter)
			}
		}
	}
}

// handleCommandMessage queues an incoming command for the worker pool.
func (b *Bridge) handleCommandMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	logging.DebugLog("mqtt", "Command on %s: %s", msg.Topic(), string(msg.Payload()))

	entityID, channel, ok := b.parseCommandTopic(msg.Topic())
	if !ok {
		logging.DebugLog("mqtt", "Ignoring unrecognized command topic %s", msg.Topic())
		return
	}

	job := commandJob{entityID: entityID, channel: channel, payload: string(msg.Payload())}

	b.mu.RLock()
	queue := b.commandQueue
	b.mu.RUnlock()

	select {
	case queue <- job:
		// Job queued successfully
	default:
		// Queue full, drop with a log
		logging.DebugLog("mqtt", "Command queue full, dropping command for %s", entityID)
	}
}

// parseCommandTopic extracts the entity slug and channel from a command
// topic under the base topic.
func (b *Bridge) parseCommandTopic(topic string) (entityID, channel string, ok bool) {
	prefix := b.baseTopic() + "/"
	if !strings.HasPrefix(topic, prefix) {
		return "", "", false
	}
	parts := strings.Split(strings.TrimPrefix(topic, prefix), "/")
	switch {
	case len(parts) == 2 && parts[1] == "set":
		return parts[0], "set", true
	case len(parts) == 3 && parts[2] == "set" && (parts[1] == "brightness" || parts[1] == "position"):
		return parts[0], parts[1], true
	}
	return "", "", false
}

// findEntity resolves a topic slug back to a registered entity.
func (b *Bridge) findEntity(slugID string) (entity.Entity, bool) {
	if e, ok := b.registry.Get(slugID); ok {
		return e, true
	}
	for _, e := range b.registry.List() {
		if slug(e.ID()) == slugID {
			return e, true
		}
	}
	return nil, false
}

// dispatchCommand routes one command payload to the entity's command
// method.
func (b *Bridge) dispatchCommand(job commandJob) error {
	e, ok := b.findEntity(job.entityID)
	if !ok {
		return fmt.Errorf("unknown entity %q", job.entityID)
	}

	payload := strings.TrimSpace(job.payload)

	switch target := e.(type) {
	case *entity.Switch:
		switch strings.ToUpper(payload) {
		case payloadOn:
			return target.TurnOn()
		case payloadOff:
			return target.TurnOff()
		}
		return fmt.Errorf("switch %s: bad payload %q", e.ID(), payload)

	case *entity.Light:
		if job.channel == "brightness" {
			level, err := strconv.Atoi(payload)
			if err != nil {
				return fmt.Errorf("light %s: bad brightness %q", e.ID(), payload)
			}
			return target.SetBrightness(level)
		}
		switch strings.ToUpper(payload) {
		case payloadOn:
			return target.TurnOn()
		case payloadOff:
			return target.TurnOff()
		}
		return fmt.Errorf("light %s: bad payload %q", e.ID(), payload)

	case *entity.Cover:
		if job.channel == "position" {
			pos, err := strconv.Atoi(payload)
			if err != nil {
				return fmt.Errorf("cover %s: bad position %q", e.ID(), payload)
			}
			return target.SetPosition(pos)
		}
		switch strings.ToUpper(payload) {
		case "OPEN":
			return target.Open()
		case "CLOSE":
			return target.CloseCover()
		case "STOP":
			return target.Stop()
		}
		return fmt.Errorf("cover %s: bad payload %q", e.ID(), payload)

	case *entity.Valve:
		switch strings.ToUpper(payload) {
		case "OPEN":
			return target.Open()
		case "CLOSE":
			return target.CloseValve()
		}
		return fmt.Errorf("valve %s: bad payload %q", e.ID(), payload)

	case *entity.Select:
		return target.SelectOption(payload)
	}

	return fmt.Errorf("entity %s does not accept commands", e.ID())
}
