package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"adslink/bridge"
	"adslink/entity"
	"adslink/logging"
)

// ChangeEvent is the JSON structure published for entity changes.
type ChangeEvent struct {
	Entity     string         `json:"entity"`
	Kind       string         `json:"kind"`
	State      any            `json:"state"`
	Available  bool           `json:"available"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// HealthEvent is the JSON structure published for hub state changes.
type HealthEvent struct {
	State     string `json:"state"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// publishJob represents a pending Kafka publish operation.
type publishJob struct {
	topic    string
	key      []byte
	payload  []byte
	cacheKey string
	value    string
}

// MaxPublishWorkers is the maximum number of concurrent publish goroutines.
const MaxPublishWorkers = 10

// MaxPublishQueueSize is the maximum number of pending publish jobs.
const MaxPublishQueueSize = 1000

// Emitter turns entity registry updates into Kafka change events.
type Emitter struct {
	producer *Producer
	registry *entity.Registry
	topic    string

	lastValues map[string]string // change tracking per entity
	lastMu     sync.RWMutex

	removeUpdate func()

	publishQueue chan publishJob
	wg           sync.WaitGroup
	stopChan     chan struct{}

	mu      sync.Mutex
	running bool
}

// NewEmitter creates an emitter publishing to the producer's configured
// topic.
func NewEmitter(producer *Producer, reg *entity.Registry) *Emitter {
	return &Emitter{
		producer:     producer,
		registry:     reg,
		topic:        producer.config.Topic,
		lastValues:   make(map[string]string),
		publishQueue: make(chan publishJob, MaxPublishQueueSize),
		stopChan:     make(chan struct{}),
	}
}

// HealthTopic returns the topic health events go to.
func (e *Emitter) HealthTopic() string {
	return e.topic + ".health"
}

// Start connects to the cluster and begins emitting events.
func (e *Emitter) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	if e.topic == "" {
		e.mu.Unlock()
		return fmt.Errorf("no kafka topic configured")
	}
	e.running = true
	e.mu.Unlock()

	if err := e.producer.Connect(); err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		return err
	}

	for i := 0; i < MaxPublishWorkers; i++ {
		e.wg.Add(1)
		go e.publishWorker()
	}

	e.removeUpdate = e.registry.OnUpdate(e.EmitSnapshot)
	return nil
}

// Stop drains the workers and disconnects.
func (e *Emitter) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	removeUpdate := e.removeUpdate
	e.removeUpdate = nil

	oldStopChan := e.stopChan
	e.stopChan = make(chan struct{})
	e.publishQueue = make(chan publishJob, MaxPublishQueueSize)
	e.mu.Unlock()

	if removeUpdate != nil {
		removeUpdate()
	}

	close(oldStopChan)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logging.DebugLog("kafka", "Timeout waiting for publish workers to stop")
	}

	e.producer.Disconnect()
}

// IsRunning returns whether the emitter is active.
func (e *Emitter) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// publishWorker processes publish jobs from the queue.
func (e *Emitter) publishWorker() {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopChan:
			return
		case job, ok := <-e.publishQueue:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := e.producer.Produce(ctx, job.topic, job.key, job.payload); err == nil {
				if job.cacheKey != "" {
					e.lastMu.Lock()
					e.lastValues[job.cacheKey] = job.value
					e.lastMu.Unlock()
				}
			} else {
				logging.DebugLog("kafka", "Failed to publish %s: %v", job.cacheKey, err)
			}
			cancel()
		}
	}
}

// EmitSnapshot publishes one entity state change, skipping states that
// have not changed since the last successful publish.
func (e *Emitter) EmitSnapshot(snap entity.Snapshot) {
	if e.producer.GetStatus() != StatusConnected {
		return
	}

	event := ChangeEvent{
		Entity:     snap.ID,
		Kind:       string(snap.Kind),
		State:      snap.State,
		Available:  snap.Available,
		Attributes: snap.Attributes,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return
	}

	// Change tracking keys off the rendered state plus availability.
	rendered := fmt.Sprintf("%v|%v", snap.State, snap.Available)

	e.lastMu.RLock()
	last, exists := e.lastValues[snap.ID]
	e.lastMu.RUnlock()
	if exists && last == rendered {
		return
	}

	e.enqueue(publishJob{
		topic:    e.topic,
		key:      []byte(snap.ID), // entity ID keys the partition for ordering
		payload:  payload,
		cacheKey: snap.ID,
		value:    rendered,
	})
}

// EmitHealth publishes a hub state change. Health events are always
// published.
func (e *Emitter) EmitHealth(state bridge.State, lastErr error) {
	if e.producer.GetStatus() != StatusConnected {
		return
	}

	event := HealthEvent{
		State:     state.String(),
		Connected: state == bridge.StateConnected,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if lastErr != nil {
		event.Error = lastErr.Error()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return
	}

	e.enqueue(publishJob{
		topic:   e.HealthTopic(),
		key:     []byte("hub"),
		payload: payload,
	})
}

// enqueue adds a job without blocking, dropping on overflow.
func (e *Emitter) enqueue(job publishJob) {
	e.mu.Lock()
	queue := e.publishQueue
	e.mu.Unlock()

	select {
	case queue <- job:
		// Job queued successfully
	default:
		logging.DebugLog("kafka", "Publish queue full, dropping message for %s", job.cacheKey)
	}
}

// ClearLastValues clears the change tracking cache, forcing republish
// of all values.
func (e *Emitter) ClearLastValues() {
	e.lastMu.Lock()
	e.lastValues = make(map[string]string)
	e.lastMu.Unlock()
}
