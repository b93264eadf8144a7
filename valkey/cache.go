// Package valkey maintains a last-value cache of entity state in a
// Valkey/Redis server, plus a hub health key, with optional Pub/Sub
// change notifications.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"adslink/bridge"
	"adslink/config"
	"adslink/entity"
	"adslink/logging"
)

const defaultKeyPrefix = "adslink"

// joinKey joins key segments with colons, trimming leading/trailing colons
// from each segment to avoid empty key parts (e.g., "foo::bar" or ":foo:bar:").
func joinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// HealthMessage is the hub health document stored under the health key.
type HealthMessage struct {
	State     string    `json:"state"`
	Connected bool      `json:"connected"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Cache mirrors entity snapshots into Valkey.
type Cache struct {
	config   *config.ValkeyConfig
	registry *entity.Registry

	client  *redis.Client
	running bool
	mu      sync.RWMutex

	removeUpdate func()
}

// NewCache creates a Valkey cache for the given registry.
func NewCache(cfg *config.ValkeyConfig, reg *entity.Registry) *Cache {
	return &Cache{config: cfg, registry: reg}
}

// Start connects to the Valkey server and begins mirroring updates.
func (c *Cache) Start() error {
	// Check if already running (quick check with lock)
	c.mu.RLock()
	if c.running {
		c.mu.RUnlock()
		return nil
	}
	c.mu.RUnlock()

	opts := &redis.Options{
		Addr:         c.config.Address,
		Password:     c.config.Password,
		DB:           c.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if c.config.UseTLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	// Create client and test connection WITHOUT holding the lock
	client := redis.NewClient(opts)

	logging.DebugLog("valkey", "Attempting to connect to Valkey at %s (DB: %d, TLS: %v)",
		c.config.Address, c.config.Database, c.config.UseTLS)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logging.DebugLog("valkey", "Valkey connection failed: %v", err)
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", c.config.Address, err)
	}

	logging.DebugLog("valkey", "Connected to Valkey at %s", c.config.Address)

	// Now acquire lock to update state
	c.mu.Lock()

	// Double-check we're not already running (race condition check)
	if c.running {
		c.mu.Unlock()
		client.Close()
		return nil
	}

	c.client = client
	c.running = true
	c.mu.Unlock()

	c.removeUpdate = c.registry.OnUpdate(func(snap entity.Snapshot) {
		if err := c.PublishSnapshot(snap); err != nil {
			logging.DebugLog("valkey", "Publish %s failed: %v", snap.ID, err)
		}
	})

	// Seed the cache with the current state of every entity
	c.PublishAll()

	return nil
}

// Stop disconnects from the Valkey server.
func (c *Cache) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}

	c.running = false
	client := c.client
	c.client = nil
	removeUpdate := c.removeUpdate
	c.removeUpdate = nil
	c.mu.Unlock()

	if removeUpdate != nil {
		removeUpdate()
	}
	if client != nil {
		return client.Close()
	}
	return nil
}

// IsRunning returns whether the cache is connected.
func (c *Cache) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// Address returns the server address.
func (c *Cache) Address() string {
	scheme := "redis"
	if c.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, c.config.Address)
}

func (c *Cache) prefix() string {
	if c.config.KeyPrefix != "" {
		return c.config.KeyPrefix
	}
	return defaultKeyPrefix
}

// EntityKey returns the cache key for one entity.
func (c *Cache) EntityKey(id string) string {
	return joinKey(c.prefix(), "entities", id)
}

// HealthKey returns the hub health key.
func (c *Cache) HealthKey() string {
	return joinKey(c.prefix(), "health")
}

// PublishAll stores the current snapshot of every entity.
func (c *Cache) PublishAll() {
	for _, snap := range c.registry.Snapshots() {
		if err := c.PublishSnapshot(snap); err != nil {
			logging.DebugLog("valkey", "Publish %s failed: %v", snap.ID, err)
		}
	}
}

// PublishSnapshot stores one entity snapshot under its key.
func (c *Cache) PublishSnapshot(snap entity.Snapshot) error {
	c.mu.RLock()
	if !c.running || c.client == nil {
		c.mu.RUnlock()
		return nil
	}
	client := c.client
	cfg := c.config
	c.mu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	// Use a short timeout to prevent blocking
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := c.EntityKey(snap.ID)
	if err := client.Set(ctx, key, data, cfg.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}

	if cfg.PublishChanges {
		channel := joinKey(c.prefix(), "changes")
		client.Publish(ctx, channel, data)
	}

	return nil
}

// PublishHealth stores the hub connection state under the health key.
func (c *Cache) PublishHealth(state bridge.State, lastErr error) error {
	c.mu.RLock()
	if !c.running || c.client == nil {
		c.mu.RUnlock()
		return nil
	}
	client := c.client
	cfg := c.config
	c.mu.RUnlock()

	msg := HealthMessage{
		State:     state.String(),
		Connected: state == bridge.StateConnected,
		Timestamp: time.Now().UTC(),
	}
	if lastErr != nil {
		msg.Error = lastErr.Error()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal health status: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Set(ctx, c.HealthKey(), data, cfg.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set health key: %w", err)
	}

	if cfg.PublishChanges {
		channel := joinKey(c.prefix(), "health", "changes")
		client.Publish(ctx, channel, data)
	}

	return nil
}
