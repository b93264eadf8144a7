// Package config handles configuration persistence for the adslink
// application.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"adslink/ads"
	"adslink/entity"
)

// ConfigListenerID is a unique identifier for a config change listener.
type ConfigListenerID string

// Config holds the complete application configuration.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Entities []EntityConfig `yaml:"entities"`
	PollRate time.Duration  `yaml:"poll_rate"` // Default poll cadence for entities without poll_ms
	Web      WebConfig      `yaml:"web"`
	MQTT     MQTTConfig     `yaml:"mqtt,omitempty"`
	Valkey   ValkeyConfig   `yaml:"valkey,omitempty"`
	Kafka    KafkaConfig    `yaml:"kafka,omitempty"`
	Debug    DebugConfig    `yaml:"debug,omitempty"`

	// Data mutex protects all config fields against concurrent access.
	// Callers that modify config should Lock(), modify, then call UnlockAndSave().
	// Save() acquires the lock internally for callers that don't hold it.
	dataMu sync.Mutex `yaml:"-"`

	// Change listeners (not serialized)
	changeListeners map[ConfigListenerID]func() `yaml:"-"`
	listenersMu     sync.RWMutex                `yaml:"-"`
	listenerCounter uint64                      `yaml:"-"`
}

// DeviceConfig identifies the target PLC and tunes the connection.
type DeviceConfig struct {
	Name     string `yaml:"name,omitempty"`
	AmsNetID string `yaml:"ams_net_id"`
	// Port is the target AMS port on the device.
	Port int `yaml:"port"`
	// Host is the IP or hostname the TCP connection dials.
	Host string `yaml:"host"`
	// SourceAmsNetID overrides the locally derived source NetId.
	SourceAmsNetID string `yaml:"source_ams_net_id,omitempty"`

	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`
	// MaxRetries bounds consecutive reconnect attempts (0 = default).
	MaxRetries int `yaml:"max_retries,omitempty"`
	// Notifications selects device change notifications over polling.
	// Nil means enabled.
	Notifications *bool `yaml:"notifications,omitempty"`

	// MonitorVar names an optional PLC variable read periodically as a
	// connection watchdog. MonitorInterval defaults to 10s.
	MonitorVar      string        `yaml:"monitor_var,omitempty"`
	MonitorInterval time.Duration `yaml:"monitor_interval,omitempty"`
}

// EntityConfig declares one entity and the PLC variables behind it.
// Which variable fields apply depends on the entity type; adsvar is
// the primary variable for every type except cover, where it tracks
// the closed end switch and adsvar_position tracks position.
type EntityConfig struct {
	Type string `yaml:"type" json:"type"` // sensor, binary_sensor, switch, light, cover, valve, select
	Name string `yaml:"name" json:"name"`
	ID   string `yaml:"id,omitempty" json:"id,omitempty"`

	Var     string `yaml:"adsvar" json:"adsvar"`
	VarType string `yaml:"adstype,omitempty" json:"adstype,omitempty"` // Defaults to int

	// Factor divides raw sensor readings (e.g. 10 for temperature*10).
	Factor int    `yaml:"factor,omitempty" json:"factor,omitempty"`
	Unit   string `yaml:"unit_of_measurement,omitempty" json:"unit_of_measurement,omitempty"`

	// PollMS overrides the global poll rate for this entity's variables.
	PollMS int `yaml:"poll_ms,omitempty" json:"poll_ms,omitempty"`
	// StringLength is the encoded size of STRING variables, terminator
	// included.
	StringLength int `yaml:"string_length,omitempty" json:"string_length,omitempty"`

	// Light
	BrightnessVar  string `yaml:"adsvar_brightness,omitempty" json:"adsvar_brightness,omitempty"`
	BrightnessType string `yaml:"adstype_brightness,omitempty" json:"adstype_brightness,omitempty"`

	// Cover
	PositionVar    string `yaml:"adsvar_position,omitempty" json:"adsvar_position,omitempty"`
	SetPositionVar string `yaml:"adsvar_set_position,omitempty" json:"adsvar_set_position,omitempty"`
	OpenVar        string `yaml:"adsvar_open,omitempty" json:"adsvar_open,omitempty"`
	CloseVar       string `yaml:"adsvar_close,omitempty" json:"adsvar_close,omitempty"`
	StopVar        string `yaml:"adsvar_stop,omitempty" json:"adsvar_stop,omitempty"`

	// Select
	Options []string `yaml:"options,omitempty" json:"options,omitempty"`
}

// WebConfig holds web server configuration.
type WebConfig struct {
	Enabled bool         `yaml:"enabled"`
	Host    string       `yaml:"host"`
	Port    int          `yaml:"port"`
	API     WebAPIConfig `yaml:"api"`
}

// WebAPIConfig holds REST API settings.
type WebAPIConfig struct {
	Enabled bool `yaml:"enabled"`
	// TokenHash is the bcrypt hash of the API bearer token. Empty
	// disables authentication.
	TokenHash string `yaml:"token_hash,omitempty"`
}

// MQTTConfig holds the Home Assistant MQTT bridge configuration.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	UseTLS   bool   `yaml:"use_tls,omitempty"`
	// DiscoveryPrefix is the Home Assistant discovery topic root.
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	// BaseTopic prefixes state, availability and command topics.
	BaseTopic string `yaml:"base_topic"`
}

// ValkeyConfig holds Valkey/Redis last-value cache configuration.
type ValkeyConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Address   string        `yaml:"address"` // host:port format
	Password  string        `yaml:"password,omitempty"`
	Database  int           `yaml:"database"` // Redis DB number (default 0)
	UseTLS    bool          `yaml:"use_tls,omitempty"`
	KeyPrefix string        `yaml:"key_prefix,omitempty"`
	KeyTTL    time.Duration `yaml:"key_ttl,omitempty"` // TTL for keys (0 = no expiry)
	// PublishChanges also publishes each change to Pub/Sub.
	PublishChanges bool `yaml:"publish_changes,omitempty"`
}

// KafkaConfig holds the change-event producer configuration.
// Note: AutoCreateTopics is a *bool to distinguish "not set" (nil = use
// default true) from "explicitly set to false".
type KafkaConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic"`
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	RetryBackoff  time.Duration `yaml:"retry_backoff,omitempty"`

	AutoCreateTopics *bool `yaml:"auto_create_topics,omitempty"`
}

// DebugConfig controls the protocol-filtered debug log.
type DebugConfig struct {
	Enabled bool   `yaml:"enabled"`
	File    string `yaml:"file,omitempty"`
	// Filter is a comma-separated subsystem list (empty = all).
	Filter string `yaml:"filter,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Port: int(ads.DefaultAmsPort),
		},
		Entities: []EntityConfig{},
		PollRate: 500 * time.Millisecond,
		Web: WebConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			API: WebAPIConfig{
				Enabled: true,
			},
		},
		MQTT: MQTTConfig{
			Port:            1883,
			DiscoveryPrefix: "homeassistant",
			BaseTopic:       "adslink",
		},
	}
}

// Kind returns the entity kind declared by the config entry.
func (e EntityConfig) Kind() entity.Kind {
	return entity.Kind(e.Type)
}

// AdsType parses the declared primary variable type. An empty adstype
// means int.
func (e EntityConfig) AdsType() (ads.Type, error) {
	if e.VarType == "" {
		return ads.TypeInt, nil
	}
	t, ok := ads.ParseType(e.VarType)
	if !ok {
		return 0, fmt.Errorf("entity %q: unknown adstype %q", e.Name, e.VarType)
	}
	return t, nil
}

// SpecFor builds a variable spec for the named variable, carrying the
// entity's poll override and string length.
func (e EntityConfig) SpecFor(name string, t ads.Type) ads.VariableSpec {
	return ads.VariableSpec{
		Name:         name,
		Type:         t,
		PollInterval: time.Duration(e.PollMS) * time.Millisecond,
		StringLength: e.StringLength,
	}
}

// Spec builds the variable spec for the entity's primary variable.
func (e EntityConfig) Spec() (ads.VariableSpec, error) {
	t, err := e.AdsType()
	if err != nil {
		return ads.VariableSpec{}, err
	}
	return e.SpecFor(e.Var, t), nil
}

// Validate checks one entity entry for errors.
func (e EntityConfig) Validate() error {
	if !e.Kind().Valid() {
		return fmt.Errorf("entity %q: unknown type %q", e.Name, e.Type)
	}
	if e.Name == "" && e.ID == "" && e.Var == "" {
		return fmt.Errorf("entity of type %q: needs a name, id or adsvar", e.Type)
	}
	if e.Kind() == entity.KindCover {
		if e.Var == "" && e.PositionVar == "" {
			return fmt.Errorf("cover %q: needs adsvar or adsvar_position", e.Name)
		}
	} else if e.Var == "" {
		return fmt.Errorf("entity %q: missing adsvar", e.Name)
	}
	if _, err := e.AdsType(); err != nil {
		return err
	}
	if e.Factor < 0 {
		return fmt.Errorf("entity %q: negative factor", e.Name)
	}
	if e.PollMS < 0 {
		return fmt.Errorf("entity %q: negative poll_ms", e.Name)
	}
	if e.Kind() == entity.KindSelect && len(e.Options) == 0 {
		return fmt.Errorf("select %q: needs options", e.Name)
	}
	return nil
}

// Address builds the device address from the config block.
func (d DeviceConfig) Address() (ads.DeviceAddress, error) {
	netID, err := ads.ParseAmsNetId(d.AmsNetID)
	if err != nil {
		return ads.DeviceAddress{}, err
	}
	port := d.Port
	if port == 0 {
		port = int(ads.DefaultAmsPort)
	}
	return ads.DeviceAddress{Host: d.Host, NetId: netID, Port: uint16(port)}, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Device.Host == "" {
		return fmt.Errorf("device: missing host")
	}
	if _, err := c.Device.Address(); err != nil {
		return fmt.Errorf("device: %w", err)
	}
	seen := make(map[string]bool, len(c.Entities))
	for i := range c.Entities {
		e := &c.Entities[i]
		if err := e.Validate(); err != nil {
			return err
		}
		if e.Name != "" {
			if seen[e.Name] {
				return fmt.Errorf("entity %q: duplicate name", e.Name)
			}
			seen[e.Name] = true
		}
	}
	return nil
}

// SetAPIToken stores a bcrypt hash of the given API token.
func (c *Config) SetAPIToken(token string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	c.Web.API.TokenHash = string(hash)
	return nil
}

// CheckAPIToken reports whether the token matches the stored hash.
// Returns false when no hash is configured.
func (c *Config) CheckAPIToken(token string) bool {
	if c.Web.API.TokenHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(c.Web.API.TokenHash), []byte(token)) == nil
}

// FindEntity returns the entity config with the given name, or nil if
// not found.
func (c *Config) FindEntity(name string) *EntityConfig {
	for i := range c.Entities {
		if c.Entities[i].Name == name {
			return &c.Entities[i]
		}
	}
	return nil
}

// AddEntity adds a new entity configuration.
func (c *Config) AddEntity(e EntityConfig) {
	c.Entities = append(c.Entities, e)
}

// RemoveEntity removes an entity by name.
func (c *Config) RemoveEntity(name string) bool {
	for i, e := range c.Entities {
		if e.Name == name {
			c.Entities = append(c.Entities[:i], c.Entities[i+1:]...)
			return true
		}
	}
	return false
}

// UpdateEntity updates an existing entity configuration.
func (c *Config) UpdateEntity(name string, updated EntityConfig) bool {
	for i, e := range c.Entities {
		if e.Name == name {
			c.Entities[i] = updated
			return true
		}
	}
	return false
}

// DefaultPath returns the default configuration file path (~/.adslink/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".adslink", "config.yaml")
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		// File doesn't exist; keep defaults and write them out so the
		// user has a file to edit.
		cfg.Save(path) // Best-effort save
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// AddOnChangeListener registers a callback to be called when the config is saved.
// Returns an ID that can be used to remove the listener later.
func (c *Config) AddOnChangeListener(cb func()) ConfigListenerID {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	if c.changeListeners == nil {
		c.changeListeners = make(map[ConfigListenerID]func())
	}

	id := ConfigListenerID(fmt.Sprintf("listener-%d", atomic.AddUint64(&c.listenerCounter, 1)))
	c.changeListeners[id] = cb
	return id
}

// RemoveOnChangeListener removes a previously registered listener.
func (c *Config) RemoveOnChangeListener(id ConfigListenerID) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	delete(c.changeListeners, id)
}

// notifyChangeListeners calls all registered change listeners.
func (c *Config) notifyChangeListeners() {
	c.listenersMu.RLock()
	listeners := make([]func(), 0, len(c.changeListeners))
	for _, cb := range c.changeListeners {
		listeners = append(listeners, cb)
	}
	c.listenersMu.RUnlock()

	// Call listeners outside the lock to avoid deadlocks
	for _, cb := range listeners {
		go cb() // Run in goroutine to avoid blocking
	}
}

// Lock acquires the config data mutex for exclusive access.
// Use this before modifying config fields, then call UnlockAndSave.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data mutex without saving.
// Prefer UnlockAndSave when modifications were made.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save acquires the lock, marshals, writes, and notifies.
// Use this when the caller does not already hold the lock.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	return c.saveLocked(path)
}

// UnlockAndSave marshals, releases the lock, writes, and notifies.
// The caller must already hold the lock via Lock().
func (c *Config) UnlockAndSave(path string) error {
	return c.saveLocked(path)
}

// saveLocked marshals config (lock must be held), unlocks, then writes and notifies.
func (c *Config) saveLocked(path string) error {
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock() // Release lock after marshal, before I/O

	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}

	// Notify listeners after successful save
	c.notifyChangeListeners()
	return nil
}
