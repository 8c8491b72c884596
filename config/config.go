// Package config loads and validates the control-plane configuration from
// layered JSON files with environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Config is the complete application configuration.
type Config struct {
	Version   string          `json:"version"`
	Site      SiteConfig      `json:"site"`
	NATS      NATSConfig      `json:"nats"`
	Metrics   MetricsConfig   `json:"metrics"`
	Ingest    IngestConfig    `json:"ingest"`
	Outbox    OutboxConfig    `json:"outbox"`
	Alert     AlertConfig     `json:"alert"`
	Interlock InterlockConfig `json:"interlock"`
	Inputs    InputsConfig    `json:"inputs"`
	Websocket WebsocketConfig `json:"websocket"`
	Gateway   GatewayConfig   `json:"gateway"`
	Manager   ManagerConfig   `json:"manager"`
}

// SiteConfig identifies the facility this plane serves.
type SiteConfig struct {
	Org         string `json:"org"`
	ID          string `json:"id"`
	Environment string `json:"environment,omitempty"` // "prod", "dev", "test"
}

// NATSConfig defines NATS connection settings.
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
}

// MetricsConfig defines the Prometheus exposition endpoint.
type MetricsConfig struct {
	Port int    `json:"port,omitempty"`
	Path string `json:"path,omitempty"`
}

// IngestConfig tunes the reading pipeline.
type IngestConfig struct {
	MaxBatchSize int           `json:"max_batch_size,omitempty"`
	StaleAfter   time.Duration `json:"stale_after,omitempty"`
	PastWindow   time.Duration `json:"past_window,omitempty"`
	FutureWindow time.Duration `json:"future_window,omitempty"`
	DedupTTL     time.Duration `json:"dedup_ttl,omitempty"`
}

// OutboxConfig tunes command dispatch.
type OutboxConfig struct {
	DispatchInterval time.Duration `json:"dispatch_interval,omitempty"`
	AckTimeout       time.Duration `json:"ack_timeout,omitempty"`
	MaxRetries       int           `json:"max_retries,omitempty"`
	ScopeLimit       int           `json:"scope_limit,omitempty"`
}

// AlertConfig tunes the alert engine.
type AlertConfig struct {
	NotifyWorkers int `json:"notify_workers,omitempty"`
	NotifyQueue   int `json:"notify_queue,omitempty"`
	HistoryLimit  int `json:"history_limit,omitempty"`
}

// InterlockConfig binds safety limits to the telemetry streams that feed
// them. Stream fields name stream IDs in the catalog; empty means the
// corresponding interlock never trips.
type InterlockConfig struct {
	TankLevelMinPct float64       `json:"tank_level_min_pct,omitempty"`
	ECMin           float64       `json:"ec_min,omitempty"`
	ECMax           float64       `json:"ec_max,omitempty"`
	PHMin           float64       `json:"ph_min,omitempty"`
	PHMax           float64       `json:"ph_max,omitempty"`
	CO2MaxPPM       float64       `json:"co2_max_ppm,omitempty"`
	FlowMinLPM      float64       `json:"flow_min_lpm,omitempty"`
	FlowMaxLPM      float64       `json:"flow_max_lpm,omitempty"`
	MaxRuntime      time.Duration `json:"max_runtime,omitempty"`
	StaleAfter      time.Duration `json:"stale_after,omitempty"`
	DeviceTimeout   time.Duration `json:"device_timeout,omitempty"`

	TankLevelStream     string `json:"tank_level_stream,omitempty"`
	ECStream            string `json:"ec_stream,omitempty"`
	PHStream            string `json:"ph_stream,omitempty"`
	CO2Stream           string `json:"co2_stream,omitempty"`
	FlowStream          string `json:"flow_stream,omitempty"`
	EmergencyStopStream string `json:"emergency_stop_stream,omitempty"`
	DoorStream          string `json:"door_stream,omitempty"`
	OccupancyStream     string `json:"occupancy_stream,omitempty"`

	// Local wall-clock "HH:MM"; equal or both empty disables the curfew.
	CurfewStart string `json:"curfew_start,omitempty"`
	CurfewEnd   string `json:"curfew_end,omitempty"`
}

// InputsConfig enables and tunes the ingestion adapters.
type InputsConfig struct {
	HTTPBatch   HTTPBatchConfig   `json:"http_batch"`
	Broker      BrokerConfig      `json:"broker"`
	Replication ReplicationConfig `json:"replication"`
}

// HTTPBatchConfig tunes the HTTP batch adapter.
type HTTPBatchConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr,omitempty"`
	MaxBatch int    `json:"max_batch,omitempty"`
}

// BrokerConfig tunes the NATS push adapter.
type BrokerConfig struct {
	Enabled bool   `json:"enabled"`
	Subject string `json:"subject,omitempty"`
}

// ReplicationConfig tunes the JetStream fan-in adapter.
type ReplicationConfig struct {
	Enabled bool   `json:"enabled"`
	Stream  string `json:"stream,omitempty"`
	Durable string `json:"durable,omitempty"`
	Subject string `json:"subject,omitempty"`
}

// WebsocketConfig tunes the live viewer server.
type WebsocketConfig struct {
	Enabled       bool          `json:"enabled"`
	Addr          string        `json:"addr,omitempty"`
	Path          string        `json:"path,omitempty"`
	PingInterval  time.Duration `json:"ping_interval,omitempty"`
	StaleAfter    time.Duration `json:"stale_after,omitempty"`
	PruneInterval time.Duration `json:"prune_interval,omitempty"`
}

// GatewayConfig tunes the REST control surface.
type GatewayConfig struct {
	Addr string `json:"addr,omitempty"`
}

// ManagerConfig tunes the component manager's admin endpoint. An empty
// addr disables the endpoint.
type ManagerConfig struct {
	Addr string `json:"addr,omitempty"`
}

// SafeConfig provides thread-safe access to configuration.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig wraps a config for concurrent readers.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone creates a deep copy via JSON round-tripping.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Validate checks the configuration for structural mistakes. Field defaults
// are applied by the consuming components, not here.
func (c *Config) Validate() error {
	if c.Site.Org == "" {
		return errors.New("site.org is required")
	}
	c.Site.Org = strings.ToLower(c.Site.Org)
	if !isValidSubjectPart(c.Site.Org) {
		return fmt.Errorf("site.org %q is not valid for NATS subjects", c.Site.Org)
	}

	if c.Site.ID == "" {
		return errors.New("site.id is required")
	}
	if !isValidSubjectPart(c.Site.ID) {
		return fmt.Errorf("site.id %q is not valid for NATS subjects", c.Site.ID)
	}

	if c.Ingest.MaxBatchSize < 0 {
		return errors.New("ingest.max_batch_size cannot be negative")
	}
	if c.Ingest.FutureWindow < 0 || c.Ingest.PastWindow < 0 {
		return errors.New("ingest timestamp windows cannot be negative")
	}

	if c.Outbox.MaxRetries < 0 {
		return errors.New("outbox.max_retries cannot be negative")
	}
	if c.Outbox.ScopeLimit < 0 {
		return errors.New("outbox.scope_limit cannot be negative")
	}

	if err := c.Interlock.validate(); err != nil {
		return fmt.Errorf("interlock: %w", err)
	}

	if c.Inputs.HTTPBatch.Enabled && c.Inputs.HTTPBatch.Addr == "" {
		return errors.New("inputs.http_batch.addr is required when enabled")
	}
	if c.Websocket.Enabled && c.Websocket.Addr == "" {
		return errors.New("websocket.addr is required when enabled")
	}

	return nil
}

func (ic *InterlockConfig) validate() error {
	if ic.ECMin > ic.ECMax {
		return errors.New("ec_min cannot exceed ec_max")
	}
	if ic.PHMin > ic.PHMax {
		return errors.New("ph_min cannot exceed ph_max")
	}
	if ic.FlowMinLPM > ic.FlowMaxLPM {
		return errors.New("flow_min_lpm cannot exceed flow_max_lpm")
	}
	if (ic.CurfewStart == "") != (ic.CurfewEnd == "") {
		return errors.New("curfew_start and curfew_end must be set together")
	}
	if ic.CurfewStart != "" {
		if _, err := ParseClock(ic.CurfewStart); err != nil {
			return fmt.Errorf("curfew_start: %w", err)
		}
		if _, err := ParseClock(ic.CurfewEnd); err != nil {
			return fmt.Errorf("curfew_end: %w", err)
		}
	}
	return nil
}

// ParseClock parses a local wall-clock "HH:MM" into minutes since midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q (want HH:MM)", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// isValidSubjectPart checks a string for use as a NATS subject token.
func isValidSubjectPart(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.' && r != '-' && r != '_' {
			return false
		}
	}
	return true
}
