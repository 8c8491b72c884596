package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Loader handles configuration loading with layered files and environment
// overrides. Later layers win; environment wins over all files.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a configuration loader with the GROWPLANE env prefix.
func NewLoader() *Loader {
	return &Loader{
		layers:    []string{},
		envPrefix: "GROWPLANE",
	}
}

// AddLayer adds a configuration file layer.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables validation during Load.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file, replacing any layers.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, file layers, and environment overrides.
func (l *Loader) Load() (*Config, error) {
	cfg := l.getDefaults()

	for _, path := range l.layers {
		rawConfig, err := l.loadRawJSON(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg = l.mergeFromMap(cfg, rawConfig)
	}

	l.applyEnvOverrides(cfg)

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func (l *Loader) getDefaults() *Config {
	return &Config{
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Metrics: MetricsConfig{
			Port: 9090,
			Path: "/metrics",
		},
		Inputs: InputsConfig{
			HTTPBatch: HTTPBatchConfig{
				Enabled: true,
				Addr:    ":8081",
			},
			Broker: BrokerConfig{
				Enabled: true,
			},
		},
		Websocket: WebsocketConfig{
			Enabled: true,
			Addr:    ":8082",
		},
		Gateway: GatewayConfig{
			Addr: ":8080",
		},
		Manager: ManagerConfig{
			Addr: ":8083",
		},
	}
}

// loadRawJSON loads a configuration file as a map so merging only touches
// keys the file actually sets.
func (l *Loader) loadRawJSON(path string) (map[string]any, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, err
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return nil, err
	}

	l.parseDurations(rawConfig)
	return rawConfig, nil
}

// mergeFromMap deep-merges a raw override map onto the base config.
func (l *Loader) mergeFromMap(base *Config, override map[string]any) *Config {
	if override == nil {
		return base
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return base
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return base
	}

	mergedMap := deepMergeMaps(baseMap, override)

	mergedJSON, err := json.Marshal(mergedMap)
	if err != nil {
		return base
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return base
	}
	return &merged
}

func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// durationKeys are the JSON fields that accept human duration strings
// ("15m", "90d") in config files.
var durationKeys = map[string][]string{
	"nats":      {"reconnect_wait"},
	"ingest":    {"stale_after", "past_window", "future_window", "dedup_ttl"},
	"outbox":    {"dispatch_interval", "ack_timeout"},
	"interlock": {"max_runtime", "stale_after", "device_timeout"},
	"websocket": {"ping_interval", "stale_after", "prune_interval"},
}

// parseDurations converts duration strings to nanoseconds ahead of JSON
// unmarshaling into time.Duration fields.
func (l *Loader) parseDurations(data map[string]any) {
	for section, keys := range durationKeys {
		m, ok := data[section].(map[string]any)
		if !ok {
			continue
		}
		for _, key := range keys {
			if s, ok := m[key].(string); ok {
				if d, err := parseDurationWithDays(s); err == nil {
					m[key] = d.Nanoseconds()
				}
			}
		}
	}
}

// parseDurationWithDays parses durations that may include days (e.g. "90d").
func parseDurationWithDays(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		days := strings.TrimSuffix(s, "d")
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// applyEnvOverrides applies environment variable overrides.
func (l *Loader) applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(l.envPrefix + "_SITE_ORG"); val != "" {
		cfg.Site.Org = val
	}
	if val := os.Getenv(l.envPrefix + "_SITE_ID"); val != "" {
		cfg.Site.ID = val
	}
	if val := os.Getenv(l.envPrefix + "_SITE_ENVIRONMENT"); val != "" {
		cfg.Site.Environment = val
	}

	if val := os.Getenv(l.envPrefix + "_NATS_URLS"); val != "" {
		cfg.NATS.URLs = strings.Split(val, ",")
	}
	if val := os.Getenv(l.envPrefix + "_NATS_USERNAME"); val != "" {
		cfg.NATS.Username = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_PASSWORD"); val != "" {
		cfg.NATS.Password = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_TOKEN"); val != "" {
		cfg.NATS.Token = val
	}

	if val := os.Getenv(l.envPrefix + "_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Metrics.Port = port
		}
	}
	if val := os.Getenv(l.envPrefix + "_GATEWAY_ADDR"); val != "" {
		cfg.Gateway.Addr = val
	}
}
