package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Supported device protocols
const (
	ProtocolCoAP      = "coap"
	ProtocolMQTT      = "mqtt"
	ProtocolWebSocket = "websocket"
)

// Config represents the complete gateway configuration
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Broker    BrokerConfig    `json:"broker"`
	Keys      KeysConfig      `json:"keys"`
	CoAP      CoAPConfig      `json:"coap"`
	MQTT      MQTTConfig      `json:"mqtt"`
	WebSocket WebSocketConfig `json:"websocket"`
	Metrics   MetricsConfig   `json:"metrics"`
}

// GatewayConfig configures the gateway core
type GatewayConfig struct {
	Protocol       string        `json:"protocol"`
	MaxTime        time.Duration `json:"max_time"`        // silence before a node is reaped
	ReaperInterval time.Duration `json:"reaper_interval"` // sweep period
	DeviceTimeout  time.Duration `json:"device_timeout"`  // per discovery/update call
	Workers        int           `json:"workers"`
	QueueSize      int           `json:"queue_size"`
	MailboxSize    int           `json:"mailbox_size"`
}

// BrokerConfig configures the broker link
type BrokerConfig struct {
	URL              string        `json:"url"`
	RetryInterval    time.Duration `json:"retry_interval"`
	SettleDelay      time.Duration `json:"settle_delay"`
	HandshakeTimeout time.Duration `json:"handshake_timeout"`
	WriteTimeout     time.Duration `json:"write_timeout"`
	OutboxSize       int           `json:"outbox_size"`
	TLS              TLSConfig     `json:"tls,omitempty"`
}

// TLSConfig for wss:// brokers
type TLSConfig struct {
	CAFile             string `json:"ca_file,omitempty"` // trusted in addition to the system pool
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty"`
	MinVersion         string `json:"min_version,omitempty"` // "1.2" or "1.3"
}

// KeysConfig locates the shared key pair
type KeysConfig struct {
	File string `json:"file"`
}

// CoAPConfig configures the CoAP adapter
type CoAPConfig struct {
	Bind           string        `json:"bind"`
	DevicePort     int           `json:"device_port"`
	RequestTimeout time.Duration `json:"request_timeout,omitempty"` // per discovery GET, 0 splits device_timeout
}

// MQTTConfig configures the MQTT adapter
type MQTTConfig struct {
	BrokerURL     string        `json:"broker_url"`
	ClientID      string        `json:"client_id"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	QoS           byte          `json:"qos"`
	AliveInterval time.Duration `json:"alive_interval"`
}

// WebSocketConfig configures the WebSocket adapter
type WebSocketConfig struct {
	Bind           string `json:"bind"`
	Path           string `json:"path"`
	MaxMessageSize int64  `json:"max_message_size"`
	CertFile       string `json:"cert_file,omitempty"` // serve wss:// when set with KeyFile
	KeyFile        string `json:"key_file,omitempty"`
}

// MetricsConfig configures the metrics and health endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
	Path    string `json:"path"`
}

// Default returns the built-in defaults
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Protocol:       ProtocolCoAP,
			MaxTime:        120 * time.Second,
			ReaperInterval: time.Second,
			DeviceTimeout:  10 * time.Second,
			Workers:        8,
			QueueSize:      256,
			MailboxSize:    1024,
		},
		Broker: BrokerConfig{
			URL:              "ws://localhost:8000/gw",
			RetryInterval:    3 * time.Second,
			SettleDelay:      time.Second,
			HandshakeTimeout: 45 * time.Second,
			WriteTimeout:     10 * time.Second,
			OutboxSize:       256,
		},
		Keys: KeysConfig{
			File: "~/.cotgate/keys.yaml",
		},
		CoAP: CoAPConfig{
			Bind:       ":5683",
			DevicePort: 5683,
		},
		MQTT: MQTTConfig{
			BrokerURL:     "tcp://localhost:1883",
			ClientID:      "cotgate",
			QoS:           1,
			AliveInterval: 30 * time.Second,
		},
		WebSocket: WebSocketConfig{
			Bind:           ":8001",
			Path:           "/node",
			MaxMessageSize: 64 << 10,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
	}
}

// Clone creates a copy of the configuration. Config holds only value
// fields, so a struct copy is deep.
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	copied := *c
	return &copied
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	switch c.Gateway.Protocol {
	case ProtocolCoAP, ProtocolMQTT, ProtocolWebSocket:
	default:
		return fmt.Errorf("gateway.protocol %q must be one of coap, mqtt, websocket", c.Gateway.Protocol)
	}

	for name, d := range map[string]time.Duration{
		"gateway.max_time":        c.Gateway.MaxTime,
		"gateway.reaper_interval": c.Gateway.ReaperInterval,
		"gateway.device_timeout":  c.Gateway.DeviceTimeout,
		"broker.retry_interval":   c.Broker.RetryInterval,
		"broker.write_timeout":    c.Broker.WriteTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.Broker.SettleDelay < 0 {
		return errors.New("broker.settle_delay cannot be negative")
	}

	u, err := url.Parse(c.Broker.URL)
	if err != nil {
		return fmt.Errorf("broker.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("broker.url scheme %q must be ws or wss", u.Scheme)
	}
	if c.Broker.TLS.CAFile != "" {
		if _, err := os.Stat(c.Broker.TLS.CAFile); err != nil {
			return fmt.Errorf("broker.tls.ca_file: %w", err)
		}
	}
	if c.Broker.TLS.InsecureSkipVerify {
		_, _ = fmt.Fprintln(os.Stderr,
			"WARNING: broker TLS certificate verification is disabled (insecure_skip_verify=true)")
	}

	if c.Keys.File == "" {
		return errors.New("keys.file is required")
	}

	switch c.Gateway.Protocol {
	case ProtocolCoAP:
		if c.CoAP.DevicePort <= 0 || c.CoAP.DevicePort > 65535 {
			return fmt.Errorf("coap.device_port %d out of range", c.CoAP.DevicePort)
		}
		if c.CoAP.RequestTimeout < 0 {
			return errors.New("coap.request_timeout cannot be negative")
		}
	case ProtocolMQTT:
		if c.MQTT.BrokerURL == "" {
			return errors.New("mqtt.broker_url is required")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos %d must be 0, 1 or 2", c.MQTT.QoS)
		}
		if c.MQTT.AliveInterval <= 0 {
			return errors.New("mqtt.alive_interval must be positive")
		}
	case ProtocolWebSocket:
		if !strings.HasPrefix(c.WebSocket.Path, "/") {
			return fmt.Errorf("websocket.path %q must start with /", c.WebSocket.Path)
		}
		if (c.WebSocket.CertFile == "") != (c.WebSocket.KeyFile == "") {
			return errors.New("websocket.cert_file and websocket.key_file must be set together")
		}
	}

	return nil
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader reading COTGATE_* overrides
func NewLoader() *Loader {
	return &Loader{envPrefix: "COTGATE"}
}

// AddLayer adds a configuration file layer. Later layers win.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every file layer, then environment overrides
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		rawConfig, err := l.loadRawJSON(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		merged, err := mergeFromMap(cfg, rawConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", path, err)
		}
		cfg = merged
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func (l *Loader) loadRawJSON(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := validateJSONDepth(data); err != nil {
		return nil, fmt.Errorf("invalid JSON structure: %w", err)
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return nil, err
	}

	if err := parseDurations(rawConfig); err != nil {
		return nil, err
	}
	return rawConfig, nil
}

// mergeFromMap overlays override onto base, touching only the keys present
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
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

// durationKeys names every field decoded into a time.Duration
var durationKeys = map[string]bool{
	"max_time":          true,
	"reaper_interval":   true,
	"device_timeout":    true,
	"retry_interval":    true,
	"settle_delay":      true,
	"handshake_timeout": true,
	"write_timeout":     true,
	"alive_interval":    true,
	"request_timeout":   true,
}

// parseDurations converts duration strings ("3s", "2m", "1d") to nanoseconds
// so they decode into time.Duration fields.
func parseDurations(data map[string]any) error {
	for k, v := range data {
		switch val := v.(type) {
		case map[string]any:
			if err := parseDurations(val); err != nil {
				return err
			}
		case string:
			if !durationKeys[k] {
				continue
			}
			d, err := parseDurationWithDays(val)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			data[k] = d.Nanoseconds()
		}
	}
	return nil
}

// parseDurationWithDays parses durations that may include days (e.g., "1d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	env := func(name string) (string, bool, error) {
		key := l.envPrefix + "_" + name
		val := os.Getenv(key)
		if val == "" {
			return "", false, nil
		}
		if err := validateEnvVar(key, val); err != nil {
			return "", false, err
		}
		return val, true, nil
	}

	strs := map[string]*string{
		"PROTOCOL":      &cfg.Gateway.Protocol,
		"BROKER_URL":    &cfg.Broker.URL,
		"KEY_FILE":      &cfg.Keys.File,
		"MQTT_BROKER":   &cfg.MQTT.BrokerURL,
		"MQTT_USERNAME": &cfg.MQTT.Username,
		"MQTT_PASSWORD": &cfg.MQTT.Password,
		"METRICS_ADDR":  &cfg.Metrics.Addr,
	}
	for name, dst := range strs {
		val, ok, err := env(name)
		if err != nil {
			return err
		}
		if ok {
			*dst = val
		}
	}

	durations := map[string]*time.Duration{
		"MAX_TIME":       &cfg.Gateway.MaxTime,
		"RETRY_INTERVAL": &cfg.Broker.RetryInterval,
	}
	for name, dst := range durations {
		val, ok, err := env(name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		d, err := parseDurationWithDays(val)
		if err != nil {
			return fmt.Errorf("%s_%s: %w", l.envPrefix, name, err)
		}
		*dst = d
	}

	return nil
}

// SaveToFile saves the configuration to a JSON file
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return safeWriteFile(path, data)
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := c.Clone()
	if masked.MQTT.Password != "" {
		masked.MQTT.Password = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}
