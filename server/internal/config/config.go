package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// AlertsConfig holds frame alert rules and webhook delivery targets.
type AlertsConfig struct {
	Rules    []AlertRule     `yaml:"rules"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// AlertRule defines one condition evaluated against accepted frames.
type AlertRule struct {
	// Name is the human-readable alert identifier, used as the deduplication key.
	Name string `yaml:"name"`

	// Key restricts the rule to one identifier (any form, e.g. "0x105" or 261).
	// Empty matches every key.
	Key string `yaml:"key"`

	// Condition is "<field> <op> <value>" over the frame: "byte0 == 1",
	// "len < 8", "u16le2 > 3000", "text == Central".
	Condition string `yaml:"condition"`

	// Severity is one of: critical | warning | info.
	Severity string `yaml:"severity"`

	// Cooldown suppresses re-fires for this duration after an alert fires.
	// Defaults to 15 minutes if zero.
	Cooldown time.Duration `yaml:"cooldown"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: teams | slack | http.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable that holds the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// Default values for the server configuration.
const (
	DefaultGRPCPort        = 50051
	DefaultHTTPPort        = 5000
	DefaultLogLevel        = "info"
	DefaultHistoryCapacity = 10
	DefaultDecodeKey       = "0x103"
	DefaultBroadcastBuffer = 64
	DefaultOverflow        = "drop_oldest"

	DefaultPubSubDriver   = "mqtt"
	DefaultBroker         = "localhost"
	DefaultTopic          = "can/messages"
	DefaultRetryInitial   = 2 * time.Second
	DefaultRetryMax       = 30 * time.Second
	DefaultRetryFactor    = 2.0
	DefaultConnectTimeout = 10 * time.Second
)

// Environment variables that override the file, named after the original
// container deployment.
const (
	EnvHistoryLength = "CAN_HISTORY_LENGTH"
	EnvBroker        = "MQTT_BROKER"
	EnvBrokerPort    = "MQTT_PORT"
	EnvTopic         = "MQTT_TOPIC"
)

// Config holds the configuration parsed from the `server:` section of
// config.yaml.
type Config struct {
	Server ServerConfig `yaml:"server"`
}

// ServerConfig holds all server-side settings.
type ServerConfig struct {
	// GRPCPort is the port the gRPC ingest service listens on (default 50051).
	// 0 disables the gRPC surface.
	GRPCPort int `yaml:"grpc_port"`

	// HTTPPort serves the REST API, the WebSocket feed and /metrics (default 5000).
	HTTPPort int `yaml:"http_port"`

	// LogLevel is one of debug | info | warn | error. Reloadable.
	LogLevel string `yaml:"log_level"`

	// Auth configures the API key required on the write surfaces.
	Auth AuthConfig `yaml:"auth"`

	History HistoryConfig `yaml:"history"`

	// DecodeKey names the frame whose latest payload is also served as text.
	// Empty disables decoding. Reloadable.
	DecodeKey string `yaml:"decode_key"`

	Broadcast BroadcastConfig `yaml:"broadcast"`

	PubSub PubSubConfig `yaml:"pubsub"`

	// Alerts holds rule definitions and webhook delivery targets.
	Alerts AlertsConfig `yaml:"alerts"`
}

// AuthConfig controls client authentication on the server side.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	// Used when Mode == "apikey".
	KeyEnv string `yaml:"key_env"`

	// Header is the gRPC metadata key (and HTTP header name) to read the key from.
	// Defaults to "x-api-key" if empty.
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// HistoryConfig sizes the per-key history. Fixed for the process lifetime.
type HistoryConfig struct {
	Capacity int `yaml:"capacity"`
}

// BroadcastConfig controls live subscriber queues.
type BroadcastConfig struct {
	// Buffer is the per-subscriber queue depth.
	Buffer int `yaml:"buffer"`

	// Overflow is drop_oldest or disconnect.
	Overflow string `yaml:"overflow"`

	// ResyncInterval, when > 0, re-sends a full snapshot to WebSocket clients.
	ResyncInterval time.Duration `yaml:"resync_interval"`
}

// PubSubConfig configures the broker subscription.
type PubSubConfig struct {
	Enabled bool `yaml:"enabled"`

	// Driver is mqtt or nats.
	Driver string `yaml:"driver"`

	Broker string `yaml:"broker"`

	// Port defaults per driver (1883 for mqtt, 4222 for nats) when zero.
	Port int `yaml:"port"`

	// Topic is the MQTT topic or NATS subject carrying JSON events.
	Topic string `yaml:"topic"`

	// ClientID defaults to a random id per process.
	ClientID string `yaml:"client_id"`

	UsernameEnv string `yaml:"username_env"`
	PasswordEnv string `yaml:"password_env"`

	// QoS is the MQTT subscription QoS (0, 1 or 2). Ignored by nats.
	QoS byte `yaml:"qos"`

	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig bounds the reconnect backoff. Multiplier 1 gives a fixed interval.
type RetryConfig struct {
	Initial        time.Duration `yaml:"initial"`
	Max            time.Duration `yaml:"max"`
	Multiplier     float64       `yaml:"multiplier"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Username returns the broker username resolved from the environment.
func (p PubSubConfig) Username() string {
	if p.UsernameEnv == "" {
		return ""
	}
	return os.Getenv(p.UsernameEnv)
}

// Password returns the broker password resolved from the environment.
func (p PubSubConfig) Password() string {
	if p.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(p.PasswordEnv)
}

// EffectivePort returns Port, or the driver's well-known port when unset.
func (p PubSubConfig) EffectivePort() int {
	if p.Port != 0 {
		return p.Port
	}
	if p.Driver == "nats" {
		return 4222
	}
	return 1883
}

// Load reads and parses the config file at path. Missing fields are filled
// with defaults, environment overrides are applied, then the result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server config: read %q: %w", path, err)
	}
	// Editors truncate before writing, so a watcher can observe the file empty.
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("server config: %q is empty", path)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("server config: parse yaml: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration used when no file is given, with
// environment overrides applied.
func Default() (*Config, error) {
	return Parse(nil)
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			GRPCPort:  DefaultGRPCPort,
			HTTPPort:  DefaultHTTPPort,
			LogLevel:  DefaultLogLevel,
			History:   HistoryConfig{Capacity: DefaultHistoryCapacity},
			DecodeKey: DefaultDecodeKey,
			Broadcast: BroadcastConfig{
				Buffer:   DefaultBroadcastBuffer,
				Overflow: DefaultOverflow,
			},
			PubSub: PubSubConfig{
				Driver: DefaultPubSubDriver,
				Broker: DefaultBroker,
				Topic:  DefaultTopic,
				Retry: RetryConfig{
					Initial:        DefaultRetryInitial,
					Max:            DefaultRetryMax,
					Multiplier:     DefaultRetryFactor,
					ConnectTimeout: DefaultConnectTimeout,
				},
			},
		},
	}
}

// applyEnv overlays the deployment environment variables on cfg.
func applyEnv(cfg *Config) error {
	if v := os.Getenv(EnvHistoryLength); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s=%q: %w", EnvHistoryLength, v, err)
		}
		cfg.Server.History.Capacity = n
	}
	if v := os.Getenv(EnvBroker); v != "" {
		cfg.Server.PubSub.Broker = v
	}
	if v := os.Getenv(EnvBrokerPort); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s=%q: %w", EnvBrokerPort, v, err)
		}
		cfg.Server.PubSub.Port = n
	}
	if v := os.Getenv(EnvTopic); v != "" {
		cfg.Server.PubSub.Topic = v
	}
	return nil
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	s := cfg.Server
	if s.GRPCPort < 0 || s.GRPCPort > 65535 {
		return fmt.Errorf("server.grpc_port %d is out of range [0, 65535]", s.GRPCPort)
	}
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", s.HTTPPort)
	}
	switch s.LogLevel {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		return fmt.Errorf("server.log_level %q unknown: want debug|info|warn|error", s.LogLevel)
	}
	switch s.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|none", s.Auth.Mode)
	}
	if s.History.Capacity < 1 {
		return fmt.Errorf("server.history.capacity must be at least 1, got %d", s.History.Capacity)
	}
	if s.Broadcast.Buffer < 1 {
		return fmt.Errorf("server.broadcast.buffer must be at least 1, got %d", s.Broadcast.Buffer)
	}
	switch s.Broadcast.Overflow {
	case "drop_oldest", "disconnect":
	default:
		return fmt.Errorf("server.broadcast.overflow %q unknown: want drop_oldest|disconnect", s.Broadcast.Overflow)
	}
	if s.Broadcast.ResyncInterval < 0 {
		return fmt.Errorf("server.broadcast.resync_interval must not be negative")
	}
	if err := validatePubSub(s.PubSub); err != nil {
		return err
	}
	for i, r := range s.Alerts.Rules {
		if r.Name == "" {
			return fmt.Errorf("server.alerts.rules[%d]: name is required", i)
		}
		if r.Condition == "" {
			return fmt.Errorf("server.alerts.rules[%d] %q: condition is required", i, r.Name)
		}
	}
	return nil
}

func validatePubSub(p PubSubConfig) error {
	if !p.Enabled {
		return nil
	}
	switch p.Driver {
	case "mqtt", "nats":
	default:
		return fmt.Errorf("server.pubsub.driver %q unknown: want mqtt|nats", p.Driver)
	}
	if p.Broker == "" {
		return fmt.Errorf("server.pubsub.broker is required when pubsub is enabled")
	}
	if port := p.EffectivePort(); port <= 0 || port > 65535 {
		return fmt.Errorf("server.pubsub.port %d is out of range [1, 65535]", port)
	}
	if p.Topic == "" {
		return fmt.Errorf("server.pubsub.topic is required when pubsub is enabled")
	}
	if p.QoS > 2 {
		return fmt.Errorf("server.pubsub.qos %d is out of range [0, 2]", p.QoS)
	}
	r := p.Retry
	if r.Initial <= 0 || r.Max <= 0 || r.ConnectTimeout <= 0 {
		return fmt.Errorf("server.pubsub.retry durations must be positive")
	}
	if r.Max < r.Initial {
		return fmt.Errorf("server.pubsub.retry.max %v is below initial %v", r.Max, r.Initial)
	}
	if r.Multiplier < 1 {
		return fmt.Errorf("server.pubsub.retry.multiplier must be at least 1, got %v", r.Multiplier)
	}
	return nil
}
