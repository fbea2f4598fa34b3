package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	MQTT            MQTTConfig        `yaml:"mqtt"`
	Queue           QueueConfig       `yaml:"queue"`
	Session         SessionConfig     `yaml:"session"`
	Log             LogConfig         `yaml:"log"`
	Healthcheck     HealthcheckConfig `yaml:"healthcheck"`
	EventBus        EventBusConfig    `yaml:"eventbus"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// MQTTConfig contains broker connection settings
type MQTTConfig struct {
	Broker         string   `yaml:"broker"`
	ClientID       string   `yaml:"client_id"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	KeepAlive      Duration `yaml:"keep_alive"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	CleanSession   bool     `yaml:"clean_session"`

	// Reconnect settings
	MinRetryBackoff Duration `yaml:"min_retry_backoff"` // Delay before the first reconnect (default: 1s)
	MaxRetryBackoff Duration `yaml:"max_retry_backoff"` // Maximum delay between reconnects (default: 2m)

	// Topics subscribed through the work queue on startup
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
}

// SubscriptionConfig is a topic filter with its requested QoS
type SubscriptionConfig struct {
	Topic string `yaml:"topic"`
	QoS   byte   `yaml:"qos"`
}

// QueueConfig contains work queue settings
type QueueConfig struct {
	Backend            string   `yaml:"backend"`             // file, sqlite or pebble (default: file)
	DataDir            string   `yaml:"data_dir"`            // Directory holding the queue (default: ./jackalope-data)
	MaxSize            int      `yaml:"max_size"`            // Maximum number of active items (default: 100)
	CheckpointInterval Duration `yaml:"checkpoint_interval"` // How often the clock is persisted (default: 10m)
}

// SessionConfig contains drain loop settings
type SessionConfig struct {
	DefaultTTL Duration `yaml:"default_ttl"` // TTL for buffered actions, 0 = never expire
	RateLimit  float64  `yaml:"rate_limit"`  // Actions per second, 0 = unlimited
	AckTimeout Duration `yaml:"ack_timeout"` // Broker acknowledgement timeout (default: 30s)
	RetryDelay Duration `yaml:"retry_delay"` // Pause before retrying a failed action (default: 5s)
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Colors bool   `yaml:"colors"`
	JSON   bool   `yaml:"json"` // Emit JSON lines instead of console output
}

// HealthcheckConfig contains health check server settings
type HealthcheckConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 4)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 100)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 100
	}
	return c.QueueSize
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse expands environment variables in data, decodes it and applies defaults
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	// MQTT defaults
	if cfg.MQTT.Broker == "" {
		cfg.MQTT.Broker = "tcp://127.0.0.1:1883"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "jackalope"
	}
	if cfg.MQTT.KeepAlive == 0 {
		cfg.MQTT.KeepAlive = Duration(30 * time.Second)
	}
	if cfg.MQTT.ConnectTimeout == 0 {
		cfg.MQTT.ConnectTimeout = Duration(10 * time.Second)
	}
	if cfg.MQTT.MinRetryBackoff == 0 {
		cfg.MQTT.MinRetryBackoff = Duration(1 * time.Second)
	}
	if cfg.MQTT.MaxRetryBackoff == 0 {
		cfg.MQTT.MaxRetryBackoff = Duration(2 * time.Minute)
	}

	// Queue defaults
	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = "file"
	}
	if cfg.Queue.DataDir == "" {
		cfg.Queue.DataDir = "./jackalope-data"
	}
	if cfg.Queue.MaxSize == 0 {
		cfg.Queue.MaxSize = 100
	}
	if cfg.Queue.CheckpointInterval == 0 {
		cfg.Queue.CheckpointInterval = Duration(10 * time.Minute)
	}

	// Session defaults
	if cfg.Session.AckTimeout == 0 {
		cfg.Session.AckTimeout = Duration(30 * time.Second)
	}
	if cfg.Session.RetryDelay == 0 {
		cfg.Session.RetryDelay = Duration(5 * time.Second)
	}

	// Healthcheck defaults
	if cfg.Healthcheck.Port == 0 {
		cfg.Healthcheck.Port = 9090
	}
	if cfg.Healthcheck.Host == "" {
		cfg.Healthcheck.Host = "0.0.0.0"
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Queue.Backend {
	case "file", "sqlite", "pebble":
	default:
		return fmt.Errorf("queue.backend: unknown backend %q", c.Queue.Backend)
	}
	if c.Queue.MaxSize < 0 {
		return fmt.Errorf("queue.max_size must be positive, got %d", c.Queue.MaxSize)
	}
	if c.MQTT.MaxRetryBackoff < c.MQTT.MinRetryBackoff {
		return fmt.Errorf("mqtt.max_retry_backoff (%s) is below min_retry_backoff (%s)",
			c.MQTT.MaxRetryBackoff.Duration(), c.MQTT.MinRetryBackoff.Duration())
	}
	for _, s := range c.MQTT.Subscriptions {
		if s.Topic == "" {
			return fmt.Errorf("mqtt.subscriptions: empty topic")
		}
		if s.QoS > 2 {
			return fmt.Errorf("mqtt.subscriptions: invalid qos %d for %q", s.QoS, s.Topic)
		}
	}
	return nil
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
