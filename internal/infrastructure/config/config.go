package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the fanout gateway.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Relay     RelayConfig     `yaml:"relay"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Database  DatabaseConfig  `yaml:"database"`
	Journal   JournalConfig   `yaml:"journal"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// GatewayConfig identifies the gateway and lists the TCP endpoints devices connect to.
type GatewayConfig struct {
	ID     string         `yaml:"id"`
	Listen []ListenConfig `yaml:"listen"`
}

// ListenConfig is one TCP listen endpoint.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// HostPort returns the endpoint in net.Listen form.
func (l ListenConfig) HostPort() string {
	return net.JoinHostPort(l.Address, strconv.Itoa(l.Port))
}

// MQTTConfig contains MQTT broker connection settings.
//
// Endpoints are connection strings such as "mqtt://broker:1883" or
// "mqtts://broker". One pool member is added per entry at start-up.
type MQTTConfig struct {
	Endpoints      []string       `yaml:"endpoints"`
	ClientIDPrefix string         `yaml:"client_id_prefix"`
	TopicPrefix    string         `yaml:"topic_prefix"`
	Auth           MQTTAuthConfig `yaml:"auth"`
	QoS            int            `yaml:"qos"`
	KeepAlive      int            `yaml:"keep_alive"`      // seconds
	ConnectTimeout int            `yaml:"connect_timeout"` // seconds
	Subscribe      []string       `yaml:"subscribe"`       // extra topics subscribed on every connection
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// RelayConfig controls the device <-> broker relay.
type RelayConfig struct {
	Enabled bool `yaml:"enabled"`
}

// APIConfig contains admin HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains settings for the live bus tap.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// JournalConfig controls the lifecycle journal.
type JournalConfig struct {
	Enabled       bool `yaml:"enabled"`
	QueueSize     int  `yaml:"queue_size"`
	RetentionDays int  `yaml:"retention_days"` // 0 keeps everything
}

// InfluxDBConfig contains InfluxDB connection settings for traffic telemetry.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"` // seconds
}

// MetricsConfig controls Prometheus instrumentation.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Path      string `yaml:"path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults), skipped when path is empty
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: FANOUT_SECTION_KEY
// For example: FANOUT_DATABASE_PATH, FANOUT_MQTT_ENDPOINTS
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			ID:     "fanout-01",
			Listen: []ListenConfig{{Address: "::", Port: 4711}},
		},
		MQTT: MQTTConfig{
			Endpoints:      []string{"mqtt://127.0.0.1"},
			ClientIDPrefix: "fanout",
			TopicPrefix:    "fanout",
			QoS:            1,
			KeepAlive:      60,
			ConnectTimeout: 10,
		},
		Relay: RelayConfig{
			Enabled: true,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Database: DatabaseConfig{
			Path:        "./data/fanout.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Journal: JournalConfig{
			Enabled:       true,
			QueueSize:     1024,
			RetentionDays: 30,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "fanout",
			Path:      "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: FANOUT_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Gateway
	if v := os.Getenv("FANOUT_GATEWAY_ID"); v != "" {
		cfg.Gateway.ID = v
	}
	if v := os.Getenv("FANOUT_GATEWAY_LISTEN"); v != "" {
		if listen, err := parseListenList(v); err == nil {
			cfg.Gateway.Listen = listen
		}
	}

	// MQTT
	if v := os.Getenv("FANOUT_MQTT_ENDPOINTS"); v != "" {
		cfg.MQTT.Endpoints = splitList(v)
	}
	if v := os.Getenv("FANOUT_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("FANOUT_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("FANOUT_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("FANOUT_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// Database
	if v := os.Getenv("FANOUT_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// InfluxDB
	if v := os.Getenv("FANOUT_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("FANOUT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// splitList splits a comma separated list, dropping empty items.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseListenList parses "host:port,host:port" into listen endpoints.
func parseListenList(v string) ([]ListenConfig, error) {
	var out []ListenConfig
	for _, item := range splitList(v) {
		host, portStr, err := net.SplitHostPort(item)
		if err != nil {
			return nil, fmt.Errorf("listen address %q: %w", item, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("listen port %q: %w", item, err)
		}
		out = append(out, ListenConfig{Address: host, Port: port})
	}
	return out, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Gateway.ID == "" {
		errs = append(errs, "gateway.id is required")
	}
	for i, l := range c.Gateway.Listen {
		if l.Port < 0 || l.Port > 65535 {
			errs = append(errs, fmt.Sprintf("gateway.listen[%d].port must be between 0 and 65535", i))
		}
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	for i, ep := range c.MQTT.Endpoints {
		if strings.TrimSpace(ep) == "" {
			errs = append(errs, fmt.Sprintf("mqtt.endpoints[%d] is empty", i))
		}
	}
	if c.Relay.Enabled && c.MQTT.TopicPrefix == "" {
		errs = append(errs, "mqtt.topic_prefix is required when relay is enabled")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Journal.Enabled {
		if c.Database.Path == "" {
			errs = append(errs, "database.path is required when journal is enabled")
		}
		if c.Journal.QueueSize < 1 {
			errs = append(errs, "journal.queue_size must be positive")
		}
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
