package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Breeze Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	API      APIConfig      `yaml:"api"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
	Session  SessionConfig  `yaml:"session"`
	Devices  []DeviceConfig `yaml:"devices"`
}

// ServiceConfig contains service-level identification.
type ServiceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP status API settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// InfluxDBConfig contains InfluxDB telemetry settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SessionConfig contains the timing and threshold knobs for device sessions.
//
// The defaults encode the documented resilience policy: a 500ms cache window
// bounds getter latency, a 1s operation budget bounds every protocol call,
// and the 5s/300s backoff pair keeps an unreachable device from being
// hammered while still recovering promptly when it returns.
type SessionConfig struct {
	// CacheTTLMs is how long a decoded device state is considered fresh.
	CacheTTLMs int `yaml:"cache_ttl_ms"`

	// OperationTimeoutMs is the fixed budget every protocol call races against.
	OperationTimeoutMs int `yaml:"operation_timeout_ms"`

	// RefreshIntervalS is the background poll period.
	RefreshIntervalS int `yaml:"refresh_interval_s"`

	// RetryBaseDelayS is the first reconnection delay while offline.
	RetryBaseDelayS int `yaml:"retry_base_delay_s"`

	// RetryMaxDelayS caps the reconnection backoff.
	RetryMaxDelayS int `yaml:"retry_max_delay_s"`

	// MaxRetries is the number of escalating delays per backoff cycle.
	MaxRetries int `yaml:"max_retries"`

	// MaxTimeouts is the consecutive-timeout threshold that marks a
	// session offline.
	MaxTimeouts int `yaml:"max_timeouts"`

	// FailFastWindowS is how long the operation guard short-circuits after
	// the timeout threshold is reached, to avoid retry storms.
	FailFastWindowS int `yaml:"fail_fast_window_s"`
}

// DeviceConfig identifies one Tuya device on the local network.
// Device identity is operator-supplied; Breeze Core performs no discovery.
type DeviceConfig struct {
	// ID is the Breeze Core device identifier (used in topics and the registry).
	ID string `yaml:"id"`

	// Name is a human-readable label.
	Name string `yaml:"name"`

	// DeviceID is the Tuya gwId/devId from the device firmware.
	DeviceID string `yaml:"device_id"`

	// LocalKey is the 16-byte AES key negotiated during device pairing.
	LocalKey string `yaml:"local_key"`

	// Host is the device IP or hostname on the local network.
	Host string `yaml:"host"`

	// Port is the local protocol TCP port. Default: 6668.
	Port int `yaml:"port"`

	// Version is the local protocol version. Only "3.3" is supported.
	Version string `yaml:"version"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: BREEZECORE_SECTION_KEY
// For example: BREEZECORE_DATABASE_PATH, BREEZECORE_MQTT_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
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
		Service: ServiceConfig{
			ID:   "breezecore-01",
			Name: "Breeze Core",
		},
		Database: DatabaseConfig{
			Path:        "./data/breezecore.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "breezecore",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8089,
			Timeouts: APITimeoutConfig{
				Read:  15,
				Write: 15,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Session: DefaultSessionConfig(),
	}
}

// DefaultSessionConfig returns the documented session timing defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		CacheTTLMs:         500,
		OperationTimeoutMs: 1000,
		RefreshIntervalS:   10,
		RetryBaseDelayS:    5,
		RetryMaxDelayS:     300,
		MaxRetries:         3,
		MaxTimeouts:        3,
		FailFastWindowS:    5,
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BREEZECORE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("BREEZECORE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("BREEZECORE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("BREEZECORE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("BREEZECORE_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	if v := os.Getenv("BREEZECORE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Service.ID == "" {
		errs = append(errs, "service.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Session.CacheTTLMs < 0 {
		errs = append(errs, "session.cache_ttl_ms must not be negative")
	}
	if c.Session.OperationTimeoutMs <= 0 {
		errs = append(errs, "session.operation_timeout_ms must be positive")
	}
	if c.Session.RetryBaseDelayS <= 0 || c.Session.RetryMaxDelayS < c.Session.RetryBaseDelayS {
		errs = append(errs, "session retry delays must satisfy 0 < base <= max")
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		prefix := fmt.Sprintf("devices[%d]", i)
		if d.ID == "" {
			errs = append(errs, prefix+".id is required")
		}
		if seen[d.ID] {
			errs = append(errs, prefix+".id duplicates "+d.ID)
		}
		seen[d.ID] = true
		if d.DeviceID == "" {
			errs = append(errs, prefix+".device_id is required")
		}
		if len(d.LocalKey) != 16 {
			errs = append(errs, prefix+".local_key must be exactly 16 bytes")
		}
		if d.Host == "" {
			errs = append(errs, prefix+".host is required")
		}
		if d.Version != "" && d.Version != "3.3" {
			errs = append(errs, prefix+".version must be 3.3")
		}
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

// CacheTTL returns the session cache freshness window.
func (s SessionConfig) CacheTTL() time.Duration {
	return time.Duration(s.CacheTTLMs) * time.Millisecond
}

// OperationTimeout returns the per-operation budget.
func (s SessionConfig) OperationTimeout() time.Duration {
	return time.Duration(s.OperationTimeoutMs) * time.Millisecond
}

// RefreshInterval returns the background poll period.
func (s SessionConfig) RefreshInterval() time.Duration {
	return time.Duration(s.RefreshIntervalS) * time.Second
}

// RetryBaseDelay returns the initial backoff delay.
func (s SessionConfig) RetryBaseDelay() time.Duration {
	return time.Duration(s.RetryBaseDelayS) * time.Second
}

// RetryMaxDelay returns the backoff cap.
func (s SessionConfig) RetryMaxDelay() time.Duration {
	return time.Duration(s.RetryMaxDelayS) * time.Second
}

// FailFastWindow returns the guard short-circuit window.
func (s SessionConfig) FailFastWindow() time.Duration {
	return time.Duration(s.FailFastWindowS) * time.Second
}
