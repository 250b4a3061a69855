package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Gray Logic cloud bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge   BridgeConfig   `yaml:"bridge"`
	Cloud    CloudConfig    `yaml:"cloud"`
	Local    LocalConfig    `yaml:"local"`
	Database DatabaseConfig `yaml:"database"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// BridgeConfig contains the synchronisation settings consumed by the bridge engine.
type BridgeConfig struct {
	// ID identifies this bridge instance in ping metadata.
	ID string `yaml:"id"`

	// Origin is the loop-suppression identity stamped on outbound envelopes.
	// A random UUID is generated at start when empty.
	Origin string `yaml:"origin"`

	// OutBands lists the bands pushed to the cloud.
	OutBands []string `yaml:"out_bands"`

	// InBands lists the bands accepted from the cloud.
	InBands []string `yaml:"in_bands"`

	// PingInterval is the liveness ping period in seconds. 0 disables pinging.
	PingInterval int `yaml:"ping_interval"`

	// UseCompactModel prunes "model" band payloads down to the model descriptor.
	UseCompactModel bool `yaml:"use_compact_model"`

	// QoS is the MQTT quality of service used for cloud traffic.
	QoS int `yaml:"qos"`

	// InboundWorkers is the number of per-key ordered apply workers.
	InboundWorkers int `yaml:"inbound_workers"`
}

// CloudConfig contains the resolved credentials for the cloud broker.
// These are produced by the provisioning step and only read here.
type CloudConfig struct {
	Host        string `yaml:"host"`
	CAFile      string `yaml:"ca_file"`
	CertFile    string `yaml:"cert_file"`
	KeyFile     string `yaml:"key_file"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// IsConfigured reports whether any cloud credential has been provided.
func (c CloudConfig) IsConfigured() bool {
	return c.Host != "" || c.CAFile != "" || c.CertFile != "" || c.KeyFile != ""
}

// LocalConfig contains settings for the local Gray Logic MQTT bus.
type LocalConfig struct {
	Enabled bool       `yaml:"enabled"`
	MQTT    MQTTConfig `yaml:"mqtt"`
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

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// MetricsConfig contains the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
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
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: CLOUDBRIDGE_SECTION_KEY
// For example: CLOUDBRIDGE_CLOUD_HOST, CLOUDBRIDGE_BRIDGE_PING_INTERVAL
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
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
		Bridge: BridgeConfig{
			ID:             "cloudbridge",
			OutBands:       []string{"meta", "istate", "ostate", "model", "connection"},
			InBands:        []string{"ostate"},
			PingInterval:   300,
			QoS:            0,
			InboundWorkers: 4,
		},
		Local: LocalConfig{
			MQTT: MQTTConfig{
				Broker: MQTTBrokerConfig{
					Host:     "localhost",
					Port:     1883,
					ClientID: "graylogic-cloudbridge",
				},
				QoS: 1,
				Reconnect: MQTTReconnectConfig{
					InitialDelay: 1,
					MaxDelay:     60,
				},
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/cloudbridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9464",
			Path:   "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: CLOUDBRIDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Bridge
	if v := os.Getenv("CLOUDBRIDGE_BRIDGE_ID"); v != "" {
		cfg.Bridge.ID = v
	}
	if v := os.Getenv("CLOUDBRIDGE_BRIDGE_ORIGIN"); v != "" {
		cfg.Bridge.Origin = v
	}
	if v := os.Getenv("CLOUDBRIDGE_BRIDGE_PING_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bridge.PingInterval = n
		}
	}

	// Cloud
	if v := os.Getenv("CLOUDBRIDGE_CLOUD_HOST"); v != "" {
		cfg.Cloud.Host = v
	}
	if v := os.Getenv("CLOUDBRIDGE_CLOUD_CA_FILE"); v != "" {
		cfg.Cloud.CAFile = v
	}
	if v := os.Getenv("CLOUDBRIDGE_CLOUD_CERT_FILE"); v != "" {
		cfg.Cloud.CertFile = v
	}
	if v := os.Getenv("CLOUDBRIDGE_CLOUD_KEY_FILE"); v != "" {
		cfg.Cloud.KeyFile = v
	}
	if v := os.Getenv("CLOUDBRIDGE_CLOUD_TOPIC_PREFIX"); v != "" {
		cfg.Cloud.TopicPrefix = v
	}

	// Database
	if v := os.Getenv("CLOUDBRIDGE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Local MQTT
	if v := os.Getenv("CLOUDBRIDGE_LOCAL_MQTT_HOST"); v != "" {
		cfg.Local.MQTT.Broker.Host = v
	}
	if v := os.Getenv("CLOUDBRIDGE_LOCAL_MQTT_USERNAME"); v != "" {
		cfg.Local.MQTT.Auth.Username = v
	}
	if v := os.Getenv("CLOUDBRIDGE_LOCAL_MQTT_PASSWORD"); v != "" {
		cfg.Local.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("CLOUDBRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Cloud credentials are allowed to be entirely absent (the bridge then idles
// until provisioning completes), but a partial set is an error.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}
	if c.Bridge.PingInterval < 0 {
		errs = append(errs, "bridge.ping_interval must not be negative")
	}
	if c.Bridge.QoS < 0 || c.Bridge.QoS > 2 {
		errs = append(errs, "bridge.qos must be 0, 1, or 2")
	}
	if c.Bridge.InboundWorkers < 0 {
		errs = append(errs, "bridge.inbound_workers must not be negative")
	}
	for _, band := range append(append([]string{}, c.Bridge.OutBands...), c.Bridge.InBands...) {
		if strings.TrimSpace(band) == "" {
			errs = append(errs, "bridge bands must not contain empty names")
			break
		}
	}

	if c.Cloud.IsConfigured() {
		if c.Cloud.Host == "" {
			errs = append(errs, "cloud.host is required when cloud credentials are set")
		}
		if c.Cloud.CAFile == "" {
			errs = append(errs, "cloud.ca_file is required when cloud credentials are set")
		}
		if c.Cloud.CertFile == "" {
			errs = append(errs, "cloud.cert_file is required when cloud credentials are set")
		}
		if c.Cloud.KeyFile == "" {
			errs = append(errs, "cloud.key_file is required when cloud credentials are set")
		}
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.Local.Enabled && (c.Local.MQTT.QoS < 0 || c.Local.MQTT.QoS > 2) {
		errs = append(errs, "local.mqtt.qos must be 0, 1, or 2")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, "metrics.listen is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetPingInterval returns the bridge ping interval as a Duration.
func (c *Config) GetPingInterval() time.Duration {
	return time.Duration(c.Bridge.PingInterval) * time.Second
}
