package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete control plane configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	NATS     NATSConfig     `yaml:"nats"`
	AMQP     AMQPConfig     `yaml:"amqp"`
	Secrets  SecretsConfig  `yaml:"secrets"`
}

// ServerConfig defines the HTTP listener.
type ServerConfig struct {
	Addr                string `yaml:"addr"`
	RequestBodyMaxBytes int64  `yaml:"request_body_max_bytes"`
	// TimeZone is reported by /api/info as the time difference. Empty means local.
	TimeZone string `yaml:"time_zone,omitempty"`
}

// AuthConfig defines how the shared API token is obtained.
// Token and TokenHash are used directly; TokenSecret names an item in the
// secrets backend that holds the token.
type AuthConfig struct {
	Token       string `yaml:"token,omitempty"`
	TokenHash   string `yaml:"token_hash,omitempty"`
	TokenSecret string `yaml:"token_secret,omitempty"`
}

// MonitorConfig defines liveness tracking.
type MonitorConfig struct {
	ExpectedInterval time.Duration `yaml:"expected_interval"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	// Retention evicts devices silent for longer than this. Zero keeps them forever.
	Retention time.Duration `yaml:"retention,omitempty"`
	// Devices are registered at startup. A non-zero interval overrides the default.
	Devices []DeviceConfig `yaml:"devices,omitempty"`
}

// DeviceConfig pre-registers one device.
type DeviceConfig struct {
	Name             string        `yaml:"name"`
	ExpectedInterval time.Duration `yaml:"expected_interval,omitempty"`
}

// RedisConfig enables the response cache when URL is set.
type RedisConfig struct {
	URL string `yaml:"url,omitempty"`
}

// DatabaseConfig enables the activity log when URL is set.
type DatabaseConfig struct {
	URL      string `yaml:"url,omitempty"`
	MaxConns int32  `yaml:"max_conns,omitempty"`
}

// MQTTConfig enables MQTT beat ingestion when Broker is set.
type MQTTConfig struct {
	Broker   string `yaml:"broker,omitempty"`
	ClientID string `yaml:"client_id,omitempty"`
	Topic    string `yaml:"topic,omitempty"`
	QoS      byte   `yaml:"qos,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// NATSConfig enables NATS beat ingestion when URL is set.
type NATSConfig struct {
	URL     string `yaml:"url,omitempty"`
	Subject string `yaml:"subject,omitempty"`
	// Queue joins a queue group so several consumers share the subject.
	Queue string `yaml:"queue,omitempty"`
}

// AMQPConfig enables AMQP beat ingestion when URL is set.
type AMQPConfig struct {
	URL      string `yaml:"url,omitempty"`
	Queue    string `yaml:"queue,omitempty"`
	Prefetch int    `yaml:"prefetch,omitempty"`
}

// SecretsConfig selects where TokenSecret is resolved.
type SecretsConfig struct {
	// Backend is auto, local or 1password.
	Backend  string `yaml:"backend"`
	LocalDir string `yaml:"local_dir,omitempty"`
	// 1Password Connect
	ConnectHost  string `yaml:"connect_host,omitempty"`
	ConnectToken string `yaml:"connect_token,omitempty"`
	Vault        string `yaml:"vault,omitempty"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:                DefaultListenAddr,
			RequestBodyMaxBytes: RequestBodyMaxBytes,
		},
		Monitor: MonitorConfig{
			ExpectedInterval: DefaultExpectedInterval,
			SweepInterval:    DefaultSweepInterval,
		},
		Database: DatabaseConfig{
			MaxConns: 4,
		},
		MQTT: MQTTConfig{
			ClientID: DefaultMQTTClientID,
			Topic:    DefaultMQTTTopic,
			QoS:      1,
		},
		NATS: NATSConfig{
			Subject: DefaultNATSSubject,
		},
		AMQP: AMQPConfig{
			Queue:    DefaultAMQPQueue,
			Prefetch: DefaultAMQPPrefetch,
		},
		Secrets: SecretsConfig{
			Backend:  "auto",
			LocalDir: "/etc/beatmon/secrets",
		},
	}
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Load reads path (optional), the .env files and the environment.
// A missing .env file is not an error.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := LoadDotEnv(envFiles...); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads variables from the given files (default ".env") into the
// process environment without overriding variables already set.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use BEATMON_ prefix:
// - BEATMON_LISTEN_ADDR
// - BEATMON_TIME_ZONE
// - BEATMON_AUTH_TOKEN, BEATMON_AUTH_TOKEN_HASH, BEATMON_AUTH_TOKEN_SECRET
// - BEATMON_EXPECTED_INTERVAL, BEATMON_SWEEP_INTERVAL, BEATMON_RETENTION (Go durations)
// - BEATMON_REDIS_URL, BEATMON_DATABASE_URL
// - BEATMON_MQTT_BROKER, BEATMON_NATS_URL, BEATMON_AMQP_URL
// - BEATMON_SECRETS_BACKEND, BEATMON_OP_CONNECT_HOST, BEATMON_OP_CONNECT_TOKEN, BEATMON_OP_VAULT
func (c *Config) ApplyEnvOverrides() error {
	strs := []struct {
		env string
		dst *string
	}{
		{"BEATMON_LISTEN_ADDR", &c.Server.Addr},
		{"BEATMON_TIME_ZONE", &c.Server.TimeZone},
		{"BEATMON_AUTH_TOKEN", &c.Auth.Token},
		{"BEATMON_AUTH_TOKEN_HASH", &c.Auth.TokenHash},
		{"BEATMON_AUTH_TOKEN_SECRET", &c.Auth.TokenSecret},
		{"BEATMON_REDIS_URL", &c.Redis.URL},
		{"BEATMON_DATABASE_URL", &c.Database.URL},
		{"BEATMON_MQTT_BROKER", &c.MQTT.Broker},
		{"BEATMON_NATS_URL", &c.NATS.URL},
		{"BEATMON_AMQP_URL", &c.AMQP.URL},
		{"BEATMON_SECRETS_BACKEND", &c.Secrets.Backend},
		{"BEATMON_OP_CONNECT_HOST", &c.Secrets.ConnectHost},
		{"BEATMON_OP_CONNECT_TOKEN", &c.Secrets.ConnectToken},
		{"BEATMON_OP_VAULT", &c.Secrets.Vault},
	}
	for _, s := range strs {
		if v := os.Getenv(s.env); v != "" {
			*s.dst = v
		}
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"BEATMON_EXPECTED_INTERVAL", &c.Monitor.ExpectedInterval},
		{"BEATMON_SWEEP_INTERVAL", &c.Monitor.SweepInterval},
		{"BEATMON_RETENTION", &c.Monitor.Retention},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.env, err)
		}
		*d.dst = parsed
	}

	if v := os.Getenv("BEATMON_REQUEST_BODY_MAX_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("BEATMON_REQUEST_BODY_MAX_BYTES: %w", err)
		}
		c.Server.RequestBodyMaxBytes = n
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.RequestBodyMaxBytes <= 0 {
		return fmt.Errorf("server.request_body_max_bytes must be positive")
	}
	if c.Server.TimeZone != "" {
		if _, err := time.LoadLocation(c.Server.TimeZone); err != nil {
			return fmt.Errorf("server.time_zone: %w", err)
		}
	}

	if c.Auth.Token == "" && c.Auth.TokenHash == "" && c.Auth.TokenSecret == "" {
		return fmt.Errorf("one of auth.token, auth.token_hash or auth.token_secret is required")
	}

	if c.Monitor.ExpectedInterval <= 0 {
		return fmt.Errorf("monitor.expected_interval must be positive")
	}
	if c.Monitor.SweepInterval < MinSweepInterval {
		return fmt.Errorf("monitor.sweep_interval must be at least %v", MinSweepInterval)
	}
	if c.Monitor.Retention < 0 {
		return fmt.Errorf("monitor.retention must not be negative")
	}
	seen := make(map[string]bool, len(c.Monitor.Devices))
	for i, d := range c.Monitor.Devices {
		if d.Name == "" {
			return fmt.Errorf("monitor.devices[%d].name is required", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("monitor.devices[%d]: duplicate device %q", i, d.Name)
		}
		seen[d.Name] = true
		if d.ExpectedInterval < 0 {
			return fmt.Errorf("monitor.devices[%d].expected_interval must not be negative", i)
		}
	}

	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	if c.AMQP.URL != "" && c.AMQP.Queue == "" {
		return fmt.Errorf("amqp.queue is required when amqp.url is set")
	}

	switch c.Secrets.Backend {
	case "auto", "local", "1password":
	default:
		return fmt.Errorf("secrets.backend must be auto, local or 1password, got %q", c.Secrets.Backend)
	}
	return nil
}

// Intervals returns the per-device expected interval overrides.
func (c *Config) Intervals() map[string]time.Duration {
	out := make(map[string]time.Duration)
	for _, d := range c.Monitor.Devices {
		if d.ExpectedInterval > 0 {
			out[d.Name] = d.ExpectedInterval
		}
	}
	return out
}

// Location returns the zone reported by /api/info.
func (c *Config) Location() *time.Location {
	if c.Server.TimeZone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Server.TimeZone)
	if err != nil {
		return time.Local
	}
	return loc
}
