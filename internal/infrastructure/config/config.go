package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "HIVEHUB_CONFIG"

// minSecretLength is the minimum length of the access key signing secret.
const minSecretLength = 32

// Config is the root configuration structure for hivehub.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Hub       HubConfig       `yaml:"hub"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
	Client    ClientConfig    `yaml:"client"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// HubConfig contains message bus settings.
type HubConfig struct {
	// Name identifies this hub in discovery announcements.
	Name string `yaml:"name"`

	// PollWait is the default long-poll wait in seconds.
	PollWait int `yaml:"poll_wait"`

	// MaxPollWait caps the wait a client may request, in seconds.
	MaxPollWait int `yaml:"max_poll_wait"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// BasePath prefixes every REST route, e.g. "/api".
	BasePath string `yaml:"base_path"`

	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
// Write must exceed the longest long-poll wait.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	// Path is the mount point of the /client and /device endpoints.
	Path string `yaml:"path"`

	// PublicURL is advertised by /info. When empty it is derived from the request host.
	PublicURL string `yaml:"public_url"`

	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings for the message mirror.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
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

// MQTTReconnectConfig contains MQTT reconnection settings in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// InfluxDBConfig contains InfluxDB connection settings for message telemetry.
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
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains file-based logging settings, used when Output is "file".
type FileLoggingConfig struct {
	Path string `yaml:"path"`
}

// SecurityConfig contains authentication settings of the hub server.
type SecurityConfig struct {
	AccessKeys AccessKeyConfig `yaml:"access_keys"`

	// LockAfter locks an account after this many failed logins (0 = never).
	LockAfter int `yaml:"lock_after"`

	Admin AdminConfig `yaml:"admin"`
}

// AccessKeyConfig contains access key signing settings.
type AccessKeyConfig struct {
	Secret string `yaml:"secret"`

	// TTL is the lifetime of issued keys in hours (0 = no expiry).
	TTL int `yaml:"ttl"`
}

// AdminConfig controls the administrator created on first start.
type AdminConfig struct {
	Login string `yaml:"login"`

	// Password is generated and logged once when empty.
	Password string `yaml:"password"`

	// IssueKey also issues and logs an access key for the administrator.
	IssueKey bool `yaml:"issue_key"`
}

// ClientConfig contains the hub connection used by the gateway and device hosts.
type ClientConfig struct {
	ServiceURL string `yaml:"service_url"`
	Login      string `yaml:"login"`
	Password   string `yaml:"password"`
	AccessKey  string `yaml:"access_key"`

	// Channels lists the transports to try in order: "websocket", "longpolling".
	Channels []string `yaml:"channels"`

	// RequestTimeout bounds WebSocket requests, in seconds.
	RequestTimeout int `yaml:"request_timeout"`

	// RetryInterval is the wait after a failed poll, in milliseconds.
	RetryInterval int `yaml:"retry_interval"`
}

// GatewayConfig contains binary gateway settings.
type GatewayConfig struct {
	Network GatewayNetworkConfig `yaml:"network"`

	// Connections lists serial ports and TCP listeners,
	// e.g. "serial:///dev/ttyUSB0?baud=9600" or "tcp://0.0.0.0:7000".
	Connections []string `yaml:"connections"`
}

// GatewayNetworkConfig is the network devices behind the gateway register into.
type GatewayNetworkConfig struct {
	Name        string `yaml:"name"`
	Key         string `yaml:"key"`
	Description string `yaml:"description"`
}

// DiscoveryConfig contains mDNS settings.
type DiscoveryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Service string `yaml:"service"`
	Domain  string `yaml:"domain"`

	// Timeout bounds a gateway lookup, in seconds.
	Timeout int `yaml:"timeout"`
}

// MetricsConfig contains Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`

	// Listen serves metrics on a separate address when set (used by the gateway).
	Listen string `yaml:"listen"`
}

// Load builds the configuration in three layers: built-in defaults, then
// the YAML file at path (skipped when path is ""), then HIVEHUB_*
// environment variables such as HIVEHUB_API_PORT. The result has passed
// Validate; command-specific checks are left to the caller.
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

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig is a hub on :8080 with a local SQLite file and both client
// channels enabled.
func defaultConfig() *Config {
	return &Config{
		Hub: HubConfig{
			Name:        "hivehub",
			PollWait:    30,
			MaxPollWait: 60,
		},
		API: APIConfig{
			Host:     "0.0.0.0",
			Port:     8080,
			BasePath: "/api",
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 90,
				Idle:  120,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 64 * 1024,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Database: DatabaseConfig{
			Path:        "./data/hivehub.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "hivehub",
			},
			QoS:         1,
			TopicPrefix: "hivehub",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			Bucket:        "hivehub",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			LockAfter: 10,
			Admin: AdminConfig{
				Login:    "admin",
				IssueKey: true,
			},
		},
		Client: ClientConfig{
			Channels:       []string{"websocket", "longpolling"},
			RequestTimeout: 30,
			RetryInterval:  1000,
		},
		Gateway: GatewayConfig{
			Network: GatewayNetworkConfig{
				Name:        "Binary Devices",
				Description: "Devices attached to the binary gateway",
			},
		},
		Discovery: DiscoveryConfig{
			Service: "_hivehub._tcp",
			Domain:  "local.",
			Timeout: 5,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// applyEnvOverrides copies set HIVEHUB_* variables over cfg. Secrets are
// usually supplied this way rather than in the file.
func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"HIVEHUB_DATABASE_PATH":       &cfg.Database.Path,
		"HIVEHUB_API_HOST":            &cfg.API.Host,
		"HIVEHUB_WEBSOCKET_URL":       &cfg.WebSocket.PublicURL,
		"HIVEHUB_MQTT_HOST":           &cfg.MQTT.Broker.Host,
		"HIVEHUB_MQTT_USERNAME":       &cfg.MQTT.Auth.Username,
		"HIVEHUB_MQTT_PASSWORD":       &cfg.MQTT.Auth.Password,
		"HIVEHUB_INFLUXDB_URL":        &cfg.InfluxDB.URL,
		"HIVEHUB_INFLUXDB_TOKEN":      &cfg.InfluxDB.Token,
		"HIVEHUB_LOG_LEVEL":           &cfg.Logging.Level,
		"HIVEHUB_ACCESS_KEY_SECRET":   &cfg.Security.AccessKeys.Secret,
		"HIVEHUB_ADMIN_PASSWORD":      &cfg.Security.Admin.Password,
		"HIVEHUB_CLIENT_SERVICE_URL":  &cfg.Client.ServiceURL,
		"HIVEHUB_CLIENT_LOGIN":        &cfg.Client.Login,
		"HIVEHUB_CLIENT_PASSWORD":     &cfg.Client.Password,
		"HIVEHUB_CLIENT_ACCESS_KEY":   &cfg.Client.AccessKey,
		"HIVEHUB_GATEWAY_NETWORK_KEY": &cfg.Gateway.Network.Key,
	}
	for name, dst := range strs {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("HIVEHUB_API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HIVEHUB_API_PORT: %w", err)
		}
		cfg.API.Port = port
	}
	if v := os.Getenv("HIVEHUB_MQTT_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("HIVEHUB_MQTT_ENABLED: %w", err)
		}
		cfg.MQTT.Enabled = enabled
	}
	if v := os.Getenv("HIVEHUB_GATEWAY_CONNECTIONS"); v != "" {
		cfg.Gateway.Connections = strings.Split(v, ",")
	}
	return nil
}

// problems collects validation failures.
type problems []error

func (p *problems) check(failed bool, format string, args ...any) {
	if failed {
		*p = append(*p, fmt.Errorf(format, args...))
	}
}

func (p problems) err() error {
	return errors.Join(p...)
}

// Validate checks the settings shared by every command. All failures are
// reported together, one per line.
func (c *Config) Validate() error {
	var p problems
	p.check(c.Hub.PollWait < 0 || c.Hub.MaxPollWait < c.Hub.PollWait,
		"hub.poll_wait must be between 0 and hub.max_poll_wait")
	p.check(c.API.Port < 1 || c.API.Port > 65535, "api.port must be between 1 and 65535")
	p.check(c.API.BasePath != "" && !strings.HasPrefix(c.API.BasePath, "/"), "api.base_path must start with /")
	p.check(!strings.HasPrefix(c.WebSocket.Path, "/"), "websocket.path must start with /")
	p.check(c.MQTT.QoS < 0 || c.MQTT.QoS > 2, "mqtt.qos must be 0, 1, or 2")
	p.check(c.InfluxDB.Enabled && c.InfluxDB.URL == "", "influxdb.url is required when influxdb is enabled")
	p.check(c.Logging.Output == "file" && c.Logging.File.Path == "", "logging.file.path is required for file output")
	for _, ch := range c.Client.Channels {
		p.check(ch != "websocket" && ch != "longpolling", "client.channels: unknown channel %q", ch)
	}
	return p.err()
}

// ValidateServer checks the settings required by the hub server.
func (c *Config) ValidateServer() error {
	secret := c.Security.AccessKeys.Secret

	var p problems
	p.check(c.Database.Path == "", "database.path is required")
	// Anyone holding the secret can mint access keys for any user.
	p.check(secret == "", "security.access_keys.secret is required (set HIVEHUB_ACCESS_KEY_SECRET)")
	p.check(secret != "" && len(secret) < minSecretLength,
		"security.access_keys.secret must be at least %d characters", minSecretLength)
	p.check(c.Security.LockAfter < 0, "security.lock_after must not be negative")
	p.check(c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/"), "metrics.path must start with /")
	return p.err()
}

// ValidateGateway checks the settings required by the binary gateway.
func (c *Config) ValidateGateway() error {
	var p problems
	p.check(c.Client.ServiceURL == "" && !c.Discovery.Enabled,
		"client.service_url is required unless discovery is enabled")
	p.check(c.Client.AccessKey == "" && c.Client.Login == "", "client.access_key or client.login is required")
	p.check(c.Gateway.Network.Name == "", "gateway.network.name is required")
	p.check(len(c.Gateway.Connections) == 0, "gateway.connections must list at least one connection")
	return p.err()
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

// GetPollWait returns the default long-poll wait.
func (c *Config) GetPollWait() time.Duration {
	return time.Duration(c.Hub.PollWait) * time.Second
}

// GetMaxPollWait returns the longest long-poll wait a client may request.
func (c *Config) GetMaxPollWait() time.Duration {
	return time.Duration(c.Hub.MaxPollWait) * time.Second
}

// GetAccessKeyTTL returns the lifetime of issued access keys (0 = no expiry).
func (c *Config) GetAccessKeyTTL() time.Duration {
	return time.Duration(c.Security.AccessKeys.TTL) * time.Hour
}

// GetClientRequestTimeout returns the WebSocket request timeout of the hub client.
func (c *Config) GetClientRequestTimeout() time.Duration {
	return time.Duration(c.Client.RequestTimeout) * time.Second
}

// GetClientRetryInterval returns the wait after a failed poll.
func (c *Config) GetClientRetryInterval() time.Duration {
	return time.Duration(c.Client.RetryInterval) * time.Millisecond
}

// GetDiscoveryTimeout returns the mDNS lookup timeout.
func (c *Config) GetDiscoveryTimeout() time.Duration {
	return time.Duration(c.Discovery.Timeout) * time.Second
}
