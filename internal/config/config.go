// Package config loads and validates every setting the tracking engine
// needs: HTTP server, MQTT broker connectivity, TimescaleDB parameters,
// zone-registry persistence, ingestion tolerances, and the token secret
// and anonymization salt. Per-endpoint-class rate limits are not
// configured here; the engine uses ratelimit.DefaultRules(). Values
// come from an optional
// config file plus TRACKING_-prefixed environment variables, with
// defaults for everything, and are validated in one aggregate pass that
// reports every violation instead of stopping at the first.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default values applied when neither the config file nor the
// environment provides a setting.
const (
	DefaultPort            = "8080"
	DefaultMQTTPort        = 1883
	DefaultDBPort          = 5432
	DefaultDBSchema        = "tracking"
	DefaultMaxConnections  = 100
	DefaultGracefulTimeout = 10 * time.Second
	DefaultAlertRing       = 1000
	DefaultCompactInterval = 1 * time.Hour
)

// ServerConfig covers the HTTP listener and process-level behavior.
type ServerConfig struct {
	Port            string
	GracefulTimeout time.Duration

	// StrictHistory makes history-store init failure fatal at startup.
	// When false the engine starts in degraded mode without analytics.
	StrictHistory bool
}

// MQTTConfig defines broker connection parameters for the best-effort
// cross-process event fan-out and the retained live-position cache.
type MQTTConfig struct {
	Enabled           bool
	Host              string
	Port              int
	Username          string
	Password          string
	TLSEnabled        bool
	QoS               int
	KeepAlive         time.Duration
	ConnectionTimeout time.Duration
	RetryInterval     time.Duration
}

// DBConfig defines TimescaleDB connection parameters for the history
// store, including pooling, chunking, and retention settings.
type DBConfig struct {
	Host                  string
	Port                  int
	Database              string
	Username              string
	Password              string
	Schema                string
	MaxConnections        int
	MaxIdleConnections    int
	ConnectionTimeout     time.Duration
	MaxConnectionLifetime time.Duration

	ChunkInterval      time.Duration
	CompressionEnabled bool
	RetentionEnabled   bool
	CompactInterval    time.Duration
}

// EngineConfig bounds the ingestion pipeline's tolerances and the alert
// ring's capacity.
type EngineConfig struct {
	MaxFutureSkew     time.Duration
	MaxStaleness      time.Duration
	ConsentTimeout    time.Duration
	HistoryTimeout    time.Duration
	AlertRingCapacity int
}

// ZonesConfig controls where the zone registry persists its snapshot,
// whether it watches that file for external edits, and how often
// deletion tombstones are compacted away.
type ZonesConfig struct {
	SnapshotPath    string
	WatchFile       bool
	CompactInterval time.Duration
}

// AuthConfig holds the shared secret used to verify bearer tokens on
// HTTP and WebSocket handshakes, and the salt used to derive stable
// anonymized tourist ids.
type AuthConfig struct {
	TokenSecret       string
	AnonymizationSalt string

	// ImpersonationAllowed lets authority principals submit fixes on
	// behalf of a tourist id. Off by default.
	ImpersonationAllowed bool
}

// Config is the aggregate configuration for the engine.
type Config struct {
	Server ServerConfig
	MQTT   MQTTConfig
	DB     DBConfig
	Engine EngineConfig
	Zones  ZonesConfig
	Auth   AuthConfig
}

// Load reads configuration from an optional config.yaml (searched in
// the working directory and /etc/trackengine) layered under
// TRACKING_-prefixed environment variables, applies defaults, and
// validates the result.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/trackengine")

	v.SetEnvPrefix("TRACKING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; a malformed one is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            v.GetString("server.port"),
			GracefulTimeout: v.GetDuration("server.graceful_timeout"),
			StrictHistory:   v.GetBool("server.strict_history"),
		},
		MQTT: MQTTConfig{
			Enabled:           v.GetBool("mqtt.enabled"),
			Host:              v.GetString("mqtt.host"),
			Port:              v.GetInt("mqtt.port"),
			Username:          v.GetString("mqtt.username"),
			Password:          v.GetString("mqtt.password"),
			TLSEnabled:        v.GetBool("mqtt.tls_enabled"),
			QoS:               v.GetInt("mqtt.qos"),
			KeepAlive:         v.GetDuration("mqtt.keep_alive"),
			ConnectionTimeout: v.GetDuration("mqtt.connection_timeout"),
			RetryInterval:     v.GetDuration("mqtt.retry_interval"),
		},
		DB: DBConfig{
			Host:                  v.GetString("db.host"),
			Port:                  v.GetInt("db.port"),
			Database:              v.GetString("db.database"),
			Username:              v.GetString("db.username"),
			Password:              v.GetString("db.password"),
			Schema:                v.GetString("db.schema"),
			MaxConnections:        v.GetInt("db.max_connections"),
			MaxIdleConnections:    v.GetInt("db.max_idle_connections"),
			ConnectionTimeout:     v.GetDuration("db.connection_timeout"),
			MaxConnectionLifetime: v.GetDuration("db.max_connection_lifetime"),
			ChunkInterval:         v.GetDuration("db.chunk_interval"),
			CompressionEnabled:    v.GetBool("db.compression_enabled"),
			RetentionEnabled:      v.GetBool("db.retention_enabled"),
			CompactInterval:       v.GetDuration("db.compact_interval"),
		},
		Engine: EngineConfig{
			MaxFutureSkew:     v.GetDuration("engine.max_future_skew"),
			MaxStaleness:      v.GetDuration("engine.max_staleness"),
			ConsentTimeout:    v.GetDuration("engine.consent_timeout"),
			HistoryTimeout:    v.GetDuration("engine.history_timeout"),
			AlertRingCapacity: v.GetInt("engine.alert_ring_capacity"),
		},
		Zones: ZonesConfig{
			SnapshotPath:    v.GetString("zones.snapshot_path"),
			WatchFile:       v.GetBool("zones.watch_file"),
			CompactInterval: v.GetDuration("zones.compact_interval"),
		},
		Auth: AuthConfig{
			TokenSecret:          v.GetString("auth.token_secret"),
			AnonymizationSalt:    v.GetString("auth.anonymization_salt"),
			ImpersonationAllowed: v.GetBool("auth.impersonation_allowed"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.graceful_timeout", DefaultGracefulTimeout)
	v.SetDefault("server.strict_history", false)

	v.SetDefault("mqtt.enabled", true)
	v.SetDefault("mqtt.host", "localhost")
	v.SetDefault("mqtt.port", DefaultMQTTPort)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.tls_enabled", false)
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.keep_alive", 60*time.Second)
	v.SetDefault("mqtt.connection_timeout", 10*time.Second)
	v.SetDefault("mqtt.retry_interval", 5*time.Second)

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", DefaultDBPort)
	v.SetDefault("db.database", "tracking_db")
	v.SetDefault("db.username", "")
	v.SetDefault("db.password", "")
	v.SetDefault("db.schema", DefaultDBSchema)
	v.SetDefault("db.max_connections", DefaultMaxConnections)
	v.SetDefault("db.max_idle_connections", 10)
	v.SetDefault("db.connection_timeout", 5*time.Second)
	v.SetDefault("db.max_connection_lifetime", time.Hour)
	v.SetDefault("db.chunk_interval", 24*time.Hour)
	v.SetDefault("db.compression_enabled", true)
	v.SetDefault("db.retention_enabled", true)
	v.SetDefault("db.compact_interval", DefaultCompactInterval)

	v.SetDefault("engine.max_future_skew", 60*time.Second)
	v.SetDefault("engine.max_staleness", 60*time.Second)
	v.SetDefault("engine.consent_timeout", 500*time.Millisecond)
	v.SetDefault("engine.history_timeout", 2*time.Second)
	v.SetDefault("engine.alert_ring_capacity", DefaultAlertRing)

	v.SetDefault("zones.snapshot_path", "zones.json")
	v.SetDefault("zones.watch_file", true)
	v.SetDefault("zones.compact_interval", DefaultCompactInterval)

	v.SetDefault("auth.token_secret", "")
	v.SetDefault("auth.anonymization_salt", "")
	v.SetDefault("auth.impersonation_allowed", false)
}

// Validate checks every field and aggregates all violations into one
// error so an operator sees the complete list at once.
func (c *Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.Server.Port) == "" {
		errs = append(errs, "server port is empty")
	}
	if c.Server.GracefulTimeout <= 0 {
		errs = append(errs, "server graceful timeout must be greater than zero")
	}

	if c.MQTT.Enabled {
		if strings.TrimSpace(c.MQTT.Host) == "" {
			errs = append(errs, "MQTT host is empty")
		}
		if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
			errs = append(errs, fmt.Sprintf("MQTT port %d is out of valid range", c.MQTT.Port))
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Sprintf("MQTT QoS %d is invalid; must be 0, 1, or 2", c.MQTT.QoS))
		}
		if c.MQTT.ConnectionTimeout <= 0 {
			errs = append(errs, "MQTT connection timeout must be greater than zero")
		}
		if c.MQTT.RetryInterval <= 0 {
			errs = append(errs, "MQTT retry interval must be greater than zero")
		}
	}

	if strings.TrimSpace(c.DB.Host) == "" {
		errs = append(errs, "DB host is empty")
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB port %d is out of valid range", c.DB.Port))
	}
	if strings.TrimSpace(c.DB.Database) == "" {
		errs = append(errs, "DB database name is empty")
	}
	if strings.TrimSpace(c.DB.Schema) == "" {
		errs = append(errs, "DB schema is empty")
	}
	if c.DB.MaxConnections < 1 {
		errs = append(errs, fmt.Sprintf("DB max connections %d is invalid; must be at least 1", c.DB.MaxConnections))
	}
	if c.DB.MaxIdleConnections < 0 {
		errs = append(errs, "DB max idle connections cannot be negative")
	}
	if c.DB.ChunkInterval <= 0 {
		errs = append(errs, "DB chunk interval must be greater than zero")
	}
	if c.DB.CompactInterval <= 0 {
		errs = append(errs, "DB compact interval must be greater than zero")
	}

	if c.Zones.CompactInterval <= 0 {
		errs = append(errs, "zone compact interval must be greater than zero")
	}

	if c.Engine.MaxFutureSkew <= 0 {
		errs = append(errs, "engine max future skew must be greater than zero")
	}
	if c.Engine.MaxStaleness <= 0 {
		errs = append(errs, "engine max staleness must be greater than zero")
	}
	if c.Engine.ConsentTimeout <= 0 {
		errs = append(errs, "engine consent timeout must be greater than zero")
	}
	if c.Engine.HistoryTimeout <= 0 {
		errs = append(errs, "engine history timeout must be greater than zero")
	}
	if c.Engine.AlertRingCapacity < 1 {
		errs = append(errs, fmt.Sprintf("engine alert ring capacity %d is invalid; must be at least 1", c.Engine.AlertRingCapacity))
	}

	if strings.TrimSpace(c.Auth.TokenSecret) == "" {
		errs = append(errs, "auth token secret is empty")
	}
	if strings.TrimSpace(c.Auth.AnonymizationSalt) == "" {
		errs = append(errs, "auth anonymization salt is empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n - %s", strings.Join(errs, "\n - "))
	}
	return nil
}
