// Package config loads the bridge's runtime configuration: an optional YAML
// file overlaid with BRIDGE_* environment variables, then validated.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Duration parses YAML durations written as "10s"/"1m30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard-library value.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the bridge's full runtime configuration.
type Config struct {
	Env       string `yaml:"env"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Gateway     GatewayConfig     `yaml:"gateway"`
	Devices     DevicesConfig     `yaml:"devices"`
	Fulfillment FulfillmentConfig `yaml:"fulfillment"`
	Store       StoreConfig       `yaml:"store"`
	Events      EventsConfig      `yaml:"events"`
	ReportState ReportStateConfig `yaml:"report_state"`
	TLS         TLSConfig         `yaml:"tls"`
}

type GatewayConfig struct {
	Listen         string   `yaml:"listen"`
	AuthTimeout    Duration `yaml:"auth_timeout"`
	MaxBufferBytes int      `yaml:"max_buffer_bytes"`
	SendQueueSize  int      `yaml:"send_queue_size"`
}

type DevicesConfig struct {
	AvailabilityTimeout Duration `yaml:"availability_timeout"`
}

type FulfillmentConfig struct {
	Listen      string   `yaml:"listen"`
	AgentPrefix string   `yaml:"agent_prefix"`
	TokenTTL    Duration `yaml:"token_cache_ttl"`

	// AccessTokens is the static token map for dev deployments; production
	// plugs in a real resolver.
	AccessTokens map[string]string `yaml:"access_tokens"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver"` // memory|postgres
	PostgresDSN string `yaml:"postgres_dsn"`
}

type EventsConfig struct {
	Emitter       string `yaml:"emitter"` // memory|redis|pubsub
	RedisAddr     string `yaml:"redis_addr"`
	RedisChannel  string `yaml:"redis_channel"`
	PubSubProject string `yaml:"pubsub_project"`
	PubSubTopic   string `yaml:"pubsub_topic"`
}

type ReportStateConfig struct {
	Sink string `yaml:"sink"` // log|noop
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Domain   string `yaml:"domain"`
	CacheDir string `yaml:"cache_dir"`
}

// Default returns the development configuration.
func Default() Config {
	return Config{
		Env:       "development",
		LogLevel:  "info",
		LogFormat: "json",
		Gateway: GatewayConfig{
			Listen:         ":8442",
			AuthTimeout:    Duration(10 * time.Second),
			MaxBufferBytes: 100 * 1024,
			SendQueueSize:  256,
		},
		Devices: DevicesConfig{
			AvailabilityTimeout: Duration(60 * time.Second),
		},
		Fulfillment: FulfillmentConfig{
			Listen:   ":8080",
			TokenTTL: Duration(60 * time.Second),
		},
		Store:       StoreConfig{Driver: "memory"},
		Events:      EventsConfig{Emitter: "memory", RedisChannel: "bridge:events"},
		ReportState: ReportStateConfig{Sink: "log"},
		TLS:         TLSConfig{CacheDir: "/var/lib/bridge/autocert"},
	}
}

// Load reads path, overlays the environment, and validates. An empty path or
// a missing file means defaults plus environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.overlayEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// overlayEnv applies environment overrides on top of file values.
func (c *Config) overlayEnv() {
	setString(&c.Env, "BRIDGE_ENV")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")

	setString(&c.Gateway.Listen, "BRIDGE_GATEWAY_LISTEN")
	setDuration(&c.Gateway.AuthTimeout, "BRIDGE_GATEWAY_AUTH_TIMEOUT")
	setInt(&c.Gateway.MaxBufferBytes, "BRIDGE_GATEWAY_MAX_BUFFER_BYTES")
	setInt(&c.Gateway.SendQueueSize, "BRIDGE_GATEWAY_SEND_QUEUE_SIZE")

	setDuration(&c.Devices.AvailabilityTimeout, "BRIDGE_AVAILABILITY_TIMEOUT")

	setString(&c.Fulfillment.Listen, "BRIDGE_FULFILLMENT_LISTEN")
	setString(&c.Fulfillment.AgentPrefix, "BRIDGE_AGENT_PREFIX")
	setDuration(&c.Fulfillment.TokenTTL, "BRIDGE_TOKEN_CACHE_TTL")

	setString(&c.Store.Driver, "BRIDGE_STORE_DRIVER")
	setString(&c.Store.PostgresDSN, "BRIDGE_POSTGRES_DSN")

	setString(&c.Events.Emitter, "BRIDGE_EVENTS_EMITTER")
	setString(&c.Events.RedisAddr, "BRIDGE_REDIS_ADDR")
	setString(&c.Events.RedisChannel, "BRIDGE_REDIS_CHANNEL")
	setString(&c.Events.PubSubProject, "BRIDGE_PUBSUB_PROJECT")
	setString(&c.Events.PubSubTopic, "BRIDGE_PUBSUB_TOPIC")

	setString(&c.ReportState.Sink, "BRIDGE_REPORTSTATE_SINK")

	setBool(&c.TLS.Enabled, "BRIDGE_TLS_ENABLED")
	setString(&c.TLS.Domain, "BRIDGE_TLS_DOMAIN")
	setString(&c.TLS.CacheDir, "BRIDGE_TLS_CACHE_DIR")
}

// Validate rejects configurations the bridge cannot run with.
func (c *Config) Validate() error {
	if c.Gateway.Listen == "" {
		return fmt.Errorf("gateway.listen is required")
	}
	if c.Fulfillment.Listen == "" {
		return fmt.Errorf("fulfillment.listen is required")
	}
	if c.Gateway.AuthTimeout <= 0 {
		return fmt.Errorf("gateway.auth_timeout must be positive")
	}
	if c.Devices.AvailabilityTimeout <= 0 {
		return fmt.Errorf("devices.availability_timeout must be positive")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	switch c.Events.Emitter {
	case "memory":
	case "redis":
		if c.Events.RedisAddr == "" {
			return fmt.Errorf("events.redis_addr is required for the redis emitter")
		}
	case "pubsub":
		if c.Events.PubSubProject == "" || c.Events.PubSubTopic == "" {
			return fmt.Errorf("events.pubsub_project and events.pubsub_topic are required for the pubsub emitter")
		}
	default:
		return fmt.Errorf("unknown events emitter %q", c.Events.Emitter)
	}

	switch c.ReportState.Sink {
	case "log", "noop":
	default:
		return fmt.Errorf("unknown report_state sink %q", c.ReportState.Sink)
	}

	if c.TLS.Enabled && c.TLS.Domain == "" {
		return fmt.Errorf("tls.domain is required when tls is enabled")
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}
