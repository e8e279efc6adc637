// Package config loads bus, broker and logging settings from a YAML file and
// CQRS_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/next-trace/scg-cqrs-bus/adapters/kafka"
	"github.com/next-trace/scg-cqrs-bus/adapters/nats"
	"github.com/next-trace/scg-cqrs-bus/adapters/rabbitmq"
	"github.com/next-trace/scg-cqrs-bus/internal/log"
	"github.com/next-trace/scg-cqrs-bus/servicebus"
)

// EnvPrefix prefixes every environment override, e.g. CQRS_RABBITMQ_PREFETCH.
const EnvPrefix = "CQRS"

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Format  string `mapstructure:"format"`
	Service string `mapstructure:"service"`
}

type BusConfig struct {
	// ZeroHandlers is "fail" or "ignore".
	ZeroHandlers string `mapstructure:"zero_handlers"`
	// PublishOrder is "sync-first" or "async-first".
	PublishOrder string `mapstructure:"publish_order"`
}

type InitConfig struct {
	Wait       bool          `mapstructure:"wait"`
	TimeoutRaw string        `mapstructure:"timeout"`
	Reject     bool          `mapstructure:"reject"`
	Timeout    time.Duration `mapstructure:"-"`
}

type RabbitMQConfig struct {
	URIs           []string      `mapstructure:"uris"`
	Prefix         string        `mapstructure:"prefix"`
	Prefetch       int           `mapstructure:"prefetch"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryTTLRaw    string        `mapstructure:"retry_ttl"`
	ConnTimeoutRaw string        `mapstructure:"conn_timeout"`
	MinBackoffRaw  string        `mapstructure:"min_backoff"`
	MaxBackoffRaw  string        `mapstructure:"max_backoff"`
	Init           InitConfig    `mapstructure:"init"`
	RetryTTL       time.Duration `mapstructure:"-"`
	ConnTimeout    time.Duration `mapstructure:"-"`
	MinBackoff     time.Duration `mapstructure:"-"`
	MaxBackoff     time.Duration `mapstructure:"-"`
}

type NATSConfig struct {
	URL    string `mapstructure:"url"`
	Name   string `mapstructure:"name"`
	Prefix string `mapstructure:"prefix"`
}

type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	Prefix   string   `mapstructure:"prefix"`
	ClientID string   `mapstructure:"client_id"`
}

// Config is the root of the configuration file.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Bus      BusConfig      `mapstructure:"bus"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.service", "cqrs-bus")
	v.SetDefault("bus.zero_handlers", "fail")
	v.SetDefault("bus.publish_order", "sync-first")
	v.SetDefault("rabbitmq.uris", []string{})
	v.SetDefault("rabbitmq.prefix", "")
	v.SetDefault("rabbitmq.prefetch", 10)
	v.SetDefault("rabbitmq.max_retries", 3)
	v.SetDefault("rabbitmq.retry_ttl", "5s")
	v.SetDefault("rabbitmq.conn_timeout", "10s")
	v.SetDefault("rabbitmq.min_backoff", "1s")
	v.SetDefault("rabbitmq.max_backoff", "30s")
	v.SetDefault("rabbitmq.init.wait", true)
	v.SetDefault("rabbitmq.init.timeout", "5s")
	v.SetDefault("rabbitmq.init.reject", true)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.name", "")
	v.SetDefault("nats.prefix", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.prefix", "")
	v.SetDefault("kafka.client_id", "")
}

// Load reads path (YAML) when it is not empty, applies CQRS_* overrides and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func parseDuration(key, raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}

	return d, nil
}

func (c *Config) normalize() error {
	switch c.Bus.ZeroHandlers {
	case "fail", "ignore":
	default:
		return fmt.Errorf("invalid bus.zero_handlers %q: want fail or ignore", c.Bus.ZeroHandlers)
	}

	switch c.Bus.PublishOrder {
	case "sync-first", "async-first":
	default:
		return fmt.Errorf("invalid bus.publish_order %q: want sync-first or async-first", c.Bus.PublishOrder)
	}

	r := &c.RabbitMQ

	var err error
	if r.RetryTTL, err = parseDuration("rabbitmq.retry_ttl", r.RetryTTLRaw, 5*time.Second); err != nil {
		return err
	}

	if r.ConnTimeout, err = parseDuration("rabbitmq.conn_timeout", r.ConnTimeoutRaw, 10*time.Second); err != nil {
		return err
	}

	if r.MinBackoff, err = parseDuration("rabbitmq.min_backoff", r.MinBackoffRaw, time.Second); err != nil {
		return err
	}

	if r.MaxBackoff, err = parseDuration("rabbitmq.max_backoff", r.MaxBackoffRaw, 30*time.Second); err != nil {
		return err
	}

	if r.Init.Timeout, err = parseDuration("rabbitmq.init.timeout", r.Init.TimeoutRaw, 5*time.Second); err != nil {
		return err
	}

	if r.MaxRetries < 0 {
		r.MaxRetries = 0
	}

	return nil
}

// Logger builds the logger described by the log section.
func (c *Config) Logger() zerolog.Logger {
	return log.New(log.Config{Level: c.Log.Level, Format: c.Log.Format, Service: c.Log.Service})
}

// BusOptions returns the servicebus options of the bus section.
func (c *Config) BusOptions(l zerolog.Logger) []servicebus.Option {
	policy := servicebus.ZeroHandlersFail
	if c.Bus.ZeroHandlers == "ignore" {
		policy = servicebus.ZeroHandlersIgnore
	}

	return []servicebus.Option{servicebus.WithLogger(l), servicebus.WithZeroHandlerPolicy(policy)}
}

// Order returns the configured publish order.
func (c *Config) Order() servicebus.PublishOrder {
	if c.Bus.PublishOrder == "async-first" {
		return servicebus.AsyncFirst
	}

	return servicebus.SyncFirst
}

// ToEventBusConfig maps the rabbitmq section onto rabbitmq.EventBusConfig.
func (c *Config) ToEventBusConfig(l zerolog.Logger) rabbitmq.EventBusConfig {
	r := c.RabbitMQ

	conn := rabbitmq.DefaultConfig(r.URIs...)
	conn.Prefetch = r.Prefetch
	conn.ConnTimeout = r.ConnTimeout
	conn.MinBackoff = r.MinBackoff
	conn.MaxBackoff = r.MaxBackoff
	conn.Init = rabbitmq.InitOptions{Wait: r.Init.Wait, Timeout: r.Init.Timeout, Reject: r.Init.Reject}
	conn.Logger = l

	return rabbitmq.EventBusConfig{
		Prefix:     r.Prefix,
		RetryTTL:   r.RetryTTL,
		MaxRetries: r.MaxRetries,
		Connection: conn,
	}
}

// ToNATSConfig maps the nats section onto nats.Config.
func (c *Config) ToNATSConfig() nats.Config {
	return nats.Config{URL: c.NATS.URL, Name: c.NATS.Name, Prefix: c.NATS.Prefix}
}

// ToKafkaConfig maps the kafka section onto kafka.Config.
func (c *Config) ToKafkaConfig() kafka.Config {
	return kafka.Config{Brokers: c.Kafka.Brokers, Prefix: c.Kafka.Prefix, ClientID: c.Kafka.ClientID, Idempotent: true}
}
