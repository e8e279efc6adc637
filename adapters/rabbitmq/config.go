package rabbitmq

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ExchangeSpec describes an exchange declared on every (re)connect.
type ExchangeSpec struct {
	Name string
	// Kind is "topic", "fanout" or "direct". Empty means Config.DefaultExchangeKind.
	Kind       string
	Durable    bool
	AutoDelete bool
}

// InitOptions controls how Connect waits for the first successful setup.
type InitOptions struct {
	// Wait blocks Connect until exchanges are declared or Timeout elapses.
	Wait    bool
	Timeout time.Duration
	// Reject turns a wait timeout into ErrConnectTimeout. Otherwise it is only logged.
	Reject bool
}

// Config configures a Connection.
type Config struct {
	// URIs are tried round-robin on every (re)connect.
	URIs                []string
	Prefetch            int
	Exchanges           []ExchangeSpec
	DefaultExchangeKind string
	// DefaultErrorPolicy settles failed deliveries of subscriptions without their own policy.
	DefaultErrorPolicy ErrorPolicy
	Init               InitOptions
	ConnTimeout        time.Duration
	MinBackoff         time.Duration
	MaxBackoff         time.Duration
	// OnConnectionLost runs after an unexpected disconnect. It never runs during shutdown.
	OnConnectionLost func(err error)
	// Dial overrides the broker dialer.
	Dial   DialFunc
	Logger zerolog.Logger
}

// DefaultConfig returns a Config with the defaults of the bus.
func DefaultConfig(uris ...string) Config {
	return Config{
		URIs:                uris,
		Prefetch:            10,
		DefaultExchangeKind: "topic",
		DefaultErrorPolicy:  RejectOnError,
		Init: InitOptions{
			Wait:    true,
			Timeout: 5 * time.Second,
			Reject:  true,
		},
		ConnTimeout: 10 * time.Second,
		MinBackoff:  time.Second,
		MaxBackoff:  30 * time.Second,
		Logger:      zerolog.Nop(),
	}
}

func (c *Config) normalize() error {
	if len(c.URIs) == 0 {
		return fmt.Errorf("rabbitmq: at least one uri required")
	}

	for i, u := range c.URIs {
		if u == "" {
			return fmt.Errorf("rabbitmq: uri %d is empty", i)
		}
	}

	d := DefaultConfig()
	if c.Prefetch <= 0 {
		c.Prefetch = d.Prefetch
	}

	if c.DefaultExchangeKind == "" {
		c.DefaultExchangeKind = d.DefaultExchangeKind
	}

	if c.DefaultErrorPolicy == nil {
		c.DefaultErrorPolicy = d.DefaultErrorPolicy
	}

	if c.Init.Timeout <= 0 {
		c.Init.Timeout = d.Init.Timeout
	}

	if c.ConnTimeout <= 0 {
		c.ConnTimeout = d.ConnTimeout
	}

	if c.MinBackoff <= 0 {
		c.MinBackoff = d.MinBackoff
	}

	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = max(d.MaxBackoff, c.MinBackoff)
	}

	if c.Dial == nil {
		c.Dial = Dialer(c.ConnTimeout)
	}

	return nil
}
