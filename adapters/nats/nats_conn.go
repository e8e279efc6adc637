package nats

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	berr "github.com/next-trace/scg-cqrs-bus/contract/errors"
)

// Config describes the NATS connection behind a Publisher.
// Subjects are "<Prefix>.<event name>"; an empty Prefix publishes on the bare event name.
type Config struct {
	URL           string
	Name          string
	Prefix        string
	ConnTimeout   time.Duration
	MaxReconnects int
	ReconnectWait time.Duration
	Logger        zerolog.Logger
}

// subjectConn publishes envelopes on a live connection. Every publish is
// flushed, so an error means the server never saw the event.
type subjectConn struct{ nc *nats.Conn }

func (c subjectConn) Publish(subject string, data []byte, headers map[string]string) error {
	if err := c.nc.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: natsHeader(headers)}); err != nil {
		return err
	}

	return c.nc.Flush()
}

// natsHeader returns nil for no headers so plain messages stay header-free on the wire.
func natsHeader(headers map[string]string) nats.Header {
	if len(headers) == 0 {
		return nil
	}

	h := make(nats.Header, len(headers))
	for k, v := range headers {
		h.Set(k, v)
	}

	return h
}

func connectOptions(cfg Config) []nats.Option {
	log := cfg.Logger.With().Str("component", "nats").Str("prefix", cfg.Prefix).Logger()

	opts := []nats.Option{
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}

	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.ConnTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnTimeout))
	}

	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}

	if cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(cfg.ReconnectWait))
	}

	return opts
}

// NewWithNATS connects to cfg.URL and returns a Publisher for cfg.Prefix,
// plus a cleanup that drains the connection.
func NewWithNATS(cfg Config) (*Publisher, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: nats url required", berr.ErrPublishFailed)
	}

	nc, err := nats.Connect(cfg.URL, connectOptions(cfg)...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: nats connect %s: %w", berr.ErrPublishFailed, cfg.URL, err)
	}

	cleanup := func() {
		if nc.IsClosed() {
			return
		}

		_ = nc.Drain() //nolint:errcheck // best-effort shutdown
		nc.Close()
	}

	return New(subjectConn{nc: nc}, cfg.Prefix), cleanup, nil
}
