// Package nats owns the broker's connection to the queueing substrate:
// connect options, reconnect behavior and lifecycle logging in one place.
package nats

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/config"
)

type Client struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// Connect dials the substrate. MaxReconnects -1 keeps retrying forever;
// in-flight publishes fail fast while disconnected and the lanes resume when
// the connection returns.
func Connect(cfg config.NATS, log zerolog.Logger) (*Client, error) {
	c := &Client{log: log.With().Str("component", "nats").Logger()}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.log.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.log.Info().Msg("connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			ev := c.log.Error().Err(err)
			if sub != nil {
				ev = ev.Str("subject", sub.Subject)
			}
			ev.Msg("async error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.URL, err)
	}
	c.conn = conn
	c.log.Info().Str("url", conn.ConnectedUrl()).Msg("connected")
	return c, nil
}

// JetStream returns the persistence context used for streams, publishes and
// durable consumers.
func (c *Client) JetStream() (nats.JetStreamContext, error) {
	js, err := c.conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	return js, nil
}

func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Check reports connection health in health-probe form.
func (c *Client) Check(context.Context) error {
	if !c.IsConnected() {
		return errors.New("not connected")
	}
	return nil
}

// Drain flushes buffered messages and unsubscribes before closing. Used on
// shutdown; Close is the hard variant.
func (c *Client) Drain() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Drain()
}

func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}
