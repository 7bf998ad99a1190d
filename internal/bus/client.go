// Package bus holds the NATS connection used by the headless transport.
package bus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/loqalabs/aethra/internal/config"
	"github.com/nats-io/nats.go"
)

// dialAttempts bounds the initial connection attempts; after that the
// client reconnects on its own.
const dialAttempts = 3

type Client struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	log  *slog.Logger
}

// Connect dials the configured servers and opens a JetStream context. name
// shows up in server monitoring.
func Connect(ctx context.Context, name string, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	log = log.With(slog.String("component", "bus"))
	url := strings.Join(cfg.Servers, ",")
	opts := dialOptions(name, cfg, log)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	conn, err := backoff.Retry(ctx, func() (*nats.Conn, error) {
		nc, err := nats.Connect(url, opts...)
		if errors.Is(err, nats.ErrAuthorization) {
			return nil, backoff.Permanent(err)
		}
		if err != nil {
			log.Debug("NATS dial failed", slog.String("servers", url), slog.String("error", err.Error()))
		}
		return nc, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(dialAttempts))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	log.Info("connected to NATS", slog.String("server", conn.ConnectedUrl()))
	return &Client{conn: conn, js: js, log: log}, nil
}

func dialOptions(name string, cfg config.BusConfig, log *slog.Logger) []nats.Option {
	opts := []nats.Option{
		nats.Name(name),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected from NATS", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected to NATS", slog.String("server", nc.ConnectedUrl()))
		}),
	}
	switch {
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	case cfg.Username != "" || cfg.Password != "":
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.TLSInsecure {
		opts = append(opts, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}
	return opts
}

// Close flushes pending publishes before disconnecting.
func (c *Client) Close() {
	if c == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.log.Warn("failed to drain NATS connection", slog.String("error", err.Error()))
	}
	c.conn.Close()
	c.log.Info("NATS connection closed")
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) JetStream() nats.JetStreamContext { return c.js }

func (c *Client) Conn() *nats.Conn { return c.conn }
