// Package nats mirrors the daemon's bus events to a NATS server.
//
// The mirror is optional. When configured, every childOutputReceived and
// requestCompleted event is also published on core NATS so remote tooling can
// follow an operation without a D-Bus connection to the host.
//
// Features:
//   - Optional NKey authentication (public-key cryptography)
//   - Automatic reconnection while the daemon is running
//   - Fire-and-forget publishing; a failed publish never blocks the daemon
//
// Usage:
//
//	client := nats.NewClient(cfg, logger)
//	err := client.Connect(ctx)
//	defer client.Close()
//	mirror := nats.NewPublisher(client, logger)
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"
)

// DefaultSubject is the subject prefix events are published under.
const DefaultSubject = "swupdd.events"

// Config holds NATS connection configuration.
type Config struct {
	Servers  string // Comma-separated list of NATS server URLs
	NKeySeed string // Optional NKey seed for authentication (starts with SU)
	Subject  string // Subject prefix; events go to <Subject>.<host>.<kind>
	Host     string // Host name used in subjects; defaults to os.Hostname
}

// Client manages the NATS connection for the mirror.
type Client struct {
	config    Config
	nc        *nats.Conn
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool
}

// NewClient creates a new NATS client with the given configuration.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.Host == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.Host = h
		} else {
			cfg.Host = "unknown"
		}
	}
	return &Client{
		config: cfg,
		logger: logger.With(slog.String("component", "nats")),
	}
}

// Connect establishes a connection to the NATS server.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	opts := []nats.Option{
		nats.Name(fmt.Sprintf("swupdd-%s", c.config.Host)),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectBufSize(1024 * 1024),
		nats.PingInterval(30 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.Timeout(connectTimeout(ctx)),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			c.setConnected(false)
			if err != nil {
				c.logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			} else {
				c.logger.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.setConnected(true)
			c.logger.Info("NATS reconnected", slog.String("server", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			c.logger.Error("NATS error", slog.String("error", err.Error()))
		}),
	}

	if c.config.NKeySeed != "" {
		opt, err := nkeyOption(c.config.NKeySeed)
		if err != nil {
			return err
		}
		opts = append(opts, opt)
	}

	nc, err := nats.Connect(c.config.Servers, opts...)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}

	c.nc = nc
	c.connected = true

	c.logger.Info("NATS connected",
		slog.String("server", nc.ConnectedUrl()),
		slog.String("subject", c.config.Subject),
	)
	return nil
}

// nkeyOption builds the NKey authentication option from a seed.
func nkeyOption(seed string) (nats.Option, error) {
	kp, err := nkeys.FromSeed([]byte(seed))
	if err != nil {
		return nil, fmt.Errorf("invalid nkey seed: %w", err)
	}

	pubKey, err := kp.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}

	return nats.Nkey(pubKey, func(nonce []byte) ([]byte, error) {
		return kp.Sign(nonce)
	}), nil
}

// connectTimeout bounds the initial dial by the context deadline, if any.
func connectTimeout(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			return d
		}
	}
	return nats.DefaultTimeout
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// Publish sends data on subject via core NATS.
func (c *Client) Publish(subject string, data []byte) error {
	c.mu.RLock()
	nc := c.nc
	c.mu.RUnlock()
	if nc == nil {
		return fmt.Errorf("not connected")
	}
	return nc.Publish(subject, data)
}

// Subject returns the full subject for an event kind.
func (c *Client) Subject(kind string) string {
	return fmt.Sprintf("%s.%s.%s", c.config.Subject, c.config.Host, kind)
}

// IsConnected returns whether the client currently has a server connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Close flushes pending messages and closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	nc := c.nc
	c.nc = nil
	c.connected = false
	c.mu.Unlock()

	if nc == nil {
		return
	}
	if err := nc.FlushTimeout(2 * time.Second); err != nil {
		c.logger.Debug("NATS flush on close failed", slog.String("error", err.Error()))
	}
	nc.Close()
	c.logger.Info("NATS connection closed")
}

// Shutdown implements shutdown.Shutdowner.
func (c *Client) Shutdown(ctx context.Context) error {
	c.Close()
	return nil
}
