package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-transcribe/internal/config"
)

// Client wraps NATS connection and JetStream context with minimal helpers.
// In embedded mode it also owns the server it is connected to.
type Client struct {
	conn     *nats.Conn
	js       nats.JetStreamContext
	embedded *server.Server
	log      *slog.Logger
}

// Connect dials cfg.Servers, or starts an embedded server and connects to it
// in-process when cfg.Embedded is set.
func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if !cfg.Embedded && len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	options := []nats.Option{
		nats.Name("loqa-transcribe"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	var (
		url      = strings.Join(cfg.Servers, ",")
		embedded *server.Server
	)
	if cfg.Embedded {
		ns, err := startEmbedded(cfg, log)
		if err != nil {
			return nil, err
		}
		embedded = ns
		url = ns.ClientURL()
		options = append(options, nats.InProcessServer(ns))
	}

	c := &Client{embedded: embedded, log: log}
	conn, err := nats.Connect(url, options...)
	if err != nil {
		c.shutdownEmbedded()
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	c.conn = conn

	if c.js, err = conn.JetStream(); err != nil {
		conn.Close()
		c.shutdownEmbedded()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url), slog.Bool("embedded", embedded != nil))
	return c, nil
}

// EnsureStream creates a file-backed stream over subjects unless one exists.
// Servers without JetStream are reported as an error; callers may continue
// with plain publishes.
func (c *Client) EnsureStream(name string, subjects ...string) error {
	if _, err := c.js.StreamInfo(name); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("lookup stream %s: %w", name, err)
	}
	_, err := c.js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: subjects,
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	c.log.Info("created stream", slog.String("stream", name), slog.String("subjects", strings.Join(subjects, ",")))
	return nil
}

// PublishJSON encodes v and publishes it on subject.
func (c *Client) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", subject, err)
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	c.conn.Drain()
	c.conn.Close()
	c.shutdownEmbedded()
}

func (c *Client) shutdownEmbedded() {
	if c.embedded == nil {
		return
	}
	c.log.Info("shutting down embedded NATS server")
	c.embedded.Shutdown()
	c.embedded.WaitForShutdown()
	c.embedded = nil
}

// EmbeddedURL is the address other processes can dial to reach the embedded
// server, or "" when the client is connected to an external one.
func (c *Client) EmbeddedURL() string {
	if c.embedded == nil {
		return ""
	}
	return c.embedded.ClientURL()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}
