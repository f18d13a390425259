// Package natsbus publishes cost estimates to NATS subjects.
package natsbus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Config holds NATS connection settings.
type Config struct {
	URL           string
	Name          string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// conn is the subset of *nats.Conn the publisher uses.
type conn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// Publisher publishes estimate payloads under SubjectPrefix.
type Publisher struct {
	nc     conn
	prefix string
	logger *slog.Logger
}

// Connect dials NATS and returns a Publisher. The connection reconnects on
// its own; disconnects and reconnects are logged.
func Connect(cfg Config, logger *slog.Logger) (*Publisher, error) {
	logger = logger.With(slog.String("component", "nats"))
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(cfg.ReconnectWait))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("natsbus: connect %s: %w", cfg.URL, err)
	}
	return newPublisher(nc, cfg.SubjectPrefix, logger), nil
}

func newPublisher(nc conn, prefix string, logger *slog.Logger) *Publisher {
	if prefix == "" {
		prefix = "costsim"
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger}
}

// Subject returns the estimate subject for a market, e.g.
// "costsim.estimates.okx.BTC-USDT". Dots and spaces inside tokens are
// replaced so each part stays one subject token.
func (p *Publisher) Subject(exchange, symbol string) string {
	return strings.Join([]string{p.prefix, "estimates", token(exchange), token(symbol)}, ".")
}

func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}

// Publish sends data on the market's estimate subject.
func (p *Publisher) Publish(_ context.Context, exchange, symbol string, data []byte) error {
	subject := p.Subject(exchange, symbol)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("natsbus: publish %s: %w", subject, err)
	}
	return nil
}

// Flush waits until the server has processed everything published so far.
func (p *Publisher) Flush(ctx context.Context) error {
	if err := p.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("natsbus: flush: %w", err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() error {
	if err := p.nc.Drain(); err != nil {
		return fmt.Errorf("natsbus: drain: %w", err)
	}
	return nil
}
