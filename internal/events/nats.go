package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ErrNotConnected is returned when publishing on a closed connection.
var ErrNotConnected = errors.New("nats not connected")

// NATSPublisher publishes events as JSON on "<prefix>.<kind>" subjects.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSPublisher connects to url. Reconnects are retried forever; the
// connection state is only logged.
func NewNATSPublisher(url, prefix string, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("nats")
	if prefix == "" {
		prefix = "zonekeeper"
	}
	opts := []nats.Option{
		nats.Name("zonekeeper-coordinator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}, nil
}

// Subject returns the subject an event of kind k is published on.
func (p *NATSPublisher) Subject(k Kind) string {
	return p.prefix + "." + string(k)
}

func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	if p.nc == nil || p.nc.IsClosed() {
		return ErrNotConnected
	}
	payload, err := ev.Encode()
	if err != nil {
		return err
	}
	return p.nc.Publish(p.Subject(ev.Kind), payload)
}

func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	err := p.nc.Drain()
	p.nc.Close()
	return err
}
