package broker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbocsi/devrelay/proto"
	"github.com/nats-io/nats.go"
)

type NATSOptions struct {
	Servers       []string
	Name          string
	SubjectPrefix string // e.g. "devrelay.user"
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NATSBus uses core NATS subjects (no JetStream: the bus is deliberately non-durable).
type NATSBus struct {
	nc     *nats.Conn
	prefix string
}

func NewNATSBus(opts NATSOptions) (*NATSBus, error) {
	if len(opts.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if opts.ReconnectWait == 0 {
		opts.ReconnectWait = 500 * time.Millisecond
	}
	if opts.Timeout == 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = "devrelay.user"
	}
	nc, err := nats.Connect(strings.Join(opts.Servers, ","),
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.Timeout(opts.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: nats connect: %v", ErrBusUnavailable, err)
	}
	return &NATSBus{nc: nc, prefix: strings.TrimSuffix(opts.SubjectPrefix, ".")}, nil
}

// subject encodes the topic as a single NATS token so user IDs containing '.', '*'
// or '>' cannot escape their subject.
func (b *NATSBus) subject(topic string) string {
	return b.prefix + "." + base64.RawURLEncoding.EncodeToString([]byte(topic))
}

func (b *NATSBus) Publish(_ context.Context, topic string, env proto.Envelope) error {
	data, err := proto.Encode(env)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(b.subject(topic), data); err != nil {
		return fmt.Errorf("%w: nats publish: %v", ErrBusUnavailable, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(_ context.Context, topic string, h Handler) (Subscription, error) {
	subject := b.subject(topic)
	sub, err := b.nc.Subscribe(subject, func(m *nats.Msg) {
		env, err := proto.Decode(m.Data)
		if err != nil {
			slog.Warn("Discarding undecodable bus message", "subject", m.Subject, "error", err)
			return
		}
		h(env)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: nats subscribe %s: %v", ErrBusUnavailable, subject, err)
	}
	// Make sure the server has registered interest before the caller publishes its handshake.
	if err := b.nc.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("%w: nats flush: %v", ErrBusUnavailable, err)
	}
	slog.Debug("Subscribing", "topic", topic, "driver", "nats", "subject", subject)
	return &natsSub{sub: sub, topic: topic}, nil
}

func (b *NATSBus) Close() error {
	return b.nc.Drain()
}

type natsSub struct {
	sub   *nats.Subscription
	topic string
}

func (s *natsSub) Unsubscribe() error {
	slog.Debug("Unsubscribing", "topic", s.topic, "driver", "nats")
	return s.sub.Unsubscribe()
}
