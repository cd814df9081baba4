// Package broker carries envelopes between server processes. A topic is a user ID;
// every connection of that user, on any process, shares it.
package broker

import (
	"context"
	"errors"

	"github.com/mbocsi/devrelay/proto"
)

// ErrBusUnavailable wraps any driver failure on publish or subscribe.
var ErrBusUnavailable = errors.New("bus unavailable")

// Handler receives envelopes delivered on a subscribed topic. Drivers call it
// from their own goroutine; it must not block.
type Handler func(proto.Envelope)

// Subscription is a live driver-level subscription to one topic.
type Subscription interface {
	Unsubscribe() error
}

// Bus is a fire-and-forget pub/sub backbone: no ordering, no acknowledgement,
// best-effort delivery.
type Bus interface {
	Publish(ctx context.Context, topic string, env proto.Envelope) error
	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)
	Close() error
}
