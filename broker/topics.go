package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mbocsi/devrelay/proto"
)

var errTopicsClosed = fmt.Errorf("%w: topics closed", ErrBusUnavailable)

// Topics multiplexes local subscribers onto one driver subscription per topic.
// The driver subscription is created by the first Join and released only when
// the last local subscriber Leaves.
type Topics struct {
	bus    Bus
	mu     sync.RWMutex
	topics map[string]*topicSubs
}

type topicSubs struct {
	sub      Subscription
	handlers map[string]Handler // subscriber ID -> handler

	// ready is closed once the driver subscribe has finished, successfully or
	// not. Later joiners of the same topic wait on it; other topics never do.
	ready chan struct{}
}

func NewTopics(bus Bus) *Topics {
	return &Topics{bus: bus, topics: make(map[string]*topicSubs)}
}

// Join registers h under id for topic. Joining twice with the same id replaces the handler.
// The driver subscribe runs without holding the Topics lock.
func (t *Topics) Join(ctx context.Context, topic, id string, h Handler) error {
	for {
		t.mu.Lock()
		ts, ok := t.topics[topic]
		if !ok {
			break // still locked
		}
		select {
		case <-ts.ready:
			ts.handlers[id] = h
			t.mu.Unlock()
			return nil
		default:
		}
		t.mu.Unlock()

		select {
		case <-ts.ready:
			// Retry: the subscribe may have failed and removed the entry.
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for subscribe on %s: %v", ErrBusUnavailable, topic, ctx.Err())
		}
	}

	ts := &topicSubs{handlers: map[string]Handler{id: h}, ready: make(chan struct{})}
	t.topics[topic] = ts
	t.mu.Unlock()

	sub, err := t.bus.Subscribe(ctx, topic, t.dispatcher(topic))

	t.mu.Lock()
	current := t.topics[topic] == ts
	if err != nil || !current {
		if current {
			delete(t.topics, topic)
		}
		if err == nil {
			err = errTopicsClosed
		}
		close(ts.ready)
		t.mu.Unlock()
		if sub != nil {
			if uerr := sub.Unsubscribe(); uerr != nil {
				slog.Warn("Failed to release orphaned subscription", "topic", topic, "error", uerr)
			}
		}
		return err
	}
	ts.sub = sub
	close(ts.ready)
	t.mu.Unlock()
	return nil
}

// Leave removes id from topic. It reports whether the driver subscription was released.
// The driver unsubscribe runs without holding the Topics lock.
func (t *Topics) Leave(topic, id string) (bool, error) {
	t.mu.Lock()
	ts, ok := t.topics[topic]
	if !ok {
		t.mu.Unlock()
		return false, nil
	}
	if _, exists := ts.handlers[id]; !exists {
		t.mu.Unlock()
		slog.Warn("Did not find subscriber in topic to leave", "topic", topic, "id", id)
		return false, nil
	}
	delete(ts.handlers, id)
	if len(ts.handlers) > 0 {
		t.mu.Unlock()
		return false, nil
	}
	delete(t.topics, topic)
	t.mu.Unlock()

	// Only the joiner that created a pending entry can empty it, and it does
	// so after its own Join returned, so sub is set here.
	if ts.sub == nil {
		return true, nil
	}
	return true, ts.sub.Unsubscribe()
}

func (t *Topics) Publish(ctx context.Context, topic string, env proto.Envelope) error {
	return t.bus.Publish(ctx, topic, env)
}

// Refs returns the number of local subscribers on topic.
func (t *Topics) Refs(topic string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if ts, ok := t.topics[topic]; ok {
		return len(ts.handlers)
	}
	return 0
}

// Close releases every driver subscription. It does not close the bus.
func (t *Topics) Close() {
	t.mu.Lock()
	topics := t.topics
	t.topics = make(map[string]*topicSubs)
	t.mu.Unlock()

	for name, ts := range topics {
		select {
		case <-ts.ready:
		default:
			continue // the pending Join releases its own subscription
		}
		if ts.sub == nil {
			continue
		}
		if err := ts.sub.Unsubscribe(); err != nil {
			slog.Warn("Failed to unsubscribe topic on close", "topic", name, "error", err)
		}
	}
}

func (t *Topics) dispatcher(topic string) Handler {
	return func(env proto.Envelope) {
		t.mu.RLock()
		ts, ok := t.topics[topic]
		if !ok {
			t.mu.RUnlock()
			return
		}
		handlers := make([]Handler, 0, len(ts.handlers))
		for _, h := range ts.handlers {
			handlers = append(handlers, h)
		}
		t.mu.RUnlock()

		for _, h := range handlers {
			h(env)
		}
	}
}
