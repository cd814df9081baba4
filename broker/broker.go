package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mbocsi/devrelay/proto"
)

// MemoryBus is an in-process Bus. Several Topics multiplexers sharing one MemoryBus
// behave like several server processes sharing a real broker.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{} // Map topic to hashset of subscriptions
	buffer int
	closed bool
}

type memorySub struct {
	bus   *MemoryBus
	topic string
	ch    chan proto.Envelope
	once  sync.Once
	done  chan struct{}
}

func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = 256
	}
	return &MemoryBus{
		subs:   make(map[string]map[*memorySub]struct{}),
		buffer: buffer,
	}
}

func (b *MemoryBus) Subscribe(_ context.Context, topic string, h Handler) (Subscription, error) {
	slog.Debug("Subscribing", "topic", topic, "driver", "memory")
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("%w: memory bus closed", ErrBusUnavailable)
	}
	sub := &memorySub{
		bus:   b,
		topic: topic,
		ch:    make(chan proto.Envelope, b.buffer),
		done:  make(chan struct{}),
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*memorySub]struct{})
	}
	b.subs[topic][sub] = struct{}{}

	go sub.loop(h)
	return sub, nil
}

func (b *MemoryBus) Publish(_ context.Context, topic string, env proto.Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("%w: memory bus closed", ErrBusUnavailable)
	}
	for sub := range b.subs[topic] {
		select {
		case sub.ch <- env:
		default:
			slog.Warn("Dropped envelope (subscriber buffer full)", "topic", topic, "type", env.MessageType)
		}
	}
	return nil
}

// Subscribers returns the number of live driver subscriptions on topic.
func (b *MemoryBus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]map[*memorySub]struct{})
	b.closed = true
	b.mu.Unlock()

	for _, set := range subs {
		for sub := range set {
			sub.stop()
		}
	}
	return nil
}

func (s *memorySub) loop(h Handler) {
	for {
		select {
		case env := <-s.ch:
			h(env)
		case <-s.done:
			return
		}
	}
}

func (s *memorySub) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *memorySub) Unsubscribe() error {
	slog.Debug("Unsubscribing", "topic", s.topic, "driver", "memory")
	s.bus.mu.Lock()
	if set, ok := s.bus.subs[s.topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.bus.subs, s.topic)
		}
	}
	s.bus.mu.Unlock()
	s.stop()
	return nil
}
