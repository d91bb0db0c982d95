// Package memory provides an in-process broker.Broker for single-replica
// deployments and tests.
package memory

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/mcp-gateway/broker"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Broker implements broker.Broker with channels. Publish never blocks: a
// subscriber whose queue is full misses the message.
type Broker struct {
	mu           sync.Mutex
	topics       map[string]map[*subscription]struct{}
	closed       bool
	eventCounter atomic.Int64
	buffer       int
}

type subscription struct {
	b      *Broker
	topic  string
	ch     chan broker.MessageEnvelope
	once   sync.Once
	closed chan struct{}
}

var (
	_ broker.Broker        = (*Broker)(nil)
	_ broker.MessageStream = (*subscription)(nil)
)

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		topics: make(map[string]map[*subscription]struct{}),
		buffer: DefaultBuffer,
	}
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, topic string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", broker.ErrClosed
	}

	env := broker.MessageEnvelope{
		ID:   strconv.FormatInt(b.eventCounter.Add(1), 10),
		Data: append([]byte(nil), data...),
	}
	for sub := range b.topics[topic] {
		select {
		case sub.ch <- env:
		default:
		}
	}
	return env.ID, nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, topic string) (broker.MessageStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, broker.ErrClosed
	}

	sub := &subscription{
		b:      b,
		topic:  topic,
		ch:     make(chan broker.MessageEnvelope, b.buffer),
		closed: make(chan struct{}),
	}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*subscription]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	return sub, nil
}

// Close ends every subscription.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*subscription
	for _, set := range b.topics {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

func (s *subscription) Next(ctx context.Context) (broker.MessageEnvelope, error) {
	// Drain queued messages before reporting closure.
	select {
	case env := <-s.ch:
		return env, nil
	default:
	}

	select {
	case env := <-s.ch:
		return env, nil
	case <-s.closed:
		return broker.MessageEnvelope{}, broker.ErrClosed
	case <-ctx.Done():
		return broker.MessageEnvelope{}, ctx.Err()
	}
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.b.mu.Lock()
		if set, ok := s.b.topics[s.topic]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.b.topics, s.topic)
			}
		}
		s.b.mu.Unlock()
		close(s.closed)
	})
	return nil
}
