// Package redis implements broker.Broker with Redis Streams so that every
// gateway replica sharing a Redis server sees the same messages.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/mcp-gateway/broker"
)

const (
	// DefaultKeyPrefix is prepended to stream keys when Config.KeyPrefix is empty.
	DefaultKeyPrefix = "mcpme:broker:"

	// DefaultMaxLen approximately caps each stream.
	DefaultMaxLen = 1000

	readBlock = time.Second
)

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. Required.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all Redis keys used by the broker.
	KeyPrefix string
	// MaxLen approximately caps each topic's stream. Default: DefaultMaxLen.
	MaxLen int64
}

// Broker is a Redis Streams-based broker.Broker.
type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
	maxLen    int64
	closed    atomic.Bool
}

var _ broker.Broker = (*Broker)(nil)

// New creates a Redis-backed broker. The caller keeps ownership of the
// client; Close does not close it.
func New(cfg Config) (*Broker, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis broker: client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = DefaultMaxLen
	}
	return &Broker{client: cfg.Client, keyPrefix: cfg.KeyPrefix, maxLen: cfg.MaxLen}, nil
}

// Close stops new publishes and subscriptions.
func (b *Broker) Close() error {
	b.closed.Store(true)
	return nil
}

// Publish appends data to the topic's stream; Redis assigns the event ID.
func (b *Broker) Publish(ctx context.Context, topic string, data []byte) (string, error) {
	if b.closed.Load() {
		return "", broker.ErrClosed
	}
	streamKey := b.streamKey(topic)
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"data": data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish message to stream %s: %w", streamKey, err)
	}
	return id, nil
}

// Subscribe returns a stream positioned after the topic's newest entry.
func (b *Broker) Subscribe(ctx context.Context, topic string) (broker.MessageStream, error) {
	if b.closed.Load() {
		return nil, broker.ErrClosed
	}
	streamKey := b.streamKey(topic)

	// Resolve "$" now so messages published before the first Next are kept.
	startID := "0-0"
	last, err := b.client.XRevRangeN(ctx, streamKey, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read stream %s: %w", streamKey, err)
	}
	if len(last) > 0 {
		startID = last[0].ID
	}
	return &stream{b: b, key: streamKey, lastID: startID}, nil
}

func (b *Broker) streamKey(topic string) string {
	return b.keyPrefix + "stream:" + topic
}

type stream struct {
	b       *Broker
	key     string
	lastID  string
	pending []broker.MessageEnvelope
	closed  atomic.Bool
}

func (s *stream) Next(ctx context.Context) (broker.MessageEnvelope, error) {
	for {
		if len(s.pending) > 0 {
			env := s.pending[0]
			s.pending = s.pending[1:]
			return env, nil
		}
		if s.closed.Load() || s.b.closed.Load() {
			return broker.MessageEnvelope{}, broker.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return broker.MessageEnvelope{}, err
		}

		// Read without a consumer group so every replica sees every message.
		streams, err := s.b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.key, s.lastID},
			Count:   16,
			Block:   readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return broker.MessageEnvelope{}, ctx.Err()
			}
			return broker.MessageEnvelope{}, fmt.Errorf("failed to read from stream %s: %w", s.key, err)
		}

		for _, st := range streams {
			for _, msg := range st.Messages {
				s.lastID = msg.ID
				data, ok := msg.Values["data"].(string)
				if !ok {
					continue
				}
				s.pending = append(s.pending, broker.MessageEnvelope{ID: msg.ID, Data: []byte(data)})
			}
		}
	}
}

func (s *stream) Close() error {
	s.closed.Store(true)
	return nil
}
