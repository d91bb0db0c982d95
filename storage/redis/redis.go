// Package redis provides a storage.Store backed by Redis, for gateways that
// run several replicas behind one load balancer.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-gateway/storage"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is prepended to every key when Config.KeyPrefix is empty.
const DefaultKeyPrefix = "mcpme:"

// Config contains configuration options for the Redis store.
type Config struct {
	// Client is the Redis client instance. Required.
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys. Default: DefaultKeyPrefix.
	KeyPrefix string
}

// Store implements storage.Store using Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

var _ storage.Store = (*Store)(nil)

// storedItem is the value written under each key. Expiry lives only in the
// key's Redis TTL so that Touch can extend it with PEXPIRE.
type storedItem struct {
	Data      []byte    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// New creates a Redis-backed store.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis: client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	return &Store{client: cfg.Client, keyPrefix: cfg.KeyPrefix}, nil
}

// Dial connects to addr, verifies the server answers PING and returns a
// store whose keys start with keyPrefix (DefaultKeyPrefix when empty).
func Dial(ctx context.Context, addr string, db int, keyPrefix string) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return New(Config{Client: client, KeyPrefix: keyPrefix})
}

// Client returns the underlying Redis client so other components can share
// the connection pool.
func (s *Store) Client() *redis.Client { return s.client }

func (s *Store) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	o, err := storage.Resolve(opts...)
	if err != nil {
		return nil, err
	}
	rk := s.buildKey(o.Namespace, key)

	var get *redis.StringCmd
	var pttl *redis.DurationCmd
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		get = p.Get(ctx, rk)
		pttl = p.PTTL(ctx, rk)
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get %s: %w", rk, err)
	}
	raw, err := get.Bytes()
	if err != nil {
		return nil, fmt.Errorf("redis: get %s: %w", rk, err)
	}

	var si storedItem
	if err := json.Unmarshal(raw, &si); err != nil {
		return nil, fmt.Errorf("redis: decode %s: %w", rk, err)
	}
	item := &storage.Item{Data: si.Data, CreatedAt: si.CreatedAt}
	// PTTL is negative for keys without expiry.
	if d := pttl.Val(); d > 0 {
		exp := time.Now().Add(d)
		item.ExpiresAt = &exp
	}
	return item, nil
}

func (s *Store) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	o, err := storage.Resolve(opts...)
	if err != nil {
		return err
	}
	rk := s.buildKey(o.Namespace, key)

	si := storedItem{Data: data, CreatedAt: time.Now()}
	var ttl time.Duration
	if o.TTL != nil {
		ttl = *o.TTL
	}
	b, err := json.Marshal(si)
	if err != nil {
		return fmt.Errorf("redis: encode %s: %w", rk, err)
	}
	if err := s.client.Set(ctx, rk, b, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", rk, err)
	}
	return nil
}

func (s *Store) Touch(ctx context.Context, key string, ttl time.Duration, opts ...storage.Option) (bool, error) {
	if ttl <= 0 {
		return false, storage.ErrInvalidOptions
	}
	o, err := storage.Resolve(opts...)
	if err != nil {
		return false, err
	}
	rk := s.buildKey(o.Namespace, key)
	ok, err := s.client.PExpire(ctx, rk, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: expire %s: %w", rk, err)
	}
	return ok, nil
}

func (s *Store) Delete(ctx context.Context, opts ...storage.Option) error {
	o, err := storage.Resolve(opts...)
	if err != nil {
		return err
	}
	if o.Key != nil {
		rk := s.buildKey(o.Namespace, *o.Key)
		if err := s.client.Del(ctx, rk).Err(); err != nil {
			return fmt.Errorf("redis: delete %s: %w", rk, err)
		}
		return nil
	}

	pattern := s.buildKey(o.Namespace, "*")
	keys, err := s.scanKeys(ctx, pattern)
	if err != nil {
		return fmt.Errorf("redis: scan %s: %w", pattern, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis: delete namespace %q: %w", o.Namespace, err)
	}
	return nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) buildKey(ns, key string) string {
	if ns == "" {
		return s.keyPrefix + "global:" + key
	}
	return s.keyPrefix + "ns:" + ns + ":" + key
}

func (s *Store) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}
