// Package memory provides an in-process storage.Store backed by a bounded
// github.com/hashicorp/golang-lru/v2 cache with per-item expiry.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/mcp-gateway/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

const sweepInterval = time.Minute

// Store implements storage.Store in memory.
type Store struct {
	cache *lru.Cache[string, *storage.Item]

	// mu orders writers so Touch never restores data replaced by a Set.
	// Items are immutable once cached; readers need no lock.
	mu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

var _ storage.Store = (*Store)(nil)

// New creates an in-memory store holding at most maxItems entries. The least
// recently used entry is evicted when the bound is reached.
func New(maxItems int) (*Store, error) {
	cache, err := lru.New[string, *storage.Item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("memory: create lru cache: %w", err)
	}
	s := &Store{cache: cache, done: make(chan struct{})}
	go s.sweep()
	return s, nil
}

func (s *Store) Get(_ context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	o, err := storage.Resolve(opts...)
	if err != nil {
		return nil, err
	}
	k := buildKey(o.Namespace, key)
	item, ok := s.cache.Get(k)
	if !ok {
		return nil, nil
	}
	if item.IsExpired() {
		s.mu.Lock()
		if cur, ok := s.cache.Peek(k); ok && cur == item {
			s.cache.Remove(k)
		}
		s.mu.Unlock()
		return nil, nil
	}
	return item, nil
}

func (s *Store) Set(_ context.Context, key string, data []byte, opts ...storage.Option) error {
	o, err := storage.Resolve(opts...)
	if err != nil {
		return err
	}
	now := time.Now()
	item := &storage.Item{Data: append([]byte(nil), data...), CreatedAt: now}
	if o.TTL != nil {
		exp := now.Add(*o.TTL)
		item.ExpiresAt = &exp
	}
	s.mu.Lock()
	s.cache.Add(buildKey(o.Namespace, key), item)
	s.mu.Unlock()
	return nil
}

func (s *Store) Touch(_ context.Context, key string, ttl time.Duration, opts ...storage.Option) (bool, error) {
	if ttl <= 0 {
		return false, storage.ErrInvalidOptions
	}
	o, err := storage.Resolve(opts...)
	if err != nil {
		return false, err
	}
	k := buildKey(o.Namespace, key)

	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.cache.Peek(k)
	if !ok {
		return false, nil
	}
	if item.IsExpired() {
		s.cache.Remove(k)
		return false, nil
	}
	exp := time.Now().Add(ttl)
	s.cache.Add(k, &storage.Item{Data: item.Data, CreatedAt: item.CreatedAt, ExpiresAt: &exp})
	return true, nil
}

func (s *Store) Delete(_ context.Context, opts ...storage.Option) error {
	o, err := storage.Resolve(opts...)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.Key != nil {
		s.cache.Remove(buildKey(o.Namespace, *o.Key))
		return nil
	}
	prefix := namespacePrefix(o.Namespace)
	for _, k := range s.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.cache.Remove(k)
		}
	}
	return nil
}

// Close stops the expiry sweeper and drops all entries.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cache.Purge()
	})
	return nil
}

func (s *Store) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			for _, k := range s.cache.Keys() {
				if item, ok := s.cache.Peek(k); ok && item.IsExpired() {
					s.cache.Remove(k)
				}
			}
		}
	}
}

func namespacePrefix(ns string) string {
	if ns == "" {
		return "global\x00"
	}
	return "ns:" + ns + "\x00"
}

func buildKey(ns, key string) string {
	return namespacePrefix(ns) + key
}
