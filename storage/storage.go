// Package storage provides the namespaced key/value interface the gateway uses
// for short-lived state: cached upstream lookups and transport session records.
package storage

import (
	"context"
	"errors"
	"time"
)

// Store defines the key/value interface shared by the storage backends.
type Store interface {
	// Get retrieves data for a key within the selected namespace.
	// Returns a nil Item if the key doesn't exist or has expired.
	// Returns an error only for storage system failures.
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)

	// Set stores data for a key within the selected namespace.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Touch resets the time-to-live of an existing key without rewriting its
	// data. It reports false when the key is missing or expired.
	Touch(ctx context.Context, key string, ttl time.Duration, opts ...Option) (bool, error)

	// Delete removes a key (WithKey) or, without one, the whole namespace.
	Delete(ctx context.Context, opts ...Option) error

	// Close releases backend resources.
	Close() error
}

// Item is a stored value with its metadata.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time // nil = no expiration
}

// IsExpired reports whether the item has expired.
func (it *Item) IsExpired() bool {
	return it.ExpiresAt != nil && time.Now().After(*it.ExpiresAt)
}

// Option configures a storage operation.
type Option func(*Options)

// Options is the resolved set of per-operation options.
type Options struct {
	Namespace string         // "" = global
	Key       *string        // Delete only
	TTL       *time.Duration // Set only
}

// Resolve applies opts and rejects invalid combinations.
func Resolve(opts ...Option) (*Options, error) {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.TTL != nil && *o.TTL <= 0 {
		return nil, ErrInvalidOptions
	}
	return o, nil
}

// Namespaces used by the gateway.
const (
	NamespaceWeatherPoints = "weather.points"
	NamespaceSessions      = "sessions"
)

// WithNamespace scopes the operation to ns.
func WithNamespace(ns string) Option {
	return func(o *Options) { o.Namespace = ns }
}

// WithKey selects a single key for Delete. Without it Delete removes the
// entire namespace.
func WithKey(key string) Option {
	return func(o *Options) { o.Key = &key }
}

// WithTTL sets a time-to-live for the stored data. The TTL must be positive.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = &ttl }
}

// ErrInvalidOptions is returned when incompatible options are provided.
var ErrInvalidOptions = errors.New("storage: invalid option combination")
