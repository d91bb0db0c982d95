// Package sessions persists MCP transport sessions in a storage.Store.
//
// A session is created by the initialize handshake in the pending state and
// opened by notifications/initialized. Records are bound to the user that
// created them and expire after a sliding TTL measured from the last access.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/mcp-gateway/storage"
)

// State is the handshake state of a session.
type State string

const (
	StatePending State = "pending"
	StateOpen    State = "open"
)

const (
	// DefaultTTL is the idle time after which a session expires.
	DefaultTTL = time.Hour
	// DefaultHandshakeTTL bounds how long a session may stay pending.
	DefaultHandshakeTTL = 30 * time.Second
)

var (
	// ErrNotFound is returned for unknown, expired or foreign sessions.
	ErrNotFound = errors.New("sessions: session not found")
	// ErrInvalidUserID is returned when creating a session without a user.
	ErrInvalidUserID = errors.New("sessions: invalid user id")
)

// ClientInfo identifies the client that created the session.
type ClientInfo struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// Session is the persisted session record.
type Session struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	ProtocolVersion string     `json:"protocol_version"`
	Client          ClientInfo `json:"client,omitzero"`
	State           State      `json:"state"`
	CreatedAt       time.Time  `json:"created_at"`
	LastAccess      time.Time  `json:"last_access"`
}

// Manager creates, loads and deletes sessions.
type Manager struct {
	store        storage.Store
	ttl          time.Duration
	handshakeTTL time.Duration
	log          *slog.Logger
	now          func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets the sliding idle TTL of open sessions.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithHandshakeTTL sets how long a pending session survives without
// notifications/initialized.
func WithHandshakeTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.handshakeTTL = d
		}
	}
}

// WithLogger sets the manager's logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// NewManager returns a Manager storing records in store.
func NewManager(store storage.Store, opts ...Option) *Manager {
	m := &Manager{
		store:        store,
		ttl:          DefaultTTL,
		handshakeTTL: DefaultHandshakeTTL,
		log:          slog.Default(),
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create stores a new pending session for userID.
func (m *Manager) Create(ctx context.Context, userID, protocolVersion string, client ClientInfo) (*Session, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	now := m.now()
	s := &Session{
		ID:              uuid.NewString(),
		UserID:          userID,
		ProtocolVersion: protocolVersion,
		Client:          client,
		State:           StatePending,
		CreatedAt:       now,
		LastAccess:      now,
	}
	if err := m.put(ctx, s); err != nil {
		return nil, err
	}
	m.log.InfoContext(ctx, "sessions.create.ok", slog.String("session_id", s.ID), slog.String("user_id", userID))
	return s, nil
}

// Load returns the session id owned by userID and extends the TTL of an
// open session. The record itself is never rewritten, so a Load racing
// Open cannot restore the pending state. Pending sessions keep their
// handshake deadline. Sessions owned by another user are reported as
// ErrNotFound.
func (m *Manager) Load(ctx context.Context, id, userID string) (*Session, error) {
	s, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.UserID != userID {
		m.log.WarnContext(ctx, "sessions.load.user_mismatch", slog.String("session_id", id))
		return nil, ErrNotFound
	}
	if s.State == StateOpen {
		ok, err := m.store.Touch(ctx, id, m.ttl, storage.WithNamespace(storage.NamespaceSessions))
		if err != nil {
			return nil, fmt.Errorf("sessions: touch %s: %w", id, err)
		}
		if !ok {
			return nil, ErrNotFound
		}
	}
	s.LastAccess = m.now()
	return s, nil
}

// Open moves a pending session to the open state. Opening an open session
// is a no-op.
func (m *Manager) Open(ctx context.Context, id, userID string) (*Session, error) {
	s, err := m.Load(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if s.State == StateOpen {
		return s, nil
	}
	s.State = StateOpen
	if err := m.put(ctx, s); err != nil {
		return nil, err
	}
	m.log.InfoContext(ctx, "sessions.open.ok", slog.String("session_id", id))
	return s, nil
}

// Delete removes the session id owned by userID.
func (m *Manager) Delete(ctx context.Context, id, userID string) error {
	s, err := m.get(ctx, id)
	if err != nil {
		return err
	}
	if s.UserID != userID {
		return ErrNotFound
	}
	if err := m.store.Delete(ctx, storage.WithNamespace(storage.NamespaceSessions), storage.WithKey(id)); err != nil {
		return fmt.Errorf("sessions: delete %s: %w", id, err)
	}
	m.log.InfoContext(ctx, "sessions.delete.ok", slog.String("session_id", id))
	return nil
}

func (m *Manager) get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	item, err := m.store.Get(ctx, id, storage.WithNamespace(storage.NamespaceSessions))
	if err != nil {
		return nil, fmt.Errorf("sessions: load %s: %w", id, err)
	}
	if item == nil {
		return nil, ErrNotFound
	}
	var s Session
	if err := json.Unmarshal(item.Data, &s); err != nil {
		return nil, fmt.Errorf("sessions: decode %s: %w", id, err)
	}
	return &s, nil
}

func (m *Manager) put(ctx context.Context, s *Session) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("sessions: encode %s: %w", s.ID, err)
	}
	ttl := m.ttl
	if s.State == StatePending {
		ttl = m.handshakeTTL
	}
	if err := m.store.Set(ctx, s.ID, b, storage.WithNamespace(storage.NamespaceSessions), storage.WithTTL(ttl)); err != nil {
		return fmt.Errorf("sessions: store %s: %w", s.ID, err)
	}
	return nil
}
