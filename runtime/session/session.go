// Package session tracks the lifecycle of a streaming session: the
// caller-visible handle a dispatch.Emitter is registered under, separate
// from the execution ids a flow run allocates underneath it.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewID returns a fresh opaque session id. Callers that already have an
// externally assigned id (a connection token, a client-chosen name) pass
// that instead; this is the default for anonymous streams.
func NewID() string { return "sess_" + uuid.NewString() }

// Status is a session's lifecycle state.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Session is the persisted record for one session.
type Session struct {
	ID        string
	Status    Status
	CreatedAt time.Time
	EndedAt   *time.Time
}

// ErrNotFound is returned by Store.Load for an unknown session id.
var ErrNotFound = errors.New("session: not found")

// Store persists sessions for lookup and lifecycle transitions. The
// in-memory implementation below is what cmd/flowengine wires by
// default; a durable implementation is a straightforward Store adapter.
type Store interface {
	Create(ctx context.Context, id string, createdAt time.Time) (Session, error)
	Load(ctx context.Context, id string) (Session, error)
	End(ctx context.Context, id string, endedAt time.Time) (Session, error)
}

// MemStore is an in-memory Store, safe for concurrent use.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[string]Session)}
}

// Create inserts a new active session. Calling Create again for an id
// that already exists is idempotent and returns the existing record.
// (dispatch.Dispatcher.Register, by contrast, rejects a repeated session
// id with ErrSessionExists.)
func (s *MemStore) Create(_ context.Context, id string, createdAt time.Time) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[id]; ok {
		return existing, nil
	}
	sess := Session{ID: id, Status: StatusActive, CreatedAt: createdAt}
	s.sessions[id] = sess
	return sess, nil
}

// Load returns the session record for id.
func (s *MemStore) Load(_ context.Context, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

// End transitions id to StatusEnded. Idempotent: ending an already-ended
// session returns the existing record unchanged.
func (s *MemStore) End(_ context.Context, id string, endedAt time.Time) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	if sess.Status == StatusEnded {
		return sess, nil
	}
	sess.Status = StatusEnded
	end := endedAt
	sess.EndedAt = &end
	s.sessions[id] = sess
	return sess, nil
}
