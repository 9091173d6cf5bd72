// Package registry is the authoritative, concurrency-safe table of
// registered relay sessions.
//
// Every exported method holds the registry lock for its whole duration and
// never performs I/O while holding it. Callers that need to write to
// connections take a snapshot first and send after the call returns.
package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultMaxNameLength bounds display names, in runes.
const DefaultMaxNameLength = 50

var (
	ErrDuplicateName  = errors.New("registry: name already registered")
	ErrFull           = errors.New("registry: capacity exhausted")
	ErrNotFound       = errors.New("registry: session not found")
	ErrAlreadySet     = errors.New("registry: status already set")
	ErrInvalidName    = errors.New("registry: invalid name")
	ErrConnRegistered = errors.New("registry: connection already registered")
)

// Registry tracks alive sessions, indexed by ID, name and connection.
type Registry struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	byName   map[string]uuid.UUID
	byConn   map[Conn]uuid.UUID
	seq      uint64

	capacity      int
	maxNameLength int
	now           func() time.Time
	log           *zap.Logger
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(log *zap.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// WithMaxNameLength bounds registered names. Values <= 0 keep the default.
func WithMaxNameLength(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxNameLength = n
		}
	}
}

// New creates a registry holding at most capacity sessions.
func New(capacity int, opts ...Option) *Registry {
	if capacity <= 0 {
		capacity = 1
	}
	r := &Registry{
		sessions:      make(map[uuid.UUID]*Session, capacity),
		byName:        make(map[string]uuid.UUID, capacity),
		byConn:        make(map[Conn]uuid.UUID, capacity),
		capacity:      capacity,
		maxNameLength: DefaultMaxNameLength,
		now:           time.Now,
		log:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Capacity returns the hard session bound.
func (r *Registry) Capacity() int {
	return r.capacity
}

// Len returns the number of alive sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Register allocates a session for name on conn. The uniqueness check and the
// allocation happen under one lock acquisition.
func (r *Registry) Register(name string, conn Conn) (Session, error) {
	if strings.TrimSpace(name) == "" || utf8.RuneCountInString(name) > r.maxNameLength {
		return Session{}, ErrInvalidName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byName[name]; taken {
		return Session{}, ErrDuplicateName
	}
	if conn != nil {
		if _, taken := r.byConn[conn]; taken {
			return Session{}, ErrConnRegistered
		}
	}
	if len(r.sessions) >= r.capacity {
		return Session{}, ErrFull
	}

	r.seq++
	s := &Session{
		ID:           uuid.New(),
		Name:         name,
		Status:       StatusActive,
		LastActivity: r.now(),
		Conn:         conn,
		seq:          r.seq,
	}
	r.sessions[s.ID] = s
	r.byName[name] = s.ID
	if conn != nil {
		r.byConn[conn] = s.ID
	}

	r.log.Info("session registered",
		zap.String("session_id", s.ID.String()),
		zap.String("name", name),
		zap.Int("active", len(r.sessions)),
	)
	return *s, nil
}

// Deregister frees the session's slot. It is idempotent and reports whether
// an alive session was removed.
func (r *Registry) Deregister(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	r.removeLocked(s)
	r.log.Info("session deregistered",
		zap.String("session_id", id.String()),
		zap.String("name", s.Name),
		zap.Int("active", len(r.sessions)),
	)
	return true
}

func (r *Registry) removeLocked(s *Session) {
	delete(r.sessions, s.ID)
	delete(r.byName, s.Name)
	if s.Conn != nil {
		delete(r.byConn, s.Conn)
	}
}

// FindByName returns the ID of the alive session named name.
func (r *Registry) FindByName(name string) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byName[name]
	if !ok {
		return uuid.Nil, ErrNotFound
	}
	return id, nil
}

// FindByConnection returns the ID of the alive session owning conn.
func (r *Registry) FindByConnection(conn Conn) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byConn[conn]
	if !ok {
		return uuid.Nil, ErrNotFound
	}
	return id, nil
}

// Lookup returns a copy of the session with the given ID.
func (r *Registry) Lookup(id uuid.UUID) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return *s, nil
}

// Describe returns a copy of the session named name.
func (r *Registry) Describe(name string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byName[name]
	if !ok {
		return Session{}, ErrNotFound
	}
	return *r.sessions[id], nil
}

// SetStatus changes a session's presence state. Setting the current state
// again fails with ErrAlreadySet and leaves the session untouched.
func (r *Registry) SetStatus(id uuid.UUID, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.Status == status {
		return ErrAlreadySet
	}
	s.Status = status
	s.demotedFrom = ""
	r.log.Info("session status changed",
		zap.String("session_id", id.String()),
		zap.String("name", s.Name),
		zap.String("status", string(status)),
	)
	return nil
}

// Touch records inbound activity. A session demoted to IDLE by the
// inactivity monitor gets its previous status back.
func (r *Registry) Touch(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if now := r.now(); now.After(s.LastActivity) {
		s.LastActivity = now
	}
	if s.demotedFrom != "" {
		s.Status = s.demotedFrom
		s.demotedFrom = ""
	}
	return nil
}

// DemoteIfIdle sets the session to IDLE when its last activity is before
// cutoff. The activity check and the change are one atomic step, so a
// concurrent Touch either lands first and wins or lands after and restores.
func (r *Registry) DemoteIfIdle(id uuid.UUID, cutoff time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || !s.LastActivity.Before(cutoff) || s.Status == StatusIdle {
		return false
	}
	s.demotedFrom = s.Status
	s.Status = StatusIdle
	return true
}

// EvictIfIdle removes the session when its last activity is before cutoff
// and returns the removed entry so the caller can close its connection.
func (r *Registry) EvictIfIdle(id uuid.UUID, cutoff time.Time) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || !s.LastActivity.Before(cutoff) {
		return Session{}, false
	}
	r.removeLocked(s)
	return *s, true
}

// Sessions returns copies of all alive sessions in registration order.
func (r *Registry) Sessions() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orderedLocked()
}

// SnapshotActiveNames returns the alive names in registration order.
func (r *Registry) SnapshotActiveNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ordered := r.orderedLocked()
	names := make([]string, 0, len(ordered))
	for _, s := range ordered {
		names = append(names, s.Name)
	}
	return names
}

// SnapshotActiveConnections returns the alive connections in registration
// order.
func (r *Registry) SnapshotActiveConnections() []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	ordered := r.orderedLocked()
	conns := make([]Conn, 0, len(ordered))
	for _, s := range ordered {
		if s.Conn != nil {
			conns = append(conns, s.Conn)
		}
	}
	return conns
}

func (r *Registry) orderedLocked() []Session {
	result := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, *s)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].seq < result[j].seq
	})
	return result
}
