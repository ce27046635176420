package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acolita/micro-repl/internal/transport"
)

// Manager keeps the sessions opened by the MCP server, keyed by ID.
type Manager struct {
	sessions    map[string]*Session
	mu          sync.RWMutex
	maxSessions int
	store       *Store
	now         func() time.Time
	recorder    func(id, device string) Recorder
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithStore records open sessions in s, so a restarted process can report
// the ones a previous run left open. See Remembered.
func WithStore(s *Store) ManagerOption {
	return func(m *Manager) { m.store = s }
}

// WithNow sets the time source used for metadata.
func WithNow(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithRecorder attaches a recorder to each new session. The function may
// return nil to leave a session unrecorded.
func WithRecorder(fn func(id, device string) Recorder) ManagerOption {
	return func(m *Manager) { m.recorder = fn }
}

// NewManager creates a manager allowing at most maxSessions open sessions.
func NewManager(maxSessions int, opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions:    make(map[string]*Session),
		maxSessions: maxSessions,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create connects a new session over t.
func (m *Manager) Create(ctx context.Context, t transport.Transport, opts Options) (*Session, error) {
	name := transport.Describe(t)

	m.mu.Lock()
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("max sessions reached (%d)", m.maxSessions)
	}
	for _, s := range m.sessions {
		if s.Describe() == name && s.State() != StateDisconnected {
			m.mu.Unlock()
			return nil, fmt.Errorf("%s: %w as %s", name, ErrAlreadyConnected, s.ID)
		}
	}
	id := generateSessionID()
	if m.recorder != nil {
		if r := m.recorder(id, name); r != nil {
			opts.Recorder = r
		}
	}
	sess := New(t, opts)
	sess.ID = id
	sess.log = sess.log.With("session_id", id)
	m.sessions[id] = sess
	m.mu.Unlock()

	if err := sess.Connect(ctx); err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return nil, fmt.Errorf("connect session: %w", err)
	}

	if m.store != nil {
		for _, old := range m.Remembered() {
			if old.Device == name {
				m.store.Delete(old.ID)
			}
		}
		m.store.Save(Metadata{
			ID:          id,
			Name:        opts.Name,
			Device:      name,
			Identity:    sess.Identity(),
			ConnectedAt: m.now(),
		})
	}
	return sess, nil
}

// Remembered returns stored sessions that this manager does not hold,
// oldest first. They were left open by an earlier process. A new session
// on the same transport replaces them.
func (m *Manager) Remembered() []Metadata {
	if m.store == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Metadata
	for _, meta := range m.store.List() {
		if _, live := m.sessions[meta.ID]; !live {
			out = append(out, meta)
		}
	}
	return out
}

// Get retrieves a session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	return sess, nil
}

// Close closes and removes a session.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session not found: %s", id)
	}
	m.mu.Unlock()

	if err := sess.Close(); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	if m.store != nil {
		m.store.Delete(id)
	}
	return nil
}

// CloseAll closes every session, returning the first error.
func (m *Manager) CloseAll() error {
	var first error
	for _, id := range m.List() {
		if err := m.Close(id); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// List returns session IDs in sorted order.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SessionCount returns the number of sessions, connected or not.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// add registers an already built session. Used by tests.
func (m *Manager) add(sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = sess
}

func generateSessionID() string {
	return "dev_" + uuid.NewString()
}
