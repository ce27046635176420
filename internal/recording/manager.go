package recording

import (
	"sync"

	"github.com/acolita/micro-repl/internal/ports"
)

// Manager keeps one recorder per session.
type Manager struct {
	mu        sync.RWMutex
	recorders map[string]*Recorder
	basePath  string
	enabled   bool
	fs        ports.FileSystem
	clock     ports.Clock
}

// NewManager creates a manager writing recordings under basePath.
func NewManager(basePath string, enabled bool, fs ports.FileSystem, clock ports.Clock) *Manager {
	return &Manager{
		recorders: make(map[string]*Recorder),
		basePath:  basePath,
		enabled:   enabled,
		fs:        fs,
		clock:     clock,
	}
}

// Start begins recording a session. It returns nil, nil when recording is
// disabled. A previous recording for the same ID is closed.
func (m *Manager) Start(sessionID, title string) (*Recorder, error) {
	if !m.Enabled() {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.recorders[sessionID]; ok {
		existing.Close()
	}
	r, err := Create(m.fs, m.basePath, sessionID, title, m.clock)
	if err != nil {
		return nil, err
	}
	m.recorders[sessionID] = r
	return r, nil
}

// Stop closes and forgets the recording for a session.
func (m *Manager) Stop(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.recorders[sessionID]; ok {
		delete(m.recorders, sessionID)
		return r.Close()
	}
	return nil
}

// Path returns the recording file of a session, or "".
func (m *Manager) Path(sessionID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if r, ok := m.recorders[sessionID]; ok {
		return r.Path()
	}
	return ""
}

// CloseAll closes all recorders.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, r := range m.recorders {
		r.Close()
		delete(m.recorders, id)
	}
}

// Enabled reports whether new sessions are recorded.
func (m *Manager) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// SetEnabled turns recording of new sessions on or off. Running
// recordings are not affected.
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
}
