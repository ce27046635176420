package session

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/acolita/micro-repl/internal/adapters/realfs"
	"github.com/acolita/micro-repl/internal/ports"
)

// Metadata is what is remembered about an open device session. Entries
// outlive the process when it exits without closing its sessions.
type Metadata struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	Device      string    `json:"device"`
	Identity    string    `json:"identity,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Store persists session metadata as JSON.
type Store struct {
	path     string
	sessions map[string]Metadata
	mu       sync.RWMutex
	fs       ports.FileSystem
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithFileSystem sets the filesystem used by Store.
func WithFileSystem(fs ports.FileSystem) StoreOption {
	return func(s *Store) {
		s.fs = fs
	}
}

// WithStorePath sets a custom storage path.
func WithStorePath(path string) StoreOption {
	return func(s *Store) {
		s.path = path
	}
}

// NewStore creates a store at the default path and loads it.
func NewStore(opts ...StoreOption) *Store {
	store := &Store{
		sessions: make(map[string]Metadata),
		fs:       realfs.New(),
	}
	for _, opt := range opts {
		opt(store)
	}
	if store.path == "" {
		store.path = store.defaultPath()
	}
	store.load()
	return store
}

func (s *Store) defaultPath() string {
	home, err := s.fs.UserHomeDir()
	if err != nil {
		home = "/tmp"
	}

	cacheDir := filepath.Join(home, ".cache", "micro-repl")
	if err := s.fs.MkdirAll(cacheDir, 0700); err != nil {
		slog.Warn("failed to create cache dir, using /tmp", slog.String("error", err.Error()))
		cacheDir = "/tmp"
	}
	return filepath.Join(cacheDir, "sessions.json")
}

// Save records meta and writes the store.
func (s *Store) Save(meta Metadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[meta.ID] = meta
	s.persist()
}

// Get retrieves metadata by session ID.
func (s *Store) Get(id string) (Metadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.sessions[id]
	return meta, ok
}

// Delete removes metadata.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	s.persist()
}

// List returns all remembered sessions, oldest first.
func (s *Store) List() []Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Metadata, 0, len(s.sessions))
	for _, m := range s.sessions {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

func (s *Store) load() {
	data, err := s.fs.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("failed to load session store", slog.String("error", err.Error()))
		}
		return
	}
	if err := json.Unmarshal(data, &s.sessions); err != nil {
		slog.Warn("failed to parse session store", slog.String("error", err.Error()))
		s.sessions = make(map[string]Metadata)
	}
}

func (s *Store) persist() {
	data, err := json.MarshalIndent(s.sessions, "", "  ")
	if err != nil {
		slog.Warn("failed to marshal session store", slog.String("error", err.Error()))
		return
	}
	if err := s.fs.WriteFile(s.path, data, 0600); err != nil {
		slog.Warn("failed to write session store", slog.String("error", err.Error()))
	}
}
