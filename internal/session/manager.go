package session

import (
	"context"
	"errors"
	"sync"
)

// ErrManagerClosed is returned by Open after CloseAll.
var ErrManagerClosed = errors.New("session manager is closed")

// Recorder tracks open sessions.
type Recorder interface {
	SessionOpened()
	SessionClosed()
}

type noopRecorder struct{}

func (noopRecorder) SessionOpened() {}
func (noopRecorder) SessionClosed() {}

// Manager tracks the open sessions of every transport.
type Manager struct {
	dispatcher Dispatcher
	recorder   Recorder

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates an empty manager. recorder may be nil.
func NewManager(dispatcher Dispatcher, recorder Recorder) *Manager {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Manager{
		dispatcher: dispatcher,
		recorder:   recorder,
		sessions:   make(map[string]*Session),
	}
}

// Open creates and registers a session. The session unregisters itself
// when closed.
func (m *Manager) Open(ctx context.Context, sender Sender, cfg Config) (*Session, error) {
	s := New(ctx, sender, m.dispatcher, cfg)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	m.recorder.SessionOpened()
	s.OnClose(func(s *Session) error {
		m.remove(s.ID())
		return nil
	})

	log.Info("Session opened", "session", s.ID(), "remote", cfg.Remote, "authenticated", cfg.Authenticated)
	return s, nil
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		m.recorder.SessionClosed()
	}
}

// Get returns a session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll closes every session and rejects new ones.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}
