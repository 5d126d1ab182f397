package session

import (
	"log"
	"sync"
)

// Manager owns the live sessions keyed by client ID and provides the
// cross-session delivery used by strategy fan-out. Deps given at
// construction are shared by every session; Rename and SendTo are bound
// here.
type Manager struct {
	deps Deps
	cfg  Config

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(deps Deps, cfg Config) *Manager {
	m := &Manager{
		deps:     deps,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
	m.deps.Rename = m.rename
	m.deps.SendTo = m.sendTo
	return m
}

// Open creates and registers a session for a new client connection and
// acknowledges it with its provisional ID.
func (m *Manager) Open(client Sink) *Session {
	s := New(client, m.deps, m.cfg)
	id := s.ID()
	m.mu.Lock()
	m.sessions[id] = s
	n := len(m.sessions)
	m.mu.Unlock()
	if m.deps.Hooks.SessionsDelta != nil {
		m.deps.Hooks.SessionsDelta(1)
	}
	s.out.Ctrl("connected", map[string]any{"clientid": id})
	log.Printf("[sessions] %s connected (%d active)", id, n)
	return s
}

// Release tears the session down and removes it from the registry.
func (m *Manager) Release(s *Session) {
	id := s.ID()
	m.mu.Lock()
	if m.sessions[id] == s {
		delete(m.sessions, id)
	}
	n := len(m.sessions)
	m.mu.Unlock()
	s.Close()
	if m.deps.Hooks.SessionsDelta != nil {
		m.deps.Hooks.SessionsDelta(-1)
	}
	log.Printf("[sessions] %s disconnected (%d active)", id, n)
}

// CloseAll tears down every session; used at shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
	if len(all) > 0 {
		log.Printf("[sessions] closed %d sessions", len(all))
	}
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// rename re-keys a session after set_client_id. A colliding ID evicts the
// registry entry, not the other session's connection; last writer wins.
func (m *Manager) rename(old, new string, s *Session) {
	m.mu.Lock()
	if m.sessions[old] == s {
		delete(m.sessions, old)
	}
	if prev, ok := m.sessions[new]; ok && prev != s {
		log.Printf("[sessions] client id %s reassigned", new)
	}
	m.sessions[new] = s
	m.mu.Unlock()
}

// sendTo delivers a pre-encoded frame to each named client that is
// currently connected; returns how many were reached.
func (m *Manager) sendTo(ids []string, payload []byte) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, id := range ids {
		s, ok := m.sessions[id]
		if !ok {
			continue
		}
		if err := s.SendRaw(payload); err != nil {
			log.Printf("[sessions] fan-out to %s: %v", id, err)
			continue
		}
		n++
	}
	return n
}
