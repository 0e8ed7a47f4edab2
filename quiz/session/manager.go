package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/kuntalrambabu/arsnova-live/quiz/engine"
)

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionAlreadyExists = errors.New("session already exists")
)

// Session couples a hashtag with its running state machine.
type Session struct {
	Hashtag        string
	Engine         *engine.QuizEngine
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

// Manager is the in-memory registry of active quiz sessions, keyed by
// hashtag. Hashtag lookup is case-insensitive.
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
}

// NewManager creates an empty session registry.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
	}
}

// Create registers a new session for the given hashtag. An empty hashtag gets
// a generated one. Fails with ErrSessionAlreadyExists if the hashtag is in
// use, case-insensitively.
func (m *Manager) Create(hashtag string, def *engine.QuizDefinition) (*Session, error) {
	if hashtag == "" {
		hashtag = m.generateHashtag()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(hashtag)
	if _, exists := m.sessions[key]; exists {
		return nil, ErrSessionAlreadyExists
	}

	eng, err := engine.NewEngine(def)
	if err != nil {
		return nil, err
	}

	session := &Session{
		Hashtag:        hashtag,
		Engine:         eng,
		CreatedAt:      time.Now(),
		LastAccessedAt: time.Now(),
	}
	m.sessions[key] = session

	return session, nil
}

// Get retrieves a session by hashtag.
func (m *Manager) Get(hashtag string) (*Session, error) {
	m.mu.RLock()
	session, exists := m.sessions[strings.ToLower(hashtag)]
	m.mu.RUnlock()

	if !exists {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// List returns all active sessions.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		result = append(result, session)
	}
	return result
}

// Delete removes a session from the registry.
func (m *Manager) Delete(hashtag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(hashtag)
	if _, exists := m.sessions[key]; !exists {
		return ErrSessionNotFound
	}
	delete(m.sessions, key)
	return nil
}

// UpdateLastAccessed bumps the session's last-accessed timestamp.
func (m *Manager) UpdateLastAccessed(hashtag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[strings.ToLower(hashtag)]
	if !exists {
		return ErrSessionNotFound
	}
	session.LastAccessedAt = time.Now()
	return nil
}

// CleanupExpired removes sessions not accessed within maxAge and returns how
// many were removed. Used for owner-abandoned sessions past the grace period.
func (m *Manager) CleanupExpired(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for key, session := range m.sessions {
		if session.LastAccessedAt.Before(cutoff) {
			delete(m.sessions, key)
			removed++
		}
	}
	return removed
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// generateHashtag returns a random 5-character hex hashtag.
func (m *Manager) generateHashtag() string {
	bytes := make([]byte, 3)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)[:5]
}
