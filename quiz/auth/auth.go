package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var ErrUnauthorized = errors.New("unauthorized")

// Role is the privilege level a token proves within one session.
type Role int

const (
	RoleNone Role = iota
	RoleOwner
	RoleAttendee
)

func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleAttendee:
		return "attendee"
	default:
		return "none"
	}
}

// Service issues and validates per-session tokens. Tokens are opaque,
// unguessable, and valid for the session's lifetime; re-issuing a member
// token invalidates the previous one.
type Service struct {
	mu      sync.Mutex
	owners  map[string]string            // hashtag -> owner token
	members map[string]map[string]string // hashtag -> nickname -> token
}

// NewService creates an empty token store.
func NewService() *Service {
	return &Service{
		owners:  make(map[string]string),
		members: make(map[string]map[string]string),
	}
}

// IssueOwnerToken mints the owner token for a session, replacing any prior one.
func (s *Service) IssueOwnerToken(hashtag string) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[sessionKey(hashtag)] = token
	return token, nil
}

// IssueMemberToken mints a token for the given nickname. Any token issued
// earlier for the same nickname stops validating.
func (s *Service) IssueMemberToken(hashtag, nickname string) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey(hashtag)
	if s.members[key] == nil {
		s.members[key] = make(map[string]string)
	}
	s.members[key][nickname] = token
	return token, nil
}

// Validate checks a token against the required role for a session.
func (s *Service) Validate(hashtag, token string, required Role) error {
	role, _, err := s.Identify(hashtag, token)
	if err != nil {
		return err
	}
	if role != required {
		return ErrUnauthorized
	}
	return nil
}

// Identify resolves a token to its role and, for attendees, the nickname it
// was issued for.
func (s *Service) Identify(hashtag, token string) (Role, string, error) {
	if token == "" {
		return RoleNone, "", ErrUnauthorized
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey(hashtag)
	if owner, ok := s.owners[key]; ok && tokenEqual(owner, token) {
		return RoleOwner, "", nil
	}
	for nickname, t := range s.members[key] {
		if tokenEqual(t, token) {
			return RoleAttendee, nickname, nil
		}
	}
	return RoleNone, "", ErrUnauthorized
}

// RevokeMember drops the token issued for a nickname, if any.
func (s *Service) RevokeMember(hashtag, nickname string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[sessionKey(hashtag)], nickname)
}

// DropSession discards every token belonging to a session.
func (s *Service) DropSession(hashtag string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey(hashtag)
	delete(s.owners, key)
	delete(s.members, key)
}

// newToken returns 192 bits of randomness as unpadded URL-safe base64.
func newToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func tokenEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// sessionKey normalizes hashtags the same way the session manager does.
func sessionKey(hashtag string) string {
	return strings.ToLower(hashtag)
}
