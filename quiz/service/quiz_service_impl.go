package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/kuntalrambabu/arsnova-live/quiz/auth"
	"github.com/kuntalrambabu/arsnova-live/quiz/engine"
	"github.com/kuntalrambabu/arsnova-live/quiz/session"
	"github.com/kuntalrambabu/arsnova-live/validate"
)

// Service is the default QuizService implementation.
type Service struct {
	manager     *session.Manager
	auth        *auth.Service
	store       session.QuizStore
	broadcaster Broadcaster
	allowEmpty  bool
}

// NewQuizService wires the session registry, token service, and storage
// collaborator into a QuizService.
func NewQuizService(manager *session.Manager, authService *auth.Service, store session.QuizStore) *Service {
	return &Service{
		manager: manager,
		auth:    authService,
		store:   store,
	}
}

// SetBroadcaster attaches the event fan-out. Must be called before any
// session traffic; kept separate from the constructor because the hub needs
// the service to route inbound messages.
func (s *Service) SetBroadcaster(b Broadcaster) {
	s.broadcaster = b
}

// SetAllowEmptyStart enables the diagnostic override that lets a quiz start
// with an empty lobby.
func (s *Service) SetAllowEmptyStart(allow bool) {
	s.allowEmpty = allow
}

// RegisterSession creates a session from an inline quiz definition. The
// definition is also handed to the store so a later re-registration can load
// it again.
func (s *Service) RegisterSession(ctx context.Context, def *engine.QuizDefinition) (*SessionInfo, error) {
	if def == nil {
		return nil, fmt.Errorf("quiz definition cannot be nil")
	}
	if err := validate.Hashtag(def.Hashtag); err != nil {
		return nil, err
	}

	return s.register(def)
}

// RegisterFromStore creates a session from a previously stored quiz
// definition. A load failure surfaces as session-not-found and leaves no
// partial session behind.
func (s *Service) RegisterFromStore(ctx context.Context, hashtag string) (*SessionInfo, error) {
	def, err := s.store.LoadQuiz(hashtag)
	if err != nil {
		return nil, session.ErrSessionNotFound
	}
	return s.register(def)
}

func (s *Service) register(def *engine.QuizDefinition) (*SessionInfo, error) {
	sess, err := s.manager.Create(def.Hashtag, def)
	if err != nil {
		return nil, err
	}

	if s.allowEmpty {
		sess.Engine.SetAllowEmptyStart(true)
	}

	// Content is in memory already, so the INACTIVE phase is transient.
	if err := sess.Engine.OpenLobby(); err != nil {
		s.manager.Delete(def.Hashtag)
		return nil, err
	}

	ownerToken, err := s.auth.IssueOwnerToken(def.Hashtag)
	if err != nil {
		s.manager.Delete(def.Hashtag)
		return nil, err
	}

	if err := s.store.SaveQuiz(def); err != nil {
		log.Printf("Warning: failed to store quiz definition %s: %v", def.Hashtag, err)
	}

	info := s.sessionInfo(sess)
	info.OwnerToken = ownerToken
	return info, nil
}

// GetSession returns the summary of one session.
func (s *Service) GetSession(ctx context.Context, hashtag string) (*SessionInfo, error) {
	sess, err := s.manager.Get(hashtag)
	if err != nil {
		return nil, err
	}
	return s.sessionInfo(sess), nil
}

// ListSessions returns summaries of every active session.
func (s *Service) ListSessions(ctx context.Context) ([]*SessionInfo, error) {
	sessions := s.manager.List()
	result := make([]*SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		result = append(result, s.sessionInfo(sess))
	}
	return result, nil
}

// DeleteSession removes a session and every credential issued for it.
func (s *Service) DeleteSession(ctx context.Context, hashtag string) error {
	if err := s.manager.Delete(hashtag); err != nil {
		return err
	}
	s.auth.DropSession(hashtag)
	return nil
}

// Availability reports whether a session can be joined right now. An unknown
// hashtag is not an error; it is simply not available.
func (s *Service) Availability(ctx context.Context, hashtag string) (*Availability, error) {
	sess, err := s.manager.Get(hashtag)
	if err != nil {
		return &Availability{Hashtag: hashtag, Available: false}, nil
	}

	phase := sess.Engine.Phase()
	return &Availability{
		Hashtag:         sess.Hashtag,
		Available:       phase == engine.PhaseLobby,
		Phase:           phase,
		AuthorizeViaCAS: sess.Engine.Definition().RequiresCASLogin,
	}, nil
}

// AddMember admits a nickname into the lobby, issues its token, and
// broadcasts MEMBER:ADDED to the session's subscribers.
func (s *Service) AddMember(ctx context.Context, hashtag, nickname string) (*JoinResult, error) {
	if err := validate.Nickname(nickname); err != nil {
		return nil, err
	}

	sess, err := s.manager.Get(hashtag)
	if err != nil {
		return nil, err
	}

	// Reserve the nickname first; issuing the token only after a successful
	// join keeps a duplicate-join attempt from invalidating the existing
	// member's token.
	event, err := sess.Engine.Join(nickname)
	if err != nil {
		return nil, err
	}

	token, err := s.auth.IssueMemberToken(hashtag, nickname)
	if err != nil {
		sess.Engine.Kick(nickname)
		return nil, err
	}
	sess.Engine.SetMemberToken(nickname, token)

	s.manager.UpdateLastAccessed(hashtag)
	s.publish(sess.Hashtag, event)

	member, _ := event.Payload["member"].(engine.MemberInfo)
	return &JoinResult{Member: member, Token: token}, nil
}

// RemoveMember kicks a member. Owner only; works in any phase except CLOSED.
// Detaching the kicked member's connection is a side effect of the kick, not
// the reverse.
func (s *Service) RemoveMember(ctx context.Context, hashtag, nickname, ownerToken string) error {
	if err := s.auth.Validate(hashtag, ownerToken, auth.RoleOwner); err != nil {
		return err
	}

	sess, err := s.manager.Get(hashtag)
	if err != nil {
		return err
	}

	event, connectionID, err := sess.Engine.Kick(nickname)
	if err != nil {
		return err
	}
	s.auth.RevokeMember(hashtag, nickname)

	s.publish(sess.Hashtag, event)
	if connectionID != "" && s.broadcaster != nil {
		s.broadcaster.DetachConnection(connectionID)
	}
	return nil
}

// MemberSnapshot returns the current membership for LOBBY:ALL_PLAYERS.
func (s *Service) MemberSnapshot(ctx context.Context, hashtag string) ([]engine.MemberInfo, error) {
	sess, err := s.manager.Get(hashtag)
	if err != nil {
		return nil, err
	}
	return sess.Engine.Members(), nil
}

// StartQuiz begins the quiz: QUIZ:START followed by the first
// QUIZ:NEXT_QUESTION, in publish order.
func (s *Service) StartQuiz(ctx context.Context, hashtag, ownerToken string) error {
	sess, err := s.ownerSession(hashtag, ownerToken)
	if err != nil {
		return err
	}

	events, err := sess.Engine.Start()
	if err != nil {
		return err
	}
	s.manager.UpdateLastAccessed(hashtag)
	s.publish(sess.Hashtag, events...)
	return nil
}

// AdvanceQuiz moves to the next question or, past the last one, to RESULTS.
func (s *Service) AdvanceQuiz(ctx context.Context, hashtag, ownerToken string) error {
	sess, err := s.ownerSession(hashtag, ownerToken)
	if err != nil {
		return err
	}

	event, err := sess.Engine.Advance()
	if err != nil {
		return err
	}
	s.manager.UpdateLastAccessed(hashtag)
	s.publish(sess.Hashtag, event)
	return nil
}

// CloseQuiz terminates the session, persists final results through the
// storage collaborator, and broadcasts QUIZ:CLOSED.
func (s *Service) CloseQuiz(ctx context.Context, hashtag, ownerToken string) error {
	sess, err := s.ownerSession(hashtag, ownerToken)
	if err != nil {
		return err
	}

	event, err := sess.Engine.Close()
	if err != nil {
		return err
	}

	if err := s.store.SaveResults(sess.Hashtag, sess.Engine.Results()); err != nil {
		log.Printf("Warning: failed to persist results for %s: %v", sess.Hashtag, err)
	}

	s.publish(sess.Hashtag, event)
	s.auth.DropSession(hashtag)
	return nil
}

// SubmitResponse records an attendee's answer for the current question.
func (s *Service) SubmitResponse(ctx context.Context, hashtag, token string, questionIndex int, value string) error {
	role, nickname, err := s.auth.Identify(hashtag, token)
	if err != nil {
		return err
	}
	if role != auth.RoleAttendee {
		return auth.ErrUnauthorized
	}

	sess, err := s.manager.Get(hashtag)
	if err != nil {
		return err
	}

	event, err := sess.Engine.RecordResponse(nickname, questionIndex, value)
	if err != nil {
		return err
	}
	s.publish(sess.Hashtag, event)
	return nil
}

// AuthorizeConnection validates a token and, for attendees, binds the
// connection to the member (reattaching if the member was detached). Closed
// sessions reject every attach attempt.
func (s *Service) AuthorizeConnection(ctx context.Context, hashtag, token, connectionID string) (auth.Role, string, error) {
	sess, err := s.manager.Get(hashtag)
	if err != nil {
		return auth.RoleNone, "", err
	}
	if sess.Engine.Phase() == engine.PhaseClosed {
		return auth.RoleNone, "", engine.ErrQuizClosed
	}

	role, nickname, err := s.auth.Identify(hashtag, token)
	if err != nil {
		return auth.RoleNone, "", err
	}

	if role == auth.RoleAttendee {
		if err := sess.Engine.Attach(nickname, connectionID); err != nil {
			return auth.RoleNone, "", err
		}
	}
	return role, nickname, nil
}

// ConnectionClosed marks the member behind a closed connection as detached,
// starting its reconnection window. Idempotent; unknown connections are a
// no-op because a transport closing is not an error.
func (s *Service) ConnectionClosed(ctx context.Context, hashtag, connectionID string) {
	sess, err := s.manager.Get(hashtag)
	if err != nil {
		return
	}
	if name, ok := sess.Engine.MarkDetached(connectionID); ok {
		log.Printf("Member %s detached from session %s", name, sess.Hashtag)
	}
}

// PurgeDetachedMembers removes members whose reconnection window elapsed,
// revokes their tokens, and broadcasts MEMBER:REMOVED for each. Returns the
// number of members purged.
func (s *Service) PurgeDetachedMembers(ctx context.Context, window time.Duration) int {
	purged := 0
	now := time.Now()
	for _, sess := range s.manager.List() {
		for _, event := range sess.Engine.PurgeDetached(window, now) {
			if name, ok := event.Payload["name"].(string); ok {
				s.auth.RevokeMember(sess.Hashtag, name)
			}
			s.publish(sess.Hashtag, event)
			purged++
		}
	}
	return purged
}

// Results returns the recorded answers for a session.
func (s *Service) Results(ctx context.Context, hashtag string) (map[string]map[int]string, error) {
	sess, err := s.manager.Get(hashtag)
	if err != nil {
		return nil, err
	}
	return sess.Engine.Results(), nil
}

func (s *Service) ownerSession(hashtag, ownerToken string) (*session.Session, error) {
	if err := s.auth.Validate(hashtag, ownerToken, auth.RoleOwner); err != nil {
		return nil, err
	}
	return s.manager.Get(hashtag)
}

func (s *Service) publish(hashtag string, events ...engine.Event) {
	if s.broadcaster == nil {
		return
	}
	for _, event := range events {
		s.broadcaster.Publish(hashtag, event)
	}
}

func (s *Service) sessionInfo(sess *session.Session) *SessionInfo {
	return &SessionInfo{
		Hashtag:        sess.Hashtag,
		Phase:          sess.Engine.Phase(),
		QuestionIndex:  sess.Engine.QuestionIndex(),
		QuestionCount:  len(sess.Engine.Definition().Questions),
		MemberCount:    sess.Engine.MemberCount(),
		CreatedAt:      sess.CreatedAt,
		LastAccessedAt: sess.LastAccessedAt,
	}
}
