package service

import (
	"context"
	"time"

	"github.com/kuntalrambabu/arsnova-live/quiz/auth"
	"github.com/kuntalrambabu/arsnova-live/quiz/engine"
)

// QuizService defines every operation the transport surfaces hand to the core.
type QuizService interface {
	// Session lifecycle
	RegisterSession(ctx context.Context, def *engine.QuizDefinition) (*SessionInfo, error)
	RegisterFromStore(ctx context.Context, hashtag string) (*SessionInfo, error)
	GetSession(ctx context.Context, hashtag string) (*SessionInfo, error)
	ListSessions(ctx context.Context) ([]*SessionInfo, error)
	DeleteSession(ctx context.Context, hashtag string) error
	Availability(ctx context.Context, hashtag string) (*Availability, error)

	// Membership
	AddMember(ctx context.Context, hashtag, nickname string) (*JoinResult, error)
	RemoveMember(ctx context.Context, hashtag, nickname, ownerToken string) error
	MemberSnapshot(ctx context.Context, hashtag string) ([]engine.MemberInfo, error)

	// Owner commands
	StartQuiz(ctx context.Context, hashtag, ownerToken string) error
	AdvanceQuiz(ctx context.Context, hashtag, ownerToken string) error
	CloseQuiz(ctx context.Context, hashtag, ownerToken string) error

	// Attendee commands
	SubmitResponse(ctx context.Context, hashtag, token string, questionIndex int, value string) error

	// Connection lifecycle, invoked by the registry
	AuthorizeConnection(ctx context.Context, hashtag, token, connectionID string) (auth.Role, string, error)
	ConnectionClosed(ctx context.Context, hashtag, connectionID string)
	PurgeDetachedMembers(ctx context.Context, window time.Duration) int

	// Results
	Results(ctx context.Context, hashtag string) (map[string]map[int]string, error)
}

// Broadcaster fans events out to a session's current subscribers. The
// websocket hub implements it; the service never talks to connections
// directly.
type Broadcaster interface {
	Publish(hashtag string, event engine.Event)
	// DetachConnection drops a live connection without running the
	// member-detach path, used when a kick already removed the member.
	DetachConnection(connectionID string)
}

// SessionInfo is the admin-facing summary of one session. OwnerToken is only
// populated in the response to a registration.
type SessionInfo struct {
	Hashtag        string       `json:"hashtag"`
	Phase          engine.Phase `json:"phase"`
	QuestionIndex  int          `json:"questionIndex"`
	QuestionCount  int          `json:"questionCount"`
	MemberCount    int          `json:"memberCount"`
	CreatedAt      time.Time    `json:"createdAt"`
	LastAccessedAt time.Time    `json:"lastAccessedAt"`
	OwnerToken     string       `json:"ownerToken,omitempty"`
}

// JoinResult carries the admitted member and the token that proves their
// identity on the websocket.
type JoinResult struct {
	Member engine.MemberInfo `json:"member"`
	Token  string            `json:"webSocketAuthorization"`
}

// Availability answers the "can I join this quiz yet" query.
type Availability struct {
	Hashtag         string       `json:"hashtag"`
	Available       bool         `json:"available"`
	Phase           engine.Phase `json:"phase,omitempty"`
	AuthorizeViaCAS bool         `json:"authorizeViaCas"`
}
