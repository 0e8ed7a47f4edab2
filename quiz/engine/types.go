package engine

import "time"

// Phase describes where a quiz session is in its lifecycle. Transitions are
// monotonic; PhaseClosed is terminal.
type Phase string

const (
	PhaseInactive Phase = "INACTIVE"
	PhaseLobby    Phase = "LOBBY"
	PhaseActive   Phase = "ACTIVE"
	PhaseResults  Phase = "RESULTS"
	PhaseClosed   Phase = "CLOSED"
)

// phaseRank orders phases for monotonic transition checks.
var phaseRank = map[Phase]int{
	PhaseInactive: 0,
	PhaseLobby:    1,
	PhaseActive:   2,
	PhaseResults:  3,
	PhaseClosed:   4,
}

// canTransition reports whether moving from p to next respects the lifecycle
// ordering. PhaseClosed is reachable from any non-closed phase.
func (p Phase) canTransition(next Phase) bool {
	if p == PhaseClosed {
		return false
	}
	if next == PhaseClosed {
		return true
	}
	return phaseRank[next] == phaseRank[p]+1
}

// Step identifies an operation on the wire. The set is closed; the router
// rejects anything outside it.
type Step string

const (
	StepAuthorize        Step = "WEBSOCKET:AUTHORIZE"
	StepAllPlayers       Step = "LOBBY:ALL_PLAYERS"
	StepLobbyMemberAdded Step = "LOBBY:MEMBER_ADDED"
	StepLobbyInactive    Step = "LOBBY:INACTIVE"
	StepMemberAdded      Step = "MEMBER:ADDED"
	StepMemberRemoved    Step = "MEMBER:REMOVED"
	StepUpdatedResponse  Step = "MEMBER:UPDATED_RESPONSE"
	StepQuizAvailable    Step = "QUIZ:AVAILABLE"
	StepQuizStart        Step = "QUIZ:START"
	StepNextQuestion     Step = "QUIZ:NEXT_QUESTION"
	StepQuizResults      Step = "QUIZ:RESULTS"
	StepQuizClosed       Step = "QUIZ:CLOSED"
)

// Question is one entry of an externally loaded quiz definition.
type Question struct {
	ID            string   `json:"id"`
	Text          string   `json:"questionText"`
	AnswerOptions []string `json:"answerOptions,omitempty"`
	TimerSeconds  int      `json:"timer,omitempty"`
}

// QuizDefinition is the quiz content the storage collaborator hands to the
// core: the session hashtag plus the ordered question list.
type QuizDefinition struct {
	Hashtag          string     `json:"hashtag"`
	Questions        []Question `json:"questionList"`
	RequiresCASLogin bool       `json:"requiresCasLogin,omitempty"`
}

// Member is an admitted attendee. The connection id is empty while the member
// is detached; the token survives detachment so a reconnect can reattach.
type Member struct {
	Name         string
	Token        string
	ConnectionID string
	JoinedAt     time.Time
	Detached     bool
	DetachedAt   time.Time
	Responses    map[int]string
}

// MemberInfo is the serializable snapshot of a member used in broadcasts.
type MemberInfo struct {
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Event is a state-change notification emitted by the engine and fanned out
// to a session's subscribers.
type Event struct {
	Step    Step
	Payload map[string]interface{}
}
