package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrDuplicateNickname  = errors.New("nickname already taken")
	ErrSessionNotJoinable = errors.New("session is not joinable")
	ErrNoMembers          = errors.New("no members in lobby")
	ErrInvalidTransition  = errors.New("invalid phase transition")
	ErrMemberNotFound     = errors.New("member not found")
	ErrQuizClosed         = errors.New("quiz is closed")
)

// QuizEngine is the per-session state machine. It owns membership, the
// current phase, and the current question index. Commands validate the phase,
// mutate state, and return the events to broadcast; delivering those events is
// the caller's job.
type QuizEngine struct {
	mu              sync.Mutex
	def             *QuizDefinition
	phase           Phase
	questionIndex   int
	members         map[string]*Member
	allowEmptyStart bool
}

// NewEngine creates an engine for the given quiz definition. The session
// starts INACTIVE; call OpenLobby once the content is fully loaded.
func NewEngine(def *QuizDefinition) (*QuizEngine, error) {
	if def == nil {
		return nil, fmt.Errorf("quiz definition cannot be nil")
	}
	if len(def.Questions) == 0 {
		return nil, fmt.Errorf("quiz %q has no questions", def.Hashtag)
	}

	return &QuizEngine{
		def:           def,
		phase:         PhaseInactive,
		questionIndex: -1,
		members:       make(map[string]*Member),
	}, nil
}

// SetAllowEmptyStart enables starting a quiz without members. Diagnostic
// override only; never the default.
func (e *QuizEngine) SetAllowEmptyStart(allow bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.allowEmptyStart = allow
}

// OpenLobby transitions the freshly registered session into LOBBY.
func (e *QuizEngine) OpenLobby() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.phase.canTransition(PhaseLobby) {
		return ErrInvalidTransition
	}
	e.phase = PhaseLobby
	return nil
}

// Phase returns the current lifecycle phase.
func (e *QuizEngine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// QuestionIndex returns the current question index, -1 before the quiz starts.
func (e *QuizEngine) QuestionIndex() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.questionIndex
}

// Definition returns the quiz definition the engine was created with.
func (e *QuizEngine) Definition() *QuizDefinition {
	return e.def
}

// MemberCount returns the number of admitted members, detached ones included.
func (e *QuizEngine) MemberCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.members)
}

// Members returns a snapshot of the membership ordered by join time.
func (e *QuizEngine) Members() []MemberInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := make([]MemberInfo, 0, len(e.members))
	for _, m := range e.members {
		result = append(result, MemberInfo{Name: m.Name, JoinedAt: m.JoinedAt})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].JoinedAt.Equal(result[j].JoinedAt) {
			return result[i].Name < result[j].Name
		}
		return result[i].JoinedAt.Before(result[j].JoinedAt)
	})
	return result
}

// HasMember reports whether a member with the exact nickname exists.
func (e *QuizEngine) HasMember(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.members[name]
	return ok
}

// Join admits a new member. Nicknames are case-sensitive exact matches; the
// session must be in LOBBY. The nickname is reserved atomically; the caller
// binds the issued token afterwards via SetMemberToken so a failed duplicate
// join can never invalidate an existing member's credentials.
func (e *QuizEngine) Join(name string) (Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.phase != PhaseLobby {
		return Event{}, ErrSessionNotJoinable
	}
	if _, taken := e.members[name]; taken {
		return Event{}, ErrDuplicateNickname
	}

	member := &Member{
		Name:      name,
		JoinedAt:  time.Now(),
		Responses: make(map[int]string),
	}
	e.members[name] = member

	return Event{
		Step: StepMemberAdded,
		Payload: map[string]interface{}{
			"member": MemberInfo{Name: member.Name, JoinedAt: member.JoinedAt},
		},
	}, nil
}

// SetMemberToken records the token issued for an admitted member.
func (e *QuizEngine) SetMemberToken(name, token string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	member, ok := e.members[name]
	if !ok {
		return ErrMemberNotFound
	}
	member.Token = token
	return nil
}

// Kick removes a member immediately regardless of phase, except when the
// session is CLOSED. It returns the member's connection id (empty if
// detached) so the registry can drop the connection as a side effect.
func (e *QuizEngine) Kick(name string) (Event, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.phase == PhaseClosed {
		return Event{}, "", ErrQuizClosed
	}
	member, ok := e.members[name]
	if !ok {
		return Event{}, "", ErrMemberNotFound
	}
	delete(e.members, name)

	return Event{
		Step:    StepMemberRemoved,
		Payload: map[string]interface{}{"name": name},
	}, member.ConnectionID, nil
}

// Start moves the session from LOBBY to ACTIVE at question index 0 and
// returns the QUIZ:START and first QUIZ:NEXT_QUESTION events, in that order.
func (e *QuizEngine) Start() ([]Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.phase.canTransition(PhaseActive) {
		return nil, ErrInvalidTransition
	}
	if len(e.members) == 0 && !e.allowEmptyStart {
		return nil, ErrNoMembers
	}

	e.phase = PhaseActive
	e.questionIndex = 0

	return []Event{
		{Step: StepQuizStart, Payload: map[string]interface{}{"hashtag": e.def.Hashtag}},
		e.nextQuestionEventLocked(),
	}, nil
}

// Advance moves to the next question. Past the last question it transitions
// to RESULTS and returns QUIZ:RESULTS instead of QUIZ:NEXT_QUESTION.
func (e *QuizEngine) Advance() (Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.phase != PhaseActive {
		return Event{}, ErrInvalidTransition
	}

	e.questionIndex++
	if e.questionIndex >= len(e.def.Questions) {
		e.phase = PhaseResults
		return Event{
			Step:    StepQuizResults,
			Payload: map[string]interface{}{"results": e.resultsLocked()},
		}, nil
	}
	return e.nextQuestionEventLocked(), nil
}

// Close terminates the session from any phase. Closing an already-closed
// session is an error.
func (e *QuizEngine) Close() (Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.phase == PhaseClosed {
		return Event{}, ErrQuizClosed
	}
	e.phase = PhaseClosed

	return Event{
		Step:    StepQuizClosed,
		Payload: map[string]interface{}{"hashtag": e.def.Hashtag},
	}, nil
}

// RecordResponse stores an attendee's answer for the current question.
func (e *QuizEngine) RecordResponse(name string, questionIndex int, value string) (Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.phase != PhaseActive {
		return Event{}, ErrInvalidTransition
	}
	if questionIndex != e.questionIndex {
		return Event{}, ErrInvalidTransition
	}
	member, ok := e.members[name]
	if !ok {
		return Event{}, ErrMemberNotFound
	}
	member.Responses[questionIndex] = value

	return Event{
		Step: StepUpdatedResponse,
		Payload: map[string]interface{}{
			"name":          name,
			"questionIndex": questionIndex,
		},
	}, nil
}

// Attach binds a live connection to a member, clearing any detached state.
// Used both for the initial attach after join and for reconnection.
func (e *QuizEngine) Attach(name, connectionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	member, ok := e.members[name]
	if !ok {
		return ErrMemberNotFound
	}
	member.ConnectionID = connectionID
	member.Detached = false
	member.DetachedAt = time.Time{}
	return nil
}

// MarkDetached flags the member owning the given connection as detached and
// starts its reconnection window. It returns the member's nickname. Calling
// it for an unknown or already-detached connection is a no-op.
func (e *QuizEngine) MarkDetached(connectionID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if connectionID == "" {
		return "", false
	}
	for _, m := range e.members {
		if m.ConnectionID == connectionID && !m.Detached {
			m.ConnectionID = ""
			m.Detached = true
			m.DetachedAt = time.Now()
			return m.Name, true
		}
	}
	return "", false
}

// PurgeDetached removes members whose reconnection window has elapsed and
// returns the MEMBER:REMOVED events to broadcast.
func (e *QuizEngine) PurgeDetached(window time.Duration, now time.Time) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	var events []Event
	for name, m := range e.members {
		if m.Detached && now.Sub(m.DetachedAt) > window {
			delete(e.members, name)
			events = append(events, Event{
				Step:    StepMemberRemoved,
				Payload: map[string]interface{}{"name": name},
			})
		}
	}
	return events
}

// CurrentQuestion returns the question at the current index.
func (e *QuizEngine) CurrentQuestion() (Question, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.questionIndex < 0 || e.questionIndex >= len(e.def.Questions) {
		return Question{}, false
	}
	return e.def.Questions[e.questionIndex], true
}

// Results returns a copy of all recorded responses keyed by nickname and
// question index. This is what gets persisted at session close.
func (e *QuizEngine) Results() map[string]map[int]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resultsLocked()
}

func (e *QuizEngine) resultsLocked() map[string]map[int]string {
	results := make(map[string]map[int]string, len(e.members))
	for name, m := range e.members {
		answers := make(map[int]string, len(m.Responses))
		for idx, value := range m.Responses {
			answers[idx] = value
		}
		results[name] = answers
	}
	return results
}

func (e *QuizEngine) nextQuestionEventLocked() Event {
	question := e.def.Questions[e.questionIndex]
	return Event{
		Step: StepNextQuestion,
		Payload: map[string]interface{}{
			"questionIndex": e.questionIndex,
			"question":      question,
		},
	}
}
