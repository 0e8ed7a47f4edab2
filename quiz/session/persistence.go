package session

import "github.com/kuntalrambabu/arsnova-live/quiz/engine"

// QuizStore is the storage collaborator. The core loads quiz definitions from
// it when a session is registered and hands final results back at close; it
// never owns persistence itself.
type QuizStore interface {
	// LoadQuiz returns the quiz definition for a hashtag, or an error the
	// caller surfaces as session-not-found.
	LoadQuiz(hashtag string) (*engine.QuizDefinition, error)

	// SaveQuiz stores a definition so later registrations can load it.
	SaveQuiz(def *engine.QuizDefinition) error

	// SaveResults persists final per-member answers keyed by nickname and
	// question index.
	SaveResults(hashtag string, results map[string]map[int]string) error

	// Exists reports whether a definition is stored for the hashtag.
	Exists(hashtag string) bool
}
