// Package engine implements the per-session quiz state machine: phases,
// membership, question progression, and the state-change events broadcast to
// subscribers. One QuizEngine instance exists per active session.
package engine
