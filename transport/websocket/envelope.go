package websocket

import (
	"errors"
	"strings"

	"github.com/kuntalrambabu/arsnova-live/quiz/auth"
	"github.com/kuntalrambabu/arsnova-live/quiz/engine"
	"github.com/kuntalrambabu/arsnova-live/quiz/session"
	"github.com/kuntalrambabu/arsnova-live/validate"
)

// Status is the envelope-level outcome marker.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Envelope is the uniform message unit for inbound commands and outbound
// broadcasts. Field names are contractual.
type Envelope struct {
	Status  Status                 `json:"status"`
	Step    engine.Step            `json:"step"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Wire reason codes surfaced in FAILED envelopes.
const (
	ReasonAlreadyExists      = "ALREADY_EXISTS"
	ReasonDuplicateNickname  = "DUPLICATE_NICKNAME"
	ReasonSessionNotJoinable = "SESSION_NOT_JOINABLE"
	ReasonSessionNotFound    = "SESSION_NOT_FOUND"
	ReasonUnauthorized       = "UNAUTHORIZED"
	ReasonUnknownOperation   = "UNKNOWN_OPERATION"
	ReasonNoMembers          = "NO_MEMBERS"
	ReasonInvalidTransition  = "INVALID_STATE_TRANSITION"
	ReasonMemberNotFound     = "MEMBER_NOT_FOUND"
	ReasonInvalidInput       = "INVALID_INPUT"
	ReasonInternalError      = "INTERNAL_ERROR"
)

// SuccessEnvelope builds a SUCCESS envelope for a step.
func SuccessEnvelope(step engine.Step, payload map[string]interface{}) Envelope {
	return Envelope{Status: StatusSuccess, Step: step, Payload: payload}
}

// FailedEnvelope builds a FAILED envelope echoing the step that failed.
func FailedEnvelope(step engine.Step, reason string) Envelope {
	return Envelope{
		Status:  StatusFailed,
		Step:    step,
		Payload: map[string]interface{}{"reason": reason},
	}
}

// EventEnvelope wraps a state-change event for broadcast.
func EventEnvelope(event engine.Event) Envelope {
	return Envelope{Status: StatusSuccess, Step: event.Step, Payload: event.Payload}
}

// ReasonFor maps core errors to their wire reason code. Every error is
// recovered here; nothing propagates past the router boundary.
func ReasonFor(err error) string {
	switch {
	case errors.Is(err, session.ErrSessionAlreadyExists):
		return ReasonAlreadyExists
	case errors.Is(err, engine.ErrDuplicateNickname):
		return ReasonDuplicateNickname
	case errors.Is(err, engine.ErrSessionNotJoinable), errors.Is(err, engine.ErrQuizClosed):
		return ReasonSessionNotJoinable
	case errors.Is(err, session.ErrSessionNotFound):
		return ReasonSessionNotFound
	case errors.Is(err, auth.ErrUnauthorized):
		return ReasonUnauthorized
	case errors.Is(err, engine.ErrNoMembers):
		return ReasonNoMembers
	case errors.Is(err, engine.ErrInvalidTransition):
		return ReasonInvalidTransition
	case errors.Is(err, engine.ErrMemberNotFound):
		return ReasonMemberNotFound
	case errors.Is(err, validate.ErrInvalidHashtag), errors.Is(err, validate.ErrInvalidNickname):
		return ReasonInvalidInput
	default:
		return ReasonInternalError
	}
}

// sessionKey normalizes a hashtag for registry lookups. Hashtags are
// case-insensitive; nicknames are not.
func sessionKey(hashtag string) string {
	return strings.ToLower(hashtag)
}
