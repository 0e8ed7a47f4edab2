package websocket

import (
	"context"
	"encoding/json"

	"github.com/kuntalrambabu/arsnova-live/quiz/auth"
	"github.com/kuntalrambabu/arsnova-live/quiz/engine"
	"github.com/kuntalrambabu/arsnova-live/quiz/service"
)

type opHandler func(c *Client, env Envelope) Envelope

// Router maps inbound steps to handlers. Each role gets its own closed
// table, selected once at authorization time; a step missing from the
// caller's table fails without touching the core.
type Router struct {
	svc *service.Service
	hub *Hub

	unauthOps   map[engine.Step]opHandler
	attendeeOps map[engine.Step]opHandler
	ownerOps    map[engine.Step]opHandler
	knownSteps  map[engine.Step]bool
}

func newRouter(svc *service.Service, hub *Hub) *Router {
	r := &Router{svc: svc, hub: hub}

	r.unauthOps = map[engine.Step]opHandler{
		engine.StepAuthorize: r.handleAuthorize,
	}
	r.attendeeOps = map[engine.Step]opHandler{
		engine.StepAuthorize:       r.handleAuthorize,
		engine.StepAllPlayers:      r.handleAllPlayers,
		engine.StepUpdatedResponse: r.handleSubmitResponse,
	}
	r.ownerOps = map[engine.Step]opHandler{
		engine.StepAuthorize:     r.handleAuthorize,
		engine.StepAllPlayers:    r.handleAllPlayers,
		engine.StepQuizStart:     r.handleStart,
		engine.StepNextQuestion:  r.handleAdvance,
		engine.StepQuizClosed:    r.handleClose,
		engine.StepMemberRemoved: r.handleKick,
	}

	r.knownSteps = make(map[engine.Step]bool)
	for _, table := range []map[engine.Step]opHandler{r.unauthOps, r.attendeeOps, r.ownerOps} {
		for step := range table {
			r.knownSteps[step] = true
		}
	}
	return r
}

// route decodes one inbound frame and runs the matching handler. Every
// outcome is an envelope; errors never cross this boundary.
func (r *Router) route(c *Client, data []byte) Envelope {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return FailedEnvelope("", ReasonInvalidInput)
	}
	if env.Step == "" {
		return FailedEnvelope("", ReasonUnknownOperation)
	}

	table := c.handlers
	if table == nil {
		table = r.unauthOps
	}

	handler, ok := table[env.Step]
	if !ok {
		if r.knownSteps[env.Step] {
			return FailedEnvelope(env.Step, ReasonUnauthorized)
		}
		return FailedEnvelope(env.Step, ReasonUnknownOperation)
	}
	return handler(c, env)
}

// handleAuthorize binds the connection to a session. On success the client
// gets the handler table for its role; re-authorizing replaces any prior
// binding.
func (r *Router) handleAuthorize(c *Client, env Envelope) Envelope {
	hashtag, _ := env.Payload["hashtag"].(string)
	token, _ := env.Payload["webSocketAuthorization"].(string)
	if hashtag == "" || token == "" {
		return FailedEnvelope(engine.StepAuthorize, ReasonInvalidInput)
	}

	role, nickname, err := r.svc.AuthorizeConnection(context.Background(), hashtag, token, c.id)
	if err != nil {
		return FailedEnvelope(engine.StepAuthorize, ReasonFor(err))
	}

	// Re-authorizing into a different session must not leave the connection
	// subscribed to the old one.
	if c.hashtag != "" && sessionKey(c.hashtag) != sessionKey(hashtag) {
		r.hub.unsubscribe(c)
	}

	c.hashtag = hashtag
	c.token = token
	c.role = role
	c.nickname = nickname
	switch role {
	case auth.RoleOwner:
		c.handlers = r.ownerOps
	case auth.RoleAttendee:
		c.handlers = r.attendeeOps
	}
	r.hub.attachClient(c)

	// The first thing a freshly attached client needs is the lobby roster.
	return r.handleAllPlayers(c, env)
}

// handleAllPlayers answers the membership query. A session whose lobby is
// not open yet gets an explicit LOBBY:INACTIVE success so the client knows
// to retry rather than treat it as a failure.
func (r *Router) handleAllPlayers(c *Client, env Envelope) Envelope {
	info, err := r.svc.GetSession(context.Background(), c.hashtag)
	if err != nil {
		return FailedEnvelope(engine.StepAllPlayers, ReasonFor(err))
	}
	if info.Phase == engine.PhaseInactive {
		return SuccessEnvelope(engine.StepLobbyInactive, nil)
	}

	members, err := r.svc.MemberSnapshot(context.Background(), c.hashtag)
	if err != nil {
		return FailedEnvelope(engine.StepAllPlayers, ReasonFor(err))
	}
	return SuccessEnvelope(engine.StepAllPlayers, map[string]interface{}{
		"members": members,
	})
}

// handleSubmitResponse records the attendee's answer for the current
// question. The broadcast to the session rides on the service; the reply
// here only acknowledges the sender.
func (r *Router) handleSubmitResponse(c *Client, env Envelope) Envelope {
	questionIndex, ok := env.Payload["questionIndex"].(float64)
	if !ok {
		return FailedEnvelope(engine.StepUpdatedResponse, ReasonInvalidInput)
	}
	value, ok := env.Payload["value"].(string)
	if !ok {
		return FailedEnvelope(engine.StepUpdatedResponse, ReasonInvalidInput)
	}

	err := r.svc.SubmitResponse(context.Background(), c.hashtag, c.token, int(questionIndex), value)
	if err != nil {
		return FailedEnvelope(engine.StepUpdatedResponse, ReasonFor(err))
	}
	return SuccessEnvelope(engine.StepUpdatedResponse, map[string]interface{}{
		"questionIndex": int(questionIndex),
	})
}

func (r *Router) handleStart(c *Client, env Envelope) Envelope {
	if err := r.svc.StartQuiz(context.Background(), c.hashtag, c.token); err != nil {
		return FailedEnvelope(engine.StepQuizStart, ReasonFor(err))
	}
	return SuccessEnvelope(engine.StepQuizStart, nil)
}

func (r *Router) handleAdvance(c *Client, env Envelope) Envelope {
	if err := r.svc.AdvanceQuiz(context.Background(), c.hashtag, c.token); err != nil {
		return FailedEnvelope(engine.StepNextQuestion, ReasonFor(err))
	}
	return SuccessEnvelope(engine.StepNextQuestion, nil)
}

func (r *Router) handleClose(c *Client, env Envelope) Envelope {
	if err := r.svc.CloseQuiz(context.Background(), c.hashtag, c.token); err != nil {
		return FailedEnvelope(engine.StepQuizClosed, ReasonFor(err))
	}
	return SuccessEnvelope(engine.StepQuizClosed, nil)
}

// handleKick removes a member by nickname. The kicked member's connection is
// dropped by the service as a side effect of the removal.
func (r *Router) handleKick(c *Client, env Envelope) Envelope {
	name, _ := env.Payload["name"].(string)
	if name == "" {
		return FailedEnvelope(engine.StepMemberRemoved, ReasonInvalidInput)
	}

	if err := r.svc.RemoveMember(context.Background(), c.hashtag, name, c.token); err != nil {
		return FailedEnvelope(engine.StepMemberRemoved, ReasonFor(err))
	}
	return SuccessEnvelope(engine.StepMemberRemoved, nil)
}
