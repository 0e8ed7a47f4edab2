package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/kuntalrambabu/arsnova-live/quiz/auth"
	"github.com/kuntalrambabu/arsnova-live/quiz/engine"
	"github.com/kuntalrambabu/arsnova-live/quiz/service"
	"github.com/kuntalrambabu/arsnova-live/quiz/session"
	"github.com/kuntalrambabu/arsnova-live/transport/websocket"
	"github.com/kuntalrambabu/arsnova-live/validate"
)

// Server is the REST admin surface. Responses use the same envelope format as
// the websocket protocol so clients parse one shape everywhere.
type Server struct {
	service *service.Service
	hub     *websocket.Hub
	router  *mux.Router
}

// NewServer creates the API server and wires its routes.
func NewServer(quizService *service.Service, hub *websocket.Hub) *Server {
	s := &Server{
		service: quizService,
		hub:     hub,
		router:  mux.NewRouter(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Lobby operations
	api.HandleFunc("/lobby", s.handleRegisterSession).Methods("PUT")
	api.HandleFunc("/lobby/member", s.handleAddMember).Methods("PUT")
	api.HandleFunc("/lobby/{quizName}/member/{nickname}", s.handleRemoveMember).Methods("DELETE")

	// Availability
	api.HandleFunc("/quiz/status/{quizName}", s.handleQuizStatus).Methods("GET")

	// Session administration
	api.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	api.HandleFunc("/sessions/{quizName}", s.handleGetSession).Methods("GET")
	api.HandleFunc("/sessions/{quizName}", s.handleDeleteSession).Methods("DELETE")
	api.HandleFunc("/sessions/{quizName}/results", s.handleResults).Methods("GET")
	api.HandleFunc("/sessions/{quizName}/start", s.handleStartQuiz).Methods("POST")
	api.HandleFunc("/sessions/{quizName}/next", s.handleAdvanceQuiz).Methods("POST")
	api.HandleFunc("/sessions/{quizName}/close", s.handleCloseQuiz).Methods("POST")

	// WebSocket
	s.router.HandleFunc("/ws", s.hub.ServeWS)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Response helpers

func respondEnvelope(w http.ResponseWriter, status int, env websocket.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}

func respondError(w http.ResponseWriter, step engine.Step, err error) {
	respondEnvelope(w, httpStatusFor(err), websocket.FailedEnvelope(step, websocket.ReasonFor(err)))
}

// httpStatusFor maps core errors to HTTP status codes. The envelope reason is
// the contractual signal; the status code is a courtesy for plain HTTP tools.
func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, engine.ErrMemberNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionAlreadyExists), errors.Is(err, engine.ErrDuplicateNickname):
		return http.StatusConflict
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, validate.ErrInvalidHashtag), errors.Is(err, validate.ErrInvalidNickname),
		errors.Is(err, engine.ErrInvalidTransition), errors.Is(err, engine.ErrNoMembers),
		errors.Is(err, engine.ErrSessionNotJoinable), errors.Is(err, engine.ErrQuizClosed):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Lobby handlers

func (s *Server) handleRegisterSession(w http.ResponseWriter, r *http.Request) {
	var def engine.QuizDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		respondError(w, engine.StepLobbyMemberAdded, validate.ErrInvalidHashtag)
		return
	}

	var info *service.SessionInfo
	var err error
	if len(def.Questions) == 0 {
		// No inline content: the definition was stored earlier, load it.
		info, err = s.service.RegisterFromStore(r.Context(), def.Hashtag)
	} else {
		info, err = s.service.RegisterSession(r.Context(), &def)
	}
	if err != nil {
		respondError(w, engine.StepLobbyMemberAdded, err)
		return
	}

	respondEnvelope(w, http.StatusCreated, websocket.SuccessEnvelope(engine.StepLobbyMemberAdded, map[string]interface{}{
		"session": info,
	}))
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		QuizName string `json:"quizName"`
		Nickname string `json:"nickname"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, engine.StepMemberAdded, validate.ErrInvalidNickname)
		return
	}

	result, err := s.service.AddMember(r.Context(), req.QuizName, req.Nickname)
	if err != nil {
		respondError(w, engine.StepMemberAdded, err)
		return
	}

	respondEnvelope(w, http.StatusCreated, websocket.SuccessEnvelope(engine.StepMemberAdded, map[string]interface{}{
		"member":                 result.Member,
		"webSocketAuthorization": result.Token,
	}))
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	err := s.service.RemoveMember(r.Context(), vars["quizName"], vars["nickname"], r.Header.Get("Authorization"))
	if err != nil {
		respondError(w, engine.StepMemberRemoved, err)
		return
	}

	respondEnvelope(w, http.StatusOK, websocket.SuccessEnvelope(engine.StepMemberRemoved, map[string]interface{}{
		"name": vars["nickname"],
	}))
}

// Availability handler

func (s *Server) handleQuizStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	availability, err := s.service.Availability(r.Context(), vars["quizName"])
	if err != nil {
		respondError(w, engine.StepQuizAvailable, err)
		return
	}

	step := engine.StepQuizAvailable
	if !availability.Available {
		step = engine.StepLobbyInactive
	}
	respondEnvelope(w, http.StatusOK, websocket.SuccessEnvelope(step, map[string]interface{}{
		"quiz": availability,
	}))
}

// Session administration handlers

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.service.ListSessions(r.Context())
	if err != nil {
		respondError(w, engine.StepQuizAvailable, err)
		return
	}

	query := r.URL.Query()
	sortBy := query.Get("sort")
	order := query.Get("order")
	if sortBy == "" {
		sortBy = "accessed"
	}
	if order == "" {
		order = "desc"
	}

	sort.Slice(sessions, func(i, j int) bool {
		var ti, tj time.Time
		if sortBy == "created" {
			ti, tj = sessions[i].CreatedAt, sessions[j].CreatedAt
		} else {
			ti, tj = sessions[i].LastAccessedAt, sessions[j].LastAccessedAt
		}
		if order == "asc" {
			return ti.Before(tj)
		}
		return ti.After(tj)
	})

	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l < len(sessions) {
			sessions = sessions[:l]
		}
	}

	respondEnvelope(w, http.StatusOK, websocket.SuccessEnvelope(engine.StepQuizAvailable, map[string]interface{}{
		"count":    len(sessions),
		"sessions": sessions,
	}))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	info, err := s.service.GetSession(r.Context(), vars["quizName"])
	if err != nil {
		respondError(w, engine.StepQuizAvailable, err)
		return
	}

	respondEnvelope(w, http.StatusOK, websocket.SuccessEnvelope(engine.StepQuizAvailable, map[string]interface{}{
		"session": info,
	}))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	if err := s.service.DeleteSession(r.Context(), vars["quizName"]); err != nil {
		respondError(w, engine.StepQuizClosed, err)
		return
	}

	respondEnvelope(w, http.StatusOK, websocket.SuccessEnvelope(engine.StepQuizClosed, map[string]interface{}{
		"hashtag": vars["quizName"],
	}))
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	results, err := s.service.Results(r.Context(), vars["quizName"])
	if err != nil {
		respondError(w, engine.StepQuizResults, err)
		return
	}

	respondEnvelope(w, http.StatusOK, websocket.SuccessEnvelope(engine.StepQuizResults, map[string]interface{}{
		"results": results,
	}))
}

// Owner command handlers. These mirror the websocket operations for admin
// tooling that speaks plain HTTP; the owner token travels in the
// Authorization header.

func (s *Server) handleStartQuiz(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	if err := s.service.StartQuiz(r.Context(), vars["quizName"], r.Header.Get("Authorization")); err != nil {
		respondError(w, engine.StepQuizStart, err)
		return
	}
	respondEnvelope(w, http.StatusOK, websocket.SuccessEnvelope(engine.StepQuizStart, nil))
}

func (s *Server) handleAdvanceQuiz(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	if err := s.service.AdvanceQuiz(r.Context(), vars["quizName"], r.Header.Get("Authorization")); err != nil {
		respondError(w, engine.StepNextQuestion, err)
		return
	}
	respondEnvelope(w, http.StatusOK, websocket.SuccessEnvelope(engine.StepNextQuestion, nil))
}

func (s *Server) handleCloseQuiz(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	if err := s.service.CloseQuiz(r.Context(), vars["quizName"], r.Header.Get("Authorization")); err != nil {
		respondError(w, engine.StepQuizClosed, err)
		return
	}
	respondEnvelope(w, http.StatusOK, websocket.SuccessEnvelope(engine.StepQuizClosed, nil))
}

// Health check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}
