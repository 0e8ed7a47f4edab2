package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/kuntalrambabu/arsnova-live/quiz/engine"
	ws "github.com/kuntalrambabu/arsnova-live/transport/websocket"
)

var (
	ErrNotJoinable  = errors.New("quiz did not become joinable")
	ErrNotConnected = errors.New("client is not connected")
	ErrJoinRejected = errors.New("join rejected")
	ErrUnauthorized = errors.New("authorization rejected")
)

// Client is an attendee-side collaborator: it joins a quiz over the REST
// surface, attaches over the websocket, and keeps the attachment alive across
// transport drops by redialing with bounded backoff and re-authorizing with
// the retained token.
type Client struct {
	baseURL  string
	hashtag  string
	nickname string

	httpClient *http.Client

	maxAttempts int

	mu     sync.Mutex
	token  string
	conn   *websocket.Conn
	closed bool

	events chan ws.Envelope
	done   chan struct{}
	once   sync.Once
}

// New creates a client for one attendee. baseURL is the server's HTTP root,
// e.g. http://localhost:8080.
func New(baseURL, hashtag, nickname string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		hashtag:  hashtag,
		nickname: nickname,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		maxAttempts: 5,
		events:      make(chan ws.Envelope, 64),
		done:        make(chan struct{}),
	}
}

// SetMaxReconnectAttempts overrides how many redials a transport drop gets
// before the client gives up.
func (c *Client) SetMaxReconnectAttempts(n int) {
	c.maxAttempts = n
}

// Events returns the stream of broadcast envelopes. Closed when the client
// gives up or is closed.
func (c *Client) Events() <-chan ws.Envelope {
	return c.events
}

// Token returns the member credential issued at join time.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// AwaitJoinable polls the availability endpoint until the quiz reports a
// joinable lobby. A not-yet-open session answers LOBBY:INACTIVE, which is a
// retry signal rather than a failure.
func (c *Client) AwaitJoinable(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    250 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		env, err := c.quizStatus(ctx)
		if err == nil && env.Status == ws.StatusSuccess && env.Step == engine.StepQuizAvailable {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return ErrNotJoinable
}

func (c *Client) quizStatus(ctx context.Context) (ws.Envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/quiz/status/"+c.hashtag, nil)
	if err != nil {
		return ws.Envelope{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ws.Envelope{}, fmt.Errorf("quiz status: %w", err)
	}
	defer resp.Body.Close()

	var env ws.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return ws.Envelope{}, fmt.Errorf("decode status: %w", err)
	}
	return env, nil
}

// Join admits the nickname into the lobby and retains the issued token.
func (c *Client) Join(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"quizName": c.hashtag,
		"nickname": c.nickname,
	})
	if err != nil {
		return fmt.Errorf("marshal join: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/api/v1/lobby/member", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}
	defer resp.Body.Close()

	var env ws.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode join: %w", err)
	}
	if env.Status != ws.StatusSuccess {
		reason, _ := env.Payload["reason"].(string)
		return fmt.Errorf("%w: %s", ErrJoinRejected, reason)
	}

	token, _ := env.Payload["webSocketAuthorization"].(string)
	if token == "" {
		return fmt.Errorf("%w: no token in response", ErrJoinRejected)
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return nil
}

// Connect dials the websocket, authorizes with the retained token, and starts
// the read loop. Join must have succeeded first.
func (c *Client) Connect(ctx context.Context) error {
	if c.Token() == "" {
		return ErrNotConnected
	}

	if err := c.dialAndAuthorize(ctx); err != nil {
		return err
	}

	go c.readLoop(ctx)
	return nil
}

func (c *Client) dialAndAuthorize(ctx context.Context) error {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/ws"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	authorize := ws.Envelope{
		Status: ws.StatusSuccess,
		Step:   engine.StepAuthorize,
		Payload: map[string]interface{}{
			"hashtag":                c.hashtag,
			"webSocketAuthorization": c.Token(),
		},
	}
	if err := conn.WriteJSON(authorize); err != nil {
		conn.Close()
		return fmt.Errorf("authorize: %w", err)
	}

	var reply ws.Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		conn.Close()
		return fmt.Errorf("authorize reply: %w", err)
	}
	if reply.Status != ws.StatusSuccess {
		conn.Close()
		reason, _ := reply.Payload["reason"].(string)
		return fmt.Errorf("%w: %s", ErrUnauthorized, reason)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.deliver(reply)
	return nil
}

// readLoop forwards broadcasts to the events channel. On a transport drop it
// redials with backoff; the token survives the drop, so a successful redial
// reattaches the same member.
func (c *Client) readLoop(ctx context.Context) {
	defer c.Close()

	b := &backoff.Backoff{
		Min:    250 * time.Millisecond,
		Max:    10 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for {
		conn := c.currentConn()
		if conn == nil {
			return
		}

		var env ws.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			select {
			case <-c.done:
				return
			default:
			}

			if !c.reconnect(ctx, b) {
				log.Printf("Client %s gave up after %d reconnect attempts", c.nickname, c.maxAttempts)
				return
			}
			b.Reset()
			continue
		}
		c.deliver(env)
	}
}

func (c *Client) reconnect(ctx context.Context, b *backoff.Backoff) bool {
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-c.done:
			return false
		case <-time.After(b.Duration()):
		}

		if err := c.dialAndAuthorize(ctx); err != nil {
			log.Printf("Client %s reconnect attempt %d failed: %v", c.nickname, attempt+1, err)
			continue
		}
		return true
	}
	return false
}

// SubmitResponse sends the attendee's answer for a question.
func (c *Client) SubmitResponse(questionIndex int, value string) error {
	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}

	return conn.WriteJSON(ws.Envelope{
		Status: ws.StatusSuccess,
		Step:   engine.StepUpdatedResponse,
		Payload: map[string]interface{}{
			"questionIndex": questionIndex,
			"value":         value,
		},
	})
}

// RequestAllPlayers asks for the current lobby roster; the reply arrives on
// the events channel.
func (c *Client) RequestAllPlayers() error {
	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteJSON(ws.Envelope{
		Status: ws.StatusSuccess,
		Step:   engine.StepAllPlayers,
	})
}

// Close shuts the client down. Safe to call more than once. The events
// channel is closed under the same lock deliver holds, so an in-flight
// delivery can never hit the closed channel.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)

		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.closed = true
		close(c.events)
		c.mu.Unlock()
	})
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) deliver(env ws.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	select {
	case c.events <- env:
	default:
		// Slow consumer; drop rather than stall the read loop.
	}
}
