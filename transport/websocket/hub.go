package websocket

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kuntalrambabu/arsnova-live/quiz/auth"
	"github.com/kuntalrambabu/arsnova-live/quiz/engine"
	"github.com/kuntalrambabu/arsnova-live/quiz/service"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins in development
		// TODO: Configure this for production
		return true
	},
}

// Client is one live transport connection in the registry. A client starts
// unauthenticated; a successful WEBSOCKET:AUTHORIZE attaches it to a session
// with a role and the handler table for that role.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	id       string
	hashtag  string
	role     auth.Role
	nickname string
	token    string
	handlers map[engine.Step]opHandler
	detached bool
}

// ID returns the connection identifier.
func (c *Client) ID() string { return c.id }

type inboundFrame struct {
	client *Client
	data   []byte
}

// Hub is the connection registry and broadcast service. It owns every open
// connection and the per-session subscriber sets; map mutation funnels
// through the Run loop so mutation order follows event arrival order.
type Hub struct {
	service *service.Service
	router  *Router

	mu       sync.RWMutex
	clients  map[string]*Client          // connection id -> client
	sessions map[string]map[*Client]bool // hashtag -> subscriber set

	register   chan *Client
	unregister chan *Client
	inbound    chan inboundFrame
	commands   chan func()
}

// NewHub creates a hub routing inbound envelopes to the given service.
func NewHub(svc *service.Service) *Hub {
	h := &Hub{
		service:    svc,
		clients:    make(map[string]*Client),
		sessions:   make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inboundFrame),
		commands:   make(chan func(), 64),
	}
	h.router = newRouter(svc, h)
	return h
}

// Run starts the hub's dispatch loop. Inbound frames, connection opens and
// closes, and deferred commands are handled one at a time.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.detachClient(client, true)

		case frame := <-h.inbound:
			h.dispatch(frame)

		case fn := <-h.commands:
			fn()
		}
	}
}

// ServeWS upgrades an HTTP request and registers the new connection. The
// connection carries no session association until it authorizes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
		id:   uuid.NewString(),
		role: auth.RoleNone,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// Publish delivers an event to every current subscriber of a session. A
// subscriber that cannot accept the message is detached exactly once without
// affecting delivery to the others.
func (h *Hub) Publish(hashtag string, event engine.Event) {
	data, err := json.Marshal(EventEnvelope(event))
	if err != nil {
		log.Printf("Failed to marshal broadcast for %s: %v", hashtag, err)
		return
	}

	h.mu.RLock()
	subscribers := make([]*Client, 0, len(h.sessions[sessionKey(hashtag)]))
	for client := range h.sessions[sessionKey(hashtag)] {
		subscribers = append(subscribers, client)
	}
	h.mu.RUnlock()

	for _, client := range subscribers {
		select {
		case client.send <- data:
		default:
			// Send queue full; drop the connection through the loop.
			h.scheduleDetach(client, true)
		}
	}
}

// DetachConnection drops a connection without running the member-detach
// path. Used when a kick already removed the member.
func (h *Hub) DetachConnection(connectionID string) {
	h.enqueueCommand(func() {
		if client, ok := h.clients[connectionID]; ok {
			h.detachClient(client, false)
		}
	})
}

// Subscribers returns a snapshot of the connection ids currently attached to
// a session. Safe to iterate while attach/detach continue concurrently.
func (h *Hub) Subscribers(hashtag string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.sessions[sessionKey(hashtag)]))
	for client := range h.sessions[sessionKey(hashtag)] {
		ids = append(ids, client.id)
	}
	return ids
}

// ConnectionCount returns the number of open connections, attached or not.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// registerClient adds a new, unattached connection to the registry.
func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client.id] = client
	h.mu.Unlock()

	log.Printf("Connection %s registered (total: %d)", client.id, h.ConnectionCount())
}

// unsubscribe removes a client from its current session's subscriber set
// without detaching the connection. Used when a connection re-authorizes into
// a different session.
func (h *Hub) unsubscribe(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := sessionKey(client.hashtag)
	if subscribers, ok := h.sessions[key]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.sessions, key)
		}
	}
}

// attachClient subscribes an authorized connection to its session.
func (h *Hub) attachClient(client *Client) {
	h.mu.Lock()
	key := sessionKey(client.hashtag)
	if h.sessions[key] == nil {
		h.sessions[key] = make(map[*Client]bool)
	}
	h.sessions[key][client] = true
	h.mu.Unlock()

	log.Printf("Connection %s attached to session %s as %s", client.id, client.hashtag, client.role)
}

// detachClient removes a connection from the registry. Idempotent: detaching
// an already-detached connection is a no-op. The send queue stays open so a
// Publish holding a pre-detach subscriber snapshot can never hit a closed
// channel; the write side is told to stop through the done channel instead.
// When notifyService is set and the connection held an attendee role, the
// owning session is told so the member's reconnection window starts.
func (h *Hub) detachClient(client *Client, notifyService bool) {
	if client == nil || client.detached {
		return
	}
	client.detached = true

	h.mu.Lock()
	delete(h.clients, client.id)
	if client.hashtag != "" {
		key := sessionKey(client.hashtag)
		if subscribers, ok := h.sessions[key]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.sessions, key)
			}
		}
	}
	h.mu.Unlock()

	close(client.done)

	if notifyService && client.role == auth.RoleAttendee {
		h.service.ConnectionClosed(context.Background(), client.hashtag, client.id)
	}

	log.Printf("Connection %s detached (remaining: %d)", client.id, h.ConnectionCount())
}

// dispatch routes one inbound frame and writes the reply back to the sender.
// Frames from a client detached earlier in the loop are dropped: the sender
// is gone and a kicked client must not reach the router with stale bindings.
func (h *Hub) dispatch(frame inboundFrame) {
	if frame.client.detached {
		return
	}

	reply := h.router.route(frame.client, frame.data)

	data, err := json.Marshal(reply)
	if err != nil {
		log.Printf("Failed to marshal reply: %v", err)
		return
	}

	select {
	case frame.client.send <- data:
	default:
		h.scheduleDetach(frame.client, true)
	}
}

// scheduleDetach funnels a detach through the dispatch loop so it runs at
// most once and never races a command in flight.
func (h *Hub) scheduleDetach(client *Client, notifyService bool) {
	h.enqueueCommand(func() {
		h.detachClient(client, notifyService)
	})
}

// enqueueCommand queues fn for the loop without ever blocking the caller,
// which may itself be the loop.
func (h *Hub) enqueueCommand(fn func()) {
	select {
	case h.commands <- fn:
	default:
		go func() { h.commands <- fn }()
	}
}

// readPump pumps frames from the connection into the hub's dispatch loop.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error on %s: %v", c.id, err)
			}
			break
		}
		c.hub.inbound <- inboundFrame{client: c, data: data}
	}
}

// writePump pumps queued messages to the connection and keeps it alive with
// pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.done:
			// The hub detached this connection.
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
