package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/kuntalrambabu/arsnova-live/api"
	"github.com/kuntalrambabu/arsnova-live/quiz/auth"
	"github.com/kuntalrambabu/arsnova-live/quiz/engine"
	"github.com/kuntalrambabu/arsnova-live/quiz/service"
	"github.com/kuntalrambabu/arsnova-live/quiz/session"
	ws "github.com/kuntalrambabu/arsnova-live/transport/websocket"
)

func newTestServer(t *testing.T) (*httptest.Server, *service.Service, *ws.Hub) {
	t.Helper()

	store, err := session.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}

	svc := service.NewQuizService(session.NewManager(), auth.NewService(), store)
	hub := ws.NewHub(svc)
	svc.SetBroadcaster(hub)
	go hub.Run()

	server := httptest.NewServer(api.NewServer(svc, hub))
	t.Cleanup(server.Close)
	return server, svc, hub
}

func registerQuiz(t *testing.T, svc *service.Service, hashtag string) *service.SessionInfo {
	t.Helper()

	info, err := svc.RegisterSession(context.Background(), &engine.QuizDefinition{
		Hashtag: hashtag,
		Questions: []engine.Question{
			{ID: "q1", Text: "Question 1", AnswerOptions: []string{"a", "b"}},
		},
	})
	if err != nil {
		t.Fatalf("RegisterSession() error: %v", err)
	}
	return info
}

// awaitStep drains the event stream until the wanted step arrives.
func awaitStep(t *testing.T, c *Client, step engine.Step) ws.Envelope {
	t.Helper()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case env, ok := <-c.Events():
			if !ok {
				t.Fatalf("event stream closed while waiting for %s", step)
			}
			if env.Step == step {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s event within deadline", step)
		}
	}
}

func TestClientJoinAndConnect(t *testing.T) {
	server, svc, _ := newTestServer(t)
	info := registerQuiz(t, svc, "demoquiz")
	ctx := context.Background()

	c := New(server.URL, "demoquiz", "alice")
	defer c.Close()

	if err := c.AwaitJoinable(ctx); err != nil {
		t.Fatalf("AwaitJoinable() error: %v", err)
	}
	if err := c.Join(ctx); err != nil {
		t.Fatalf("Join() error: %v", err)
	}
	if c.Token() == "" {
		t.Fatal("no token retained after join")
	}
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	// The authorize reply carries the lobby roster.
	roster := awaitStep(t, c, engine.StepAllPlayers)
	if roster.Status != ws.StatusSuccess {
		t.Errorf("roster status = %s, want SUCCESS", roster.Status)
	}

	if err := svc.StartQuiz(ctx, "demoquiz", info.OwnerToken); err != nil {
		t.Fatalf("StartQuiz() error: %v", err)
	}
	awaitStep(t, c, engine.StepQuizStart)
	awaitStep(t, c, engine.StepNextQuestion)

	if err := c.SubmitResponse(0, "b"); err != nil {
		t.Fatalf("SubmitResponse() error: %v", err)
	}
	awaitStep(t, c, engine.StepUpdatedResponse)

	results, err := svc.Results(ctx, "demoquiz")
	if err != nil {
		t.Fatalf("Results() error: %v", err)
	}
	if results["alice"][0] != "b" {
		t.Errorf("recorded answer = %q, want b", results["alice"][0])
	}
}

func TestClientJoinRejected(t *testing.T) {
	server, svc, _ := newTestServer(t)
	registerQuiz(t, svc, "demoquiz")
	ctx := context.Background()

	first := New(server.URL, "demoquiz", "alice")
	defer first.Close()
	if err := first.Join(ctx); err != nil {
		t.Fatalf("Join() error: %v", err)
	}

	second := New(server.URL, "demoquiz", "alice")
	defer second.Close()
	if err := second.Join(ctx); !errors.Is(err, ErrJoinRejected) {
		t.Errorf("duplicate Join() error = %v, want ErrJoinRejected", err)
	}
}

func TestClientConnectWithoutJoin(t *testing.T) {
	server, svc, _ := newTestServer(t)
	registerQuiz(t, svc, "demoquiz")

	c := New(server.URL, "demoquiz", "alice")
	defer c.Close()

	if err := c.Connect(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Connect() error = %v, want ErrNotConnected", err)
	}
}

func TestAwaitJoinableGivesUp(t *testing.T) {
	server, _, _ := newTestServer(t)

	c := New(server.URL, "ghost", "alice")
	defer c.Close()
	c.SetMaxReconnectAttempts(2)

	if err := c.AwaitJoinable(context.Background()); !errors.Is(err, ErrNotJoinable) {
		t.Errorf("AwaitJoinable() error = %v, want ErrNotJoinable", err)
	}
}

func TestCloseRacesDelivery(t *testing.T) {
	c := New("http://127.0.0.1:0", "demoquiz", "alice")

	// Close must never race the read loop's deliveries onto a closed
	// channel.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			c.deliver(ws.Envelope{Step: engine.StepMemberAdded})
		}
	}()

	c.Close()
	c.Close() // idempotent
	wg.Wait()

	// Deliveries after Close are dropped and the stream drains to closed.
	c.deliver(ws.Envelope{Step: engine.StepMemberAdded})

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-c.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("events channel not closed after Close")
		}
	}
}

func TestClientReconnects(t *testing.T) {
	server, svc, hub := newTestServer(t)
	registerQuiz(t, svc, "demoquiz")
	ctx := context.Background()

	c := New(server.URL, "demoquiz", "alice")
	defer c.Close()
	if err := c.Join(ctx); err != nil {
		t.Fatalf("Join() error: %v", err)
	}
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	awaitStep(t, c, engine.StepAllPlayers)

	// Drop the transport server-side. The client redials with the retained
	// token and reattaches as the same member.
	subscribers := hub.Subscribers("demoquiz")
	if len(subscribers) != 1 {
		t.Fatalf("Subscribers = %v, want 1 entry", subscribers)
	}
	hub.DetachConnection(subscribers[0])

	// The re-authorization delivers a fresh roster.
	awaitStep(t, c, engine.StepAllPlayers)

	deadline := time.Now().Add(3 * time.Second)
	for len(hub.Subscribers("demoquiz")) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("client did not resubscribe; Subscribers = %v", hub.Subscribers("demoquiz"))
		}
		time.Sleep(10 * time.Millisecond)
	}

	members, _ := svc.MemberSnapshot(ctx, "demoquiz")
	if len(members) != 1 || members[0].Name != "alice" {
		t.Errorf("membership after reconnect = %v, want alice", members)
	}
}
