package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kuntalrambabu/arsnova-live/quiz/auth"
	"github.com/kuntalrambabu/arsnova-live/quiz/engine"
	"github.com/kuntalrambabu/arsnova-live/quiz/session"
	"github.com/kuntalrambabu/arsnova-live/validate"
)

// fakeBroadcaster records published events and detached connections.
type fakeBroadcaster struct {
	mu       sync.Mutex
	events   []engine.Event
	hashtags []string
	detached []string
}

func (f *fakeBroadcaster) Publish(hashtag string, event engine.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hashtags = append(f.hashtags, hashtag)
	f.events = append(f.events, event)
}

func (f *fakeBroadcaster) DetachConnection(connectionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = append(f.detached, connectionID)
}

func (f *fakeBroadcaster) steps() []engine.Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	steps := make([]engine.Step, len(f.events))
	for i, e := range f.events {
		steps[i] = e.Step
	}
	return steps
}

func testDefinition(hashtag string, questions int) *engine.QuizDefinition {
	def := &engine.QuizDefinition{Hashtag: hashtag}
	for i := 0; i < questions; i++ {
		def.Questions = append(def.Questions, engine.Question{
			ID:            "q",
			Text:          "Question",
			AnswerOptions: []string{"a", "b"},
		})
	}
	return def
}

func newTestService(t *testing.T) (*Service, *fakeBroadcaster) {
	t.Helper()

	store, err := session.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}

	svc := NewQuizService(session.NewManager(), auth.NewService(), store)
	broadcaster := &fakeBroadcaster{}
	svc.SetBroadcaster(broadcaster)
	return svc, broadcaster
}

func TestRegisterSession(t *testing.T) {
	ctx := context.Background()

	t.Run("opens lobby and issues owner token", func(t *testing.T) {
		svc, _ := newTestService(t)

		info, err := svc.RegisterSession(ctx, testDefinition("demoquiz", 2))
		if err != nil {
			t.Fatalf("RegisterSession() error: %v", err)
		}
		if info.OwnerToken == "" {
			t.Error("no owner token issued")
		}
		if info.Phase != engine.PhaseLobby {
			t.Errorf("Phase = %s, want %s", info.Phase, engine.PhaseLobby)
		}
		if info.QuestionCount != 2 {
			t.Errorf("QuestionCount = %d, want 2", info.QuestionCount)
		}
	})

	t.Run("duplicate hashtag", func(t *testing.T) {
		svc, _ := newTestService(t)
		svc.RegisterSession(ctx, testDefinition("demoquiz", 2))

		if _, err := svc.RegisterSession(ctx, testDefinition("DEMOQUIZ", 2)); !errors.Is(err, session.ErrSessionAlreadyExists) {
			t.Errorf("error = %v, want ErrSessionAlreadyExists", err)
		}
	})

	t.Run("invalid hashtag", func(t *testing.T) {
		svc, _ := newTestService(t)

		if _, err := svc.RegisterSession(ctx, testDefinition("bad hashtag!", 2)); !errors.Is(err, validate.ErrInvalidHashtag) {
			t.Errorf("error = %v, want ErrInvalidHashtag", err)
		}
	})
}

func TestRegisterFromStore(t *testing.T) {
	ctx := context.Background()

	t.Run("loads a stored definition", func(t *testing.T) {
		svc, _ := newTestService(t)

		// First registration persists the definition; delete the session and
		// re-register from storage alone.
		if _, err := svc.RegisterSession(ctx, testDefinition("demoquiz", 2)); err != nil {
			t.Fatalf("RegisterSession() error: %v", err)
		}
		if err := svc.DeleteSession(ctx, "demoquiz"); err != nil {
			t.Fatalf("DeleteSession() error: %v", err)
		}

		info, err := svc.RegisterFromStore(ctx, "demoquiz")
		if err != nil {
			t.Fatalf("RegisterFromStore() error: %v", err)
		}
		if info.QuestionCount != 2 {
			t.Errorf("QuestionCount = %d, want 2", info.QuestionCount)
		}
	})

	t.Run("missing quiz leaves no session behind", func(t *testing.T) {
		svc, _ := newTestService(t)

		if _, err := svc.RegisterFromStore(ctx, "ghost"); !errors.Is(err, session.ErrSessionNotFound) {
			t.Fatalf("error = %v, want ErrSessionNotFound", err)
		}
		if _, err := svc.GetSession(ctx, "ghost"); !errors.Is(err, session.ErrSessionNotFound) {
			t.Error("partial session registered after failed load")
		}
	})
}

func TestAddMember(t *testing.T) {
	ctx := context.Background()

	t.Run("issues token and broadcasts", func(t *testing.T) {
		svc, broadcaster := newTestService(t)
		svc.RegisterSession(ctx, testDefinition("demoquiz", 2))

		result, err := svc.AddMember(ctx, "demoquiz", "alice")
		if err != nil {
			t.Fatalf("AddMember() error: %v", err)
		}
		if result.Token == "" {
			t.Error("no member token issued")
		}
		if result.Member.Name != "alice" {
			t.Errorf("member name = %q, want alice", result.Member.Name)
		}

		steps := broadcaster.steps()
		if len(steps) != 1 || steps[0] != engine.StepMemberAdded {
			t.Errorf("broadcast steps = %v, want [MEMBER:ADDED]", steps)
		}
	})

	t.Run("duplicate nickname keeps existing token valid", func(t *testing.T) {
		svc, broadcaster := newTestService(t)
		svc.RegisterSession(ctx, testDefinition("demoquiz", 2))

		first, _ := svc.AddMember(ctx, "demoquiz", "alice")
		if _, err := svc.AddMember(ctx, "demoquiz", "alice"); !errors.Is(err, engine.ErrDuplicateNickname) {
			t.Fatalf("error = %v, want ErrDuplicateNickname", err)
		}

		// The failed join must not have invalidated alice's token.
		role, _, err := svc.AuthorizeConnection(ctx, "demoquiz", first.Token, "conn-1")
		if err != nil {
			t.Errorf("existing token rejected after duplicate join: %v", err)
		}
		if role != auth.RoleAttendee {
			t.Errorf("role = %s, want %s", role, auth.RoleAttendee)
		}

		if steps := broadcaster.steps(); len(steps) != 1 {
			t.Errorf("%d broadcasts after duplicate join, want 1", len(steps))
		}
	})

	t.Run("invalid nickname", func(t *testing.T) {
		svc, _ := newTestService(t)
		svc.RegisterSession(ctx, testDefinition("demoquiz", 2))

		if _, err := svc.AddMember(ctx, "demoquiz", ""); !errors.Is(err, validate.ErrInvalidNickname) {
			t.Errorf("error = %v, want ErrInvalidNickname", err)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		svc, _ := newTestService(t)

		if _, err := svc.AddMember(ctx, "ghost", "alice"); !errors.Is(err, session.ErrSessionNotFound) {
			t.Errorf("error = %v, want ErrSessionNotFound", err)
		}
	})
}

func TestRemoveMember(t *testing.T) {
	ctx := context.Background()

	t.Run("owner kick detaches the connection", func(t *testing.T) {
		svc, broadcaster := newTestService(t)
		info, _ := svc.RegisterSession(ctx, testDefinition("demoquiz", 2))
		joined, _ := svc.AddMember(ctx, "demoquiz", "alice")
		svc.AuthorizeConnection(ctx, "demoquiz", joined.Token, "conn-1")

		if err := svc.RemoveMember(ctx, "demoquiz", "alice", info.OwnerToken); err != nil {
			t.Fatalf("RemoveMember() error: %v", err)
		}

		steps := broadcaster.steps()
		if steps[len(steps)-1] != engine.StepMemberRemoved {
			t.Errorf("last broadcast = %s, want MEMBER:REMOVED", steps[len(steps)-1])
		}
		if len(broadcaster.detached) != 1 || broadcaster.detached[0] != "conn-1" {
			t.Errorf("detached = %v, want [conn-1]", broadcaster.detached)
		}

		// The kicked member's token is gone.
		if _, _, err := svc.AuthorizeConnection(ctx, "demoquiz", joined.Token, "conn-2"); !errors.Is(err, auth.ErrUnauthorized) {
			t.Errorf("kicked token still valid: %v", err)
		}
	})

	t.Run("non-owner cannot kick", func(t *testing.T) {
		svc, broadcaster := newTestService(t)
		svc.RegisterSession(ctx, testDefinition("demoquiz", 2))
		joined, _ := svc.AddMember(ctx, "demoquiz", "alice")

		before := len(broadcaster.steps())
		if err := svc.RemoveMember(ctx, "demoquiz", "alice", joined.Token); !errors.Is(err, auth.ErrUnauthorized) {
			t.Fatalf("error = %v, want ErrUnauthorized", err)
		}
		if len(broadcaster.steps()) != before {
			t.Error("failed kick still broadcast an event")
		}
	})
}

func TestQuizLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("start advance results close", func(t *testing.T) {
		svc, broadcaster := newTestService(t)
		info, _ := svc.RegisterSession(ctx, testDefinition("demoquiz", 2))
		svc.AddMember(ctx, "demoquiz", "alice")

		if err := svc.StartQuiz(ctx, "demoquiz", info.OwnerToken); err != nil {
			t.Fatalf("StartQuiz() error: %v", err)
		}
		if err := svc.AdvanceQuiz(ctx, "demoquiz", info.OwnerToken); err != nil {
			t.Fatalf("AdvanceQuiz() error: %v", err)
		}
		if err := svc.AdvanceQuiz(ctx, "demoquiz", info.OwnerToken); err != nil {
			t.Fatalf("final AdvanceQuiz() error: %v", err)
		}
		if err := svc.CloseQuiz(ctx, "demoquiz", info.OwnerToken); err != nil {
			t.Fatalf("CloseQuiz() error: %v", err)
		}

		want := []engine.Step{
			engine.StepMemberAdded,
			engine.StepQuizStart,
			engine.StepNextQuestion,
			engine.StepNextQuestion,
			engine.StepQuizResults,
			engine.StepQuizClosed,
		}
		got := broadcaster.steps()
		if len(got) != len(want) {
			t.Fatalf("broadcast steps = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("step[%d] = %s, want %s", i, got[i], want[i])
			}
		}
	})

	t.Run("owner token required", func(t *testing.T) {
		svc, _ := newTestService(t)
		svc.RegisterSession(ctx, testDefinition("demoquiz", 2))
		joined, _ := svc.AddMember(ctx, "demoquiz", "alice")

		if err := svc.StartQuiz(ctx, "demoquiz", joined.Token); !errors.Is(err, auth.ErrUnauthorized) {
			t.Errorf("attendee StartQuiz() error = %v, want ErrUnauthorized", err)
		}
		if err := svc.StartQuiz(ctx, "demoquiz", "bogus"); !errors.Is(err, auth.ErrUnauthorized) {
			t.Errorf("bogus StartQuiz() error = %v, want ErrUnauthorized", err)
		}
	})

	t.Run("close drops every session token", func(t *testing.T) {
		svc, _ := newTestService(t)
		info, _ := svc.RegisterSession(ctx, testDefinition("demoquiz", 2))
		svc.AddMember(ctx, "demoquiz", "alice")
		svc.StartQuiz(ctx, "demoquiz", info.OwnerToken)
		svc.CloseQuiz(ctx, "demoquiz", info.OwnerToken)

		if err := svc.CloseQuiz(ctx, "demoquiz", info.OwnerToken); !errors.Is(err, auth.ErrUnauthorized) {
			t.Errorf("owner token survived close: %v", err)
		}
	})
}

func TestSubmitResponse(t *testing.T) {
	ctx := context.Background()

	t.Run("attendee vote is recorded and broadcast", func(t *testing.T) {
		svc, broadcaster := newTestService(t)
		info, _ := svc.RegisterSession(ctx, testDefinition("demoquiz", 2))
		joined, _ := svc.AddMember(ctx, "demoquiz", "alice")
		svc.StartQuiz(ctx, "demoquiz", info.OwnerToken)

		if err := svc.SubmitResponse(ctx, "demoquiz", joined.Token, 0, "b"); err != nil {
			t.Fatalf("SubmitResponse() error: %v", err)
		}

		results, err := svc.Results(ctx, "demoquiz")
		if err != nil {
			t.Fatalf("Results() error: %v", err)
		}
		if results["alice"][0] != "b" {
			t.Errorf("recorded answer = %q, want b", results["alice"][0])
		}

		steps := broadcaster.steps()
		if steps[len(steps)-1] != engine.StepUpdatedResponse {
			t.Errorf("last broadcast = %s, want MEMBER:UPDATED_RESPONSE", steps[len(steps)-1])
		}
	})

	t.Run("owner token cannot vote", func(t *testing.T) {
		svc, _ := newTestService(t)
		info, _ := svc.RegisterSession(ctx, testDefinition("demoquiz", 2))
		svc.AddMember(ctx, "demoquiz", "alice")
		svc.StartQuiz(ctx, "demoquiz", info.OwnerToken)

		if err := svc.SubmitResponse(ctx, "demoquiz", info.OwnerToken, 0, "b"); !errors.Is(err, auth.ErrUnauthorized) {
			t.Errorf("error = %v, want ErrUnauthorized", err)
		}
	})
}

func TestAuthorizeConnection(t *testing.T) {
	ctx := context.Background()

	t.Run("owner and attendee roles", func(t *testing.T) {
		svc, _ := newTestService(t)
		info, _ := svc.RegisterSession(ctx, testDefinition("demoquiz", 2))
		joined, _ := svc.AddMember(ctx, "demoquiz", "alice")

		role, _, err := svc.AuthorizeConnection(ctx, "demoquiz", info.OwnerToken, "conn-owner")
		if err != nil {
			t.Fatalf("owner AuthorizeConnection() error: %v", err)
		}
		if role != auth.RoleOwner {
			t.Errorf("role = %s, want %s", role, auth.RoleOwner)
		}

		role, nickname, err := svc.AuthorizeConnection(ctx, "demoquiz", joined.Token, "conn-alice")
		if err != nil {
			t.Fatalf("attendee AuthorizeConnection() error: %v", err)
		}
		if role != auth.RoleAttendee || nickname != "alice" {
			t.Errorf("identity = (%s, %q), want (ATTENDEE, alice)", role, nickname)
		}
	})

	t.Run("closed session rejects attach", func(t *testing.T) {
		svc, _ := newTestService(t)
		info, _ := svc.RegisterSession(ctx, testDefinition("demoquiz", 2))
		joined, _ := svc.AddMember(ctx, "demoquiz", "alice")
		svc.StartQuiz(ctx, "demoquiz", info.OwnerToken)
		svc.CloseQuiz(ctx, "demoquiz", info.OwnerToken)

		if _, _, err := svc.AuthorizeConnection(ctx, "demoquiz", joined.Token, "conn-1"); !errors.Is(err, engine.ErrQuizClosed) {
			t.Errorf("error = %v, want ErrQuizClosed", err)
		}
	})
}

func TestPurgeDetachedMembers(t *testing.T) {
	ctx := context.Background()
	svc, broadcaster := newTestService(t)
	svc.RegisterSession(ctx, testDefinition("demoquiz", 2))
	joined, _ := svc.AddMember(ctx, "demoquiz", "alice")
	svc.AuthorizeConnection(ctx, "demoquiz", joined.Token, "conn-1")

	svc.ConnectionClosed(ctx, "demoquiz", "conn-1")

	// A generous window keeps the member alive.
	if purged := svc.PurgeDetachedMembers(ctx, time.Hour); purged != 0 {
		t.Fatalf("PurgeDetachedMembers(1h) = %d, want 0", purged)
	}

	time.Sleep(5 * time.Millisecond)
	if purged := svc.PurgeDetachedMembers(ctx, 0); purged != 1 {
		t.Fatalf("PurgeDetachedMembers(0) = %d, want 1", purged)
	}

	steps := broadcaster.steps()
	if steps[len(steps)-1] != engine.StepMemberRemoved {
		t.Errorf("last broadcast = %s, want MEMBER:REMOVED", steps[len(steps)-1])
	}

	// Token revoked with the purge.
	if _, _, err := svc.AuthorizeConnection(ctx, "demoquiz", joined.Token, "conn-2"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Errorf("purged token still valid: %v", err)
	}
}

func TestAvailability(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	info, _ := svc.RegisterSession(ctx, testDefinition("demoquiz", 2))

	t.Run("lobby is available", func(t *testing.T) {
		availability, err := svc.Availability(ctx, "demoquiz")
		if err != nil {
			t.Fatalf("Availability() error: %v", err)
		}
		if !availability.Available {
			t.Error("lobby session reported unavailable")
		}
	})

	t.Run("unknown session is unavailable, not an error", func(t *testing.T) {
		availability, err := svc.Availability(ctx, "ghost")
		if err != nil {
			t.Fatalf("Availability() error: %v", err)
		}
		if availability.Available {
			t.Error("unknown session reported available")
		}
	})

	t.Run("active session is unavailable", func(t *testing.T) {
		svc.AddMember(ctx, "demoquiz", "alice")
		svc.StartQuiz(ctx, "demoquiz", info.OwnerToken)

		availability, _ := svc.Availability(ctx, "demoquiz")
		if availability.Available {
			t.Error("active session reported available")
		}
	})
}
