// Package storetest is a conformance suite every store.Store driver runs
// from its own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sneh-joshi/voxpipe/internal/scope"
	"github.com/sneh-joshi/voxpipe/internal/store"
	"github.com/sneh-joshi/voxpipe/internal/types"
)

// Opener returns a fresh, empty store. The suite closes it.
type Opener func(t *testing.T) store.Store

// Run executes the suite against the driver produced by open.
func Run(t *testing.T, open Opener) {
	t.Run("SessionRoundTrip", func(t *testing.T) { testSessionRoundTrip(t, open(t)) })
	t.Run("ScopeIsolation", func(t *testing.T) { testScopeIsolation(t, open(t)) })
	t.Run("SessionQueryFlags", func(t *testing.T) { testSessionQueryFlags(t, open(t)) })
	t.Run("MessagesOrdered", func(t *testing.T) { testMessagesOrdered(t, open(t)) })
	t.Run("UpdateMessageAtomicLease", func(t *testing.T) { testAtomicLease(t, open(t)) })
	t.Run("UpdateMessagesSkipsForeign", func(t *testing.T) { testUpdateMessagesSkipsForeign(t, open(t)) })
	t.Run("CountAndDeleted", func(t *testing.T) { testCountAndDeleted(t, open(t)) })
}

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func putSession(t *testing.T, s store.Store, id, tag string, mutate func(*types.Session)) {
	t.Helper()
	sess := &types.Session{ID: id, RuntimeTag: tag, CreatedAt: epoch, UpdatedAt: epoch}
	if mutate != nil {
		mutate(sess)
	}
	if err := s.PutSession(context.Background(), sess); err != nil {
		t.Fatalf("PutSession(%s): %v", id, err)
	}
}

func putMessage(t *testing.T, s store.Store, m *types.Message) {
	t.Helper()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = epoch
	}
	if err := s.PutMessage(context.Background(), m); err != nil {
		t.Fatalf("PutMessage(%s): %v", m.ID, err)
	}
}

func testSessionRoundTrip(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	prod := scope.New("prod")

	putSession(t, s, "s1", "prod", func(sess *types.Session) {
		sess.Processors = types.DefaultProcessors()
		sess.SessionProcessors = []string{"CREATE_TASKS"}
	})

	got, err := s.GetSession(ctx, prod, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(got.Processors) != 3 || got.SessionProcessors[0] != "CREATE_TASKS" {
		t.Fatalf("unexpected session: %+v", got)
	}

	updated, err := s.UpdateSession(ctx, prod, "s1", func(sess *types.Session) error {
		sess.IsMessagesProcessed = true
		sess.SessionStage("CREATE_TASKS").Processed = true
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	if !updated.IsMessagesProcessed {
		t.Fatal("update result not applied")
	}
	again, err := s.GetSession(ctx, prod, "s1")
	if err != nil {
		t.Fatalf("GetSession after update: %v", err)
	}
	if !again.IsMessagesProcessed || !again.ProcessorsData["CREATE_TASKS"].Processed {
		t.Fatalf("update not persisted: %+v", again)
	}

	abort := errors.New("abort")
	if _, err := s.UpdateSession(ctx, prod, "s1", func(sess *types.Session) error {
		sess.IsFinalized = true
		return abort
	}); !errors.Is(err, abort) {
		t.Fatalf("expected fn error, got %v", err)
	}
	again, _ = s.GetSession(ctx, prod, "s1")
	if again.IsFinalized {
		t.Fatal("aborted update must not be persisted")
	}

	if _, err := s.GetSession(ctx, prod, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testScopeIsolation(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	prod := scope.New("prod")
	beta := scope.New("beta")

	putSession(t, s, "p", "prod", nil)
	putSession(t, s, "b", "beta", nil)
	putSession(t, s, "legacy", "", nil)

	ids := func(sc scope.Scope) map[string]bool {
		list, err := s.FindSessions(ctx, sc, store.SessionQuery{})
		if err != nil {
			t.Fatalf("FindSessions: %v", err)
		}
		out := map[string]bool{}
		for _, sess := range list {
			out[sess.ID] = true
		}
		return out
	}

	if got := ids(prod); !got["p"] || !got["legacy"] || got["b"] || len(got) != 2 {
		t.Errorf("prod tolerant: %v", got)
	}
	if got := ids(prod.StrictMode()); !got["p"] || len(got) != 1 {
		t.Errorf("prod strict: %v", got)
	}
	if got := ids(beta); !got["b"] || len(got) != 1 {
		t.Errorf("beta: %v", got)
	}

	_, err := s.GetSession(ctx, beta, "p")
	if !errors.Is(err, store.ErrNotFound) || !errors.Is(err, store.ErrScopeMismatch) {
		t.Errorf("expected not-found scope mismatch, got %v", err)
	}
	if _, err := s.UpdateSession(ctx, beta, "legacy", func(*types.Session) error { return nil }); !errors.Is(err, store.ErrScopeMismatch) {
		t.Errorf("beta must not update legacy rows, got %v", err)
	}
	if _, err := s.UpdateSession(ctx, prod.StrictMode(), "legacy", func(*types.Session) error { return nil }); !errors.Is(err, store.ErrScopeMismatch) {
		t.Errorf("strict prod must not update legacy rows, got %v", err)
	}
}

func testSessionQueryFlags(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	prod := scope.New("prod")

	putSession(t, s, "open", "prod", nil)
	putSession(t, s, "waiting", "prod", func(sess *types.Session) { sess.IsWaiting = true })
	putSession(t, s, "done", "prod", func(sess *types.Session) {
		sess.IsMessagesProcessed = true
		sess.ToFinalize = true
		sess.CreatedAt = epoch.Add(-time.Hour)
	})
	putSession(t, s, "deleted", "prod", func(sess *types.Session) { sess.IsDeleted = true })

	list, err := s.FindSessions(ctx, prod, store.SessionQuery{
		MessagesProcessed: store.Flag(false),
		Waiting:           store.Flag(false),
	})
	if err != nil {
		t.Fatalf("FindSessions: %v", err)
	}
	if len(list) != 1 || list[0].ID != "open" {
		t.Fatalf("expected only open, got %d sessions", len(list))
	}

	list, _ = s.FindSessions(ctx, prod, store.SessionQuery{
		MessagesProcessed: store.Flag(true),
		ToFinalize:        store.Flag(true),
		Finalized:         store.Flag(false),
	})
	if len(list) != 1 || list[0].ID != "done" {
		t.Fatalf("expected only done, got %d sessions", len(list))
	}

	list, _ = s.FindSessions(ctx, prod, store.SessionQuery{IncludeDeleted: true})
	if len(list) != 4 || list[0].ID != "done" {
		t.Fatalf("expected 4 sessions oldest first, got %d", len(list))
	}

	list, _ = s.FindSessions(ctx, prod, store.SessionQuery{CreatedBefore: epoch, Limit: 10})
	if len(list) != 1 || list[0].ID != "done" {
		t.Fatalf("CreatedBefore: got %d sessions", len(list))
	}
}

func testMessagesOrdered(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	prod := scope.New("prod")

	putMessage(t, s, &types.Message{ID: "m3", SessionID: "s", RuntimeTag: "prod", MessageID: 3})
	putMessage(t, s, &types.Message{ID: "m1", SessionID: "s", RuntimeTag: "prod", MessageID: 1})
	putMessage(t, s, &types.Message{ID: "m2", SessionID: "s", RuntimeTag: "prod", MessageID: 2})
	putMessage(t, s, &types.Message{ID: "other", SessionID: "s2", RuntimeTag: "prod", MessageID: 0})

	msgs, err := s.FindMessages(ctx, prod, store.MessageQuery{SessionID: "s"})
	if err != nil {
		t.Fatalf("FindMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if msgs[i].ID != want {
			t.Errorf("position %d: want %s, got %s", i, want, msgs[i].ID)
		}
	}
}

func testAtomicLease(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	prod := scope.New("prod")
	putMessage(t, s, &types.Message{ID: "m", SessionID: "s", RuntimeTag: "prod"})

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateMessage(ctx, prod, "m", func(m *types.Message) error {
				return m.Stage(types.StageTranscription).Acquire(time.Now())
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, types.ErrLeaseHeld) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one lease holder, got %d", wins)
	}
}

func testUpdateMessagesSkipsForeign(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	for i, tag := range []string{"prod", "beta", ""} {
		putMessage(t, s, &types.Message{ID: fmt.Sprintf("m%d", i), SessionID: "s", RuntimeTag: tag, ToTranscribe: true})
	}

	n, err := s.UpdateMessages(ctx, scope.New("beta"), []string{"m0", "m1", "m2", "missing"}, func(m *types.Message) error {
		m.ToTranscribe = false
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateMessages: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 update, got %d", n)
	}
	m0, _ := s.GetMessage(ctx, scope.New("prod"), "m0")
	if !m0.ToTranscribe {
		t.Error("prod message must be untouched by beta")
	}
}

func testCountAndDeleted(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	prod := scope.New("prod")
	putMessage(t, s, &types.Message{ID: "a", SessionID: "s", RuntimeTag: "prod"})
	putMessage(t, s, &types.Message{ID: "b", SessionID: "s", RuntimeTag: "prod", IsDeleted: true})

	n, err := s.CountMessages(ctx, prod, store.MessageQuery{SessionID: "s"})
	if err != nil || n != 1 {
		t.Fatalf("count live: n=%d err=%v", n, err)
	}
	n, _ = s.CountMessages(ctx, prod, store.MessageQuery{SessionID: "s", IncludeDeleted: true})
	if n != 2 {
		t.Fatalf("count all: %d", n)
	}
	n, _ = s.CountMessages(ctx, prod, store.MessageQuery{SessionID: "empty", IncludeDeleted: true})
	if n != 0 {
		t.Fatalf("count empty: %d", n)
	}
}
