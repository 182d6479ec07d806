package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"live-quiz-engine/internal/app"
	"live-quiz-engine/internal/auth"
	"live-quiz-engine/internal/domain"
	"live-quiz-engine/internal/infra/memory"
	"live-quiz-engine/internal/scheduler"
)

func TestRecoverLeavesRestartedQuizLive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	quiz, _ := f.createQuiz(t, choiceQuestion(1, "1 + 1", "2"))

	windowStart := f.clock.Now().Add(time.Minute)
	windowEnd := windowStart.Add(time.Minute)
	if _, err := f.lifecycle.Schedule(ctx, creator, quiz.ID, windowStart, windowEnd); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	f.clock.Advance(time.Minute)
	if err := f.lifecycle.StartScheduled(ctx, quiz.ID); err != nil {
		t.Fatalf("scheduled start: %v", err)
	}
	f.clock.Advance(time.Minute)
	if err := f.lifecycle.EndScheduled(ctx, quiz.ID); err != nil {
		t.Fatalf("scheduled end: %v", err)
	}
	done, _ := f.store.GetQuiz(ctx, quiz.ID)
	if done.Status != domain.StatusCompleted || done.LiveEndAt != nil {
		t.Fatalf("expected completed quiz with consumed window, got %+v", done)
	}

	f.clock.Advance(time.Hour)
	restarted, err := f.lifecycle.Start(ctx, creator, quiz.ID)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if len(restarted.LiveHistory) != 2 || restarted.LiveEndAt != nil {
		t.Fatalf("unexpected restarted quiz %+v", restarted)
	}

	// Rows written before windows were consumed still carry the old one.
	legacy := restarted
	legacy.LiveStartAt = &windowStart
	legacy.LiveEndAt = &windowEnd
	if err := f.store.CompareAndSwapQuiz(ctx, legacy, domain.StatusLive); err != nil {
		t.Fatalf("write legacy window: %v", err)
	}

	sched := scheduler.New(f.lifecycle, zaptest.NewLogger(t))
	defer sched.Stop()
	f.lifecycle.SetWakeups(sched)
	if err := sched.Recover(ctx, f.store); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if _, _, ok := sched.Pending(quiz.ID); ok {
		t.Fatalf("restarted quiz must not get the old end wake-up")
	}
	got, _ := f.store.GetQuiz(ctx, quiz.ID)
	if !got.IsLive || got.Status != domain.StatusLive {
		t.Fatalf("expected quiz still live, got %s isLive=%v", got.Status, got.IsLive)
	}
}

// interleavingStore runs a hook right before the next entry upsert.
type interleavingStore struct {
	*memory.Store
	beforeUpsert func()
}

func (s *interleavingStore) UpsertEntry(ctx context.Context, e domain.LeaderboardEntry) error {
	hook := s.beforeUpsert
	s.beforeUpsert = nil
	if hook != nil {
		hook()
	}
	return s.Store.UpsertEntry(ctx, e)
}

func TestDisqualificationSurvivesConcurrentRecompute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	quiz, qs := f.liveQuiz(t)

	for _, u := range []struct {
		id    string
		taken int
	}{{"u1", 2}, {"u2", 9}} {
		if _, err := f.submissions.Submit(ctx, quiz.ID, u.id, domain.AnswerSubmission{QuestionID: qs[0].ID, Value: raw(`"2"`), TimeTakenSeconds: u.taken}); err != nil {
			t.Fatalf("submit %s: %v", u.id, err)
		}
	}

	log := zaptest.NewLogger(t)
	store := &interleavingStore{Store: f.store}
	questions := memory.NewQuestionCache(store, time.Minute)
	lb := app.NewLeaderboardService(store, questions, auth.CreatorOrAdmin{}, f.gateway, log).WithClock(f.clock.Now)
	store.beforeUpsert = func() {
		if _, err := lb.SetDisqualified(ctx, admin, quiz.ID, "u1", true); err != nil {
			t.Errorf("disqualify: %v", err)
		}
	}

	if _, err := lb.Recompute(ctx, quiz.ID, "u1"); err != nil {
		t.Fatalf("recompute: %v", err)
	}

	board, err := f.leaderboard.Get(ctx, quiz.ID)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	for _, e := range board.Entries {
		switch e.UserID {
		case "u1":
			if !e.IsDisqualified || e.Rank != 0 {
				t.Fatalf("disqualification lost: %+v", e)
			}
		case "u2":
			if e.Rank != 1 {
				t.Fatalf("expected u2 ranked first, got %+v", e)
			}
		}
	}
}

func TestJoinReadsSharedAnchor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	quiz, qs := f.liveQuiz(t)

	// A second process sharing the registry has no local timer for the quiz.
	peer := app.NewGateway(f.registry, f.store, zaptest.NewLogger(t)).WithClock(f.clock.Now)
	f.clock.Advance(21 * time.Second)

	state, err := peer.Join(ctx, quiz.ID, domain.Participant{UserID: "u9", DisplayName: "Remote"})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if peer.Active(quiz.ID) {
		t.Fatalf("peer should not own a timer")
	}
	if state.QuestionIndex != 1 || state.ElapsedSeconds != 21 || state.RemainingSeconds != 39 {
		t.Fatalf("unexpected join state %+v", state)
	}
	if state.CurrentQuestion == nil || state.CurrentQuestion.ID != qs[1].ID {
		t.Fatalf("unexpected current question %+v", state.CurrentQuestion)
	}

	roster, err := f.gateway.Participants(ctx, quiz.ID)
	if err != nil || len(roster) != 1 || roster[0].UserID != "u9" {
		t.Fatalf("expected shared roster, got %+v %v", roster, err)
	}
}

func TestRestoreRebuildsFromRegistryAnchors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	quiz, _ := f.liveQuiz(t)

	done, _ := f.createQuiz(t, choiceQuestion(1, "3 + 3", "6"))
	if _, err := f.lifecycle.Start(ctx, creator, done.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, _, err := f.lifecycle.End(ctx, creator, done.ID); err != nil {
		t.Fatalf("end: %v", err)
	}

	// The registry holds the authoritative timer and one anchor that
	// outlived its quiz.
	started := f.clock.Now().Add(-30 * time.Second)
	_ = f.registry.Activate(ctx, domain.SessionAnchor{QuizID: quiz.ID, StartedAt: started, TimeLimitSeconds: 60})
	_ = f.registry.Activate(ctx, domain.SessionAnchor{QuizID: done.ID, StartedAt: started, TimeLimitSeconds: 60})

	log := zaptest.NewLogger(t)
	questions := memory.NewQuestionCache(f.store, time.Minute)
	gw := app.NewGateway(f.registry, f.store, log).WithClock(f.clock.Now)
	lb := app.NewLeaderboardService(f.store, questions, auth.CreatorOrAdmin{}, gw, log)
	lc := app.NewLifecycleController(f.store, questions, gw, auth.CreatorOrAdmin{}, lb, log).WithClock(f.clock.Now)

	if err := lc.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !gw.Active(quiz.ID) || gw.Active(done.ID) {
		t.Fatalf("expected only the live quiz restored")
	}
	if _, ok, _ := f.registry.Anchor(ctx, done.ID); ok {
		t.Fatalf("expected stale anchor released")
	}
	state, err := gw.Join(ctx, quiz.ID, domain.Participant{UserID: "u1"})
	if err != nil || state.ElapsedSeconds != 30 {
		t.Fatalf("expected timer resumed from anchor, got %+v %v", state, err)
	}
}

// flakyStore fails the next GetQuiz calls.
type flakyStore struct {
	*memory.Store
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) failNext(n int) {
	s.mu.Lock()
	s.failures = n
	s.mu.Unlock()
}

func (s *flakyStore) GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return domain.Quiz{}, errors.New("connection reset")
	}
	s.mu.Unlock()
	return s.Store.GetQuiz(ctx, quizID)
}

func TestExpiryRetriesAfterFailure(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := &flakyStore{Store: memory.NewStore()}
	questions := memory.NewQuestionCache(store, time.Minute)
	gw := app.NewGateway(memory.NewSessionRegistry(), store, log).WithClock(clock.Now)
	lb := app.NewLeaderboardService(store, questions, auth.CreatorOrAdmin{}, gw, log).WithClock(clock.Now)
	lc := app.NewLifecycleController(store, questions, gw, auth.CreatorOrAdmin{}, lb, log).WithClock(clock.Now)
	gw.SetExpiryHandler(lc.Expire)

	quiz, _, err := lc.Create(ctx, creator, app.QuizDraft{
		Title:     "Flaky",
		TimeLimit: 1,
		Questions: []domain.Question{choiceQuestion(1, "1 + 1", "2")},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := lc.Start(ctx, creator, quiz.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	store.failNext(1)
	clock.Advance(61 * time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for {
		gw.Tick(ctx)
		got, _ := store.Store.GetQuiz(ctx, quiz.ID)
		if got.Status == domain.StatusCompleted && !gw.Active(quiz.ID) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("quiz never ended after a failed expiry, status %s", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	store.mu.Lock()
	left := store.failures
	store.mu.Unlock()
	if left != 0 {
		t.Fatalf("expected the failing load to be consumed, %d left", left)
	}
}

func TestSubscribeCancelKeepsNewerHub(t *testing.T) {
	f := newFixture(t)

	_, first := f.gateway.Subscribe("quiz-x")
	first()
	events, second := f.gateway.Subscribe("quiz-x")
	defer second()
	first()

	f.gateway.Publish("quiz-x", domain.Event{Type: domain.EventTimerTick})
	waitEvent(t, events, domain.EventTimerTick)
}
