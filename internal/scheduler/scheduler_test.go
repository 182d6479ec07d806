package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"live-quiz-engine/internal/domain"
)

type call struct {
	kind   wakeKind
	quizID string
}

type recorder struct {
	mu    sync.Mutex
	calls []call
	fail  bool
	fired chan call
}

func newRecorder() *recorder {
	return &recorder{fired: make(chan call, 16)}
}

func (r *recorder) record(c call) error {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	fail := r.fail
	r.mu.Unlock()
	r.fired <- c
	if fail {
		return errors.New("boom")
	}
	return nil
}

func (r *recorder) StartScheduled(_ context.Context, quizID string) error {
	return r.record(call{kindStart, quizID})
}

func (r *recorder) EndScheduled(_ context.Context, quizID string) error {
	return r.record(call{kindEnd, quizID})
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func waitFor(t *testing.T, r *recorder) call {
	t.Helper()
	select {
	case c := <-r.fired:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for wake-up")
		return call{}
	}
}

func TestArmFiresStartThenEnd(t *testing.T) {
	rec := newRecorder()
	s := New(rec, zaptest.NewLogger(t))
	now := time.Now()

	s.Arm("quiz-1", now.Add(20*time.Millisecond), now.Add(60*time.Millisecond))
	if _, _, ok := s.Pending("quiz-1"); !ok {
		t.Fatalf("expected pending wake-ups")
	}

	if c := waitFor(t, rec); c.kind != kindStart || c.quizID != "quiz-1" {
		t.Fatalf("expected start first, got %+v", c)
	}
	if c := waitFor(t, rec); c.kind != kindEnd {
		t.Fatalf("expected end second, got %+v", c)
	}
	if _, _, ok := s.Pending("quiz-1"); ok {
		t.Fatalf("expected pair cleared after end")
	}
}

func TestRearmReplacesPair(t *testing.T) {
	rec := newRecorder()
	s := New(rec, zaptest.NewLogger(t))
	now := time.Now()

	s.Arm("quiz-1", now.Add(30*time.Millisecond), now.Add(time.Hour))
	s.Arm("quiz-1", now.Add(80*time.Millisecond), now.Add(time.Hour))

	waitFor(t, rec)
	time.Sleep(100 * time.Millisecond)
	if n := rec.count(); n != 1 {
		t.Fatalf("expected exactly one start, got %d", n)
	}
	start, _, _ := s.Pending("quiz-1")
	if !start.Equal(now.Add(80 * time.Millisecond)) {
		t.Fatalf("expected replaced start time, got %v", start)
	}
	s.Stop()
}

func TestCancelDropsBoth(t *testing.T) {
	rec := newRecorder()
	s := New(rec, zaptest.NewLogger(t))
	now := time.Now()

	s.Arm("quiz-1", now.Add(30*time.Millisecond), now.Add(40*time.Millisecond))
	s.Cancel("quiz-1")

	time.Sleep(100 * time.Millisecond)
	if n := rec.count(); n != 0 {
		t.Fatalf("expected no wake-ups after cancel, got %d", n)
	}
}

func TestFailuresDoNotStopScheduler(t *testing.T) {
	rec := newRecorder()
	rec.fail = true
	s := New(rec, zaptest.NewLogger(t))
	now := time.Now()

	s.Arm("quiz-1", now, now.Add(20*time.Millisecond))
	waitFor(t, rec)
	waitFor(t, rec)

	rec.mu.Lock()
	rec.fail = false
	rec.mu.Unlock()
	s.Arm("quiz-2", now, now.Add(time.Hour))
	if c := waitFor(t, rec); c.quizID != "quiz-2" {
		t.Fatalf("expected quiz-2 start, got %+v", c)
	}
	s.Stop()
}

type lister map[domain.QuizStatus][]domain.Quiz

func (l lister) ListQuizzesByStatus(_ context.Context, status domain.QuizStatus) ([]domain.Quiz, error) {
	return l[status], nil
}

func TestRecover(t *testing.T) {
	rec := newRecorder()
	s := New(rec, zaptest.NewLogger(t))
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	longAgo := now.Add(-2 * time.Hour)
	windowEnd := longAgo.Add(30 * time.Minute)

	err := s.Recover(context.Background(), lister{
		domain.StatusScheduled: {
			{ID: "overdue-start", Status: domain.StatusScheduled, LiveStartAt: &past, LiveEndAt: &future},
			{ID: "missed", Status: domain.StatusScheduled, LiveStartAt: &longAgo, LiveEndAt: &past},
		},
		domain.StatusLive: {
			{ID: "live", Status: domain.StatusLive, LiveStartAt: &past, LiveEndAt: &future,
				LiveHistory: []domain.LiveSession{{StartedAt: past}}},
			{ID: "restarted", Status: domain.StatusLive, LiveStartAt: &longAgo, LiveEndAt: &windowEnd,
				LiveHistory: []domain.LiveSession{{StartedAt: longAgo, EndedAt: &windowEnd}, {StartedAt: past}}},
		},
	})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}

	if c := waitFor(t, rec); c.kind != kindStart || c.quizID != "overdue-start" {
		t.Fatalf("expected overdue start fired, got %+v", c)
	}
	if _, _, ok := s.Pending("missed"); ok {
		t.Fatalf("missed window should not be armed")
	}
	if _, end, ok := s.Pending("live"); !ok || !end.Equal(future) {
		t.Fatalf("expected end wake-up for live quiz")
	}
	if _, _, ok := s.Pending("restarted"); ok {
		t.Fatalf("a restart after the window must not get the old end wake-up")
	}
	s.Stop()
}
