package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"live-quiz-engine/internal/domain"
)

func errorsIsNotFound(err error) bool { return errors.Is(err, domain.ErrNotFound) }

func seededStore(t *testing.T, status domain.QuizStatus) *Store {
	t.Helper()
	s := NewStore()
	quiz := domain.Quiz{ID: "quiz-1", Title: "Go", Status: status, IsLive: status == domain.StatusLive, TimeLimit: 10}
	if err := s.CreateQuiz(context.Background(), quiz, sampleQuestions()); err != nil {
		t.Fatalf("create quiz: %v", err)
	}
	return s
}

func TestStoreCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := seededStore(t, domain.StatusDraft)

	quiz, _ := s.GetQuiz(ctx, "quiz-1")
	quiz.Status = domain.StatusLive
	quiz.IsLive = true
	if err := s.CompareAndSwapQuiz(ctx, quiz, domain.StatusDraft); err != nil {
		t.Fatalf("cas: %v", err)
	}
	if err := s.CompareAndSwapQuiz(ctx, quiz, domain.StatusDraft); !errors.Is(err, domain.ErrStaleState) {
		t.Fatalf("expected stale state, got %v", err)
	}
	if !errors.Is(domain.ErrStaleState, domain.ErrConflict) {
		t.Fatalf("stale state should be a conflict")
	}
}

func TestStoreRejectsDuplicateAnswer(t *testing.T) {
	ctx := context.Background()
	s := seededStore(t, domain.StatusLive)

	a := domain.Answer{ID: "a1", QuizID: "quiz-1", QuestionID: "q1", UserID: "u1", SubmittedAt: time.Now()}
	if err := s.CreateAnswer(ctx, a); err != nil {
		t.Fatalf("create answer: %v", err)
	}
	a.ID = "a2"
	if err := s.CreateAnswer(ctx, a); !errors.Is(err, domain.ErrDuplicateAnswer) {
		t.Fatalf("expected duplicate, got %v", err)
	}
}

func TestStoreReplaceAnswersChecksLiveness(t *testing.T) {
	ctx := context.Background()
	s := seededStore(t, domain.StatusLive)

	_ = s.CreateAnswer(ctx, domain.Answer{ID: "a1", QuizID: "quiz-1", QuestionID: "q1", UserID: "u1"})
	replaced, err := s.ReplaceAnswersIfLive(ctx, "quiz-1", "u1", []domain.Answer{
		{ID: "a2", QuizID: "quiz-1", QuestionID: "q1", UserID: "u1", Score: 1},
	})
	if err != nil || !replaced {
		t.Fatalf("expected replacement, got %v %v", replaced, err)
	}
	answers, _ := s.ListUserAnswers(ctx, "quiz-1", "u1")
	if len(answers) != 1 || answers[0].ID != "a2" {
		t.Fatalf("expected only the new answer, got %+v", answers)
	}

	quiz, _ := s.GetQuiz(ctx, "quiz-1")
	quiz.Status = domain.StatusCompleted
	quiz.IsLive = false
	_ = s.CompareAndSwapQuiz(ctx, quiz, domain.StatusLive)
	if _, err := s.ReplaceAnswersIfLive(ctx, "quiz-1", "u1", nil); !errors.Is(err, domain.ErrQuizEnded) {
		t.Fatalf("expected quiz ended, got %v", err)
	}
}

func TestStoreEntriesAndRanks(t *testing.T) {
	ctx := context.Background()
	s := seededStore(t, domain.StatusLive)

	if _, err := s.GetEntry(ctx, "quiz-1", "u1"); !errorsIsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	_ = s.UpsertEntry(ctx, domain.LeaderboardEntry{QuizID: "quiz-1", UserID: "u1", Score: 3})
	_ = s.UpdateRanks(ctx, "quiz-1", []domain.LeaderboardEntry{{UserID: "u1", Rank: 1}, {UserID: "ghost", Rank: 2}})

	entries, _ := s.ListEntries(ctx, "quiz-1")
	if len(entries) != 1 || entries[0].Rank != 1 || entries[0].Score != 3 {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestUpsertEntryKeepsDisqualification(t *testing.T) {
	ctx := context.Background()
	s := seededStore(t, domain.StatusLive)

	if err := s.MarkDisqualified(ctx, "quiz-1", "u1", true, time.Now()); !errorsIsNotFound(err) {
		t.Fatalf("expected not found for missing entry, got %v", err)
	}
	_ = s.UpsertEntry(ctx, domain.LeaderboardEntry{QuizID: "quiz-1", UserID: "u1", Score: 3})
	_ = s.UpdateRanks(ctx, "quiz-1", []domain.LeaderboardEntry{{UserID: "u1", Rank: 1}})
	if err := s.MarkDisqualified(ctx, "quiz-1", "u1", true, time.Now()); err != nil {
		t.Fatalf("disqualify: %v", err)
	}

	// A recompute that read the entry before the override writes it back.
	_ = s.UpsertEntry(ctx, domain.LeaderboardEntry{QuizID: "quiz-1", UserID: "u1", Score: 5, Rank: 1})

	e, err := s.GetEntry(ctx, "quiz-1", "u1")
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if !e.IsDisqualified || e.Rank != 0 || e.Score != 5 {
		t.Fatalf("expected disqualified entry with new score, got %+v", e)
	}
}
