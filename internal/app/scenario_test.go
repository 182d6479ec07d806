package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"live-quiz-engine/internal/app"
	"live-quiz-engine/internal/auth"
	"live-quiz-engine/internal/domain"
	"live-quiz-engine/internal/infra/memory"
)

func TestMixedTypeBulkScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	quiz, qs := f.createQuiz(t,
		domain.Question{Type: domain.TypeSingleChoice, Prompt: "Capital of France", Options: []string{"Berlin", "Paris", "Rome", "Madrid"}, Correct: domain.ScalarValue("Paris"), Marks: 2, Order: 1},
		domain.Question{Type: domain.TypeTrueFalse, Prompt: "Go is compiled", Correct: domain.ScalarValue("true"), Marks: 2, Order: 2},
		domain.Question{Type: domain.TypeShortText, Prompt: "Describe a channel", Marks: 2, Order: 3},
	)
	if _, err := f.lifecycle.Start(ctx, creator, quiz.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	res, err := f.submissions.SubmitBulk(ctx, quiz.ID, "u1", []domain.AnswerSubmission{
		{QuestionID: qs[0].ID, Value: raw(`"B"`), TimeTakenSeconds: 4},
		{QuestionID: qs[1].ID, Value: raw(`true`), TimeTakenSeconds: 2},
		{QuestionID: qs[2].ID, Value: raw(`"a typed pipe between goroutines"`), TimeTakenSeconds: 20},
	})
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if res.TotalScore != 4 || len(res.Accepted) != 3 || !res.Accepted[2].PendingReview {
		t.Fatalf("unexpected bulk result %+v", res)
	}

	lb, _ := f.leaderboard.Get(ctx, quiz.ID)
	e := lb.Entries[0]
	if e.Score != 4 || e.CorrectAnswers != 2 || e.Rank != 1 {
		t.Fatalf("unexpected entry %+v", e)
	}
	if int(e.Accuracy+0.5) != 67 {
		t.Fatalf("expected accuracy to round to 67, got %v", e.Accuracy)
	}
}

// endingStore completes the quiz right before the answer replacement runs,
// the way a scheduler-fired end would race an in-flight bulk submission.
type endingStore struct {
	*memory.Store
}

func (s endingStore) ReplaceAnswersIfLive(ctx context.Context, quizID, userID string, answers []domain.Answer) (bool, error) {
	quiz, err := s.GetQuiz(ctx, quizID)
	if err != nil {
		return false, err
	}
	quiz.Status = domain.StatusCompleted
	quiz.IsLive = false
	if err := s.CompareAndSwapQuiz(ctx, quiz, domain.StatusLive); err != nil {
		return false, err
	}
	return s.Store.ReplaceAnswersIfLive(ctx, quizID, userID, answers)
}

func TestBulkRacingEndConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	quiz, qs := f.liveQuiz(t)

	log := zaptest.NewLogger(t)
	racing := endingStore{f.store}
	questions := memory.NewQuestionCache(racing, time.Minute)
	lb := app.NewLeaderboardService(racing, questions, auth.CreatorOrAdmin{}, f.gateway, log)
	subs := app.NewSubmissionService(racing, questions, lb, f.gateway, log)

	_, err := subs.SubmitBulk(ctx, quiz.ID, "u1", []domain.AnswerSubmission{{QuestionID: qs[0].ID, Value: raw(`"2"`)}})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if answers, _ := f.store.ListUserAnswers(ctx, quiz.ID, "u1"); len(answers) != 0 {
		t.Fatalf("expected no answers persisted, got %d", len(answers))
	}
}
