package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"live-quiz-engine/internal/domain"
	"live-quiz-engine/internal/metrics"
	"live-quiz-engine/internal/scoring"
)

// SubmissionService scores and persists answers, then refreshes the
// leaderboard.
type SubmissionService struct {
	quizzes     QuizStore
	answers     AnswerStore
	questions   QuestionSource
	leaderboard *LeaderboardService
	events      Publisher
	log         *zap.Logger
	now         func() time.Time
}

func NewSubmissionService(store Store, questions QuestionSource, leaderboard *LeaderboardService, events Publisher, log *zap.Logger) *SubmissionService {
	return &SubmissionService{
		quizzes:     store,
		answers:     store,
		questions:   questions,
		leaderboard: leaderboard,
		events:      events,
		log:         log,
		now:         time.Now,
	}
}

// WithClock swaps the time source; tests use it for deterministic timestamps.
func (s *SubmissionService) WithClock(now func() time.Time) *SubmissionService {
	s.now = now
	return s
}

// Submit records a single answer. Single submissions are append-only: a
// second answer for the same question is a conflict.
func (s *SubmissionService) Submit(ctx context.Context, quizID, userID string, sub domain.AnswerSubmission) (domain.AnswerResult, error) {
	result, err := s.submit(ctx, quizID, userID, sub)
	metrics.Submissions.WithLabelValues("single", outcome(err)).Inc()
	return result, err
}

func (s *SubmissionService) submit(ctx context.Context, quizID, userID string, sub domain.AnswerSubmission) (domain.AnswerResult, error) {
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.AnswerResult{}, err
	}
	if !quiz.IsLive {
		return domain.AnswerResult{}, fmt.Errorf("%w: %s is %s", domain.ErrNotLive, quizID, quiz.Status)
	}

	question, err := findQuestion(ctx, s.questions, quizID, sub.QuestionID)
	if err != nil {
		return domain.AnswerResult{}, err
	}
	answer, err := s.score(quizID, userID, question, sub)
	if err != nil {
		return domain.AnswerResult{}, err
	}
	if err := s.answers.CreateAnswer(ctx, answer); err != nil {
		return domain.AnswerResult{}, err
	}

	s.events.Publish(quizID, domain.Event{
		Type:    domain.EventAnswerAccepted,
		QuizID:  quizID,
		At:      answer.SubmittedAt,
		Payload: domain.AnswerAccepted{UserID: userID, QuestionID: question.ID},
	})

	total := s.refresh(ctx, quizID, userID)
	return domain.AnswerResult{
		AnswerID:      answer.ID,
		QuestionID:    question.ID,
		Correct:       answer.IsCorrect,
		Awarded:       answer.Score,
		PendingReview: answer.PendingReview,
		TotalScore:    total,
	}, nil
}

// SubmitBulk replaces the user's whole answer set for a live quiz. Tuples for
// unknown questions, repeated questions or malformed values are skipped. A
// quiz that already ended rejects the batch with domain.ErrQuizEnded; the
// liveness check is repeated inside the persistence transaction so a batch
// racing the end transition cannot slip in.
func (s *SubmissionService) SubmitBulk(ctx context.Context, quizID, userID string, subs []domain.AnswerSubmission) (domain.BulkResult, error) {
	result, err := s.submitBulk(ctx, quizID, userID, subs)
	metrics.Submissions.WithLabelValues("bulk", outcome(err)).Inc()
	return result, err
}

func (s *SubmissionService) submitBulk(ctx context.Context, quizID, userID string, subs []domain.AnswerSubmission) (domain.BulkResult, error) {
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.BulkResult{}, err
	}
	switch {
	case quiz.Status == domain.StatusCompleted:
		return domain.BulkResult{}, fmt.Errorf("%w: %s", domain.ErrQuizEnded, quizID)
	case !quiz.IsLive:
		return domain.BulkResult{}, fmt.Errorf("%w: %s is %s", domain.ErrNotLive, quizID, quiz.Status)
	}

	questions, err := s.questions.Questions(ctx, quizID)
	if err != nil {
		return domain.BulkResult{}, err
	}
	byID := make(map[string]domain.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}

	result := domain.BulkResult{Accepted: []domain.AnswerResult{}, Skipped: []string{}}
	answers := make([]domain.Answer, 0, len(subs))
	seen := make(map[string]struct{}, len(subs))
	for _, sub := range subs {
		q, ok := byID[sub.QuestionID]
		if !ok {
			result.Skipped = append(result.Skipped, sub.QuestionID)
			continue
		}
		if _, dup := seen[q.ID]; dup {
			result.Skipped = append(result.Skipped, sub.QuestionID)
			continue
		}
		answer, err := s.score(quizID, userID, q, sub)
		if err != nil {
			s.log.Debug("bulk tuple skipped",
				zap.String("quiz_id", quizID),
				zap.String("user_id", userID),
				zap.String("question_id", q.ID),
				zap.Error(err))
			result.Skipped = append(result.Skipped, sub.QuestionID)
			continue
		}
		seen[q.ID] = struct{}{}
		answers = append(answers, answer)
		result.Accepted = append(result.Accepted, domain.AnswerResult{
			AnswerID:      answer.ID,
			QuestionID:    q.ID,
			Correct:       answer.IsCorrect,
			Awarded:       answer.Score,
			PendingReview: answer.PendingReview,
		})
	}

	replaced, err := s.answers.ReplaceAnswersIfLive(ctx, quizID, userID, answers)
	if err != nil {
		return domain.BulkResult{}, err
	}
	result.Replaced = replaced
	if replaced {
		s.log.Info("answer set replaced",
			zap.String("quiz_id", quizID),
			zap.String("user_id", userID),
			zap.Int("answers", len(answers)))
	}

	s.events.Publish(quizID, domain.Event{
		Type:    domain.EventAnswerAccepted,
		QuizID:  quizID,
		At:      s.now(),
		Payload: domain.AnswerAccepted{UserID: userID, Bulk: true},
	})

	total := s.refresh(ctx, quizID, userID)
	for i := range result.Accepted {
		result.Accepted[i].TotalScore = total
	}
	result.TotalScore = total
	return result, nil
}

func (s *SubmissionService) score(quizID, userID string, q domain.Question, sub domain.AnswerSubmission) (domain.Answer, error) {
	value, err := domain.DecodeValue(q.Type, sub.Value)
	if err != nil {
		return domain.Answer{}, err
	}
	res, err := scoring.Evaluate(q, value)
	if err != nil {
		return domain.Answer{}, err
	}
	taken := sub.TimeTakenSeconds
	if taken < 0 {
		taken = 0
	}
	return domain.Answer{
		ID:               uuid.NewString(),
		QuizID:           quizID,
		QuestionID:       q.ID,
		UserID:           userID,
		Value:            value,
		IsCorrect:        res.Correct,
		Score:            res.Score,
		PendingReview:    res.PendingReview,
		TimeTakenSeconds: taken,
		SubmittedAt:      s.now(),
	}, nil
}

// refresh recomputes the leaderboard after an accepted submission. Failures
// are logged and swallowed: the answer is already persisted and acknowledged.
func (s *SubmissionService) refresh(ctx context.Context, quizID, userID string) int {
	lb, err := s.leaderboard.Recompute(ctx, quizID, userID)
	if err != nil {
		metrics.RankingFailures.Inc()
		s.log.Error("leaderboard recompute failed",
			zap.String("quiz_id", quizID),
			zap.String("user_id", userID),
			zap.Error(err))
		return 0
	}
	for _, e := range lb.Entries {
		if e.UserID == userID {
			return e.Score
		}
	}
	return 0
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInvalidState):
		return "invalid"
	}
	return "error"
}
