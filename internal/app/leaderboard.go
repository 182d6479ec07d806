package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"live-quiz-engine/internal/auth"
	"live-quiz-engine/internal/domain"
	"live-quiz-engine/internal/ranking"
)

// LeaderboardService keeps LeaderboardEntry rows in sync with answers and
// handles the administrative overrides that affect ranking.
type LeaderboardService struct {
	store     Store
	questions QuestionSource
	authz     Authorizer
	events    Publisher
	log       *zap.Logger
	now       func() time.Time
}

func NewLeaderboardService(store Store, questions QuestionSource, authz Authorizer, events Publisher, log *zap.Logger) *LeaderboardService {
	return &LeaderboardService{
		store:     store,
		questions: questions,
		authz:     authz,
		events:    events,
		log:       log,
		now:       time.Now,
	}
}

// WithClock swaps the time source; tests use it for deterministic timestamps.
func (s *LeaderboardService) WithClock(now func() time.Time) *LeaderboardService {
	s.now = now
	return s
}

// Recompute rebuilds userID's aggregate for quizID from their answers, then
// re-ranks the whole quiz. Only the aggregate is written, so a concurrent
// disqualification is never overwritten.
func (s *LeaderboardService) Recompute(ctx context.Context, quizID, userID string) (domain.Leaderboard, error) {
	answers, err := s.store.ListUserAnswers(ctx, quizID, userID)
	if err != nil {
		return domain.Leaderboard{}, fmt.Errorf("list answers: %w", err)
	}

	entry := domain.LeaderboardEntry{QuizID: quizID, UserID: userID}
	ranking.Summarize(answers).Apply(&entry)
	entry.UpdatedAt = s.now()
	if err := s.store.UpsertEntry(ctx, entry); err != nil {
		return domain.Leaderboard{}, fmt.Errorf("upsert entry: %w", err)
	}
	return s.Rerank(ctx, quizID)
}

// Rerank sorts every entry of the quiz and persists the ranks that moved.
// Concurrent reranks are not isolated; the last writer wins and the next
// event corrects any transient oscillation.
func (s *LeaderboardService) Rerank(ctx context.Context, quizID string) (domain.Leaderboard, error) {
	entries, err := s.store.ListEntries(ctx, quizID)
	if err != nil {
		return domain.Leaderboard{}, fmt.Errorf("list entries: %w", err)
	}
	ranked := ranking.Rank(entries)
	if changed := ranking.Changed(entries, ranked); len(changed) > 0 {
		if err := s.store.UpdateRanks(ctx, quizID, changed); err != nil {
			return domain.Leaderboard{}, fmt.Errorf("update ranks: %w", err)
		}
	}

	lb := domain.Leaderboard{QuizID: quizID, Entries: ranked, UpdatedAt: s.now()}
	s.events.Publish(quizID, domain.Event{
		Type:    domain.EventLeaderboardUpdated,
		QuizID:  quizID,
		At:      lb.UpdatedAt,
		Payload: lb,
	})
	return lb, nil
}

// Get returns the quiz leaderboard ordered by rank, disqualified users last.
func (s *LeaderboardService) Get(ctx context.Context, quizID string) (domain.Leaderboard, error) {
	if _, err := s.store.GetQuiz(ctx, quizID); err != nil {
		return domain.Leaderboard{}, err
	}
	entries, err := s.store.ListEntries(ctx, quizID)
	if err != nil {
		return domain.Leaderboard{}, err
	}
	return domain.Leaderboard{QuizID: quizID, Entries: ranking.Rank(entries), UpdatedAt: s.now()}, nil
}

// ReviewAnswer lets the quiz creator or an admin overwrite the outcome of an
// answer, typically a free-text one waiting for review.
func (s *LeaderboardService) ReviewAnswer(ctx context.Context, actor auth.Identity, answerID string, correct bool, score int) (domain.Answer, error) {
	answer, err := s.store.GetAnswer(ctx, answerID)
	if err != nil {
		return domain.Answer{}, err
	}
	quiz, err := s.store.GetQuiz(ctx, answer.QuizID)
	if err != nil {
		return domain.Answer{}, err
	}
	if err := s.authz.CanManage(ctx, actor, quiz); err != nil {
		return domain.Answer{}, err
	}

	question, err := findQuestion(ctx, s.questions, quiz.ID, answer.QuestionID)
	if err != nil {
		return domain.Answer{}, err
	}
	if score < 0 || score > question.Marks {
		return domain.Answer{}, fmt.Errorf("%w: %d not in [0, %d]", domain.ErrScoreOutOfRange, score, question.Marks)
	}

	now := s.now()
	answer.IsCorrect = correct
	answer.Score = score
	answer.PendingReview = false
	answer.ReviewedBy = actor.UserID
	answer.ReviewedAt = &now
	if err := s.store.UpdateAnswerReview(ctx, answer); err != nil {
		return domain.Answer{}, err
	}
	if _, err := s.Recompute(ctx, quiz.ID, answer.UserID); err != nil {
		return domain.Answer{}, err
	}
	s.log.Info("answer reviewed",
		zap.String("quiz_id", quiz.ID),
		zap.String("answer_id", answer.ID),
		zap.String("reviewer", actor.UserID),
		zap.Int("score", score))
	return answer, nil
}

// SetDisqualified excludes (or reinstates) a user from the quiz ranking.
func (s *LeaderboardService) SetDisqualified(ctx context.Context, actor auth.Identity, quizID, userID string, disqualified bool) (domain.Leaderboard, error) {
	quiz, err := s.store.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.Leaderboard{}, err
	}
	if err := s.authz.CanManage(ctx, actor, quiz); err != nil {
		return domain.Leaderboard{}, err
	}
	if err := s.store.MarkDisqualified(ctx, quizID, userID, disqualified, s.now()); err != nil {
		return domain.Leaderboard{}, err
	}
	s.log.Info("disqualification changed",
		zap.String("quiz_id", quizID),
		zap.String("user_id", userID),
		zap.Bool("disqualified", disqualified),
		zap.String("by", actor.UserID))
	return s.Rerank(ctx, quizID)
}

func findQuestion(ctx context.Context, source QuestionSource, quizID, questionID string) (domain.Question, error) {
	questions, err := source.Questions(ctx, quizID)
	if err != nil {
		return domain.Question{}, err
	}
	for _, q := range questions {
		if q.ID == questionID {
			return q, nil
		}
	}
	return domain.Question{}, fmt.Errorf("%w: %s", domain.ErrQuestionNotFound, questionID)
}
