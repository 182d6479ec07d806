package app

import (
	"context"
	"time"

	"live-quiz-engine/internal/auth"
	"live-quiz-engine/internal/domain"
)

// QuizStore persists quizzes and their questions.
type QuizStore interface {
	CreateQuiz(ctx context.Context, quiz domain.Quiz, questions []domain.Question) error
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
	ListQuizzesByStatus(ctx context.Context, status domain.QuizStatus) ([]domain.Quiz, error)
	// CompareAndSwapQuiz writes quiz only if the stored status still equals
	// expected, otherwise it returns domain.ErrStaleState.
	CompareAndSwapQuiz(ctx context.Context, quiz domain.Quiz, expected domain.QuizStatus) error
	// ListQuestions returns the quiz's questions ordered by Order.
	ListQuestions(ctx context.Context, quizID string) ([]domain.Question, error)
}

// AnswerStore persists answers. Uniqueness of (user, question) is enforced
// here, not by callers.
type AnswerStore interface {
	// CreateAnswer returns domain.ErrDuplicateAnswer when the user already
	// answered the question.
	CreateAnswer(ctx context.Context, answer domain.Answer) error
	// ReplaceAnswersIfLive atomically deletes the user's answers for the quiz
	// and inserts answers, but only while the quiz is live. It returns
	// domain.ErrQuizEnded for completed quizzes and domain.ErrNotLive otherwise.
	ReplaceAnswersIfLive(ctx context.Context, quizID, userID string, answers []domain.Answer) (replaced bool, err error)
	GetAnswer(ctx context.Context, answerID string) (domain.Answer, error)
	UpdateAnswerReview(ctx context.Context, answer domain.Answer) error
	ListUserAnswers(ctx context.Context, quizID, userID string) ([]domain.Answer, error)
}

// LeaderboardStore persists the cached per-user aggregates.
type LeaderboardStore interface {
	// UpsertEntry writes a user's aggregate. It never changes the rank or
	// disqualification of an existing entry.
	UpsertEntry(ctx context.Context, entry domain.LeaderboardEntry) error
	// MarkDisqualified sets only the disqualification flag (and clears the
	// rank when set). It returns domain.ErrEntryNotFound for unknown users.
	MarkDisqualified(ctx context.Context, quizID, userID string, disqualified bool, at time.Time) error
	ListEntries(ctx context.Context, quizID string) ([]domain.LeaderboardEntry, error)
	UpdateRanks(ctx context.Context, quizID string, entries []domain.LeaderboardEntry) error
}

// Store is everything the engine persists.
type Store interface {
	QuizStore
	AnswerStore
	LeaderboardStore
}

// QuestionSource serves question sets for scoring, usually through a cache.
type QuestionSource interface {
	Questions(ctx context.Context, quizID string) ([]domain.Question, error)
	Invalidate(ctx context.Context, quizID string) error
}

// Authorizer decides whether actor may manage quiz.
type Authorizer interface {
	CanManage(ctx context.Context, actor auth.Identity, quiz domain.Quiz) error
}

// Publisher pushes events to a quiz's subscribers.
type Publisher interface {
	Publish(quizID string, event domain.Event)
}

// LiveSessions is the part of the gateway the lifecycle controller drives.
type LiveSessions interface {
	Activate(ctx context.Context, quiz domain.Quiz, questions []domain.Question) error
	Deactivate(ctx context.Context, quiz domain.Quiz, final domain.Leaderboard) error
	Anchors(ctx context.Context) ([]domain.SessionAnchor, error)
	Release(ctx context.Context, quizID string) error
}

// Wakeups arms and cancels the scheduler's start/end pair for a quiz.
type Wakeups interface {
	Arm(quizID string, startAt, endAt time.Time)
	Cancel(quizID string)
}

// SessionRegistry keeps rosters and timer anchors of live sessions. The
// in-memory version is process-local; the Redis one can be shared.
type SessionRegistry interface {
	Activate(ctx context.Context, anchor domain.SessionAnchor) error
	Deactivate(ctx context.Context, quizID string) error
	Anchor(ctx context.Context, quizID string) (domain.SessionAnchor, bool, error)
	ActiveSessions(ctx context.Context) ([]domain.SessionAnchor, error)
	Join(ctx context.Context, quizID string, p domain.Participant) ([]domain.Participant, error)
	Leave(ctx context.Context, quizID, userID string) ([]domain.Participant, error)
	Roster(ctx context.Context, quizID string) ([]domain.Participant, error)
}

type noopWakeups struct{}

func (noopWakeups) Arm(string, time.Time, time.Time) {}
func (noopWakeups) Cancel(string)                    {}
