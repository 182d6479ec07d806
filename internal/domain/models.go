package domain

import (
	"encoding/json"
	"time"
)

// QuizStatus is the lifecycle state of a quiz.
type QuizStatus string

const (
	StatusDraft     QuizStatus = "draft"
	StatusScheduled QuizStatus = "scheduled"
	StatusLive      QuizStatus = "live"
	StatusCompleted QuizStatus = "completed"
)

// QuestionType selects the correctness rule and the shape of submitted values.
type QuestionType string

const (
	TypeSingleChoice   QuestionType = "single-choice"
	TypeMultipleChoice QuestionType = "multiple-choice"
	TypeTrueFalse      QuestionType = "true-false"
	TypeShortText      QuestionType = "short-text"
	TypeLongText       QuestionType = "long-text"
	TypeMatching       QuestionType = "matching"
	TypeOrdering       QuestionType = "ordering"
	TypeFillBlank      QuestionType = "fill-blank"
	TypeMedia          QuestionType = "media"
)

// Valid reports whether t is a known question type.
func (t QuestionType) Valid() bool {
	_, ok := valueKinds[t]
	return ok
}

// FreeText reports whether answers of this type need a human reviewer.
func (t QuestionType) FreeText() bool {
	return t == TypeShortText || t == TypeLongText || t == TypeMedia
}

// LiveSession is one live activation of a quiz.
type LiveSession struct {
	StartedAt       time.Time  `json:"startedAt"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
	DurationMinutes int        `json:"durationMinutes"`
}

// Open reports whether the session has not been closed yet.
func (s LiveSession) Open() bool { return s.EndedAt == nil }

// Quiz is the persisted quiz aggregate. Questions are loaded separately.
type Quiz struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	CreatedBy   string        `json:"createdBy"`
	Departments []string      `json:"departments"`
	Status      QuizStatus    `json:"status"`
	IsLive      bool          `json:"isLive"`
	LiveStartAt *time.Time    `json:"liveStartAt,omitempty"`
	LiveEndAt   *time.Time    `json:"liveEndAt,omitempty"`
	StartTime   *time.Time    `json:"startTime,omitempty"`
	EndTime     *time.Time    `json:"endTime,omitempty"`
	TimeLimit   int           `json:"timeLimit"` // minutes
	LiveHistory []LiveSession `json:"liveHistory"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// TimeLimitDuration converts the minute-based limit.
func (q Quiz) TimeLimitDuration() time.Duration {
	return time.Duration(q.TimeLimit) * time.Minute
}

// OpenSession returns the index of the open liveHistory entry, or -1.
func (q Quiz) OpenSession() int {
	for i := len(q.LiveHistory) - 1; i >= 0; i-- {
		if q.LiveHistory[i].Open() {
			return i
		}
	}
	return -1
}

// Question belongs to exactly one quiz.
type Question struct {
	ID        string       `json:"id"`
	QuizID    string       `json:"quizId"`
	Type      QuestionType `json:"type"`
	Prompt    string       `json:"prompt"`
	Options   []string     `json:"options,omitempty"`
	Correct   Value        `json:"correct"`
	Marks     int          `json:"marks"`
	Order     int          `json:"order"`
	TimeLimit int          `json:"timeLimit,omitempty"` // seconds, 0 means shared
}

// PublicQuestion is what participants see: no correctness reference.
type PublicQuestion struct {
	ID        string       `json:"id"`
	Type      QuestionType `json:"type"`
	Prompt    string       `json:"prompt"`
	Options   []string     `json:"options,omitempty"`
	Marks     int          `json:"marks"`
	Order     int          `json:"order"`
	TimeLimit int          `json:"timeLimit,omitempty"`
}

// Public strips the correctness reference.
func (q Question) Public() PublicQuestion {
	return PublicQuestion{
		ID:        q.ID,
		Type:      q.Type,
		Prompt:    q.Prompt,
		Options:   q.Options,
		Marks:     q.Marks,
		Order:     q.Order,
		TimeLimit: q.TimeLimit,
	}
}

// Answer is one user's scored response to one question.
type Answer struct {
	ID               string     `json:"id"`
	QuizID           string     `json:"quizId"`
	QuestionID       string     `json:"questionId"`
	UserID           string     `json:"userId"`
	Value            Value      `json:"value"`
	IsCorrect        bool       `json:"isCorrect"`
	Score            int        `json:"score"`
	PendingReview    bool       `json:"pendingReview"`
	TimeTakenSeconds int        `json:"timeTakenSeconds"`
	SubmittedAt      time.Time  `json:"submittedAt"`
	ReviewedBy       string     `json:"reviewedBy,omitempty"`
	ReviewedAt       *time.Time `json:"reviewedAt,omitempty"`
}

// LeaderboardEntry is the cached per-user aggregate for a quiz.
type LeaderboardEntry struct {
	QuizID         string    `json:"quizId"`
	UserID         string    `json:"userId"`
	Score          int       `json:"score"`
	TimeTaken      int       `json:"timeTaken"`
	CorrectAnswers int       `json:"correctAnswers"`
	TotalQuestions int       `json:"totalQuestions"`
	Accuracy       float64   `json:"accuracy"`
	Rank           int       `json:"rank"`
	IsDisqualified bool      `json:"isDisqualified"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Leaderboard is the ordered view broadcast to participants.
type Leaderboard struct {
	QuizID    string             `json:"quizId"`
	Entries   []LeaderboardEntry `json:"entries"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// SessionAnchor is the timer state of one active live session.
type SessionAnchor struct {
	QuizID           string    `json:"quizId"`
	StartedAt        time.Time `json:"startedAt"`
	TimeLimitSeconds int       `json:"timeLimitSeconds"`
}

// Participant is an ephemeral roster member of a live session.
type Participant struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// AnswerSubmission is one (question, value, timeTaken) tuple from a client.
// Value stays raw until the question type is known; see DecodeValue.
type AnswerSubmission struct {
	QuestionID       string          `json:"questionId" validate:"required"`
	Value            json.RawMessage `json:"value" validate:"required"`
	TimeTakenSeconds int             `json:"timeTakenSeconds" validate:"gte=0"`
}

// AnswerResult summarizes the outcome of one scored submission.
type AnswerResult struct {
	AnswerID      string `json:"answerId"`
	QuestionID    string `json:"questionId"`
	Correct       bool   `json:"correct"`
	Awarded       int    `json:"awarded"`
	PendingReview bool   `json:"pendingReview"`
	TotalScore    int    `json:"totalScore"`
}

// BulkResult reports a replaced answer set.
type BulkResult struct {
	Accepted   []AnswerResult `json:"accepted"`
	Skipped    []string       `json:"skipped"`
	Replaced   bool           `json:"replaced"`
	TotalScore int            `json:"totalScore"`
}
