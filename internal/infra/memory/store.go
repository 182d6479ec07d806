// Package memory holds process-local implementations of the engine's ports,
// used by tests and single-node deployments without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"live-quiz-engine/internal/domain"
)

type userQuestion struct {
	userID, questionID string
}

type quizUser struct {
	quizID, userID string
}

// Store keeps quizzes, answers and leaderboard entries behind one mutex so
// compare-and-swap and answer replacement are atomic.
type Store struct {
	mu        sync.RWMutex
	quizzes   map[string]domain.Quiz
	questions map[string][]domain.Question
	answers   map[string]domain.Answer
	answerIDs map[userQuestion]string
	entries   map[quizUser]domain.LeaderboardEntry
}

func NewStore() *Store {
	return &Store{
		quizzes:   make(map[string]domain.Quiz),
		questions: make(map[string][]domain.Question),
		answers:   make(map[string]domain.Answer),
		answerIDs: make(map[userQuestion]string),
		entries:   make(map[quizUser]domain.LeaderboardEntry),
	}
}

func (s *Store) CreateQuiz(_ context.Context, quiz domain.Quiz, questions []domain.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.quizzes[quiz.ID]; ok {
		return fmt.Errorf("%w: quiz %s exists", domain.ErrInvalidQuiz, quiz.ID)
	}
	qs := append([]domain.Question{}, questions...)
	sort.SliceStable(qs, func(i, j int) bool { return qs[i].Order < qs[j].Order })
	s.quizzes[quiz.ID] = cloneQuiz(quiz)
	s.questions[quiz.ID] = qs
	return nil
}

func (s *Store) GetQuiz(_ context.Context, quizID string) (domain.Quiz, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	quiz, ok := s.quizzes[quizID]
	if !ok {
		return domain.Quiz{}, fmt.Errorf("%w: %s", domain.ErrQuizNotFound, quizID)
	}
	return cloneQuiz(quiz), nil
}

func (s *Store) ListQuizzesByStatus(_ context.Context, status domain.QuizStatus) ([]domain.Quiz, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.Quiz{}
	for _, quiz := range s.quizzes {
		if quiz.Status == status {
			out = append(out, cloneQuiz(quiz))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CompareAndSwapQuiz(_ context.Context, quiz domain.Quiz, expected domain.QuizStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.quizzes[quiz.ID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrQuizNotFound, quiz.ID)
	}
	if cur.Status != expected {
		return fmt.Errorf("%w: %s is %s, expected %s", domain.ErrStaleState, quiz.ID, cur.Status, expected)
	}
	s.quizzes[quiz.ID] = cloneQuiz(quiz)
	return nil
}

func (s *Store) ListQuestions(_ context.Context, quizID string) ([]domain.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.quizzes[quizID]; !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrQuizNotFound, quizID)
	}
	return append([]domain.Question{}, s.questions[quizID]...), nil
}

func (s *Store) CreateAnswer(_ context.Context, answer domain.Answer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userQuestion{answer.UserID, answer.QuestionID}
	if _, dup := s.answerIDs[key]; dup {
		return fmt.Errorf("%w: user %s question %s", domain.ErrDuplicateAnswer, answer.UserID, answer.QuestionID)
	}
	s.answers[answer.ID] = answer
	s.answerIDs[key] = answer.ID
	return nil
}

func (s *Store) ReplaceAnswersIfLive(_ context.Context, quizID, userID string, answers []domain.Answer) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	quiz, ok := s.quizzes[quizID]
	switch {
	case !ok:
		return false, fmt.Errorf("%w: %s", domain.ErrQuizNotFound, quizID)
	case quiz.Status == domain.StatusCompleted:
		return false, fmt.Errorf("%w: %s", domain.ErrQuizEnded, quizID)
	case !quiz.IsLive:
		return false, fmt.Errorf("%w: %s is %s", domain.ErrNotLive, quizID, quiz.Status)
	}

	replaced := false
	for id, a := range s.answers {
		if a.QuizID == quizID && a.UserID == userID {
			delete(s.answers, id)
			delete(s.answerIDs, userQuestion{a.UserID, a.QuestionID})
			replaced = true
		}
	}
	for _, a := range answers {
		s.answers[a.ID] = a
		s.answerIDs[userQuestion{a.UserID, a.QuestionID}] = a.ID
	}
	return replaced, nil
}

func (s *Store) GetAnswer(_ context.Context, answerID string) (domain.Answer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.answers[answerID]
	if !ok {
		return domain.Answer{}, fmt.Errorf("%w: %s", domain.ErrAnswerNotFound, answerID)
	}
	return a, nil
}

func (s *Store) UpdateAnswerReview(_ context.Context, answer domain.Answer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.answers[answer.ID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrAnswerNotFound, answer.ID)
	}
	cur.IsCorrect = answer.IsCorrect
	cur.Score = answer.Score
	cur.PendingReview = answer.PendingReview
	cur.ReviewedBy = answer.ReviewedBy
	cur.ReviewedAt = answer.ReviewedAt
	s.answers[answer.ID] = cur
	return nil
}

func (s *Store) ListUserAnswers(_ context.Context, quizID, userID string) ([]domain.Answer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.Answer{}
	for _, a := range s.answers {
		if a.QuizID == quizID && a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (s *Store) GetEntry(_ context.Context, quizID, userID string) (domain.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[quizUser{quizID, userID}]
	if !ok {
		return domain.LeaderboardEntry{}, fmt.Errorf("%w: quiz %s user %s", domain.ErrEntryNotFound, quizID, userID)
	}
	return e, nil
}

// UpsertEntry writes the aggregate of entry. An existing row keeps its rank
// and disqualification; those change only through UpdateRanks and
// MarkDisqualified.
func (s *Store) UpsertEntry(_ context.Context, entry domain.LeaderboardEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := quizUser{entry.QuizID, entry.UserID}
	if cur, ok := s.entries[key]; ok {
		entry.Rank = cur.Rank
		entry.IsDisqualified = cur.IsDisqualified
	}
	s.entries[key] = entry
	return nil
}

func (s *Store) MarkDisqualified(_ context.Context, quizID, userID string, disqualified bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := quizUser{quizID, userID}
	e, ok := s.entries[key]
	if !ok {
		return fmt.Errorf("%w: quiz %s user %s", domain.ErrEntryNotFound, quizID, userID)
	}
	e.IsDisqualified = disqualified
	if disqualified {
		e.Rank = 0
	}
	e.UpdatedAt = at
	s.entries[key] = e
	return nil
}

func (s *Store) ListEntries(_ context.Context, quizID string) ([]domain.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.LeaderboardEntry{}
	for k, e := range s.entries {
		if k.quizID == quizID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *Store) UpdateRanks(_ context.Context, quizID string, entries []domain.LeaderboardEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		key := quizUser{quizID, e.UserID}
		cur, ok := s.entries[key]
		if !ok {
			continue
		}
		cur.Rank = e.Rank
		s.entries[key] = cur
	}
	return nil
}

func cloneQuiz(q domain.Quiz) domain.Quiz {
	q.Departments = append([]string{}, q.Departments...)
	q.LiveHistory = append([]domain.LiveSession{}, q.LiveHistory...)
	return q
}
