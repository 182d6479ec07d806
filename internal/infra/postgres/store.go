// Package postgres is the system of record: quizzes, questions, answers and
// leaderboard entries in PostgreSQL via pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"live-quiz-engine/internal/domain"
)

const uniqueViolation = "23505"

// Store implements app.Store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const quizColumns = `id, title, created_by, departments, status, is_live, live_start_at, live_end_at,
	start_time, end_time, time_limit, live_history, created_at, updated_at`

const questionColumns = `id, quiz_id, type, prompt, options, correct, marks, ord, time_limit`

const answerColumns = `id, quiz_id, question_id, user_id, value, is_correct, score, pending_review,
	time_taken, submitted_at, reviewed_by, reviewed_at`

const entryColumns = `quiz_id, user_id, score, time_taken, correct_answers, total_questions,
	accuracy, rank, is_disqualified, updated_at`

func (s *Store) CreateQuiz(ctx context.Context, quiz domain.Quiz, questions []domain.Question) error {
	departments, history, err := quizJSON(quiz)
	if err != nil {
		return err
	}
	return s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO quizzes (`+quizColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			quiz.ID, quiz.Title, quiz.CreatedBy, departments, string(quiz.Status), quiz.IsLive,
			quiz.LiveStartAt, quiz.LiveEndAt, quiz.StartTime, quiz.EndTime, quiz.TimeLimit,
			history, quiz.CreatedAt, quiz.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: quiz %s exists", domain.ErrInvalidQuiz, quiz.ID)
			}
			return fmt.Errorf("insert quiz: %w", err)
		}
		for _, q := range questions {
			options, err := json.Marshal(nonNil(q.Options))
			if err != nil {
				return err
			}
			correct, err := json.Marshal(q.Correct)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `INSERT INTO questions (`+questionColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				q.ID, quiz.ID, string(q.Type), q.Prompt, string(options), string(correct), q.Marks, q.Order, q.TimeLimit)
			if err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("%w: duplicate question order %d", domain.ErrInvalidQuiz, q.Order)
				}
				return fmt.Errorf("insert question: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+quizColumns+` FROM quizzes WHERE id = $1`, quizID)
	quiz, err := scanQuiz(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Quiz{}, fmt.Errorf("%w: %s", domain.ErrQuizNotFound, quizID)
	}
	return quiz, err
}

func (s *Store) ListQuizzesByStatus(ctx context.Context, status domain.QuizStatus) ([]domain.Quiz, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+quizColumns+` FROM quizzes WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list quizzes: %w", err)
	}
	defer rows.Close()
	out := []domain.Quiz{}
	for rows.Next() {
		quiz, err := scanQuiz(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, quiz)
	}
	return out, rows.Err()
}

// CompareAndSwapQuiz updates the row only while its status is still expected.
func (s *Store) CompareAndSwapQuiz(ctx context.Context, quiz domain.Quiz, expected domain.QuizStatus) error {
	departments, history, err := quizJSON(quiz)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE quizzes SET
			title = $2, departments = $3, status = $4, is_live = $5, live_start_at = $6,
			live_end_at = $7, start_time = $8, end_time = $9, time_limit = $10,
			live_history = $11, updated_at = $12
		WHERE id = $1 AND status = $13`,
		quiz.ID, quiz.Title, departments, string(quiz.Status), quiz.IsLive, quiz.LiveStartAt,
		quiz.LiveEndAt, quiz.StartTime, quiz.EndTime, quiz.TimeLimit, history, quiz.UpdatedAt, string(expected))
	if err != nil {
		return fmt.Errorf("update quiz: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetQuiz(ctx, quiz.ID); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is no longer %s", domain.ErrStaleState, quiz.ID, expected)
}

func (s *Store) ListQuestions(ctx context.Context, quizID string) ([]domain.Question, error) {
	if _, err := s.GetQuiz(ctx, quizID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT `+questionColumns+` FROM questions WHERE quiz_id = $1 ORDER BY ord`, quizID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()
	out := []domain.Question{}
	for rows.Next() {
		var (
			q                domain.Question
			qtype            string
			options, correct []byte
		)
		if err := rows.Scan(&q.ID, &q.QuizID, &qtype, &q.Prompt, &options, &correct, &q.Marks, &q.Order, &q.TimeLimit); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		q.Type = domain.QuestionType(qtype)
		if err := json.Unmarshal(options, &q.Options); err != nil {
			return nil, fmt.Errorf("question %s options: %w", q.ID, err)
		}
		if len(correct) > 0 {
			if err := json.Unmarshal(correct, &q.Correct); err != nil {
				return nil, fmt.Errorf("question %s reference: %w", q.ID, err)
			}
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *Store) CreateAnswer(ctx context.Context, answer domain.Answer) error {
	if err := insertAnswer(ctx, s.pool, answer); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: user %s question %s", domain.ErrDuplicateAnswer, answer.UserID, answer.QuestionID)
		}
		return err
	}
	return nil
}

// ReplaceAnswersIfLive locks the quiz row FOR SHARE, so an end transition
// waits for the replacement to commit (or the replacement sees the end).
func (s *Store) ReplaceAnswersIfLive(ctx context.Context, quizID, userID string, answers []domain.Answer) (bool, error) {
	replaced := false
	err := s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		var (
			status string
			isLive bool
		)
		err := tx.QueryRow(ctx, `SELECT status, is_live FROM quizzes WHERE id = $1 FOR SHARE`, quizID).Scan(&status, &isLive)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("%w: %s", domain.ErrQuizNotFound, quizID)
		case err != nil:
			return fmt.Errorf("lock quiz: %w", err)
		case domain.QuizStatus(status) == domain.StatusCompleted:
			return fmt.Errorf("%w: %s", domain.ErrQuizEnded, quizID)
		case !isLive:
			return fmt.Errorf("%w: %s is %s", domain.ErrNotLive, quizID, status)
		}

		tag, err := tx.Exec(ctx, `DELETE FROM answers WHERE quiz_id = $1 AND user_id = $2`, quizID, userID)
		if err != nil {
			return fmt.Errorf("delete answers: %w", err)
		}
		replaced = tag.RowsAffected() > 0
		for _, a := range answers {
			if err := insertAnswer(ctx, tx, a); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return replaced, nil
}

func (s *Store) GetAnswer(ctx context.Context, answerID string) (domain.Answer, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+answerColumns+` FROM answers WHERE id = $1`, answerID)
	a, err := scanAnswer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Answer{}, fmt.Errorf("%w: %s", domain.ErrAnswerNotFound, answerID)
	}
	return a, err
}

func (s *Store) UpdateAnswerReview(ctx context.Context, answer domain.Answer) error {
	tag, err := s.pool.Exec(ctx, `UPDATE answers SET is_correct = $2, score = $3, pending_review = $4,
			reviewed_by = $5, reviewed_at = $6
		WHERE id = $1`,
		answer.ID, answer.IsCorrect, answer.Score, answer.PendingReview, answer.ReviewedBy, answer.ReviewedAt)
	if err != nil {
		return fmt.Errorf("review answer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrAnswerNotFound, answer.ID)
	}
	return nil
}

func (s *Store) ListUserAnswers(ctx context.Context, quizID, userID string) ([]domain.Answer, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+answerColumns+` FROM answers
		WHERE quiz_id = $1 AND user_id = $2 ORDER BY submitted_at`, quizID, userID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	defer rows.Close()
	out := []domain.Answer{}
	for rows.Next() {
		a, err := scanAnswer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) GetEntry(ctx context.Context, quizID, userID string) (domain.LeaderboardEntry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM leaderboard_entries
		WHERE quiz_id = $1 AND user_id = $2`, quizID, userID)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.LeaderboardEntry{}, fmt.Errorf("%w: quiz %s user %s", domain.ErrEntryNotFound, quizID, userID)
	}
	return e, err
}

// UpsertEntry writes the aggregate columns. Rank and disqualification of an
// existing row are left to UpdateRanks and MarkDisqualified.
func (s *Store) UpsertEntry(ctx context.Context, e domain.LeaderboardEntry) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO leaderboard_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (quiz_id, user_id) DO UPDATE SET
			score = EXCLUDED.score, time_taken = EXCLUDED.time_taken,
			correct_answers = EXCLUDED.correct_answers, total_questions = EXCLUDED.total_questions,
			accuracy = EXCLUDED.accuracy, updated_at = EXCLUDED.updated_at`,
		e.QuizID, e.UserID, e.Score, e.TimeTaken, e.CorrectAnswers, e.TotalQuestions,
		e.Accuracy, e.Rank, e.IsDisqualified, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert entry: %w", err)
	}
	return nil
}

func (s *Store) MarkDisqualified(ctx context.Context, quizID, userID string, disqualified bool, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE leaderboard_entries
		SET is_disqualified = $3, rank = CASE WHEN $3 THEN 0 ELSE rank END, updated_at = $4
		WHERE quiz_id = $1 AND user_id = $2`, quizID, userID, disqualified, at)
	if err != nil {
		return fmt.Errorf("mark disqualified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: quiz %s user %s", domain.ErrEntryNotFound, quizID, userID)
	}
	return nil
}

func (s *Store) ListEntries(ctx context.Context, quizID string) ([]domain.LeaderboardEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+entryColumns+` FROM leaderboard_entries
		WHERE quiz_id = $1 ORDER BY user_id`, quizID)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()
	out := []domain.LeaderboardEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) UpdateRanks(ctx context.Context, quizID string, entries []domain.LeaderboardEntry) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`UPDATE leaderboard_entries SET rank = $3 WHERE quiz_id = $1 AND user_id = $2`, quizID, e.UserID, e.Rank)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range entries {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("update rank: %w", err)
		}
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func insertAnswer(ctx context.Context, db execer, a domain.Answer) error {
	value, err := json.Marshal(a.Value)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `INSERT INTO answers (`+answerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.QuizID, a.QuestionID, a.UserID, string(value), a.IsCorrect, a.Score, a.PendingReview,
		a.TimeTakenSeconds, a.SubmittedAt, a.ReviewedBy, a.ReviewedAt)
	if err != nil {
		return fmt.Errorf("insert answer: %w", err)
	}
	return nil
}

func scanQuiz(row pgx.Row) (domain.Quiz, error) {
	var (
		q                    domain.Quiz
		status               string
		departments, history []byte
	)
	err := row.Scan(&q.ID, &q.Title, &q.CreatedBy, &departments, &status, &q.IsLive,
		&q.LiveStartAt, &q.LiveEndAt, &q.StartTime, &q.EndTime, &q.TimeLimit, &history,
		&q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return domain.Quiz{}, err
	}
	q.Status = domain.QuizStatus(status)
	if err := json.Unmarshal(departments, &q.Departments); err != nil {
		return domain.Quiz{}, fmt.Errorf("quiz %s departments: %w", q.ID, err)
	}
	if err := json.Unmarshal(history, &q.LiveHistory); err != nil {
		return domain.Quiz{}, fmt.Errorf("quiz %s live history: %w", q.ID, err)
	}
	return q, nil
}

func scanAnswer(row pgx.Row) (domain.Answer, error) {
	var (
		a     domain.Answer
		value []byte
	)
	err := row.Scan(&a.ID, &a.QuizID, &a.QuestionID, &a.UserID, &value, &a.IsCorrect, &a.Score,
		&a.PendingReview, &a.TimeTakenSeconds, &a.SubmittedAt, &a.ReviewedBy, &a.ReviewedAt)
	if err != nil {
		return domain.Answer{}, err
	}
	if err := json.Unmarshal(value, &a.Value); err != nil {
		return domain.Answer{}, fmt.Errorf("answer %s value: %w", a.ID, err)
	}
	return a, nil
}

func scanEntry(row pgx.Row) (domain.LeaderboardEntry, error) {
	var e domain.LeaderboardEntry
	err := row.Scan(&e.QuizID, &e.UserID, &e.Score, &e.TimeTaken, &e.CorrectAnswers, &e.TotalQuestions,
		&e.Accuracy, &e.Rank, &e.IsDisqualified, &e.UpdatedAt)
	return e, err
}

func quizJSON(q domain.Quiz) (string, string, error) {
	departments, err := json.Marshal(nonNil(q.Departments))
	if err != nil {
		return "", "", err
	}
	history := q.LiveHistory
	if history == nil {
		history = []domain.LiveSession{}
	}
	blob, err := json.Marshal(history)
	if err != nil {
		return "", "", err
	}
	return string(departments), string(blob), nil
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Ping reports whether the pool can reach the database.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}
