package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"live-quiz-engine/internal/auth"
	"live-quiz-engine/internal/domain"
	"live-quiz-engine/internal/metrics"
	"live-quiz-engine/internal/scoring"
)

// QuizDraft is the input of Create.
type QuizDraft struct {
	Title       string
	Departments []string
	TimeLimit   int
	Questions   []domain.Question
}

// LifecycleController is the quiz state machine. Operators, the scheduler and
// the session timer all transition quizzes through it.
type LifecycleController struct {
	store       QuizStore
	questions   QuestionSource
	sessions    LiveSessions
	wakeups     Wakeups
	authz       Authorizer
	leaderboard *LeaderboardService
	log         *zap.Logger
	now         func() time.Time
}

func NewLifecycleController(store QuizStore, questions QuestionSource, sessions LiveSessions, authz Authorizer, leaderboard *LeaderboardService, log *zap.Logger) *LifecycleController {
	return &LifecycleController{
		store:       store,
		questions:   questions,
		sessions:    sessions,
		wakeups:     noopWakeups{},
		authz:       authz,
		leaderboard: leaderboard,
		log:         log,
		now:         time.Now,
	}
}

// WithClock swaps the time source; tests use it for deterministic timestamps.
func (c *LifecycleController) WithClock(now func() time.Time) *LifecycleController {
	c.now = now
	return c
}

// SetWakeups attaches the scheduler once it exists; the scheduler itself
// needs the controller, so wiring happens in two steps.
func (c *LifecycleController) SetWakeups(w Wakeups) {
	c.wakeups = w
}

// Create persists a draft quiz owned by actor.
func (c *LifecycleController) Create(ctx context.Context, actor auth.Identity, draft QuizDraft) (domain.Quiz, []domain.Question, error) {
	if strings.TrimSpace(draft.Title) == "" {
		return domain.Quiz{}, nil, fmt.Errorf("%w: title is required", domain.ErrInvalidQuiz)
	}
	if draft.TimeLimit < 1 {
		return domain.Quiz{}, nil, fmt.Errorf("%w: time limit must be at least one minute", domain.ErrInvalidQuiz)
	}

	now := c.now()
	quiz := domain.Quiz{
		ID:          uuid.NewString(),
		Title:       strings.TrimSpace(draft.Title),
		CreatedBy:   actor.UserID,
		Departments: append([]string{}, draft.Departments...),
		Status:      domain.StatusDraft,
		TimeLimit:   draft.TimeLimit,
		LiveHistory: []domain.LiveSession{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	orders := make(map[int]struct{}, len(draft.Questions))
	questions := make([]domain.Question, 0, len(draft.Questions))
	for i, q := range draft.Questions {
		if q.Order == 0 {
			q.Order = i + 1
		}
		if _, dup := orders[q.Order]; dup {
			return domain.Quiz{}, nil, fmt.Errorf("%w: duplicate question order %d", domain.ErrInvalidQuiz, q.Order)
		}
		orders[q.Order] = struct{}{}
		if q.TimeLimit < 0 {
			return domain.Quiz{}, nil, fmt.Errorf("%w: question %d time limit is negative", domain.ErrInvalidQuiz, q.Order)
		}
		if err := scoring.ValidateReference(q); err != nil {
			return domain.Quiz{}, nil, err
		}
		q.ID = uuid.NewString()
		q.QuizID = quiz.ID
		questions = append(questions, q)
	}

	if err := c.store.CreateQuiz(ctx, quiz, questions); err != nil {
		return domain.Quiz{}, nil, err
	}
	c.log.Info("quiz created",
		zap.String("quiz_id", quiz.ID),
		zap.String("created_by", actor.UserID),
		zap.Int("questions", len(questions)))
	return quiz, questions, nil
}

// Get returns the quiz and its ordered questions.
func (c *LifecycleController) Get(ctx context.Context, quizID string) (domain.Quiz, []domain.Question, error) {
	quiz, err := c.store.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.Quiz{}, nil, err
	}
	questions, err := c.store.ListQuestions(ctx, quizID)
	if err != nil {
		return domain.Quiz{}, nil, err
	}
	return quiz, questions, nil
}

// Start moves a draft, scheduled or completed quiz to live and opens a new
// liveHistory session.
func (c *LifecycleController) Start(ctx context.Context, actor auth.Identity, quizID string) (domain.Quiz, error) {
	quiz, err := c.store.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.Quiz{}, err
	}
	if err := c.authz.CanManage(ctx, actor, quiz); err != nil {
		return domain.Quiz{}, err
	}
	return c.start(ctx, quiz, trigger(actor))
}

func (c *LifecycleController) start(ctx context.Context, quiz domain.Quiz, trig string) (domain.Quiz, error) {
	switch quiz.Status {
	case domain.StatusLive:
		return domain.Quiz{}, fmt.Errorf("%w: %s", domain.ErrAlreadyLive, quiz.ID)
	case domain.StatusDraft, domain.StatusScheduled, domain.StatusCompleted:
	default:
		return domain.Quiz{}, fmt.Errorf("%w: cannot start from %s", domain.ErrBadTransition, quiz.Status)
	}

	questions, err := c.store.ListQuestions(ctx, quiz.ID)
	if err != nil {
		return domain.Quiz{}, err
	}
	if len(questions) == 0 {
		return domain.Quiz{}, fmt.Errorf("%w: %s", domain.ErrNoQuestions, quiz.ID)
	}

	prev := quiz.Status
	now := c.now()
	quiz.Status = domain.StatusLive
	quiz.IsLive = true
	quiz.StartTime = &now
	quiz.EndTime = nil
	quiz.LiveHistory = append(append([]domain.LiveSession{}, quiz.LiveHistory...), domain.LiveSession{StartedAt: now})
	quiz.UpdatedAt = now
	if prev != domain.StatusScheduled {
		// Only a scheduled activation owns a window.
		quiz.LiveStartAt = nil
		quiz.LiveEndAt = nil
	}

	if err := c.store.CompareAndSwapQuiz(ctx, quiz, prev); err != nil {
		if errors.Is(err, domain.ErrStaleState) {
			if cur, getErr := c.store.GetQuiz(ctx, quiz.ID); getErr == nil && cur.IsLive {
				return domain.Quiz{}, fmt.Errorf("%w: %s", domain.ErrAlreadyLive, quiz.ID)
			}
		}
		return domain.Quiz{}, err
	}

	if err := c.questions.Invalidate(ctx, quiz.ID); err != nil {
		c.log.Warn("question cache invalidation failed", zap.String("quiz_id", quiz.ID), zap.Error(err))
	}
	if err := c.sessions.Activate(ctx, quiz, questions); err != nil {
		c.log.Error("session activation failed", zap.String("quiz_id", quiz.ID), zap.Error(err))
	}

	metrics.Transitions.WithLabelValues("start", trig).Inc()
	c.log.Info("quiz started",
		zap.String("quiz_id", quiz.ID),
		zap.String("from", string(prev)),
		zap.String("trigger", trig),
		zap.Int("session", len(quiz.LiveHistory)))
	return quiz, nil
}

// End completes a live quiz and consumes its scheduled window. Ending a quiz
// that is not live is a successful no-op (ended=false): the scheduler, the
// session timer and an operator may race to end the same quiz.
func (c *LifecycleController) End(ctx context.Context, actor auth.Identity, quizID string) (domain.Quiz, bool, error) {
	quiz, err := c.store.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.Quiz{}, false, err
	}
	if err := c.authz.CanManage(ctx, actor, quiz); err != nil {
		return domain.Quiz{}, false, err
	}
	return c.end(ctx, quiz, trigger(actor))
}

func (c *LifecycleController) end(ctx context.Context, quiz domain.Quiz, trig string) (domain.Quiz, bool, error) {
	if !quiz.IsLive {
		return quiz, false, nil
	}

	now := c.now()
	quiz.Status = domain.StatusCompleted
	quiz.IsLive = false
	quiz.EndTime = &now
	quiz.UpdatedAt = now
	quiz.LiveStartAt = nil
	quiz.LiveEndAt = nil
	quiz.LiveHistory = append([]domain.LiveSession{}, quiz.LiveHistory...)
	if i := quiz.OpenSession(); i >= 0 {
		ended := now
		quiz.LiveHistory[i].EndedAt = &ended
		quiz.LiveHistory[i].DurationMinutes = int(math.Round(now.Sub(quiz.LiveHistory[i].StartedAt).Minutes()))
	}

	if err := c.store.CompareAndSwapQuiz(ctx, quiz, domain.StatusLive); err != nil {
		if errors.Is(err, domain.ErrStaleState) {
			cur, getErr := c.store.GetQuiz(ctx, quiz.ID)
			if getErr == nil && !cur.IsLive {
				return cur, false, nil
			}
		}
		return domain.Quiz{}, false, err
	}

	c.wakeups.Cancel(quiz.ID)

	final, err := c.leaderboard.Get(ctx, quiz.ID)
	if err != nil {
		c.log.Warn("final leaderboard unavailable", zap.String("quiz_id", quiz.ID), zap.Error(err))
		final = domain.Leaderboard{QuizID: quiz.ID, UpdatedAt: now}
	}
	if err := c.sessions.Deactivate(ctx, quiz, final); err != nil {
		c.log.Error("session deactivation failed", zap.String("quiz_id", quiz.ID), zap.Error(err))
	}

	metrics.Transitions.WithLabelValues("end", trig).Inc()
	c.log.Info("quiz ended", zap.String("quiz_id", quiz.ID), zap.String("trigger", trig))
	return quiz, true, nil
}

// Schedule arms an unattended start/end window. Rescheduling an already
// scheduled quiz replaces both wake-ups.
func (c *LifecycleController) Schedule(ctx context.Context, actor auth.Identity, quizID string, startAt, endAt time.Time) (domain.Quiz, error) {
	quiz, err := c.store.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.Quiz{}, err
	}
	if err := c.authz.CanManage(ctx, actor, quiz); err != nil {
		return domain.Quiz{}, err
	}
	if quiz.Status != domain.StatusDraft && quiz.Status != domain.StatusScheduled {
		return domain.Quiz{}, fmt.Errorf("%w: cannot schedule from %s", domain.ErrBadTransition, quiz.Status)
	}

	now := c.now()
	if !startAt.After(now) {
		return domain.Quiz{}, fmt.Errorf("%w: start %s is not in the future", domain.ErrBadSchedule, startAt.Format(time.RFC3339))
	}
	if !endAt.After(startAt) {
		return domain.Quiz{}, fmt.Errorf("%w: end must be after start", domain.ErrBadSchedule)
	}
	questions, err := c.store.ListQuestions(ctx, quizID)
	if err != nil {
		return domain.Quiz{}, err
	}
	if len(questions) == 0 {
		return domain.Quiz{}, fmt.Errorf("%w: %s", domain.ErrNoQuestions, quizID)
	}

	prev := quiz.Status
	start, end := startAt.UTC(), endAt.UTC()
	quiz.Status = domain.StatusScheduled
	quiz.LiveStartAt = &start
	quiz.LiveEndAt = &end
	quiz.UpdatedAt = now
	if err := c.store.CompareAndSwapQuiz(ctx, quiz, prev); err != nil {
		return domain.Quiz{}, err
	}
	c.wakeups.Arm(quiz.ID, start, end)

	metrics.Transitions.WithLabelValues("schedule", trigger(actor)).Inc()
	c.log.Info("quiz scheduled",
		zap.String("quiz_id", quiz.ID),
		zap.Time("start_at", start),
		zap.Time("end_at", end))
	return quiz, nil
}

// CancelSchedule returns a scheduled quiz to draft and drops its wake-ups.
func (c *LifecycleController) CancelSchedule(ctx context.Context, actor auth.Identity, quizID string) (domain.Quiz, error) {
	quiz, err := c.store.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.Quiz{}, err
	}
	if err := c.authz.CanManage(ctx, actor, quiz); err != nil {
		return domain.Quiz{}, err
	}
	if quiz.Status != domain.StatusScheduled {
		return domain.Quiz{}, fmt.Errorf("%w: %s is not scheduled", domain.ErrBadTransition, quizID)
	}

	quiz.Status = domain.StatusDraft
	quiz.LiveStartAt = nil
	quiz.LiveEndAt = nil
	quiz.UpdatedAt = c.now()
	if err := c.store.CompareAndSwapQuiz(ctx, quiz, domain.StatusScheduled); err != nil {
		return domain.Quiz{}, err
	}
	c.wakeups.Cancel(quiz.ID)

	metrics.Transitions.WithLabelValues("cancel_schedule", trigger(actor)).Inc()
	c.log.Info("quiz schedule cancelled", zap.String("quiz_id", quiz.ID))
	return quiz, nil
}

// StartScheduled is fired by the scheduler. A quiz that is no longer
// scheduled was superseded by an operator and is left alone.
func (c *LifecycleController) StartScheduled(ctx context.Context, quizID string) error {
	quiz, err := c.store.GetQuiz(ctx, quizID)
	if err != nil {
		return err
	}
	if quiz.Status != domain.StatusScheduled {
		c.log.Info("scheduled start skipped",
			zap.String("quiz_id", quizID),
			zap.String("status", string(quiz.Status)))
		return nil
	}
	_, err = c.start(ctx, quiz, "scheduler")
	return err
}

// EndScheduled is fired by the scheduler at the end of the window.
func (c *LifecycleController) EndScheduled(ctx context.Context, quizID string) error {
	quiz, err := c.store.GetQuiz(ctx, quizID)
	if err != nil {
		return err
	}
	_, _, err = c.end(ctx, quiz, "scheduler")
	return err
}

// Expire is called by the session gateway when a quiz's timer runs out. A
// returned error makes the gateway retry on a later tick.
func (c *LifecycleController) Expire(ctx context.Context, quizID string) error {
	quiz, err := c.store.GetQuiz(ctx, quizID)
	if err != nil {
		c.log.Error("expire: load quiz", zap.String("quiz_id", quizID), zap.Error(err))
		return err
	}
	if _, _, err := c.end(ctx, quiz, "timer"); err != nil {
		c.log.Error("expire: end quiz", zap.String("quiz_id", quizID), zap.Error(err))
		return err
	}
	return nil
}

// Restore re-activates sessions after a restart. Anchors left in the session
// registry are rebuilt when their quiz is still live and released otherwise;
// live quizzes without an anchor are activated from their stored start time.
// Timers resume from the anchor, so overdue quizzes end on the next tick.
func (c *LifecycleController) Restore(ctx context.Context) error {
	anchors, err := c.sessions.Anchors(ctx)
	if err != nil {
		return err
	}
	live, err := c.store.ListQuizzesByStatus(ctx, domain.StatusLive)
	if err != nil {
		return err
	}

	byQuiz := make(map[string]domain.SessionAnchor, len(anchors))
	for _, a := range anchors {
		byQuiz[a.QuizID] = a
	}
	for _, quiz := range live {
		if a, ok := byQuiz[quiz.ID]; ok {
			started := a.StartedAt
			quiz.StartTime = &started
			delete(byQuiz, quiz.ID)
		}
		questions, err := c.store.ListQuestions(ctx, quiz.ID)
		if err != nil {
			c.log.Error("restore: list questions", zap.String("quiz_id", quiz.ID), zap.Error(err))
			continue
		}
		if err := c.sessions.Activate(ctx, quiz, questions); err != nil {
			c.log.Error("restore: activate", zap.String("quiz_id", quiz.ID), zap.Error(err))
			continue
		}
		c.log.Info("live session restored", zap.String("quiz_id", quiz.ID))
	}

	for id := range byQuiz {
		if err := c.sessions.Release(ctx, id); err != nil {
			c.log.Warn("restore: release stale anchor", zap.String("quiz_id", id), zap.Error(err))
			continue
		}
		c.log.Info("stale session anchor released", zap.String("quiz_id", id))
	}
	return nil
}

func trigger(actor auth.Identity) string {
	if actor.Role == auth.RoleSystem {
		return "system"
	}
	return "operator"
}
