// Package scheduler fires the start and end wake-ups of scheduled quizzes.
//
// Wake-ups live in process memory as a delay queue of timers keyed by quiz
// id; Recover rebuilds them from storage after a restart.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"live-quiz-engine/internal/domain"
	"live-quiz-engine/internal/metrics"
)

// fireTimeout bounds one transition triggered by a wake-up.
const fireTimeout = 30 * time.Second

// Transitioner performs the scheduled transitions. Both calls must verify
// the quiz is still in the expected state.
type Transitioner interface {
	StartScheduled(ctx context.Context, quizID string) error
	EndScheduled(ctx context.Context, quizID string) error
}

// QuizLister is the read side Recover needs.
type QuizLister interface {
	ListQuizzesByStatus(ctx context.Context, status domain.QuizStatus) ([]domain.Quiz, error)
}

type wakeKind string

const (
	kindStart wakeKind = "start"
	kindEnd   wakeKind = "end"
)

// pair is the armed start/end of one quiz. gen identifies the arming so a
// timer that fires after being replaced is ignored.
type pair struct {
	gen     uint64
	startAt time.Time
	endAt   time.Time
	start   *time.Timer
	end     *time.Timer
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	target Transitioner
	log    *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	gen     uint64
	pending map[string]*pair
}

func New(target Transitioner, log *zap.Logger) *Scheduler {
	return &Scheduler{
		target:  target,
		log:     log,
		now:     time.Now,
		pending: make(map[string]*pair),
	}
}

// Arm replaces any pending wake-ups of quizID with a start at startAt and an
// end at endAt. Times in the past fire immediately.
func (s *Scheduler) Arm(quizID string, startAt, endAt time.Time) {
	s.arm(quizID, startAt, endAt, true)
	s.log.Debug("wake-ups armed",
		zap.String("quiz_id", quizID),
		zap.Time("start_at", startAt),
		zap.Time("end_at", endAt))
}

// ArmEnd arms only the end wake-up, for quizzes already live.
func (s *Scheduler) ArmEnd(quizID string, endAt time.Time) {
	s.arm(quizID, time.Time{}, endAt, false)
}

func (s *Scheduler) arm(quizID string, startAt, endAt time.Time, withStart bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked(quizID)
	s.gen++
	p := &pair{gen: s.gen, startAt: startAt, endAt: endAt}
	now := s.now()
	if withStart {
		p.start = time.AfterFunc(startAt.Sub(now), func() { s.fire(quizID, p.gen, kindStart) })
	}
	p.end = time.AfterFunc(endAt.Sub(now), func() { s.fire(quizID, p.gen, kindEnd) })
	s.pending[quizID] = p
}

// Cancel drops both wake-ups of quizID.
func (s *Scheduler) Cancel(quizID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(quizID)
}

// Pending reports the armed window of quizID.
func (s *Scheduler) Pending(quizID string) (startAt, endAt time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[quizID]
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	return p.startAt, p.endAt, true
}

// Stop cancels every pending wake-up.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.pending {
		s.stopLocked(id)
	}
}

// Recover re-arms wake-ups from storage. Scheduled quizzes whose window
// already closed are left for an operator; live quizzes whose open session
// belongs to their window get the end wake-up back.
func (s *Scheduler) Recover(ctx context.Context, quizzes QuizLister) error {
	scheduled, err := quizzes.ListQuizzesByStatus(ctx, domain.StatusScheduled)
	if err != nil {
		return err
	}
	now := s.now()
	armed := 0
	for _, q := range scheduled {
		if q.LiveStartAt == nil || q.LiveEndAt == nil {
			continue
		}
		if !q.LiveEndAt.After(now) {
			s.log.Warn("schedule window missed while down",
				zap.String("quiz_id", q.ID),
				zap.Time("end_at", *q.LiveEndAt))
			continue
		}
		s.arm(q.ID, *q.LiveStartAt, *q.LiveEndAt, true)
		armed++
	}

	live, err := quizzes.ListQuizzesByStatus(ctx, domain.StatusLive)
	if err != nil {
		return err
	}
	for _, q := range live {
		if !ownsWindow(q) {
			continue
		}
		s.ArmEnd(q.ID, *q.LiveEndAt)
		armed++
	}
	s.log.Info("scheduler recovered", zap.Int("armed", armed))
	return nil
}

// ownsWindow reports whether the open session of a live quiz was started
// within its scheduled window. A session opened after the window ended is a
// later restart and must not be ended by the old window.
func ownsWindow(q domain.Quiz) bool {
	if q.LiveStartAt == nil || q.LiveEndAt == nil {
		return false
	}
	i := q.OpenSession()
	if i < 0 {
		return false
	}
	return q.LiveHistory[i].StartedAt.Before(*q.LiveEndAt)
}

func (s *Scheduler) fire(quizID string, gen uint64, kind wakeKind) {
	s.mu.Lock()
	p, ok := s.pending[quizID]
	if !ok || p.gen != gen {
		s.mu.Unlock()
		metrics.WakeupsFired.WithLabelValues(string(kind), "stale").Inc()
		return
	}
	if kind == kindEnd {
		delete(s.pending, quizID)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			metrics.WakeupsFired.WithLabelValues(string(kind), "panic").Inc()
			s.log.Error("scheduled transition panicked",
				zap.String("quiz_id", quizID),
				zap.String("kind", string(kind)),
				zap.Any("panic", r))
		}
	}()

	var err error
	if kind == kindStart {
		err = s.target.StartScheduled(ctx, quizID)
	} else {
		err = s.target.EndScheduled(ctx, quizID)
	}
	if err != nil {
		metrics.WakeupsFired.WithLabelValues(string(kind), "error").Inc()
		s.log.Error("scheduled transition failed",
			zap.String("quiz_id", quizID),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return
	}
	metrics.WakeupsFired.WithLabelValues(string(kind), "ok").Inc()
	s.log.Info("scheduled transition fired", zap.String("quiz_id", quizID), zap.String("kind", string(kind)))
}

func (s *Scheduler) stopLocked(quizID string) {
	p, ok := s.pending[quizID]
	if !ok {
		return
	}
	if p.start != nil {
		p.start.Stop()
	}
	if p.end != nil {
		p.end.Stop()
	}
	delete(s.pending, quizID)
}
