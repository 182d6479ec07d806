package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"live-quiz-engine/internal/domain"
	"live-quiz-engine/internal/metrics"
)

// subscriberBuffer is the per-subscriber channel depth.
const subscriberBuffer = 16

// Gateway runs live sessions: rosters, the shared timer loop and event
// fan-out to subscribers.
type Gateway struct {
	registry SessionRegistry
	quizzes  QuizStore
	log      *zap.Logger
	now      func() time.Time
	interval time.Duration

	mu       sync.Mutex
	hubs     map[string]*hub
	sessions map[string]*liveSession
	onExpire func(ctx context.Context, quizID string) error
}

// liveSession is the process-local reveal state of one activation.
type liveSession struct {
	quiz      domain.Quiz
	anchor    domain.SessionAnchor
	questions []domain.Question
	// boundaries[i] is the elapsed second at which question i closes.
	boundaries []int
	revealed   int
	expired    bool
}

func NewGateway(registry SessionRegistry, quizzes QuizStore, log *zap.Logger) *Gateway {
	return &Gateway{
		registry: registry,
		quizzes:  quizzes,
		log:      log,
		now:      time.Now,
		interval: time.Second,
		hubs:     make(map[string]*hub),
		sessions: make(map[string]*liveSession),
		onExpire: func(context.Context, string) error { return nil },
	}
}

// WithClock swaps the time source; tests use it for deterministic timers.
func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	return g
}

// WithInterval sets the tick period of Run.
func (g *Gateway) WithInterval(d time.Duration) *Gateway {
	if d > 0 {
		g.interval = d
	}
	return g
}

// SetExpiryHandler registers the callback invoked when the session timer
// reaches zero. It runs once per activation unless it fails, in which case
// the next tick calls it again.
func (g *Gateway) SetExpiryHandler(fn func(ctx context.Context, quizID string) error) {
	g.mu.Lock()
	g.onExpire = fn
	g.mu.Unlock()
}

// Activate starts the timer of a quiz that just went live.
func (g *Gateway) Activate(ctx context.Context, quiz domain.Quiz, questions []domain.Question) error {
	started := g.now()
	if quiz.StartTime != nil {
		started = *quiz.StartTime
	}
	anchor := domain.SessionAnchor{
		QuizID:           quiz.ID,
		StartedAt:        started,
		TimeLimitSeconds: quiz.TimeLimit * 60,
	}

	session := newLiveSession(quiz, anchor, questions)
	elapsed := elapsedSeconds(g.now(), started)
	session.revealed = session.index(elapsed)

	g.mu.Lock()
	g.sessions[quiz.ID] = session
	active := len(g.sessions)
	g.mu.Unlock()
	metrics.ActiveSessions.Set(float64(active))

	if err := g.registry.Activate(ctx, anchor); err != nil {
		return fmt.Errorf("registry activate: %w", err)
	}

	g.Publish(quiz.ID, domain.Event{Type: domain.EventQuizStarted, Payload: quiz})
	if len(session.questions) > 0 {
		g.Publish(quiz.ID, domain.Event{
			Type:    domain.EventNewQuestion,
			Payload: session.revealedPayload(elapsed),
		})
	}
	return nil
}

// Deactivate stops the timer and announces the final leaderboard.
func (g *Gateway) Deactivate(ctx context.Context, quiz domain.Quiz, final domain.Leaderboard) error {
	g.mu.Lock()
	delete(g.sessions, quiz.ID)
	active := len(g.sessions)
	g.mu.Unlock()
	metrics.ActiveSessions.Set(float64(active))

	endedAt := g.now()
	if quiz.EndTime != nil {
		endedAt = *quiz.EndTime
	}
	g.Publish(quiz.ID, domain.Event{
		Type:    domain.EventQuizEnded,
		Payload: domain.QuizEnded{EndedAt: endedAt, Leaderboard: final},
	})

	if err := g.registry.Deactivate(ctx, quiz.ID); err != nil {
		return fmt.Errorf("registry deactivate: %w", err)
	}
	return nil
}

// Anchors lists the timer anchors the session registry holds. With a shared
// registry these include sessions started by other processes.
func (g *Gateway) Anchors(ctx context.Context) ([]domain.SessionAnchor, error) {
	return g.registry.ActiveSessions(ctx)
}

// Release drops a session without announcing an end, for anchors left behind
// by a quiz that is no longer live.
func (g *Gateway) Release(ctx context.Context, quizID string) error {
	g.mu.Lock()
	delete(g.sessions, quizID)
	active := len(g.sessions)
	g.mu.Unlock()
	metrics.ActiveSessions.Set(float64(active))
	return g.registry.Deactivate(ctx, quizID)
}

// Participants returns the current roster of a quiz.
func (g *Gateway) Participants(ctx context.Context, quizID string) ([]domain.Participant, error) {
	if _, err := g.quizzes.GetQuiz(ctx, quizID); err != nil {
		return nil, err
	}
	return g.registry.Roster(ctx, quizID)
}

// Active reports whether quizID has a running timer in this process.
func (g *Gateway) Active(quizID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.sessions[quizID]
	return ok
}

// Join adds a participant to a live quiz, or to the lobby of a scheduled
// one, and returns the state the client needs to render.
func (g *Gateway) Join(ctx context.Context, quizID string, p domain.Participant) (domain.JoinState, error) {
	quiz, err := g.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.JoinState{}, err
	}
	if quiz.Status != domain.StatusLive && quiz.Status != domain.StatusScheduled {
		return domain.JoinState{}, fmt.Errorf("%w: %s is %s", domain.ErrNotJoinable, quizID, quiz.Status)
	}

	if p.JoinedAt.IsZero() {
		p.JoinedAt = g.now()
	}
	roster, err := g.registry.Join(ctx, quizID, p)
	if err != nil {
		return domain.JoinState{}, err
	}

	state := domain.JoinState{
		Quiz:             quiz,
		QuestionIndex:    -1,
		RemainingSeconds: quiz.TimeLimit * 60,
		Participants:     roster,
	}

	g.mu.Lock()
	session, local := g.sessions[quizID]
	if local {
		session.fill(&state, elapsedSeconds(g.now(), session.anchor.StartedAt))
	}
	g.mu.Unlock()

	// The timer may run in another process sharing the registry.
	if !local && quiz.Status == domain.StatusLive {
		anchor, ok, err := g.registry.Anchor(ctx, quizID)
		if err != nil {
			return domain.JoinState{}, err
		}
		if ok {
			questions, err := g.quizzes.ListQuestions(ctx, quizID)
			if err != nil {
				return domain.JoinState{}, err
			}
			newLiveSession(quiz, anchor, questions).fill(&state, elapsedSeconds(g.now(), anchor.StartedAt))
		}
	}

	g.Publish(quizID, domain.Event{
		Type:    domain.EventRosterChanged,
		Payload: domain.RosterChanged{Joined: p.UserID, Participants: roster},
	})
	g.log.Debug("participant joined", zap.String("quiz_id", quizID), zap.String("user_id", p.UserID))
	return state, nil
}

// Leave removes a participant from the roster. Their answers are untouched.
func (g *Gateway) Leave(ctx context.Context, quizID, userID string) error {
	roster, err := g.registry.Leave(ctx, quizID, userID)
	if err != nil {
		return err
	}
	g.Publish(quizID, domain.Event{
		Type:    domain.EventRosterChanged,
		Payload: domain.RosterChanged{Left: userID, Participants: roster},
	})
	return nil
}

// Subscribe returns a channel of the quiz's events. The caller must invoke
// the returned cancel function to avoid leaks.
func (g *Gateway) Subscribe(quizID string) (<-chan domain.Event, func()) {
	g.mu.Lock()
	h, ok := g.hubs[quizID]
	if !ok {
		h = newHub()
		g.hubs[quizID] = h
	}
	ch, cancel := h.subscribe()
	g.mu.Unlock()

	return ch, func() {
		cancel()
		g.mu.Lock()
		if cur, ok := g.hubs[quizID]; ok && cur == h && h.empty() {
			delete(g.hubs, quizID)
		}
		g.mu.Unlock()
	}
}

// Publish fans event out to the quiz's subscribers without blocking.
func (g *Gateway) Publish(quizID string, event domain.Event) {
	event.QuizID = quizID
	if event.At.IsZero() {
		event.At = g.now()
	}
	g.mu.Lock()
	h, ok := g.hubs[quizID]
	g.mu.Unlock()
	if ok {
		h.broadcast(event)
	}
}

// Run drives Tick until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.Tick(ctx)
		}
	}
}

// Tick advances every active session by one step: timer.tick for all,
// question.new on a reveal change, and expiry dispatch at zero.
func (g *Gateway) Tick(ctx context.Context) {
	begin := time.Now()
	now := g.now()

	var events []domain.Event
	expired := make(map[string]*liveSession)

	g.mu.Lock()
	onExpire := g.onExpire
	for id, session := range g.sessions {
		elapsed := elapsedSeconds(now, session.anchor.StartedAt)
		remaining := remainingSeconds(session.anchor, elapsed)
		idx := session.index(elapsed)

		events = append(events, domain.Event{
			Type:   domain.EventTimerTick,
			QuizID: id,
			At:     now,
			Payload: domain.TimerTick{
				ElapsedSeconds:   elapsed,
				RemainingSeconds: remaining,
				QuestionIndex:    idx,
			},
		})
		if idx > session.revealed {
			session.revealed = idx
			events = append(events, domain.Event{
				Type:    domain.EventNewQuestion,
				QuizID:  id,
				At:      now,
				Payload: session.revealedPayload(elapsed),
			})
		}
		if remaining == 0 && !session.expired {
			session.expired = true
			expired[id] = session
		}
	}
	g.mu.Unlock()

	for _, ev := range events {
		g.Publish(ev.QuizID, ev)
	}
	for id, session := range expired {
		g.log.Info("session timer expired", zap.String("quiz_id", id))
		go g.expire(context.WithoutCancel(ctx), onExpire, id, session)
	}
	metrics.TickDuration.Observe(time.Since(begin).Seconds())
}

func (g *Gateway) expire(ctx context.Context, onExpire func(context.Context, string) error, quizID string, session *liveSession) {
	if err := onExpire(ctx, quizID); err != nil {
		g.log.Warn("session expiry failed, retrying on next tick", zap.String("quiz_id", quizID), zap.Error(err))
		g.mu.Lock()
		session.expired = false
		g.mu.Unlock()
	}
}

func newLiveSession(quiz domain.Quiz, anchor domain.SessionAnchor, questions []domain.Question) *liveSession {
	ordered := append([]domain.Question{}, questions...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })
	return &liveSession{
		quiz:       quiz,
		anchor:     anchor,
		questions:  ordered,
		boundaries: revealBoundaries(ordered, anchor.TimeLimitSeconds),
	}
}

func (s *liveSession) fill(state *domain.JoinState, elapsed int) {
	idx := s.index(elapsed)
	state.QuestionIndex = idx
	state.TotalQuestions = len(s.questions)
	state.ElapsedSeconds = elapsed
	state.RemainingSeconds = remainingSeconds(s.anchor, elapsed)
	if idx >= 0 && idx < len(s.questions) {
		pub := s.questions[idx].Public()
		state.CurrentQuestion = &pub
	}
}

func (s *liveSession) index(elapsed int) int {
	if len(s.questions) == 0 {
		return -1
	}
	for i, end := range s.boundaries {
		if elapsed < end {
			return i
		}
	}
	return len(s.questions) - 1
}

func (s *liveSession) revealedPayload(elapsed int) domain.QuestionRevealed {
	idx := s.index(elapsed)
	return domain.QuestionRevealed{
		Index:            idx,
		Total:            len(s.questions),
		Question:         s.questions[idx].Public(),
		RemainingSeconds: remainingSeconds(s.anchor, elapsed),
	}
}

// revealBoundaries lays questions out on the session timeline. Questions
// with their own limit keep it; the rest share what is left of the quiz
// limit equally.
func revealBoundaries(questions []domain.Question, limitSeconds int) []int {
	fixed, shared := 0, 0
	for _, q := range questions {
		if q.TimeLimit > 0 {
			fixed += q.TimeLimit
		} else {
			shared++
		}
	}
	slot := 0
	if shared > 0 && limitSeconds > fixed {
		slot = (limitSeconds - fixed) / shared
	}

	boundaries := make([]int, len(questions))
	at := 0
	for i, q := range questions {
		if q.TimeLimit > 0 {
			at += q.TimeLimit
		} else {
			at += slot
		}
		boundaries[i] = at
	}
	return boundaries
}

func elapsedSeconds(now, started time.Time) int {
	d := now.Sub(started)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

func remainingSeconds(anchor domain.SessionAnchor, elapsed int) int {
	return max(0, anchor.TimeLimitSeconds-elapsed)
}

// hub holds the subscribers of one quiz.
type hub struct {
	mu          sync.Mutex
	subscribers map[chan domain.Event]struct{}
}

func newHub() *hub {
	return &hub{subscribers: make(map[chan domain.Event]struct{})}
}

func (h *hub) subscribe() (<-chan domain.Event, func()) {
	ch := make(chan domain.Event, subscriberBuffer)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *hub) broadcast(event domain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			// Full: drop the oldest event.
			select {
			case <-ch:
			default:
			}
			ch <- event
		}
	}
}

func (h *hub) empty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers) == 0
}
