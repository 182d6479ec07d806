package memory

import (
	"context"
	"sort"
	"sync"

	"live-quiz-engine/internal/domain"
)

// SessionRegistry is the process-local app.SessionRegistry.
type SessionRegistry struct {
	mu      sync.RWMutex
	anchors map[string]domain.SessionAnchor
	rosters map[string]map[string]domain.Participant
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		anchors: make(map[string]domain.SessionAnchor),
		rosters: make(map[string]map[string]domain.Participant),
	}
}

func (r *SessionRegistry) Activate(_ context.Context, anchor domain.SessionAnchor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.anchors[anchor.QuizID] = anchor
	return nil
}

// Deactivate forgets the anchor. The roster is kept so clients still
// connected after the end can leave cleanly.
func (r *SessionRegistry) Deactivate(_ context.Context, quizID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.anchors, quizID)
	return nil
}

func (r *SessionRegistry) Anchor(_ context.Context, quizID string) (domain.SessionAnchor, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.anchors[quizID]
	return a, ok, nil
}

func (r *SessionRegistry) ActiveSessions(_ context.Context) ([]domain.SessionAnchor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.SessionAnchor, 0, len(r.anchors))
	for _, a := range r.anchors {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuizID < out[j].QuizID })
	return out, nil
}

// Join adds or refreshes a participant; a rejoin keeps the original join time.
func (r *SessionRegistry) Join(_ context.Context, quizID string, p domain.Participant) ([]domain.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roster, ok := r.rosters[quizID]
	if !ok {
		roster = make(map[string]domain.Participant)
		r.rosters[quizID] = roster
	}
	if cur, ok := roster[p.UserID]; ok {
		p.JoinedAt = cur.JoinedAt
	}
	roster[p.UserID] = p
	return snapshot(roster), nil
}

func (r *SessionRegistry) Leave(_ context.Context, quizID, userID string) ([]domain.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roster := r.rosters[quizID]
	delete(roster, userID)
	if len(roster) == 0 {
		delete(r.rosters, quizID)
	}
	return snapshot(roster), nil
}

func (r *SessionRegistry) Roster(_ context.Context, quizID string) ([]domain.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.rosters[quizID]), nil
}

func snapshot(roster map[string]domain.Participant) []domain.Participant {
	out := make([]domain.Participant, 0, len(roster))
	for _, p := range roster {
		out = append(out, p)
	}
	sortParticipants(out)
	return out
}

func sortParticipants(ps []domain.Participant) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].JoinedAt.Equal(ps[j].JoinedAt) {
			return ps[i].JoinedAt.Before(ps[j].JoinedAt)
		}
		return ps[i].UserID < ps[j].UserID
	})
}
