// Package ranking aggregates answers into leaderboard rows and orders them.
package ranking

import (
	"math"
	"sort"

	"live-quiz-engine/internal/domain"
)

// Summary is one user's aggregate over their answers for a quiz.
type Summary struct {
	Score          int
	TimeTaken      int
	CorrectAnswers int
	TotalQuestions int
	Accuracy       float64
}

// Summarize sums scores and time and derives accuracy as a percentage rounded
// to two decimals. TotalQuestions counts the answers submitted.
func Summarize(answers []domain.Answer) Summary {
	var s Summary
	for _, a := range answers {
		s.Score += a.Score
		s.TimeTaken += a.TimeTakenSeconds
		if a.IsCorrect {
			s.CorrectAnswers++
		}
	}
	s.TotalQuestions = len(answers)
	if s.TotalQuestions > 0 {
		s.Accuracy = math.Round(float64(s.CorrectAnswers)*10000/float64(s.TotalQuestions)) / 100
	}
	return s
}

// Apply copies the summary onto an entry, leaving rank and disqualification alone.
func (s Summary) Apply(e *domain.LeaderboardEntry) {
	e.Score = s.Score
	e.TimeTaken = s.TimeTaken
	e.CorrectAnswers = s.CorrectAnswers
	e.TotalQuestions = s.TotalQuestions
	e.Accuracy = s.Accuracy
}

// Less orders entries by score desc, then time taken asc, then user id so the
// order is deterministic for full ties.
func Less(a, b domain.LeaderboardEntry) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.TimeTaken != b.TimeTaken {
		return a.TimeTaken < b.TimeTaken
	}
	return a.UserID < b.UserID
}

// Rank returns a new slice where non-disqualified entries carry ranks 1..N in
// Less order, followed by disqualified entries with rank 0.
func Rank(entries []domain.LeaderboardEntry) []domain.LeaderboardEntry {
	ranked := make([]domain.LeaderboardEntry, 0, len(entries))
	excluded := make([]domain.LeaderboardEntry, 0)
	for _, e := range entries {
		if e.IsDisqualified {
			e.Rank = 0
			excluded = append(excluded, e)
			continue
		}
		ranked = append(ranked, e)
	}
	sort.SliceStable(ranked, func(i, j int) bool { return Less(ranked[i], ranked[j]) })
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	sort.SliceStable(excluded, func(i, j int) bool { return Less(excluded[i], excluded[j]) })
	return append(ranked, excluded...)
}

// Changed lists entries whose rank differs from the previously stored value,
// so callers only persist what moved.
func Changed(before, after []domain.LeaderboardEntry) []domain.LeaderboardEntry {
	prev := make(map[string]int, len(before))
	for _, e := range before {
		prev[e.UserID] = e.Rank
	}
	out := make([]domain.LeaderboardEntry, 0)
	for _, e := range after {
		if r, ok := prev[e.UserID]; !ok || r != e.Rank {
			out = append(out, e)
		}
	}
	return out
}
