package ranking

import (
	"testing"

	"live-quiz-engine/internal/domain"
)

func TestSummarize(t *testing.T) {
	answers := []domain.Answer{
		{Score: 2, IsCorrect: true, TimeTakenSeconds: 10},
		{Score: 2, IsCorrect: true, TimeTakenSeconds: 5},
		{Score: 0, IsCorrect: false, TimeTakenSeconds: 30, PendingReview: true},
	}
	s := Summarize(answers)
	if s.Score != 4 || s.TimeTaken != 45 || s.CorrectAnswers != 2 || s.TotalQuestions != 3 {
		t.Fatalf("unexpected summary %+v", s)
	}
	if s.Accuracy != 66.67 {
		t.Fatalf("expected accuracy 66.67, got %v", s.Accuracy)
	}

	if empty := Summarize(nil); empty.Accuracy != 0 || empty.TotalQuestions != 0 {
		t.Fatalf("expected zero summary, got %+v", empty)
	}
}

func TestRankOrdersAndExcludesDisqualified(t *testing.T) {
	entries := []domain.LeaderboardEntry{
		{UserID: "carol", Score: 4, TimeTaken: 50},
		{UserID: "alice", Score: 6, TimeTaken: 90},
		{UserID: "bob", Score: 4, TimeTaken: 30},
		{UserID: "mallory", Score: 10, TimeTaken: 1, IsDisqualified: true, Rank: 1},
		{UserID: "dave", Score: 4, TimeTaken: 30},
	}
	ranked := Rank(entries)

	wantOrder := []string{"alice", "bob", "dave", "carol", "mallory"}
	wantRank := []int{1, 2, 3, 4, 0}
	for i, e := range ranked {
		if e.UserID != wantOrder[i] || e.Rank != wantRank[i] {
			t.Fatalf("position %d: expected %s rank %d, got %s rank %d", i, wantOrder[i], wantRank[i], e.UserID, e.Rank)
		}
	}
	if entries[0].Rank != 0 {
		t.Fatalf("Rank must not mutate its input")
	}
}

func TestRanksAreContiguous(t *testing.T) {
	var entries []domain.LeaderboardEntry
	for i := 0; i < 50; i++ {
		entries = append(entries, domain.LeaderboardEntry{
			UserID:         string(rune('a'+i%26)) + string(rune('a'+i/26)),
			Score:          (i * 7) % 11,
			TimeTaken:      (i * 13) % 17,
			IsDisqualified: i%9 == 0,
		})
	}
	ranked := Rank(entries)
	next := 1
	for i, e := range ranked {
		if e.IsDisqualified {
			if e.Rank != 0 {
				t.Fatalf("disqualified entry ranked %d", e.Rank)
			}
			continue
		}
		if e.Rank != next {
			t.Fatalf("expected rank %d, got %d", next, e.Rank)
		}
		if i > 0 && !ranked[i-1].IsDisqualified && Less(e, ranked[i-1]) {
			t.Fatalf("entries out of order at %d", i)
		}
		next++
	}
}

func TestChanged(t *testing.T) {
	before := []domain.LeaderboardEntry{{UserID: "a", Rank: 1}, {UserID: "b", Rank: 2}}
	after := []domain.LeaderboardEntry{{UserID: "b", Rank: 1}, {UserID: "a", Rank: 2}, {UserID: "c", Rank: 3}}
	changed := Changed(before, after)
	if len(changed) != 3 {
		t.Fatalf("expected 3 changes, got %d", len(changed))
	}
	if len(Changed(after, after)) != 0 {
		t.Fatalf("expected no changes for identical ranks")
	}
}
