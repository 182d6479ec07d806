package memory

import (
	"context"
	"testing"
	"time"

	"live-quiz-engine/internal/domain"
)

func TestSessionRegistryLifecycle(t *testing.T) {
	ctx := context.Background()
	reg := NewSessionRegistry()
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	_ = reg.Activate(ctx, domain.SessionAnchor{QuizID: "quiz-1", StartedAt: start, TimeLimitSeconds: 600})
	if a, ok, _ := reg.Anchor(ctx, "quiz-1"); !ok || a.TimeLimitSeconds != 600 {
		t.Fatalf("expected anchor, got %+v %v", a, ok)
	}

	_, _ = reg.Join(ctx, "quiz-1", domain.Participant{UserID: "u2", DisplayName: "Bob", JoinedAt: start.Add(time.Second)})
	roster, _ := reg.Join(ctx, "quiz-1", domain.Participant{UserID: "u1", DisplayName: "Alice", JoinedAt: start})
	if len(roster) != 2 || roster[0].UserID != "u1" {
		t.Fatalf("expected roster ordered by join time, got %+v", roster)
	}

	roster, _ = reg.Join(ctx, "quiz-1", domain.Participant{UserID: "u1", DisplayName: "Alice B", JoinedAt: start.Add(time.Hour)})
	if roster[0].DisplayName != "Alice B" || !roster[0].JoinedAt.Equal(start) {
		t.Fatalf("rejoin should keep join time, got %+v", roster[0])
	}

	roster, _ = reg.Leave(ctx, "quiz-1", "u2")
	if len(roster) != 1 {
		t.Fatalf("expected one participant, got %+v", roster)
	}

	_ = reg.Deactivate(ctx, "quiz-1")
	if active, _ := reg.ActiveSessions(ctx); len(active) != 0 {
		t.Fatalf("expected no active sessions, got %+v", active)
	}
}
