// Package redis backs the session registry and the question cache with
// Redis so several engine processes can share them.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"live-quiz-engine/internal/domain"
)

const activeSessionsKey = "quiz:sessions:active"

// SessionRegistry keeps session state in Redis:
//
//	SADD quiz:sessions:active {quizID}
//	SET  quiz:{quizID}:anchor {anchor JSON}
//	HSET quiz:{quizID}:roster {userID} {participant JSON}
//
// Keys expire after ttl so a crashed process does not leave rosters behind.
type SessionRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSessionRegistry(client *redis.Client, ttl time.Duration) *SessionRegistry {
	return &SessionRegistry{client: client, ttl: ttl}
}

func (r *SessionRegistry) Activate(ctx context.Context, anchor domain.SessionAnchor) error {
	blob, err := json.Marshal(anchor)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, activeSessionsKey, anchor.QuizID)
	pipe.Set(ctx, anchorKey(anchor.QuizID), blob, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("activate session %s: %w", anchor.QuizID, err)
	}
	return nil
}

func (r *SessionRegistry) Deactivate(ctx context.Context, quizID string) error {
	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, activeSessionsKey, quizID)
	pipe.Del(ctx, anchorKey(quizID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deactivate session %s: %w", quizID, err)
	}
	return nil
}

func (r *SessionRegistry) Anchor(ctx context.Context, quizID string) (domain.SessionAnchor, bool, error) {
	blob, err := r.client.Get(ctx, anchorKey(quizID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.SessionAnchor{}, false, nil
	}
	if err != nil {
		return domain.SessionAnchor{}, false, err
	}
	var a domain.SessionAnchor
	if err := json.Unmarshal(blob, &a); err != nil {
		return domain.SessionAnchor{}, false, err
	}
	return a, true, nil
}

// ActiveSessions lists anchors of active quizzes, pruning ids whose anchor
// expired.
func (r *SessionRegistry) ActiveSessions(ctx context.Context) ([]domain.SessionAnchor, error) {
	ids, err := r.client.SMembers(ctx, activeSessionsKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.SessionAnchor, 0, len(ids))
	for _, id := range ids {
		a, ok, err := r.Anchor(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			_ = r.client.SRem(ctx, activeSessionsKey, id).Err()
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuizID < out[j].QuizID })
	return out, nil
}

// Join adds or refreshes a participant; a rejoin keeps the original join time.
func (r *SessionRegistry) Join(ctx context.Context, quizID string, p domain.Participant) ([]domain.Participant, error) {
	key := rosterKey(quizID)
	if blob, err := r.client.HGet(ctx, key, p.UserID).Bytes(); err == nil {
		var cur domain.Participant
		if json.Unmarshal(blob, &cur) == nil {
			p.JoinedAt = cur.JoinedAt
		}
	} else if !errors.Is(err, redis.Nil) {
		return nil, err
	}

	blob, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, p.UserID, blob)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("join %s: %w", quizID, err)
	}
	return r.Roster(ctx, quizID)
}

func (r *SessionRegistry) Leave(ctx context.Context, quizID, userID string) ([]domain.Participant, error) {
	if err := r.client.HDel(ctx, rosterKey(quizID), userID).Err(); err != nil {
		return nil, fmt.Errorf("leave %s: %w", quizID, err)
	}
	return r.Roster(ctx, quizID)
}

func (r *SessionRegistry) Roster(ctx context.Context, quizID string) ([]domain.Participant, error) {
	raw, err := r.client.HGetAll(ctx, rosterKey(quizID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.Participant, 0, len(raw))
	for _, blob := range raw {
		var p domain.Participant
		if err := json.Unmarshal([]byte(blob), &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func anchorKey(quizID string) string { return "quiz:" + quizID + ":anchor" }
func rosterKey(quizID string) string { return "quiz:" + quizID + ":roster" }
