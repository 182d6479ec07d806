package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"live-quiz-engine/internal/domain"
)

// QuestionLoader fetches question sets from the system of record.
type QuestionLoader interface {
	ListQuestions(ctx context.Context, quizID string) ([]domain.Question, error)
}

// QuestionCache caches question sets in Redis, one hash per quiz:
//
//	HSET quiz:{quizID}:questions {questionID} {question JSON}
//
// Misses fall back to the loader; concurrent misses share one load.
type QuestionCache struct {
	client *redis.Client
	loader QuestionLoader
	ttl    time.Duration
	log    *zap.Logger
	sf     singleflight.Group

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewQuestionCache(client *redis.Client, loader QuestionLoader, ttl time.Duration, log *zap.Logger) *QuestionCache {
	return &QuestionCache{
		client: client,
		loader: loader,
		ttl:    ttl,
		log:    log,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *QuestionCache) Questions(ctx context.Context, quizID string) ([]domain.Question, error) {
	if qs, ok := c.cached(ctx, quizID); ok {
		return qs, nil
	}

	result, err, _ := c.sf.Do(quizID, func() (interface{}, error) {
		// Another caller may have filled it meanwhile.
		if qs, ok := c.cached(ctx, quizID); ok {
			return qs, nil
		}
		qs, err := c.loader.ListQuestions(ctx, quizID)
		if err != nil {
			return nil, err
		}
		if err := c.fill(ctx, quizID, qs); err != nil {
			c.log.Warn("question cache fill failed", zap.String("quiz_id", quizID), zap.Error(err))
		}
		return qs, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Question), nil
}

// Invalidate deletes the quiz's hash.
func (c *QuestionCache) Invalidate(ctx context.Context, quizID string) error {
	c.sf.Forget(quizID)
	if err := c.client.Del(ctx, questionsKey(quizID)).Err(); err != nil {
		return fmt.Errorf("invalidate questions %s: %w", quizID, err)
	}
	return nil
}

func (c *QuestionCache) cached(ctx context.Context, quizID string) ([]domain.Question, bool) {
	raw, err := c.client.HGetAll(ctx, questionsKey(quizID)).Result()
	if err != nil || len(raw) == 0 {
		return nil, false
	}
	qs := make([]domain.Question, 0, len(raw))
	for id, blob := range raw {
		var q domain.Question
		if err := json.Unmarshal([]byte(blob), &q); err != nil {
			c.log.Warn("corrupt cached question", zap.String("quiz_id", quizID), zap.String("question_id", id), zap.Error(err))
			return nil, false
		}
		qs = append(qs, q)
	}
	sort.SliceStable(qs, func(i, j int) bool { return qs[i].Order < qs[j].Order })
	return qs, true
}

func (c *QuestionCache) fill(ctx context.Context, quizID string, qs []domain.Question) error {
	if len(qs) == 0 {
		return nil
	}
	key := questionsKey(quizID)
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	for _, q := range qs {
		blob, err := json.Marshal(q)
		if err != nil {
			return err
		}
		pipe.HSet(ctx, key, q.ID, blob)
	}
	if ttl := c.ttlWithJitter(); ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func questionsKey(quizID string) string {
	return "quiz:" + quizID + ":questions"
}

func (c *QuestionCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
