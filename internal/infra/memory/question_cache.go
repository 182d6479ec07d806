package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"live-quiz-engine/internal/domain"
)

// QuestionLoader fetches question sets from the system of record.
type QuestionLoader interface {
	ListQuestions(ctx context.Context, quizID string) ([]domain.Question, error)
}

// QuestionCache caches question sets with TTL so every submission does not
// hit the store. Concurrent misses for one quiz share a single load.
type QuestionCache struct {
	loader QuestionLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group

	mu    sync.RWMutex
	rnd   *rand.Rand
	cache map[string]cachedQuestions
}

type cachedQuestions struct {
	questions []domain.Question
	expiresAt time.Time
}

func NewQuestionCache(loader QuestionLoader, ttl time.Duration) *QuestionCache {
	return &QuestionCache{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedQuestions),
	}
}

// WithClock is test-only for deterministic expiry.
func (c *QuestionCache) WithClock(now func() time.Time) *QuestionCache {
	c.clock = now
	return c
}

func (c *QuestionCache) Questions(ctx context.Context, quizID string) ([]domain.Question, error) {
	if qs, ok := c.lookup(quizID); ok {
		return qs, nil
	}

	result, err, _ := c.sf.Do(quizID, func() (interface{}, error) {
		if qs, ok := c.lookup(quizID); ok {
			return qs, nil
		}
		qs, err := c.loader.ListQuestions(ctx, quizID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cache[quizID] = cachedQuestions{
			questions: qs,
			expiresAt: c.clock().Add(c.ttlWithJitter()),
		}
		c.mu.Unlock()
		return qs, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Question), nil
}

// Invalidate drops the cached set so the next read reloads it.
func (c *QuestionCache) Invalidate(_ context.Context, quizID string) error {
	c.mu.Lock()
	delete(c.cache, quizID)
	c.mu.Unlock()
	c.sf.Forget(quizID)
	return nil
}

func (c *QuestionCache) lookup(quizID string) ([]domain.Question, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.cache[quizID]
	if !ok || !entry.expiresAt.After(c.clock()) {
		return nil, false
	}
	return entry.questions, true
}

func (c *QuestionCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	// up to 10% jitter spreads expirations
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
