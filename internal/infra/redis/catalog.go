package redis

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// CachedCatalog caches catalog entries in Redis, shared by every process, and falls back to a loader on miss.
// Questions are stored as: SET catalog:question:{id} {json}
// Session metadata as:     SET catalog:meta:{accessCode} {json}
type CachedCatalog struct {
	client *redis.Client
	loader app.Catalog
	ttl    time.Duration
	sf     singleflight.Group

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewCachedCatalog(client *redis.Client, loader app.Catalog, ttl time.Duration) *CachedCatalog {
	return &CachedCatalog{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *CachedCatalog) GetQuestion(ctx context.Context, questionID string) (domain.Question, error) {
	var q domain.Question
	key := "catalog:question:" + questionID
	if c.cached(ctx, key, &q) {
		return q, nil
	}
	result, err, _ := c.sf.Do(key, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		var q domain.Question
		if c.cached(ctx, key, &q) {
			return q, nil
		}
		q, err := c.loader.GetQuestion(ctx, questionID)
		if err != nil {
			return domain.Question{}, err
		}
		c.fill(ctx, key, q)
		return q, nil
	})
	if err != nil {
		return domain.Question{}, err
	}
	return result.(domain.Question), nil
}

func (c *CachedCatalog) GetSessionMeta(ctx context.Context, accessCode string) (domain.SessionMeta, error) {
	var m domain.SessionMeta
	key := "catalog:meta:" + accessCode
	if c.cached(ctx, key, &m) {
		return m, nil
	}
	result, err, _ := c.sf.Do(key, func() (interface{}, error) {
		var m domain.SessionMeta
		if c.cached(ctx, key, &m) {
			return m, nil
		}
		m, err := c.loader.GetSessionMeta(ctx, accessCode)
		if err != nil {
			return domain.SessionMeta{}, err
		}
		c.fill(ctx, key, m)
		return m, nil
	})
	if err != nil {
		return domain.SessionMeta{}, err
	}
	return result.(domain.SessionMeta), nil
}

// cached decodes key into dst. Redis failures count as a miss; the loader stays authoritative.
func (c *CachedCatalog) cached(ctx context.Context, key string, dst any) bool {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Str("key", key).Msg("catalog cache read failed")
		}
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

func (c *CachedCatalog) fill(ctx context.Context, key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, raw, c.ttlWithJitter()).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("catalog cache write failed")
	}
}

func (c *CachedCatalog) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	jitterMax := int64(c.ttl) / 10
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
