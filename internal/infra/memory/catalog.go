package memory

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
)

// CachedCatalog caches questions and session metadata with a TTL to avoid repeated backing store hits.
type CachedCatalog struct {
	loader app.Catalog
	ttl    time.Duration
	clock  clockwork.Clock
	sf     singleflight.Group

	mu        sync.RWMutex
	rnd       *rand.Rand
	questions map[string]cached[domain.Question]
	metas     map[string]cached[domain.SessionMeta]
}

type cached[T any] struct {
	value     T
	expiresAt time.Time
}

func NewCachedCatalog(loader app.Catalog, ttl time.Duration, clock clockwork.Clock) *CachedCatalog {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CachedCatalog{
		loader:    loader,
		ttl:       ttl,
		clock:     clock,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
		questions: make(map[string]cached[domain.Question]),
		metas:     make(map[string]cached[domain.SessionMeta]),
	}
}

func (c *CachedCatalog) GetQuestion(ctx context.Context, questionID string) (domain.Question, error) {
	if q, ok := c.question(questionID); ok {
		return q, nil
	}
	result, err, _ := c.sf.Do("question:"+questionID, func() (interface{}, error) {
		if q, ok := c.question(questionID); ok {
			return q, nil
		}
		q, err := c.loader.GetQuestion(ctx, questionID)
		if err != nil {
			return domain.Question{}, err
		}
		expiresAt := c.expiry()
		c.mu.Lock()
		c.questions[questionID] = cached[domain.Question]{value: q, expiresAt: expiresAt}
		c.mu.Unlock()
		return q, nil
	})
	if err != nil {
		return domain.Question{}, err
	}
	return result.(domain.Question), nil
}

func (c *CachedCatalog) GetSessionMeta(ctx context.Context, accessCode string) (domain.SessionMeta, error) {
	if m, ok := c.meta(accessCode); ok {
		return m, nil
	}
	result, err, _ := c.sf.Do("meta:"+accessCode, func() (interface{}, error) {
		if m, ok := c.meta(accessCode); ok {
			return m, nil
		}
		m, err := c.loader.GetSessionMeta(ctx, accessCode)
		if err != nil {
			return domain.SessionMeta{}, err
		}
		expiresAt := c.expiry()
		c.mu.Lock()
		c.metas[accessCode] = cached[domain.SessionMeta]{value: m, expiresAt: expiresAt}
		c.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return domain.SessionMeta{}, err
	}
	return result.(domain.SessionMeta), nil
}

func (c *CachedCatalog) question(id string) (domain.Question, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.questions[id]
	if !ok || !entry.expiresAt.After(c.clock.Now()) {
		return domain.Question{}, false
	}
	return entry.value, true
}

func (c *CachedCatalog) meta(code string) (domain.SessionMeta, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.metas[code]
	if !ok || !entry.expiresAt.After(c.clock.Now()) {
		return domain.SessionMeta{}, false
	}
	return entry.value, true
}

func (c *CachedCatalog) expiry() time.Time {
	return c.clock.Now().Add(c.ttlWithJitter())
}

func (c *CachedCatalog) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(c.ttl) / 10
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}

// StaticCatalog is a catalog backed by in-memory maps (useful for tests, demos and the YAML catalog file).
type StaticCatalog struct {
	questions map[string]domain.Question
	sessions  map[string]domain.SessionMeta
}

func NewStaticCatalog(questions []domain.Question, sessions []domain.SessionMeta) *StaticCatalog {
	c := &StaticCatalog{
		questions: make(map[string]domain.Question, len(questions)),
		sessions:  make(map[string]domain.SessionMeta, len(sessions)),
	}
	for _, q := range questions {
		c.questions[q.ID] = q
	}
	for _, m := range sessions {
		c.sessions[m.AccessCode] = m
	}
	return c
}

func (c *StaticCatalog) GetQuestion(_ context.Context, questionID string) (domain.Question, error) {
	if q, ok := c.questions[questionID]; ok {
		return q, nil
	}
	return domain.Question{}, domain.ErrQuestionNotFound
}

func (c *StaticCatalog) GetSessionMeta(_ context.Context, accessCode string) (domain.SessionMeta, error) {
	if m, ok := c.sessions[accessCode]; ok {
		return m, nil
	}
	return domain.SessionMeta{}, domain.ErrSessionNotFound
}

// CatalogFile is the YAML layout of a catalog file.
type CatalogFile struct {
	Questions []domain.Question    `yaml:"questions"`
	Sessions  []domain.SessionMeta `yaml:"sessions"`
}

// LoadCatalogFile reads a YAML catalog file.
func LoadCatalogFile(path string) (CatalogFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return CatalogFile{}, fmt.Errorf("read catalog file: %w", err)
	}
	var file CatalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return CatalogFile{}, fmt.Errorf("parse catalog file: %w", err)
	}
	return file, nil
}

// NewStaticCatalogFromFile loads a YAML catalog file into a StaticCatalog.
func NewStaticCatalogFromFile(path string) (*StaticCatalog, error) {
	file, err := LoadCatalogFile(path)
	if err != nil {
		return nil, err
	}
	return NewStaticCatalog(file.Questions, file.Sessions), nil
}
