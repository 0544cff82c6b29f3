package app_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/infra/memory"

	"github.com/jonboulle/clockwork"
)

type fixture struct {
	clock   *clockwork.FakeClock
	store   *memory.SessionStore
	catalog *memory.StaticCatalog
	events  *recorder
	service *app.SessionService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store := memory.NewSessionStore(clock, time.Hour)
	catalog := memory.NewStaticCatalog(sampleQuestions(), sampleSessions())
	events := &recorder{}
	service := app.NewSessionService(store, catalog, nil, events, clock, app.Options{
		Feedback: app.FeedbackPolicy{Default: time.Second},
	})
	t.Cleanup(service.Shutdown)
	return &fixture{clock: clock, store: store, catalog: catalog, events: events, service: service}
}

func (f *fixture) stateModel() *app.StateModel {
	return app.NewStateModel(f.store, f.catalog, f.clock)
}

func (f *fixture) join(t *testing.T, accessCode, connectionID, userID string) app.JoinReply {
	t.Helper()
	reply, err := f.service.Join(context.Background(), app.JoinRequest{
		AccessCode:   accessCode,
		ConnectionID: connectionID,
		UserID:       userID,
	})
	if err != nil {
		t.Fatalf("join %s as %s: %v", accessCode, userID, err)
	}
	return reply
}

// waitForTimers blocks until the orchestrator has armed n clock timers.
func (f *fixture) waitForTimers(t *testing.T, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.clock.BlockUntilContext(ctx, n); err != nil {
		t.Fatalf("waiting for %d timers: %v", n, err)
	}
}

// hookedStore wraps the memory store to interleave work with a read or to fail session loads.
type hookedStore struct {
	*memory.SessionStore

	mu                  sync.Mutex
	afterGetParticipant func()
	loadErr             error
}

func (s *hookedStore) GetParticipant(ctx context.Context, accessCode, userID string) (domain.Participant, error) {
	participant, err := s.SessionStore.GetParticipant(ctx, accessCode, userID)
	s.mu.Lock()
	hook := s.afterGetParticipant
	s.afterGetParticipant = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return participant, err
}

func (s *hookedStore) LoadSession(ctx context.Context, accessCode string) (domain.Session, error) {
	s.mu.Lock()
	err := s.loadErr
	s.mu.Unlock()
	if err != nil {
		return domain.Session{}, err
	}
	return s.SessionStore.LoadSession(ctx, accessCode)
}

func (s *hookedStore) failLoads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadErr = err
}

type recorded struct {
	accessCode string
	eventType  string
	payload    any
}

// recorder is a Broadcaster that keeps every event for inspection.
type recorder struct {
	mu     sync.Mutex
	events []recorded
	cursor int
}

func (r *recorder) Broadcast(_ context.Context, accessCode, eventType string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{accessCode: accessCode, eventType: eventType, payload: payload})
	return nil
}

// next returns the first event of eventType after the previously returned one.
func (r *recorder) next(t *testing.T, eventType string) recorded {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for i := r.cursor; i < len(r.events); i++ {
			if r.events[i].eventType == eventType {
				r.cursor = i + 1
				event := r.events[i]
				r.mu.Unlock()
				return event
			}
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", eventType)
	return recorded{}
}

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.eventType == eventType {
			n++
		}
	}
	return n
}

func sampleQuestions() []domain.Question {
	return []domain.Question{
		{
			ID:         "q1",
			Type:       domain.QuestionSingleChoice,
			Prompt:     "What is 2 + 2?",
			DurationMs: 10000,
			Options: []domain.Option{
				{ID: "o1", Text: "3"},
				{ID: "o2", Text: "4", Correct: true},
				{ID: "o3", Text: "5"},
			},
		},
		{
			ID:         "q2",
			Type:       domain.QuestionMultipleChoice,
			Prompt:     "Pick the primes",
			DurationMs: 10000,
			Options: []domain.Option{
				{ID: "m1", Text: "2", Correct: true},
				{ID: "m2", Text: "4"},
				{ID: "m3", Text: "7", Correct: true},
			},
		},
		{
			ID:         "q3",
			Type:       domain.QuestionNumeric,
			Prompt:     "The answer to everything",
			DurationMs: 10000,
			Options:    []domain.Option{{ID: "n1", Text: "42", Correct: true}},
		},
		{
			ID:         "q4",
			Type:       domain.QuestionText,
			Prompt:     "Capital of France",
			DurationMs: 10000,
			Options:    []domain.Option{{ID: "t1", Text: "Paris", Correct: true}},
		},
	}
}

func sampleSessions() []domain.SessionMeta {
	return []domain.SessionMeta{
		{AccessCode: "ABC", QuestionIDs: []string{"q1", "q2"}, ModeratorIDs: []string{"mod"}, Mode: "classic"},
		{AccessCode: "BONUS", QuestionIDs: []string{"q1"}, ModeratorIDs: []string{"mod"}, JoinBonus: 100, JoinBonusStep: 10},
		{AccessCode: "INVITE", QuestionIDs: []string{"q1"}, ModeratorIDs: []string{"mod"}, Participants: []string{"u1"}},
		{AccessCode: "SLOW", QuestionIDs: []string{"q1"}, ModeratorIDs: []string{"mod"}, TimeMultiplier: 1.5},
		{AccessCode: "BROKEN", QuestionIDs: []string{"missing"}, ModeratorIDs: []string{"mod"}},
	}
}
