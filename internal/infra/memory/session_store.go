package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"live-quiz-service/internal/domain"

	"github.com/jonboulle/clockwork"
)

// SessionStore is an in-memory implementation of app.SessionStore for single-process deployments
// and tests. Every write to a session refreshes its retention window.
type SessionStore struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu    sync.RWMutex
	rooms map[string]*room
}

type room struct {
	session      *domain.Session
	participants map[string]domain.Participant
	answers      map[string]map[string]domain.Answer
	scores       map[string]int
	connections  map[string]string
	users        map[string]string
	expiresAt    time.Time
}

func newRoom() *room {
	return &room{
		participants: make(map[string]domain.Participant),
		answers:      make(map[string]map[string]domain.Answer),
		scores:       make(map[string]int),
		connections:  make(map[string]string),
		users:        make(map[string]string),
	}
}

// NewSessionStore keeps session data for ttl after the last write; ttl <= 0 keeps it forever.
func NewSessionStore(clock clockwork.Clock, ttl time.Duration) *SessionStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SessionStore{clock: clock, ttl: ttl, rooms: make(map[string]*room)}
}

// lookup returns the live room, dropping it when expired. Callers hold the write lock.
func (s *SessionStore) lookup(accessCode string) (*room, bool) {
	r, ok := s.rooms[accessCode]
	if !ok {
		return nil, false
	}
	if !r.expiresAt.IsZero() && !r.expiresAt.After(s.clock.Now()) {
		delete(s.rooms, accessCode)
		return nil, false
	}
	return r, true
}

// write returns the room for a mutation and extends its retention.
func (s *SessionStore) write(accessCode string) *room {
	r, ok := s.lookup(accessCode)
	if !ok {
		r = newRoom()
		s.rooms[accessCode] = r
	}
	if s.ttl > 0 {
		r.expiresAt = s.clock.Now().Add(s.ttl)
	}
	return r
}

func (s *SessionStore) LoadSession(_ context.Context, accessCode string) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.lookup(accessCode)
	if !ok || r.session == nil {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return cloneSession(*r.session), nil
}

func (s *SessionStore) SaveSession(_ context.Context, session domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := cloneSession(session)
	s.write(session.AccessCode).session = &stored
	return nil
}

func (s *SessionStore) GetParticipant(_ context.Context, accessCode, userID string) (domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.lookup(accessCode)
	if !ok {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	p, ok := r.participants[userID]
	if !ok {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	return p, nil
}

func (s *SessionStore) SaveParticipant(_ context.Context, accessCode string, participant domain.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.write(accessCode).participants[participant.UserID] = participant
	return nil
}

func (s *SessionStore) RemoveParticipant(_ context.Context, accessCode, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.write(accessCode).participants, userID)
	return nil
}

func (s *SessionStore) ListParticipants(_ context.Context, accessCode string) ([]domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.lookup(accessCode)
	if !ok {
		return []domain.Participant{}, nil
	}
	out := make([]domain.Participant, 0, len(r.participants))
	for _, p := range r.participants {
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

// SaveAnswer keeps one answer per user and question; a resubmission overwrites.
func (s *SessionStore) SaveAnswer(_ context.Context, key domain.AnswerKey, answer domain.Answer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.write(key.AccessCode)
	byUser, ok := r.answers[key.String()]
	if !ok {
		byUser = make(map[string]domain.Answer)
		r.answers[key.String()] = byUser
	}
	byUser[answer.UserID] = answer
	return nil
}

func (s *SessionStore) ListAnswers(_ context.Context, key domain.AnswerKey) ([]domain.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.lookup(key.AccessCode)
	if !ok {
		return []domain.Answer{}, nil
	}
	byUser := r.answers[key.String()]
	out := make([]domain.Answer, 0, len(byUser))
	for _, a := range byUser {
		out = append(out, a)
	}
	sortAnswers(out)
	return out, nil
}

func (s *SessionStore) ResetAnswers(_ context.Context, key domain.AnswerKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.write(key.AccessCode).answers, key.String())
	return nil
}

func (s *SessionStore) SetScore(_ context.Context, accessCode, userID string, score int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.write(accessCode).scores[userID] = score
	return nil
}

func (s *SessionStore) AddScore(_ context.Context, accessCode, userID string, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scores := s.write(accessCode).scores
	scores[userID] += delta
	return scores[userID], nil
}

func (s *SessionStore) RemoveScore(_ context.Context, accessCode, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.write(accessCode).scores, userID)
	return nil
}

// Scores returns the score set ordered by score desc, then user id.
func (s *SessionStore) Scores(_ context.Context, accessCode string) ([]domain.ScoreEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.lookup(accessCode)
	if !ok {
		return []domain.ScoreEntry{}, nil
	}
	out := make([]domain.ScoreEntry, 0, len(r.scores))
	for userID, score := range r.scores {
		out = append(out, domain.ScoreEntry{UserID: userID, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (s *SessionStore) BindConnection(_ context.Context, accessCode, connectionID, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.write(accessCode)
	previous := r.users[userID]
	r.connections[connectionID] = userID
	r.users[userID] = connectionID
	if previous == connectionID {
		previous = ""
	}
	return previous, nil
}

func (s *SessionStore) UnbindConnection(_ context.Context, accessCode, connectionID string) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.lookup(accessCode)
	if !ok {
		return "", "", nil
	}
	userID, ok := r.connections[connectionID]
	if !ok {
		return "", "", nil
	}
	delete(r.connections, connectionID)

	if owner := r.users[userID]; owner != "" && owner != connectionID {
		return userID, owner, nil
	}
	others := make([]string, 0)
	for conn, user := range r.connections {
		if user == userID {
			others = append(others, conn)
		}
	}
	if len(others) == 0 {
		delete(r.users, userID)
		return userID, "", nil
	}
	sort.Strings(others)
	r.users[userID] = others[0]
	return userID, others[0], nil
}

func cloneSession(session domain.Session) domain.Session {
	session.QuestionIDs = append([]string(nil), session.QuestionIDs...)
	session.Settings.ModeratorIDs = append([]string(nil), session.Settings.ModeratorIDs...)
	session.Settings.Invited = append([]string(nil), session.Settings.Invited...)
	return session
}

func sortAnswers(answers []domain.Answer) {
	sort.Slice(answers, func(i, j int) bool {
		if !answers[i].SubmittedAt.Equal(answers[j].SubmittedAt) {
			return answers[i].SubmittedAt.Before(answers[j].SubmittedAt)
		}
		return answers[i].UserID < answers[j].UserID
	})
}
