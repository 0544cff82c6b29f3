package app

import (
	"context"

	"live-quiz-service/internal/domain"
)

// SessionStore abstracts the shared low-latency store holding all in-flight session state
// (in-memory for a single process, Redis across processes). Every write replaces a whole value, except
// AddScore: the leaderboard score set is the authoritative total and Participant.Score only mirrors it.
type SessionStore interface {
	LoadSession(ctx context.Context, accessCode string) (domain.Session, error)
	SaveSession(ctx context.Context, session domain.Session) error

	GetParticipant(ctx context.Context, accessCode, userID string) (domain.Participant, error)
	SaveParticipant(ctx context.Context, accessCode string, participant domain.Participant) error
	RemoveParticipant(ctx context.Context, accessCode, userID string) error
	ListParticipants(ctx context.Context, accessCode string) ([]domain.Participant, error)

	SaveAnswer(ctx context.Context, key domain.AnswerKey, answer domain.Answer) error
	ListAnswers(ctx context.Context, key domain.AnswerKey) ([]domain.Answer, error)
	ResetAnswers(ctx context.Context, key domain.AnswerKey) error

	SetScore(ctx context.Context, accessCode, userID string, score int) error
	// AddScore atomically adds delta to the user's leaderboard score and returns the new total.
	AddScore(ctx context.Context, accessCode, userID string, delta int) (int, error)
	RemoveScore(ctx context.Context, accessCode, userID string) error
	Scores(ctx context.Context, accessCode string) ([]domain.ScoreEntry, error)

	// BindConnection maps connectionID <-> userID, returning the connection that previously owned userID.
	BindConnection(ctx context.Context, accessCode, connectionID, userID string) (previous string, err error)
	// UnbindConnection drops connectionID and reports its user plus another live connection of that user, if any.
	UnbindConnection(ctx context.Context, accessCode, connectionID string) (userID, remaining string, err error)
}

// Catalog resolves persistent catalog data (questions, session templates).
type Catalog interface {
	GetQuestion(ctx context.Context, questionID string) (domain.Question, error)
	GetSessionMeta(ctx context.Context, accessCode string) (domain.SessionMeta, error)
}

// Authorizer decides whether a user may run privileged commands on a session.
type Authorizer interface {
	IsAuthorizedModerator(ctx context.Context, userID, accessCode string) (bool, error)
}

// Broadcaster fans an event out to every connection in a session room, across processes.
type Broadcaster interface {
	Broadcast(ctx context.Context, accessCode, eventType string, payload any) error
}

// EventBus carries session events between server processes. Every subscriber, including the
// publishing process, receives every published event.
type EventBus interface {
	Publish(ctx context.Context, event domain.Event) error
	// Subscribe returns a channel of events; the caller must invoke cancel to release it.
	Subscribe(ctx context.Context) (<-chan domain.Event, func(), error)
}
