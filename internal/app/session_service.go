package app

import (
	"context"
	"regexp"
	"strings"
	"time"

	"live-quiz-service/internal/domain"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Connection roles reported in session_joined.
const (
	RoleParticipant = "participant"
	RoleModerator   = "moderator"
)

var accessCodePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateAccessCode rejects codes that cannot be used as store key segments.
func ValidateAccessCode(code string) error {
	if !accessCodePattern.MatchString(code) {
		return domain.Validation("invalid access code %q", code)
	}
	return nil
}

// Options tune the session service.
type Options struct {
	DefaultQuestionDuration time.Duration
	Feedback                FeedbackPolicy
}

// SessionService contains the session use cases behind the websocket commands.
type SessionService struct {
	store        SessionStore
	authorizer   Authorizer
	broadcaster  Broadcaster
	clock        clockwork.Clock
	state        *StateModel
	scorer       *Scorer
	rooms        *Reconciler
	orchestrator *Orchestrator
}

func NewSessionService(store SessionStore, catalog Catalog, authorizer Authorizer, broadcaster Broadcaster, clock clockwork.Clock, opts Options) *SessionService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if authorizer == nil {
		authorizer = NewMetaAuthorizer(catalog)
	}
	state := NewStateModel(store, catalog, clock).WithDefaultQuestionDuration(opts.DefaultQuestionDuration)
	scorer := NewScorer(store, catalog, clock)
	return &SessionService{
		store:        store,
		authorizer:   authorizer,
		broadcaster:  broadcaster,
		clock:        clock,
		state:        state,
		scorer:       scorer,
		rooms:        NewReconciler(store, state, clock),
		orchestrator: NewOrchestrator(state, scorer, broadcaster, clock, opts.Feedback),
	}
}

// State exposes the state model for read paths such as tests and tooling.
func (s *SessionService) State() *StateModel { return s.state }

// Notify wakes a locally running orchestrator, typically after a timer_updated event from another process.
func (s *SessionService) Notify(accessCode string) { s.orchestrator.Notify(accessCode) }

// Shutdown stops every orchestrator run in this process.
func (s *SessionService) Shutdown() { s.orchestrator.Shutdown() }

// JoinReply is what a joining connection receives.
type JoinReply struct {
	Role        string
	Participant *domain.Participant
	State       FullState
}

// Join admits a connection into a session. Moderators join without a participant record.
func (s *SessionService) Join(ctx context.Context, req JoinRequest) (JoinReply, error) {
	if err := ValidateAccessCode(req.AccessCode); err != nil {
		return JoinReply{}, err
	}
	if strings.TrimSpace(req.UserID) == "" {
		return JoinReply{}, domain.Validation("userId is required")
	}

	moderator, err := s.authorizer.IsAuthorizedModerator(ctx, req.UserID, req.AccessCode)
	if err != nil {
		return JoinReply{}, err
	}
	if moderator {
		if _, err := s.state.LoadOrInitialize(ctx, req.AccessCode); err != nil {
			return JoinReply{}, err
		}
		state, err := s.state.GetFullState(ctx, req.AccessCode)
		if err != nil {
			return JoinReply{}, err
		}
		log.Info().Str("access_code", req.AccessCode).Str("user_id", req.UserID).Msg("moderator joined")
		return JoinReply{Role: RoleModerator, State: state}, nil
	}

	result, err := s.rooms.Join(ctx, req)
	if err != nil {
		return JoinReply{}, err
	}
	if result.Created {
		s.broadcast(ctx, req.AccessCode, domain.EventLeaderboardUpdated, domain.LeaderboardUpdated{Entries: result.State.Leaderboard})
	}
	participant := result.Participant
	return JoinReply{
		Role:        RoleParticipant,
		Participant: &participant,
		State:       ownAnswers(result.State, req.UserID),
	}, nil
}

// SubmitRequest is the validated payload of submit_answer.
type SubmitRequest struct {
	AccessCode        string
	ConnectionID      string
	UserID            string
	QuestionID        string
	Value             domain.AnswerValue
	ClientTimeSpentMs int64
}

// SubmitResult reports whether the answer was stored. Late answers are acknowledged, not stored.
type SubmitResult struct {
	QuestionID string
	Accepted   bool
	Late       bool
}

// SubmitAnswer records the caller's answer to the open question. Time spent is measured by the
// server from the canonical timer; the client's figure is kept for auditing only.
func (s *SessionService) SubmitAnswer(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if err := ValidateAccessCode(req.AccessCode); err != nil {
		return SubmitResult{}, err
	}
	if req.UserID == "" {
		return SubmitResult{}, domain.ErrNotJoined
	}
	if len(req.Value) == 0 {
		return SubmitResult{}, domain.Validation("submittedValue is required")
	}

	session, err := s.state.Load(ctx, req.AccessCode)
	if err != nil {
		return SubmitResult{}, err
	}
	participant, err := s.store.GetParticipant(ctx, req.AccessCode, req.UserID)
	if err != nil {
		return SubmitResult{}, err
	}

	now := s.clock.Now()
	current := session.CurrentQuestionID()
	questionID := req.QuestionID
	if questionID == "" {
		questionID = current
	}
	result := SubmitResult{QuestionID: questionID}
	if session.Phase != domain.PhaseQuestionOpen || questionID != current || session.Timer.State(now).Status == domain.TimerStop {
		result.Late = true
		log.Debug().
			Str("access_code", req.AccessCode).
			Str("user_id", req.UserID).
			Str("question_id", questionID).
			Msg("late answer ignored")
		return result, nil
	}

	key := domain.AnswerKey{AccessCode: req.AccessCode, QuestionID: questionID, Attempt: session.Settings.Attempt}
	answer := domain.Answer{
		ConnectionID:      req.ConnectionID,
		UserID:            req.UserID,
		Value:             req.Value,
		SubmittedAt:       now,
		TimeSpentMs:       session.Timer.Elapsed(now),
		ClientTimeSpentMs: req.ClientTimeSpentMs,
		DurationMs:        session.Timer.DurationMs,
	}
	if err := s.store.SaveAnswer(ctx, key, answer); err != nil {
		return SubmitResult{}, err
	}
	if participant.Status != domain.ParticipantActive {
		participant.Status = domain.ParticipantActive
		if err := s.store.SaveParticipant(ctx, req.AccessCode, participant); err != nil {
			return SubmitResult{}, err
		}
	}
	result.Accepted = true
	return result, nil
}

// StartSession hands a pending session to this process's orchestrator.
func (s *SessionService) StartSession(ctx context.Context, accessCode, userID string) error {
	if err := s.requireModerator(ctx, accessCode, userID); err != nil {
		return err
	}
	if _, err := s.state.LoadOrInitialize(ctx, accessCode); err != nil {
		return err
	}
	if err := s.orchestrator.Start(ctx, accessCode); err != nil {
		return err
	}
	log.Info().Str("access_code", accessCode).Str("user_id", userID).Msg("session start requested")
	return nil
}

// TimerAction applies a moderator timer command and wakes whichever process drives the session.
func (s *SessionService) TimerAction(ctx context.Context, accessCode, userID string, action domain.TimerAction, durationMs int64) (domain.TimerState, error) {
	if !action.Valid() {
		return domain.TimerState{}, domain.Validation("unknown timer action %q", action)
	}
	if err := s.requireModerator(ctx, accessCode, userID); err != nil {
		return domain.TimerState{}, err
	}
	session, err := s.state.ApplyTimerAction(ctx, accessCode, action, time.Duration(durationMs)*time.Millisecond)
	if err != nil {
		return domain.TimerState{}, err
	}
	timer := session.Timer.State(s.clock.Now())
	s.broadcast(ctx, accessCode, domain.EventTimerUpdated, domain.TimerUpdated{Timer: timer, QuestionID: session.CurrentQuestionID()})
	s.orchestrator.Notify(accessCode)
	return timer, nil
}

// EndSession completes the session ahead of the question loop.
func (s *SessionService) EndSession(ctx context.Context, accessCode, userID string) error {
	if err := s.requireModerator(ctx, accessCode, userID); err != nil {
		return err
	}
	if _, err := s.state.Complete(ctx, accessCode); err != nil {
		return err
	}
	s.orchestrator.Stop(accessCode)
	entries, err := s.state.Leaderboard(ctx, accessCode)
	if err != nil {
		return err
	}
	s.broadcast(ctx, accessCode, domain.EventSessionEnded, domain.SessionEnded{AccessCode: accessCode, Entries: entries})
	return nil
}

// RequestState returns the reconciled state. Non-moderators only see their own answers.
func (s *SessionService) RequestState(ctx context.Context, accessCode, userID string) (FullState, error) {
	if err := ValidateAccessCode(accessCode); err != nil {
		return FullState{}, err
	}
	state, err := s.state.GetFullState(ctx, accessCode)
	if err != nil {
		return FullState{}, err
	}
	moderator, err := s.authorizer.IsAuthorizedModerator(ctx, userID, accessCode)
	if err != nil {
		return FullState{}, err
	}
	if moderator {
		return state, nil
	}
	return ownAnswers(state, userID), nil
}

// Disconnect releases a dropped connection.
func (s *SessionService) Disconnect(ctx context.Context, accessCode, connectionID string) error {
	result, err := s.rooms.Disconnect(ctx, accessCode, connectionID)
	if err != nil {
		return err
	}
	if result.Removed {
		entries, err := s.state.Leaderboard(ctx, accessCode)
		if err != nil {
			return err
		}
		s.broadcast(ctx, accessCode, domain.EventLeaderboardUpdated, domain.LeaderboardUpdated{Entries: entries})
	}
	return nil
}

func (s *SessionService) requireModerator(ctx context.Context, accessCode, userID string) error {
	if err := ValidateAccessCode(accessCode); err != nil {
		return err
	}
	ok, err := s.authorizer.IsAuthorizedModerator(ctx, userID, accessCode)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotModerator
	}
	return nil
}

func (s *SessionService) broadcast(ctx context.Context, accessCode, eventType string, payload any) {
	if err := s.broadcaster.Broadcast(ctx, accessCode, eventType, payload); err != nil {
		log.Error().Err(err).Str("access_code", accessCode).Str("event", eventType).Msg("broadcast failed")
	}
}

func ownAnswers(state FullState, userID string) FullState {
	answers := make([]domain.Answer, 0, 1)
	for _, a := range state.Answers {
		if a.UserID == userID {
			answers = append(answers, a)
		}
	}
	state.Answers = answers
	return state
}
