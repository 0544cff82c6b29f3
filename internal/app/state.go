package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"live-quiz-service/internal/domain"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// DefaultQuestionDuration applies to catalog questions that carry no duration.
const DefaultQuestionDuration = 20 * time.Second

// StateModel owns every mutation of the session record. Each mutator reads the stored record,
// applies one change through the transition function and writes the whole record back.
type StateModel struct {
	store           SessionStore
	catalog         Catalog
	clock           clockwork.Clock
	defaultDuration time.Duration
}

func NewStateModel(store SessionStore, catalog Catalog, clock clockwork.Clock) *StateModel {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &StateModel{store: store, catalog: catalog, clock: clock, defaultDuration: DefaultQuestionDuration}
}

// WithDefaultQuestionDuration overrides the duration used for questions without one.
func (m *StateModel) WithDefaultQuestionDuration(d time.Duration) *StateModel {
	if d > 0 {
		m.defaultDuration = d
	}
	return m
}

// FullState is everything a late joiner needs to reach the same view as an always-connected peer.
type FullState struct {
	Session             domain.Session            `json:"session"`
	Question            *domain.QuestionView      `json:"question,omitempty"`
	Timer               domain.TimerState         `json:"timer"`
	CorrectOptionIDs    []string                  `json:"correctOptionIds,omitempty"`
	FeedbackRemainingMs int64                     `json:"feedbackRemainingMs,omitempty"`
	Participants        []domain.Participant      `json:"participants"`
	Answers             []domain.Answer           `json:"answers"`
	Leaderboard         []domain.LeaderboardEntry `json:"leaderboard"`
}

// QuestionOpened rebuilds the question_opened event for a connection arriving mid-question.
func (s FullState) QuestionOpened() (domain.QuestionOpened, bool) {
	if s.Question == nil || s.Session.Phase != domain.PhaseQuestionOpen {
		return domain.QuestionOpened{}, false
	}
	return domain.QuestionOpened{
		Question:       *s.Question,
		Index:          s.Session.CurrentQuestionIndex,
		TotalQuestions: len(s.Session.QuestionIDs),
		Timer:          s.Timer,
	}, true
}

// Initialize creates the pending session record from the catalog's session metadata.
func (m *StateModel) Initialize(ctx context.Context, accessCode string) (domain.Session, error) {
	meta, err := m.catalog.GetSessionMeta(ctx, accessCode)
	if err != nil {
		return domain.Session{}, err
	}
	if len(meta.QuestionIDs) == 0 {
		return domain.Session{}, domain.ErrCatalogEmpty
	}

	sessionID := meta.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	multiplier := meta.TimeMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	session := domain.Session{
		SessionID:            sessionID,
		AccessCode:           accessCode,
		Status:               domain.StatusPending,
		CurrentQuestionIndex: -1,
		QuestionIDs:          append([]string(nil), meta.QuestionIDs...),
		Timer:                domain.Timer{Status: domain.TimerStop},
		Settings: domain.Settings{
			Mode:           meta.Mode,
			TimeMultiplier: multiplier,
			Attempt:        meta.Attempt,
			JoinBonus:      meta.JoinBonus,
			JoinBonusStep:  meta.JoinBonusStep,
			ModeratorIDs:   append([]string(nil), meta.ModeratorIDs...),
			Invited:        append([]string(nil), meta.Participants...),
		},
	}
	if err := m.Persist(ctx, session); err != nil {
		return domain.Session{}, err
	}
	return session, nil
}

// Load returns the stored session record.
func (m *StateModel) Load(ctx context.Context, accessCode string) (domain.Session, error) {
	return m.store.LoadSession(ctx, accessCode)
}

// LoadOrInitialize returns the stored record, creating it on first use.
func (m *StateModel) LoadOrInitialize(ctx context.Context, accessCode string) (domain.Session, error) {
	session, err := m.store.LoadSession(ctx, accessCode)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return m.Initialize(ctx, accessCode)
	}
	return session, err
}

// Persist writes the full record.
func (m *StateModel) Persist(ctx context.Context, session domain.Session) error {
	session.UpdatedAt = m.clock.Now()
	return m.store.SaveSession(ctx, session)
}

// SetCurrentQuestion opens question index: it resets that question's answers, activates the session
// and starts a fresh timer of the question's base duration scaled by the session multiplier.
func (m *StateModel) SetCurrentQuestion(ctx context.Context, accessCode string, index int) (domain.Session, error) {
	session, err := m.store.LoadSession(ctx, accessCode)
	if err != nil {
		return domain.Session{}, err
	}
	if index < 0 || index >= len(session.QuestionIDs) {
		return domain.Session{}, fmt.Errorf("%w: %d of %d", domain.ErrQuestionOutOfRange, index, len(session.QuestionIDs))
	}
	if index <= session.CurrentQuestionIndex {
		return domain.Session{}, fmt.Errorf("%w: question %d already opened", domain.ErrInvalidTransition, index)
	}
	question, err := m.catalog.GetQuestion(ctx, session.QuestionIDs[index])
	if err != nil {
		return domain.Session{}, err
	}
	if err := session.Apply(domain.TransitionOpenQuestion); err != nil {
		return domain.Session{}, err
	}

	key := domain.AnswerKey{AccessCode: accessCode, QuestionID: question.ID, Attempt: session.Settings.Attempt}
	if err := m.store.ResetAnswers(ctx, key); err != nil {
		return domain.Session{}, err
	}

	session.CurrentQuestionIndex = index
	session.Timer = domain.NewTimer(m.clock.Now(), m.questionDuration(question, session.Settings.TimeMultiplier))
	session.FeedbackEndsAtMs = 0
	if err := m.Persist(ctx, session); err != nil {
		return domain.Session{}, err
	}
	return session, nil
}

// EndCurrentQuestion closes the answer window and stops the timer.
func (m *StateModel) EndCurrentQuestion(ctx context.Context, accessCode string) (domain.Session, error) {
	return m.mutate(ctx, accessCode, func(session *domain.Session) error {
		if err := session.Apply(domain.TransitionCloseAnswers); err != nil {
			return err
		}
		timer, err := session.Timer.Apply(domain.TimerActionStop, m.clock.Now(), 0)
		if err != nil {
			return err
		}
		session.Timer = timer
		return nil
	})
}

// EnterFeedback moves a closed question into its feedback window.
func (m *StateModel) EnterFeedback(ctx context.Context, accessCode string, window time.Duration) (domain.Session, error) {
	return m.mutate(ctx, accessCode, func(session *domain.Session) error {
		if err := session.Apply(domain.TransitionFeedback); err != nil {
			return err
		}
		session.FeedbackEndsAtMs = m.clock.Now().Add(window).UnixMilli()
		return nil
	})
}

// Complete ends the session.
func (m *StateModel) Complete(ctx context.Context, accessCode string) (domain.Session, error) {
	return m.mutate(ctx, accessCode, func(session *domain.Session) error {
		if err := session.Apply(domain.TransitionComplete); err != nil {
			return err
		}
		timer, err := session.Timer.Apply(domain.TimerActionStop, m.clock.Now(), 0)
		if err != nil {
			return err
		}
		session.Timer = timer
		session.FeedbackEndsAtMs = 0
		return nil
	})
}

// ApplyTimerAction runs a moderator timer command against the open question.
func (m *StateModel) ApplyTimerAction(ctx context.Context, accessCode string, action domain.TimerAction, duration time.Duration) (domain.Session, error) {
	return m.mutate(ctx, accessCode, func(session *domain.Session) error {
		if session.Phase != domain.PhaseQuestionOpen {
			return fmt.Errorf("%w: timer actions need an open question", domain.ErrInvalidTransition)
		}
		timer, err := session.Timer.Apply(action, m.clock.Now(), duration)
		if err != nil {
			return err
		}
		switch {
		case timer.Status == domain.TimerPause && session.Status == domain.StatusActive:
			err = session.Apply(domain.TransitionPause)
		case timer.Status == domain.TimerRun && session.Status == domain.StatusPaused:
			err = session.Apply(domain.TransitionResume)
		}
		if err != nil {
			return err
		}
		session.Timer = timer
		return nil
	})
}

// GetFullState assembles the reconciled session view.
func (m *StateModel) GetFullState(ctx context.Context, accessCode string) (FullState, error) {
	session, err := m.store.LoadSession(ctx, accessCode)
	if err != nil {
		return FullState{}, err
	}
	now := m.clock.Now()
	state := FullState{Session: session, Timer: session.Timer.State(now)}

	if questionID := session.CurrentQuestionID(); questionID != "" {
		question, err := m.catalog.GetQuestion(ctx, questionID)
		if err != nil {
			return FullState{}, err
		}
		view := question.Public()
		view.DurationMs = session.Timer.DurationMs
		state.Question = &view
		if session.Phase == domain.PhaseFeedback {
			state.CorrectOptionIDs = question.CorrectOptionIDs()
			if left := session.FeedbackEndsAtMs - now.UnixMilli(); left > 0 {
				state.FeedbackRemainingMs = left
			}
		}
		key := domain.AnswerKey{AccessCode: accessCode, QuestionID: questionID, Attempt: session.Settings.Attempt}
		if state.Answers, err = m.store.ListAnswers(ctx, key); err != nil {
			return FullState{}, err
		}
	}

	if state.Participants, err = m.store.ListParticipants(ctx, accessCode); err != nil {
		return FullState{}, err
	}
	if state.Leaderboard, err = m.Leaderboard(ctx, accessCode); err != nil {
		return FullState{}, err
	}
	applyScores(state.Participants, state.Leaderboard)
	return state, nil
}

// CurrentQuestion returns the catalog entry of the open question.
func (m *StateModel) CurrentQuestion(ctx context.Context, session domain.Session) (domain.Question, error) {
	questionID := session.CurrentQuestionID()
	if questionID == "" {
		return domain.Question{}, domain.ErrQuestionNotFound
	}
	return m.catalog.GetQuestion(ctx, questionID)
}

func (m *StateModel) mutate(ctx context.Context, accessCode string, change func(*domain.Session) error) (domain.Session, error) {
	session, err := m.store.LoadSession(ctx, accessCode)
	if err != nil {
		return domain.Session{}, err
	}
	if err := change(&session); err != nil {
		return domain.Session{}, err
	}
	if err := m.Persist(ctx, session); err != nil {
		return domain.Session{}, err
	}
	return session, nil
}

func (m *StateModel) questionDuration(question domain.Question, multiplier float64) time.Duration {
	base := time.Duration(question.DurationMs) * time.Millisecond
	if base <= 0 {
		base = m.defaultDuration
	}
	if multiplier <= 0 {
		multiplier = 1
	}
	ms := math.Round(float64(base.Milliseconds()) * multiplier)
	return time.Duration(ms) * time.Millisecond
}
