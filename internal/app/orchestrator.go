package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"live-quiz-service/internal/domain"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// FeedbackPolicy picks how long answers stay revealed before the next question.
type FeedbackPolicy struct {
	Default time.Duration
	ByMode  map[string]time.Duration
}

// For returns the question's own feedback duration, else the mode default, else Default.
func (p FeedbackPolicy) For(mode string, question domain.Question) time.Duration {
	if question.FeedbackDurationMs > 0 {
		return time.Duration(question.FeedbackDurationMs) * time.Millisecond
	}
	if d, ok := p.ByMode[mode]; ok && d > 0 {
		return d
	}
	if p.Default > 0 {
		return p.Default
	}
	return 5 * time.Second
}

// Orchestrator drives the question loop of sessions started in this process:
// open question, wait, close answers, score, feedback, next; then end the session.
// Every wait re-reads the stored session on wake, so a timer that fires after the session moved
// on is a no-op.
type Orchestrator struct {
	state       *StateModel
	scorer      *Scorer
	broadcaster Broadcaster
	clock       clockwork.Clock
	feedback    FeedbackPolicy

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	cancel context.CancelFunc
	wake   chan struct{}
}

func NewOrchestrator(state *StateModel, scorer *Scorer, broadcaster Broadcaster, clock clockwork.Clock, feedback FeedbackPolicy) *Orchestrator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		state:       state,
		scorer:      scorer,
		broadcaster: broadcaster,
		clock:       clock,
		feedback:    feedback,
		ctx:         ctx,
		cancel:      cancel,
		runs:        make(map[string]*run),
	}
}

// Start launches the question loop for a pending session.
func (o *Orchestrator) Start(ctx context.Context, accessCode string) error {
	session, err := o.state.Load(ctx, accessCode)
	if err != nil {
		return err
	}
	if session.Status != domain.StatusPending {
		return fmt.Errorf("%w: session is %s", domain.ErrInvalidTransition, session.Status)
	}

	o.mu.Lock()
	if _, ok := o.runs[accessCode]; ok {
		o.mu.Unlock()
		return domain.ErrOrchestratorRunning
	}
	runCtx, cancel := context.WithCancel(o.ctx)
	r := &run{cancel: cancel, wake: make(chan struct{}, 1)}
	o.runs[accessCode] = r
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer o.finish(accessCode, r)
		o.run(runCtx, accessCode, r)
	}()
	return nil
}

// Notify wakes the session's pending wait so it re-reads the stored timer.
func (o *Orchestrator) Notify(accessCode string) {
	o.mu.Lock()
	r := o.runs[accessCode]
	o.mu.Unlock()
	if r == nil {
		return
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Stop cancels the session's loop without broadcasting anything.
func (o *Orchestrator) Stop(accessCode string) {
	o.mu.Lock()
	r := o.runs[accessCode]
	o.mu.Unlock()
	if r != nil {
		r.cancel()
	}
}

// Running reports whether this process drives accessCode.
func (o *Orchestrator) Running(accessCode string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.runs[accessCode]
	return ok
}

// Shutdown cancels every loop and waits for them to return.
func (o *Orchestrator) Shutdown() {
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) finish(accessCode string, r *run) {
	r.cancel()
	o.mu.Lock()
	if o.runs[accessCode] == r {
		delete(o.runs, accessCode)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) run(ctx context.Context, accessCode string, r *run) {
	logger := log.With().Str("access_code", accessCode).Logger()

	session, err := o.state.Load(ctx, accessCode)
	if err != nil {
		o.abort(ctx, logger, accessCode, err)
		return
	}
	total := len(session.QuestionIDs)
	logger.Info().Int("questions", total).Msg("session started")

	for index := 0; index < total; index++ {
		session, err := o.state.SetCurrentQuestion(ctx, accessCode, index)
		if err != nil {
			o.abort(ctx, logger, accessCode, err)
			return
		}
		question, err := o.state.CurrentQuestion(ctx, session)
		if err != nil {
			o.abort(ctx, logger, accessCode, err)
			return
		}
		view := question.Public()
		view.DurationMs = session.Timer.DurationMs
		o.broadcast(ctx, logger, accessCode, domain.EventQuestionOpened, domain.QuestionOpened{
			Question:       view,
			Index:          index,
			TotalQuestions: total,
			Timer:          session.Timer.State(o.clock.Now()),
		})

		proceed, err := o.awaitAnswers(ctx, accessCode, index, r)
		if err != nil {
			o.abort(ctx, logger, accessCode, err)
			return
		}
		if !proceed {
			logger.Info().Int("index", index).Msg("session moved on, orchestrator exiting")
			return
		}

		if session, err = o.state.EndCurrentQuestion(ctx, accessCode); err != nil {
			o.abort(ctx, logger, accessCode, err)
			return
		}
		o.broadcast(ctx, logger, accessCode, domain.EventAnswersClosed, domain.AnswersClosed{QuestionID: question.ID})

		if _, err := o.scorer.Score(ctx, accessCode, question.ID); err != nil {
			o.abort(ctx, logger, accessCode, err)
			return
		}
		entries, err := o.state.Leaderboard(ctx, accessCode)
		if err != nil {
			o.abort(ctx, logger, accessCode, err)
			return
		}
		o.broadcast(ctx, logger, accessCode, domain.EventLeaderboardUpdated, domain.LeaderboardUpdated{Entries: entries})

		window := o.feedback.For(session.Settings.Mode, question)
		if _, err := o.state.EnterFeedback(ctx, accessCode, window); err != nil {
			o.abort(ctx, logger, accessCode, err)
			return
		}
		o.broadcast(ctx, logger, accessCode, domain.EventFeedback, domain.Feedback{
			QuestionID:       question.ID,
			RemainingMs:      window.Milliseconds(),
			CorrectOptionIDs: question.CorrectOptionIDs(),
		})
		proceed, err = o.holdFeedback(ctx, accessCode, index, window, r)
		if err != nil {
			o.abort(ctx, logger, accessCode, err)
			return
		}
		if !proceed {
			logger.Info().Int("index", index).Msg("session moved on, orchestrator exiting")
			return
		}
	}

	if _, err := o.state.Complete(ctx, accessCode); err != nil {
		o.abort(ctx, logger, accessCode, err)
		return
	}
	entries, err := o.state.Leaderboard(ctx, accessCode)
	if err != nil {
		logger.Error().Err(err).Msg("load final leaderboard")
	}
	o.broadcast(ctx, logger, accessCode, domain.EventSessionEnded, domain.SessionEnded{AccessCode: accessCode, Entries: entries})
	logger.Info().Msg("session completed")
}

// awaitAnswers blocks until the open question's timer stops. It returns false when the session was
// cancelled, completed or advanced by someone else.
func (o *Orchestrator) awaitAnswers(ctx context.Context, accessCode string, index int, r *run) (bool, error) {
	for {
		if ctx.Err() != nil {
			return false, nil
		}
		session, err := o.state.Load(ctx, accessCode)
		if err != nil {
			if ctx.Err() != nil {
				return false, nil
			}
			return false, err
		}
		if !onQuestion(session, index) || session.Phase != domain.PhaseQuestionOpen {
			return false, nil
		}

		timer := session.Timer.State(o.clock.Now())
		if timer.Status == domain.TimerStop {
			return true, nil
		}
		var fired <-chan time.Time
		var t clockwork.Timer
		if timer.Status == domain.TimerRun {
			t = o.clock.NewTimer(time.Duration(timer.TimeLeftMs) * time.Millisecond)
			fired = t.Chan()
		}

		select {
		case <-ctx.Done():
		case <-r.wake:
		case <-fired:
		}
		if t != nil {
			t.Stop()
		}
	}
}

// holdFeedback waits out the feedback window. It returns false when the session was cancelled,
// completed or advanced by someone else; a store failure is returned for the caller to abort on.
func (o *Orchestrator) holdFeedback(ctx context.Context, accessCode string, index int, window time.Duration, r *run) (bool, error) {
	deadline := o.clock.Now().Add(window)
	for {
		if left := deadline.Sub(o.clock.Now()); left > 0 {
			t := o.clock.NewTimer(left)
			select {
			case <-ctx.Done():
				t.Stop()
				return false, nil
			case <-r.wake:
				t.Stop()
			case <-t.Chan():
			}
		}
		session, err := o.state.Load(ctx, accessCode)
		if err != nil {
			if ctx.Err() != nil {
				return false, nil
			}
			return false, err
		}
		if !onQuestion(session, index) || session.Phase != domain.PhaseFeedback {
			return false, nil
		}
		if !o.clock.Now().Before(deadline) {
			return true, nil
		}
	}
}

func onQuestion(session domain.Session, index int) bool {
	return session.Status != domain.StatusCompleted && session.CurrentQuestionIndex == index
}

func (o *Orchestrator) broadcast(ctx context.Context, logger zerolog.Logger, accessCode, eventType string, payload any) {
	if err := o.broadcaster.Broadcast(ctx, accessCode, eventType, payload); err != nil {
		logger.Error().Err(err).Str("event", eventType).Msg("broadcast failed")
	}
}

// abort stops the session's progression after a failure rather than emitting a question with an
// unknown timer. Cancellation and a session ended elsewhere are not failures.
func (o *Orchestrator) abort(ctx context.Context, logger zerolog.Logger, accessCode string, err error) {
	if ctx.Err() != nil {
		return
	}
	if errors.Is(err, domain.ErrInvalidTransition) {
		if session, loadErr := o.state.Load(ctx, accessCode); loadErr == nil && session.Status == domain.StatusCompleted {
			logger.Info().Msg("session completed elsewhere, orchestrator exiting")
			return
		}
	}
	logger.Error().Err(err).Str("kind", string(domain.KindOf(err))).Msg("session aborted")
	o.broadcast(ctx, logger, accessCode, domain.EventSessionError, domain.SessionError{
		Message: "session aborted: " + err.Error(),
		Code:    domain.KindOf(err),
	})
}
