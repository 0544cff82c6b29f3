package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"live-quiz-service/internal/domain"
)

func TestInitializeCopiesSessionMeta(t *testing.T) {
	f := newFixture(t)
	session, err := f.stateModel().Initialize(context.Background(), "SLOW")
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if session.Status != domain.StatusPending || session.CurrentQuestionIndex != -1 {
		t.Fatalf("expected pending session before first question, got %+v", session)
	}
	if session.SessionID == "" {
		t.Fatalf("expected generated session id")
	}
	if session.Settings.TimeMultiplier != 1.5 || len(session.Settings.ModeratorIDs) != 1 {
		t.Fatalf("unexpected settings %+v", session.Settings)
	}

	if _, err := f.stateModel().Initialize(context.Background(), "NOPE"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
}

func TestSetCurrentQuestionScalesDurationAndResetsAnswers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	state := f.stateModel()
	if _, err := state.Initialize(ctx, "SLOW"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	key := domain.AnswerKey{AccessCode: "SLOW", QuestionID: "q1"}
	_ = f.store.SaveAnswer(ctx, key, domain.Answer{UserID: "u1", Value: domain.AnswerValue{"o1"}})

	session, err := state.SetCurrentQuestion(ctx, "SLOW", 0)
	if err != nil {
		t.Fatalf("set question: %v", err)
	}
	if session.Status != domain.StatusActive || session.Phase != domain.PhaseQuestionOpen {
		t.Fatalf("expected open question, got %s/%s", session.Status, session.Phase)
	}
	if session.Timer.DurationMs != 15000 || session.Timer.Status != domain.TimerRun {
		t.Fatalf("expected 15s running timer, got %+v", session.Timer)
	}
	if session.Timer.EndMs != f.clock.Now().UnixMilli()+15000 {
		t.Fatalf("expected absolute end 15s ahead, got %d", session.Timer.EndMs)
	}
	if answers, _ := f.store.ListAnswers(ctx, key); len(answers) != 0 {
		t.Fatalf("expected stale answers reset, got %+v", answers)
	}

	if _, err := state.SetCurrentQuestion(ctx, "SLOW", 0); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected reopening to fail, got %v", err)
	}
	if _, err := state.SetCurrentQuestion(ctx, "SLOW", 3); !errors.Is(err, domain.ErrQuestionOutOfRange) {
		t.Fatalf("expected out of range, got %v", err)
	}
}

func TestFullStateForLateJoiner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	state := f.stateModel()
	_, _ = state.Initialize(ctx, "ABC")
	if _, err := state.SetCurrentQuestion(ctx, "ABC", 0); err != nil {
		t.Fatalf("set question: %v", err)
	}

	f.clock.Advance(4 * time.Second)
	full, err := state.GetFullState(ctx, "ABC")
	if err != nil {
		t.Fatalf("full state: %v", err)
	}
	if full.Question == nil || full.Question.ID != "q1" {
		t.Fatalf("expected q1 in state, got %+v", full.Question)
	}
	if full.Timer.TimeLeftMs != 6000 || full.Timer.Status != domain.TimerRun {
		t.Fatalf("expected 6s left on running timer, got %+v", full.Timer)
	}
	if len(full.CorrectOptionIDs) != 0 {
		t.Fatalf("answer key revealed while question open: %v", full.CorrectOptionIDs)
	}
	opened, ok := full.QuestionOpened()
	if !ok || opened.Index != 0 || opened.TotalQuestions != 2 || opened.Timer.TimeLeftMs != 6000 {
		t.Fatalf("expected question_opened with reconciled timer, got %+v ok=%v", opened, ok)
	}

	if _, err := state.EndCurrentQuestion(ctx, "ABC"); err != nil {
		t.Fatalf("end question: %v", err)
	}
	if _, err := state.EnterFeedback(ctx, "ABC", 3*time.Second); err != nil {
		t.Fatalf("enter feedback: %v", err)
	}
	full, err = state.GetFullState(ctx, "ABC")
	if err != nil {
		t.Fatalf("full state: %v", err)
	}
	if full.Session.Phase != domain.PhaseFeedback {
		t.Fatalf("expected feedback phase, got %s", full.Session.Phase)
	}
	if len(full.CorrectOptionIDs) != 1 || full.CorrectOptionIDs[0] != "o2" {
		t.Fatalf("expected o2 revealed, got %v", full.CorrectOptionIDs)
	}
	if _, ok := full.QuestionOpened(); ok {
		t.Fatalf("no question_opened outside the answer window")
	}
	if full.FeedbackRemainingMs != 3000 {
		t.Fatalf("expected 3s of feedback left, got %d", full.FeedbackRemainingMs)
	}
	if full.Timer.Status != domain.TimerStop || full.Timer.TimeLeftMs != 0 {
		t.Fatalf("expected stopped timer after close, got %+v", full.Timer)
	}
}

func TestTimerPauseFreezesRemainder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	state := f.stateModel()
	_, _ = state.Initialize(ctx, "ABC")
	_, _ = state.SetCurrentQuestion(ctx, "ABC", 0)

	f.clock.Advance(3 * time.Second)
	session, err := state.ApplyTimerAction(ctx, "ABC", domain.TimerActionPause, 0)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if session.Status != domain.StatusPaused || session.Phase != domain.PhaseQuestionOpen {
		t.Fatalf("expected paused open question, got %s/%s", session.Status, session.Phase)
	}

	f.clock.Advance(5 * time.Second)
	full, _ := state.GetFullState(ctx, "ABC")
	if full.Timer.TimeLeftMs != 7000 || full.Timer.Status != domain.TimerPause {
		t.Fatalf("expected frozen 7s remainder, got %+v", full.Timer)
	}

	session, err = state.ApplyTimerAction(ctx, "ABC", domain.TimerActionResume, 0)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if session.Status != domain.StatusActive {
		t.Fatalf("expected active after resume, got %s", session.Status)
	}
	if session.Timer.EndMs != f.clock.Now().UnixMilli()+7000 {
		t.Fatalf("expected end moved 7s past resume, got %d", session.Timer.EndMs)
	}
}

func TestTimerEditExtendsRunningQuestion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	state := f.stateModel()
	_, _ = state.Initialize(ctx, "ABC")
	_, _ = state.SetCurrentQuestion(ctx, "ABC", 0)

	f.clock.Advance(3 * time.Second)
	session, err := state.ApplyTimerAction(ctx, "ABC", domain.TimerActionEdit, 20*time.Second)
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if session.Timer.DurationMs != 23000 {
		t.Fatalf("expected elapsed plus new remainder, got %d", session.Timer.DurationMs)
	}
	if left := session.Timer.State(f.clock.Now()).TimeLeftMs; left != 20000 {
		t.Fatalf("expected 20s left, got %d", left)
	}
}

func TestTimerActionNeedsOpenQuestion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	state := f.stateModel()
	_, _ = state.Initialize(ctx, "ABC")

	if _, err := state.ApplyTimerAction(ctx, "ABC", domain.TimerActionPause, 0); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition while pending, got %v", err)
	}
	if _, err := state.Complete(ctx, "ABC"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected pending session not completable, got %v", err)
	}
}
