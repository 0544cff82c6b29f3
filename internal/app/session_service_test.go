package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
)

func TestJoinAsModerator(t *testing.T) {
	f := newFixture(t)
	reply := f.join(t, "ABC", "c-mod", "mod")
	if reply.Role != app.RoleModerator || reply.Participant != nil {
		t.Fatalf("expected moderator without participant, got %+v", reply)
	}
	if reply.State.Session.Status != domain.StatusPending {
		t.Fatalf("expected session initialized on join, got %s", reply.State.Session.Status)
	}
	if participants, _ := f.store.ListParticipants(context.Background(), "ABC"); len(participants) != 0 {
		t.Fatalf("moderator must not be listed as participant, got %+v", participants)
	}
}

func TestJoinAnnouncesNewParticipant(t *testing.T) {
	f := newFixture(t)
	reply := f.join(t, "ABC", "c1", "u1")
	if reply.Role != app.RoleParticipant || reply.Participant == nil || reply.Participant.Username != "u1" {
		t.Fatalf("unexpected join reply %+v", reply)
	}
	event := f.events.next(t, domain.EventLeaderboardUpdated)
	board := event.payload.(domain.LeaderboardUpdated)
	if len(board.Entries) != 1 || board.Entries[0].UserID != "u1" {
		t.Fatalf("unexpected leaderboard %+v", board)
	}

	f.join(t, "ABC", "c2", "u1")
	if n := f.events.count(domain.EventLeaderboardUpdated); n != 1 {
		t.Fatalf("reconnect should not re-announce, got %d leaderboard events", n)
	}
}

func TestJoinValidatesInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.service.Join(ctx, app.JoinRequest{AccessCode: "bad code!", UserID: "u1"}); domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("expected validation error for access code, got %v", err)
	}
	if _, err := f.service.Join(ctx, app.JoinRequest{AccessCode: "ABC", UserID: "  "}); domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("expected validation error for user, got %v", err)
	}
	if _, err := f.service.Join(ctx, app.JoinRequest{AccessCode: "MISSING", UserID: "u1"}); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
}

func TestSubmitAnswerMeasuresServerTime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.join(t, "ABC", "c1", "u1")
	_, _ = f.service.State().LoadOrInitialize(ctx, "ABC")
	if _, err := f.service.State().SetCurrentQuestion(ctx, "ABC", 0); err != nil {
		t.Fatalf("open question: %v", err)
	}

	f.clock.Advance(2500 * time.Millisecond)
	result, err := f.service.SubmitAnswer(ctx, app.SubmitRequest{
		AccessCode:        "ABC",
		ConnectionID:      "c1",
		UserID:            "u1",
		QuestionID:        "q1",
		Value:             domain.AnswerValue{"o2"},
		ClientTimeSpentMs: 100,
	})
	if err != nil || !result.Accepted || result.Late {
		t.Fatalf("expected accepted answer, got %+v err=%v", result, err)
	}

	answers, _ := f.store.ListAnswers(ctx, domain.AnswerKey{AccessCode: "ABC", QuestionID: "q1"})
	if len(answers) != 1 || answers[0].TimeSpentMs != 2500 || answers[0].ClientTimeSpentMs != 100 {
		t.Fatalf("expected server-measured time, got %+v", answers)
	}
	participant, _ := f.store.GetParticipant(ctx, "ABC", "u1")
	if participant.Status != domain.ParticipantActive {
		t.Fatalf("expected participant active after answering, got %s", participant.Status)
	}
}

func TestSubmitAnswerAfterStopIsLate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.join(t, "ABC", "c1", "u1")
	f.join(t, "ABC", "c-mod", "mod")
	_, _ = f.service.State().SetCurrentQuestion(ctx, "ABC", 0)

	submit := func(value string) app.SubmitResult {
		t.Helper()
		result, err := f.service.SubmitAnswer(ctx, app.SubmitRequest{AccessCode: "ABC", UserID: "u1", QuestionID: "q1", Value: domain.AnswerValue{value}})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		return result
	}
	if !submit("o2").Accepted {
		t.Fatalf("expected first answer accepted")
	}

	timer, err := f.service.TimerAction(ctx, "ABC", "mod", domain.TimerActionStop, 0)
	if err != nil || timer.Status != domain.TimerStop {
		t.Fatalf("stop timer: %+v err=%v", timer, err)
	}
	updated := f.events.next(t, domain.EventTimerUpdated).payload.(domain.TimerUpdated)
	if updated.QuestionID != "q1" || updated.Timer.Status != domain.TimerStop {
		t.Fatalf("unexpected timer_updated %+v", updated)
	}

	late := submit("o1")
	if late.Accepted || !late.Late {
		t.Fatalf("expected late answer, got %+v", late)
	}
	answers, _ := f.store.ListAnswers(ctx, domain.AnswerKey{AccessCode: "ABC", QuestionID: "q1"})
	if len(answers) != 1 || answers[0].Value[0] != "o2" {
		t.Fatalf("late answer must not be stored, got %+v", answers)
	}
}

func TestSubmitAnswerForOtherQuestionIsLate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.join(t, "ABC", "c1", "u1")
	_, _ = f.service.State().SetCurrentQuestion(ctx, "ABC", 0)

	result, err := f.service.SubmitAnswer(ctx, app.SubmitRequest{AccessCode: "ABC", UserID: "u1", QuestionID: "q2", Value: domain.AnswerValue{"m1"}})
	if err != nil || !result.Late {
		t.Fatalf("expected late for non-current question, got %+v err=%v", result, err)
	}
}

func TestSubmitAnswerBeforeJoin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.join(t, "ABC", "c-mod", "mod")
	_, err := f.service.SubmitAnswer(ctx, app.SubmitRequest{AccessCode: "ABC", UserID: "u9", Value: domain.AnswerValue{"o1"}})
	if !errors.Is(err, domain.ErrParticipantNotFound) {
		t.Fatalf("expected participant not found, got %v", err)
	}
}

func TestModeratorCommandsRequireModerator(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.join(t, "ABC", "c1", "u1")

	if err := f.service.StartSession(ctx, "ABC", "u1"); !errors.Is(err, domain.ErrNotModerator) {
		t.Fatalf("expected start to require moderator, got %v", err)
	}
	if _, err := f.service.TimerAction(ctx, "ABC", "u1", domain.TimerActionPause, 0); !errors.Is(err, domain.ErrNotModerator) {
		t.Fatalf("expected timer action to require moderator, got %v", err)
	}
	if err := f.service.EndSession(ctx, "ABC", "u1"); !errors.Is(err, domain.ErrNotModerator) {
		t.Fatalf("expected end to require moderator, got %v", err)
	}
	if _, err := f.service.TimerAction(ctx, "ABC", "mod", domain.TimerAction("rewind"), 0); domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("expected unknown action rejected, got %v", err)
	}
}

func TestRequestStateShowsOnlyOwnAnswers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.join(t, "ABC", "c1", "u1")
	f.join(t, "ABC", "c2", "u2")
	_, _ = f.service.State().SetCurrentQuestion(ctx, "ABC", 0)
	for _, user := range []string{"u1", "u2"} {
		if _, err := f.service.SubmitAnswer(ctx, app.SubmitRequest{AccessCode: "ABC", UserID: user, Value: domain.AnswerValue{"o2"}}); err != nil {
			t.Fatalf("submit for %s: %v", user, err)
		}
	}

	own, err := f.service.RequestState(ctx, "ABC", "u1")
	if err != nil {
		t.Fatalf("request state: %v", err)
	}
	if len(own.Answers) != 1 || own.Answers[0].UserID != "u1" {
		t.Fatalf("expected only u1's answer, got %+v", own.Answers)
	}
	all, err := f.service.RequestState(ctx, "ABC", "mod")
	if err != nil {
		t.Fatalf("request state as moderator: %v", err)
	}
	if len(all.Answers) != 2 {
		t.Fatalf("expected moderator to see every answer, got %+v", all.Answers)
	}
}

func TestDisconnectAnnouncesRemoval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.join(t, "ABC", "c1", "u1")
	f.events.next(t, domain.EventLeaderboardUpdated)

	if err := f.service.Disconnect(ctx, "ABC", "c1"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	board := f.events.next(t, domain.EventLeaderboardUpdated).payload.(domain.LeaderboardUpdated)
	if len(board.Entries) != 0 {
		t.Fatalf("expected empty leaderboard after removal, got %+v", board.Entries)
	}
}

func TestAnsweringParticipantSurvivesReconnect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.join(t, "ABC", "c1", "u1")
	_, _ = f.service.State().SetCurrentQuestion(ctx, "ABC", 0)
	if _, err := f.service.SubmitAnswer(ctx, app.SubmitRequest{AccessCode: "ABC", UserID: "u1", Value: domain.AnswerValue{"o2"}}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := f.service.Disconnect(ctx, "ABC", "c1"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	stored, err := f.store.GetParticipant(ctx, "ABC", "u1")
	if err != nil {
		t.Fatalf("expected participant retained, got %v", err)
	}
	if stored.Online {
		t.Fatalf("expected participant offline after last socket closed")
	}

	again := f.join(t, "ABC", "c2", "u1")
	if !again.Participant.Online || again.Participant.ParticipantID != first.Participant.ParticipantID {
		t.Fatalf("expected same participant back online, got %+v", again.Participant)
	}
	if scores, _ := f.store.Scores(ctx, "ABC"); len(scores) != 1 {
		t.Fatalf("expected a single leaderboard entry, got %+v", scores)
	}
	if len(again.State.Answers) != 1 {
		t.Fatalf("expected own answer in rejoin snapshot, got %+v", again.State.Answers)
	}
}
