package app

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"

	"live-quiz-service/internal/domain"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Scorer awards points for the answers of a closed question.
type Scorer struct {
	store   SessionStore
	catalog Catalog
	clock   clockwork.Clock
}

func NewScorer(store SessionStore, catalog Catalog, clock clockwork.Clock) *Scorer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scorer{store: store, catalog: catalog, clock: clock}
}

// Score grades every stored answer of questionID and folds the points into participant totals and
// the leaderboard. Answers already carrying the scored marker are skipped, so replaying it without
// new answers adds nothing. It reports whether any answer was graded.
func (s *Scorer) Score(ctx context.Context, accessCode, questionID string) (bool, error) {
	session, err := s.store.LoadSession(ctx, accessCode)
	if err != nil {
		return false, err
	}
	if _, err := session.State().Apply(domain.TransitionScore); err != nil {
		return false, err
	}
	question, err := s.catalog.GetQuestion(ctx, questionID)
	if err != nil {
		return false, err
	}

	key := domain.AnswerKey{AccessCode: accessCode, QuestionID: questionID, Attempt: session.Settings.Attempt}
	answers, err := s.store.ListAnswers(ctx, key)
	if err != nil {
		return false, err
	}

	scored := false
	for _, answer := range answers {
		if answer.Scored {
			continue
		}
		duration := answer.DurationMs
		if duration <= 0 {
			duration = session.Timer.DurationMs
		}
		correct := IsCorrect(question, answer.Value)
		points := Points(correct, answer.TimeSpentMs, duration)

		// Mark before adding points: a crash between the writes under-counts instead of double-counting.
		answer.IsCorrect = &correct
		answer.Score = &points
		answer.Scored = true
		if err := s.store.SaveAnswer(ctx, key, answer); err != nil {
			return scored, err
		}
		scored = true

		participant, err := s.store.GetParticipant(ctx, accessCode, answer.UserID)
		if errors.Is(err, domain.ErrParticipantNotFound) {
			log.Warn().Str("access_code", accessCode).Str("user_id", answer.UserID).Msg("scored answer has no participant")
			continue
		}
		if err != nil {
			return scored, err
		}
		total, err := s.store.AddScore(ctx, accessCode, participant.UserID, points)
		if err != nil {
			return scored, err
		}
		participant.Score = total
		if points > 0 {
			participant.LastUpdated = s.clock.Now()
		}
		if err := s.store.SaveParticipant(ctx, accessCode, participant); err != nil {
			return scored, err
		}
	}

	log.Debug().
		Str("access_code", accessCode).
		Str("question_id", questionID).
		Int("answers", len(answers)).
		Bool("scored", scored).
		Msg("question scored")
	return scored, nil
}

// Points applies the linear time decay: MaxPoints for an instant correct answer, 0 at the full duration.
func Points(correct bool, timeSpentMs, durationMs int64) int {
	if !correct {
		return 0
	}
	if durationMs <= 0 {
		return domain.MaxPoints
	}
	if timeSpentMs < 0 {
		timeSpentMs = 0
	}
	factor := 1 - float64(timeSpentMs)/float64(durationMs)
	if factor < 0 {
		factor = 0
	}
	return int(math.Round(domain.MaxPoints * factor))
}

// IsCorrect applies the question type's correctness rule to a submitted value.
func IsCorrect(question domain.Question, value domain.AnswerValue) bool {
	switch question.Type {
	case domain.QuestionSingleChoice, domain.QuestionMultipleChoice:
		return sameSet(value, question.CorrectOptionIDs())
	case domain.QuestionNumeric:
		return numericMatch(question, value)
	default:
		return textMatch(question, value)
	}
}

func sameSet(values, want []string) bool {
	if len(want) == 0 {
		return false
	}
	got := make(map[string]struct{}, len(values))
	for _, v := range values {
		got[v] = struct{}{}
	}
	if len(got) != len(want) {
		return false
	}
	for _, w := range want {
		if _, ok := got[w]; !ok {
			return false
		}
	}
	return true
}

func numericMatch(question domain.Question, value domain.AnswerValue) bool {
	correct := question.CorrectOptionIDs()
	if len(value) != 1 || len(correct) != 1 {
		return false
	}
	var expected string
	for _, opt := range question.Options {
		if opt.Correct {
			expected = opt.Text
		}
	}
	want, err := strconv.ParseFloat(strings.TrimSpace(expected), 64)
	if err != nil {
		return false
	}
	got, err := strconv.ParseFloat(strings.TrimSpace(value[0]), 64)
	if err != nil {
		return false
	}
	return got == want
}

// textMatch accepts each correct option by id or by its exact text.
func textMatch(question domain.Question, value domain.AnswerValue) bool {
	normalized := make([]string, 0, len(value))
	for _, v := range value {
		id := v
		for _, opt := range question.Options {
			if opt.Correct && opt.Text == v {
				id = opt.ID
				break
			}
		}
		normalized = append(normalized, id)
	}
	return sameSet(normalized, question.CorrectOptionIDs())
}
