package domain

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// MaxPoints is awarded for an instantaneous correct answer.
const MaxPoints = 1000

// QuestionType selects the correctness rule applied by the scoring engine.
type QuestionType string

const (
	QuestionSingleChoice   QuestionType = "single_choice"
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionNumeric        QuestionType = "numeric"
	QuestionText           QuestionType = "text"
)

// Option represents a possible answer for a question.
type Option struct {
	ID      string `json:"id" yaml:"id"`
	Text    string `json:"text" yaml:"text"`
	Correct bool   `json:"correct" yaml:"correct"`
}

// Question is the catalog view of a question, including its answer key.
type Question struct {
	ID                 string       `json:"id" yaml:"id"`
	Type               QuestionType `json:"type" yaml:"type"`
	Prompt             string       `json:"prompt" yaml:"prompt"`
	Options            []Option     `json:"options" yaml:"options"`
	DurationMs         int64        `json:"durationMs" yaml:"durationMs"`
	FeedbackDurationMs int64        `json:"feedbackDurationMs,omitempty" yaml:"feedbackDurationMs"`
}

// CorrectOptionIDs lists the ids of options flagged correct, in catalog order.
func (q Question) CorrectOptionIDs() []string {
	ids := make([]string, 0, len(q.Options))
	for _, opt := range q.Options {
		if opt.Correct {
			ids = append(ids, opt.ID)
		}
	}
	return ids
}

// Public strips the answer key so the question can be sent to participants.
func (q Question) Public() QuestionView {
	options := make([]OptionView, 0, len(q.Options))
	for _, opt := range q.Options {
		options = append(options, OptionView{ID: opt.ID, Text: opt.Text})
	}
	return QuestionView{
		ID:         q.ID,
		Type:       q.Type,
		Prompt:     q.Prompt,
		Options:    options,
		DurationMs: q.DurationMs,
	}
}

// OptionView is an option without its correctness flag.
type OptionView struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// QuestionView is what clients see while a question is open.
type QuestionView struct {
	ID         string       `json:"id"`
	Type       QuestionType `json:"type"`
	Prompt     string       `json:"prompt"`
	Options    []OptionView `json:"options"`
	DurationMs int64        `json:"durationMs"`
}

// SessionMeta is the catalog description of a session: which template it runs and who may take part.
type SessionMeta struct {
	SessionID      string   `json:"sessionId" yaml:"sessionId"`
	AccessCode     string   `json:"accessCode" yaml:"accessCode"`
	TemplateID     string   `json:"templateId" yaml:"templateId"`
	QuestionIDs    []string `json:"questionIds" yaml:"questionIds"`
	Participants   []string `json:"participants,omitempty" yaml:"participants"`
	ModeratorIDs   []string `json:"moderatorIds" yaml:"moderatorIds"`
	Mode           string   `json:"mode" yaml:"mode"`
	TimeMultiplier float64  `json:"timeMultiplier,omitempty" yaml:"timeMultiplier"`
	Attempt        int      `json:"attempt,omitempty" yaml:"attempt"`
	JoinBonus      int      `json:"joinBonus,omitempty" yaml:"joinBonus"`
	JoinBonusStep  int      `json:"joinBonusStep,omitempty" yaml:"joinBonusStep"`
}

// Settings are the per-session knobs copied from SessionMeta when the session is initialized.
type Settings struct {
	Mode           string   `json:"mode"`
	TimeMultiplier float64  `json:"timeMultiplier"`
	Attempt        int      `json:"attempt,omitempty"`
	JoinBonus      int      `json:"joinBonus,omitempty"`
	JoinBonusStep  int      `json:"joinBonusStep,omitempty"`
	ModeratorIDs   []string `json:"moderatorIds,omitempty"`
	Invited        []string `json:"invited,omitempty"`
}

// Session is the canonical session record. It is always persisted whole.
type Session struct {
	SessionID            string    `json:"sessionId"`
	AccessCode           string    `json:"accessCode"`
	Status               Status    `json:"status"`
	Phase                Phase     `json:"phase,omitempty"`
	CurrentQuestionIndex int       `json:"currentQuestionIndex"`
	QuestionIDs          []string  `json:"questionIds"`
	Timer                Timer     `json:"timer"`
	FeedbackEndsAtMs     int64     `json:"feedbackEndsAt,omitempty"`
	Settings             Settings  `json:"settings"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// State returns the (status, phase) pair driving the transition function.
func (s Session) State() State {
	return State{Status: s.Status, Phase: s.Phase}
}

// Apply runs a transition on the record, leaving it untouched on error.
func (s *Session) Apply(t Transition) error {
	next, err := s.State().Apply(t)
	if err != nil {
		return err
	}
	s.Status = next.Status
	s.Phase = next.Phase
	return nil
}

// CurrentQuestionID returns the id of the active question, or "" while pending.
func (s Session) CurrentQuestionID() string {
	if s.CurrentQuestionIndex < 0 || s.CurrentQuestionIndex >= len(s.QuestionIDs) {
		return ""
	}
	return s.QuestionIDs[s.CurrentQuestionIndex]
}

// ParticipantStatus marks whether a participant has begun answering.
type ParticipantStatus string

const (
	ParticipantPending ParticipantStatus = "pending"
	ParticipantActive  ParticipantStatus = "active"
)

// Participant represents a user's membership in a session and their accumulated score.
type Participant struct {
	ParticipantID string            `json:"participantId"`
	UserID        string            `json:"userId"`
	Username      string            `json:"username"`
	AvatarRef     string            `json:"avatarRef,omitempty"`
	Score         int               `json:"score"`
	JoinBonus     int               `json:"joinBonus,omitempty"`
	Status        ParticipantStatus `json:"status"`
	JoinedAt      time.Time         `json:"joinedAt"`
	Online        bool              `json:"online"`
	ConnectionID  string            `json:"connectionId,omitempty"`
	LastUpdated   time.Time         `json:"lastUpdated"`
}

// AnswerKey identifies the answer collection of one question, optionally within a replay attempt.
type AnswerKey struct {
	AccessCode string
	QuestionID string
	Attempt    int
}

// String renders the store key suffix: {accessCode}:{questionId}[:attempt].
func (k AnswerKey) String() string {
	s := k.AccessCode + ":" + k.QuestionID
	if k.Attempt > 0 {
		s += ":" + strconv.Itoa(k.Attempt)
	}
	return s
}

// AnswerValue accepts either a single string or a list of strings on the wire.
type AnswerValue []string

func (v *AnswerValue) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		*v = nil
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*v = AnswerValue{single}
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(data, &number); err == nil {
		*v = AnswerValue{number.String()}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*v = many
	return nil
}

// Answer is one participant's submission for a question.
type Answer struct {
	ConnectionID      string      `json:"connectionId"`
	UserID            string      `json:"userId"`
	Value             AnswerValue `json:"submittedValue"`
	SubmittedAt       time.Time   `json:"submittedAt"`
	TimeSpentMs       int64       `json:"timeSpentMs"`
	ClientTimeSpentMs int64       `json:"clientTimeSpentMs,omitempty"`
	DurationMs        int64       `json:"durationMs"`
	IsCorrect         *bool       `json:"isCorrect,omitempty"`
	Score             *int        `json:"score,omitempty"`
	Scored            bool        `json:"scored,omitempty"`
}

// ScoreEntry is a raw leaderboard member as kept by the store.
type ScoreEntry struct {
	UserID string
	Score  int
}

// LeaderboardEntry is a snapshot-friendly view of a participant.
type LeaderboardEntry struct {
	Rank      int    `json:"rank"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	AvatarRef string `json:"avatarRef,omitempty"`
	Score     int    `json:"score"`
}
