package domain

import (
	"encoding/json"
	"time"
)

// Event types broadcast to a session room or sent to a single connection.
const (
	EventQuestionOpened     = "question_opened"
	EventTimerUpdated       = "timer_updated"
	EventAnswersClosed      = "answers_closed"
	EventFeedback           = "feedback"
	EventLeaderboardUpdated = "leaderboard_updated"
	EventSessionEnded       = "session_ended"
	EventSessionError       = "session_error"
	EventSessionJoined      = "session_joined"
	EventAnswerReceived     = "answer_received"
	EventStateSnapshot      = "state_snapshot"
)

// Event is the envelope that crosses the fan-out bus between server processes.
type Event struct {
	AccessCode string          `json:"accessCode"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	EmittedAt  time.Time       `json:"emittedAt"`
}

// QuestionOpened announces a question together with its reconciled timer.
type QuestionOpened struct {
	Question       QuestionView `json:"question"`
	Index          int          `json:"index"`
	TotalQuestions int          `json:"totalQuestions"`
	Timer          TimerState   `json:"timer"`
}

// TimerUpdated follows every moderator timer action.
type TimerUpdated struct {
	Timer      TimerState `json:"timer"`
	QuestionID string     `json:"questionId"`
}

// AnswersClosed marks the end of the answer window.
type AnswersClosed struct {
	QuestionID string `json:"questionId"`
}

// Feedback reveals the answer key for the remaining feedback window.
type Feedback struct {
	QuestionID       string   `json:"questionId"`
	RemainingMs      int64    `json:"remainingMs"`
	CorrectOptionIDs []string `json:"correctOptionIds"`
}

// LeaderboardUpdated carries the ordered leaderboard.
type LeaderboardUpdated struct {
	Entries []LeaderboardEntry `json:"entries"`
}

// SessionEnded closes the session for every client.
type SessionEnded struct {
	AccessCode string             `json:"accessCode"`
	Entries    []LeaderboardEntry `json:"entries"`
}

// SessionError is both a structured error reply and the orchestrator's abort broadcast.
type SessionError struct {
	Message string `json:"message"`
	Code    Kind   `json:"code"`
}

// SessionJoined is the reply to join_session.
type SessionJoined struct {
	Participant *Participant `json:"participant,omitempty"`
	Status      Status       `json:"status"`
	Role        string       `json:"role"`
}

// AnswerReceived acknowledges submit_answer. Late answers are accepted but never scored.
type AnswerReceived struct {
	QuestionID string `json:"questionId"`
	Accepted   bool   `json:"accepted"`
	Late       bool   `json:"late,omitempty"`
	// Code is STALE_STATE for late answers.
	Code Kind `json:"code,omitempty"`
}
