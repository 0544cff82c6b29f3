package domain

import "fmt"

// Status is the coarse lifecycle of a session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// Phase refines an active or paused session to where it is within the current question.
type Phase string

const (
	PhaseNone          Phase = ""
	PhaseQuestionOpen  Phase = "question_open"
	PhaseAnswersClosed Phase = "answers_closed"
	PhaseFeedback      Phase = "feedback"
)

// Transition names every state change a session can undergo.
type Transition string

const (
	TransitionOpenQuestion Transition = "open_question"
	TransitionCloseAnswers Transition = "close_answers"
	TransitionScore        Transition = "score"
	TransitionFeedback     Transition = "feedback"
	TransitionPause        Transition = "pause"
	TransitionResume       Transition = "resume"
	TransitionComplete     Transition = "complete"
)

// State is the (status, phase) pair of a session.
type State struct {
	Status Status
	Phase  Phase
}

// Apply is the single authoritative transition function. Transitions that do not fit the current
// state return ErrInvalidTransition; TransitionScore only validates and never changes state.
func (s State) Apply(t Transition) (State, error) {
	switch t {
	case TransitionOpenQuestion:
		if s.Status == StatusPending ||
			(s.Status == StatusActive && (s.Phase == PhaseAnswersClosed || s.Phase == PhaseFeedback)) {
			return State{Status: StatusActive, Phase: PhaseQuestionOpen}, nil
		}
	case TransitionCloseAnswers:
		if (s.Status == StatusActive || s.Status == StatusPaused) && s.Phase == PhaseQuestionOpen {
			return State{Status: StatusActive, Phase: PhaseAnswersClosed}, nil
		}
	case TransitionScore:
		if s.Status == StatusActive && s.Phase == PhaseAnswersClosed {
			return s, nil
		}
	case TransitionFeedback:
		if s.Status == StatusActive && s.Phase == PhaseAnswersClosed {
			return State{Status: StatusActive, Phase: PhaseFeedback}, nil
		}
	case TransitionPause:
		if s.Status == StatusActive && s.Phase == PhaseQuestionOpen {
			return State{Status: StatusPaused, Phase: s.Phase}, nil
		}
	case TransitionResume:
		if s.Status == StatusPaused {
			return State{Status: StatusActive, Phase: s.Phase}, nil
		}
	case TransitionComplete:
		if s.Status == StatusActive || s.Status == StatusPaused {
			return State{Status: StatusCompleted, Phase: PhaseNone}, nil
		}
	}
	return s, fmt.Errorf("%w: %s from %s/%s", ErrInvalidTransition, t, s.Status, phaseName(s.Phase))
}

func phaseName(p Phase) string {
	if p == PhaseNone {
		return "none"
	}
	return string(p)
}
