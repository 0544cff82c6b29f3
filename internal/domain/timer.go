package domain

import "time"

// TimerStatus is the stored run state of a question timer.
type TimerStatus string

const (
	TimerRun   TimerStatus = "run"
	TimerPause TimerStatus = "pause"
	TimerStop  TimerStatus = "stop"
)

// TimerAction is a moderator command against the running timer.
type TimerAction string

const (
	TimerActionRun    TimerAction = "run"
	TimerActionPause  TimerAction = "pause"
	TimerActionResume TimerAction = "resume"
	TimerActionStop   TimerAction = "stop"
	TimerActionEdit   TimerAction = "edit"
)

// Valid reports whether a is a known action.
func (a TimerAction) Valid() bool {
	switch a {
	case TimerActionRun, TimerActionPause, TimerActionResume, TimerActionStop, TimerActionEdit:
		return true
	}
	return false
}

// Timer is the canonical timer: one absolute end timestamp plus its status.
type Timer struct {
	StartedAtMs int64       `json:"startedAt"`
	EndMs       int64       `json:"timerEndDateMs"`
	DurationMs  int64       `json:"duration"`
	Status      TimerStatus `json:"status"`
	PausedAtMs  int64       `json:"pausedAt,omitempty"`
	RemainingMs int64       `json:"timeRemaining,omitempty"`
}

// TimerState is the reconciled view of a timer at some instant.
type TimerState struct {
	TimeLeftMs int64       `json:"timeLeftMs"`
	Status     TimerStatus `json:"status"`
	EndMs      int64       `json:"timerEndDateMs"`
	DurationMs int64       `json:"durationMs"`
}

// Reconcile derives time left and effective status from an absolute end timestamp.
// It has no state: authoring servers, reconnecting clients and late joiners all call it the same way.
func Reconcile(endMs, nowMs int64, stored TimerStatus) (timeLeftMs int64, status TimerStatus) {
	timeLeftMs = endMs - nowMs
	if timeLeftMs < 0 {
		timeLeftMs = 0
	}
	status = stored
	if stored == TimerRun && timeLeftMs == 0 {
		status = TimerStop
	}
	return timeLeftMs, status
}

// NewTimer starts a running timer of the given duration at now.
func NewTimer(now time.Time, duration time.Duration) Timer {
	nowMs := now.UnixMilli()
	return Timer{
		StartedAtMs: nowMs,
		EndMs:       nowMs + duration.Milliseconds(),
		DurationMs:  duration.Milliseconds(),
		Status:      TimerRun,
	}
}

// State reconciles the stored timer at now. A paused timer reports its frozen remainder.
func (t Timer) State(now time.Time) TimerState {
	state := TimerState{EndMs: t.EndMs, DurationMs: t.DurationMs}
	switch t.Status {
	case TimerPause:
		state.TimeLeftMs, state.Status = t.RemainingMs, TimerPause
	case TimerStop:
		state.TimeLeftMs, state.Status = 0, TimerStop
	default:
		state.TimeLeftMs, state.Status = Reconcile(t.EndMs, now.UnixMilli(), t.Status)
	}
	return state
}

// Elapsed is the answer-window time consumed at now, excluding paused time.
func (t Timer) Elapsed(now time.Time) int64 {
	elapsed := t.DurationMs - t.State(now).TimeLeftMs
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// Apply executes a moderator timer action at now. duration is only read by TimerActionEdit.
func (t Timer) Apply(action TimerAction, now time.Time, duration time.Duration) (Timer, error) {
	nowMs := now.UnixMilli()
	current := t.State(now)
	switch action {
	case TimerActionRun:
		if current.Status == TimerPause {
			return t.Apply(TimerActionResume, now, 0)
		}
		if current.Status == TimerRun {
			return t, nil
		}
		restarted := NewTimer(now, time.Duration(t.DurationMs)*time.Millisecond)
		return restarted, nil
	case TimerActionPause:
		if current.Status != TimerRun {
			return t, Validation("timer is not running")
		}
		t.Status = TimerPause
		t.PausedAtMs = nowMs
		t.RemainingMs = current.TimeLeftMs
		return t, nil
	case TimerActionResume:
		if current.Status != TimerPause {
			return t, Validation("timer is not paused")
		}
		t.Status = TimerRun
		t.EndMs = nowMs + t.RemainingMs
		t.PausedAtMs = 0
		t.RemainingMs = 0
		return t, nil
	case TimerActionStop:
		t.Status = TimerStop
		t.EndMs = nowMs
		t.PausedAtMs = 0
		t.RemainingMs = 0
		return t, nil
	case TimerActionEdit:
		if duration <= 0 {
			return t, Validation("durationMs must be positive for edit")
		}
		ms := duration.Milliseconds()
		if current.Status == TimerPause {
			t.DurationMs = t.DurationMs - t.RemainingMs + ms
			t.RemainingMs = ms
			return t, nil
		}
		t.DurationMs = t.DurationMs - current.TimeLeftMs + ms
		t.EndMs = nowMs + ms
		t.Status = TimerRun
		return t, nil
	}
	return t, Validation("unknown timer action %q", action)
}
