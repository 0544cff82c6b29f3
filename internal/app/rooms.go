package app

import (
	"context"
	"errors"

	"live-quiz-service/internal/domain"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Reconciler keeps participant identity and connection identity consistent across reconnects,
// multiple sockets per user and multiple server processes. All mappings live in the SessionStore.
type Reconciler struct {
	store SessionStore
	state *StateModel
	clock clockwork.Clock
}

func NewReconciler(store SessionStore, state *StateModel, clock clockwork.Clock) *Reconciler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Reconciler{store: store, state: state, clock: clock}
}

// JoinRequest is the validated payload of join_session.
type JoinRequest struct {
	AccessCode   string
	ConnectionID string
	UserID       string
	Username     string
	AvatarRef    string
}

// JoinResult carries the upserted participant and the reconciled state for the joining connection.
type JoinResult struct {
	Participant          domain.Participant
	Created              bool
	PreviousConnectionID string
	State                FullState
}

// DisconnectResult reports what a dropped connection did to its participant.
type DisconnectResult struct {
	UserID  string
	Removed bool
	Offline bool
}

// Join binds the connection to the user, upserts the participant and returns the state to push.
func (r *Reconciler) Join(ctx context.Context, req JoinRequest) (JoinResult, error) {
	session, err := r.state.LoadOrInitialize(ctx, req.AccessCode)
	if err != nil {
		return JoinResult{}, err
	}
	if len(session.Settings.Invited) > 0 && !contains(session.Settings.Invited, req.UserID) {
		return JoinResult{}, domain.ErrNotInvited
	}

	previous, err := r.store.BindConnection(ctx, req.AccessCode, req.ConnectionID, req.UserID)
	if err != nil {
		return JoinResult{}, err
	}

	now := r.clock.Now()
	result := JoinResult{PreviousConnectionID: previous}
	participant, err := r.store.GetParticipant(ctx, req.AccessCode, req.UserID)
	switch {
	case err == nil:
		if req.Username != "" {
			participant.Username = req.Username
		}
		if req.AvatarRef != "" {
			participant.AvatarRef = req.AvatarRef
		}
	case errors.Is(err, domain.ErrParticipantNotFound):
		existing, err := r.store.ListParticipants(ctx, req.AccessCode)
		if err != nil {
			return JoinResult{}, err
		}
		bonus := 0
		if session.Status == domain.StatusPending {
			bonus = JoinBonus(session.Settings, len(existing))
		}
		username := req.Username
		if username == "" {
			username = req.UserID
		}
		participant = domain.Participant{
			ParticipantID: uuid.NewString(),
			UserID:        req.UserID,
			Username:      username,
			AvatarRef:     req.AvatarRef,
			Score:         bonus,
			JoinBonus:     bonus,
			Status:        domain.ParticipantPending,
			JoinedAt:      now,
			LastUpdated:   now,
		}
		result.Created = true
	default:
		return JoinResult{}, err
	}
	participant.Online = true
	participant.ConnectionID = req.ConnectionID

	if err := r.store.SaveParticipant(ctx, req.AccessCode, participant); err != nil {
		return JoinResult{}, err
	}
	// Only a new record seeds the leaderboard; a rejoin must never overwrite points scored meanwhile.
	if result.Created {
		if err := r.store.SetScore(ctx, req.AccessCode, participant.UserID, participant.Score); err != nil {
			return JoinResult{}, err
		}
	}

	if result.State, err = r.state.GetFullState(ctx, req.AccessCode); err != nil {
		return JoinResult{}, err
	}
	for _, p := range result.State.Participants {
		if p.UserID == participant.UserID {
			participant.Score = p.Score
		}
	}
	result.Participant = participant

	log.Info().
		Str("access_code", req.AccessCode).
		Str("connection_id", req.ConnectionID).
		Str("user_id", req.UserID).
		Bool("created", result.Created).
		Str("previous_connection_id", previous).
		Msg("participant joined")
	return result, nil
}

// Disconnect drops the connection's mappings. When it was the user's last connection the participant
// goes offline, and is removed entirely if it never started answering.
func (r *Reconciler) Disconnect(ctx context.Context, accessCode, connectionID string) (DisconnectResult, error) {
	userID, remaining, err := r.store.UnbindConnection(ctx, accessCode, connectionID)
	if err != nil {
		return DisconnectResult{}, err
	}
	if userID == "" {
		return DisconnectResult{}, nil
	}
	result := DisconnectResult{UserID: userID}

	participant, err := r.store.GetParticipant(ctx, accessCode, userID)
	if errors.Is(err, domain.ErrParticipantNotFound) {
		return result, nil
	}
	if err != nil {
		return DisconnectResult{}, err
	}

	if remaining != "" {
		participant.ConnectionID = remaining
		return result, r.store.SaveParticipant(ctx, accessCode, participant)
	}

	if participant.Status == domain.ParticipantPending {
		if err := r.store.RemoveParticipant(ctx, accessCode, userID); err != nil {
			return DisconnectResult{}, err
		}
		if err := r.store.RemoveScore(ctx, accessCode, userID); err != nil {
			return DisconnectResult{}, err
		}
		result.Removed = true
	} else {
		participant.Online = false
		participant.ConnectionID = ""
		if err := r.store.SaveParticipant(ctx, accessCode, participant); err != nil {
			return DisconnectResult{}, err
		}
		result.Offline = true
	}

	log.Info().
		Str("access_code", accessCode).
		Str("connection_id", connectionID).
		Str("user_id", userID).
		Bool("removed", result.Removed).
		Msg("participant disconnected")
	return result, nil
}

// JoinBonus is the one-time lobby addend for the participant joining at position order (0-based).
// It is applied once, when the participant record is created before the session starts.
func JoinBonus(settings domain.Settings, order int) int {
	bonus := settings.JoinBonus - order*settings.JoinBonusStep
	if bonus < 0 {
		return 0
	}
	return bonus
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
