package http

import (
	"context"
	"encoding/json"
	"net/http"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/idempotency"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Inbound command types.
const (
	cmdJoinSession    = "join_session"
	cmdSubmitAnswer   = "submit_answer"
	cmdStartSession   = "start_session"
	cmdSetTimerAction = "set_timer_action"
	cmdRequestState   = "request_state"
	cmdEndSession     = "end_session"
)

const eventSessionError = domain.EventSessionError

var (
	errInvalidEnvelope = domain.Validation("invalid message envelope")
	errUnsupported     = domain.Validation("unsupported message type")
)

type WSHandler struct {
	service  *app.SessionService
	hub      *Hub
	guard    *idempotency.Guard
	config   ConnectionConfig
	upgrader websocket.Upgrader
}

func NewWSHandler(service *app.SessionService, hub *Hub, guard *idempotency.Guard, config ConnectionConfig) *WSHandler {
	return &WSHandler{
		service: service,
		hub:     hub,
		guard:   guard,
		config:  config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type joinPayload struct {
	AccessCode string `json:"accessCode"`
	UserID     string `json:"userId"`
	Username   string `json:"username"`
	AvatarRef  string `json:"avatarRef"`
}

type answerPayload struct {
	AccessCode     string             `json:"accessCode"`
	QuestionID     string             `json:"questionId"`
	SubmittedValue domain.AnswerValue `json:"submittedValue"`
	TimeSpentMs    int64              `json:"timeSpentMs"`
}

type timerPayload struct {
	AccessCode string             `json:"accessCode"`
	Action     domain.TimerAction `json:"action"`
	DurationMs int64              `json:"durationMs"`
}

type sessionPayload struct {
	AccessCode string `json:"accessCode"`
}

// ServeWS upgrades HTTP requests to websockets and wires them into the session use cases.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade failed")
		return
	}

	c := newConnection(conn, h.config)
	log.Info().Str("connection_id", c.ID).Str("remote_addr", r.RemoteAddr).Msg("WebSocket connection established")

	go c.writePump()
	c.readPump(func(msg inboundMessage) {
		h.dispatch(context.Background(), c, msg)
	})

	c.close()
	h.release(context.Background(), c)
	log.Info().Str("connection_id", c.ID).Msg("WebSocket connection closed")
}

// dispatch runs one command. Failures become session_error replies; the connection stays open.
func (h *WSHandler) dispatch(ctx context.Context, c *Connection, msg inboundMessage) {
	var err error
	switch msg.Type {
	case cmdJoinSession:
		err = h.handleJoin(ctx, c, msg.Payload)
	case cmdSubmitAnswer:
		err = h.handleSubmit(ctx, c, msg.Payload)
	case cmdStartSession:
		err = h.handleStart(ctx, c, msg.Payload)
	case cmdSetTimerAction:
		err = h.handleTimer(ctx, c, msg.Payload)
	case cmdRequestState:
		err = h.handleRequestState(ctx, c, msg.Payload)
	case cmdEndSession:
		err = h.handleEnd(ctx, c, msg.Payload)
	default:
		err = errUnsupported
	}
	if err == nil {
		return
	}

	accessCode, userID, _ := c.identity()
	log.Warn().
		Err(err).
		Str("command", msg.Type).
		Str("connection_id", c.ID).
		Str("access_code", accessCode).
		Str("user_id", userID).
		Str("kind", string(domain.KindOf(err))).
		Msg("command failed")
	c.reply(eventSessionError, errorPayloadFor(err))
}

func (h *WSHandler) handleJoin(ctx context.Context, c *Connection, raw json.RawMessage) error {
	var payload joinPayload
	if err := decode(raw, &payload); err != nil {
		return err
	}
	if !h.admit(cmdJoinSession, c, payload.AccessCode) {
		return nil
	}

	// Switching sessions releases the previous one first.
	if previous, _, _ := c.identity(); previous != "" && previous != payload.AccessCode {
		h.release(ctx, c)
	}

	reply, err := h.service.Join(ctx, app.JoinRequest{
		AccessCode:   payload.AccessCode,
		ConnectionID: c.ID,
		UserID:       payload.UserID,
		Username:     payload.Username,
		AvatarRef:    payload.AvatarRef,
	})
	if err != nil {
		return err
	}
	c.bind(payload.AccessCode, payload.UserID, reply.Role)
	h.hub.join(c, payload.AccessCode)

	c.reply(domain.EventSessionJoined, domain.SessionJoined{
		Participant: reply.Participant,
		Status:      reply.State.Session.Status,
		Role:        reply.Role,
	})
	c.reply(domain.EventStateSnapshot, reply.State)
	if opened, ok := reply.State.QuestionOpened(); ok {
		c.reply(domain.EventQuestionOpened, opened)
	}
	return nil
}

func (h *WSHandler) handleSubmit(ctx context.Context, c *Connection, raw json.RawMessage) error {
	var payload answerPayload
	if err := decode(raw, &payload); err != nil {
		return err
	}
	accessCode, userID, err := joined(c, payload.AccessCode)
	if err != nil {
		return err
	}
	if !h.admit(cmdSubmitAnswer, c, accessCode) {
		return nil
	}

	result, err := h.service.SubmitAnswer(ctx, app.SubmitRequest{
		AccessCode:        accessCode,
		ConnectionID:      c.ID,
		UserID:            userID,
		QuestionID:        payload.QuestionID,
		Value:             payload.SubmittedValue,
		ClientTimeSpentMs: payload.TimeSpentMs,
	})
	if err != nil {
		return err
	}
	ack := domain.AnswerReceived{
		QuestionID: result.QuestionID,
		Accepted:   result.Accepted,
		Late:       result.Late,
	}
	if result.Late {
		ack.Code = domain.KindStaleState
	}
	c.reply(domain.EventAnswerReceived, ack)
	return nil
}

func (h *WSHandler) handleStart(ctx context.Context, c *Connection, raw json.RawMessage) error {
	var payload sessionPayload
	if err := decode(raw, &payload); err != nil {
		return err
	}
	accessCode, userID, err := joined(c, payload.AccessCode)
	if err != nil {
		return err
	}
	return h.service.StartSession(ctx, accessCode, userID)
}

func (h *WSHandler) handleTimer(ctx context.Context, c *Connection, raw json.RawMessage) error {
	var payload timerPayload
	if err := decode(raw, &payload); err != nil {
		return err
	}
	accessCode, userID, err := joined(c, payload.AccessCode)
	if err != nil {
		return err
	}
	_, err = h.service.TimerAction(ctx, accessCode, userID, payload.Action, payload.DurationMs)
	return err
}

func (h *WSHandler) handleRequestState(ctx context.Context, c *Connection, raw json.RawMessage) error {
	var payload sessionPayload
	if err := decode(raw, &payload); err != nil {
		return err
	}
	accessCode, userID, err := joined(c, payload.AccessCode)
	if err != nil {
		return err
	}
	state, err := h.service.RequestState(ctx, accessCode, userID)
	if err != nil {
		return err
	}
	c.reply(domain.EventStateSnapshot, state)
	return nil
}

func (h *WSHandler) handleEnd(ctx context.Context, c *Connection, raw json.RawMessage) error {
	var payload sessionPayload
	if err := decode(raw, &payload); err != nil {
		return err
	}
	accessCode, userID, err := joined(c, payload.AccessCode)
	if err != nil {
		return err
	}
	return h.service.EndSession(ctx, accessCode, userID)
}

// admit drops bursts of the same command from the same connection.
func (h *WSHandler) admit(command string, c *Connection, accessCode string) bool {
	if h.guard == nil {
		return true
	}
	if h.guard.Admit(idempotency.Key(command, c.ID, accessCode), h.config.IdempotencyWindow) {
		return true
	}
	log.Debug().
		Str("command", command).
		Str("connection_id", c.ID).
		Str("access_code", accessCode).
		Msg("duplicate command dropped")
	return false
}

// release leaves the connection's room and reconciles its participant.
func (h *WSHandler) release(ctx context.Context, c *Connection) {
	accessCode, _, _ := c.identity()
	if accessCode == "" {
		return
	}
	h.hub.leave(c, accessCode)
	c.bind("", "", "")
	log.Debug().
		Str("connection_id", c.ID).
		Str("access_code", accessCode).
		Int("room_size", h.hub.RoomSize(accessCode)).
		Msg("connection left room")
	if err := h.service.Disconnect(ctx, accessCode, c.ID); err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Str("access_code", accessCode).Msg("disconnect reconciliation failed")
	}
}

// joined resolves the session a command targets; it must be the one the connection joined.
func joined(c *Connection, requested string) (string, string, error) {
	accessCode, userID, _ := c.identity()
	if accessCode == "" || (requested != "" && requested != accessCode) {
		return "", "", domain.ErrNotJoined
	}
	return accessCode, userID, nil
}

func decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return domain.Validation("invalid payload: %v", err)
	}
	return nil
}

func errorPayloadFor(err error) domain.SessionError {
	return domain.SessionError{Message: err.Error(), Code: domain.KindOf(err)}
}
