package http

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ConnectionConfig holds configuration for WebSocket connections.
type ConnectionConfig struct {
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	PingInterval      time.Duration
	MaxMessageSize    int64
	ReadBufferSize    int
	WriteBufferSize   int
	SendBuffer        int
	IdempotencyWindow time.Duration
	CheckOrigin       func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       60 * time.Second,
		PingInterval:      30 * time.Second,
		MaxMessageSize:    8 * 1024,
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		SendBuffer:        256,
		IdempotencyWindow: time.Second,
		CheckOrigin:       func(r *http.Request) bool { return true },
	}
}

// Connection is one client socket. It belongs to at most one session room at a time.
type Connection struct {
	ID          string
	ConnectedAt time.Time

	conn   *websocket.Conn
	config ConnectionConfig
	send   chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	mu         sync.Mutex
	accessCode string
	userID     string
	role       string
}

func newConnection(conn *websocket.Conn, config ConnectionConfig) *Connection {
	return &Connection{
		ID:          uuid.NewString(),
		ConnectedAt: time.Now(),
		conn:        conn,
		config:      config,
		send:        make(chan []byte, config.SendBuffer),
		closed:      make(chan struct{}),
	}
}

// identity returns the session binding established by join_session.
func (c *Connection) identity() (accessCode, userID, role string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessCode, c.userID, c.role
}

func (c *Connection) bind(accessCode, userID, role string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessCode, c.userID, c.role = accessCode, userID, role
}

// enqueue queues a message for the write pump; false means the buffer is full.
func (c *Connection) enqueue(message []byte) bool {
	select {
	case <-c.closed:
		return true
	default:
	}
	select {
	case c.send <- message:
		return true
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Connection) reply(eventType string, payload any) {
	message, err := json.Marshal(outboundMessage[any]{Type: eventType, Payload: payload})
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Str("event", eventType).Msg("failed to marshal reply")
		return
	}
	if !c.enqueue(message) {
		log.Warn().Str("connection_id", c.ID).Msg("connection send buffer full, closing connection")
		c.close()
	}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// writePump is the only writer of the socket.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("failed to write message to WebSocket")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump reads commands until the socket fails and hands each one to handle, in order.
func (c *Connection) readPump(handle func(inboundMessage)) {
	c.conn.SetReadLimit(c.config.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("connection_id", c.ID).Msg("unexpected WebSocket close error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		var inbound inboundMessage
		if err := json.Unmarshal(raw, &inbound); err != nil {
			c.reply(eventSessionError, errorPayloadFor(errInvalidEnvelope))
			continue
		}
		handle(inbound)
	}
}
