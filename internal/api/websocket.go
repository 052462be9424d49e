package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/tus-placer/backend/internal/logger"
	"github.com/tus-placer/backend/internal/upload"
)

// WebSocket message types for the event feed
const (
	// Client -> Server messages
	MsgTypePing = "ping"

	// Server -> Client messages
	MsgTypeConnected = "connected"
	MsgTypeJob       = "job"
	MsgTypePong      = "pong"
	MsgTypeError     = "error"
)

// clientBuffer is the number of messages queued per client before it is
// considered too slow and updates are dropped for it.
const clientBuffer = 64

// WSMessage is the envelope of every feed message
type WSMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// WSErrorResponse is the payload of an error message
type WSErrorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan WSMessage
}

// EventHub fans job updates out to WebSocket subscribers. It implements
// upload.Observer.
type EventHub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// NewEventHub creates an EventHub
func NewEventHub() *EventHub {
	return &EventHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// JobUpdated broadcasts a job snapshot. Slow clients miss updates rather
// than blocking the pipeline.
func (h *EventHub) JobUpdated(job upload.Job) {
	h.broadcast(WSMessage{
		Type:      MsgTypeJob,
		ID:        job.ID,
		Payload:   mustJSON(job),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (h *EventHub) broadcast(msg WSMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for cl := range h.clients {
		select {
		case cl.send <- msg:
		default:
			logger.Debug().Str("type", msg.Type).Msg("event feed client too slow, dropping message")
		}
	}
}

// Clients returns the number of connected subscribers
func (h *EventHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber
func (h *EventHub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for cl := range h.clients {
		cl.conn.Close()
	}
}

// HandleEvents upgrades the connection and streams job updates until the
// client goes away
func (h *EventHub) HandleEvents(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	cl := &wsClient{conn: ws, send: make(chan WSMessage, clientBuffer)}
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	h.mu.Unlock()

	logger.Debug().Str("remote", c.RealIP()).Msg("event feed client connected")

	done := make(chan struct{})
	go h.writeLoop(cl, done)

	cl.send <- WSMessage{Type: MsgTypeConnected, Timestamp: time.Now().UnixMilli()}
	h.readLoop(cl)

	h.mu.Lock()
	delete(h.clients, cl)
	h.mu.Unlock()
	close(cl.send)
	<-done
	ws.Close()

	logger.Debug().Str("remote", c.RealIP()).Msg("event feed client disconnected")
	return nil
}

func (h *EventHub) readLoop(cl *wsClient) {
	for {
		var msg WSMessage
		if err := cl.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Msg("event feed connection error")
			}
			return
		}

		var reply WSMessage
		switch msg.Type {
		case MsgTypePing:
			reply = WSMessage{Type: MsgTypePong, Timestamp: time.Now().UnixMilli()}
		default:
			reply = WSMessage{
				Type:      MsgTypeError,
				Timestamp: time.Now().UnixMilli(),
				Payload: mustJSON(WSErrorResponse{
					Message: "Unknown message type: " + msg.Type,
					Code:    "INVALID_TYPE",
				}),
			}
		}
		select {
		case cl.send <- reply:
		default:
		}
	}
}

func (h *EventHub) writeLoop(cl *wsClient, done chan<- struct{}) {
	defer close(done)
	for msg := range cl.send {
		if err := cl.conn.WriteJSON(msg); err != nil {
			logger.Debug().Err(err).Msg("event feed write failed")
			cl.conn.Close()
			for range cl.send {
			}
			return
		}
	}
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
