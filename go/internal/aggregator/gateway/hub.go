// Package gateway streams aggregator board updates to browsers over websockets.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/slipserver/go/internal/aggregator"
)

// Message is what watchers receive: the board once on connect, then events.
type Message struct {
	Type     string               `json:"type"` // "snapshot" or "event"
	Snapshot *aggregator.Snapshot `json:"snapshot,omitempty"`
	Event    *aggregator.Event    `json:"event,omitempty"`
}

// SnapshotProvider returns the current board.
type SnapshotProvider interface {
	Snapshot() aggregator.Snapshot
}

// Hub manages the websocket connections of board watchers
type Hub struct {
	connections map[*Connection]bool
	mu          sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
	board    SnapshotProvider

	broadcastCh chan []byte
}

// Connection is one watcher
type Connection struct {
	ID          string
	Conn        *websocket.Conn
	Send        chan []byte
	hub         *Hub
	ConnectedAt time.Time
}

// ConnectionConfig holds configuration for websocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default websocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			// the board is served on the club's local network
			return true
		},
	}
}

// NewHub creates a hub serving snapshots from board.
func NewHub(config ConnectionConfig, board SnapshotProvider) *Hub {
	return &Hub{
		connections: make(map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		board:       board,
		broadcastCh: make(chan []byte, 256),
	}
}

// Start fans queued messages out until ctx is done.
func (h *Hub) Start(ctx context.Context) {
	log.Info().Msg("board hub started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("board hub shutting down")
			h.closeAll()
			return
		case data := <-h.broadcastCh:
			h.fanOut(data)
		}
	}
}

// Broadcast implements aggregator.Broadcaster. It never blocks the caller.
func (h *Hub) Broadcast(ev aggregator.Event) {
	data, err := json.Marshal(Message{Type: "event", Event: &ev})
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal board event")
		return
	}
	select {
	case h.broadcastCh <- data:
	default:
		log.Warn().Str("event_id", ev.ID.String()).Msg("broadcast channel full, dropping event")
	}
}

// Upgrade turns an HTTP request into a watcher connection and sends the current board.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request) error {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	c := &Connection{
		ID:          uuid.New().String(),
		Conn:        ws,
		Send:        make(chan []byte, 64),
		hub:         h,
		ConnectedAt: time.Now(),
	}

	snap := h.board.Snapshot()
	if data, err := json.Marshal(Message{Type: "snapshot", Snapshot: &snap}); err == nil {
		c.Send <- data
	}

	h.register(c)
	go c.writePump()
	go c.readPump()

	log.Info().Str("connection_id", c.ID).Str("remote", r.RemoteAddr).Msg("board watcher connected")
	return nil
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

func (h *Hub) register(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[c] = true
}

func (h *Hub) unregister(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.connections[c]; ok {
		delete(h.connections, c)
		close(c.Send)
		log.Info().Str("connection_id", c.ID).Msg("board watcher disconnected")
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.connections))
	for c := range h.connections {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.unregister(c)
	}
}

func (h *Hub) fanOut(data []byte) {
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.connections))
	for c := range h.connections {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.Send <- data:
		default:
			log.Warn().Str("connection_id", c.ID).Msg("send buffer full, closing connection")
			h.unregister(c)
			c.Conn.Close()
		}
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.hub.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("write failed")
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only keeps the connection alive; watchers do not send commands.
func (c *Connection) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.hub.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("unexpected websocket close")
			}
			return
		}
	}
}
