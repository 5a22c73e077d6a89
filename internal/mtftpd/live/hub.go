// Package live broadcasts transfer-progress events (window committed,
// RTX issued, transfer complete) to subscribed operator consoles over
// WebSocket: a connection registry, per-connection send channel,
// ping/pong liveness, and a periodic dead-connection sweep, trimmed to
// a single broadcast channel since there is no per-user auth or
// per-channel subscription model for this daemon's dashboard.
package live

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 64
)

// EventType classifies a transfer-progress event.
type EventType string

const (
	EventWindowCommitted EventType = "window_committed"
	EventRTXIssued       EventType = "rtx_issued"
	EventTransferEnd     EventType = "transfer_end"
	EventTransferTimeout EventType = "transfer_timeout"
)

// Event is one broadcast message describing a transfer's progress.
type Event struct {
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	TransferID string    `json:"transfer_id"`
	RemoteAddr string    `json:"remote_addr"`
	FileIndex  uint16    `json:"file_index"`
	FileOffset uint32    `json:"file_offset"`
	Missing    []uint16  `json:"missing,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
}

type connection struct {
	id   string
	conn *websocket.Conn
	send chan Event

	mu       sync.Mutex
	closed   bool
	lastPing time.Time
}

// Hub is the live-dashboard connection registry and broadcast point.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu          sync.RWMutex
	connections map[string]*connection
	nextID      uint64

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewHub constructs a Hub and starts its dead-connection sweep.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:      logger,
		connections: make(map[string]*connection),
		stop:        make(chan struct{}),
	}
	h.wg.Add(1)
	go h.sweepLoop()
	return h
}

// ServeHTTP upgrades the request to a WebSocket and registers the
// resulting connection until the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	h.nextID++
	id := time.Now().Format("20060102T150405.000000000")
	c := &connection{id: id, conn: ws, send: make(chan Event, sendBufferSize), lastPing: time.Now()}
	h.connections[id] = c
	h.mu.Unlock()

	h.logger.Info("live dashboard connection registered", zap.String("conn_id", id))

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *connection) {
	defer h.unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPing = time.Now()
		c.mu.Unlock()
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Broadcast fans ev out to every connected dashboard. A connection whose
// send buffer is full has the event dropped for it rather than blocking
// the caller, since nothing driving a transfer may block on the
// dashboard's consumers.
func (h *Hub) Broadcast(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.connections {
		select {
		case c.send <- ev:
		default:
			h.logger.Debug("live dashboard send buffer full, dropping event", zap.String("conn_id", c.id))
		}
	}
}

func (h *Hub) unregister(c *connection) {
	h.mu.Lock()
	_, exists := h.connections[c.id]
	delete(h.connections, c.id)
	h.mu.Unlock()

	if !exists {
		return
	}
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
	c.conn.Close()
	h.logger.Info("live dashboard connection closed", zap.String("conn_id", c.id))
}

func (h *Hub) sweepLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.sweepDead()
		case <-h.stop:
			return
		}
	}
}

func (h *Hub) sweepDead() {
	cutoff := time.Now().Add(-2 * pongWait)

	h.mu.RLock()
	var dead []*connection
	for _, c := range h.connections {
		c.mu.Lock()
		stale := c.lastPing.Before(cutoff)
		c.mu.Unlock()
		if stale {
			dead = append(dead, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range dead {
		h.unregister(c)
	}
}

// Close stops the sweep loop and closes every connection.
func (h *Hub) Close() {
	close(h.stop)
	h.wg.Wait()

	h.mu.Lock()
	conns := make([]*connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.unregister(c)
	}
}

// ConnectionCount returns the number of live dashboard connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}
