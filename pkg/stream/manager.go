package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Inbound client message types.
const (
	ClientInvoke    = "invoke"
	ClientPing      = "ping"
	ClientGetStatus = "get_status"
)

// ClientMessage is one inbound WebSocket message.
type ClientMessage struct {
	Type     string `json:"type"`
	Input    string `json:"input,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
}

// InvokeFunc starts a run for an inbound invoke, streaming events to sub.
// It blocks until the run terminates; ctx is cancelled when the connection
// closes.
type InvokeFunc func(ctx context.Context, input, threadID string, sub Subscriber)

// Connection is one WebSocket client.
type Connection struct {
	ID           string
	Conn         *websocket.Conn
	ConnectedAt  time.Time
	messageCount int
	runActive    bool
	runDone      sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
}

// ConnectionManager tracks WebSocket connections and runs their read loops.
// One instance per process.
type ConnectionManager struct {
	connections  map[string]*Connection
	mu           sync.RWMutex
	writeTimeout time.Duration
}

// NewConnectionManager creates a manager with the given per-send write
// timeout.
func NewConnectionManager(writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		connections:  make(map[string]*Connection),
		writeTimeout: writeTimeout,
	}
}

// HandleConnection owns the lifecycle of one WebSocket connection: hello,
// read loop, cleanup. Blocks until the connection closes. A run started by
// invoke executes off the read loop so pings and disconnects are still
// observed while it streams; one run per connection at a time.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn, invoke InvokeFunc) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Connection{
		ID:          uuid.New().String(),
		Conn:        conn,
		ConnectedAt: time.Now().UTC(),
		ctx:         ctx,
		cancel:      cancel,
	}

	m.registerConnection(c)
	defer m.unregisterConnection(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.ID,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// Connection closed — exit read loop; cancel propagates to any
			// in-flight run.
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "connection_id", c.ID, "error", err)
			m.sendJSON(c, NewError("", "malformed message", "invalid_input").Payload)
			continue
		}

		m.handleClientMessage(ctx, c, &msg, invoke)
	}
}

func (m *ConnectionManager) handleClientMessage(ctx context.Context, c *Connection, msg *ClientMessage, invoke InvokeFunc) {
	m.mu.Lock()
	c.messageCount++
	m.mu.Unlock()

	switch msg.Type {
	case ClientInvoke:
		if msg.Input == "" {
			m.sendJSON(c, NewError("", "input is required for invoke", "invalid_input").Payload)
			return
		}
		m.mu.Lock()
		if c.runActive {
			m.mu.Unlock()
			m.sendJSON(c, NewError("", "a run is already in progress on this connection", "invalid_input").Payload)
			return
		}
		c.runActive = true
		c.runDone.Add(1)
		m.mu.Unlock()

		go func() {
			defer func() {
				m.mu.Lock()
				c.runActive = false
				m.mu.Unlock()
				c.runDone.Done()
			}()
			invoke(ctx, msg.Input, msg.ThreadID, m.Subscriber(c))
		}()

	case ClientPing:
		m.sendJSON(c, map[string]string{"type": "pong"})

	case ClientGetStatus:
		m.mu.RLock()
		count := c.messageCount
		m.mu.RUnlock()
		m.sendJSON(c, map[string]any{
			"type":          "status",
			"connection_id": c.ID,
			"connected_at":  Timestamp(c.ConnectedAt),
			"message_count": count,
		})

	default:
		m.sendJSON(c, NewError("", "unknown message type: "+msg.Type, "invalid_input").Payload)
	}
}

// Subscriber wraps c as an ordered event sink for the coordinator.
func (m *ConnectionManager) Subscriber(c *Connection) Subscriber {
	return &connSubscriber{manager: m, conn: c}
}

// ActiveConnections returns the number of open connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

func (m *ConnectionManager) registerConnection(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

func (m *ConnectionManager) unregisterConnection(c *Connection) {
	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	c.runDone.Wait()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

// sendJSON marshals and sends one message with the write timeout.
func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message", "connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message", "connection_id", c.ID, "error", err)
	}
}

func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}

// connSubscriber delivers coordinator events to one connection.
type connSubscriber struct {
	manager *ConnectionManager
	conn    *Connection
}

func (s *connSubscriber) Send(_ context.Context, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.manager.sendRaw(s.conn, data)
}
