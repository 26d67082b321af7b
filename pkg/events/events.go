// Package events fans persisted task events out to WebSocket
// subscribers, backing WS /ws/{task_id}. Grounded on the teacher's
// pkg/api/websocket.go WSHub: a registration/broadcast hub built on
// gorilla/websocket rather than a per-connection goroutine pool, kept
// here instead of pkg/api so it can be unit-tested without a gin
// router or a live socket.
package events

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Upgrader is shared across connections; CheckOrigin is overridden by
// NewManager from the configured allowed-origins list.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			return allowed[r.Header.Get("Origin")]
		},
	}
}

// Message is one frame sent to a subscriber: an event as persisted by
// pkg/persistence, tagged with the task it belongs to.
type Message struct {
	TaskID    string         `json:"task_id"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type subscriber struct {
	taskID string
	send   chan Message
}

// ConnectionManager fans Broadcast calls out to every subscriber
// registered for the matching task_id, preserving the "prefix of the
// event stream" ordering guarantee by writing to each subscriber's
// channel in the order Broadcast is called and draining it
// single-threaded per connection.
type ConnectionManager struct {
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewManager builds a ConnectionManager whose upgrader accepts
// connections only from allowedOrigins (all origins when empty, for
// local/dev use).
func NewManager(allowedOrigins []string) *ConnectionManager {
	return &ConnectionManager{
		upgrader: newUpgrader(allowedOrigins),
		subs:     make(map[*subscriber]struct{}),
	}
}

// HandleConnection upgrades r into a WebSocket bound to taskID and
// blocks, relaying Broadcast messages for that task until the
// connection closes or ctx is cancelled. Inbound frames are drained
// and ignored save for a "ping"/"pong" keepalive, matching the
// teacher's read loop.
func (m *ConnectionManager) HandleConnection(ctx context.Context, w http.ResponseWriter, r *http.Request, taskID string) error {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := &subscriber{taskID: taskID, send: make(chan Message, 64)}
	m.register(sub)
	defer m.unregister(sub)

	done := make(chan struct{})
	go m.readLoop(conn, done)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return nil
		case msg, ok := <-sub.send:
			if !ok {
				return nil
			}
			if err := conn.WriteJSON(msg); err != nil {
				slog.Warn("events: write failed, dropping subscriber", "task_id", taskID, "error", err)
				return err
			}
		}
	}
}

// readLoop discards inbound frames (clients only send pings) and
// closes done once the connection errors or the client disconnects.
func (m *ConnectionManager) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if t, _ := msg["type"].(string); t == "ping" {
			_ = conn.WriteJSON(map[string]string{"type": "pong"})
		}
	}
}

// Broadcast delivers msg to every subscriber currently connected for
// msg.TaskID. A slow subscriber never blocks the broadcaster: when its
// send buffer is full the message is dropped for that subscriber, which
// stays connected.
func (m *ConnectionManager) Broadcast(msg Message) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for sub := range m.subs {
		if sub.taskID != msg.TaskID {
			continue
		}
		select {
		case sub.send <- msg:
		default:
			slog.Warn("events: subscriber channel full, dropping message", "task_id", msg.TaskID)
		}
	}
}

func (m *ConnectionManager) register(sub *subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub] = struct{}{}
}

func (m *ConnectionManager) unregister(sub *subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub]; ok {
		delete(m.subs, sub)
		close(sub.send)
	}
}

// SubscriberCount reports how many connections are currently
// subscribed to taskID.
func (m *ConnectionManager) SubscriberCount(taskID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for sub := range m.subs {
		if sub.taskID == taskID {
			n++
		}
	}
	return n
}
