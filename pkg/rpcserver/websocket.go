package rpcserver

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jontk/boinc-corekeeper/internal/core"
	"github.com/jontk/boinc-corekeeper/pkg/logging"
)

// eventMessage is the wire shape pushed to a connected GUI-manager
// collaborator for each outbound event.
type eventMessage struct {
	Kind       string    `json:"kind"`
	Time       time.Time `json:"time"`
	Project    string    `json:"project,omitempty"`
	ResultName string    `json:"result_name,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// EventBroadcaster fans out core events to every connected websocket
// client. There is exactly one stream (the core's outbound event log)
// rather than a per-resource-kind subscription, since the outbound
// surface defines one event feed, not several.
type EventBroadcaster struct {
	upgrader websocket.Upgrader
	logger   logging.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewEventBroadcaster returns a broadcaster with no connected clients.
func NewEventBroadcaster(logger logging.Logger) *EventBroadcaster {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &EventBroadcaster{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

// HandleWebSocket upgrades the connection and keeps it registered for
// broadcasts until the client disconnects or a ping fails.
func (b *EventBroadcaster) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", "error", err.Error())
		return
	}

	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.mu.Unlock()

	go b.keepAlive(conn)
}

// keepAlive pings the connection every 30 seconds and deregisters it the
// first time a ping fails.
func (b *EventBroadcaster) keepAlive(conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			b.remove(conn)
			return
		}
	}
}

func (b *EventBroadcaster) remove(conn *websocket.Conn) {
	b.mu.Lock()
	delete(b.conns, conn)
	b.mu.Unlock()
	_ = conn.Close()
}

// Broadcast sends one event to every connected client, dropping any
// connection that fails to accept the write.
func (b *EventBroadcaster) Broadcast(e core.Event) {
	msg := eventMessage{
		Kind:       e.Kind.String(),
		Time:       e.Time,
		Project:    e.Project,
		ResultName: e.ResultName,
		Message:    e.Message,
	}

	b.mu.Lock()
	targets := make([]*websocket.Conn, 0, len(b.conns))
	for conn := range b.conns {
		targets = append(targets, conn)
	}
	b.mu.Unlock()

	for _, conn := range targets {
		if err := conn.WriteJSON(msg); err != nil {
			b.logger.Warn("websocket broadcast failed, dropping client", "error", err.Error())
			b.remove(conn)
		}
	}
}
