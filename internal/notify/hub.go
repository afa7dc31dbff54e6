package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Hub broadcasts events to connected websocket clients, grouped by
// workflow. Write failures drop the client; they never propagate.
type Hub struct {
	mu      sync.Mutex
	clients map[int64]map[*websocket.Conn]bool
}

func NewHub() *Hub {
	return &Hub{clients: make(map[int64]map[*websocket.Conn]bool)}
}

// Subscribe registers a client for one workflow's events and starts a
// reader goroutine whose only job is detecting disconnects.
func (h *Hub) Subscribe(workflowID int64, conn *websocket.Conn) {
	h.mu.Lock()
	if h.clients[workflowID] == nil {
		h.clients[workflowID] = make(map[*websocket.Conn]bool)
	}
	h.clients[workflowID][conn] = true
	count := len(h.clients[workflowID])
	h.mu.Unlock()

	slog.Debug("websocket client subscribed", "workflow_id", workflowID, "clients", count)

	go func() {
		defer h.drop(workflowID, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) Publish(ctx context.Context, event Event) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients[event.WorkflowID]))
	for conn := range h.clients[event.WorkflowID] {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		if err := conn.WriteJSON(event); err != nil {
			slog.DebugContext(ctx, "dropping websocket client", "error", err, "workflow_id", event.WorkflowID)
			h.drop(event.WorkflowID, conn)
		}
	}
}

// ClientCount returns the number of clients watching a workflow.
func (h *Hub) ClientCount(workflowID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[workflowID])
}

func (h *Hub) drop(workflowID int64, conn *websocket.Conn) {
	h.mu.Lock()
	if set := h.clients[workflowID]; set != nil {
		delete(set, conn)
		if len(set) == 0 {
			delete(h.clients, workflowID)
		}
	}
	h.mu.Unlock()
	conn.Close()
}
