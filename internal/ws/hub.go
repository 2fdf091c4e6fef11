package ws

import (
	"sync"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"swifttrack/internal/observability"
)

// Hub is the process-local registry of tracking sessions, keyed by
// client_id. Mutated only on accept/disconnect; iterated on broadcast.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*websocket.Conn]struct{}
	logger   *zap.Logger
	metrics  *observability.Metrics
}

func NewHub(logger *zap.Logger, metrics *observability.Metrics) *Hub {
	return &Hub{
		sessions: make(map[string]map[*websocket.Conn]struct{}),
		logger:   logger,
		metrics:  metrics,
	}
}

func (h *Hub) Register(clientID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sessions[clientID] == nil {
		h.sessions[clientID] = make(map[*websocket.Conn]struct{})
	}
	h.sessions[clientID][conn] = struct{}{}
	if h.metrics != nil {
		h.metrics.ActiveWebsockets.Inc()
	}
	h.logger.Info("websocket connected", zap.String("client_id", clientID))
}

func (h *Hub) Unregister(clientID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.sessions[clientID]; ok {
		if _, present := conns[conn]; present {
			delete(conns, conn)
			if h.metrics != nil {
				h.metrics.ActiveWebsockets.Dec()
			}
		}
		if len(conns) == 0 {
			delete(h.sessions, clientID)
		}
	}
	h.logger.Info("websocket disconnected", zap.String("client_id", clientID))
}

// Broadcast sends a message to every session of one client. Sessions whose
// send fails are dropped before continuing.
func (h *Hub) Broadcast(clientID string, message any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns := h.sessions[clientID]
	if len(conns) == 0 {
		return
	}

	var dead []*websocket.Conn
	for conn := range conns {
		if err := conn.WriteJSON(message); err != nil {
			dead = append(dead, conn)
		}
	}
	for _, conn := range dead {
		delete(conns, conn)
		if h.metrics != nil {
			h.metrics.ActiveWebsockets.Dec()
		}
		h.logger.Warn("dropped dead websocket session", zap.String("client_id", clientID))
	}
	if len(conns) == 0 {
		delete(h.sessions, clientID)
	}
}

// Count reports open sessions for a client (used in tests and readiness).
func (h *Hub) Count(clientID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[clientID])
}
