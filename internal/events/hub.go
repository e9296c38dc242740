package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Subscriber abstracts a streaming client sink.
type Subscriber interface {
	Send([]byte) error
	Close()
}

type clientEntry struct {
	userID int64
	sub    Subscriber
}

// Stats summarizes hub occupancy.
type Stats struct {
	Clients int
	Users   int
}

// Hub fans lifecycle and log events out to subscribed clients. It is owned by
// the server instance and handed to publishers by dependency injection.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]clientEntry
	users   map[int64]map[string]struct{}
	logger  *slog.Logger
	closed  bool
}

// NewHub creates an initialized Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]clientEntry),
		users:   make(map[int64]map[string]struct{}),
		logger:  logger,
	}
}

// Register adds a client for the given user and returns its client id.
func (h *Hub) Register(userID int64, sub Subscriber) string {
	clientID := uuid.NewString()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.Close()
		return clientID
	}
	h.clients[clientID] = clientEntry{userID: userID, sub: sub}
	set, ok := h.users[userID]
	if !ok {
		set = make(map[string]struct{})
		h.users[userID] = set
	}
	set[clientID] = struct{}{}
	return clientID
}

// Unregister removes a client and prunes its user's set when empty.
func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(clientID)
}

func (h *Hub) dropLocked(clientID string) {
	entry, ok := h.clients[clientID]
	if !ok {
		return
	}
	delete(h.clients, clientID)
	if set, ok := h.users[entry.userID]; ok {
		delete(set, clientID)
		if len(set) == 0 {
			delete(h.users, entry.userID)
		}
	}
	entry.sub.Close()
}

// SendToUser pushes a frame to every client of the target user. A user id of
// zero addresses all connected clients.
func (h *Hub) SendToUser(userID int64, frame Frame) {
	if userID == 0 {
		h.Broadcast(frame)
		return
	}
	payload, err := frame.Marshal()
	if err != nil {
		h.logger.Warn("marshal realtime frame failed", "type", frame.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for clientID := range h.users[userID] {
		h.deliverLocked(clientID, payload)
	}
}

// Broadcast pushes a frame to every connected client.
func (h *Hub) Broadcast(frame Frame) {
	payload, err := frame.Marshal()
	if err != nil {
		h.logger.Warn("marshal realtime frame failed", "type", frame.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for clientID := range h.clients {
		h.deliverLocked(clientID, payload)
	}
}

// deliverLocked writes to one client, deregistering it on failure so a dead
// sink never disturbs later broadcasts.
func (h *Hub) deliverLocked(clientID string, payload []byte) {
	entry, ok := h.clients[clientID]
	if !ok {
		return
	}
	if err := entry.sub.Send(payload); err != nil {
		h.logger.Warn("realtime client dropped", "client_id", clientID, "error", err)
		h.dropLocked(clientID)
	}
}

// Stats reports connected clients and distinct users.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{Clients: len(h.clients), Users: len(h.users)}
}

// Shutdown sends a terminal notice to every client and closes all sinks.
func (h *Hub) Shutdown() {
	payload, _ := Frame{Type: TypeServerShutdown, Data: map[string]string{"reason": "server stopping"}}.Marshal()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for clientID, entry := range h.clients {
		_ = entry.sub.Send(payload)
		entry.sub.Close()
		delete(h.clients, clientID)
	}
	h.users = make(map[int64]map[string]struct{})
}
