package realtime

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orderhub/internal/logging"
	"orderhub/internal/model"
)

// Hub tracks room membership for one endpoint and routes acknowledgements
// back to the emission waiting for them.
type Hub struct {
	name    string
	log     *zap.Logger
	mu      sync.Mutex
	rooms   map[string]map[*Conn]struct{} // room -> members
	pending map[string]chan model.AckResult
}

func NewHub(name string, log *zap.Logger) *Hub {
	return &Hub{
		name:    name,
		log:     logging.OrNop(log).With(zap.String("transport", name)),
		rooms:   map[string]map[*Conn]struct{}{},
		pending: map[string]chan model.AckResult{},
	}
}

func (h *Hub) Name() string { return h.name }

func (h *Hub) Join(room string, c *Conn) {
	h.mu.Lock()
	if h.rooms[room] == nil { h.rooms[room] = map[*Conn]struct{}{} }
	h.rooms[room][c] = struct{}{}
	c.rooms[room] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) Leave(room string, c *Conn) {
	h.mu.Lock()
	h.leaveLocked(room, c)
	h.mu.Unlock()
}

func (h *Hub) leaveLocked(room string, c *Conn) {
	if m := h.rooms[room]; m != nil {
		delete(m, c)
		if len(m) == 0 { delete(h.rooms, room) }
	}
	delete(c.rooms, room)
}

// LeaveAll removes c from every room it joined.
func (h *Hub) LeaveAll(c *Conn) {
	h.mu.Lock()
	for room := range c.rooms {
		h.leaveLocked(room, c)
	}
	h.mu.Unlock()
}

func (h *Hub) Members(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[room])
}

func (h *Hub) HasMembers(room string) bool { return h.Members(room) > 0 }

// ActiveRooms lists rooms with at least one member, sorted.
func (h *Hub) ActiveRooms() []string {
	h.mu.Lock()
	out := make([]string, 0, len(h.rooms))
	for room := range h.rooms {
		out = append(out, room)
	}
	h.mu.Unlock()
	sort.Strings(out)
	return out
}

// Broadcast sends event to every member of room and returns a channel that
// receives the first acknowledgement. cancel must be called once the caller
// stops waiting.
func (h *Hub) Broadcast(ctx context.Context, room, event string, payload any) (<-chan model.AckResult, func(), error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	id := uuid.New().String()
	frame, err := json.Marshal(Message{Type: TypeEvent, ID: id, Event: event, Room: room, Data: data})
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan model.AckResult, 1)

	h.mu.Lock()
	h.pending[id] = ch
	members := make([]*Conn, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.Unlock()

	sent := 0
	for _, c := range members {
		if c.enqueue(frame) {
			sent++
		}
	}
	h.log.Debug("broadcast", zap.String("room", room), zap.String("event", event), zap.String("emission", id), zap.Int("sent", sent))
	cancel := func() {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
	}
	return ch, cancel, nil
}

// resolveAck delivers an acknowledgement. Only the first ack per emission is
// kept; later ones find no pending entry.
func (h *Hub) resolveAck(id string, res model.AckResult) bool {
	h.mu.Lock()
	ch, ok := h.pending[id]
	if ok { delete(h.pending, id) }
	h.mu.Unlock()
	if !ok {
		return false
	}
	select { case ch <- res: default: }
	return true
}
