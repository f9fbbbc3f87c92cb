package realtime

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"orderhub/internal/auth"
	"orderhub/internal/logging"
	"orderhub/internal/model"
)

// Directory resolves businesses for room lookups. store.Businesses satisfies it.
type Directory interface {
	GetBusiness(ctx context.Context, id int64) (model.Business, error)
	GetBusinessByExternalID(ctx context.Context, channel model.Channel, externalID string) (model.Business, error)
}

type TokenVerifier interface {
	Verify(token string) (auth.Principal, error)
}

const lookupTimeout = 5 * time.Second

// LegacyHandler serves the unauthenticated endpoint. Clients join rooms by
// sending {"type":"join","room":"<business external id>","channel":"..."}.
type LegacyHandler struct {
	Hub       *Hub
	Directory Directory
	Log       *zap.Logger
}

func (h *LegacyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := newConn(h.Hub, ws)
	go c.writePump()
	c.readPump(h.onMessage)
}

func (h *LegacyHandler) onMessage(c *Conn, m Message) {
	switch m.Type {
	case TypeJoin, TypeLeave:
		ch, err := model.ParseChannel(string(m.Channel))
		if err != nil || strings.TrimSpace(m.Room) == "" {
			c.sendError(m.ID, "join requires room and channel")
			return
		}
		room := RoomFor(ch, m.Room)
		if m.Type == TypeLeave {
			h.Hub.Leave(room, c)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
		defer cancel()
		if _, err := h.Directory.GetBusinessByExternalID(ctx, ch, m.Room); err != nil {
			logging.OrNop(h.Log).Info("join refused", zap.String("room", room), zap.Error(err))
			c.sendError(m.ID, "unknown business")
			return
		}
		h.Hub.Join(room, c)
		c.sendMessage(Message{Type: TypeJoined, ID: m.ID, Room: room})
	default:
		c.sendError(m.ID, "unsupported message type")
	}
}

// AuthHandler serves the authenticated endpoint. The bearer token names the
// business and the connection joins that business's rooms on every channel.
type AuthHandler struct {
	Hub       *Hub
	Directory Directory
	Verifier  TokenVerifier
	Log       *zap.Logger
}

func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return strings.TrimSpace(authz[len("Bearer "):])
	}
	// browsers cannot set headers on the upgrade request
	return r.URL.Query().Get("token")
}

func (h *AuthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logging.OrNop(h.Log)
	pr, err := h.Verifier.Verify(bearerToken(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	biz, err := h.Directory.GetBusiness(r.Context(), pr.BusinessID)
	if err != nil {
		log.Info("unknown business on authenticated socket", zap.Int64("business_id", pr.BusinessID), zap.Error(err))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := newConn(h.Hub, ws)
	c.BusinessID = biz.ID
	var rooms []string
	for _, ch := range model.Channels {
		if ext := biz.ExternalID(ch); ext != "" {
			room := RoomFor(ch, ext)
			h.Hub.Join(room, c)
			rooms = append(rooms, room)
		}
	}
	go c.writePump()
	for _, room := range rooms {
		c.sendMessage(Message{Type: TypeJoined, Room: room})
	}
	c.readPump(func(c *Conn, m Message) { h.onMessage(c, biz, m) })
}

// onMessage lets a client leave and rejoin its own rooms only.
func (h *AuthHandler) onMessage(c *Conn, biz model.Business, m Message) {
	switch m.Type {
	case TypeJoin, TypeLeave:
		ch, err := model.ParseChannel(string(m.Channel))
		if err != nil || biz.ExternalID(ch) == "" {
			c.sendError(m.ID, "channel not linked to business")
			return
		}
		room := RoomFor(ch, biz.ExternalID(ch))
		if m.Type == TypeLeave {
			h.Hub.Leave(room, c)
			return
		}
		h.Hub.Join(room, c)
		c.sendMessage(Message{Type: TypeJoined, ID: m.ID, Room: room})
	default:
		c.sendError(m.ID, "unsupported message type")
	}
}
