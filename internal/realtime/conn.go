package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"orderhub/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 20 * time.Second
	maxMessage = 1 << 20
	sendBuffer = 32
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

// Conn is one client socket. Writes go through send so that only the write
// pump touches the websocket writer.
type Conn struct {
	ws    *websocket.Conn
	hub   *Hub
	send  chan []byte
	done  chan struct{}
	once  sync.Once
	rooms map[string]struct{} // guarded by hub.mu

	// BusinessID is set for authenticated connections.
	BusinessID int64
}

func newConn(h *Hub, ws *websocket.Conn) *Conn {
	return &Conn{
		ws:    ws,
		hub:   h,
		send:  make(chan []byte, sendBuffer),
		done:  make(chan struct{}),
		rooms: map[string]struct{}{},
	}
}

// enqueue drops the frame when the client is gone or too slow.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Conn) sendMessage(m Message) {
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	c.enqueue(b)
}

func (c *Conn) sendError(id, msg string) {
	data, _ := json.Marshal(map[string]string{"message": msg})
	c.sendMessage(Message{Type: TypeError, ID: id, Data: data})
}

func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump blocks until the client goes away. Acks and pings are handled
// here; everything else goes to onMessage.
func (c *Conn) readPump(onMessage func(*Conn, Message)) {
	defer func() {
		c.hub.LeaveAll(c)
		c.close()
	}()
	c.ws.SetReadLimit(maxMessage)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { return c.ws.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError("", "invalid message")
			continue
		}
		switch msg.Type {
		case TypeAck:
			c.hub.resolveAck(msg.ID, decodeAck(msg))
		case TypePing:
			c.sendMessage(Message{Type: TypePong, ID: msg.ID})
		case TypePong:
		default:
			onMessage(c, msg)
		}
	}
}

// decodeAck treats a bare ack as received.
func decodeAck(msg Message) model.AckResult {
	res := model.AckResult{Type: msg.Event, Received: true}
	if len(msg.Data) > 0 {
		_ = json.Unmarshal(msg.Data, &res)
	}
	return res
}
