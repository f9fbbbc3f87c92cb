// Package realtime pushes order events to restaurant clients over websockets
// and waits for their acknowledgements.
package realtime

import (
	"encoding/json"

	"orderhub/internal/model"
)

// Event names emitted to clients.
const (
	EventOrdersRegister       = "orders_register"
	EventOrderChange          = "order_change"
	EventBusinessStatusChange = "business_status_change"
	EventPreorder             = "preorder"
	EventCloseOrderPopup      = "close-order-popup"
)

// Message types on the wire.
const (
	TypeJoin   = "join"
	TypeJoined = "joined"
	TypeLeave  = "leave"
	TypeEvent  = "event"
	TypeAck    = "ack"
	TypePing   = "ping"
	TypePong   = "pong"
	TypeError  = "error"
)

// Message is the single envelope used in both directions. ID carries the
// emission id on event/ack pairs.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event,omitempty"`
	Room    string          `json:"room,omitempty"`
	Channel model.Channel   `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// RoomFor names the room of a business on one channel. Rooms are keyed by the
// channel-native business id.
func RoomFor(c model.Channel, businessExternalID string) string {
	return string(c) + ":" + businessExternalID
}
