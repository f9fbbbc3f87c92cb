// Package model holds the canonical order vocabulary shared by every component.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Channel identifies the external system an order came from.
type Channel string

const (
	ChannelNative       Channel = "native"
	ChannelMarketplaceA Channel = "marketplace_a"
	ChannelMarketplaceB Channel = "marketplace_b"
)

// Channels lists every supported channel in a stable order.
var Channels = []Channel{ChannelNative, ChannelMarketplaceA, ChannelMarketplaceB}

// ParseChannel accepts the canonical name, case-insensitively.
func ParseChannel(s string) (Channel, error) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Channels {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

// Status is the canonical order status.
type Status string

const (
	StatusPending                 Status = "PENDING"
	StatusInProgress              Status = "IN_PROGRESS"
	StatusCompleted               Status = "COMPLETED"
	StatusPickupCompletedByDriver Status = "PICK_UP_COMPLETED_BY_DRIVER"
	StatusDelivered               Status = "DELIVERED"
	StatusRejected                Status = "REJECTED"
)

// Terminal reports whether no further transitions are accepted.
func (s Status) Terminal() bool { return s == StatusDelivered || s == StatusRejected }

// Rank orders the main chain. Rejected sits outside the chain and ranks -1.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusInProgress:
		return 1
	case StatusCompleted:
		return 2
	case StatusPickupCompletedByDriver:
		return 3
	case StatusDelivered:
		return 4
	}
	return -1
}

// DeliveryType says whether the customer collects or a driver delivers.
type DeliveryType string

const (
	DeliveryPickup   DeliveryType = "PICKUP"
	DeliveryDelivery DeliveryType = "DELIVERY"
)

type PreorderStatus string

const (
	PreorderWaiting   PreorderStatus = "WAITING"
	PreorderConfirmed PreorderStatus = "CONFIRMED"
)

// Preorder marks an order scheduled for later preparation.
type Preorder struct {
	Status PreorderStatus `json:"status"`
	Time   time.Time      `json:"preorderTime"`
}

type PaymentMethod string

const (
	PaymentCash PaymentMethod = "CASH"
	PaymentCard PaymentMethod = "CARD"
)

type Option struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unitPrice,omitempty"`
}

type Product struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Quantity  int      `json:"quantity"`
	UnitPrice string   `json:"unitPrice"`
	Comment   string   `json:"comment,omitempty"`
	Options   []Option `json:"options,omitempty"`
}

type Customer struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

type Summary struct {
	Total string `json:"total"`
	// Subtotal is the priced products; fees and offers explain any gap to Total.
	Subtotal string `json:"subtotal,omitempty"`
}

type Offer struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Amount string `json:"amount,omitempty"`
}

// Order is the canonical, storage-backed order representation.
type Order struct {
	ID                 int64         `json:"orderId"`
	ExternalID         string        `json:"externalOrderId"`
	Channel            Channel       `json:"channel"`
	BusinessID         int64         `json:"businessId"`
	BusinessExternalID string        `json:"businessExternalId"`
	Status             Status        `json:"status"`
	DeliveryType       DeliveryType  `json:"deliveryType"`
	CreatedAt          time.Time     `json:"createdAt"`
	LastModified       time.Time     `json:"lastModified"`
	Preorder           *Preorder     `json:"preorder,omitempty"`
	Products           []Product     `json:"products"`
	Customer           Customer      `json:"customer"`
	PaymentMethod      PaymentMethod `json:"paymentMethod,omitempty"`
	Summary            Summary       `json:"summary"`
	DeliveryETA        *time.Time    `json:"deliveryEta,omitempty"`
	PickupETA          *time.Time    `json:"pickupEta,omitempty"`
	Offers             []Offer       `json:"offers,omitempty"`
	RejectReason       string        `json:"rejectReason,omitempty"`
}

// Validate checks the structural invariants of a canonical order.
func (o Order) Validate() error {
	if o.Channel == "" {
		return errors.New("order: channel required")
	}
	if strings.TrimSpace(o.ExternalID) == "" {
		return errors.New("order: external id required")
	}
	if o.Preorder != nil && o.Preorder.Status != "" && o.Preorder.Time.IsZero() {
		return errors.New("order: preorder time required when preorder status is set")
	}
	return nil
}

// IsWaitingPreorder is true for a pending order whose preorder is not yet confirmed.
func (o Order) IsWaitingPreorder() bool {
	return o.Status == StatusPending && o.Preorder != nil && o.Preorder.Status == PreorderWaiting
}

// Business is the subset of a merchant record the core reads and writes.
type Business struct {
	ID              int64              `json:"id"`
	PublicID        string             `json:"publicId"`
	Name            string             `json:"name"`
	ExternalIDs     map[Channel]string `json:"externalIds"`
	Open            map[Channel]bool   `json:"open"`
	PrepLeadMinutes int                `json:"prepLeadMinutes"`
}

// ExternalID returns the channel-native id used as realtime room key.
func (b Business) ExternalID(c Channel) string {
	if b.ExternalIDs == nil {
		return ""
	}
	return b.ExternalIDs[c]
}

// IsOpen treats a channel with no recorded availability as open.
func (b Business) IsOpen(c Channel) bool {
	open, ok := b.Open[c]
	return !ok || open
}

type QueueKind string

const (
	QueueAvailability QueueKind = "availability"
	QueuePreorder     QueueKind = "preorder"
)

// QueueItem is a deferred task. Key is the natural key: the business public id
// for availability items, the canonical order id for preorder items.
type QueueItem struct {
	ID               string          `json:"id"`
	Kind             QueueKind       `json:"kind"`
	Key              string          `json:"key"`
	BusinessPublicID string          `json:"businessPublicId"`
	UserPublicID     string          `json:"userPublicId,omitempty"`
	Provider         Channel         `json:"provider"`
	DueTime          time.Time       `json:"dueTime"`
	Processing       bool            `json:"processing"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// AckResult is what a client answers to an emitted event.
type AckResult struct {
	Type        string `json:"type"`
	Received    bool   `json:"received"`
	OrderNumber string `json:"orderNumber,omitempty"`
	Business    string `json:"business,omitempty"`
	Message     string `json:"message,omitempty"`
}
