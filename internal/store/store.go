package store

import (
	"context"
	"errors"
	"time"

	"orderhub/internal/model"
)

// OrderPatch carries the fields a state change may touch. Nil fields are left alone.
type OrderPatch struct {
	Status         *model.Status
	PreorderStatus *model.PreorderStatus
	RejectReason   *string
	DeliveryETA    *time.Time
	PickupETA      *time.Time
	Summary        *model.Summary
}

type OrderFilter struct {
	Channel    model.Channel
	BusinessID int64
	Statuses   []model.Status
	Limit      int
	Offset     int
}

// Orders is the canonical order record store.
type Orders interface {
	GetOrder(ctx context.Context, id int64) (model.Order, error)
	GetOrderByExternalID(ctx context.Context, channel model.Channel, externalID string) (model.Order, error)
	// CreateOrder upserts by (channel, external id). created is false when the
	// order already existed; the stored order is returned untouched then.
	CreateOrder(ctx context.Context, o model.Order) (stored model.Order, created bool, err error)
	UpdateOrder(ctx context.Context, id int64, patch OrderPatch) (model.Order, error)
	// FindOrders returns orders newest first.
	FindOrders(ctx context.Context, f OrderFilter) ([]model.Order, error)
}

type Businesses interface {
	GetBusiness(ctx context.Context, id int64) (model.Business, error)
	GetBusinessByPublicID(ctx context.Context, publicID string) (model.Business, error)
	GetBusinessByExternalID(ctx context.Context, channel model.Channel, externalID string) (model.Business, error)
	SaveBusiness(ctx context.Context, b model.Business) (model.Business, error)
	SetBusinessOpen(ctx context.Context, id int64, channel model.Channel, open bool) error
}

// Queue stores deferred tasks. At most one item exists per (kind, key).
type Queue interface {
	UpsertQueueItem(ctx context.Context, it model.QueueItem) (model.QueueItem, error)
	// ClaimDueQueueItems atomically flips processing to true on up to limit
	// idle items of kind with from <= due < to and returns them. A zero from
	// means no lower bound.
	ClaimDueQueueItems(ctx context.Context, kind model.QueueKind, from, to time.Time, limit int) ([]model.QueueItem, error)
	DeleteQueueItem(ctx context.Context, id string) error
	DeleteQueueItemByKey(ctx context.Context, kind model.QueueKind, key string) error
	ResetQueueItem(ctx context.Context, id string) error
	ListQueueItems(ctx context.Context, kind model.QueueKind) ([]model.QueueItem, error)
}

// Store is the persistence boundary used by the core.
type Store interface {
	Orders
	Businesses
	Queue
	Ping(ctx context.Context) error
}

var ErrNotFound = errors.New("not found")
