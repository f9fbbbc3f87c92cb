// Package integrations holds the channel adapter contract and the plumbing
// shared by the per-channel implementations.
package integrations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"orderhub/internal/model"
)

var (
	ErrNotFound       = errors.New("channel order not found")
	ErrUnknownChannel = errors.New("unknown channel")
	ErrMalformedToken = errors.New("malformed correlation token")
	ErrUnsupported    = errors.New("operation not supported by channel")
)

// Update is a canonical status change to push to a channel.
type Update struct {
	Status            model.Status
	PreparedInMinutes int
	Reason            string
	// Products echoes the stored line items for channels that want them
	// confirmed on accept.
	Products []model.Product
}

// Adapter normalizes one channel's wire format and status vocabulary.
type Adapter interface {
	Channel() model.Channel
	GetOrder(ctx context.Context, ref string) (model.Order, error)
	ListOrdersByStatus(ctx context.Context, statuses []model.Status, businessExternalIDs []string) ([]model.Order, error)
	UpdateOrder(ctx context.Context, ref string, upd Update) (model.Order, error)
	RejectOrder(ctx context.Context, ref, reason string) (model.Order, error)
	ConfirmPreorder(ctx context.Context, ref string) (model.Order, error)
	SetAvailability(ctx context.Context, businessExternalID string, open bool, until *time.Time) error
	MapWebhook(raw []byte) (model.Order, error)
}

// Registry is the static channel -> adapter table.
type Registry struct {
	adapters map[model.Channel]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: map[model.Channel]Adapter{}}
	for _, a := range adapters {
		r.adapters[a.Channel()] = a
	}
	return r
}

func (r *Registry) For(c model.Channel) (Adapter, error) {
	a, ok := r.adapters[c]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, c)
	}
	return a, nil
}

// Channels lists the registered channels in canonical order.
func (r *Registry) Channels() []model.Channel {
	out := []model.Channel{}
	for _, c := range model.Channels {
		if _, ok := r.adapters[c]; ok {
			out = append(out, c)
		}
	}
	return out
}
