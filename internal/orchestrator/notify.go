package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"orderhub/internal/logging"
	"orderhub/internal/model"
	"orderhub/internal/realtime"
)

// OrderEvent is the payload of order pushes. orderNumber is the channel's order id.
type OrderEvent struct {
	OrderNumber    string               `json:"orderNumber"`
	Business       string               `json:"business"`
	OrderID        int64                `json:"orderId"`
	Channel        model.Channel        `json:"channel"`
	Status         model.Status         `json:"status"`
	PreorderStatus model.PreorderStatus `json:"preorderStatus,omitempty"`
	Order          *model.Order         `json:"order,omitempty"`
}

type BusinessEvent struct {
	Business string        `json:"business"`
	Channel  model.Channel `json:"channel"`
	Open     bool          `json:"open"`
}

type ReminderEvent struct {
	OrderNumber  string    `json:"orderNumber"`
	Business     string    `json:"business"`
	OrderID      int64     `json:"orderId"`
	PreorderTime time.Time `json:"preorderTime"`
}

// Notifier pushes every event to all transports at once. A slow or empty
// transport never holds back the others.
type Notifier struct {
	dispatch   *realtime.Dispatcher
	transports []realtime.Transport
	log        *zap.Logger
}

func NewNotifier(d *realtime.Dispatcher, log *zap.Logger, transports ...realtime.Transport) *Notifier {
	return &Notifier{dispatch: d, transports: transports, log: logging.OrNop(log)}
}

// fanout returns one result per transport, in transport order.
func (n *Notifier) fanout(ctx context.Context, room, event string, payload any) []model.AckResult {
	results := make([]model.AckResult, len(n.transports))
	var g errgroup.Group
	for i, t := range n.transports {
		g.Go(func() error {
			res := n.dispatch.Emit(ctx, t, room, event, payload)
			results[i] = res
			n.log.Info("push",
				zap.String("transport", t.Name()),
				zap.String("room", room),
				zap.String("event", event),
				zap.Bool("received", res.Received),
				zap.String("message", res.Message),
			)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func orderEvent(o model.Order, b model.Business, full bool) OrderEvent {
	e := OrderEvent{
		OrderNumber: o.ExternalID,
		Business:    b.PublicID,
		OrderID:     o.ID,
		Channel:     o.Channel,
		Status:      o.Status,
	}
	if o.Preorder != nil {
		e.PreorderStatus = o.Preorder.Status
	}
	if full {
		e.Order = &o
	}
	return e
}

func orderRoom(o model.Order, b model.Business) string {
	return realtime.RoomFor(o.Channel, b.ExternalID(o.Channel))
}

func (n *Notifier) OrderRegistered(ctx context.Context, o model.Order, b model.Business) []model.AckResult {
	return n.fanout(ctx, orderRoom(o, b), realtime.EventOrdersRegister, orderEvent(o, b, true))
}

func (n *Notifier) OrderChanged(ctx context.Context, o model.Order, b model.Business) []model.AckResult {
	return n.fanout(ctx, orderRoom(o, b), realtime.EventOrderChange, orderEvent(o, b, true))
}

// ClosePopup tells the other clients of the business that the order was handled.
func (n *Notifier) ClosePopup(ctx context.Context, o model.Order, b model.Business) []model.AckResult {
	return n.fanout(ctx, orderRoom(o, b), realtime.EventCloseOrderPopup, orderEvent(o, b, false))
}

// MerchantUpdated sends order_change and close-order-popup side by side.
func (n *Notifier) MerchantUpdated(ctx context.Context, o model.Order, b model.Business) (changed, popup []model.AckResult) {
	var g errgroup.Group
	g.Go(func() error { changed = n.OrderChanged(ctx, o, b); return nil })
	g.Go(func() error { popup = n.ClosePopup(ctx, o, b); return nil })
	_ = g.Wait()
	return changed, popup
}

func (n *Notifier) BusinessStatusChanged(ctx context.Context, b model.Business, channel model.Channel, open bool) {
	room := realtime.RoomFor(channel, b.ExternalID(channel))
	n.fanout(ctx, room, realtime.EventBusinessStatusChange, BusinessEvent{Business: b.PublicID, Channel: channel, Open: open})
}

func (n *Notifier) PreorderReminder(ctx context.Context, o model.Order, b model.Business) {
	e := ReminderEvent{OrderNumber: o.ExternalID, Business: b.PublicID, OrderID: o.ID}
	if o.Preorder != nil {
		e.PreorderTime = o.Preorder.Time
	}
	n.fanout(ctx, orderRoom(o, b), realtime.EventPreorder, e)
}
