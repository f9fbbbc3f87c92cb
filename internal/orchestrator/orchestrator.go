// Package orchestrator ties channel webhooks and merchant actions to the
// state machine, the order store, the realtime push and the queues.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"orderhub/internal/events"
	"orderhub/internal/integrations"
	"orderhub/internal/logging"
	"orderhub/internal/metrics"
	"orderhub/internal/model"
	"orderhub/internal/queue"
	"orderhub/internal/statemachine"
	"orderhub/internal/store"
	"orderhub/internal/webhooks"
)

var (
	ErrBadSignature      = errors.New("webhook signature mismatch")
	ErrUnknownBusiness   = errors.New("order belongs to an unknown business")
	ErrTransitionRefused = errors.New("transition refused")
)

const DefaultLeadMinutes = 30

// Adapters is the channel lookup. *integrations.Registry satisfies it.
type Adapters interface {
	For(c model.Channel) (integrations.Adapter, error)
	Channels() []model.Channel
}

type Config struct {
	// WebhookSecrets enables signature checks per channel.
	WebhookSecrets map[model.Channel]string
	// LeadMinutes applies to businesses without their own preparation lead.
	LeadMinutes int
}

type Deps struct {
	Store    store.Store
	Adapters Adapters
	Queue    *queue.Service
	Notifier *Notifier
	Inbox    *webhooks.Inbox
	Events   events.Publisher
}

type Orchestrator struct {
	Deps
	cfg Config
	log *zap.Logger

	pushes sync.WaitGroup
}

func New(d Deps, cfg Config, log *zap.Logger) *Orchestrator {
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if cfg.LeadMinutes <= 0 {
		cfg.LeadMinutes = DefaultLeadMinutes
	}
	return &Orchestrator{Deps: d, cfg: cfg, log: logging.OrNop(log).With(zap.String("component", "orchestrator"))}
}

// Outcome reports what one webhook or sync pass did to the stored order.
type Outcome struct {
	Kind    string // created, changed, unchanged, duplicate
	Order   model.Order
	Warning string
	Acks    []model.AckResult
}

// HandleWebhook ingests one raw channel payload. Redeliveries of an accepted
// payload are dropped; a payload that fails is forgotten so the channel's
// retry gets processed.
func (o *Orchestrator) HandleWebhook(ctx context.Context, channel model.Channel, raw []byte, signature string) (Outcome, error) {
	out, err := o.handleWebhook(ctx, channel, raw, signature)
	kind := out.Kind
	if err != nil {
		kind = "error"
		o.log.Error("webhook failed", zap.String("channel", string(channel)), zap.Error(err))
	}
	metrics.WebhooksReceived.WithLabelValues(string(channel), kind).Inc()
	return out, err
}

func (o *Orchestrator) handleWebhook(ctx context.Context, channel model.Channel, raw []byte, signature string) (Outcome, error) {
	a, err := o.Adapters.For(channel)
	if err != nil {
		return Outcome{}, err
	}
	if secret := o.cfg.WebhookSecrets[channel]; secret != "" && !webhooks.VerifyHMAC(secret, raw, signature) {
		return Outcome{}, ErrBadSignature
	}
	if o.Inbox != nil {
		first, err := o.Inbox.Claim(ctx, channel, raw)
		if err != nil {
			// a dedupe outage must not drop orders; the state machine absorbs replays
			o.log.Warn("webhook dedupe unavailable", zap.Error(err))
		} else if !first {
			return Outcome{Kind: "duplicate"}, nil
		}
	}
	incoming, err := a.MapWebhook(raw)
	if err == nil {
		var out Outcome
		out, err = o.ingest(ctx, incoming)
		if err == nil {
			return out, nil
		}
	}
	if o.Inbox != nil {
		if rerr := o.Inbox.Release(ctx, channel, raw); rerr != nil {
			o.log.Warn("webhook dedupe release failed", zap.Error(rerr))
		}
	}
	return Outcome{}, err
}

// ingest creates the order on first sighting and otherwise runs the channel's
// report through the state machine.
func (o *Orchestrator) ingest(ctx context.Context, incoming model.Order) (Outcome, error) {
	b, err := o.Store.GetBusinessByExternalID(ctx, incoming.Channel, incoming.BusinessExternalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Outcome{}, fmt.Errorf("%w: %s %q", ErrUnknownBusiness, incoming.Channel, incoming.BusinessExternalID)
		}
		return Outcome{}, err
	}
	incoming.BusinessID = b.ID
	if incoming.Status == "" {
		incoming.Status = model.StatusPending
	}
	stored, created, err := o.Store.CreateOrder(ctx, incoming)
	if err != nil {
		return Outcome{}, fmt.Errorf("store order: %w", err)
	}
	log := o.log.With(zap.Int64("order_id", stored.ID), zap.String("channel", string(stored.Channel)), zap.String("external_id", stored.ExternalID))
	if created {
		log.Info("order registered", zap.String("status", string(stored.Status)))
		o.afterChange(ctx, stored, b)
		acks := o.Notifier.OrderRegistered(ctx, stored, b)
		o.publish(ctx, b, events.OrderCreated, stored)
		return Outcome{Kind: "created", Order: stored, Acks: acks}, nil
	}

	d := statemachine.Decide(stored, statemachine.Request{
		Target: incoming.Status,
		Origin: statemachine.OriginChannel,
		Reason: incoming.RejectReason,
	})
	if incoming.Preorder != nil && incoming.Preorder.Status == model.PreorderConfirmed {
		next := statemachine.Apply(stored, d)
		if pd := statemachine.Decide(next, statemachine.Request{Target: statemachine.TargetConfirmPreorder, Origin: statemachine.OriginChannel}); pd.Changed {
			d.PreorderStatus = pd.PreorderStatus
			d.Changed = true
		}
	}
	if d.Warning != "" {
		log.Warn("channel update ignored", zap.String("reason", d.Warning))
	}
	patch, changed := patchFor(stored, d, incoming)
	if !changed {
		return Outcome{Kind: "unchanged", Order: stored, Warning: d.Warning}, nil
	}
	updated, err := o.Store.UpdateOrder(ctx, stored.ID, patch)
	if err != nil {
		return Outcome{}, fmt.Errorf("update order %d: %w", stored.ID, err)
	}
	log.Info("order changed", zap.String("from", string(stored.Status)), zap.String("to", string(updated.Status)))
	o.afterChange(ctx, updated, b)
	acks := o.Notifier.OrderChanged(ctx, updated, b)
	o.publish(ctx, b, events.OrderStatusChanged, updated)
	return Outcome{Kind: "changed", Order: updated, Warning: d.Warning, Acks: acks}, nil
}

// patchFor collects the decided state plus the channel facts (ETAs, reason)
// that may change without a status change. Finished orders take nothing.
func patchFor(stored model.Order, d statemachine.Decision, answer model.Order) (store.OrderPatch, bool) {
	var p store.OrderPatch
	changed := false
	if stored.Status.Terminal() {
		return p, false
	}
	if d.Changed {
		if d.Status != stored.Status {
			s := d.Status
			p.Status = &s
			changed = true
		}
		if stored.Preorder != nil && d.PreorderStatus != "" && d.PreorderStatus != stored.Preorder.Status {
			ps := d.PreorderStatus
			p.PreorderStatus = &ps
			changed = true
		}
		if d.Status == model.StatusRejected && answer.RejectReason != "" {
			r := answer.RejectReason
			p.RejectReason = &r
		}
	}
	if answer.DeliveryETA != nil && !sameTime(answer.DeliveryETA, stored.DeliveryETA) {
		p.DeliveryETA = answer.DeliveryETA
		changed = true
	}
	if answer.PickupETA != nil && !sameTime(answer.PickupETA, stored.PickupETA) {
		p.PickupETA = answer.PickupETA
		changed = true
	}
	return p, changed
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// afterChange keeps the reminder queue in line with the order: a confirmed,
// pending preorder has a reminder and nothing else does.
func (o *Orchestrator) afterChange(ctx context.Context, ord model.Order, b model.Business) {
	if o.Queue == nil {
		return
	}
	wantsReminder := ord.Status == model.StatusPending && ord.Preorder != nil && ord.Preorder.Status == model.PreorderConfirmed
	if wantsReminder {
		lead := b.PrepLeadMinutes
		if lead <= 0 {
			lead = o.cfg.LeadMinutes
		}
		if _, err := o.Queue.ScheduleReminder(ctx, ord, lead); err != nil {
			o.log.Error("schedule reminder", zap.Int64("order_id", ord.ID), zap.Error(err))
		}
		return
	}
	if ord.Preorder != nil {
		if err := o.Queue.CancelReminder(ctx, ord.ID); err != nil {
			o.log.Error("cancel reminder", zap.Int64("order_id", ord.ID), zap.Error(err))
		}
	}
}

func (o *Orchestrator) publish(ctx context.Context, b model.Business, kind string, ord model.Order) {
	if err := o.Events.Emit(ctx, b.PublicID, kind, orderEvent(ord, b, true)); err != nil {
		o.log.Warn("event relay failed", zap.String("type", kind), zap.Error(err))
	}
}

// UpdateStatus applies a merchant request: the channel is told first and the
// order is stored only once the channel accepted the change.
func (o *Orchestrator) UpdateStatus(ctx context.Context, orderID int64, req statemachine.Request) (model.Order, error) {
	req.Origin = statemachine.OriginMerchant
	stored, err := o.Store.GetOrder(ctx, orderID)
	if err != nil {
		return model.Order{}, err
	}
	b, err := o.Store.GetBusiness(ctx, stored.BusinessID)
	if err != nil {
		return model.Order{}, fmt.Errorf("load business %d: %w", stored.BusinessID, err)
	}
	d := statemachine.Decide(stored, req)
	if !d.Changed {
		if d.Warning != "" {
			return stored, fmt.Errorf("%w: %s", ErrTransitionRefused, d.Warning)
		}
		return stored, nil
	}
	a, err := o.Adapters.For(stored.Channel)
	if err != nil {
		return model.Order{}, err
	}
	answer := stored
	for _, cmd := range d.Commands {
		if answer, err = runCommand(ctx, a, stored, cmd); err != nil {
			return model.Order{}, fmt.Errorf("%s on %s: %w", cmd.Kind, stored.Channel, err)
		}
	}
	if d.Status == model.StatusRejected && answer.RejectReason == "" {
		answer.RejectReason = req.Reason
	}
	patch, changed := patchFor(stored, d, answer)
	if !changed {
		return stored, nil
	}
	updated, err := o.Store.UpdateOrder(ctx, stored.ID, patch)
	if err != nil {
		return model.Order{}, fmt.Errorf("update order %d: %w", stored.ID, err)
	}
	o.log.Info("merchant update", zap.Int64("order_id", updated.ID), zap.String("from", string(stored.Status)), zap.String("to", string(updated.Status)))
	o.afterChange(ctx, updated, b)
	o.pushMerchantUpdate(ctx, updated, b)
	o.publish(ctx, b, events.OrderStatusChanged, updated)
	return updated, nil
}

// pushMerchantUpdate notifies clients without holding up the merchant's call.
// The dispatcher's own timeouts bound the push.
func (o *Orchestrator) pushMerchantUpdate(ctx context.Context, ord model.Order, b model.Business) {
	ctx = context.WithoutCancel(ctx)
	o.pushes.Add(1)
	go func() {
		defer o.pushes.Done()
		o.Notifier.MerchantUpdated(ctx, ord, b)
	}()
}

// Wait blocks until background pushes finished.
func (o *Orchestrator) Wait() { o.pushes.Wait() }

func runCommand(ctx context.Context, a integrations.Adapter, o model.Order, cmd statemachine.Command) (model.Order, error) {
	switch cmd.Kind {
	case statemachine.CmdAccept:
		return a.UpdateOrder(ctx, o.ExternalID, integrations.Update{Status: model.StatusInProgress, PreparedInMinutes: cmd.PreparedInMinutes, Products: o.Products})
	case statemachine.CmdReady:
		return a.UpdateOrder(ctx, o.ExternalID, integrations.Update{Status: model.StatusCompleted})
	case statemachine.CmdDeliver:
		return a.UpdateOrder(ctx, o.ExternalID, integrations.Update{Status: model.StatusDelivered})
	case statemachine.CmdReject:
		return a.RejectOrder(ctx, o.ExternalID, cmd.Reason)
	case statemachine.CmdConfirmPreorder:
		return a.ConfirmPreorder(ctx, o.ExternalID)
	}
	return model.Order{}, fmt.Errorf("unknown command %q", cmd.Kind)
}

// CloseBusiness closes a business on one channel until the given time.
func (o *Orchestrator) CloseBusiness(ctx context.Context, businessID int64, channel model.Channel, until time.Time) (model.Business, error) {
	b, err := o.Queue.CloseBusiness(ctx, businessID, channel, until)
	if err != nil {
		return model.Business{}, err
	}
	if err := o.Events.Emit(ctx, b.PublicID, events.BusinessClosed, BusinessEvent{Business: b.PublicID, Channel: channel}); err != nil {
		o.log.Warn("event relay failed", zap.String("type", events.BusinessClosed), zap.Error(err))
	}
	return b, nil
}

func (o *Orchestrator) ReopenBusiness(ctx context.Context, businessID int64, channel model.Channel) (model.Business, error) {
	b, err := o.Queue.ReopenBusiness(ctx, businessID, channel)
	if err != nil {
		return model.Business{}, err
	}
	if err := o.Events.Emit(ctx, b.PublicID, events.BusinessReopened, BusinessEvent{Business: b.PublicID, Channel: channel, Open: true}); err != nil {
		o.log.Warn("event relay failed", zap.String("type", events.BusinessReopened), zap.Error(err))
	}
	return b, nil
}

// SyncOrders pulls the open orders of the given businesses from a channel and
// feeds each through the webhook path. Used to catch up after an outage.
func (o *Orchestrator) SyncOrders(ctx context.Context, channel model.Channel, businessIDs []int64) ([]Outcome, error) {
	a, err := o.Adapters.For(channel)
	if err != nil {
		return nil, err
	}
	var exts []string
	for _, id := range businessIDs {
		b, err := o.Store.GetBusiness(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load business %d: %w", id, err)
		}
		if ext := b.ExternalID(channel); ext != "" {
			exts = append(exts, ext)
		}
	}
	if len(exts) == 0 {
		return nil, nil
	}
	orders, err := a.ListOrdersByStatus(ctx, []model.Status{model.StatusPending, model.StatusInProgress}, exts)
	if err != nil {
		return nil, fmt.Errorf("list %s orders: %w", channel, err)
	}
	out := make([]Outcome, 0, len(orders))
	for _, ord := range orders {
		res, err := o.ingest(ctx, ord)
		if err != nil {
			o.log.Error("sync order", zap.String("channel", string(channel)), zap.String("external_id", ord.ExternalID), zap.Error(err))
			continue
		}
		out = append(out, res)
	}
	o.log.Info("sync done", zap.String("channel", string(channel)), zap.Int("orders", len(orders)), zap.Int("ingested", len(out)))
	return out, nil
}
