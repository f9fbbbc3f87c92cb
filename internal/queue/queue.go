// Package queue runs the deferred business-availability and preorder-reminder
// tasks. Both queues share one claim, process, delete cycle.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"orderhub/internal/integrations"
	"orderhub/internal/logging"
	"orderhub/internal/metrics"
	"orderhub/internal/model"
	"orderhub/internal/store"
)

var ErrNoExternalID = errors.New("business has no id on channel")

// Notifier pushes queue outcomes to connected clients.
type Notifier interface {
	BusinessStatusChanged(ctx context.Context, b model.Business, channel model.Channel, open bool)
	PreorderReminder(ctx context.Context, o model.Order, b model.Business)
}

// Adapters resolves the adapter of a channel. *integrations.Registry satisfies it.
type Adapters interface {
	For(c model.Channel) (integrations.Adapter, error)
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

type Service struct {
	store    store.Store
	adapters Adapters
	notify   Notifier
	report   ErrorReporter
	log      *zap.Logger
	cfg      Config
	now      func() time.Time

	stop chan struct{}
	done chan struct{}
}

func New(st store.Store, adapters Adapters, notify Notifier, report ErrorReporter, cfg Config, log *zap.Logger) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	log = logging.OrNop(log)
	if report == nil {
		report = LogReporter{Log: log}
	}
	if notify == nil {
		notify = nopNotifier{}
	}
	return &Service{
		store:    st,
		adapters: adapters,
		notify:   notify,
		report:   report,
		log:      log.With(zap.String("component", "queue")),
		cfg:      cfg,
		now:      time.Now,
	}
}

type availabilityPayload struct {
	Until time.Time `json:"until"`
}

type reminderPayload struct {
	OrderID      int64     `json:"orderId"`
	ExternalID   string    `json:"externalId"`
	PreorderTime time.Time `json:"preorderTime"`
}

// CloseBusiness switches the business off on channel. A non-zero until
// schedules the reopen, replacing any reopen already queued for the business.
func (s *Service) CloseBusiness(ctx context.Context, businessID int64, channel model.Channel, until time.Time) (model.Business, error) {
	b, err := s.store.GetBusiness(ctx, businessID)
	if err != nil {
		return model.Business{}, fmt.Errorf("load business %d: %w", businessID, err)
	}
	if err := s.setAvailability(ctx, b, channel, false, until); err != nil {
		return model.Business{}, err
	}
	pending, queued, err := s.queuedReopen(ctx, b.PublicID)
	if err != nil {
		return model.Business{}, err
	}
	if until.IsZero() {
		if queued && pending.Provider == channel {
			if err := s.store.DeleteQueueItem(ctx, pending.ID); err != nil {
				return model.Business{}, err
			}
		}
	} else {
		if queued && pending.Provider != channel {
			// one reopen per business; the other channel stays closed until reopened by hand
			s.log.Warn("close replaces reopen queued for another channel",
				zap.String("business", b.PublicID),
				zap.String("replaced_channel", string(pending.Provider)),
				zap.Time("replaced_due", pending.DueTime),
				zap.String("channel", string(channel)))
		}
		payload, _ := json.Marshal(availabilityPayload{Until: until.UTC()})
		_, err := s.store.UpsertQueueItem(ctx, model.QueueItem{
			Kind:             model.QueueAvailability,
			Key:              b.PublicID,
			BusinessPublicID: b.PublicID,
			Provider:         channel,
			DueTime:          until.UTC(),
			Payload:          payload,
		})
		if err != nil {
			return model.Business{}, fmt.Errorf("queue reopen: %w", err)
		}
	}
	b = markOpen(b, channel, false)
	s.notify.BusinessStatusChanged(ctx, b, channel, false)
	s.log.Info("business closed", zap.String("business", b.PublicID), zap.String("channel", string(channel)), zap.Time("until", until))
	return b, nil
}

// ReopenBusiness switches the business on now and drops the queued reopen
// when it belongs to the same channel.
func (s *Service) ReopenBusiness(ctx context.Context, businessID int64, channel model.Channel) (model.Business, error) {
	b, err := s.store.GetBusiness(ctx, businessID)
	if err != nil {
		return model.Business{}, fmt.Errorf("load business %d: %w", businessID, err)
	}
	pending, queued, err := s.queuedReopen(ctx, b.PublicID)
	if err != nil {
		return model.Business{}, err
	}
	if queued && pending.Provider == channel {
		if err := s.store.DeleteQueueItem(ctx, pending.ID); err != nil {
			return model.Business{}, err
		}
	}
	return s.reopen(ctx, b, channel)
}

func (s *Service) queuedReopen(ctx context.Context, key string) (model.QueueItem, bool, error) {
	items, err := s.store.ListQueueItems(ctx, model.QueueAvailability)
	if err != nil {
		return model.QueueItem{}, false, fmt.Errorf("list queued reopens: %w", err)
	}
	for _, it := range items {
		if it.Key == key {
			return it, true, nil
		}
	}
	return model.QueueItem{}, false, nil
}

func (s *Service) reopen(ctx context.Context, b model.Business, channel model.Channel) (model.Business, error) {
	if err := s.setAvailability(ctx, b, channel, true, time.Time{}); err != nil {
		return model.Business{}, err
	}
	b = markOpen(b, channel, true)
	s.notify.BusinessStatusChanged(ctx, b, channel, true)
	s.log.Info("business reopened", zap.String("business", b.PublicID), zap.String("channel", string(channel)))
	return b, nil
}

func (s *Service) setAvailability(ctx context.Context, b model.Business, channel model.Channel, open bool, until time.Time) error {
	ext := b.ExternalID(channel)
	if ext == "" {
		return fmt.Errorf("%w: %s %s", ErrNoExternalID, b.PublicID, channel)
	}
	a, err := s.adapters.For(channel)
	if err != nil {
		return err
	}
	var untilp *time.Time
	if !until.IsZero() {
		u := until.UTC()
		untilp = &u
	}
	if err := a.SetAvailability(ctx, ext, open, untilp); err != nil {
		return fmt.Errorf("set availability on %s: %w", channel, err)
	}
	return s.store.SetBusinessOpen(ctx, b.ID, channel, open)
}

func markOpen(b model.Business, channel model.Channel, open bool) model.Business {
	m := make(map[model.Channel]bool, len(b.Open)+1)
	for k, v := range b.Open {
		m[k] = v
	}
	m[channel] = open
	b.Open = m
	return b
}

// ReminderDue is when the merchant should be reminded about a preorder.
func ReminderDue(preorderTime time.Time, leadMinutes int) time.Time {
	return preorderTime.Add(-time.Duration(leadMinutes) * time.Minute).UTC()
}

// ScheduleReminder queues the preorder reminder of o, replacing an earlier one.
func (s *Service) ScheduleReminder(ctx context.Context, o model.Order, leadMinutes int) (model.QueueItem, error) {
	if o.Preorder == nil || o.Preorder.Time.IsZero() {
		return model.QueueItem{}, fmt.Errorf("order %d is not a preorder", o.ID)
	}
	b, err := s.store.GetBusiness(ctx, o.BusinessID)
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("load business %d: %w", o.BusinessID, err)
	}
	payload, _ := json.Marshal(reminderPayload{OrderID: o.ID, ExternalID: o.ExternalID, PreorderTime: o.Preorder.Time.UTC()})
	return s.store.UpsertQueueItem(ctx, model.QueueItem{
		Kind:             model.QueuePreorder,
		Key:              strconv.FormatInt(o.ID, 10),
		BusinessPublicID: b.PublicID,
		Provider:         o.Channel,
		DueTime:          ReminderDue(o.Preorder.Time, leadMinutes),
		Payload:          payload,
	})
}

func (s *Service) CancelReminder(ctx context.Context, orderID int64) error {
	return s.store.DeleteQueueItemByKey(ctx, model.QueuePreorder, strconv.FormatInt(orderID, 10))
}

// ProcessAvailability reopens every business whose close period ended before now.
func (s *Service) ProcessAvailability(ctx context.Context, now time.Time) int {
	items, err := s.store.ClaimDueQueueItems(ctx, model.QueueAvailability, time.Time{}, now, s.cfg.BatchSize)
	if err != nil {
		s.report.Report(ctx, fmt.Errorf("claim availability items: %w", err))
		return 0
	}
	done := 0
	for _, it := range items {
		if err := s.reopenItem(ctx, it); err != nil {
			s.fail(ctx, it, err)
			continue
		}
		s.complete(ctx, it)
		done++
	}
	return done
}

func (s *Service) reopenItem(ctx context.Context, it model.QueueItem) error {
	b, err := s.store.GetBusinessByPublicID(ctx, it.BusinessPublicID)
	if err != nil {
		return fmt.Errorf("load business %s: %w", it.BusinessPublicID, err)
	}
	_, err = s.reopen(ctx, b, it.Provider)
	return err
}

// ProcessReminders fires the reminders whose due time falls in the minute of
// now. Items that missed their minute stay queued and never fire.
func (s *Service) ProcessReminders(ctx context.Context, now time.Time) int {
	from := now.UTC().Truncate(time.Minute)
	items, err := s.store.ClaimDueQueueItems(ctx, model.QueuePreorder, from, from.Add(time.Minute), s.cfg.BatchSize)
	if err != nil {
		s.report.Report(ctx, fmt.Errorf("claim preorder items: %w", err))
		return 0
	}
	done := 0
	for _, it := range items {
		if err := s.remind(ctx, it); err != nil {
			s.fail(ctx, it, err)
			continue
		}
		s.complete(ctx, it)
		done++
	}
	return done
}

func (s *Service) remind(ctx context.Context, it model.QueueItem) error {
	id, err := strconv.ParseInt(it.Key, 10, 64)
	if err != nil {
		return fmt.Errorf("bad preorder key %q: %w", it.Key, err)
	}
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return fmt.Errorf("load order %d: %w", id, err)
	}
	if o.Status.Terminal() {
		s.log.Info("skip reminder for finished order", zap.Int64("order_id", o.ID), zap.String("status", string(o.Status)))
		return nil
	}
	b, err := s.store.GetBusiness(ctx, o.BusinessID)
	if err != nil {
		return fmt.Errorf("load business %d: %w", o.BusinessID, err)
	}
	s.notify.PreorderReminder(ctx, o, b)
	return nil
}

func (s *Service) complete(ctx context.Context, it model.QueueItem) {
	if err := s.store.DeleteQueueItem(ctx, it.ID); err != nil {
		s.report.Report(ctx, fmt.Errorf("delete queue item %s: %w", it.ID, err), zap.String("kind", string(it.Kind)))
	}
	metrics.QueueItems.WithLabelValues(string(it.Kind), "processed").Inc()
}

// fail leaves the item claimed. ResetItem releases it.
func (s *Service) fail(ctx context.Context, it model.QueueItem, err error) {
	metrics.QueueItems.WithLabelValues(string(it.Kind), "failed").Inc()
	s.report.Report(ctx, err, zap.String("kind", string(it.Kind)), zap.String("item", it.ID), zap.String("key", it.Key))
}

// ResetItem clears the claim flag of a stranded item so the next cycle retries it.
func (s *Service) ResetItem(ctx context.Context, id string) error {
	return s.store.ResetQueueItem(ctx, id)
}

func (s *Service) Items(ctx context.Context, kind model.QueueKind) ([]model.QueueItem, error) {
	return s.store.ListQueueItems(ctx, kind)
}

type nopNotifier struct{}

func (nopNotifier) BusinessStatusChanged(context.Context, model.Business, model.Channel, bool) {}
func (nopNotifier) PreorderReminder(context.Context, model.Order, model.Business)              {}
