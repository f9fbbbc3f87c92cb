package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"orderhub/internal/integrations"
	"orderhub/internal/model"
	"orderhub/internal/store"
)

type availabilityCall struct {
	ext   string
	open  bool
	until *time.Time
}

type fakeAdapter struct {
	mu      sync.Mutex
	channel model.Channel
	calls   []availabilityCall
	err     error
}

func (f *fakeAdapter) Channel() model.Channel {
	if f.channel == "" {
		return model.ChannelMarketplaceA
	}
	return f.channel
}
func (f *fakeAdapter) GetOrder(context.Context, string) (model.Order, error) {
	return model.Order{}, integrations.ErrUnsupported
}
func (f *fakeAdapter) ListOrdersByStatus(context.Context, []model.Status, []string) ([]model.Order, error) {
	return nil, integrations.ErrUnsupported
}
func (f *fakeAdapter) UpdateOrder(context.Context, string, integrations.Update) (model.Order, error) {
	return model.Order{}, integrations.ErrUnsupported
}
func (f *fakeAdapter) RejectOrder(context.Context, string, string) (model.Order, error) {
	return model.Order{}, integrations.ErrUnsupported
}
func (f *fakeAdapter) ConfirmPreorder(context.Context, string) (model.Order, error) {
	return model.Order{}, integrations.ErrUnsupported
}
func (f *fakeAdapter) MapWebhook([]byte) (model.Order, error) {
	return model.Order{}, integrations.ErrUnsupported
}
func (f *fakeAdapter) SetAvailability(_ context.Context, ext string, open bool, until *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, availabilityCall{ext: ext, open: open, until: until})
	return nil
}

type recordingNotifier struct {
	mu        sync.Mutex
	statuses  []bool
	reminders []int64
}

func (n *recordingNotifier) BusinessStatusChanged(_ context.Context, _ model.Business, _ model.Channel, open bool) {
	n.mu.Lock()
	n.statuses = append(n.statuses, open)
	n.mu.Unlock()
}

func (n *recordingNotifier) PreorderReminder(_ context.Context, o model.Order, _ model.Business) {
	n.mu.Lock()
	n.reminders = append(n.reminders, o.ID)
	n.mu.Unlock()
}

type countingReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *countingReporter) Report(_ context.Context, err error, _ ...zap.Field) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

type fixture struct {
	st      *store.Memory
	adapter *fakeAdapter
	notify  *recordingNotifier
	report  *countingReporter
	svc     *Service
	biz     model.Business
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		st:      store.NewMemory(),
		adapter: &fakeAdapter{},
		notify:  &recordingNotifier{},
		report:  &countingReporter{},
	}
	b, err := f.st.SaveBusiness(context.Background(), model.Business{
		PublicID:    "B1",
		ExternalIDs: map[model.Channel]string{model.ChannelMarketplaceA: "rest-1"},
	})
	require.NoError(t, err)
	f.biz = b
	f.svc = New(f.st, integrations.NewRegistry(f.adapter), f.notify, f.report, Config{}, nil)
	return f
}

func TestAvailabilityReopensOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

	_, err := f.svc.CloseBusiness(ctx, f.biz.ID, model.ChannelMarketplaceA, now.Add(30*time.Minute))
	require.NoError(t, err)
	stored, _ := f.st.GetBusiness(ctx, f.biz.ID)
	assert.False(t, stored.IsOpen(model.ChannelMarketplaceA))

	assert.Equal(t, 0, f.svc.ProcessAvailability(ctx, now.Add(29*time.Minute)))
	assert.Equal(t, 1, f.svc.ProcessAvailability(ctx, now.Add(31*time.Minute)))
	assert.Equal(t, 0, f.svc.ProcessAvailability(ctx, now.Add(32*time.Minute)))

	stored, _ = f.st.GetBusiness(ctx, f.biz.ID)
	assert.True(t, stored.IsOpen(model.ChannelMarketplaceA))
	require.Len(t, f.adapter.calls, 2)
	assert.False(t, f.adapter.calls[0].open)
	require.NotNil(t, f.adapter.calls[0].until)
	assert.True(t, f.adapter.calls[1].open)
	assert.Equal(t, []bool{false, true}, f.notify.statuses)

	items, _ := f.st.ListQueueItems(ctx, model.QueueAvailability)
	assert.Empty(t, items)
}

func TestCloseOverwritesPendingReopen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

	_, err := f.svc.CloseBusiness(ctx, f.biz.ID, model.ChannelMarketplaceA, now.Add(10*time.Minute))
	require.NoError(t, err)
	_, err = f.svc.CloseBusiness(ctx, f.biz.ID, model.ChannelMarketplaceA, now.Add(time.Hour))
	require.NoError(t, err)

	items, _ := f.st.ListQueueItems(ctx, model.QueueAvailability)
	require.Len(t, items, 1)
	assert.Equal(t, now.Add(time.Hour), items[0].DueTime)
	assert.Equal(t, 0, f.svc.ProcessAvailability(ctx, now.Add(20*time.Minute)))
}

func TestReopenNowDropsQueuedItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CloseBusiness(ctx, f.biz.ID, model.ChannelMarketplaceA, time.Now().Add(time.Hour))
	require.NoError(t, err)

	b, err := f.svc.ReopenBusiness(ctx, f.biz.ID, model.ChannelMarketplaceA)
	require.NoError(t, err)
	assert.True(t, b.IsOpen(model.ChannelMarketplaceA))
	items, _ := f.st.ListQueueItems(ctx, model.QueueAvailability)
	assert.Empty(t, items)
}

// twoChannels links B1 to marketplace_b as well and logs warnings to logs.
func twoChannels(t *testing.T, f *fixture) *observer.ObservedLogs {
	t.Helper()
	b := f.biz
	b.ExternalIDs = map[model.Channel]string{model.ChannelMarketplaceA: "rest-1", model.ChannelMarketplaceB: "mb-1"}
	b, err := f.st.SaveBusiness(context.Background(), b)
	require.NoError(t, err)
	f.biz = b
	core, logs := observer.New(zap.WarnLevel)
	reg := integrations.NewRegistry(f.adapter, &fakeAdapter{channel: model.ChannelMarketplaceB})
	f.svc = New(f.st, reg, f.notify, f.report, Config{}, zap.New(core))
	return logs
}

func TestReopenOtherChannelKeepsQueuedReopen(t *testing.T) {
	f := newFixture(t)
	twoChannels(t, f)
	ctx := context.Background()
	due := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	_, err := f.svc.CloseBusiness(ctx, f.biz.ID, model.ChannelMarketplaceA, due)
	require.NoError(t, err)
	_, err = f.svc.ReopenBusiness(ctx, f.biz.ID, model.ChannelMarketplaceB)
	require.NoError(t, err)
	_, err = f.svc.CloseBusiness(ctx, f.biz.ID, model.ChannelMarketplaceB, time.Time{})
	require.NoError(t, err)

	items, _ := f.st.ListQueueItems(ctx, model.QueueAvailability)
	require.Len(t, items, 1)
	assert.Equal(t, model.ChannelMarketplaceA, items[0].Provider)
	assert.True(t, items[0].DueTime.Equal(due))
}

func TestCloseOnOtherChannelWarnsWhenReplacingReopen(t *testing.T) {
	f := newFixture(t)
	logs := twoChannels(t, f)
	ctx := context.Background()

	_, err := f.svc.CloseBusiness(ctx, f.biz.ID, model.ChannelMarketplaceA, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, logs.Len())
	_, err = f.svc.CloseBusiness(ctx, f.biz.ID, model.ChannelMarketplaceB, time.Now().Add(2*time.Hour))
	require.NoError(t, err)

	warned := logs.FilterMessage("close replaces reopen queued for another channel").All()
	require.Len(t, warned, 1)
	assert.Equal(t, string(model.ChannelMarketplaceA), warned[0].ContextMap()["replaced_channel"])
	items, _ := f.st.ListQueueItems(ctx, model.QueueAvailability)
	require.Len(t, items, 1)
	assert.Equal(t, model.ChannelMarketplaceB, items[0].Provider)
}

func TestCloseUnlinkedChannel(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CloseBusiness(context.Background(), f.biz.ID, model.ChannelNative, time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrNoExternalID)
}

func TestFailureLeavesItemClaimed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	_, err := f.svc.CloseBusiness(ctx, f.biz.ID, model.ChannelMarketplaceA, now.Add(time.Minute))
	require.NoError(t, err)

	f.adapter.err = errors.New("channel down")
	assert.Equal(t, 0, f.svc.ProcessAvailability(ctx, now.Add(2*time.Minute)))
	require.Len(t, f.report.errs, 1)

	items, _ := f.st.ListQueueItems(ctx, model.QueueAvailability)
	require.Len(t, items, 1)
	assert.True(t, items[0].Processing)

	f.adapter.err = nil
	assert.Equal(t, 0, f.svc.ProcessAvailability(ctx, now.Add(3*time.Minute)), "claimed items are not picked up again")

	require.NoError(t, f.svc.ResetItem(ctx, items[0].ID))
	assert.Equal(t, 1, f.svc.ProcessAvailability(ctx, now.Add(4*time.Minute)))
}

func seedPreorder(t *testing.T, f *fixture, ext string, at time.Time) model.Order {
	t.Helper()
	o, _, err := f.st.CreateOrder(context.Background(), model.Order{
		Channel:    model.ChannelMarketplaceA,
		ExternalID: ext,
		BusinessID: f.biz.ID,
		Status:     model.StatusPending,
		Preorder:   &model.Preorder{Status: model.PreorderConfirmed, Time: at},
	})
	require.NoError(t, err)
	return o
}

func TestReminderFiresOnlyInItsMinute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 15, 12, 0, 20, 0, time.UTC)

	onTime := seedPreorder(t, f, "p1", time.Date(2026, 10, 15, 12, 30, 0, 0, time.UTC))
	overdue := seedPreorder(t, f, "p2", time.Date(2026, 10, 15, 12, 29, 0, 0, time.UTC))
	_, err := f.svc.ScheduleReminder(ctx, onTime, 30)
	require.NoError(t, err)
	_, err = f.svc.ScheduleReminder(ctx, overdue, 30)
	require.NoError(t, err)

	assert.Equal(t, 1, f.svc.ProcessReminders(ctx, now))
	assert.Equal(t, []int64{onTime.ID}, f.notify.reminders)

	assert.Equal(t, 0, f.svc.ProcessReminders(ctx, now.Add(time.Minute)))
	items, _ := f.st.ListQueueItems(ctx, model.QueuePreorder)
	require.Len(t, items, 1, "overdue reminder is never claimed")
	assert.Equal(t, "2", items[0].Key)
	assert.False(t, items[0].Processing)
}

func TestReminderRescheduleAndCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := seedPreorder(t, f, "p1", time.Date(2026, 10, 15, 18, 0, 0, 0, time.UTC))

	_, err := f.svc.ScheduleReminder(ctx, o, 30)
	require.NoError(t, err)
	it, err := f.svc.ScheduleReminder(ctx, o, 45)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 15, 17, 15, 0, 0, time.UTC), it.DueTime)

	items, _ := f.svc.Items(ctx, model.QueuePreorder)
	assert.Len(t, items, 1)

	require.NoError(t, f.svc.CancelReminder(ctx, o.ID))
	items, _ = f.svc.Items(ctx, model.QueuePreorder)
	assert.Empty(t, items)
}

func TestReminderSkipsFinishedOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := time.Date(2026, 10, 15, 12, 30, 0, 0, time.UTC)
	o := seedPreorder(t, f, "p1", at)
	_, err := f.svc.ScheduleReminder(ctx, o, 30)
	require.NoError(t, err)
	rejected := model.StatusRejected
	_, err = f.st.UpdateOrder(ctx, o.ID, store.OrderPatch{Status: &rejected})
	require.NoError(t, err)

	assert.Equal(t, 1, f.svc.ProcessReminders(ctx, ReminderDue(at, 30)))
	assert.Empty(t, f.notify.reminders)
}

func TestScheduleReminderNeedsPreorder(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ScheduleReminder(context.Background(), model.Order{ID: 1, BusinessID: f.biz.ID}, 30)
	assert.Error(t, err)
}

func TestPollerRunsBothQueues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CloseBusiness(ctx, f.biz.ID, model.ChannelMarketplaceA, time.Now().Add(-time.Second))
	require.NoError(t, err)

	f.svc.cfg.PollInterval = 10 * time.Millisecond
	f.svc.Start(ctx)
	defer f.svc.Stop()
	require.Eventually(t, func() bool {
		items, _ := f.st.ListQueueItems(ctx, model.QueueAvailability)
		return len(items) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
