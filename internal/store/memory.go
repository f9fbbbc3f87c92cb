package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"orderhub/internal/model"
)

// Memory is a simple in-memory store used when no database is configured.
type Memory struct {
	mu        sync.Mutex
	nextOrder int64
	nextBiz   int64
	orders    map[int64]model.Order             // id -> order
	byExt     map[model.Channel]map[string]int64 // channel -> external id -> id
	biz       map[int64]model.Business
	queue     map[string]*model.QueueItem // id -> item
	queueKeys map[model.QueueKind]map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		orders:    map[int64]model.Order{},
		byExt:     map[model.Channel]map[string]int64{},
		biz:       map[int64]model.Business{},
		queue:     map[string]*model.QueueItem{},
		queueKeys: map[model.QueueKind]map[string]string{},
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) GetOrder(ctx context.Context, id int64) (model.Order, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok { return model.Order{}, ErrNotFound }
	return cloneOrder(o), nil
}

func (m *Memory) GetOrderByExternalID(ctx context.Context, channel model.Channel, externalID string) (model.Order, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	id, ok := m.byExt[channel][externalID]
	if !ok { return model.Order{}, ErrNotFound }
	return cloneOrder(m.orders[id]), nil
}

func (m *Memory) CreateOrder(ctx context.Context, o model.Order) (model.Order, bool, error) {
	if err := o.Validate(); err != nil { return model.Order{}, false, err }
	m.mu.Lock(); defer m.mu.Unlock()
	if id, ok := m.byExt[o.Channel][o.ExternalID]; ok {
		return cloneOrder(m.orders[id]), false, nil
	}
	m.nextOrder++
	o.ID = m.nextOrder
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() { o.CreatedAt = now }
	o.LastModified = now
	if m.byExt[o.Channel] == nil { m.byExt[o.Channel] = map[string]int64{} }
	m.byExt[o.Channel][o.ExternalID] = o.ID
	m.orders[o.ID] = cloneOrder(o)
	return o, true, nil
}

func (m *Memory) UpdateOrder(ctx context.Context, id int64, patch OrderPatch) (model.Order, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok { return model.Order{}, ErrNotFound }
	o = applyPatch(cloneOrder(o), patch)
	o.LastModified = time.Now().UTC()
	m.orders[id] = o
	return cloneOrder(o), nil
}

func (m *Memory) FindOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	out := []model.Order{}
	for _, o := range m.orders {
		if f.Channel != "" && o.Channel != f.Channel { continue }
		if f.BusinessID != 0 && o.BusinessID != f.BusinessID { continue }
		if len(f.Statuses) > 0 && !hasStatus(f.Statuses, o.Status) { continue }
		out = append(out, cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	limit, offset := pageBounds(f)
	if offset >= len(out) { return []model.Order{}, nil }
	out = out[offset:]
	if len(out) > limit { out = out[:limit] }
	return out, nil
}

func (m *Memory) GetBusiness(ctx context.Context, id int64) (model.Business, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	b, ok := m.biz[id]
	if !ok { return model.Business{}, ErrNotFound }
	return cloneBusiness(b), nil
}

func (m *Memory) GetBusinessByPublicID(ctx context.Context, publicID string) (model.Business, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	for _, b := range m.biz {
		if b.PublicID == publicID { return cloneBusiness(b), nil }
	}
	return model.Business{}, ErrNotFound
}

func (m *Memory) GetBusinessByExternalID(ctx context.Context, channel model.Channel, externalID string) (model.Business, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	for _, b := range m.biz {
		if externalID != "" && b.ExternalIDs[channel] == externalID { return cloneBusiness(b), nil }
	}
	return model.Business{}, ErrNotFound
}

func (m *Memory) SaveBusiness(ctx context.Context, b model.Business) (model.Business, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	if b.ID == 0 {
		m.nextBiz++
		b.ID = m.nextBiz
	} else if b.ID > m.nextBiz {
		m.nextBiz = b.ID
	}
	if b.PublicID == "" { b.PublicID = uuid.New().String() }
	m.biz[b.ID] = cloneBusiness(b)
	return b, nil
}

func (m *Memory) SetBusinessOpen(ctx context.Context, id int64, channel model.Channel, open bool) error {
	m.mu.Lock(); defer m.mu.Unlock()
	b, ok := m.biz[id]
	if !ok { return ErrNotFound }
	b = cloneBusiness(b)
	if b.Open == nil { b.Open = map[model.Channel]bool{} }
	b.Open[channel] = open
	m.biz[id] = b
	return nil
}

func (m *Memory) UpsertQueueItem(ctx context.Context, it model.QueueItem) (model.QueueItem, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	keys := m.queueKeys[it.Kind]
	if keys == nil {
		keys = map[string]string{}
		m.queueKeys[it.Kind] = keys
	}
	if id, ok := keys[it.Key]; ok {
		delete(m.queue, id)
	}
	it.ID = uuid.New().String()
	if it.CreatedAt.IsZero() { it.CreatedAt = time.Now().UTC() }
	it.Processing = false
	cp := it
	m.queue[it.ID] = &cp
	keys[it.Key] = it.ID
	return it, nil
}

func (m *Memory) ClaimDueQueueItems(ctx context.Context, kind model.QueueKind, from, to time.Time, limit int) ([]model.QueueItem, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	var due []*model.QueueItem
	for _, it := range m.queue {
		if it.Kind != kind || it.Processing { continue }
		if !from.IsZero() && it.DueTime.Before(from) { continue }
		if !it.DueTime.Before(to) { continue }
		due = append(due, it)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DueTime.Before(due[j].DueTime) })
	if limit <= 0 { limit = claimDefaultLimit }
	if len(due) > limit { due = due[:limit] }
	out := make([]model.QueueItem, 0, len(due))
	for _, it := range due {
		it.Processing = true
		out = append(out, *it)
	}
	return out, nil
}

func (m *Memory) DeleteQueueItem(ctx context.Context, id string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	it, ok := m.queue[id]
	if !ok { return nil }
	delete(m.queue, id)
	if m.queueKeys[it.Kind][it.Key] == id { delete(m.queueKeys[it.Kind], it.Key) }
	return nil
}

func (m *Memory) DeleteQueueItemByKey(ctx context.Context, kind model.QueueKind, key string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	if id, ok := m.queueKeys[kind][key]; ok {
		delete(m.queue, id)
		delete(m.queueKeys[kind], key)
	}
	return nil
}

func (m *Memory) ResetQueueItem(ctx context.Context, id string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	it, ok := m.queue[id]
	if !ok { return ErrNotFound }
	it.Processing = false
	return nil
}

func (m *Memory) ListQueueItems(ctx context.Context, kind model.QueueKind) ([]model.QueueItem, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	out := []model.QueueItem{}
	for _, it := range m.queue {
		if kind == "" || it.Kind == kind { out = append(out, *it) }
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueTime.Before(out[j].DueTime) })
	return out, nil
}

func hasStatus(list []model.Status, s model.Status) bool {
	for _, v := range list { if v == s { return true } }
	return false
}

func applyPatch(o model.Order, p OrderPatch) model.Order {
	if p.Status != nil { o.Status = *p.Status }
	if p.PreorderStatus != nil && o.Preorder != nil { o.Preorder.Status = *p.PreorderStatus }
	if p.RejectReason != nil { o.RejectReason = *p.RejectReason }
	if p.DeliveryETA != nil { t := *p.DeliveryETA; o.DeliveryETA = &t }
	if p.PickupETA != nil { t := *p.PickupETA; o.PickupETA = &t }
	if p.Summary != nil { o.Summary = *p.Summary }
	return o
}

func cloneOrder(o model.Order) model.Order {
	if o.Preorder != nil { p := *o.Preorder; o.Preorder = &p }
	if o.DeliveryETA != nil { t := *o.DeliveryETA; o.DeliveryETA = &t }
	if o.PickupETA != nil { t := *o.PickupETA; o.PickupETA = &t }
	if o.Products != nil {
		ps := make([]model.Product, len(o.Products))
		for i, p := range o.Products {
			p.Options = append([]model.Option(nil), p.Options...)
			ps[i] = p
		}
		o.Products = ps
	}
	o.Offers = append([]model.Offer(nil), o.Offers...)
	return o
}

func cloneBusiness(b model.Business) model.Business {
	ext := make(map[model.Channel]string, len(b.ExternalIDs))
	for k, v := range b.ExternalIDs { ext[k] = v }
	open := make(map[model.Channel]bool, len(b.Open))
	for k, v := range b.Open { open[k] = v }
	b.ExternalIDs, b.Open = ext, open
	return b
}
