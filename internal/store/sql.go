package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"orderhub/internal/model"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const claimDefaultLimit = 50

// SQL is the database/sql backed store. Postgres goes through pgx, SQLite
// through modernc; queries are written with ? and rebound for Postgres.
type SQL struct {
	db     *sql.DB
	driver string
}

func OpenSQL(ctx context.Context, driver, dsn string) (*SQL, error) {
	var name string
	switch driver {
	case DriverPostgres:
		name = "pgx"
	case DriverSQLite:
		name = "sqlite"
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	s := &SQL{db: db, driver: driver}
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", driver, err)
	}
	return s, nil
}

func (s *SQL) Close() error { return s.db.Close() }

func (s *SQL) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQL) migrate(ctx context.Context) error {
	schema := schemaSQLite
	if s.driver == DriverPostgres {
		schema = schemaPostgres
	}
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// q rewrites ? placeholders to $n for Postgres.
func (s *SQL) q(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	n := 0
	var b strings.Builder
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *SQL) forUpdate() string {
	if s.driver == DriverPostgres {
		return " FOR UPDATE"
	}
	return ""
}

type rowScanner interface {
	Scan(dest ...any) error
}

const orderCols = `id, status, preorder_status, reject_reason, body, created_at, last_modified`

func scanOrder(r rowScanner) (model.Order, error) {
	var (
		o                     model.Order
		id, created, modified int64
		status, pre, reason   string
		body                  string
	)
	if err := r.Scan(&id, &status, &pre, &reason, &body, &created, &modified); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return o, ErrNotFound
		}
		return o, err
	}
	if err := json.Unmarshal([]byte(body), &o); err != nil {
		return o, fmt.Errorf("decode order %d: %w", id, err)
	}
	o.ID = id
	o.Status = model.Status(status)
	o.RejectReason = reason
	if o.Preorder != nil && pre != "" {
		o.Preorder.Status = model.PreorderStatus(pre)
	}
	o.CreatedAt = time.UnixMilli(created).UTC()
	o.LastModified = time.UnixMilli(modified).UTC()
	return o, nil
}

func preorderStatus(o model.Order) string {
	if o.Preorder == nil {
		return ""
	}
	return string(o.Preorder.Status)
}

func (s *SQL) GetOrder(ctx context.Context, id int64) (model.Order, error) {
	return scanOrder(s.db.QueryRowContext(ctx, s.q(`SELECT `+orderCols+` FROM orders WHERE id=?`), id))
}

func (s *SQL) GetOrderByExternalID(ctx context.Context, channel model.Channel, externalID string) (model.Order, error) {
	return scanOrder(s.db.QueryRowContext(ctx, s.q(`SELECT `+orderCols+` FROM orders WHERE channel=? AND external_id=?`), string(channel), externalID))
}

// CreateOrder inserts the order unless (channel, external id) is already known.
func (s *SQL) CreateOrder(ctx context.Context, o model.Order) (model.Order, bool, error) {
	if err := o.Validate(); err != nil {
		return model.Order{}, false, err
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.LastModified = now
	o.ID = 0
	body, err := json.Marshal(o)
	if err != nil {
		return model.Order{}, false, err
	}
	var id int64
	err = s.db.QueryRowContext(ctx, s.q(`INSERT INTO orders (channel, external_id, business_id, status, preorder_status, reject_reason, body, created_at, last_modified)
        VALUES (?,?,?,?,?,?,?,?,?) ON CONFLICT (channel, external_id) DO NOTHING RETURNING id`),
		string(o.Channel), o.ExternalID, o.BusinessID, string(o.Status), preorderStatus(o), o.RejectReason, string(body),
		o.CreatedAt.UnixMilli(), o.LastModified.UnixMilli()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		existing, gerr := s.GetOrderByExternalID(ctx, o.Channel, o.ExternalID)
		return existing, false, gerr
	}
	if err != nil {
		return model.Order{}, false, err
	}
	o.ID = id
	o.CreatedAt = time.UnixMilli(o.CreatedAt.UnixMilli()).UTC()
	o.LastModified = time.UnixMilli(o.LastModified.UnixMilli()).UTC()
	return o, true, nil
}

func (s *SQL) UpdateOrder(ctx context.Context, id int64, patch OrderPatch) (model.Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Order{}, err
	}
	defer func() { _ = tx.Rollback() }()

	o, err := scanOrder(tx.QueryRowContext(ctx, s.q(`SELECT `+orderCols+` FROM orders WHERE id=?`+s.forUpdate()), id))
	if err != nil {
		return model.Order{}, err
	}
	o = applyPatch(o, patch)
	o.LastModified = time.Now().UTC()
	stored := o
	stored.ID = 0
	body, err := json.Marshal(stored)
	if err != nil {
		return model.Order{}, err
	}
	_, err = tx.ExecContext(ctx, s.q(`UPDATE orders SET status=?, preorder_status=?, reject_reason=?, body=?, last_modified=? WHERE id=?`),
		string(o.Status), preorderStatus(o), o.RejectReason, string(body), o.LastModified.UnixMilli(), id)
	if err != nil {
		return model.Order{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Order{}, err
	}
	o.LastModified = time.UnixMilli(o.LastModified.UnixMilli()).UTC()
	return o, nil
}

func (s *SQL) FindOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	limit, offset := pageBounds(f)
	where := []string{"1=1"}
	args := []any{}
	if f.Channel != "" {
		where = append(where, "channel=?")
		args = append(args, string(f.Channel))
	}
	if f.BusinessID != 0 {
		where = append(where, "business_id=?")
		args = append(args, f.BusinessID)
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ",")+")")
	}
	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+orderCols+` FROM orders WHERE `+strings.Join(where, " AND ")+` ORDER BY id DESC LIMIT ? OFFSET ?`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQL) GetBusiness(ctx context.Context, id int64) (model.Business, error) {
	return s.loadBusiness(ctx, `id=?`, id)
}

func (s *SQL) GetBusinessByPublicID(ctx context.Context, publicID string) (model.Business, error) {
	return s.loadBusiness(ctx, `public_id=?`, publicID)
}

func (s *SQL) GetBusinessByExternalID(ctx context.Context, channel model.Channel, externalID string) (model.Business, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT business_id FROM business_channels WHERE channel=? AND external_id=? AND external_id <> ''`),
		string(channel), externalID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Business{}, ErrNotFound
	}
	if err != nil {
		return model.Business{}, err
	}
	return s.GetBusiness(ctx, id)
}

func (s *SQL) loadBusiness(ctx context.Context, cond string, arg any) (model.Business, error) {
	var b model.Business
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, public_id, name, prep_lead_minutes FROM businesses WHERE `+cond), arg).
		Scan(&b.ID, &b.PublicID, &b.Name, &b.PrepLeadMinutes)
	if errors.Is(err, sql.ErrNoRows) {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT channel, external_id, open FROM business_channels WHERE business_id=?`), b.ID)
	if err != nil {
		return b, err
	}
	defer rows.Close()
	b.ExternalIDs = map[model.Channel]string{}
	b.Open = map[model.Channel]bool{}
	for rows.Next() {
		var ch, ext string
		var open int
		if err := rows.Scan(&ch, &ext, &open); err != nil {
			return b, err
		}
		if ext != "" {
			b.ExternalIDs[model.Channel(ch)] = ext
		}
		b.Open[model.Channel(ch)] = open != 0
	}
	return b, rows.Err()
}

func (s *SQL) SaveBusiness(ctx context.Context, b model.Business) (model.Business, error) {
	if b.PublicID == "" {
		b.PublicID = uuid.New().String()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return b, err
	}
	defer func() { _ = tx.Rollback() }()
	if b.ID == 0 {
		err = tx.QueryRowContext(ctx, s.q(`INSERT INTO businesses (public_id, name, prep_lead_minutes) VALUES (?,?,?) RETURNING id`),
			b.PublicID, b.Name, b.PrepLeadMinutes).Scan(&b.ID)
	} else {
		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO businesses (id, public_id, name, prep_lead_minutes) VALUES (?,?,?,?)
            ON CONFLICT (id) DO UPDATE SET public_id=excluded.public_id, name=excluded.name, prep_lead_minutes=excluded.prep_lead_minutes`),
			b.ID, b.PublicID, b.Name, b.PrepLeadMinutes)
	}
	if err != nil {
		return b, err
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM business_channels WHERE business_id=?`), b.ID); err != nil {
		return b, err
	}
	for _, ch := range model.Channels {
		ext, hasExt := b.ExternalIDs[ch]
		_, hasOpen := b.Open[ch]
		if !hasExt && !hasOpen {
			continue
		}
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO business_channels (business_id, channel, external_id, open) VALUES (?,?,?,?)`),
			b.ID, string(ch), ext, boolInt(b.IsOpen(ch))); err != nil {
			return b, err
		}
	}
	return b, tx.Commit()
}

func (s *SQL) SetBusinessOpen(ctx context.Context, id int64, channel model.Channel, open bool) error {
	var exists int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM businesses WHERE id=?`), id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO business_channels (business_id, channel, open) VALUES (?,?,?)
        ON CONFLICT (business_id, channel) DO UPDATE SET open=excluded.open`), id, string(channel), boolInt(open))
	return err
}

const queueCols = `id, kind, item_key, business_public_id, user_public_id, provider, due_time, processing, payload, created_at`

func scanQueueItem(r rowScanner) (model.QueueItem, error) {
	var (
		it                model.QueueItem
		kind, provider    string
		due, created      int64
		processing        int
		payload           string
	)
	if err := r.Scan(&it.ID, &kind, &it.Key, &it.BusinessPublicID, &it.UserPublicID, &provider, &due, &processing, &payload, &created); err != nil {
		return it, err
	}
	it.Kind = model.QueueKind(kind)
	it.Provider = model.Channel(provider)
	it.DueTime = time.UnixMilli(due).UTC()
	it.CreatedAt = time.UnixMilli(created).UTC()
	it.Processing = processing != 0
	if payload != "" {
		it.Payload = json.RawMessage(payload)
	}
	return it, nil
}

// UpsertQueueItem replaces any item with the same (kind, key); the
// replacement gets a fresh id and an idle claim flag.
func (s *SQL) UpsertQueueItem(ctx context.Context, it model.QueueItem) (model.QueueItem, error) {
	it.ID = uuid.New().String()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now().UTC()
	}
	it.Processing = false
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO queue_items (`+queueCols+`) VALUES (?,?,?,?,?,?,?,0,?,?)
        ON CONFLICT (kind, item_key) DO UPDATE SET id=excluded.id, business_public_id=excluded.business_public_id,
        user_public_id=excluded.user_public_id, provider=excluded.provider, due_time=excluded.due_time,
        processing=0, payload=excluded.payload, created_at=excluded.created_at`),
		it.ID, string(it.Kind), it.Key, it.BusinessPublicID, it.UserPublicID, string(it.Provider),
		it.DueTime.UnixMilli(), string(it.Payload), it.CreatedAt.UnixMilli())
	if err != nil {
		return model.QueueItem{}, err
	}
	return it, nil
}

func (s *SQL) ClaimDueQueueItems(ctx context.Context, kind model.QueueKind, from, to time.Time, limit int) ([]model.QueueItem, error) {
	if limit <= 0 {
		limit = claimDefaultLimit
	}
	lo := int64(math.MinInt64)
	if !from.IsZero() {
		lo = from.UnixMilli()
	}
	lock := ""
	if s.driver == DriverPostgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}
	rows, err := s.db.QueryContext(ctx, s.q(`UPDATE queue_items SET processing=1
        WHERE processing=0 AND id IN (
            SELECT id FROM queue_items WHERE kind=? AND processing=0 AND due_time >= ? AND due_time < ?
            ORDER BY due_time LIMIT ?`+lock+`)
        RETURNING `+queueCols), string(kind), lo, to.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.QueueItem{}
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueTime.Before(out[j].DueTime) })
	return out, nil
}

func (s *SQL) DeleteQueueItem(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM queue_items WHERE id=?`), id)
	return err
}

func (s *SQL) DeleteQueueItemByKey(ctx context.Context, kind model.QueueKind, key string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM queue_items WHERE kind=? AND item_key=?`), string(kind), key)
	return err
}

func (s *SQL) ResetQueueItem(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE queue_items SET processing=0 WHERE id=?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQL) ListQueueItems(ctx context.Context, kind model.QueueKind) ([]model.QueueItem, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if kind == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+queueCols+` FROM queue_items ORDER BY due_time`)
	} else {
		rows, err = s.db.QueryContext(ctx, s.q(`SELECT `+queueCols+` FROM queue_items WHERE kind=? ORDER BY due_time`), string(kind))
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.QueueItem{}
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func pageBounds(f OrderFilter) (limit, offset int) {
	limit = f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset = f.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
