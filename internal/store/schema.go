package store

// Times are stored as unix milliseconds so that range predicates compare the
// same way on both drivers.

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS orders (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	channel          TEXT NOT NULL,
	external_id      TEXT NOT NULL,
	business_id      INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	preorder_status  TEXT NOT NULL DEFAULT '',
	reject_reason    TEXT NOT NULL DEFAULT '',
	body             TEXT NOT NULL,
	created_at       INTEGER NOT NULL,
	last_modified    INTEGER NOT NULL,
	UNIQUE (channel, external_id)
);
CREATE INDEX IF NOT EXISTS idx_orders_business ON orders (business_id, status);

CREATE TABLE IF NOT EXISTS businesses (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	public_id         TEXT NOT NULL UNIQUE,
	name              TEXT NOT NULL DEFAULT '',
	prep_lead_minutes INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS business_channels (
	business_id INTEGER NOT NULL REFERENCES businesses(id),
	channel     TEXT NOT NULL,
	external_id TEXT NOT NULL DEFAULT '',
	open        INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (business_id, channel)
);
CREATE INDEX IF NOT EXISTS idx_business_channels_ext ON business_channels (channel, external_id);

CREATE TABLE IF NOT EXISTS queue_items (
	id                 TEXT PRIMARY KEY,
	kind               TEXT NOT NULL,
	item_key           TEXT NOT NULL,
	business_public_id TEXT NOT NULL DEFAULT '',
	user_public_id     TEXT NOT NULL DEFAULT '',
	provider           TEXT NOT NULL DEFAULT '',
	due_time           INTEGER NOT NULL,
	processing         INTEGER NOT NULL DEFAULT 0,
	payload            TEXT NOT NULL DEFAULT '',
	created_at         INTEGER NOT NULL,
	UNIQUE (kind, item_key)
);
CREATE INDEX IF NOT EXISTS idx_queue_due ON queue_items (kind, processing, due_time);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS orders (
	id               BIGSERIAL PRIMARY KEY,
	channel          TEXT NOT NULL,
	external_id      TEXT NOT NULL,
	business_id      BIGINT NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	preorder_status  TEXT NOT NULL DEFAULT '',
	reject_reason    TEXT NOT NULL DEFAULT '',
	body             TEXT NOT NULL,
	created_at       BIGINT NOT NULL,
	last_modified    BIGINT NOT NULL,
	UNIQUE (channel, external_id)
);
CREATE INDEX IF NOT EXISTS idx_orders_business ON orders (business_id, status);

CREATE TABLE IF NOT EXISTS businesses (
	id                BIGSERIAL PRIMARY KEY,
	public_id         TEXT NOT NULL UNIQUE,
	name              TEXT NOT NULL DEFAULT '',
	prep_lead_minutes INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS business_channels (
	business_id BIGINT NOT NULL REFERENCES businesses(id),
	channel     TEXT NOT NULL,
	external_id TEXT NOT NULL DEFAULT '',
	open        INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (business_id, channel)
);
CREATE INDEX IF NOT EXISTS idx_business_channels_ext ON business_channels (channel, external_id);

CREATE TABLE IF NOT EXISTS queue_items (
	id                 TEXT PRIMARY KEY,
	kind               TEXT NOT NULL,
	item_key           TEXT NOT NULL,
	business_public_id TEXT NOT NULL DEFAULT '',
	user_public_id     TEXT NOT NULL DEFAULT '',
	provider           TEXT NOT NULL DEFAULT '',
	due_time           BIGINT NOT NULL,
	processing         INTEGER NOT NULL DEFAULT 0,
	payload            TEXT NOT NULL DEFAULT '',
	created_at         BIGINT NOT NULL,
	UNIQUE (kind, item_key)
);
CREATE INDEX IF NOT EXISTS idx_queue_due ON queue_items (kind, processing, due_time);
`
