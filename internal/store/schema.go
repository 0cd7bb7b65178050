package store

// schema creates one table per entity type. Quantities are stored as text
// to preserve fixed-point precision; dates are ISO strings; every row
// carries version and last_modified_at.
const schema = `
CREATE TABLE IF NOT EXISTS positions (
	book_id           TEXT NOT NULL,
	security_id       TEXT NOT NULL,
	business_date     TEXT NOT NULL,
	contractual_qty   TEXT NOT NULL DEFAULT '0',
	settled_qty       TEXT NOT NULL DEFAULT '0',
	sd0_deliver       TEXT NOT NULL DEFAULT '0',
	sd1_deliver       TEXT NOT NULL DEFAULT '0',
	sd2_deliver       TEXT NOT NULL DEFAULT '0',
	sd3_deliver       TEXT NOT NULL DEFAULT '0',
	sd4_deliver       TEXT NOT NULL DEFAULT '0',
	sd0_receipt       TEXT NOT NULL DEFAULT '0',
	sd1_receipt       TEXT NOT NULL DEFAULT '0',
	sd2_receipt       TEXT NOT NULL DEFAULT '0',
	sd3_receipt       TEXT NOT NULL DEFAULT '0',
	sd4_receipt       TEXT NOT NULL DEFAULT '0',
	current_net       TEXT NOT NULL DEFAULT '0',
	projected_net     TEXT NOT NULL DEFAULT '0',
	position_type     TEXT NOT NULL DEFAULT '',
	is_hypothecatable INTEGER NOT NULL DEFAULT 0,
	is_reserved       INTEGER NOT NULL DEFAULT 0,
	is_start_of_day   INTEGER NOT NULL DEFAULT 0,
	has_beyond_ladder INTEGER NOT NULL DEFAULT 0,
	calc_status       TEXT NOT NULL DEFAULT 'PENDING',
	calc_rule_id      TEXT NOT NULL DEFAULT '',
	calc_rule_version INTEGER NOT NULL DEFAULT 0,
	calc_date         TEXT NOT NULL DEFAULT '',
	version           INTEGER NOT NULL,
	last_modified_at  TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (book_id, security_id, business_date)
);

CREATE INDEX IF NOT EXISTS idx_positions_date ON positions (business_date);
CREATE INDEX IF NOT EXISTS idx_positions_security ON positions (security_id, business_date);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions (business_date, calc_status);

CREATE TABLE IF NOT EXISTS inventory (
	security_id       TEXT NOT NULL,
	calc_type         TEXT NOT NULL,
	business_date     TEXT NOT NULL,
	counterparty_id   TEXT NOT NULL DEFAULT '',
	au_id             TEXT NOT NULL DEFAULT '',
	is_external       INTEGER NOT NULL DEFAULT 0,
	external_source   TEXT NOT NULL DEFAULT '',
	gross_qty         TEXT NOT NULL DEFAULT '0',
	net_qty           TEXT NOT NULL DEFAULT '0',
	available_qty     TEXT NOT NULL DEFAULT '0',
	reserved_qty      TEXT NOT NULL DEFAULT '0',
	decrement_qty     TEXT NOT NULL DEFAULT '0',
	market            TEXT NOT NULL DEFAULT '',
	temperature       TEXT NOT NULL DEFAULT 'GC',
	borrow_rate       TEXT NOT NULL DEFAULT '0',
	is_overborrowed   INTEGER NOT NULL DEFAULT 0,
	overborrow_qty    TEXT NOT NULL DEFAULT '0',
	calc_rule_id      TEXT NOT NULL DEFAULT '',
	calc_rule_version INTEGER NOT NULL DEFAULT 0,
	status            TEXT NOT NULL DEFAULT 'PENDING',
	version           INTEGER NOT NULL,
	last_modified_at  TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (security_id, calc_type, business_date, counterparty_id, au_id, is_external, external_source)
);

CREATE INDEX IF NOT EXISTS idx_inventory_date ON inventory (business_date);
CREATE INDEX IF NOT EXISTS idx_inventory_market ON inventory (market, business_date);

CREATE TABLE IF NOT EXISTS client_limits (
	client_id        TEXT NOT NULL,
	security_id      TEXT NOT NULL,
	business_date    TEXT NOT NULL,
	long_sell_limit  TEXT NOT NULL DEFAULT '0',
	short_sell_limit TEXT NOT NULL DEFAULT '0',
	long_sell_used   TEXT NOT NULL DEFAULT '0',
	short_sell_used  TEXT NOT NULL DEFAULT '0',
	currency         TEXT NOT NULL DEFAULT '',
	limit_type       TEXT NOT NULL DEFAULT 'HOUSE',
	market           TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'ACTIVE',
	version          INTEGER NOT NULL,
	last_updated     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (client_id, security_id, business_date)
);

CREATE TABLE IF NOT EXISTS au_limits (
	au_id            TEXT NOT NULL,
	security_id      TEXT NOT NULL,
	business_date    TEXT NOT NULL,
	long_sell_limit  TEXT NOT NULL DEFAULT '0',
	short_sell_limit TEXT NOT NULL DEFAULT '0',
	long_sell_used   TEXT NOT NULL DEFAULT '0',
	short_sell_used  TEXT NOT NULL DEFAULT '0',
	currency         TEXT NOT NULL DEFAULT '',
	limit_type       TEXT NOT NULL DEFAULT 'REGULATORY',
	market           TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'ACTIVE',
	market_rules     TEXT NOT NULL DEFAULT '[]',
	version          INTEGER NOT NULL,
	last_updated     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (au_id, security_id, business_date)
);

CREATE TABLE IF NOT EXISTS calculation_rules (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	rule_type      TEXT NOT NULL,
	market         TEXT NOT NULL,
	priority       INTEGER NOT NULL DEFAULT 0,
	effective_date TEXT NOT NULL,
	expiry_date    TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'ACTIVE',
	conditions     TEXT NOT NULL DEFAULT '[]',
	actions        TEXT NOT NULL DEFAULT '[]',
	version        INTEGER NOT NULL DEFAULT 1
);
`
