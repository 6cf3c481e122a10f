package db

// postgresSchema is applied by (*DB).Migrate.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		sku             BIGINT PRIMARY KEY,
		name            TEXT NOT NULL,
		url             TEXT NOT NULL DEFAULT '',
		image_url       TEXT NOT NULL DEFAULT '',
		description     TEXT NOT NULL DEFAULT '',
		discovered_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_checked_at TIMESTAMPTZ,
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_products_name_lower ON products (LOWER(name))`,
	`CREATE TABLE IF NOT EXISTS status_history (
		sku              BIGINT NOT NULL REFERENCES products(sku) ON DELETE CASCADE,
		observed_at      TIMESTAMPTZ NOT NULL,
		in_stock         BOOLEAN NOT NULL,
		price            DOUBLE PRECISION,
		final_price      DOUBLE PRECISION,
		discount_percent DOUBLE PRECISION,
		stock            INTEGER,
		availability     TEXT NOT NULL DEFAULT '',
		points           INTEGER,
		PRIMARY KEY (sku, observed_at)
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id               UUID PRIMARY KEY,
		task_type        TEXT NOT NULL,
		state            TEXT NOT NULL,
		total_items      INTEGER NOT NULL,
		completed_items  INTEGER NOT NULL,
		failed_items     INTEGER NOT NULL,
		retried_items    INTEGER NOT NULL,
		new_products     INTEGER NOT NULL,
		cancel_requested BOOLEAN NOT NULL,
		error            TEXT NOT NULL DEFAULT '',
		last_item_error  TEXT NOT NULL DEFAULT '',
		started_at       TIMESTAMPTZ NOT NULL,
		ended_at         TIMESTAMPTZ,
		elapsed_ms       BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_task_started ON runs (task_type, started_at DESC)`,
}

// sqliteSchema is applied by (*SQLiteDB).Migrate.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		sku             INTEGER PRIMARY KEY,
		name            TEXT NOT NULL,
		url             TEXT NOT NULL DEFAULT '',
		image_url       TEXT NOT NULL DEFAULT '',
		description     TEXT NOT NULL DEFAULT '',
		discovered_at   TIMESTAMP NOT NULL,
		last_checked_at TIMESTAMP,
		updated_at      TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS status_history (
		sku              INTEGER NOT NULL REFERENCES products(sku) ON DELETE CASCADE,
		observed_at      TIMESTAMP NOT NULL,
		in_stock         BOOLEAN NOT NULL,
		price            REAL,
		final_price      REAL,
		discount_percent REAL,
		stock            INTEGER,
		availability     TEXT NOT NULL DEFAULT '',
		points           INTEGER,
		PRIMARY KEY (sku, observed_at)
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id               TEXT PRIMARY KEY,
		task_type        TEXT NOT NULL,
		state            TEXT NOT NULL,
		total_items      INTEGER NOT NULL,
		completed_items  INTEGER NOT NULL,
		failed_items     INTEGER NOT NULL,
		retried_items    INTEGER NOT NULL,
		new_products     INTEGER NOT NULL,
		cancel_requested BOOLEAN NOT NULL,
		error            TEXT NOT NULL DEFAULT '',
		last_item_error  TEXT NOT NULL DEFAULT '',
		started_at       TIMESTAMP NOT NULL,
		ended_at         TIMESTAMP,
		elapsed_ms       INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_task_started ON runs (task_type, started_at)`,
}
