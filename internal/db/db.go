package db

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonathan/pharma-watch/internal/types"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	pool *pgxpool.Pool
}

// Connect establishes a connection pool to the database
func Connect(ctx context.Context, databaseURL string, maxConns int32) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{pool: pool}, nil
}

// Close closes the connection pool
func (db *DB) Close() error {
	if db.pool != nil {
		db.pool.Close()
	}
	return nil
}

// Migrate creates tables and indexes if they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// UpsertProduct inserts a product or refreshes its listing fields.
// xmax is zero only for freshly inserted rows.
func (db *DB) UpsertProduct(ctx context.Context, p types.Product) (bool, error) {
	discovered := p.DiscoveredAt
	if discovered.IsZero() {
		discovered = time.Now().UTC()
	}
	var inserted bool
	err := db.pool.QueryRow(ctx,
		`INSERT INTO products (sku, name, url, image_url, description, discovered_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (sku) DO UPDATE SET
		     name = COALESCE(NULLIF(EXCLUDED.name, ''), products.name),
		     url = COALESCE(NULLIF(EXCLUDED.url, ''), products.url),
		     image_url = COALESCE(NULLIF(EXCLUDED.image_url, ''), products.image_url),
		     description = COALESCE(NULLIF(EXCLUDED.description, ''), products.description),
		     updated_at = NOW()
		 RETURNING (xmax = 0)`,
		p.SKU, p.Name, p.URL, p.ImageURL, p.Description, discovered,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("failed to upsert product %d: %w", p.SKU, err)
	}
	return inserted, nil
}

// SetDescription stores a product description.
func (db *DB) SetDescription(ctx context.Context, sku int64, description string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE products SET description = $2, updated_at = NOW() WHERE sku = $1`,
		sku, description,
	)
	if err != nil {
		return fmt.Errorf("failed to set description for %d: %w", sku, err)
	}
	return nil
}

// AppendStatus records one observation.
func (db *DB) AppendStatus(ctx context.Context, rec types.StatusRecord) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO status_history
		     (sku, observed_at, in_stock, price, final_price, discount_percent, stock, availability, points)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.SKU, rec.ObservedAt, rec.InStock, rec.Price, rec.FinalPrice, rec.DiscountPercent,
		rec.Stock, rec.Availability, rec.Points,
	)
	if err != nil {
		return fmt.Errorf("failed to append status for %d: %w", rec.SKU, err)
	}
	return nil
}

// TouchProduct sets the last checked time.
func (db *DB) TouchProduct(ctx context.Context, sku int64, at time.Time) error {
	_, err := db.pool.Exec(ctx, `UPDATE products SET last_checked_at = $2 WHERE sku = $1`, sku, at)
	if err != nil {
		return fmt.Errorf("failed to touch product %d: %w", sku, err)
	}
	return nil
}

const productColumns = `sku, name, url, image_url, description, discovered_at, last_checked_at`

// ListProducts returns products matching filter, ordered by SKU.
func (db *DB) ListProducts(ctx context.Context, f types.ProductFilter) ([]types.Product, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if len(f.SKUs) > 0 {
		where = append(where, "sku = ANY("+arg(f.SKUs)+")")
	}
	if keywords := normalizeKeywords(f.Keywords); len(keywords) > 0 {
		var ors []string
		for _, kw := range keywords {
			p := arg("%" + kw + "%")
			ors = append(ors, "(LOWER(name) LIKE "+p+" OR sku::text LIKE "+p+")")
		}
		where = append(where, "("+strings.Join(ors, " OR ")+")")
	}

	query := `SELECT ` + productColumns + ` FROM products`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY sku"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET " + arg(f.Offset)
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var products []types.Product
	for rows.Next() {
		var p types.Product
		if err := rows.Scan(&p.SKU, &p.Name, &p.URL, &p.ImageURL, &p.Description, &p.DiscoveredAt, &p.LastCheckedAt); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating products: %w", err)
	}
	return products, nil
}

// GetProduct retrieves a product by SKU. Returns nil, nil when absent.
func (db *DB) GetProduct(ctx context.Context, sku int64) (*types.Product, error) {
	var p types.Product
	err := db.pool.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE sku = $1`, sku,
	).Scan(&p.SKU, &p.Name, &p.URL, &p.ImageURL, &p.Description, &p.DiscoveredAt, &p.LastCheckedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return &p, nil
}

// CountProducts returns the number of known products.
func (db *DB) CountProducts(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM products`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count products: %w", err)
	}
	return n, nil
}

// ListStatus returns the newest observations for sku first.
func (db *DB) ListStatus(ctx context.Context, sku int64, limit int) ([]types.StatusRecord, error) {
	query := `SELECT ` + statusColumns + ` FROM status_history WHERE sku = $1 ORDER BY observed_at DESC`
	args := []any{sku}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list status history: %w", err)
	}
	return collectStatus(rows)
}

// StatusSince returns observations taken at or after since, grouped by SKU and oldest first.
func (db *DB) StatusSince(ctx context.Context, since time.Time) ([]types.StatusRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+statusColumns+` FROM status_history WHERE observed_at >= $1 ORDER BY sku, observed_at`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list status window: %w", err)
	}
	return collectStatus(rows)
}

// LatestStatuses returns the newest observation of every monitored SKU.
func (db *DB) LatestStatuses(ctx context.Context) ([]types.StatusRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT ON (sku) `+statusColumns+` FROM status_history ORDER BY sku, observed_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list latest statuses: %w", err)
	}
	return collectStatus(rows)
}

const statusColumns = `sku, observed_at, in_stock, price, final_price, discount_percent, stock, availability, points`

func collectStatus(rows pgx.Rows) ([]types.StatusRecord, error) {
	defer rows.Close()
	var history []types.StatusRecord
	for rows.Next() {
		var r types.StatusRecord
		if err := rows.Scan(&r.SKU, &r.ObservedAt, &r.InStock, &r.Price, &r.FinalPrice, &r.DiscountPercent,
			&r.Stock, &r.Availability, &r.Points); err != nil {
			return nil, fmt.Errorf("failed to scan status record: %w", err)
		}
		history = append(history, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status history: %w", err)
	}
	return history, nil
}

// SaveRun inserts or replaces a run record.
func (db *DB) SaveRun(ctx context.Context, run types.RunRecord) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO runs (id, task_type, state, total_items, completed_items, failed_items, retried_items,
		                   new_products, cancel_requested, error, last_item_error, started_at, ended_at, elapsed_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (id) DO UPDATE SET
		     state = EXCLUDED.state,
		     total_items = EXCLUDED.total_items,
		     completed_items = EXCLUDED.completed_items,
		     failed_items = EXCLUDED.failed_items,
		     retried_items = EXCLUDED.retried_items,
		     new_products = EXCLUDED.new_products,
		     cancel_requested = EXCLUDED.cancel_requested,
		     error = EXCLUDED.error,
		     last_item_error = EXCLUDED.last_item_error,
		     ended_at = EXCLUDED.ended_at,
		     elapsed_ms = EXCLUDED.elapsed_ms`,
		run.ID, string(run.TaskType), string(run.State), run.TotalItems, run.CompletedItems, run.FailedItems,
		run.RetriedItems, run.NewProducts, run.CancelRequested, run.Error, run.LastItemError,
		run.StartedAt, run.EndedAt, run.ElapsedMs,
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	return nil
}

const runColumns = `id, task_type, state, total_items, completed_items, failed_items, retried_items,
	new_products, cancel_requested, error, last_item_error, started_at, ended_at, elapsed_ms`

func scanRun(row pgx.Row) (types.RunRecord, error) {
	var (
		r        types.RunRecord
		taskStr  string
		stateStr string
	)
	err := row.Scan(&r.ID, &taskStr, &stateStr, &r.TotalItems, &r.CompletedItems, &r.FailedItems,
		&r.RetriedItems, &r.NewProducts, &r.CancelRequested, &r.Error, &r.LastItemError,
		&r.StartedAt, &r.EndedAt, &r.ElapsedMs)
	r.TaskType = types.TaskType(taskStr)
	r.State = types.RunState(stateStr)
	return r, err
}

// GetRun retrieves an archived run. Returns nil, nil when absent.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (*types.RunRecord, error) {
	r, err := scanRun(db.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return &r, nil
}

// ListRuns returns the newest runs first.
func (db *DB) ListRuns(ctx context.Context, taskType types.TaskType, limit int) ([]types.RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE ($1 = '' OR task_type = $1) ORDER BY started_at DESC`
	args := []any{string(taskType)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []types.RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}
