package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/pharma-watch/internal/types"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteDB is the single-file backend used for local runs.
type SQLiteDB struct {
	db *sql.DB
}

// OpenSQLite opens (and creates) the database file at dsn.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteDB, error) {
	if dsn == "" {
		return nil, errors.New("sqlite dsn is empty")
	}
	if path := sqlitePath(dsn); path != "" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// one writer; pragmas are per connection
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return &SQLiteDB{db: db}, nil
}

// sqlitePath returns the file path of dsn, or "" for in-memory databases.
func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return ""
	}
	return path
}

// Close closes the database.
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

// Migrate creates tables and indexes if they do not exist.
func (s *SQLiteDB) Migrate(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// UpsertProduct implements Store.
func (s *SQLiteDB) UpsertProduct(ctx context.Context, p types.Product) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM products WHERE sku = ?`, p.SKU).Scan(&exists)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to look up product %d: %w", p.SKU, err)
	}
	inserted := errors.Is(err, sql.ErrNoRows)

	now := time.Now().UTC()
	if inserted {
		discovered := p.DiscoveredAt
		if discovered.IsZero() {
			discovered = now
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO products (sku, name, url, image_url, description, discovered_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.SKU, p.Name, p.URL, p.ImageURL, p.Description, discovered.UTC(), now,
		)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE products SET
			     name = COALESCE(NULLIF(?, ''), name),
			     url = COALESCE(NULLIF(?, ''), url),
			     image_url = COALESCE(NULLIF(?, ''), image_url),
			     description = COALESCE(NULLIF(?, ''), description),
			     updated_at = ?
			 WHERE sku = ?`,
			p.Name, p.URL, p.ImageURL, p.Description, now, p.SKU,
		)
	}
	if err != nil {
		return false, fmt.Errorf("failed to upsert product %d: %w", p.SKU, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit product %d: %w", p.SKU, err)
	}
	return inserted, nil
}

// SetDescription implements Store.
func (s *SQLiteDB) SetDescription(ctx context.Context, sku int64, description string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE products SET description = ?, updated_at = ? WHERE sku = ?`,
		description, time.Now().UTC(), sku,
	)
	if err != nil {
		return fmt.Errorf("failed to set description for %d: %w", sku, err)
	}
	return nil
}

// AppendStatus implements Store.
func (s *SQLiteDB) AppendStatus(ctx context.Context, rec types.StatusRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO status_history
		     (sku, observed_at, in_stock, price, final_price, discount_percent, stock, availability, points)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SKU, rec.ObservedAt.UTC(), rec.InStock, rec.Price, rec.FinalPrice, rec.DiscountPercent,
		rec.Stock, rec.Availability, rec.Points,
	)
	if err != nil {
		return fmt.Errorf("failed to append status for %d: %w", rec.SKU, err)
	}
	return nil
}

// TouchProduct implements Store.
func (s *SQLiteDB) TouchProduct(ctx context.Context, sku int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE products SET last_checked_at = ? WHERE sku = ?`, at.UTC(), sku)
	if err != nil {
		return fmt.Errorf("failed to touch product %d: %w", sku, err)
	}
	return nil
}

// ListProducts implements Store.
func (s *SQLiteDB) ListProducts(ctx context.Context, f types.ProductFilter) ([]types.Product, error) {
	var (
		where []string
		args  []any
	)
	if len(f.SKUs) > 0 {
		marks := make([]string, len(f.SKUs))
		for i, sku := range f.SKUs {
			marks[i] = "?"
			args = append(args, sku)
		}
		where = append(where, "sku IN ("+strings.Join(marks, ", ")+")")
	}
	if keywords := normalizeKeywords(f.Keywords); len(keywords) > 0 {
		var ors []string
		for _, kw := range keywords {
			ors = append(ors, "(LOWER(name) LIKE ? OR CAST(sku AS TEXT) LIKE ?)")
			args = append(args, "%"+kw+"%", "%"+kw+"%")
		}
		where = append(where, "("+strings.Join(ors, " OR ")+")")
	}

	query := `SELECT ` + productColumns + ` FROM products`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY sku"
	switch {
	case f.Limit > 0:
		query += " LIMIT ?"
		args = append(args, f.Limit)
	case f.Offset > 0:
		// SQLite only accepts OFFSET after a LIMIT
		query += " LIMIT -1"
	}
	if f.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var products []types.Product
	for rows.Next() {
		p, err := scanSQLiteProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating products: %w", err)
	}
	return products, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteProduct(row rowScanner) (types.Product, error) {
	var (
		p       types.Product
		checked sql.NullTime
	)
	if err := row.Scan(&p.SKU, &p.Name, &p.URL, &p.ImageURL, &p.Description, &p.DiscoveredAt, &checked); err != nil {
		return p, fmt.Errorf("failed to scan product: %w", err)
	}
	if checked.Valid {
		t := checked.Time
		p.LastCheckedAt = &t
	}
	return p, nil
}

// GetProduct implements Store.
func (s *SQLiteDB) GetProduct(ctx context.Context, sku int64) (*types.Product, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE sku = ?`, sku)
	p, err := scanSQLiteProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// CountProducts implements Store.
func (s *SQLiteDB) CountProducts(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count products: %w", err)
	}
	return n, nil
}

// ListStatus implements Store.
func (s *SQLiteDB) ListStatus(ctx context.Context, sku int64, limit int) ([]types.StatusRecord, error) {
	query := `SELECT ` + statusColumns + ` FROM status_history WHERE sku = ? ORDER BY observed_at DESC`
	args := []any{sku}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list status history: %w", err)
	}
	return collectSQLiteStatus(rows)
}

// StatusSince implements Store.
func (s *SQLiteDB) StatusSince(ctx context.Context, since time.Time) ([]types.StatusRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+statusColumns+` FROM status_history WHERE observed_at >= ? ORDER BY sku, observed_at`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list status window: %w", err)
	}
	return collectSQLiteStatus(rows)
}

// LatestStatuses implements Store.
func (s *SQLiteDB) LatestStatuses(ctx context.Context) ([]types.StatusRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+statusColumns+` FROM status_history h
		 WHERE observed_at = (SELECT MAX(observed_at) FROM status_history WHERE sku = h.sku)
		 ORDER BY sku`)
	if err != nil {
		return nil, fmt.Errorf("failed to list latest statuses: %w", err)
	}
	return collectSQLiteStatus(rows)
}

func collectSQLiteStatus(rows *sql.Rows) ([]types.StatusRecord, error) {
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

// SaveRun implements Store.
func (s *SQLiteDB) SaveRun(ctx context.Context, run types.RunRecord) error {
	var ended sql.NullTime
	if run.EndedAt != nil {
		ended = sql.NullTime{Time: run.EndedAt.UTC(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (id, task_type, state, total_items, completed_items, failed_items, retried_items,
		                              new_products, cancel_requested, error, last_item_error, started_at, ended_at, elapsed_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID.String(), string(run.TaskType), string(run.State), run.TotalItems, run.CompletedItems, run.FailedItems,
		run.RetriedItems, run.NewProducts, run.CancelRequested, run.Error, run.LastItemError,
		run.StartedAt.UTC(), ended, run.ElapsedMs,
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	return nil
}

// ListRuns implements Store.
func (s *SQLiteDB) ListRuns(ctx context.Context, taskType types.TaskType, limit int) ([]types.RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE (? = '' OR task_type = ?) ORDER BY started_at DESC`
	args := []any{string(taskType), string(taskType)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []types.RunRecord
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
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

// GetRun implements Store.
func (s *SQLiteDB) GetRun(ctx context.Context, id uuid.UUID) (*types.RunRecord, error) {
	r, err := scanSQLiteRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return &r, nil
}

func scanSQLiteRun(row rowScanner) (types.RunRecord, error) {
	var (
		r        types.RunRecord
		taskStr  string
		stateStr string
		ended    sql.NullTime
	)
	if err := row.Scan(&r.ID, &taskStr, &stateStr, &r.TotalItems, &r.CompletedItems, &r.FailedItems,
		&r.RetriedItems, &r.NewProducts, &r.CancelRequested, &r.Error, &r.LastItemError,
		&r.StartedAt, &ended, &r.ElapsedMs); err != nil {
		return r, err
	}
	r.TaskType = types.TaskType(taskStr)
	r.State = types.RunState(stateStr)
	if ended.Valid {
		t := ended.Time
		r.EndedAt = &t
	}
	return r, nil
}
