// Package db provides persistence for products, status history and runs.
// PostgreSQL (pgx), SQLite (go-sqlite3) and in-memory backends implement Store.
package db

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/pharma-watch/internal/config"
	"github.com/jonathan/pharma-watch/internal/types"
)

// Store is the persistence collaborator used by the engine and the server.
// UpsertProduct is idempotent on SKU; status history is append-only.
type Store interface {
	// UpsertProduct inserts or refreshes a product and reports whether it was new.
	// An existing product keeps its DiscoveredAt.
	UpsertProduct(ctx context.Context, p types.Product) (inserted bool, err error)
	// SetDescription stores a product description.
	SetDescription(ctx context.Context, sku int64, description string) error
	// AppendStatus records one observation.
	AppendStatus(ctx context.Context, rec types.StatusRecord) error
	// TouchProduct sets the product's last checked time.
	TouchProduct(ctx context.Context, sku int64, at time.Time) error
	// ListProducts returns products ordered by SKU.
	ListProducts(ctx context.Context, filter types.ProductFilter) ([]types.Product, error)
	// GetProduct returns nil, nil when the SKU is unknown.
	GetProduct(ctx context.Context, sku int64) (*types.Product, error)
	CountProducts(ctx context.Context) (int, error)
	// ListStatus returns the newest observations first.
	ListStatus(ctx context.Context, sku int64, limit int) ([]types.StatusRecord, error)
	// StatusSince returns observations at or after since, ordered by SKU then time.
	StatusSince(ctx context.Context, since time.Time) ([]types.StatusRecord, error)
	// LatestStatuses returns the newest observation per SKU, ordered by SKU.
	LatestStatuses(ctx context.Context) ([]types.StatusRecord, error)
	// SaveRun inserts or replaces a run record.
	SaveRun(ctx context.Context, run types.RunRecord) error
	// GetRun returns nil, nil when the run was never archived.
	GetRun(ctx context.Context, id uuid.UUID) (*types.RunRecord, error)
	// ListRuns returns the newest runs first; an empty taskType matches all.
	ListRuns(ctx context.Context, taskType types.TaskType, limit int) ([]types.RunRecord, error)
	// Migrate creates the schema if needed.
	Migrate(ctx context.Context) error
	Close() error
}

// Open connects to the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return Connect(ctx, cfg.DSN, cfg.MaxConns)
	case "sqlite":
		return OpenSQLite(ctx, cfg.DSN)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// normalizeKeywords lower-cases, trims and drops empty keywords.
func normalizeKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

// matchesFilter applies a ProductFilter to a single product.
// Keywords are OR'ed and matched case-insensitively against the name or the SKU.
func matchesFilter(p *types.Product, f types.ProductFilter, keywords []string) bool {
	if len(f.SKUs) > 0 {
		found := false
		for _, sku := range f.SKUs {
			if sku == p.SKU {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(keywords) == 0 {
		return true
	}
	name := strings.ToLower(p.Name)
	sku := strconv.FormatInt(p.SKU, 10)
	for _, kw := range keywords {
		if strings.Contains(name, kw) || strings.Contains(sku, kw) {
			return true
		}
	}
	return false
}
