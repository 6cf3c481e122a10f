package monitoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/jonathan/pharma-watch/internal/fetch"
	"github.com/jonathan/pharma-watch/internal/schemas"
	"github.com/jonathan/pharma-watch/internal/session"
	"github.com/jonathan/pharma-watch/internal/types"
)

// Fetcher performs remote calls. *fetch.Client satisfies it.
type Fetcher interface {
	Execute(ctx context.Context, req fetch.Request) (*fetch.Response, error)
}

// Store is the subset of persistence monitoring reads and writes.
type Store interface {
	ListProducts(ctx context.Context, filter types.ProductFilter) ([]types.Product, error)
	AppendStatus(ctx context.Context, rec types.StatusRecord) error
	TouchProduct(ctx context.Context, sku int64, at time.Time) error
}

// Task checks the status of one product at a time. Handle is safe for concurrent use.
type Task struct {
	Client    Fetcher
	Store     Store
	StatusURL string
	SearchURL string
	ClientID  string
	// StockFallback searches by name when the status response carries no stock level.
	StockFallback bool
	Logger        *slog.Logger
	Now           func() time.Time
}

// Select resolves the products a monitoring run covers.
func Select(ctx context.Context, store Store, filter types.ProductFilter) ([]types.Product, error) {
	products, err := store.ListProducts(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to select products: %w", err)
	}
	return products, nil
}

// Handle fetches, parses and records the status of p.
func (t *Task) Handle(ctx context.Context, p types.Product) (types.StatusRecord, int, error) {
	logger := t.logger().With("sku", p.SKU)

	resp, err := t.Client.Execute(ctx, fetch.Request{
		URL: t.StatusURL,
		Query: url.Values{
			"product_id": {strconv.FormatInt(p.SKU, 10)},
			"client_id":  {t.ClientID},
		},
		Auth:     true,
		Validate: validator(schemas.StatusResponse),
	})
	if err != nil {
		return types.StatusRecord{SKU: p.SKU}, fetch.AttemptsOf(err), err
	}
	attempts := resp.Attempts

	rec, err := ParseStatus(p.SKU, resp.Body, t.now())
	if err != nil {
		return rec, attempts, err
	}

	if rec.Stock == nil && t.StockFallback && t.SearchURL != "" {
		stock, err := t.searchStock(ctx, p)
		if err != nil {
			return rec, attempts, err
		}
		if stock != nil {
			rec.Stock = stock
			rec.InStock = inStock(rec)
		}
	}

	if rec.FinalPrice == nil && rec.Stock == nil {
		return rec, attempts, &NoDataError{SKU: p.SKU}
	}

	if err := t.Store.AppendStatus(ctx, rec); err != nil {
		return rec, attempts, fmt.Errorf("failed to record status: %w", err)
	}
	if err := t.Store.TouchProduct(ctx, p.SKU, rec.ObservedAt); err != nil {
		return rec, attempts, fmt.Errorf("failed to update last checked time: %w", err)
	}
	logger.Debug("status recorded", "in_stock", rec.InStock, "attempts", attempts)
	return rec, attempts, nil
}

// searchStock tries each name variant until the search endpoint reports a
// stock level for p. Only session exhaustion is returned as an error.
func (t *Task) searchStock(ctx context.Context, p types.Product) (*int, error) {
	logger := t.logger().With("sku", p.SKU)
	for _, variant := range NameVariants(p.Name) {
		resp, err := t.Client.Execute(ctx, fetch.Request{
			URL:      t.SearchURL,
			Query:    url.Values{"title": {variant}},
			Auth:     true,
			Validate: validator(schemas.SearchResponse),
		})
		if err != nil {
			var authErr *session.AuthError
			if errors.As(err, &authErr) {
				return nil, err
			}
			logger.Debug("stock search failed", "title", variant, "error", err)
			continue
		}
		stock, found, err := findStock(p.SKU, resp.Body)
		if err != nil {
			logger.Debug("stock search unreadable", "title", variant, "error", err)
			continue
		}
		if found && stock != nil {
			logger.Debug("stock found by name", "title", variant, "stock", *stock)
			return stock, nil
		}
	}
	return nil, nil
}

func validator(schema string) func([]byte) error {
	return func(body []byte) error {
		return schemas.Validate(schema, body)
	}
}

func (t *Task) now() time.Time {
	if t.Now != nil {
		return t.Now().UTC()
	}
	return time.Now().UTC()
}

func (t *Task) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}
