package discovery

import (
	"context"
	"iter"
	"log/slog"
	"net/http"

	"github.com/jonathan/pharma-watch/internal/fetch"
	"github.com/jonathan/pharma-watch/internal/types"
)

// Fetcher performs remote calls. *fetch.Client satisfies it.
type Fetcher interface {
	Execute(ctx context.Context, req fetch.Request) (*fetch.Response, error)
}

// Store is the subset of persistence discovery writes to.
type Store interface {
	UpsertProduct(ctx context.Context, p types.Product) (bool, error)
	SetDescription(ctx context.Context, sku int64, description string) error
}

// PageResult summarises one scanned listing page.
type PageResult struct {
	Page    int
	URL     string
	Found   int
	NewSKUs []int64
	// End is set when the page does not exist (past the last page).
	End bool
}

// Task scans listing pages. Handle is safe for concurrent use.
type Task struct {
	Client  Fetcher
	Store   Store
	BaseURL string
	// UseBrowser renders listing pages through the headless browser.
	UseBrowser bool
	// FetchDescriptions fetches the product page of newly inserted products.
	FetchDescriptions bool
	Logger            *slog.Logger
}

// Pages yields every page number in [start, end]. It terminates for end == math.MaxInt.
func Pages(start, end int) iter.Seq[int] {
	return func(yield func(int) bool) {
		if start > end {
			return
		}
		for p := start; ; p++ {
			if !yield(p) || p == end {
				return
			}
		}
	}
}

// Handle fetches and parses one listing page and upserts its products.
// A 404 marks the end of the listings and is an empty success.
func (t *Task) Handle(ctx context.Context, page int) (PageResult, int, error) {
	logger := t.logger().With("page", page)
	res := PageResult{Page: page, URL: PageURL(t.BaseURL, page)}

	resp, err := t.Client.Execute(ctx, fetch.Request{URL: res.URL, Render: t.UseBrowser})
	if err != nil {
		if fetch.StatusOf(err) == http.StatusNotFound {
			logger.Info("listing page not found, end of listings")
			res.End = true
			return res, fetch.AttemptsOf(err), nil
		}
		return res, fetch.AttemptsOf(err), err
	}

	products, err := ParseListings(resp.Body, res.URL)
	if err != nil {
		return res, resp.Attempts, err
	}
	res.Found = len(products)
	if len(products) == 0 {
		logger.Info("no products on page")
		return res, resp.Attempts, nil
	}

	var inserted []types.Product
	for _, p := range products {
		isNew, err := t.Store.UpsertProduct(ctx, p)
		if err != nil {
			return res, resp.Attempts, &StoreError{SKU: p.SKU, Cause: err}
		}
		if isNew {
			inserted = append(inserted, p)
			res.NewSKUs = append(res.NewSKUs, p.SKU)
		}
	}
	logger.Debug("page scanned", "found", res.Found, "new", len(res.NewSKUs))

	if t.FetchDescriptions {
		for _, p := range inserted {
			t.enrich(ctx, p)
		}
	}
	return res, resp.Attempts, nil
}

// enrich stores the description of p. Failures are logged only.
func (t *Task) enrich(ctx context.Context, p types.Product) {
	if p.URL == "" {
		return
	}
	logger := t.logger().With("sku", p.SKU)

	resp, err := t.Client.Execute(ctx, fetch.Request{URL: p.URL})
	if err != nil {
		logger.Warn("failed to fetch product page", "error", err)
		return
	}
	desc, err := ParseDescription(resp.Body)
	if err != nil {
		logger.Warn("failed to parse product page", "error", err)
		return
	}
	if desc == "" {
		return
	}
	if err := t.Store.SetDescription(ctx, p.SKU, desc); err != nil {
		logger.Warn("failed to store description", "error", err)
	}
}

func (t *Task) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}
