package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonathan/pharma-watch/internal/config"
	"github.com/jonathan/pharma-watch/internal/db"
	"github.com/jonathan/pharma-watch/internal/fetch"
	"github.com/jonathan/pharma-watch/internal/session"
	"github.com/jonathan/pharma-watch/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingAuth hands out one fixed session and counts logins.
type countingAuth struct {
	logins atomic.Int32
}

func (a *countingAuth) Login(context.Context, session.Credentials) (session.Session, error) {
	a.logins.Add(1)
	return session.Session{Token: "tok", Headers: map[string]string{"Authorization": "Bearer tok"}}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newScenarioEngine wires a real session manager and rate-limited client the
// way NewFromConfig does, with short timeouts and backoff.
func newScenarioEngine(cfg *config.Config, store db.Store, auth session.Authenticator) *Engine {
	sessions := session.NewManager(auth, session.Credentials{Username: "u", Password: "p", ClientID: "c1"},
		session.Options{TTL: time.Hour, LoginAttempts: 1, LoginBackoff: time.Millisecond, Logger: quietLogger()})
	client := fetch.NewClient(sessions, fetch.Options{
		MaxConcurrency: 4,
		Retry:          fetch.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2},
		Timeout:        100 * time.Millisecond,
		Logger:         quietLogger(),
	})
	return New(cfg, store, client, WithLogger(quietLogger()))
}

// catalogPages holds the listing SKUs per page; SKU 3 is listed twice.
var catalogPages = map[int][]int{
	1: {1, 2, 3},
	2: {4, 5, 6},
	3: {7, 8},
	4: {9, 10, 3},
	5: {11, 12},
}

func listingPage(skus []int) string {
	var b strings.Builder
	for _, sku := range skus {
		fmt.Fprintf(&b, `<div class="klb-product">
			<div class="product-text"><h4><a href="/p/%d/">Produit %d</a></h4></div>
			<a class="ajax_add_to_cart" data-product_sku="%d"></a></div>`, sku, sku, sku)
	}
	return b.String()
}

func TestDiscoveryRun_RetriedPageScenario(t *testing.T) {
	var (
		mu        sync.Mutex
		page5Hits int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := 1
		if rest, ok := strings.CutPrefix(r.URL.Path, "/shop/page/"); ok {
			page, _ = strconv.Atoi(strings.TrimSuffix(rest, "/"))
		}
		skus, ok := catalogPages[page]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if page == 5 {
			mu.Lock()
			page5Hits++
			hit := page5Hits
			mu.Unlock()
			if hit <= 2 {
				// outlive the client timeout
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
				return
			}
		}
		fmt.Fprint(w, listingPage(skus))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Source.BaseURL = srv.URL + "/shop/"
	store := db.NewMemoryStore()
	e := newScenarioEngine(cfg, store, &countingAuth{})

	params := Params{Discovery: types.DiscoveryRequest{StartPage: 1, EndPage: 5, Workers: 2}}
	id, err := e.StartRun(context.Background(), types.TaskDiscovery, params)
	require.NoError(t, err)

	rec := await(t, e, id)
	assert.Equal(t, types.RunCompleted, rec.State, rec.Error)
	assert.Equal(t, 5, rec.TotalItems)
	assert.Equal(t, 5, rec.CompletedItems)
	assert.Zero(t, rec.FailedItems)
	assert.Equal(t, 1, rec.RetriedItems, "page 5 succeeded on its third attempt")
	assert.Equal(t, 12, rec.NewProducts)
	assert.Zero(t, rec.InFlight)

	n, err := store.CountProducts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	mu.Lock()
	assert.Equal(t, 3, page5Hits)
	mu.Unlock()

	id, err = e.StartRun(context.Background(), types.TaskDiscovery, params)
	require.NoError(t, err)
	again := await(t, e, id)
	assert.Equal(t, types.RunCompleted, again.State)
	assert.Zero(t, again.NewProducts, "a rerun inserts nothing")
	assert.Zero(t, again.RetriedItems)
	n, _ = store.CountProducts(context.Background())
	assert.Equal(t, 12, n)
}

func TestMonitoringRun_KeywordSelectionScenario(t *testing.T) {
	const missingSKU = 1005
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		sku, _ := strconv.Atoi(r.URL.Query().Get("product_id"))
		if sku == missingSKU {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"regular_price": "5,20", "final_price": "4.90", "stock_1": sku % 7, "actif": 1})
	}))
	defer srv.Close()

	ctx := context.Background()
	store := db.NewMemoryStore()
	for i := int64(0); i < 100; i++ {
		name := fmt.Sprintf("Produit %d", i)
		if i%10 == 5 {
			name = fmt.Sprintf("DOLIPRANE variante %d", i)
		}
		_, err := store.UpsertProduct(ctx, types.Product{SKU: 1000 + i, Name: name})
		require.NoError(t, err)
	}

	cfg := testConfig()
	cfg.Source.StatusURL = srv.URL + "/api/get_product"
	auth := &countingAuth{}
	e := newScenarioEngine(cfg, store, auth)

	id, err := e.StartRun(ctx, types.TaskMonitoring, Params{
		Monitoring: types.MonitoringRequest{Keywords: []string{"doliprane"}, Workers: 4},
	})
	require.NoError(t, err)

	rec := await(t, e, id)
	assert.Equal(t, types.RunCompleted, rec.State, "a failed item does not fail the run")
	assert.Equal(t, 10, rec.TotalItems)
	assert.Equal(t, 9, rec.CompletedItems)
	assert.Equal(t, 1, rec.FailedItems)
	assert.Contains(t, rec.LastItemError, "404")
	assert.Empty(t, rec.Error)
	assert.Equal(t, 9, store.StatusCount())
	assert.Equal(t, int32(1), auth.logins.Load(), "workers share one login")

	history, err := store.ListStatus(ctx, missingSKU, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}
