package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonathan/pharma-watch/internal/db"
	"github.com/jonathan/pharma-watch/internal/fetch"
	"github.com/jonathan/pharma-watch/internal/pool"
	"github.com/jonathan/pharma-watch/internal/session"
	"github.com/jonathan/pharma-watch/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSessions struct {
	mu      sync.Mutex
	version uint64
}

func (s *staticSessions) Acquire(context.Context) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version == 0 {
		s.version = 1
	}
	return session.Session{
		Token:   fmt.Sprintf("t%d", s.version),
		Version: s.version,
		Headers: map[string]string{"Authorization": fmt.Sprintf("Bearer t%d", s.version)},
	}, nil
}

func (s *staticSessions) Invalidate(sess session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.Version == s.version {
		s.version++
	}
}

func newClient() *fetch.Client {
	return fetch.NewClient(&staticSessions{}, fetch.Options{
		MaxConcurrency: 8,
		Retry:          fetch.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func ptr[T any](v T) *T { return &v }

func TestParseStatus(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		body  string
		check func(t *testing.T, rec types.StatusRecord)
	}{
		{
			name: "string prices with currency",
			body: `{"regular_price":"12,90 €","discount":"10","final_price":"11.61","stock_1":"15 unités","actif":"1","points":4}`,
			check: func(t *testing.T, rec types.StatusRecord) {
				assert.InDelta(t, 12.90, *rec.Price, 1e-9)
				assert.InDelta(t, 10, *rec.DiscountPercent, 1e-9)
				assert.InDelta(t, 11.61, *rec.FinalPrice, 1e-9)
				assert.Equal(t, 15, *rec.Stock)
				assert.Equal(t, 4, *rec.Points)
				assert.Equal(t, Available, rec.Availability)
				assert.True(t, rec.InStock)
				assert.Equal(t, now, rec.ObservedAt)
			},
		},
		{
			name: "fallback keys",
			body: `{"price":8.5,"stock":0,"stock_1":null,"actif":0}`,
			check: func(t *testing.T, rec types.StatusRecord) {
				assert.InDelta(t, 8.5, *rec.Price, 1e-9)
				assert.Nil(t, rec.FinalPrice, "final_price falls back to regular_price only")
				assert.Equal(t, 0, *rec.Stock)
				assert.Equal(t, Unavailable, rec.Availability)
				assert.False(t, rec.InStock)
			},
		},
		{
			name: "zero regular price falls through to final",
			body: `{"regular_price":0,"final_price":"3.20","available":"En stock"}`,
			check: func(t *testing.T, rec types.StatusRecord) {
				assert.Nil(t, rec.Price)
				assert.InDelta(t, 3.20, *rec.FinalPrice, 1e-9)
				assert.Equal(t, "En stock", rec.Availability)
				assert.Nil(t, rec.Stock)
				assert.False(t, rec.InStock)
			},
		},
		{
			name: "available flag",
			body: `{"final_price":"1","available":true}`,
			check: func(t *testing.T, rec types.StatusRecord) {
				assert.Equal(t, Available, rec.Availability)
				assert.True(t, rec.InStock)
			},
		},
		{
			name: "unparseable values",
			body: `{"regular_price":"n/a","stock_1":"-","points":"?"}`,
			check: func(t *testing.T, rec types.StatusRecord) {
				assert.Nil(t, rec.Price)
				assert.Nil(t, rec.FinalPrice)
				assert.Nil(t, rec.Points)
				assert.Nil(t, rec.Stock)
				assert.Empty(t, rec.Availability)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := ParseStatus(42, []byte(tt.body), now)
			require.NoError(t, err)
			assert.Equal(t, int64(42), rec.SKU)
			tt.check(t, rec)
		})
	}
}

func TestParseStatus_NotAnObject(t *testing.T) {
	_, err := ParseStatus(1, []byte(`[1,2]`), time.Now())
	var decodeErr *DecodeError
	assert.ErrorAs(t, err, &decodeErr)
}

func TestNameVariants(t *testing.T) {
	assert.Equal(t,
		[]string{"Doliprane 1000mg – Boîte de 8 comprimés", "Doliprane 1000mg", "Doliprane 1000mg Boîte"},
		NameVariants("Doliprane 1000mg – Boîte de 8 comprimés"))
	assert.Equal(t,
		[]string{"Smecta - Orange vanille 30 sachets", "Smecta", "Smecta Orange vanille"},
		NameVariants("Smecta - Orange vanille 30 sachets"))
	assert.Equal(t, []string{"Vitamine C 500"}, NameVariants("Vitamine C 500"), "three words equal the name")
	assert.Equal(t, []string{"Efferalgan"}, NameVariants("Efferalgan"))
	assert.Nil(t, NameVariants("  "))
}

func TestFindStock(t *testing.T) {
	stock, found, err := findStock(77, []byte(`[{"sku":"76","stock_1":3},{"id":77,"stock":"9"}]`))
	require.NoError(t, err)
	assert.True(t, found)
	require.NotNil(t, stock)
	assert.Equal(t, 9, *stock)

	stock, found, err = findStock(5, []byte(`[{"sku":6,"stock":1}]`))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, stock)
}

func TestHandle_KeywordSelectionScenario(t *testing.T) {
	const missingSKU = 1005
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, "XMLHttpRequest", r.Header.Get("X-Requested-With"))
		assert.Equal(t, "client-9", r.URL.Query().Get("client_id"))
		sku, _ := strconv.Atoi(r.URL.Query().Get("product_id"))
		if sku == missingSKU {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, map[string]any{"regular_price": "5,20", "final_price": "4.90", "stock_1": sku % 7, "actif": 1})
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

	products, err := Select(ctx, store, types.ProductFilter{Keywords: []string{"doliprane"}})
	require.NoError(t, err)
	require.Len(t, products, 10)

	task := &Task{Client: newClient(), Store: store, StatusURL: srv.URL + "/api/get_product", ClientID: "client-9"}
	results := pool.Collect(pool.Run(ctx, slices.Values(products), task.Handle, pool.Options[types.Product]{Concurrency: 4}))
	require.Len(t, results, 10)

	var completed, failed int
	for _, r := range results {
		if r.OK() {
			completed++
			continue
		}
		failed++
		assert.Equal(t, int64(missingSKU), r.Item.SKU)
		assert.Equal(t, fetch.KindFatal, fetch.KindOf(r.Err))
		assert.Equal(t, http.StatusNotFound, fetch.StatusOf(r.Err))
	}
	assert.Equal(t, 9, completed)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 9, store.StatusCount())
	assert.Equal(t, int32(10), requests.Load(), "404 is not retried")

	checked, err := store.GetProduct(ctx, 1015)
	require.NoError(t, err)
	assert.NotNil(t, checked.LastCheckedAt)
	missing, err := store.GetProduct(ctx, missingSKU)
	require.NoError(t, err)
	assert.Nil(t, missing.LastCheckedAt)
}

func TestHandle_StockFallbackByName(t *testing.T) {
	var titles []string
	var mu sync.Mutex
	mux := http.NewServeMux()
	mux.HandleFunc("GET /get_product", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"regular_price": "7.00", "actif": "1"})
	})
	mux.HandleFunc("GET /filter_product", func(w http.ResponseWriter, r *http.Request) {
		title := r.URL.Query().Get("title")
		mu.Lock()
		titles = append(titles, title)
		mu.Unlock()
		if title == "Smecta" {
			writeJSON(w, []map[string]any{{"sku": 1, "stock_1": 2}, {"sku": "321", "stock_1": "14"}})
			return
		}
		writeJSON(w, []map[string]any{})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := db.NewMemoryStore()
	_, err := store.UpsertProduct(context.Background(), types.Product{SKU: 321, Name: "Smecta - Orange vanille 30 sachets"})
	require.NoError(t, err)

	task := &Task{
		Client:        newClient(),
		Store:         store,
		StatusURL:     srv.URL + "/get_product",
		SearchURL:     srv.URL + "/filter_product",
		StockFallback: true,
	}
	rec, attempts, err := task.Handle(context.Background(), types.Product{SKU: 321, Name: "Smecta - Orange vanille 30 sachets"})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	require.NotNil(t, rec.Stock)
	assert.Equal(t, 14, *rec.Stock)
	assert.True(t, rec.InStock)
	assert.Equal(t, []string{"Smecta - Orange vanille 30 sachets", "Smecta"}, titles)
}

func TestHandle_MalformedResponseIsFatal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, map[string]any{"message": "produit inconnu"})
	}))
	defer srv.Close()

	store := db.NewMemoryStore()
	task := &Task{Client: newClient(), Store: store, StatusURL: srv.URL}
	_, _, err := task.Handle(context.Background(), types.Product{SKU: 9})
	require.Error(t, err)
	assert.Equal(t, fetch.KindFatal, fetch.KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, store.StatusCount())
}

func TestHandle_NoDataFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"price": "", "stock": nil, "actif": 0})
	}))
	defer srv.Close()

	task := &Task{Client: newClient(), Store: db.NewMemoryStore(), StatusURL: srv.URL}
	_, _, err := task.Handle(context.Background(), types.Product{SKU: 3})
	var noData *NoDataError
	require.ErrorAs(t, err, &noData)
	assert.Equal(t, int64(3), noData.SKU)
}

func TestHandle_RetriesThenRecords(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]any{"final_price": 2.5})
	}))
	defer srv.Close()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := db.NewMemoryStore()
	task := &Task{Client: newClient(), Store: store, StatusURL: srv.URL, Now: func() time.Time { return now }}
	rec, attempts, err := task.Handle(context.Background(), types.Product{SKU: 8})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, ptr(2.5), rec.FinalPrice)

	history, err := store.ListStatus(context.Background(), 8, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, now, history[0].ObservedAt)
}
