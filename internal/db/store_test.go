package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/pharma-watch/internal/config"
	"github.com/jonathan/pharma-watch/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

// runStoreSuite exercises the Store contract against any backend.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	t.Run("upsert is idempotent on sku", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		first := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

		inserted, err := s.UpsertProduct(ctx, types.Product{SKU: 101, Name: "Doliprane 1000mg", URL: "https://x/p/101", DiscoveredAt: first})
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = s.UpsertProduct(ctx, types.Product{SKU: 101, Name: "Doliprane 1000 mg", DiscoveredAt: first.Add(time.Hour)})
		require.NoError(t, err)
		assert.False(t, inserted)

		n, err := s.CountProducts(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		p, err := s.GetProduct(ctx, 101)
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, "Doliprane 1000 mg", p.Name)
		assert.Equal(t, "https://x/p/101", p.URL, "empty fields keep the stored value")
		assert.True(t, first.Equal(p.DiscoveredAt), "discovered_at is kept")
		assert.Nil(t, p.LastCheckedAt)
	})

	t.Run("get unknown product", func(t *testing.T) {
		s := open(t)
		p, err := s.GetProduct(context.Background(), 999)
		assert.NoError(t, err)
		assert.Nil(t, p)
	})

	t.Run("description and touch", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		_, err := s.UpsertProduct(ctx, types.Product{SKU: 7, Name: "Vitamine C"})
		require.NoError(t, err)
		require.NoError(t, s.SetDescription(ctx, 7, "Complément alimentaire"))
		checked := time.Date(2026, 2, 3, 8, 30, 0, 0, time.UTC)
		require.NoError(t, s.TouchProduct(ctx, 7, checked))

		p, err := s.GetProduct(ctx, 7)
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, "Complément alimentaire", p.Description)
		require.NotNil(t, p.LastCheckedAt)
		assert.True(t, checked.Equal(*p.LastCheckedAt))
	})

	t.Run("list products with filter", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		for _, p := range []types.Product{
			{SKU: 3, Name: "Sérum Physiologique"},
			{SKU: 1, Name: "Doliprane 500mg"},
			{SKU: 2, Name: "Efferalgan"},
			{SKU: 1200, Name: "DOLIPRANE Sirop"},
		} {
			_, err := s.UpsertProduct(ctx, p)
			require.NoError(t, err)
		}

		all, err := s.ListProducts(ctx, types.ProductFilter{})
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, []int64{1, 2, 3, 1200}, skus(all))

		byKeyword, err := s.ListProducts(ctx, types.ProductFilter{Keywords: []string{" doliprane "}})
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 1200}, skus(byKeyword))

		anyKeyword, err := s.ListProducts(ctx, types.ProductFilter{Keywords: []string{"efferalgan", "sirop"}})
		require.NoError(t, err)
		assert.Equal(t, []int64{2, 1200}, skus(anyKeyword))

		bySKUText, err := s.ListProducts(ctx, types.ProductFilter{Keywords: []string{"120"}})
		require.NoError(t, err)
		assert.Equal(t, []int64{1200}, skus(bySKUText))

		allowList, err := s.ListProducts(ctx, types.ProductFilter{SKUs: []int64{2, 3, 42}, Keywords: []string{"sérum"}})
		require.NoError(t, err)
		assert.Equal(t, []int64{3}, skus(allowList))

		page, err := s.ListProducts(ctx, types.ProductFilter{Limit: 2, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, []int64{2, 3}, skus(page))

		tail, err := s.ListProducts(ctx, types.ProductFilter{Offset: 3})
		require.NoError(t, err)
		assert.Equal(t, []int64{1200}, skus(tail))
	})

	t.Run("status history is append only, newest first", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		_, err := s.UpsertProduct(ctx, types.Product{SKU: 55, Name: "Smecta"})
		require.NoError(t, err)

		base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
		for i := 0; i < 3; i++ {
			require.NoError(t, s.AppendStatus(ctx, types.StatusRecord{
				SKU:          55,
				InStock:      i%2 == 0,
				Price:        ptr(4.5),
				FinalPrice:   ptr(3.9 + float64(i)),
				Stock:        ptr(10 * i),
				Availability: "Disponible",
				ObservedAt:   base.Add(time.Duration(i) * time.Minute),
			}))
		}

		history, err := s.ListStatus(ctx, 55, 0)
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.True(t, base.Add(2*time.Minute).Equal(history[0].ObservedAt))
		require.NotNil(t, history[0].Stock)
		assert.Equal(t, 20, *history[0].Stock)
		assert.Nil(t, history[0].Points)
		assert.Nil(t, history[0].DiscountPercent)

		limited, err := s.ListStatus(ctx, 55, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	t.Run("status window and latest per sku", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		for _, sku := range []int64{71, 72} {
			_, err := s.UpsertProduct(ctx, types.Product{SKU: sku, Name: "Produit"})
			require.NoError(t, err)
		}

		base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
		observe := func(sku int64, at time.Duration, stock int) {
			require.NoError(t, s.AppendStatus(ctx, types.StatusRecord{
				SKU: sku, InStock: stock > 0, Stock: ptr(stock), ObservedAt: base.Add(at),
			}))
		}
		observe(72, 3*time.Hour, 4)
		observe(71, 0, 30)
		observe(71, 2*time.Hour, 25)
		observe(72, time.Hour, 9)
		observe(71, 4*time.Hour, 18)

		window, err := s.StatusSince(ctx, base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, window, 4)
		assert.Equal(t, []int64{71, 71, 72, 72}, []int64{window[0].SKU, window[1].SKU, window[2].SKU, window[3].SKU})
		assert.Equal(t, 25, *window[0].Stock)
		assert.Equal(t, 18, *window[1].Stock)
		assert.Equal(t, 9, *window[2].Stock)
		assert.Equal(t, 4, *window[3].Stock)

		latest, err := s.LatestStatuses(ctx)
		require.NoError(t, err)
		require.Len(t, latest, 2)
		assert.Equal(t, int64(71), latest[0].SKU)
		assert.Equal(t, 18, *latest[0].Stock)
		assert.True(t, base.Add(4*time.Hour).Equal(latest[0].ObservedAt))
		assert.Equal(t, int64(72), latest[1].SKU)
		assert.Equal(t, 4, *latest[1].Stock)

		empty, err := s.StatusSince(ctx, base.Add(5*time.Hour))
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("runs", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
		ended := base.Add(5 * time.Second)

		older := types.RunRecord{
			ID: uuid.New(), TaskType: types.TaskDiscovery, State: types.RunCompleted,
			TotalItems: 100, CompletedItems: 98, FailedItems: 2, RetriedItems: 3, NewProducts: 12,
			StartedAt: base, EndedAt: &ended, ElapsedMs: 5000,
		}
		newer := types.RunRecord{
			ID: uuid.New(), TaskType: types.TaskMonitoring, State: types.RunRunning,
			TotalItems: 10, StartedAt: base.Add(time.Minute),
		}
		require.NoError(t, s.SaveRun(ctx, older))
		require.NoError(t, s.SaveRun(ctx, newer))

		newer.State = types.RunCancelled
		newer.CancelRequested = true
		require.NoError(t, s.SaveRun(ctx, newer), "saving again replaces")

		runs, err := s.ListRuns(ctx, "", 0)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, newer.ID, runs[0].ID)
		assert.Equal(t, types.RunCancelled, runs[0].State)
		assert.True(t, runs[0].CancelRequested)
		assert.Nil(t, runs[0].EndedAt)

		discovery, err := s.ListRuns(ctx, types.TaskDiscovery, 10)
		require.NoError(t, err)
		require.Len(t, discovery, 1)
		assert.Equal(t, older.ID, discovery[0].ID)
		assert.Equal(t, 12, discovery[0].NewProducts)
		assert.Equal(t, int64(5000), discovery[0].ElapsedMs)
		require.NotNil(t, discovery[0].EndedAt)
		assert.True(t, ended.Equal(*discovery[0].EndedAt))

		got, err := s.GetRun(ctx, older.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, types.TaskDiscovery, got.TaskType)
		assert.Equal(t, 2, got.FailedItems)
		assert.Equal(t, 3, got.RetriedItems)
		require.NotNil(t, got.EndedAt)
		assert.True(t, ended.Equal(*got.EndedAt))

		got, err = s.GetRun(ctx, newer.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, types.RunCancelled, got.State)
		assert.Nil(t, got.EndedAt)

		missing, err := s.GetRun(ctx, uuid.New())
		require.NoError(t, err)
		assert.Nil(t, missing)
	})
}

func skus(products []types.Product) []int64 {
	out := make([]int64, 0, len(products))
	for _, p := range products {
		out = append(out, p.SKU)
	}
	return out
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		dsn := filepath.Join(t.TempDir(), "nested", "pharmawatch.db")
		s, err := OpenSQLite(context.Background(), dsn)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		require.NoError(t, s.Migrate(context.Background()))
		return s
	})
}

func TestSQLiteStore_ForeignKeys(t *testing.T) {
	s, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Migrate(context.Background()))

	err = s.AppendStatus(context.Background(), types.StatusRecord{SKU: 404, ObservedAt: time.Now()})
	assert.Error(t, err, "status for an unknown product is rejected")
}

func TestOpen_Drivers(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.DatabaseConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "a.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteDB{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, config.DatabaseConfig{Driver: "mysql"})
	assert.Error(t, err)
}

func TestSQLitePath(t *testing.T) {
	assert.Equal(t, "", sqlitePath(":memory:"))
	assert.Equal(t, "", sqlitePath("file::memory:?cache=shared"))
	assert.Equal(t, "data/x.db", sqlitePath("file:data/x.db?_busy_timeout=100"))
	assert.Equal(t, "/tmp/y.db", sqlitePath("/tmp/y.db"))
}
