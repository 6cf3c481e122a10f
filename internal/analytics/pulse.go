// Package analytics derives market indicators from stored status history.
package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/jonathan/pharma-watch/internal/types"
)

// MaxEntries caps each pulse list.
const MaxEntries = 50

// Reader is the slice of db.Store the pulse needs.
type Reader interface {
	StatusSince(ctx context.Context, since time.Time) ([]types.StatusRecord, error)
	LatestStatuses(ctx context.Context) ([]types.StatusRecord, error)
	ListProducts(ctx context.Context, filter types.ProductFilter) ([]types.Product, error)
}

// Pulse computes stock movers over the hours before now and the current low stock list.
func Pulse(ctx context.Context, store Reader, hours int, now time.Time) (*types.Pulse, error) {
	if hours < 1 {
		return nil, fmt.Errorf("pulse window must be at least one hour, got %d", hours)
	}

	window, err := store.StatusSince(ctx, now.Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		return nil, err
	}
	latest, err := store.LatestStatuses(ctx)
	if err != nil {
		return nil, err
	}

	movers := Movers(window, hours)
	low := LowStock(latest)

	names, err := productNames(ctx, store, movers, low)
	if err != nil {
		return nil, err
	}
	for i := range movers {
		movers[i].Name = names[movers[i].SKU]
	}
	for i := range low {
		low[i].Name = names[low[i].SKU]
	}

	return &types.Pulse{
		Hours:         hours,
		FastestMovers: movers[:min(len(movers), MaxEntries)],
		LowStock:      low[:min(len(low), MaxEntries)],
		Stats: types.PulseStats{
			TotalMonitored: len(latest),
			MoversCount:    len(movers),
		},
	}, nil
}

// Movers compares the first and last observation of every SKU in history, which
// must be grouped by SKU and ordered by time. SKUs with fewer than two observations,
// an unknown stock at either end, or no drop are skipped. The result is sorted by
// SalesEstimate, largest first.
func Movers(history []types.StatusRecord, hours int) []types.Mover {
	movers := []types.Mover{}
	for start := 0; start < len(history); {
		end := start
		for end+1 < len(history) && history[end+1].SKU == history[start].SKU {
			end++
		}
		first, last := history[start], history[end]
		single := end == start
		start = end + 1

		if single || first.Stock == nil || last.Stock == nil {
			continue
		}
		drop := *first.Stock - *last.Stock
		if drop <= 0 {
			continue
		}
		movers = append(movers, types.Mover{
			SKU:           first.SKU,
			SalesEstimate: drop,
			StartStock:    *first.Stock,
			EndStock:      *last.Stock,
			Velocity:      math.Round(float64(drop)/float64(hours)*24*10) / 10,
		})
	}
	sort.SliceStable(movers, func(i, j int) bool {
		if movers[i].SalesEstimate != movers[j].SalesEstimate {
			return movers[i].SalesEstimate > movers[j].SalesEstimate
		}
		return movers[i].SKU < movers[j].SKU
	})
	return movers
}

// LowStock keeps the observations with 0 < stock < LowStockThreshold, lowest stock first.
func LowStock(latest []types.StatusRecord) []types.LowStockItem {
	items := []types.LowStockItem{}
	for _, rec := range latest {
		if rec.Stock == nil || *rec.Stock <= 0 || *rec.Stock >= types.LowStockThreshold {
			continue
		}
		items = append(items, types.LowStockItem{
			SKU:        rec.SKU,
			Stock:      *rec.Stock,
			FinalPrice: rec.FinalPrice,
			ObservedAt: rec.ObservedAt,
		})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Stock != items[j].Stock {
			return items[i].Stock < items[j].Stock
		}
		return items[i].SKU < items[j].SKU
	})
	return items
}

func productNames(ctx context.Context, store Reader, movers []types.Mover, low []types.LowStockItem) (map[int64]string, error) {
	var skus []int64
	for _, m := range movers[:min(len(movers), MaxEntries)] {
		skus = append(skus, m.SKU)
	}
	for _, l := range low[:min(len(low), MaxEntries)] {
		skus = append(skus, l.SKU)
	}
	names := make(map[int64]string, len(skus))
	if len(skus) == 0 {
		return names, nil
	}
	products, err := store.ListProducts(ctx, types.ProductFilter{SKUs: skus})
	if err != nil {
		return nil, err
	}
	for _, p := range products {
		names[p.SKU] = p.Name
	}
	return names, nil
}
