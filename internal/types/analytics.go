package types

import "time"

// Mover is a SKU whose stock dropped over the pulse window. SalesEstimate is the drop;
// Velocity projects it to units per day.
type Mover struct {
	SKU           int64   `json:"sku"`
	Name          string  `json:"name"`
	SalesEstimate int     `json:"sales_est"`
	StartStock    int     `json:"start_stock"`
	EndStock      int     `json:"end_stock"`
	Velocity      float64 `json:"velocity"`
}

// LowStockItem is a SKU whose latest observation shows fewer than LowStockThreshold units left.
type LowStockItem struct {
	SKU        int64     `json:"sku"`
	Name       string    `json:"name"`
	Stock      int       `json:"stock"`
	FinalPrice *float64  `json:"final_price,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// PulseStats summarizes the monitored catalog.
type PulseStats struct {
	TotalMonitored int `json:"total_monitored"`
	MoversCount    int `json:"movers_count"`
}

// Pulse is the market snapshot served by the analytics endpoint.
type Pulse struct {
	Hours         int            `json:"hours"`
	FastestMovers []Mover        `json:"fastest_movers"`
	LowStock      []LowStockItem `json:"low_stock"`
	Stats         PulseStats     `json:"stats"`
}

// LowStockThreshold is the exclusive upper bound for a low stock entry.
const LowStockThreshold = 10
