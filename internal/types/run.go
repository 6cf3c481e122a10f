package types

import (
	"time"

	"github.com/google/uuid"
)

// TaskType identifies which engine task a run executes.
type TaskType string

const (
	// TaskDiscovery scans listing pages for new products.
	TaskDiscovery TaskType = "discovery"
	// TaskMonitoring checks stock and price for known products.
	TaskMonitoring TaskType = "monitoring"
)

// Valid reports whether t names a known task.
func (t TaskType) Valid() bool {
	return t == TaskDiscovery || t == TaskMonitoring
}

// RunState is the lifecycle state of a run.
type RunState string

// RunState constants
const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// Terminal reports whether no further transitions are possible from s.
func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// RunRecord is a point-in-time view of a run's progress.
type RunRecord struct {
	ID              uuid.UUID  `json:"id"`
	TaskType        TaskType   `json:"task_type"`
	State           RunState   `json:"state"`
	TotalItems      int        `json:"total_items"`
	CompletedItems  int        `json:"completed_items"`
	FailedItems     int        `json:"failed_items"`
	RetriedItems    int        `json:"retried_items"`
	InFlight        int        `json:"in_flight"`
	NewProducts     int        `json:"new_products"`
	CancelRequested bool       `json:"cancel_requested"`
	Error           string     `json:"error,omitempty"`
	LastItemError   string     `json:"last_item_error,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	ElapsedMs       int64      `json:"elapsed_ms"`
}

// Resolved returns the number of items that reached an outcome.
func (r RunRecord) Resolved() int {
	return r.CompletedItems + r.FailedItems
}
