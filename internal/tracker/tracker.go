// Package tracker records the progress of discovery and monitoring runs.
// It allows one non-terminal run per task type and exposes consistent snapshots.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/pharma-watch/internal/types"
)

// DefaultHistory is the number of finished runs kept in memory.
const DefaultHistory = 50

// ConflictError is returned when a run of the same task type is still active.
type ConflictError struct {
	TaskType types.TaskType
	ActiveID uuid.UUID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("a %s run is already active: %s", e.TaskType, e.ActiveID)
}

// NotFoundError is returned for unknown run IDs.
type NotFoundError struct {
	ID uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("run not found: %s", e.ID)
}

// StateError reports an update that the run's current state does not allow.
type StateError struct {
	ID      uuid.UUID
	State   types.RunState
	Message string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("run %s (%s): %s", e.ID, e.State, e.Message)
}

// Outcome is the accounting view of one resolved work item.
type Outcome struct {
	Err         error
	Attempts    int
	NewProducts int
}

// Archiver persists finished runs.
type Archiver interface {
	SaveRun(ctx context.Context, run types.RunRecord) error
}

type entry struct {
	rec     types.RunRecord
	cancel  context.CancelFunc
	changed chan struct{}
}

// Tracker owns every RunRecord. All mutations go through its methods.
type Tracker struct {
	mu      sync.Mutex
	runs    map[uuid.UUID]*entry
	active  map[types.TaskType]uuid.UUID
	history int

	archiver Archiver
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithArchiver persists runs once they reach a terminal state.
func WithArchiver(a Archiver) Option {
	return func(t *Tracker) { t.archiver = a }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithHistory sets how many finished runs are kept in memory.
func WithHistory(n int) Option {
	return func(t *Tracker) { t.history = n }
}

// New creates a Tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		runs:    make(map[uuid.UUID]*entry),
		active:  make(map[types.TaskType]uuid.UUID),
		history: DefaultHistory,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "tracker")
	return t
}

// Start allocates a Pending run. The returned context is cancelled by RequestCancel
// and when the run finishes. It fails with *ConflictError if a non-terminal run of
// taskType exists; no run is created in that case.
func (t *Tracker) Start(parent context.Context, taskType types.TaskType, total int) (types.RunRecord, context.Context, error) {
	if !taskType.Valid() {
		return types.RunRecord{}, nil, fmt.Errorf("unknown task type %q", taskType)
	}
	if total < 0 {
		return types.RunRecord{}, nil, fmt.Errorf("total items must be >= 0, got %d", total)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.active[taskType]; ok {
		if e := t.runs[id]; e != nil && !e.rec.State.Terminal() {
			return types.RunRecord{}, nil, &ConflictError{TaskType: taskType, ActiveID: id}
		}
	}

	ctx, cancel := context.WithCancel(parent)
	e := &entry{
		rec: types.RunRecord{
			ID:         uuid.New(),
			TaskType:   taskType,
			State:      types.RunPending,
			TotalItems: total,
			StartedAt:  t.now(),
		},
		cancel:  cancel,
		changed: make(chan struct{}),
	}
	t.runs[e.rec.ID] = e
	t.active[taskType] = e.rec.ID
	t.evictLocked()

	t.logger.Info("run started", "run_id", e.rec.ID, "task", taskType, "total", total)
	return t.snapshotLocked(e), ctx, nil
}

// SetTotal sets the item count of a run that is still Pending.
func (t *Tracker) SetTotal(id uuid.UUID, total int) error {
	return t.update(id, func(e *entry) error {
		if e.rec.State != types.RunPending {
			return &StateError{ID: id, State: e.rec.State, Message: "total can only change while pending"}
		}
		if total < 0 {
			return fmt.Errorf("total items must be >= 0, got %d", total)
		}
		e.rec.TotalItems = total
		return nil
	})
}

// MarkRunning moves a Pending run to Running.
func (t *Tracker) MarkRunning(id uuid.UUID) error {
	return t.update(id, func(e *entry) error {
		if e.rec.State != types.RunPending {
			return &StateError{ID: id, State: e.rec.State, Message: "only pending runs can start"}
		}
		e.rec.State = types.RunRunning
		return nil
	})
}

// Dispatched notes that an item's handler has started.
func (t *Tracker) Dispatched(id uuid.UUID) error {
	return t.update(id, func(e *entry) error {
		if e.rec.State.Terminal() {
			return &StateError{ID: id, State: e.rec.State, Message: "run already finished"}
		}
		e.rec.InFlight++
		return nil
	})
}

// RecordResult accounts for one resolved item. Each item must be recorded exactly once.
func (t *Tracker) RecordResult(id uuid.UUID, o Outcome) error {
	return t.update(id, func(e *entry) error {
		if e.rec.State.Terminal() {
			return &StateError{ID: id, State: e.rec.State, Message: "run already finished"}
		}
		if e.rec.Resolved() >= e.rec.TotalItems {
			return &StateError{ID: id, State: e.rec.State, Message: "more results than items"}
		}
		if e.rec.InFlight > 0 {
			e.rec.InFlight--
		}
		if o.Err != nil {
			e.rec.FailedItems++
			e.rec.LastItemError = o.Err.Error()
		} else {
			e.rec.CompletedItems++
		}
		if o.Attempts > 1 {
			e.rec.RetriedItems++
		}
		e.rec.NewProducts += o.NewProducts
		return nil
	})
}

// RequestCancel asks the run to stop dispatching. It is idempotent and a no-op on finished runs.
func (t *Tracker) RequestCancel(id uuid.UUID) error {
	return t.update(id, func(e *entry) error {
		if e.rec.State.Terminal() || e.rec.CancelRequested {
			return nil
		}
		e.rec.CancelRequested = true
		e.cancel()
		t.logger.Info("cancel requested", "run_id", id, "task", e.rec.TaskType)
		return nil
	})
}

// Finish moves the run to its terminal state: Failed when err is a run-level error,
// Cancelled when cancellation was requested, Completed otherwise. A run that claims
// completion with unresolved items is marked Failed. Finishing twice is a no-op.
func (t *Tracker) Finish(id uuid.UUID, err error) (types.RunRecord, error) {
	var (
		rec     types.RunRecord
		changed bool
	)
	uerr := t.update(id, func(e *entry) error {
		if e.rec.State.Terminal() {
			rec = t.snapshotLocked(e)
			return nil
		}
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			e.rec.State = types.RunFailed
			e.rec.Error = err.Error()
		case e.rec.CancelRequested || errors.Is(err, context.Canceled):
			e.rec.State = types.RunCancelled
		case e.rec.Resolved() != e.rec.TotalItems:
			e.rec.State = types.RunFailed
			e.rec.Error = fmt.Sprintf("run ended with %d of %d items resolved", e.rec.Resolved(), e.rec.TotalItems)
		default:
			e.rec.State = types.RunCompleted
		}
		end := t.now()
		e.rec.EndedAt = &end
		e.rec.ElapsedMs = end.Sub(e.rec.StartedAt).Milliseconds()
		e.rec.InFlight = 0
		e.cancel()
		rec = t.snapshotLocked(e)
		changed = true
		return nil
	})
	if uerr != nil {
		return types.RunRecord{}, uerr
	}
	if changed {
		t.logger.Info("run finished",
			"run_id", rec.ID, "task", rec.TaskType, "state", rec.State,
			"completed", rec.CompletedItems, "failed", rec.FailedItems, "elapsed_ms", rec.ElapsedMs)
		t.archive(rec)
	}
	return rec, nil
}

// Snapshot returns a consistent copy of the run.
func (t *Tracker) Snapshot(id uuid.UUID) (types.RunRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.runs[id]
	if !ok {
		return types.RunRecord{}, &NotFoundError{ID: id}
	}
	return t.snapshotLocked(e), nil
}

// Changes returns a channel that is closed on the run's next update.
func (t *Tracker) Changes(id uuid.UUID) (<-chan struct{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.runs[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return e.changed, nil
}

// Latest returns the most recent run of taskType.
func (t *Tracker) Latest(taskType types.TaskType) (types.RunRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.active[taskType]
	if !ok {
		return types.RunRecord{}, false
	}
	e, ok := t.runs[id]
	if !ok {
		return types.RunRecord{}, false
	}
	return t.snapshotLocked(e), true
}

// Active returns the non-terminal run of taskType, if any.
func (t *Tracker) Active(taskType types.TaskType) (types.RunRecord, bool) {
	rec, ok := t.Latest(taskType)
	if !ok || rec.State.Terminal() {
		return types.RunRecord{}, false
	}
	return rec, true
}

// List returns all known runs, newest first.
func (t *Tracker) List() []types.RunRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.RunRecord, 0, len(t.runs))
	for _, e := range t.runs {
		out = append(out, t.snapshotLocked(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (t *Tracker) update(id uuid.UUID, fn func(e *entry) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.runs[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	if err := fn(e); err != nil {
		return err
	}
	close(e.changed)
	e.changed = make(chan struct{})
	return nil
}

func (t *Tracker) snapshotLocked(e *entry) types.RunRecord {
	rec := e.rec
	if rec.EndedAt != nil {
		end := *rec.EndedAt
		rec.EndedAt = &end
	} else {
		rec.ElapsedMs = t.now().Sub(rec.StartedAt).Milliseconds()
	}
	return rec
}

// evictLocked drops the oldest finished runs beyond the history limit.
func (t *Tracker) evictLocked() {
	if t.history <= 0 || len(t.runs) <= t.history {
		return
	}
	var finished []*entry
	for _, e := range t.runs {
		if e.rec.State.Terminal() && t.active[e.rec.TaskType] != e.rec.ID {
			finished = append(finished, e)
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].rec.StartedAt.Before(finished[j].rec.StartedAt) })
	for _, e := range finished {
		if len(t.runs) <= t.history {
			return
		}
		delete(t.runs, e.rec.ID)
	}
}

func (t *Tracker) archive(rec types.RunRecord) {
	if t.archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.archiver.SaveRun(ctx, rec); err != nil {
		t.logger.Error("failed to archive run", "run_id", rec.ID, "error", err)
	}
}
