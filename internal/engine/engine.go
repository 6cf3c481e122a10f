// Package engine is the control surface for discovery and monitoring runs.
// It allocates runs in the tracker, executes them on the worker pool in the
// background and exposes their progress.
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/pharma-watch/internal/config"
	"github.com/jonathan/pharma-watch/internal/db"
	"github.com/jonathan/pharma-watch/internal/discovery"
	"github.com/jonathan/pharma-watch/internal/fetch"
	"github.com/jonathan/pharma-watch/internal/monitoring"
	"github.com/jonathan/pharma-watch/internal/pool"
	"github.com/jonathan/pharma-watch/internal/session"
	"github.com/jonathan/pharma-watch/internal/tracker"
	"github.com/jonathan/pharma-watch/internal/types"
)

// Fetcher performs remote calls. *fetch.Client satisfies it.
type Fetcher interface {
	Execute(ctx context.Context, req fetch.Request) (*fetch.Response, error)
}

// Params carries the per-run parameters. Only the field matching the task type is read.
type Params struct {
	Discovery  types.DiscoveryRequest
	Monitoring types.MonitoringRequest
}

// InvalidParamsError is returned by StartRun when the parameters do not validate.
type InvalidParamsError struct {
	Message string
	Cause   error
}

func (e *InvalidParamsError) Error() string {
	return fmt.Sprintf("invalid run parameters: %s", e.Message)
}

func (e *InvalidParamsError) Unwrap() error {
	return e.Cause
}

// Engine runs discovery and monitoring. At most one run per task type is active.
type Engine struct {
	cfg     *config.Config
	store   db.Store
	client  Fetcher
	tracker *tracker.Tracker
	logger  *slog.Logger

	// runs are parented here rather than on the caller's context
	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	tracker []tracker.Option
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTrackerOptions passes options to the run tracker.
func WithTrackerOptions(opts ...tracker.Option) Option {
	return func(o *options) { o.tracker = append(o.tracker, opts...) }
}

// New creates an Engine. Terminal runs are archived to store.
func New(cfg *config.Config, store db.Store, client Fetcher, opts ...Option) *Engine {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("component", "engine")

	trackerOpts := append([]tracker.Option{tracker.WithArchiver(store), tracker.WithLogger(o.logger)}, o.tracker...)
	base, stop := context.WithCancel(context.Background())

	return &Engine{
		cfg:     cfg,
		store:   store,
		client:  client,
		tracker: tracker.New(trackerOpts...),
		logger:  logger,
		base:    base,
		stop:    stop,
	}
}

// NewFromConfig wires the production session manager and rate-limited client.
// The returned cleanup releases the headless browser when one was started.
func NewFromConfig(cfg *config.Config, store db.Store, logger *slog.Logger) (*Engine, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Credentials) == 0 {
		return nil, nil, errors.New("no credentials configured")
	}
	cred := cfg.PrimaryCredential()

	auth := &session.FormAuthenticator{
		LoginURL:  cfg.Source.LoginURL,
		UserAgent: cfg.Source.UserAgent,
		Timeout:   cfg.Source.RequestTimeout,
	}
	sessions := session.NewManager(auth, session.Credentials{
		Username: cred.Username,
		Password: cred.Password,
		ClientID: cred.ClientID,
	}, session.Options{
		TTL:           cfg.Session.TTL,
		ExpirySkew:    cfg.Session.ExpirySkew,
		LoginAttempts: cfg.Session.LoginAttempts,
		LoginBackoff:  cfg.Session.LoginBackoff,
		Logger:        logger,
	})

	cleanup := func() {}
	var renderer fetch.Renderer
	if cfg.Discovery.UseBrowser {
		browser := &fetch.BrowserRenderer{Timeout: cfg.Source.RequestTimeout, Logger: logger}
		renderer = browser
		cleanup = browser.Close
	}

	client := fetch.NewClient(sessions, fetch.Options{
		MaxConcurrency: cfg.Limits.MaxConcurrency,
		RatePerSecond:  cfg.Limits.RatePerSecond,
		Burst:          cfg.Limits.Burst,
		Retry: fetch.RetryPolicy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
			Multiplier:      cfg.Retry.Multiplier,
			Jitter:          cfg.Retry.Jitter,
		},
		Timeout:   cfg.Source.RequestTimeout,
		UserAgent: cfg.Source.UserAgent,
		LoginURL:  cfg.Source.LoginURL,
		Renderer:  renderer,
		Logger:    logger,
	})

	return New(cfg, store, client, WithLogger(logger)), cleanup, nil
}

// StartRun validates params, allocates a run and executes it in the background.
// It fails with *tracker.ConflictError when a run of taskType is active and
// with *InvalidParamsError when params do not validate.
func (e *Engine) StartRun(ctx context.Context, taskType types.TaskType, params Params) (uuid.UUID, error) {
	switch taskType {
	case types.TaskDiscovery:
		return e.startDiscovery(params.Discovery)
	case types.TaskMonitoring:
		return e.startMonitoring(params.Monitoring)
	default:
		return uuid.Nil, &InvalidParamsError{Message: fmt.Sprintf("unknown task type %q", taskType)}
	}
}

// GetStatus returns a snapshot of a run.
func (e *Engine) GetStatus(id uuid.UUID) (types.RunRecord, error) {
	return e.tracker.Snapshot(id)
}

// Cancel requests cancellation of a run. In-flight items finish; no new items start.
func (e *Engine) Cancel(id uuid.UUID) error {
	return e.tracker.RequestCancel(id)
}

// Latest returns the most recent run of taskType.
func (e *Engine) Latest(taskType types.TaskType) (types.RunRecord, bool) {
	return e.tracker.Latest(taskType)
}

// Runs returns the runs known to the tracker, newest first.
func (e *Engine) Runs() []types.RunRecord {
	return e.tracker.List()
}

// History merges live runs with archived ones from the store, newest first.
// An empty taskType matches all.
func (e *Engine) History(ctx context.Context, taskType types.TaskType, limit int) ([]types.RunRecord, error) {
	archived, err := e.store.ListRuns(ctx, taskType, limit)
	if err != nil {
		return nil, err
	}
	seen := make(map[uuid.UUID]bool)
	var runs []types.RunRecord
	for _, r := range e.tracker.List() {
		if taskType == "" || r.TaskType == taskType {
			seen[r.ID] = true
			runs = append(runs, r)
		}
	}
	for _, r := range archived {
		if !seen[r.ID] {
			runs = append(runs, r)
		}
	}
	slices.SortStableFunc(runs, func(a, b types.RunRecord) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// Changes returns a channel closed on the run's next update.
func (e *Engine) Changes(id uuid.UUID) (<-chan struct{}, error) {
	return e.tracker.Changes(id)
}

// Await blocks until the run is terminal or ctx is done.
func (e *Engine) Await(ctx context.Context, id uuid.UUID) (types.RunRecord, error) {
	for {
		changed, err := e.tracker.Changes(id)
		if err != nil {
			return types.RunRecord{}, err
		}
		rec, err := e.tracker.Snapshot(id)
		if err != nil {
			return types.RunRecord{}, err
		}
		if rec.State.Terminal() {
			return rec, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return rec, ctx.Err()
		}
	}
}

// Wait blocks until every run started so far has finished, including
// monitoring runs started by auto-sync.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels active runs and waits for them to finish or ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	for _, t := range []types.TaskType{types.TaskDiscovery, types.TaskMonitoring} {
		if rec, ok := e.tracker.Active(t); ok {
			_ = e.tracker.RequestCancel(rec.ID)
		}
	}
	defer e.stop()
	return e.Wait(ctx)
}

// Schedule starts a monitoring run with the configured defaults every interval
// until ctx is done. Ticks that find a monitoring run active are skipped.
func (e *Engine) Schedule(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	e.logger.Info("monitoring scheduler started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("monitoring scheduler stopped")
			return nil
		case <-ticker.C:
			id, err := e.StartRun(ctx, types.TaskMonitoring, Params{})
			var conflict *tracker.ConflictError
			switch {
			case errors.As(err, &conflict):
				e.logger.Info("scheduled monitoring skipped, run active", "active_run_id", conflict.ActiveID)
			case err != nil:
				e.logger.Error("scheduled monitoring failed to start", "error", err)
			default:
				e.logger.Info("scheduled monitoring started", "run_id", id)
			}
		}
	}
}

func (e *Engine) startDiscovery(req types.DiscoveryRequest) (uuid.UUID, error) {
	def := e.cfg.Discovery
	if req.StartPage == 0 {
		req.StartPage = def.StartPage
	}
	if req.EndPage == 0 {
		req.EndPage = max(def.EndPage, req.StartPage)
	}
	if req.Workers == 0 {
		req.Workers = def.Workers
	}
	if err := req.Validate(); err != nil {
		return uuid.Nil, &InvalidParamsError{Message: types.ValidationMessage(err), Cause: err}
	}

	rec, runCtx, err := e.tracker.Start(e.base, types.TaskDiscovery, req.Pages())
	if err != nil {
		return uuid.Nil, err
	}

	task := &discovery.Task{
		Client:            e.client,
		Store:             e.store,
		BaseURL:           e.cfg.Source.BaseURL,
		UseBrowser:        def.UseBrowser,
		FetchDescriptions: valueOr(req.FetchDescriptions, def.FetchDescriptions),
		Logger:            e.logger.With("run_id", rec.ID, "task", types.TaskDiscovery),
	}
	autoSync := valueOr(req.AutoSync, def.AutoSync)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		final, newSKUs := execute[int, discovery.PageResult](e, runCtx, rec.ID, discovery.Pages(req.StartPage, req.EndPage), task.Handle, req.Workers,
			func(r discovery.PageResult) []int64 { return r.NewSKUs })
		if autoSync && final.State == types.RunCompleted && len(newSKUs) > 0 {
			e.autoSync(final.ID, newSKUs)
		}
	}()
	return rec.ID, nil
}

func (e *Engine) startMonitoring(req types.MonitoringRequest) (uuid.UUID, error) {
	def := e.cfg.Monitoring
	if req.Workers == 0 {
		req.Workers = def.Workers
	}
	if req.Limit == 0 && len(req.SKUs) == 0 {
		req.Limit = def.Limit
	}
	if req.Keywords == nil && len(req.SKUs) == 0 {
		req.Keywords = def.Keywords
	}
	if err := req.Validate(); err != nil {
		return uuid.Nil, &InvalidParamsError{Message: types.ValidationMessage(err), Cause: err}
	}

	// the item count is known once the selection has been read
	rec, runCtx, err := e.tracker.Start(e.base, types.TaskMonitoring, 0)
	if err != nil {
		return uuid.Nil, err
	}

	task := &monitoring.Task{
		Client:        e.client,
		Store:         e.store,
		StatusURL:     e.cfg.Source.StatusURL,
		SearchURL:     e.cfg.Source.SearchURL,
		ClientID:      e.cfg.PrimaryCredential().ClientID,
		StockFallback: def.StockFallback,
		Logger:        e.logger.With("run_id", rec.ID, "task", types.TaskMonitoring),
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		products, err := monitoring.Select(runCtx, e.store, req.Filter())
		if err == nil {
			err = e.tracker.SetTotal(rec.ID, len(products))
		}
		if err != nil {
			_, _ = e.tracker.Finish(rec.ID, err)
			return
		}
		execute[types.Product, types.StatusRecord](e, runCtx, rec.ID, slices.Values(products), task.Handle, req.Workers, nil)
	}()
	return rec.ID, nil
}

// autoSync starts a monitoring run restricted to the SKUs a discovery run inserted.
func (e *Engine) autoSync(discoveryID uuid.UUID, skus []int64) {
	id, err := e.StartRun(e.base, types.TaskMonitoring, Params{Monitoring: types.MonitoringRequest{SKUs: skus}})
	var conflict *tracker.ConflictError
	switch {
	case errors.As(err, &conflict):
		e.logger.Info("auto-sync skipped, monitoring run active",
			"run_id", discoveryID, "active_run_id", conflict.ActiveID, "new_products", len(skus))
	case err != nil:
		e.logger.Error("auto-sync failed to start", "run_id", discoveryID, "error", err)
	default:
		e.logger.Info("auto-sync started", "run_id", discoveryID, "monitoring_run_id", id, "new_products", len(skus))
	}
}

// execute drives one run through the pool and finishes it in the tracker.
// Session exhaustion stops dispatch and fails the run. newOf extracts the
// SKUs an item inserted; they are returned for auto-sync.
func execute[T, R any](
	e *Engine,
	runCtx context.Context,
	id uuid.UUID,
	items iter.Seq[T],
	handler pool.Handler[T, R],
	workers int,
	newOf func(R) []int64,
) (types.RunRecord, []int64) {
	logger := e.logger.With("run_id", id)
	if err := e.tracker.MarkRunning(id); err != nil {
		// cancelled while pending
		rec, _ := e.tracker.Finish(id, runCtx.Err())
		return rec, nil
	}

	dispatchCtx, stopDispatch := context.WithCancel(runCtx)
	defer stopDispatch()

	results := pool.Run(dispatchCtx, items, handler, pool.Options[T]{
		Concurrency: workers,
		OnDispatch: func(T) {
			if err := e.tracker.Dispatched(id); err != nil {
				logger.Warn("failed to record dispatch", "error", err)
			}
		},
	})

	var (
		runErr  error
		newSKUs []int64
	)
	for r := range results {
		outcome := tracker.Outcome{Err: r.Err, Attempts: r.Attempts}
		if r.OK() && newOf != nil {
			skus := newOf(r.Value)
			outcome.NewProducts = len(skus)
			newSKUs = append(newSKUs, skus...)
		}
		if r.Err != nil {
			var authErr *session.AuthError
			if errors.As(r.Err, &authErr) && runErr == nil {
				runErr = authErr
				logger.Error("authentication failed, stopping run", "error", authErr)
				stopDispatch()
			} else {
				logger.Warn("item failed", "item", r.Item, "attempts", r.Attempts, "error", r.Err)
			}
		}
		if err := e.tracker.RecordResult(id, outcome); err != nil {
			logger.Error("failed to record result", "error", err)
		}
	}

	finishErr := runErr
	if finishErr == nil {
		finishErr = runCtx.Err()
	}
	rec, err := e.tracker.Finish(id, finishErr)
	if err != nil {
		logger.Error("failed to finish run", "error", err)
	}
	return rec, newSKUs
}

func valueOr(v *bool, def bool) bool {
	if v != nil {
		return *v
	}
	return def
}
