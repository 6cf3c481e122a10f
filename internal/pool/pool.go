// Package pool runs a handler over a sequence of items with bounded concurrency.
package pool

import (
	"context"
	"fmt"
	"iter"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Handler processes one item. It returns the payload, the number of attempts it
// took (0 is reported as 1) and an error when the item failed.
type Handler[T, R any] func(ctx context.Context, item T) (R, int, error)

// Result is the outcome of one dispatched item.
type Result[T, R any] struct {
	Item     T
	Value    R
	Err      error
	Attempts int
	Duration time.Duration
}

// OK reports whether the item succeeded.
func (r Result[T, R]) OK() bool {
	return r.Err == nil
}

// PanicError wraps a panic raised by a handler.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

// Options configures a Run.
type Options[T any] struct {
	Concurrency int
	// OnDispatch is called from the dispatch loop right before an item's handler starts.
	OnDispatch func(item T)
}

// Run dispatches items to handler with at most opts.Concurrency handlers in flight
// and streams one Result per dispatched item, in completion order. The returned
// channel is closed once every dispatched handler has returned.
//
// Cancelling ctx stops dispatch of further items. Handlers already running are not
// interrupted: they receive a context that is detached from ctx's cancellation, and
// their results are still delivered. A handler panic becomes a failed Result for
// that item only. The caller must drain the channel.
func Run[T, R any](ctx context.Context, items iter.Seq[T], handler Handler[T, R], opts Options[T]) <-chan Result[T, R] {
	n := opts.Concurrency
	if n < 1 {
		n = 1
	}
	out := make(chan Result[T, R], n)
	work := context.WithoutCancel(ctx)

	go func() {
		defer close(out)

		sem := semaphore.NewWeighted(int64(n))
		var wg sync.WaitGroup

		for item := range items {
			if ctx.Err() != nil {
				break
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				break
			}
			// Acquire may win the race against a cancellation that already happened.
			if ctx.Err() != nil {
				sem.Release(1)
				break
			}
			if opts.OnDispatch != nil {
				opts.OnDispatch(item)
			}

			wg.Add(1)
			go func(item T) {
				defer wg.Done()
				defer sem.Release(1)
				out <- invoke(work, handler, item)
			}(item)
		}

		wg.Wait()
	}()

	return out
}

func invoke[T, R any](ctx context.Context, handler Handler[T, R], item T) (res Result[T, R]) {
	start := time.Now()
	res.Item = item
	res.Attempts = 1
	defer func() {
		if p := recover(); p != nil {
			res.Err = &PanicError{Value: p, Stack: debug.Stack()}
		}
		res.Duration = time.Since(start)
	}()

	value, attempts, err := handler(ctx, item)
	res.Value = value
	res.Err = err
	if attempts > 1 {
		res.Attempts = attempts
	}
	return res
}

// Collect drains results into a slice.
func Collect[T, R any](results <-chan Result[T, R]) []Result[T, R] {
	var all []Result[T, R]
	for r := range results {
		all = append(all, r)
	}
	return all
}
