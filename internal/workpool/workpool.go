// Package workpool fans a batch of independent items out over a bounded
// number of goroutines and collects one result per item.
package workpool

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

const DefaultWidth = 8

// ErrNotAdmitted marks items that never started because the batch deadline
// passed or the context ended first.
var ErrNotAdmitted = errors.New("workpool: not admitted")

type Options struct {
	// Width caps concurrent work. Zero means DefaultWidth.
	Width int
	// Deadline stops admitting new items. Items already running finish under
	// the caller's context. Zero means no deadline.
	Deadline time.Time
	Now      func() time.Time
}

type Result[T, V any] struct {
	Index int
	Item  T
	Value V
	Err   error
}

// Admitted reports whether the item ran.
func (r Result[T, V]) Admitted() bool {
	return !errors.Is(r.Err, ErrNotAdmitted)
}

// Run calls fn for every item with at most Width calls in flight and returns
// the results in input order. A failing item never cancels its siblings.
func Run[T, V any](ctx context.Context, items []T, opts Options, fn func(ctx context.Context, item T) (V, error)) []Result[T, V] {
	width := opts.Width
	if width <= 0 {
		width = DefaultWidth
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	results := make(chan Result[T, V], len(items))
	var g errgroup.Group
	g.SetLimit(width)

	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			// Admission is decided when a slot frees up, not when queued.
			if err := ctx.Err(); err != nil {
				results <- Result[T, V]{Index: i, Item: item, Err: errors.Join(ErrNotAdmitted, err)}
				return nil
			}
			if !opts.Deadline.IsZero() && !now().Before(opts.Deadline) {
				results <- Result[T, V]{Index: i, Item: item, Err: ErrNotAdmitted}
				return nil
			}
			v, err := fn(ctx, item)
			results <- Result[T, V]{Index: i, Item: item, Value: v, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	out := make([]Result[T, V], len(items))
	for r := range results {
		out[r.Index] = r
	}
	return out
}
