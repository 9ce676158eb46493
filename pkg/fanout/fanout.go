// Package fanout runs independent oracle-bound operations with a ceiling on
// how many are in flight, and hands back results in submission order.
package fanout

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// Result is the outcome of one item. Err is per item; a failed item never
// cancels its siblings.
type Result[R any] struct {
	Index int
	Value R
	Err   error
}

// Run calls fn for every item with at most limit calls in flight and blocks
// until all have returned. Items not yet started when ctx is done are marked
// with ctx.Err() instead of running.
func Run[T, R any](ctx context.Context, items []T, limit int, fn func(ctx context.Context, i int, item T) (R, error)) []Result[R] {
	results := make([]Result[R], len(items))
	if len(items) == 0 {
		return results
	}
	if limit < 1 {
		limit = 1
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, item := range items {
		results[i].Index = i
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Value, results[i].Err = fn(ctx, i, item)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Values returns the values of the successful results, in order.
func Values[R any](results []Result[R]) []R {
	out := make([]R, 0, len(results))
	for _, r := range results {
		if r.Err == nil {
			out = append(out, r.Value)
		}
	}
	return out
}

// Failed returns the failed results.
func Failed[R any](results []Result[R]) []Result[R] {
	var out []Result[R]
	for _, r := range results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

// Err joins every per-item error, or returns nil when all succeeded.
func Err[R any](results []Result[R]) error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errors.Join(errs...)
}
