package async

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Outcome is the per-item result of Settle.
type Outcome[T any] struct {
	Index int
	Value T
	Err   error
}

// Settle runs fn for every item concurrently and waits for all of them. A
// failing item never cancels or blocks its siblings; every outcome is
// returned in input order. limit <= 0 means unbounded.
func Settle[I, T any](ctx context.Context, items []I, limit int, fn func(context.Context, I) (T, error)) []Outcome[T] {
	out := make([]Outcome[T], len(items))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, item := range items {
		g.Go(func() error {
			v, err := fn(ctx, item)
			out[i] = Outcome[T]{Index: i, Value: v, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Failures counts outcomes that carry an error.
func Failures[T any](outcomes []Outcome[T]) int {
	n := 0
	for _, o := range outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}
