// Package compose provides the bounded-concurrency streaming combinator that
// chains a discovery sequence through a per-item transform with
// partial-success delivery.
package compose

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Transform maps one input item to one output item. A failure is reported as
// a value; it only ever affects that item's slot in the output stream.
type Transform[In, Out any] func(ctx context.Context, item In) (Out, error)

// Result is one output slot. Seq carries the input's submission index so
// callers that need input order can post-sort; delivery order itself follows
// completion.
type Result[Out any] struct {
	Seq   uint64
	Value Out
	Err   error
}

// Failed reports whether this slot carries an error.
func (r Result[Out]) Failed() bool { return r.Err != nil }

// Map pulls items from source and dispatches transform with at most
// maxConcurrency invocations in flight. The output channel closes once the
// source is exhausted and every in-flight transform has completed.
//
// Guarantees:
//   - exactly one Result per source item (partial success, no short-circuit),
//   - no more than maxConcurrency transforms in flight (bounding memory and
//     outbound connections),
//   - pulling stops as soon as ctx is cancelled; in-flight transforms drain
//     under their own timeouts.
func Map[In, Out any](
	ctx context.Context,
	source <-chan In,
	transform Transform[In, Out],
	maxConcurrency int,
) <-chan Result[Out] {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	out := make(chan Result[Out])

	go func() {
		defer close(out)

		var g errgroup.Group
		g.SetLimit(maxConcurrency)

		var seq uint64
	pull:
		for {
			select {
			case <-ctx.Done():
				break pull
			case item, ok := <-source:
				if !ok {
					break pull
				}
				s := seq
				seq++
				// Go blocks once maxConcurrency transforms are in
				// flight, which is what throttles the pull loop.
				g.Go(func() error {
					value, err := transform(ctx, item)
					select {
					case out <- Result[Out]{Seq: s, Value: value, Err: err}:
					case <-ctx.Done():
					}
					return nil
				})
			}
		}
		_ = g.Wait()
	}()

	return out
}

// Then chains two transforms into one, feeding f's output to g and stopping
// at the first failure for that item. Map(Map(src, f), g) is observably
// equivalent to Map(src, Then(f, g)).
func Then[A, B, C any](f Transform[A, B], g Transform[B, C]) Transform[A, C] {
	return func(ctx context.Context, item A) (C, error) {
		b, err := f(ctx, item)
		if err != nil {
			var zero C
			return zero, err
		}
		return g(ctx, b)
	}
}

// Collect drains a result channel into a slice, for bounded sources where
// blocking until exhaustion is acceptable.
func Collect[Out any](results <-chan Result[Out]) []Result[Out] {
	var all []Result[Out]
	for r := range results {
		all = append(all, r)
	}
	return all
}
