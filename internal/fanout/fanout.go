// Package fanout runs one operation per item with bounded concurrency and a
// paced start rate, for commands that address every device at once.
package fanout

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const DefaultWorkers = 4

type Pool struct {
	workers int
	limiter *rate.Limiter
}

// New returns a pool running at most workers operations at once and starting
// at most perSecond operations per second. perSecond <= 0 disables pacing.
func New(workers int, perSecond float64) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}

	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}

	return &Pool{
		workers: workers,
		limiter: rate.NewLimiter(limit, 1),
	}
}

func (p *Pool) Workers() int {
	return p.workers
}

// Each calls fn for every item and returns the per-item errors in input
// order. One item failing does not stop the others; a cancelled ctx stops
// items that have not started yet.
func Each[T any](ctx context.Context, p *Pool, items []T, fn func(context.Context, T) error) []error {
	errs := make([]error, len(items))

	var g errgroup.Group
	g.SetLimit(p.workers)

	for i, item := range items {
		g.Go(func() error {
			if err := p.limiter.Wait(ctx); err != nil {
				errs[i] = err
				return nil
			}
			errs[i] = fn(ctx, item)
			return nil
		})
	}

	_ = g.Wait()
	return errs
}

// Join combines the non-nil per-item errors, labelling each with its item.
func Join[T any](items []T, errs []error, label func(T) string) error {
	var joined []error
	for i, err := range errs {
		if err != nil {
			joined = append(joined, fmt.Errorf("%s: %w", label(items[i]), err))
		}
	}
	return errors.Join(joined...)
}
