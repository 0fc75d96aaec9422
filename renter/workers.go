package renter

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// forEachLimit calls fn for each i in [0, n), running at most limit calls
// concurrently, and waits for all of them to return. Once any call fails or
// ctx is cancelled, no further calls are started.
func forEachLimit(ctx context.Context, n, limit int, fn func(i int) error) error {
	if limit <= 0 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error { return fn(i) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
