// Package workpool bounds the number of concurrent blocking jobs.
package workpool

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// DefaultSize is used when a pool is created with a non-positive size.
const DefaultSize = 4

// Pool admits at most Size concurrent jobs.
type Pool struct {
	size int64
	sem  *semaphore.Weighted
}

// New returns a pool with size slots.
func New(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool{size: int64(size), sem: semaphore.NewWeighted(int64(size))}
}

// Size returns the slot count.
func (p *Pool) Size() int {
	return int(p.size)
}

// Do waits for a free slot and runs fn in the caller's goroutine. It returns
// ctx.Err() without running fn if ctx ends first.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn(ctx)
}
