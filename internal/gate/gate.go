// Package gate serializes inference so at most one conversion runs on the
// device at a time.
package gate

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	appErr "github.com/xxxsen/rvcd/internal/pkg/errors"
)

// Gate admits one holder at a time. Waiters are admitted in arrival order.
type Gate struct {
	sem      *semaphore.Weighted
	waiting  atomic.Int64
	held     atomic.Bool
	admitted atomic.Uint64
	timeouts atomic.Uint64
}

func New() *Gate {
	return &Gate{sem: semaphore.NewWeighted(1)}
}

// Acquire blocks until the gate is free or ctx ends. The returned release
// func is safe to call more than once.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	g.waiting.Add(1)
	err := g.sem.Acquire(ctx, 1)
	g.waiting.Add(-1)
	if err != nil {
		g.timeouts.Add(1)
		return nil, appErr.FromContext(err, "waiting for the inference gate")
	}
	g.held.Store(true)
	g.admitted.Add(1)
	var released atomic.Bool
	return func() {
		if !released.CompareAndSwap(false, true) {
			return
		}
		g.held.Store(false)
		g.sem.Release(1)
	}, nil
}

// AcquireTimeout is Acquire bounded by d when d is positive.
func (g *Gate) AcquireTimeout(ctx context.Context, d time.Duration) (func(), error) {
	if d <= 0 {
		return g.Acquire(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return g.Acquire(ctx)
}

type Stats struct {
	Busy     bool   `json:"busy"`
	Waiting  int64  `json:"waiting"`
	Admitted uint64 `json:"admitted"`
	Timeouts uint64 `json:"timeouts"`
}

func (g *Gate) Stats() Stats {
	return Stats{
		Busy:     g.held.Load(),
		Waiting:  g.waiting.Load(),
		Admitted: g.admitted.Load(),
		Timeouts: g.timeouts.Load(),
	}
}
