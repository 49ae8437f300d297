package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	appErr "github.com/xxxsen/rvcd/internal/pkg/errors"
)

func TestAcquireIsExclusive(t *testing.T) {
	g := New()
	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := g.Acquire(context.Background())
			if err != nil {
				return
			}
			defer release()
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), peak.Load())
	require.Equal(t, uint64(16), g.Stats().Admitted)
	require.False(t, g.Stats().Busy)
}

func TestAcquireTimeout(t *testing.T) {
	g := New()
	release, err := g.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, g.Stats().Busy)

	_, err = g.AcquireTimeout(context.Background(), 20*time.Millisecond)
	require.ErrorIs(t, err, appErr.ErrTimeout)
	require.Equal(t, uint64(1), g.Stats().Timeouts)

	release()
	release()
	again, err := g.AcquireTimeout(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	again()
}

func TestWaitersAdmittedInOrder(t *testing.T) {
	g := New()
	release, err := g.Acquire(context.Background())
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rel, err := g.Acquire(context.Background())
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			rel()
		}(i)
		require.Eventually(t, func() bool { return g.Stats().Waiting == int64(i+1) }, time.Second, time.Millisecond)
		// let the waiter reach the semaphore queue
		time.Sleep(10 * time.Millisecond)
	}
	release()
	wg.Wait()
	require.Equal(t, []int{0, 1, 2, 3}, order)
}
