package modelcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/rvcd/internal/config"
	"github.com/xxxsen/rvcd/internal/device"
	"github.com/xxxsen/rvcd/internal/engine"
	"github.com/xxxsen/rvcd/internal/engine/enginetest"
	"github.com/xxxsen/rvcd/internal/modelstore"
	appErr "github.com/xxxsen/rvcd/internal/pkg/errors"
)

type fixture struct {
	cache  *Cache
	loader *enginetest.Loader
	dev    *device.Context
}

func newFixture(t *testing.T, capacity int, ids ...string) *fixture {
	t.Helper()
	loader := enginetest.NewLoader()
	return newFixtureWith(t, capacity, loader, loader, ids...)
}

func newFixtureWith(t *testing.T, capacity int, fake *enginetest.Loader, loader engine.Loader, ids ...string) *fixture {
	t.Helper()
	dir := t.TempDir()
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, id+".onnx")
	}
	require.NoError(t, enginetest.WriteModels(dir, names...))
	store, err := modelstore.New(config.ModelStoreConfig{Type: "local", Dir: dir, Extension: ".onnx"})
	require.NoError(t, err)
	dev, err := device.NewContext(device.NewStaticProber(0), device.Spec{Kind: device.KindCPU})
	require.NoError(t, err)
	cache, err := New(capacity, store, loader, dev)
	require.NoError(t, err)
	return &fixture{cache: cache, loader: fake, dev: dev}
}

func (f *fixture) use(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		lease, err := f.cache.GetOrLoad(context.Background(), id)
		require.NoError(t, err, id)
		lease.Release()
	}
}

func (f *fixture) pin(t *testing.T, id string) *Lease {
	t.Helper()
	lease, err := f.cache.GetOrLoad(context.Background(), id)
	require.NoError(t, err, id)
	return lease
}

func TestNewRejectsZeroCapacity(t *testing.T) {
	_, err := New(0, nil, nil, nil)
	require.Error(t, err)
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	f := newFixture(t, 2, "a", "b", "c")
	f.use(t, "a", "b", "c")
	require.Equal(t, 2, f.cache.Size())
	require.False(t, f.cache.Contains("a"))
	require.Equal(t, []string{"a.onnx"}, f.loader.Released())

	f.use(t, "a")
	require.True(t, f.cache.Contains("a"))
	require.True(t, f.cache.Contains("c"))
	require.False(t, f.cache.Contains("b"))
	require.Equal(t, []string{"a.onnx", "b.onnx"}, f.loader.Released())
	require.Equal(t, 2, f.loader.Loads("a.onnx"))
}

func TestHitRefreshesRecency(t *testing.T) {
	f := newFixture(t, 2, "a", "b", "c")
	f.use(t, "a", "b", "a", "c")
	require.True(t, f.cache.Contains("a"))
	require.False(t, f.cache.Contains("b"))
	require.Equal(t, 1, f.loader.Loads("a.onnx"))
}

func TestDefaultCapacityWorkload(t *testing.T) {
	ids := []string{"A", "B", "C", "D", "E", "F", "G", "H"}
	f := newFixture(t, config.DefaultCacheCapacity, ids...)
	f.use(t, ids...)
	require.Equal(t, 7, f.cache.Size())
	require.False(t, f.cache.Contains("A"))
	for _, id := range ids[1:] {
		require.True(t, f.cache.Contains(id), id)
	}
	require.Equal(t, "H.onnx", f.cache.Current())

	f.use(t, "B")
	require.Equal(t, 1, f.loader.Loads("B.onnx"))
	require.Equal(t, 7, f.loader.Live())
}

func TestRepeatedLoadIsIdempotent(t *testing.T) {
	f := newFixture(t, 3, "a")
	f.use(t, "a", "a", "a.onnx")
	require.Equal(t, 1, f.cache.Size())
	require.Equal(t, 1, f.loader.Loads("a.onnx"))
	require.Equal(t, "a.onnx", f.cache.Key("a"))
}

func TestReleasesBeforeLoadingReplacement(t *testing.T) {
	ids := []string{"m0", "m1", "m2", "m3", "m4", "m5", "m6", "m7", "m8", "m9"}
	f := newFixture(t, 2, ids...)
	f.use(t, ids...)
	f.use(t, ids...)
	require.LessOrEqual(t, f.loader.Peak(), 2)
	require.Equal(t, 2, f.loader.Live())
}

func TestUnknownModel(t *testing.T) {
	f := newFixture(t, 2, "a")
	_, err := f.cache.GetOrLoad(context.Background(), "missing")
	require.ErrorIs(t, err, appErr.ErrNotFound)
	require.Equal(t, 0, f.cache.Size())
}

func TestFailedLoadIsNotCached(t *testing.T) {
	f := newFixture(t, 2, "a")
	f.loader.FailNext("a.onnx", errors.New("corrupt weights"))
	_, err := f.cache.GetOrLoad(context.Background(), "a")
	require.ErrorIs(t, err, appErr.ErrModelLoadFailed)
	require.False(t, f.cache.Contains("a"))

	f.use(t, "a")
	require.True(t, f.cache.Contains("a"))
	require.Equal(t, 2, f.loader.Loads("a.onnx"))
}

func TestPinnedEntriesOverflowByOne(t *testing.T) {
	f := newFixture(t, 2, "a", "b", "c")
	a := f.pin(t, "a")
	b := f.pin(t, "b")
	c := f.pin(t, "c")
	require.Equal(t, 3, f.cache.Size())
	require.Empty(t, f.loader.Released())

	a.Release()
	require.Equal(t, 2, f.cache.Size())
	require.False(t, f.cache.Contains("a"))
	require.Equal(t, []string{"a.onnx"}, f.loader.Released())

	b.Release()
	c.Release()
	require.Equal(t, 2, f.cache.Size())
	require.LessOrEqual(t, f.loader.Peak(), 3)
}

func TestWaitsWhenOverflowSlotIsPinned(t *testing.T) {
	f := newFixture(t, 1, "a", "b", "c")
	a := f.pin(t, "a")
	b := f.pin(t, "b")
	require.Equal(t, 2, f.cache.Size())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.cache.GetOrLoad(ctx, "c")
	require.ErrorIs(t, err, appErr.ErrTimeout)
	require.Equal(t, 0, f.loader.Loads("c.onnx"))

	got := make(chan *Lease, 1)
	go func() {
		lease, err := f.cache.GetOrLoad(context.Background(), "c")
		if err != nil {
			close(got)
			return
		}
		got <- lease
	}()
	a.Release()
	var lease *Lease
	select {
	case lease = <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by the release")
	}
	require.NotNil(t, lease)
	require.Equal(t, "c.onnx", lease.Model())
	require.LessOrEqual(t, f.loader.Peak(), 2)
	lease.Release()
	b.Release()
	require.Equal(t, 1, f.cache.Size())
}

func TestConcurrentMissesShareOneLoad(t *testing.T) {
	loader := enginetest.NewLoader()
	loader.LoadGate = make(chan struct{})
	f := newFixtureWith(t, 2, loader, loader, "a")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := f.cache.GetOrLoad(context.Background(), "a")
			if err != nil {
				errs <- err
				return
			}
			lease.Release()
		}()
	}
	close(loader.LoadGate)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, loader.Loads("a.onnx"))
	require.Equal(t, 1, f.cache.Size())
}

func TestOutOfMemoryRetriesOnce(t *testing.T) {
	f := newFixture(t, 3, "a", "b", "c")
	f.use(t, "a", "b")
	f.loader.FailNext("c.onnx", fmt.Errorf("cuda alloc: %w", engine.ErrOutOfMemory))

	f.use(t, "c")
	require.Equal(t, 2, f.loader.Loads("c.onnx"))
	require.False(t, f.cache.Contains("a"))
	require.True(t, f.cache.Contains("b"))
	require.Equal(t, []string{"a.onnx"}, f.loader.Released())
}

func TestOutOfMemoryTwiceFails(t *testing.T) {
	f := newFixture(t, 3, "a", "c")
	f.use(t, "a")
	oom := fmt.Errorf("cuda alloc: %w", engine.ErrOutOfMemory)
	f.loader.FailNext("c.onnx", oom, oom)

	_, err := f.cache.GetOrLoad(context.Background(), "c")
	require.ErrorIs(t, err, appErr.ErrModelLoadFailed)
	require.ErrorIs(t, err, engine.ErrOutOfMemory)
	require.Equal(t, 2, f.loader.Loads("c.onnx"))
	require.Equal(t, 0, f.cache.Size())
	require.Equal(t, 0, f.loader.Live())
}

func TestInvalidateAllDetachesPinned(t *testing.T) {
	f := newFixture(t, 3, "a", "b")
	a := f.pin(t, "a")
	f.use(t, "b")

	require.Equal(t, 2, f.cache.InvalidateAll(context.Background()))
	require.Equal(t, 0, f.cache.Size())
	require.Equal(t, "", f.cache.Current())
	require.Equal(t, []string{"b.onnx"}, f.loader.Released())
	require.True(t, a.Stale())

	a.Release()
	a.Release()
	require.Equal(t, 0, f.loader.Live())
	require.Equal(t, []string{"b.onnx", "a.onnx"}, f.loader.Released())

	f.use(t, "a")
	require.Equal(t, 2, f.loader.Loads("a.onnx"))
}

func TestInvalidateOne(t *testing.T) {
	f := newFixture(t, 3, "a", "b")
	f.use(t, "a", "b")
	require.False(t, f.cache.Invalidate(context.Background(), "zzz"))
	require.True(t, f.cache.Invalidate(context.Background(), "a"))
	require.False(t, f.cache.Contains("a"))
	require.True(t, f.cache.Contains("b"))
	require.Equal(t, 1, f.loader.Live())
}

func TestDeviceSwitchMarksLeaseStale(t *testing.T) {
	f := newFixture(t, 2, "a")
	lease := f.pin(t, "a")
	require.False(t, lease.Stale())
	require.NoError(t, f.dev.Select(context.Background(), device.Spec{Kind: device.KindCPU}))
	require.True(t, lease.Stale())
	lease.Release()
}

type blockingLoader struct {
	*enginetest.Loader
	once    sync.Once
	entered chan struct{}
	proceed chan struct{}
}

func (l *blockingLoader) Load(ctx context.Context, path string, dev device.Spec) (engine.Handle, error) {
	first := false
	l.once.Do(func() { first = true })
	if first {
		close(l.entered)
		<-l.proceed
	}
	return l.Loader.Load(ctx, path, dev)
}

func TestLoadRacingDeviceSwitchIsRedone(t *testing.T) {
	fake := enginetest.NewLoader()
	loader := &blockingLoader{Loader: fake, entered: make(chan struct{}), proceed: make(chan struct{})}
	f := newFixtureWith(t, 2, fake, loader, "a")

	type result struct {
		lease *Lease
		err   error
	}
	done := make(chan result, 1)
	go func() {
		lease, err := f.cache.GetOrLoad(context.Background(), "a")
		done <- result{lease, err}
	}()
	<-loader.entered
	require.NoError(t, f.dev.Select(context.Background(), device.Spec{Kind: device.KindCPU}))
	close(loader.proceed)

	res := <-done
	require.NoError(t, res.err)
	require.False(t, res.lease.Stale())
	require.Equal(t, 2, fake.Loads("a.onnx"))
	require.Equal(t, []string{"a.onnx"}, fake.Released())
	require.Equal(t, 1, fake.Live())
	res.lease.Release()
}

func TestEvictIdle(t *testing.T) {
	f := newFixture(t, 3, "a", "b")
	now := time.Now()
	f.cache.now = func() time.Time { return now }
	f.use(t, "a", "b")

	now = now.Add(10 * time.Minute)
	f.use(t, "b")
	pinned := f.pin(t, "b")
	require.Equal(t, 0, f.cache.EvictIdle(context.Background(), 0))
	require.Equal(t, 1, f.cache.EvictIdle(context.Background(), 5*time.Minute))
	require.False(t, f.cache.Contains("a"))
	require.True(t, f.cache.Contains("b"))

	now = now.Add(time.Hour)
	require.Equal(t, 0, f.cache.EvictIdle(context.Background(), 5*time.Minute))
	pinned.Release()
	require.Equal(t, 1, f.cache.EvictIdle(context.Background(), 5*time.Minute))
	require.Equal(t, 0, f.loader.Live())
}

func TestSnapshotOrder(t *testing.T) {
	f := newFixture(t, 3, "a", "b", "c")
	f.use(t, "a", "b", "c", "a")
	snap := f.cache.Snapshot()
	require.Len(t, snap, 3)
	require.Equal(t, "b.onnx", snap[0].ID)
	require.Equal(t, "a.onnx", snap[2].ID)
	require.Equal(t, "cpu", snap[2].Device)
}

func TestClose(t *testing.T) {
	f := newFixture(t, 2, "a")
	f.use(t, "a")
	f.cache.Close(context.Background())
	require.Equal(t, 0, f.loader.Live())
	_, err := f.cache.GetOrLoad(context.Background(), "a")
	require.ErrorIs(t, err, ErrClosed)
}
