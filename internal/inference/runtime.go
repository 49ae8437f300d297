// Package inference owns the process-wide device, model cache and gate, and
// hands each conversion a pinned model with exclusive use of the device.
package inference

import (
	"context"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/rvcd/internal/device"
	"github.com/xxxsen/rvcd/internal/engine"
	"github.com/xxxsen/rvcd/internal/gate"
	"github.com/xxxsen/rvcd/internal/modelcache"
	"github.com/xxxsen/rvcd/internal/modelstore"
	appErr "github.com/xxxsen/rvcd/internal/pkg/errors"
)

// A lease detached by a device switch is reloaded at most this many times
// while its request holds the gate.
const maxReloads = 2

type Options struct {
	LoadTimeout      time.Duration
	GateTimeout      time.Duration
	InferenceTimeout time.Duration
}

type Runtime struct {
	dev   *device.Context
	cache *modelcache.Cache
	gate  *gate.Gate
	store modelstore.Store
	opts  Options
}

// InferFunc runs against a pinned handle while the gate is held. Its
// context is never cancelled by the caller's deadline.
type InferFunc func(ctx context.Context, h engine.Handle) error

func New(dev *device.Context, cache *modelcache.Cache, g *gate.Gate, store modelstore.Store, opts Options) *Runtime {
	r := &Runtime{dev: dev, cache: cache, gate: g, store: store, opts: opts}
	dev.OnSwitch(func(prev, next device.Spec) {
		cache.InvalidateAll(context.Background())
	})
	return r
}

func (r *Runtime) Store() modelstore.Store {
	return r.store
}

func (r *Runtime) Cache() *modelcache.Cache {
	return r.cache
}

func (r *Runtime) Device() *device.Context {
	return r.dev
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (r *Runtime) acquire(ctx context.Context, id string) (*modelcache.Lease, error) {
	loadCtx, cancel := withTimeout(ctx, r.opts.LoadTimeout)
	defer cancel()
	return r.cache.GetOrLoad(loadCtx, id)
}

// Warm loads id into the cache without running inference.
func (r *Runtime) Warm(ctx context.Context, id string) (string, error) {
	lease, err := r.acquire(ctx, id)
	if err != nil {
		return "", err
	}
	defer lease.Release()
	return lease.Model(), nil
}

// Run pins id, waits for the gate and calls fn with the model's handle.
//
// The returned channel closes once fn has returned and both the gate and
// the pin are released. When the inference deadline passes first, Run
// returns ErrTimeout while fn keeps running; callers must not free what fn
// uses until the channel closes. On any error before fn starts the channel
// is already closed.
func (r *Runtime) Run(ctx context.Context, id string, fn InferFunc) (<-chan struct{}, error) {
	finished := make(chan struct{})
	logger := logutil.GetLogger(ctx).With(zap.String("model", id))

	lease, err := r.acquire(ctx, id)
	if err != nil {
		close(finished)
		return finished, err
	}
	release, err := r.gate.AcquireTimeout(ctx, r.opts.GateTimeout)
	if err != nil {
		lease.Release()
		close(finished)
		logger.Warn("gate wait timed out", zap.Error(err))
		return finished, err
	}
	for reloads := 0; lease.Stale(); reloads++ {
		lease.Release()
		if reloads >= maxReloads {
			release()
			close(finished)
			return finished, appErr.New(appErr.ErrModelLoadFailed, "device kept switching before inference")
		}
		logger.Info("model left the cache while waiting, reloading")
		if lease, err = r.acquire(ctx, id); err != nil {
			release()
			close(finished)
			return finished, err
		}
	}

	var runErr error
	start := time.Now()
	inferCtx := context.WithoutCancel(ctx)
	go func() {
		defer close(finished)
		defer release()
		defer lease.Release()
		runErr = fn(inferCtx, lease.Handle())
	}()

	var deadline <-chan time.Time
	if r.opts.InferenceTimeout > 0 {
		timer := time.NewTimer(r.opts.InferenceTimeout)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case <-finished:
		if runErr != nil {
			logger.Error("inference failed", zap.Error(runErr), zap.Duration("took", time.Since(start)))
			return finished, runErr
		}
		logger.Info("inference finished", zap.String("device", r.dev.Current().String()), zap.Duration("took", time.Since(start)))
		return finished, nil
	case <-deadline:
		logger.Warn("inference exceeded its deadline, leaving it to finish", zap.Duration("limit", r.opts.InferenceTimeout))
		return finished, appErr.New(appErr.ErrTimeout, "inference deadline exceeded")
	case <-ctx.Done():
		logger.Warn("caller gave up during inference, leaving it to finish", zap.Error(ctx.Err()))
		return finished, appErr.FromContext(ctx.Err(), "inference")
	}
}

// SelectDevice switches the compute device once no inference is running.
// The cache is empty when it returns.
func (r *Runtime) SelectDevice(ctx context.Context, raw string) (device.Spec, error) {
	spec, err := device.ParseSpec(raw)
	if err != nil {
		return device.Spec{}, err
	}
	release, err := r.gate.AcquireTimeout(ctx, r.opts.GateTimeout)
	if err != nil {
		return device.Spec{}, err
	}
	defer release()
	if err := r.dev.Select(ctx, spec); err != nil {
		return device.Spec{}, err
	}
	return spec, nil
}

func (r *Runtime) Models(ctx context.Context) ([]string, error) {
	return r.store.List(ctx)
}

// Invalidate drops id so the next request reloads it.
func (r *Runtime) Invalidate(ctx context.Context, id string) bool {
	return r.cache.Invalidate(ctx, id)
}

func (r *Runtime) EvictIdle(ctx context.Context, maxIdle time.Duration) int {
	return r.cache.EvictIdle(ctx, maxIdle)
}

type Status struct {
	Device        string                 `json:"device"`
	CUDAAvailable bool                   `json:"cuda_available"`
	DeviceCount   int                    `json:"device_count"`
	CurrentModel  string                 `json:"current_model"`
	CacheSize     int                    `json:"cache_size"`
	CacheCapacity int                    `json:"cache_capacity"`
	Entries       []modelcache.EntryInfo `json:"entries"`
	Gate          gate.Stats             `json:"gate"`
}

func (r *Runtime) Status() Status {
	entries := r.cache.Snapshot()
	return Status{
		Device:        r.dev.Current().String(),
		CUDAAvailable: r.dev.IsAvailable(),
		DeviceCount:   r.dev.Count(),
		CurrentModel:  r.cache.Current(),
		CacheSize:     len(entries),
		CacheCapacity: r.cache.Capacity(),
		Entries:       entries,
		Gate:          r.gate.Stats(),
	}
}

// Close releases every cached model. Pinned models are released as their
// requests finish.
func (r *Runtime) Close(ctx context.Context) {
	r.cache.Close(ctx)
}
