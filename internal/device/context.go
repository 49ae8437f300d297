// Package device owns the single compute context models are bound to.
package device

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	appErr "github.com/xxxsen/rvcd/internal/pkg/errors"
)

// SwitchHook runs after the context moved to next. Hooks must release every
// handle bound to prev before returning.
type SwitchHook func(prev, next Spec)

type Context struct {
	mu         sync.RWMutex
	prober     Prober
	current    Spec
	generation atomic.Uint64
	hooks      []SwitchHook
}

func NewContext(prober Prober, initial Spec) (*Context, error) {
	c := &Context{prober: prober}
	if err := c.check(initial); err != nil {
		return nil, err
	}
	c.current = initial
	c.generation.Store(1)
	return c, nil
}

// OnSwitch registers fn to run on every successful Select.
func (c *Context) OnSwitch(fn SwitchHook) {
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

func (c *Context) Current() Spec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Generation changes on every Select; handles built under an older value
// belong to a dead context.
func (c *Context) Generation() uint64 {
	return c.generation.Load()
}

func (c *Context) IsAvailable() bool {
	return c.prober.Available(KindCUDA)
}

func (c *Context) Count() int {
	return c.prober.Count(KindCUDA)
}

func (c *Context) ClearCache() error {
	return c.prober.ClearCache(c.Current())
}

func (c *Context) check(spec Spec) error {
	if !c.prober.Available(spec.Kind) {
		return appErr.Newf(appErr.ErrDeviceUnavailable, "%s is not available", spec.Kind)
	}
	if count := c.prober.Count(spec.Kind); spec.Index >= count {
		return appErr.Newf(appErr.ErrDeviceUnavailable, "invalid device index %d for %s, %d present", spec.Index, spec.Kind, count)
	}
	return nil
}

// Select rebinds the process to spec. On failure the previous binding is
// untouched. On success every registered hook has run, and the allocator
// cache has been cleared, before Select returns.
func (c *Context) Select(ctx context.Context, spec Spec) error {
	if err := c.check(spec); err != nil {
		return err
	}
	c.mu.Lock()
	prev := c.current
	c.current = spec
	c.generation.Add(1)
	hooks := make([]SwitchHook, len(c.hooks))
	copy(hooks, c.hooks)
	c.mu.Unlock()

	for _, hook := range hooks {
		hook(prev, spec)
	}
	if err := c.prober.ClearCache(prev); err != nil {
		logutil.GetLogger(ctx).Warn("clear device cache failed", zap.String("device", prev.String()), zap.Error(err))
	}
	logutil.GetLogger(ctx).Info("device switched", zap.String("from", prev.String()), zap.String("to", spec.String()))
	return nil
}
