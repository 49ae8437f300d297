package job

import (
	"context"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type idleEvicter interface {
	EvictIdle(ctx context.Context, maxIdle time.Duration) int
}

// ModelIdleSweepJob frees device memory held by models nobody has used
// for maxIdle.
type ModelIdleSweepJob struct {
	cache   idleEvicter
	maxIdle time.Duration
}

func NewModelIdleSweepJob(cache idleEvicter, maxIdle time.Duration) *ModelIdleSweepJob {
	return &ModelIdleSweepJob{cache: cache, maxIdle: maxIdle}
}

func (j *ModelIdleSweepJob) Name() string {
	return "model_idle_sweep"
}

func (j *ModelIdleSweepJob) Run(ctx context.Context) error {
	if j.cache == nil || j.maxIdle <= 0 {
		return nil
	}
	if n := j.cache.EvictIdle(ctx, j.maxIdle); n > 0 {
		logutil.GetLogger(ctx).Info("idle models evicted", zap.Int("count", n), zap.Duration("max_idle", j.maxIdle))
	}
	return nil
}
