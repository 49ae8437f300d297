package job

import (
	"context"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type tempSweeper interface {
	SweepTemp(ctx context.Context, maxAge time.Duration) (int, error)
}

type TempSweepJob struct {
	sweeper tempSweeper
	maxAge  time.Duration
}

func NewTempSweepJob(sweeper tempSweeper, maxAge time.Duration) *TempSweepJob {
	return &TempSweepJob{sweeper: sweeper, maxAge: maxAge}
}

func (j *TempSweepJob) Name() string {
	return "temp_sweep"
}

func (j *TempSweepJob) Run(ctx context.Context) error {
	if j.sweeper == nil {
		return nil
	}
	maxAge := j.maxAge
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	n, err := j.sweeper.SweepTemp(ctx, maxAge)
	if err != nil {
		return err
	}
	if n > 0 {
		logutil.GetLogger(ctx).Info("stale job dirs removed", zap.Int("count", n))
	}
	return nil
}
