package job

import (
	"context"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/rvcd/internal/modelstore"
)

// ModelSyncJob pulls new or changed artifacts from a remote store into the
// local model dir.
type ModelSyncJob struct {
	syncer modelstore.Syncer
}

func NewModelSyncJob(syncer modelstore.Syncer) *ModelSyncJob {
	return &ModelSyncJob{syncer: syncer}
}

func (j *ModelSyncJob) Name() string {
	return "model_sync"
}

func (j *ModelSyncJob) Run(ctx context.Context) error {
	if j.syncer == nil {
		return nil
	}
	n, err := j.syncer.Sync(ctx)
	if err != nil {
		return err
	}
	logutil.GetLogger(ctx).Info("model store synced", zap.Int("fetched", n))
	return nil
}
