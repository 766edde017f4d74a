package jobs

import (
	"context"
	"time"

	"github.com/eidos-exchange/eidos-endpoints/internal/scheduler"
)

// HistoryPruner 探测历史清理，由 repository.ProbeRepository 实现
type HistoryPruner interface {
	DeleteBefore(ctx context.Context, before int64) (int64, error)
}

// HistoryCleanupJob 删除超过保留时长的探测历史
type HistoryCleanupJob struct {
	scheduler.BaseJob
	repo      HistoryPruner
	retention time.Duration
	now       func() time.Time
}

// NewHistoryCleanupJob 创建探测历史清理任务
func NewHistoryCleanupJob(repo HistoryPruner, retention, lockTTL time.Duration) *HistoryCleanupJob {
	return &HistoryCleanupJob{
		BaseJob:   scheduler.NewBaseJob(scheduler.JobNameHistoryCleanup, 5*time.Minute, lockTTL),
		repo:      repo,
		retention: retention,
		now:       time.Now,
	}
}

// Execute 执行清理
func (j *HistoryCleanupJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	cutoff := j.now().Add(-j.retention).UnixMilli()
	deleted, err := j.repo.DeleteBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	return &scheduler.JobResult{
		AffectedCount: deleted,
		Details:       map[string]interface{}{"cutoff": cutoff},
	}, nil
}
