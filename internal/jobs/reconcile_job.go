// Package jobs 端点服务的定时任务
package jobs

import (
	"context"
	"time"

	"github.com/eidos-exchange/eidos-endpoints/internal/model"
	"github.com/eidos-exchange/eidos-endpoints/internal/scheduler"
	"github.com/eidos-exchange/eidos-endpoints/internal/service"
)

// Reconciler 对账入口，由 service.EndpointService 实现
type Reconciler interface {
	ReconcileNow(ctx context.Context, trigger service.Trigger) error
	Selections() []model.SelectionState
}

// ReconcileJob 周期性后台对账，使缓存的选择不依赖调用方触发也保持新鲜
type ReconcileJob struct {
	scheduler.BaseJob
	svc Reconciler
}

// NewReconcileJob 创建对账任务。lockTTL 为 0 时不加分布式锁
func NewReconcileJob(svc Reconciler, timeout, lockTTL time.Duration) *ReconcileJob {
	return &ReconcileJob{
		BaseJob: scheduler.NewBaseJob(scheduler.JobNameReconcile, timeout, lockTTL),
		svc:     svc,
	}
}

// Execute 执行一轮对账
func (j *ReconcileJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	if err := j.svc.ReconcileNow(ctx, service.TriggerCron); err != nil {
		return nil, err
	}

	states := j.svc.Selections()
	details := make(map[string]interface{}, len(states))
	var unavailable []string
	for _, st := range states {
		details[string(st.Kind)] = st.PrimaryName
		if !st.Available {
			unavailable = append(unavailable, string(st.Kind))
		}
	}
	if len(unavailable) > 0 {
		details["unavailable"] = unavailable
	}
	return &scheduler.JobResult{AffectedCount: int64(len(states)), Details: details}, nil
}
