package scheduler

import (
	"context"
	"time"
)

// Job 定时任务
type Job interface {
	// Name 任务名称
	Name() string
	// Execute 执行任务
	Execute(ctx context.Context) (*JobResult, error)
	// Timeout 任务超时时间
	Timeout() time.Duration
	// LockTTL 分布式锁的 TTL，0 表示无需加锁
	LockTTL() time.Duration
}

// JobResult 任务执行结果
type JobResult struct {
	// AffectedCount 影响的记录数
	AffectedCount int64
	// Details 详细信息
	Details map[string]interface{}
}

// BaseJob 基础任务实现
type BaseJob struct {
	name    string
	timeout time.Duration
	lockTTL time.Duration
}

// NewBaseJob 创建基础任务
func NewBaseJob(name string, timeout, lockTTL time.Duration) BaseJob {
	return BaseJob{name: name, timeout: timeout, lockTTL: lockTTL}
}

// Name 任务名称
func (j BaseJob) Name() string { return j.name }

// Timeout 任务超时时间
func (j BaseJob) Timeout() time.Duration { return j.timeout }

// LockTTL 锁的TTL
func (j BaseJob) LockTTL() time.Duration { return j.lockTTL }

// 任务名称
const (
	JobNameReconcile      = "endpoint-reconcile"
	JobNameHistoryCleanup = "probe-history-cleanup"
)
