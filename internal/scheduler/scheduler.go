// Package scheduler 基于 cron 的定时任务调度，多实例部署时用 Redis 锁保证单实例执行
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-endpoints/internal/metrics"
	"github.com/eidos-exchange/eidos-endpoints/pkg/lock"
	"github.com/eidos-exchange/eidos-endpoints/pkg/logger"
)

// 执行状态
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Config 调度器配置
type Config struct {
	// RedisClient 为空时任务不加锁
	RedisClient redis.UniversalClient
	// LockPrefix 锁 key 前缀
	LockPrefix string
	Logger     *zap.Logger
}

// Scheduler 任务调度器
type Scheduler struct {
	cron       *cron.Cron
	redis      redis.UniversalClient
	lockPrefix string
	log        *zap.Logger

	mu   sync.RWMutex
	jobs map[string]Job
	// busy 本实例正在执行的任务，同一任务不重入
	busy sync.Map

	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建调度器
func New(cfg Config) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	log := cfg.Logger
	if log == nil {
		log = logger.Named("scheduler")
	}
	return &Scheduler{
		cron:       cron.New(cron.WithSeconds()),
		redis:      cfg.RedisClient,
		lockPrefix: cfg.LockPrefix,
		log:        log,
		jobs:       make(map[string]Job),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// RegisterJob 注册任务
func (s *Scheduler) RegisterJob(job Job, spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name()]; exists {
		return fmt.Errorf("job %s already registered", job.Name())
	}
	if _, err := s.cron.AddFunc(spec, func() { s.Run(job) }); err != nil {
		return fmt.Errorf("failed to add cron job %s: %w", job.Name(), err)
	}
	s.jobs[job.Name()] = job

	s.log.Info("job registered", zap.String("job", job.Name()), zap.String("cron", spec))
	return nil
}

// Start 启动调度器
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Stop 停止调度器并等待正在执行的任务结束
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// TriggerJob 手动触发任务
func (s *Scheduler) TriggerJob(name string) error {
	s.mu.RLock()
	job, exists := s.jobs[name]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("job %s not found", name)
	}
	go s.Run(job)
	return nil
}

// Run 同步执行一次任务，返回执行状态
func (s *Scheduler) Run(job Job) string {
	name := job.Name()
	if _, loaded := s.busy.LoadOrStore(name, struct{}{}); loaded {
		s.log.Debug("job still running, skipping", zap.String("job", name))
		return s.record(name, StatusSkipped)
	}
	defer s.busy.Delete(name)

	select {
	case <-s.ctx.Done():
		return s.record(name, StatusSkipped)
	default:
	}

	ctx, cancel := context.WithTimeout(s.ctx, job.Timeout())
	defer cancel()

	start := time.Now()
	var result *JobResult
	exec := func(ctx context.Context) error {
		var err error
		result, err = job.Execute(ctx)
		return err
	}

	var err error
	if s.redis != nil && job.LockTTL() > 0 {
		locker := lock.NewRedisLocker(s.redis, s.lockPrefix, job.LockTTL())
		err = locker.WithLock(ctx, name, exec)
		if err == lock.ErrLockAcquireFailed {
			s.log.Debug("job is running on another instance", zap.String("job", name))
			return s.record(name, StatusSkipped)
		}
	} else {
		err = exec(ctx)
	}

	duration := time.Since(start)
	metrics.JobDuration.WithLabelValues(name).Observe(duration.Seconds())
	if err != nil {
		s.log.Error("job failed", zap.String("job", name), zap.Duration("duration", duration), zap.Error(err))
		return s.record(name, StatusFailed)
	}

	fields := []zap.Field{zap.String("job", name), zap.Duration("duration", duration)}
	if result != nil {
		fields = append(fields, zap.Int64("affected", result.AffectedCount), zap.Any("details", result.Details))
	}
	s.log.Info("job completed", fields...)
	return s.record(name, StatusSuccess)
}

func (s *Scheduler) record(name, status string) string {
	metrics.JobExecutionsTotal.WithLabelValues(name, status).Inc()
	return status
}

// Jobs 已注册的任务名称
func (s *Scheduler) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}
