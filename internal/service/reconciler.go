package service

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-endpoints/internal/metrics"
	"github.com/eidos-exchange/eidos-endpoints/internal/model"
	"github.com/eidos-exchange/eidos-endpoints/internal/ranker"
)

// Trigger 对账触发来源
type Trigger string

const (
	TriggerLazy   Trigger = "lazy"
	TriggerForced Trigger = "forced"
	TriggerCron   Trigger = "cron"
)

const flightKey = "reconcile"

// fresh 上一轮对账是否仍在间隔内
func (s *EndpointService) fresh() bool {
	last := s.selector.LastReconciledAt()
	return !last.IsZero() && s.now().Sub(last) < s.cfg.Interval
}

// EnsureFresh 间隔内直接返回；否则执行一轮对账。
// 并发调用共享同一轮对账，已有可用选择的调用方不等待正在进行的对账
func (s *EndpointService) EnsureFresh(ctx context.Context) error {
	return s.ensureFresh(ctx, s.selector.Published)
}

func (s *EndpointService) ensureFresh(ctx context.Context, served func() bool) error {
	if s.fresh() {
		return nil
	}
	if s.running.Load() && served() {
		return nil
	}
	_, err := s.reconcile(ctx, TriggerLazy, false)
	return err
}

// ProbeNow 忽略间隔立即对账
func (s *EndpointService) ProbeNow(ctx context.Context) error {
	return s.ReconcileNow(ctx, TriggerForced)
}

// ReconcileNow 忽略间隔立即对账，trigger 只用于指标和日志。
// 如果加入的是一轮发现结果仍新鲜而未探测的对账，会再发起一次
func (s *EndpointService) ReconcileNow(ctx context.Context, trigger Trigger) error {
	for {
		probed, err := s.reconcile(ctx, trigger, true)
		if err != nil || probed {
			return err
		}
	}
}

// reconcile 通过 singleflight 执行一轮对账，返回这一轮是否真正探测了端点。
// 对账使用脱离调用方取消的 context，调用方放弃等待不会中断共享的对账
func (s *EndpointService) reconcile(ctx context.Context, trigger Trigger, force bool) (bool, error) {
	ch := s.flight.DoChan(flightKey, func() (interface{}, error) {
		if !force && s.fresh() {
			return false, nil
		}
		s.running.Store(true)
		defer s.running.Store(false)

		s.runPass(context.WithoutCancel(ctx), trigger)
		return true, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		probed, _ := res.Val.(bool)
		return probed, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// pending 一个待投递的事件及其类别当时的选择
type pending struct {
	event     *model.SelectionEvent
	selection model.SelectionState
}

// runPass 探测全部端点 -> 评分 -> 按类别排序并发布选择 -> 投递事件
func (s *EndpointService) runPass(ctx context.Context, trigger Trigger) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	start := time.Now()
	passID := uuid.NewString()
	log := s.log.With(zap.String("pass_id", passID), zap.String("trigger", string(trigger)))

	records := s.registry.Snapshot()
	results := s.prober.ProbeAll(ctx, records)

	byName := make(map[string]*model.ProbeResult, len(results))
	for i := range results {
		byName[results[i].Name] = &results[i]
	}
	for i := range records {
		if r, ok := byName[records[i].Name]; ok {
			r.ApplyTo(&records[i])
		}
		records[i].State.Score = s.scorer.Score(&records[i])
	}
	s.registry.ApplyStates(records)
	s.saveHistory(ctx, log, passID, records)

	now := s.now()
	var out []pending
	for _, kind := range kindsOf(records) {
		evs, err := s.selector.Publish(ranker.Rank(kind, records), now)
		st, _ := s.selector.Current(kind)
		if err != nil {
			log.Debug("no eligible endpoint", zap.String("kind", string(kind)), zap.Error(err))
		}
		metrics.SelectionAvailable.WithLabelValues(string(kind)).Set(boolGauge(st.Available))
		for _, ev := range evs {
			out = append(out, pending{event: ev, selection: st})
		}
	}
	s.selector.MarkReconciled(now)

	healthy := 0
	for i := range records {
		metrics.RecordEndpoint(&records[i])
		if records[i].State.Status == model.StatusHealthy {
			healthy++
		}
	}
	metrics.ReconcilePassesTotal.WithLabelValues(string(trigger)).Inc()
	metrics.ReconcileDuration.Observe(time.Since(start).Seconds())

	for _, p := range out {
		metrics.SelectionEventsTotal.WithLabelValues(string(p.event.Kind), string(p.event.Type)).Inc()
		if err := s.sink.Publish(ctx, p.event, p.selection); err != nil {
			log.Warn("publish selection event failed", zap.String("event_id", p.event.ID), zap.Error(err))
		}
	}

	states := s.selector.All()
	for _, o := range s.observers {
		o.OnSelection(states)
	}

	log.Info("reconcile pass finished",
		zap.Int("endpoints", len(records)),
		zap.Int("healthy", healthy),
		zap.Int("events", len(out)),
		zap.Duration("duration", time.Since(start)))
}

func (s *EndpointService) saveHistory(ctx context.Context, log *zap.Logger, passID string, records []model.Endpoint) {
	if s.history == nil {
		return
	}
	createdAt := s.now().UnixMilli()
	rows := make([]*model.ProbeRecord, 0, len(records))
	for i := range records {
		rows = append(rows, model.NewProbeRecord(passID, &records[i], createdAt))
	}
	if err := s.history.SaveBatch(ctx, rows); err != nil {
		metrics.ProbeHistoryErrorsTotal.Inc()
		log.Warn("save probe history failed", zap.Error(err))
	}
}

func kindsOf(records []model.Endpoint) []model.Kind {
	seen := make(map[model.Kind]struct{})
	var kinds []model.Kind
	for i := range records {
		if _, ok := seen[records[i].Kind]; ok {
			continue
		}
		seen[records[i].Kind] = struct{}{}
		kinds = append(kinds, records[i].Kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
