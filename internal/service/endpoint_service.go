// Package service 端点选择的对外门面
//
// EndpointService 把注册表、探测、评分和排序串成一轮对账，并按间隔缓存结果。
// 调用方只需要 CurrentEndpoints / BestProtocolAPI，必要时由门面触发对账。
package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/eidos-exchange/eidos-endpoints/internal/events"
	"github.com/eidos-exchange/eidos-endpoints/internal/metrics"
	"github.com/eidos-exchange/eidos-endpoints/internal/model"
	"github.com/eidos-exchange/eidos-endpoints/internal/ranker"
	"github.com/eidos-exchange/eidos-endpoints/internal/registry"
	"github.com/eidos-exchange/eidos-endpoints/internal/scorer"
	"github.com/eidos-exchange/eidos-endpoints/pkg/errors"
	"github.com/eidos-exchange/eidos-endpoints/pkg/logger"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Prober 探测接口，由 prober.Prober 实现
type Prober interface {
	ProbeAll(ctx context.Context, endpoints []model.Endpoint) []model.ProbeResult
	Inspect(ctx context.Context, ep *model.Endpoint) (*model.ConnectionReport, error)
}

// History 探测历史存储，由 repository.ProbeRepository 实现
type History interface {
	SaveBatch(ctx context.Context, records []*model.ProbeRecord) error
	ListRecent(ctx context.Context, kind model.Kind, name string, limit int) ([]*model.ProbeRecord, error)
}

// Observer 每轮对账结束后收到所有类别的选择
type Observer interface {
	OnSelection(states []model.SelectionState)
}

// ObserverFunc 函数形式的 Observer
type ObserverFunc func(states []model.SelectionState)

func (f ObserverFunc) OnSelection(states []model.SelectionState) { f(states) }

// Config 服务配置
type Config struct {
	// Interval 两轮对账的最小间隔
	Interval time.Duration
	// ProtocolKind BestProtocolAPI 的默认类别
	ProtocolKind model.Kind
}

// Option 服务选项
type Option func(*EndpointService)

// WithHistory 启用探测历史
func WithHistory(h History) Option {
	return func(s *EndpointService) { s.history = h }
}

// WithSink 设置事件下游，默认只写日志
func WithSink(sink events.Sink) Option {
	return func(s *EndpointService) { s.sink = sink }
}

// WithObserver 追加对账观察者
func WithObserver(o Observer) Option {
	return func(s *EndpointService) { s.observers = append(s.observers, o) }
}

// WithClock 替换时钟，测试使用
func WithClock(now func() time.Time) Option {
	return func(s *EndpointService) { s.now = now }
}

// WithLogger 设置日志
func WithLogger(l *zap.Logger) Option {
	return func(s *EndpointService) { s.log = l }
}

// EndpointService 端点选择门面
type EndpointService struct {
	cfg      Config
	registry *registry.Registry
	prober   Prober
	scorer   *scorer.Scorer
	selector *ranker.Selector

	history   History
	sink      events.Sink
	observers []Observer
	now       func() time.Time
	log       *zap.Logger

	flight  singleflight.Group
	running atomic.Bool
	// reloadMu 重载与对账互斥，避免一轮对账跨越两份目录
	reloadMu sync.Mutex
}

// New 创建服务
func New(reg *registry.Registry, p Prober, sc *scorer.Scorer, cfg Config, opts ...Option) *EndpointService {
	if cfg.Interval <= 0 {
		cfg.Interval = 300 * time.Second
	}
	if cfg.ProtocolKind == "" {
		cfg.ProtocolKind = model.KindProtocolAPI
	}

	s := &EndpointService{
		cfg:      cfg,
		registry: reg,
		prober:   p,
		scorer:   sc,
		selector: ranker.NewSelector(),
		now:      time.Now,
		log:      logger.Named("endpoint-service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sink == nil {
		s.sink = events.NewLogSink(s.log)
	}
	return s
}

// Seed 设置初始选择，首轮对账确认前不可用
func (s *EndpointService) Seed(states ...model.SelectionState) {
	for _, st := range states {
		s.selector.Seed(st.Kind, st.PrimaryName, st.BackupName)
	}
}

// SeedMissing 只为还没有选择的类别设置初始选择，重载时使用，不覆盖已确认的主/备
func (s *EndpointService) SeedMissing(states ...model.SelectionState) {
	for _, st := range states {
		if s.selector.SeedIfEmpty(st.Kind, st.PrimaryName, st.BackupName) {
			s.log.Info("selection seeded", zap.String("kind", string(st.Kind)), zap.String("primary", st.PrimaryName))
		}
	}
}

// CurrentEndpoints 返回类别当前的主/备端点。必要时先执行一轮对账
func (s *EndpointService) CurrentEndpoints(ctx context.Context, kind model.Kind) (*model.EndpointPair, error) {
	if len(s.registry.Names(kind)) == 0 {
		return nil, errors.ErrEndpointNotFound.WithMessagef("no endpoints registered for kind %s", kind)
	}

	if err := s.ensureFresh(ctx, func() bool { return s.Available(kind) }); err != nil {
		return nil, err
	}

	st, _ := s.selector.Current(kind)
	if !st.Available {
		metrics.NoEndpointErrorsTotal.WithLabelValues(string(kind)).Inc()
		return nil, errors.NoEndpoint(string(kind))
	}

	primary, ok := s.registry.Get(st.PrimaryName)
	if !ok {
		return nil, errors.NoEndpoint(string(kind))
	}
	backup, ok := s.registry.Get(st.BackupName)
	if !ok {
		backup = primary
	}

	return &model.EndpointPair{
		Kind:    kind,
		Primary: model.RefOf(&primary),
		Backup:  model.RefOf(&backup),
	}, nil
}

// BestProtocolAPI 返回协议 API 类别当前主端点的名称，kind 为空时使用默认协议类别
func (s *EndpointService) BestProtocolAPI(ctx context.Context, kind model.Kind) (string, error) {
	if kind == "" {
		kind = s.cfg.ProtocolKind
	}
	pair, err := s.CurrentEndpoints(ctx, kind)
	if err != nil {
		return "", err
	}
	return pair.Primary.Name, nil
}

// StatusSnapshot 返回所有端点的状态和各类别的选择，不触发探测
func (s *EndpointService) StatusSnapshot(_ context.Context) *model.StatusSnapshot {
	records := s.registry.Snapshot()
	snap := &model.StatusSnapshot{
		Endpoints:  make([]model.StatusEntry, 0, len(records)),
		Selections: []model.SelectionView{},
	}
	for i := range records {
		snap.Endpoints = append(snap.Endpoints, model.EntryOf(&records[i]))
	}

	for _, st := range s.selector.All() {
		view := model.SelectionView{Kind: st.Kind, Available: st.Available}
		if e, ok := s.registry.Get(st.PrimaryName); ok && st.PrimaryName != "" {
			ref := model.RefOf(&e)
			view.Primary = &ref
		}
		if e, ok := s.registry.Get(st.BackupName); ok && st.BackupName != "" {
			ref := model.RefOf(&e)
			view.Backup = &ref
		}
		snap.Selections = append(snap.Selections, view)
	}

	if last := s.selector.LastReconciledAt(); !last.IsZero() {
		snap.LastReconciledAt = &last
	}
	return snap
}

// TestConnection 对类别当前主端点做一次连接测试
func (s *EndpointService) TestConnection(ctx context.Context, kind model.Kind) (*model.ConnectionReport, error) {
	pair, err := s.CurrentEndpoints(ctx, kind)
	if err != nil {
		return nil, err
	}
	rec, ok := s.registry.Get(pair.Primary.Name)
	if !ok {
		return nil, errors.ErrEndpointNotFound.WithDetail("name", pair.Primary.Name)
	}
	return s.prober.Inspect(ctx, &rec)
}

// History 查询端点的探测历史
func (s *EndpointService) History(ctx context.Context, kind model.Kind, name string, limit int) ([]*model.ProbeRecord, error) {
	if s.history == nil {
		return nil, errors.ErrServiceUnavailable.WithMessage("probe history is disabled")
	}
	if !s.registry.Has(kind, name) {
		return nil, errors.ErrEndpointNotFound.WithDetail("name", name)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	records, err := s.history.ListRecent(ctx, kind, name, limit)
	if err != nil {
		return nil, errors.WrapWithCause(errors.ErrInternal, err, "list probe history")
	}
	return records, nil
}

// Reload 整体替换端点目录。已删除端点的选择被清除，下一次调用会重新对账
func (s *EndpointService) Reload(endpoints []model.Endpoint) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if err := s.registry.Replace(endpoints); err != nil {
		return err
	}
	for _, st := range s.selector.All() {
		s.selector.Prune(st.Kind, s.registry.Names(st.Kind))
	}
	s.selector.ResetReconciled()

	s.log.Info("endpoint registry reloaded", zap.Int("endpoints", s.registry.Len()))
	return nil
}

// Available 类别当前是否有可用主端点
func (s *EndpointService) Available(kind model.Kind) bool {
	st, ok := s.selector.Current(kind)
	return ok && st.Available
}

// Selections 所有类别的当前选择
func (s *EndpointService) Selections() []model.SelectionState {
	return s.selector.All()
}

// Kinds 已注册的类别
func (s *EndpointService) Kinds() []model.Kind {
	return s.registry.Kinds()
}
