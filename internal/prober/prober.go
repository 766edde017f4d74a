// Package prober 端点健康探测
//
// 每个端点最多两个入口 (主入口的状态接口与副入口的健康接口)，各自带超时独立检查:
// 两个都成功为 healthy，一个成功为 degraded，都失败为 down；单入口端点只有 healthy / down。
// 检查失败只记录在结果里，不会作为错误返回。
package prober

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-endpoints/internal/metrics"
	"github.com/eidos-exchange/eidos-endpoints/internal/model"
	"github.com/eidos-exchange/eidos-endpoints/pkg/errors"
	"github.com/eidos-exchange/eidos-endpoints/pkg/logger"
)

const (
	surfacePrimary   = "primary"
	surfaceSecondary = "secondary"
)

// Config 探测配置
type Config struct {
	// Timeout 双入口端点每次检查的超时
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// SingleTimeout 单入口端点 (协议 API) 的超时
	SingleTimeout  time.Duration `yaml:"single_timeout" json:"single_timeout"`
	MaxConcurrency int           `yaml:"max_concurrency" json:"max_concurrency"`

	PrimaryPath   string `yaml:"primary_path" json:"primary_path"`
	SecondaryPath string `yaml:"secondary_path" json:"secondary_path"`
	SinglePath    string `yaml:"single_path" json:"single_path"`
	ExpectStatus  int    `yaml:"expect_status" json:"expect_status"`

	JSONRPCMethod string `yaml:"jsonrpc_method" json:"jsonrpc_method"`
	UserAgent     string `yaml:"user_agent" json:"user_agent"`
	// LastRoundField 连接测试时从状态文档读取的字段
	LastRoundField string `yaml:"last_round_field" json:"last_round_field"`
}

// DefaultConfig 默认探测配置
func DefaultConfig() Config {
	return Config{
		Timeout:        10 * time.Second,
		SingleTimeout:  5 * time.Second,
		MaxConcurrency: 16,
		PrimaryPath:    "/v2/status",
		SecondaryPath:  "/v2/health",
		SinglePath:     "/health",
		ExpectStatus:   http.StatusOK,
		JSONRPCMethod:  "eth_chainId",
		UserAgent:      "eidos-endpoints/1.0",
		LastRoundField: "last-round",
	}
}

// WithDefaults 补齐未配置的字段
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.SingleTimeout <= 0 {
		c.SingleTimeout = def.SingleTimeout
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = def.MaxConcurrency
	}
	if c.PrimaryPath == "" {
		c.PrimaryPath = def.PrimaryPath
	}
	if c.SecondaryPath == "" {
		c.SecondaryPath = def.SecondaryPath
	}
	if c.SinglePath == "" {
		c.SinglePath = def.SinglePath
	}
	if c.ExpectStatus == 0 {
		c.ExpectStatus = def.ExpectStatus
	}
	if c.JSONRPCMethod == "" {
		c.JSONRPCMethod = def.JSONRPCMethod
	}
	if c.UserAgent == "" {
		c.UserAgent = def.UserAgent
	}
	if c.LastRoundField == "" {
		c.LastRoundField = def.LastRoundField
	}
	return c
}

// Prober 端点探测器
type Prober struct {
	cfg        Config
	httpClient *http.Client
	checkers   map[model.CheckType]Checker
	now        func() time.Time
	log        *zap.Logger
}

// Option 探测器选项
type Option func(*Prober)

// WithChecker 替换某种探测方式的实现
func WithChecker(check model.CheckType, c Checker) Option {
	return func(p *Prober) { p.checkers[check] = c }
}

// WithHTTPClient 替换 HTTP 客户端
func WithHTTPClient(client *http.Client) Option {
	return func(p *Prober) { p.httpClient = client }
}

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(p *Prober) { p.now = now }
}

// WithLogger 替换 logger
func WithLogger(l *zap.Logger) Option {
	return func(p *Prober) { p.log = l }
}

// New 创建探测器
func New(cfg Config, opts ...Option) *Prober {
	p := &Prober{
		cfg: cfg.WithDefaults(),
		// 超时由每次检查的 context 控制
		httpClient: &http.Client{},
		checkers:   make(map[model.CheckType]Checker),
		now:        time.Now,
		log:        logger.Named("prober"),
	}
	for _, opt := range opts {
		opt(p)
	}

	if _, ok := p.checkers[model.CheckHTTP]; !ok {
		p.checkers[model.CheckHTTP] = &HTTPChecker{Client: p.httpClient, UserAgent: p.cfg.UserAgent}
	}
	if _, ok := p.checkers[model.CheckJSONRPC]; !ok {
		p.checkers[model.CheckJSONRPC] = &JSONRPCChecker{DefaultMethod: p.cfg.JSONRPCMethod}
	}
	if _, ok := p.checkers[model.CheckGRPC]; !ok {
		p.checkers[model.CheckGRPC] = GRPCChecker{}
	}
	return p
}

// Config 生效的探测配置
func (p *Prober) Config() Config {
	return p.cfg
}

func (p *Prober) timeoutFor(ep *model.Endpoint) time.Duration {
	if ep.Probe.Timeout > 0 {
		return ep.Probe.Timeout
	}
	if ep.DualSurface() {
		return p.cfg.Timeout
	}
	return p.cfg.SingleTimeout
}

func checkTypeOf(ep *model.Endpoint) model.CheckType {
	if ep.Probe.Check == "" {
		return model.CheckHTTP
	}
	return ep.Probe.Check
}

// targets 计算主/副入口的检查目标，单入口端点只返回一个
func (p *Prober) targets(ep *model.Endpoint) []Target {
	check := checkTypeOf(ep)
	build := func(base, path string) Target {
		t := Target{
			URL:          base,
			Method:       ep.Probe.Method,
			Service:      ep.Probe.Service,
			ExpectStatus: p.cfg.ExpectStatus,
		}
		if check == model.CheckHTTP {
			t.URL = joinURL(base, path)
		}
		return t
	}

	if !ep.DualSurface() {
		path := ep.Probe.PrimaryPath
		if path == "" {
			path = p.cfg.SinglePath
		}
		return []Target{build(ep.PrimaryURL, path)}
	}

	primaryPath, secondaryPath := ep.Probe.PrimaryPath, ep.Probe.SecondaryPath
	if primaryPath == "" {
		primaryPath = p.cfg.PrimaryPath
	}
	if secondaryPath == "" {
		secondaryPath = p.cfg.SecondaryPath
	}
	return []Target{build(ep.PrimaryURL, primaryPath), build(ep.SecondaryURL, secondaryPath)}
}

func joinURL(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// check 执行一次带超时的检查
func (p *Prober) check(ctx context.Context, ep *model.Endpoint, surface string, target Target) error {
	checker := p.checkers[checkTypeOf(ep)]

	ctx, cancel := context.WithTimeout(ctx, p.timeoutFor(ep))
	defer cancel()

	start := time.Now()
	err := checker.Check(ctx, target)
	metrics.ProbeDuration.WithLabelValues(string(ep.Kind), ep.Name, surface).Observe(time.Since(start).Seconds())
	return err
}

// Probe 探测单个端点，不修改传入的记录
func (p *Prober) Probe(ctx context.Context, ep *model.Endpoint) model.ProbeResult {
	targets := p.targets(ep)
	res := model.ProbeResult{
		Name: ep.Name,
		Kind: ep.Kind,
	}

	errs := make([]error, len(targets))
	start := time.Now()

	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			surface := surfacePrimary
			if i == 1 {
				surface = surfaceSecondary
			}
			errs[i] = p.check(ctx, ep, surface, target)
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	res.PrimaryOK = errs[0] == nil
	if len(targets) == 2 {
		res.SecondaryOK = errs[1] == nil
	}
	res.Status = classify(len(targets), res.PrimaryOK, res.SecondaryOK)
	if res.PrimaryOK || res.SecondaryOK {
		res.Latency = &elapsed
	}
	res.CheckedAt = p.now()

	for i, err := range errs {
		if err == nil {
			continue
		}
		surface := surfacePrimary
		if i == 1 {
			surface = surfaceSecondary
		}
		perr := errors.ErrProbeFailure.WithMessagef("%s check failed: %v", surface, err)
		if res.Error == "" {
			res.Error = perr.Error()
		}
		p.log.Debug("probe check failed",
			zap.String("endpoint", ep.Name),
			zap.String("url", targets[i].URL),
			zap.Error(perr))
	}

	return res
}

func classify(surfaces int, primaryOK, secondaryOK bool) model.Status {
	if surfaces == 1 {
		if primaryOK {
			return model.StatusHealthy
		}
		return model.StatusDown
	}
	switch {
	case primaryOK && secondaryOK:
		return model.StatusHealthy
	case primaryOK || secondaryOK:
		return model.StatusDegraded
	default:
		return model.StatusDown
	}
}

// ProbeAll 并发探测所有端点，结果顺序与输入一致。单个端点慢不会影响其他端点
func (p *Prober) ProbeAll(ctx context.Context, endpoints []model.Endpoint) []model.ProbeResult {
	results := make([]model.ProbeResult, len(endpoints))
	sem := make(chan struct{}, p.cfg.MaxConcurrency)

	var wg sync.WaitGroup
	for i := range endpoints {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = p.Probe(ctx, &endpoints[i])
		}()
	}
	wg.Wait()

	return results
}
