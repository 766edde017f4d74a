// Package app 端点选择服务的应用入口
//
// ## 服务信息
// - 服务名: eidos-endpoints
// - HTTP 端口: 8090 (查询 / 强制探测 / 健康检查 / 指标)
// - gRPC 端口: 50060 (grpc.health.v1，默认类别无可用端点时 NOT_SERVING)
//
// ## 可选依赖
// - Redis: 选择结果发布、切换事件订阅、定时对账的分布式锁
// - Kafka: 选择事件
// - PostgreSQL: 探测历史
// - Webhook: 切换与无可用端点告警
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/eidos-exchange/eidos-endpoints/internal/config"
	"github.com/eidos-exchange/eidos-endpoints/internal/events"
	"github.com/eidos-exchange/eidos-endpoints/internal/handler"
	"github.com/eidos-exchange/eidos-endpoints/internal/jobs"
	"github.com/eidos-exchange/eidos-endpoints/internal/model"
	"github.com/eidos-exchange/eidos-endpoints/internal/prober"
	"github.com/eidos-exchange/eidos-endpoints/internal/registry"
	"github.com/eidos-exchange/eidos-endpoints/internal/repository"
	"github.com/eidos-exchange/eidos-endpoints/internal/router"
	"github.com/eidos-exchange/eidos-endpoints/internal/scheduler"
	"github.com/eidos-exchange/eidos-endpoints/internal/scorer"
	"github.com/eidos-exchange/eidos-endpoints/internal/service"
	"github.com/eidos-exchange/eidos-endpoints/migrations"
	"github.com/eidos-exchange/eidos-endpoints/pkg/alert"
	"github.com/eidos-exchange/eidos-endpoints/pkg/circuitbreaker"
	"github.com/eidos-exchange/eidos-endpoints/pkg/kafka"
	"github.com/eidos-exchange/eidos-endpoints/pkg/logger"
	"github.com/eidos-exchange/eidos-endpoints/pkg/migrate"
)

// App 端点选择服务应用
type App struct {
	cfg *config.Config
	log *zap.Logger

	// 基础设施
	redisClient redis.UniversalClient
	db          *gorm.DB
	producer    *kafka.Producer
	alerter     alert.Alerter

	// 核心
	registry  *registry.Registry
	prober    *prober.Prober
	svc       *service.EndpointService
	sinks     *events.MultiSink
	scheduler *scheduler.Scheduler

	// 对外服务
	engine       *gin.Engine
	health       *handler.HealthHandler
	httpServer   *http.Server
	grpcServer   *grpc.Server
	healthServer *health.Server
}

// New 创建应用实例
func New(cfg *config.Config) *App {
	return &App{
		cfg: cfg,
		log: logger.Named("app"),
	}
}

// Build 初始化依赖与核心组件，不监听端口
func (a *App) Build(ctx context.Context) error {
	if err := a.initRedis(ctx); err != nil {
		return fmt.Errorf("failed to init redis: %w", err)
	}
	if err := a.initDB(); err != nil {
		return fmt.Errorf("failed to init database: %w", err)
	}
	if err := a.initKafka(); err != nil {
		return fmt.Errorf("failed to init kafka: %w", err)
	}
	a.alerter = alert.NewAlerter(&a.cfg.Alert)

	if err := a.initService(); err != nil {
		return fmt.Errorf("failed to init service: %w", err)
	}
	if err := a.initScheduler(); err != nil {
		return fmt.Errorf("failed to init scheduler: %w", err)
	}
	a.initHTTP()
	a.initGRPC()
	return nil
}

// Run 初始化并启动所有服务
func (a *App) Run(ctx context.Context) error {
	if err := a.Build(ctx); err != nil {
		return err
	}
	return a.start(ctx)
}

// start 启动监听与定时任务，完成首轮对账后标记就绪
func (a *App) start(ctx context.Context) error {
	if err := a.startGRPC(); err != nil {
		return fmt.Errorf("failed to start gRPC: %w", err)
	}
	if err := a.startHTTP(); err != nil {
		return fmt.Errorf("failed to start HTTP: %w", err)
	}
	if a.scheduler != nil {
		a.scheduler.Start()
	}
	a.warmUp(ctx)
	a.health.SetReady(true)

	a.log.Info("service started",
		zap.Int("http_port", a.cfg.Server.HTTPPort),
		zap.Int("grpc_port", a.cfg.Server.GRPCPort),
		zap.Int("endpoints", a.registry.Len()),
		zap.Strings("sinks", a.sinks.Names()))
	return nil
}

// warmUp 启动时执行首轮对账。没有可用端点只告警，不阻止启动
func (a *App) warmUp(ctx context.Context) {
	if err := a.svc.ProbeNow(ctx); err != nil {
		a.log.Warn("initial reconcile failed", zap.Error(err))
		return
	}
	for _, st := range a.svc.Selections() {
		if !st.Available {
			a.log.Warn("no endpoint available after initial reconcile", zap.String("kind", string(st.Kind)))
		}
	}
}

// Service 端点选择服务
func (a *App) Service() *service.EndpointService {
	return a.svc
}

// Engine HTTP 路由
func (a *App) Engine() *gin.Engine {
	return a.engine
}

// Reload 重新读取配置文件中的端点目录并替换注册表，其它配置不变
func (a *App) Reload(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := a.svc.Reload(cfg.Registry.Models()); err != nil {
		return err
	}
	a.svc.SeedMissing(cfg.Registry.Seeds()...)
	return nil
}

// Shutdown 优雅关闭
func (a *App) Shutdown(ctx context.Context) error {
	a.log.Info("shutting down endpoints service...")

	if a.health != nil {
		a.health.SetReady(false)
	}
	if a.healthServer != nil {
		a.healthServer.Shutdown()
	}
	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.log.Warn("http server shutdown", zap.Error(err))
		}
	}
	if a.grpcServer != nil {
		a.grpcServer.GracefulStop()
	}
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.alerter != nil {
		a.alerter.Close()
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.log.Warn("kafka producer close", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		a.redisClient.Close()
	}
	if a.db != nil {
		if sqlDB, _ := a.db.DB(); sqlDB != nil {
			sqlDB.Close()
		}
	}

	a.log.Info("endpoints service stopped")
	return nil
}

// initRedis 初始化 Redis
func (a *App) initRedis(ctx context.Context) error {
	if !a.cfg.Redis.Enabled {
		return nil
	}

	a.redisClient = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    a.cfg.Redis.Addresses,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.redisClient.Ping(pingCtx).Err(); err != nil {
		return err
	}

	a.log.Info("redis connected", zap.Strings("addresses", a.cfg.Redis.Addresses), zap.Int("db", a.cfg.Redis.DB))
	return nil
}

// initDB 初始化探测历史数据库
func (a *App) initDB() error {
	pg := a.cfg.Postgres
	if !pg.Enabled {
		return nil
	}

	db, err := gorm.Open(postgres.Open(pg.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(pg.MaxConnections)
	sqlDB.SetMaxIdleConns(pg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(pg.ConnMaxLifetime) * time.Second)
	a.db = db

	a.log.Info("database connected", zap.String("host", pg.Host), zap.String("database", pg.Database))

	if pg.AutoMigrate {
		// 迁移器结束时会关闭连接，使用单独的连接
		migrateDB, err := sql.Open("pgx", pg.DSN())
		if err != nil {
			return fmt.Errorf("open migration connection: %w", err)
		}
		name := strings.ReplaceAll(a.cfg.Service.Name, "-", "_")
		if err := migrate.NewMigrator(migrateDB, name, a.log).Up(migrations.FS, "."); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}
	return nil
}

// initKafka 初始化 Kafka 生产者
func (a *App) initKafka() error {
	if !a.cfg.Kafka.Enabled {
		return nil
	}
	p, err := kafka.NewProducer(&a.cfg.Kafka.Config)
	if err != nil {
		return err
	}
	a.producer = p
	return nil
}

// breaker 为外部下游创建熔断器，状态变化写日志
func (a *App) breaker(name string) *circuitbreaker.CircuitBreaker {
	cfg := a.cfg.Events.Breaker
	return circuitbreaker.New(name, &cfg, circuitbreaker.WithStateChange(func(name string, from, to circuitbreaker.State) {
		a.log.Warn("event sink circuit breaker state changed",
			zap.String("sink", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}))
}

// initService 初始化注册表、探测、评分与事件下游
func (a *App) initService() error {
	reg, err := registry.New(a.cfg.Registry.Models())
	if err != nil {
		return err
	}
	a.registry = reg
	a.prober = prober.New(a.cfg.Prober)

	a.sinks = events.NewMultiSink(a.cfg.Events.Timeout, logger.Named("events"),
		events.NewLogSink(logger.Named("selection")))
	if a.redisClient != nil {
		a.sinks.Add(events.WithBreaker(events.NewRedisSink(a.redisClient, a.cfg.Redis.KeyPrefix), a.breaker("redis")))
	}
	if a.producer != nil {
		a.sinks.Add(events.WithBreaker(events.NewKafkaSink(a.producer, a.cfg.Kafka.Topic), a.breaker("kafka")))
	}
	if a.cfg.Alert.Enabled {
		a.sinks.Add(events.NewAlertSink(a.alerter))
	}

	opts := []service.Option{
		service.WithSink(a.sinks),
		service.WithObserver(service.ObserverFunc(a.onSelection)),
	}
	if a.db != nil {
		opts = append(opts, service.WithHistory(repository.NewProbeRepository(a.db)))
	}

	a.svc = service.New(reg, a.prober, scorer.New(a.cfg.Scoring), service.Config{
		Interval:     a.cfg.Reconcile.Interval,
		ProtocolKind: a.cfg.Registry.ProtocolKind,
	}, opts...)
	a.svc.Seed(a.cfg.Registry.Seeds()...)
	return nil
}

// initScheduler 注册后台对账与历史清理任务
func (a *App) initScheduler() error {
	background := a.cfg.Reconcile.Background
	cleanup := a.db != nil
	if !background && !cleanup {
		return nil
	}

	var lockClient redis.UniversalClient
	if a.cfg.Reconcile.LockEnabled {
		lockClient = a.redisClient
	}
	a.scheduler = scheduler.New(scheduler.Config{
		RedisClient: lockClient,
		LockPrefix:  a.cfg.Redis.KeyPrefix + ":job:",
		Logger:      logger.Named("scheduler"),
	})

	if background {
		job := jobs.NewReconcileJob(a.svc, a.cfg.Reconcile.LockTTL, a.cfg.Reconcile.LockTTL)
		if err := a.scheduler.RegisterJob(job, a.cfg.Reconcile.Cron); err != nil {
			return err
		}
	}
	if cleanup {
		job := jobs.NewHistoryCleanupJob(repository.NewProbeRepository(a.db), a.cfg.Postgres.HistoryRetention, time.Minute)
		if err := a.scheduler.RegisterJob(job, a.cfg.Postgres.CleanupCron); err != nil {
			return err
		}
	}
	return nil
}

// initHTTP 初始化 HTTP 路由
func (a *App) initHTTP() {
	gin.SetMode(gin.ReleaseMode)
	a.engine = gin.New()

	deps := make(map[string]handler.Pinger)
	if a.redisClient != nil {
		deps["redis"] = handler.PingFunc(func(ctx context.Context) error {
			return a.redisClient.Ping(ctx).Err()
		})
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			deps["postgres"] = handler.PingFunc(sqlDB.PingContext)
		}
	}

	defaultKind := a.cfg.Registry.DefaultKind
	a.health = handler.NewHealthHandler(func() bool { return a.svc.Available(defaultKind) }, deps)

	r := router.New(a.engine, logger.Named("http"))
	r.RegisterMiddleware()
	r.RegisterRoutes(a.health, handler.NewEndpointHandler(a.svc))
}

// initGRPC 初始化 gRPC 健康检查
func (a *App) initGRPC() {
	a.grpcServer = grpc.NewServer()
	a.healthServer = health.NewServer()
	grpc_health_v1.RegisterHealthServer(a.grpcServer, a.healthServer)
	a.setServing(false)
}

// onSelection 每轮对账后根据默认类别是否可用更新 gRPC 健康状态
func (a *App) onSelection(states []model.SelectionState) {
	for _, st := range states {
		if st.Kind == a.cfg.Registry.DefaultKind {
			a.setServing(st.Available)
			return
		}
	}
}

func (a *App) setServing(ok bool) {
	if a.healthServer == nil {
		return
	}
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if ok {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	a.healthServer.SetServingStatus("", status)
	a.healthServer.SetServingStatus(a.cfg.Service.Name, status)
}

// startGRPC 启动 gRPC 服务
func (a *App) startGRPC() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.GRPCPort))
	if err != nil {
		return err
	}
	go func() {
		if err := a.grpcServer.Serve(lis); err != nil {
			a.log.Error("gRPC server stopped", zap.Error(err))
		}
	}()
	a.log.Info("gRPC server started", zap.String("addr", lis.Addr().String()))
	return nil
}

// startHTTP 启动 HTTP 服务
func (a *App) startHTTP() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.HTTPPort))
	if err != nil {
		return err
	}
	a.httpServer = &http.Server{
		Handler:           a.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := a.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			a.log.Error("HTTP server stopped", zap.Error(err))
		}
	}()
	a.log.Info("HTTP server started", zap.String("addr", lis.Addr().String()))
	return nil
}
