package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-endpoints/internal/app"
	"github.com/eidos-exchange/eidos-endpoints/internal/config"
	"github.com/eidos-exchange/eidos-endpoints/pkg/logger"
)

func main() {
	configPath := flag.String("config", config.GetEnvString("EIDOS_ENDPOINTS_CONFIG", "config/config.yaml"), "config file path")
	once := flag.Bool("once", false, "probe all endpoints once, print the status snapshot and exit")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// 初始化日志
	if err := logger.Init(&logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Output:      cfg.Log.Output,
		ServiceName: cfg.Service.Name,
	}); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("starting service",
		zap.String("service", cfg.Service.Name),
		zap.String("env", cfg.Service.Env),
		zap.String("config", *configPath))

	ctx := context.Background()
	application := app.New(cfg)

	if *once {
		runOnce(ctx, application)
		return
	}

	if err := application.Run(ctx); err != nil {
		logger.Fatal("failed to start application", zap.Error(err))
	}

	// 等待信号: SIGHUP 重新加载端点目录，SIGINT/SIGTERM 退出
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			if err := application.Reload(*configPath); err != nil {
				logger.Error("reload endpoint registry failed", zap.Error(err))
			}
			continue
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		break
	}

	// 优雅关闭
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	logger.Info("service stopped")
}

// runOnce 执行一轮探测并输出状态快照
func runOnce(ctx context.Context, application *app.App) {
	defer application.Shutdown(ctx)

	if err := application.Build(ctx); err != nil {
		logger.Fatal("failed to init application", zap.Error(err))
	}
	svc := application.Service()
	if err := svc.ProbeNow(ctx); err != nil {
		logger.Fatal("probe failed", zap.Error(err))
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(svc.StatusSnapshot(ctx)); err != nil {
		logger.Error("encode snapshot failed", zap.Error(err))
	}
}
