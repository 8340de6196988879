package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/langchou/parkgazer/internal/api/handlers"
	"github.com/langchou/parkgazer/internal/api/lookup"
	"github.com/langchou/parkgazer/internal/config"
	"github.com/langchou/parkgazer/internal/models"
	"github.com/langchou/parkgazer/internal/notify"
	"github.com/langchou/parkgazer/internal/position"
	"github.com/langchou/parkgazer/internal/reminder"
	"github.com/langchou/parkgazer/internal/repository"
	"github.com/langchou/parkgazer/internal/service"
	sig "github.com/langchou/parkgazer/internal/signal"
	"github.com/langchou/parkgazer/internal/state"
	"github.com/langchou/parkgazer/pkg/ws"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	logger.Info("Starting Parkgazer",
		zap.String("port", cfg.ServerPort),
		zap.String("signal_variant", cfg.SignalVariant))

	// 创建 context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 连接数据库
	db, err := repository.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to connect database", zap.Error(err))
	}
	defer db.Close()

	// 执行数据库迁移
	if err := db.Migrate(ctx); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	logger.Info("Database migrated successfully")

	// 创建 Repository
	sessionRepo := repository.NewSessionRepository(db)
	stateRepo := repository.NewStateRepository(db)

	// 限停规则查询客户端
	lookupClient := lookup.NewClient(cfg.CurbAPIHost, cfg.CurbAPIKey, cfg.LookupTimeout, logger)

	// 创建 WebSocket Hub
	wsHub := ws.NewHub(logger)
	go wsHub.Run()

	// 通知走 Hub 下发给设备
	notifier := notify.NewHubNotifier(wsHub, logger)

	// 位置获取：新鲜定位经 Hub 向设备请求
	remoteSource := position.NewRemoteSource(wsHub.RequestFix)
	acquirer := position.NewAcquirer(
		logger,
		remoteSource,
		cfg.AcquireFastTimeout,
		cfg.RefineWindow,
		cfg.CachedFixMaxAge,
		cfg.CachedFixMaxAccuracy,
	)

	// 平台信号源适配器
	var (
		adapter        sig.Adapter
		pairingAdapter *sig.PairingAdapter
		motionAdapter  *sig.MotionAdapter
	)
	if cfg.SignalVariant == "motion" {
		speed := sig.NewSpeedMonitor(cfg.SpeedFallbackKmh, cfg.SpeedFallbackWindow, cfg.ZeroSpeedOverride)
		motionAdapter = sig.NewMotionAdapter(logger, models.Confidence(cfg.MinConfidence), speed)
		motionAdapter.OnCadenceChange(func(c sig.Cadence) {
			wsHub.BroadcastCadence(string(c))
		})
		adapter = motionAdapter
	} else {
		pairingAdapter = sig.NewPairingAdapter(logger)
		adapter = pairingAdapter
	}
	defer adapter.Close()

	// 状态机：恢复持久化的耐久状态后立即接上信号流，
	// 重启前已在进行的驶离不会丢
	machine := state.NewMachine(logger, stateRepo, cfg.Debounce())
	if persisted, err := stateRepo.Load(ctx); err != nil {
		logger.Warn("Failed to load persisted detection state", zap.Error(err))
	} else {
		machine.Restore(persisted)
	}

	// 提醒调度
	scheduler := reminder.NewScheduler(logger, notifier, cfg.EveningReminderHour, cfg.MorningReminderHour)

	// 会话编排器
	sessionService := service.NewSessionService(
		cfg,
		logger,
		machine,
		adapter,
		acquirer,
		lookupClient,
		sessionRepo,
		scheduler,
		notifier,
	)

	if err := sessionService.Start(ctx); err != nil {
		logger.Fatal("Failed to start session service", zap.Error(err))
	}

	// 状态机转换广播到 WebSocket；停车后降低定位采样节奏
	broadcastTransitions := machine.Subscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-broadcastTransitions:
				wsHub.BroadcastStateUpdate(t)
				if t.To == state.StateParked && motionAdapter != nil {
					motionAdapter.NotifyParked()
				}
			}
		}
	}()

	// 新客户端的初始数据
	wsHub.SetInitDataProvider(func() *ws.InitData {
		return &ws.InitData{
			State:   sessionService.CurrentState(),
			Session: sessionService.CurrentSession(),
		}
	})

	// 创建 HTTP 处理器
	handler := handlers.NewHandler(
		logger,
		sessionRepo,
		sessionService,
		remoteSource,
		pairingAdapter,
		motionAdapter,
		wsHub,
	)

	// 设置 Gin 模式
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	// 注册路由
	handler.RegisterRoutes(router)

	// 启动 HTTP 服务器
	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-quit:
		case <-gctx.Done():
		}

		logger.Info("Shutting down server...")

		// 停止编排器和后台协程
		sessionService.Stop()
		machine.Close()
		wsHub.Stop()
		cancel()

		// 优雅关闭
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	logger.Info("Server started", zap.String("addr", server.Addr))

	if err := g.Wait(); err != nil {
		logger.Error("Server exited with error", zap.Error(err))
	}

	logger.Info("Server exited")
}

// initLogger 初始化日志
func initLogger(debug bool) *zap.Logger {
	var zapCfg zap.Config
	if debug {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	logger, _ := zapCfg.Build()
	return logger
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
