// Package main 是服务端的入口点
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"remote-assist/internal/cache"
	"remote-assist/internal/clock"
	"remote-assist/internal/config"
	"remote-assist/internal/handler"
	"remote-assist/internal/logger"
	"remote-assist/internal/middleware"
	"remote-assist/internal/model"
	"remote-assist/internal/relay"
	"remote-assist/internal/repository"
	"remote-assist/internal/service"
	"remote-assist/internal/storage"
	"remote-assist/internal/websocket"
	"remote-assist/pkg/jwt"
)

func main() {
	configPath := flag.String("config", "./configs", "配置文件目录")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

// stores 存储层实例
type stores struct {
	sessions    repository.SessionStore
	devices     repository.DeviceStore
	technicians repository.TechnicianStore
	transfers   repository.TransferStore
	monitors    repository.MonitorStore
	audits      repository.AuditStore
	close       func()
}

func run(cfg *config.Config, log *slog.Logger) error {
	clk := clock.Real()

	// 初始化存储
	st, err := openStores(cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	// 初始化缓存
	var kv cache.Cache
	if cfg.Redis.Enabled {
		redisCache, err := cache.NewRedisCache(cfg.Redis)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		kv = redisCache
	} else {
		log.Warn("redis disabled, using in-process cache")
		kv = cache.NewMemoryCache(clk)
	}
	defer func() {
		if err := kv.Close(); err != nil {
			log.Warn("close cache failed", "error", err)
		}
	}()

	files, err := storage.NewOS(cfg.Transfer.Dir)
	if err != nil {
		return fmt.Errorf("init transfer staging: %w", err)
	}

	// 初始化 JWT 服务
	jwtService := jwt.NewJWTService(cfg.JWT.Secret, cfg.JWT.AccessExpire, cfg.JWT.RefreshExpire)

	// 初始化 Service 层
	sessionService := service.NewSessionService(st.sessions, st.audits, st.monitors, clk, cfg.Session.TTL, log)
	approvalService := service.NewApprovalService(sessionService, st.devices, st.technicians, cfg.Policy.MultiTechnician, log)
	deviceService := service.NewDeviceService(st.devices, sessionService, approvalService, kv, jwtService,
		&service.WOLWaker{Broadcast: cfg.Device.WakeBroadcast}, cfg.Device, log)
	monitorService := service.NewMonitorService(sessionService, st.monitors, log)
	transferService := service.NewTransferService(st.transfers, files, sessionService, cfg.Transfer.TTL, cfg.Transfer.MaxSize, log)
	authService := service.NewAuthService(st.technicians, kv, jwtService, clk, log)

	// 初始化信令中继
	bridge := service.NewRelayBridge(sessionService, log)
	hub := relay.NewHub(relay.Options{
		QueueSize:     cfg.Relay.QueueSize,
		IdleTimeout:   cfg.Relay.IdleTimeout,
		MaxRetries:    cfg.Relay.MaxRetries,
		RetryBackoff:  cfg.Relay.RetryBackoff,
		TouchInterval: cfg.Relay.TouchInterval,
	}, clk, bridge, bridge, log)
	defer hub.Close()
	sessionService.SetNotifier(hub)

	// 初始化 Handler 层
	handlers := &handler.Handlers{
		Auth:     handler.NewAuthHandler(authService, log),
		Session:  handler.NewSessionHandler(sessionService, approvalService, monitorService, jwtService, cfg.JWT.AccessExpire, log),
		Device:   handler.NewDeviceHandler(deviceService, jwtService, cfg.JWT.AccessExpire, log),
		Transfer: handler.NewTransferHandler(transferService, sessionService, cfg.Transfer.ChunkSize, log),
	}
	wsHandler := websocket.NewHandler(hub, bridge, sessionService, approvalService, authService, jwtService, log)

	// 设置 Gin 模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.LoggerMiddleware(log))
	router.Use(middleware.CORSMiddleware(middleware.DefaultCORSConfig(cfg.Server.CORS)))

	handler.RegisterRoutes(router, handlers, jwtService, authService, deviceService, sessionService)
	wsHandler.RegisterRoutes(router)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 过期清扫
	sweeper := service.NewSweeper(sessionService, transferService, clk, cfg.Session.SweepInterval, log)
	go sweeper.Run(ctx)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", addr, "storage", cfg.Storage.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("server exited")
	return nil
}

// openStores 根据 storage.driver 选择 MySQL 或进程内存储
func openStores(cfg *config.Config, log *slog.Logger) (*stores, error) {
	if cfg.Storage.Driver == config.StorageMemory {
		log.Warn("using in-memory storage, data is lost on restart")
		monitors := repository.NewMemoryMonitorStore()
		return &stores{
			sessions:    repository.NewMemorySessionStore(monitors),
			devices:     repository.NewMemoryDeviceStore(),
			technicians: repository.NewMemoryTechnicianStore(),
			transfers:   repository.NewMemoryTransferStore(),
			monitors:    monitors,
			audits:      repository.NewMemoryAuditStore(),
			close:       func() {},
		}, nil
	}

	db, err := initDatabase(cfg, log)
	if err != nil {
		return nil, err
	}
	if err := autoMigrate(db, log); err != nil {
		return nil, err
	}
	return &stores{
		sessions:    repository.NewSessionRepository(db),
		devices:     repository.NewDeviceRepository(db),
		technicians: repository.NewTechnicianRepository(db),
		transfers:   repository.NewTransferRepository(db),
		monitors:    repository.NewMonitorRepository(db),
		audits:      repository.NewAuditRepository(db),
		close: func() {
			if sqlDB, err := db.DB(); err == nil {
				sqlDB.Close()
			}
		},
	}, nil
}

// initDatabase 初始化数据库连接
func initDatabase(cfg *config.Config, log *slog.Logger) (*gorm.DB, error) {
	// 配置 GORM logger
	gormLog := gormlogger.Default.LogMode(gormlogger.Info)
	if cfg.Server.Mode == "release" {
		gormLog = gormlogger.Default.LogMode(gormlogger.Warn)
	}

	db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN()), &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	// 配置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.MySQL.MaxLifetime) * time.Second)

	log.Info("database connected", "host", cfg.MySQL.Host, "database", cfg.MySQL.Database)
	return db, nil
}

// autoMigrate 自动迁移数据库表
func autoMigrate(db *gorm.DB, log *slog.Logger) error {
	if err := db.AutoMigrate(
		&model.Technician{},
		&model.Device{},
		&model.Session{},
		&model.ApprovalAudit{},
		&model.MonitorDescriptor{},
		&model.FileTransfer{},
	); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	log.Info("database migrations completed")
	return nil
}
