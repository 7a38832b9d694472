package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/ipa-dump/ipa-dump-go/internal/agent"
	"github.com/ipa-dump/ipa-dump-go/internal/api"
	"github.com/ipa-dump/ipa-dump-go/internal/api/handlers"
	"github.com/ipa-dump/ipa-dump-go/internal/config"
	"github.com/ipa-dump/ipa-dump-go/internal/middleware"
	"github.com/ipa-dump/ipa-dump-go/internal/queue"
	"github.com/ipa-dump/ipa-dump-go/internal/repository"
	"github.com/ipa-dump/ipa-dump-go/internal/retry"
	"github.com/ipa-dump/ipa-dump-go/internal/service"
	"github.com/ipa-dump/ipa-dump-go/internal/watcher"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// 1. 打印版本信息
	fmt.Printf("IPA Dump Agent - Go Version\n")
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n\n", GitCommit)

	// 2. 加载配置
	configPath := "./configs/config.yaml"
	if len(os.Args) > 1 && os.Args[1] == "--config" && len(os.Args) > 2 {
		configPath = os.Args[2]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 3. 初始化日志
	logger := config.InitLogger(&cfg.Log)
	logger.Infof("Starting IPA Dump Agent %s", Version)
	logger.Infof("Config loaded from: %s", configPath)

	// 4. 初始化数据库（可选：寄宿在目标进程里时可以无库运行）
	var db *gorm.DB
	var dumpRepo repository.DumpRepository
	if cfg.Database.Type != "" {
		db, err = repository.InitDB(&cfg.Database, logger)
		if err != nil {
			logger.Fatalf("Failed to init database: %v", err)
		}
		dumpRepo = repository.NewDumpRepository(db, logger)
		logger.Info("Database connected successfully")

		// 清理因服务重启而中断的记录
		if err := cleanupStuckRecords(db, logger); err != nil {
			logger.WithError(err).Warn("Failed to cleanup stuck dump records")
		}
	} else {
		logger.Info("No database configured, running without dump history")
	}

	// 5. 初始化 Agent
	a := agent.New(agent.Options{
		SandboxRoot: cfg.Sandbox.Root,
		SurfaceMode: cfg.Sandbox.Surface,
		ChunkSize:   cfg.Dump.ChunkSize,
	}, logger)

	// 能力探测结果只在日志里报一次，后续按需懒加载
	logger.WithField("capabilities", a.Resolver().Snapshot()).Info("Agent initialized")

	// 6. 初始化 WebSocket 事件广播器
	eventHandler := handlers.NewEventHandler(logger)
	eventHandler.Start()
	logger.Info("Event handler started for real-time dump progress")

	sinks := []service.EventSink{eventHandler}

	// 7. 初始化 RabbitMQ（可选）
	var mqRequest, mqResult *queue.RabbitMQ
	if cfg.RabbitMQ.Enabled {
		mqConfig := &queue.RabbitMQConfig{
			Host:     cfg.RabbitMQ.Host,
			Port:     cfg.RabbitMQ.Port,
			User:     cfg.RabbitMQ.User,
			Password: cfg.RabbitMQ.Password,
			VHost:    cfg.RabbitMQ.VHost,
		}

		// broker 不在时多等一会, 启动顺序不受 docker-compose 依赖约束
		retryCfg := &retry.Config{
			MaxAttempts:     5,
			InitialInterval: 2 * time.Second,
			MaxInterval:     30 * time.Second,
			Strategy:        retry.StrategyExponential,
			Timeout:         2 * time.Minute,
			Logger:          logger,
		}

		err = retry.Do(context.Background(), retryCfg, func(ctx context.Context) error {
			var connErr error
			mqRequest, connErr = queue.NewRabbitMQ(mqConfig, cfg.RabbitMQ.Queue, logger)
			return connErr
		})
		if err != nil {
			logger.Fatalf("Failed to init RabbitMQ request queue: %v", err)
		}
		defer mqRequest.Close()

		mqResult, err = queue.NewRabbitMQ(mqConfig, cfg.RabbitMQ.ResultQueue, logger)
		if err != nil {
			logger.Fatalf("Failed to init RabbitMQ result queue: %v", err)
		}
		defer mqResult.Close()

		logger.WithFields(logrus.Fields{
			"request_queue": cfg.RabbitMQ.Queue,
			"result_queue":  cfg.RabbitMQ.ResultQueue,
		}).Info("RabbitMQ connected successfully")

		producer := queue.NewProducer(mqResult, logger)
		sinks = append(sinks, producer)
	} else {
		logger.Info("RabbitMQ disabled, dump results will not be published to queue")
	}

	// 8. 初始化 Dump Service
	dumpService := service.NewDumpService(a, dumpRepo, cfg.Dump.OutputDir, logger, sinks...)

	// 9. 启动请求消费者
	if cfg.RabbitMQ.Enabled {
		consumer := queue.NewConsumer(mqRequest, createRequestHandler(dumpService, logger), logger)
		if err := consumer.Start(context.Background()); err != nil {
			logger.Fatalf("Failed to start consumer: %v", err)
		}
		defer consumer.Stop()
		logger.Info("Dump request consumer started")
	}

	// 10. 启动请求文件监控（可选的无队列入口）
	if cfg.Watcher.Enabled {
		requestWatcher, err := watcher.NewRequestWatcher(cfg.Watcher.WatchDir, createRequestHandler(dumpService, logger), logger)
		if err != nil {
			logger.Fatalf("Failed to create request watcher: %v", err)
		}
		defer requestWatcher.Stop()

		if err := requestWatcher.Start(context.Background()); err != nil {
			logger.Fatalf("Failed to start request watcher: %v", err)
		}
		logger.Infof("Request watcher started for directory: %s", cfg.Watcher.WatchDir)
	}

	// 11. 初始化 Prometheus 指标
	promMetrics := middleware.NewPrometheusMetrics(logger, "ipa_dump")
	logger.Info("Prometheus metrics initialized")

	// 12. 启动内存监控（采样直接喂给 Prometheus）
	memMonitor := middleware.NewMemoryMonitor(logger, 30*time.Second, func(stats middleware.MemoryStats) {
		promMetrics.UpdateMemoryStats(stats)
	})
	memMonitor.Start()
	defer memMonitor.Stop()
	logger.Info("Memory monitor started")

	// 数据库连接统计走单独的定时器
	if db != nil {
		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()

			for range ticker.C {
				sqlDB, err := db.DB()
				if err != nil {
					continue
				}
				dbStats := sqlDB.Stats()
				promMetrics.UpdateDBStats(dbStats.OpenConnections, dbStats.Idle, dbStats.InUse)
			}
		}()
	}

	// 13. 设置 HTTP Server
	// 接口变量单独赋值, 避免把 nil 指针装进非 nil 接口
	var queueStats api.QueueStats
	if mqRequest != nil {
		queueStats = mqRequest
	}
	router := api.SetupRouter(cfg, logger, a, dumpService, memMonitor, promMetrics, eventHandler, queueStats)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // 读取大文件和脱壳产物下载需要时间
		IdleTimeout:  120 * time.Second,
	}

	// 14. 启动 HTTP Server
	go func() {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 15. 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gracefully...")

	// 16. 优雅关闭 (30秒超时)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}

	if db != nil {
		sqlDB, _ := db.DB()
		sqlDB.Close()
	}

	logger.Info("Agent stopped")
}

// createRequestHandler 创建脱壳请求处理器（队列消息和请求文件共用）
func createRequestHandler(dumpService service.DumpService, logger *logrus.Logger) queue.RequestHandler {
	return func(ctx context.Context, msg *queue.DumpRequestMessage) error {
		logger.WithFields(logrus.Fields{
			"request_id":  msg.RequestID,
			"output_path": msg.OutputPath,
		}).Info("Received dump request")

		record, err := dumpService.RunDump(ctx, msg.OutputPath)
		if err != nil {
			logger.WithError(err).WithField("request_id", msg.RequestID).Error("Dump request failed")
			return err
		}

		logger.WithFields(logrus.Fields{
			"request_id": msg.RequestID,
			"record_id":  record.ID,
			"output":     record.OutputPath,
			"size":       record.Size,
		}).Info("Dump request completed successfully")

		return nil
	}
}

// cleanupStuckRecords 清理因服务重启而中断的脱壳记录
//
// running 状态的记录在重启后不可能继续, 直接标记失败;
// queued 的记录仍可能被请求方重投, 保持原状
func cleanupStuckRecords(db *gorm.DB, logger *logrus.Logger) error {
	logger.Info("Checking for stuck dump records from previous run...")

	now := time.Now().UTC()
	result := db.Table("dump_records").
		Where("status = ?", "running").
		Updates(map[string]interface{}{
			"status":        "failed",
			"failure_type":  "io_error",
			"error_message": "服务重启，脱壳中断",
			"completed_at":  now,
		})

	if result.Error != nil {
		return fmt.Errorf("failed to update stuck records: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		logger.WithField("count", result.RowsAffected).Warn("Marked stuck dump records as failed due to restart")
	} else {
		logger.Info("No stuck dump records found")
	}

	return nil
}
