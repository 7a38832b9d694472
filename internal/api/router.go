package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ipa-dump/ipa-dump-go/internal/agent"
	"github.com/ipa-dump/ipa-dump-go/internal/api/handlers"
	"github.com/ipa-dump/ipa-dump-go/internal/config"
	"github.com/ipa-dump/ipa-dump-go/internal/middleware"
	"github.com/ipa-dump/ipa-dump-go/internal/service"
	"github.com/sirupsen/logrus"
)

// QueueStats 队列统计查询, 未启用消息队列时传 nil
type QueueStats interface {
	GetQueueStats() (messageCount, consumerCount int, err error)
}

func SetupRouter(cfg *config.Config, logger *logrus.Logger, a *agent.Agent, dumpService service.DumpService, memMonitor *middleware.MemoryMonitor, promMetrics *middleware.PrometheusMetrics, eventHandler *handlers.EventHandler, queueStats QueueStats) *gin.Engine {
	// 设置 Gin 模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	// Prometheus 监控中间件
	if promMetrics != nil {
		r.Use(promMetrics.HTTPMiddleware())
	}

	// 初始化处理器
	agentHandler := handlers.NewAgentHandler(a, dumpService, promMetrics, logger)
	recordHandler := handlers.NewRecordHandler(dumpService, logger)

	// 事件流（WebSocket，认证在连接参数外层处理）
	r.GET("/ws/events", eventHandler.HandleWebSocket)

	// 内存监控端点
	if memMonitor != nil {
		r.GET("/metrics", memMonitor.MetricsEndpoint())
		r.POST("/debug/gc", middleware.ForceGC())
	}

	// Prometheus 指标端点
	if promMetrics != nil {
		r.GET("/metrics/prometheus", promMetrics.Handler())
	}

	// API v1
	v1 := r.Group("/api")
	{
		// 健康检查（无需认证）
		v1.GET("/health", func(c *gin.Context) {
			resp := gin.H{
				"status":       "ok",
				"version":      "1.0.0",
				"capabilities": a.Resolver().Snapshot(),
			}
			if queueStats != nil {
				if depth, consumers, err := queueStats.GetQueueStats(); err == nil {
					resp["queue"] = gin.H{
						"depth":     depth,
						"consumers": consumers,
					}
				}
			}
			c.JSON(200, resp)
		})

		// 其余接口可选 Bearer 认证
		authed := v1.Group("", middleware.AuthMiddleware(cfg.Server.Token))

		// 包与沙盒信息
		authed.GET("/bundle", agentHandler.GetBundleInfo)
		authed.GET("/sandbox/path", agentHandler.GetSandboxPath)

		// 脱壳
		authed.POST("/dump", agentHandler.DumpExecutable)

		// 沙盒文件操作
		authed.GET("/files", agentHandler.ListFiles)
		authed.GET("/files/stat", agentHandler.StatPath)
		authed.POST("/files/stat", agentHandler.StatPaths)
		authed.GET("/files/read", agentHandler.ReadFile)
		authed.DELETE("/files", agentHandler.RemovePath)

		// 脱壳记录
		authed.GET("/dumps", recordHandler.ListRecords)
		authed.GET("/dumps/:id", recordHandler.GetRecord)
		authed.DELETE("/dumps/:id", recordHandler.DeleteRecord)
		authed.GET("/stats", recordHandler.GetStats)
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		method := c.Request.Method
		path := c.Request.URL.Path

		logger.WithFields(logrus.Fields{
			"status":  statusCode,
			"method":  method,
			"path":    path,
			"latency": latency.Milliseconds(),
		}).Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
