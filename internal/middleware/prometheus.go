package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct {
	logger *logrus.Logger

	// HTTP 请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 脱壳指标
	dumpsTotal       *prometheus.CounterVec
	dumpsInProgress  prometheus.Gauge
	dumpDuration     *prometheus.HistogramVec
	dumpBytesWritten prometheus.Counter
	segmentsCopied   prometheus.Counter

	// 沙盒文件操作指标
	fileOpsTotal *prometheus.CounterVec

	// 系统指标
	memoryUsage     prometheus.Gauge
	goroutinesCount prometheus.Gauge
	gcCount         prometheus.Gauge

	// 数据库指标
	dbConnectionsOpen  prometheus.Gauge
	dbConnectionsIdle  prometheus.Gauge
	dbConnectionsInUse prometheus.Gauge
}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics(logger *logrus.Logger, namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "ipa_dump"
	}

	pm := &PrometheusMetrics{
		logger: logger,

		// HTTP 请求指标
		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"method", "path"},
		),

		// 脱壳指标
		dumpsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dumps_total",
				Help:      "Total number of executable dumps",
			},
			[]string{"status"}, // queued, running, completed, failed
		),
		dumpsInProgress: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dumps_in_progress",
				Help:      "Number of dumps currently running",
			},
		),
		dumpDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dump_duration_seconds",
				Help:      "Dump execution duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"status"},
		),
		dumpBytesWritten: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dump_bytes_written_total",
				Help:      "Total number of bytes written to reconstructed images",
			},
		),
		segmentsCopied: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dump_segments_copied_total",
				Help:      "Total number of image segments copied",
			},
		),

		// 沙盒文件操作指标
		fileOpsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "file_ops_total",
				Help:      "Total number of sandbox file operations",
			},
			[]string{"op", "outcome"}, // op: stat/list/read/remove, outcome: ok/error
		),

		// 系统指标
		memoryUsage: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		goroutinesCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_count",
				Help:      "Current number of goroutines",
			},
		),
		gcCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gc_count",
				Help:      "Number of completed GC cycles",
			},
		),

		// 数据库指标
		dbConnectionsOpen: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_open",
				Help:      "Number of open database connections",
			},
		),
		dbConnectionsIdle: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_idle",
				Help:      "Number of idle database connections",
			},
		),
		dbConnectionsInUse: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_in_use",
				Help:      "Number of database connections in use",
			},
		),
	}

	logger.Info("Prometheus metrics initialized")
	return pm
}

// HTTPMiddleware HTTP 请求监控中间件
func (pm *PrometheusMetrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		pm.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		pm.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// Handler 返回 Prometheus HTTP Handler
func (pm *PrometheusMetrics) Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordDumpStarted 记录脱壳开始
func (pm *PrometheusMetrics) RecordDumpStarted() {
	pm.dumpsTotal.WithLabelValues("running").Inc()
	pm.dumpsInProgress.Inc()
}

// RecordDumpCompleted 记录脱壳完成
func (pm *PrometheusMetrics) RecordDumpCompleted(size int64, segments int, duration time.Duration) {
	pm.dumpsTotal.WithLabelValues("completed").Inc()
	pm.dumpsInProgress.Dec()
	pm.dumpDuration.WithLabelValues("completed").Observe(duration.Seconds())
	pm.dumpBytesWritten.Add(float64(size))
	pm.segmentsCopied.Add(float64(segments))
}

// RecordDumpFailed 记录脱壳失败
func (pm *PrometheusMetrics) RecordDumpFailed(duration time.Duration) {
	pm.dumpsTotal.WithLabelValues("failed").Inc()
	pm.dumpsInProgress.Dec()
	pm.dumpDuration.WithLabelValues("failed").Observe(duration.Seconds())
}

// RecordFileOp 记录沙盒文件操作
func (pm *PrometheusMetrics) RecordFileOp(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	pm.fileOpsTotal.WithLabelValues(op, outcome).Inc()
}

// UpdateMemoryStats 更新内存统计
func (pm *PrometheusMetrics) UpdateMemoryStats(stats MemoryStats) {
	pm.memoryUsage.Set(float64(stats.Alloc))
	pm.goroutinesCount.Set(float64(stats.Goroutines))
	pm.gcCount.Set(float64(stats.NumGC))
}

// UpdateDBStats 更新数据库连接统计
func (pm *PrometheusMetrics) UpdateDBStats(open, idle, inUse int) {
	pm.dbConnectionsOpen.Set(float64(open))
	pm.dbConnectionsIdle.Set(float64(idle))
	pm.dbConnectionsInUse.Set(float64(inUse))
}
