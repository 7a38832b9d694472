package handlers

import (
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ipa-dump/ipa-dump-go/internal/agent"
	"github.com/ipa-dump/ipa-dump-go/internal/capability"
	"github.com/ipa-dump/ipa-dump-go/internal/domain"
	"github.com/ipa-dump/ipa-dump-go/internal/middleware"
	"github.com/ipa-dump/ipa-dump-go/internal/service"
	"github.com/sirupsen/logrus"
)

// AgentHandler 进程内代理的远程调用入口
type AgentHandler struct {
	agent       *agent.Agent
	dumpService service.DumpService
	metrics     *middleware.PrometheusMetrics
	logger      *logrus.Logger
}

// NewAgentHandler 创建代理处理器实例
// metrics 可以为 nil
func NewAgentHandler(a *agent.Agent, dumpService service.DumpService, metrics *middleware.PrometheusMetrics, logger *logrus.Logger) *AgentHandler {
	return &AgentHandler{
		agent:       a,
		dumpService: dumpService,
		metrics:     metrics,
		logger:      logger,
	}
}

// GetBundleInfo 获取应用包身份信息
// GET /api/bundle
func (h *AgentHandler) GetBundleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, h.agent.BundleInfo())
}

// GetSandboxPath 获取沙盒根路径
// GET /api/sandbox/path
func (h *AgentHandler) GetSandboxPath(c *gin.Context) {
	path, ok := h.agent.SandboxPath()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "沙盒根路径不可确定",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path})
}

// DumpRequest 脱壳请求参数
type DumpRequest struct {
	OutputPath string `json:"output_path"` // 空则按输出目录生成
}

// DumpExecutable 重建主可执行镜像
// POST /api/dump
func (h *AgentHandler) DumpExecutable(c *gin.Context) {
	var req DumpRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求体格式错误"})
		return
	}

	start := time.Now()
	if h.metrics != nil {
		h.metrics.RecordDumpStarted()
	}

	record, err := h.dumpService.RunDump(c.Request.Context(), req.OutputPath)
	if err != nil {
		if h.metrics != nil {
			h.metrics.RecordDumpFailed(time.Since(start))
		}

		// record 在持久化失败时可能为 nil, 失败类型从错误本身推导
		failureType := service.ClassifyFailure(err)
		resp := gin.H{
			"error":        err.Error(),
			"failure_type": failureType,
		}
		if record != nil {
			resp["record"] = record
		}
		c.JSON(failureStatus(failureType), resp)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordDumpCompleted(record.Size, record.SegmentCount, time.Since(start))
	}
	c.JSON(http.StatusOK, gin.H{"record": record})
}

// failureStatus 失败类型到 HTTP 状态码
func failureStatus(ft domain.FailureType) int {
	switch ft {
	case domain.FailureTypeCapabilityUnavailable:
		return http.StatusNotImplemented
	case domain.FailureTypeUnsupportedFormat, domain.FailureTypeNoMainModule, domain.FailureTypeNoAnchorSegment:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// ListFiles 递归列举目录
// GET /api/files?path=/var/mobile/Documents
func (h *AgentHandler) ListFiles(c *gin.Context) {
	root := c.Query("path")
	if root == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 path 参数"})
		return
	}

	listing, err := h.agent.ListFiles(root)
	h.recordFileOp("list", err)
	if err != nil {
		h.logger.WithError(err).WithField("path", root).Error("Failed to list files")
		c.JSON(fileOpStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, listing)
}

// StatPath 查询单个路径
// GET /api/files/stat?path=/var/mobile/x
func (h *AgentHandler) StatPath(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 path 参数"})
		return
	}

	result := h.agent.StatPath(path)
	h.recordFileOp("stat", nil)
	c.JSON(http.StatusOK, result)
}

// StatPathsRequest 批量查询请求
type StatPathsRequest struct {
	Paths []string `json:"paths" binding:"required"`
}

// StatPaths 批量查询路径
// POST /api/files/stat
func (h *AgentHandler) StatPaths(c *gin.Context) {
	var req StatPathsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求体格式错误"})
		return
	}

	results := h.agent.StatPaths(req.Paths)
	h.recordFileOp("stat", nil)
	c.JSON(http.StatusOK, results)
}

// ReadFile 读取文件区间，原样返回字节
// GET /api/files/read?path=/var/mobile/x&offset=0&length=65536
func (h *AgentHandler) ReadFile(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 path 参数"})
		return
	}

	offset, err := strconv.ParseInt(c.DefaultQuery("offset", "0"), 10, 64)
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "offset 参数无效"})
		return
	}

	length, err := strconv.Atoi(c.DefaultQuery("length", "65536"))
	if err != nil || length < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "length 参数无效"})
		return
	}

	data, err := h.agent.ReadFile(path, offset, length)
	h.recordFileOp("read", err)
	if err != nil {
		h.logger.WithError(err).WithField("path", path).Error("Failed to read file")
		c.JSON(fileOpStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.Data(http.StatusOK, "application/octet-stream", data)
}

// RemovePath 删除文件
// DELETE /api/files?path=/var/mobile/x
func (h *AgentHandler) RemovePath(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 path 参数"})
		return
	}

	removed := h.agent.RemovePath(path)
	h.recordFileOp("remove", nil)
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// fileOpStatus 文件操作错误到 HTTP 状态码
func fileOpStatus(err error) int {
	switch {
	case errors.Is(err, capability.ErrUnavailable):
		return http.StatusNotImplemented
	case errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *AgentHandler) recordFileOp(op string, err error) {
	if h.metrics != nil {
		h.metrics.RecordFileOp(op, err)
	}
}
