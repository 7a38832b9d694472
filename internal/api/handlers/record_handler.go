package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ipa-dump/ipa-dump-go/internal/service"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RecordHandler 脱壳记录处理器
type RecordHandler struct {
	dumpService service.DumpService
	logger      *logrus.Logger
}

// NewRecordHandler 创建脱壳记录处理器实例
func NewRecordHandler(dumpService service.DumpService, logger *logrus.Logger) *RecordHandler {
	return &RecordHandler{
		dumpService: dumpService,
		logger:      logger,
	}
}

// ListRecords 获取脱壳记录列表
// GET /api/dumps?page=1&page_size=20
// 支持分页参数，默认每页20条
func (h *RecordHandler) ListRecords(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page <= 0 {
		page = 1
	}

	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil || pageSize <= 0 {
		pageSize = 20
	}

	// 限制最大每页数量，防止过大的查询
	if pageSize > 100 {
		pageSize = 100
	}

	records, total, err := h.dumpService.ListRecords(c.Request.Context(), page, pageSize)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list dump records")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "获取脱壳记录列表失败",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"records":   records,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetRecord 获取单条脱壳记录
// GET /api/dumps/:id
func (h *RecordHandler) GetRecord(c *gin.Context) {
	id := c.Param("id")

	record, err := h.dumpService.GetRecord(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "脱壳记录不存在"})
			return
		}
		h.logger.WithError(err).WithField("record_id", id).Error("Failed to get dump record")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取脱壳记录失败"})
		return
	}

	c.JSON(http.StatusOK, record)
}

// DeleteRecord 删除脱壳记录
// DELETE /api/dumps/:id
func (h *RecordHandler) DeleteRecord(c *gin.Context) {
	id := c.Param("id")

	if err := h.dumpService.DeleteRecord(c.Request.Context(), id); err != nil {
		h.logger.WithError(err).WithField("record_id", id).Error("Failed to delete dump record")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "删除脱壳记录失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// GetStats 获取脱壳记录状态统计
// GET /api/stats
func (h *RecordHandler) GetStats(c *gin.Context) {
	counts, total, err := h.dumpService.GetStatusCounts(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to get status counts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取统计信息失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status_counts": counts,
		"total":         total,
	})
}
