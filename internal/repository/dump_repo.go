package repository

import (
	"context"
	"time"

	"github.com/ipa-dump/ipa-dump-go/internal/domain"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type DumpRepository interface {
	Create(ctx context.Context, record *domain.DumpRecord) error
	FindByID(ctx context.Context, id string) (*domain.DumpRecord, error)
	ListWithPagination(ctx context.Context, page int, pageSize int) ([]*domain.DumpRecord, int64, error)
	Delete(ctx context.Context, id string) error
	MarkRunning(ctx context.Context, id string) error
	// 标记脱壳完成（记录产物路径、大小和段数）
	MarkCompleted(ctx context.Context, id string, outputPath string, size int64, segments int) error
	// 更新失败信息（包含失败类型）
	UpdateFailure(ctx context.Context, id string, failureType domain.FailureType, errorMessage string) error
	// 获取各状态记录数量统计（使用数据库聚合查询）
	GetStatusCounts(ctx context.Context) (map[string]int64, int64, error)
}

type dumpRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewDumpRepository(db *gorm.DB, logger *logrus.Logger) DumpRepository {
	return &dumpRepo{
		db:     db,
		logger: logger,
	}
}

func (r *dumpRepo) Create(ctx context.Context, record *domain.DumpRecord) error {
	record.CreatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *dumpRepo) FindByID(ctx context.Context, id string) (*domain.DumpRecord, error) {
	var record domain.DumpRecord
	err := r.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *dumpRepo) ListWithPagination(ctx context.Context, page int, pageSize int) ([]*domain.DumpRecord, int64, error) {
	var records []*domain.DumpRecord
	var total int64

	// 先统计总数
	if err := r.db.WithContext(ctx).Model(&domain.DumpRecord{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize

	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&records).Error

	return records, total, err
}

func (r *dumpRepo) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&domain.DumpRecord{}, "id = ?", id).Error
}

func (r *dumpRepo) MarkRunning(ctx context.Context, id string) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&domain.DumpRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     domain.DumpStatusRunning,
			"started_at": &now,
		})

	if result.Error != nil {
		r.logger.WithError(result.Error).WithField("record_id", id).Error("Failed to mark record running")
		return result.Error
	}

	return nil
}

// MarkCompleted 标记脱壳完成
// 同时记录产物路径、字节数和段数，写入完成时间
func (r *dumpRepo) MarkCompleted(ctx context.Context, id string, outputPath string, size int64, segments int) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&domain.DumpRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        domain.DumpStatusCompleted,
			"output_path":   outputPath,
			"size":          size,
			"segment_count": segments,
			"completed_at":  &now,
		})

	if result.Error != nil {
		r.logger.WithError(result.Error).WithField("record_id", id).Error("Failed to mark record completed")
		return result.Error
	}

	r.logger.WithFields(logrus.Fields{
		"record_id":   id,
		"output_path": outputPath,
		"size":        size,
	}).Info("Dump record marked as completed")

	return nil
}

// UpdateFailure 更新失败信息（包含失败类型和错误消息）
// 同时将记录状态设置为 failed
func (r *dumpRepo) UpdateFailure(ctx context.Context, id string, failureType domain.FailureType, errorMessage string) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&domain.DumpRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        domain.DumpStatusFailed,
			"failure_type":  failureType,
			"error_message": errorMessage,
			"completed_at":  &now,
		})

	if result.Error != nil {
		r.logger.WithError(result.Error).WithFields(logrus.Fields{
			"record_id":    id,
			"failure_type": failureType,
		}).Error("Failed to update record failure")
		return result.Error
	}

	r.logger.WithFields(logrus.Fields{
		"record_id":        id,
		"failure_type":     failureType,
		"failure_severity": failureType.GetSeverity(),
		"display_name":     failureType.GetDisplayName(),
	}).Warn("Dump record marked as failed")

	return nil
}

// GetStatusCounts 获取各状态记录数量统计（使用数据库聚合查询）
func (r *dumpRepo) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	type StatusCount struct {
		Status string
		Count  int64
	}

	var results []StatusCount
	err := r.db.WithContext(ctx).
		Model(&domain.DumpRecord{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&results).Error

	if err != nil {
		r.logger.WithError(err).Error("Failed to get status counts")
		return nil, 0, err
	}

	statusCounts := map[string]int64{
		"queued":    0,
		"running":   0,
		"completed": 0,
		"failed":    0,
	}

	var total int64
	for _, sc := range results {
		statusCounts[sc.Status] = sc.Count
		total += sc.Count
	}

	return statusCounts, total, nil
}
