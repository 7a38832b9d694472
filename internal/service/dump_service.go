package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/ipa-dump/ipa-dump-go/internal/agent"
	"github.com/ipa-dump/ipa-dump-go/internal/capability"
	"github.com/ipa-dump/ipa-dump-go/internal/domain"
	"github.com/ipa-dump/ipa-dump-go/internal/dump"
	"github.com/ipa-dump/ipa-dump-go/internal/macho"
	"github.com/ipa-dump/ipa-dump-go/internal/repository"
	"github.com/sirupsen/logrus"
)

// EventSink 接收脱壳过程事件（进度与结果）
// WebSocket 广播器和 RabbitMQ 生产者都实现该接口
type EventSink interface {
	PublishProgress(recordID string, event dump.Event)
	PublishResult(record *domain.DumpRecord)
}

// DumpService 脱壳服务接口
type DumpService interface {
	// 执行脱壳：创建记录、运行重建、落库并广播结果
	// outputPath 为空时按输出目录和可执行名生成
	RunDump(ctx context.Context, outputPath string) (*domain.DumpRecord, error)

	// 获取记录
	GetRecord(ctx context.Context, recordID string) (*domain.DumpRecord, error)

	// 获取记录列表（分页）
	ListRecords(ctx context.Context, page int, pageSize int) ([]*domain.DumpRecord, int64, error)

	// 删除记录
	DeleteRecord(ctx context.Context, recordID string) error

	// 获取记录状态统计（使用数据库聚合查询）
	GetStatusCounts(ctx context.Context) (map[string]int64, int64, error)
}

type dumpService struct {
	agent     *agent.Agent
	dumpRepo  repository.DumpRepository
	sinks     []EventSink
	outputDir string
	logger    *logrus.Logger
}

// NewDumpService 创建脱壳服务实例
// dumpRepo 可以为 nil（无数据库部署），此时记录只存在于返回值中
func NewDumpService(a *agent.Agent, dumpRepo repository.DumpRepository, outputDir string, logger *logrus.Logger, sinks ...EventSink) DumpService {
	return &dumpService{
		agent:     a,
		dumpRepo:  dumpRepo,
		sinks:     sinks,
		outputDir: outputDir,
		logger:    logger,
	}
}

func (s *dumpService) RunDump(ctx context.Context, outputPath string) (*domain.DumpRecord, error) {
	info := s.agent.BundleInfo()

	record := &domain.DumpRecord{
		ID:             uuid.New().String(),
		BundleID:       info.BundleID,
		AppName:        info.AppName,
		BundlePath:     info.BundlePath,
		ExecutableName: info.ExecutableName,
		Status:         domain.DumpStatusQueued,
		CreatedAt:      time.Now().UTC(),
	}

	if outputPath == "" {
		name := info.ExecutableName
		if name == "" {
			name = "image"
		}
		outputPath = filepath.Join(s.outputDir, record.ID, name+".decrypted")
	}
	record.OutputPath = outputPath

	if s.dumpRepo != nil {
		if err := s.dumpRepo.Create(ctx, record); err != nil {
			s.logger.WithError(err).Error("Failed to create dump record")
			return nil, fmt.Errorf("创建脱壳记录失败: %w", err)
		}
		if err := s.dumpRepo.MarkRunning(ctx, record.ID); err != nil {
			s.logger.WithError(err).WithField("record_id", record.ID).Warn("Failed to mark record running, continuing anyway")
		}
	}
	record.Status = domain.DumpStatusRunning

	result, err := s.agent.DumpExecutable(outputPath, func(event dump.Event) {
		for _, sink := range s.sinks {
			sink.PublishProgress(record.ID, event)
		}
	})

	if err != nil {
		failureType := ClassifyFailure(err)
		record.Status = domain.DumpStatusFailed
		record.FailureType = failureType
		record.ErrorMessage = err.Error()

		s.logger.WithError(err).WithFields(logrus.Fields{
			"record_id":    record.ID,
			"failure_type": failureType,
		}).Error("Dump failed")

		if s.dumpRepo != nil {
			if dbErr := s.dumpRepo.UpdateFailure(ctx, record.ID, failureType, err.Error()); dbErr != nil {
				s.logger.WithError(dbErr).WithField("record_id", record.ID).Error("Failed to persist dump failure")
			}
		}
		s.publishResult(record)
		return record, err
	}

	record.Status = domain.DumpStatusCompleted
	record.Size = result.Size
	record.SegmentCount = result.SegmentCount
	if record.ExecutableName == "" {
		record.ExecutableName = result.ExecutableName
	}

	if s.dumpRepo != nil {
		if err := s.dumpRepo.MarkCompleted(ctx, record.ID, outputPath, result.Size, result.SegmentCount); err != nil {
			s.logger.WithError(err).WithField("record_id", record.ID).Error("Failed to persist dump completion")
		}
	}

	s.logger.WithFields(logrus.Fields{
		"record_id":   record.ID,
		"output_path": outputPath,
		"size":        result.Size,
		"segments":    result.SegmentCount,
	}).Info("Dump completed successfully")

	s.publishResult(record)
	return record, nil
}

func (s *dumpService) publishResult(record *domain.DumpRecord) {
	for _, sink := range s.sinks {
		sink.PublishResult(record)
	}
}

func (s *dumpService) GetRecord(ctx context.Context, recordID string) (*domain.DumpRecord, error) {
	if s.dumpRepo == nil {
		return nil, errors.New("脱壳记录存储未启用")
	}
	record, err := s.dumpRepo.FindByID(ctx, recordID)
	if err != nil {
		s.logger.WithError(err).WithField("record_id", recordID).Error("Failed to get dump record")
		return nil, fmt.Errorf("获取脱壳记录失败: %w", err)
	}
	return record, nil
}

func (s *dumpService) ListRecords(ctx context.Context, page int, pageSize int) ([]*domain.DumpRecord, int64, error) {
	if s.dumpRepo == nil {
		return nil, 0, errors.New("脱壳记录存储未启用")
	}
	records, total, err := s.dumpRepo.ListWithPagination(ctx, page, pageSize)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list dump records")
		return nil, 0, fmt.Errorf("获取脱壳记录列表失败: %w", err)
	}
	return records, total, nil
}

func (s *dumpService) DeleteRecord(ctx context.Context, recordID string) error {
	if s.dumpRepo == nil {
		return errors.New("脱壳记录存储未启用")
	}
	if err := s.dumpRepo.Delete(ctx, recordID); err != nil {
		s.logger.WithError(err).WithField("record_id", recordID).Error("Failed to delete dump record")
		return fmt.Errorf("删除脱壳记录失败: %w", err)
	}
	return nil
}

func (s *dumpService) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	if s.dumpRepo == nil {
		return nil, 0, errors.New("脱壳记录存储未启用")
	}
	return s.dumpRepo.GetStatusCounts(ctx)
}

// ClassifyFailure 把脱壳错误归入失败类型
func ClassifyFailure(err error) domain.FailureType {
	switch {
	case err == nil:
		return domain.FailureTypeNone
	case errors.Is(err, macho.ErrUnsupportedFormat):
		return domain.FailureTypeUnsupportedFormat
	case errors.Is(err, dump.ErrNoMainModule):
		return domain.FailureTypeNoMainModule
	case errors.Is(err, dump.ErrNoAnchorSegment):
		return domain.FailureTypeNoAnchorSegment
	case errors.Is(err, capability.ErrUnavailable):
		return domain.FailureTypeCapabilityUnavailable
	default:
		return domain.FailureTypeIOError
	}
}
