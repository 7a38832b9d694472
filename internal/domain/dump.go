package domain

import (
	"time"
)

type DumpStatus string

const (
	DumpStatusQueued    DumpStatus = "queued"
	DumpStatusRunning   DumpStatus = "running"
	DumpStatusCompleted DumpStatus = "completed"
	DumpStatusFailed    DumpStatus = "failed"
)

// FailureType 失败类型
type FailureType string

const (
	FailureTypeNone                  FailureType = ""                       // 无失败（成功或进行中）
	FailureTypeUnsupportedFormat     FailureType = "unsupported_format"     // 镜像格式无法识别（异常-目标问题）
	FailureTypeNoMainModule          FailureType = "no_main_module"         // 找不到主镜像（异常-环境问题）
	FailureTypeNoAnchorSegment       FailureType = "no_anchor_segment"      // 无法确定加载滑移（异常-目标问题）
	FailureTypeCapabilityUnavailable FailureType = "capability_unavailable" // 宿主原语缺失（正常-宿主限制）
	FailureTypeIOError               FailureType = "io_error"               // 读写失败（警告）
	FailureTypeUnknown               FailureType = "unknown"                // 未知错误（异常）
)

// FailureSeverity 失败严重程度
type FailureSeverity string

const (
	FailureSeverityNormal  FailureSeverity = "normal"  // 正常（宿主限制，不必排查）
	FailureSeverityWarning FailureSeverity = "warning" // 警告（需要关注）
	FailureSeverityError   FailureSeverity = "error"   // 错误（需要排查）
)

// GetSeverity 获取失败类型对应的严重程度
func (ft FailureType) GetSeverity() FailureSeverity {
	switch ft {
	case FailureTypeNone:
		return FailureSeverityNormal
	case FailureTypeCapabilityUnavailable:
		return FailureSeverityNormal // 宿主不提供该原语，正常
	case FailureTypeIOError:
		return FailureSeverityWarning // 读写问题，需关注
	case FailureTypeUnsupportedFormat, FailureTypeNoMainModule, FailureTypeNoAnchorSegment, FailureTypeUnknown:
		return FailureSeverityError // 目标或环境问题，需排查
	default:
		return FailureSeverityError
	}
}

// GetDisplayName 获取失败类型的中文显示名称
func (ft FailureType) GetDisplayName() string {
	switch ft {
	case FailureTypeNone:
		return ""
	case FailureTypeUnsupportedFormat:
		return "格式不支持"
	case FailureTypeNoMainModule:
		return "缺少主镜像"
	case FailureTypeNoAnchorSegment:
		return "缺少锚定段"
	case FailureTypeCapabilityUnavailable:
		return "能力不可用"
	case FailureTypeIOError:
		return "读写失败"
	case FailureTypeUnknown:
		return "未知错误"
	default:
		return "未知错误"
	}
}

// DumpRecord 脱壳记录表
type DumpRecord struct {
	ID             string      `gorm:"primaryKey;type:varchar(36)" json:"id"`
	BundleID       string      `gorm:"type:varchar(255);index:idx_bundle_id" json:"bundle_id,omitempty"`
	AppName        string      `gorm:"type:varchar(255)" json:"app_name,omitempty"`
	BundlePath     string      `gorm:"type:varchar(500)" json:"bundle_path,omitempty"`
	ExecutableName string      `gorm:"type:varchar(255)" json:"executable_name,omitempty"`
	OutputPath     string      `gorm:"type:varchar(500)" json:"output_path,omitempty"`
	Size           int64       `gorm:"default:0" json:"size"`
	SegmentCount   int         `gorm:"type:tinyint;default:0" json:"segment_count"`
	Status         DumpStatus  `gorm:"type:varchar(20);not null;default:'queued'" json:"status"`
	FailureType    FailureType `gorm:"type:varchar(30);default:''" json:"failure_type,omitempty"`
	ErrorMessage   string      `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt      time.Time   `gorm:"not null" json:"created_at"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

func (DumpRecord) TableName() string {
	return "dump_records"
}
