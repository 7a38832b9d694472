// Package sandbox 提供进程数据沙盒上的文件枚举/读取/删除能力。
//
// 同一接口有两套实现：运行时层（富 API）与原始系统调用层；
// 选择发生在首次使用时，由能力探测决定。
package sandbox

import (
	"github.com/ipa-dump/ipa-dump-go/internal/capability"
	"github.com/sirupsen/logrus"
)

// ErrCapabilityUnavailable 两条实现路径都不可用
var ErrCapabilityUnavailable = capability.ErrUnavailable

// StatResult 单个路径的状态
// IsDir/Size 仅在 Exists 为真时出现。
type StatResult struct {
	Exists bool   `json:"exists"`
	IsDir  *bool  `json:"isDir,omitempty"`
	Size   *int64 `json:"size,omitempty"`
}

// Listing 递归遍历结果
// 路径均相对于遍历根，以 / 连接；不含 "." 与 ".."。
type Listing struct {
	Files []string `json:"files"`
	Dirs  []string `json:"dirs"`
}

// Surface 沙盒文件操作接口
type Surface interface {
	// Stat 从不失败，路径不存在返回 exists:false
	Stat(path string) StatResult
	// StatBatch 逐路径扇出 Stat，无部分失败语义
	StatBatch(paths []string) map[string]StatResult
	// ListRecursive 深度优先遍历，目录先于其内容出现
	ListRecursive(root string) (*Listing, error)
	// ReadRange 读取 [offset, offset+length)，文件尾短读不是错误
	ReadRange(path string, offset int64, length int) ([]byte, error)
	// Remove 尽力而为，失败返回 false 而不是硬错误
	Remove(path string) bool
}

// Select 按探测结果选择实现
//
// mode: auto（运行时层可用则优先）/ runtime / raw。
// 两条路径都不可用时返回 ErrCapabilityUnavailable。
func Select(resolver *capability.Resolver, runtimeActive bool, mode string, logger *logrus.Logger) (Surface, error) {
	switch mode {
	case "runtime":
		return newOSSurface(logger), nil
	case "raw":
		s, err := newRawSurface(resolver, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		if runtimeActive {
			logger.Debug("Runtime layer active, using os-level filesystem surface")
			return newOSSurface(logger), nil
		}
		if s, err := newRawSurface(resolver, logger); err == nil {
			logger.Debug("Using raw syscall filesystem surface")
			return s, nil
		}
		// 原始原语缺失时仍可退回运行时层——它在 Go 宿主上总是存在，
		// 顺序对应反射层优先的探测序列
		return newOSSurface(logger), nil
	}
}

// statResult 组装一个存在路径的状态
func statResult(isDir bool, size int64) StatResult {
	return StatResult{Exists: true, IsDir: &isDir, Size: &size}
}

// statBatch StatBatch 的共享实现
func statBatch(s Surface, paths []string) map[string]StatResult {
	out := make(map[string]StatResult, len(paths))
	for _, p := range paths {
		out[p] = s.Stat(p)
	}
	return out
}
