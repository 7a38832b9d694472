// Package agent 是进程内能力面的单一实例：把能力解析、包定位、容器解析、
// 镜像重建和沙盒文件操作装配成远端可调用的操作集合。
package agent

import (
	"fmt"
	"os"
	"sync"

	"github.com/ipa-dump/ipa-dump-go/internal/bundle"
	"github.com/ipa-dump/ipa-dump-go/internal/capability"
	"github.com/ipa-dump/ipa-dump-go/internal/dump"
	"github.com/ipa-dump/ipa-dump-go/internal/macho"
	"github.com/ipa-dump/ipa-dump-go/internal/memory"
	"github.com/ipa-dump/ipa-dump-go/internal/sandbox"
	"github.com/sirupsen/logrus"
)

// DumpResult dumpExecutable 的结果
type DumpResult struct {
	OutputPath     string `json:"outputPath"`
	BundlePath     string `json:"bundlePath,omitempty"`
	ExecutableName string `json:"executableName,omitempty"`
	Size           int64  `json:"size"`
	SegmentCount   int    `json:"segmentCount"`
}

// Options Agent 装配参数
type Options struct {
	SandboxRoot string // 空则取宿主进程 HOME
	SurfaceMode string // auto / runtime / raw
	ChunkSize   int    // 内存拷贝分块
}

// Agent 进程内代理实例
//
// 宿主按协作式单调用模型投递请求：每个操作持有同一把互斥锁运行到结束，
// 没有重叠调用，agent 内部状态无需更细的同步。
type Agent struct {
	mu       sync.Mutex
	resolver *capability.Resolver
	locator  *bundle.Locator
	logger   *logrus.Logger
	opts     Options

	// 首次使用时选定，之后不变
	surface sandbox.Surface
}

// New 创建 Agent
func New(opts Options, logger *logrus.Logger) *Agent {
	resolver := capability.NewResolver(logger)
	return &Agent{
		resolver: resolver,
		locator:  bundle.NewLocator(resolver, logger),
		logger:   logger,
		opts:     opts,
	}
}

// Resolver 暴露能力解析器（健康检查用）
func (a *Agent) Resolver() *capability.Resolver {
	return a.resolver
}

// BundleInfo 包身份信息，尽力而为，从不失败
func (a *Agent) BundleInfo() bundle.Info {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.locator.Locate()
}

// SandboxPath 沙盒根路径（home 目录等价物）
func (a *Agent) SandboxPath() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sandboxPathLocked()
}

func (a *Agent) sandboxPathLocked() (string, bool) {
	if a.opts.SandboxRoot != "" {
		return a.opts.SandboxRoot, true
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return home, true
	}
	return "", false
}

// DumpExecutable 重建主可执行镜像的明文文件
func (a *Agent) DumpExecutable(outputPath string, progress dump.ProgressFunc) (*DumpResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	mod, ok := a.locator.MainImage()
	if !ok {
		return nil, dump.ErrNoMainModule
	}

	reader, err := a.memoryReader()
	if err != nil {
		return nil, err
	}

	container, err := macho.Parse(reader, mod.Base)
	if err != nil {
		return nil, fmt.Errorf("parse image at 0x%x: %w", mod.Base, err)
	}

	a.logger.WithFields(logrus.Fields{
		"image":    mod.Path,
		"base":     fmt.Sprintf("0x%x", mod.Base),
		"is64":     container.Is64,
		"segments": len(container.Segments),
		"crypt":    container.HasEncryptionInfo,
	}).Info("Reconstructing executable image")

	r := dump.NewReconstructor(reader, a.opts.ChunkSize, a.logger)
	size, err := r.Reconstruct(container, mod.Base, outputPath, progress)
	if err != nil {
		// 失败的重建可能留下半成品文件，输出路径对调用方不可信
		return nil, err
	}

	info := a.locator.Locate()
	return &DumpResult{
		OutputPath:     outputPath,
		BundlePath:     info.BundlePath,
		ExecutableName: info.ExecutableName,
		Size:           size,
		SegmentCount:   len(container.Segments),
	}, nil
}

// memoryReader 解析内存读取原语：首选 process_vm_readv，回退 /proc 路径
func (a *Agent) memoryReader() (memory.Reader, error) {
	if h, ok := a.resolver.Resolve(capability.RawRead); ok {
		return h.(memory.Reader), nil
	}
	if h, ok := a.resolver.Resolve(capability.RawReadFallback); ok {
		return h.(memory.Reader), nil
	}
	return nil, fmt.Errorf("%w: no raw memory read primitive", capability.ErrUnavailable)
}

// ListFiles 递归枚举
func (a *Agent) ListFiles(root string) (*sandbox.Listing, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.surfaceLocked()
	if err != nil {
		return nil, err
	}
	return s.ListRecursive(root)
}

// StatPath 单路径状态，从不失败
func (a *Agent) StatPath(path string) sandbox.StatResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.surfaceLocked()
	if err != nil {
		return sandbox.StatResult{}
	}
	return s.Stat(path)
}

// StatPaths 批量状态，从不失败
func (a *Agent) StatPaths(paths []string) map[string]sandbox.StatResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.surfaceLocked()
	if err != nil {
		out := make(map[string]sandbox.StatResult, len(paths))
		for _, p := range paths {
			out[p] = sandbox.StatResult{}
		}
		return out
	}
	return s.StatBatch(paths)
}

// ReadFile 区间读取
func (a *Agent) ReadFile(path string, offset int64, length int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.surfaceLocked()
	if err != nil {
		return nil, err
	}
	return s.ReadRange(path, offset, length)
}

// RemovePath 尽力而为的删除
func (a *Agent) RemovePath(path string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.surfaceLocked()
	if err != nil {
		return false
	}
	return s.Remove(path)
}

// surfaceLocked 首次使用时选定文件操作实现
func (a *Agent) surfaceLocked() (sandbox.Surface, error) {
	if a.surface != nil {
		return a.surface, nil
	}
	s, err := sandbox.Select(a.resolver, a.locator.RuntimeActive(), a.opts.SurfaceMode, a.logger)
	if err != nil {
		return nil, err
	}
	a.surface = s
	return s, nil
}
