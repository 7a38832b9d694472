// Package capability 发现并缓存宿主进程当前可用的底层原语。
//
// 每个原语只在首次使用时探测一次，结果（包括"不可用"）在进程生命周期内
// 不再变化：宿主的导出表在进程启动后不会改变，所以没有失效/重试路径。
package capability

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrUnavailable 某个必需原语无法解析，且操作没有回退路径
var ErrUnavailable = errors.New("capability unavailable")

// 原语名称
const (
	// RawRead 原始内存读取（process_vm_readv）
	RawRead = "raw-read"
	// RawReadFallback 原始内存读取回退路径（/proc/self/mem）
	RawReadFallback = "raw-read-fallback"
	// ModuleEnumerate 已加载镜像枚举
	ModuleEnumerate = "module-enumerate"
	// DirectoryOpen 目录打开/遍历原语（getdents）
	DirectoryOpen = "directory-open"
	// FileRead 文件读取原语（pread）
	FileRead = "file-read"
	// FileUnlink 文件删除原语（unlink）
	FileUnlink = "file-unlink"
	// RuntimeMetadata 运行时反射层（bundle 元数据）
	RuntimeMetadata = "runtime-metadata"
)

// Probe 原语探测函数
// 返回已解析的可调用句柄；探测失败返回错误，调用方据此回退。
type Probe func() (any, error)

// entry 单个原语的解析结果，present=false 表示确认缺失
type entry struct {
	handle  any
	present bool
}

// Resolver 宿主原语解析器
// 解析结果按原语名记忆化，单实例持有，随 agent 存活整个进程周期。
type Resolver struct {
	mu     sync.Mutex
	probes map[string]Probe
	cache  map[string]entry
	logger *logrus.Logger
}

// NewResolver 创建解析器
func NewResolver(logger *logrus.Logger) *Resolver {
	r := &Resolver{
		probes: make(map[string]Probe),
		cache:  make(map[string]entry),
		logger: logger,
	}
	registerHostProbes(r)
	return r
}

// Register 注册原语探测函数
// 已解析过的原语不会被重新探测。
func (r *Resolver) Register(name string, probe Probe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes[name] = probe
}

// Resolve 解析原语，返回句柄；缺失返回 (nil, false)，从不报错
func (r *Resolver) Resolve(name string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.cache[name]; ok {
		return e.handle, e.present
	}

	probe, ok := r.probes[name]
	if !ok {
		// 未注册视同缺失，同样记忆化
		r.cache[name] = entry{}
		r.logger.WithField("primitive", name).Debug("No probe registered, primitive marked absent")
		return nil, false
	}

	handle, err := probe()
	if err != nil {
		r.cache[name] = entry{}
		r.logger.WithField("primitive", name).WithError(err).Debug("Primitive unavailable")
		return nil, false
	}

	r.cache[name] = entry{handle: handle, present: true}
	r.logger.WithField("primitive", name).Debug("Primitive resolved")
	return handle, true
}

// Available 仅判断原语是否可用
func (r *Resolver) Available(name string) bool {
	_, ok := r.Resolve(name)
	return ok
}

// Snapshot 返回已探测原语的可用性摘要（用于健康检查）
func (r *Resolver) Snapshot() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]bool, len(r.cache))
	for name, e := range r.cache {
		out[name] = e.present
	}
	return out
}
