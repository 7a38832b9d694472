// Package bundle 识别宿主进程的主镜像与应用安装包身份。
//
// 两条路径：模块枚举（内存派生）总是先行，反射层（运行时元数据）
// 可用时其字段优先——只有反射层能恢复 bundleId。
package bundle

import (
	"path"
	"strings"

	"github.com/ipa-dump/ipa-dump-go/internal/capability"
	"github.com/sirupsen/logrus"
)

// bundleSuffix 应用安装包目录的后缀标记
const bundleSuffix = ".app"

// Info 应用包身份信息
// 每个字段都可能缺失（空串），取决于哪条能力路径成功。
type Info struct {
	AppName        string `json:"appName,omitempty"`
	BundlePath     string `json:"bundlePath,omitempty"`
	ExecutablePath string `json:"executablePath,omitempty"`
	ExecutableName string `json:"executableName,omitempty"`
	BundleID       string `json:"bundleId,omitempty"`
}

// Locator 主镜像与包身份定位器
type Locator struct {
	resolver *capability.Resolver
	logger   *logrus.Logger
}

// NewLocator 创建定位器，并把反射层激活注册为可解析原语
func NewLocator(resolver *capability.Resolver, logger *logrus.Logger) *Locator {
	l := &Locator{resolver: resolver, logger: logger}
	resolver.Register(capability.RuntimeMetadata, l.activateRuntime)
	return l
}

// Locate 尽力而为地组装包身份，从不失败
// 数据缺失体现在字段上，不是错误。每次调用重新派生（结果幂等）。
func (l *Locator) Locate() Info {
	info, _ := l.locateFromModules()

	// 反射层字段更权威：两边都有值时覆盖内存派生结果
	if h, ok := l.resolver.Resolve(capability.RuntimeMetadata); ok {
		md := h.(*Metadata)
		if md.BundleID != "" {
			info.BundleID = md.BundleID
		}
		if md.DisplayName != "" {
			info.AppName = md.DisplayName
		} else if md.Name != "" {
			info.AppName = md.Name
		}
		if md.Executable != "" {
			info.ExecutableName = md.Executable
			if info.BundlePath != "" {
				info.ExecutablePath = info.BundlePath + "/" + md.Executable
			}
		}
	}

	return info
}

// MainImage 返回选定的主镜像模块
func (l *Locator) MainImage() (capability.Module, bool) {
	_, mod := l.locateFromModules()
	if mod.Path == "" {
		return capability.Module{}, false
	}
	return mod, true
}

// RuntimeActive 反射层是否已激活
func (l *Locator) RuntimeActive() bool {
	return l.resolver.Available(capability.RuntimeMetadata)
}

// locateFromModules 纯模块枚举路径
func (l *Locator) locateFromModules() (Info, capability.Module) {
	var info Info

	h, ok := l.resolver.Resolve(capability.ModuleEnumerate)
	if !ok {
		return info, capability.Module{}
	}
	modules, err := h.(capability.ModuleListFunc)()
	if err != nil || len(modules) == 0 {
		if err != nil {
			l.logger.WithError(err).Debug("Module enumeration failed")
		}
		return info, capability.Module{}
	}

	// 首个镜像是进程主镜像；它不在 bundle 路径下时扫描全部镜像
	main := modules[0]
	if !looksLikeBundlePath(main.Path) {
		var fallback capability.Module
		for _, m := range modules {
			if !looksLikeBundlePath(m.Path) {
				continue
			}
			// 优先路径末段等于其声明名的镜像，
			// 排除冒充主二进制的内嵌 framework / extension
			if matchesDeclaredName(m.Path) {
				fallback = m
				break
			}
			if fallback.Path == "" {
				fallback = m
			}
		}
		if fallback.Path == "" {
			return info, capability.Module{}
		}
		main = fallback
	}

	info.ExecutablePath = main.Path
	info.ExecutableName = path.Base(main.Path)
	if bp, ok := bundlePrefix(main.Path); ok {
		info.BundlePath = bp
		info.AppName = strings.TrimSuffix(path.Base(bp), bundleSuffix)
	}
	return info, main
}

// looksLikeBundlePath 路径是否落在某个 .app 目录之下
func looksLikeBundlePath(p string) bool {
	return strings.Contains(p, bundleSuffix+"/")
}

// bundlePrefix 截取到（含）.app 目录为止的前缀
func bundlePrefix(p string) (string, bool) {
	idx := strings.Index(p, bundleSuffix+"/")
	if idx < 0 {
		return "", false
	}
	return p[:idx+len(bundleSuffix)], true
}

// matchesDeclaredName 路径末段是否与其所在 bundle 的声明名一致
func matchesDeclaredName(p string) bool {
	bp, ok := bundlePrefix(p)
	if !ok {
		return false
	}
	declared := strings.TrimSuffix(path.Base(bp), bundleSuffix)
	return path.Base(p) == declared
}
