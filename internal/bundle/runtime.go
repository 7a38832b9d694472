package bundle

import (
	"errors"
	"fmt"
	"os"
	"path"

	"howett.net/plist"
)

// Metadata 反射层暴露的包元数据
// 来自 bundle 清单（Info.plist，XML 或二进制格式均可）。
type Metadata struct {
	BundleID    string `plist:"CFBundleIdentifier"`
	Name        string `plist:"CFBundleName"`
	DisplayName string `plist:"CFBundleDisplayName"`
	Executable  string `plist:"CFBundleExecutable"`
}

// activateRuntime 反射层激活：按优先级独立尝试，首个成功者生效
//
// 每次尝试的失败都被吞掉，不影响后续尝试。整个激活过程经由能力解析器
// 记忆化，进程生命周期内只执行一次。
func (l *Locator) activateRuntime() (any, error) {
	info, _ := l.locateFromModules()

	var attempts []string
	// 1. 显式路径：bundle 目录下的清单
	if info.BundlePath != "" {
		attempts = append(attempts, path.Join(info.BundlePath, "Info.plist"))
	}
	// 2. 可执行文件同目录的清单
	if info.ExecutablePath != "" {
		attempts = append(attempts, path.Join(path.Dir(info.ExecutablePath), "Info.plist"))
	}
	// 3. 环境注入的清单路径（运行时初始化挂钩的等价物）
	if p := os.Getenv("IPA_DUMP_INFO_PLIST"); p != "" {
		attempts = append(attempts, p)
	}

	for _, candidate := range attempts {
		md, err := loadManifest(candidate)
		if err != nil {
			l.logger.WithField("path", candidate).WithError(err).Debug("Runtime metadata attempt failed")
			continue
		}
		l.logger.WithField("path", candidate).Debug("Runtime metadata layer activated")
		return md, nil
	}

	return nil, errors.New("no runtime metadata source available")
}

// loadManifest 读取并解析一个 bundle 清单
func loadManifest(p string) (*Metadata, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}

	var md Metadata
	if _, err := plist.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if md.BundleID == "" && md.Executable == "" && md.Name == "" {
		return nil, errors.New("manifest carries no usable identity fields")
	}
	return &md, nil
}
