package bundle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ipa-dump/ipa-dump-go/internal/capability"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// newTestLocator 用固定模块列表构造定位器
func newTestLocator(t *testing.T, modules []capability.Module) *Locator {
	t.Helper()
	resolver := capability.NewResolver(testLogger())
	l := NewLocator(resolver, testLogger())
	resolver.Register(capability.ModuleEnumerate, func() (any, error) {
		return capability.ModuleListFunc(func() ([]capability.Module, error) {
			return modules, nil
		}), nil
	})
	return l
}

// TestLocate_MainImageInBundle 测试主镜像直接位于 bundle 路径下
func TestLocate_MainImageInBundle(t *testing.T) {
	l := newTestLocator(t, []capability.Module{
		{Path: "/var/containers/Bundle/Application/ABCD/Demo.app/Demo", Base: 0x100000000},
		{Path: "/usr/lib/libSystem.dylib", Base: 0x180000000},
	})

	info := l.Locate()
	assert.Equal(t, "Demo", info.AppName)
	assert.Equal(t, "/var/containers/Bundle/Application/ABCD/Demo.app", info.BundlePath)
	assert.Equal(t, "/var/containers/Bundle/Application/ABCD/Demo.app/Demo", info.ExecutablePath)
	assert.Equal(t, "Demo", info.ExecutableName)
	assert.Empty(t, info.BundleID, "内存路径无法恢复 bundleId")

	mod, ok := l.MainImage()
	require.True(t, ok)
	assert.Equal(t, uint64(0x100000000), mod.Base)
}

// TestLocate_PrefersDeclaredNameOverFramework 测试扫描时排除内嵌 framework
func TestLocate_PrefersDeclaredNameOverFramework(t *testing.T) {
	l := newTestLocator(t, []capability.Module{
		{Path: "/usr/lib/dyld", Base: 0x1000},
		// 先出现的 framework 镜像：路径在 .app 下但末段不等于声明名
		{Path: "/private/var/App/Demo.app/Frameworks/Helper.framework/Helper", Base: 0x2000},
		{Path: "/private/var/App/Demo.app/Demo", Base: 0x3000},
	})

	info := l.Locate()
	assert.Equal(t, "/private/var/App/Demo.app/Demo", info.ExecutablePath)
	assert.Equal(t, "Demo", info.AppName)

	mod, ok := l.MainImage()
	require.True(t, ok)
	assert.Equal(t, uint64(0x3000), mod.Base)
}

// TestLocate_FrameworkOnlyFallback 测试没有声明名匹配时退而取首个 bundle 镜像
func TestLocate_FrameworkOnlyFallback(t *testing.T) {
	l := newTestLocator(t, []capability.Module{
		{Path: "/usr/lib/dyld", Base: 0x1000},
		{Path: "/private/var/App/Demo.app/Frameworks/Helper.framework/Helper", Base: 0x2000},
	})

	info := l.Locate()
	assert.Equal(t, "/private/var/App/Demo.app/Frameworks/Helper.framework/Helper", info.ExecutablePath)
}

// TestLocate_NoModuleCapability 测试模块枚举缺失时的空结果
func TestLocate_NoModuleCapability(t *testing.T) {
	resolver := capability.NewResolver(testLogger())
	l := NewLocator(resolver, testLogger())
	// 不注册 ModuleEnumerate，原语按缺失处理

	info := l.Locate()
	assert.Equal(t, Info{}, info)

	_, ok := l.MainImage()
	assert.False(t, ok)
}

// TestLocate_RuntimeMetadataPreferred 测试反射层字段覆盖内存派生值
func TestLocate_RuntimeMetadataPreferred(t *testing.T) {
	dir := t.TempDir()
	bundleDir := filepath.Join(dir, "Demo.app")
	require.NoError(t, os.MkdirAll(bundleDir, 0755))

	manifest := `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>CFBundleIdentifier</key><string>com.example.demo</string>
	<key>CFBundleDisplayName</key><string>Demo 应用</string>
	<key>CFBundleExecutable</key><string>Demo</string>
</dict>
</plist>`
	require.NoError(t, os.WriteFile(filepath.Join(bundleDir, "Info.plist"), []byte(manifest), 0644))

	l := newTestLocator(t, []capability.Module{
		{Path: filepath.Join(bundleDir, "Demo"), Base: 0x100000000},
	})

	info := l.Locate()
	assert.Equal(t, "com.example.demo", info.BundleID)
	assert.Equal(t, "Demo 应用", info.AppName)
	assert.Equal(t, "Demo", info.ExecutableName)
	assert.True(t, l.RuntimeActive())
}

// TestLocate_RuntimeAbsent 测试无清单时反射层保持未激活
func TestLocate_RuntimeAbsent(t *testing.T) {
	l := newTestLocator(t, []capability.Module{
		{Path: "/nonexistent/Demo.app/Demo", Base: 0x100000000},
	})

	info := l.Locate()
	assert.Empty(t, info.BundleID)
	assert.Equal(t, "Demo", info.AppName)
	assert.False(t, l.RuntimeActive())
}
