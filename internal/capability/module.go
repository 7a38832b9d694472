package capability

// Module 宿主进程中一个已加载的镜像
type Module struct {
	Path string // 镜像文件路径
	Base uint64 // 加载基地址
}

// 已解析原语的句柄类型
// Resolve 返回 any，调用方按名字对应的类型断言。
type (
	// ModuleListFunc ModuleEnumerate 的句柄
	ModuleListFunc func() ([]Module, error)
	// OpenDirFunc DirectoryOpen 的句柄，返回目录文件描述符
	OpenDirFunc func(path string) (int, error)
	// ReadRangeFunc FileRead 的句柄，短读返回更少的字节而不是错误
	ReadRangeFunc func(path string, offset int64, length int) ([]byte, error)
	// UnlinkFunc FileUnlink 的句柄
	UnlinkFunc func(path string) error
)
