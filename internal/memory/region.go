package memory

import "fmt"

// SliceRegion 由字节切片支撑的内存区域，映射到指定基地址。
// 用于测试以及对已拷贝内存快照的二次解析。
type SliceRegion struct {
	base uint64
	data []byte
}

// NewSliceRegion 创建切片内存区域
func NewSliceRegion(base uint64, data []byte) *SliceRegion {
	return &SliceRegion{base: base, data: data}
}

// ReadAt 实现 Reader
func (r *SliceRegion) ReadAt(addr uint64, buf []byte) error {
	if addr < r.base {
		return fmt.Errorf("address 0x%x below region base 0x%x", addr, r.base)
	}
	off := addr - r.base
	if off+uint64(len(buf)) > uint64(len(r.data)) {
		return fmt.Errorf("read of %d bytes at 0x%x beyond region end 0x%x",
			len(buf), addr, r.base+uint64(len(r.data)))
	}
	copy(buf, r.data[off:off+uint64(len(buf))])
	return nil
}

// Window 以整个区域为边界创建窗口
func (r *SliceRegion) Window() *Window {
	return NewWindow(r, r.base, uint64(len(r.data)))
}
