// Package memory 提供对外部（非 Go 托管）内存的受限读取能力。
//
// 所有读取都经过显式的 (base, length) 窗口校验之后才会触达底层原语，
// 越界读取返回错误而不是未定义行为。
package memory

import (
	"encoding/binary"
	"fmt"
)

// Reader 原始内存读取原语
// 实现方负责把 addr 解释为宿主进程地址空间中的绝对地址。
type Reader interface {
	ReadAt(addr uint64, buf []byte) error
}

// Window 带边界校验的内存窗口
// 窗口覆盖 [Base, Base+Size)，窗口外的读取一律拒绝。
type Window struct {
	r    Reader
	base uint64
	size uint64
}

// NewWindow 创建内存窗口
func NewWindow(r Reader, base, size uint64) *Window {
	return &Window{r: r, base: base, size: size}
}

// Base 窗口起始地址
func (w *Window) Base() uint64 {
	return w.base
}

// Size 窗口长度
func (w *Window) Size() uint64 {
	return w.size
}

// Contains 判断 [addr, addr+n) 是否完全落在窗口内
func (w *Window) Contains(addr, n uint64) bool {
	if addr < w.base {
		return false
	}
	off := addr - w.base
	if off > w.size {
		return false
	}
	// 防止 addr+n 溢出
	return n <= w.size-off
}

// ReadBytes 读取 n 字节，越界返回错误
func (w *Window) ReadBytes(addr, n uint64) ([]byte, error) {
	if !w.Contains(addr, n) {
		return nil, fmt.Errorf("read of %d bytes at 0x%x outside window [0x%x, 0x%x)",
			n, addr, w.base, w.base+w.size)
	}
	buf := make([]byte, n)
	if err := w.r.ReadAt(addr, buf); err != nil {
		return nil, fmt.Errorf("read %d bytes at 0x%x: %w", n, addr, err)
	}
	return buf, nil
}

// ReadInto 把 [addr, addr+len(buf)) 读入调用方提供的缓冲区
func (w *Window) ReadInto(addr uint64, buf []byte) error {
	if !w.Contains(addr, uint64(len(buf))) {
		return fmt.Errorf("read of %d bytes at 0x%x outside window [0x%x, 0x%x)",
			len(buf), addr, w.base, w.base+w.size)
	}
	return w.r.ReadAt(addr, buf)
}

// ReadU32 按指定字节序读取 32 位整数
func (w *Window) ReadU32(addr uint64, order binary.ByteOrder) (uint32, error) {
	buf, err := w.ReadBytes(addr, 4)
	if err != nil {
		return 0, err
	}
	return order.Uint32(buf), nil
}

// ReadU64 按指定字节序读取 64 位整数
func (w *Window) ReadU64(addr uint64, order binary.ByteOrder) (uint64, error) {
	buf, err := w.ReadBytes(addr, 8)
	if err != nil {
		return 0, err
	}
	return order.Uint64(buf), nil
}
