// Package macho 解析宿主进程内已加载 Mach-O 镜像的头部与加载命令表。
//
// 解析对象是外部内存而不是磁盘文件，所有访问都经过 memory.Window 的
// 边界校验。参考 crissyfield/decrypt 的磁盘解析实现。
package macho

import "errors"

// 四种可识别的 magic（32/64 位 × 本机/交换字节序）
const (
	MagicMachO32     = 0xfeedface
	MagicMachO32Swap = 0xcefaedfe
	MagicMachO64     = 0xfeedfacf
	MagicMachO64Swap = 0xcffaedfe
)

// 加载命令类型
const (
	lcSegment          = 0x01
	lcSegment64        = 0x19
	lcEncryptionInfo   = 0x21
	lcEncryptionInfo64 = 0x2c
)

// 头部长度
const (
	headerSize32 = 28
	headerSize64 = 32
)

// AnchorSegmentName 滑移锚点的保留段名
const AnchorSegmentName = "__TEXT"

// cryptid 字段在 encryption_info 命令体内的偏移
// 布局: cmd(4) cmdsize(4) cryptoff(4) cryptsize(4) cryptid(4)
const cryptIDFieldOffset = 16

// ErrUnsupportedFormat 基地址处的 magic 不属于四种可识别值
var ErrUnsupportedFormat = errors.New("unsupported binary format")

// Segment 一个段加载命令描述的内存/磁盘区域
type Segment struct {
	Name           string `json:"name"`
	VirtualAddress uint64 `json:"vmaddr"`
	VirtualSize    uint64 `json:"vmsize"`
	FileOffset     uint64 `json:"fileoff"`
	FileSize       uint64 `json:"filesize"`
}

// Container 解析出的镜像结构
// Segments 保持加载命令的出现顺序。
type Container struct {
	Is64 bool `json:"is64"`

	// Segments 全部段加载命令，含 filesize==0 的段
	Segments []Segment `json:"segments"`

	// EncryptionInfoOffset cryptid 字段相对镜像起始的字节偏移
	// 没有 encryption_info 命令的镜像是合法的（未加壳或已脱壳）。
	EncryptionInfoOffset uint64 `json:"encryption_info_offset,omitempty"`
	HasEncryptionInfo    bool   `json:"has_encryption_info"`

	// AnchorAddress 锚点段的虚拟地址（滑移计算基准）
	AnchorAddress uint64 `json:"anchor_address,omitempty"`
	HasAnchor     bool   `json:"has_anchor"`
}
