package macho

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ipa-dump/ipa-dump-go/internal/memory"
)

// Parse 解析 base 处已加载镜像的头部与加载命令表
//
// 只访问头部和命令表覆盖的字节（header + sizeofcmds），段内容本身不读取。
// magic 不可识别返回 ErrUnsupportedFormat。
func Parse(r memory.Reader, base uint64) (*Container, error) {
	// 先用最小窗口读 magic 和定长头部字段
	head := memory.NewWindow(r, base, headerSize64)

	magic, err := head.ReadU32(base, binary.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}

	var (
		is64  bool
		order binary.ByteOrder = binary.LittleEndian
	)
	switch magic {
	case MagicMachO32:
	case MagicMachO64:
		is64 = true
	case MagicMachO32Swap:
		order = binary.BigEndian
	case MagicMachO64Swap:
		is64 = true
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: magic 0x%08x at 0x%x", ErrUnsupportedFormat, magic, base)
	}

	headerSize := uint64(headerSize32)
	if is64 {
		headerSize = headerSize64
	}

	// mach_header: magic(0) cputype(4) cpusubtype(8) filetype(12) ncmds(16) sizeofcmds(20)
	ncmds, err := head.ReadU32(base+16, order)
	if err != nil {
		return nil, fmt.Errorf("read ncmds: %w", err)
	}
	sizeofcmds, err := head.ReadU32(base+20, order)
	if err != nil {
		return nil, fmt.Errorf("read sizeofcmds: %w", err)
	}

	// 命令表窗口覆盖头部声明的范围，命令游标不能越过它
	cmds := memory.NewWindow(r, base, headerSize+uint64(sizeofcmds))

	c := &Container{Is64: is64}
	var anchorIsText bool

	cursor := base + headerSize
	for i := uint32(0); i < ncmds; i++ {
		cmdType, err := cmds.ReadU32(cursor, order)
		if err != nil {
			return nil, fmt.Errorf("read command %d type: %w", i, err)
		}
		cmdSize, err := cmds.ReadU32(cursor+4, order)
		if err != nil {
			return nil, fmt.Errorf("read command %d size: %w", i, err)
		}
		if cmdSize < 8 {
			return nil, fmt.Errorf("command %d declares size %d, below header minimum", i, cmdSize)
		}

		switch cmdType {
		case lcSegment, lcSegment64:
			seg, err := readSegment(cmds, cursor, order, cmdType == lcSegment64)
			if err != nil {
				return nil, fmt.Errorf("read segment command %d: %w", i, err)
			}
			c.Segments = append(c.Segments, seg)

			// 锚点跟踪：优先字面 __TEXT，否则记住首个 fileoff==0 且
			// filesize!=0 的段
			if seg.Name == AnchorSegmentName && !anchorIsText {
				c.AnchorAddress = seg.VirtualAddress
				c.HasAnchor = true
				anchorIsText = true
			} else if !c.HasAnchor && seg.FileOffset == 0 && seg.FileSize != 0 {
				c.AnchorAddress = seg.VirtualAddress
				c.HasAnchor = true
			}

		case lcEncryptionInfo, lcEncryptionInfo64:
			// 记录 cryptid 字段相对镜像起始的偏移，重建完成后回写为 0
			c.EncryptionInfoOffset = (cursor - base) + cryptIDFieldOffset
			c.HasEncryptionInfo = true
		}

		// 未识别的命令按其声明长度跳过，不是错误
		cursor += uint64(cmdSize)
	}

	return c, nil
}

// readSegment 读取一条段加载命令
// 布局: cmd(4) cmdsize(4) segname(16) vmaddr vmsize fileoff filesize
// 后四个字段在 32 位命令中各 4 字节，64 位命令中各 8 字节。
func readSegment(w *memory.Window, cmdAddr uint64, order binary.ByteOrder, is64 bool) (Segment, error) {
	nameBytes, err := w.ReadBytes(cmdAddr+8, 16)
	if err != nil {
		return Segment{}, err
	}
	name := string(bytes.TrimRight(nameBytes, "\x00"))

	fieldAddr := cmdAddr + 24
	read := func() (uint64, error) {
		if is64 {
			v, err := w.ReadU64(fieldAddr, order)
			fieldAddr += 8
			return v, err
		}
		v, err := w.ReadU32(fieldAddr, order)
		fieldAddr += 4
		return uint64(v), err
	}

	seg := Segment{Name: name}
	if seg.VirtualAddress, err = read(); err != nil {
		return Segment{}, err
	}
	if seg.VirtualSize, err = read(); err != nil {
		return Segment{}, err
	}
	if seg.FileOffset, err = read(); err != nil {
		return Segment{}, err
	}
	if seg.FileSize, err = read(); err != nil {
		return Segment{}, err
	}
	return seg, nil
}
