// Package dump 把已解密的内存段拷回磁盘，重建与原始文件布局逐字节
// 兼容的明文镜像。
package dump

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ipa-dump/ipa-dump-go/internal/macho"
	"github.com/ipa-dump/ipa-dump-go/internal/memory"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNoMainModule 找不到可用的主镜像
	ErrNoMainModule = errors.New("no main module located")
	// ErrNoAnchorSegment 容器没有滑移基准段，重建无法进行
	ErrNoAnchorSegment = errors.New("no anchor segment to establish slide")
)

// Event 重建进度事件
type Event struct {
	Stage   string `json:"stage"` // segment / patch / done
	Segment string `json:"segment,omitempty"`
	Copied  uint64 `json:"copied"`
	Total   uint64 `json:"total"`
}

// ProgressFunc 进度回调，nil 表示不上报
type ProgressFunc func(Event)

// Reconstructor 镜像重建器
type Reconstructor struct {
	reader    memory.Reader
	chunkSize int
	logger    *logrus.Logger
}

// NewReconstructor 创建重建器
func NewReconstructor(reader memory.Reader, chunkSize int, logger *logrus.Logger) *Reconstructor {
	if chunkSize <= 0 {
		chunkSize = 256 * 1024
	}
	return &Reconstructor{reader: reader, chunkSize: chunkSize, logger: logger}
}

// Reconstruct 按原始文件偏移把各段从进程内存写入 outputPath
//
// 滑移取锚点段虚拟地址；filesize==0 的段不携带文件字节，整段跳过。
// cryptid 补丁在所有段拷贝完成后一次性落盘，半成品文件不会被标成明文。
// 返回输出文件应覆盖的字节数（各段 fileoff+filesize 的最大值）。
func (r *Reconstructor) Reconstruct(c *macho.Container, imageBase uint64, outputPath string, progress ProgressFunc) (int64, error) {
	if !c.HasAnchor {
		return 0, ErrNoAnchorSegment
	}
	slide := c.AnchorAddress

	// 先算总量，供进度上报
	var total uint64
	for _, seg := range c.Segments {
		total += copyLength(seg)
	}

	// 父目录幂等递归创建
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return 0, fmt.Errorf("create output directory for %s: %w", outputPath, err)
	}

	f, err := os.OpenFile(outputPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("open output file %s: %w", outputPath, err)
	}
	defer f.Close()

	var (
		copied    uint64
		claimed   int64 // 最大 fileoff+filesize
		chunkSize = uint64(r.chunkSize)
	)

	for _, seg := range c.Segments {
		if seg.FileSize == 0 {
			continue
		}
		if end := int64(seg.FileOffset + seg.FileSize); end > claimed {
			claimed = end
		}

		readLen := copyLength(seg)
		src := imageBase + (seg.VirtualAddress - slide)
		window := memory.NewWindow(r.reader, src, readLen)

		r.logger.WithFields(logrus.Fields{
			"segment":  seg.Name,
			"source":   fmt.Sprintf("0x%x", src),
			"fileoff":  seg.FileOffset,
			"read_len": readLen,
		}).Debug("Copying segment")

		for off := uint64(0); off < readLen; off += chunkSize {
			n := chunkSize
			if readLen-off < n {
				n = readLen - off
			}
			buf, err := window.ReadBytes(src+off, n)
			if err != nil {
				return 0, fmt.Errorf("read segment %s: %w", seg.Name, err)
			}
			if _, err := f.WriteAt(buf, int64(seg.FileOffset+off)); err != nil {
				return 0, fmt.Errorf("write segment %s to %s: %w", seg.Name, outputPath, err)
			}
			copied += n
			if progress != nil {
				progress(Event{Stage: "segment", Segment: seg.Name, Copied: copied, Total: total})
			}
		}

		// 映射被截短时把文件顶到声明大小：只写末尾一个零字节，
		// 中间空洞交给稀疏文件
		if readLen < seg.FileSize {
			if _, err := f.WriteAt([]byte{0}, int64(seg.FileOffset+seg.FileSize-1)); err != nil {
				return 0, fmt.Errorf("zero-fill tail of segment %s: %w", seg.Name, err)
			}
		}
	}

	// cryptid 置零：重建文件从此被标记为明文
	if c.HasEncryptionInfo {
		if _, err := f.WriteAt([]byte{0, 0, 0, 0}, int64(c.EncryptionInfoOffset)); err != nil {
			return 0, fmt.Errorf("patch encryption descriptor in %s: %w", outputPath, err)
		}
		if progress != nil {
			progress(Event{Stage: "patch", Copied: copied, Total: total})
		}
	}

	if progress != nil {
		progress(Event{Stage: "done", Copied: copied, Total: total})
	}
	return claimed, nil
}

// copyLength 段的实际拷贝长度
// vmsize 非零且小于 filesize 时按 vmsize 截短，避免触碰未映射内存。
func copyLength(seg macho.Segment) uint64 {
	if seg.FileSize == 0 {
		return 0
	}
	if seg.VirtualSize != 0 && seg.VirtualSize < seg.FileSize {
		return seg.VirtualSize
	}
	return seg.FileSize
}
