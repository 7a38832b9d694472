package dump

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/ipa-dump/ipa-dump-go/internal/macho"
	"github.com/ipa-dump/ipa-dump-go/internal/memory"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// imageSegment 合成镜像的段描述
type imageSegment struct {
	name     string
	vmaddr   uint64
	vmsize   uint64
	fileoff  uint64
	filesize uint64
}

// buildImage64 构造一个可供重建的 64 位合成镜像
//
// 返回映射后的内存内容（布局按 vmaddr-slide 偏移）和解析好的容器。
// 各段内容用可校验的纯色字节填充，__TEXT 段开头是真实的头部与命令表。
func buildImage64(t *testing.T, segs []imageSegment, withCrypt bool, mappedSize uint64) ([]byte, *macho.Container) {
	t.Helper()
	le := binary.LittleEndian

	u32 := func(v uint32) []byte {
		b := make([]byte, 4)
		le.PutUint32(b, v)
		return b
	}
	u64 := func(v uint64) []byte {
		b := make([]byte, 8)
		le.PutUint64(b, v)
		return b
	}

	var cmds []byte
	for _, s := range segs {
		cmd := u32(0x19) // LC_SEGMENT_64
		cmd = append(cmd, u32(72)...)
		name := make([]byte, 16)
		copy(name, s.name)
		cmd = append(cmd, name...)
		cmd = append(cmd, u64(s.vmaddr)...)
		cmd = append(cmd, u64(s.vmsize)...)
		cmd = append(cmd, u64(s.fileoff)...)
		cmd = append(cmd, u64(s.filesize)...)
		cmd = append(cmd, u32(7)...)
		cmd = append(cmd, u32(5)...)
		cmd = append(cmd, u32(0)...)
		cmd = append(cmd, u32(0)...)
		cmds = append(cmds, cmd...)
	}
	ncmds := len(segs)
	if withCrypt {
		cmd := u32(0x2c) // LC_ENCRYPTION_INFO_64
		cmd = append(cmd, u32(24)...)
		cmd = append(cmd, u32(0x1000)...)
		cmd = append(cmd, u32(0x1000)...)
		cmd = append(cmd, u32(1)...) // cryptid=1
		cmd = append(cmd, u32(0)...)
		cmds = append(cmds, cmd...)
		ncmds++
	}

	header := u32(macho.MagicMachO64)
	header = append(header, u32(0x0100000c)...)
	header = append(header, u32(0)...)
	header = append(header, u32(2)...)
	header = append(header, u32(uint32(ncmds))...)
	header = append(header, u32(uint32(len(cmds)))...)
	header = append(header, u32(0)...)
	header = append(header, u32(0)...)

	// 映射内存：anchor 为首段 vmaddr，各段内容放在 vmaddr-slide 处
	mapped := make([]byte, mappedSize)
	slide := segs[0].vmaddr
	for i, s := range segs {
		fill := byte(0x10 * (i + 1))
		start := s.vmaddr - slide
		length := s.vmsize
		if length == 0 {
			length = s.filesize
		}
		for j := uint64(0); j < length && start+j < mappedSize; j++ {
			mapped[start+j] = fill
		}
	}
	copy(mapped, header)
	copy(mapped[len(header):], cmds)

	// 从同一份内存解析出容器，保证偏移一致
	region := memory.NewSliceRegion(0x500000000, mapped)
	c, err := macho.Parse(region, 0x500000000)
	require.NoError(t, err)
	return mapped, c
}

// TestReconstruct_TwoSegments 测试双段容器的完整重建
func TestReconstruct_TwoSegments(t *testing.T) {
	mapped, c := buildImage64(t, []imageSegment{
		{name: "__TEXT", vmaddr: 0x1000, vmsize: 0x2000, fileoff: 0, filesize: 0x2000},
		{name: "__DATA", vmaddr: 0x3000, vmsize: 0x1000, fileoff: 0x2000, filesize: 0x1000},
	}, false, 0x3000)

	imageBase := uint64(0x500000000)
	region := memory.NewSliceRegion(imageBase, mapped)
	r := NewReconstructor(region, 0x400, testLogger()) // 小分块，覆盖多次拷贝

	out := filepath.Join(t.TempDir(), "Demo.decrypted")
	size, err := r.Reconstruct(c, imageBase, out, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0x3000), size)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), 0x3000)

	// 两个区间逐字节等于对应内存窗口
	assert.Equal(t, mapped[0:0x2000], data[0:0x2000])
	assert.Equal(t, mapped[0x2000:0x3000], data[0x2000:0x3000])
}

// TestReconstruct_CryptIDPatched 测试 cryptid 在输出文件中被清零
func TestReconstruct_CryptIDPatched(t *testing.T) {
	mapped, c := buildImage64(t, []imageSegment{
		{name: "__TEXT", vmaddr: 0x1000, vmsize: 0x2000, fileoff: 0, filesize: 0x2000},
	}, true, 0x2000)

	require.True(t, c.HasEncryptionInfo)
	// 源内存中 cryptid 确实非零
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(mapped[c.EncryptionInfoOffset:]))

	imageBase := uint64(0x500000000)
	region := memory.NewSliceRegion(imageBase, mapped)
	r := NewReconstructor(region, 0, testLogger())

	out := filepath.Join(t.TempDir(), "patched.bin")
	_, err := r.Reconstruct(c, imageBase, out, nil)
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, data[c.EncryptionInfoOffset:c.EncryptionInfoOffset+4])
}

// TestReconstruct_TruncatedMapping 测试 vmsize 小于 filesize 时的零填充尾部
func TestReconstruct_TruncatedMapping(t *testing.T) {
	mapped, c := buildImage64(t, []imageSegment{
		{name: "__TEXT", vmaddr: 0x1000, vmsize: 0x2000, fileoff: 0, filesize: 0x2000},
		{name: "__DATA", vmaddr: 0x3000, vmsize: 0x800, fileoff: 0x2000, filesize: 0x1000},
	}, false, 0x2800)

	imageBase := uint64(0x500000000)
	region := memory.NewSliceRegion(imageBase, mapped)
	r := NewReconstructor(region, 0, testLogger())

	out := filepath.Join(t.TempDir(), "trunc.bin")
	size, err := r.Reconstruct(c, imageBase, out, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0x3000), size)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), 0x3000)

	// 只有前 0x800 字节来自内存
	assert.Equal(t, mapped[0x2000:0x2800], data[0x2000:0x2800])
	// 声明大小内的尾部是零
	assert.Equal(t, byte(0), data[0x2000+0xFFF])
}

// TestReconstruct_NoAnchor 测试无滑移基准时失败且不落盘
func TestReconstruct_NoAnchor(t *testing.T) {
	c := &macho.Container{
		Is64: true,
		Segments: []macho.Segment{
			{Name: "__DATA", VirtualAddress: 0x3000, VirtualSize: 0x1000, FileOffset: 0x2000, FileSize: 0x1000},
		},
	}

	region := memory.NewSliceRegion(0x500000000, make([]byte, 0x1000))
	r := NewReconstructor(region, 0, testLogger())

	out := filepath.Join(t.TempDir(), "sub", "never.bin")
	_, err := r.Reconstruct(c, 0x500000000, out, nil)
	assert.ErrorIs(t, err, ErrNoAnchorSegment)

	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr))
}

// TestReconstruct_CreatesParentDirs 测试输出路径父目录的递归创建
func TestReconstruct_CreatesParentDirs(t *testing.T) {
	mapped, c := buildImage64(t, []imageSegment{
		{name: "__TEXT", vmaddr: 0x1000, vmsize: 0x1000, fileoff: 0, filesize: 0x1000},
	}, false, 0x1000)

	imageBase := uint64(0x500000000)
	region := memory.NewSliceRegion(imageBase, mapped)
	r := NewReconstructor(region, 0, testLogger())

	out := filepath.Join(t.TempDir(), "a", "b", "c", "out.bin")
	_, err := r.Reconstruct(c, imageBase, out, nil)
	require.NoError(t, err)

	// 幂等：再次重建同一路径不报错
	_, err = r.Reconstruct(c, imageBase, out, nil)
	assert.NoError(t, err)
}

// TestReconstruct_ProgressEvents 测试进度事件的阶段顺序
func TestReconstruct_ProgressEvents(t *testing.T) {
	mapped, c := buildImage64(t, []imageSegment{
		{name: "__TEXT", vmaddr: 0x1000, vmsize: 0x2000, fileoff: 0, filesize: 0x2000},
	}, true, 0x2000)

	imageBase := uint64(0x500000000)
	region := memory.NewSliceRegion(imageBase, mapped)
	r := NewReconstructor(region, 0x1000, testLogger())

	var stages []string
	out := filepath.Join(t.TempDir(), "prog.bin")
	_, err := r.Reconstruct(c, imageBase, out, func(e Event) {
		stages = append(stages, e.Stage)
	})
	require.NoError(t, err)

	require.NotEmpty(t, stages)
	assert.Equal(t, "segment", stages[0])
	// patch 在所有段之后、done 之前
	assert.Equal(t, "patch", stages[len(stages)-2])
	assert.Equal(t, "done", stages[len(stages)-1])
}

// TestCopyLength 测试拷贝长度的截短规则
func TestCopyLength(t *testing.T) {
	assert.Equal(t, uint64(0), copyLength(macho.Segment{FileSize: 0, VirtualSize: 0x1000}))
	assert.Equal(t, uint64(0x800), copyLength(macho.Segment{FileSize: 0x1000, VirtualSize: 0x800}))
	assert.Equal(t, uint64(0x1000), copyLength(macho.Segment{FileSize: 0x1000, VirtualSize: 0x2000}))
	assert.Equal(t, uint64(0x1000), copyLength(macho.Segment{FileSize: 0x1000, VirtualSize: 0}))
}
