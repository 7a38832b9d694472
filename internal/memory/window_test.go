package memory

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWindow_BoundsChecked 测试窗口边界校验
func TestWindow_BoundsChecked(t *testing.T) {
	region := NewSliceRegion(0x1000, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	w := NewWindow(region, 0x1000, 8)

	// 窗口内读取
	buf, err := w.ReadBytes(0x1000, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, buf)

	// 起始越界
	_, err = w.ReadBytes(0x0fff, 1)
	assert.Error(t, err)

	// 末尾越界
	_, err = w.ReadBytes(0x1004, 5)
	assert.Error(t, err)

	// 溢出构造：addr+n 回绕
	_, err = w.ReadBytes(0x1000, ^uint64(0))
	assert.Error(t, err)
}

// TestWindow_ReadIntegers 测试按字节序读取整数
func TestWindow_ReadIntegers(t *testing.T) {
	data := []byte{0xce, 0xfa, 0xed, 0xfe, 0x01, 0x00, 0x00, 0x00}
	region := NewSliceRegion(0x2000, data)
	w := region.Window()

	v32, err := w.ReadU32(0x2000, binary.LittleEndian)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xfeedface), v32)

	v32be, err := w.ReadU32(0x2000, binary.BigEndian)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xcefaedfe), v32be)

	v64, err := w.ReadU64(0x2000, binary.LittleEndian)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1feedface), v64)
}

// TestSliceRegion_ReadBeyondEnd 测试区域末尾之外的读取
func TestSliceRegion_ReadBeyondEnd(t *testing.T) {
	region := NewSliceRegion(0x1000, make([]byte, 16))

	buf := make([]byte, 8)
	assert.NoError(t, region.ReadAt(0x1008, buf))
	assert.Error(t, region.ReadAt(0x1009, buf))
	assert.Error(t, region.ReadAt(0x0ff0, buf))
}
