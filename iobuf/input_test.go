package iobuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInputBufferMarkResetToMark(t *testing.T) {
	b := NewInputBuffer(16)
	b.AddData([]byte{1, 2, 3})

	b.Mark()
	_, err := b.ReadByte()
	require.NoError(t, err)
	_, err = b.Read(10) // not enough bytes
	assert.ErrorIs(t, err, ErrNeedMore)

	b.ResetToMark()
	assert.Equal(t, 3, b.Len())

	v, err := b.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(1), v)
}

func TestInputBufferIntegerReaders(t *testing.T) {
	b := NewInputBuffer(32)
	b.AddData([]byte{0x00, 0x01, 0x02}) // 24-bit: 0x000102
	v24, err := b.Read24BitInteger()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x000102), v24)

	b.AddData([]byte{0x00, 0x00, 0x00, 0x05}) // 32-bit stream id
	v32, err := b.Read32BitInteger()
	require.NoError(t, err)
	assert.Equal(t, uint32(5), v32)

	b.AddData([]byte{0, 0, 0, 0, 0, 0, 0, 7})
	v64, err := b.Read64BitLong()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), v64)
}

func TestInputBufferCompaction(t *testing.T) {
	b := NewInputBuffer(8)
	b.AddData([]byte{1, 2, 3, 4, 5, 6})
	_, _ = b.Read(5)
	assert.True(t, b.ShouldCompact())
	b.Compact()
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, 0, b.r)
}

func TestInputBufferNeedMoreThenSatisfied(t *testing.T) {
	b := NewInputBuffer(8)
	b.Mark()
	_, err := b.Read24BitInteger()
	assert.ErrorIs(t, err, ErrNeedMore)
	b.ResetToMark()

	b.AddData([]byte{0xff, 0xff, 0xff})
	v, err := b.Read24BitInteger()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xffffff), v)
}
