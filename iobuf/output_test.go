package iobuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutputBufferWriteAdvance(t *testing.T) {
	b := NewOutputBuffer(8)
	assert.True(t, b.Write([]byte("abcd")))
	assert.Equal(t, 4, b.Len())

	b.Advance(2)
	assert.Equal(t, []byte("cd"), b.ReadSlice())

	b.Advance(2)
	assert.True(t, b.Empty())
}

func TestOutputBufferCompactsOnOverflow(t *testing.T) {
	b := NewOutputBuffer(6)
	assert.True(t, b.Write([]byte("abcd")))
	b.Advance(2)
	assert.True(t, b.Write([]byte("efgh")))
	assert.Equal(t, []byte("cdefgh"), b.ReadSlice())
}

func TestOutputBufferRejectsOversizedWrite(t *testing.T) {
	b := NewOutputBuffer(4)
	assert.False(t, b.Write([]byte("toolong")))
}
