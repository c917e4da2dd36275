package chunked

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetd/httpcore/iobuf"
)

func TestDecoderRoundTrip(t *testing.T) {
	in := iobuf.NewInputBuffer(256)
	in.AddData([]byte("23\r\nThis is the data in the first chunk\r\n1A\r\nand this is the second one\r\n0\r\n\r\n"))

	d := NewDecoder()
	dst, err := d.Decode(in, nil)
	require.NoError(t, err)
	assert.True(t, d.Done())
	assert.Equal(t, "This is the data in the first chunkand this is the second one", string(dst))
}

func TestDecoderNeedsMoreThenResumes(t *testing.T) {
	in := iobuf.NewInputBuffer(256)
	in.AddData([]byte("3\r\nfo"))

	d := NewDecoder()
	dst, err := d.Decode(in, nil)
	assert.ErrorIs(t, err, iobuf.ErrNeedMore)
	assert.Equal(t, "fo", string(dst))

	in.AddData([]byte("o\r\n0\r\n\r\n"))
	dst, err = d.Decode(in, dst)
	require.NoError(t, err)
	assert.True(t, d.Done())
	assert.Equal(t, "foo", string(dst))
}

func TestEncoderRoundTripsThroughDecoder(t *testing.T) {
	out := iobuf.NewOutputBuffer(256)
	enc := NewEncoder()
	assert.True(t, enc.WriteChunk(out, []byte("hello ")))
	assert.True(t, enc.WriteChunk(out, []byte("world")))
	assert.True(t, enc.WriteFinalChunk(out))

	in := iobuf.NewInputBuffer(256)
	in.AddData(out.ReadSlice())

	dec := NewDecoder()
	dst, err := dec.Decode(in, nil)
	require.NoError(t, err)
	assert.True(t, dec.Done())
	assert.Equal(t, "hello world", string(dst))
}

func TestChunkSizeWithExtensionIgnored(t *testing.T) {
	in := iobuf.NewInputBuffer(64)
	in.AddData([]byte("5;foo=bar\r\nabcde\r\n0\r\n\r\n"))

	d := NewDecoder()
	dst, err := d.Decode(in, nil)
	require.NoError(t, err)
	assert.Equal(t, "abcde", string(dst))
}
