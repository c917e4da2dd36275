package phttp2

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetd/httpcore/iobuf"
)

func TestFrameRoundTrip(t *testing.T) {
	out := iobuf.NewOutputBuffer(256)
	assert.True(t, WriteFrame(out, framePing, flagAck, 0, []byte("12345678")))

	in := iobuf.NewInputBuffer(256)
	in.AddData(out.ReadSlice())

	f, err := ReadFrame(in, defaultMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, framePing, f.Type)
	assert.True(t, f.HasFlag(flagAck))
	assert.Equal(t, uint32(0), f.StreamID)
	assert.Equal(t, []byte("12345678"), f.Payload)
}

func TestReadFrameNeedsMoreThenResumes(t *testing.T) {
	in := iobuf.NewInputBuffer(256)
	full := iobuf.NewOutputBuffer(256)
	WriteFrame(full, frameData, 0, 1, []byte("hello"))
	whole := full.ReadSlice()

	in.AddData(whole[:5]) // only part of the 9-byte header
	_, err := ReadFrame(in, defaultMaxFrameSize)
	assert.ErrorIs(t, err, iobuf.ErrNeedMore)

	in.AddData(whole[5:])
	f, err := ReadFrame(in, defaultMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(f.Payload))
}

func TestReadFrameMasksReservedStreamBit(t *testing.T) {
	// 帧头原始字节：长度 0、DATA、无标志、stream id 的保留位被置 1
	in := iobuf.NewInputBuffer(64)
	in.AddData([]byte{0, 0, 0, frameData, 0, 0xff, 0xff, 0xff, 0xff})

	f, err := ReadFrame(in, defaultMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x7fffffff), f.StreamID)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	in := iobuf.NewInputBuffer(64)
	in.AddData([]byte{0xff, 0xff, 0xff, 0, 0, 0, 0, 0, 0})
	_, err := ReadFrame(in, defaultMaxFrameSize)
	assert.Error(t, err)
}

func TestFrameTypeName(t *testing.T) {
	cases := map[uint8]string{
		frameData:         "data",
		frameHeaders:      "headers",
		framePriority:     "priority",
		frameRSTStream:    "rst_stream",
		frameSettings:     "settings",
		framePushPromise:  "push_promise",
		framePing:         "ping",
		frameGoAway:       "goaway",
		frameWindowUpdate: "window_update",
		frameContinuation: "continuation",
		0xff:              "unknown",
	}
	for typ, want := range cases {
		assert.Equal(t, want, FrameTypeName(typ))
	}
}
