package ioloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetd/httpcore/dispatch"
	"github.com/packetd/httpcore/iobuf"
	"github.com/packetd/httpcore/protocol/phttp2"
)

const (
	h2FrameHeaders   = 0x1
	h2FrameRSTStream = 0x3
	h2FrameGoAway    = 0x7
	h2FlagEndStream  = 0x1
	h2FlagEndHeaders = 0x4
)

func encodeTestHeaders(t *testing.T) []byte {
	t.Helper()
	enc := phttp2.NewHeaderEncoder()
	defer enc.Release()
	h := phttp2.NewHeaders()
	h.Add(":method", "GET")
	h.Add(":scheme", "http")
	h.Add(":path", "/")
	h.Add(":authority", "example.com")
	return enc.Encode(nil, h)
}

func appendHeadersFrame(t *testing.T, in *iobuf.InputBuffer, streamID uint32) {
	t.Helper()
	out := iobuf.NewOutputBuffer(256)
	require.True(t, phttp2.WriteFrame(out, h2FrameHeaders, h2FlagEndHeaders|h2FlagEndStream, streamID, encodeTestHeaders(t)))
	in.AddData(out.ReadSlice())
}

func framesOut(t *testing.T, out *iobuf.OutputBuffer) []*phttp2.Frame {
	t.Helper()
	in := iobuf.NewInputBuffer(4096)
	in.AddData(out.ReadSlice())
	var frames []*phttp2.Frame
	for {
		f, err := phttp2.ReadFrame(in, 1<<24)
		if err != nil {
			break
		}
		frames = append(frames, f)
	}
	return frames
}

// 超过 maxConcurrentStreams 的第二条流只应该被 RST_STREAM 拒绝 而不是
// 拖垮整条连接（GOAWAY + 关闭）。
func TestDriveH2RefusesStreamOverLimitWithoutClosingConnection(t *testing.T) {
	l, err := New(Config{PoolQueueSize: 1}, dispatch.NewRouter())
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	settings := phttp2.NewDefaultSettings()
	settings.MaxConcurrentStreams = 1

	c := &conn{
		in:  iobuf.NewInputBuffer(4096),
		out: iobuf.NewOutputBuffer(4096),
		h2:  phttp2.NewConnection(settings, 8, nil),
	}

	appendHeadersFrame(t, c.in, 1)
	require.NoError(t, l.driveH2(c))
	assert.False(t, c.shouldClose)

	appendHeadersFrame(t, c.in, 3)
	require.NoError(t, l.driveH2(c))
	assert.False(t, c.shouldClose, "refusing one stream must not tear down the connection")

	frames := framesOut(t, c.out)
	var sawRst, sawGoAway bool
	for _, f := range frames {
		switch f.Type {
		case h2FrameRSTStream:
			sawRst = true
			assert.Equal(t, uint32(3), f.StreamID)
		case h2FrameGoAway:
			sawGoAway = true
		}
	}
	assert.True(t, sawRst, "expected a RST_STREAM for the refused stream")
	assert.False(t, sawGoAway, "refusing a single stream must not GOAWAY the connection")
}
