package phttp2

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetd/httpcore/iobuf"
)

func newTestConn() *Connection {
	return NewConnection(NewDefaultSettings(), 8, nil)
}

func requestHeaders(method, scheme, path, authority string) *Headers {
	h := NewHeaders()
	h.Add(headerMethod, method)
	h.Add(headerScheme, scheme)
	h.Add(headerPath, path)
	h.Add(headerAuthority, authority)
	return h
}

func TestDetectPrefaceMatches(t *testing.T) {
	in := iobuf.NewInputBuffer(64)
	in.AddData(ConnPreface)
	matched, needMore := DetectPreface(in)
	assert.True(t, matched)
	assert.False(t, needMore)
	assert.Equal(t, 0, in.Len())
}

func TestDetectPrefaceNeedsMore(t *testing.T) {
	in := iobuf.NewInputBuffer(64)
	in.AddData(ConnPreface[:4])
	matched, needMore := DetectPreface(in)
	assert.False(t, matched)
	assert.True(t, needMore)
}

func TestDetectPrefaceRejectsHTTP1(t *testing.T) {
	in := iobuf.NewInputBuffer(64)
	in.AddData([]byte("GET / HTTP/1.1\r\n"))
	matched, needMore := DetectPreface(in)
	assert.False(t, matched)
	assert.False(t, needMore)
}

func TestPingRoundTrip(t *testing.T) {
	c := newTestConn()
	out := iobuf.NewOutputBuffer(64)

	f := &Frame{Type: framePing, Payload: []byte("01234567")}
	require.NoError(t, c.HandleFrame(f, out))

	in := iobuf.NewInputBuffer(64)
	in.AddData(out.ReadSlice())
	reply, err := ReadFrame(in, defaultMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, framePing, reply.Type)
	assert.True(t, reply.HasFlag(flagAck))
	assert.Equal(t, []byte("01234567"), reply.Payload)
}

func TestEvenStreamIDRejected(t *testing.T) {
	c := newTestConn()
	_, err := c.streamFor(2)
	assert.Error(t, err, "even stream ids are server-initiated, not client")
}

func TestStreamIDMustIncreaseMonotonically(t *testing.T) {
	c := newTestConn()
	_, err := c.streamFor(3)
	require.NoError(t, err)
	_, err = c.streamFor(1)
	assert.Error(t, err, "stream ids must strictly increase")
}

func TestMaxConcurrentStreamsRefused(t *testing.T) {
	settings := NewDefaultSettings()
	settings.MaxConcurrentStreams = 1
	c := NewConnection(settings, 8, nil)
	_, err := c.streamFor(1)
	require.NoError(t, err)
	_, err = c.streamFor(3)
	require.Error(t, err)

	streamID, refused := StreamScope(err)
	require.True(t, refused, "refusing a stream over maxConcurrentStreams must be stream-scoped, not connection-fatal")
	assert.Equal(t, uint32(3), streamID)
	assert.Equal(t, uint32(errCodeRefusedStream), ErrorCode(err))
}

func TestEvenStreamIDIsConnectionScoped(t *testing.T) {
	c := newTestConn()
	_, err := c.streamFor(2)
	require.Error(t, err)
	_, scoped := StreamScope(err)
	assert.False(t, scoped, "malformed stream ids are a connection-level protocol violation")
	assert.Equal(t, uint32(errCodeProtocol), ErrorCode(err))
}

func TestRefusedStreamHeadersStillDrainHPACKTable(t *testing.T) {
	settings := NewDefaultSettings()
	settings.MaxConcurrentStreams = 1
	var got *Stream
	c := NewConnection(settings, 8, func(conn *Connection, s *Stream) { got = s })
	out := iobuf.NewOutputBuffer(256)

	_, err := c.streamFor(1)
	require.NoError(t, err)

	block := c.enc.Encode(nil, requestHeaders("GET", "http", "/", "example.com"))
	f := &Frame{Type: frameHeaders, StreamID: 3, Flags: flagEndHeaders | flagEndStream, Payload: block}
	require.NoError(t, c.HandleFrame(f, out))
	assert.Nil(t, got, "refused stream must never reach the handler")

	// HPACK 动态表仍然同步：紧接着用相同的首部集合给一个被接受的流
	// 编码/解码不应该出错。
	block2 := c.enc.Encode(nil, requestHeaders("GET", "http", "/next", "example.com"))
	_, err = c.dec.Decode(block2)
	assert.NoError(t, err)
}

func TestWindowUpdateOverflowRejected(t *testing.T) {
	c := newTestConn()
	c.ConnSendWindow = maxWindowSize
	f := &Frame{Type: frameWindowUpdate, StreamID: 0, Payload: []byte{0, 0, 0, 1}}
	assert.Error(t, c.HandleFrame(f, iobuf.NewOutputBuffer(16)))
}
