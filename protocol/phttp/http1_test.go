package phttp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetd/httpcore/iobuf"
)

func TestFeedSimpleGET(t *testing.T) {
	in := iobuf.NewInputBuffer(1024)
	in.AddData([]byte("GET /index.html HTTP/1.1\r\nHost: example.com\r\nAccept: */*\r\n\r\n"))

	c := NewConn(8192)
	req, err := c.Feed(in)
	require.NoError(t, err)
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/index.html", req.Path)
	assert.True(t, req.KeepAlive)
}

func TestFeedNeedsMoreThenResumes(t *testing.T) {
	in := iobuf.NewInputBuffer(1024)
	in.AddData([]byte("GET / HTTP/1.1\r\nHost: ex"))

	c := NewConn(8192)
	_, err := c.Feed(in)
	assert.ErrorIs(t, err, iobuf.ErrNeedMore)

	in.AddData([]byte("ample.com\r\n\r\n"))
	req, err := c.Feed(in)
	require.NoError(t, err)
	assert.Equal(t, "/", req.Path)
}

func TestFeedPOSTWithBody(t *testing.T) {
	in := iobuf.NewInputBuffer(1024)
	in.AddData([]byte("POST /echo HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello"))

	c := NewConn(8192)
	req, err := c.Feed(in)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(req.Body))
}

func TestFeedChunkedBody(t *testing.T) {
	in := iobuf.NewInputBuffer(1024)
	in.AddData([]byte("POST /echo HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n"))

	c := NewConn(8192)
	req, err := c.Feed(in)
	require.NoError(t, err)
	assert.True(t, req.Chunked)
	assert.Equal(t, "hello", string(req.Body))
}

func TestConnResetAllowsKeepAliveReuse(t *testing.T) {
	in := iobuf.NewInputBuffer(1024)
	in.AddData([]byte("GET /a HTTP/1.1\r\nHost: x\r\n\r\n"))

	c := NewConn(8192)
	req1, err := c.Feed(in)
	require.NoError(t, err)
	assert.Equal(t, "/a", req1.Path)

	c.Reset()
	in.AddData([]byte("GET /b HTTP/1.1\r\nHost: x\r\n\r\n"))
	req2, err := c.Feed(in)
	require.NoError(t, err)
	assert.Equal(t, "/b", req2.Path)
}

func TestFeedRejectsOversizedHeader(t *testing.T) {
	in := iobuf.NewInputBuffer(4096)
	big := make([]byte, 100)
	for i := range big {
		big[i] = 'a'
	}
	in.AddData([]byte("GET / HTTP/1.1\r\nX-Big: " + string(big) + "\r\n"))

	c := NewConn(32)
	_, err := c.Feed(in)
	assert.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestFeedRejectsOversizedRequestLine(t *testing.T) {
	in := iobuf.NewInputBuffer(4096)
	bigPath := make([]byte, 100)
	for i := range bigPath {
		bigPath[i] = 'a'
	}
	in.AddData([]byte("GET /" + string(bigPath) + " HTTP/1.1\r\n"))

	c := NewConn(32)
	_, err := c.Feed(in)
	assert.ErrorIs(t, err, ErrURITooLong)
}
