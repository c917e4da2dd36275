package socket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestFromSockaddrBuildsTuple(t *testing.T) {
	peer := &unix.SockaddrInet4{Port: 54321, Addr: [4]byte{10, 0, 0, 2}}
	local := &unix.SockaddrInet4{Port: 8080, Addr: [4]byte{10, 0, 0, 1}}

	tp, err := FromSockaddr(peer, local)
	assert.NoError(t, err)
	assert.Equal(t, Port(54321), tp.SrcPort)
	assert.Equal(t, Port(8080), tp.DstPort)
	assert.Equal(t, "10.0.0.2", tp.SrcIP.String())
	assert.Equal(t, "10.0.0.1", tp.DstIP.String())
}

func TestFromSockaddrRejectsUnsupportedType(t *testing.T) {
	_, err := FromSockaddr(&unix.SockaddrUnix{Name: "/tmp/x.sock"}, &unix.SockaddrInet4{})
	assert.Error(t, err)
}

func TestTupleMirror(t *testing.T) {
	tp := Tuple{
		SrcIP:   ToIPV4([]byte{1, 1, 1, 1}),
		DstIP:   ToIPV4([]byte{2, 2, 2, 2}),
		SrcPort: 1111,
		DstPort: 2222,
	}
	m := tp.Mirror()
	assert.Equal(t, tp.SrcIP, m.DstIP)
	assert.Equal(t, tp.DstIP, m.SrcIP)
	assert.Equal(t, tp.SrcPort, m.DstPort)
	assert.Equal(t, tp.DstPort, m.SrcPort)
}

func TestTupleString(t *testing.T) {
	tp := Tuple{
		SrcIP:   ToIPV4([]byte{127, 0, 0, 1}),
		DstIP:   ToIPV4([]byte{127, 0, 0, 1}),
		SrcPort: 1234,
		DstPort: 80,
	}
	assert.Equal(t, "127.0.0.1:1234 > 127.0.0.1:80", tp.String())
}
