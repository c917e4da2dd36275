package ctxpool

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/packetd/httpcore/protocol/phttp2"
)

func newTestManager() *Manager {
	return New(4, 8192, 4096, 16, phttp2.NewDefaultSettings())
}

func TestCheckoutH1ConnReusesInstance(t *testing.T) {
	m := newTestManager()
	c1 := m.CheckoutH1Conn()
	m.CheckinH1Conn(c1)
	c2 := m.CheckoutH1Conn()
	assert.Same(t, c1, c2)
}

func TestCheckoutH1ConnAllocatesWhenEmpty(t *testing.T) {
	m := newTestManager()
	c1 := m.CheckoutH1Conn()
	c2 := m.CheckoutH1Conn()
	assert.NotSame(t, c1, c2)
}

func TestCheckoutH2StreamResetsIDAndWindows(t *testing.T) {
	m := newTestManager()
	s1 := m.CheckoutH2Stream(1)
	s1.RecvWindow = 10
	s1.SendWindow = 10
	m.CheckinH2Stream(s1)

	s2 := m.CheckoutH2Stream(3)
	assert.Same(t, s1, s2)
	assert.Equal(t, uint32(3), s2.ID)
	assert.Equal(t, phttp2.StateIdle, s2.State)
	assert.NotEqual(t, int32(10), s2.RecvWindow)
}

func TestCheckoutPageResetsLength(t *testing.T) {
	m := newTestManager()
	p := m.CheckoutPage()
	p.Buf = append(p.Buf, []byte("hello")...)
	m.CheckinPage(p)

	p2 := m.CheckoutPage()
	assert.Same(t, p, p2)
	assert.Equal(t, 0, len(p2.Buf))
}

func TestCheckoutH2ConnAllocatesWhenEmpty(t *testing.T) {
	m := newTestManager()
	called := false
	handler := func(conn *phttp2.Connection, stream *phttp2.Stream) { called = true }
	conn := m.CheckoutH2Conn(handler)
	assert.NotNil(t, conn)
	assert.False(t, called)
}
