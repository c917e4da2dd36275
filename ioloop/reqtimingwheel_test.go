package ioloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReqTimingWheelExpiresUnfinishedRequest(t *testing.T) {
	w := newReqTimingWheel(5)
	c := &conn{fd: 42}
	w.arm(c, 100)

	var expired []*conn
	for now := int64(101); now <= 106; now++ {
		w.expire(now, func(c *conn) { expired = append(expired, c) })
	}
	assert.Len(t, expired, 1)
	assert.Equal(t, 42, expired[0].fd)
}

func TestReqTimingWheelDisarmStopsExpiry(t *testing.T) {
	w := newReqTimingWheel(5)
	c := &conn{fd: 9}
	w.arm(c, 100)
	w.disarm(c)

	var expired []*conn
	for now := int64(101); now <= 108; now++ {
		w.expire(now, func(c *conn) { expired = append(expired, c) })
	}
	assert.Empty(t, expired)
	assert.Equal(t, int64(0), c.reqStartedAt)
}

func TestReqTimingWheelDisarmIsIdempotent(t *testing.T) {
	w := newReqTimingWheel(5)
	c := &conn{fd: 3}

	// disarm 在从未 arm 过的连接上不应该 panic 或误删其它连接的槽位
	w.disarm(c)

	w.arm(c, 100)
	w.disarm(c)
	w.disarm(c)
	assert.Equal(t, int64(0), c.reqStartedAt)
}

func TestReqTimingWheelRearmAfterDisarm(t *testing.T) {
	w := newReqTimingWheel(5)
	c := &conn{fd: 11}

	w.arm(c, 100)
	w.disarm(c)
	w.arm(c, 103)

	var expired []*conn
	for now := int64(104); now <= 110; now++ {
		w.expire(now, func(c *conn) { expired = append(expired, c) })
	}
	assert.Len(t, expired, 1)
	assert.Equal(t, 11, expired[0].fd)
}
