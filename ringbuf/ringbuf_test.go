package ringbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingBufferOfferPoll(t *testing.T) {
	r := New[int](2)
	assert.Equal(t, 2, r.Cap())
	assert.True(t, r.Offer(1))
	assert.True(t, r.Offer(2))
	assert.False(t, r.Offer(3), "full ring rejects")
	assert.Equal(t, 2, r.Len())

	v, ok := r.Poll()
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	assert.True(t, r.Offer(3))

	v, ok = r.Poll()
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	v, ok = r.Poll()
	assert.True(t, ok)
	assert.Equal(t, 3, v)

	_, ok = r.Poll()
	assert.False(t, ok, "empty ring")
}

func TestRingBufferWrapAround(t *testing.T) {
	r := New[string](3)
	r.Offer("a")
	r.Offer("b")
	r.Poll()
	r.Offer("c")
	r.Offer("d")

	var got []string
	for {
		v, ok := r.Poll()
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []string{"b", "c", "d"}, got)
}
