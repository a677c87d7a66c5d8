package bufpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetReturnsExactLength(t *testing.T) {
	p := NewPool(nil)
	buf := p.Get(100)
	assert.Len(t, buf, 100)
	assert.GreaterOrEqual(t, cap(buf), DefaultSmallSize)
}

func TestGetAboveLargeTierAllocatesDirect(t *testing.T) {
	p := NewPool(nil)
	size := DefaultLargeSize + 1
	buf := p.Get(size)
	assert.Len(t, buf, size)
	assert.Equal(t, size, cap(buf))
}

func TestPutIgnoresNilAndMismatchedCapacity(t *testing.T) {
	p := NewPool(nil)
	p.Put(nil)
	p.Put(make([]byte, 17)) // no panic, silently dropped

	buf := p.Get(10)
	p.Put(buf)
}

func TestRoundTripReusesBuffer(t *testing.T) {
	p := NewPool(&Config{SmallSize: 8, MediumSize: 16, LargeSize: 32})
	buf := p.Get(8)
	addr := &buf[0]
	p.Put(buf)

	buf2 := p.Get(8)
	assert.Same(t, addr, &buf2[0])
}
