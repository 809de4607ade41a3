package ox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCreditsAddTake(t *testing.T) {
	c := NewCredits(0)
	assert.False(t, c.Any())

	c.Add(ChanA, 10)
	assert.True(t, c.Any())
	assert.Equal(t, uint64(10), c.Val(ChanA))

	assert.True(t, c.Take(ChanA, 4))
	assert.Equal(t, uint64(6), c.Val(ChanA))

	// Take never deducts when the pool is short.
	assert.False(t, c.Take(ChanA, 7))
	assert.Equal(t, uint64(6), c.Val(ChanA))
}

func TestCreditsInvalidChannel(t *testing.T) {
	c := NewCredits(0)
	c.Add(ChanInvalid, 100)
	c.Add(Channel(9), 100)
	assert.False(t, c.Any())
	assert.False(t, c.Take(ChanInvalid, 1))
}

func TestCreditsGetHighest(t *testing.T) {
	c := NewCredits(0)
	c.Add(ChanB, 5)
	c.Add(ChanD, 9)

	ch, m := c.GetHighest()
	assert.Equal(t, ChanD, ch)
	assert.Equal(t, uint8(3), m) // floor(log2 9) = 3
	assert.Equal(t, uint64(1), c.Val(ChanD))

	ch, m = c.GetHighest()
	assert.Equal(t, ChanB, ch)
	assert.Equal(t, uint8(2), m)
	assert.Equal(t, uint64(1), c.Val(ChanB))
}

func TestCreditsGetHighestEmpty(t *testing.T) {
	c := NewCredits(0)
	ch, m := c.GetHighest()
	assert.Equal(t, ChanInvalid, ch)
	assert.Equal(t, uint8(0), m)
}

func TestCreditsGetHighestSingleCredit(t *testing.T) {
	c := NewCredits(0)
	c.Add(ChanE, 1)
	ch, m := c.GetHighest()
	assert.Equal(t, ChanE, ch)
	assert.Equal(t, uint8(0), m)
	assert.False(t, c.Any())
}

func TestCreditsCapAtEncodingLimit(t *testing.T) {
	c := NewCredits(0)
	c.Add(ChanA, 1<<40)
	assert.Equal(t, uint64(creditCap), c.Val(ChanA))

	// The log2 grant always fits the 5 bit field.
	_, m := c.GetHighest()
	assert.LessOrEqual(t, m, uint8(31))
}

func TestCreditsResetTo(t *testing.T) {
	a := NewCredits(7)
	b := NewCredits(0)
	b.ResetTo(a)
	for _, ch := range []Channel{ChanA, ChanB, ChanC, ChanD, ChanE} {
		assert.Equal(t, uint64(7), b.Val(ch))
	}
}
