package ox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequenceNumberWrap(t *testing.T) {
	s := NewSequenceNumber(SeqMax())
	assert.Equal(t, SeqMax(), s.Val())

	s.Incr()
	assert.Equal(t, uint32(0), s.Val())

	s.Decr()
	assert.Equal(t, SeqMax(), s.Val())
}

func TestSequenceNumberSetMasks(t *testing.T) {
	s := NewSequenceNumber(0)
	s.Set(SeqModulus + 5)
	assert.Equal(t, uint32(5), s.Val())
}

func TestSequenceNumberCmp(t *testing.T) {
	tests := []struct {
		name string
		self uint32
		v    uint32
		want bool
	}{
		{"equal", 10, 10, true},
		{"self ahead", 11, 10, true},
		{"self behind", 10, 11, false},
		{"wrap ahead", 0, SeqMax(), true},
		{"wrap behind", SeqMax(), 0, false},
		{"half space edge", 1 << 21, 0, false},
		{"just inside half space", (1 << 21) - 1, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSequenceNumber(tt.self)
			assert.Equal(t, tt.want, s.Cmp(tt.v))
		})
	}
}

func TestSequenceNumberDiff(t *testing.T) {
	a := NewSequenceNumber(5)
	b := NewSequenceNumber(3)
	assert.Equal(t, uint32(2), a.Diff(b))

	// Across the wrap boundary the distance stays modular.
	c := NewSequenceNumber(1)
	d := NewSequenceNumber(SeqMax())
	assert.Equal(t, uint32(2), c.Diff(d))
}
