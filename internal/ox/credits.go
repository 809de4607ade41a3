// Per-channel credit accounting
package ox

import (
	"math/bits"
	"sync"
)

// creditCap bounds every pool so the log2 grant always fits the 5 bit
// credit field of the frame header.
const creditCap = 1 << 31

// Credits holds one flow-control pool per TileLink channel A-E. Grants on
// the wire are log2 encoded, so the sender side only ever consumes power of
// two chunks via GetHighest.
type Credits struct {
	pools [5]struct {
		mu  sync.Mutex
		val uint64
	}
}

func NewCredits(initial uint64) *Credits {
	c := &Credits{}
	for i := range c.pools {
		c.pools[i].val = initial
	}
	return c
}

// Add increases the pool for chan. Invalid channels are ignored.
func (c *Credits) Add(ch Channel, n uint64) {
	if ch < ChanA || ch > ChanE {
		return
	}
	p := &c.pools[ch-1]
	p.mu.Lock()
	p.val += n
	if p.val > creditCap {
		p.val = creditCap
	}
	p.mu.Unlock()
}

// Take deducts n from the pool if it holds at least that much.
func (c *Credits) Take(ch Channel, n uint64) bool {
	if ch < ChanA || ch > ChanE {
		return false
	}
	p := &c.pools[ch-1]
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.val < n {
		return false
	}
	p.val -= n
	return true
}

// Any reports whether at least one pool is non-empty.
func (c *Credits) Any() bool {
	for i := range c.pools {
		c.pools[i].mu.Lock()
		v := c.pools[i].val
		c.pools[i].mu.Unlock()
		if v != 0 {
			return true
		}
	}
	return false
}

// Val returns the current pool size for chan.
func (c *Credits) Val(ch Channel) uint64 {
	if ch < ChanA || ch > ChanE {
		return 0
	}
	p := &c.pools[ch-1]
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.val
}

// GetHighest finds the non-empty pool with the largest value, deducts the
// highest power of two not exceeding it and returns the channel together
// with the exponent. All-zero pools yield (ChanInvalid, 0).
func (c *Credits) GetHighest() (Channel, uint8) {
	best := -1
	var bestVal uint64
	for i := range c.pools {
		c.pools[i].mu.Lock()
		v := c.pools[i].val
		c.pools[i].mu.Unlock()
		if v > bestVal {
			best, bestVal = i, v
		}
	}
	if best < 0 {
		return ChanInvalid, 0
	}

	m := uint8(bits.Len64(bestVal) - 1)
	p := &c.pools[best]
	p.mu.Lock()
	if p.val >= 1<<m {
		p.val -= 1 << m
	} else if p.val > 0 {
		// Pool shrank since the scan; fall back to what is left.
		m = uint8(bits.Len64(p.val) - 1)
		p.val -= 1 << m
	} else {
		p.mu.Unlock()
		return ChanInvalid, 0
	}
	p.mu.Unlock()
	return Channel(best + 1), m
}

// ResetTo copies the pool sizes of other.
func (c *Credits) ResetTo(other *Credits) {
	for i := range c.pools {
		other.pools[i].mu.Lock()
		v := other.pools[i].val
		other.pools[i].mu.Unlock()
		c.pools[i].mu.Lock()
		c.pools[i].val = v
		c.pools[i].mu.Unlock()
	}
}
