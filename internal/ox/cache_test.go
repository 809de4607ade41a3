package ox

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memEndpoint answers dispatcher messages like the FPGA would: a flat
// memory backing Gets, Puts, acquires and releases.
type memEndpoint struct {
	ops *Operations

	mu        sync.Mutex
	mem       map[uint64]uint64
	sinkCntr  uint32
	grantAcks []uint32
	probeAcks []FlitHeader
	stop      chan struct{}
	done      chan struct{}
}

func newMemEndpoint(ops *Operations) *memEndpoint {
	e := &memEndpoint{
		ops:  ops,
		mem:  make(map[uint64]uint64),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *memEndpoint) halt() {
	close(e.stop)
	<-e.done
}

func (e *memEndpoint) run() {
	defer close(e.done)
	for {
		select {
		case <-e.stop:
			return
		default:
		}

		var msg []byte
		e.ops.Outstanding().drain(func(m []byte) bool {
			if msg == nil {
				msg = m
				return true
			}
			return false
		})
		if msg == nil {
			time.Sleep(50 * time.Microsecond)
			continue
		}
		e.handle(msg)
	}
}

func (e *memEndpoint) handle(msg []byte) {
	h := DecodeFlitHeader(binary.BigEndian.Uint64(msg[0:8]))

	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case h.Chan == ChanE:
		eh := DecodeFlitHeaderE(binary.BigEndian.Uint64(msg[0:8]))
		e.grantAcks = append(e.grantAcks, eh.Sink)

	case h.Chan == ChanA && h.Opcode == OpcodeGet:
		addr := binary.BigEndian.Uint64(msg[8:16])
		data := make([]byte, 1<<h.Size)
		binary.LittleEndian.PutUint64(data[:8], e.mem[addr])
		e.ops.Complete(h.Source, 0, data, nil)

	case h.Chan == ChanA && h.Opcode == OpcodePutFullData:
		addr := binary.BigEndian.Uint64(msg[8:16])
		e.mem[addr] = binary.LittleEndian.Uint64(msg[16:24])
		e.ops.Complete(h.Source, 0, nil, nil)

	case h.Chan == ChanA && (h.Opcode == OpcodeAcquireBlock || h.Opcode == OpcodeAcquirePerm):
		addr := binary.BigEndian.Uint64(msg[8:16])
		data := make([]byte, 1<<h.Size)
		binary.LittleEndian.PutUint64(data[:8], e.mem[addr])
		e.sinkCntr++
		e.ops.Complete(h.Source, e.sinkCntr, data, nil)

	case h.Chan == ChanC && h.Opcode == OpcodeRelease:
		e.ops.Complete(h.Source, 0, nil, nil)

	case h.Chan == ChanC && h.Opcode == OpcodeReleaseData:
		addr := binary.BigEndian.Uint64(msg[8:16])
		e.mem[addr] = binary.LittleEndian.Uint64(msg[16:24])
		e.ops.Complete(h.Source, 0, nil, nil)

	case h.Chan == ChanC && (h.Opcode == OpcodeProbeAck || h.Opcode == OpcodeProbeAckData):
		e.probeAcks = append(e.probeAcks, h)
	}
}

func (e *memEndpoint) memAt(addr uint64) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mem[addr]
}

func (e *memEndpoint) grantAckCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.grantAcks)
}

func (e *memEndpoint) lastProbeAck() (FlitHeader, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.probeAcks) == 0 {
		return FlitHeader{}, false
	}
	return e.probeAcks[len(e.probeAcks)-1], true
}

func cacheFixture(t *testing.T) (*Cache, *Operations, *Credits, *memEndpoint) {
	t.Helper()
	ops := NewOperations(zap.NewNop())
	credits := plentyCredits()
	cache := NewCache(0, zap.NewNop())
	ep := newMemEndpoint(ops)
	t.Cleanup(func() {
		ops.Close()
		ep.halt()
	})
	return cache, ops, credits, ep
}

func TestCacheWriteThenRead(t *testing.T) {
	cache, ops, credits, ep := cacheFixture(t)

	require.NoError(t, cache.Write(ops, credits, 0x100, 0xDEADBEEF))
	v, err := cache.Read(ops, credits, 0x100)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xDEADBEEF), v)

	// The write acquired Trunk once; the read was served locally.
	waitFor(t, func() bool { return ep.grantAckCount() == 1 })

	overview := cache.Overview()
	require.Len(t, overview, 1)
	assert.True(t, overview[0].Modified)
	assert.Equal(t, PermTrunk, overview[0].Permissions)
}

func TestCacheReadAcquiresBranch(t *testing.T) {
	cache, ops, credits, ep := cacheFixture(t)
	ep.mu.Lock()
	ep.mem[0x40] = 0x42
	ep.mu.Unlock()

	v, err := cache.Read(ops, credits, 0x40)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x42), v)

	overview := cache.Overview()
	require.Len(t, overview, 1)
	assert.Equal(t, PermBranch, overview[0].Permissions)
	assert.False(t, overview[0].Modified)
}

func TestCacheWriteUpgradesBranch(t *testing.T) {
	cache, ops, credits, ep := cacheFixture(t)

	_, err := cache.Read(ops, credits, 0x80)
	require.NoError(t, err)
	require.NoError(t, cache.Write(ops, credits, 0x80, 7))

	// Read acquired Branch, the write re-acquired with Trunk.
	waitFor(t, func() bool { return ep.grantAckCount() == 2 })
	v, err := cache.Read(ops, credits, 0x80)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), v)
}

func TestCacheRMW(t *testing.T) {
	cache, ops, credits, _ := cacheFixture(t)

	require.NoError(t, cache.Write(ops, credits, 0x10, 41))
	v, err := cache.RMW(ops, credits, 0x10, func(v *uint64) { *v++ })
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v)

	v, err = cache.Read(ops, credits, 0x10)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v)
}

func TestCacheReleaseWritesBack(t *testing.T) {
	cache, ops, credits, ep := cacheFixture(t)

	require.NoError(t, cache.Write(ops, credits, 0x100, 0x77))
	require.NoError(t, cache.Release(ops, credits, 0x100))

	assert.Equal(t, uint64(0x77), ep.memAt(0x100))
	assert.Empty(t, cache.Overview())

	// Released lines are gone; releasing again fails.
	var notInCache *NotInCacheError
	assert.ErrorAs(t, cache.Release(ops, credits, 0x100), &notInCache)
}

func TestCacheReleaseCleanLine(t *testing.T) {
	cache, ops, credits, ep := cacheFixture(t)
	ep.mu.Lock()
	ep.mem[0x20] = 5
	ep.mu.Unlock()

	_, err := cache.Read(ops, credits, 0x20)
	require.NoError(t, err)
	require.NoError(t, cache.Release(ops, credits, 0x20))
	assert.Empty(t, cache.Overview())
}

func TestCacheReleaseAll(t *testing.T) {
	cache, ops, credits, _ := cacheFixture(t)

	require.NoError(t, cache.Write(ops, credits, 0x100, 1))
	require.NoError(t, cache.Write(ops, credits, 0x200, 2))
	require.NoError(t, cache.ReleaseAll(ops, credits))
	assert.Empty(t, cache.Overview())
}

func TestCacheReleaseUnknownAddr(t *testing.T) {
	cache, ops, credits, _ := cacheFixture(t)
	var notInCache *NotInCacheError
	assert.ErrorAs(t, cache.Release(ops, credits, 0xDEAD), &notInCache)
}

func TestProbeWritebackOnDirtyLine(t *testing.T) {
	cache, ops, credits, ep := cacheFixture(t)

	require.NoError(t, cache.Write(ops, credits, 0x100, 1))

	cache.AddProbe(Probe{
		Header: FlitHeader{Chan: ChanB, Opcode: OpcodeProbeBlock, Param: 1, Size: 3},
		Addr:   0x100,
	})
	cache.ProcessProbes(ops, credits)

	waitFor(t, func() bool {
		h, ok := ep.lastProbeAck()
		return ok && h.Opcode == OpcodeProbeAckData
	})
	h, _ := ep.lastProbeAck()
	assert.Equal(t, PruneTtoB, h.Param)

	overview := cache.Overview()
	require.Len(t, overview, 1)
	assert.Equal(t, PermBranch, overview[0].Permissions)
	assert.False(t, overview[0].Modified, "writeback must clear the dirty bit")
}

func TestProbeToNInvalidatesPermissions(t *testing.T) {
	cache, ops, credits, ep := cacheFixture(t)

	require.NoError(t, cache.Write(ops, credits, 0x100, 1))

	cache.AddProbe(Probe{
		Header: FlitHeader{Chan: ChanB, Opcode: OpcodeProbeBlock, Param: 2, Size: 3},
		Addr:   0x100,
	})
	cache.ProcessProbes(ops, credits)

	waitFor(t, func() bool {
		_, ok := ep.lastProbeAck()
		return ok
	})

	overview := cache.Overview()
	require.Len(t, overview, 1)
	assert.Equal(t, PermNone, overview[0].Permissions)
}

func TestProbeOnUnknownLineReportsNtoN(t *testing.T) {
	cache, ops, credits, ep := cacheFixture(t)

	cache.AddProbe(Probe{
		Header: FlitHeader{Chan: ChanB, Opcode: OpcodeProbeBlock, Param: 2, Size: 3},
		Addr:   0x9999,
	})
	cache.ProcessProbes(ops, credits)

	waitFor(t, func() bool {
		_, ok := ep.lastProbeAck()
		return ok
	})
	h, _ := ep.lastProbeAck()
	assert.Equal(t, OpcodeProbeAck, h.Opcode)
	assert.Equal(t, ReportNtoN, h.Param)
}

func TestProbeBlockedByReleaseStaysQueued(t *testing.T) {
	cache, ops, credits, _ := cacheFixture(t)

	require.NoError(t, cache.Write(ops, credits, 0x100, 1))

	// Park the line mid-release.
	e := cache.lookup(0x100)
	require.NotNil(t, e)
	e.mu.Lock()
	e.ReleasePending = true
	e.mu.Unlock()

	cache.AddProbe(Probe{
		Header: FlitHeader{Chan: ChanB, Opcode: OpcodeProbeBlock, Param: 1, Size: 3},
		Addr:   0x100,
	})
	cache.ProcessProbes(ops, credits)

	cache.probesMu.Lock()
	queued := len(cache.probes)
	cache.probesMu.Unlock()
	assert.Equal(t, 1, queued, "blocked probe must stay queued for the next tick")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(100 * time.Microsecond)
	}
	t.Fatal("condition not reached in time")
}
