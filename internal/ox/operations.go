// Operation dispatcher: packs TileLink messages, accounts credits and waits
// for the matching response flit.
package ox

import (
	"encoding/binary"
	"errors"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// numSources is the size of the source tag pool. Tag 255 stays reserved.
const numSources = 255

// Op is a TileLink operation the dispatcher can put on the wire.
type Op interface {
	// pack renders the operation into flits for the given source tag.
	pack(source uint32, order binary.ByteOrder) ([]byte, error)
	// credits returns the channel and flit cost of the operation.
	credits() (Channel, uint64)
	// expectsResponse reports whether a response flit will arrive.
	expectsResponse() bool
}

// followUpOp is implemented by operations that require an automatic
// follow-up message once their response arrives.
type followUpOp interface {
	followUp(sink uint32) Op
}

// ReadOp reads a single 64 bit word.
type ReadOp struct {
	Address uint64
}

// ReadLenOp reads LenBytes (a power of two) starting at Address.
type ReadLenOp struct {
	Address  uint64
	LenBytes int
}

// WriteOp writes a single 64 bit word.
type WriteOp struct {
	Address uint64
	Data    uint64
}

// WriteLenOp writes a power of two sized buffer.
type WriteLenOp struct {
	Address uint64
	Data    []byte
}

// WritePartialOp writes an arbitrarily sized buffer using a byte mask.
type WritePartialOp struct {
	Address uint64
	Data    []byte
}

// AcquireBlockOp asks for a cache block with the given permission upgrade.
type AcquireBlockOp struct {
	Address uint64
	Len     int
	Perm    Grow
}

// AcquirePermOp upgrades permissions without data transfer.
type AcquirePermOp struct {
	Address uint64
	Len     int
	Perm    Grow
}

// ReleaseOp hands a clean block back to the endpoint.
type ReleaseOp struct {
	Address  uint64
	Len      int
	PermFrom Perm
	PermTo   Perm
}

// ReleaseDataOp hands a dirty block back including its data.
type ReleaseDataOp struct {
	Release ReleaseOp
	Data    []byte
}

// ProbeAckOp answers a probe without writeback.
type ProbeAckOp struct {
	Address uint64
	Size    uint8
	Change  uint8
}

// ProbeAckDataOp answers a probe with dirty data.
type ProbeAckDataOp struct {
	Probe ProbeAckOp
	Data  []byte
}

// GrantAckOp completes an acquire handshake.
type GrantAckOp struct {
	Sink uint32
}

func log2OfPow2(n int) (uint8, error) {
	if n <= 0 || n&(n-1) != 0 {
		return 0, &NotPowTwoError{Size: n}
	}
	return uint8(bits.TrailingZeros(uint(n))), nil
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

func packHeaderAddr(h FlitHeader, addr uint64, extra int) []byte {
	buf := make([]byte, 16+extra)
	binary.BigEndian.PutUint64(buf[0:8], h.Encode())
	binary.BigEndian.PutUint64(buf[8:16], addr)
	return buf
}

func (o ReadOp) pack(source uint32, order binary.ByteOrder) ([]byte, error) {
	return ReadLenOp{Address: o.Address, LenBytes: 8}.pack(source, order)
}

func (o ReadOp) credits() (Channel, uint64) { return ChanA, 2 }
func (o ReadOp) expectsResponse() bool      { return true }

func (o ReadLenOp) pack(source uint32, _ binary.ByteOrder) ([]byte, error) {
	szLog2, err := log2OfPow2(o.LenBytes)
	if err != nil {
		return nil, err
	}
	h := FlitHeader{Chan: ChanA, Opcode: OpcodeGet, Size: szLog2, Source: source}
	return packHeaderAddr(h, o.Address, 0), nil
}

func (o ReadLenOp) credits() (Channel, uint64) { return ChanA, 2 }
func (o ReadLenOp) expectsResponse() bool      { return true }

func (o WriteOp) pack(source uint32, order binary.ByteOrder) ([]byte, error) {
	var data [8]byte
	order.PutUint64(data[:], o.Data)
	return WriteLenOp{Address: o.Address, Data: data[:]}.pack(source, order)
}

func (o WriteOp) credits() (Channel, uint64) { return ChanA, 3 }
func (o WriteOp) expectsResponse() bool      { return true }

func (o WriteLenOp) pack(source uint32, _ binary.ByteOrder) ([]byte, error) {
	szLog2, err := log2OfPow2(len(o.Data))
	if err != nil {
		return nil, err
	}
	h := FlitHeader{Chan: ChanA, Opcode: OpcodePutFullData, Size: szLog2, Source: source}
	buf := packHeaderAddr(h, o.Address, len(o.Data))
	copy(buf[16:], o.Data)
	return buf, nil
}

func (o WriteLenOp) credits() (Channel, uint64) {
	return ChanA, 2 + uint64(len(o.Data))/8
}
func (o WriteLenOp) expectsResponse() bool { return true }

// partialLayout determines mask and data flit counts for a partial write.
func partialLayout(dataLen int) (pow2, maskFlits, dataFlits int) {
	pow2 = nextPow2(dataLen)
	maskFlits = pow2 / 64
	if maskFlits == 0 {
		maskFlits = 1
	}
	dataFlits = pow2 / 8
	if dataFlits == 0 {
		dataFlits = 1
	}
	return pow2, maskFlits, dataFlits
}

// partialMask builds the byte-valid mask words for dataLen bytes padded to
// the next power of two: a set bit marks a valid byte, padding is zero.
func partialMask(dataLen, maskFlits int) []uint64 {
	mask := make([]uint64, maskFlits)
	for i := range mask {
		switch {
		case (i+1)*64 <= dataLen:
			mask[i] = ^uint64(0)
		case i*64 < dataLen:
			mask[i] = (1 << (dataLen % 64)) - 1
		}
	}
	return mask
}

func (o WritePartialOp) pack(source uint32, order binary.ByteOrder) ([]byte, error) {
	pow2, maskFlits, dataFlits := partialLayout(len(o.Data))
	mask := partialMask(len(o.Data), maskFlits)

	szLog2 := uint8(bits.Len(uint(pow2)) - 1)
	h := FlitHeader{Chan: ChanA, Opcode: OpcodePutPartialData, Size: szLog2, Source: source}
	buf := packHeaderAddr(h, o.Address, (maskFlits+dataFlits)*8)

	// One mask flit interleaved ahead of every eight data flits.
	base := 16
	maskIdx := 0
	for i := 0; i < dataFlits; i++ {
		if i%8 == 0 {
			order.PutUint64(buf[base:base+8], mask[maskIdx])
			maskIdx++
			base += 8
		}
		start := i * 8
		if start < len(o.Data) {
			copy(buf[base:base+8], o.Data[start:])
		}
		base += 8
	}
	return buf[:base], nil
}

func (o WritePartialOp) credits() (Channel, uint64) {
	_, maskFlits, dataFlits := partialLayout(len(o.Data))
	return ChanA, uint64(2 + maskFlits + dataFlits)
}
func (o WritePartialOp) expectsResponse() bool { return true }

func (o AcquireBlockOp) pack(source uint32, _ binary.ByteOrder) ([]byte, error) {
	szLog2, err := log2OfPow2(o.Len)
	if err != nil {
		return nil, err
	}
	h := FlitHeader{Chan: ChanA, Opcode: OpcodeAcquireBlock, Param: uint8(o.Perm), Size: szLog2, Source: source}
	return packHeaderAddr(h, o.Address, 0), nil
}

func (o AcquireBlockOp) credits() (Channel, uint64) { return ChanA, 2 }
func (o AcquireBlockOp) expectsResponse() bool      { return true }
func (o AcquireBlockOp) followUp(sink uint32) Op    { return GrantAckOp{Sink: sink} }

func (o AcquirePermOp) pack(source uint32, _ binary.ByteOrder) ([]byte, error) {
	szLog2, err := log2OfPow2(o.Len)
	if err != nil {
		return nil, err
	}
	h := FlitHeader{Chan: ChanA, Opcode: OpcodeAcquirePerm, Param: uint8(o.Perm), Size: szLog2, Source: source}
	return packHeaderAddr(h, o.Address, 0), nil
}

func (o AcquirePermOp) credits() (Channel, uint64) { return ChanA, 2 }
func (o AcquirePermOp) expectsResponse() bool      { return true }
func (o AcquirePermOp) followUp(sink uint32) Op    { return GrantAckOp{Sink: sink} }

func (o ReleaseOp) pack(source uint32, _ binary.ByteOrder) ([]byte, error) {
	szLog2, err := log2OfPow2(o.Len)
	if err != nil {
		return nil, err
	}
	h := FlitHeader{
		Chan:   ChanC,
		Opcode: OpcodeRelease,
		Param:  PermissionChange(o.PermFrom, o.PermTo),
		Size:   szLog2,
		Source: source,
	}
	return packHeaderAddr(h, o.Address, 0), nil
}

func (o ReleaseOp) credits() (Channel, uint64) { return ChanC, 2 }
func (o ReleaseOp) expectsResponse() bool      { return true }

func (o ReleaseDataOp) pack(source uint32, _ binary.ByteOrder) ([]byte, error) {
	szLog2, err := log2OfPow2(len(o.Data))
	if err != nil {
		return nil, err
	}
	h := FlitHeader{
		Chan:   ChanC,
		Opcode: OpcodeReleaseData,
		Param:  PermissionChange(o.Release.PermFrom, o.Release.PermTo),
		Size:   szLog2,
		Source: source,
	}
	buf := packHeaderAddr(h, o.Release.Address, len(o.Data))
	copy(buf[16:], o.Data)
	return buf, nil
}

func (o ReleaseDataOp) credits() (Channel, uint64) {
	return ChanC, 2 + uint64(len(o.Data))/8
}
func (o ReleaseDataOp) expectsResponse() bool { return true }

func (o ProbeAckOp) pack(source uint32, _ binary.ByteOrder) ([]byte, error) {
	h := FlitHeader{Chan: ChanC, Opcode: OpcodeProbeAck, Param: o.Change, Size: o.Size, Source: source}
	return packHeaderAddr(h, o.Address, 0), nil
}

func (o ProbeAckOp) credits() (Channel, uint64) { return ChanC, 2 }
func (o ProbeAckOp) expectsResponse() bool      { return false }

func (o ProbeAckDataOp) pack(source uint32, _ binary.ByteOrder) ([]byte, error) {
	szLog2, err := log2OfPow2(len(o.Data))
	if err != nil {
		return nil, err
	}
	h := FlitHeader{Chan: ChanC, Opcode: OpcodeProbeAckData, Param: o.Probe.Change, Size: szLog2, Source: source}
	buf := packHeaderAddr(h, o.Probe.Address, len(o.Data))
	copy(buf[16:], o.Data)
	return buf, nil
}

func (o ProbeAckDataOp) credits() (Channel, uint64) {
	return ChanC, 2 + uint64(len(o.Data))/8
}
func (o ProbeAckDataOp) expectsResponse() bool { return false }

func (o GrantAckOp) pack(_ uint32, _ binary.ByteOrder) ([]byte, error) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, FlitHeaderE{Chan: ChanE, Sink: o.Sink}.Encode())
	return buf, nil
}

func (o GrantAckOp) credits() (Channel, uint64) { return ChanE, 1 }
func (o GrantAckOp) expectsResponse() bool      { return false }

// ResultKind tells callers which Result field carries the payload.
type ResultKind uint8

const (
	ResultNone ResultKind = iota
	ResultData
	ResultData64
)

// Result is the outcome of a completed operation.
type Result struct {
	Kind   ResultKind
	Data   []byte
	Data64 uint64
}

// MessageQueue is the ordered list of packed messages awaiting the next
// assembled frame. The dispatcher appends, the connection drains.
type MessageQueue struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (q *MessageQueue) Push(msg []byte) {
	q.mu.Lock()
	q.msgs = append(q.msgs, msg)
	q.mu.Unlock()
}

func (q *MessageQueue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs) == 0
}

// drain pops messages from the front while keep returns true.
func (q *MessageQueue) drain(keep func(msg []byte) bool) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, m := range q.msgs {
		if !keep(m) {
			break
		}
		n++
	}
	taken := q.msgs[:n:n]
	q.msgs = q.msgs[n:]
	return taken
}

type completion struct {
	sink uint32
	data []byte
	err  error
}

// Operations dispatches TileLink operations for a single connection. Source
// tags come from a bounded pool; every tag has a single-slot completion
// channel the receive path feeds through Complete.
type Operations struct {
	ByteOrder binary.ByteOrder

	log         *zap.Logger
	sources     chan uint32
	slots       []chan completion
	outstanding *MessageQueue
	outstCnt    atomic.Int64
	done        chan struct{}
	closeOnce   sync.Once
}

func NewOperations(log *zap.Logger) *Operations {
	o := &Operations{
		ByteOrder:   binary.LittleEndian,
		log:         log,
		sources:     make(chan uint32, numSources),
		slots:       make([]chan completion, numSources),
		outstanding: &MessageQueue{},
		done:        make(chan struct{}),
	}
	for i := 0; i < numSources; i++ {
		o.sources <- uint32(i)
		o.slots[i] = make(chan completion, 1)
	}
	return o
}

// Outstanding exposes the pending message list the tick engine hands to the
// connection when assembling a frame.
func (o *Operations) Outstanding() *MessageQueue {
	return o.outstanding
}

// NumOutstanding counts operations between entry to Perform and completion.
func (o *Operations) NumOutstanding() int {
	return int(o.outstCnt.Load())
}

// Close wakes every caller blocked on a response with ErrConnectionClosed.
// Safe to call more than once.
func (o *Operations) Close() {
	o.closeOnce.Do(func() { close(o.done) })
}

// Closed reports whether the dispatcher has been torn down.
func (o *Operations) Closed() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

// Perform packs op, waits for credits, queues the message and, if the op
// expects one, blocks until the response arrives. Acquire operations send
// their GrantAck before returning.
func (o *Operations) Perform(op Op, credits *Credits) (Result, error) {
	o.outstCnt.Add(1)

	source, err := o.acquireSource(op)
	if err != nil {
		o.outstCnt.Add(-1)
		return Result{}, err
	}

	packed, err := op.pack(source, o.ByteOrder)
	if err != nil {
		o.releaseSource(op, source)
		o.outstCnt.Add(-1)
		return Result{}, err
	}

	if err := o.takeCredits(op, credits); err != nil {
		o.releaseSource(op, source)
		o.outstCnt.Add(-1)
		return Result{}, err
	}

	o.outstanding.Push(packed)

	if !op.expectsResponse() {
		o.outstCnt.Add(-1)
		return Result{}, nil
	}

	c := o.waitForResponse(source)

	o.releaseSource(op, source)
	o.outstCnt.Add(-1)

	if !errors.Is(c.err, ErrConnectionClosed) {
		o.sendFollowUp(op, c.sink, credits)
	}
	if c.err != nil {
		return Result{}, c.err
	}
	return extractResult(op, c.data, o.ByteOrder), nil
}

func (o *Operations) acquireSource(op Op) (uint32, error) {
	if !op.expectsResponse() {
		return 0, nil
	}
	select {
	case s := <-o.sources:
		return s, nil
	case <-o.done:
		return 0, ErrConnectionClosed
	}
}

func (o *Operations) releaseSource(op Op, source uint32) {
	if op.expectsResponse() {
		o.sources <- source
	}
}

// takeCredits blocks with exponential back-off until the pool covers the
// operation or the dispatcher shuts down.
func (o *Operations) takeCredits(op Op, credits *Credits) error {
	ch, cost := op.credits()
	wait := time.Microsecond
	for !credits.Take(ch, cost) {
		select {
		case <-o.done:
			return ErrConnectionClosed
		case <-time.After(wait):
		}
		if wait < time.Millisecond {
			wait *= 2
		}
	}
	return nil
}

func (o *Operations) waitForResponse(source uint32) completion {
	select {
	case c := <-o.slots[source]:
		return c
	case <-o.done:
		return completion{err: ErrConnectionClosed}
	}
}

func (o *Operations) sendFollowUp(op Op, sink uint32, credits *Credits) {
	f, ok := op.(followUpOp)
	if !ok {
		return
	}
	if _, err := o.Perform(f.followUp(sink), credits); err != nil {
		o.log.Error("failed to send follow-up message", zap.Error(err))
	}
}

func extractResult(op Op, data []byte, order binary.ByteOrder) Result {
	switch op.(type) {
	case ReadLenOp, AcquireBlockOp:
		return Result{Kind: ResultData, Data: data}
	case ReadOp:
		if len(data) < 8 {
			return Result{Kind: ResultNone}
		}
		return Result{Kind: ResultData64, Data64: order.Uint64(data)}
	default:
		return Result{Kind: ResultNone}
	}
}

// Complete delivers a response to the operation holding source. No-op once
// the dispatcher is in teardown.
func (o *Operations) Complete(source, sink uint32, data []byte, err error) {
	if source >= numSources {
		o.log.Debug("completion for reserved source dropped", zap.Uint32("source", source))
		return
	}
	select {
	case <-o.done:
	case o.slots[source] <- completion{sink: sink, data: data, err: err}:
	}
}
