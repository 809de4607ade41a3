// Per-peer connection: sequencing, acknowledgement, resend buffer and the
// open/close handshake.
package ox

import (
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/omnixtend/oxhost/internal/cfg"
)

// ConnectionState tracks the handshake position of a peer.
type ConnectionState int32

const (
	StateIdle ConnectionState = iota
	StateEnabled
	StateOpened
	StateActive
	StateClosedByHost
	StateClosedByHostIndicated
	StateClosedByClient
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateEnabled:
		return "Enabled"
	case StateOpened:
		return "Opened"
	case StateActive:
		return "Active"
	case StateClosedByHost:
		return "ClosedByHost"
	case StateClosedByHostIndicated:
		return "ClosedByHostIndicated"
	case StateClosedByClient:
		return "ClosedByClient"
	default:
		return "Unknown"
	}
}

// Status is a point-in-time snapshot for status displays.
type Status struct {
	RxSeq      uint32
	TxSeq      uint32
	TheyAcked  uint32
	WeAcked    uint32
	LastMsgIn  time.Duration
	LastMsgOut time.Duration
	Naks       uint64
}

// Connection owns everything a single peer needs for reliable in-order
// delivery: six sequence numbers, both credit directions, the prepared
// frame slot and the resend buffer. In ox10 compat mode the open/close
// handshake is skipped entirely.
type Connection struct {
	compat bool
	id     uint8
	log    *zap.Logger

	myMAC    net.HardwareAddr
	otherMAC net.HardwareAddr

	pendingMu    sync.Mutex
	pendingFrame []byte

	resendBufMu  sync.RWMutex
	resendBuffer [][]byte

	resendQueueMu sync.Mutex
	resendQueue   [][]byte

	nextRX        *SequenceNumber
	lastRX        *SequenceNumber
	nextTX        *SequenceNumber
	theyAcked     *SequenceNumber
	weAcked       *SequenceNumber
	firstInResend *SequenceNumber

	creditsSend    *Credits
	creditsReceive *Credits

	state atomic.Int32

	lastMsgIn  atomic.Int64 // unix nanos
	lastMsgOut atomic.Int64

	lastAckStatus     atomic.Bool
	sendOutstandingFl atomic.Bool
	resendOutstanding atomic.Bool
	naks              atomic.Uint64
	resends           atomic.Uint64
}

func NewConnection(compat bool, id uint8, myMAC, otherMAC net.HardwareAddr, log *zap.Logger) *Connection {
	sendCredits := uint64(cfg.DefaultSendCredits)
	if compat {
		sendCredits = 0
	}

	c := &Connection{
		compat:         compat,
		id:             id,
		log:            log,
		myMAC:          append(net.HardwareAddr(nil), myMAC...),
		otherMAC:       append(net.HardwareAddr(nil), otherMAC...),
		nextRX:         NewSequenceNumber(0),
		nextTX:         NewSequenceNumber(0),
		lastRX:         NewSequenceNumber(SeqMax()),
		theyAcked:      NewSequenceNumber(SeqMax()),
		weAcked:        NewSequenceNumber(SeqMax()),
		firstInResend:  NewSequenceNumber(SeqMax()),
		creditsSend:    NewCredits(sendCredits),
		creditsReceive: NewCredits(cfg.DefaultReceiveCredits),
	}
	now := time.Now().UnixNano()
	c.lastMsgIn.Store(now)
	c.lastMsgOut.Store(now)
	c.sendOutstandingFl.Store(true)
	return c
}

func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *Connection) setState(s ConnectionState) {
	c.state.Store(int32(s))
}

// IsActive reports whether the data path is usable.
func (c *Connection) IsActive() bool {
	return c.State() == StateActive
}

// CompatMode reports whether the handshake is disabled.
func (c *Connection) CompatMode() bool {
	return c.compat
}

// OtherMAC returns the peer's address.
func (c *Connection) OtherMAC() net.HardwareAddr {
	return c.otherMAC
}

// Establish arms the connection. Compat mode goes straight to Active, the
// handshake path waits for the first assembled frame to carry the Open flag.
func (c *Connection) Establish() {
	if c.State() != StateIdle {
		c.log.Error("connection already active", zap.Uint8("id", c.id))
		return
	}
	if c.compat {
		c.setState(StateActive)
	} else {
		c.setState(StateEnabled)
	}
}

// Credits returns the send-direction pool operations draw from.
func (c *Connection) Credits() *Credits {
	return c.creditsSend
}

// AddReceiveCredits refunds credits the peer may be granted again.
func (c *Connection) AddReceiveCredits(ch Channel, n uint64) {
	c.creditsReceive.Add(ch, n)
}

// SendOutstanding reports whether the tick engine should assemble a frame:
// a state change requested one, or there are receive credits to advertise.
func (c *Connection) SendOutstanding() bool {
	return c.sendOutstandingFl.Load() || c.creditsReceive.Any()
}

// AckOutstanding reports whether the peer still waits for an ACK from us.
func (c *Connection) AckOutstanding() bool {
	return c.weAcked.Val() != c.lastRX.Val()
}

// ResendOutstanding reports whether a NAK asked for a resend sweep.
func (c *Connection) ResendOutstanding() bool {
	return c.resendOutstanding.Load()
}

// NakCount returns the number of NAKs this side has raised.
func (c *Connection) NakCount() uint64 {
	return c.naks.Load()
}

// ResendCount returns the number of resend sweeps performed.
func (c *Connection) ResendCount() uint64 {
	return c.resends.Load()
}

// LastMessageReceived is the arrival time of the newest accepted frame.
func (c *Connection) LastMessageReceived() time.Time {
	return time.Unix(0, c.lastMsgIn.Load())
}

// Close blocks until the close handshake completed or the timeout expired.
// A zero timeout waits forever.
func (c *Connection) Close(timeout time.Duration) error {
	s := c.State()
	if c.compat || s == StateIdle || s == StateEnabled ||
		(s == StateOpened && c.lastRX.Val() == SeqMax()) {
		c.log.Error("cannot close connection in compat mode or before any traffic")
		return ErrCloseNotAllowed
	}

	// Frame 0 carries the Open flag; wait until it is acknowledged so a
	// later resend cannot replay the flag into an active connection.
	start := time.Now()
	wait := time.Microsecond
	for c.firstInResend.Val() == SeqMax() {
		if err := checkTimeout(timeout, start); err != nil {
			return err
		}
		wait = snooze(wait)
	}

	if s := c.State(); s == StateActive || s == StateOpened {
		c.log.Info("indicating closed by host state", zap.Uint8("id", c.id))
		c.setState(StateClosedByHost)
		c.sendOutstandingFl.Store(true)
	}

	start = time.Now()
	wait = time.Microsecond
	for c.State() != StateIdle {
		if err := checkTimeout(timeout, start); err != nil {
			return err
		}
		wait = snooze(wait)
	}

	c.log.Info("connection closed", zap.Uint8("id", c.id))
	return nil
}

func checkTimeout(timeout time.Duration, start time.Time) error {
	if timeout > 0 && time.Since(start) >= timeout {
		return &CloseTimeoutError{Timeout: timeout}
	}
	return nil
}

func snooze(wait time.Duration) time.Duration {
	time.Sleep(wait)
	if wait < time.Millisecond {
		return wait * 2
	}
	return wait
}

// SendFrame assembles exactly one frame from the pending message list and
// parks it for the transmitter. Fails when the previous frame has not been
// consumed yet.
func (c *Connection) SendFrame(msgs *MessageQueue, outstandingRequests bool) error {
	if c.State() == StateIdle {
		return ErrSendOnIdle
	}

	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.pendingFrame != nil {
		return ErrPacketNotSent
	}

	c.sendOutstandingFl.Store(false)

	c.resendBufMu.Lock()
	defer c.resendBufMu.Unlock()

	buf := c.putMessages(msgs)

	hdr := FrameHeader{
		Type:   MsgNormal,
		SeqAck: c.lastRX.Val(),
		Ack:    c.lastAckStatus.Load(),
	}

	prev := c.advanceStateSend(&hdr, outstandingRequests)

	hdr.Seq = c.nextTX.Val()
	c.nextTX.Incr()

	if ch, credit := c.creditsReceive.GetHighest(); ch != ChanInvalid {
		hdr.Chan = ch
		hdr.Credit = credit
	}

	PutEthHeader(buf, c.otherMAC, c.myMAC)
	hdr.Put(buf[cfg.EthHeaderSize:])

	c.log.Debug("sending frame",
		zap.Uint8("id", c.id),
		zap.Stringer("state", prev),
		zap.Stringer("now", c.State()),
		zap.Uint32("seq", hdr.Seq),
		zap.Uint32("seq_ack", hdr.SeqAck),
		zap.Stringer("type", hdr.Type),
		zap.Bool("outstanding", outstandingRequests),
		zap.Int("size", len(buf)))

	c.pendingFrame = buf
	c.weAcked.Set(c.lastRX.Val())
	c.resendBuffer = append(c.resendBuffer, buf)
	return nil
}

// putMessages builds the frame body: greedily packed messages, zero padding
// up to the minimum frame size and the start-of-message mask trailer.
func (c *Connection) putMessages(msgs *MessageQueue) []byte {
	buf := make([]byte, cfg.EthHeaderSize+cfg.OXHeaderSize, cfg.FrameMin)

	var mask uint64
	maskCntr := 0
	packetLen := len(buf) + cfg.MaskTrailerSize

	if msgs != nil {
		taken := msgs.drain(func(m []byte) bool {
			// Batching stops once the flit offset reaches 64, the width of
			// the mask, even when the MTU would allow more.
			if maskCntr >= 64 || packetLen+len(m) >= cfg.FrameMax {
				return false
			}
			packetLen += len(m)
			mask |= 1 << maskCntr
			maskCntr += len(m) / 8
			return true
		})
		for _, m := range taken {
			c.log.Debug("adding TL message", zap.Uint8("id", c.id), zap.Int("bytes", len(m)))
			buf = append(buf, m...)
		}
	}

	if packetLen < cfg.FrameMin {
		buf = append(buf, make([]byte, cfg.FrameMin-packetLen)...)
	}

	var trailer [cfg.MaskTrailerSize]byte
	binary.BigEndian.PutUint64(trailer[:], mask)
	return append(buf, trailer[:]...)
}

// advanceStateSend applies handshake transitions that happen on transmit
// and stamps the message type accordingly.
func (c *Connection) advanceStateSend(hdr *FrameHeader, outstandingRequests bool) ConnectionState {
	s := c.State()
	if c.compat {
		return s
	}
	switch {
	case s == StateEnabled:
		c.setState(StateOpened)
		hdr.Type = MsgOpenConnection
	case s == StateClosedByHost && !outstandingRequests:
		c.setState(StateClosedByHostIndicated)
		hdr.Type = MsgCloseConnection
	case s == StateClosedByClient && !outstandingRequests:
		hdr.Type = MsgCloseConnection
		c.setState(StateIdle)
	}
	return s
}

// NextFrame hands the transmitter the next frame: resend entries first,
// then the freshly assembled one. Nil when there is nothing to send.
func (c *Connection) NextFrame() []byte {
	c.resendQueueMu.Lock()
	if len(c.resendQueue) > 0 {
		p := c.resendQueue[0]
		c.resendQueue = c.resendQueue[1:]
		c.resendQueueMu.Unlock()
		c.lastMsgOut.Store(time.Now().UnixNano())
		return p
	}
	c.resendQueueMu.Unlock()

	c.pendingMu.Lock()
	p := c.pendingFrame
	c.pendingFrame = nil
	c.pendingMu.Unlock()
	if p != nil {
		c.lastMsgOut.Store(time.Now().UnixNano())
	}
	return p
}

// Resend pushes every unacknowledged frame back onto the wire in order.
func (c *Connection) Resend() error {
	c.resendBufMu.RLock()
	defer c.resendBufMu.RUnlock()
	if len(c.resendBuffer) == 0 {
		return ErrNoResendData
	}

	c.resendQueueMu.Lock()
	defer c.resendQueueMu.Unlock()
	if len(c.resendQueue) > 0 {
		return ErrResendInProgress
	}
	c.resendQueue = append(c.resendQueue, c.resendBuffer...)
	c.log.Debug("scheduled resend", zap.Uint8("id", c.id), zap.Int("packets", len(c.resendBuffer)))
	c.resendOutstanding.Store(false)
	c.resends.Add(1)
	return nil
}

// Process validates and consumes one inbound frame, returning the payload
// to be demultiplexed. An empty payload means the frame carried no
// messages for the upper layers.
func (c *Connection) Process(frame []byte) ([]byte, error) {
	dst, _, etherType, err := ParseEthHeader(frame)
	if err != nil {
		return nil, err
	}
	if !macEqual(dst, c.myMAC) {
		return nil, &WrongMACError{MAC: dst}
	}
	if etherType != cfg.EtherTypeOX {
		return nil, &WrongEtherTypeError{EtherType: etherType}
	}

	hdr, err := ParseFrameHeader(frame[cfg.EthHeaderSize:])
	if err != nil {
		return nil, err
	}
	ackOnly := hdr.Type == MsgAckOnly

	switch {
	case hdr.Seq == c.nextRX.Val():
		return c.processExpected(hdr, frame, ackOnly)
	case !c.nextRX.Cmp(hdr.Seq):
		return c.processReplicated(hdr, ackOnly)
	default:
		c.log.Debug("ignoring out of sequence packet",
			zap.Uint8("id", c.id), zap.Uint32("seq", hdr.Seq))
		return nil, nil
	}
}

func (c *Connection) processExpected(hdr FrameHeader, frame []byte, ackOnly bool) ([]byte, error) {
	c.lastMsgIn.Store(time.Now().UnixNano())

	c.log.Debug("parsed packet",
		zap.Uint8("id", c.id),
		zap.Uint32("seq", hdr.Seq),
		zap.Uint32("seq_ack", hdr.SeqAck),
		zap.Stringer("type", hdr.Type),
		zap.Int("payload", len(frame)-cfg.EthHeaderSize-cfg.OXHeaderSize))

	c.lastRX.Set(hdr.Seq)
	c.theyAcked.Set(hdr.SeqAck)
	c.removeFromResend()

	if !hdr.Ack {
		c.log.Debug("received NAK", zap.Uint8("id", c.id), zap.Uint32("for", hdr.SeqAck))
		c.resendOutstanding.Store(true)
	}

	if ackOnly {
		return nil, nil
	}

	if hdr.Chan != ChanInvalid {
		c.creditsSend.Add(hdr.Chan, uint64(1)<<hdr.Credit)
	}

	c.lastAckStatus.Store(true)
	c.nextRX.Incr()

	payload := append([]byte(nil), frame[cfg.EthHeaderSize+cfg.OXHeaderSize:]...)

	c.advanceStateReceive(hdr)
	return payload, nil
}

// removeFromResend drops acknowledged frames from the front of the buffer.
func (c *Connection) removeFromResend() {
	c.resendBufMu.Lock()
	defer c.resendBufMu.Unlock()
	for c.theyAcked.Val() != c.firstInResend.Val() && len(c.resendBuffer) > 0 {
		c.firstInResend.Incr()
		c.resendBuffer = c.resendBuffer[1:]
	}
}

func (c *Connection) processReplicated(hdr FrameHeader, ackOnly bool) ([]byte, error) {
	if ackOnly {
		return nil, nil
	}
	c.log.Debug("sending NAK",
		zap.Uint8("id", c.id), zap.Uint32("expected", c.nextRX.Val()))
	c.naks.Add(1)
	c.lastAckStatus.Store(false)
	c.sendOutstandingFl.Store(true)
	return nil, &OutOfOrderError{Got: hdr.Seq, Expected: c.nextRX.Val()}
}

// advanceStateReceive applies handshake transitions driven by the peer.
func (c *Connection) advanceStateReceive(hdr FrameHeader) {
	if c.compat {
		return
	}

	s := c.State()
	if s == StateOpened {
		c.setState(StateActive)
		s = StateActive
	}

	switch {
	case hdr.Type == MsgOpenConnection && s == StateIdle:
		c.setState(StateActive)
	case hdr.Type == MsgCloseConnection && s == StateClosedByHostIndicated:
		c.setState(StateIdle)
	case hdr.Type == MsgCloseConnection:
		c.setState(StateClosedByClient)
		c.sendOutstandingFl.Store(true)
	}
}

// Status snapshots the connection for displays.
func (c *Connection) Status() Status {
	return Status{
		RxSeq:      c.nextRX.Val(),
		TxSeq:      c.nextTX.Val(),
		TheyAcked:  c.theyAcked.Val(),
		WeAcked:    c.weAcked.Val(),
		LastMsgIn:  time.Since(time.Unix(0, c.lastMsgIn.Load())),
		LastMsgOut: time.Since(time.Unix(0, c.lastMsgOut.Load())),
		Naks:       c.naks.Load(),
	}
}

func macEqual(a, b net.HardwareAddr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
