// Ethernet and OmniXtend header codec
package ox

import (
	"encoding/binary"
	"net"

	"github.com/omnixtend/oxhost/internal/cfg"
)

// MessageType is the 4 bit connection management field of the OX header.
type MessageType uint8

const (
	MsgNormal MessageType = iota
	MsgAckOnly
	MsgOpenConnection
	MsgCloseConnection
)

func (m MessageType) String() string {
	switch m {
	case MsgNormal:
		return "Normal"
	case MsgAckOnly:
		return "AckOnly"
	case MsgOpenConnection:
		return "OpenConnection"
	case MsgCloseConnection:
		return "CloseConnection"
	default:
		return "Unknown"
	}
}

// FrameHeader is the 8 byte OmniXtend header following the Ethernet header.
//
//	vc(3) | mt(4) | res(3) | seq(22) | seq_ack(22) | ack(1) | res(1) | chan(3) | credit(5)
//
// transmitted big-endian.
type FrameHeader struct {
	VC     uint8
	Type   MessageType
	Seq    uint32
	SeqAck uint32
	Ack    bool
	Chan   Channel
	Credit uint8
}

// Put writes the header into the first 8 bytes of b.
func (h FrameHeader) Put(b []byte) {
	var v uint64
	v |= uint64(h.VC&0x7) << 61
	v |= uint64(h.Type&0xF) << 57
	v |= uint64(h.Seq&seqMask) << 32
	v |= uint64(h.SeqAck&seqMask) << 10
	if h.Ack {
		v |= 1 << 9
	}
	v |= uint64(h.Chan&0x7) << 5
	v |= uint64(h.Credit & 0x1F)
	binary.BigEndian.PutUint64(b, v)
}

// ParseFrameHeader decodes the first 8 bytes of b.
func ParseFrameHeader(b []byte) (FrameHeader, error) {
	if len(b) < cfg.OXHeaderSize {
		return FrameHeader{}, &ShortPayloadError{Len: len(b)}
	}
	v := binary.BigEndian.Uint64(b)
	return FrameHeader{
		VC:     uint8(v >> 61 & 0x7),
		Type:   MessageType(v >> 57 & 0xF),
		Seq:    uint32(v >> 32 & uint64(seqMask)),
		SeqAck: uint32(v >> 10 & uint64(seqMask)),
		Ack:    v>>9&1 == 1,
		Chan:   Channel(v >> 5 & 0x7),
		Credit: uint8(v & 0x1F),
	}, nil
}

// PutEthHeader writes a 14 byte Ethernet header with the OmniXtend EtherType.
func PutEthHeader(b []byte, dst, src net.HardwareAddr) {
	copy(b[0:6], dst)
	copy(b[6:12], src)
	binary.BigEndian.PutUint16(b[12:14], cfg.EtherTypeOX)
}

// ParseEthHeader splits off destination, source and EtherType.
func ParseEthHeader(b []byte) (dst, src net.HardwareAddr, etherType uint16, err error) {
	if len(b) < cfg.EthHeaderSize {
		return nil, nil, 0, ErrNotEthernetFrame
	}
	return net.HardwareAddr(b[0:6]), net.HardwareAddr(b[6:12]), binary.BigEndian.Uint16(b[12:14]), nil
}
