package ox

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnixtend/oxhost/internal/cfg"
)

func TestFrameHeaderRoundTrip(t *testing.T) {
	h := FrameHeader{
		VC:     3,
		Type:   MsgCloseConnection,
		Seq:    0x3FFFFF,
		SeqAck: 0x155555,
		Ack:    true,
		Chan:   ChanC,
		Credit: 31,
	}
	var buf [8]byte
	h.Put(buf[:])
	got, err := ParseFrameHeader(buf[:])
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestFrameHeaderFieldPlacement(t *testing.T) {
	var buf [8]byte

	FrameHeader{Seq: 1}.Put(buf[:])
	// Sequence occupies bits 53..32 of the big-endian word.
	assert.Equal(t, [8]byte{0, 0, 0, 1, 0, 0, 0, 0}, buf)

	FrameHeader{Credit: 1}.Put(buf[:])
	assert.Equal(t, [8]byte{0, 0, 0, 0, 0, 0, 0, 1}, buf)

	FrameHeader{Type: MsgAckOnly}.Put(buf[:])
	assert.Equal(t, byte(1<<57>>56), buf[0])
}

func TestFrameHeaderSequenceMasked(t *testing.T) {
	var buf [8]byte
	FrameHeader{Seq: SeqModulus + 7}.Put(buf[:])
	got, err := ParseFrameHeader(buf[:])
	require.NoError(t, err)
	assert.Equal(t, uint32(7), got.Seq)
}

func TestParseFrameHeaderShort(t *testing.T) {
	_, err := ParseFrameHeader(make([]byte, 4))
	var short *ShortPayloadError
	assert.ErrorAs(t, err, &short)
}

func TestEthHeaderRoundTrip(t *testing.T) {
	dst, _ := net.ParseMAC("02:00:00:00:00:02")
	src, _ := net.ParseMAC("02:00:00:00:00:01")
	buf := make([]byte, cfg.EthHeaderSize)
	PutEthHeader(buf, dst, src)

	gotDst, gotSrc, etherType, err := ParseEthHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, dst.String(), gotDst.String())
	assert.Equal(t, src.String(), gotSrc.String())
	assert.Equal(t, uint16(cfg.EtherTypeOX), etherType)
}

func TestParseEthHeaderShort(t *testing.T) {
	_, _, _, err := ParseEthHeader(make([]byte, 10))
	assert.ErrorIs(t, err, ErrNotEthernetFrame)
}
