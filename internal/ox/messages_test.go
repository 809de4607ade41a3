package ox

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// payloadOf concatenates flits and appends the 8 byte mask trailer the
// demultiplexer must not interpret.
func payloadOf(flits ...uint64) []byte {
	buf := make([]byte, 0, (len(flits)+1)*8)
	for _, f := range flits {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], f)
		buf = append(buf, b[:]...)
	}
	return append(buf, make([]byte, 8)...)
}

func TestProcessMessagesAccessAckData(t *testing.T) {
	h := FlitHeader{Chan: ChanD, Opcode: OpcodeAccessAckData, Size: 3, Source: 42}
	payload := payloadOf(h.Encode(), 0x0102030405060708)

	credits, probes, responses, err := ProcessMessages(payload)
	require.NoError(t, err)
	assert.Empty(t, probes)
	require.Len(t, responses, 1)
	assert.Equal(t, uint32(42), responses[0].Source)
	assert.NoError(t, responses[0].Err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, responses[0].Data)

	require.Len(t, credits, 1)
	assert.Equal(t, ChanD, credits[0].Chan)
	assert.Equal(t, uint64(2), credits[0].Amount)
}

func TestProcessMessagesAccessAck(t *testing.T) {
	h := FlitHeader{Chan: ChanD, Opcode: OpcodeAccessAck, Source: 3}
	_, _, responses, err := ProcessMessages(payloadOf(h.Encode()))
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, uint32(3), responses[0].Source)
	assert.Empty(t, responses[0].Data)
}

func TestProcessMessagesGrantDataMasksSink(t *testing.T) {
	h := FlitHeader{Chan: ChanD, Opcode: OpcodeGrantData, Size: 3, Source: 7}
	sinkFlit := uint64(0xFFFFFFFFFFFFFFFF) // upper bits must be dropped
	payload := payloadOf(h.Encode(), sinkFlit, 0xAAAAAAAAAAAAAAAA)

	credits, _, responses, err := ProcessMessages(payload)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, uint32((1<<26)-1), responses[0].Sink)
	assert.Len(t, responses[0].Data, 8)
	require.Len(t, credits, 1)
	assert.Equal(t, uint64(3), credits[0].Amount)
}

func TestProcessMessagesDenied(t *testing.T) {
	h := FlitHeader{Chan: ChanD, Opcode: OpcodeAccessAckData, Size: 3, Source: 1, Err: 2}
	_, _, responses, err := ProcessMessages(payloadOf(h.Encode(), 0))
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.ErrorIs(t, responses[0].Err, ErrUnalignedAccess)
}

func TestProcessMessagesProbe(t *testing.T) {
	h := FlitHeader{Chan: ChanB, Opcode: OpcodeProbeBlock, Param: 1, Size: 3}
	credits, probes, _, err := ProcessMessages(payloadOf(h.Encode(), 0x100))
	require.NoError(t, err)
	require.Len(t, probes, 1)
	assert.Equal(t, uint64(0x100), probes[0].Addr)
	assert.Equal(t, OpcodeProbeBlock, probes[0].Header.Opcode)
	require.Len(t, credits, 1)
	assert.Equal(t, ChanB, credits[0].Chan)
	assert.Equal(t, uint64(2), credits[0].Amount)
}

func TestProcessMessagesReleaseAck(t *testing.T) {
	h := FlitHeader{Chan: ChanD, Opcode: OpcodeReleaseAck, Source: 9}
	_, _, responses, err := ProcessMessages(payloadOf(h.Encode()))
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, uint32(9), responses[0].Source)
	assert.NoError(t, responses[0].Err)
}

func TestProcessMessagesSkipsPadding(t *testing.T) {
	// Zero flits are padding; only the real message must surface.
	h := FlitHeader{Chan: ChanD, Opcode: OpcodeAccessAck, Source: 5}
	payload := payloadOf(0, 0, h.Encode(), 0, 0)
	_, _, responses, err := ProcessMessages(payload)
	require.NoError(t, err)
	require.Len(t, responses, 1)
}

func TestProcessMessagesMultiple(t *testing.T) {
	ack := FlitHeader{Chan: ChanD, Opcode: OpcodeAccessAck, Source: 1}
	probe := FlitHeader{Chan: ChanB, Opcode: OpcodeProbePerm, Param: 2, Size: 3}
	payload := payloadOf(ack.Encode(), probe.Encode(), 0x200)

	credits, probes, responses, err := ProcessMessages(payload)
	require.NoError(t, err)
	assert.Len(t, responses, 1)
	assert.Len(t, probes, 1)
	assert.Len(t, credits, 2)
}

func TestProcessMessagesRejectsRequesterChannels(t *testing.T) {
	h := FlitHeader{Chan: ChanA, Opcode: OpcodeGet}
	_, _, _, err := ProcessMessages(payloadOf(h.Encode(), 0))
	var unexpected *UnexpectedMessageError
	assert.ErrorAs(t, err, &unexpected)
}

func TestProcessMessagesShortPayload(t *testing.T) {
	_, _, _, err := ProcessMessages(make([]byte, 4))
	var short *ShortPayloadError
	assert.ErrorAs(t, err, &short)
}

func TestProcessMessagesTruncatedBody(t *testing.T) {
	// Announces 8 data bytes but the payload ends at the trailer.
	h := FlitHeader{Chan: ChanD, Opcode: OpcodeGrantData, Size: 3, Source: 7}
	_, _, _, err := ProcessMessages(payloadOf(h.Encode()))
	var short *ShortPayloadError
	assert.ErrorAs(t, err, &short)
}
