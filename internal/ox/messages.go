// Demultiplexing of received payload flits into credit grants, probes and
// operation responses.
package ox

import "encoding/binary"

// Probe is a channel B request queued for the cache.
type Probe struct {
	Header FlitHeader
	Addr   uint64
}

// Response is a channel D message destined for a dispatcher slot.
type Response struct {
	Source uint32
	Sink   uint32
	Data   []byte
	Err    error
}

// CreditGrant refunds receive credits consumed by an inbound message.
type CreditGrant struct {
	Chan   Channel
	Amount uint64
}

// ProcessMessages walks the payload of a frame, message by message, and
// splits it into credit refunds, probes and responses. The final 8 bytes
// are the start-of-message mask trailer and are not interpreted; zero
// padding decodes as channel 0 and is skipped.
func ProcessMessages(payload []byte) ([]CreditGrant, []Probe, []Response, error) {
	if len(payload) < 8 {
		return nil, nil, nil, &ShortPayloadError{Len: len(payload)}
	}

	var credits []CreditGrant
	var probes []Probe
	var responses []Response

	pos := 0
	for pos < len(payload)-8 {
		if pos+8 > len(payload) {
			return credits, probes, responses, &ShortPayloadError{Len: len(payload)}
		}
		h := DecodeFlitHeader(binary.BigEndian.Uint64(payload[pos : pos+8]))
		switch h.Chan {
		case ChanInvalid:
			pos += 8
		case ChanB:
			probe, grant, n, err := handleChanB(h, payload, pos)
			if err != nil {
				return credits, probes, responses, err
			}
			if probe != nil {
				probes = append(probes, *probe)
			}
			if grant != nil {
				credits = append(credits, *grant)
			}
			pos += n
		case ChanD:
			resp, grant, n, err := handleChanD(h, payload, pos)
			if err != nil {
				return credits, probes, responses, err
			}
			responses = append(responses, resp)
			credits = append(credits, grant)
			pos += n
		default:
			// A, C and E traffic only flows towards the endpoint.
			return credits, probes, responses, &UnexpectedMessageError{Chan: h.Chan, Opcode: h.Opcode}
		}
	}
	return credits, probes, responses, nil
}

func handleChanB(h FlitHeader, payload []byte, pos int) (*Probe, *CreditGrant, int, error) {
	switch h.Opcode {
	case OpcodeProbeBlock, OpcodeProbePerm:
		if pos+16 > len(payload) {
			return nil, nil, 0, &ShortPayloadError{Len: len(payload)}
		}
		addr := binary.BigEndian.Uint64(payload[pos+8 : pos+16])
		return &Probe{Header: h, Addr: addr}, &CreditGrant{Chan: h.Chan, Amount: 2}, 16, nil
	default:
		return nil, nil, 8, nil
	}
}

func handleChanD(h FlitHeader, payload []byte, pos int) (Response, CreditGrant, int, error) {
	var respErr error
	if h.Denied() {
		respErr = ErrUnalignedAccess
	}

	switch h.Opcode {
	case OpcodeAccessAck:
		return Response{Source: h.Source, Err: respErr},
			CreditGrant{Chan: h.Chan, Amount: 1}, 8, nil

	case OpcodeAccessAckData:
		data, flits, err := readData(h, payload, pos+8)
		if err != nil {
			return Response{}, CreditGrant{}, 0, err
		}
		return Response{Source: h.Source, Data: data, Err: respErr},
			CreditGrant{Chan: h.Chan, Amount: 1 + flits}, 8 + int(flits)*8, nil

	case OpcodeGrant:
		if pos+16 > len(payload) {
			return Response{}, CreditGrant{}, 0, &ShortPayloadError{Len: len(payload)}
		}
		sink := uint32(binary.BigEndian.Uint64(payload[pos+8:pos+16]) & sourceMask)
		return Response{Source: h.Source, Sink: sink, Err: respErr},
			CreditGrant{Chan: h.Chan, Amount: 2}, 16, nil

	case OpcodeGrantData:
		if pos+16 > len(payload) {
			return Response{}, CreditGrant{}, 0, &ShortPayloadError{Len: len(payload)}
		}
		sink := uint32(binary.BigEndian.Uint64(payload[pos+8:pos+16]) & sourceMask)
		data, flits, err := readData(h, payload, pos+16)
		if err != nil {
			return Response{}, CreditGrant{}, 0, err
		}
		return Response{Source: h.Source, Sink: sink, Data: data, Err: respErr},
			CreditGrant{Chan: h.Chan, Amount: 2 + flits}, 16 + int(flits)*8, nil

	case OpcodeReleaseAck:
		return Response{Source: h.Source},
			CreditGrant{Chan: h.Chan, Amount: 1}, 8, nil

	default:
		return Response{}, CreditGrant{}, 0, &UnexpectedMessageError{Chan: h.Chan, Opcode: h.Opcode}
	}
}

// readData copies the data body announced by the header's size field.
// Transfers below one flit still occupy a full flit on the wire.
func readData(h FlitHeader, payload []byte, pos int) ([]byte, uint64, error) {
	readBytes := 1 << h.Size
	readFlits := readBytes / 8
	if readFlits == 0 {
		readFlits = 1
	}
	if pos+readBytes > len(payload) {
		return nil, 0, &ShortPayloadError{Len: len(payload)}
	}
	data := make([]byte, readBytes)
	copy(data, payload[pos:pos+readBytes])
	return data, uint64(readFlits), nil
}
