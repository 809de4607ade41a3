// TileLink flit headers and the permission transition algebra
package ox

// Channel is a TileLink virtual channel. The zero value is invalid, which
// matches the wire encoding where channel 0 marks padding flits.
type Channel uint8

const (
	ChanInvalid Channel = iota
	ChanA
	ChanB
	ChanC
	ChanD
	ChanE
)

func (c Channel) String() string {
	switch c {
	case ChanA:
		return "A"
	case ChanB:
		return "B"
	case ChanC:
		return "C"
	case ChanD:
		return "D"
	case ChanE:
		return "E"
	default:
		return "INVALID"
	}
}

// Perm is a cache line permission level in its cap encoding.
type Perm uint8

const (
	PermTrunk  Perm = 0 // read and write
	PermBranch Perm = 1 // read only
	PermNone   Perm = 2 // invalid
)

func (p Perm) String() string {
	switch p {
	case PermTrunk:
		return "Trunk"
	case PermBranch:
		return "Branch"
	default:
		return "None"
	}
}

// PermFromParam decodes a cap/probe param byte; unknown values map to None.
func PermFromParam(v uint8) Perm {
	switch v {
	case 0:
		return PermTrunk
	case 1:
		return PermBranch
	default:
		return PermNone
	}
}

// Grow is a permission upgrade request on channel A.
type Grow uint8

const (
	GrowNtoB Grow = 0
	GrowNtoT Grow = 1
	GrowBtoT Grow = 2
)

// Prune and report param values for channel C responses.
const (
	PruneTtoB  uint8 = 0
	PruneTtoN  uint8 = 1
	PruneBtoN  uint8 = 2
	ReportTtoT uint8 = 3
	ReportBtoB uint8 = 4
	ReportNtoN uint8 = 5
)

// ResultingPerm gives the permission level a grow request ends up with.
func ResultingPerm(g Grow) Perm {
	if g == GrowNtoB {
		return PermBranch
	}
	return PermTrunk
}

// ReportFromPerm gives the no-change report param for a permission level.
func ReportFromPerm(p Perm) uint8 {
	switch p {
	case PermBranch:
		return ReportBtoB
	case PermTrunk:
		return ReportTtoT
	default:
		return ReportNtoN
	}
}

// PermissionChangeGrow maps a current/requested permission pair to the grow
// param. Pairs other than N->B and N->T fall through to B->T, including
// pairs that make no sense; callers log those at debug level.
func PermissionChangeGrow(cur, request Perm) Grow {
	if cur == PermNone && request == PermBranch {
		return GrowNtoB
	}
	if cur == PermNone && request == PermTrunk {
		return GrowNtoT
	}
	return GrowBtoT
}

// PermissionChange maps a current/requested pair to the channel C param,
// choosing between the prune and report families.
func PermissionChange(cur, request Perm) uint8 {
	switch {
	case cur == request:
		return ReportFromPerm(cur)
	case cur == PermNone:
		return ReportNtoN
	case cur == PermTrunk && request == PermBranch:
		return PruneTtoB
	case cur == PermTrunk && request == PermNone:
		return PruneTtoN
	default:
		return PruneBtoN
	}
}

// Opcodes used by the host side.
const (
	OpcodePutFullData    uint8 = 0 // A
	OpcodePutPartialData uint8 = 1 // A
	OpcodeGet            uint8 = 4 // A
	OpcodeAcquireBlock   uint8 = 6 // A
	OpcodeAcquirePerm    uint8 = 7 // A
	OpcodeProbeBlock     uint8 = 6 // B
	OpcodeProbePerm      uint8 = 7 // B
	OpcodeProbeAck       uint8 = 4 // C
	OpcodeProbeAckData   uint8 = 5 // C
	OpcodeRelease        uint8 = 6 // C
	OpcodeReleaseData    uint8 = 7 // C
	OpcodeAccessAck      uint8 = 0 // D
	OpcodeAccessAckData  uint8 = 1 // D
	OpcodeGrant          uint8 = 4 // D
	OpcodeGrantData      uint8 = 5 // D
	OpcodeReleaseAck     uint8 = 6 // D
)

const sourceMask = (1 << 26) - 1

// FlitHeader is the 64 bit message header used on channels A-D.
type FlitHeader struct {
	Chan   Channel
	Opcode uint8
	Param  uint8
	Size   uint8
	Domain uint8
	Err    uint8
	Source uint32
}

// Denied reports whether the endpoint refused the request.
func (h FlitHeader) Denied() bool {
	return (h.Err>>1)&1 == 1
}

func (h FlitHeader) Encode() uint64 {
	var v uint64
	v |= uint64(h.Chan&0x7) << 60
	v |= uint64(h.Opcode&0x7) << 57
	v |= uint64(h.Param&0xF) << 52
	v |= uint64(h.Size&0xF) << 48
	v |= uint64(h.Domain) << 40
	v |= uint64(h.Err&0x3) << 38
	v |= uint64(h.Source) & sourceMask
	return v
}

func DecodeFlitHeader(v uint64) FlitHeader {
	return FlitHeader{
		Chan:   Channel((v >> 60) & 0x7),
		Opcode: uint8((v >> 57) & 0x7),
		Param:  uint8((v >> 52) & 0xF),
		Size:   uint8((v >> 48) & 0xF),
		Domain: uint8((v >> 40) & 0xFF),
		Err:    uint8((v >> 38) & 0x3),
		Source: uint32(v & sourceMask),
	}
}

// FlitHeaderE is the channel E variant carrying only the sink.
type FlitHeaderE struct {
	Chan Channel
	Sink uint32
}

func (h FlitHeaderE) Encode() uint64 {
	var v uint64
	v |= uint64(h.Chan&0x7) << 60
	v |= uint64(h.Sink) & sourceMask
	return v
}

func DecodeFlitHeaderE(v uint64) FlitHeaderE {
	return FlitHeaderE{
		Chan: Channel((v >> 60) & 0x7),
		Sink: uint32(v & sourceMask),
	}
}
