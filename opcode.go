package roce

import "fmt"

// Opcode is the 8-bit BTH opcode. The high 3 bits name the transport family,
// the low 5 bits name the operation within a message (§3). Only the RC
// family is given core semantics here; CNP is emitted but carries no
// message-level semantics.
type Opcode uint8

// Transport family, high 3 bits of Opcode.
type Family uint8

const (
	FamilyRC  Family = 0x00
	FamilyUC  Family = 0x20
	FamilyRD  Family = 0x40
	FamilyUD  Family = 0x60
	FamilyCNP Family = 0x80
	FamilyXRC Family = 0xA0

	familyMask Opcode = 0xE0
	opMask     Opcode = 0x1F
)

// RC family opcodes (§3, §4.1).
const (
	OpSendFirst                  Opcode = Opcode(FamilyRC) | 0x00
	OpSendMiddle                 Opcode = Opcode(FamilyRC) | 0x01
	OpSendLast                   Opcode = Opcode(FamilyRC) | 0x02
	OpSendLastWithImmediate      Opcode = Opcode(FamilyRC) | 0x03
	OpSendOnly                   Opcode = Opcode(FamilyRC) | 0x04
	OpSendOnlyWithImmediate      Opcode = Opcode(FamilyRC) | 0x05
	OpRDMAWriteFirst             Opcode = Opcode(FamilyRC) | 0x06
	OpRDMAWriteMiddle            Opcode = Opcode(FamilyRC) | 0x07
	OpRDMAWriteLast              Opcode = Opcode(FamilyRC) | 0x08
	OpRDMAWriteLastWithImmediate Opcode = Opcode(FamilyRC) | 0x09
	OpRDMAWriteOnly              Opcode = Opcode(FamilyRC) | 0x0a
	OpRDMAWriteOnlyWithImmediate Opcode = Opcode(FamilyRC) | 0x0b
	OpRDMAReadRequest            Opcode = Opcode(FamilyRC) | 0x0c
	OpRDMAReadResponseFirst      Opcode = Opcode(FamilyRC) | 0x0d
	OpRDMAReadResponseMiddle     Opcode = Opcode(FamilyRC) | 0x0e
	OpRDMAReadResponseLast       Opcode = Opcode(FamilyRC) | 0x0f
	OpRDMAReadResponseOnly       Opcode = Opcode(FamilyRC) | 0x10
	OpAcknowledge                Opcode = Opcode(FamilyRC) | 0x11
	OpAtomicAcknowledge          Opcode = Opcode(FamilyRC) | 0x12
	OpCompareSwap                Opcode = Opcode(FamilyRC) | 0x13
	OpFetchAdd                   Opcode = Opcode(FamilyRC) | 0x14
	OpResync                     Opcode = Opcode(FamilyRC) | 0x15
	OpSendLastWithInvalidate     Opcode = Opcode(FamilyRC) | 0x16
	OpSendOnlyWithInvalidate     Opcode = Opcode(FamilyRC) | 0x17

	// OpCNP is emitted as a standalone congestion-notification marker; it is
	// not part of the RC message opcode space and carries no BTH extension.
	OpCNP Opcode = 0x81
)

var opcodeNames = map[Opcode]string{
	OpSendFirst:                  "SEND_FIRST",
	OpSendMiddle:                 "SEND_MIDDLE",
	OpSendLast:                   "SEND_LAST",
	OpSendLastWithImmediate:      "SEND_LAST_WITH_IMMEDIATE",
	OpSendOnly:                   "SEND_ONLY",
	OpSendOnlyWithImmediate:      "SEND_ONLY_WITH_IMMEDIATE",
	OpRDMAWriteFirst:             "RDMA_WRITE_FIRST",
	OpRDMAWriteMiddle:            "RDMA_WRITE_MIDDLE",
	OpRDMAWriteLast:              "RDMA_WRITE_LAST",
	OpRDMAWriteLastWithImmediate: "RDMA_WRITE_LAST_WITH_IMMEDIATE",
	OpRDMAWriteOnly:              "RDMA_WRITE_ONLY",
	OpRDMAWriteOnlyWithImmediate: "RDMA_WRITE_ONLY_WITH_IMMEDIATE",
	OpRDMAReadRequest:            "RDMA_READ_REQUEST",
	OpRDMAReadResponseFirst:      "RDMA_READ_RESPONSE_FIRST",
	OpRDMAReadResponseMiddle:     "RDMA_READ_RESPONSE_MIDDLE",
	OpRDMAReadResponseLast:       "RDMA_READ_RESPONSE_LAST",
	OpRDMAReadResponseOnly:       "RDMA_READ_RESPONSE_ONLY",
	OpAcknowledge:                "ACKNOWLEDGE",
	OpAtomicAcknowledge:          "ATOMIC_ACKNOWLEDGE",
	OpCompareSwap:                "COMPARE_SWAP",
	OpFetchAdd:                   "FETCH_ADD",
	OpResync:                     "RESYNC",
	OpSendLastWithInvalidate:     "SEND_LAST_WITH_INVALIDATE",
	OpSendOnlyWithInvalidate:     "SEND_ONLY_WITH_INVALIDATE",
	OpCNP:                        "CNP",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Opcode(0x%02x)", uint8(o))
}

// Family returns the transport family encoded in the high 3 bits.
func (o Opcode) Family() Family {
	if o == OpCNP {
		return FamilyCNP
	}
	return Family(o & familyMask)
}

// IsRC reports whether o belongs to the reliable-connected family, the only
// family given core semantics.
func (o Opcode) IsRC() bool { return o != OpCNP && o.Family() == FamilyRC }

// Position classifies where a multi-packet message opcode falls.
type Position uint8

const (
	PositionNone Position = iota
	PositionFirst
	PositionMiddle
	PositionLast
	PositionOnly
)

func (p Position) String() string {
	switch p {
	case PositionFirst:
		return "FIRST"
	case PositionMiddle:
		return "MIDDLE"
	case PositionLast:
		return "LAST"
	case PositionOnly:
		return "ONLY"
	default:
		return "NONE"
	}
}

// IsSend reports whether o is any SEND_* opcode.
func (o Opcode) IsSend() bool {
	switch o {
	case OpSendFirst, OpSendMiddle, OpSendLast, OpSendLastWithImmediate,
		OpSendOnly, OpSendOnlyWithImmediate, OpSendLastWithInvalidate,
		OpSendOnlyWithInvalidate:
		return true
	default:
		return false
	}
}

// IsWrite reports whether o is any RDMA_WRITE_* opcode.
func (o Opcode) IsWrite() bool {
	switch o {
	case OpRDMAWriteFirst, OpRDMAWriteMiddle, OpRDMAWriteLast,
		OpRDMAWriteLastWithImmediate, OpRDMAWriteOnly,
		OpRDMAWriteOnlyWithImmediate:
		return true
	default:
		return false
	}
}

// IsReadResponse reports whether o is any RDMA_READ_RESPONSE_* opcode.
func (o Opcode) IsReadResponse() bool {
	switch o {
	case OpRDMAReadResponseFirst, OpRDMAReadResponseMiddle,
		OpRDMAReadResponseLast, OpRDMAReadResponseOnly:
		return true
	default:
		return false
	}
}

// IsAtomic reports whether o is an atomic request (COMPARE_SWAP, FETCH_ADD).
func (o Opcode) IsAtomic() bool {
	return o == OpCompareSwap || o == OpFetchAdd
}

// IsRequest reports whether o is sent by a requester to a responder: send,
// write, read-request, or atomic-request opcodes.
func (o Opcode) IsRequest() bool {
	return o.IsSend() || o.IsWrite() || o == OpRDMAReadRequest || o.IsAtomic()
}

// IsResponse reports whether o is sent by a responder to a requester.
func (o Opcode) IsResponse() bool {
	return o == OpAcknowledge || o == OpAtomicAcknowledge || o.IsReadResponse()
}

// Position classifies o's place within a segmented message. Opcodes that are
// not part of a segmented family (read request, atomic, ack) report
// PositionNone.
func (o Opcode) Position() Position {
	switch o {
	case OpSendFirst, OpRDMAWriteFirst, OpRDMAReadResponseFirst:
		return PositionFirst
	case OpSendMiddle, OpRDMAWriteMiddle, OpRDMAReadResponseMiddle:
		return PositionMiddle
	case OpSendLast, OpSendLastWithImmediate, OpSendLastWithInvalidate,
		OpRDMAWriteLast, OpRDMAWriteLastWithImmediate, OpRDMAReadResponseLast:
		return PositionLast
	case OpSendOnly, OpSendOnlyWithImmediate, OpSendOnlyWithInvalidate,
		OpRDMAWriteOnly, OpRDMAWriteOnlyWithImmediate, OpRDMAReadResponseOnly:
		return PositionOnly
	default:
		return PositionNone
	}
}

// IsFirstOrOnly reports whether o begins a request message.
func (o Opcode) IsFirstOrOnly() bool {
	p := o.Position()
	return p == PositionFirst || p == PositionOnly
}

// IsLastOrOnly reports whether o concludes a request message.
func (o Opcode) IsLastOrOnly() bool {
	p := o.Position()
	return p == PositionLast || p == PositionOnly
}

// HasImmediate reports whether o carries an ImmDt/RETHImmDt immediate value.
func (o Opcode) HasImmediate() bool {
	switch o {
	case OpSendLastWithImmediate, OpSendOnlyWithImmediate,
		OpRDMAWriteLastWithImmediate, OpRDMAWriteOnlyWithImmediate:
		return true
	default:
		return false
	}
}

// HasInvalidate reports whether o carries an IETH invalidate rkey.
func (o Opcode) HasInvalidate() bool {
	return o == OpSendLastWithInvalidate || o == OpSendOnlyWithInvalidate
}

// EndsMessage reports whether o is the last opcode of a message for the
// purpose of the previous/current opcode legality check (§4.4): a last/only
// send or write, an atomic request, an ack, or a read-last/only.
func (o Opcode) EndsMessage() bool {
	return o.IsLastOrOnly() || o.IsAtomic() || o == OpAcknowledge ||
		o == OpAtomicAcknowledge || o == OpRDMAReadResponseLast || o == OpRDMAReadResponseOnly
}
