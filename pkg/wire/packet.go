package wire

import "github.com/samsamfire/roce"

// ExtKind discriminates which extension header, if any, follows a BTH. A
// dense enumeration plus a Packet struct carrying one optional field per
// kind stands in for the tagged-variant ParsedPacket described in the
// design notes (§9); Go has no sum type, so unused fields are simply nil.
type ExtKind uint8

const (
	ExtNone ExtKind = iota
	ExtRETH
	ExtRETHImmDt
	ExtImmDt
	ExtIETH
	ExtAtomicETH
	ExtAETH
	ExtAtomicAckETH // only ever paired with AETH, on ATOMIC_ACKNOWLEDGE
)

// extensionFor returns which extension header binds to opcode op on the
// wire (§4.1 "Extension binding by opcode").
//
// RDMA_WRITE_LAST_WITH_IMMEDIATE binds here to RETHImmDt rather than the
// wire-standard ImmDt (RETH belongs on FIRST, not LAST); DESIGN.md records
// this as a deliberate, spec-mandated deviation rather than a defect.
func extensionFor(op roce.Opcode) ExtKind {
	switch op {
	case roce.OpRDMAReadRequest, roce.OpRDMAWriteFirst, roce.OpRDMAWriteOnly:
		return ExtRETH
	case roce.OpRDMAWriteOnlyWithImmediate, roce.OpRDMAWriteLastWithImmediate:
		return ExtRETHImmDt
	case roce.OpSendLastWithImmediate, roce.OpSendOnlyWithImmediate:
		return ExtImmDt
	case roce.OpSendLastWithInvalidate, roce.OpSendOnlyWithInvalidate:
		return ExtIETH
	case roce.OpCompareSwap, roce.OpFetchAdd:
		return ExtAtomicETH
	case roce.OpAcknowledge,
		roce.OpRDMAReadResponseFirst, roce.OpRDMAReadResponseLast, roce.OpRDMAReadResponseOnly:
		return ExtAETH
	case roce.OpAtomicAcknowledge:
		return ExtAETH
	default:
		return ExtNone
	}
}

// Packet is a fully parsed RoCE v2 packet: BTH, its bound extension header
// (at most one populated, two for ATOMIC_ACKNOWLEDGE), and payload.
type Packet struct {
	BTH BTH

	RETH         *RETH
	RETHImmDt    *RETHImmDt
	ImmDt        *ImmDt
	IETH         *IETH
	AtomicETH    *AtomicETH
	AETH         *AETH
	AtomicAckETH *AtomicAckETH // set alongside AETH on ATOMIC_ACKNOWLEDGE

	Payload []byte
}

// extensionBytes serializes whichever extension header Packet carries, in
// on-wire order (AETH before AtomicAckETH for ATOMIC_ACKNOWLEDGE).
func (p Packet) extensionBytes() []byte {
	switch extensionFor(p.BTH.OpCode) {
	case ExtRETH:
		if p.RETH == nil {
			return nil
		}
		b := p.RETH.Encode()
		return b[:]
	case ExtRETHImmDt:
		if p.RETHImmDt == nil {
			return nil
		}
		b := p.RETHImmDt.Encode()
		return b[:]
	case ExtImmDt:
		if p.ImmDt == nil {
			return nil
		}
		b := p.ImmDt.Encode()
		return b[:]
	case ExtIETH:
		if p.IETH == nil {
			return nil
		}
		b := p.IETH.Encode()
		return b[:]
	case ExtAtomicETH:
		if p.AtomicETH == nil {
			return nil
		}
		b := p.AtomicETH.Encode()
		return b[:]
	case ExtAETH:
		if p.AETH == nil {
			return nil
		}
		out := p.AETH.Encode()
		b := out[:]
		if p.BTH.OpCode == roce.OpAtomicAcknowledge && p.AtomicAckETH != nil {
			ack := p.AtomicAckETH.Encode()
			b = append(append([]byte(nil), b...), ack[:]...)
		}
		return b
	default:
		return nil
	}
}
