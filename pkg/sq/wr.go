package sq

import "github.com/samsamfire/roce"

// SGE is a scatter/gather entry (§3); an alias of roce.SGE so callers can
// write either sq.SGE or roce.SGE interchangeably.
type SGE = roce.SGE

func totalLength(sg []SGE) uint32 { return roce.TotalLength(sg) }

// WorkRequest is a posted Send-WR (§3).
type WorkRequest struct {
	WRID     uint64
	Opcode   roce.WROpcode
	SG       []SGE
	Flags    roce.SendFlags
	RemoteVA uint64
	RKey     uint32

	// ImmOrInvRKey carries the immediate value for a *_WITH_IMM opcode, or
	// the rkey the peer should invalidate for SEND_WITH_INV. ImmValid
	// distinguishes "immediate is 0" from "no immediate given", since §4.3
	// requires an immediate be present, not merely non-zero.
	ImmOrInvRKey uint32
	ImmValid     bool

	// Compare and Swap carry AtomicETH's comp/swap operands for
	// COMPARE_SWAP; Compare alone is the addend for FETCH_ADD.
	Compare uint64
	Swap    uint64
}
