package rq

import (
	"github.com/samsamfire/roce"
	"github.com/samsamfire/roce/pkg/wire"
)

// handleAtomic executes one COMPARE_SWAP or FETCH_ADD request against the
// destination MR's 8-byte word and replies with ATOMIC_ACKNOWLEDGE carrying
// the pre-operation value, per §4.4 "Atomic request handling". The response
// is always cached, since any subsequent duplicate must be answered with
// the same pre-operation value rather than by re-running the operation.
func (r *RQ) handleAtomic(pkt wire.Packet) error {
	if pkt.AtomicETH == nil {
		r.NakInvalidRequest(pkt.BTH.PSN)
		return nil
	}
	region, err := r.pd.ByRKey(pkt.AtomicETH.RKey)
	if err != nil {
		r.NakRemoteAccess(pkt.BTH.PSN)
		return nil
	}
	if err := region.Require(roce.AccessRemoteAtomic); err != nil {
		r.NakRemoteAccess(pkt.BTH.PSN)
		return nil
	}
	if !region.AlignedAt8(pkt.AtomicETH.VA) {
		r.NakInvalidRequest(pkt.BTH.PSN)
		return nil
	}

	orig, err := region.Uint64At(pkt.AtomicETH.VA)
	if err != nil {
		r.NakRemoteAccess(pkt.BTH.PSN)
		return nil
	}

	var result uint64
	switch pkt.BTH.OpCode {
	case roce.OpCompareSwap:
		result = orig
		if orig == pkt.AtomicETH.Comp {
			result = pkt.AtomicETH.Swap
		}
	case roce.OpFetchAdd:
		result = orig + pkt.AtomicETH.Comp
	}
	if err := region.PutUint64At(pkt.AtomicETH.VA, result); err != nil {
		r.NakRemoteAccess(pkt.BTH.PSN)
		return nil
	}

	r.msn++
	r.rqPSN = r.rqPSN.Next()

	ack := wire.Packet{
		BTH:          wire.BTH{OpCode: roce.OpAtomicAcknowledge, DestQPN: r.dstQPN, PSN: pkt.BTH.PSN},
		AETH:         &wire.AETH{Code: roce.AETHCodeACK, Value: 31, MSN: r.msn},
		AtomicAckETH: &wire.AtomicAckETH{Orig: orig},
	}
	raw, err := wire.Encode(ack, r.src, r.dst)
	if err != nil {
		return nil
	}
	_ = r.transport.Send(raw)
	r.cacheAtomic(pkt.BTH.PSN, raw, pkt.AtomicETH.Comp, pkt.AtomicETH.Swap)
	return nil
}
