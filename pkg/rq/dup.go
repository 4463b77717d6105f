package rq

import (
	"github.com/samsamfire/roce"
	"github.com/samsamfire/roce/pkg/wire"
)

func (r *RQ) cacheResponse(psn roce.PSN, raw roce.RawPacket) {
	r.dupCache[psn] = &dupEntry{raw: raw, kind: dupSendOrWrite}
}

func (r *RQ) cacheAtomic(psn roce.PSN, raw roce.RawPacket, comp, swap uint64) {
	r.dupCache[psn] = &dupEntry{raw: raw, kind: dupAtomic, atomicComp: comp, atomicSwap: swap}
}

// replayCached resends the ACK cached for a SEND or WRITE message's
// terminal packet, with its BTH.psn patched to rq_psn-1, the last PSN this
// RQ has actually processed, per §4.4 "Duplicate request handling".
func (r *RQ) replayCached(psn roce.PSN) error {
	e, ok := r.dupCache[psn]
	if !ok {
		return nil
	}
	if r.metrics != nil {
		r.metrics.Duplicates.Inc()
	}
	r.patchAndResend(e.raw, r.rqPSN.Prev())
	return nil
}

// replayAtomicIfMatches resends a cached ATOMIC_ACKNOWLEDGE only if the
// duplicate's operands match the original request; a mismatch means this
// PSN was reused for a different atomic operation, which §4.4 treats as a
// remote-access violation left to responder discretion, so it is dropped
// rather than replayed.
func (r *RQ) replayAtomicIfMatches(pkt wire.Packet) error {
	e, ok := r.dupCache[pkt.BTH.PSN]
	if !ok || e.kind != dupAtomic {
		return nil
	}
	if pkt.AtomicETH == nil || e.atomicComp != pkt.AtomicETH.Comp || e.atomicSwap != pkt.AtomicETH.Swap {
		return nil
	}
	if r.metrics != nil {
		r.metrics.Duplicates.Inc()
	}
	return r.transport.Send(e.raw)
}

func (r *RQ) patchAndResend(raw roce.RawPacket, newPSN roce.PSN) {
	pkt, err := wire.Decode(raw, r.src, r.dst)
	if err != nil {
		return
	}
	pkt.BTH.PSN = newPSN
	out, err := wire.Encode(pkt, r.src, r.dst)
	if err != nil {
		return
	}
	_ = r.transport.Send(out)
}
