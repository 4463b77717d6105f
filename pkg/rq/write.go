package rq

import (
	"github.com/samsamfire/roce"
	"github.com/samsamfire/roce/pkg/cq"
	"github.com/samsamfire/roce/pkg/wire"
)

// handleWrite lands one packet of an RDMA WRITE message directly into the
// destination MR named by its FIRST/ONLY packet's RETH/RETHImmDt, per §4.4
// "Write-request handling". A WITH_IMM write additionally consumes one
// posted Recv-WR and pushes a CQE on its terminal packet.
func (r *RQ) handleWrite(pkt wire.Packet) error {
	op := pkt.BTH.OpCode
	if op.IsFirstOrOnly() {
		var va uint64
		var rkey uint32
		var dlen uint32
		var imm uint32
		withImm := false
		switch {
		case pkt.RETHImmDt != nil:
			va, rkey, dlen, imm = pkt.RETHImmDt.VA, pkt.RETHImmDt.RKey, pkt.RETHImmDt.DLen, pkt.RETHImmDt.Imm
			withImm = true
		case pkt.RETH != nil:
			va, rkey, dlen = pkt.RETH.VA, pkt.RETH.RKey, pkt.RETH.DLen
		default:
			r.NakInvalidRequest(pkt.BTH.PSN)
			return nil
		}
		region, err := r.pd.ByRKey(rkey)
		if err != nil {
			r.NakRemoteAccess(pkt.BTH.PSN)
			return nil
		}
		if err := region.Require(roce.AccessRemoteWrite); err != nil {
			r.NakRemoteAccess(pkt.BTH.PSN)
			return nil
		}
		r.writeCtx = &writeAssembly{region: region, base: va, dlen: dlen, withImm: withImm, imm: imm}
	}

	ctx := r.writeCtx
	if ctx == nil {
		return nil
	}
	// RDMA_WRITE_LAST_WITH_IMMEDIATE carries RETHImmDt on the LAST packet,
	// not the FIRST (see the wire package's extension-binding deviation), so
	// the immediate only becomes known here rather than at ctx creation.
	if pkt.RETHImmDt != nil {
		ctx.withImm = true
		ctx.imm = pkt.RETHImmDt.Imm
	}
	if len(pkt.Payload) > 0 {
		if err := ctx.region.WriteAt(ctx.base+uint64(ctx.offset), pkt.Payload); err != nil {
			r.NakRemoteAccess(pkt.BTH.PSN)
			r.writeCtx = nil
			r.rqPSN = r.rqPSN.Next()
			return nil
		}
		ctx.offset += uint32(len(pkt.Payload))
	}
	r.rqPSN = r.rqPSN.Next()

	if op.IsLastOrOnly() {
		r.msn++
		if ctx.withImm {
			if len(r.recvQueue) == 0 {
				r.writeCtx = nil
				r.NakRNR(pkt.BTH.PSN)
				return nil
			}
			wr := r.recvQueue[0]
			r.recvQueue = r.recvQueue[1:]
			r.cq.Push(cq.CQE{
				WRID:      wr.WRID,
				Status:    roce.StatusSuccess,
				Opcode:    roce.CompRecvRDMAWithImm,
				Length:    ctx.offset,
				LocalQPN:  r.qpn,
				SrcQPN:    r.dstQPN,
				WithImm:   true,
				Immediate: ctx.imm,
			})
		}
		r.writeCtx = nil
		r.ackIfRequested(pkt)
	}
	return nil
}
