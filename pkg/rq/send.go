package rq

import (
	"github.com/samsamfire/roce"
	"github.com/samsamfire/roce/pkg/cq"
	"github.com/samsamfire/roce/pkg/wire"
)

// handleSend lands one packet of a SEND message into the head of the posted
// Recv-WR queue, per §4.4 "Send-request handling". FIRST/ONLY pops a new
// Recv-WR (an RNR NAK if the queue is empty); LAST/ONLY pushes the CQE.
func (r *RQ) handleSend(pkt wire.Packet) error {
	op := pkt.BTH.OpCode
	if op.IsFirstOrOnly() {
		if len(r.recvQueue) == 0 {
			r.NakRNR(pkt.BTH.PSN)
			return nil
		}
		wr := r.recvQueue[0]
		r.recvQueue = r.recvQueue[1:]
		r.sendCtx = &sendAssembly{wr: wr}
	}

	ctx := r.sendCtx
	if ctx == nil {
		return nil
	}
	if len(pkt.Payload) > 0 {
		if err := r.scatterInto(ctx.wr.SG, ctx.offset, pkt.Payload); err != nil {
			r.log().WithError(err).Warn("failed to land SEND payload")
		} else {
			ctx.offset += uint32(len(pkt.Payload))
		}
	}
	r.rqPSN = r.rqPSN.Next()

	if op.IsLastOrOnly() {
		r.msn++
		e := cq.CQE{
			WRID:     ctx.wr.WRID,
			Status:   roce.StatusSuccess,
			Opcode:   roce.CompRecv,
			Length:   ctx.offset,
			LocalQPN: r.qpn,
			SrcQPN:   r.dstQPN,
		}
		if op.HasImmediate() && pkt.ImmDt != nil {
			e.WithImm = true
			e.Immediate = pkt.ImmDt.Data
		}
		if op.HasInvalidate() && pkt.IETH != nil {
			e.WithInv = true
			e.InvRKey = pkt.IETH.RKey
		}
		r.cq.Push(e)
		r.sendCtx = nil
		r.ackIfRequested(pkt)
	}
	return nil
}

// ackIfRequested replies with a coalesced ACK when the requester set ackreq
// on the terminal packet of a SEND or WRITE message, and caches the reply so
// a retransmitted duplicate of that same packet can be answered without
// re-executing it (§4.4 "Duplicate request handling").
func (r *RQ) ackIfRequested(pkt wire.Packet) {
	if !pkt.BTH.AckReq {
		return
	}
	ack := wire.Packet{
		BTH:  wire.BTH{OpCode: roce.OpAcknowledge, DestQPN: r.dstQPN, PSN: pkt.BTH.PSN},
		AETH: &wire.AETH{Code: roce.AETHCodeACK, Value: 31, MSN: r.msn},
	}
	raw, err := wire.Encode(ack, r.src, r.dst)
	if err != nil {
		return
	}
	_ = r.transport.Send(raw)
	r.cacheResponse(pkt.BTH.PSN, raw)
}
