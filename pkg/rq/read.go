package rq

import (
	"github.com/samsamfire/roce"
	"github.com/samsamfire/roce/pkg/mr"
	"github.com/samsamfire/roce/pkg/wire"
)

// handleRead generates and sends the full sequence of read-response packets
// for an inbound RDMA_READ_REQUEST, per §4.4 "Read-request handling". When
// advance is false (a duplicate replay, §4.4 "Duplicate request handling"),
// the responses are regenerated fresh from current MR contents but rq_psn
// and msn are left untouched, since no new request was actually processed.
func (r *RQ) handleRead(pkt wire.Packet, advance bool) error {
	if pkt.RETH == nil {
		if advance {
			r.NakInvalidRequest(pkt.BTH.PSN)
		}
		return nil
	}
	region, err := r.pd.ByRKey(pkt.RETH.RKey)
	if err != nil {
		if advance {
			r.NakRemoteAccess(pkt.BTH.PSN)
		}
		return nil
	}
	if err := region.Require(roce.AccessRemoteRead); err != nil {
		if advance {
			r.NakRemoteAccess(pkt.BTH.PSN)
		}
		return nil
	}

	dlen := pkt.RETH.DLen
	va := pkt.RETH.VA
	reqPSN := pkt.BTH.PSN
	n := segmentCount(int(dlen), int(r.pmtu))

	msn := r.msn
	if advance {
		msn++
	}

	packets, err := r.buildReadResponses(region, va, dlen, reqPSN, msn)
	if err != nil {
		if advance {
			r.NakRemoteAccess(pkt.BTH.PSN)
		}
		return nil
	}
	for _, raw := range packets {
		_ = r.transport.Send(raw)
	}

	if advance {
		r.msn = msn
		r.rqPSN = reqPSN.Add(uint32(n))
	}
	return nil
}

func readResponseOpcodeFor(pos roce.Position) roce.Opcode {
	switch pos {
	case roce.PositionFirst:
		return roce.OpRDMAReadResponseFirst
	case roce.PositionMiddle:
		return roce.OpRDMAReadResponseMiddle
	case roce.PositionLast:
		return roce.OpRDMAReadResponseLast
	default:
		return roce.OpRDMAReadResponseOnly
	}
}

// buildReadResponses segments [va, va+dlen) from region into pmtu-sized
// read-response packets starting at startPSN. FIRST/ONLY/LAST carry
// AETH(ACK, credit=31, msn); MIDDLE carries none (§4.4).
func (r *RQ) buildReadResponses(region *mr.Region, va uint64, dlen uint32, startPSN roce.PSN, msn uint32) ([]roce.RawPacket, error) {
	pmtu := int(r.pmtu)
	n := segmentCount(int(dlen), pmtu)
	out := make([]roce.RawPacket, 0, n)
	psn := startPSN

	for i := 0; i < n; i++ {
		lo := i * pmtu
		hi := lo + pmtu
		if hi > int(dlen) {
			hi = int(dlen)
		}
		data, err := region.ReadAt(va+uint64(lo), uint64(hi-lo))
		if err != nil {
			return nil, err
		}

		pos := positionOf(i, n)
		pkt := wire.Packet{
			BTH:     wire.BTH{OpCode: readResponseOpcodeFor(pos), DestQPN: r.dstQPN, PSN: psn},
			Payload: data,
		}
		if pos != roce.PositionMiddle {
			pkt.AETH = &wire.AETH{Code: roce.AETHCodeACK, Value: 31, MSN: msn}
		}

		raw, err := wire.Encode(pkt, r.src, r.dst)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
		psn = psn.Next()
	}
	return out, nil
}
