package sq

import (
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/samsamfire/roce"
	"github.com/samsamfire/roce/pkg/cq"
	"github.com/samsamfire/roce/pkg/wire"
)

type responseClass uint8

const (
	responseExpected responseClass = iota
	responseDuplicate
	responseGhost
	responseIllegal
)

// classify implements the expected/duplicate/ghost/illegal rule of §4.3
// "Response handling".
func (s *SQ) classify(psn roce.PSN) responseClass {
	if s.minUnackedPSN == s.sqPSN {
		return responseGhost
	}
	curMax := s.sqPSN
	if roce.Compare(psn, s.minUnackedPSN, curMax) >= 0 && roce.Compare(psn, s.sqPSN, curMax) < 0 {
		return responseExpected
	}
	if roce.Compare(psn, s.minUnackedPSN, curMax) < 0 {
		return responseDuplicate
	}
	return responseIllegal
}

// HandleResponse processes one inbound packet that the QP facade has
// dispatched to the send side (i.e. pkt.BTH.OpCode.IsResponse()).
func (s *SQ) HandleResponse(pkt wire.Packet) error {
	psn := pkt.BTH.PSN
	switch s.classify(psn) {
	case responseDuplicate:
		if psn.Next() == s.minUnackedPSN && pkt.AETH != nil && pkt.AETH.Code == roce.AETHCodeACK {
			s.log().Debug("duplicate ACK carries unsolicited flow-control credit")
		}
		return nil
	case responseGhost, responseIllegal:
		return nil
	}

	if gap := s.coalesce(psn); gap {
		return nil
	}

	switch {
	case pkt.BTH.OpCode == roce.OpAcknowledge:
		return s.handleAck(pkt)
	case pkt.BTH.OpCode == roce.OpRDMAReadResponseFirst,
		pkt.BTH.OpCode == roce.OpRDMAReadResponseOnly,
		pkt.BTH.OpCode == roce.OpRDMAReadResponseMiddle,
		pkt.BTH.OpCode == roce.OpRDMAReadResponseLast:
		return s.handleReadResponse(pkt)
	case pkt.BTH.OpCode == roce.OpAtomicAcknowledge:
		return s.handleAtomicAck(pkt)
	}
	return nil
}

// coalesce sweeps retained packets in [minUnackedPSN, psn), completing
// finished send/write WRs and stopping at the first read/atomic gap, which
// it treats as an implicit NAK and retries from (§4.3 step 1). It reports
// whether it stopped early on such a gap.
func (s *SQ) coalesce(psn roce.PSN) bool {
	for _, p := range roce.Range(s.minUnackedPSN, psn) {
		rp, ok := s.retained[p]
		if !ok {
			continue
		}
		if rp.opcode == roce.OpRDMAReadRequest || rp.opcode.IsAtomic() {
			s.retrySequenceFrom(p)
			return true
		}
		if rp.opcode.IsLastOrOnly() && (rp.opcode.IsSend() || rp.opcode.IsWrite()) {
			s.completeSSN(rp.ssn, roce.StatusSuccess, 0)
			delete(s.retained, p)
		}
	}
	return false
}

func (s *SQ) completionFor(wr *WorkRequest, status roce.CompletionStatus, length uint32) cq.CQE {
	e := cq.CQE{WRID: wr.WRID, Status: status, LocalQPN: s.qpn, SrcQPN: s.dstQPN}
	switch {
	case wr.Opcode.IsSend():
		e.Opcode = roce.CompSend
		e.Length = totalLength(wr.SG)
	case wr.Opcode.IsWrite():
		e.Opcode = roce.CompRDMAWrite
		e.Length = totalLength(wr.SG)
	case wr.Opcode.IsRead():
		e.Opcode = roce.CompRDMARead
		e.Length = length
	case wr.Opcode == roce.WRCompareSwap:
		e.Opcode = roce.CompCompareSwap
		e.Length = 8
	case wr.Opcode == roce.WRFetchAdd:
		e.Opcode = roce.CompFetchAdd
		e.Length = 8
	}
	return e
}

func (s *SQ) completeSSN(ssn uint32, status roce.CompletionStatus, length uint32) {
	ws, ok := s.wrTable[ssn]
	if !ok {
		return
	}
	s.cq.Push(s.completionFor(ws.wr, status, length))
	delete(s.wrTable, ssn)
}

func (s *SQ) handleAck(pkt wire.Packet) error {
	psn := pkt.BTH.PSN
	switch pkt.AETH.Code {
	case roce.AETHCodeACK:
		if rp, ok := s.retained[psn]; ok {
			s.completeSSN(rp.ssn, roce.StatusSuccess, 0)
			delete(s.retained, psn)
			delete(s.rnrAttempts, psn)
		}
		s.minUnackedPSN = psn.Next()
		return nil
	case roce.AETHCodeRNR:
		if s.metrics != nil {
			s.metrics.RNRRetries.Inc()
		}
		attempt := s.rnrAttempts[psn]
		s.rnrAttempts[psn] = attempt + 1
		time.Sleep(RNRDelay(attempt))
		s.retryOne(psn)
		return nil
	case roce.AETHCodeNAK:
		if s.metrics != nil {
			s.metrics.NAKs.WithLabelValues(fmt.Sprintf("%d", pkt.AETH.Value)).Inc()
		}
		if pkt.AETH.Value == roce.NAKSequenceError {
			if s.metrics != nil {
				s.metrics.SeqRetries.Inc()
			}
			s.retrySequenceFrom(psn)
			return nil
		}
		status, fatal := roce.NAKToStatus(pkt.AETH.Value)
		if !fatal {
			return nil
		}
		s.state = roce.QPStateErr
		var excludeSSN uint32
		if rp, ok := s.retained[psn]; ok {
			s.completeSSN(rp.ssn, status, 0)
			excludeSSN = rp.ssn
			delete(s.retained, psn)
			delete(s.rnrAttempts, psn)
		}
		s.flushInError(excludeSSN)
		return nil
	}
	return nil
}

// retryOne resends the retained packet at psn unmodified, without
// re-storing it (§4.3 "RNR (1)").
func (s *SQ) retryOne(psn roce.PSN) {
	if rp, ok := s.retained[psn]; ok {
		_ = s.send(rp.raw)
	}
}

// retrySequenceFrom resends every retained packet with PSN >= psn, or, if
// psn falls inside a still-open read-response context, rebuilds a narrowed
// read request from the bytes already received (§4.3 "NAK, value = 0").
func (s *SQ) retrySequenceFrom(psn roce.PSN) {
	if _, ok := s.retained[psn]; !ok {
		if s.readCtx != nil {
			s.retryPartialRead(psn)
		}
		return
	}
	psns := make([]roce.PSN, 0, len(s.retained))
	for p := range s.retained {
		if roce.Compare(p, psn, s.sqPSN) >= 0 {
			psns = append(psns, p)
		}
	}
	sort.Slice(psns, func(i, j int) bool { return roce.Compare(psns[i], psns[j], s.sqPSN) < 0 })
	for _, p := range psns {
		_ = s.send(s.retained[p].raw)
	}
}

func (s *SQ) retryPartialRead(psn roce.PSN) {
	ctx := s.readCtx
	ws, ok := s.wrTable[ctx.ssn]
	if !ok {
		return
	}
	remaining := ctx.dlen - ctx.written
	pkt := wire.Packet{
		BTH:  s.buildBTH(roce.OpRDMAReadRequest, psn, true, false),
		RETH: &wire.RETH{VA: ws.wr.RemoteVA + uint64(ctx.written), RKey: ws.wr.RKey, DLen: remaining},
	}
	raw, err := wire.Encode(pkt, s.src, s.dst)
	if err != nil {
		return
	}
	s.retain(psn, raw, roce.OpRDMAReadRequest, ctx.ssn)
	_ = s.send(raw)
	ctx.reqPSN = psn
}

func (s *SQ) handleReadResponse(pkt wire.Packet) error {
	op := pkt.BTH.OpCode
	if op == roce.OpRDMAReadResponseFirst || op == roce.OpRDMAReadResponseOnly {
		s.startReadResponse(pkt)
	}
	return s.appendReadResponse(pkt)
}

func (s *SQ) startReadResponse(pkt wire.Packet) {
	rp, ok := s.retained[pkt.BTH.PSN]
	if !ok || rp.opcode != roce.OpRDMAReadRequest {
		return
	}
	// A FIRST/ONLY response to a narrowed retry (retryPartialRead) shares
	// the original read's ssn; the context it resumes already tracks how
	// much of the message landed before the retry, so only its reqPSN
	// moves — rebuilding from the work request here would reset written
	// and dlen to the original, untruncated request.
	if s.readCtx != nil && s.readCtx.ssn == rp.ssn {
		s.readCtx.reqPSN = pkt.BTH.PSN
		return
	}
	ws, ok := s.wrTable[rp.ssn]
	if !ok || len(ws.wr.SG) == 0 {
		return
	}
	region, err := s.pd.ByLKey(ws.wr.SG[0].LKey)
	if err != nil {
		s.completeSSN(rp.ssn, roce.StatusLocProtErr, 0)
		return
	}
	s.readCtx = &readResponseContext{
		region: region,
		base:   ws.wr.SG[0].Addr,
		dlen:   ws.wr.SG[0].Length,
		wrID:   ws.wr.WRID,
		ssn:    rp.ssn,
		reqPSN: pkt.BTH.PSN,
	}
}

func (s *SQ) appendReadResponse(pkt wire.Packet) error {
	ctx := s.readCtx
	if ctx == nil {
		return nil
	}
	if len(pkt.Payload) > 0 {
		if err := ctx.region.WriteAt(ctx.base+uint64(ctx.written), pkt.Payload); err != nil {
			s.completeSSN(ctx.ssn, roce.StatusLocProtErr, 0)
			delete(s.retained, ctx.reqPSN)
			s.readCtx = nil
			return nil
		}
		ctx.written += uint32(len(pkt.Payload))
	}

	last := pkt.BTH.OpCode == roce.OpRDMAReadResponseLast || pkt.BTH.OpCode == roce.OpRDMAReadResponseOnly
	if !last {
		return nil
	}

	status := roce.StatusSuccess
	if ctx.written != ctx.dlen {
		status = roce.StatusLocLenErr
	}
	s.completeSSN(ctx.ssn, status, ctx.written)
	delete(s.retained, ctx.reqPSN)
	s.readCtx = nil
	s.minUnackedPSN = pkt.BTH.PSN.Next()
	return nil
}

func (s *SQ) handleAtomicAck(pkt wire.Packet) error {
	rp, ok := s.retained[pkt.BTH.PSN]
	if !ok {
		return nil
	}
	ws, ok := s.wrTable[rp.ssn]
	if !ok || len(ws.wr.SG) == 0 {
		return nil
	}

	status := roce.StatusSuccess
	if pkt.AtomicAckETH != nil {
		region, err := s.pd.ByLKey(ws.wr.SG[0].LKey)
		if err != nil {
			status = roce.StatusLocProtErr
		} else {
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], pkt.AtomicAckETH.Orig)
			if err := region.WriteAt(ws.wr.SG[0].Addr, buf[:]); err != nil {
				status = roce.StatusLocProtErr
			}
		}
	}

	s.completeSSN(rp.ssn, status, 8)
	delete(s.retained, pkt.BTH.PSN)
	s.minUnackedPSN = pkt.BTH.PSN.Next()
	return nil
}

// flushInError completes every WR still pending or queued with
// WR_FLUSH_ERR, in posting order, excluding excludeSSN which the caller
// already completed with the triggering NAK's status (§4.3, §7 "Flush").
func (s *SQ) flushInError(excludeSSN uint32) {
	ssns := make([]uint32, 0, len(s.wrTable))
	for ssn := range s.wrTable {
		if ssn == excludeSSN {
			continue
		}
		ssns = append(ssns, ssn)
	}
	sort.Slice(ssns, func(i, j int) bool { return ssns[i] < ssns[j] })
	for _, ssn := range ssns {
		s.completeSSN(ssn, roce.StatusWrFlushErr, 0)
		if s.metrics != nil {
			s.metrics.FlushErrors.Inc()
		}
	}
	for _, wr := range s.queued {
		s.cq.Push(s.completionFor(wr, roce.StatusWrFlushErr, 0))
		if s.metrics != nil {
			s.metrics.FlushErrors.Inc()
		}
	}
	s.queued = nil
	s.readCtx = nil
}
