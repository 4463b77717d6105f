// Package sq implements the send queue: request segmentation, PSN
// assignment, and peer-response handling for the reliable-connected
// requester pipeline (§2 item 6, §4.3).
package sq

import (
	log "github.com/sirupsen/logrus"

	"github.com/samsamfire/roce"
	"github.com/samsamfire/roce/pkg/cq"
	"github.com/samsamfire/roce/pkg/metrics"
	"github.com/samsamfire/roce/pkg/mr"
	"github.com/samsamfire/roce/pkg/wire"
)

type retainedPacket struct {
	raw    roce.RawPacket
	opcode roce.Opcode
	ssn    uint32
}

type wrState struct {
	wr       *WorkRequest
	firstPSN roce.PSN
	lastPSN  roce.PSN
}

// readResponseContext is held on the requester while a multi-packet read
// response is being assembled (§3 "Read-response context").
type readResponseContext struct {
	region  *mr.Region
	base    uint64
	dlen    uint32
	written uint32
	wrID    uint64
	ssn     uint32
	reqPSN  roce.PSN
}

// SQ is one queue pair's send-queue state (§3 "SQ state").
type SQ struct {
	qpn    uint32
	dstQPN uint32
	state  roce.QPState
	pmtu   roce.PMTU
	access roce.AccessFlags

	pd        *mr.PD
	cq        *cq.CQ
	transport roce.Transport
	src, dst  wire.Endpoint
	metrics   *metrics.Metrics

	sqPSN         roce.PSN
	ssn           uint32
	minUnackedPSN roce.PSN

	queued      []*WorkRequest
	wrTable     map[uint32]*wrState
	retained    map[roce.PSN]*retainedPacket
	readCtx     *readResponseContext
	rnrAttempts map[roce.PSN]int
}

// New allocates an SQ bound to qpn, using pd to resolve local memory
// regions, pushing completions to the given CQ, and framing/sending packets
// through transport between src and dst.
func New(qpn uint32, pd *mr.PD, cq *cq.CQ, transport roce.Transport, src, dst wire.Endpoint) *SQ {
	return &SQ{
		qpn:         qpn,
		pd:          pd,
		cq:          cq,
		transport:   transport,
		src:         src,
		dst:         dst,
		wrTable:     make(map[uint32]*wrState),
		retained:    make(map[roce.PSN]*retainedPacket),
		rnrAttempts: make(map[roce.PSN]int),
	}
}

// SetMetrics attaches Prometheus instrumentation; nil disables it.
func (s *SQ) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// Configure applies modify_qp fields relevant to the send side (§6).
func (s *SQ) Configure(pmtu roce.PMTU, dstQPN uint32, access roce.AccessFlags) {
	s.pmtu = pmtu
	s.dstQPN = dstQPN
	s.access = access
}

// Start moves the SQ into RTS with the given initial PSN (§4.4 "RTR → RTS").
func (s *SQ) Start(sqPSN roce.PSN) {
	s.state = roce.QPStateRTS
	s.sqPSN = sqPSN
	s.minUnackedPSN = sqPSN
}

// SetState forces the SQ's state directly; used by the QP facade to drive
// ERR transitions detected on the receive side too. Entering ERR completes
// every pending and queued WR with WR_FLUSH_ERR.
func (s *SQ) SetState(st roce.QPState) {
	prev := s.state
	s.state = st
	if st == roce.QPStateErr && prev != roce.QPStateErr {
		s.flushInError(0) // ssn 0 is never assigned, so nothing is excluded
	}
}

// State returns the current queue-pair state as seen from the send side.
func (s *SQ) State() roce.QPState { return s.state }

func (s *SQ) log() *log.Entry { return roce.WithQP(s.qpn, "sq") }

// Push validates and enqueues a Send-WR (§4.3 "Posting"). It never blocks.
func (s *SQ) Push(wr *WorkRequest) error {
	if s.state != roce.QPStateRTS {
		return roce.ErrQPNotRTS
	}
	switch {
	case wr.Opcode.IsSend(), wr.Opcode.IsWrite(), wr.Opcode.IsRead(), wr.Opcode.IsAtomic():
	default:
		return roce.ErrInvalidOpcode
	}
	if wr.Opcode.HasImmediate() && !wr.ImmValid {
		return roce.ErrMissingImmediate
	}
	if wr.Opcode.IsAtomic() && totalLength(wr.SG) < 8 {
		return roce.ErrAtomicBufferShort
	}
	for _, sge := range wr.SG {
		region, err := s.pd.ByLKey(sge.LKey)
		if err != nil {
			return err
		}
		if err := region.Contains(sge.Addr, uint64(sge.Length)); err != nil {
			return roce.ErrScatterOutOfMR
		}
	}
	if wr.Opcode.IsRead() && !s.access.Has(roce.AccessLocalWrite) {
		return roce.ErrMRPermission
	}
	s.queued = append(s.queued, wr)
	return nil
}

// ProcessOne pops and processes one queued WR (§4.3 "Processing"), emitting
// its packets. It is a no-op returning nil when the queue is empty.
func (s *SQ) ProcessOne() error {
	if len(s.queued) == 0 {
		return nil
	}
	wr := s.queued[0]
	s.queued = s.queued[1:]

	s.ssn++
	ssn := s.ssn

	switch {
	case wr.Opcode.IsSend():
		return s.segmentSend(wr, ssn)
	case wr.Opcode.IsWrite():
		return s.segmentWrite(wr, ssn)
	case wr.Opcode.IsRead():
		return s.segmentRead(wr, ssn)
	case wr.Opcode.IsAtomic():
		return s.segmentAtomic(wr, ssn)
	}
	return roce.ErrInvalidOpcode
}

func (s *SQ) buildBTH(op roce.Opcode, psn roce.PSN, ackreq, solicited bool) wire.BTH {
	return wire.BTH{
		OpCode:    op,
		DestQPN:   s.dstQPN,
		PSN:       psn,
		AckReq:    ackreq,
		Solicited: solicited,
	}
}

func (s *SQ) retain(psn roce.PSN, raw roce.RawPacket, op roce.Opcode, ssn uint32) {
	s.retained[psn] = &retainedPacket{raw: raw, opcode: op, ssn: ssn}
}

func (s *SQ) send(raw roce.RawPacket) error {
	return s.transport.Send(raw)
}

func segmentCount(length int, pmtu int) int {
	if length == 0 {
		return 1
	}
	return (length + pmtu - 1) / pmtu
}

func (s *SQ) gather(sg []SGE) ([]byte, error) {
	out := make([]byte, 0, totalLength(sg))
	for _, sge := range sg {
		region, err := s.pd.ByLKey(sge.LKey)
		if err != nil {
			return nil, err
		}
		chunk, err := region.ReadAt(sge.Addr, uint64(sge.Length))
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}

func (s *SQ) segmentSend(wr *WorkRequest, ssn uint32) error {
	data, err := s.gather(wr.SG)
	if err != nil {
		return err
	}
	pmtu := int(s.pmtu)
	n := segmentCount(len(data), pmtu)
	firstPSN := s.sqPSN

	for i := 0; i < n; i++ {
		pos := positionOf(i, n)
		op := sendOpcodeFor(wr.Opcode, pos)

		lo := i * pmtu
		hi := lo + pmtu
		if hi > len(data) {
			hi = len(data)
		}
		payload := data[lo:hi]

		pkt := wire.Packet{Payload: payload}
		terminal := pos == roce.PositionLast || pos == roce.PositionOnly
		ackreq := terminal && wr.Flags.Has(roce.FlagSignaled)
		solicited := terminal && wr.Flags.Has(roce.FlagSolicited)
		pkt.BTH = s.buildBTH(op, s.sqPSN, ackreq, solicited)

		if terminal {
			if wr.Opcode == roce.WRSendWithImm {
				pkt.ImmDt = &wire.ImmDt{Data: wr.ImmOrInvRKey}
			}
			if wr.Opcode == roce.WRSendWithInv {
				pkt.IETH = &wire.IETH{RKey: wr.ImmOrInvRKey}
			}
		}

		raw, err := wire.Encode(pkt, s.src, s.dst)
		if err != nil {
			return err
		}
		s.retain(s.sqPSN, raw, op, ssn)
		if err := s.send(raw); err != nil {
			return err
		}
		s.sqPSN = s.sqPSN.Next()
	}

	s.wrTable[ssn] = &wrState{wr: wr, firstPSN: firstPSN, lastPSN: s.sqPSN.Prev()}
	return nil
}

func (s *SQ) segmentWrite(wr *WorkRequest, ssn uint32) error {
	data, err := s.gather(wr.SG)
	if err != nil {
		return err
	}
	pmtu := int(s.pmtu)
	n := segmentCount(len(data), pmtu)
	firstPSN := s.sqPSN
	dlen := uint32(len(data))
	withImm := wr.Opcode == roce.WRWriteWithImm

	for i := 0; i < n; i++ {
		pos := positionOf(i, n)
		op := writeOpcodeFor(withImm, pos)

		lo := i * pmtu
		hi := lo + pmtu
		if hi > len(data) {
			hi = len(data)
		}
		payload := data[lo:hi]

		pkt := wire.Packet{Payload: payload}
		terminal := pos == roce.PositionLast || pos == roce.PositionOnly
		ackreq := terminal && wr.Flags.Has(roce.FlagSignaled)
		// §4.3: "Solicited on terminal packet only when ONLY/LAST_WITH_IMMEDIATE."
		solicited := terminal && (pos == roce.PositionOnly || withImm) && wr.Flags.Has(roce.FlagSolicited)
		pkt.BTH = s.buildBTH(op, s.sqPSN, ackreq, solicited)

		switch extensionForOp(op) {
		case extRETH:
			pkt.RETH = &wire.RETH{VA: wr.RemoteVA, RKey: wr.RKey, DLen: dlen}
		case extRETHImmDt:
			pkt.RETHImmDt = &wire.RETHImmDt{VA: wr.RemoteVA, RKey: wr.RKey, DLen: dlen, Imm: wr.ImmOrInvRKey}
		}

		raw, err := wire.Encode(pkt, s.src, s.dst)
		if err != nil {
			return err
		}
		s.retain(s.sqPSN, raw, op, ssn)
		if err := s.send(raw); err != nil {
			return err
		}
		s.sqPSN = s.sqPSN.Next()
	}

	s.wrTable[ssn] = &wrState{wr: wr, firstPSN: firstPSN, lastPSN: s.sqPSN.Prev()}
	return nil
}

func (s *SQ) segmentRead(wr *WorkRequest, ssn uint32) error {
	if !s.access.Has(roce.AccessLocalWrite) {
		return roce.ErrMRPermission
	}
	dlen := totalLength(wr.SG)
	n := segmentCount(int(dlen), int(s.pmtu))
	psn := s.sqPSN

	pkt := wire.Packet{
		BTH:  s.buildBTH(roce.OpRDMAReadRequest, psn, true, wr.Flags.Has(roce.FlagSolicited)),
		RETH: &wire.RETH{VA: wr.RemoteVA, RKey: wr.RKey, DLen: dlen},
	}
	raw, err := wire.Encode(pkt, s.src, s.dst)
	if err != nil {
		return err
	}
	s.retain(psn, raw, roce.OpRDMAReadRequest, ssn)
	if err := s.send(raw); err != nil {
		return err
	}
	s.sqPSN = psn.Add(uint32(n))
	s.wrTable[ssn] = &wrState{wr: wr, firstPSN: psn, lastPSN: s.sqPSN.Prev()}
	return nil
}

func (s *SQ) segmentAtomic(wr *WorkRequest, ssn uint32) error {
	if !s.access.Has(roce.AccessRemoteAtomic) {
		return roce.ErrMRPermission
	}
	op := roce.OpCompareSwap
	if wr.Opcode == roce.WRFetchAdd {
		op = roce.OpFetchAdd
	}
	psn := s.sqPSN
	pkt := wire.Packet{
		BTH:       s.buildBTH(op, psn, true, wr.Flags.Has(roce.FlagSolicited)),
		AtomicETH: &wire.AtomicETH{VA: wr.RemoteVA, RKey: wr.RKey, Comp: wr.Compare, Swap: wr.Swap},
	}
	raw, err := wire.Encode(pkt, s.src, s.dst)
	if err != nil {
		return err
	}
	s.retain(psn, raw, op, ssn)
	if err := s.send(raw); err != nil {
		return err
	}
	s.sqPSN = psn.Next()
	s.wrTable[ssn] = &wrState{wr: wr, firstPSN: psn, lastPSN: psn}
	return nil
}

func positionOf(i, n int) roce.Position {
	switch {
	case n == 1:
		return roce.PositionOnly
	case i == 0:
		return roce.PositionFirst
	case i == n-1:
		return roce.PositionLast
	default:
		return roce.PositionMiddle
	}
}

func sendOpcodeFor(wrOp roce.WROpcode, pos roce.Position) roce.Opcode {
	switch pos {
	case roce.PositionFirst:
		return roce.OpSendFirst
	case roce.PositionMiddle:
		return roce.OpSendMiddle
	case roce.PositionLast:
		switch wrOp {
		case roce.WRSendWithImm:
			return roce.OpSendLastWithImmediate
		case roce.WRSendWithInv:
			return roce.OpSendLastWithInvalidate
		default:
			return roce.OpSendLast
		}
	default: // PositionOnly
		switch wrOp {
		case roce.WRSendWithImm:
			return roce.OpSendOnlyWithImmediate
		case roce.WRSendWithInv:
			return roce.OpSendOnlyWithInvalidate
		default:
			return roce.OpSendOnly
		}
	}
}

func writeOpcodeFor(withImm bool, pos roce.Position) roce.Opcode {
	switch pos {
	case roce.PositionFirst:
		return roce.OpRDMAWriteFirst
	case roce.PositionMiddle:
		return roce.OpRDMAWriteMiddle
	case roce.PositionLast:
		if withImm {
			return roce.OpRDMAWriteLastWithImmediate
		}
		return roce.OpRDMAWriteLast
	default: // PositionOnly
		if withImm {
			return roce.OpRDMAWriteOnlyWithImmediate
		}
		return roce.OpRDMAWriteOnly
	}
}

type extKind uint8

const (
	extNone extKind = iota
	extRETH
	extRETHImmDt
)

// extensionForOp mirrors pkg/wire's binding table for the subset relevant
// to write segmentation.
func extensionForOp(op roce.Opcode) extKind {
	switch op {
	case roce.OpRDMAWriteFirst, roce.OpRDMAWriteOnly:
		return extRETH
	case roce.OpRDMAWriteOnlyWithImmediate, roce.OpRDMAWriteLastWithImmediate:
		return extRETHImmDt
	default:
		return extNone
	}
}
