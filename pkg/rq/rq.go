// Package rq implements the receive queue: inbound request validation,
// message reassembly, and responder-side generation of ACK/NAK/read-response/
// atomic-acknowledge packets for the reliable-connected responder pipeline
// (§2 item 7, §4.4).
package rq

import (
	log "github.com/sirupsen/logrus"

	"github.com/samsamfire/roce"
	"github.com/samsamfire/roce/pkg/cq"
	"github.com/samsamfire/roce/pkg/metrics"
	"github.com/samsamfire/roce/pkg/mr"
	"github.com/samsamfire/roce/pkg/wire"
)

// RecvWR is a posted Recv-WR: a scatter list a SEND or a WITH_IMM write
// consumes in FIFO order (§3 "Recv-WR").
type RecvWR struct {
	WRID uint64
	SG   []roce.SGE
}

// sendAssembly tracks a SEND message being written into a posted Recv-WR.
type sendAssembly struct {
	wr     *RecvWR
	offset uint32
}

// writeAssembly tracks an RDMA WRITE message being written into the
// destination MR named by its first packet's RETH (§3 "Write-assembly
// context").
type writeAssembly struct {
	region  *mr.Region
	base    uint64
	dlen    uint32
	offset  uint32
	withImm bool
	imm     uint32
}

type dupKind uint8

const (
	dupSendOrWrite dupKind = iota
	dupAtomic
)

// dupEntry is a cached responder reply kept so a retransmitted duplicate
// request can be answered without re-executing it (§4.4 "Duplicate request
// handling").
type dupEntry struct {
	raw        roce.RawPacket
	kind       dupKind
	atomicComp uint64
	atomicSwap uint64
}

// RQ is one queue pair's receive-queue state (§3 "RQ state").
type RQ struct {
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

	rqPSN roce.PSN
	msn   uint32

	recvQueue []*RecvWR
	sendCtx   *sendAssembly
	writeCtx  *writeAssembly
	dupCache  map[roce.PSN]*dupEntry
}

// New allocates an RQ bound to qpn, using pd to resolve destination memory
// regions, pushing completions to the given CQ, and replying through
// transport between src and dst.
func New(qpn uint32, pd *mr.PD, cq *cq.CQ, transport roce.Transport, src, dst wire.Endpoint) *RQ {
	return &RQ{
		qpn:       qpn,
		pd:        pd,
		cq:        cq,
		transport: transport,
		src:       src,
		dst:       dst,
		dupCache:  make(map[roce.PSN]*dupEntry),
	}
}

// SetMetrics attaches Prometheus instrumentation; nil disables it.
func (r *RQ) SetMetrics(m *metrics.Metrics) { r.metrics = m }

// Configure applies modify_qp fields relevant to the receive side (§6).
func (r *RQ) Configure(pmtu roce.PMTU, dstQPN uint32, access roce.AccessFlags) {
	r.pmtu = pmtu
	r.dstQPN = dstQPN
	r.access = access
}

// Start moves the RQ into RTR with the given expected initial PSN (§4.4
// "INIT → RTR").
func (r *RQ) Start(rqPSN roce.PSN) {
	r.state = roce.QPStateRTR
	r.rqPSN = rqPSN
}

// SetState forces the RQ's state directly; used by the QP facade to drive
// ERR transitions detected on the send side too.
func (r *RQ) SetState(st roce.QPState) { r.state = st }

// State returns the current queue-pair state as seen from the receive side.
func (r *RQ) State() roce.QPState { return r.state }

func (r *RQ) log() *log.Entry { return roce.WithQP(r.qpn, "rq") }

// PostRecv appends a Recv-WR to the FIFO consumed by inbound SEND and
// WITH_IMM write messages (§4.4 "Posting"). It never blocks.
func (r *RQ) PostRecv(wr *RecvWR) {
	r.recvQueue = append(r.recvQueue, wr)
}

// Handle processes one inbound request packet already known to belong to
// this QP and to have passed the previous/current opcode legality check
// (§4.4: that check spans both the SQ's and RQ's traffic and is owned by the
// QP facade, since it tracks one opcode history per wire stream).
func (r *RQ) Handle(pkt wire.Packet) error {
	op := pkt.BTH.OpCode

	if op.Position() != roce.PositionNone {
		if err := r.checkSize(op, len(pkt.Payload)); err != nil {
			r.NakInvalidRequest(pkt.BTH.PSN)
			return nil
		}
	}
	if err := r.checkPermission(op); err != nil {
		r.NakRemoteAccess(pkt.BTH.PSN)
		return nil
	}

	switch roce.Compare(pkt.BTH.PSN, r.rqPSN, r.rqPSN) {
	case 0:
		return r.handleExpected(pkt)
	case -1:
		return r.handleDuplicate(pkt)
	default:
		r.log().WithField("psn", pkt.BTH.PSN).Warn("request newer than expected PSN, dropping")
		return nil
	}
}

func (r *RQ) handleExpected(pkt wire.Packet) error {
	op := pkt.BTH.OpCode
	switch {
	case op.IsSend():
		return r.handleSend(pkt)
	case op.IsWrite():
		return r.handleWrite(pkt)
	case op == roce.OpRDMAReadRequest:
		return r.handleRead(pkt, true)
	case op.IsAtomic():
		return r.handleAtomic(pkt)
	}
	return nil
}

func (r *RQ) handleDuplicate(pkt wire.Packet) error {
	op := pkt.BTH.OpCode
	switch {
	case op.IsSend(), op.IsWrite():
		return r.replayCached(pkt.BTH.PSN)
	case op == roce.OpRDMAReadRequest:
		return r.handleRead(pkt, false)
	case op.IsAtomic():
		return r.replayAtomicIfMatches(pkt)
	}
	return nil
}

// checkSize enforces the per-position packet-size invariant (§4.4, §6
// "Packet size invariants"): FIRST/MIDDLE exactly pmtu, LAST 1..pmtu,
// ONLY 0..pmtu. Opcodes without a Position (read request, atomic, ack) are
// fully described by their own extension header and are exempt.
func (r *RQ) checkSize(op roce.Opcode, n int) error {
	switch op.Position() {
	case roce.PositionFirst, roce.PositionMiddle:
		if n != int(r.pmtu) {
			return roce.ErrInvalidRequest
		}
	case roce.PositionLast:
		if n < 1 || n > int(r.pmtu) {
			return roce.ErrInvalidRequest
		}
	case roce.PositionOnly:
		if n > int(r.pmtu) {
			return roce.ErrInvalidRequest
		}
	}
	return nil
}

// checkPermission enforces the QP-level access flags an operation requires
// of its peer (§4.4 "Verify operation is permitted"); the destination MR's
// own access flags are checked separately once its rkey is resolved.
func (r *RQ) checkPermission(op roce.Opcode) error {
	switch {
	case op.IsWrite():
		if !r.access.Has(roce.AccessRemoteWrite) {
			return roce.ErrMRPermission
		}
	case op == roce.OpRDMAReadRequest:
		if !r.access.Has(roce.AccessRemoteRead) {
			return roce.ErrMRPermission
		}
	case op.IsAtomic():
		if !r.access.Has(roce.AccessRemoteAtomic) {
			return roce.ErrMRPermission
		}
	}
	return nil
}

func (r *RQ) sendAETH(psn roce.PSN, code roce.AETHCode, value uint8) roce.RawPacket {
	pkt := wire.Packet{
		BTH:  wire.BTH{OpCode: roce.OpAcknowledge, DestQPN: r.dstQPN, PSN: psn},
		AETH: &wire.AETH{Code: code, Value: value, MSN: r.msn},
	}
	raw, err := wire.Encode(pkt, r.src, r.dst)
	if err != nil {
		return nil
	}
	_ = r.transport.Send(raw)
	return raw
}

func (r *RQ) NakRNR(psn roce.PSN)            { r.sendAETH(psn, roce.AETHCodeRNR, 0) }
func (r *RQ) NakInvalidRequest(psn roce.PSN) { r.sendAETH(psn, roce.AETHCodeNAK, roce.NAKInvalidRequest) }
func (r *RQ) NakRemoteAccess(psn roce.PSN)   { r.sendAETH(psn, roce.AETHCodeNAK, roce.NAKRemoteAccess) }

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

func segmentCount(length int, pmtu int) int {
	if length == 0 {
		return 1
	}
	return (length + pmtu - 1) / pmtu
}

// scatterInto copies payload across sg starting at the given cumulative
// offset into the scatter list, the mirror image of pkg/sq's gather.
func (r *RQ) scatterInto(sg []roce.SGE, offset uint32, payload []byte) error {
	remaining := offset
	data := payload
	for _, s := range sg {
		if remaining >= s.Length {
			remaining -= s.Length
			continue
		}
		avail := s.Length - remaining
		n := avail
		if uint32(len(data)) < n {
			n = uint32(len(data))
		}
		region, err := r.pd.ByLKey(s.LKey)
		if err != nil {
			return err
		}
		if err := region.WriteAt(s.Addr+uint64(remaining), data[:n]); err != nil {
			return err
		}
		data = data[n:]
		remaining = 0
		if len(data) == 0 {
			return nil
		}
	}
	if len(data) > 0 {
		return roce.ErrScatterOutOfMR
	}
	return nil
}
