// Package qp implements the queue-pair facade: one SQ and one RQ sharing a
// QPN, the modify_qp state machine, and the inbound-packet dispatch that
// tracks one previous/current opcode legality check across both queues'
// traffic (§2 item 8, §4.4 "State machine", "Inbound dispatch").
package qp

import (
	log "github.com/sirupsen/logrus"

	"github.com/samsamfire/roce"
	"github.com/samsamfire/roce/pkg/cq"
	"github.com/samsamfire/roce/pkg/metrics"
	"github.com/samsamfire/roce/pkg/mr"
	"github.com/samsamfire/roce/pkg/rq"
	"github.com/samsamfire/roce/pkg/sq"
	"github.com/samsamfire/roce/pkg/wire"
)

// QP pairs one SQ and one RQ under a single queue pair number (§3 "QP").
type QP struct {
	qpn   uint32
	state roce.QPState

	sq *sq.SQ
	rq *rq.RQ

	transport roce.Transport
	src, dst  wire.Endpoint

	hasPrev    bool
	prevOpcode roce.Opcode
}

// New allocates a QP in INIT state, bound to qpn, with fresh SQ and RQ
// halves sharing pd, cq, and transport.
func New(qpn uint32, pd *mr.PD, cqueue *cq.CQ, transport roce.Transport, src, dst wire.Endpoint) *QP {
	return &QP{
		qpn:       qpn,
		state:     roce.QPStateInit,
		sq:        sq.New(qpn, pd, cqueue, transport, src, dst),
		rq:        rq.New(qpn, pd, cqueue, transport, src, dst),
		transport: transport,
		src:       src,
		dst:       dst,
	}
}

// SetMetrics attaches Prometheus instrumentation to both halves; nil
// disables it.
func (q *QP) SetMetrics(m *metrics.Metrics) {
	q.sq.SetMetrics(m)
	q.rq.SetMetrics(m)
}

// SQ and RQ expose the two halves for verbs that act on one side only
// (PostSend/ProcessOneSR on SQ, PostRecv on RQ).
func (q *QP) SQ() *sq.SQ { return q.sq }
func (q *QP) RQ() *rq.RQ { return q.rq }

// QPN returns the queue pair number.
func (q *QP) QPN() uint32 { return q.qpn }

// State returns the queue pair's current modify_qp state.
func (q *QP) State() roce.QPState { return q.state }

func (q *QP) log() *log.Entry { return roce.WithQP(q.qpn, "qp") }

// ModifyQP drives the INIT → RTR → RTS → ERR state machine (§4.4 "State
// machine"). RTR configures the receive side and the path MTU/access flags
// shared by both halves; RTS additionally starts the send side at sqPSN.
// Moving to ERR flushes every pending send-side work request.
func (q *QP) ModifyQP(target roce.QPState, pmtu roce.PMTU, dstQPN uint32, access roce.AccessFlags, rqPSN, sqPSN roce.PSN) error {
	switch target {
	case roce.QPStateRTR:
		if q.state != roce.QPStateInit {
			return roce.ErrQPNotRTR
		}
		q.rq.Configure(pmtu, dstQPN, access)
		q.sq.Configure(pmtu, dstQPN, access)
		q.rq.Start(rqPSN)
		q.state = roce.QPStateRTR
	case roce.QPStateRTS:
		if q.state != roce.QPStateRTR {
			return roce.ErrQPNotRTR
		}
		q.sq.Start(sqPSN)
		q.state = roce.QPStateRTS
	case roce.QPStateErr:
		q.state = roce.QPStateErr
		q.sq.SetState(roce.QPStateErr)
		q.rq.SetState(roce.QPStateErr)
	default:
		return roce.ErrInvalidRequest
	}
	return nil
}

// Dispatch decodes one inbound raw packet and routes it to the SQ (if it is
// a response) or the RQ (if it is a request), after the dqpn/version/
// previous-opcode legality checks that §4.4 applies to the unified wire
// stream before either queue ever sees a packet.
func (q *QP) Dispatch(raw roce.RawPacket) error {
	// The peer framed this packet, so its ICRC was computed from the peer's
	// address (our dst) to ours (our src).
	pkt, err := wire.Decode(raw, q.dst, q.src)
	if err != nil {
		q.log().WithError(err).Debug("dropping packet that failed to decode")
		return nil
	}
	return q.DispatchPacket(pkt)
}

// DispatchPacket is Dispatch's post-decode half, split out so tests (and a
// future resync path) can hand in an already-decoded Packet.
func (q *QP) DispatchPacket(pkt wire.Packet) error {
	op := pkt.BTH.OpCode

	if pkt.BTH.DestQPN != q.qpn {
		return nil
	}
	if op == roce.OpCNP {
		q.log().Debug("received CNP, no congestion response implemented")
		return nil
	}
	if !op.IsRC() {
		return roce.ErrUnsupportedFamily
	}
	if pkt.BTH.Version != 0 {
		return nil
	}

	if !q.legal(op) {
		if op.IsRequest() {
			q.rq.NakInvalidRequest(pkt.BTH.PSN)
		}
		q.log().WithField("opcode", op).Warn("opcode illegal after previous opcode, dropping")
		return nil
	}
	q.hasPrev = true
	q.prevOpcode = op

	switch {
	case op.IsRequest():
		return q.rq.Handle(pkt)
	case op.IsResponse():
		return q.sq.HandleResponse(pkt)
	}
	return nil
}

// legal implements the previous/current opcode legality table (§4.4): a
// message that has ended (or no message yet begun) may be followed by
// anything that begins a new one or stands alone; a message still open
// (previous was a first/middle packet) may only continue with a middle or
// terminal packet of that same opcode family.
func (q *QP) legal(op roce.Opcode) bool {
	if !q.hasPrev || q.prevOpcode.EndsMessage() {
		switch op.Position() {
		case roce.PositionMiddle, roce.PositionLast:
			return false
		default:
			return true
		}
	}
	switch {
	case q.prevOpcode.IsSend():
		return op.IsSend() && (op.Position() == roce.PositionMiddle || op.Position() == roce.PositionLast)
	case q.prevOpcode.IsWrite():
		return op.IsWrite() && (op.Position() == roce.PositionMiddle || op.Position() == roce.PositionLast)
	case q.prevOpcode.IsReadResponse():
		return op == roce.OpAcknowledge ||
			(op.IsReadResponse() && (op.Position() == roce.PositionMiddle || op.Position() == roce.PositionLast))
	default:
		return false
	}
}
