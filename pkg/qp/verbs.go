package qp

import (
	"time"

	"github.com/samsamfire/roce"
	"github.com/samsamfire/roce/pkg/cq"
	"github.com/samsamfire/roce/pkg/mr"
	"github.com/samsamfire/roce/pkg/rq"
	"github.com/samsamfire/roce/pkg/sq"
	"github.com/samsamfire/roce/pkg/wire"
)

// RecvWR is an alias of rq.RecvWR so callers driving the verbs surface never
// need to import pkg/rq directly for the one type they post.
type RecvWR = rq.RecvWR

// Endpoint is the literal verbs surface of §6: one protection domain, one
// completion queue, and the queue pairs built against them, plus the
// transport used to pull inbound packets off the wire.
type Endpoint struct {
	PD        *mr.PD
	CQ        *cq.CQ
	Transport roce.Transport
	Src, Dst  wire.Endpoint
}

// NewEndpoint wires up a protection domain, a completion queue, and the
// transport/addressing a queue pair created against it will use.
func NewEndpoint(transport roce.Transport, src, dst wire.Endpoint) *Endpoint {
	return &Endpoint{
		PD:        mr.NewPD(),
		CQ:        cq.New(),
		Transport: transport,
		Src:       src,
		Dst:       dst,
	}
}

// AllocPD returns the endpoint's protection domain (§6 "alloc_pd").
func (e *Endpoint) AllocPD() *mr.PD { return e.PD }

// CreateCQ returns the endpoint's completion queue (§6 "create_cq").
func (e *Endpoint) CreateCQ() *cq.CQ { return e.CQ }

// CreateQP allocates a new queue pair bound to this endpoint's PD, CQ, and
// transport (§6 "create_qp").
func (e *Endpoint) CreateQP(qpn uint32) *QP {
	return New(qpn, e.PD, e.CQ, e.Transport, e.Src, e.Dst)
}

// RecvPkts pulls up to n framed packets off the transport and dispatches
// each to the queue pair that owns it, within deadline per packet (§6
// "recv_pkts"). It stops early, without error, on the first Recv timeout.
func (e *Endpoint) RecvPkts(qps map[uint32]*QP, n int, deadline time.Duration) error {
	for i := 0; i < n; i++ {
		raw, err := e.Transport.Recv(deadline)
		if err != nil {
			return nil
		}
		pkt, err := wire.Decode(raw, e.Dst, e.Src)
		if err != nil {
			continue
		}
		target, ok := qps[pkt.BTH.DestQPN]
		if !ok {
			continue
		}
		if err := target.DispatchPacket(pkt); err != nil {
			return err
		}
	}
	return nil
}

// RegMR and DeregMR forward to the endpoint's protection domain (§6
// "reg_mr"/"dereg_mr"), so callers can work entirely against Endpoint/QP
// without reaching into PD directly.
func (e *Endpoint) RegMR(va uint64, length uint64, access roce.AccessFlags) *mr.Region {
	return e.PD.RegMR(va, length, access)
}

func (e *Endpoint) DeregMR(r *mr.Region) { e.PD.DeregMR(r) }

// PollCQ drains one completion, if any (§6 "poll_cq"). It lives on Endpoint,
// not QP, since every queue pair created against the same endpoint shares
// one completion queue.
func (e *Endpoint) PollCQ() (cq.CQE, bool) { return e.CQ.Poll() }

// PostSend forwards to the queue pair's send queue (§6 "post_send").
func (q *QP) PostSend(wr *sq.WorkRequest) error { return q.sq.Push(wr) }

// PostRecv forwards to the queue pair's receive queue (§6 "post_recv").
func (q *QP) PostRecv(wr *RecvWR) { q.rq.PostRecv(wr) }

// ProcessOneSR pops and processes one queued send work request (§6
// "process_one_sr").
func (q *QP) ProcessOneSR() error { return q.sq.ProcessOne() }
