package rq

import (
	"net"
	"testing"
	"time"

	"github.com/samsamfire/roce"
	"github.com/samsamfire/roce/pkg/cq"
	"github.com/samsamfire/roce/pkg/mr"
	"github.com/samsamfire/roce/pkg/wire"
)

type fakeTransport struct {
	sent []roce.RawPacket
}

func (f *fakeTransport) Send(pkt roce.RawPacket) error {
	cp := append(roce.RawPacket(nil), pkt...)
	f.sent = append(f.sent, cp)
	return nil
}
func (f *fakeTransport) Recv(_ time.Duration) (roce.RawPacket, error) { return nil, nil }
func (f *fakeTransport) Close() error                                 { return nil }

func newTestRQ(t *testing.T) (*RQ, *mr.PD, *cq.CQ, *fakeTransport) {
	t.Helper()
	pd := mr.NewPD()
	cqueue := cq.New()
	tr := &fakeTransport{}
	// src/dst reversed relative to pkg/sq's fixtures: this endpoint is B,
	// replying to A.
	src := wire.Endpoint{IP: net.ParseIP("10.0.0.2"), Port: roce.Port}
	dst := wire.Endpoint{IP: net.ParseIP("10.0.0.1"), Port: roce.Port}
	r := New(9, pd, cqueue, tr, src, dst)
	r.Configure(roce.PMTU1024, 5, roce.AccessRemoteWrite|roce.AccessRemoteRead|roce.AccessRemoteAtomic)
	r.Start(100)
	return r, pd, cqueue, tr
}

func decodeSent(t *testing.T, r *RQ, tr *fakeTransport, i int) wire.Packet {
	t.Helper()
	pkt, err := wire.Decode(tr.sent[i], r.src, r.dst)
	if err != nil {
		t.Fatalf("decode sent[%d]: %v", i, err)
	}
	return pkt
}

func TestSendOnlyWithImmediateConsumesRecvWR(t *testing.T) {
	r, pd, cqueue, tr := newTestRQ(t)
	landing := pd.RegMR(0x9000, 64, roce.AccessLocalWrite)
	r.PostRecv(&RecvWR{WRID: 1, SG: []roce.SGE{{LKey: landing.LKey, Addr: 0x9000, Length: 64}}})

	pkt := wire.Packet{
		BTH:     wire.BTH{OpCode: roce.OpSendOnlyWithImmediate, DestQPN: 9, PSN: 100, AckReq: true},
		ImmDt:   &wire.ImmDt{Data: 0x55},
		Payload: []byte("hello"),
	}
	if err := r.Handle(pkt); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	e, ok := cqueue.Poll()
	if !ok || e.Opcode != roce.CompRecv || e.Length != 5 || !e.WithImm || e.Immediate != 0x55 {
		t.Fatalf("got %+v, ok=%v", e, ok)
	}
	got, err := landing.ReadAt(0x9000, 5)
	if err != nil || string(got) != "hello" {
		t.Fatalf("landed = %q, err = %v", got, err)
	}
	if len(tr.sent) != 1 {
		t.Fatalf("sent %d acks, want 1", len(tr.sent))
	}
	ack := decodeSent(t, r, tr, 0)
	if ack.BTH.OpCode != roce.OpAcknowledge || ack.AETH.Code != roce.AETHCodeACK {
		t.Fatalf("ack = %+v", ack)
	}
	if r.rqPSN != roce.PSN(101) {
		t.Fatalf("rqPSN = %v, want 101", r.rqPSN)
	}
}

func TestSendOnlyEmptyRecvQueueRNR(t *testing.T) {
	r, _, _, tr := newTestRQ(t)
	pkt := wire.Packet{BTH: wire.BTH{OpCode: roce.OpSendOnly, DestQPN: 9, PSN: 100}}
	if err := r.Handle(pkt); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(tr.sent) != 1 {
		t.Fatalf("sent %d packets, want 1", len(tr.sent))
	}
	nak := decodeSent(t, r, tr, 0)
	if nak.AETH.Code != roce.AETHCodeRNR {
		t.Fatalf("code = %v, want RNR", nak.AETH.Code)
	}
	if r.rqPSN != roce.PSN(100) {
		t.Fatalf("rqPSN advanced on RNR, got %v", r.rqPSN)
	}
}

func TestWriteOnlyLandsIntoMR(t *testing.T) {
	r, pd, _, _ := newTestRQ(t)
	dest := pd.RegMR(0xa000, 64, roce.AccessRemoteWrite)

	pkt := wire.Packet{
		BTH:     wire.BTH{OpCode: roce.OpRDMAWriteOnly, DestQPN: 9, PSN: 100},
		RETH:    &wire.RETH{VA: 0xa000, RKey: dest.RKey, DLen: 5},
		Payload: []byte("write"),
	}
	if err := r.Handle(pkt); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got, err := dest.ReadAt(0xa000, 5)
	if err != nil || string(got) != "write" {
		t.Fatalf("landed = %q, err = %v", got, err)
	}
}

func TestReadRequestGeneratesResponses(t *testing.T) {
	r, pd, _, tr := newTestRQ(t)
	src := pd.RegMR(0xb000, 2000, roce.AccessRemoteRead)
	data := make([]byte, 2000)
	for i := range data {
		data[i] = byte(i)
	}
	if err := src.WriteAt(0xb000, data); err != nil {
		t.Fatalf("seed: %v", err)
	}

	pkt := wire.Packet{
		BTH:  wire.BTH{OpCode: roce.OpRDMAReadRequest, DestQPN: 9, PSN: 100, AckReq: true},
		RETH: &wire.RETH{VA: 0xb000, RKey: src.RKey, DLen: 2000},
	}
	if err := r.Handle(pkt); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(tr.sent) != 2 {
		t.Fatalf("sent %d responses, want 2", len(tr.sent))
	}
	first := decodeSent(t, r, tr, 0)
	if first.BTH.OpCode != roce.OpRDMAReadResponseFirst || len(first.Payload) != int(roce.PMTU1024) {
		t.Fatalf("first = %+v", first)
	}
	last := decodeSent(t, r, tr, 1)
	if last.BTH.OpCode != roce.OpRDMAReadResponseLast || len(last.Payload) != 2000-int(roce.PMTU1024) {
		t.Fatalf("last = %+v", last)
	}
	if r.rqPSN != roce.PSN(102) {
		t.Fatalf("rqPSN = %v, want 102", r.rqPSN)
	}
}

func TestDuplicateReadRequestRegeneratesWithoutAdvancing(t *testing.T) {
	r, pd, _, tr := newTestRQ(t)
	src := pd.RegMR(0xc000, 100, roce.AccessRemoteRead)
	if err := src.WriteAt(0xc000, make([]byte, 100)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	pkt := wire.Packet{
		BTH:  wire.BTH{OpCode: roce.OpRDMAReadRequest, DestQPN: 9, PSN: 100},
		RETH: &wire.RETH{VA: 0xc000, RKey: src.RKey, DLen: 100},
	}
	if err := r.Handle(pkt); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if r.rqPSN != roce.PSN(101) {
		t.Fatalf("rqPSN after first read = %v, want 101", r.rqPSN)
	}

	// The peer retransmits the same request, e.g. because the read-response
	// it reassembled failed a sequence check on its side (scenario 3).
	if err := r.Handle(pkt); err != nil {
		t.Fatalf("Handle duplicate: %v", err)
	}
	if r.rqPSN != roce.PSN(101) {
		t.Fatalf("rqPSN after duplicate read = %v, want unchanged 101", r.rqPSN)
	}
	if len(tr.sent) != 2 {
		t.Fatalf("sent %d responses total, want 2", len(tr.sent))
	}
}

func TestDuplicateSendReplaysCache(t *testing.T) {
	r, pd, cqueue, tr := newTestRQ(t)
	landing := pd.RegMR(0xd000, 16, roce.AccessLocalWrite)
	r.PostRecv(&RecvWR{WRID: 7, SG: []roce.SGE{{LKey: landing.LKey, Addr: 0xd000, Length: 16}}})

	pkt := wire.Packet{
		BTH:     wire.BTH{OpCode: roce.OpSendOnly, DestQPN: 9, PSN: 100, AckReq: true},
		Payload: []byte("copy one"),
	}
	if err := r.Handle(pkt); err != nil {
		t.Fatalf("Handle first copy: %v", err)
	}
	if _, ok := cqueue.Poll(); !ok {
		t.Fatalf("expected a CQE for the first copy")
	}
	if r.rqPSN != roce.PSN(101) {
		t.Fatalf("rqPSN = %v, want 101", r.rqPSN)
	}

	// The peer never saw our ACK and retransmits the identical packet.
	if err := r.Handle(pkt); err != nil {
		t.Fatalf("Handle duplicate: %v", err)
	}
	if _, ok := cqueue.Poll(); ok {
		t.Fatalf("duplicate must not push a second CQE")
	}
	if r.rqPSN != roce.PSN(101) {
		t.Fatalf("rqPSN changed on duplicate, got %v", r.rqPSN)
	}
	if len(tr.sent) != 2 {
		t.Fatalf("sent %d acks, want 2 (original + replay)", len(tr.sent))
	}
	replay := decodeSent(t, r, tr, 1)
	if replay.BTH.PSN != roce.PSN(100) || replay.AETH.Code != roce.AETHCodeACK {
		t.Fatalf("replay = %+v, want ACK patched to psn 100", replay)
	}
}

func TestCompareSwapExecutesAndAcks(t *testing.T) {
	r, pd, _, tr := newTestRQ(t)
	word := pd.RegMR(0xe000, 8, roce.AccessRemoteAtomic)
	if err := word.PutUint64At(0xe000, 41); err != nil {
		t.Fatalf("seed: %v", err)
	}

	pkt := wire.Packet{
		BTH:       wire.BTH{OpCode: roce.OpCompareSwap, DestQPN: 9, PSN: 100},
		AtomicETH: &wire.AtomicETH{VA: 0xe000, RKey: word.RKey, Comp: 41, Swap: 42},
	}
	if err := r.Handle(pkt); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got, err := word.Uint64At(0xe000)
	if err != nil || got != 42 {
		t.Fatalf("word = %d, err = %v, want 42", got, err)
	}
	if len(tr.sent) != 1 {
		t.Fatalf("sent %d packets, want 1", len(tr.sent))
	}
	ack := decodeSent(t, r, tr, 0)
	if ack.BTH.OpCode != roce.OpAtomicAcknowledge || ack.AtomicAckETH == nil || ack.AtomicAckETH.Orig != 41 {
		t.Fatalf("ack = %+v", ack)
	}
}
