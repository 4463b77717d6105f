package sq

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

func newTestSQ(t *testing.T) (*SQ, *mr.PD, *cq.CQ, *fakeTransport) {
	t.Helper()
	pd := mr.NewPD()
	cqueue := cq.New()
	tr := &fakeTransport{}
	src := wire.Endpoint{IP: net.ParseIP("10.0.0.1"), Port: roce.Port}
	dst := wire.Endpoint{IP: net.ParseIP("10.0.0.2"), Port: roce.Port}
	s := New(5, pd, cqueue, tr, src, dst)
	s.Configure(roce.PMTU1024, 9, roce.AccessLocalWrite|roce.AccessRemoteWrite|roce.AccessRemoteAtomic)
	s.Start(100)
	return s, pd, cqueue, tr
}

func TestZeroLengthSendOnlyWithImmediate(t *testing.T) {
	s, _, cqueue, tr := newTestSQ(t)

	wr := &WorkRequest{
		WRID:         1,
		Opcode:       roce.WRSendWithImm,
		Flags:        roce.FlagSignaled,
		ImmOrInvRKey: 0x1234,
		ImmValid:     true,
	}
	if err := s.Push(wr); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := s.ProcessOne(); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if len(tr.sent) != 1 {
		t.Fatalf("sent %d packets, want 1", len(tr.sent))
	}
	pkt, err := wire.Decode(tr.sent[0], s.src, s.dst)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if pkt.BTH.OpCode != roce.OpSendOnlyWithImmediate {
		t.Fatalf("opcode = %v, want SEND_ONLY_WITH_IMMEDIATE", pkt.BTH.OpCode)
	}
	if pkt.ImmDt == nil || pkt.ImmDt.Data != 0x1234 {
		t.Fatalf("ImmDt = %+v", pkt.ImmDt)
	}
	if !pkt.BTH.AckReq {
		t.Fatalf("expected ackreq set on signaled terminal packet")
	}

	ack := wire.Packet{
		BTH:  wire.BTH{OpCode: roce.OpAcknowledge, DestQPN: 5, PSN: 100},
		AETH: &wire.AETH{Code: roce.AETHCodeACK, MSN: 1},
	}
	if err := s.HandleResponse(ack); err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}
	e, ok := cqueue.Poll()
	if !ok {
		t.Fatalf("expected a completion")
	}
	if e.WRID != 1 || e.Status != roce.StatusSuccess || e.Opcode != roce.CompSend || e.Length != 0 {
		t.Fatalf("got %+v", e)
	}
}

func TestTwoPacketWriteWithImmediate(t *testing.T) {
	s, pd, cqueue, tr := newTestSQ(t)

	data := make([]byte, int(roce.PMTU1024)+10)
	for i := range data {
		data[i] = byte(i)
	}
	local := pd.RegMR(0x5000, uint64(len(data)), roce.AccessLocalWrite)
	if err := local.WriteAt(0x5000, data); err != nil {
		t.Fatalf("seed local MR: %v", err)
	}

	wr := &WorkRequest{
		WRID:         2,
		Opcode:       roce.WRWriteWithImm,
		SG:           []SGE{{LKey: local.LKey, Addr: 0x5000, Length: uint32(len(data))}},
		Flags:        roce.FlagSignaled,
		RemoteVA:     0xbeef,
		RKey:         0x42,
		ImmOrInvRKey: 0xaa,
		ImmValid:     true,
	}
	if err := s.Push(wr); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := s.ProcessOne(); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if len(tr.sent) != 2 {
		t.Fatalf("sent %d packets, want 2", len(tr.sent))
	}
	first, err := wire.Decode(tr.sent[0], s.src, s.dst)
	if err != nil {
		t.Fatalf("Decode first: %v", err)
	}
	if first.BTH.OpCode != roce.OpRDMAWriteFirst || first.RETH == nil || first.RETH.DLen != uint32(len(data)) {
		t.Fatalf("first packet wrong: %+v", first)
	}
	last, err := wire.Decode(tr.sent[1], s.src, s.dst)
	if err != nil {
		t.Fatalf("Decode last: %v", err)
	}
	if last.BTH.OpCode != roce.OpRDMAWriteLastWithImmediate || last.RETHImmDt == nil {
		t.Fatalf("last packet wrong: %+v", last)
	}

	ack := wire.Packet{
		BTH:  wire.BTH{OpCode: roce.OpAcknowledge, DestQPN: 5, PSN: 101},
		AETH: &wire.AETH{Code: roce.AETHCodeACK, MSN: 1},
	}
	if err := s.HandleResponse(ack); err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}
	e, ok := cqueue.Poll()
	if !ok || e.Status != roce.StatusSuccess || e.Opcode != roce.CompRDMAWrite || e.Length != uint32(len(data)) {
		t.Fatalf("got %+v, ok=%v", e, ok)
	}
}

func TestAtomicCompareAndSwap(t *testing.T) {
	s, pd, cqueue, tr := newTestSQ(t)
	landing := pd.RegMR(0x6000, 8, roce.AccessLocalWrite)

	wr := &WorkRequest{
		WRID:    3,
		Opcode:  roce.WRCompareSwap,
		SG:      []SGE{{LKey: landing.LKey, Addr: 0x6000, Length: 8}},
		Flags:   roce.FlagSignaled,
		RemoteVA: 0x7000,
		RKey:    0x55,
		Compare: 0,
		Swap:    1,
	}
	if err := s.Push(wr); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := s.ProcessOne(); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if len(tr.sent) != 1 {
		t.Fatalf("sent %d packets, want 1", len(tr.sent))
	}

	ack := wire.Packet{
		BTH:          wire.BTH{OpCode: roce.OpAtomicAcknowledge, DestQPN: 5, PSN: 100},
		AETH:         &wire.AETH{Code: roce.AETHCodeACK, MSN: 1},
		AtomicAckETH: &wire.AtomicAckETH{Orig: 0},
	}
	if err := s.HandleResponse(ack); err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}
	e, ok := cqueue.Poll()
	if !ok || e.Status != roce.StatusSuccess || e.Opcode != roce.CompCompareSwap || e.Length != 8 {
		t.Fatalf("got %+v, ok=%v", e, ok)
	}
	got, err := landing.Uint64At(0x6000)
	if err != nil {
		t.Fatalf("Uint64At: %v", err)
	}
	if got != 0 {
		t.Fatalf("landing buffer = %d, want 0 (orig value)", got)
	}
}

func TestFatalNAKFlushesQueue(t *testing.T) {
	s, pd, cqueue, _ := newTestSQ(t)
	local := pd.RegMR(0x8000, 16, roce.AccessLocalWrite)

	wr1 := &WorkRequest{WRID: 10, Opcode: roce.WRWrite, SG: []SGE{{LKey: local.LKey, Addr: 0x8000, Length: 16}}, Flags: roce.FlagSignaled, RemoteVA: 0x1, RKey: 0xdead}
	wr2 := &WorkRequest{WRID: 11, Opcode: roce.WRWrite, SG: []SGE{{LKey: local.LKey, Addr: 0x8000, Length: 16}}, Flags: roce.FlagSignaled, RemoteVA: 0x1, RKey: 0xdead}

	if err := s.Push(wr1); err != nil {
		t.Fatalf("Push wr1: %v", err)
	}
	if err := s.Push(wr2); err != nil {
		t.Fatalf("Push wr2: %v", err)
	}
	if err := s.ProcessOne(); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}

	nak := wire.Packet{
		BTH:  wire.BTH{OpCode: roce.OpAcknowledge, DestQPN: 5, PSN: 100},
		AETH: &wire.AETH{Code: roce.AETHCodeNAK, Value: roce.NAKRemoteAccess, MSN: 0},
	}
	if err := s.HandleResponse(nak); err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}
	if s.State() != roce.QPStateErr {
		t.Fatalf("state = %v, want ERR", s.State())
	}

	e1, ok := cqueue.Poll()
	if !ok || e1.WRID != 10 || e1.Status != roce.StatusRemAccessErr {
		t.Fatalf("got %+v, ok=%v", e1, ok)
	}
	e2, ok := cqueue.Poll()
	if !ok || e2.WRID != 11 || e2.Status != roce.StatusWrFlushErr {
		t.Fatalf("got %+v, ok=%v", e2, ok)
	}
}
