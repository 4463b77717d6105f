package icrc

import (
	"net"
	"testing"
)

func testBTH() [12]byte {
	return [12]byte{
		0x0a,             // opcode
		0x40,             // solicited=0 migreq=1 padcount=0 version=0
		0x12, 0x34,       // pkey
		0x00,             // fecn/becn/reserved6 (masked away for ICRC)
		0x00, 0x00, 0x07, // dqpn
		0x80,             // ackreq=1 resv7=0
		0x00, 0x00, 0x01, // psn
	}
}

func TestComputeDeterministic(t *testing.T) {
	bth := testBTH()
	payload := []byte("payload-bytes")
	src := net.ParseIP("10.0.0.1")
	dst := net.ParseIP("10.0.0.2")

	got1, err := Compute(bth, payload, src, dst, 4791, 4791)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	got2, err := Compute(bth, payload, src, dst, 4791, 4791)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if got1 != got2 {
		t.Fatalf("Compute is not deterministic: %x != %x", got1, got2)
	}
}

func TestComputeInsensitiveToMaskedFields(t *testing.T) {
	bth := testBTH()
	payload := []byte("payload-bytes")
	src := net.ParseIP("10.0.0.1")
	dst := net.ParseIP("10.0.0.2")

	base, err := Compute(bth, payload, src, dst, 4791, 4791)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	// Flip fecn/becn/reserved6 — a router is allowed to do this in flight,
	// so the ICRC must not change.
	flipped := bth
	flipped[bthByte4Index] = 0x3f
	got, err := Compute(flipped, payload, src, dst, 4791, 4791)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if got != base {
		t.Fatalf("ICRC changed when only masked field flipped: %x != %x", got, base)
	}
}

func TestComputeSensitiveToPSN(t *testing.T) {
	bth := testBTH()
	payload := []byte("payload-bytes")
	src := net.ParseIP("10.0.0.1")
	dst := net.ParseIP("10.0.0.2")

	base, err := Compute(bth, payload, src, dst, 4791, 4791)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	mutated := bth
	mutated[11] ^= 0x01 // low bit of PSN
	got, err := Compute(mutated, payload, src, dst, 4791, 4791)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if got == base {
		t.Fatalf("ICRC unchanged after PSN byte flipped")
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	bth := testBTH()
	payload := []byte("payload-bytes")
	src := net.ParseIP("10.0.0.1")
	dst := net.ParseIP("10.0.0.2")

	v, err := Compute(bth, payload, src, dst, 4791, 4791)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	packed := Pack(v)
	if got := Unpack(packed); got != v {
		t.Fatalf("Unpack(Pack(v)) = %x, want %x", got, v)
	}
}

func TestComputeRejectsIPv6(t *testing.T) {
	bth := testBTH()
	src := net.ParseIP("fe80::1")
	dst := net.ParseIP("fe80::2")
	if _, err := Compute(bth, nil, src, dst, 4791, 4791); err != ErrIPv6Unsupported {
		t.Fatalf("err = %v, want ErrIPv6Unsupported", err)
	}
}
