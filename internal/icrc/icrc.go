// Package icrc computes the RoCE v2 Invariant CRC: a 32-bit CRC-32 (IEEE,
// the same polynomial zlib.crc32 uses) taken over a pseudo-header in which
// every field a router or NIC is allowed to rewrite in flight is masked to
// all-ones, per §4.1. The pseudo-IP/UDP header bytes are built with
// gopacket's layers so the field layout matches a real IP/UDP stack's
// on-wire encoding exactly, rather than hand-rolling it.
package icrc

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ErrIPv6Unsupported is returned when Compute is given non-IPv4 addresses.
// IPv6 ICRC framing is reserved by §4.1 and not implemented here.
var ErrIPv6Unsupported = errors.New("icrc: IPv6 pseudo-header is reserved, not implemented")

// pseudoLRH stands in for the 8-byte link-layer header that would precede
// the IP header on the wire.
var pseudoLRH = [8]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// bthByte4Index is the offset of fecn(1)+becn(1)+reserved6(6) — the whole
// fifth byte of the BTH — which §4.1 requires masked to all-ones for the ICRC
// computation. ackreq/reserved7 in byte 8 are left as sent.
const bthByte4Index = 4

// Compute returns the raw 32-bit ICRC value for a BTH (exactly 12 bytes, in
// its on-wire encoding) followed by any extension header and payload bytes
// already serialized into rest. srcIP/dstIP must be IPv4; see
// ErrIPv6Unsupported.
func Compute(bth [12]byte, rest []byte, srcIP, dstIP net.IP, srcPort, dstPort uint16) (uint32, error) {
	srcIP4, dstIP4 := srcIP.To4(), dstIP.To4()
	if srcIP4 == nil || dstIP4 == nil {
		return 0, ErrIPv6Unsupported
	}

	// +4 for the trailing ICRC itself: IP.total_len/UDP.length are computed
	// as though it were already part of the datagram, matching a real wire
	// packet, even though the 4 placeholder bytes are never hashed.
	udpLen := 8 + len(bth) + len(rest) + 4
	ipLayer := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TOS:      0xff, // masked, §4.1
		Length:   uint16(20 + udpLen),
		TTL:      0xff, // masked
		Protocol: layers.IPProtocolUDP,
		Checksum: 0xffff, // masked
		SrcIP:    srcIP4,
		DstIP:    dstIP4,
	}
	udpLayer := &layers.UDP{
		SrcPort:  layers.UDPPort(srcPort),
		DstPort:  layers.UDPPort(dstPort),
		Length:   uint16(udpLen),
		Checksum: 0xffff, // masked
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: false, ComputeChecksums: false}
	if err := gopacket.SerializeLayers(buf, opts, ipLayer, udpLayer); err != nil {
		return 0, err
	}

	maskedBTH := bth
	maskedBTH[bthByte4Index] = 0xff

	h := crc32.NewIEEE()
	h.Write(pseudoLRH[:])
	h.Write(buf.Bytes())
	h.Write(maskedBTH[:])
	h.Write(rest)
	return h.Sum32(), nil
}

// Pack encodes an ICRC value the way it is emitted on the wire: little-
// endian, i.e. byte-reversed relative to the big-endian numeric form (§4.1).
func Pack(v uint32) [4]byte {
	var out [4]byte
	binary.LittleEndian.PutUint32(out[:], v)
	return out
}

// Unpack is the inverse of Pack.
func Unpack(b [4]byte) uint32 {
	return binary.LittleEndian.Uint32(b[:])
}
