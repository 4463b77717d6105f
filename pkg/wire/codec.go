package wire

import (
	"errors"
	"fmt"
	"net"

	"github.com/samsamfire/roce"
	"github.com/samsamfire/roce/internal/icrc"
)

// ErrICRCMismatch is returned by Decode when the trailing ICRC does not
// match the recomputed value.
var ErrICRCMismatch = errors.New("wire: ICRC mismatch")

// Endpoint is the IP/UDP addressing context the ICRC pseudo-header is
// computed over (§4.1); it is not carried in Packet because it never
// travels with the packet itself — the UDP/IP stack supplies it.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

// Encode serializes p into its on-wire form: BTH, bound extension header,
// payload, and a little-endian ICRC trailer (§4.1).
func Encode(p Packet, src, dst Endpoint) (roce.RawPacket, error) {
	bthBytes := p.BTH.Encode()
	ext := p.extensionBytes()

	rest := make([]byte, 0, len(ext)+len(p.Payload))
	rest = append(rest, ext...)
	rest = append(rest, p.Payload...)

	crc, err := icrc.Compute(bthBytes, rest, src.IP, dst.IP, src.Port, dst.Port)
	if err != nil {
		return nil, err
	}
	trailer := icrc.Pack(crc)

	out := make(roce.RawPacket, 0, Size+len(rest)+4)
	out = append(out, bthBytes[:]...)
	out = append(out, rest...)
	out = append(out, trailer[:]...)
	return out, nil
}

// Decode parses a raw packet into a Packet, verifying the ICRC trailer.
func Decode(raw roce.RawPacket, src, dst Endpoint) (Packet, error) {
	if len(raw) < Size+4 {
		return Packet{}, fmt.Errorf("wire: packet too short (%d bytes)", len(raw))
	}
	bth, err := DecodeBTH(raw)
	if err != nil {
		return Packet{}, err
	}

	body := raw[Size : len(raw)-4]
	trailer := raw[len(raw)-4:]

	var bthBytes [Size]byte
	copy(bthBytes[:], raw[:Size])
	want, err := icrc.Compute(bthBytes, body, src.IP, dst.IP, src.Port, dst.Port)
	if err != nil {
		return Packet{}, err
	}
	var gotArr [4]byte
	copy(gotArr[:], trailer)
	if icrc.Unpack(gotArr) != want {
		return Packet{}, ErrICRCMismatch
	}

	pkt := Packet{BTH: bth}
	switch extensionFor(bth.OpCode) {
	case ExtRETH:
		if len(body) < rethSize {
			return Packet{}, fmt.Errorf("wire: truncated RETH")
		}
		r, err := DecodeRETH(body)
		if err != nil {
			return Packet{}, err
		}
		pkt.RETH = &r
		pkt.Payload = body[rethSize:]
	case ExtRETHImmDt:
		if len(body) < rethImmDtSize {
			return Packet{}, fmt.Errorf("wire: truncated RETHImmDt")
		}
		r, err := DecodeRETHImmDt(body)
		if err != nil {
			return Packet{}, err
		}
		pkt.RETHImmDt = &r
		pkt.Payload = body[rethImmDtSize:]
	case ExtImmDt:
		if len(body) < immDtSize {
			return Packet{}, fmt.Errorf("wire: truncated ImmDt")
		}
		v, err := DecodeImmDt(body)
		if err != nil {
			return Packet{}, err
		}
		pkt.ImmDt = &v
		pkt.Payload = body[immDtSize:]
	case ExtIETH:
		if len(body) < iethSize {
			return Packet{}, fmt.Errorf("wire: truncated IETH")
		}
		v, err := DecodeIETH(body)
		if err != nil {
			return Packet{}, err
		}
		pkt.IETH = &v
		pkt.Payload = body[iethSize:]
	case ExtAtomicETH:
		if len(body) < atomicETHSize {
			return Packet{}, fmt.Errorf("wire: truncated AtomicETH")
		}
		v, err := DecodeAtomicETH(body)
		if err != nil {
			return Packet{}, err
		}
		pkt.AtomicETH = &v
		pkt.Payload = body[atomicETHSize:]
	case ExtAETH:
		if len(body) < aethSize {
			return Packet{}, fmt.Errorf("wire: truncated AETH")
		}
		v, err := DecodeAETH(body)
		if err != nil {
			return Packet{}, err
		}
		pkt.AETH = &v
		rest := body[aethSize:]
		if bth.OpCode == roce.OpAtomicAcknowledge {
			if len(rest) < atomicAckETHSize {
				return Packet{}, fmt.Errorf("wire: truncated AtomicAckETH")
			}
			a, err := DecodeAtomicAckETH(rest)
			if err != nil {
				return Packet{}, err
			}
			pkt.AtomicAckETH = &a
			rest = rest[atomicAckETHSize:]
		}
		pkt.Payload = rest
	default:
		pkt.Payload = body
	}

	return pkt, nil
}
