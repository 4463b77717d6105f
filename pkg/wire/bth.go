// Package wire implements the RoCE v2 Base Transport Header and its
// extension headers (§4.1): bit-exact encode/decode, the binding of
// extension headers to opcodes, and ICRC framing built on internal/icrc.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/samsamfire/roce"
)

// Size is the fixed on-wire length of a BTH, in bytes.
const Size = 12

// BTH is the Base Transport Header (§4.1). All fields are carried in
// network order; Encode/Decode pack and unpack the 12-byte wire form.
type BTH struct {
	OpCode    roce.Opcode
	Solicited bool
	MigReq    bool
	PadCount  uint8 // 2 bits
	Version   uint8 // 4 bits
	PKey      uint16
	FECN      bool
	BECN      bool
	Reserved6 uint8 // 6 bits
	DestQPN   uint32 // 24 bits
	AckReq    bool
	Reserved7 uint8 // 7 bits
	PSN       roce.PSN // 24 bits
}

// Encode packs h into its 12-byte wire form.
func (h BTH) Encode() [Size]byte {
	var b [Size]byte
	b[0] = byte(h.OpCode)

	b[1] = h.PadCount&0x03<<4 | h.Version&0x0f
	if h.Solicited {
		b[1] |= 0x80
	}
	if h.MigReq {
		b[1] |= 0x40
	}

	binary.BigEndian.PutUint16(b[2:4], h.PKey)

	b[4] = h.Reserved6 & 0x3f
	if h.FECN {
		b[4] |= 0x80
	}
	if h.BECN {
		b[4] |= 0x40
	}

	b[5] = byte(h.DestQPN >> 16)
	b[6] = byte(h.DestQPN >> 8)
	b[7] = byte(h.DestQPN)

	b[8] = h.Reserved7 & 0x7f
	if h.AckReq {
		b[8] |= 0x80
	}

	p := uint32(h.PSN) & uint32(roce.PSNMask)
	b[9] = byte(p >> 16)
	b[10] = byte(p >> 8)
	b[11] = byte(p)

	return b
}

// DecodeBTH unpacks the first Size bytes of b into a BTH.
func DecodeBTH(b []byte) (BTH, error) {
	if len(b) < Size {
		return BTH{}, fmt.Errorf("wire: BTH needs %d bytes, got %d", Size, len(b))
	}
	h := BTH{
		OpCode:    roce.Opcode(b[0]),
		Solicited: b[1]&0x80 != 0,
		MigReq:    b[1]&0x40 != 0,
		PadCount:  b[1] >> 4 & 0x03,
		Version:   b[1] & 0x0f,
		PKey:      binary.BigEndian.Uint16(b[2:4]),
		FECN:      b[4]&0x80 != 0,
		BECN:      b[4]&0x40 != 0,
		Reserved6: b[4] & 0x3f,
		DestQPN:   uint32(b[5])<<16 | uint32(b[6])<<8 | uint32(b[7]),
		AckReq:    b[8]&0x80 != 0,
		Reserved7: b[8] & 0x7f,
		PSN:       roce.PSN(uint32(b[9])<<16 | uint32(b[10])<<8 | uint32(b[11])),
	}
	return h, nil
}
