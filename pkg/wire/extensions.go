package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/samsamfire/roce"
)

// RETH carries a remote virtual address, rkey, and message length for write
// and read requests (§4.1). 16 bytes on the wire.
type RETH struct {
	VA    uint64
	RKey  uint32
	DLen  uint32
}

const rethSize = 16

func (r RETH) Encode() [rethSize]byte {
	var b [rethSize]byte
	binary.BigEndian.PutUint64(b[0:8], r.VA)
	binary.BigEndian.PutUint32(b[8:12], r.RKey)
	binary.BigEndian.PutUint32(b[12:16], r.DLen)
	return b
}

func DecodeRETH(b []byte) (RETH, error) {
	if len(b) < rethSize {
		return RETH{}, fmt.Errorf("wire: RETH needs %d bytes, got %d", rethSize, len(b))
	}
	return RETH{
		VA:   binary.BigEndian.Uint64(b[0:8]),
		RKey: binary.BigEndian.Uint32(b[8:12]),
		DLen: binary.BigEndian.Uint32(b[12:16]),
	}, nil
}

// AtomicETH carries the operands of a COMPARE_SWAP or FETCH_ADD request.
// 28 bytes on the wire.
type AtomicETH struct {
	VA     uint64
	RKey   uint32
	Comp   uint64
	Swap   uint64
}

const atomicETHSize = 28

func (a AtomicETH) Encode() [atomicETHSize]byte {
	var b [atomicETHSize]byte
	binary.BigEndian.PutUint64(b[0:8], a.VA)
	binary.BigEndian.PutUint32(b[8:12], a.RKey)
	binary.BigEndian.PutUint64(b[12:20], a.Comp)
	binary.BigEndian.PutUint64(b[20:28], a.Swap)
	return b
}

func DecodeAtomicETH(b []byte) (AtomicETH, error) {
	if len(b) < atomicETHSize {
		return AtomicETH{}, fmt.Errorf("wire: AtomicETH needs %d bytes, got %d", atomicETHSize, len(b))
	}
	return AtomicETH{
		VA:   binary.BigEndian.Uint64(b[0:8]),
		RKey: binary.BigEndian.Uint32(b[8:12]),
		Comp: binary.BigEndian.Uint64(b[12:20]),
		Swap: binary.BigEndian.Uint64(b[20:28]),
	}, nil
}

// AtomicAckETH carries the pre-operation value returned by an atomic
// responder. 8 bytes on the wire.
type AtomicAckETH struct {
	Orig uint64
}

const atomicAckETHSize = 8

func (a AtomicAckETH) Encode() [atomicAckETHSize]byte {
	var b [atomicAckETHSize]byte
	binary.BigEndian.PutUint64(b[:], a.Orig)
	return b
}

func DecodeAtomicAckETH(b []byte) (AtomicAckETH, error) {
	if len(b) < atomicAckETHSize {
		return AtomicAckETH{}, fmt.Errorf("wire: AtomicAckETH needs %d bytes, got %d", atomicAckETHSize, len(b))
	}
	return AtomicAckETH{Orig: binary.BigEndian.Uint64(b[:8])}, nil
}

// AETH carries ACK/NAK/RNR syndrome and the responder's MSN. 4 bytes on the
// wire: rsvd(1), code(2), value(5), msn(24).
type AETH struct {
	Code  roce.AETHCode
	Value uint8 // 5 bits
	MSN   uint32 // 24 bits
}

const aethSize = 4

func (a AETH) Encode() [aethSize]byte {
	var b [aethSize]byte
	b[0] = byte(a.Code)<<5 | a.Value&0x1f
	m := a.MSN & 0xffffff
	b[1] = byte(m >> 16)
	b[2] = byte(m >> 8)
	b[3] = byte(m)
	return b
}

func DecodeAETH(b []byte) (AETH, error) {
	if len(b) < aethSize {
		return AETH{}, fmt.Errorf("wire: AETH needs %d bytes, got %d", aethSize, len(b))
	}
	return AETH{
		Code:  roce.AETHCode(b[0] >> 5 & 0x03),
		Value: b[0] & 0x1f,
		MSN:   uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]),
	}, nil
}

// ImmDt carries a 32-bit immediate value. 4 bytes on the wire.
type ImmDt struct {
	Data uint32
}

const immDtSize = 4

func (i ImmDt) Encode() [immDtSize]byte {
	var b [immDtSize]byte
	binary.BigEndian.PutUint32(b[:], i.Data)
	return b
}

func DecodeImmDt(b []byte) (ImmDt, error) {
	if len(b) < immDtSize {
		return ImmDt{}, fmt.Errorf("wire: ImmDt needs %d bytes, got %d", immDtSize, len(b))
	}
	return ImmDt{Data: binary.BigEndian.Uint32(b[:4])}, nil
}

// IETH carries the rkey a SEND_WITH_INVALIDATE asks the responder to
// invalidate. 4 bytes on the wire.
type IETH struct {
	RKey uint32
}

const iethSize = 4

func (i IETH) Encode() [iethSize]byte {
	var b [iethSize]byte
	binary.BigEndian.PutUint32(b[:], i.RKey)
	return b
}

func DecodeIETH(b []byte) (IETH, error) {
	if len(b) < iethSize {
		return IETH{}, fmt.Errorf("wire: IETH needs %d bytes, got %d", iethSize, len(b))
	}
	return IETH{RKey: binary.BigEndian.Uint32(b[:4])}, nil
}

// RETHImmDt is RETH with a trailing immediate, used in this core for both
// RDMA_WRITE_ONLY_WITH_IMMEDIATE and RDMA_WRITE_LAST_WITH_IMMEDIATE (see
// the extension-binding note on extensionFor in packet.go). 20 bytes on the
// wire.
type RETHImmDt struct {
	VA   uint64
	RKey uint32
	DLen uint32
	Imm  uint32
}

const rethImmDtSize = 20

func (r RETHImmDt) Encode() [rethImmDtSize]byte {
	var b [rethImmDtSize]byte
	binary.BigEndian.PutUint64(b[0:8], r.VA)
	binary.BigEndian.PutUint32(b[8:12], r.RKey)
	binary.BigEndian.PutUint32(b[12:16], r.DLen)
	binary.BigEndian.PutUint32(b[16:20], r.Imm)
	return b
}

func DecodeRETHImmDt(b []byte) (RETHImmDt, error) {
	if len(b) < rethImmDtSize {
		return RETHImmDt{}, fmt.Errorf("wire: RETHImmDt needs %d bytes, got %d", rethImmDtSize, len(b))
	}
	return RETHImmDt{
		VA:   binary.BigEndian.Uint64(b[0:8]),
		RKey: binary.BigEndian.Uint32(b[8:12]),
		DLen: binary.BigEndian.Uint32(b[12:16]),
		Imm:  binary.BigEndian.Uint32(b[16:20]),
	}, nil
}
