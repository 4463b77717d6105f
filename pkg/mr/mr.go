// Package mr implements memory regions and the protection domain that owns
// them (§3 "MR"/"PD", §2 item 4): byte-addressed buffers gated by an
// access-flag bitset, with bounds and permission checks shared by the send
// and receive queues.
package mr

import (
	"fmt"

	"github.com/samsamfire/roce"
)

// Region is a registered memory region: a byte buffer addressed either
// absolutely (base..base+length) or, under AccessZeroBased, by literal
// offset (§3).
type Region struct {
	VA     uint64
	Length uint64
	Access roce.AccessFlags
	LKey   uint32
	RKey   uint32

	buf []byte
}

// New allocates a Region backed by a freshly zeroed buffer of length bytes.
func New(va uint64, length uint64, access roce.AccessFlags, lkey, rkey uint32) *Region {
	return &Region{
		VA:     va,
		Length: length,
		Access: access,
		LKey:   lkey,
		RKey:   rkey,
		buf:    make([]byte, length),
	}
}

// offset converts an absolute or zero-based address into a buffer offset,
// validating that [addr, addr+size) lies within the region (§3 invariant).
func (r *Region) offset(addr uint64, size uint64) (uint64, error) {
	var off uint64
	if r.Access.Has(roce.AccessZeroBased) {
		off = addr
	} else {
		if addr < r.VA {
			return 0, roce.ErrMRBounds
		}
		off = addr - r.VA
	}
	if off+size > r.Length || off+size < off { // overflow-safe bound check
		return 0, roce.ErrMRBounds
	}
	return off, nil
}

// Require returns ErrMRPermission unless every bit in need is granted.
func (r *Region) Require(need roce.AccessFlags) error {
	if r.Access&need != need {
		return roce.ErrMRPermission
	}
	return nil
}

// Contains validates that [addr, addr+size) lies within the region without
// reading or writing anything, for scatter/gather validation at post time
// (§4.3 "Posting").
func (r *Region) Contains(addr uint64, size uint64) error {
	_, err := r.offset(addr, size)
	return err
}

// ReadAt copies size bytes starting at addr into a new slice.
func (r *Region) ReadAt(addr uint64, size uint64) ([]byte, error) {
	off, err := r.offset(addr, size)
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	copy(out, r.buf[off:off+size])
	return out, nil
}

// WriteAt copies data into the region starting at addr.
func (r *Region) WriteAt(addr uint64, data []byte) error {
	off, err := r.offset(addr, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(r.buf[off:off+uint64(len(data))], data)
	return nil
}

// Uint64At reads an 8-byte unsigned value at addr in host byte order, used
// by atomic fetch-and-op (§4.4 "Atomic requests").
func (r *Region) Uint64At(addr uint64) (uint64, error) {
	off, err := r.offset(addr, 8)
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(r.buf[off+uint64(i)]) << (8 * i)
	}
	return v, nil
}

// PutUint64At writes an 8-byte unsigned value at addr in host byte order.
func (r *Region) PutUint64At(addr uint64, v uint64) error {
	off, err := r.offset(addr, 8)
	if err != nil {
		return err
	}
	for i := 0; i < 8; i++ {
		r.buf[off+uint64(i)] = byte(v >> (8 * i))
	}
	return nil
}

// AlignedAt8 reports whether addr is 8-byte aligned relative to the
// region's own addressing mode, required for atomics (§4.4).
func (r *Region) AlignedAt8(addr uint64) bool {
	if r.Access.Has(roce.AccessZeroBased) {
		return addr%8 == 0
	}
	return (addr-r.VA)%8 == 0
}

func (r *Region) String() string {
	return fmt.Sprintf("mr{va=0x%x len=%d lkey=0x%x rkey=0x%x access=0x%x}",
		r.VA, r.Length, r.LKey, r.RKey, uint32(r.Access))
}
