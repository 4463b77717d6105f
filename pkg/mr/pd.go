package mr

import "github.com/samsamfire/roce"

// PD is a protection domain: the arena that owns a set of Regions, keyed by
// both lkey and rkey (§3). QPs hold a non-owning reference into their PD
// (§9 "Cyclic references") rather than each copying region state.
type PD struct {
	byLKey map[uint32]*Region
	byRKey map[uint32]*Region
	nextKey uint32
}

// NewPD allocates an empty protection domain.
func NewPD() *PD {
	return &PD{
		byLKey: make(map[uint32]*Region),
		byRKey: make(map[uint32]*Region),
	}
}

// RegMR registers a new memory region and returns it. lkey and rkey are
// minted sequentially and may coincide, matching the "values may coincide"
// note in §3.
func (pd *PD) RegMR(va uint64, length uint64, access roce.AccessFlags) *Region {
	pd.nextKey++
	key := pd.nextKey
	r := New(va, length, access, key, key)
	pd.byLKey[r.LKey] = r
	pd.byRKey[r.RKey] = r
	return r
}

// DeregMR removes a region from the domain. Subsequent lookups by either
// key fail with ErrMRNotFound.
func (pd *PD) DeregMR(r *Region) {
	delete(pd.byLKey, r.LKey)
	delete(pd.byRKey, r.RKey)
}

// ByLKey resolves a local scatter/gather reference.
func (pd *PD) ByLKey(lkey uint32) (*Region, error) {
	r, ok := pd.byLKey[lkey]
	if !ok {
		return nil, roce.ErrMRNotFound
	}
	return r, nil
}

// ByRKey resolves a remote reference carried in RETH/AtomicETH/IETH.
func (pd *PD) ByRKey(rkey uint32) (*Region, error) {
	r, ok := pd.byRKey[rkey]
	if !ok {
		return nil, roce.ErrMRNotFound
	}
	return r, nil
}
