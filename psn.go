package roce

// PSN is a 24-bit modular packet sequence number (§3, §4.2). Only the low 24
// bits are ever significant; callers must mask with PSNMask after arithmetic
// that is not already done through the helpers below.
type PSN uint32

// PSNMask isolates the 24 significant bits of a PSN.
const PSNMask PSN = 0xFFFFFF

// psnModulus is 2^24, the PSN wrap point.
const psnModulus = PSN(1) << 24

// psnHalfWindow is 2^23, half the PSN space, used by the oldest-midpoint
// compare rule.
const psnHalfWindow = PSN(1) << 22 << 1 // keep as a distinct constant from psnModulus/2 for clarity

// Next returns (p+1) mod 2^24.
func (p PSN) Next() PSN { return (p + 1) & PSNMask }

// Prev returns (p-1) mod 2^24.
func (p PSN) Prev() PSN { return (p - 1) & PSNMask }

// Add returns (p+n) mod 2^24.
func (p PSN) Add(n uint32) PSN { return (p + PSN(n)) & PSNMask }

// Compare orders a and b relative to a reference curMax using the "oldest"
// midpoint rule from §4.2: the cutoff between "old" and "new" is
// (curMax - 2^23) mod 2^24; PSNs on the new side of the cutoff compare as
// greater. Returns -1, 0, or +1.
func Compare(a, b, curMax PSN) int {
	if a == b {
		return 0
	}
	cutoff := (curMax - psnHalfWindow) & PSNMask
	da := (a - cutoff) & PSNMask
	db := (b - cutoff) & PSNMask
	switch {
	case da < db:
		return -1
	case da > db:
		return 1
	default:
		return 0
	}
}

// Range yields the half-open range [start, end) under modular increment,
// i.e. the PSNs a packet occupying that window would carry.
func Range(start, end PSN) []PSN {
	if start == end {
		return nil
	}
	out := make([]PSN, 0, 4)
	for p := start; ; p = p.Next() {
		out = append(out, p)
		if p == end.Prev() {
			break
		}
	}
	return out
}

// InWindow reports whether p falls in the half-open window
// [lo, hi) under the oldest-midpoint rule anchored at curMax.
func InWindow(p, lo, hi, curMax PSN) bool {
	return Compare(p, lo, curMax) >= 0 && Compare(p, hi, curMax) < 0
}
