package mr

import (
	"testing"

	"github.com/samsamfire/roce"
)

func TestReadWriteRoundTrip(t *testing.T) {
	r := New(0x1000, 64, roce.AccessLocalWrite|roce.AccessRemoteWrite, 1, 1)
	if err := r.WriteAt(0x1000, []byte("hello")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got, err := r.ReadAt(0x1000, 5)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestBoundsEnforced(t *testing.T) {
	r := New(0x1000, 16, roce.AccessRemoteWrite, 1, 1)
	if err := r.WriteAt(0x1000, make([]byte, 17)); err != roce.ErrMRBounds {
		t.Fatalf("err = %v, want ErrMRBounds", err)
	}
	if _, err := r.ReadAt(0x0ff0, 4); err != roce.ErrMRBounds {
		t.Fatalf("err = %v, want ErrMRBounds (below base)", err)
	}
}

func TestZeroBasedOffsets(t *testing.T) {
	r := New(0, 16, roce.AccessZeroBased|roce.AccessRemoteWrite, 1, 1)
	if err := r.WriteAt(4, []byte{0xaa}); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got, err := r.ReadAt(4, 1)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if got[0] != 0xaa {
		t.Fatalf("got %x", got[0])
	}
}

func TestRequirePermission(t *testing.T) {
	r := New(0x1000, 16, roce.AccessRemoteWrite, 1, 1)
	if err := r.Require(roce.AccessRemoteRead); err != roce.ErrMRPermission {
		t.Fatalf("err = %v, want ErrMRPermission", err)
	}
	if err := r.Require(roce.AccessRemoteWrite); err != nil {
		t.Fatalf("Require: %v", err)
	}
}

func TestUint64AtRoundTripAndAlignment(t *testing.T) {
	r := New(0x1000, 16, roce.AccessRemoteAtomic, 1, 1)
	if !r.AlignedAt8(0x1000) || r.AlignedAt8(0x1001) {
		t.Fatalf("alignment check wrong")
	}
	if err := r.PutUint64At(0x1000, 42); err != nil {
		t.Fatalf("PutUint64At: %v", err)
	}
	got, err := r.Uint64At(0x1000)
	if err != nil {
		t.Fatalf("Uint64At: %v", err)
	}
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

func TestPDRegDeregMR(t *testing.T) {
	pd := NewPD()
	r := pd.RegMR(0x2000, 32, roce.AccessLocalWrite)
	if got, err := pd.ByLKey(r.LKey); err != nil || got != r {
		t.Fatalf("ByLKey failed: %v", err)
	}
	if got, err := pd.ByRKey(r.RKey); err != nil || got != r {
		t.Fatalf("ByRKey failed: %v", err)
	}
	pd.DeregMR(r)
	if _, err := pd.ByLKey(r.LKey); err != roce.ErrMRNotFound {
		t.Fatalf("err = %v, want ErrMRNotFound", err)
	}
}
