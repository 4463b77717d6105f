package fifo

import "testing"

func TestWriteReadRoundTrip(t *testing.T) {
	f := New(8)
	n := f.Write([]byte("hello"))
	if n != 5 {
		t.Fatalf("wrote %d bytes, want 5", n)
	}
	buf := make([]byte, 5)
	if got := f.Read(buf); got != 5 {
		t.Fatalf("read %d bytes, want 5", got)
	}
	if string(buf) != "hello" {
		t.Fatalf("got %q, want %q", buf, "hello")
	}
}

func TestWriteStopsAtCapacity(t *testing.T) {
	f := New(4)
	n := f.Write([]byte{1, 2, 3, 4, 5, 6})
	if n != 4 {
		t.Fatalf("wrote %d bytes, want 4 (capacity)", n)
	}
	if f.Space() != 0 {
		t.Fatalf("space = %d, want 0", f.Space())
	}
}

func TestResetClearsOccupied(t *testing.T) {
	f := New(4)
	f.Write([]byte{1, 2})
	f.Reset()
	if f.Occupied() != 0 {
		t.Fatalf("occupied = %d, want 0 after reset", f.Occupied())
	}
}
