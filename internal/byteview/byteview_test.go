package byteview

import "testing"

func TestViewSliceBounds(t *testing.T) {
	buf := make([]byte, 16)
	v := Over(buf)

	if _, err := v.Slice(10, 10); err != ErrOutOfBounds {
		t.Fatalf("expected ErrOutOfBounds, got %v", err)
	}
	if _, err := v.Slice(-1, 4); err != ErrOutOfBounds {
		t.Fatalf("expected ErrOutOfBounds for negative offset, got %v", err)
	}
	sub, err := v.Slice(4, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.Len() != 8 {
		t.Fatalf("expected len 8, got %d", sub.Len())
	}
}

func TestViewReadWriteRoundTrip(t *testing.T) {
	buf := make([]byte, 16)
	v := Over(buf)
	if err := v.WriteUint64(0, 0x1122334455667788); err != nil {
		t.Fatal(err)
	}
	got, err := v.ReadUint64(0)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0x1122334455667788 {
		t.Fatalf("got %#x", got)
	}
}

func TestFindMasked(t *testing.T) {
	hay := []byte{0x48, 0x89, 0xAA, 0xBB, 0x00, 0x48, 0x89, 0xCC, 0xDD}
	pattern := []byte{0x48, 0x89, 0x00, 0x00}
	mask := []byte{0xFF, 0xFF, 0x00, 0x00}

	off, ok := Find(hay, 0, pattern, mask)
	if !ok || off != 0 {
		t.Fatalf("expected match at 0, got off=%d ok=%v", off, ok)
	}
	off, ok = Find(hay, off+1, pattern, mask)
	if !ok || off != 5 {
		t.Fatalf("expected second match at 5, got off=%d ok=%v", off, ok)
	}
}

func TestRoundUp(t *testing.T) {
	if RoundUp(0, 4096) != 0 {
		t.Fatal("zero should round to zero")
	}
	if RoundUp(1, 4096) != 4096 {
		t.Fatal("1 should round up to a full page")
	}
	if RoundUp(4096, 4096) != 4096 {
		t.Fatal("an exact multiple should stay put")
	}
}
