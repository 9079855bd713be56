package patcher

import (
	"bytes"
	"testing"

	"github.com/acidanthera/ockernlib/pkg/ockerr"
)

func TestApplyGenericPatchBasic(t *testing.T) {
	buf := []byte{0x90, 0x48, 0x89, 0xE5, 0x90, 0x48, 0x89, 0xE5}
	d := Descriptor{
		Find:    []byte{0x48, 0x89, 0xE5},
		Replace: []byte{0x48, 0x31, 0xC0},
	}
	n, err := ApplyGenericPatch(buf, Window{Base: 0, Limit: 0}, "__kernel__", d)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 replacements, got %d", n)
	}
	want := []byte{0x90, 0x48, 0x31, 0xC0, 0x90, 0x48, 0x31, 0xC0}
	if !bytes.Equal(buf, want) {
		t.Fatalf("got %x, want %x", buf, want)
	}
}

func TestApplyGenericPatchSkipAndCount(t *testing.T) {
	buf := []byte{0xAA, 0xAA, 0xAA}
	d := Descriptor{Find: []byte{0xAA}, Replace: []byte{0xBB}, Skip: 1, Count: 1}
	n, err := ApplyGenericPatch(buf, Window{}, "__kernel__", d)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || !bytes.Equal(buf, []byte{0xAA, 0xBB, 0xAA}) {
		t.Fatalf("got %x n=%d", buf, n)
	}
}

func TestApplyGenericPatchNotFound(t *testing.T) {
	buf := []byte{0x00, 0x00}
	_, err := ApplyGenericPatch(buf, Window{}, "com.example.kext", Descriptor{Find: []byte{0xFF}, Replace: []byte{0xEE}})
	var perr *ockerr.PatchError
	if err == nil {
		t.Fatal("expected PatchNotFound")
	}
	if !asPatchError(err, &perr) {
		t.Fatalf("expected *ockerr.PatchError, got %T", err)
	}
}

func TestApplyGenericPatchOptionalNotFoundIsOK(t *testing.T) {
	buf := []byte{0x00, 0x00}
	n, err := ApplyGenericPatch(buf, Window{}, "com.example.kext", Descriptor{Find: []byte{0xFF}, Replace: []byte{0xEE}, Optional: true})
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected 0 replacements, got %d", n)
	}
}

func TestBlockKext(t *testing.T) {
	buf := make([]byte, 16)
	if err := BlockKext(buf, 4); err != nil {
		t.Fatal(err)
	}
	want := []byte{0xB8, 0x01, 0x00, 0x00, 0x00, 0xC3}
	if !bytes.Equal(buf[4:10], want) {
		t.Fatalf("got %x", buf[4:10])
	}
}

func asPatchError(err error, target **ockerr.PatchError) bool {
	pe, ok := err.(*ockerr.PatchError)
	if ok {
		*target = pe
	}
	return ok
}
