package envelope

import (
	"bytes"
	"encoding/binary"
	"testing"
)

type memReader struct{ b []byte }

func (m memReader) Size() int64 { return int64(len(m.b)) }
func (m memReader) ReadAt(off int64, buf []byte) (int, error) {
	n := copy(buf, m.b[off:])
	return n, nil
}

func machoStub(n int) []byte {
	buf := make([]byte, n)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(0xfeedfacf)) // Magic64
	return buf
}

func TestOpenPlainMachO(t *testing.T) {
	raw := machoStub(64)
	out, used, digest, err := Open(memReader{raw}, 32)
	if err != nil {
		t.Fatal(err)
	}
	if used != 64 {
		t.Fatalf("expected used=64, got %d", used)
	}
	if len(out) != 96 {
		t.Fatalf("expected capacity 96, got %d", len(out))
	}
	if !bytes.Equal(out[:64], raw) {
		t.Fatal("payload mismatch")
	}
	var zero [48]byte
	if digest == zero {
		t.Fatal("expected non-zero digest")
	}
}

func TestOpenRejectsNonMachO(t *testing.T) {
	raw := make([]byte, 16) // all zero, not "comp" and not Mach-O magic
	if _, _, _, err := Open(memReader{raw}, 0); err == nil {
		t.Fatal("expected error for non-Mach-O, non-compressed input")
	}
}

func TestDecodeLZSSAllLiterals(t *testing.T) {
	want := []byte("hello, prelinked kernel world!!")
	// An all-literal LZSS stream: one flag byte 0xFF (all 8 slots literal)
	// per up-to-8 bytes of payload, literal bytes interleaved.
	var src []byte
	for i := 0; i < len(want); i += 8 {
		end := i + 8
		if end > len(want) {
			end = len(want)
		}
		chunk := want[i:end]
		flags := byte(0xFF)
		src = append(src, flags)
		src = append(src, chunk...)
	}
	dst := make([]byte, len(want))
	n, err := decodeLZSS(src, dst)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(want) || !bytes.Equal(dst, want) {
		t.Fatalf("got %q, want %q", dst, want)
	}
}

func TestDecodeLZVNSmallLiteralAndEOS(t *testing.T) {
	want := []byte("abcd")
	src := []byte{0xE0 + 3, 'a', 'b', 'c', 'd', 0x06}
	dst := make([]byte, len(want))
	n, err := decodeLZVN(src, dst)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(want) || !bytes.Equal(dst, want) {
		t.Fatalf("got %q, want %q", dst, want)
	}
}
