package machobj

import (
	"encoding/binary"
	"testing"

	"github.com/acidanthera/ockernlib/internal/byteview"
	"github.com/acidanthera/ockernlib/types"
)

// buildMinimalMachO assembles a tiny 64-bit Mach-O: header + one
// LC_SEGMENT_64 (no sections) + LC_SYMTAB (zero symbols) + LC_UUID.
func buildMinimalMachO(t *testing.T) []byte {
	t.Helper()
	const headerSize = 32
	const segCmdSize = 4 + 4 + 16 + 8 + 8 + 8 + 8 + 4 + 4 + 4 + 4
	const symCmdSize = 24
	const uuidCmdSize = 24

	buf := make([]byte, headerSize+segCmdSize+symCmdSize+uuidCmdSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(types.Magic64))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(types.CPUAmd64))
	binary.LittleEndian.PutUint32(buf[16:20], 3) // ncmds

	off := headerSize
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(types.LC_SEGMENT_64))
	binary.LittleEndian.PutUint32(buf[off+4:off+8], segCmdSize)
	copy(buf[off+8:off+24], []byte("__TEXT"))
	off += segCmdSize

	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(types.LC_SYMTAB))
	binary.LittleEndian.PutUint32(buf[off+4:off+8], symCmdSize)
	off += symCmdSize

	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(types.LC_UUID))
	binary.LittleEndian.PutUint32(buf[off+4:off+8], uuidCmdSize)
	for i := 0; i < 16; i++ {
		buf[off+8+i] = byte(i)
	}

	return buf
}

func TestParseMinimalMachO(t *testing.T) {
	buf := buildMinimalMachO(t)
	ctx, err := Parse(byteview.Over(buf))
	if err != nil {
		t.Fatal(err)
	}
	if len(ctx.Segments) != 1 || ctx.Segments[0].Name != "__TEXT" {
		t.Fatalf("expected one __TEXT segment, got %+v", ctx.Segments)
	}
	if ctx.Symtab == nil || ctx.Symtab.Nsyms != 0 {
		t.Fatalf("expected empty symtab, got %+v", ctx.Symtab)
	}
	if ctx.UUID.IsNull() {
		t.Fatal("expected non-null UUID")
	}
}

func TestParseRejectsNon64Bit(t *testing.T) {
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(types.Magic32))
	if _, err := Parse(byteview.Over(buf)); err == nil {
		t.Fatal("expected error for 32-bit Mach-O")
	}
}
